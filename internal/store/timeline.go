package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/go-faster/errors"

	"spectra/internal/model"
)

// MonthsWithMessages returns the distinct "YYYY-MM" buckets that have at
// least one archived message, newest first. If topicID is non-nil, results
// are restricted to that topic.
func (s *Store) MonthsWithMessages(ctx context.Context, topicID *int64) ([]string, error) {
	query := `SELECT DISTINCT strftime('%Y-%m', date) AS bucket FROM messages`
	var args []any
	if topicID != nil {
		query += ` WHERE topic_id = ?`
		args = append(args, *topicID)
	}
	query += ` ORDER BY bucket DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "months with messages")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, errors.Wrap(err, "scan month bucket")
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DaylineForMonth returns a day-of-month (1-31) to message-count histogram
// for the given "YYYY-MM" month, optionally restricted to topicID.
func (s *Store) DaylineForMonth(ctx context.Context, month string, topicID *int64) (map[int]int, error) {
	query := `
		SELECT CAST(strftime('%d', date) AS INTEGER) AS day, COUNT(*)
		FROM messages WHERE strftime('%Y-%m', date) = ?`
	args := []any{month}
	if topicID != nil {
		query += ` AND topic_id = ?`
		args = append(args, *topicID)
	}
	query += ` GROUP BY day`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "dayline for month")
	}
	defer rows.Close()

	out := make(map[int]int)
	for rows.Next() {
		var day, count int
		if err := rows.Scan(&day, &count); err != nil {
			return nil, errors.Wrap(err, "scan dayline row")
		}
		out[day] = count
	}
	return out, rows.Err()
}

// PagedMessage is one row of a PagedMessages result: a message together with
// the user and media rows it joins against, when those foreign keys resolve.
type PagedMessage struct {
	model.Message
	User  *model.User
	Media *model.Media
}

// PagedMessages returns messages from the given year/month (1-12) with id >
// lastId, oldest-first, up to limit rows, joined against users and media
// (spec §4.A: "paged messages (year, month, lastId, limit) joined with users
// and media"). Callers page forward by passing the last id returned as the
// next call's lastId; lastId=0 starts from the beginning of the month.
func (s *Store) PagedMessages(ctx context.Context, year, month int, lastID int64, limit int) ([]PagedMessage, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT
			m.id, m.type, m.date, m.edit_date, m.content, m.reply_to, m.user_id, m.media_id, m.topic_id, m.checksum,
			u.id, u.username, u.first_name, u.last_name, u.tags, u.avatar_path, u.last_updated,
			d.id, d.type, d.url, d.title, d.description, d.thumb, d.mime, d.checksum
		FROM messages m
		LEFT JOIN users u ON u.id = m.user_id
		LEFT JOIN media d ON d.id = m.media_id
		WHERE CAST(strftime('%Y', m.date) AS INTEGER) = ?
		  AND CAST(strftime('%m', m.date) AS INTEGER) = ?
		  AND m.id > ?
		ORDER BY m.id ASC
		LIMIT ?`,
		year, month, lastID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "paged messages")
	}
	defer rows.Close()

	var out []PagedMessage
	for rows.Next() {
		pm, err := scanPagedMessage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan paged message")
		}
		out = append(out, pm)
	}
	return out, rows.Err()
}

func scanPagedMessage(row rowScanner) (PagedMessage, error) {
	var pm PagedMessage
	var typ string
	var editDate sql.NullTime
	var replyTo, userID, mediaID, topicID sql.NullInt64
	var checksum sql.NullString

	var uID sql.NullInt64
	var uUsername, uFirstName, uLastName, uTags, uAvatarPath sql.NullString
	var uLastUpdated sql.NullTime

	var dID sql.NullInt64
	var dType, dURL, dTitle, dDescription, dThumb, dMIME, dChecksum sql.NullString

	if err := row.Scan(
		&pm.ID, &typ, &pm.Date, &editDate, &pm.Content, &replyTo, &userID, &mediaID, &topicID, &checksum,
		&uID, &uUsername, &uFirstName, &uLastName, &uTags, &uAvatarPath, &uLastUpdated,
		&dID, &dType, &dURL, &dTitle, &dDescription, &dThumb, &dMIME, &dChecksum,
	); err != nil {
		return PagedMessage{}, err
	}

	pm.Type = model.MessageKind(typ)
	if editDate.Valid {
		pm.EditDate = &editDate.Time
	}
	if replyTo.Valid {
		v := replyTo.Int64
		pm.ReplyTo = &v
	}
	if userID.Valid {
		v := userID.Int64
		pm.UserID = &v
	}
	if mediaID.Valid {
		v := mediaID.Int64
		pm.MediaID = &v
	}
	if topicID.Valid {
		v := topicID.Int64
		pm.TopicID = &v
	}
	if checksum.Valid {
		pm.Checksum = checksum.String
	}

	if uID.Valid {
		u := &model.User{ID: uID.Int64, Username: uUsername.String, FirstName: uFirstName.String, LastName: uLastName.String, AvatarPath: uAvatarPath.String}
		if uTags.String != "" {
			u.Tags = strings.Split(uTags.String, ",")
		}
		if uLastUpdated.Valid {
			u.LastUpdated = uLastUpdated.Time
		}
		pm.User = u
	}

	if dID.Valid {
		pm.Media = &model.Media{
			ID: dID.Int64, Type: model.MediaKind(dType.String), URL: dURL.String, Title: dTitle.String,
			Description: dDescription.String, Thumb: dThumb.String, MIME: dMIME.String, Checksum: dChecksum.String,
		}
	}

	return pm, nil
}


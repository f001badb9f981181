package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"spectra/internal/model"
)

// UpsertAccount inserts or updates an account's static credentials without
// touching its rolling health counters.
func (s *Store) UpsertAccount(ctx context.Context, a model.Account) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO accounts (session_handle, phone, api_id, api_hash)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(session_handle) DO UPDATE SET
				phone = excluded.phone,
				api_id = excluded.api_id,
				api_hash = excluded.api_hash`,
			a.SessionHandle, a.Phone, a.APIID, a.APIHash)
		if err != nil {
			return errors.Wrap(err, "upsert account")
		}
		return nil
	})
}

// UpdateAccountHealth persists the rolling usage/health fields spec §4.C
// maintains for one account.
func (s *Store) UpdateAccountHealth(ctx context.Context, sessionHandle string, h model.AccountHealth) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE accounts SET
				usage_count = ?,
				last_used_at = ?,
				last_error = ?,
				cooldown_until = ?,
				is_banned = ?,
				flood_wait_count = ?,
				success_count = ?
			WHERE session_handle = ?`,
			h.UsageCount, nullTimeVal(h.LastUsedAt), h.LastError, nullTimeVal(h.CooldownUntil),
			boolToInt(h.IsBanned), h.FloodWaitCount, h.SuccessCount, sessionHandle)
		if err != nil {
			return errors.Wrap(err, "update account health")
		}
		return nil
	})
}

// GetAccount fetches one account by session handle.
func (s *Store) GetAccount(ctx context.Context, sessionHandle string) (model.Account, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_handle, phone, api_id, api_hash, usage_count, last_used_at,
		       last_error, cooldown_until, is_banned, flood_wait_count, success_count
		FROM accounts WHERE session_handle = ?`, sessionHandle)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Account{}, false, nil
	}
	if err != nil {
		return model.Account{}, false, errors.Wrap(err, "get account")
	}
	return a, true, nil
}

// ListAccounts returns every known account, ordered by session handle for
// deterministic rotation tie-breaking (spec §4.D).
func (s *Store) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_handle, phone, api_id, api_hash, usage_count, last_used_at,
		       last_error, cooldown_until, is_banned, flood_wait_count, success_count
		FROM accounts ORDER BY session_handle`)
	if err != nil {
		return nil, errors.Wrap(err, "list accounts")
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan account")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (model.Account, error) {
	var a model.Account
	var lastUsed, cooldown sql.NullTime
	var banned int
	if err := row.Scan(&a.SessionHandle, &a.Phone, &a.APIID, &a.APIHash,
		&a.Health.UsageCount, &lastUsed, &a.Health.LastError, &cooldown, &banned,
		&a.Health.FloodWaitCount, &a.Health.SuccessCount); err != nil {
		return model.Account{}, err
	}
	if lastUsed.Valid {
		a.Health.LastUsedAt = lastUsed.Time
	}
	if cooldown.Valid {
		a.Health.CooldownUntil = cooldown.Time
	}
	a.Health.IsBanned = banned != 0
	return a, nil
}

// UpsertChannel records or refreshes a channel's identity fields.
func (s *Store) UpsertChannel(ctx context.Context, c model.Channel) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO channels (id, kind, title, username, access_hash, last_seen)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				kind = excluded.kind,
				title = excluded.title,
				username = excluded.username,
				access_hash = excluded.access_hash,
				last_seen = excluded.last_seen`,
			c.ID, string(c.Kind), c.Title, c.Username, c.AccessHash, nullTimeVal(c.LastSeen))
		if err != nil {
			return errors.Wrap(err, "upsert channel")
		}
		return nil
	})
}

// GetChannel fetches one channel by id.
func (s *Store) GetChannel(ctx context.Context, id int64) (model.Channel, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, title, username, access_hash, last_seen FROM channels WHERE id = ?`, id)
	var c model.Channel
	var kind string
	var lastSeen sql.NullTime
	if err := row.Scan(&c.ID, &kind, &c.Title, &c.Username, &c.AccessHash, &lastSeen); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Channel{}, false, nil
		}
		return model.Channel{}, false, errors.Wrap(err, "get channel")
	}
	c.Kind = model.ChannelKind(kind)
	if lastSeen.Valid {
		c.LastSeen = lastSeen.Time
	}
	return c, true, nil
}

// UpsertAccountChannelAccess records that an account can currently see a
// channel, used by ChannelAccessIndexer (spec §4.K).
func (s *Store) UpsertAccountChannelAccess(ctx context.Context, a model.AccountChannelAccess) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO account_channel_access (account_phone, channel_id, channel_name, access_hash, last_seen_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(account_phone, channel_id) DO UPDATE SET
				channel_name = excluded.channel_name,
				access_hash = excluded.access_hash,
				last_seen_at = excluded.last_seen_at`,
			a.AccountPhone, a.ChannelID, a.ChannelName, a.AccessHash, nullTimeVal(a.LastSeenAt))
		if err != nil {
			return errors.Wrap(err, "upsert account channel access")
		}
		return nil
	})
}

// ListAccountChannelAccess returns every channel an account currently has
// access to.
func (s *Store) ListAccountChannelAccess(ctx context.Context, accountPhone string) ([]model.AccountChannelAccess, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_phone, channel_id, channel_name, access_hash, last_seen_at
		FROM account_channel_access WHERE account_phone = ? ORDER BY channel_id`, accountPhone)
	if err != nil {
		return nil, errors.Wrap(err, "list account channel access")
	}
	defer rows.Close()

	var out []model.AccountChannelAccess
	for rows.Next() {
		var a model.AccountChannelAccess
		var lastSeen sql.NullTime
		if err := rows.Scan(&a.AccountPhone, &a.ChannelID, &a.ChannelName, &a.AccessHash, &lastSeen); err != nil {
			return nil, errors.Wrap(err, "scan account channel access")
		}
		if lastSeen.Valid {
			a.LastSeenAt = lastSeen.Time
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpsertUser records or refreshes a user's profile fields. Tags are stored
// as a comma-joined string; an empty string reads back as no tags.
func (s *Store) UpsertUser(ctx context.Context, u model.User) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO users (id, username, first_name, last_name, tags, avatar_path, last_updated)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				username = excluded.username,
				first_name = excluded.first_name,
				last_name = excluded.last_name,
				tags = excluded.tags,
				avatar_path = excluded.avatar_path,
				last_updated = excluded.last_updated`,
			u.ID, u.Username, u.FirstName, u.LastName, strings.Join(u.Tags, ","), u.AvatarPath, nullTimeVal(u.LastUpdated))
		if err != nil {
			return errors.Wrap(err, "upsert user")
		}
		return nil
	})
}

// GetUser fetches one user by id.
func (s *Store) GetUser(ctx context.Context, id int64) (model.User, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, username, first_name, last_name, tags, avatar_path, last_updated FROM users WHERE id = ?`, id)
	var u model.User
	var tags string
	var lastUpdated sql.NullTime
	if err := row.Scan(&u.ID, &u.Username, &u.FirstName, &u.LastName, &tags, &u.AvatarPath, &lastUpdated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, false, nil
		}
		return model.User{}, false, errors.Wrap(err, "get user")
	}
	if tags != "" {
		u.Tags = strings.Split(tags, ",")
	}
	if lastUpdated.Valid {
		u.LastUpdated = lastUpdated.Time
	}
	return u, true, nil
}

// UpsertTopic records a forum topic's identity.
func (s *Store) UpsertTopic(ctx context.Context, t model.Topic) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO topics (id, entity_id, title, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				entity_id = excluded.entity_id,
				title = excluded.title`,
			t.ID, t.EntityID, t.Title, nullTimeVal(t.CreatedAt))
		if err != nil {
			return errors.Wrap(err, "upsert topic")
		}
		return nil
	})
}

// GetTopic fetches one forum topic by id.
func (s *Store) GetTopic(ctx context.Context, id int64) (model.Topic, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, entity_id, title, created_at FROM topics WHERE id = ?`, id)
	var t model.Topic
	var createdAt sql.NullTime
	if err := row.Scan(&t.ID, &t.EntityID, &t.Title, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Topic{}, false, nil
		}
		return model.Topic{}, false, errors.Wrap(err, "get topic")
	}
	if createdAt.Valid {
		t.CreatedAt = createdAt.Time
	}
	return t, true, nil
}

// UpsertMedia stores a media record and its content-hash checksum, if known.
func (s *Store) UpsertMedia(ctx context.Context, m model.Media) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO media (id, type, url, title, description, thumb, mime, checksum)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				type = excluded.type,
				url = excluded.url,
				title = excluded.title,
				description = excluded.description,
				thumb = excluded.thumb,
				mime = excluded.mime,
				checksum = excluded.checksum`,
			m.ID, string(m.Type), m.URL, m.Title, m.Description, m.Thumb, m.MIME, nullString(m.Checksum))
		if err != nil {
			return errors.Wrap(err, "upsert media")
		}
		return nil
	})
}

// UpsertMessage stores one message along with its computed checksum.
func (s *Store) UpsertMessage(ctx context.Context, m model.Message) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (id, type, date, edit_date, content, reply_to, user_id, media_id, topic_id, checksum)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				type = excluded.type,
				date = excluded.date,
				edit_date = excluded.edit_date,
				content = excluded.content,
				reply_to = excluded.reply_to,
				user_id = excluded.user_id,
				media_id = excluded.media_id,
				topic_id = excluded.topic_id,
				checksum = excluded.checksum`,
			m.ID, string(m.Type), m.Date, nullTimePtr(m.EditDate), m.Content,
			nullInt64(m.ReplyTo), nullInt64(m.UserID), nullInt64(m.MediaID), nullInt64(m.TopicID),
			nullString(m.Checksum))
		if err != nil {
			return errors.Wrap(err, "upsert message")
		}
		return nil
	})
}

// InsertMention records a username sighting in a message body, feeding the
// discovery mention graph (spec §4.H).
func (s *Store) InsertMention(ctx context.Context, m model.UsernameMention) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO username_mentions (username, message_id, date, source)
			VALUES (?, ?, ?, ?)`,
			m.Username, m.MessageID, m.Date, string(m.Source))
		if err != nil {
			return errors.Wrap(err, "insert mention")
		}
		return nil
	})
}

func nullTimeVal(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullTimePtr(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return *t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt64(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

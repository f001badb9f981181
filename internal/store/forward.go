package store

import (
	"context"
	"database/sql"

	"github.com/go-faster/errors"

	"spectra/internal/model"
)

// ForwardedMessageExists checks the dedup table for hash, the fast path the
// forwarder (spec §4.J) takes before ever touching the network.
func (s *Store) ForwardedMessageExists(ctx context.Context, hash string) (bool, error) {
	var x int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM forwarded_messages WHERE hash = ?`, hash).Scan(&x)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "check forwarded message")
	}
	return true, nil
}

// InsertForwardedMessage records a hash as forwarded. Insert-or-ignore: a
// racing duplicate insert is not an error, since the dedup table's whole
// purpose is idempotent membership.
func (s *Store) InsertForwardedMessage(ctx context.Context, f model.ForwardedMessage) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO forwarded_messages (hash, origin_id, destination_id, message_id, forwarded_at, preview)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(hash) DO NOTHING`,
			f.Hash, f.OriginID, f.DestinationID, f.MessageID, f.ForwardedAt, f.Preview)
		if err != nil {
			return errors.Wrap(err, "insert forwarded message")
		}
		return nil
	})
}

// RecentForwardedMessages returns the most recently forwarded rows, newest
// first, bounded by limit. Used to seed the forwarder's in-memory dedup set
// at startup without loading the whole table.
func (s *Store) RecentForwardedMessages(ctx context.Context, limit int) ([]model.ForwardedMessage, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT hash, origin_id, destination_id, message_id, forwarded_at, preview
		FROM forwarded_messages ORDER BY forwarded_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "recent forwarded messages")
	}
	defer rows.Close()

	var out []model.ForwardedMessage
	for rows.Next() {
		var f model.ForwardedMessage
		if err := rows.Scan(&f.Hash, &f.OriginID, &f.DestinationID, &f.MessageID, &f.ForwardedAt, &f.Preview); err != nil {
			return nil, errors.Wrap(err, "scan forwarded message")
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

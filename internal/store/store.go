// Package store is the durable, concurrent-safe relational persistence layer
// (spec §4.A) for every entity the fleet orchestrator tracks: accounts and
// their health, channels, messages and media, discovery state, the mention
// graph, scheduler task records, and forward dedup hashes.
//
// It is backed by modernc.org/sqlite (pure Go, no cgo) in WAL mode with a
// single writer connection; every mutating call retries on SQLITE_BUSY/LOCKED
// with exponential backoff via github.com/cenkalti/backoff/v4, matching the
// retry shape spec §4.A requires (base 1s, x2, at least 3 attempts).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"

	_ "modernc.org/sqlite"

	"spectra/internal/infra/logger"
)

// defaultMaxRetries is the retry ceiling for busy/locked contention; spec
// §4.A requires at least 3.
const defaultMaxRetries = 5

// Store is the embedded relational store. A single *sql.DB with
// SetMaxOpenConns(1) serialises all writes through one connection; WAL mode
// lets readers proceed without blocking on that writer.
type Store struct {
	db  *sql.DB
	loc *time.Location
}

// Open creates (or attaches to) the sqlite file at path, enabling WAL mode
// and foreign-key enforcement, and creates every table this package uses if
// missing. tz, if nil, defaults to UTC. It is kept on the Store; the timeline
// queries bucket by the stored timestamps and do not convert them to tz.
func Open(path string, tz *time.Location) (*Store, error) {
	if tz == nil {
		tz = time.UTC
	}
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, loc: tz}
	if err := s.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for callers (tests, migrations tooling)
// that need it directly.
func (s *Store) DB() *sql.DB { return s.db }

// Close commits any pending WAL state and releases the connection.
// Calling it again on an already-closed Store returns nil (database/sql's
// Close is idempotent).
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) init(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return errors.Wrapf(err, "set pragma %q", p)
		}
	}

	for _, ddl := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return errors.Wrap(err, "create schema")
		}
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		session_handle TEXT PRIMARY KEY,
		phone TEXT NOT NULL DEFAULT '',
		api_id INTEGER NOT NULL,
		api_hash TEXT NOT NULL,
		usage_count INTEGER NOT NULL DEFAULT 0,
		last_used_at DATETIME,
		last_error TEXT NOT NULL DEFAULT '',
		cooldown_until DATETIME,
		is_banned INTEGER NOT NULL DEFAULT 0,
		flood_wait_count INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS channels (
		id INTEGER PRIMARY KEY,
		kind TEXT NOT NULL DEFAULT 'unknown',
		title TEXT NOT NULL DEFAULT '',
		username TEXT NOT NULL DEFAULT '',
		access_hash INTEGER NOT NULL DEFAULT 0,
		last_seen DATETIME
	)`,
	`CREATE TABLE IF NOT EXISTS account_channel_access (
		account_phone TEXT NOT NULL,
		channel_id INTEGER NOT NULL,
		channel_name TEXT NOT NULL DEFAULT '',
		access_hash INTEGER NOT NULL DEFAULT 0,
		last_seen_at DATETIME,
		PRIMARY KEY (account_phone, channel_id)
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY,
		username TEXT NOT NULL DEFAULT '',
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '',
		avatar_path TEXT NOT NULL DEFAULT '',
		last_updated DATETIME
	)`,
	`CREATE TABLE IF NOT EXISTS topics (
		id INTEGER PRIMARY KEY,
		entity_id INTEGER NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		created_at DATETIME
	)`,
	`CREATE TABLE IF NOT EXISTS media (
		id INTEGER PRIMARY KEY,
		type TEXT NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		thumb TEXT NOT NULL DEFAULT '',
		mime TEXT NOT NULL DEFAULT '',
		checksum TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY,
		type TEXT NOT NULL,
		date DATETIME NOT NULL,
		edit_date DATETIME,
		content TEXT NOT NULL DEFAULT '',
		reply_to INTEGER,
		user_id INTEGER,
		media_id INTEGER,
		topic_id INTEGER,
		checksum TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_date ON messages(date)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_topic ON messages(topic_id)`,
	`CREATE TABLE IF NOT EXISTS username_mentions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL,
		message_id INTEGER NOT NULL,
		date DATETIME NOT NULL,
		source TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		last_message_id INTEGER NOT NULL,
		at DATETIME NOT NULL,
		context TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_checkpoints_context ON checkpoints(context, id DESC)`,
	`CREATE TABLE IF NOT EXISTS discovered_groups (
		link TEXT PRIMARY KEY,
		kind TEXT NOT NULL DEFAULT 'unknown',
		discovered_at DATETIME NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		priority REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'new',
		last_checked_at DATETIME,
		title TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS group_relationships (
		source_link TEXT NOT NULL,
		target_link TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT 'mention',
		weight REAL NOT NULL DEFAULT 1.0,
		PRIMARY KEY (source_link, target_link, kind)
	)`,
	`CREATE TABLE IF NOT EXISTS discovery_sources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_entity TEXT NOT NULL,
		at DATETIME NOT NULL,
		groups_found INTEGER NOT NULL DEFAULT 0,
		depth INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS parallel_tasks (
		task_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		target TEXT NOT NULL,
		session_handle TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		success INTEGER,
		error TEXT NOT NULL DEFAULT '',
		result_json TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_parallel_tasks_inflight ON parallel_tasks(completed_at)`,
	`CREATE TABLE IF NOT EXISTS forwarded_messages (
		hash TEXT PRIMARY KEY,
		origin_id INTEGER NOT NULL,
		destination_id INTEGER NOT NULL,
		message_id INTEGER NOT NULL,
		forwarded_at DATETIME NOT NULL,
		preview TEXT NOT NULL DEFAULT ''
	)`,
}

// withRetry runs fn, retrying on sqlite busy/locked errors with exponential
// backoff (base 1s, x2) up to defaultMaxRetries times after the first try
// (defaultMaxRetries+1 attempts in all). Any other error
// propagates immediately without retry.
func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Second
	eb.Multiplier = 2
	eb.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(eb, defaultMaxRetries), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return backoff.Permanent(err)
		}
		logger.Warnf("store: retrying after contention (attempt %d): %v", attempt, err)
		return err
	}, policy)
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// ChecksumIssue is one row VerifyChecksums found with a null/empty checksum.
type ChecksumIssue struct {
	ID    int64
	Issue string
}

// VerifyChecksums scans table (one of "messages", "media") for rows whose
// checksum is null or empty, optionally restricted to [minID, maxID].
func (s *Store) VerifyChecksums(ctx context.Context, table string, minID, maxID *int64) ([]ChecksumIssue, error) {
	switch table {
	case "messages", "media":
	default:
		return nil, errors.Errorf("verify checksums: unknown table %q", table)
	}

	query := fmt.Sprintf(`SELECT id FROM %s WHERE (checksum IS NULL OR checksum = '')`, table)
	var args []any
	if minID != nil {
		query += " AND id >= ?"
		args = append(args, *minID)
	}
	if maxID != nil {
		query += " AND id <= ?"
		args = append(args, *maxID)
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "verify checksums")
	}
	defer rows.Close()

	var issues []ChecksumIssue
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan checksum row")
		}
		issues = append(issues, ChecksumIssue{ID: id, Issue: "missing checksum"})
	}
	return issues, rows.Err()
}

// SaveCheckpoint appends a new resume marker for context.
func (s *Store) SaveCheckpoint(ctx context.Context, lastID int64, context_ string) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO checkpoints (last_message_id, at, context) VALUES (?, ?, ?)`,
			lastID, time.Now().UTC(), context_)
		if err != nil {
			return errors.Wrap(err, "save checkpoint")
		}
		return nil
	})
}

// LatestCheckpoint returns the most recent lastMessageId recorded for
// context, or ok=false if none exists.
func (s *Store) LatestCheckpoint(ctx context.Context, context_ string) (lastID int64, ok bool, err error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT last_message_id FROM checkpoints WHERE context = ? ORDER BY id DESC LIMIT 1`, context_)
	if err := row.Scan(&lastID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, errors.Wrap(err, "latest checkpoint")
	}
	return lastID, true, nil
}

// Page implements spec §3/§8 PAGE(rank, size) = ceil(rank/size), with the
// documented edge case PAGE(0, size) = 1.
func Page(rank, size int) int {
	if rank <= 0 {
		return 1
	}
	if size <= 0 {
		size = 1
	}
	return (rank + size - 1) / size
}

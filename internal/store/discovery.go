package store

import (
	"context"
	"database/sql"

	"github.com/go-faster/errors"

	"spectra/internal/model"
)

// UpsertDiscoveredGroup inserts a newly-found link or refreshes an existing
// one's status/priority/title.
func (s *Store) UpsertDiscoveredGroup(ctx context.Context, g model.DiscoveredGroup) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO discovered_groups (link, kind, discovered_at, source, priority, status, last_checked_at, title)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(link) DO UPDATE SET
				kind = excluded.kind,
				priority = excluded.priority,
				status = excluded.status,
				last_checked_at = excluded.last_checked_at,
				title = CASE WHEN excluded.title != '' THEN excluded.title ELSE discovered_groups.title END`,
			g.Link, string(g.Kind), g.DiscoveredAt, g.Source, g.Priority, string(g.Status),
			nullTimePtr(g.LastCheckedAt), g.Title)
		if err != nil {
			return errors.Wrap(err, "upsert discovered group")
		}
		return nil
	})
}

// GetDiscoveredGroup fetches one discovered link by its canonical form.
func (s *Store) GetDiscoveredGroup(ctx context.Context, link string) (model.DiscoveredGroup, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT link, kind, discovered_at, source, priority, status, last_checked_at, title
		FROM discovered_groups WHERE link = ?`, link)
	g, err := scanDiscoveredGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DiscoveredGroup{}, false, nil
	}
	if err != nil {
		return model.DiscoveredGroup{}, false, errors.Wrap(err, "get discovered group")
	}
	return g, true, nil
}

// ListDiscoveredGroups returns discovered links, optionally filtered by
// status ("" means all), ordered by descending priority so callers can take
// the head of the slice as the top-N.
func (s *Store) ListDiscoveredGroups(ctx context.Context, status model.DiscoveredGroupStatus) ([]model.DiscoveredGroup, error) {
	query := `SELECT link, kind, discovered_at, source, priority, status, last_checked_at, title FROM discovered_groups`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY priority DESC, link ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list discovered groups")
	}
	defer rows.Close()

	var out []model.DiscoveredGroup
	for rows.Next() {
		g, err := scanDiscoveredGroup(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan discovered group")
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func scanDiscoveredGroup(row rowScanner) (model.DiscoveredGroup, error) {
	var g model.DiscoveredGroup
	var kind, status string
	var lastChecked sql.NullTime
	if err := row.Scan(&g.Link, &kind, &g.DiscoveredAt, &g.Source, &g.Priority, &status, &lastChecked, &g.Title); err != nil {
		return model.DiscoveredGroup{}, err
	}
	g.Kind = model.DiscoveredGroupKind(kind)
	g.Status = model.DiscoveredGroupStatus(status)
	if lastChecked.Valid {
		g.LastCheckedAt = &lastChecked.Time
	}
	return g, nil
}

// UpsertGroupRelationship records or accumulates weight on one directed edge
// of the mention graph (spec §4.I).
func (s *Store) UpsertGroupRelationship(ctx context.Context, r model.GroupRelationship) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO group_relationships (source_link, target_link, kind, weight)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(source_link, target_link, kind) DO UPDATE SET
				weight = group_relationships.weight + excluded.weight`,
			r.SourceLink, r.TargetLink, string(r.Kind), r.Weight)
		if err != nil {
			return errors.Wrap(err, "upsert group relationship")
		}
		return nil
	})
}

// ListGroupRelationships returns every edge in the mention graph, used by
// NetworkAnalyzer to build its adjacency structure.
func (s *Store) ListGroupRelationships(ctx context.Context) ([]model.GroupRelationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_link, target_link, kind, weight FROM group_relationships`)
	if err != nil {
		return nil, errors.Wrap(err, "list group relationships")
	}
	defer rows.Close()

	var out []model.GroupRelationship
	for rows.Next() {
		var r model.GroupRelationship
		var kind string
		if err := rows.Scan(&r.SourceLink, &r.TargetLink, &kind, &r.Weight); err != nil {
			return nil, errors.Wrap(err, "scan group relationship")
		}
		r.Kind = model.RelationshipKind(kind)
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertDiscoverySource appends an audit record of one crawl invocation.
func (s *Store) InsertDiscoverySource(ctx context.Context, d model.DiscoverySource) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO discovery_sources (source_entity, at, groups_found, depth)
			VALUES (?, ?, ?, ?)`,
			d.SourceEntity, d.At, d.GroupsFound, d.Depth)
		if err != nil {
			return errors.Wrap(err, "insert discovery source")
		}
		return nil
	})
}

// Package invite persists the InvitationRecord set (spec.md §3/§6.B) in a
// bbolt file, the same embedded key/value store the teacher's gateway layer
// already uses for its per-account peer cache (internal/gateway/gotdgw).
package invite

import (
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"

	"spectra/internal/model"
)

var bucketName = []byte("invitations")

// Store is a bbolt-backed durable set of InvitationRecord, keyed by
// "channelId:sessionHandle" so the same account is never queued twice for
// the same channel.
type Store struct {
	db *bbolt.DB
}

// Open creates or opens the bbolt file at path and ensures the invitations
// bucket exists.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "invite: open bbolt file")
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "invite: create bucket")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying bbolt file handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Has reports whether rec's key has already been recorded, i.e. whether
// this (channel, account) invitation is in a terminal state.
func (s *Store) Has(rec model.InvitationRecord) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketName).Get([]byte(rec.Key()))
		found = v != nil
		return nil
	})
	if err != nil {
		return false, errors.Wrap(err, "invite: lookup")
	}
	return found, nil
}

// Put records rec, overwriting any prior entry for the same key.
func (s *Store) Put(rec model.InvitationRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "invite: marshal record")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(rec.Key()), b)
	})
}

// List returns every recorded InvitationRecord, in bbolt's key order.
func (s *Store) List() ([]model.InvitationRecord, error) {
	var out []model.InvitationRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(_, v []byte) error {
			var rec model.InvitationRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "invite: list")
	}
	return out, nil
}

// PendingCount returns how many recorded invitations did not succeed, for
// monitoring/backoff decisions by the orchestrator.
func (s *Store) PendingCount() (int, error) {
	recs, err := s.List()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range recs {
		if !r.Succeeded {
			n++
		}
	}
	return n, nil
}

// recordNow is a small helper for callers that only know the outcome at
// call time, stamping InvitedAt with the current time.
func recordNow(channelID int64, sessionHandle string, succeeded bool) model.InvitationRecord {
	return model.InvitationRecord{
		ChannelID:     channelID,
		SessionHandle: sessionHandle,
		InvitedAt:     time.Now().UTC(),
		Succeeded:     succeeded,
	}
}

// RecordAttempt is a convenience wrapper over Put for the common case of
// recording one join attempt's outcome.
func (s *Store) RecordAttempt(channelID int64, sessionHandle string, succeeded bool) error {
	return s.Put(recordNow(channelID, sessionHandle, succeeded))
}

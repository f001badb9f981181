// Package indexer is the ChannelAccessIndexer (spec §4.K): walks each
// account's dialog list and records which channels it can currently see,
// feeding the forwarder's total-forward mode.
package indexer

import (
	"context"
	"io"
	"time"

	"github.com/go-faster/errors"

	"spectra/internal/groupmgr"
	"spectra/internal/infra/logger"
	"spectra/internal/model"
	"spectra/internal/registry"
	"spectra/internal/store"
)

// Indexer refreshes AccountChannelAccess rows from each account's live
// dialog list.
type Indexer struct {
	st  *store.Store
	reg *registry.Registry
	gm  *groupmgr.Manager
}

// New builds an Indexer.
func New(st *store.Store, reg *registry.Registry, gm *groupmgr.Manager) *Indexer {
	return &Indexer{st: st, reg: reg, gm: gm}
}

// Report is the per-account outcome of a ReindexAll pass.
type Report struct {
	ChannelsSeen int
	Err          error
}

// ReindexAll walks every eligible account's dialog list and upserts an
// AccountChannelAccess row per channel it can see. One account's failure is
// isolated (spec §4.K: "per-account error isolation") and recorded in the
// returned map rather than aborting the whole pass.
func (idx *Indexer) ReindexAll(ctx context.Context) map[string]Report {
	results := make(map[string]Report)

	accounts, err := idx.reg.List(ctx)
	if err != nil {
		logger.Warnf("indexer: list accounts: %v", err)
		return results
	}

	for _, a := range accounts {
		if !a.Eligible(time.Now()) {
			continue
		}
		n, err := idx.reindexOne(ctx, a)
		results[a.SessionHandle] = Report{ChannelsSeen: n, Err: err}
		if err != nil {
			logger.Warnf("indexer: reindex %s: %v", a.SessionHandle, err)
		}
	}
	return results
}

// reindexOne enumerates gw's dialogs and upserts one AccountChannelAccess
// row per channel/supergroup dialog seen.
func (idx *Indexer) reindexOne(ctx context.Context, a model.Account) (int, error) {
	gw, err := idx.gm.GatewayForAccount(ctx, a)
	if err != nil {
		return 0, errors.Wrap(err, "indexer: gateway")
	}

	iter, err := gw.IterDialogs(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "indexer: iter dialogs")
	}

	now := time.Now().UTC()
	count := 0
	for {
		entry, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return count, errors.Wrap(err, "indexer: next dialog")
		}
		if !entry.IsChannel {
			continue
		}

		if err := idx.st.UpsertAccountChannelAccess(ctx, model.AccountChannelAccess{
			AccountPhone: a.Phone,
			ChannelID:    entry.Entity.ID,
			ChannelName:  entry.Entity.Title,
			AccessHash:   entry.AccessHash,
			LastSeenAt:   now,
		}); err != nil {
			logger.Warnf("indexer: upsert access %s/%d: %v", a.Phone, entry.Entity.ID, err)
			continue
		}
		count++
	}
	return count, nil
}

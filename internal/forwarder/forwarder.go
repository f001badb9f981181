// Package forwarder is the Forwarder (spec §4.J): content-hash
// deduplicating forward pipeline with primary/secondary/saved-messages
// destinations and topic routing.
package forwarder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"spectra/internal/gateway"
	"spectra/internal/groupmgr"
	"spectra/internal/infra/logger"
	"spectra/internal/model"
	"spectra/internal/registry"
	"spectra/internal/store"
)

// Options configures one Forwarder instance (spec §4.J / §6.C `forwarding`).
type Options struct {
	ForwardToAllSavedMessages  bool
	PrependOriginInfo          bool
	DestinationTopicID         *int64
	SecondaryUniqueDestination *gateway.Entity
	EnableDeduplication        bool
	// AttachmentsOnly, when true, skips messages without media (spec §4.J
	// step 1's "policy filters attachments-only (default)").
	AttachmentsOnly bool
}

// Outcome is the per-message result of Process, used both for logging and
// for the state machine spec §4.J documents.
type Outcome string

const (
	OutcomeSkippedNoMedia  Outcome = "skipped-no-media"
	OutcomeSkippedDup      Outcome = "skipped-duplicate"
	OutcomeForwarded       Outcome = "forwarded"
	OutcomeFailed          Outcome = "failed"
)

// Forwarder drives the content-hash deduplicating forward pipeline over one
// origin, writing dedup records to the Store and calling out through
// GroupManager-owned gateways.
type Forwarder struct {
	st  *store.Store
	gm  *groupmgr.Manager
	reg *registry.Registry
	opt Options

	mu       sync.Mutex
	seenHash map[string]bool
}

// New builds a Forwarder. Call SeedDedupCache once at startup to warm the
// in-memory set from the Store's recent forward history.
func New(st *store.Store, gm *groupmgr.Manager, reg *registry.Registry, opt Options) *Forwarder {
	return &Forwarder{st: st, gm: gm, reg: reg, opt: opt, seenHash: make(map[string]bool)}
}

// SeedDedupCache loads the most recently forwarded hashes into the
// in-memory set so a restart doesn't re-forward everything still within the
// Store's retention window.
func (f *Forwarder) SeedDedupCache(ctx context.Context, limit int) error {
	recent, err := f.st.RecentForwardedMessages(ctx, limit)
	if err != nil {
		return errors.Wrap(err, "forwarder: seed dedup cache")
	}
	f.mu.Lock()
	for _, r := range recent {
		f.seenHash[r.Hash] = true
	}
	f.mu.Unlock()
	return nil
}

// ContentHash implements the spec §4.J content-hash formula: gather tokens
// from text/media/file fields, fall back to a type or message-id token when
// nothing else is present, sort, join with "|", and SHA-256 the result.
// Token order in the source MUST NOT affect the hash (testable property 2),
// which the sort step guarantees.
func ContentHash(msg gateway.Message) string {
	var tokens []string

	if msg.Text != "" {
		tokens = append(tokens, msg.Text)
	}
	if msg.HasMedia {
		m := msg.Media
		if m.HasID {
			tokens = append(tokens, fmt.Sprintf("media_id:%d", m.ID))
		}
		if m.HasHash {
			tokens = append(tokens, fmt.Sprintf("media_hash:%d", m.AccessHash))
		}
		if m.HasFileID {
			tokens = append(tokens, fmt.Sprintf("file_id:%d", m.FileID))
		}
		if m.HasSize {
			tokens = append(tokens, fmt.Sprintf("file_size:%d", m.FileSize))
		}
		if m.IsWebpage && m.WebpageURL != "" {
			tokens = append(tokens, fmt.Sprintf("webpage_url:%s", m.WebpageURL))
		}
	}

	if len(tokens) == 0 && msg.HasMedia {
		tokens = append(tokens, fmt.Sprintf("media_type:%s", msg.Media.TypeName))
	}
	if len(tokens) == 0 {
		tokens = append(tokens, fmt.Sprintf("message_obj_id:%d", msg.ID))
	}

	sort.Strings(tokens)
	joined := strings.Join(tokens, "|")
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}

// isDuplicate checks the in-memory set first, then falls through to the
// Store. A Store lookup failure is treated as not-duplicate (fail-open, per
// spec §4.J) so a transient DB hiccup never blocks forwarding.
func (f *Forwarder) isDuplicate(ctx context.Context, hash string) bool {
	f.mu.Lock()
	if f.seenHash[hash] {
		f.mu.Unlock()
		return true
	}
	f.mu.Unlock()

	exists, err := f.st.ForwardedMessageExists(ctx, hash)
	if err != nil {
		logger.Warnf("forwarder: dedup lookup failed, assuming not-duplicate: %v", err)
		return false
	}
	return exists
}

func (f *Forwarder) markSeen(hash string) {
	f.mu.Lock()
	f.seenHash[hash] = true
	f.mu.Unlock()
}

// ProcessMessage drives one message through the ordered forward procedure
// spec §4.J fixes: media-only filter, dedup short-circuit, primary forward,
// record, secondary forward, Saved-Messages fanout.
func (f *Forwarder) ProcessMessage(ctx context.Context, gw gateway.TelegramGateway, origin gateway.Entity, destination gateway.Entity, msg gateway.Message) Outcome {
	if f.opt.AttachmentsOnly && !msg.HasMedia {
		return OutcomeSkippedNoMedia
	}

	hash := ContentHash(msg)
	if f.opt.EnableDeduplication && f.isDuplicate(ctx, hash) {
		return OutcomeSkippedDup
	}

	if err := f.forwardPrimary(ctx, gw, origin, destination, msg); err != nil {
		logger.Warnf("forwarder: primary forward of message %d failed: %v", msg.ID, err)
		return OutcomeFailed
	}

	if f.opt.EnableDeduplication {
		record := model.ForwardedMessage{
			Hash:          hash,
			OriginID:      origin.ID,
			DestinationID: destination.ID,
			MessageID:     msg.ID,
			ForwardedAt:   time.Now().UTC(),
			Preview:       preview(msg.Text),
		}
		if err := f.st.InsertForwardedMessage(ctx, record); err != nil {
			logger.Warnf("forwarder: record forwarded message: %v", err)
		}
		f.markSeen(hash)
	}

	if f.opt.SecondaryUniqueDestination != nil {
		if err := gw.ForwardMessage(ctx, origin, *f.opt.SecondaryUniqueDestination, msg.ID, nil); err != nil {
			logger.Warnf("forwarder: secondary forward of message %d failed: %v", msg.ID, err)
		}
	}

	if f.opt.ForwardToAllSavedMessages {
		f.fanOutToSavedMessages(ctx, origin, msg)
	}

	return OutcomeForwarded
}

// forwardPrimary sends to the main destination: a rewritten send with the
// origin header prepended when PrependOriginInfo is set and the message is
// not routed into a topic (spec §9's resolved precedence: topic routing
// disables prepend), otherwise a native forward.
func (f *Forwarder) forwardPrimary(ctx context.Context, gw gateway.TelegramGateway, origin, destination gateway.Entity, msg gateway.Message) error {
	if f.opt.PrependOriginInfo && f.opt.DestinationTopicID == nil {
		header := fmt.Sprintf("[Forwarded from %s (ID: %d)]\n", origin.Title, origin.ID)
		return gw.SendMessage(ctx, destination, header+msg.Text, "", nil)
	}

	var replyTo *int64
	if f.opt.DestinationTopicID != nil {
		replyTo = f.opt.DestinationTopicID
	}
	return gw.ForwardMessage(ctx, origin, destination, msg.ID, replyTo)
}

// fanOutToSavedMessages forwards msg to each configured account's 'me' chat
// in turn, switching the active gateway per account and pausing 1s between
// accounts (spec §4.J step 6). Flood-wait on one account's Saved Messages
// adjusts that account's rotator cooldown but does not abort the fanout.
func (f *Forwarder) fanOutToSavedMessages(ctx context.Context, origin gateway.Entity, msg gateway.Message) {
	accounts, err := f.reg.List(ctx)
	if err != nil {
		logger.Warnf("forwarder: list accounts for saved-messages fanout: %v", err)
		return
	}

	me := gateway.Entity{Kind: gateway.EntityUnknown, Username: "me"}
	for i, a := range accounts {
		if i > 0 {
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
		}
		if !a.Eligible(time.Now()) {
			continue
		}

		gw, err := f.gm.GatewayForAccount(ctx, a)
		if err != nil {
			logger.Warnf("forwarder: saved-messages gateway for %s: %v", a.SessionHandle, err)
			continue
		}

		if err := gw.ForwardMessage(ctx, origin, me, msg.ID, nil); err != nil {
			var fw *gateway.FloodWaitError
			if errors.As(err, &fw) {
				_ = f.reg.MarkFailure(ctx, a.SessionHandle, err, fw.Wait())
			}
			logger.Warnf("forwarder: saved-messages forward to %s failed: %v", a.SessionHandle, err)
		}
	}
}

func preview(text string) string {
	const maxLen = 120
	if len(text) <= maxLen {
		return text
	}
	return text[:maxLen] + "..."
}

// ForwardMessages drives ProcessMessage over every message in origin's
// history, in iteration order (spec §5: "within a single origin channel,
// Forwarder processes messages in iteration order"). Returns counts per
// Outcome.
func (f *Forwarder) ForwardMessages(ctx context.Context, gw gateway.TelegramGateway, origin, destination gateway.Entity, limit int) (map[Outcome]int, error) {
	iter, err := gw.IterMessages(ctx, origin, gateway.IterMessagesOptions{Reverse: true, Limit: limit})
	if err != nil {
		return nil, errors.Wrap(err, "forwarder: iter messages")
	}

	counts := make(map[Outcome]int)
	for {
		msg, err := iter.Next(ctx)
		if err != nil {
			if gateway.IsAccountFatal(err) {
				return counts, err
			}
			break
		}

		outcome := f.ProcessMessage(ctx, gw, origin, destination, msg)
		counts[outcome]++
	}
	return counts, nil
}

// ForwardAllAccessibleChannels drives the total-forward mode (spec §4.J):
// reads the distinct (channelId, accountPhone) set from
// AccountChannelAccess and forwards each to destination in turn, isolating
// per-channel errors so one failure doesn't halt the overall pass.
func (f *Forwarder) ForwardAllAccessibleChannels(ctx context.Context, destination gateway.Entity, accounts []model.Account) map[int64]error {
	report := make(map[int64]error)
	seen := make(map[int64]bool)

	for _, a := range accounts {
		access, err := f.st.ListAccountChannelAccess(ctx, a.Phone)
		if err != nil {
			logger.Warnf("forwarder: list channel access for %s: %v", a.Phone, err)
			continue
		}

		for _, entry := range access {
			if seen[entry.ChannelID] {
				continue
			}
			seen[entry.ChannelID] = true

			gw, err := f.gm.GatewayForAccount(ctx, a)
			if err != nil {
				report[entry.ChannelID] = err
				continue
			}

			origin := gateway.Entity{ID: entry.ChannelID, AccessHash: entry.AccessHash, Title: entry.ChannelName}
			_, err = f.ForwardMessages(ctx, gw, origin, destination, 0)
			report[entry.ChannelID] = err
		}
	}
	return report
}

// Package discovery is the Discovery engine (spec §4.H): link extraction
// over message text, recursive crawl of channel references, and mention
// graph persistence (DiscoveredGroup + GroupRelationship).
package discovery

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"spectra/internal/gateway"
	"spectra/internal/groupmgr"
	"spectra/internal/infra/logger"
	"spectra/internal/model"
	"spectra/internal/store"
)

var (
	reHandle       = regexp.MustCompile(`@([A-Za-z0-9_]{5,32})`)
	reJoinchat     = regexp.MustCompile(`t\.me/(?:joinchat/|\+)([A-Za-z0-9_-]+)`)
	reTMeName      = regexp.MustCompile(`t\.me/(?:c/)?([A-Za-z0-9_]+)`)
	reTMeResolve   = regexp.MustCompile(`t\.me/resolve\?domain=([A-Za-z0-9_]+)`)
)

// ExtractLinks applies the link extraction rules spec §4.H fixes to a
// message's text, returning normalized, deduplicated references. Invite
// hashes are kept literally as "t.me/joinchat/<hash>"; everything else
// normalizes to "@name".
func ExtractLinks(text string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(link string) {
		if link == "" || seen[link] {
			return
		}
		seen[link] = true
		out = append(out, link)
	}

	for _, m := range reJoinchat.FindAllStringSubmatch(text, -1) {
		add("t.me/joinchat/" + m[1])
	}
	for _, m := range reTMeResolve.FindAllStringSubmatch(text, -1) {
		add("@" + m[1])
	}
	// Strip resolve/joinchat matches before the generic t.me/<name> pass so
	// they aren't double-counted as usernames.
	stripped := reJoinchat.ReplaceAllString(text, "")
	stripped = reTMeResolve.ReplaceAllString(stripped, "")
	for _, m := range reTMeName.FindAllStringSubmatch(stripped, -1) {
		add("@" + m[1])
	}
	for _, m := range reHandle.FindAllStringSubmatch(text, -1) {
		add("@" + m[1])
	}
	return out
}

// Crawler drives the recursive discovery crawl, persisting discovered links
// and mention edges to the Store via a bound GroupManager for join/iterate.
type Crawler struct {
	st *store.Store
	gm *groupmgr.Manager
}

// New builds a Crawler.
func New(st *store.Store, gm *groupmgr.Manager) *Crawler {
	return &Crawler{st: st, gm: gm}
}

// DiscoverFromSeed joins seed, iterates up to msgLimit of its most recent
// messages, extracts links, and recursively crawls up to depth levels. The
// visited set is scoped to this single call (spec §4.H); persistence across
// calls happens only through DiscoveredGroup's uniqueness constraint.
func (c *Crawler) DiscoverFromSeed(ctx context.Context, seed string, depth, msgLimit int) ([]string, error) {
	visited := map[string]bool{seed: true}
	var allFound []string

	layer := []string{seed}
	for d := 1; d <= depth && len(layer) > 0; d++ {
		var nextLayer []string
		for _, src := range layer {
			found, err := c.crawlOne(ctx, src, d, msgLimit)
			if err != nil {
				logger.Warnf("discovery: crawl %s at depth %d: %v", src, d, err)
				continue
			}
			for _, link := range found {
				allFound = append(allFound, link)
				if !visited[link] {
					visited[link] = true
					nextLayer = append(nextLayer, link)
				}
			}
		}
		layer = nextLayer
	}
	return dedupe(allFound), nil
}

// crawlOne joins src, iterates msgLimit of its most recent messages,
// extracts links, and persists them as DiscoveredGroup + GroupRelationship
// rows with source = "discovery_depth_<d>" (spec §4.H).
func (c *Crawler) crawlOne(ctx context.Context, src string, depth, msgLimit int) ([]string, error) {
	entity, err := c.gm.JoinGroup(ctx, src, groupmgr.PerOperation)
	if err != nil {
		return nil, errors.Wrap(err, "discovery: join seed")
	}

	links, err := c.collectLinks(ctx, entity, msgLimit)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sourceTag := fmt.Sprintf("discovery_depth_%d", depth)
	for _, link := range links {
		kind := model.DiscoveredGroupUsername
		if strings.Contains(link, "joinchat") || strings.Contains(link, "/+") {
			kind = model.DiscoveredGroupPrivate
		}
		if err := c.st.UpsertDiscoveredGroup(ctx, model.DiscoveredGroup{
			Link:         link,
			Kind:         kind,
			DiscoveredAt: now,
			Source:       sourceTag,
			Status:       model.DiscoveredGroupNew,
		}); err != nil {
			logger.Warnf("discovery: upsert discovered group %s: %v", link, err)
			continue
		}
		if err := c.st.UpsertGroupRelationship(ctx, model.GroupRelationship{
			SourceLink: src,
			TargetLink: link,
			Kind:       model.RelationshipMention,
			Weight:     1.0,
		}); err != nil {
			logger.Warnf("discovery: upsert relationship %s->%s: %v", src, link, err)
		}
	}

	if err := c.st.InsertDiscoverySource(ctx, model.DiscoverySource{
		SourceEntity: src,
		At:           now,
		GroupsFound:  len(links),
		Depth:        depth,
	}); err != nil {
		logger.Warnf("discovery: insert discovery source: %v", err)
	}

	return links, nil
}

// collectLinks joins entity's message stream and runs ExtractLinks over up
// to msgLimit of its most recent messages, also recording username mentions
// for the mention graph's audit trail.
func (c *Crawler) collectLinks(ctx context.Context, entity gateway.Entity, msgLimit int) ([]string, error) {
	gw, err := c.currentGateway(ctx)
	if err != nil {
		return nil, err
	}

	iter, err := gw.IterMessages(ctx, entity, gateway.IterMessagesOptions{Limit: msgLimit})
	if err != nil {
		return nil, errors.Wrap(err, "discovery: iter messages")
	}

	var all []string
	count := 0
	for msgLimit <= 0 || count < msgLimit {
		msg, err := iter.Next(ctx)
		if err != nil {
			break
		}
		count++
		links := ExtractLinks(msg.Text)
		all = append(all, links...)
		for _, link := range links {
			if err := c.st.InsertMention(ctx, model.UsernameMention{
				Username:  link,
				MessageID: msg.ID,
				Date:      msg.Date,
				Source:    model.MentionSourceText,
			}); err != nil {
				logger.Warnf("discovery: insert mention: %v", err)
			}
		}
	}
	return all, nil
}

// currentGateway picks up whichever gateway GroupManager most recently used.
// Discovery is single-threaded per crawl call (spec §5: depth layers run
// strictly in order), so there is always exactly one gateway in play at a
// time from this package's point of view.
func (c *Crawler) currentGateway(ctx context.Context) (gateway.TelegramGateway, error) {
	return c.gm.AnyGateway(ctx)
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

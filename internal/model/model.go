// Package model defines the entities shared across the fleet orchestrator:
// accounts and their health, channels and messages, discovery and network
// state, and the task/forward records that make operations resumable.
package model

import (
	"strconv"
	"time"
)

// ProxyKind enumerates the supported proxy transports.
type ProxyKind string

const (
	ProxySOCKS5 ProxyKind = "socks5"
	ProxySOCKS4 ProxyKind = "socks4"
	ProxyHTTP   ProxyKind = "http"
)

// Proxy is a read-only egress endpoint, cycled by ProxyCycler.
type Proxy struct {
	Type ProxyKind
	Host string
	Port int
	User string
	Pass string
}

// AccountHealth tracks the mutable, persisted state of one fleet account.
type AccountHealth struct {
	UsageCount     int
	LastUsedAt     time.Time
	LastError      string
	CooldownUntil  time.Time
	IsBanned       bool
	FloodWaitCount int
	SuccessCount   int
}

// Account is one set of Telegram API credentials plus its session and
// health. Unique by SessionHandle. Never deleted; a ban is a flag.
type Account struct {
	Phone         string
	APIID         int
	APIHash       string
	SessionHandle string
	Health        AccountHealth
}

// Eligible reports whether the account may be selected by the rotator at
// instant `now`: not banned and not in cooldown.
func (a Account) Eligible(now time.Time) bool {
	if a.Health.IsBanned {
		return false
	}
	return !a.Health.CooldownUntil.After(now)
}

// ChannelKind enumerates the entity kinds a link can resolve to.
type ChannelKind string

const (
	ChannelKindChannel    ChannelKind = "channel"
	ChannelKindSupergroup ChannelKind = "supergroup"
	ChannelKindChat       ChannelKind = "chat"
	ChannelKindBot        ChannelKind = "bot"
	ChannelKindUnknown    ChannelKind = "unknown"
)

// Channel is a Telegram entity discovered or indexed by the fleet.
type Channel struct {
	ID         int64
	Kind       ChannelKind
	Title      string
	Username   string
	AccessHash int64
	LastSeen   time.Time
}

// AccountChannelAccess records that a given account can see a given channel,
// one row per (AccountPhone, ChannelID), upserted per channel on re-index. A
// row for a channel the account no longer sees is not removed.
type AccountChannelAccess struct {
	AccountPhone string
	ChannelID    int64
	ChannelName  string
	AccessHash   int64
	LastSeenAt   time.Time
}

// User is a Telegram user, upserted on every sighting.
type User struct {
	ID          int64
	Username    string
	FirstName   string
	LastName    string
	Tags        []string
	AvatarPath  string
	LastUpdated time.Time
}

// Topic is one forum subdivision of a supergroup/channel.
type Topic struct {
	ID        int64
	EntityID  int64
	Title     string
	CreatedAt time.Time
}

// MessageKind enumerates the high-level message shapes the store tracks.
type MessageKind string

const (
	MessageKindText    MessageKind = "text"
	MessageKindMedia   MessageKind = "media"
	MessageKindService MessageKind = "service"
)

// Message is one archived message. Immutable after insert except EditDate
// (upsert). ID is scoped to one store (effectively per-channel database).
type Message struct {
	ID        int64
	Type      MessageKind
	Date      time.Time
	EditDate  *time.Time
	Content   string
	ReplyTo   *int64
	UserID    *int64
	MediaID   *int64
	TopicID   *int64
	Checksum  string
}

// MediaKind enumerates the media payload types the store recognises.
type MediaKind string

const (
	MediaKindPhoto    MediaKind = "photo"
	MediaKindVideo    MediaKind = "video"
	MediaKindDocument MediaKind = "document"
	MediaKindAudio    MediaKind = "audio"
	MediaKindPoll     MediaKind = "poll"
	MediaKindWebpage  MediaKind = "webpage"
	MediaKindContact  MediaKind = "contact"
)

// Media describes one media attachment, upserted by ID.
type Media struct {
	ID          int64
	Type        MediaKind
	URL         string
	Title       string
	Description string
	Thumb       string
	MIME        string
	Checksum    string
}

// MentionSource enumerates where a UsernameMention was found.
type MentionSource string

const (
	MentionSourceText    MentionSource = "text"
	MentionSourceEntity  MentionSource = "entity"
	MentionSourceForward MentionSource = "forward"
)

// UsernameMention is an append-only record of an @handle seen in a message.
type UsernameMention struct {
	ID        int64
	Username  string
	MessageID int64
	Date      time.Time
	Source    MentionSource
}

// Checkpoint is an append-only resume marker; the latest row per Context is
// the current resume point.
type Checkpoint struct {
	ID            int64
	LastMessageID int64
	At            time.Time
	Context       string
}

// DiscoveredGroupKind enumerates the link shapes discovery produces.
type DiscoveredGroupKind string

const (
	DiscoveredGroupUsername DiscoveredGroupKind = "username"
	DiscoveredGroupPrivate  DiscoveredGroupKind = "private"
	DiscoveredGroupUnknown  DiscoveredGroupKind = "unknown"
)

// DiscoveredGroupStatus is the lifecycle stage of a discovered link.
type DiscoveredGroupStatus string

const (
	DiscoveredGroupNew      DiscoveredGroupStatus = "new"
	DiscoveredGroupJoined   DiscoveredGroupStatus = "joined"
	DiscoveredGroupArchived DiscoveredGroupStatus = "archived"
	DiscoveredGroupFailed   DiscoveredGroupStatus = "failed"
)

// DiscoveredGroup is a link found by crawling mentions, unique by Link.
type DiscoveredGroup struct {
	Link          string
	Kind          DiscoveredGroupKind
	DiscoveredAt  time.Time
	Source        string
	Priority      float64
	Status        DiscoveredGroupStatus
	LastCheckedAt *time.Time
	Title         string
}

// RelationshipKind enumerates the edge kinds in the mention graph.
type RelationshipKind string

const RelationshipMention RelationshipKind = "mention"

// GroupRelationship is a directed, weighted edge in the mention graph.
// Weight accumulates when the same (source, target, kind) is seen again.
type GroupRelationship struct {
	SourceLink string
	TargetLink string
	Kind       RelationshipKind
	Weight     float64
}

// DiscoverySource is an append-only audit record of one crawl invocation.
type DiscoverySource struct {
	SourceEntity string
	At           time.Time
	GroupsFound  int
	Depth        int
}

// ParallelTask is a two-phase record of one scheduler-dispatched unit of
// work: a start record, then a completion record.
type ParallelTask struct {
	TaskID        string
	Kind          string
	Target        string
	SessionHandle string
	StartedAt     time.Time
	CompletedAt   *time.Time
	Success       *bool
	Error         string
	ResultJSON    string
}

// InFlight reports whether the task has started but not yet completed.
func (p ParallelTask) InFlight() bool { return p.CompletedAt == nil }

// ForwardedMessage records that a message's content hash has already been
// forwarded to the main destination. Hash is the primary key; inserts are
// insert-or-ignore.
type ForwardedMessage struct {
	Hash          string
	OriginID      int64
	DestinationID int64
	MessageID     int64
	ForwardedAt   time.Time
	Preview       string
}

// InvitationRecord is a persisted "channelId:sessionHandle" marker; its
// presence means the invitation has been processed (terminal state).
type InvitationRecord struct {
	ChannelID     int64
	SessionHandle string
	InvitedAt     time.Time
	Succeeded     bool
}

// Key returns the canonical "channelId:sessionHandle" string form.
func (r InvitationRecord) Key() string {
	return strconv.FormatInt(r.ChannelID, 10) + ":" + r.SessionHandle
}

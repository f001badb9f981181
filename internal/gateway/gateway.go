// Package gateway defines the TelegramGateway abstraction: the minimum
// capability the fleet orchestrator consumes from a connected, authorised
// Telegram client bound to one account. The concrete implementation lives in
// internal/gateway/gotdgw and adapts github.com/gotd/td; the rest of the
// module depends only on this interface, so the transport is swappable and
// trivially fakeable in tests.
package gateway

import (
	"context"
	"time"
)

// EntityKind mirrors model.ChannelKind without importing the model package,
// keeping gateway free of a dependency on the store's vocabulary.
type EntityKind string

const (
	EntityChannel    EntityKind = "channel"
	EntitySupergroup EntityKind = "supergroup"
	EntityChat       EntityKind = "chat"
	EntityBot        EntityKind = "bot"
	EntityUnknown    EntityKind = "unknown"
)

// Entity is a resolved Telegram peer: a channel, supergroup, chat, bot, or
// plain user.
type Entity struct {
	ID         int64
	AccessHash int64
	Kind       EntityKind
	Title      string
	Username   string
}

// MediaInfo is the subset of a message's media payload the content-hash
// formula and archive pipeline need.
type MediaInfo struct {
	TypeName   string
	ID         int64
	HasID      bool
	AccessHash int64
	HasHash    bool
	FileID     int64
	HasFileID  bool
	FileSize   int64
	HasSize    bool
	IsWebpage  bool
	WebpageURL string
	MIME       string
}

// Message is one item yielded by IterMessages.
type Message struct {
	ID               int64
	Date             time.Time
	EditDate         *time.Time
	Text             string
	HasMedia         bool
	Media            MediaInfo
	ReplyTo          *int64
	SenderID         *int64
	SenderAccessHash int64
	SenderUsername   string
	SenderFirstName  string
	SenderLastName   string
	TopicID          *int64
	IsService        bool
}

// DialogEntry is one item yielded by IterDialogs.
type DialogEntry struct {
	Entity      Entity
	AccessHash  int64
	IsChannel   bool
}

// Credentials is what Connect needs to establish a session.
type Credentials struct {
	APIID         int
	APIHash       string
	SessionHandle string
	Phone         string
	Password      string
	SessionFile   string
}

// ProxyConfig is an optional egress proxy passed to Connect.
type ProxyConfig struct {
	Enabled bool
	Type    string
	Host    string
	Port    int
	User    string
	Pass    string
}

// IterMessagesOptions configures IterMessages.
type IterMessagesOptions struct {
	OffsetID int64
	Reverse  bool
	TopicID  *int64
	Limit    int
}

// TelegramGateway is a connected, authorised client bound to one account.
// Every method that performs network I/O accepts a context and may return
// one of the error kinds defined in errors.go, which callers test for with
// errors.As.
type TelegramGateway interface {
	Connect(ctx context.Context, creds Credentials, proxy *ProxyConfig) error
	IsAuthorised(ctx context.Context) (bool, error)
	Close() error

	GetEntity(ctx context.Context, linkOrID string) (Entity, error)

	// IterMessages returns messages most-recent-first unless Reverse is set,
	// stopping after Limit messages (0 = unbounded) or when the source is
	// exhausted. The returned iterator's Next yields one message per call
	// and returns io.EOF when done.
	IterMessages(ctx context.Context, entity Entity, opts IterMessagesOptions) (MessageIterator, error)

	JoinByUsername(ctx context.Context, username string) (Entity, error)
	CheckInvite(ctx context.Context, hash string) (Entity, error)
	ImportInvite(ctx context.Context, hash string) (Entity, error)

	ForwardMessage(ctx context.Context, from Entity, to Entity, messageID int64, replyTo *int64) error
	SendMessage(ctx context.Context, to Entity, text string, file string, replyTo *int64) error

	IterDialogs(ctx context.Context) (DialogIterator, error)

	DownloadMedia(ctx context.Context, msg Message, destPath string) (string, error)

	// DownloadAvatar saves a user's current profile photo to destPath, or
	// returns an empty path with a nil error if the user has none set.
	DownloadAvatar(ctx context.Context, userID, accessHash int64, destPath string) (string, error)
}

// MessageIterator yields messages one at a time. Next returns io.EOF when
// exhausted.
type MessageIterator interface {
	Next(ctx context.Context) (Message, error)
}

// DialogIterator yields dialog entries one at a time. Next returns io.EOF
// when exhausted.
type DialogIterator interface {
	Next(ctx context.Context) (DialogEntry, error)
}

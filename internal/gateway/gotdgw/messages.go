package gotdgw

import (
	"context"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"

	"spectra/internal/gateway"
)

// messageIterator pages through history via MessagesGetHistory, yielding one
// message per Next call. Telegram returns history newest-first; Reverse
// requests are served by reading the whole page and walking it backwards.
type messageIterator struct {
	g       *Gateway
	peer    tg.InputPeerClass
	opts    gateway.IterMessagesOptions
	buf     []gateway.Message
	pos     int
	offset  int
	emitted int
	done    bool
}

func (g *Gateway) IterMessages(ctx context.Context, entity gateway.Entity, opts gateway.IterMessagesOptions) (gateway.MessageIterator, error) {
	peer := inputPeerFor(entity)
	return &messageIterator{g: g, peer: peer, opts: opts, offset: int(opts.OffsetID)}, nil
}

const historyPageSize = 100

func (it *messageIterator) Next(ctx context.Context) (gateway.Message, error) {
	if it.pos >= len(it.buf) {
		if it.done {
			return gateway.Message{}, io.EOF
		}
		if err := it.fill(ctx); err != nil {
			return gateway.Message{}, err
		}
		if it.pos >= len(it.buf) {
			return gateway.Message{}, io.EOF
		}
	}

	if it.opts.Limit > 0 && it.emitted >= it.opts.Limit {
		return gateway.Message{}, io.EOF
	}

	msg := it.buf[it.pos]
	it.pos++
	it.emitted++
	return msg, nil
}

func (it *messageIterator) fill(ctx context.Context) error {
	req := &tg.MessagesGetHistoryRequest{
		Peer:     it.peer,
		OffsetID: it.offset,
		Limit:    historyPageSize,
	}
	res, err := it.g.api.MessagesGetHistory(ctx, req)
	if err != nil {
		return classify(err)
	}

	raw, users := messagesFromHistory(res)
	if len(raw) == 0 {
		it.done = true
		return nil
	}

	userByID := make(map[int64]*tg.User, len(users))
	for _, u := range users {
		if full, ok := u.(*tg.User); ok {
			userByID[full.ID] = full
		}
	}

	it.buf = it.buf[:0]
	for _, m := range raw {
		if conv, ok := convertMessage(m, userByID); ok {
			it.buf = append(it.buf, conv)
		}
	}
	if it.opts.Reverse {
		for i, j := 0, len(it.buf)-1; i < j; i, j = i+1, j-1 {
			it.buf[i], it.buf[j] = it.buf[j], it.buf[i]
		}
	}
	it.pos = 0
	it.offset = raw[len(raw)-1].GetID()
	if len(raw) < historyPageSize {
		it.done = true
	}
	return nil
}

func messagesFromHistory(res tg.MessagesMessagesClass) ([]tg.MessageClass, []tg.UserClass) {
	switch v := res.(type) {
	case *tg.MessagesMessages:
		return v.Messages, v.Users
	case *tg.MessagesMessagesSlice:
		return v.Messages, v.Users
	case *tg.MessagesChannelMessages:
		return v.Messages, v.Users
	default:
		return nil, nil
	}
}

func convertMessage(m tg.MessageClass, userByID map[int64]*tg.User) (gateway.Message, bool) {
	switch v := m.(type) {
	case *tg.Message:
		out := gateway.Message{
			ID:   v.ID,
			Date: unixTime(v.Date),
			Text: v.Message,
		}
		if v.ReplyTo != nil {
			if rt, ok := v.ReplyTo.(*tg.MessageReplyHeader); ok {
				if rt.ReplyToMsgID != 0 {
					id := int64(rt.ReplyToMsgID)
					out.ReplyTo = &id
				}
				if rt.ReplyToTopID != 0 {
					id := int64(rt.ReplyToTopID)
					out.TopicID = &id
				}
			}
		}
		if v.EditDate != 0 {
			t := unixTime(v.EditDate)
			out.EditDate = &t
		}
		if fromID, ok := v.GetFromID(); ok {
			if pu, ok := fromID.(*tg.PeerUser); ok {
				id := pu.UserID
				out.SenderID = &id
				if u := userByID[id]; u != nil {
					out.SenderAccessHash = u.AccessHash
					out.SenderUsername = u.Username
					out.SenderFirstName = u.FirstName
					out.SenderLastName = u.LastName
				}
			}
		}
		if media, ok := v.GetMedia(); ok {
			out.HasMedia = true
			out.Media = mediaInfoFrom(media)
		}
		return out, true
	case *tg.MessageService:
		return gateway.Message{ID: v.ID, Date: unixTime(v.Date), IsService: true}, true
	default:
		return gateway.Message{}, false
	}
}

func mediaInfoFrom(media tg.MessageMediaClass) gateway.MediaInfo {
	switch v := media.(type) {
	case *tg.MessageMediaPhoto:
		info := gateway.MediaInfo{TypeName: "photo"}
		if p, ok := v.Photo.(*tg.Photo); ok {
			info.ID, info.HasID = p.ID, true
			info.AccessHash, info.HasHash = p.AccessHash, true
		}
		return info
	case *tg.MessageMediaDocument:
		info := gateway.MediaInfo{TypeName: "document"}
		if d, ok := v.Document.(*tg.Document); ok {
			info.ID, info.HasID = d.ID, true
			info.AccessHash, info.HasHash = d.AccessHash, true
			info.FileID, info.HasFileID = d.ID, true
			info.FileSize, info.HasSize = d.Size, true
			info.MIME = d.MimeType
		}
		return info
	case *tg.MessageMediaWebPage:
		info := gateway.MediaInfo{TypeName: "webpage", IsWebpage: true}
		if wp, ok := v.Webpage.(*tg.WebPage); ok {
			info.WebpageURL = wp.URL
		}
		return info
	case *tg.MessageMediaContact:
		return gateway.MediaInfo{TypeName: "contact"}
	case *tg.MessageMediaPoll:
		return gateway.MediaInfo{TypeName: "poll"}
	default:
		return gateway.MediaInfo{TypeName: "unknown"}
	}
}

func unixTime(sec int) time.Time { return time.Unix(int64(sec), 0).UTC() }

// ForwardMessage performs a native forward (no content rewrite), retrying
// through the outbound throttle on a recognised flood-wait.
func (g *Gateway) ForwardMessage(ctx context.Context, from gateway.Entity, to gateway.Entity, messageID int64, replyTo *int64) error {
	req := &tg.MessagesForwardMessagesRequest{
		FromPeer: inputPeerFor(from),
		ToPeer:   inputPeerFor(to),
		ID:       []int{int(messageID)},
		RandomID: []int64{randomID()},
	}
	if replyTo != nil {
		req.SetTopMsgID(int(*replyTo))
	}
	return g.doThrottled(ctx, func() error {
		_, err := g.api.MessagesForwardMessages(ctx, req)
		return classify(err)
	})
}

// SendMessage sends a text message, optionally attaching a local file and
// replying into a topic.
func (g *Gateway) SendMessage(ctx context.Context, to gateway.Entity, text string, file string, replyTo *int64) error {
	if file != "" {
		return g.sendDocument(ctx, to, text, file, replyTo)
	}
	req := &tg.MessagesSendMessageRequest{
		Peer:     inputPeerFor(to),
		Message:  text,
		RandomID: randomID(),
	}
	if replyTo != nil {
		req.SetReplyTo(&tg.InputReplyToMessage{TopMsgID: int(*replyTo)})
	}
	return g.doThrottled(ctx, func() error {
		_, err := g.api.MessagesSendMessage(ctx, req)
		return classify(err)
	})
}

// doThrottled runs fn under the per-account outbound throttle when one is
// running, falling back to a direct call if Connect hasn't started it yet.
func (g *Gateway) doThrottled(ctx context.Context, fn func() error) error {
	g.mu.Lock()
	t := g.outbound
	g.mu.Unlock()
	if t == nil {
		return fn()
	}
	return t.Do(ctx, fn)
}

func (g *Gateway) sendDocument(ctx context.Context, to gateway.Entity, caption, path string, replyTo *int64) error {
	up := uploader.NewUploader(g.api)
	f, err := up.FromPath(ctx, path)
	if err != nil {
		return &gateway.IOError{Cause: err}
	}

	req := &tg.MessagesSendMediaRequest{
		Peer:     inputPeerFor(to),
		Media:    &tg.InputMediaUploadedDocument{File: f, MimeType: "application/octet-stream"},
		Message:  caption,
		RandomID: randomID(),
	}
	if replyTo != nil {
		req.SetReplyTo(&tg.InputReplyToMessage{TopMsgID: int(*replyTo)})
	}
	return g.doThrottled(ctx, func() error {
		_, err := g.api.MessagesSendMedia(ctx, req)
		return classify(err)
	})
}

// DownloadMedia saves a message's media payload to destPath.
func (g *Gateway) DownloadMedia(ctx context.Context, msg gateway.Message, destPath string) (string, error) {
	d := downloader.NewDownloader()
	loc := &tg.InputDocumentFileLocation{ID: msg.Media.FileID, AccessHash: msg.Media.AccessHash}
	out, err := os.Create(destPath)
	if err != nil {
		return "", &gateway.IOError{Cause: err}
	}
	defer out.Close()

	if _, err := d.Download(g.api, loc).Stream(ctx, out); err != nil {
		return "", classify(err)
	}
	return destPath, nil
}

func inputPeerFor(e gateway.Entity) tg.InputPeerClass {
	switch e.Kind {
	case gateway.EntityChannel, gateway.EntitySupergroup:
		return &tg.InputPeerChannel{ChannelID: e.ID, AccessHash: e.AccessHash}
	case gateway.EntityChat:
		return &tg.InputPeerChat{ChatID: e.ID}
	default:
		return &tg.InputPeerUser{UserID: e.ID, AccessHash: e.AccessHash}
	}
}

var randomIDCounter = time.Now().UnixNano()

// randomID generates the client-side dedup id Telegram's send/forward calls
// require: unique per session, not globally.
func randomID() int64 {
	return atomic.AddInt64(&randomIDCounter, 1)
}

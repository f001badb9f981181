package gotdgw

import (
	"context"
	"io"

	"github.com/gotd/td/tg"

	"spectra/internal/gateway"
)

// dialogIterator pages through the account's dialog list via
// MessagesGetDialogs, yielding one channel/supergroup entry per call.
// Basic group chats and private user dialogs are skipped; the indexer only
// cares about channels the account can forward through.
type dialogIterator struct {
	g       *Gateway
	buf     []gateway.DialogEntry
	pos     int
	offset  tg.InputPeerClass
	offsetD int
	offsetI int
	done    bool
}

func (g *Gateway) IterDialogs(ctx context.Context) (gateway.DialogIterator, error) {
	return &dialogIterator{g: g, offset: &tg.InputPeerEmpty{}}, nil
}

const dialogPageSize = 100

func (it *dialogIterator) Next(ctx context.Context) (gateway.DialogEntry, error) {
	if it.pos >= len(it.buf) {
		if it.done {
			return gateway.DialogEntry{}, io.EOF
		}
		if err := it.fill(ctx); err != nil {
			return gateway.DialogEntry{}, err
		}
		if it.pos >= len(it.buf) {
			return gateway.DialogEntry{}, io.EOF
		}
	}
	entry := it.buf[it.pos]
	it.pos++
	return entry, nil
}

func (it *dialogIterator) fill(ctx context.Context) error {
	req := &tg.MessagesGetDialogsRequest{
		OffsetDate: it.offsetD,
		OffsetID:   it.offsetI,
		OffsetPeer: it.offset,
		Limit:      dialogPageSize,
	}
	res, err := it.g.api.MessagesGetDialogs(ctx, req)
	if err != nil {
		return classify(err)
	}

	dialogs, chats, lastMsgDate, lastMsgID, lastPeer := dialogsFromResult(res)
	it.buf = it.buf[:0]
	for _, d := range dialogs {
		entry, ok := dialogEntryFrom(d, chats)
		if ok {
			it.buf = append(it.buf, entry)
		}
	}
	it.pos = 0

	if len(dialogs) < dialogPageSize || lastPeer == nil {
		it.done = true
		return nil
	}
	it.offsetD = lastMsgDate
	it.offsetI = lastMsgID
	it.offset = lastPeer
	return nil
}

func dialogsFromResult(res tg.MessagesDialogsClass) ([]tg.DialogClass, []tg.ChatClass, int, int, tg.InputPeerClass) {
	var dialogs []tg.DialogClass
	var chats []tg.ChatClass
	var messages []tg.MessageClass

	switch v := res.(type) {
	case *tg.MessagesDialogs:
		dialogs, chats, messages = v.Dialogs, v.Chats, v.Messages
	case *tg.MessagesDialogsSlice:
		dialogs, chats, messages = v.Dialogs, v.Chats, v.Messages
	default:
		return nil, nil, 0, 0, nil
	}

	if len(dialogs) == 0 {
		return dialogs, chats, 0, 0, nil
	}
	lastMsgDate, lastMsgID := 0, 0
	if len(messages) > 0 {
		last := messages[len(messages)-1]
		lastMsgID = last.GetID()
		if m, ok := last.(*tg.Message); ok {
			lastMsgDate = m.Date
		}
	}

	lastDialog := dialogs[len(dialogs)-1]
	peer, ok := lastDialog.(*tg.Dialog)
	if !ok {
		return dialogs, chats, lastMsgDate, lastMsgID, nil
	}
	return dialogs, chats, lastMsgDate, lastMsgID, peerToInput(peer.Peer, chats)
}

func dialogEntryFrom(d tg.DialogClass, chats []tg.ChatClass) (gateway.DialogEntry, bool) {
	dialog, ok := d.(*tg.Dialog)
	if !ok {
		return gateway.DialogEntry{}, false
	}

	peerChannel, ok := dialog.Peer.(*tg.PeerChannel)
	if !ok {
		return gateway.DialogEntry{}, false
	}

	for _, c := range chats {
		if ch, ok := c.(*tg.Channel); ok && ch.ID == peerChannel.ChannelID {
			kind := gateway.EntityChannel
			if ch.Megagroup {
				kind = gateway.EntitySupergroup
			}
			return gateway.DialogEntry{
				Entity: gateway.Entity{
					ID:         ch.ID,
					AccessHash: ch.AccessHash,
					Kind:       kind,
					Title:      ch.Title,
					Username:   ch.Username,
				},
				AccessHash: ch.AccessHash,
				IsChannel:  true,
			}, true
		}
	}
	return gateway.DialogEntry{}, false
}

func peerToInput(p tg.PeerClass, chats []tg.ChatClass) tg.InputPeerClass {
	switch v := p.(type) {
	case *tg.PeerChannel:
		for _, c := range chats {
			if ch, ok := c.(*tg.Channel); ok && ch.ID == v.ChannelID {
				return &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}
			}
		}
	case *tg.PeerChat:
		return &tg.InputPeerChat{ChatID: v.ChatID}
	case *tg.PeerUser:
		return &tg.InputPeerUser{UserID: v.UserID}
	}
	return &tg.InputPeerEmpty{}
}

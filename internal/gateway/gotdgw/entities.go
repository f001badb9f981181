package gotdgw

import (
	"context"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"

	"spectra/internal/gateway"
)

// GetEntity resolves a username (with or without leading '@'), a t.me link
// fragment, or a numeric id to an Entity.
func (g *Gateway) GetEntity(ctx context.Context, linkOrID string) (gateway.Entity, error) {
	ref := strings.TrimSpace(linkOrID)
	ref = strings.TrimPrefix(ref, "@")

	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return g.resolveByID(ctx, id)
	}

	resolved, err := g.api.ContactsResolveUsername(ctx, ref)
	if err != nil {
		return gateway.Entity{}, classify(err)
	}
	return entityFromResolved(resolved)
}

// resolveByID looks up a bare numeric id. Telegram's MTProto layer requires
// an access_hash to address most entities directly; a bare id only resolves
// if the peer manager already has it cached from a prior dialog/message
// sighting, so this is inherently best-effort.
func (g *Gateway) resolveByID(ctx context.Context, id int64) (gateway.Entity, error) {
	chats, err := g.api.MessagesGetAllChats(ctx, []int64{id})
	if err != nil {
		return gateway.Entity{}, classify(err)
	}
	for _, c := range chats.Chats {
		switch v := c.(type) {
		case *tg.Channel:
			if v.ID == id {
				return entityFromChat(c)
			}
		case *tg.Chat:
			if v.ID == id {
				return entityFromChat(c)
			}
		}
	}
	return gateway.Entity{}, &gateway.NotFoundError{Ref: strconv.FormatInt(id, 10)}
}

func entityFromResolved(r *tg.ContactsResolvedPeer) (gateway.Entity, error) {
	for _, c := range r.Chats {
		switch v := c.(type) {
		case *tg.Channel:
			kind := gateway.EntityChannel
			if v.Megagroup {
				kind = gateway.EntitySupergroup
			}
			return gateway.Entity{ID: v.ID, AccessHash: v.AccessHash, Kind: kind, Title: v.Title, Username: v.Username}, nil
		case *tg.Chat:
			return gateway.Entity{ID: v.ID, Kind: gateway.EntityChat, Title: v.Title}, nil
		}
	}
	for _, u := range r.Users {
		if user, ok := u.(*tg.User); ok {
			kind := gateway.EntityUnknown
			if user.Bot {
				kind = gateway.EntityBot
			}
			return gateway.Entity{ID: user.ID, AccessHash: user.AccessHash, Kind: kind, Username: user.Username}, nil
		}
	}
	return gateway.Entity{}, errors.New("gotdgw: resolved peer has no chats or users")
}

// JoinByUsername joins a public channel/supergroup by its username.
func (g *Gateway) JoinByUsername(ctx context.Context, username string) (gateway.Entity, error) {
	entity, err := g.GetEntity(ctx, username)
	if err != nil {
		return gateway.Entity{}, err
	}

	channel := &tg.InputChannel{ChannelID: entity.ID, AccessHash: entity.AccessHash}
	if _, err := g.api.ChannelsJoinChannel(ctx, channel); err != nil {
		return gateway.Entity{}, classify(err)
	}
	return entity, nil
}

// CheckInvite verifies an invite hash without joining.
func (g *Gateway) CheckInvite(ctx context.Context, hash string) (gateway.Entity, error) {
	invite, err := g.api.MessagesCheckChatInvite(ctx, hash)
	if err != nil {
		return gateway.Entity{}, classify(err)
	}
	switch v := invite.(type) {
	case *tg.ChatInviteAlready:
		return entityFromChat(v.Chat)
	case *tg.ChatInvitePeek:
		return entityFromChat(v.Chat)
	default:
		// *tg.ChatInvite: not yet a member; no entity id available until import.
		return gateway.Entity{}, nil
	}
}

// ImportInvite joins via a private invite hash (t.me/joinchat/<hash> or
// t.me/+<hash>).
func (g *Gateway) ImportInvite(ctx context.Context, hash string) (gateway.Entity, error) {
	updates, err := g.api.MessagesImportChatInvite(ctx, hash)
	if err != nil {
		return gateway.Entity{}, classify(err)
	}
	for _, c := range extractChats(updates) {
		if entity, err := entityFromChat(c); err == nil {
			return entity, nil
		}
	}
	return gateway.Entity{}, errors.New("gotdgw: import invite returned no chat")
}

func entityFromChat(c tg.ChatClass) (gateway.Entity, error) {
	switch v := c.(type) {
	case *tg.Channel:
		kind := gateway.EntityChannel
		if v.Megagroup {
			kind = gateway.EntitySupergroup
		}
		return gateway.Entity{ID: v.ID, AccessHash: v.AccessHash, Kind: kind, Title: v.Title, Username: v.Username}, nil
	case *tg.Chat:
		return gateway.Entity{ID: v.ID, Kind: gateway.EntityChat, Title: v.Title}, nil
	}
	return gateway.Entity{}, errors.New("gotdgw: unsupported chat class")
}

func extractChats(updates tg.UpdatesClass) []tg.ChatClass {
	switch v := updates.(type) {
	case *tg.Updates:
		return v.Chats
	case *tg.UpdatesCombined:
		return v.Chats
	default:
		return nil
	}
}

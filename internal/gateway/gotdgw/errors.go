package gotdgw

import (
	"time"

	"github.com/gotd/td/tgerr"

	"spectra/internal/gateway"
)

// classify turns a gotd RPC/transport error into one of the gateway package's
// error kinds, so the rest of the module never imports gotd directly. Errors
// that don't match a known Telegram error code are wrapped as ConnectError.
func classify(err error) error {
	if err == nil {
		return nil
	}

	if wait, ok := tgerr.FloodWait(err); ok {
		return &gateway.FloodWaitError{Seconds: int(wait / time.Second)}
	}

	if rpcErr, ok := tgerr.As(err); ok {
		switch rpcErr.Type {
		case "USER_DEACTIVATED", "USER_DEACTIVATED_BAN":
			return &gateway.AuthDeactivatedError{}
		case "AUTH_KEY_UNREGISTERED", "AUTH_KEY_INVALID", "AUTH_KEY_DUPLICATED":
			return &gateway.AuthKeyInvalidError{}
		case "SESSION_PASSWORD_NEEDED":
			return &gateway.SessionPasswordNeededError{}
		case "CHANNEL_PRIVATE":
			return &gateway.ChannelPrivateError{}
		case "CHAT_ADMIN_REQUIRED":
			return &gateway.ChatAdminRequiredError{}
		case "USER_BANNED_IN_CHANNEL":
			return &gateway.UserBannedInChannelError{}
		case "INVITE_HASH_EXPIRED", "INVITE_HASH_INVALID":
			return &gateway.InviteExpiredError{}
		case "USER_ALREADY_PARTICIPANT":
			return &gateway.AlreadyParticipantError{}
		case "CHANNELS_TOO_MUCH":
			return &gateway.ChannelsTooMuchError{}
		}
	}

	return &gateway.ConnectError{Cause: err}
}

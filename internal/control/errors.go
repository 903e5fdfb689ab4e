package control

import (
	"errors"

	"github.com/aw-mesh/meshd/internal/channelkey"
	"github.com/aw-mesh/meshd/internal/store"
	"github.com/aw-mesh/meshd/internal/wire"
)

// errorKind maps an internal error to the stable taxonomy from
// spec.md §7, so the control surface never string-matches an error
// message to decide how a UI should react.
func errorKind(err error) string {
	switch {
	case errors.Is(err, store.ErrNoSession):
		return "router.no_session"
	case errors.Is(err, store.ErrChannelNotJoined):
		return "router.channel_not_joined"
	case errors.Is(err, store.ErrPayloadTooLarge):
		return "router.payload_too_large"
	case errors.Is(err, channelkey.ErrWrongKey):
		return "crypto.wrong_key"
	case errors.Is(err, wire.ErrTooLarge):
		return "codec.too_large"
	case errors.Is(err, wire.ErrBadVersion):
		return "codec.bad_version"
	default:
		return "internal"
	}
}

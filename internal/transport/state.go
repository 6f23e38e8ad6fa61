package transport

import (
	"time"

	"github.com/park285/cheese-sync/pkg/chessdto"
)

// Mode is the push channel's connection mode.
type Mode string

const (
	// ModeDisconnected: never connected, closed deliberately, or finished by the server.
	ModeDisconnected Mode = "disconnected"
	ModeConnecting   Mode = "connecting"
	ModeConnected    Mode = "connected"
	// ModePollingFallback: the push connection is down and a reconnect is scheduled.
	// Consumers should pull until the mode returns to ModeConnected.
	ModePollingFallback Mode = "polling_fallback"
)

// State is a point-in-time view of the channel's connection.
type State struct {
	Mode      Mode
	Failures  int
	NextRetry time.Time
}

func (s State) Live() bool { return s.Mode == ModeConnected }

type EventHandler func(env *chessdto.Envelope)

type StateCallback func(state State)

type handlerEntry struct {
	id      int
	handler EventHandler
}

type stateCallbackEntry struct {
	id       int
	callback StateCallback
}

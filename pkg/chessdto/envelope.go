package chessdto

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType tags inbound push messages.
type EventType string

const (
	EventStateSnapshot     EventType = "state_snapshot"
	EventMoveApplied       EventType = "move_applied"
	EventParticipantJoined EventType = "participant_joined"
	EventParticipantLeft   EventType = "participant_left"
	EventSessionFinished   EventType = "session_finished"
	EventHeartbeatAck      EventType = "heartbeat_ack"
	EventFault             EventType = "fault"
	// EventClockTick only arrives on the secondary tick feed.
	EventClockTick EventType = "clock_tick"
)

// Envelope is the wire frame for every push message.
type Envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type StateSnapshotPayload struct {
	Session Session        `json:"session"`
	Timer   *TimerSnapshot `json:"timer,omitempty"`
}

type MoveAppliedPayload struct {
	SessionID string         `json:"session_id"`
	Move      Move           `json:"move"`
	Status    MoveStatus     `json:"status"`
	Timer     *TimerSnapshot `json:"timer,omitempty"`
}

type ParticipantPayload struct {
	SessionID   string      `json:"session_id"`
	Participant Participant `json:"participant"`
}

type SessionFinishedPayload struct {
	Session Session        `json:"session"`
	Timer   *TimerSnapshot `json:"timer,omitempty"`
}

type HeartbeatAckPayload struct {
	ID     string    `json:"id,omitempty"`
	SentAt time.Time `json:"sent_at,omitempty"`
}

type FaultPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ClockTickPayload struct {
	SessionID string        `json:"session_id"`
	Timer     TimerSnapshot `json:"timer"`
}

// Outbound message types.
const (
	OutboundSubmitMove = "submit_move"
	OutboundPing       = "ping"
)

// Outbound is a client-to-server push frame.
type Outbound struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Data any    `json:"data,omitempty"`
}

// DecodePayload parses env.Data into the payload struct for its type.
// Unknown types return (nil, nil).
func DecodePayload(env *Envelope) (any, error) {
	var target any
	switch env.Type {
	case EventStateSnapshot:
		target = &StateSnapshotPayload{}
	case EventMoveApplied:
		target = &MoveAppliedPayload{}
	case EventParticipantJoined, EventParticipantLeft:
		target = &ParticipantPayload{}
	case EventSessionFinished:
		target = &SessionFinishedPayload{}
	case EventHeartbeatAck:
		target = &HeartbeatAckPayload{}
	case EventFault:
		target = &FaultPayload{}
	case EventClockTick:
		target = &ClockTickPayload{}
	default:
		return nil, nil
	}
	if len(env.Data) == 0 {
		return target, nil
	}
	if err := json.Unmarshal(env.Data, target); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return target, nil
}

// NewEnvelope marshals payload into an envelope of type t.
func NewEnvelope(t EventType, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: t, Data: raw}, nil
}

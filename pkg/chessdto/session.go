package chessdto

import "strings"

// Side identifies a chess side.
type Side string

const (
	White Side = "white"
	Black Side = "black"
)

// Opposite returns the other side. Unknown values map to White.
func (s Side) Opposite() Side {
	if s == White {
		return Black
	}
	return White
}

func (s Side) Valid() bool { return s == White || s == Black }

// ParseSide accepts "white"/"black" and the single-letter forms used in FEN.
func ParseSide(v string) Side {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "white", "w":
		return White
	case "black", "b":
		return Black
	default:
		return ""
	}
}

// ComputerID marks a computer-controlled participant and computer-authored moves.
const ComputerID = "computer"

type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusActive   Status = "active"
	StatusFinished Status = "finished"
)

type Outcome string

const (
	OutcomeUnknown   Outcome = "unknown"
	OutcomeWhiteWins Outcome = "white_wins"
	OutcomeBlackWins Outcome = "black_wins"
	OutcomeDraw      Outcome = "draw"
)

// OutcomeFromResult maps a PGN result token to an Outcome.
func OutcomeFromResult(result string) Outcome {
	switch strings.TrimSpace(result) {
	case "1-0":
		return OutcomeWhiteWins
	case "0-1":
		return OutcomeBlackWins
	case "1/2-1/2":
		return OutcomeDraw
	default:
		return OutcomeUnknown
	}
}

// Termination reasons reported by the server for finished sessions.
const (
	TerminationCheckmate   = "checkmate"
	TerminationStalemate   = "stalemate"
	TerminationResignation = "resignation"
	TerminationTimeout     = "timeout"
	TerminationDraw        = "draw"
	TerminationAborted     = "aborted"
)

type Participant struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Computer bool   `json:"computer,omitempty"`
	Online   bool   `json:"online,omitempty"`
}

// IsComputer reports whether the participant is computer-controlled.
func (p Participant) IsComputer() bool { return p.Computer || p.ID == ComputerID }

// Session is the server-owned game state; clients hold cached copies.
type Session struct {
	ID          string      `json:"id"`
	White       Participant `json:"white"`
	Black       Participant `json:"black"`
	FEN         string      `json:"fen"`
	Moves       []Move      `json:"moves"`
	Status      Status      `json:"status"`
	Outcome     Outcome     `json:"outcome,omitempty"`
	Termination string      `json:"termination,omitempty"`
	TimeControl string      `json:"time_control,omitempty"`
}

// Participant returns the participant playing side.
func (s *Session) Participant(side Side) Participant {
	if side == Black {
		return s.Black
	}
	return s.White
}

// SideOf returns the side played by userID, or "" when not a participant.
func (s *Session) SideOf(userID string) Side {
	switch strings.TrimSpace(userID) {
	case "":
		return ""
	case s.White.ID:
		return White
	case s.Black.ID:
		return Black
	default:
		return ""
	}
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Moves = append([]Move(nil), s.Moves...)
	return &c
}

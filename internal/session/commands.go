package session

import (
	"strings"
	"time"

	"github.com/park285/cheese-sync/pkg/chessdto"
)

// ReplaceSnapshot adopts the server's full session. A finished copy only
// accepts another finished snapshot; a snapshot with fewer moves than the
// local copy is stale and ignored.
type ReplaceSnapshot struct {
	Session chessdto.Session
}

func (c ReplaceSnapshot) apply(st *State, _ time.Time) (Change, error) {
	incoming := c.Session.Clone()
	cur := st.Session
	if cur != nil && !st.Stale {
		if cur.Status == chessdto.StatusFinished && incoming.Status != chessdto.StatusFinished {
			return Change{Ignored: true}, nil
		}
		if len(incoming.Moves) < len(cur.Moves) {
			return Change{Ignored: true}, nil
		}
	}

	prevCount := 0
	prevFEN := ""
	wasFinished := false
	if cur != nil {
		prevCount = len(cur.Moves)
		prevFEN = cur.FEN
		wasFinished = cur.Status == chessdto.StatusFinished
		if st.Stale {
			prevCount = min(prevCount, len(incoming.Moves))
		}
	}

	if cur != nil {
		for i := range min(len(cur.Moves), len(incoming.Moves)) {
			if incoming.Moves[i].SAN == "" && incoming.Moves[i].UCI() == cur.Moves[i].UCI() {
				incoming.Moves[i].SAN = cur.Moves[i].SAN
			}
		}
	}
	fillSAN(incoming.Moves, prevCount, prevFEN)
	var newMoves []chessdto.Move
	if len(incoming.Moves) > prevCount {
		newMoves = append(newMoves, incoming.Moves[prevCount:]...)
	}

	st.Session = incoming
	st.Stale = false
	if st.Pending != nil && len(newMoves) > 0 {
		st.Pending = nil
	}
	return Change{
		NewMoves: newMoves,
		Finished: !wasFinished && incoming.Status == chessdto.StatusFinished,
	}, nil
}

// ApplyMove appends a confirmed move. The move must be next in sequence:
// earlier sequence numbers are duplicates and ignored, later ones report ErrGap.
type ApplyMove struct {
	Move chessdto.Move
	// Session optionally carries the server's session after the move.
	Session *chessdto.Session
}

func (c ApplyMove) apply(st *State, _ time.Time) (Change, error) {
	if st.Session == nil {
		return Change{}, ErrEmpty
	}
	cur := st.Session
	n := len(cur.Moves)
	switch {
	case c.Move.Seq <= n:
		return Change{Ignored: true}, nil
	case c.Move.Seq > n+1:
		return Change{}, ErrGap
	}
	if cur.Status == chessdto.StatusFinished {
		return Change{}, ErrFinished
	}

	mv := c.Move
	if mv.SAN == "" {
		mv.SAN = sanFor(cur.FEN, mv)
	}
	if c.Session != nil && len(c.Session.Moves) >= n+1 {
		next := c.Session.Clone()
		next.Moves[n] = mv
		fillSAN(next.Moves, n+1, "")
		st.Session = next
	} else {
		cur.Moves = append(cur.Moves, mv)
		if mv.FEN != "" {
			cur.FEN = mv.FEN
		}
		if cur.Status == chessdto.StatusWaiting {
			cur.Status = chessdto.StatusActive
		}
	}
	st.Pending = nil
	st.Stale = false
	added := st.Session.Moves[n:]
	return Change{
		NewMoves: append([]chessdto.Move(nil), added...),
		Finished: st.Session.Status == chessdto.StatusFinished,
	}, nil
}

// SetPending records an optimistic move selection.
type SetPending struct {
	From      string
	To        string
	Promotion string
}

func (c SetPending) apply(st *State, now time.Time) (Change, error) {
	if st.Session == nil {
		return Change{}, ErrEmpty
	}
	if st.Session.Status == chessdto.StatusFinished {
		return Change{}, ErrFinished
	}
	st.Pending = &Pending{
		From:      strings.ToLower(strings.TrimSpace(c.From)),
		To:        strings.ToLower(strings.TrimSpace(c.To)),
		Promotion: strings.ToLower(strings.TrimSpace(c.Promotion)),
		Since:     now,
	}
	return Change{}, nil
}

// ClearPending discards the optimistic selection.
type ClearPending struct{}

func (ClearPending) apply(st *State, _ time.Time) (Change, error) {
	if st.Pending == nil {
		return Change{Ignored: true}, nil
	}
	st.Pending = nil
	return Change{}, nil
}

// Finish marks the session finished. A carried session replaces the local
// copy when it is itself finished.
type Finish struct {
	Session     *chessdto.Session
	Outcome     chessdto.Outcome
	Termination string
}

func (c Finish) apply(st *State, now time.Time) (Change, error) {
	if c.Session != nil && c.Session.Status == chessdto.StatusFinished {
		ch, err := ReplaceSnapshot{Session: *c.Session}.apply(st, now)
		if err != nil || !ch.Ignored {
			return ch, err
		}
	}
	if st.Session == nil {
		return Change{}, ErrEmpty
	}
	if st.Session.Status == chessdto.StatusFinished {
		return Change{Ignored: true}, nil
	}
	st.Session.Status = chessdto.StatusFinished
	if c.Outcome != "" {
		st.Session.Outcome = c.Outcome
	}
	if c.Termination != "" {
		st.Session.Termination = c.Termination
	}
	st.Pending = nil
	return Change{Finished: true}, nil
}

// SetPresence updates a participant's online flag.
type SetPresence struct {
	ParticipantID string
	Online        bool
}

func (c SetPresence) apply(st *State, _ time.Time) (Change, error) {
	if st.Session == nil {
		return Change{}, ErrEmpty
	}
	id := strings.TrimSpace(c.ParticipantID)
	switch {
	case id != "" && st.Session.White.ID == id:
		if st.Session.White.Online == c.Online {
			return Change{Ignored: true}, nil
		}
		st.Session.White.Online = c.Online
	case id != "" && st.Session.Black.ID == id:
		if st.Session.Black.Online == c.Online {
			return Change{Ignored: true}, nil
		}
		st.Session.Black.Online = c.Online
	default:
		return Change{Ignored: true}, nil
	}
	return Change{}, nil
}

// fillSAN derives missing SAN for moves[from:], walking positions from the
// move preceding from. seedFEN is used for moves[from] when from is 0 or the
// previous move carries no FEN.
func fillSAN(moves []chessdto.Move, from int, seedFEN string) {
	for i := from; i < len(moves); i++ {
		prev := seedFEN
		if i > 0 && moves[i-1].FEN != "" {
			prev = moves[i-1].FEN
		} else if i == 0 {
			prev = startFEN
		}
		if moves[i].SAN == "" && prev != "" {
			moves[i].SAN = sanFor(prev, moves[i])
		}
	}
}

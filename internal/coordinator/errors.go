package coordinator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/park285/cheese-sync/internal/gameapi"
	"github.com/park285/cheese-sync/internal/msgcat"
	"github.com/park285/cheese-sync/pkg/chessdto"
)

// Kind classifies failures surfaced by the coordinator.
type Kind int

const (
	KindTransportFault Kind = iota + 1
	KindMoveRejected
	KindComputeTransient
	KindComputeTerminal
	KindClockTimeout
)

func (k Kind) String() string {
	switch k {
	case KindTransportFault:
		return "transport_fault"
	case KindMoveRejected:
		return "move_rejected"
	case KindComputeTransient:
		return "compute_transient"
	case KindComputeTerminal:
		return "compute_terminal"
	case KindClockTimeout:
		return "clock_timeout"
	default:
		return "unknown"
	}
}

type MoveError struct {
	Kind Kind
	Err  error
}

func (e *MoveError) Error() string { return e.Kind.String() + ": " + e.Err.Error() }
func (e *MoveError) Unwrap() error { return e.Err }

// ErrSuperseded means a computer-move request no longer applies: the game
// ended, a move landed meanwhile, or it is not the computer's turn.
var ErrSuperseded = errors.New("coordinator: computer move superseded")

// ExhaustedError ends a computer-move request whose attempt budget ran out.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("computer move failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// TimeoutError reports a side whose clock ran out locally.
type TimeoutError struct {
	Side chessdto.Side
}

func (e *TimeoutError) Error() string { return string(e.Side) + " ran out of time" }

// KindOf returns the kind of a *MoveError in err's chain, or 0.
func KindOf(err error) Kind {
	var me *MoveError
	if errors.As(err, &me) {
		return me.Kind
	}
	return 0
}

// Describe renders err as user-facing text from the message catalog.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	cat := msgcat.Default()
	if errors.Is(err, ErrSuperseded) {
		return cat.RenderOr("compute.superseded", nil, err.Error())
	}
	var me *MoveError
	if !errors.As(err, &me) {
		return err.Error()
	}
	switch me.Kind {
	case KindMoveRejected:
		return cat.RenderOr("move.rejected", map[string]any{"Reason": reason(me.Err)}, err.Error())
	case KindComputeTerminal:
		var ex *ExhaustedError
		if errors.As(me.Err, &ex) {
			return cat.RenderOr("compute.exhausted", map[string]any{"Attempts": ex.Attempts}, err.Error())
		}
		return cat.RenderOr("compute.rejected", nil, err.Error())
	case KindClockTimeout:
		var te *TimeoutError
		if errors.As(me.Err, &te) {
			return cat.RenderOr("clock.timeout", map[string]any{"Side": titleSide(te.Side)}, err.Error())
		}
		return err.Error()
	default:
		return cat.RenderOr("transport.fault", map[string]any{"Code": me.Kind.String()}, err.Error())
	}
}

func reason(err error) string {
	var apiErr *gameapi.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message()
	}
	return err.Error()
}

func titleSide(s chessdto.Side) string {
	v := string(s)
	if v == "" {
		return v
	}
	return strings.ToUpper(v[:1]) + v[1:]
}

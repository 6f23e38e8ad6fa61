package guard

import (
	"context"

	"github.com/park285/cheese-sync/pkg/chessdto"
)

// Phase is the guard's lifecycle state.
type Phase string

const (
	PhaseUnguarded      Phase = "UNGUARDED"
	PhaseGuarded        Phase = "GUARDED"
	PhaseConfirmingExit Phase = "CONFIRMING_EXIT"
	PhaseExited         Phase = "EXITED"
)

// Choice is the user's answer to an exit prompt.
type Choice string

const (
	ChoiceForfeit Choice = "forfeit"
	ChoiceStay    Choice = "stay"
)

// NavKind distinguishes how a navigation was initiated.
type NavKind string

const (
	NavLink    NavKind = "link"
	NavHistory NavKind = "history"
	NavExit    NavKind = "exit"
)

// Navigation is an attempt to leave the current location. Restore
// re-asserts the current location after a cancelled history navigation.
type Navigation struct {
	Kind    NavKind
	Target  string
	Restore func()
}

// Verdict is what the caller should do with a navigation.
type Verdict string

const (
	VerdictAllow  Verdict = "allow"
	VerdictCancel Verdict = "cancel"
	// VerdictPending means an exit prompt is already open; the navigation is dropped.
	VerdictPending Verdict = "pending"
)

// Result reports the outcome of Navigate.
type Result struct {
	Verdict  Verdict
	Resigned []string
	Failed   map[string]error
}

func (r Result) Allowed() bool { return r.Verdict == VerdictAllow }

// Prompt is shown to the user before forfeiting bound sessions.
type Prompt struct {
	Title    string
	Message  string
	Forfeit  string
	Stay     string
	Sessions []string
}

// Prompter asks the user whether to forfeit. An error counts as Stay.
type Prompter interface {
	Confirm(ctx context.Context, p Prompt) (Choice, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, p Prompt) (Choice, error)

func (f PrompterFunc) Confirm(ctx context.Context, p Prompt) (Choice, error) { return f(ctx, p) }

// API is the slice of the game API the guard needs.
type API interface {
	ActiveGames(ctx context.Context) ([]chessdto.Session, error)
	Resign(ctx context.Context, sessionID string) (*chessdto.Session, error)
}

var (
	ErrAlreadyInstalled = errf("session guard already installed")
	ErrNotInstalled     = errf("session guard not installed")
)

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error         { return staticErr(s) }

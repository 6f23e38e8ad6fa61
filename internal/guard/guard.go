package guard

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/park285/cheese-sync/internal/msgcat"
	"github.com/park285/cheese-sync/internal/obslog"
	"github.com/park285/cheese-sync/pkg/chessdto"
)

var (
	installMu sync.Mutex
	installed *Guard
)

// Guard blocks navigation away from timed games in progress until the user
// forfeits them. One guard exists per process, between Install and Uninstall.
type Guard struct {
	api      API
	prompter Prompter
	cat      *msgcat.Catalog
	logger   *zap.Logger

	mu       sync.Mutex
	phase    Phase
	sessions []string
}

type Option func(*Guard)

func WithLogger(l *zap.Logger) Option { return func(g *Guard) { g.logger = l } }

func WithCatalog(c *msgcat.Catalog) Option { return func(g *Guard) { g.cat = c } }

// Install creates the process guard and queries binding sessions. It fails
// with ErrAlreadyInstalled while another guard is installed.
func Install(ctx context.Context, api API, prompter Prompter, opts ...Option) (*Guard, error) {
	installMu.Lock()
	if installed != nil {
		installMu.Unlock()
		return nil, ErrAlreadyInstalled
	}
	g := &Guard{api: api, prompter: prompter, phase: PhaseUnguarded}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = obslog.L()
	}
	if g.cat == nil {
		g.cat = msgcat.Default()
	}
	installed = g
	installMu.Unlock()

	if err := g.Refresh(ctx); err != nil {
		g.logger.Warn("guard_constraint_query_failed", zap.Error(err))
	}
	return g, nil
}

// Current returns the installed guard, or nil.
func Current() *Guard {
	installMu.Lock()
	defer installMu.Unlock()
	return installed
}

// Uninstall releases the process slot held by g.
func (g *Guard) Uninstall() error {
	installMu.Lock()
	defer installMu.Unlock()
	if installed != g {
		return ErrNotInstalled
	}
	installed = nil
	return nil
}

// State returns the current phase and bound session ids.
func (g *Guard) State() (Phase, []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.phase, slices.Clone(g.sessions)
}

// Refresh re-queries binding sessions. 확인 프롬프트가 열려 있으면 세트를 바꾸지 않음.
func (g *Guard) Refresh(ctx context.Context) error {
	games, err := g.api.ActiveGames(ctx)
	if err != nil {
		return fmt.Errorf("query active games: %w", err)
	}
	ids := bindingIDs(games)

	g.mu.Lock()
	defer g.mu.Unlock()
	switch {
	case g.phase == PhaseConfirmingExit:
		return nil
	case len(ids) > 0:
		g.phase = PhaseGuarded
		g.sessions = ids
	case g.phase == PhaseGuarded:
		g.phase = PhaseUnguarded
		g.sessions = nil
	}
	return nil
}

// Release drops sessionID from the bound set once that game has finished.
// The guard stands down when nothing is left to protect.
func (g *Guard) Release(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.phase == PhaseConfirmingExit {
		return
	}
	g.sessions = slices.DeleteFunc(g.sessions, func(id string) bool { return id == sessionID })
	if g.phase == PhaseGuarded && len(g.sessions) == 0 {
		g.phase = PhaseUnguarded
		g.sessions = nil
	}
}

func bindingIDs(games []chessdto.Session) []string {
	var ids []string
	for _, s := range games {
		if s.ID == "" || s.Status == chessdto.StatusFinished {
			continue
		}
		ids = append(ids, s.ID)
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

// Navigate decides whether nav may proceed. While guarded the user is asked
// once; forfeiting resigns every bound session, staying cancels nav.
func (g *Guard) Navigate(ctx context.Context, nav Navigation) (Result, error) {
	g.mu.Lock()
	phase := g.phase
	g.mu.Unlock()

	if phase == PhaseConfirmingExit {
		return Result{Verdict: VerdictPending}, nil
	}
	// 마지막 조회 이후 종료된 대국이 있을 수 있으므로 이동 전 재조회 (실패 시 기존 세트 유지)
	if err := g.Refresh(ctx); err != nil {
		g.logger.Warn("guard_constraint_query_failed", zap.String("target", nav.Target), zap.Error(err))
	}

	g.mu.Lock()
	switch g.phase {
	case PhaseConfirmingExit:
		g.mu.Unlock()
		return Result{Verdict: VerdictPending}, nil
	case PhaseGuarded:
	default:
		g.mu.Unlock()
		return Result{Verdict: VerdictAllow}, nil
	}
	ids := slices.Clone(g.sessions)
	g.phase = PhaseConfirmingExit
	g.mu.Unlock()

	choice, err := g.prompter.Confirm(ctx, g.prompt(ids))
	if err != nil {
		g.logger.Warn("guard_prompt_failed", zap.Error(err))
		choice = ChoiceStay
	}
	if choice != ChoiceForfeit {
		g.mu.Lock()
		g.phase = PhaseGuarded
		g.mu.Unlock()
		if nav.Kind == NavHistory && nav.Restore != nil {
			nav.Restore()
		}
		g.logger.Info("guard_exit_cancelled", zap.Strings("sessions", ids), zap.String("target", nav.Target))
		return Result{Verdict: VerdictCancel}, nil
	}

	res := g.resignAll(ctx, ids)
	g.mu.Lock()
	g.phase = PhaseExited
	g.sessions = nil
	g.mu.Unlock()
	g.logger.Info("guard_exit_forfeited",
		zap.Strings("resigned", res.Resigned),
		zap.Int("failed", len(res.Failed)),
		zap.String("target", nav.Target),
	)
	return res, nil
}

func (g *Guard) resignAll(ctx context.Context, ids []string) Result {
	res := Result{Verdict: VerdictAllow}
	var mu sync.Mutex
	var eg errgroup.Group
	for _, id := range ids {
		eg.Go(func() error {
			_, err := g.api.Resign(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if res.Failed == nil {
					res.Failed = make(map[string]error)
				}
				res.Failed[id] = err
				g.logger.Warn("guard_resign_failed", zap.String("session_id", id), zap.Error(err))
				return nil
			}
			res.Resigned = append(res.Resigned, id)
			return nil
		})
	}
	_ = eg.Wait()
	slices.Sort(res.Resigned)
	return res
}

func (g *Guard) prompt(ids []string) Prompt {
	data := map[string]any{"Sessions": ids}
	return Prompt{
		Title:    g.cat.RenderOr("guard.exit_title", nil, "Leave active game?"),
		Message:  g.cat.RenderOr("guard.exit_prompt", data, "Leaving now forfeits your active games."),
		Forfeit:  g.cat.RenderOr("guard.forfeit", nil, "Forfeit"),
		Stay:     g.cat.RenderOr("guard.stay", nil, "Stay"),
		Sessions: ids,
	}
}

// BeforeUnload returns the warning to show when the process is closing
// while a game is bound. It never resigns.
func (g *Guard) BeforeUnload() (string, bool) {
	g.mu.Lock()
	phase := g.phase
	g.mu.Unlock()
	if phase != PhaseGuarded && phase != PhaseConfirmingExit {
		return "", false
	}
	return g.cat.RenderOr("guard.unload_warning", nil, "A timed game is in progress."), true
}

// FailureMessages renders one line per session that could not be resigned.
func (r Result) FailureMessages(cat *msgcat.Catalog) []string {
	if cat == nil {
		cat = msgcat.Default()
	}
	ids := make([]string, 0, len(r.Failed))
	for id := range r.Failed {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		err := r.Failed[id]
		fallback := fmt.Sprintf("resign %s: %v", id, err)
		out = append(out, cat.RenderOr("guard.resign_failed", map[string]any{"SessionID": id, "Error": err.Error()}, fallback))
	}
	return out
}

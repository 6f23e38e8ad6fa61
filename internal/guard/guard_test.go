package guard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/park285/cheese-sync/pkg/chessdto"
)

type fakeAPI struct {
	mu       sync.Mutex
	games    []chessdto.Session
	failures map[string]error
	resigned []string
	queries  int
}

func (f *fakeAPI) ActiveGames(context.Context) ([]chessdto.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	return append([]chessdto.Session(nil), f.games...), nil
}

func (f *fakeAPI) Resign(_ context.Context, id string) (*chessdto.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resigned = append(f.resigned, id)
	if err := f.failures[id]; err != nil {
		return nil, err
	}
	return &chessdto.Session{ID: id, Status: chessdto.StatusFinished}, nil
}

func (f *fakeAPI) setGames(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.games = nil
	for _, id := range ids {
		f.games = append(f.games, chessdto.Session{ID: id, Status: chessdto.StatusActive})
	}
}

func (f *fakeAPI) resignCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.resigned...)
}

type countingPrompter struct {
	mu      sync.Mutex
	calls   int
	last    Prompt
	answer  Choice
	err     error
	release chan struct{}
}

func (p *countingPrompter) Confirm(ctx context.Context, pr Prompt) (Choice, error) {
	p.mu.Lock()
	p.calls++
	p.last = pr
	release := p.release
	p.mu.Unlock()
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return p.answer, p.err
}

func (p *countingPrompter) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func install(t *testing.T, api API, p Prompter) *Guard {
	t.Helper()
	g, err := Install(context.Background(), api, p)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Uninstall() })
	return g
}

func TestInstallIsProcessSingleton(t *testing.T) {
	api := &fakeAPI{}
	g := install(t, api, &countingPrompter{})
	assert.Same(t, g, Current())

	_, err := Install(context.Background(), api, &countingPrompter{})
	assert.ErrorIs(t, err, ErrAlreadyInstalled)

	require.NoError(t, g.Uninstall())
	assert.Nil(t, Current())
	assert.ErrorIs(t, g.Uninstall(), ErrNotInstalled)

	again := install(t, api, &countingPrompter{})
	assert.NotSame(t, g, again)
}

func TestInstallGuardsBindingSessions(t *testing.T) {
	api := &fakeAPI{games: []chessdto.Session{
		{ID: "g2", Status: chessdto.StatusActive},
		{ID: "g1", Status: chessdto.StatusActive},
		{ID: "g3", Status: chessdto.StatusFinished},
	}}
	g := install(t, api, &countingPrompter{})
	phase, ids := g.State()
	assert.Equal(t, PhaseGuarded, phase)
	assert.Equal(t, []string{"g1", "g2"}, ids)
}

func TestStayKeepsConstraintSetAndRestoresHistory(t *testing.T) {
	api := &fakeAPI{}
	api.setGames("g1", "g2")
	p := &countingPrompter{answer: ChoiceStay}
	g := install(t, api, p)

	restored := 0
	res, err := g.Navigate(context.Background(), Navigation{Kind: NavHistory, Target: "/lobby", Restore: func() { restored++ }})
	require.NoError(t, err)
	assert.Equal(t, VerdictCancel, res.Verdict)
	assert.False(t, res.Allowed())
	assert.Equal(t, 1, restored)

	phase, ids := g.State()
	assert.Equal(t, PhaseGuarded, phase)
	assert.Equal(t, []string{"g1", "g2"}, ids)
	assert.Empty(t, api.resignCalls())
	assert.Contains(t, p.last.Message, "2 active timed game(s): g1, g2")
	assert.Equal(t, "Leave active game?", p.last.Title)

	res, err = g.Navigate(context.Background(), Navigation{Kind: NavLink, Target: "/lobby", Restore: func() { restored++ }})
	require.NoError(t, err)
	assert.Equal(t, VerdictCancel, res.Verdict)
	assert.Equal(t, 1, restored, "link navigation needs no restore")
	assert.Equal(t, 2, p.count())
}

func TestPromptErrorCountsAsStay(t *testing.T) {
	api := &fakeAPI{}
	api.setGames("g1")
	g := install(t, api, &countingPrompter{err: errors.New("dialog closed")})

	res, err := g.Navigate(context.Background(), Navigation{Kind: NavExit})
	require.NoError(t, err)
	assert.Equal(t, VerdictCancel, res.Verdict)
	phase, _ := g.State()
	assert.Equal(t, PhaseGuarded, phase)
}

func TestSecondNavigationWhilePromptOpenIsIgnored(t *testing.T) {
	api := &fakeAPI{}
	api.setGames("g1")
	p := &countingPrompter{answer: ChoiceStay, release: make(chan struct{})}
	g := install(t, api, p)

	done := make(chan Result, 1)
	go func() {
		res, _ := g.Navigate(context.Background(), Navigation{Kind: NavLink})
		done <- res
	}()
	require.Eventually(t, func() bool {
		phase, _ := g.State()
		return phase == PhaseConfirmingExit
	}, time.Second, 5*time.Millisecond)

	res, err := g.Navigate(context.Background(), Navigation{Kind: NavLink})
	require.NoError(t, err)
	assert.Equal(t, VerdictPending, res.Verdict)
	msg, ok := g.BeforeUnload()
	assert.True(t, ok)
	assert.NotEmpty(t, msg)

	close(p.release)
	first := <-done
	assert.Equal(t, VerdictCancel, first.Verdict)
	assert.Equal(t, 1, p.count())
}

func TestForfeitResignsEverySessionDespiteFailures(t *testing.T) {
	api := &fakeAPI{failures: map[string]error{"g1": errors.New("boom")}}
	api.setGames("g1", "g2", "g3")
	g := install(t, api, &countingPrompter{answer: ChoiceForfeit})

	res, err := g.Navigate(context.Background(), Navigation{Kind: NavLink, Target: "/home"})
	require.NoError(t, err)
	assert.True(t, res.Allowed())
	assert.Equal(t, []string{"g2", "g3"}, res.Resigned)
	require.Contains(t, res.Failed, "g1")
	assert.ElementsMatch(t, []string{"g1", "g2", "g3"}, api.resignCalls())
	assert.Equal(t, []string{"Could not resign game g1: boom"}, res.FailureMessages(nil))

	phase, ids := g.State()
	assert.Equal(t, PhaseExited, phase)
	assert.Empty(t, ids)
}

func TestUnguardedAndExitedRequeryBeforeNavigating(t *testing.T) {
	api := &fakeAPI{}
	p := &countingPrompter{answer: ChoiceForfeit}
	g := install(t, api, p)

	res, err := g.Navigate(context.Background(), Navigation{Kind: NavLink})
	require.NoError(t, err)
	assert.True(t, res.Allowed())
	assert.Equal(t, 0, p.count())

	api.setGames("g7")
	res, err = g.Navigate(context.Background(), Navigation{Kind: NavLink})
	require.NoError(t, err)
	assert.True(t, res.Allowed())
	assert.Equal(t, []string{"g7"}, res.Resigned)
	assert.Equal(t, 1, p.count())

	api.setGames()
	res, err = g.Navigate(context.Background(), Navigation{Kind: NavLink})
	require.NoError(t, err)
	assert.True(t, res.Allowed())
	assert.Equal(t, 1, p.count())
	phase, _ := g.State()
	assert.Equal(t, PhaseExited, phase)
}

func TestGuardedNavigationRequeriesFinishedGames(t *testing.T) {
	api := &fakeAPI{}
	api.setGames("g1")
	p := &countingPrompter{answer: ChoiceForfeit}
	g := install(t, api, p)

	// g1 ended by checkmate after install
	api.setGames()
	res, err := g.Navigate(context.Background(), Navigation{Kind: NavLink, Target: "/lobby"})
	require.NoError(t, err)
	assert.True(t, res.Allowed())
	assert.Equal(t, 0, p.count())
	assert.Empty(t, api.resignCalls())
	phase, ids := g.State()
	assert.Equal(t, PhaseUnguarded, phase)
	assert.Empty(t, ids)
	_, warn := g.BeforeUnload()
	assert.False(t, warn)
}

func TestGuardedNavigationPromptsOnlyForStillActiveGames(t *testing.T) {
	api := &fakeAPI{}
	api.setGames("g1", "g2")
	p := &countingPrompter{answer: ChoiceForfeit}
	g := install(t, api, p)

	api.setGames("g2")
	res, err := g.Navigate(context.Background(), Navigation{Kind: NavExit})
	require.NoError(t, err)
	assert.True(t, res.Allowed())
	assert.Equal(t, []string{"g2"}, p.last.Sessions)
	assert.Equal(t, []string{"g2"}, api.resignCalls())
}

func TestReleaseStandsDownWhenLastGameEnds(t *testing.T) {
	api := &fakeAPI{}
	api.setGames("g1", "g2")
	g := install(t, api, &countingPrompter{})

	g.Release("g1")
	phase, ids := g.State()
	assert.Equal(t, PhaseGuarded, phase)
	assert.Equal(t, []string{"g2"}, ids)

	g.Release("g2")
	phase, ids = g.State()
	assert.Equal(t, PhaseUnguarded, phase)
	assert.Empty(t, ids)
}

func TestBeforeUnloadWarnsWithoutResigning(t *testing.T) {
	api := &fakeAPI{}
	g := install(t, api, &countingPrompter{})
	_, ok := g.BeforeUnload()
	assert.False(t, ok)

	api.setGames("g1")
	require.NoError(t, g.Refresh(context.Background()))
	msg, ok := g.BeforeUnload()
	assert.True(t, ok)
	assert.Contains(t, msg, "timed game is in progress")
	assert.Empty(t, api.resignCalls())
}

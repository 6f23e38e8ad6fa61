package coordinator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/park285/cheese-sync/internal/clock"
	"github.com/park285/cheese-sync/internal/gameapi"
	"github.com/park285/cheese-sync/internal/obslog"
	"github.com/park285/cheese-sync/internal/session"
	"github.com/park285/cheese-sync/internal/transport"
	"github.com/park285/cheese-sync/pkg/chessdto"
)

// API is the subset of the game API the coordinator needs.
type API interface {
	SubmitMove(ctx context.Context, sessionID string, req chessdto.MoveRequest) (*chessdto.MoveResponse, error)
	ComputerMove(ctx context.Context, sessionID string, req chessdto.ComputerMoveRequest) (*chessdto.MoveResponse, error)
	Session(ctx context.Context, sessionID string) (*chessdto.Session, error)
	Timer(ctx context.Context, sessionID string) (*chessdto.TimerSnapshot, error)
}

// EventSource is the push side of a transport channel.
type EventSource interface {
	OnEvent(h transport.EventHandler) int
	RemoveHandler(id int)
	State() transport.State
}

type Config struct {
	Difficulty        string
	ComputerDelay     time.Duration
	ComputeAttempts   int
	ComputeBackoff    time.Duration
	PollInterval      time.Duration
	FreshnessWindow   time.Duration
	TimerSyncInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		ComputerDelay:     600 * time.Millisecond,
		ComputeAttempts:   3,
		ComputeBackoff:    2 * time.Second,
		PollInterval:      3 * time.Second,
		FreshnessWindow:   10 * time.Second,
		TimerSyncInterval: 15 * time.Second,
	}
}

type ErrorHandler func(err error)

// Coordinator sequences player moves, computer replies, pushed events and
// pull-based resyncs for one session. All state changes go through the
// session store; the clock engine follows confirmed moves and server timers.
type Coordinator struct {
	store  *session.Store
	api    API
	engine *clock.Engine
	cfg    Config
	clock  clockwork.Clock
	logger *zap.Logger

	sf singleflight.Group

	mu            sync.Mutex
	src           EventSource
	handlerID     int
	timeoutID     int
	lastPush      time.Time
	lastTimerSync time.Time
	clockStarted  bool
	closed        bool
	errCbs        map[int]ErrorHandler
	nextID        int

	wg       sync.WaitGroup
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

type Option func(*Coordinator)

func WithClock(c clockwork.Clock) Option { return func(co *Coordinator) { co.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(co *Coordinator) { co.logger = l } }

func New(store *session.Store, api API, engine *clock.Engine, cfg Config, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if cfg.ComputeAttempts <= 0 {
		cfg.ComputeAttempts = def.ComputeAttempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = def.FreshnessWindow
	}
	if cfg.TimerSyncInterval <= 0 {
		cfg.TimerSyncInterval = def.TimerSyncInterval
	}
	c := &Coordinator{
		store:  store,
		api:    api,
		engine: engine,
		cfg:    cfg,
		clock:  clockwork.NewRealClock(),
		errCbs: make(map[int]ErrorHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = obslog.L()
	}
	c.bgCtx, c.bgCancel = context.WithCancel(context.Background())
	c.timeoutID = engine.OnTimeout(c.onTimeout)
	return c
}

// Attach subscribes to pushed events from src. Only one source is attached
// at a time.
func (c *Coordinator) Attach(src EventSource) {
	c.Detach()
	id := src.OnEvent(c.handleEvent)
	c.mu.Lock()
	c.src = src
	c.handlerID = id
	c.mu.Unlock()
}

func (c *Coordinator) Detach() {
	c.mu.Lock()
	src, id := c.src, c.handlerID
	c.src, c.handlerID = nil, 0
	c.mu.Unlock()
	if src != nil {
		src.RemoveHandler(id)
	}
}

// OnError registers cb for failures raised outside a caller's request:
// background computer moves and clock timeouts.
func (c *Coordinator) OnError(cb ErrorHandler) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.errCbs[c.nextID] = cb
	return c.nextID
}

func (c *Coordinator) RemoveErrorHandler(id int) {
	c.mu.Lock()
	delete(c.errCbs, id)
	c.mu.Unlock()
}

func (c *Coordinator) notify(err error) {
	c.mu.Lock()
	cbs := make([]ErrorHandler, 0, len(c.errCbs))
	for _, cb := range c.errCbs {
		cbs = append(cbs, cb)
	}
	c.mu.Unlock()
	for _, cb := range cbs {
		cb(err)
	}
}

// SubmitMove sends the player's move. The selection is recorded optimistically
// and discarded on failure; failures are never retried.
func (c *Coordinator) SubmitMove(ctx context.Context, from, to, promotion string) (*chessdto.Move, error) {
	if _, err := c.store.Apply(ctx, session.SetPending{From: from, To: to, Promotion: promotion}); err != nil {
		return nil, &MoveError{Kind: KindMoveRejected, Err: err}
	}
	req := chessdto.MoveRequest{From: normSquare(from), To: normSquare(to), Promotion: normSquare(promotion)}

	resp, err := c.api.SubmitMove(ctx, c.store.ID(), req)
	if err != nil {
		_, _ = c.store.Apply(ctx, session.ClearPending{})
		c.logger.Info("coordinator_move_rejected",
			zap.String("session_id", c.store.ID()),
			zap.String("move", req.From+req.To+req.Promotion),
			zap.Error(err),
		)
		return nil, &MoveError{Kind: KindMoveRejected, Err: err}
	}

	c.applyMoveResponse(ctx, resp)
	c.maybeTriggerComputer()
	mv := resp.Move
	return &mv, nil
}

// RequestComputerMove asks the server for the computer's reply after a short
// delay, retrying transient failures on a fixed backoff. Concurrent requests
// for the session share one attempt loop.
func (c *Coordinator) RequestComputerMove(ctx context.Context) (*chessdto.Move, error) {
	st := c.store.Snapshot()
	if !computerToMove(st) {
		return nil, ErrSuperseded
	}
	expected := st.MoveCount()

	v, err, _ := c.sf.Do("compute:"+c.store.ID(), func() (any, error) {
		return c.computeLoop(ctx, expected)
	})
	if err != nil {
		return nil, err
	}
	return v.(*chessdto.Move), nil
}

func (c *Coordinator) computeLoop(ctx context.Context, expected int) (*chessdto.Move, error) {
	if err := c.sleep(ctx, c.cfg.ComputerDelay); err != nil {
		return nil, &MoveError{Kind: KindComputeTransient, Err: err}
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.ComputeAttempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, c.cfg.ComputeBackoff); err != nil {
				return nil, &MoveError{Kind: KindComputeTransient, Err: err}
			}
		}
		st := c.store.Snapshot()
		if st.MoveCount() != expected || !computerToMove(st) {
			return nil, ErrSuperseded
		}

		resp, err := c.api.ComputerMove(ctx, c.store.ID(), chessdto.ComputerMoveRequest{
			Difficulty:        c.cfg.Difficulty,
			ExpectedMoveCount: expected,
		})
		if err == nil {
			c.applyMoveResponse(ctx, resp)
			mv := resp.Move
			return &mv, nil
		}
		if gameapi.IsDefinitive(err) {
			c.logger.Warn("coordinator_compute_rejected",
				zap.String("session_id", c.store.ID()),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return nil, &MoveError{Kind: KindComputeTerminal, Err: err}
		}
		lastErr = err
		c.logger.Warn("coordinator_compute_retry",
			zap.String("session_id", c.store.ID()),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return nil, &MoveError{Kind: KindComputeTerminal, Err: &ExhaustedError{Attempts: c.cfg.ComputeAttempts, Last: lastErr}}
}

func (c *Coordinator) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.clock.After(d):
		return nil
	}
}

func normSquare(v string) string { return strings.ToLower(strings.TrimSpace(v)) }

func computerToMove(st session.State) bool {
	if st.Session == nil || st.Session.Status != chessdto.StatusActive {
		return false
	}
	side := st.SideToMove()
	return side.Valid() && st.Session.Participant(side).IsComputer()
}

// maybeTriggerComputer starts a background computer-move request when the
// computer is to move.
func (c *Coordinator) maybeTriggerComputer() {
	if !computerToMove(c.store.Snapshot()) {
		return
	}
	if !c.goBackground() {
		return
	}
	go func() {
		defer c.wg.Done()
		if _, err := c.RequestComputerMove(c.bgCtx); err != nil && !errors.Is(err, ErrSuperseded) {
			if c.bgCtx.Err() != nil {
				return
			}
			c.logger.Warn("coordinator_compute_failed", zap.String("session_id", c.store.ID()), zap.Error(err))
			c.notify(err)
		}
	}()
}

func (c *Coordinator) goBackground() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	return true
}

func (c *Coordinator) applyMoveResponse(ctx context.Context, resp *chessdto.MoveResponse) {
	sess := resp.Session
	ch, err := c.store.Apply(ctx, session.ApplyMove{Move: resp.Move, Session: &sess})
	if err != nil || ch.Ignored {
		// the response session is authoritative even when our copy lagged
		ch, err = c.store.Apply(ctx, session.ReplaceSnapshot{Session: sess})
		if err != nil {
			c.logger.Warn("coordinator_apply_failed", zap.String("session_id", c.store.ID()), zap.Error(err))
			return
		}
	}
	c.afterChange(ch, resp.Timer)
}

// afterChange drives the clock from newly confirmed moves, adopts timer
// when present, and stops the clock if the session finished.
func (c *Coordinator) afterChange(ch session.Change, timer *chessdto.TimerSnapshot) {
	for _, mv := range ch.NewMoves {
		c.engine.OnMoveCompleted(moverOf(mv))
	}
	if timer != nil {
		c.reconcileTimer(*timer)
	}
	if ch.Finished && ch.State.Session != nil {
		c.engine.Finish(ch.State.Session.Termination == chessdto.TerminationTimeout)
		c.logger.Info("coordinator_session_finished",
			zap.String("session_id", c.store.ID()),
			zap.String("outcome", string(ch.State.Session.Outcome)),
			zap.String("termination", ch.State.Session.Termination),
		)
	}
}

// moverOf returns the side that played mv: the opposite of the side to move
// in the resulting position. Moves without a position fall back to
// sequence parity from the standard start.
func moverOf(mv chessdto.Move) chessdto.Side {
	if strings.TrimSpace(mv.FEN) != "" {
		if side := session.SideToMove(mv.FEN); side != "" {
			return side.Opposite()
		}
	}
	if mv.Seq%2 == 1 {
		return chessdto.White
	}
	return chessdto.Black
}

func (c *Coordinator) reconcileTimer(snap chessdto.TimerSnapshot) {
	now := c.clock.Now()
	if snap.TakenAt.IsZero() {
		snap.TakenAt = now
	}
	if snap.Increment <= 0 {
		if sess := c.store.Snapshot().Session; sess != nil {
			if _, inc, ok := chessdto.ParseTimeControl(sess.TimeControl); ok {
				snap.Increment = inc.Seconds()
			}
		}
	}
	c.mu.Lock()
	started := c.clockStarted
	c.clockStarted = true
	c.lastTimerSync = now
	c.mu.Unlock()

	if !started {
		c.engine.Start(snap)
		return
	}
	c.engine.Reconcile(snap)
}

func (c *Coordinator) onTimeout(side chessdto.Side) {
	c.logger.Info("coordinator_clock_timeout", zap.String("session_id", c.store.ID()), zap.String("side", string(side)))
	c.notify(&MoveError{Kind: KindClockTimeout, Err: &TimeoutError{Side: side}})
	if !c.finished() {
		c.triggerSync()
	}
}

// Close detaches from the event source, cancels background work and waits
// for it to finish.
func (c *Coordinator) Close(ctx context.Context) error {
	c.Detach()
	c.engine.RemoveListener(c.timeoutID)
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.bgCancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

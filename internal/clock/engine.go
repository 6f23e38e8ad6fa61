package clock

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/park285/cheese-sync/internal/obslog"
	"github.com/park285/cheese-sync/pkg/chessdto"
)

const (
	DefaultTickPeriod     = 100 * time.Millisecond
	DefaultResurrectAfter = 5 * time.Second
)

// Reading is one published clock state.
type Reading struct {
	White    time.Duration
	Black    time.Duration
	Running  chessdto.Side
	Terminal bool
	TimedOut chessdto.Side
	At       time.Time
}

func (r Reading) Remaining(side chessdto.Side) time.Duration {
	if side == chessdto.Black {
		return r.Black
	}
	return r.White
}

type ReadingListener func(Reading)

type TimeoutListener func(side chessdto.Side)

// Engine interpolates the game clock between authoritative server snapshots.
// Server snapshots always win, except that a clock the server confirmed as
// finished never runs again.
type Engine struct {
	clock          clockwork.Clock
	period         time.Duration
	resurrectAfter time.Duration
	logger         *zap.Logger

	mu            sync.Mutex
	white         time.Duration
	black         time.Duration
	increment     time.Duration
	running       chessdto.Side
	ref           time.Time
	lastTaken     time.Time
	terminal      bool
	confirmed     bool
	timedOut      chessdto.Side
	reported      map[chessdto.Side]bool
	disagreeSince time.Time

	lm         sync.RWMutex
	readingCbs map[int]ReadingListener
	timeoutCbs map[int]TimeoutListener
	nextID     int

	stopCh   chan struct{}
	stopOnce sync.Once
}

type Option func(*Engine)

func WithClock(c clockwork.Clock) Option { return func(e *Engine) { e.clock = c } }

func WithTickPeriod(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.period = d
		}
	}
}

// WithResurrectAfter sets how long the server must contradict a local
// timeout before its account is adopted.
func WithResurrectAfter(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.resurrectAfter = d
		}
	}
}

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

func New(opts ...Option) *Engine {
	e := &Engine{
		clock:          clockwork.NewRealClock(),
		period:         DefaultTickPeriod,
		resurrectAfter: DefaultResurrectAfter,
		reported:       make(map[chessdto.Side]bool),
		readingCbs:     make(map[int]ReadingListener),
		timeoutCbs:     make(map[int]TimeoutListener),
		stopCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = obslog.L()
	}
	return e
}

// Start begins a game clock from snap. It clears any previous terminal state.
func (e *Engine) Start(snap chessdto.TimerSnapshot) Reading {
	e.mu.Lock()
	e.terminal = false
	e.confirmed = false
	e.timedOut = ""
	e.reported = make(map[chessdto.Side]bool)
	e.disagreeSince = time.Time{}
	e.lastTaken = time.Time{}
	e.increment = 0
	e.adoptLocked(snap)
	if snap.Finished {
		e.running = ""
		e.terminal = true
		e.confirmed = true
	}
	r := e.readingLocked(e.clock.Now())
	e.mu.Unlock()

	e.publish(r, "")
	return r
}

// Tick charges the running side for the time elapsed since the last
// reference instant. Reaching zero stops the clock and reports a timeout.
func (e *Engine) Tick() Reading {
	e.mu.Lock()
	now := e.clock.Now()
	timedOut := e.integrateLocked(now)
	r := e.readingLocked(now)
	e.mu.Unlock()

	e.publish(r, timedOut)
	return r
}

// integrateLocked applies elapsed time to the running side and returns the
// side whose timeout must be reported, if any.
func (e *Engine) integrateLocked(now time.Time) chessdto.Side {
	if e.running == "" || e.terminal {
		return ""
	}
	elapsed := now.Sub(e.ref)
	if elapsed < 0 {
		elapsed = 0
	}
	rem := e.remainingLocked(e.running) - elapsed
	e.ref = now
	if rem > 0 {
		e.setRemainingLocked(e.running, rem)
		return ""
	}
	side := e.running
	e.setRemainingLocked(side, 0)
	e.running = ""
	e.terminal = true
	e.timedOut = side
	if e.reported[side] {
		return ""
	}
	e.reported[side] = true
	e.logger.Info("clock_timeout", zap.String("side", string(side)))
	return side
}

// OnMoveCompleted hands the clock to the other side after side moved. It is
// a no-op unless side is the running side, so duplicate notifications are
// harmless.
func (e *Engine) OnMoveCompleted(side chessdto.Side) bool {
	e.mu.Lock()
	if e.terminal || e.running == "" || e.running != side {
		e.mu.Unlock()
		return false
	}
	now := e.clock.Now()
	elapsed := now.Sub(e.ref)
	if elapsed < 0 {
		elapsed = 0
	}
	rem := e.remainingLocked(side) - elapsed
	if rem < 0 {
		rem = 0
	}
	e.setRemainingLocked(side, rem+e.increment)
	e.running = side.Opposite()
	e.ref = now
	r := e.readingLocked(now)
	e.mu.Unlock()

	e.publish(r, "")
	return true
}

// Reconcile adopts the server's snapshot. Applying the same snapshot twice
// yields the same clock; snapshots older than the last applied one are
// ignored. It reports whether the snapshot was adopted.
func (e *Engine) Reconcile(snap chessdto.TimerSnapshot) bool {
	e.mu.Lock()
	now := e.clock.Now()
	if !snap.TakenAt.IsZero() && snap.TakenAt.Before(e.lastTaken) {
		e.mu.Unlock()
		return false
	}
	if e.confirmed {
		e.mu.Unlock()
		return false
	}

	if snap.Finished {
		e.adoptLocked(snap)
		e.running = ""
		e.terminal = true
		e.confirmed = true
		e.disagreeSince = time.Time{}
		r := e.readingLocked(now)
		e.mu.Unlock()
		e.publish(r, "")
		return true
	}

	if e.terminal && e.timedOut != "" {
		if snap.Remaining(e.timedOut) <= 0 {
			e.disagreeSince = time.Time{}
			e.mu.Unlock()
			return false
		}
		if e.disagreeSince.IsZero() {
			e.disagreeSince = now
			e.logger.Warn("clock_timeout_disputed", zap.String("side", string(e.timedOut)))
		}
		if now.Sub(e.disagreeSince) < e.resurrectAfter {
			e.mu.Unlock()
			return false
		}
		e.logger.Warn("clock_timeout_overruled", zap.String("side", string(e.timedOut)))
		e.terminal = false
		e.timedOut = ""
		e.disagreeSince = time.Time{}
	}

	e.adoptLocked(snap)
	r := e.readingLocked(now)
	e.mu.Unlock()

	e.publish(r, "")
	return true
}

func (e *Engine) adoptLocked(snap chessdto.TimerSnapshot) {
	e.white = chessdto.Seconds(snap.WhiteTime)
	e.black = chessdto.Seconds(snap.BlackTime)
	if snap.Increment > 0 {
		// the timer endpoint omits the increment; keep the one from Start
		e.increment = chessdto.Seconds(snap.Increment)
	}
	if snap.CurrentTurn.Valid() {
		e.running = snap.CurrentTurn
	}
	if snap.TakenAt.IsZero() {
		e.ref = e.clock.Now()
	} else {
		e.ref = snap.TakenAt
		e.lastTaken = snap.TakenAt
	}
}

// Finish stops the clock for good. With confirmTimeout the server reported
// a timeout; if the clock had not timed out locally the running side is
// charged to zero and reported.
func (e *Engine) Finish(confirmTimeout bool) Reading {
	e.mu.Lock()
	now := e.clock.Now()
	timedOut := e.integrateLocked(now)
	if confirmTimeout && e.timedOut == "" && e.running != "" {
		side := e.running
		e.setRemainingLocked(side, 0)
		e.timedOut = side
		if !e.reported[side] {
			e.reported[side] = true
			timedOut = side
		}
	}
	e.running = ""
	e.terminal = true
	e.confirmed = true
	e.disagreeSince = time.Time{}
	r := e.readingLocked(now)
	e.mu.Unlock()

	e.publish(r, timedOut)
	return r
}

// Reading returns the live clock without advancing the reference instant.
func (e *Engine) Reading() Reading {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock.Now()
	r := e.readingLocked(now)
	if e.running != "" && !e.terminal {
		elapsed := now.Sub(e.ref)
		if elapsed < 0 {
			elapsed = 0
		}
		rem := e.remainingLocked(e.running) - elapsed
		if rem < 0 {
			rem = 0
		}
		if e.running == chessdto.White {
			r.White = rem
		} else {
			r.Black = rem
		}
	}
	return r
}

// Terminal reports whether the clock has stopped for good or by timeout.
func (e *Engine) Terminal() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminal
}

// Run ticks on the configured period until ctx is done or Stop is called.
func (e *Engine) Run(ctx context.Context) {
	t := e.clock.NewTicker(e.period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-t.Chan():
			e.Tick()
		}
	}
}

func (e *Engine) Stop() { e.stopOnce.Do(func() { close(e.stopCh) }) }

func (e *Engine) OnReading(cb ReadingListener) int {
	e.lm.Lock()
	defer e.lm.Unlock()
	e.nextID++
	e.readingCbs[e.nextID] = cb
	return e.nextID
}

// OnTimeout registers cb for timeout events, delivered once per side.
func (e *Engine) OnTimeout(cb TimeoutListener) int {
	e.lm.Lock()
	defer e.lm.Unlock()
	e.nextID++
	e.timeoutCbs[e.nextID] = cb
	return e.nextID
}

func (e *Engine) RemoveListener(id int) {
	e.lm.Lock()
	delete(e.readingCbs, id)
	delete(e.timeoutCbs, id)
	e.lm.Unlock()
}

func (e *Engine) publish(r Reading, timedOut chessdto.Side) {
	e.lm.RLock()
	readings := make([]ReadingListener, 0, len(e.readingCbs))
	for _, cb := range e.readingCbs {
		readings = append(readings, cb)
	}
	var timeouts []TimeoutListener
	if timedOut != "" {
		for _, cb := range e.timeoutCbs {
			timeouts = append(timeouts, cb)
		}
	}
	e.lm.RUnlock()

	for _, cb := range readings {
		cb(r)
	}
	for _, cb := range timeouts {
		cb(timedOut)
	}
}

func (e *Engine) readingLocked(now time.Time) Reading {
	return Reading{
		White:    e.white,
		Black:    e.black,
		Running:  e.running,
		Terminal: e.terminal,
		TimedOut: e.timedOut,
		At:       now,
	}
}

func (e *Engine) remainingLocked(side chessdto.Side) time.Duration {
	if side == chessdto.Black {
		return e.black
	}
	return e.white
}

func (e *Engine) setRemainingLocked(side chessdto.Side, d time.Duration) {
	if side == chessdto.Black {
		e.black = d
	} else {
		e.white = d
	}
}

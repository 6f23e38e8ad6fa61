package clock

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/park285/cheese-sync/pkg/chessdto"
)

type timeoutRecorder struct {
	mu    sync.Mutex
	sides []chessdto.Side
}

func (r *timeoutRecorder) record(side chessdto.Side) {
	r.mu.Lock()
	r.sides = append(r.sides, side)
	r.mu.Unlock()
}

func (r *timeoutRecorder) all() []chessdto.Side {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]chessdto.Side(nil), r.sides...)
}

func newEngine(t *testing.T) (*Engine, *clockwork.FakeClock, *timeoutRecorder) {
	t.Helper()
	clk := clockwork.NewFakeClock()
	e := New(WithClock(clk))
	rec := &timeoutRecorder{}
	e.OnTimeout(rec.record)
	return e, clk, rec
}

func snapshot(clk clockwork.Clock, white, black float64, turn chessdto.Side) chessdto.TimerSnapshot {
	return chessdto.TimerSnapshot{WhiteTime: white, BlackTime: black, CurrentTurn: turn, TakenAt: clk.Now()}
}

func TestMoveCompletedAddsIncrementAndSwitchesSides(t *testing.T) {
	e, clk, _ := newEngine(t)
	s := snapshot(clk, 600, 600, chessdto.White)
	s.Increment = 5
	e.Start(s)

	clk.Advance(10 * time.Second)
	require.True(t, e.OnMoveCompleted(chessdto.White))

	r := e.Reading()
	assert.Equal(t, 595*time.Second, r.White)
	assert.Equal(t, 600*time.Second, r.Black)
	assert.Equal(t, chessdto.Black, r.Running)

	// duplicate notification from push + response
	assert.False(t, e.OnMoveCompleted(chessdto.White))
	assert.Equal(t, 595*time.Second, e.Reading().White)
}

func TestReconcileWithoutIncrementKeepsIt(t *testing.T) {
	e, clk, _ := newEngine(t)
	s := snapshot(clk, 600, 600, chessdto.White)
	s.Increment = 5
	e.Start(s)

	// timer endpoint shape: no increment
	clk.Advance(2 * time.Second)
	require.True(t, e.Reconcile(snapshot(clk, 598, 600, chessdto.White)))

	clk.Advance(8 * time.Second)
	require.True(t, e.OnMoveCompleted(chessdto.White))
	assert.Equal(t, 595*time.Second, e.Reading().White)

	// a new game starts without the old increment
	e.Start(snapshot(clk, 60, 60, chessdto.White))
	clk.Advance(time.Second)
	require.True(t, e.OnMoveCompleted(chessdto.White))
	assert.Equal(t, 59*time.Second, e.Reading().White)
}

func TestTicksNeverIncreaseOrGoNegative(t *testing.T) {
	e, clk, _ := newEngine(t)
	e.Start(snapshot(clk, 3, 3, chessdto.White))
	rng := rand.New(rand.NewSource(7))

	prev := e.Reading().White
	for i := 0; i < 200; i++ {
		clk.Advance(time.Duration(rng.Intn(80)) * time.Millisecond)
		r := e.Tick()
		assert.LessOrEqual(t, r.White, prev)
		assert.GreaterOrEqual(t, r.White, time.Duration(0))
		assert.Equal(t, 3*time.Second, r.Black, "only the running side is charged")
		prev = r.White
	}
}

func TestTimeoutReportedOnce(t *testing.T) {
	e, clk, rec := newEngine(t)
	e.Start(snapshot(clk, 1, 600, chessdto.White))

	clk.Advance(1500 * time.Millisecond)
	r := e.Tick()
	assert.True(t, r.Terminal)
	assert.Equal(t, chessdto.White, r.TimedOut)
	assert.Equal(t, time.Duration(0), r.White)
	assert.Equal(t, chessdto.Side(""), r.Running)

	clk.Advance(time.Second)
	e.Tick()
	e.Finish(true)
	assert.Equal(t, []chessdto.Side{chessdto.White}, rec.all())
}

func TestConfirmedTimeoutIsNeverUndone(t *testing.T) {
	e, clk, rec := newEngine(t)
	e.Start(snapshot(clk, 1, 600, chessdto.White))
	clk.Advance(2 * time.Second)
	e.Tick()
	e.Finish(true)

	for i := 0; i < 3; i++ {
		clk.Advance(10 * time.Second)
		assert.False(t, e.Reconcile(snapshot(clk, 3, 590, chessdto.White)))
	}
	r := e.Reading()
	assert.True(t, r.Terminal)
	assert.Equal(t, chessdto.White, r.TimedOut)
	assert.Equal(t, time.Duration(0), r.White)
	assert.Len(t, rec.all(), 1)
}

func TestReconcileIsIdempotent(t *testing.T) {
	e, clk, _ := newEngine(t)
	e.Start(snapshot(clk, 600, 600, chessdto.White))
	clk.Advance(4 * time.Second)

	s := snapshot(clk, 300, 250, chessdto.Black)
	clk.Advance(1500 * time.Millisecond)
	require.True(t, e.Reconcile(s))
	first := e.Reading()

	e.Tick()
	require.True(t, e.Reconcile(s))
	second := e.Reading()

	assert.Equal(t, first.White, second.White)
	assert.Equal(t, first.Black, second.Black)
	assert.Equal(t, 248500*time.Millisecond, second.Black)
	assert.Equal(t, chessdto.Black, second.Running)
}

func TestReconcileIgnoresOlderSnapshots(t *testing.T) {
	e, clk, _ := newEngine(t)
	older := snapshot(clk, 500, 500, chessdto.White)
	clk.Advance(time.Second)
	newer := snapshot(clk, 400, 400, chessdto.Black)

	require.True(t, e.Reconcile(newer))
	assert.False(t, e.Reconcile(older))
	assert.Equal(t, 400*time.Second, e.Reading().White)
}

func TestServerContradictionResurrectsAfterWindow(t *testing.T) {
	e, clk, rec := newEngine(t)
	e.Start(snapshot(clk, 1, 600, chessdto.White))
	clk.Advance(2 * time.Second)
	e.Tick()
	require.True(t, e.Terminal())

	assert.False(t, e.Reconcile(snapshot(clk, 4, 598, chessdto.White)), "first contradiction opens the window")
	clk.Advance(3 * time.Second)
	assert.False(t, e.Reconcile(snapshot(clk, 4, 598, chessdto.White)))
	assert.True(t, e.Terminal())

	clk.Advance(3 * time.Second)
	require.True(t, e.Reconcile(snapshot(clk, 4, 598, chessdto.White)))
	r := e.Reading()
	assert.False(t, r.Terminal)
	assert.Equal(t, chessdto.White, r.Running)
	assert.Equal(t, 4*time.Second, r.White)
	assert.Len(t, rec.all(), 1)
}

func TestAgreeingSnapshotClosesDisagreementWindow(t *testing.T) {
	e, clk, _ := newEngine(t)
	e.Start(snapshot(clk, 1, 600, chessdto.White))
	clk.Advance(2 * time.Second)
	e.Tick()

	e.Reconcile(snapshot(clk, 4, 598, chessdto.White))
	clk.Advance(4 * time.Second)
	e.Reconcile(snapshot(clk, 0, 598, chessdto.White))
	clk.Advance(2 * time.Second)
	assert.False(t, e.Reconcile(snapshot(clk, 4, 598, chessdto.White)), "window restarts after agreement")
	assert.True(t, e.Terminal())
}

func TestFinishedSnapshotStopsClock(t *testing.T) {
	e, clk, rec := newEngine(t)
	e.Start(snapshot(clk, 100, 100, chessdto.White))
	s := snapshot(clk, 90, 100, chessdto.White)
	s.Finished = true
	require.True(t, e.Reconcile(s))

	clk.Advance(time.Minute)
	r := e.Tick()
	assert.True(t, r.Terminal)
	assert.Equal(t, 90*time.Second, r.White)
	assert.Empty(t, rec.all())
	assert.False(t, e.OnMoveCompleted(chessdto.White))
}

func TestFinishWithServerTimeoutChargesRunningSide(t *testing.T) {
	e, clk, rec := newEngine(t)
	e.Start(snapshot(clk, 100, 100, chessdto.Black))
	clk.Advance(time.Second)
	r := e.Finish(true)
	assert.Equal(t, time.Duration(0), r.Black)
	assert.Equal(t, chessdto.Black, r.TimedOut)
	assert.Equal(t, []chessdto.Side{chessdto.Black}, rec.all())
}

func TestRunTicksOnPeriodUntilStopped(t *testing.T) {
	clk := clockwork.NewFakeClock()
	e := New(WithClock(clk), WithTickPeriod(100*time.Millisecond))
	e.Start(snapshot(clk, 10, 10, chessdto.White))

	readings := make(chan Reading, 16)
	e.OnReading(func(r Reading) { readings <- r })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	require.NoError(t, clk.BlockUntilContext(ctx, 1))
	clk.Advance(100 * time.Millisecond)

	select {
	case r := <-readings:
		assert.Equal(t, 9900*time.Millisecond, r.White)
	case <-ctx.Done():
		t.Fatal("no reading published")
	}

	e.Stop()
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("Run did not stop")
	}
}

func TestFormatAndPressure(t *testing.T) {
	assert.Equal(t, "9:59", Format(599900*time.Millisecond))
	assert.Equal(t, "0:00", Format(-time.Second))
	assert.Equal(t, "1:00:05", Format(time.Hour+5*time.Second))
	assert.Equal(t, PressureNone, PressureOf(31*time.Second))
	assert.Equal(t, PressureLow, PressureOf(30*time.Second))
	assert.Equal(t, PressureCritical, PressureOf(10*time.Second))
}

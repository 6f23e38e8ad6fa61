package coordinator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-sync/internal/session"
	"github.com/park285/cheese-sync/pkg/chessdto"
)

const eventApplyTimeout = 5 * time.Second

func (c *Coordinator) handleEvent(env *chessdto.Envelope) {
	if env.Type != chessdto.EventFault && env.Type != chessdto.EventClockTick {
		c.markPush()
	}
	payload, err := chessdto.DecodePayload(env)
	if err != nil {
		c.logger.Warn("coordinator_event_decode_failed", zap.String("type", string(env.Type)), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(c.bgCtx, eventApplyTimeout)
	defer cancel()

	switch p := payload.(type) {
	case *chessdto.StateSnapshotPayload:
		if !c.ours(p.Session.ID) {
			return
		}
		c.applySnapshot(ctx, p.Session, p.Timer)
	case *chessdto.MoveAppliedPayload:
		if !c.ours(p.SessionID) {
			return
		}
		c.applyPushedMove(ctx, p)
	case *chessdto.SessionFinishedPayload:
		if !c.ours(p.Session.ID) {
			return
		}
		c.applyFinished(ctx, p)
	case *chessdto.ParticipantPayload:
		if !c.ours(p.SessionID) {
			return
		}
		online := env.Type == chessdto.EventParticipantJoined
		if _, err := c.store.Apply(ctx, session.SetPresence{ParticipantID: p.Participant.ID, Online: online}); err != nil {
			c.logger.Debug("coordinator_presence_skipped", zap.Error(err))
		}
	case *chessdto.ClockTickPayload:
		if !c.ours(p.SessionID) || c.finished() {
			return
		}
		c.reconcileTimer(p.Timer)
	case *chessdto.FaultPayload:
		c.logger.Warn("coordinator_transport_fault",
			zap.String("session_id", c.store.ID()),
			zap.String("code", p.Code),
			zap.String("message", p.Message),
		)
	case *chessdto.HeartbeatAckPayload:
		// freshness only
	}
}

func (c *Coordinator) ours(sessionID string) bool {
	return sessionID == "" || sessionID == c.store.ID()
}

func (c *Coordinator) finished() bool {
	st := c.store.Snapshot()
	return st.Session != nil && st.Session.Status == chessdto.StatusFinished
}

func (c *Coordinator) markPush() {
	c.mu.Lock()
	c.lastPush = c.clock.Now()
	c.mu.Unlock()
}

func (c *Coordinator) applySnapshot(ctx context.Context, sess chessdto.Session, timer *chessdto.TimerSnapshot) {
	ch, err := c.store.Apply(ctx, session.ReplaceSnapshot{Session: sess})
	if err != nil {
		c.logger.Warn("coordinator_snapshot_failed", zap.String("session_id", c.store.ID()), zap.Error(err))
		return
	}
	if ch.Ignored {
		if timer != nil && !c.finished() {
			c.reconcileTimer(*timer)
		}
		return
	}
	if len(ch.NewMoves) > 0 {
		c.logger.Debug("coordinator_snapshot_moves", zap.String("session_id", c.store.ID()), zap.Int("new_moves", len(ch.NewMoves)))
	}
	c.afterChange(ch, timer)
	c.maybeTriggerComputer()
}

func (c *Coordinator) applyPushedMove(ctx context.Context, p *chessdto.MoveAppliedPayload) {
	ch, err := c.store.Apply(ctx, session.ApplyMove{Move: p.Move})
	switch {
	case errors.Is(err, session.ErrGap), errors.Is(err, session.ErrEmpty):
		c.logger.Info("coordinator_resync_on_gap", zap.String("session_id", c.store.ID()), zap.Int("seq", p.Move.Seq))
		c.triggerSync()
		return
	case err != nil:
		c.logger.Debug("coordinator_move_skipped", zap.String("session_id", c.store.ID()), zap.Error(err))
		return
	case ch.Ignored:
		return
	}
	c.afterChange(ch, p.Timer)

	if p.Status.IsGameOver {
		fin, err := c.store.Apply(ctx, session.Finish{
			Outcome:     chessdto.OutcomeFromResult(p.Status.Result),
			Termination: terminationOf(p.Status),
		})
		if err == nil {
			c.afterChange(fin, nil)
		}
		return
	}
	c.maybeTriggerComputer()
}

func terminationOf(st chessdto.MoveStatus) string {
	switch {
	case st.IsCheckmate:
		return chessdto.TerminationCheckmate
	case st.IsStalemate:
		return chessdto.TerminationStalemate
	default:
		return chessdto.TerminationDraw
	}
}

func (c *Coordinator) applyFinished(ctx context.Context, p *chessdto.SessionFinishedPayload) {
	sess := p.Session
	sess.Status = chessdto.StatusFinished
	ch, err := c.store.Apply(ctx, session.Finish{Session: &sess, Outcome: sess.Outcome, Termination: sess.Termination})
	if err != nil {
		c.logger.Warn("coordinator_finish_failed", zap.String("session_id", c.store.ID()), zap.Error(err))
		return
	}
	if ch.Ignored {
		return
	}
	c.afterChange(ch, p.Timer)
}

// Sync pulls the session and timer and applies both as authoritative.
// Concurrent calls share one pull.
func (c *Coordinator) Sync(ctx context.Context) error {
	_, err, _ := c.sf.Do("sync:"+c.store.ID(), func() (any, error) {
		return nil, c.sync(ctx)
	})
	return err
}

func (c *Coordinator) sync(ctx context.Context) error {
	sess, err := c.api.Session(ctx, c.store.ID())
	if err != nil {
		return &MoveError{Kind: KindTransportFault, Err: err}
	}
	timer, terr := c.api.Timer(ctx, c.store.ID())
	if terr != nil {
		timer = nil
	}
	c.applySnapshot(ctx, *sess, timer)
	if terr != nil {
		return &MoveError{Kind: KindTransportFault, Err: terr}
	}
	return nil
}

func (c *Coordinator) syncTimer(ctx context.Context) error {
	timer, err := c.api.Timer(ctx, c.store.ID())
	if err != nil {
		return &MoveError{Kind: KindTransportFault, Err: err}
	}
	c.reconcileTimer(*timer)
	return nil
}

func (c *Coordinator) triggerSync() {
	if !c.goBackground() {
		return
	}
	go func() {
		defer c.wg.Done()
		if err := c.Sync(c.bgCtx); err != nil && c.bgCtx.Err() == nil {
			c.logger.Warn("coordinator_sync_failed", zap.String("session_id", c.store.ID()), zap.Error(err))
		}
	}()
}

// Run performs an initial sync, then polls every PollInterval until ctx is
// done. A full pull happens whenever the push channel is not connected or
// has been silent longer than FreshnessWindow; the timer is pulled every
// TimerSyncInterval regardless.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.Sync(ctx); err != nil {
		c.logger.Warn("coordinator_initial_sync_failed", zap.String("session_id", c.store.ID()), zap.Error(err))
	}
	t := c.clock.NewTicker(c.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.bgCtx.Done():
			return nil
		case <-t.Chan():
			c.poll(ctx)
		}
	}
}

func (c *Coordinator) poll(ctx context.Context) {
	if c.finished() {
		return
	}
	now := c.clock.Now()
	c.mu.Lock()
	src := c.src
	stale := c.lastPush.IsZero() || now.Sub(c.lastPush) > c.cfg.FreshnessWindow
	timerDue := now.Sub(c.lastTimerSync) >= c.cfg.TimerSyncInterval
	c.mu.Unlock()

	live := src != nil && src.State().Live()
	var err error
	switch {
	case !live || stale:
		err = c.Sync(ctx)
	case timerDue:
		err = c.syncTimer(ctx)
	default:
		return
	}
	if err != nil {
		c.logger.Warn("coordinator_poll_failed",
			zap.String("session_id", c.store.ID()),
			zap.Bool("push_live", live),
			zap.Error(err),
		)
	}
}

package transport

import (
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/cheese-sync/pkg/chessdto"
)

// The tick feed is a secondary, best-effort connection that only carries
// clock_tick broadcasts. Its failures are logged at debug level and retried
// with the same backoff; they never touch the primary state or emit faults.

func (c *Channel) startTickFeed() {
	c.mu.Lock()
	if c.tickURL == "" || c.tickStarted || c.closed {
		c.mu.Unlock()
		return
	}
	c.tickStarted = true
	target := sessionURL(c.tickURL, "/ws/clock/", c.sessionID, c.credential)
	c.wg.Add(1)
	c.mu.Unlock()

	go c.runTickFeed(target)
}

func (c *Channel) runTickFeed(target string) {
	defer c.wg.Done()
	b := NewBackoff(c.backoffBase, c.backoffMax)
	for {
		if c.isStopping() {
			return
		}
		conn, err := c.dial(c.rootCtx, target)
		if err == nil {
			b.Reset()
			c.readTicks(conn)
		} else {
			c.logger.Debug("transport_tick_feed_dial_failed", zap.String("session_id", c.SessionID()), zap.Error(err))
		}
		if c.isStopping() {
			return
		}
		select {
		case <-c.stopCh:
			return
		case <-c.clock.After(b.Next()):
		}
	}
}

func (c *Channel) readTicks(conn *websocket.Conn) {
	defer func() { _ = conn.CloseNow() }()
	for {
		var env chessdto.Envelope
		if err := wsjson.Read(c.rootCtx, conn, &env); err != nil {
			if !c.isStopping() {
				c.logger.Debug("transport_tick_feed_lost", zap.String("session_id", c.SessionID()), zap.Error(err))
			}
			return
		}
		if env.Type != chessdto.EventClockTick {
			continue
		}
		c.dispatch(&env)
	}
}

package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/cheese-sync/internal/obslog"
	"github.com/park285/cheese-sync/pkg/chessdto"
)

var ErrClosed = errors.New("transport: channel closed")

// HeaderProvider allows injecting headers at handshake (e.g. X-User-Id).
type HeaderProvider func() map[string]string

const readLimit = 1 << 20

// Channel is the push connection for one game session. It reconnects on any
// abnormal closure with capped exponential backoff until Close, and never
// polls; consumers watch State and pull while the mode is not Connected.
type Channel struct {
	wsURL   string
	tickURL string

	clock        clockwork.Clock
	logger       *zap.Logger
	headers      HeaderProvider
	dialTimeout  time.Duration
	writeTimeout time.Duration
	pingInterval time.Duration
	pingTimeout  time.Duration
	backoffBase  time.Duration
	backoffMax   time.Duration

	mu           sync.Mutex
	conn         *websocket.Conn
	gen          uint64
	state        State
	sessionID    string
	credential   string
	backoff      *Backoff
	reconnecting bool
	tickStarted  bool
	closed       bool

	writeM sync.Mutex

	cbM      sync.RWMutex
	handlers []handlerEntry
	stateCbs []stateCallbackEntry
	nextID   int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

type Option func(*Channel)

func WithClock(c clockwork.Clock) Option { return func(ch *Channel) { ch.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(ch *Channel) { ch.logger = l } }

func WithHeaderProvider(h HeaderProvider) Option { return func(ch *Channel) { ch.headers = h } }

// WithBackoff overrides the reconnect delay bounds (default 1s doubling to 30s).
func WithBackoff(base, max time.Duration) Option {
	return func(ch *Channel) { ch.backoffBase, ch.backoffMax = base, max }
}

func WithPingInterval(d time.Duration) Option {
	return func(ch *Channel) {
		if d > 0 {
			ch.pingInterval = d
		}
	}
}

func WithPingTimeout(d time.Duration) Option {
	return func(ch *Channel) {
		if d > 0 {
			ch.pingTimeout = d
		}
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(ch *Channel) {
		if d > 0 {
			ch.dialTimeout = d
		}
	}
}

// WithTickFeed enables the secondary clock-tick connection at tickURL.
func WithTickFeed(tickURL string) Option {
	return func(ch *Channel) { ch.tickURL = strings.TrimSpace(tickURL) }
}

func NewChannel(wsURL string, opts ...Option) *Channel {
	ch := &Channel{
		wsURL:        strings.TrimSpace(wsURL),
		clock:        clockwork.NewRealClock(),
		dialTimeout:  10 * time.Second,
		writeTimeout: 5 * time.Second,
		pingInterval: 15 * time.Second,
		pingTimeout:  3 * time.Second,
		backoffBase:  DefaultBackoffBase,
		backoffMax:   DefaultBackoffMax,
		state:        State{Mode: ModeDisconnected},
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(ch)
	}
	if ch.logger == nil {
		ch.logger = obslog.L()
	}
	ch.backoff = NewBackoff(ch.backoffBase, ch.backoffMax)
	ch.rootCtx, ch.rootCancel = context.WithCancel(context.Background())
	return ch
}

// Connect dials the push endpoint for sessionID. A failed dial still leaves
// the channel retrying in the background; the returned state says so.
func (c *Channel) Connect(ctx context.Context, sessionID, credential string) (State, error) {
	c.mu.Lock()
	if c.closed {
		st := c.state
		c.mu.Unlock()
		return st, ErrClosed
	}
	if c.state.Mode == ModeConnected || c.state.Mode == ModeConnecting || c.reconnecting {
		st := c.state
		c.mu.Unlock()
		return st, nil
	}
	c.sessionID = strings.TrimSpace(sessionID)
	c.credential = strings.TrimSpace(credential)
	// claimed under the same lock as the check so concurrent callers dial once
	c.state = State{Mode: ModeConnecting}
	c.mu.Unlock()

	c.notifyState(State{Mode: ModeConnecting})
	c.startTickFeed()

	conn, err := c.dial(ctx, c.primaryURL())
	if err != nil {
		c.logger.Warn("transport_connect_failed",
			zap.String("session_id", c.SessionID()),
			zap.Error(err),
		)
		c.scheduleReconnect()
		return c.State(), err
	}
	if !c.attach(conn) {
		return c.State(), ErrClosed
	}
	c.logger.Info("transport_connected", zap.String("session_id", c.SessionID()))
	return c.State(), nil
}

func (c *Channel) dial(ctx context.Context, target string) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      c.buildHeaders(),
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

// attach installs conn as the live connection. It reports false when the
// channel was closed meanwhile.
func (c *Channel) attach(conn *websocket.Conn) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.CloseNow()
		return false
	}
	c.gen++
	gen := c.gen
	prev := c.conn
	c.conn = conn
	c.backoff.Reset()
	c.reconnecting = false
	done := make(chan struct{})
	c.wg.Add(2)
	c.mu.Unlock()
	if prev != nil {
		// its listener sees a stale generation and exits quietly
		_ = prev.CloseNow()
	}

	c.setState(State{Mode: ModeConnected})
	go c.listen(conn, gen, done)
	go c.pingLoop(conn, gen, done)
	return true
}

func (c *Channel) listen(conn *websocket.Conn, gen uint64, done chan struct{}) {
	defer c.wg.Done()
	defer close(done)
	for {
		var env chessdto.Envelope
		if err := wsjson.Read(c.rootCtx, conn, &env); err != nil {
			c.handleDrop(gen, err)
			return
		}
		if env.Type == "" {
			continue
		}
		c.dispatch(&env)
	}
}

func (c *Channel) pingLoop(conn *websocket.Conn, gen uint64, done chan struct{}) {
	defer c.wg.Done()
	t := c.clock.NewTicker(c.pingInterval)
	defer t.Stop()
	consecutivePingFailures := 0
	for {
		select {
		case <-c.stopCh:
			return
		case <-done:
			return
		case <-t.Chan():
			ctx, cancel := context.WithTimeout(c.rootCtx, c.pingTimeout)
			err := conn.Ping(ctx)
			cancel()
			if err != nil {
				consecutivePingFailures++
				if consecutivePingFailures >= 2 {
					c.handleDrop(gen, fmt.Errorf("ping failure: %w", err))
					return
				}
				continue
			}
			consecutivePingFailures = 0
			_ = c.write(conn, chessdto.Outbound{Type: chessdto.OutboundPing, ID: uuid.NewString()})
		}
	}
}

// handleDrop tears down connection generation gen and schedules a reconnect.
// Only Close ends the channel; a closure initiated by the server, normal or
// not, is retried.
func (c *Channel) handleDrop(gen uint64, cause error) {
	if c.isStopping() {
		return
	}
	c.mu.Lock()
	if gen != c.gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	_ = conn.CloseNow()

	if websocket.CloseStatus(cause) == websocket.StatusNormalClosure {
		c.logger.Info("transport_closed_by_server", zap.String("session_id", c.SessionID()))
	} else {
		c.logger.Warn("transport_connection_lost",
			zap.String("session_id", c.SessionID()),
			zap.Error(cause),
		)
	}
	c.emitFault("connection_lost", cause.Error())
	c.scheduleReconnect()
}

func (c *Channel) scheduleReconnect() {
	c.mu.Lock()
	if c.closed || c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.wg.Add(1)
	c.mu.Unlock()

	go c.reconnectLoop()
}

func (c *Channel) reconnectLoop() {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		delay := c.backoff.Next()
		failures := c.backoff.Attempts()
		c.mu.Unlock()

		c.setState(State{Mode: ModePollingFallback, Failures: failures, NextRetry: c.clock.Now().Add(delay)})
		c.logger.Info("transport_reconnect_scheduled",
			zap.String("session_id", c.SessionID()),
			zap.Int("attempt", failures),
			zap.Duration("delay", delay),
		)

		select {
		case <-c.stopCh:
			return
		case <-c.clock.After(delay):
		}

		conn, err := c.dial(c.rootCtx, c.primaryURL())
		if err != nil {
			if c.isStopping() {
				return
			}
			c.logger.Debug("transport_reconnect_failed", zap.String("session_id", c.SessionID()), zap.Error(err))
			continue
		}
		if c.attach(conn) {
			c.logger.Info("transport_reconnected", zap.String("session_id", c.SessionID()), zap.Int("attempts", failures))
		}
		return
	}
}

// Send writes msg on the push connection. It reports false when there is no
// live connection or the write fails.
func (c *Channel) Send(msg any) bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return false
	}
	if err := c.write(conn, msg); err != nil {
		c.logger.Debug("transport_send_failed", zap.String("session_id", c.SessionID()), zap.Error(err))
		return false
	}
	return true
}

// SubmitMove sends a submit_move frame and returns its message id.
func (c *Channel) SubmitMove(req chessdto.MoveRequest) (string, bool) {
	id := uuid.NewString()
	return id, c.Send(chessdto.Outbound{Type: chessdto.OutboundSubmitMove, ID: id, Data: req})
}

func (c *Channel) write(conn *websocket.Conn, msg any) error {
	c.writeM.Lock()
	defer c.writeM.Unlock()
	ctx, cancel := context.WithTimeout(c.rootCtx, c.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}

func (c *Channel) dispatch(env *chessdto.Envelope) {
	c.cbM.RLock()
	handlers := make([]handlerEntry, len(c.handlers))
	copy(handlers, c.handlers)
	c.cbM.RUnlock()
	for _, entry := range handlers {
		if entry.handler != nil {
			entry.handler(env)
		}
	}
}

func (c *Channel) emitFault(code, message string) {
	env, err := chessdto.NewEnvelope(chessdto.EventFault, chessdto.FaultPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	c.dispatch(env)
}

// OnEvent registers a consumer of inbound events and returns its id.
func (c *Channel) OnEvent(h EventHandler) int {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	c.nextID++
	c.handlers = append(c.handlers, handlerEntry{id: c.nextID, handler: h})
	return c.nextID
}

func (c *Channel) RemoveHandler(id int) {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	for i, h := range c.handlers {
		if h.id == id {
			c.handlers = append(c.handlers[:i], c.handlers[i+1:]...)
			break
		}
	}
}

func (c *Channel) OnStateChange(cb StateCallback) int {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	c.nextID++
	c.stateCbs = append(c.stateCbs, stateCallbackEntry{id: c.nextID, callback: cb})
	return c.nextID
}

func (c *Channel) RemoveStateCallback(id int) {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	for i, cb := range c.stateCbs {
		if cb.id == id {
			c.stateCbs = append(c.stateCbs[:i], c.stateCbs[i+1:]...)
			break
		}
	}
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Channel) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	c.notifyState(state)
}

func (c *Channel) notifyState(state State) {
	c.cbM.RLock()
	callbacks := make([]stateCallbackEntry, len(c.stateCbs))
	copy(callbacks, c.stateCbs)
	c.cbM.RUnlock()
	for _, entry := range callbacks {
		if entry.callback != nil {
			entry.callback(state)
		}
	}
}

// Close stops reconnects and the tick feed and closes the live connection.
func (c *Channel) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.gen++
	c.mu.Unlock()

	c.stopOnce.Do(func() { close(c.stopCh) })
	if conn != nil {
		closeCtx, cancel := context.WithTimeout(ctx, time.Second)
		go func() {
			<-closeCtx.Done()
			_ = conn.CloseNow()
		}()
		_ = conn.Close(websocket.StatusNormalClosure, "close")
		cancel()
	}
	c.rootCancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		c.setState(State{Mode: ModeDisconnected})
		return nil
	}
}

func (c *Channel) isStopping() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

func (c *Channel) primaryURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sessionURL(c.wsURL, "/ws/games/", c.sessionID, c.credential)
}

func (c *Channel) buildHeaders() http.Header {
	hdr := http.Header{}
	if c.headers != nil {
		for k, v := range c.headers() {
			if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
				continue
			}
			hdr.Set(k, v)
		}
	}
	c.mu.Lock()
	cred := c.credential
	c.mu.Unlock()
	if cred != "" {
		hdr.Set("Authorization", "Bearer "+cred)
	}
	return hdr
}

// sessionURL joins base, prefix and the escaped session id and appends the
// credential as the token query parameter.
func sessionURL(base, prefix, sessionID, credential string) string {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return strings.TrimRight(base, "/") + prefix + url.PathEscape(sessionID)
	}
	u.Path = strings.TrimRight(u.Path, "/") + prefix + sessionID
	q := u.Query()
	if credential != "" {
		q.Set("token", credential)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

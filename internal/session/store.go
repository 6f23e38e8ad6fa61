package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/park285/cheese-sync/internal/obslog"
	"github.com/park285/cheese-sync/pkg/chessdto"
)

var (
	// ErrGap means a pushed move skipped ahead of the local move list; the caller must resync.
	ErrGap = errors.New("session: move sequence gap")
	// ErrFinished means the local copy is finished and the command would mutate it.
	ErrFinished = errors.New("session: finished")
	// ErrEmpty means no snapshot has been loaded yet.
	ErrEmpty = errors.New("session: no snapshot")
)

// Pending is an optimistic move selection awaiting server confirmation.
type Pending struct {
	From      string
	To        string
	Promotion string
	Since     time.Time
}

// State is a read-only view of the cached session.
type State struct {
	Session *chessdto.Session
	Pending *Pending
	Version uint64
	// Stale marks a copy restored from cache and not yet confirmed by the server.
	Stale bool
}

// MoveCount returns the number of confirmed moves.
func (s State) MoveCount() int {
	if s.Session == nil {
		return 0
	}
	return len(s.Session.Moves)
}

// SideToMove derives the side to move from the cached position.
func (s State) SideToMove() chessdto.Side {
	if s.Session == nil {
		return ""
	}
	if side := SideToMove(s.Session.FEN); side != "" {
		return side
	}
	if len(s.Session.Moves)%2 == 0 {
		return chessdto.White
	}
	return chessdto.Black
}

// Change describes the effect of one applied command.
type Change struct {
	Version  uint64
	State    State
	NewMoves []chessdto.Move
	// Finished is set when this command moved the session into Finished.
	Finished bool
	// Ignored is set when the command was a no-op (duplicate or stale).
	Ignored bool
}

// Command is one mutation fed to Store.Apply.
type Command interface {
	apply(st *State, now time.Time) (Change, error)
}

type Subscriber func(Change)

// Store owns the client's cached copy of one game session. Every mutation,
// authoritative or optimistic, goes through Apply.
type Store struct {
	id     string
	clock  clockwork.Clock
	cache  Cache
	logger *zap.Logger

	applyMu sync.Mutex

	mu     sync.RWMutex
	state  State
	subs   map[int]Subscriber
	nextID int
}

type Option func(*Store)

func WithClock(c clockwork.Clock) Option { return func(s *Store) { s.clock = c } }

// WithCache enables write-through of applied snapshots.
func WithCache(c Cache) Option { return func(s *Store) { s.cache = c } }

func WithLogger(l *zap.Logger) Option { return func(s *Store) { s.logger = l } }

func NewStore(sessionID string, opts ...Option) *Store {
	s := &Store{
		id:    strings.TrimSpace(sessionID),
		clock: clockwork.NewRealClock(),
		subs:  make(map[int]Subscriber),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = obslog.L()
	}
	return s
}

func (s *Store) ID() string { return s.id }

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyState(s.state)
}

// Subscribe registers fn for every applied, non-ignored change. fn runs on the
// applying goroutine and must not call Apply.
func (s *Store) Subscribe(fn Subscriber) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.subs[s.nextID] = fn
	return s.nextID
}

func (s *Store) Unsubscribe(id int) {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
}

// Apply runs cmd against the state. Commands are serialized; subscribers see
// changes in apply order.
func (s *Store) Apply(ctx context.Context, cmd Command) (Change, error) {
	s.applyMu.Lock()
	ch, err := s.reduce(cmd)
	if err != nil || ch.Ignored {
		s.applyMu.Unlock()
		return ch, err
	}
	s.mu.RLock()
	subs := make([]Subscriber, 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.RUnlock()
	for _, fn := range subs {
		fn(ch)
	}
	s.applyMu.Unlock()

	s.persist(ctx, ch.State)
	return ch, nil
}

func (s *Store) reduce(cmd Command) (Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := copyState(s.state)
	ch, err := cmd.apply(&next, s.clock.Now())
	if err != nil || ch.Ignored {
		ch.Version = s.state.Version
		ch.State = copyState(s.state)
		return ch, err
	}
	next.Version = s.state.Version + 1
	s.state = next
	ch.Version = next.Version
	ch.State = copyState(next)
	return ch, nil
}

func (s *Store) persist(ctx context.Context, st State) {
	if s.cache == nil || st.Session == nil || st.Stale {
		return
	}
	entry := &Entry{Session: *st.Session, Version: st.Version, SavedAt: s.clock.Now()}
	if err := s.cache.Save(ctx, entry); err != nil {
		s.logger.Warn("session_cache_save_failed", zap.String("session_id", s.id), zap.Error(err))
	}
}

// Restore seeds an empty store from the cache. The restored copy is marked
// Stale until the next authoritative snapshot.
func (s *Store) Restore(ctx context.Context) (bool, error) {
	if s.cache == nil {
		return false, nil
	}
	entry, err := s.cache.Load(ctx, s.id)
	if err != nil || entry == nil {
		return false, err
	}

	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Session != nil {
		return false, nil
	}
	sess := entry.Session.Clone()
	s.state = State{Session: sess, Version: entry.Version, Stale: true}
	s.logger.Debug("session_restored", zap.String("session_id", s.id), zap.Int("moves", len(sess.Moves)))
	return true, nil
}

func copyState(st State) State {
	out := State{Session: st.Session.Clone(), Version: st.Version, Stale: st.Stale}
	if st.Pending != nil {
		p := *st.Pending
		out.Pending = &p
	}
	return out
}

package transport

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/park285/cheese-sync/internal/obslog"
)

var ErrNoSession = errors.New("transport: session id required")

type registryEntry struct {
	ch   *Channel
	refs int
}

// Registry hands out at most one primary Channel per session id. Concurrent
// opens share one dial; the channel closes when the last holder releases it.
type Registry struct {
	newChannel func() *Channel
	logger     *zap.Logger

	sf      singleflight.Group
	mu      sync.Mutex
	entries map[string]*registryEntry
}

func NewRegistry(newChannel func() *Channel) *Registry {
	return &Registry{
		newChannel: newChannel,
		logger:     obslog.L(),
		entries:    make(map[string]*registryEntry),
	}
}

// Open returns the session's channel, dialing it on first use. A failed
// initial dial is not an error: the channel keeps retrying in the
// background. Only a cancelled ctx aborts the open.
func (r *Registry) Open(ctx context.Context, sessionID, credential string) (*Channel, error) {
	id := strings.TrimSpace(sessionID)
	if id == "" {
		return nil, ErrNoSession
	}
	for {
		if ch := r.acquire(id); ch != nil {
			return ch, nil
		}
		ch, err := r.dialShared(ctx, id, credential)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		if e, ok := r.entries[id]; ok && e.ch == ch {
			e.refs++
			r.mu.Unlock()
			return ch, nil
		}
		r.mu.Unlock()
		// released by its other holders before we took a reference
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func (r *Registry) dialShared(ctx context.Context, id, credential string) (*Channel, error) {
	v, err, _ := r.sf.Do(id, func() (any, error) {
		r.mu.Lock()
		if e, ok := r.entries[id]; ok {
			r.mu.Unlock()
			return e.ch, nil
		}
		r.mu.Unlock()

		ch := r.newChannel()
		if _, err := ch.Connect(ctx, id, credential); err != nil {
			if ctx.Err() != nil {
				_ = ch.Close(context.Background())
				return nil, err
			}
			r.logger.Warn("transport_registry_open_degraded", zap.String("session_id", id), zap.Error(err))
		}
		r.mu.Lock()
		r.entries[id] = &registryEntry{ch: ch}
		r.mu.Unlock()
		return ch, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Channel), nil
}

func (r *Registry) acquire(id string) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.refs++
		return e.ch
	}
	return nil
}

// Release drops one reference and closes the channel on the last one.
func (r *Registry) Release(ctx context.Context, sessionID string) error {
	id := strings.TrimSpace(sessionID)
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.entries, id)
	r.mu.Unlock()
	return e.ch.Close(ctx)
}

// Len returns the number of open channels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close releases every channel regardless of reference counts.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*registryEntry)
	r.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if err := e.ch.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

package gameapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/park285/cheese-sync/pkg/chessdto"
)

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL,
		WithTimeout(2*time.Second),
		WithRetryBase(time.Millisecond),
		WithHeaderProvider(func() map[string]string {
			return map[string]string{"Authorization": "Bearer tok", "X-Empty": " "}
		}),
	)
	return c, srv
}

func TestSubmitMove_SendsBodyAndHeaders(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/games/g1/moves", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Empty(t, r.Header.Get("X-Empty"))

		var req chessdto.MoveRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, chessdto.MoveRequest{From: "e2", To: "e4"}, req)

		_ = json.NewEncoder(w).Encode(chessdto.MoveResponse{
			Move:    chessdto.Move{Seq: 1, From: "e2", To: "e4", Author: "u1"},
			Session: chessdto.Session{ID: "g1", Status: chessdto.StatusActive},
			Timer:   &chessdto.TimerSnapshot{WhiteTime: 595, BlackTime: 600, CurrentTurn: chessdto.Black},
		})
	})

	resp, err := c.SubmitMove(context.Background(), "g1", chessdto.MoveRequest{From: "e2", To: "e4"})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Move.Seq)
	assert.Equal(t, chessdto.StatusActive, resp.Session.Status)
	require.NotNil(t, resp.Timer)
	assert.Equal(t, chessdto.Black, resp.Timer.CurrentTurn)
}

func TestSubmitMove_NeverRetried(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.SubmitMove(context.Background(), "g1", chessdto.MoveRequest{From: "e2", To: "e4"})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.False(t, IsDefinitive(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestRejectionCarriesDomainError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"code":"illegal_move","message":"e2e5 is not legal","retryable":false}`))
	})

	_, err := c.SubmitMove(context.Background(), "g1", chessdto.MoveRequest{From: "e2", To: "e5"})
	require.Error(t, err)
	assert.True(t, IsDefinitive(err))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "illegal_move", apiErr.Body.Code)
	assert.Equal(t, "e2e5 is not legal", apiErr.Message())
}

func TestTimer_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/games/g1/timer", r.URL.Path)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"white_time":42.5,"black_time":10,"current_turn":"black","time_pressure":"critical"}`))
	})

	snap, err := c.Timer(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 42.5, snap.WhiteTime)
	assert.Equal(t, chessdto.Black, snap.CurrentTurn)
	assert.Equal(t, "critical", snap.TimePressure)
}

func TestSession_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.Session(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, IsDefinitive(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestActiveGamesAndResign(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/games/active":
			_, _ = w.Write([]byte(`{"games":[{"id":"a","status":"active"},{"id":"b","status":"active"}]}`))
		case "/api/games/a/resign":
			assert.Equal(t, http.MethodPost, r.Method)
			_, _ = w.Write([]byte(`{"id":"a","status":"finished","termination":"resignation"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	games, err := c.ActiveGames(context.Background())
	require.NoError(t, err)
	require.Len(t, games, 2)
	assert.Equal(t, "b", games[1].ID)

	s, err := c.Resign(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, chessdto.StatusFinished, s.Status)
	assert.Equal(t, chessdto.TerminationResignation, s.Termination)
}

func TestTransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(url, WithRetry(1), WithTimeout(500*time.Millisecond))
	_, err := c.Session(context.Background(), "g1")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.False(t, IsDefinitive(err))

	var tErr *TransportError
	assert.ErrorAs(t, err, &tErr)
}

func TestBackoffDuration(t *testing.T) {
	c := NewClient("http://x", WithRetryBase(10*time.Millisecond))
	assert.Equal(t, 10*time.Millisecond, c.backoffDuration(1))
	assert.Equal(t, 40*time.Millisecond, c.backoffDuration(3))
	assert.Equal(t, 320*time.Millisecond, c.backoffDuration(99))
}

func TestGamePathEscapes(t *testing.T) {
	assert.Equal(t, "/api/games/a%2Fb/timer", gamePath("a/b", "timer"))
	assert.Equal(t, "/api/games/g1", gamePath(" g1 ", ""))
}

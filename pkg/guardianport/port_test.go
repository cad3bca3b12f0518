package guardianport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, status *atomic.Value) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := status.Load().(Status)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s)
	}))
}

func TestHTTPPort_IsLocked_ReflectsRemoteState(t *testing.T) {
	var status atomic.Value
	status.Store(Status{State: "UNLOCKED"})
	srv := newTestServer(t, &status)
	defer srv.Close()

	port := NewHTTPPort(srv.URL, time.Second, time.Hour)
	locked, err := port.IsLocked(context.Background())
	require.NoError(t, err)
	assert.False(t, locked)

	status.Store(Status{State: "LOCKED", Reason: "drawdown_breach"})
	locked, err = port.IsLocked(context.Background())
	require.NoError(t, err)
	assert.True(t, locked)
}

func TestHTTPPort_Unreachable_FailsClosed(t *testing.T) {
	port := NewHTTPPort("http://127.0.0.1:1", 50*time.Millisecond, time.Hour)
	locked, err := port.IsLocked(context.Background())
	require.Error(t, err)
	assert.True(t, locked, "unreachable guardian must report locked")
}

func TestHTTPPort_CircuitOpens_AfterRepeatedFailures(t *testing.T) {
	port := NewHTTPPort("http://127.0.0.1:1", 10*time.Millisecond, time.Hour)
	for i := 0; i < 5; i++ {
		_, _ = port.IsLocked(context.Background())
	}
	assert.False(t, port.breaker.Allow(), "breaker should be open after threshold failures")

	_, err := port.GetStatus(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit open")
}

func TestHTTPPort_Run_PublishesLockEventOnTransition(t *testing.T) {
	var status atomic.Value
	status.Store(Status{State: "UNLOCKED"})
	srv := newTestServer(t, &status)
	defer srv.Close()

	port := NewHTTPPort(srv.URL, time.Second, 10*time.Millisecond)

	var mu sync.Mutex
	var received []LockEvent
	port.Subscribe(func(ev LockEvent) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, ev)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go port.Run(ctx)

	status.Store(Status{State: "LOCKED", Reason: "manual_halt"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "manual_halt", received[0].Reason)
	mu.Unlock()
}

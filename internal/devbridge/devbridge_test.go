package devbridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomekzaw/expo-updates-engine/internal/statemachine"
)

func TestRateLimiter_AllowsUpToMaxThenBlocksWithinWindow(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)

	assert.True(t, rl.Allow("1.2.3.4"))
	assert.True(t, rl.Allow("1.2.3.4"))
	assert.False(t, rl.Allow("1.2.3.4"))

	// A different address has its own independent budget.
	assert.True(t, rl.Allow("5.6.7.8"))
}

func TestRateLimiter_OldConnectionsExpireOutOfWindow(t *testing.T) {
	rl := NewRateLimiter(1, 10*time.Millisecond)

	assert.True(t, rl.Allow("addr"))
	assert.False(t, rl.Allow("addr"))

	time.Sleep(20 * time.Millisecond)
	assert.True(t, rl.Allow("addr"), "the earlier connection should have aged out of the window")
}

func TestServer_StateSnapshotEndpointReflectsMachine(t *testing.T) {
	machine := statemachine.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go machine.Run(ctx)

	server := NewServer(machine, nil)
	httpServer := httptest.NewServer(server.Router())
	defer httpServer.Close()

	resp, err := http.Get(httpServer.URL + "/devbridge/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestServer_MetricsEndpointServesPrometheusFormat(t *testing.T) {
	machine := statemachine.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go machine.Run(ctx)

	server := NewServer(machine, nil)
	httpServer := httptest.NewServer(server.Router())
	defer httpServer.Close()

	resp, err := http.Get(httpServer.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_WebSocketReceivesStateMachineBroadcasts(t *testing.T) {
	machine := statemachine.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go machine.Run(ctx)

	server := NewServer(machine, nil)
	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	go server.Run(runCtx)

	httpServer := httptest.NewServer(server.Router())
	defer httpServer.Close()

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/devbridge/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the hub a moment to register the new connection before the
	// state machine transitions, so this client observes the broadcast.
	time.Sleep(20 * time.Millisecond)
	machine.Send(statemachine.Event{Type: statemachine.EventCheckForUpdateStart})

	var snap statemachine.Context
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, statemachine.StateChecking, snap.State)
}

func TestServer_WebSocketRateLimitRejectsExcessConnections(t *testing.T) {
	machine := statemachine.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go machine.Run(ctx)

	server := NewServer(machine, nil)
	server.rateLimiter = NewRateLimiter(0, time.Minute)

	httpServer := httptest.NewServer(server.Router())
	defer httpServer.Close()

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/devbridge/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomekzaw/expo-updates-engine/internal/statemachine"
)

func startMiniredis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return mr
}

func TestNewPublisher_FailsFastWhenRedisUnreachable(t *testing.T) {
	_, err := NewPublisher(context.Background(), Config{Addr: "127.0.0.1:1"}, nil)
	require.Error(t, err)
	var connErr *ErrConnectionFailed
	assert.ErrorAs(t, err, &connErr)
}

func TestNewPublisher_SucceedsAgainstReachableRedis(t *testing.T) {
	mr := startMiniredis(t)
	pub, err := NewPublisher(context.Background(), Config{Addr: mr.Addr()}, nil)
	require.NoError(t, err)
	defer pub.Close()
}

func TestPublisherSubscriber_RoundTripsSnapshots(t *testing.T) {
	mr := startMiniredis(t)

	pub, err := NewPublisher(context.Background(), Config{Addr: mr.Addr(), Channel: "test-channel"}, nil)
	require.NoError(t, err)
	defer pub.Close()

	sub := NewSubscriber(Config{Addr: mr.Addr(), Channel: "test-channel"}, nil)
	defer sub.Close()

	received := make(chan statemachine.Context, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = sub.Listen(ctx, func(snap statemachine.Context) {
			received <- snap
		})
	}()

	// Give the subscriber time to establish its subscription before
	// publishing, since Redis pub/sub drops messages with no listener.
	time.Sleep(50 * time.Millisecond)

	observe := pub.Observer()
	observe(statemachine.Context{State: statemachine.StateChecking, Sequence: 7})

	select {
	case snap := <-received:
		assert.Equal(t, statemachine.StateChecking, snap.State)
		assert.Equal(t, uint64(7), snap.Sequence)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published snapshot")
	}
}

func TestPublisher_ObserverIsBestEffortOnMarshalFailure(t *testing.T) {
	mr := startMiniredis(t)
	pub, err := NewPublisher(context.Background(), Config{Addr: mr.Addr()}, nil)
	require.NoError(t, err)
	defer pub.Close()

	observe := pub.Observer()
	assert.NotPanics(t, func() {
		observe(statemachine.Context{
			State:          statemachine.StateIdle,
			LatestManifest: map[string]any{"unmarshalable": make(chan int)},
		})
	})
}

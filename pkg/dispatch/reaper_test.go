package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/lsaristo/WmiConnector/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReap(t *testing.T) {
	clock := newFakeClock()
	observer := newRecordingObserver()

	d, err := NewDispatcher(Config{Limit: 2, OrphanTimeout: time.Second}, newFakeBackend(), WithClock(clock), WithObserver(observer))
	require.NoError(t, err)

	require.NoError(t, d.Launch(context.Background(), hosts("ALPHA")))
	clock.Advance(500 * time.Millisecond)
	require.NoError(t, d.Launch(context.Background(), hosts("BETA")))

	assert.Empty(t, d.Reap())
	assert.Equal(t, 0, d.Available())

	// One tick past ALPHA's timeout
	clock.Advance(500 * time.Millisecond)
	assert.Equal(t, []string{"ALPHA"}, d.Reap())
	assert.Equal(t, 1, d.Outstanding())
	assert.Equal(t, 1, d.Available())
	assert.Empty(t, d.Failures())

	clock.Advance(time.Second)
	assert.Equal(t, []string{"BETA"}, d.Reap())
	assert.Equal(t, 0, d.Outstanding())
	assert.Equal(t, 2, d.Available())
	assert.Empty(t, d.Failures())

	orphans := d.Orphans()
	require.Len(t, orphans, 2)
	assert.Equal(t, "ALPHA", orphans[0].Id())
	assert.Equal(t, 2, observer.outcomes[OutcomeOrphaned])

	// A late report is for an unknown host and releases nothing
	assert.Equal(t, OutcomeUnknownHost, d.Handle(protocol.Message{Host: "ALPHA", Result: "success"}))
	assert.Equal(t, 2, d.Available())
}

func TestReapDisabled(t *testing.T) {
	clock := newFakeClock()

	d, err := NewDispatcher(Config{Limit: 1}, newFakeBackend(), WithClock(clock))
	require.NoError(t, err)
	require.NoError(t, d.Launch(context.Background(), hosts("ALPHA")))

	clock.Advance(24 * time.Hour)
	assert.Empty(t, d.Reap())
	assert.Equal(t, 1, d.Outstanding())

	assert.Equal(t, []string{"ALPHA"}, d.EvictAll())
	assert.Equal(t, 1, d.Available())
	assert.Empty(t, d.EvictAll())
}

// Eviction wakes a dispatcher waiting for the drain.
func TestReapUnblocksDrain(t *testing.T) {
	clock := newFakeClock()

	d, err := NewDispatcher(Config{Limit: 1, OrphanTimeout: time.Minute}, newFakeBackend(), WithClock(clock))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- d.Dispatch(context.Background(), hosts("ALPHA", "BETA"))
	}()

	require.Eventually(t, func() bool { return d.isRunning("ALPHA") }, 5*time.Second, time.Millisecond)
	clock.Advance(time.Minute)
	assert.Equal(t, []string{"ALPHA"}, d.Reap())

	require.Eventually(t, func() bool { return d.isRunning("BETA") }, 5*time.Second, time.Millisecond)
	clock.Advance(time.Minute)
	assert.Equal(t, []string{"BETA"}, d.Reap())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not drain")
	}
}

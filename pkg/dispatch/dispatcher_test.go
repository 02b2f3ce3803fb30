package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lsaristo/WmiConnector/pkg/fleet"
	"github.com/lsaristo/WmiConnector/pkg/protocol"
	"github.com/lsaristo/WmiConnector/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDispatcherInvalid(t *testing.T) {
	_, err := NewDispatcher(Config{Limit: 0}, newFakeBackend())
	assert.ErrorIs(t, err, utils.ErrInvalidConfig)

	_, err = NewDispatcher(Config{Limit: 1}, nil)
	assert.ErrorIs(t, err, utils.ErrInvalidConfig)
}

func TestLaunchSkipsHosts(t *testing.T) {
	backend := newFakeBackend()
	backend.unreachable["BETA"] = true
	backend.rejected["GAMMA"] = true

	housekeeper := &recordingHousekeeper{prepErr: map[string]error{"EPSILON": errors.New("archive exists")}}
	observer := newRecordingObserver()

	d, err := NewDispatcher(Config{Limit: 5}, backend, WithHousekeeper(housekeeper), WithObserver(observer))
	require.NoError(t, err)

	targets := hosts("ALPHA", "BETA", "GAMMA", "DELTA", "EPSILON", "ALPHA")
	targets[3].Enabled = false

	require.NoError(t, d.Launch(context.Background(), targets))

	assert.Equal(t, []string{"ALPHA"}, backend.Launched())
	assert.Equal(t, 1, d.Outstanding())
	assert.Equal(t, 4, d.Available())
	assert.Equal(t, []string{"ALPHA", "GAMMA"}, housekeeper.prepared)

	assert.ErrorIs(t, observer.skipped["BETA"], utils.ErrUnreachable)
	assert.ErrorIs(t, observer.skipped["GAMMA"], ErrLaunch)
	assert.ErrorIs(t, observer.skipped["DELTA"], ErrDisabled)
	assert.ErrorIs(t, observer.skipped["EPSILON"], ErrLaunch)
	assert.ErrorIs(t, observer.skipped["ALPHA"], ErrAlreadyRunning)
	assert.Len(t, d.Skipped(), 5)

	runners := d.Runners()
	require.Len(t, runners, 1)
	assert.Equal(t, 1001, runners[0].Pid)

	d.EvictAll()
}

type staticResolver map[string][]string

func (r staticResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if addresses, ok := r[host]; ok {
		return addresses, nil
	}
	return nil, fmt.Errorf("no such host: %s", host)
}

func TestLaunchResolves(t *testing.T) {
	backend := newFakeBackend()
	resolver := staticResolver{"alpha.example.com": {"10.0.0.1", "10.0.0.2"}}

	d, err := NewDispatcher(Config{Limit: 2}, backend, WithResolver(resolver))
	require.NoError(t, err)

	targets := fleet.Fleet{
		{Name: "ALPHA", Address: "alpha.example.com", Enabled: true},
		{Name: "BETA", Address: "beta.example.com", Enabled: true},
	}
	require.NoError(t, d.Launch(context.Background(), targets))

	runners := d.Runners()
	require.Len(t, runners, 1)
	assert.Equal(t, "10.0.0.1", runners[0].Host.Address)
	assert.Equal(t, "alpha.example.com", targets[0].Address, "host descriptor must not change")

	skipped := d.Skipped()
	require.Len(t, skipped, 1)
	assert.ErrorIs(t, skipped[0].Reason, utils.ErrUnreachable)

	d.EvictAll()
}

func TestLaunchWhatIf(t *testing.T) {
	backend := newFakeBackend()
	backend.unreachable["BETA"] = true

	d, err := NewDispatcher(Config{Limit: 1, WhatIf: true}, backend)
	require.NoError(t, err)

	require.NoError(t, d.Dispatch(context.Background(), hosts("ALPHA", "BETA", "GAMMA")))

	assert.Empty(t, backend.Launched())
	assert.Equal(t, []string{"ALPHA", "BETA", "GAMMA"}, backend.probed)
	assert.Equal(t, 0, d.Outstanding())
	assert.Equal(t, 1, d.Available())
	assert.Len(t, d.Skipped(), 1)
}

func TestLaunchAborted(t *testing.T) {
	d, err := NewDispatcher(Config{Limit: 1}, newFakeBackend())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = d.Dispatch(ctx, hosts("ALPHA", "BETA"))
	assert.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, 1, d.Outstanding())

	d.EvictAll()
	assert.Equal(t, 1, d.Available())
}

func TestHandle(t *testing.T) {
	housekeeper := &recordingHousekeeper{}
	observer := newRecordingObserver()

	d, err := NewDispatcher(Config{Limit: 2}, newFakeBackend(), WithHousekeeper(housekeeper), WithObserver(observer))
	require.NoError(t, err)
	require.NoError(t, d.Launch(context.Background(), hosts("ALPHA", "BETA")))
	assert.Equal(t, 0, d.Available())

	assert.Equal(t, OutcomeSuccess, d.Handle(protocol.Message{Host: "alpha", Result: "Success"}))
	assert.Equal(t, 1, d.Available())
	assert.Equal(t, []string{"ALPHA"}, housekeeper.succeeded)

	assert.Equal(t, OutcomeFailure, d.Handle(protocol.Message{Host: "BETA", Result: "vss error"}))
	assert.Equal(t, 2, d.Available())
	require.Len(t, d.Failures(), 1)
	assert.Equal(t, "BETA", d.Failures()[0].Id())

	// Duplicate and unknown reports release nothing
	assert.Equal(t, OutcomeUnknownHost, d.Handle(protocol.Message{Host: "ALPHA", Result: "success"}))
	assert.Equal(t, OutcomeUnknownHost, d.Handle(protocol.Message{Host: "ZETA", Result: "failure"}))
	assert.Equal(t, 2, d.Available())
	assert.Len(t, d.Failures(), 1)

	assert.Equal(t, 1, observer.outcomes[OutcomeSuccess])
	assert.Equal(t, 1, observer.outcomes[OutcomeFailure])
	assert.Equal(t, 2, observer.outcomes[OutcomeUnknownHost])

	stats := d.Statistics()
	assert.Equal(t, int64(2), stats.Dispatched)
	assert.Equal(t, int64(1), stats.Succeeded)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(2), stats.Discarded)
	assert.Equal(t, int64(2), stats.MaxRunning)
}

func TestHandleMalformedReport(t *testing.T) {
	observer := &mockObserver{}
	observer.On("HostDispatched", "ALPHA").Once()
	observer.On("ReportDiscarded", OutcomeMalformed, "garbage<EOF>").Once()

	d, err := NewDispatcher(Config{Limit: 1}, newFakeBackend(), WithObserver(observer))
	require.NoError(t, err)
	require.NoError(t, d.Launch(context.Background(), hosts("ALPHA")))

	_, parseErr := protocol.Parse("garbage<EOF>")
	outcome := d.HandleReport(protocol.Report{Payload: "garbage<EOF>", Err: parseErr})

	assert.Equal(t, OutcomeMalformed, outcome)
	assert.Equal(t, 1, d.Outstanding())
	assert.Equal(t, 0, d.Available())
	assert.Empty(t, d.Failures())
	observer.AssertExpectations(t)

	observer.On("HostCompleted", "ALPHA", OutcomeSuccess, "success").Once()
	assert.Equal(t, OutcomeSuccess, d.HandleReport(protocol.Report{Message: protocol.Message{Host: "ALPHA", Result: "success"}}))
	observer.AssertExpectations(t)
}

func TestConsume(t *testing.T) {
	d, err := NewDispatcher(Config{Limit: 1}, newFakeBackend())
	require.NoError(t, err)
	require.NoError(t, d.Launch(context.Background(), hosts("ALPHA")))

	reports := make(chan protocol.Report, 2)
	reports <- protocol.Report{Err: protocol.ErrMalformed}
	reports <- protocol.Report{Message: protocol.Message{Host: "ALPHA", Result: "success"}}
	close(reports)

	d.Consume(context.Background(), reports)
	assert.Equal(t, 0, d.Outstanding())
	assert.Equal(t, 1, d.Available())
}

// Hosts report in random order while the limit is enforced.
func TestDispatchConcurrencyBound(t *testing.T) {
	const limit = 2

	backend := newFakeBackend()
	observer := newRecordingObserver()

	d, err := NewDispatcher(Config{Limit: limit}, backend, WithObserver(observer))
	require.NoError(t, err)

	var inflight, maxInflight atomic.Int64
	wg := sync.WaitGroup{}

	backend.onLaunch = func(host *fleet.Host) {
		n := inflight.Add(1)
		for {
			peak := maxInflight.Load()
			if n <= peak || maxInflight.CompareAndSwap(peak, n) {
				break
			}
		}

		id := host.Id()
		delay := time.Duration(rand.Intn(10)) * time.Millisecond
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(delay)
			for !d.isRunning(id) {
				time.Sleep(time.Millisecond)
			}
			inflight.Add(-1)
			result := "success"
			if rand.Intn(2) == 0 {
				result = "failure"
			}
			d.Handle(protocol.Message{Host: id, Result: result})
		}()
	}

	names := []string{}
	for i := 0; i < 10; i++ {
		names = append(names, fmt.Sprintf("HOST%02d", i))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, d.Dispatch(ctx, hosts(names...)))
	wg.Wait()

	assert.LessOrEqual(t, maxInflight.Load(), int64(limit))
	assert.LessOrEqual(t, d.Statistics().MaxRunning, int64(limit))
	assert.Equal(t, 0, d.Outstanding())
	assert.Equal(t, limit, d.Available())
	assert.Equal(t, 10, len(d.Succeeded())+len(d.Failures()))

	for _, name := range names {
		assert.Equal(t, 1, observer.dispatched[name], name)
		assert.Equal(t, 1, observer.completed[name], name)
	}
}

package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lsaristo/WmiConnector/pkg/fleet"
	"github.com/lsaristo/WmiConnector/pkg/protocol"
	"github.com/stretchr/testify/mock"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errRejected = errors.New("rejected")

type fakeBackend struct {
	sync.Mutex
	unreachable map[string]bool
	rejected    map[string]bool
	launched    []string
	probed      []string
	pid         int

	// Called after a successful launch, outside the lock.
	onLaunch func(host *fleet.Host)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		unreachable: map[string]bool{},
		rejected:    map[string]bool{},
		pid:         1000,
	}
}

func (b *fakeBackend) RemoteExecute(ctx context.Context, host *fleet.Host) (int, error) {
	b.Lock()
	if b.rejected[host.Id()] {
		b.Unlock()
		return 0, errRejected
	}
	b.pid++
	pid := b.pid
	b.launched = append(b.launched, host.Id())
	onLaunch := b.onLaunch
	b.Unlock()

	if onLaunch != nil {
		onLaunch(host)
	}
	return pid, nil
}

func (b *fakeBackend) Probe(ctx context.Context, host *fleet.Host) bool {
	b.Lock()
	defer b.Unlock()
	b.probed = append(b.probed, host.Id())
	return !b.unreachable[host.Id()]
}

func (b *fakeBackend) Launched() []string {
	b.Lock()
	defer b.Unlock()
	return append([]string{}, b.launched...)
}

type fakeClock struct {
	sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 22, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.Lock()
	defer c.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.Lock()
	defer c.Unlock()
	c.now = c.now.Add(d)
}

type recordingHousekeeper struct {
	sync.Mutex
	prepared  []string
	succeeded []string
	failed    []string
	prepErr   map[string]error
}

func (h *recordingHousekeeper) Prepare(host *fleet.Host) error {
	h.Lock()
	defer h.Unlock()
	if err := h.prepErr[host.Id()]; err != nil {
		return err
	}
	h.prepared = append(h.prepared, host.Id())
	return nil
}

func (h *recordingHousekeeper) PostSuccess(host *fleet.Host) error {
	h.Lock()
	defer h.Unlock()
	h.succeeded = append(h.succeeded, host.Id())
	return nil
}

func (h *recordingHousekeeper) PostFailure(host *fleet.Host) error {
	h.Lock()
	defer h.Unlock()
	h.failed = append(h.failed, host.Id())
	return errors.New("partial artifact locked")
}

type recordingObserver struct {
	sync.Mutex
	dispatched map[string]int
	completed  map[string]int
	outcomes   map[Outcome]int
	skipped    map[string]error
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		dispatched: map[string]int{},
		completed:  map[string]int{},
		outcomes:   map[Outcome]int{},
		skipped:    map[string]error{},
	}
}

func (o *recordingObserver) HostDispatched(runner Runner) {
	o.Lock()
	defer o.Unlock()
	o.dispatched[runner.Id()]++
}

func (o *recordingObserver) HostSkipped(host *fleet.Host, reason error) {
	o.Lock()
	defer o.Unlock()
	o.skipped[host.Id()] = reason
}

func (o *recordingObserver) HostCompleted(runner Runner, outcome Outcome, result string) {
	o.Lock()
	defer o.Unlock()
	o.completed[runner.Id()]++
	o.outcomes[outcome]++
}

func (o *recordingObserver) ReportDiscarded(outcome Outcome, detail string) {
	o.Lock()
	defer o.Unlock()
	o.outcomes[outcome]++
}

type mockObserver struct {
	mock.Mock
}

func (m *mockObserver) HostDispatched(runner Runner) {
	m.Called(runner.Id())
}

func (m *mockObserver) HostSkipped(host *fleet.Host, reason error) {
	m.Called(host.Id(), reason)
}

func (m *mockObserver) HostCompleted(runner Runner, outcome Outcome, result string) {
	m.Called(runner.Id(), outcome, result)
}

func (m *mockObserver) ReportDiscarded(outcome Outcome, detail string) {
	m.Called(outcome, detail)
}

// Listener that fails to bind, or fails while serving.
type brokenListener struct {
	bindErr  error
	serveErr error
	reports  chan protocol.Report
}

func (l *brokenListener) Listen() error {
	return l.bindErr
}

func (l *brokenListener) Serve(ctx context.Context) error {
	defer close(l.reports)
	select {
	case <-time.After(20 * time.Millisecond):
		return l.serveErr
	case <-ctx.Done():
		return nil
	}
}

func (l *brokenListener) Close() error {
	return nil
}

func (l *brokenListener) Reports() <-chan protocol.Report {
	return l.reports
}

func hosts(names ...string) fleet.Fleet {
	result := fleet.Fleet{}
	for _, name := range names {
		result = append(result, &fleet.Host{Name: name, Address: name, Enabled: true})
	}
	return result
}

// Waits until the host is registered and reports the result.
func reportWhenRunning(d *Dispatcher, host, result string) {
	deadline := time.Now().Add(5 * time.Second)
	for !d.isRunning(host) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	d.Handle(protocol.Message{Host: host, Result: result})
}

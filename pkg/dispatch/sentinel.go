package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lsaristo/WmiConnector/pkg/fleet"
	"github.com/lsaristo/WmiConnector/pkg/log"
	"golang.org/x/sync/errgroup"
)

type State int

const (
	StateStarting State = iota
	StateDispatching
	StateDraining
	StateShuttingDown
	StateDone
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateDispatching:
		return "dispatching"
	case StateDraining:
		return "draining"
	case StateShuttingDown:
		return "shutting down"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Aggregate result of a run.
type Status int

const (
	// The run completed and failed hosts were processed.
	StatusOk Status = iota

	// The completion listener could not be bound, or failed.
	StatusListenerFailed

	// Not all hosts were launched.
	StatusDispatchAborted

	// Hosts were still running when the drain ceiling elapsed and were evicted.
	StatusDrainCeilingExceeded
)

func (s Status) String() string {
	switch s {
	case StatusOk:
		return "ok"
	case StatusListenerFailed:
		return "listener failed"
	case StatusDispatchAborted:
		return "dispatch aborted"
	case StatusDrainCeilingExceeded:
		return "drain ceiling exceeded"
	default:
		return "unknown"
	}
}

type SentinelConfig struct {
	// Identifies the run in logs and telemetry. Generated if empty.
	RunId string

	// Interval between orphan sweeps.
	ReaperInterval time.Duration

	// Maximum duration of the run, from start to shutdown. Unlimited if zero.
	DrainCeiling time.Duration

	// Maximum time to wait for the listener to stop.
	ShutdownGrace time.Duration

	// Number of failed hosts cleaned up in parallel.
	RemediationParallelism int

	// Bound on probing each orphan at the end of the run.
	ProbeTimeout time.Duration
}

func (c *SentinelConfig) SetDefaults() {
	if c.RunId == "" {
		c.RunId = uuid.NewString()
	}
	if c.ReaperInterval <= 0 {
		c.ReaperInterval = 10 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	if c.RemediationParallelism <= 0 {
		c.RemediationParallelism = 4
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
}

// An orphaned host and whether it answered a probe at the end of the run.
type Orphan struct {
	Host      string
	Reachable bool
}

type Summary struct {
	RunId     string
	Status    Status
	Err       error
	Succeeded []string
	Failed    []string
	Orphaned  []Orphan
	Skipped   []Skip

	// Free slots at the end of the run. Equals Limit unless the run was cut short.
	Available int
	Limit     int

	Started  time.Time
	Finished time.Time
}

// Sentinel coordinates a run: it starts the completion listener,
// dispatches all hosts, sweeps orphans while waiting, shuts the
// listener down and finally cleans up after failed hosts.
type Sentinel struct {
	sync.Mutex
	config     SentinelConfig
	dispatcher *Dispatcher
	listener   Listener
	runId      string
	state      State
}

func NewSentinel(config SentinelConfig, dispatcher *Dispatcher, listener Listener) *Sentinel {
	config.SetDefaults()

	return &Sentinel{
		config:     config,
		dispatcher: dispatcher,
		listener:   listener,
		runId:      config.RunId,
	}
}

func (s *Sentinel) RunId() string {
	return s.runId
}

func (s *Sentinel) State() State {
	s.Lock()
	defer s.Unlock()
	return s.state
}

func (s *Sentinel) setState(state State) {
	s.Lock()
	previous := s.state
	s.state = state
	s.Unlock()

	if previous != state {
		log.Debugf("state - sentinel - %s -> %s", previous, state)
	}
}

// Run performs a complete run over the hosts.
// Always returns, at the latest when the drain ceiling and shutdown grace have elapsed.
func (s *Sentinel) Run(ctx context.Context, hosts fleet.Fleet) *Summary {
	summary := &Summary{
		RunId:   s.runId,
		Status:  StatusOk,
		Started: time.Now(),
	}

	log.Info("start - run - id:", s.runId, "hosts:", len(hosts))
	s.setState(StateStarting)

	if err := s.listener.Listen(); err != nil {
		log.Error("bind - listener - err:", err)
		summary.Status = StatusListenerFailed
		summary.Err = err
		s.finish(ctx, summary)
		return summary
	}

	serveCtx, cancelServe := context.WithCancel(context.Background())
	defer cancelServe()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.listener.Serve(serveCtx)
	}()

	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		s.dispatcher.Consume(serveCtx, s.listener.Reports())
	}()

	s.setState(StateDispatching)

	status, err := s.supervise(ctx, hosts, serveErr)
	summary.Status = status
	summary.Err = err

	s.setState(StateShuttingDown)
	s.shutdown(serveErr, consumed)

	s.finish(ctx, summary)
	return summary
}

// Runs the dispatch loop and sweeps orphans until it completes,
// the listener fails or the drain ceiling elapses.
func (s *Sentinel) supervise(ctx context.Context, hosts fleet.Fleet, serveErr chan error) (Status, error) {
	dispatchCtx, cancelDispatch := context.WithCancel(ctx)
	defer cancelDispatch()

	launched := make(chan struct{})
	dispatched := make(chan error, 1)

	go func() {
		if err := s.dispatcher.Launch(dispatchCtx, hosts); err != nil {
			dispatched <- err
			return
		}
		close(launched)
		dispatched <- s.dispatcher.Drain(dispatchCtx)
	}()

	var ceiling <-chan time.Time
	if s.config.DrainCeiling > 0 {
		timer := time.NewTimer(s.config.DrainCeiling)
		defer timer.Stop()
		ceiling = timer.C
	}

	ticker := time.NewTicker(s.config.ReaperInterval)
	defer ticker.Stop()

	// Stops dispatching and evicts whatever is still running.
	abort := func() {
		cancelDispatch()
		<-dispatched
		s.dispatcher.EvictAll()
	}

	allLaunched := func() bool {
		select {
		case <-launched:
			return true
		default:
			return false
		}
	}

	draining := launched

	for {
		select {
		case <-draining:
			draining = nil
			s.setState(StateDraining)

		case err := <-dispatched:
			if err != nil {
				log.Error("abort - dispatch - err:", err)
				s.dispatcher.EvictAll()
				return StatusDispatchAborted, err
			}
			return StatusOk, nil

		case err := <-serveErr:
			if err == nil {
				err = errors.New("listener stopped")
			}
			// Put it back for shutdown
			serveErr <- err
			log.Error("fail - listener - err:", err)
			abort()
			return StatusListenerFailed, err

		case <-ticker.C:
			if evicted := s.dispatcher.Reap(); len(evicted) > 0 {
				log.Debug("reap - orphans - count:", len(evicted))
			}

		case <-ceiling:
			log.Warn("ceiling - run - elapsed:", s.config.DrainCeiling, "outstanding:", s.dispatcher.Outstanding())
			launchedAll := allLaunched()
			abort()
			if !launchedAll {
				return StatusDispatchAborted, ErrAborted
			}
			return StatusDrainCeilingExceeded, nil

		case <-ctx.Done():
			log.Warn("abort - run - err:", ctx.Err())
			abort()
			return StatusDispatchAborted, ctx.Err()
		}
	}
}

// Stops the listener, waiting at most the shutdown grace period.
func (s *Sentinel) shutdown(serveErr chan error, consumed chan struct{}) {
	if err := s.listener.Close(); err != nil {
		log.Debug("close - listener - err:", err)
	}

	grace := time.NewTimer(s.config.ShutdownGrace)
	defer grace.Stop()

	select {
	case <-serveErr:
	case <-grace.C:
		log.Warn("shutdown - listener - did not stop within", s.config.ShutdownGrace)
		return
	}

	select {
	case <-consumed:
	case <-grace.C:
		log.Warn("shutdown - consumer - did not stop within", s.config.ShutdownGrace)
	}
}

// Cleans up after failed hosts, probes orphans and completes the summary.
func (s *Sentinel) finish(ctx context.Context, summary *Summary) {
	s.setState(StateDone)

	d := s.dispatcher
	failures := d.Failures()
	orphans := d.Orphans()

	group := errgroup.Group{}
	group.SetLimit(s.config.RemediationParallelism)

	for _, host := range failures {
		group.Go(func() error {
			if err := d.housekeeper.PostFailure(host); err != nil {
				log.Warn("cleanup - host - id:", host.Id(), "err:", err)
			}
			return nil
		})
	}

	summary.Orphaned = make([]Orphan, len(orphans))
	for i, runner := range orphans {
		group.Go(func() error {
			probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ProbeTimeout)
			defer cancel()
			summary.Orphaned[i] = Orphan{
				Host:      runner.Id(),
				Reachable: d.backend.Probe(probeCtx, runner.Host),
			}
			return nil
		})
	}

	group.Wait()

	for _, host := range d.Succeeded() {
		summary.Succeeded = append(summary.Succeeded, host.Id())
	}
	for _, host := range failures {
		summary.Failed = append(summary.Failed, host.Id())
	}
	summary.Skipped = d.Skipped()
	summary.Available = d.Available()
	summary.Limit = d.Limit()
	summary.Finished = time.Now()

	s.logSummary(summary)
}

func (s *Sentinel) logSummary(summary *Summary) {
	log.Infof("done - run - id: %s, status: %s, succeeded: %d, failed: %d, orphaned: %d, skipped: %d, slots: %d/%d",
		summary.RunId, summary.Status,
		len(summary.Succeeded), len(summary.Failed), len(summary.Orphaned), len(summary.Skipped),
		summary.Available, summary.Limit)

	for _, host := range summary.Failed {
		log.Warn("failed - host - id:", host)
	}

	for _, orphan := range summary.Orphaned {
		if orphan.Reachable {
			log.Warn("orphaned - host - id:", orphan.Host, "(reachable, follow up manually)")
		} else {
			log.Warn("orphaned - host - id:", orphan.Host, "(unreachable, follow up manually)")
		}
	}
}

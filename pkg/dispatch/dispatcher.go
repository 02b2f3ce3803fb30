package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lsaristo/WmiConnector/pkg/fleet"
	"github.com/lsaristo/WmiConnector/pkg/log"
	"github.com/lsaristo/WmiConnector/pkg/utils"
)

var (
	ErrAborted        = errors.New("dispatch aborted")
	ErrDisabled       = errors.New("host disabled")
	ErrAlreadyRunning = errors.New("host already running")
	ErrLaunch         = errors.New("launch failed")
)

type Config struct {
	// Maximum number of hosts running at the same time.
	Limit int

	// Time after which a host that hasn't reported is evicted.
	OrphanTimeout time.Duration

	// Probe hosts but don't launch anything.
	WhatIf bool
}

// A host that was not launched.
type Skip struct {
	Host   *fleet.Host
	Reason error
}

// Dispatcher statistics
type Statistics struct {
	// Number of slots
	Limit int64

	// Number of free slots
	Available int64

	// Number of hosts currently running
	Running int64

	// Total number of launched hosts
	Dispatched int64

	// Total number of hosts that reported success
	Succeeded int64

	// Total number of hosts that reported failure
	Failed int64

	// Total number of hosts evicted without a report
	Orphaned int64

	// Total number of hosts not launched
	Skipped int64

	// Total number of discarded reports
	Discarded int64

	// Highest number of hosts running at the same time
	MaxRunning int64
}

// Dispatcher launches backup jobs on hosts and tracks them until
// they report back or time out.
type Dispatcher struct {
	sync.Mutex

	config      Config
	backend     Backend
	housekeeper Housekeeper
	resolver    Resolver
	clock       Clock
	admission   *Admission
	observers   observers

	// Hosts with a job in progress
	runners registry

	// Hosts that reported failure, in order of report
	failures []*fleet.Host

	// Hosts that were evicted without a report
	orphans []Runner

	// Hosts that reported success
	succeeded []*fleet.Host

	// Hosts that were never launched
	skipped []Skip

	// Statistics
	numDispatched int64
	numDiscarded  int64
	maxRunning    int64
}

type Option func(*Dispatcher)

func WithHousekeeper(housekeeper Housekeeper) Option {
	return func(d *Dispatcher) {
		d.housekeeper = housekeeper
	}
}

// Resolve host addresses before launch. Addresses are used as is without a resolver.
func WithResolver(resolver Resolver) Option {
	return func(d *Dispatcher) {
		d.resolver = resolver
	}
}

func WithClock(clock Clock) Option {
	return func(d *Dispatcher) {
		d.clock = clock
	}
}

func WithObserver(observer Observer) Option {
	return func(d *Dispatcher) {
		d.observers = append(d.observers, observer)
	}
}

func NewDispatcher(config Config, backend Backend, opts ...Option) (*Dispatcher, error) {
	if config.Limit < 1 {
		return nil, fmt.Errorf("%w: concurrency limit must be at least 1, got %d", utils.ErrInvalidConfig, config.Limit)
	}
	if backend == nil {
		return nil, fmt.Errorf("%w: no backend", utils.ErrInvalidConfig)
	}

	d := &Dispatcher{
		config:      config,
		backend:     backend,
		housekeeper: NopHousekeeper,
		clock:       SystemClock,
		admission:   NewAdmission(config.Limit),
		runners:     registry{},
	}

	for _, opt := range opts {
		opt(d)
	}

	return d, nil
}

// Dispatch launches all enabled hosts, in order, and waits for
// every launched host to be resolved.
func (d *Dispatcher) Dispatch(ctx context.Context, hosts fleet.Fleet) error {
	if err := d.Launch(ctx, hosts); err != nil {
		return err
	}
	return d.Drain(ctx)
}

// Launch starts a job on every enabled host, waiting for a free slot
// before each launch. Hosts that can't be launched are skipped.
// Returns ErrAborted if the context is done before all hosts have been launched.
func (d *Dispatcher) Launch(ctx context.Context, hosts fleet.Fleet) error {
	for _, host := range hosts {
		if !host.Enabled {
			d.skip(host, ErrDisabled)
			continue
		}

		if d.isRunning(host.Id()) {
			d.skip(host, ErrAlreadyRunning)
			continue
		}

		if err := d.admission.Acquire(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrAborted, err)
		}

		runner, err := d.launch(ctx, host)
		if err != nil {
			d.admission.Release()
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %v", ErrAborted, ctx.Err())
			}
			d.skip(host, err)
			continue
		}

		if runner == nil {
			// What-if
			d.admission.Release()
			continue
		}

		d.register(runner)
	}

	return nil
}

// Returns nil runner and no error in what-if mode.
func (d *Dispatcher) launch(ctx context.Context, host *fleet.Host) (*Runner, error) {
	target := *host

	if d.resolver != nil {
		addresses, err := d.resolver.LookupHost(ctx, host.Address)
		if err != nil || len(addresses) == 0 {
			return nil, fmt.Errorf("%w: %s: cannot resolve: %v", utils.ErrUnreachable, host.Address, err)
		}
		target.Address = addresses[0]
	}

	if !d.backend.Probe(ctx, &target) {
		return nil, fmt.Errorf("%w: %s", utils.ErrUnreachable, target.Address)
	}

	if d.config.WhatIf {
		log.Info("what-if - host - id:", target.Id(), "address:", target.Address, "(reachable)")
		return nil, nil
	}

	if err := d.housekeeper.Prepare(&target); err != nil {
		return nil, fmt.Errorf("%w: prepare: %v", ErrLaunch, err)
	}

	pid, err := d.backend.RemoteExecute(ctx, &target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
	}

	return &Runner{
		Host:         &target,
		DispatchedAt: d.clock.Now(),
		Pid:          pid,
	}, nil
}

func (d *Dispatcher) register(runner *Runner) {
	d.Lock()
	d.runners[runner.Id()] = runner
	d.numDispatched++
	if running := int64(len(d.runners)); running > d.maxRunning {
		d.maxRunning = running
	}
	d.Unlock()

	log.Infof("run - host - id: %s, address: %s, pid: %d", runner.Id(), runner.Host.Address, runner.Pid)
	d.observers.HostDispatched(*runner)
}

func (d *Dispatcher) skip(host *fleet.Host, reason error) {
	d.Lock()
	d.skipped = append(d.skipped, Skip{Host: host, Reason: reason})
	d.Unlock()

	if errors.Is(reason, ErrDisabled) {
		log.Debug("skip - host - id:", host.Id(), "reason:", reason)
	} else {
		log.Warn("skip - host - id:", host.Id(), "reason:", reason)
	}
	d.observers.HostSkipped(host, reason)
}

func (d *Dispatcher) isRunning(id string) bool {
	d.Lock()
	defer d.Unlock()
	_, ok := d.runners[id]
	return ok
}

// Drain waits until no host is running.
// Returns ErrAborted if the context is done first.
func (d *Dispatcher) Drain(ctx context.Context) error {
	for {
		outstanding := d.Outstanding()
		if outstanding == 0 {
			log.Debug("drained - dispatcher")
			return nil
		}

		log.Debug("drain - dispatcher - outstanding:", outstanding)

		if err := d.admission.AwaitIdle(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrAborted, err)
		}
	}
}

// Removes a runner and releases its slot. Must be called with the lock held.
func (d *Dispatcher) removeNoLock(id string) (*Runner, bool) {
	runner, ok := d.runners[id]
	if !ok {
		return nil, false
	}

	delete(d.runners, id)
	if !d.admission.Release() {
		log.Error("release - slot - no slot held - id:", id)
	}
	return runner, true
}

// Outstanding returns the number of hosts currently running.
func (d *Dispatcher) Outstanding() int {
	d.Lock()
	defer d.Unlock()
	return len(d.runners)
}

// Available returns the number of free slots.
func (d *Dispatcher) Available() int {
	return d.admission.Available()
}

// Limit returns the concurrency limit.
func (d *Dispatcher) Limit() int {
	return d.admission.Limit()
}

// Runners returns the hosts currently running, oldest first.
func (d *Dispatcher) Runners() []Runner {
	d.Lock()
	defer d.Unlock()
	return d.runners.snapshot()
}

// Failures returns the hosts that reported failure.
func (d *Dispatcher) Failures() []*fleet.Host {
	d.Lock()
	defer d.Unlock()
	return append([]*fleet.Host{}, d.failures...)
}

// Orphans returns the hosts that were evicted without a report.
func (d *Dispatcher) Orphans() []Runner {
	d.Lock()
	defer d.Unlock()
	return append([]Runner{}, d.orphans...)
}

// Succeeded returns the hosts that reported success.
func (d *Dispatcher) Succeeded() []*fleet.Host {
	d.Lock()
	defer d.Unlock()
	return append([]*fleet.Host{}, d.succeeded...)
}

// Skipped returns the hosts that were not launched.
func (d *Dispatcher) Skipped() []Skip {
	d.Lock()
	defer d.Unlock()
	return append([]Skip{}, d.skipped...)
}

func (d *Dispatcher) Statistics() *Statistics {
	d.Lock()
	defer d.Unlock()

	return &Statistics{
		Limit:      int64(d.admission.Limit()),
		Available:  int64(d.admission.Available()),
		Running:    int64(len(d.runners)),
		Dispatched: d.numDispatched,
		Succeeded:  int64(len(d.succeeded)),
		Failed:     int64(len(d.failures)),
		Orphaned:   int64(len(d.orphans)),
		Skipped:    int64(len(d.skipped)),
		Discarded:  atomic.LoadInt64(&d.numDiscarded),
		MaxRunning: d.maxRunning,
	}
}

package dispatch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/lsaristo/WmiConnector/pkg/fleet"
	"github.com/lsaristo/WmiConnector/pkg/log"
	"github.com/lsaristo/WmiConnector/pkg/protocol"
)

// The result of handling a completion report or an orphan eviction.
type Outcome int

const (
	// The host reported success.
	OutcomeSuccess Outcome = iota

	// The host reported anything but success.
	OutcomeFailure

	// The host never reported and was evicted.
	OutcomeOrphaned

	// The report could not be parsed.
	OutcomeMalformed

	// The report named a host that isn't running.
	OutcomeUnknownHost
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeOrphaned:
		return "orphaned"
	case OutcomeMalformed:
		return "malformed"
	case OutcomeUnknownHost:
		return "unknown host"
	default:
		return "unknown"
	}
}

// Returns true if the outcome changed dispatcher state.
func (o Outcome) Resolved() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeOrphaned:
		return true
	default:
		return false
	}
}

// Handle resolves a running host from its completion report.
//
// The host is removed and its slot released. Success is followed by
// housekeeping, failure adds the host to the failure record.
// Reports for hosts that aren't running have no effect.
func (d *Dispatcher) Handle(msg protocol.Message) Outcome {
	id := fleet.NormalizeName(msg.Host)

	d.Lock()
	runner, ok := d.removeNoLock(id)
	if ok && !msg.Success() {
		d.failures = append(d.failures, runner.Host)
	}
	if ok && msg.Success() {
		d.succeeded = append(d.succeeded, runner.Host)
	}
	d.Unlock()

	if !ok {
		atomic.AddInt64(&d.numDiscarded, 1)
		log.Warnf("unknown - host - id: %s, result: %s", id, msg.Result)
		d.observers.ReportDiscarded(OutcomeUnknownHost, msg.String())
		return OutcomeUnknownHost
	}

	age := runner.Age(d.clock.Now())

	if !msg.Success() {
		log.Warnf("failed - host - id: %s, result: %s, elapsed: %s", id, msg.Result, age.Round(time.Second))
		d.observers.HostCompleted(*runner, OutcomeFailure, msg.Result)
		return OutcomeFailure
	}

	log.Infof("succeeded - host - id: %s, elapsed: %s", id, age.Round(time.Second))

	if err := d.housekeeper.PostSuccess(runner.Host); err != nil {
		log.Warn("housekeeping - host - id:", id, "err:", err)
	}

	d.observers.HostCompleted(*runner, OutcomeSuccess, msg.Result)
	return OutcomeSuccess
}

// HandleReport resolves a report received by a listener.
// Reports that failed to parse are discarded.
func (d *Dispatcher) HandleReport(report protocol.Report) Outcome {
	if report.Err != nil {
		atomic.AddInt64(&d.numDiscarded, 1)
		log.Warnf("malformed - report - remote: %s, payload: %q, err: %v", report.Remote, report.Payload, report.Err)
		d.observers.ReportDiscarded(OutcomeMalformed, report.Payload)
		return OutcomeMalformed
	}
	return d.Handle(report.Message)
}

// Consume handles reports until the channel is closed or the context is done.
func (d *Dispatcher) Consume(ctx context.Context, reports <-chan protocol.Report) {
	for {
		select {
		case report, ok := <-reports:
			if !ok {
				return
			}
			d.HandleReport(report)
		case <-ctx.Done():
			return
		}
	}
}

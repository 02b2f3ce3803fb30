package dispatch

import (
	"github.com/lsaristo/WmiConnector/pkg/fleet"
)

// Receives dispatcher events, e.g. for telemetry.
// Methods are called without dispatcher locks held and must not block.
type Observer interface {
	// A host was launched and registered.
	HostDispatched(runner Runner)

	// A host was not launched.
	HostSkipped(host *fleet.Host, reason error)

	// A running host was resolved as succeeded, failed or orphaned.
	HostCompleted(runner Runner, outcome Outcome, result string)

	// A report was discarded as malformed or for an unknown host.
	ReportDiscarded(outcome Outcome, detail string)
}

type observers []Observer

func (o observers) HostDispatched(runner Runner) {
	for _, observer := range o {
		observer.HostDispatched(runner)
	}
}

func (o observers) HostSkipped(host *fleet.Host, reason error) {
	for _, observer := range o {
		observer.HostSkipped(host, reason)
	}
}

func (o observers) HostCompleted(runner Runner, outcome Outcome, result string) {
	for _, observer := range o {
		observer.HostCompleted(runner, outcome, result)
	}
}

func (o observers) ReportDiscarded(outcome Outcome, detail string) {
	for _, observer := range o {
		observer.ReportDiscarded(outcome, detail)
	}
}

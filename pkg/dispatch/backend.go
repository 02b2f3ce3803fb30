package dispatch

import (
	"context"
	"time"

	"github.com/lsaristo/WmiConnector/pkg/fleet"
	"github.com/lsaristo/WmiConnector/pkg/protocol"
)

// Starts and checks backup jobs on remote hosts.
type Backend interface {
	// Launch the backup job on the host and return its remote process id.
	// Must return once the job has been started, not when it completes.
	RemoteExecute(ctx context.Context, host *fleet.Host) (int, error)

	// Returns true if the host is reachable.
	Probe(ctx context.Context, host *fleet.Host) bool
}

// Local housekeeping of a host's save directory.
type Housekeeper interface {
	// Called before launch. An error prevents the launch.
	Prepare(host *fleet.Host) error

	// Called after the host reported success.
	PostSuccess(host *fleet.Host) error

	// Called once at the end of the run for every failed host.
	PostFailure(host *fleet.Host) error
}

// Resolves host names to addresses. Satisfied by *net.Resolver.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Source of the current time.
type Clock interface {
	Now() time.Time
}

// Source of completion reports.
// Satisfied by *protocol.Listener.
type Listener interface {
	// Bind the listener socket.
	Listen() error

	// Accept reports until closed. A returned error is fatal.
	Serve(ctx context.Context) error

	// Stop accepting reports. Causes Serve to return.
	Close() error

	// Reports received. Closed when Serve returns.
	Reports() <-chan protocol.Report
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

// The wall clock.
var SystemClock Clock = systemClock{}

type nopHousekeeper struct{}

func (nopHousekeeper) Prepare(*fleet.Host) error     { return nil }
func (nopHousekeeper) PostSuccess(*fleet.Host) error { return nil }
func (nopHousekeeper) PostFailure(*fleet.Host) error { return nil }

// A housekeeper that does nothing.
var NopHousekeeper Housekeeper = nopHousekeeper{}

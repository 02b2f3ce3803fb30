package dispatch

import (
	"sort"
	"time"

	"github.com/lsaristo/WmiConnector/pkg/fleet"
)

// A host with a backup job in progress.
type Runner struct {
	// The host, with its address resolved.
	Host *fleet.Host

	// Time of launch.
	DispatchedAt time.Time

	// Remote process id of the backup job.
	Pid int
}

func (r Runner) Id() string {
	return r.Host.Id()
}

// Age returns the time elapsed since launch.
func (r Runner) Age(now time.Time) time.Duration {
	return now.Sub(r.DispatchedAt)
}

// Map of host identifier to runner.
type registry map[string]*Runner

// Returns a copy of all runners, oldest first.
func (r registry) snapshot() []Runner {
	runners := make([]Runner, 0, len(r))
	for _, runner := range r {
		runners = append(runners, *runner)
	}
	sort.Slice(runners, func(i, j int) bool {
		if runners[i].DispatchedAt.Equal(runners[j].DispatchedAt) {
			return runners[i].Id() < runners[j].Id()
		}
		return runners[i].DispatchedAt.Before(runners[j].DispatchedAt)
	})
	return runners
}

package status

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/lsaristo/WmiConnector/pkg/dispatch"
)

// What the status endpoint reports on.
type Dispatcher interface {
	Statistics() *dispatch.Statistics
	Runners() []dispatch.Runner
}

type Run interface {
	RunId() string
	State() dispatch.State
}

// A running host as listed by GET /runners.
type RunnerInfo struct {
	Host         string    `json:"host"`
	Address      string    `json:"address"`
	Class        string    `json:"class"`
	Pid          int       `json:"pid"`
	DispatchedAt time.Time `json:"dispatched_at"`
	AgeSeconds   int64     `json:"age_seconds"`
}

type Health struct {
	RunId string `json:"run_id"`
	State string `json:"state"`
}

func NewHttpHandler(dispatcher Dispatcher, run Run, r *echo.Echo) {
	r.GET("/metrics", func(c echo.Context) error {
		stats := dispatcher.Statistics()

		metrics := fmt.Sprintln("# TYPE autobackup_slots gauge")
		metrics += fmt.Sprintln("# HELP autobackup_slots The concurrency limit.")
		metrics += fmt.Sprintf("autobackup_slots %d\n", stats.Limit)

		metrics += fmt.Sprintln("# TYPE autobackup_slots_available gauge")
		metrics += fmt.Sprintln("# HELP autobackup_slots_available The number of free slots.")
		metrics += fmt.Sprintf("autobackup_slots_available %d\n", stats.Available)

		metrics += fmt.Sprintln("# TYPE autobackup_hosts_running gauge")
		metrics += fmt.Sprintln("# HELP autobackup_hosts_running The number of hosts currently running a backup.")
		metrics += fmt.Sprintf("autobackup_hosts_running %d\n", stats.Running)

		metrics += fmt.Sprintln("# TYPE autobackup_hosts_running_max gauge")
		metrics += fmt.Sprintln("# HELP autobackup_hosts_running_max The highest number of hosts running at the same time.")
		metrics += fmt.Sprintf("autobackup_hosts_running_max %d\n", stats.MaxRunning)

		metrics += fmt.Sprintln("# TYPE autobackup_hosts_dispatched_total counter")
		metrics += fmt.Sprintln("# HELP autobackup_hosts_dispatched_total The total number of launched hosts.")
		metrics += fmt.Sprintf("autobackup_hosts_dispatched_total %d\n", stats.Dispatched)

		metrics += fmt.Sprintln("# TYPE autobackup_hosts_succeeded_total counter")
		metrics += fmt.Sprintln("# HELP autobackup_hosts_succeeded_total The total number of hosts that reported success.")
		metrics += fmt.Sprintf("autobackup_hosts_succeeded_total %d\n", stats.Succeeded)

		metrics += fmt.Sprintln("# TYPE autobackup_hosts_failed_total counter")
		metrics += fmt.Sprintln("# HELP autobackup_hosts_failed_total The total number of hosts that reported failure.")
		metrics += fmt.Sprintf("autobackup_hosts_failed_total %d\n", stats.Failed)

		metrics += fmt.Sprintln("# TYPE autobackup_hosts_orphaned_total counter")
		metrics += fmt.Sprintln("# HELP autobackup_hosts_orphaned_total The total number of hosts evicted without a report.")
		metrics += fmt.Sprintf("autobackup_hosts_orphaned_total %d\n", stats.Orphaned)

		metrics += fmt.Sprintln("# TYPE autobackup_hosts_skipped_total counter")
		metrics += fmt.Sprintln("# HELP autobackup_hosts_skipped_total The total number of hosts that were not launched.")
		metrics += fmt.Sprintf("autobackup_hosts_skipped_total %d\n", stats.Skipped)

		metrics += fmt.Sprintln("# TYPE autobackup_reports_discarded_total counter")
		metrics += fmt.Sprintln("# HELP autobackup_reports_discarded_total The total number of malformed or unknown reports.")
		metrics += fmt.Sprintf("autobackup_reports_discarded_total %d\n", stats.Discarded)

		return c.String(http.StatusOK, metrics)
	})

	r.GET("/runners", func(c echo.Context) error {
		now := time.Now()
		runners := []RunnerInfo{}

		for _, runner := range dispatcher.Runners() {
			runners = append(runners, RunnerInfo{
				Host:         runner.Id(),
				Address:      runner.Host.Address,
				Class:        runner.Host.Class,
				Pid:          runner.Pid,
				DispatchedAt: runner.DispatchedAt,
				AgeSeconds:   int64(runner.Age(now).Seconds()),
			})
		}

		return c.JSON(http.StatusOK, runners)
	})

	r.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, Health{
			RunId: run.RunId(),
			State: run.State().String(),
		})
	})
}

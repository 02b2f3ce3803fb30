package dashboard

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/lsaristo/WmiConnector/pkg/dispatch"
	"github.com/lsaristo/WmiConnector/pkg/fleet"
	"github.com/lsaristo/WmiConnector/pkg/log"
)

type hostEvent struct {
	Event    string
	Hostname string
	Address  string
	Class    string
	RunId    string `json:"run_id"`
	Pid      int    `json:",omitempty"`
	Result   string `json:",omitempty"`
}

type DashboardConfig interface {
	GetDashboardUri() string
}

type dashboardHooks struct {
	client http.Client
	config DashboardConfig
	runId  string
	ch     chan *hostEvent
	done   sync.WaitGroup
	once   sync.Once
}

// NewDashboardTelemetryHook returns a dispatch observer that posts host
// events to the dashboard. Events are dropped if the dashboard falls behind.
func NewDashboardTelemetryHook(config DashboardConfig, runId string) *dashboardHooks {
	hooks := &dashboardHooks{
		client: http.Client{Timeout: 10 * time.Second},
		config: config,
		runId:  runId,
		ch:     make(chan *hostEvent, 1000),
	}
	hooks.done.Add(1)
	go hooks.run()
	return hooks
}

func (d *dashboardHooks) formatEvent(event string, host *fleet.Host) *hostEvent {
	return &hostEvent{
		Event:    event,
		Hostname: host.Id(),
		Address:  host.Address,
		Class:    host.Class,
		RunId:    d.runId,
	}
}

func (d *dashboardHooks) formatUri() string {
	return fmt.Sprintf("%s/api/v1/hosts", d.config.GetDashboardUri())
}

func (d *dashboardHooks) postEvent(event *hostEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	body := bytes.NewReader(data)
	response, err := d.client.Post(d.formatUri(), echo.MIMEApplicationJSON, body)
	if err == nil {
		response.Body.Close()
	} else {
		log.Trace("failed to post telemetry:", err)
	}
	return err
}

func (d *dashboardHooks) post(event *hostEvent) {
	select {
	case d.ch <- event:
	default:
		log.Debug("failed sending telemetry to dashboard, channel full")
	}
}

func (d *dashboardHooks) HostDispatched(runner dispatch.Runner) {
	event := d.formatEvent("dispatched", runner.Host)
	event.Pid = runner.Pid
	d.post(event)
}

func (d *dashboardHooks) HostSkipped(host *fleet.Host, reason error) {
	event := d.formatEvent("skipped", host)
	event.Result = reason.Error()
	d.post(event)
}

func (d *dashboardHooks) HostCompleted(runner dispatch.Runner, outcome dispatch.Outcome, result string) {
	var event *hostEvent

	switch outcome {
	case dispatch.OutcomeSuccess:
		event = d.formatEvent("succeeded", runner.Host)
	case dispatch.OutcomeFailure:
		event = d.formatEvent("failed", runner.Host)
	case dispatch.OutcomeOrphaned:
		event = d.formatEvent("orphaned", runner.Host)
	default:
		return
	}

	event.Pid = runner.Pid
	event.Result = result
	d.post(event)
}

func (d *dashboardHooks) ReportDiscarded(outcome dispatch.Outcome, detail string) {
}

// Close delivers pending events and stops the poster.
func (d *dashboardHooks) Close() {
	d.once.Do(func() {
		close(d.ch)
		d.done.Wait()
	})
}

func (d *dashboardHooks) run() {
	defer d.done.Done()
	for event := range d.ch {
		d.postEvent(event)
	}
}

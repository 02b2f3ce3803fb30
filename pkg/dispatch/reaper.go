package dispatch

import (
	"time"

	"github.com/lsaristo/WmiConnector/pkg/log"
)

// Reap evicts hosts that have been running for longer than the orphan
// timeout and returns their identifiers. Evicted hosts release their slot
// but are not recorded as failed. A host that stays silent may still have
// completed its backup.
func (d *Dispatcher) Reap() []string {
	if d.config.OrphanTimeout <= 0 {
		return nil
	}

	now := d.clock.Now()
	return d.evict(func(runner *Runner) bool {
		return runner.Age(now) >= d.config.OrphanTimeout
	})
}

// EvictAll evicts every running host as orphaned.
func (d *Dispatcher) EvictAll() []string {
	return d.evict(func(*Runner) bool { return true })
}

func (d *Dispatcher) evict(expired func(*Runner) bool) []string {
	d.Lock()
	evicted := []Runner{}
	for _, runner := range d.runners.snapshot() {
		if !expired(d.runners[runner.Id()]) {
			continue
		}
		if _, ok := d.removeNoLock(runner.Id()); ok {
			d.orphans = append(d.orphans, runner)
			evicted = append(evicted, runner)
		}
	}
	d.Unlock()

	now := d.clock.Now()
	ids := make([]string, 0, len(evicted))

	for _, runner := range evicted {
		ids = append(ids, runner.Id())
		log.Warnf("orphaned - host - id: %s, silent for: %s (not counted as failure)", runner.Id(), runner.Age(now).Round(time.Second))
		d.observers.HostCompleted(runner, OutcomeOrphaned, "")
	}

	return ids
}

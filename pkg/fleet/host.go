package fleet

import (
	"strings"

	"github.com/lsaristo/WmiConnector/pkg/log"
)

// A backup target.
type Host struct {
	// Host name, upper case. Identifies the host in completion reports.
	Name string `yaml:"name"`

	// Network address. Resolved from the name before dispatch if possible.
	Address string `yaml:"address"`

	// Inventory class the host was loaded from, e.g. "workstation".
	Class string `yaml:"class"`

	// Primary user of the host, used to name its save directory.
	PrimaryUser string `yaml:"user"`

	// Disabled hosts are never dispatched.
	Enabled bool `yaml:"-"`

	// Base directory under which the host's save directory is created.
	SaveDir string `yaml:"save_dir"`

	// Command line executed on the host.
	Command string `yaml:"command"`

	// Path of the job descriptor file generated for the host.
	JobFile string `yaml:"job_file"`

	// Number of archives to keep in the save directory.
	HistoryCount int `yaml:"history_count"`
}

// NormalizeName returns the canonical form of a host identifier.
func NormalizeName(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// Id returns the registry key of the host.
func (h *Host) Id() string {
	return NormalizeName(h.Name)
}

// Owner returns the primary user, or the class if the host has no user.
func (h *Host) Owner() string {
	if h.PrimaryUser == "" {
		return h.Class
	}
	return h.PrimaryUser
}

// A list of hosts in dispatch order.
type Fleet []*Host

// Filter returns the hosts belonging to any of the given classes.
// Class names are compared case-insensitively. Only the first occurrence
// of a host name is kept.
func (f Fleet) Filter(classes ...string) Fleet {
	wanted := map[string]struct{}{}
	for _, class := range classes {
		wanted[strings.ToLower(class)] = struct{}{}
	}

	seen := map[string]struct{}{}
	result := Fleet{}
	for _, host := range f {
		if _, ok := wanted[strings.ToLower(host.Class)]; !ok {
			continue
		}
		if _, ok := seen[host.Id()]; ok {
			log.Warnf("duplicate - host - id: %s, class: %s", host.Id(), host.Class)
			continue
		}
		seen[host.Id()] = struct{}{}
		result = append(result, host)
	}
	return result
}

// Lookup returns the host with the given identifier, or nil.
func (f Fleet) Lookup(name string) *Host {
	id := NormalizeName(name)
	for _, host := range f {
		if host.Id() == id {
			return host
		}
	}
	return nil
}

// Enabled returns the number of enabled hosts.
func (f Fleet) Enabled() int {
	count := 0
	for _, host := range f {
		if host.Enabled {
			count++
		}
	}
	return count
}

package remote

import (
	"errors"
	"fmt"
	"time"

	"github.com/lsaristo/WmiConnector/pkg/log"
	"github.com/lsaristo/WmiConnector/pkg/utils"
	"github.com/valyala/fasttemplate"
)

const (
	ProbeTcp  = "tcp"
	ProbeGrpc = "grpc"
	ProbeNone = "none"
)

type Config struct {
	Grpc utils.GRPCOptions `mapstructure:"grpc"`

	// Local command which starts the job on a host and returns once it runs.
	// Each word is one argument. Tags {host}, {address}, {command} and {job}
	// are substituted per host.
	Launcher string `mapstructure:"launcher"`

	// Maximum time the launcher may run.
	LaunchTimeout time.Duration `mapstructure:"launch_timeout"`

	// How hosts are probed: tcp, grpc or none.
	Probe string `mapstructure:"probe"`

	// Port probed on each host.
	ProbePort int `mapstructure:"probe_port"`

	// Maximum time for one probe.
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
}

func (c *Config) SetDefaults() {
	if c.LaunchTimeout <= 0 {
		c.LaunchTimeout = time.Minute
	}
	if c.Probe == "" {
		c.Probe = ProbeTcp
	}
	if c.ProbePort == 0 {
		c.ProbePort = 445
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
}

// Checks if the remote configuration is valid.
func (c *Config) Validate() error {
	if c.Launcher == "" {
		return errors.New("A launcher command is required")
	}

	if _, err := fasttemplate.NewTemplate(c.Launcher, tagStart, tagEnd); err != nil {
		return fmt.Errorf("The launcher command is not a valid template: %v", err)
	}

	switch c.Probe {
	case ProbeTcp, ProbeGrpc, ProbeNone:
	default:
		return fmt.Errorf("Unsupported probe: %s", c.Probe)
	}

	if c.Probe != ProbeNone && (c.ProbePort <= 0 || c.ProbePort > 65535) {
		return errors.New("The probe port must be between 1 and 65535")
	}

	return nil
}

func (c *Config) Log() {
	log.Info("Remote configuration:")
	log.Infof("  launcher = %s", c.Launcher)
	log.Infof("  launch_timeout = %s", c.LaunchTimeout)
	log.Infof("  probe = %s", c.Probe)
	if c.Probe != ProbeNone {
		log.Infof("  probe_port = %d", c.ProbePort)
		log.Infof("  probe_timeout = %s", c.ProbeTimeout)
	}
	if c.Probe == ProbeGrpc {
		c.Grpc.Log()
	}
}

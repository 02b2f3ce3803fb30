package main

import (
	"errors"
	"time"

	"github.com/lsaristo/WmiConnector/pkg/fleet"
	"github.com/lsaristo/WmiConnector/pkg/log"
	"github.com/lsaristo/WmiConnector/pkg/protocol"
	"github.com/lsaristo/WmiConnector/pkg/remote"
	"github.com/lsaristo/WmiConnector/pkg/utils"
	"github.com/spf13/viper"
)

type Config struct {
	// Maximum number of hosts backed up at the same time.
	ConcurrentLimit int `mapstructure:"concurrent_limit"`

	// Address and port of the completion listener.
	ListenAddress string `mapstructure:"listen_address"`
	ListenPort    int    `mapstructure:"listen_port"`

	// Maximum size of a completion report.
	MaxMessageSize utils.ByteSize `mapstructure:"max_message_size"`

	// Time allowed for a reporter to send its message.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// Time after which a silent host is evicted.
	OrphanTimeout time.Duration `mapstructure:"orphan_timeout"`

	// Interval between orphan sweeps.
	ReaperInterval time.Duration `mapstructure:"reaper_interval"`

	// Maximum duration of a run.
	DrainCeiling time.Duration `mapstructure:"drain_ceiling"`

	// Maximum time to wait for the listener to stop.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`

	// Probe hosts without launching anything.
	WhatIf bool `mapstructure:"what_if"`

	// Resolve host addresses through DNS before launch.
	Resolve bool `mapstructure:"resolve"`

	// Inventory file, XML or YAML.
	Inventory string `mapstructure:"inventory"`

	// Default base directory for save directories.
	SaveDirBase string `mapstructure:"save_dir_base"`

	// Default number of archives kept per host.
	HistoryCount int `mapstructure:"history_count"`

	// Job descriptor template and output directory.
	JobTemplate string `mapstructure:"job_template"`
	JobDir      string `mapstructure:"job_dir"`

	// Default command run on hosts.
	Command string `mapstructure:"command"`

	// Remote execution backend.
	Remote remote.Config `mapstructure:"remote"`

	// Run log, turned over when larger than the size limit.
	LogFile      string         `mapstructure:"log_file"`
	LogSizeLimit utils.ByteSize `mapstructure:"log_size_limit"`

	// Single instance lock file.
	LockFile string `mapstructure:"lock_file"`

	// Addresses to listen on for HTTP.
	ListenHttp []string `mapstructure:"listen_http"`

	// Dashboard configuration.
	Dashboard *DashboardConfig `mapstructure:"dashboard"`
}

type DashboardConfig struct {
	// The URI of the Dashboard web service
	Uri string `mapstructure:"uri"`
}

func (c *DashboardConfig) GetDashboardUri() string {
	return c.Uri
}

func LoadConfig(v *viper.Viper) (*Config, error) {
	config := &Config{}

	if err := utils.UnmarshalConfig(v, config); err != nil {
		return nil, err
	}

	config.SetDefaults()
	return config, nil
}

func (c *Config) SetDefaults() {
	if c.ConcurrentLimit == 0 {
		c.ConcurrentLimit = 10
	}
	if c.ListenPort == 0 {
		c.ListenPort = protocol.DefaultPort
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = protocol.DefaultMaxMessageSize
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 20 * time.Second
	}
	if c.OrphanTimeout == 0 {
		c.OrphanTimeout = 12 * time.Hour
	}
	if c.ReaperInterval == 0 {
		c.ReaperInterval = time.Minute
	}
	if c.DrainCeiling == 0 {
		c.DrainCeiling = 24 * time.Hour
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	if c.HistoryCount == 0 {
		c.HistoryCount = 3
	}
	if c.LogSizeLimit == 0 {
		c.LogSizeLimit = 200000
	}
	c.Remote.SetDefaults()
}

// Checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.ConcurrentLimit < 1 {
		return errors.New("The concurrent limit must be at least 1")
	}
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return errors.New("The listen port must be between 1 and 65535")
	}
	if c.MaxMessageSize < 16 {
		return errors.New("The maximum message size must be at least 16 bytes")
	}
	if c.ReaperInterval <= 0 {
		return errors.New("The reaper interval must be positive")
	}
	if c.Inventory == "" {
		return errors.New("An inventory file is required")
	}
	if c.Dashboard != nil && c.Dashboard.Uri == "" {
		return errors.New("A dashboard URI is required")
	}
	for _, uri := range c.ListenHttp {
		if _, err := utils.ParseHttpUrl(uri); err != nil {
			return err
		}
	}
	return c.Remote.Validate()
}

// Defaults applied to inventory hosts.
func (c *Config) FleetDefaults() fleet.Defaults {
	return fleet.Defaults{
		Command:      c.Command,
		JobDir:       c.JobDir,
		SaveDir:      c.SaveDirBase,
		HistoryCount: c.HistoryCount,
	}
}

func (c *Config) Log() {
	log.Info("Dispatcher configuration:")
	log.Infof("  concurrent_limit = %d", c.ConcurrentLimit)
	log.Infof("  listen = %s:%d", c.ListenAddress, c.ListenPort)
	log.Infof("  max_message_size = %s", c.MaxMessageSize)
	log.Infof("  read_timeout = %s", c.ReadTimeout)
	log.Infof("  orphan_timeout = %s", c.OrphanTimeout)
	log.Infof("  reaper_interval = %s", c.ReaperInterval)
	log.Infof("  drain_ceiling = %s", c.DrainCeiling)
	log.Infof("  shutdown_grace = %s", c.ShutdownGrace)
	log.Infof("  what_if = %v", c.WhatIf)
	log.Infof("  inventory = %s", c.Inventory)
	log.Infof("  save_dir_base = %s", c.SaveDirBase)
	log.Infof("  history_count = %d", c.HistoryCount)
	log.Infof("  job_template = %s", c.JobTemplate)
	log.Infof("  log_file = %s (limit %s)", c.LogFile, c.LogSizeLimit)
	log.Infof("  HTTP listen addresses: %v", c.ListenHttp)
	if c.Dashboard != nil {
		log.Infof("  dashboard = %s", c.Dashboard.Uri)
	}
	c.Remote.Log()
}

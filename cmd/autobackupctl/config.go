package main

import (
	"errors"
	"time"

	"github.com/lsaristo/WmiConnector/pkg/protocol"
	"github.com/lsaristo/WmiConnector/pkg/utils"
	"github.com/spf13/viper"
)

type ControlConfig struct {
	// Completion listener of the dispatcher, tcp://host:port.
	DispatcherUri string `mapstructure:"dispatcher_uri"`

	// Status endpoint of the dispatcher.
	StatusUri string `mapstructure:"status_uri"`

	// Bound on each request.
	Timeout time.Duration `mapstructure:"timeout"`
}

func ParseConfig(v *viper.Viper) (*ControlConfig, error) {
	config := &ControlConfig{}
	if err := utils.UnmarshalConfig(v, config); err != nil {
		return nil, err
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.DispatcherUri == "" {
		return nil, errors.New("A dispatcher URI is required")
	}
	if config.StatusUri == "" {
		return nil, errors.New("A status URI is required")
	}
	return config, nil
}

// Address of the completion listener, host:port.
func (c *ControlConfig) DispatcherAddress() (string, error) {
	return utils.ParseTcpUrl(c.DispatcherUri, protocol.DefaultPort)
}

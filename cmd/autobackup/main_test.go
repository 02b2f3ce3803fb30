package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lsaristo/WmiConnector/pkg/dispatch"
	"github.com/lsaristo/WmiConnector/pkg/fleet"
	"github.com/lsaristo/WmiConnector/pkg/utils"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const configYaml = `
concurrent_limit: 4
listen_port: "9000"
max_message_size: 2KiB
read_timeout: 5s
orphan_timeout: 2h
what_if: "yes"
inventory: /etc/autobackup/targets.xml
log_size_limit: 1MB
listen_http:
  - tcp://:8080
remote:
  launcher: ssh {address} {command}
  probe: none
dashboard:
  uri: http://dashboard
`

func loadConfig(t *testing.T, text string) *Config {
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewBufferString(text)))

	config, err := LoadConfig(v)
	require.NoError(t, err)
	return config
}

func TestLoadConfig(t *testing.T) {
	config := loadConfig(t, configYaml)

	assert.Equal(t, 4, config.ConcurrentLimit)
	assert.Equal(t, 9000, config.ListenPort)
	assert.Equal(t, utils.ByteSize(2048), config.MaxMessageSize)
	assert.Equal(t, 5*time.Second, config.ReadTimeout)
	assert.Equal(t, 2*time.Hour, config.OrphanTimeout)
	assert.True(t, config.WhatIf)
	assert.Equal(t, utils.ByteSize(1000000), config.LogSizeLimit)
	assert.Equal(t, []string{"tcp://:8080"}, config.ListenHttp)
	assert.Equal(t, "ssh {address} {command}", config.Remote.Launcher)
	assert.Equal(t, "http://dashboard", config.Dashboard.GetDashboardUri())

	// Defaults
	assert.Equal(t, time.Minute, config.ReaperInterval)
	assert.Equal(t, 3, config.HistoryCount)
	assert.NoError(t, config.Validate())
}

func TestConfigDefaults(t *testing.T) {
	config := loadConfig(t, "inventory: targets.yaml\nremote:\n  launcher: run {host}\n")

	assert.Equal(t, 10, config.ConcurrentLimit)
	assert.Equal(t, 8172, config.ListenPort)
	assert.Equal(t, utils.ByteSize(1024), config.MaxMessageSize)
	assert.Nil(t, config.Dashboard)
	assert.NoError(t, config.Validate())
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		return loadConfig(t, "inventory: targets.yaml\nremote:\n  launcher: run {host}\n")
	}

	config := valid()
	config.ConcurrentLimit = -1
	assert.Error(t, config.Validate())

	config = valid()
	config.ListenPort = 70000
	assert.Error(t, config.Validate())

	config = valid()
	config.Inventory = ""
	assert.Error(t, config.Validate())

	config = valid()
	config.ListenHttp = []string{"udp://:80"}
	assert.Error(t, config.Validate())

	config = valid()
	config.Dashboard = &DashboardConfig{}
	assert.Error(t, config.Validate())

	config = valid()
	config.Remote.Launcher = ""
	assert.Error(t, config.Validate())
}

func TestFleetDefaults(t *testing.T) {
	config := loadConfig(t, "inventory: targets.yaml\ncommand: backup.exe\njob_dir: /jobs\nsave_dir_base: /srv\n")

	defaults := config.FleetDefaults()
	assert.Equal(t, "backup.exe", defaults.Command)
	assert.Equal(t, "/jobs", defaults.JobDir)
	assert.Equal(t, "/srv", defaults.SaveDir)
	assert.Equal(t, 3, defaults.HistoryCount)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitOk, exitCode(nil))
	assert.Equal(t, ExitUsage, exitCode(errors.New("unknown flag")))
	assert.Equal(t, ExitInventory, exitCode(exit(ExitInventory, errors.New("bad xml"))))

	cases := map[dispatch.Status]int{
		dispatch.StatusOk:                   ExitOk,
		dispatch.StatusListenerFailed:       ExitListener,
		dispatch.StatusDispatchAborted:      ExitAborted,
		dispatch.StatusDrainCeilingExceeded: ExitDrainCeiling,
	}
	for status, code := range cases {
		err := statusError(&dispatch.Summary{Status: status})
		assert.Equal(t, code, exitCode(err), status.String())
	}

	bind := errors.New("address in use")
	err := statusError(&dispatch.Summary{Status: dispatch.StatusListenerFailed, Err: bind})
	assert.ErrorIs(t, err, bind)
}

const inventoryYaml = `
classes:
  - name: Lab
    save_dir: /srv/lab
    hosts:
      - name: alpha
      - name: beta
`

func testConfig() *Config {
	config := &Config{
		ListenAddress: "127.0.0.1",
		Inventory:     "/etc/autobackup/targets.yaml",
		LogFile:       "/var/log/autobackup/autobackup.log",
		LockFile:      "/run/autobackup.lock",
		WhatIf:        true,
	}
	config.Remote.Launcher = "run {host}"
	config.Remote.Probe = "none"
	config.SetDefaults()
	config.ListenPort = 0
	return config
}

func TestRunMissingInventory(t *testing.T) {
	fs := afero.NewMemMapFs()

	err := run(context.Background(), fs, testConfig(), nil)
	assert.Equal(t, ExitInventory, exitCode(err))

	// Log file and lock were set up and the lock released again
	exists, _ := afero.Exists(fs, "/var/log/autobackup/autobackup.log")
	assert.True(t, exists)
	exists, _ = afero.Exists(fs, "/run/autobackup.lock")
	assert.False(t, exists)
}

func TestRunNoHosts(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/autobackup/targets.yaml", []byte(inventoryYaml), 0644))

	err := run(context.Background(), fs, testConfig(), []string{"Office"})
	assert.Equal(t, ExitNoHosts, exitCode(err))
}

func TestRunWhatIf(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/autobackup/targets.yaml", []byte(inventoryYaml), 0644))

	err := run(context.Background(), fs, testConfig(), []string{"lab"})
	assert.NoError(t, err)

	log, err := afero.ReadFile(fs, "/var/log/autobackup/autobackup.log")
	require.NoError(t, err)
	assert.Contains(t, string(log), "ALPHA")
	assert.Contains(t, string(log), "BETA")
}

type unreachable struct{}

func (unreachable) RemoteExecute(context.Context, *fleet.Host) (int, error) {
	return 0, errors.New("not reached")
}

func (unreachable) Probe(context.Context, *fleet.Host) bool {
	return false
}

func TestDispatchHostsUnreachable(t *testing.T) {
	config := testConfig()
	config.WhatIf = false

	hosts := fleet.Fleet{
		{Name: "ALPHA", Address: "ALPHA", Enabled: true},
		{Name: "BETA", Address: "BETA", Enabled: true},
	}

	err := dispatchHosts(context.Background(), afero.NewMemMapFs(), config, unreachable{}, hosts)
	assert.NoError(t, err)
}

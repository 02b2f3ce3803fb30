package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/lsaristo/WmiConnector/pkg/dashboard"
	"github.com/lsaristo/WmiConnector/pkg/dispatch"
	"github.com/lsaristo/WmiConnector/pkg/fleet"
	"github.com/lsaristo/WmiConnector/pkg/housekeeping"
	"github.com/lsaristo/WmiConnector/pkg/instance"
	"github.com/lsaristo/WmiConnector/pkg/log"
	"github.com/lsaristo/WmiConnector/pkg/protocol"
	"github.com/lsaristo/WmiConnector/pkg/remote"
	"github.com/lsaristo/WmiConnector/pkg/status"
	"github.com/lsaristo/WmiConnector/pkg/utils"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Process exit codes.
const (
	ExitOk             = 0
	ExitUsage          = 1
	ExitConfig         = 2
	ExitAlreadyRunning = 3
	ExitInventory      = 4
	ExitNoHosts        = 5
	ExitListener       = 10
	ExitAborted        = 11
	ExitDrainCeiling   = 12
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func exit(code int, err error) error {
	return &exitError{code: code, err: err}
}

var config *Config

var rootCmd = &cobra.Command{
	Use:           "autobackup [CLASS...]",
	Short:         "Fleet backup dispatcher",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		viper.SetEnvPrefix("autobackup")
		viper.AutomaticEnv()

		viper.SetConfigName("autobackup.yaml")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/autobackup/")
		viper.AddConfigPath("$HOME/.config/autobackup")
		viper.AddConfigPath(".")

		viper.ReadInConfig()

		var err error
		if config, err = LoadConfig(viper.GetViper()); err != nil {
			return exit(ExitConfig, err)
		}

		verbosity, err := cmd.Flags().GetCount("verbose")
		if err != nil {
			panic(err)
		}

		switch {
		case verbosity >= 2:
			log.SetLevel(log.TraceLevel)
		case verbosity >= 1:
			log.SetLevel(log.DebugLevel)
		}

		if err := config.Validate(); err != nil {
			return exit(ExitConfig, fmt.Errorf("%w: %v", utils.ErrInvalidConfig, err))
		}

		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		return run(ctx, afero.NewOsFs(), config, args)
	},
}

func run(ctx context.Context, fs afero.Fs, config *Config, classes []string) error {
	if config.LogFile != "" {
		filed, err := log.Turnover(fs, config.LogFile, int64(config.LogSizeLimit))
		if err != nil {
			log.Warn("turnover - log - err:", err)
		} else if filed != "" {
			log.Info("filed - log - path:", filed)
		}

		file, err := log.OpenLogFile(fs, config.LogFile)
		if err != nil {
			return exit(ExitConfig, err)
		}
		defer file.Close()
		defer log.AddOutput(file)()
	}

	config.Log()

	if config.LockFile != "" {
		lock, err := instance.Acquire(fs, config.LockFile)
		if err != nil {
			if errors.Is(err, instance.ErrAlreadyRunning) {
				return exit(ExitAlreadyRunning, err)
			}
			return exit(ExitConfig, err)
		}
		defer lock.Release()
	}

	inventory, err := fleet.Load(fs, config.Inventory, config.FleetDefaults())
	if err != nil {
		return exit(ExitInventory, err)
	}

	hosts := inventory.Filter(classes...)
	if hosts.Enabled() == 0 {
		return exit(ExitNoHosts, fmt.Errorf("no enabled hosts in classes %v", classes))
	}

	backend, err := remote.NewBackend(config.Remote)
	if err != nil {
		return exit(ExitConfig, err)
	}

	return dispatchHosts(ctx, fs, config, backend, hosts)
}

func dispatchHosts(ctx context.Context, fs afero.Fs, config *Config, backend dispatch.Backend, hosts fleet.Fleet) error {
	runId := uuid.NewString()

	opts := []dispatch.Option{
		dispatch.WithHousekeeper(housekeeping.New(fs, config.JobTemplate)),
	}

	if config.Resolve {
		opts = append(opts, dispatch.WithResolver(net.DefaultResolver))
	}

	// Create dashboard telemetry provider if configured
	if config.Dashboard != nil {
		hooks := dashboard.NewDashboardTelemetryHook(config.Dashboard, runId)
		defer hooks.Close()
		opts = append(opts, dispatch.WithObserver(hooks))
	}

	dispatcher, err := dispatch.NewDispatcher(dispatch.Config{
		Limit:         config.ConcurrentLimit,
		OrphanTimeout: config.OrphanTimeout,
		WhatIf:        config.WhatIf,
	}, backend, opts...)
	if err != nil {
		return exit(ExitConfig, err)
	}

	listener := protocol.NewListener(protocol.ListenerConfig{
		Address:        net.JoinHostPort(config.ListenAddress, fmt.Sprint(config.ListenPort)),
		MaxMessageSize: int(config.MaxMessageSize),
		ReadTimeout:    config.ReadTimeout,
	})

	sentinel := dispatch.NewSentinel(dispatch.SentinelConfig{
		RunId:          runId,
		ReaperInterval: config.ReaperInterval,
		DrainCeiling:   config.DrainCeiling,
		ShutdownGrace:  config.ShutdownGrace,
		ProbeTimeout:   config.Remote.ProbeTimeout,
	}, dispatcher, listener)

	// Start listening for status HTTP connections on all configured addresses
	for _, uri := range config.ListenHttp {
		host, err := utils.ParseHttpUrl(uri)
		if err != nil {
			return exit(ExitConfig, err)
		}

		log.Info("Listening on http", host)

		r := echo.New()
		r.HideBanner = true
		r.Use(utils.HttpLogger)

		status.NewHttpHandler(dispatcher, sentinel, r)

		server := &http.Server{Addr: host, Handler: r}
		defer server.Close()

		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("serve - http - err:", err)
			}
		}()
	}

	summary := sentinel.Run(ctx, hosts)
	return statusError(summary)
}

func statusError(summary *dispatch.Summary) error {
	err := summary.Err
	if err == nil {
		err = errors.New(summary.Status.String())
	}

	switch summary.Status {
	case dispatch.StatusOk:
		return nil
	case dispatch.StatusListenerFailed:
		return exit(ExitListener, err)
	case dispatch.StatusDispatchAborted:
		return exit(ExitAborted, err)
	case dispatch.StatusDrainCeilingExceeded:
		return exit(ExitDrainCeiling, err)
	default:
		return exit(ExitUsage, err)
	}
}

func exitCode(err error) int {
	if err == nil {
		return ExitOk
	}
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	return ExitUsage
}

func init() {
	rootCmd.Flags().StringSliceP("listen-http", "l", nil, "Addresses to serve run status on, e.g. tcp://:8080")
	rootCmd.Flags().IntP("limit", "j", 10, "Maximum number of concurrent backups")
	rootCmd.Flags().StringP("inventory", "i", "targets.xml", "Inventory file (XML or YAML)")
	rootCmd.Flags().Bool("what-if", false, "Probe hosts without starting backups")
	rootCmd.Flags().CountP("verbose", "v", "Verbosity (repeatable)")

	viper.BindPFlag("listen_http", rootCmd.Flags().Lookup("listen-http"))
	viper.BindPFlag("concurrent_limit", rootCmd.Flags().Lookup("limit"))
	viper.BindPFlag("inventory", rootCmd.Flags().Lookup("inventory"))
	viper.BindPFlag("what_if", rootCmd.Flags().Lookup("what-if"))
}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(exitCode(err))
}

package remote

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/lsaristo/WmiConnector/pkg/fleet"
	"github.com/lsaristo/WmiConnector/pkg/log"
	"github.com/lsaristo/WmiConnector/pkg/utils"
	"github.com/valyala/fasttemplate"
)

const (
	tagStart = "{"
	tagEnd   = "}"
)

var pidRe = regexp.MustCompile(`[0-9]+`)

// Backend launches backup jobs through a local launcher command
// and probes hosts over the network.
type Backend struct {
	config   Config
	launcher []*fasttemplate.Template
	prober   prober
	run      func(ctx context.Context, args ...string) (string, error)
}

func NewBackend(config Config) (*Backend, error) {
	config.SetDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrInvalidConfig, err)
	}

	launcher := []*fasttemplate.Template{}
	for _, word := range strings.Fields(config.Launcher) {
		template, err := fasttemplate.NewTemplate(word, tagStart, tagEnd)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", utils.ErrInvalidConfig, err)
		}
		launcher = append(launcher, template)
	}

	prober, err := newProber(&config)
	if err != nil {
		return nil, err
	}

	return &Backend{
		config:   config,
		launcher: launcher,
		prober:   prober,
		run:      utils.RunOutput,
	}, nil
}

// Command returns the launcher command line for a host.
func (b *Backend) Command(host *fleet.Host) ([]string, error) {
	tags := map[string]string{
		"host":    host.Id(),
		"address": host.Address,
		"command": host.Command,
		"job":     host.JobFile,
	}

	args := []string{}
	for _, template := range b.launcher {
		arg, err := template.ExecuteFuncStringWithErr(func(w io.Writer, tag string) (int, error) {
			value, ok := tags[tag]
			if !ok {
				return 0, fmt.Errorf("unknown tag in launcher command: {%s}", tag)
			}
			return w.Write([]byte(value))
		})
		if err != nil {
			return nil, err
		}
		if arg != "" {
			args = append(args, arg)
		}
	}

	return args, nil
}

// RemoteExecute runs the launcher for the host and returns the remote
// process id, taken to be the last number in the launcher's output.
// Zero is returned if the output contains no number.
func (b *Backend) RemoteExecute(ctx context.Context, host *fleet.Host) (int, error) {
	args, err := b.Command(host)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, b.config.LaunchTimeout)
	defer cancel()

	output, err := b.run(ctx, args...)
	if err != nil {
		if detailed, ok := err.(utils.DetailedError); ok {
			log.Debug("launch - host - id:", host.Id(), "details:", detailed.Details())
		}
		return 0, err
	}

	return parsePid(output), nil
}

func parsePid(output string) int {
	numbers := pidRe.FindAllString(output, -1)
	if len(numbers) == 0 {
		return 0
	}

	pid, err := strconv.Atoi(numbers[len(numbers)-1])
	if err != nil {
		return 0
	}
	return pid
}

// Probe returns true if the host answers on the probe port.
func (b *Backend) Probe(ctx context.Context, host *fleet.Host) bool {
	ctx, cancel := context.WithTimeout(ctx, b.config.ProbeTimeout)
	defer cancel()

	ok := b.prober.probe(ctx, host.Address)
	if !ok {
		log.Debug("probe - host - id:", host.Id(), "address:", host.Address, "unreachable")
	}
	return ok
}

package utils

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/lsaristo/WmiConnector/pkg/log"
)

type commandError struct {
	message string
	details string
}

func NewCmdError(message, details string) error {
	return &commandError{
		message: message,
		details: details,
	}
}

func (c *commandError) Details() string {
	return c.details
}

func (c *commandError) Error() string {
	return c.message
}

// RunOutput runs a command to completion and returns its standard output.
// Standard error is forwarded to the debug log. A non-zero exit is returned
// as a DetailedError carrying the captured standard error.
func RunOutput(ctx context.Context, args ...string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("%w: empty command", ErrBadRequest)
	}

	stdout := bytes.Buffer{}
	stderr := bytes.Buffer{}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = io.MultiWriter(&stderr, log.NewLogWriter(log.DebugLevel))

	log.Debug("Running", strings.Join(cmd.Args, " "))

	if err := cmd.Run(); err != nil {
		message := fmt.Sprintf("Command failed: %s (%v)", strings.Join(args, " "), err)
		return stdout.String(), NewCmdError(message, stderr.String())
	}

	return stdout.String(), nil
}

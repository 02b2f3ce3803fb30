//go:build unix

package remote

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoteExecuteLauncher(t *testing.T) {
	backend, err := NewBackend(Config{Launcher: "echo {host} started with process ID 31337", Probe: ProbeNone})
	require.NoError(t, err)

	pid, err := backend.RemoteExecute(context.Background(), host)
	require.NoError(t, err)
	assert.Equal(t, 31337, pid)

	backend, err = NewBackend(Config{Launcher: "false", Probe: ProbeNone})
	require.NoError(t, err)
	_, err = backend.RemoteExecute(context.Background(), host)
	assert.Error(t, err)
}

package process

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startShell(t *testing.T, script string) *Handle {
	t.Helper()
	cmd, err := CommandBuilder{Path: "sh", Args: []string{"-c", script}}.BuildCommand(context.Background())
	require.NoError(t, err)
	h, err := Start("sh", cmd)
	require.NoError(t, err)
	return h
}

func TestHandleReportsExitCode(t *testing.T) {
	h := startShell(t, "exit 3")

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.Equal(t, 3, h.ExitCode())
	assert.True(t, h.Exited())
	assert.NoError(t, h.Stop(time.Second))
}

func TestStopTerminatesGroup(t *testing.T) {
	h := startShell(t, "sleep 30 & sleep 30; wait")

	require.NoError(t, h.Stop(2*time.Second))
	assert.True(t, h.Exited())
	assert.Equal(t, 128+15, h.ExitCode())

	// second stop is a no-op
	require.NoError(t, h.Stop(time.Second))
}

func TestStopEscalatesToKill(t *testing.T) {
	h := startShell(t, "trap '' TERM; sleep 30")

	err := h.Stop(200 * time.Millisecond)
	require.Error(t, err)
	assert.True(t, h.Exited())
}

func TestStartMissingBinary(t *testing.T) {
	cmd, err := CommandBuilder{Path: "/nonexistent/binary"}.BuildCommand(context.Background())
	require.NoError(t, err)

	_, err = Start("missing", cmd)
	require.Error(t, err)
}

func TestCommandBuilderEnv(t *testing.T) {
	b := CommandBuilder{Label: "drv", Path: "true", Env: []string{"DISPLAY=:42"}}
	cmd, err := b.BuildCommand(context.Background())
	require.NoError(t, err)
	assert.Contains(t, cmd.Env, "DISPLAY=:42")
	assert.Equal(t, "drv", b.Name())

	_, err = CommandBuilder{}.BuildCommand(context.Background())
	require.Error(t, err)
}

func TestFreePort(t *testing.T) {
	port, err := FreePort()
	require.NoError(t, err)
	assert.Greater(t, port, 0)
}

//go:build linux

package worker

import (
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitExited_LeavesChildUnreaped(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "exit 4")
	require.NoError(t, cmd.Start())

	require.True(t, waitExited(cmd.Process.Pid))
	assert.Nil(t, cmd.ProcessState, "child must still be waitable")

	err := cmd.Wait()
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 4, cmd.ProcessState.ExitCode())
}

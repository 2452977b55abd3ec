// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package execchild

import (
	"os"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArgvLayout(t *testing.T) {
	inv := Invocation{
		DriverPath:    "/bin/driver",
		TracerLibrary: "/lib/tracer.so",
		RegionName:    "/topfuzz_trace_0",
		TargetProgram: "/bin/target",
	}
	require.Equal(t, []string{"/bin/driver", "-c", "/lib/tracer.so", "-shm", "/topfuzz_trace_0", "--", "/bin/target"}, inv.Argv())
}

func TestClassifyExitNoError(t *testing.T) {
	crashed, signal := classifyExit(nil)
	require.False(t, crashed)
	require.Equal(t, 0, signal)
}

func TestClassifyExitSignaled(t *testing.T) {
	cmd := exec.Command("sh", "-c", "kill -SEGV $$")
	err := cmd.Run()
	require.Error(t, err)

	crashed, signal := classifyExit(err)
	require.True(t, crashed)
	require.Equal(t, 11, signal)
}

func TestClassifyExitNonSignalFailure(t *testing.T) {
	cmd := exec.Command("sh", "-c", "exit 7")
	err := cmd.Run()
	require.Error(t, err)

	crashed, _ := classifyExit(err)
	require.False(t, crashed)
}

func TestOpenRedirectDefaultsToDevNull(t *testing.T) {
	f, err := openRedirect("")
	require.NoError(t, err)
	defer f.Close()
	require.Equal(t, os.DevNull, f.Name())
}

func TestOpenRedirectWritesToNamedFile(t *testing.T) {
	path := t.TempDir() + "/out.log"
	f, err := openRedirect(path)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString("hi")
	require.NoError(t, err)
}

func TestRunRejectsEmptyInput(t *testing.T) {
	_, err := Run(nil, Invocation{}, nil, "")
	require.Error(t, err)
}

package logging

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOpenWritesLogFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "daemon.log")

	reg, err := Open(map[string]string{"daemon": path})
	require.NoError(t, err)

	reg.Named("daemon").Log("info", "hello world")
	require.NoError(t, reg.Sync())

	// lumberjack buffers through the OS file handle; give it a moment to
	// land on disk before asserting.
	time.Sleep(50 * time.Millisecond)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "hello world")
}

func TestNamedUnregisteredIsNoop(t *testing.T) {
	reg, err := Open(map[string]string{})
	require.NoError(t, err)

	require.NotPanics(t, func() {
		reg.Named("missing").Log("info", "should be dropped")
	})
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestParseValidConfig(t *testing.T) {
	dir := t.TempDir()
	workspace := filepath.Join(dir, "workspace")
	path := writeConfig(t, dir, `
app:
  workspace: "`+workspace+`"
  apiendpoint: "127.0.0.1:8384"
  cores: 4
discovery:
  multicastinterval: 30
  trackers: ["tracker.example.org:6969"]
folders:
  - id: "f1"
    path: "/tmp/f1"
    secret: "abc"
`)

	c := New()
	require.NoError(t, c.Parse(path))
	require.Equal(t, workspace, c.Workspace)
	require.Equal(t, uint32(4), c.Cores)
	require.Len(t, c.Folders, 1)
	require.Equal(t, "f1", c.Folders[0].ID)

	info, err := os.Stat(workspace)
	require.NoError(t, err)
	require.True(t, info.IsDir(), "workspace must be created if missing")
}

func TestParseRejectsMissingAPIEndpoint(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
app:
  workspace: "`+filepath.Join(dir, "ws")+`"
  apiendpoint: ""
`)

	c := New()
	err := c.Parse(path)
	require.Error(t, err)
}

func TestParseRejectsIncompleteFolderEntry(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
app:
  workspace: "`+filepath.Join(dir, "ws")+`"
  apiendpoint: "127.0.0.1:8384"
folders:
  - id: "f1"
    path: ""
    secret: "abc"
`)

	c := New()
	err := c.Parse(path)
	require.Error(t, err)
}

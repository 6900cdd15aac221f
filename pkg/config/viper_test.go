package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	v, err := Load(dir, "absent")
	require.NoError(t, err)
	assert.NotNil(t, v)
}

func TestLoad_ReadsYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("server:\n  port: 4000\nfeed:\n  stream_id: fromfile\n"), 0o600))
	t.Setenv("FEED_STREAM_ID", "fromenv")

	v, err := Load(dir, "config")
	require.NoError(t, err)
	assert.Equal(t, 4000, v.GetInt("server.port"))
	assert.Equal(t, "fromenv", v.GetString("feed.stream_id"))
}

func TestLoadFile_RequiresFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestGetEnv(t *testing.T) {
	t.Setenv("RELAY_TEST_KEY", "set")
	assert.Equal(t, "set", GetEnv("RELAY_TEST_KEY", "default"))
	assert.Equal(t, "default", GetEnv("RELAY_TEST_KEY_MISSING", "default"))
}

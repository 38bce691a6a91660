package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/containers/fabrickit/libfabric/define"
	"github.com/containers/fabrickit/libfabric/lock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, 300*time.Millisecond, c.RPC.Timeout())
	assert.Equal(t, 3, c.RPC.Retries)
	assert.Equal(t, 18515, c.Pingpong.Port)
	assert.Equal(t, -1, c.Pingpong.GIDIndex)
	assert.Equal(t, time.Second, c.Pingpong.PollInterval.Duration)
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fabric.conf")
	require.NoError(t, os.WriteFile(path, []byte(`
[rpc]
retries = 5
timeout_ms = 50
lock_type = "file"
lock_path = "`+filepath.Join(t.TempDir(), "mad.lock")+`"

[pingpong]
size = 65536
use_events = true
poll_interval = "250ms"
`), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, c.RPC.Retries)
	assert.Equal(t, 50*time.Millisecond, c.RPC.Timeout())
	assert.Equal(t, 65536, c.Pingpong.Size)
	assert.True(t, c.Pingpong.UseEvents)
	assert.Equal(t, 250*time.Millisecond, c.Pingpong.PollInterval.Duration)
	// Unset keys keep their defaults.
	assert.Equal(t, 500, c.Pingpong.RxDepth)

	l, err := c.RPC.Locker()
	require.NoError(t, err)
	require.NoError(t, l.Lock())
	require.NoError(t, l.Unlock())
}

func TestLoadMissingExplicitPath(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.conf"))
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fabric.conf")
	c := Default()
	c.Pingpong.Iters = 7
	require.NoError(t, c.Write(path))
	t.Setenv(EnvPath, path)

	got, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, got.Pingpong.Iters)
}

func TestValidate(t *testing.T) {
	c := Default()
	c.RPC.LockType = lock.FileLockType
	assert.Equal(t, define.ErrInvalidArg, errors.Cause(c.Validate()))

	c = Default()
	c.RPC.Retries = 0
	assert.Equal(t, define.ErrInvalidArg, errors.Cause(c.Validate()))

	path := filepath.Join(t.TempDir(), "fabric.conf")
	require.NoError(t, os.WriteFile(path, []byte("[pingpong]\niters = 0\n"), 0o600))
	_, err := Load(path)
	assert.Equal(t, define.ErrInvalidArg, errors.Cause(err))
}

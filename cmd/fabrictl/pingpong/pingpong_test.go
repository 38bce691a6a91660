package pingpong

import (
	"testing"

	"github.com/containers/fabrickit/libfabric/config"
	"github.com/containers/fabrickit/libfabric/define"
	"github.com/containers/fabrickit/pkg/rdmadev"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyConfigKeepsExplicitFlags(t *testing.T) {
	saved := ppOpts
	t.Cleanup(func() { ppOpts = saved })

	require.NoError(t, pingpongCommand.ParseFlags([]string{"-n", "7", "-S", "99"}))
	t.Cleanup(func() {
		pingpongCommand.Flags().Lookup("iters").Changed = false
		pingpongCommand.Flags().Lookup("shm-key").Changed = false
	})

	cfg := config.Default().Pingpong
	cfg.Iters = 5000
	cfg.ShmKey = 1234
	cfg.Size = 65536
	cfg.SocketDir = "/run/fabrickit"
	applyConfig(pingpongCommand.Flags(), cfg)

	assert.Equal(t, 7, ppOpts.Iters)
	assert.Equal(t, 99, ppOpts.ShmKey)
	assert.Equal(t, "65536", ppOpts.Size)
	assert.Equal(t, "/run/fabrickit", ppOpts.SocketDir)
}

func TestHardwareDeviceUnknown(t *testing.T) {
	if _, err := rdmadev.List(); err != nil {
		t.Skipf("RDMA netlink family unavailable: %v", err)
	}
	_, err := hardwareDevice("no-such-device0")
	assert.ErrorIs(t, err, define.ErrNoSuchDevice)
}

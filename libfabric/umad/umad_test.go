//go:build linux

package umad

import (
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/containers/fabrickit/libfabric/madrpc"
	"github.com/containers/fabrickit/pkg/rdmadev"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ madrpc.Port = (*Port)(nil)

func TestRegReqMatchesKernelLayout(t *testing.T) {
	assert.Equal(t, uintptr(28), unsafe.Sizeof(regReq{}))
	assert.Equal(t, uintptr(28), uintptr((ioctlRegisterAgent>>16)&0x3fff))
}

func TestPathDefaultsPortToOne(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "class", "infiniband_mad", "umad3")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ibdev"), []byte("rxe0\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "port"), []byte("1\n"), 0o644))
	old := rdmadev.SysfsRoot
	rdmadev.SysfsRoot = root
	defer func() { rdmadev.SysfsRoot = old }()

	p, err := Path("rxe0", 0)
	require.NoError(t, err)
	assert.Equal(t, "/dev/infiniband/umad3", p)
}

func TestOpenPathMissing(t *testing.T) {
	_, err := OpenPath(filepath.Join(t.TempDir(), "umad0"))
	assert.Error(t, err)
}

package lock

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/containers/fabrickit/libfabric/define"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLockTypes(t *testing.T) {
	l, err := New("", "")
	require.NoError(t, err)
	assert.Equal(t, MutexLockType, l.ID())

	_, err = New(FileLockType, "")
	assert.ErrorIs(t, err, define.ErrInvalidArg)

	_, err = New("shm", "")
	assert.ErrorIs(t, err, define.ErrInvalidArg)

	path := filepath.Join(t.TempDir(), "locks", "rpc.lock")
	l, err = New(FileLockType, path)
	require.NoError(t, err)
	assert.Equal(t, path, l.ID())
}

// Test that unlocking an unlocked lock errors
func TestUnlockUnlocked(t *testing.T) {
	lockers := map[string]Locker{
		"mutex": NewMutexLocker(),
	}
	fl, err := NewFileLocker(filepath.Join(t.TempDir(), "rpc.lock"))
	require.NoError(t, err)
	lockers["file"] = fl

	for name, l := range lockers {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, l.Unlock(), define.ErrLockNotHeld)
			require.NoError(t, l.Lock())
			assert.NoError(t, l.Unlock())
			assert.ErrorIs(t, l.Unlock(), define.ErrLockNotHeld)
		})
	}
}

// Test that a second caller blocks until the holder releases
func TestMutexExcludes(t *testing.T) {
	l := NewMutexLocker()
	require.NoError(t, l.Lock())

	var wg sync.WaitGroup
	acquired := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, l.Lock())
		close(acquired)
		assert.NoError(t, l.Unlock())
	}()

	select {
	case <-acquired:
		t.Fatal("second caller acquired a held lock")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, l.Unlock())
	wg.Wait()
	<-acquired
}

func TestFileLockAndUnlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rpc.lock")
	l, err := NewFileLocker(path)
	require.NoError(t, err)

	err = l.Lock()
	assert.NoError(t, err)

	lslocks, err := exec.LookPath("lslocks")
	if err == nil {
		out, err := exec.Command(lslocks, "--json", "-p", strconv.Itoa(os.Getpid())).CombinedOutput()
		assert.NoError(t, err)

		assert.Contains(t, string(out), path)
	}

	err = l.Unlock()
	assert.NoError(t, err)
}

package shpd

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/containers/fabrickit/libfabric/define"
	"github.com/containers/fabrickit/libfabric/verbs"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	testingclock "k8s.io/utils/clock/testing"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// hookClock runs onSleep after each simulated sleep.
type hookClock struct {
	*testingclock.FakeClock
	sleeps  int
	onSleep func(n int)
}

func (c *hookClock) Sleep(d time.Duration) {
	c.FakeClock.Sleep(d)
	c.sleeps++
	if c.onSleep != nil {
		c.onSleep(c.sleeps)
	}
}

func TestLayout(t *testing.T) {
	l := Layout{Size: 4096, PageSize: 4096}
	assert.Equal(t, 4096, l.ServerOffset())
	assert.Equal(t, 8192, l.ClientOffset())
	assert.Equal(t, l.ClientOffset(), l.Offset(define.ClientRole))
	assert.Equal(t, HeaderSize+2*4096+2*4096, SegmentSize(4096, 4096))
	// Both buffers fit for sizes that are not page multiples.
	l = Layout{Size: 100, PageSize: 4096}
	assert.LessOrEqual(t, l.ClientOffset()+l.Size, SegmentSize(100, 4096))
}

func TestCreateStaleKey(t *testing.T) {
	p := NewMemoryProvider()
	_, _, err := Create(p, 7, 4096)
	require.NoError(t, err)

	_, _, err = Create(p, 7, 4096)
	assert.Equal(t, define.ErrStaleSegment, errors.Cause(err))
}

func TestOpenMissing(t *testing.T) {
	_, err := NewMemoryProvider().Open(3, 4096)
	assert.Equal(t, define.ErrNoSuchSegment, errors.Cause(err))
}

func TestPublishAndObserve(t *testing.T) {
	p := NewMemoryProvider()
	seg, rec, err := Create(p, 1, SegmentSize(64, 4096))
	require.NoError(t, err)
	assert.Equal(t, StatusUnpublished, rec.Status())

	mr := MRDescriptor{Addr: seg.Addr(), Length: 8192, Handle: 4, LKey: 0x11, RKey: 0x22}
	rec.Publish(mr)
	assert.Equal(t, StatusReady, rec.Status())
	assert.Equal(t, mr, rec.Descriptor())

	peer, err := p.Open(1, SegmentSize(64, 4096))
	require.NoError(t, err)
	assert.Equal(t, define.Imported, peer.Ownership())
	view, err := NewClientView(peer)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, view.Status())
	assert.Equal(t, uint32(0x11), view.LKey())
	assert.Equal(t, uint32(0x22), view.RKey())
	assert.Equal(t, seg.Addr(), view.ServerBase())
	assert.NotEqual(t, peer.Addr(), view.ServerBase())

	assert.Equal(t, define.ErrNotOwner, errors.Cause(peer.Remove()))
	_, err = NewServerRecord(peer)
	assert.Equal(t, define.ErrNotOwner, errors.Cause(err))

	require.NoError(t, peer.Detach())
	require.NoError(t, seg.Detach())
	assert.Equal(t, define.ErrSegmentDetach, errors.Cause(seg.Detach()))
	require.NoError(t, seg.Remove())
	_, err = p.Open(1, 64)
	assert.Equal(t, define.ErrNoSuchSegment, errors.Cause(err))
}

func TestAwaitAlreadyReady(t *testing.T) {
	p := NewMemoryProvider()
	_, rec, err := Create(p, 2, 4096)
	require.NoError(t, err)
	rec.Publish(MRDescriptor{LKey: 1})

	clk := testingclock.NewFakeClock(epoch)
	_, view, err := Await(context.Background(), p, 2, 4096, NewPoller(clk, time.Second))
	require.NoError(t, err)
	assert.Equal(t, StatusReady, view.Status())
	assert.Equal(t, epoch, clk.Now())
}

func TestAwaitWaitsForCreationAndPublication(t *testing.T) {
	p := NewMemoryProvider()
	var rec *ServerRecord
	clk := &hookClock{FakeClock: testingclock.NewFakeClock(epoch)}
	clk.onSleep = func(n int) {
		switch n {
		case 3:
			var err error
			_, rec, err = Create(p, 5, 4096)
			require.NoError(t, err)
		case 5:
			rec.Publish(MRDescriptor{LKey: 9, RKey: 10})
		}
	}

	_, view, err := Await(context.Background(), p, 5, 4096, NewPoller(clk, time.Second))
	require.NoError(t, err)
	assert.Equal(t, uint32(10), view.RKey())
	assert.Equal(t, 5, clk.sleeps)
	assert.Equal(t, epoch.Add(5*time.Second), clk.Now())
}

func TestAwaitFailed(t *testing.T) {
	p := NewMemoryProvider()
	_, rec, err := Create(p, 6, 4096)
	require.NoError(t, err)
	rec.MarkFailed()

	clk := testingclock.NewFakeClock(epoch)
	_, _, err = Await(context.Background(), p, 6, 4096, NewPoller(clk, time.Second))
	assert.Equal(t, define.ErrPublishFailed, errors.Cause(err))
}

func TestAwaitCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	clk := &hookClock{FakeClock: testingclock.NewFakeClock(epoch)}
	clk.onSleep = func(n int) {
		if n == 2 {
			cancel()
		}
	}
	_, _, err := Await(ctx, NewMemoryProvider(), 8, 4096, NewPoller(clk, time.Second))
	assert.True(t, errors.Is(err, define.ErrWaitTimeout))
	assert.Equal(t, 2, clk.sleeps)
}

func unixPair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	conns := make([]*net.UnixConn, 2)
	for i, fd := range fds {
		f := os.NewFile(uintptr(fd), "socketpair")
		c, err := net.FileConn(f)
		require.NoError(t, err)
		require.NoError(t, f.Close())
		conns[i] = c.(*net.UnixConn)
		t.Cleanup(func() { c.Close() })
	}
	return conns[0], conns[1]
}

func inodeOf(t *testing.T, fd int) uint64 {
	var st unix.Stat_t
	require.NoError(t, unix.Fstat(fd, &st))
	return st.Ino
}

func TestPDDescriptorRoundTrip(t *testing.T) {
	a, b := unixPair(t)
	fd, err := unix.MemfdCreate("shpd-test", unix.MFD_CLOEXEC)
	require.NoError(t, err)
	defer unix.Close(fd)

	require.NoError(t, SendPD(a, PDExport{FD: fd, Handle: 0xfeed}))
	exp, err := RecvPD(b)
	require.NoError(t, err)
	defer unix.Close(exp.FD)

	assert.Equal(t, uint32(0xfeed), exp.Handle)
	assert.NotEqual(t, fd, exp.FD)
	assert.Equal(t, inodeOf(t, fd), inodeOf(t, exp.FD))
}

func TestRecvPDWithoutDescriptor(t *testing.T) {
	a, b := unixPair(t)
	_, err := a.Write([]byte{1, 0, 0, 0})
	require.NoError(t, err)

	_, err = RecvPD(b)
	assert.Equal(t, define.ErrNoControlMessage, errors.Cause(err))
}

func TestRecvPDShortPayload(t *testing.T) {
	a, b := unixPair(t)
	_, err := a.Write([]byte{1, 0})
	require.NoError(t, err)

	_, err = RecvPD(b)
	assert.Equal(t, define.ErrShortTransfer, errors.Cause(err))
}

func TestSocketRendezvous(t *testing.T) {
	path := SocketPath(t.TempDir(), 18515)
	assert.Equal(t, "shpd_pingpong.18515", filepath.Base(path))

	// A stale file at the path is replaced.
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var server, client *net.UnixConn
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		server, err = AcceptOne(ctx, path)
		return err
	})
	g.Go(func() error {
		var err error
		client, err = Dial(ctx, path, NewPoller(nil, 10*time.Millisecond))
		return err
	})
	require.NoError(t, g.Wait())
	defer server.Close()
	defer client.Close()

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = server.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

type fakePD struct {
	failures   int
	deallocs   int
	unimported bool
}

func (p *fakePD) Handle() uint32 { return 1 }
func (p *fakePD) RegMR(buf []byte, addr uint64, access verbs.Access) (verbs.MR, error) {
	return nil, errors.New("not implemented")
}
func (p *fakePD) CreateQP(attr verbs.QPInitAttr) (verbs.QP, error) {
	return nil, errors.New("not implemented")
}
func (p *fakePD) Unimport() { p.unimported = true }
func (p *fakePD) Dealloc() error {
	p.deallocs++
	if p.deallocs <= p.failures {
		return define.ErrPDBusy
	}
	return nil
}

func TestReleaseOwnedRetries(t *testing.T) {
	clk := testingclock.NewFakeClock(epoch)
	pd := &fakePD{failures: 2}
	policy := ReleasePolicy{Retries: 10, Delay: 3 * time.Second, Clock: clk}

	require.NoError(t, OwnedPD(pd).Release(policy))
	assert.Equal(t, 3, pd.deallocs)
	assert.Equal(t, epoch.Add(6*time.Second), clk.Now())
}

func TestReleaseOwnedGivesUp(t *testing.T) {
	clk := testingclock.NewFakeClock(epoch)
	pd := &fakePD{failures: 100}
	policy := ReleasePolicy{Retries: 10, Delay: 3 * time.Second, Clock: clk}

	err := OwnedPD(pd).Release(policy)
	assert.True(t, errors.Is(err, define.ErrPDBusy))
	assert.Equal(t, 10, pd.deallocs)
	assert.Equal(t, epoch.Add(27*time.Second), clk.Now())
}

func TestReleaseImportedNeverDestroys(t *testing.T) {
	fd, err := unix.MemfdCreate("shpd-test", unix.MFD_CLOEXEC)
	require.NoError(t, err)
	pd := &fakePD{}
	h := ImportedPD(pd, fd)
	assert.Equal(t, define.Imported, h.Ownership())

	require.NoError(t, h.Release(DefaultReleasePolicy()))
	assert.True(t, pd.unimported)
	assert.Zero(t, pd.deallocs)
	assert.Error(t, unix.Close(fd))
}

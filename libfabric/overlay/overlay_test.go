package overlay

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/containers/fabrickit/libfabric/define"
	"github.com/containers/fabrickit/libfabric/mad"
	"github.com/containers/fabrickit/libfabric/madrpc"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var _ madrpc.Port = (*Port)(nil)

func startResponder(t *testing.T, opts EchoOptions) string {
	t.Helper()
	r, err := Listen("127.0.0.1:0", EchoHandler(opts))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.Serve(ctx) })
	t.Cleanup(func() {
		cancel()
		assert.ErrorIs(t, g.Wait(), context.Canceled)
	})
	return r.Addr().String()
}

func openEngine(t *testing.T, addr string) *madrpc.Engine {
	t.Helper()
	p, err := Dial(addr)
	require.NoError(t, err)
	e, err := madrpc.Open(p, []uint8{mad.ClassPerf, mad.ClassSMIDirect})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	e.Settings().SetTimeout(100 * time.Millisecond)
	return e
}

func portCounters() *mad.RPC {
	return &mad.RPC{
		MgmtClass:  mad.ClassPerf,
		Method:     mad.MethodGet,
		Attr:       mad.Attribute{ID: 0x12},
		DataOffset: mad.DataOffsetPerf,
		DataSize:   4,
	}
}

func TestFrameRoundTrip(t *testing.T) {
	u := mad.NewUMAD()
	mad.SetTID(u.MAD(), 99)
	got, err := decodeFrame(encodeFrame(u))
	require.NoError(t, err)
	assert.Equal(t, uint64(99), mad.TID(got.MAD()))

	_, err = decodeFrame([]byte{0x50, 0x4c, 1, 0, 0, 0, 0, 0})
	assert.Equal(t, ErrInvalidMagic, err)
	frame := encodeFrame(u)
	frame[2] = 9
	_, err = decodeFrame(frame)
	assert.True(t, errors.Is(err, ErrVersionMismatch))
	_, err = decodeFrame(encodeFrame(u)[:20])
	assert.True(t, errors.Is(err, ErrShortFrame))
}

func TestCallOverOverlay(t *testing.T) {
	addr := startResponder(t, EchoOptions{Fill: func(m []byte) {
		copy(m[mad.DataOffsetPerf:], []byte{9, 8, 7, 6})
	}})
	e := openEngine(t, addr)

	resp, err := e.Call(portCounters(), &mad.PortID{LID: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, resp.TID, mad.TID(resp.MAD))
	assert.Equal(t, []byte{9, 8, 7, 6}, resp.Data)
	assert.True(t, mad.IsResponse(resp.MAD))
}

func TestCallOverOverlayForeignFirst(t *testing.T) {
	addr := startResponder(t, EchoOptions{ForeignFirst: true})
	e := openEngine(t, addr)

	for i := 0; i < 3; i++ {
		resp, err := e.Call(portCounters(), &mad.PortID{LID: 1}, nil)
		require.NoError(t, err)
		assert.Equal(t, resp.TID, mad.TID(resp.MAD))
	}
}

func TestCallOverOverlayDropped(t *testing.T) {
	addr := startResponder(t, EchoOptions{Drop: 2})
	e := openEngine(t, addr)
	e.Settings().SetRetries(3)

	_, err := e.Call(portCounters(), &mad.PortID{LID: 1}, nil)
	assert.NoError(t, err)
}

func TestCallOverOverlayStatus(t *testing.T) {
	addr := startResponder(t, EchoOptions{Status: 0x0c})
	e := openEngine(t, addr)

	_, err := e.Call(portCounters(), &mad.PortID{LID: 1}, nil)
	assert.True(t, errors.Is(err, define.ErrBadStatus))
}

func TestCallOverOverlayNoBuffer(t *testing.T) {
	addr := startResponder(t, EchoOptions{NoBuffer: true})
	e := openEngine(t, addr)

	resp, err := e.Call(portCounters(), &mad.PortID{LID: 1}, nil)
	require.NoError(t, err)
	assert.True(t, resp.NoBuffer)
}

func TestCallOverOverlayDirectedRoute(t *testing.T) {
	addr := startResponder(t, EchoOptions{})
	e := openEngine(t, addr)

	rpc := &mad.RPC{MgmtClass: mad.ClassSMIDirect, Method: mad.MethodGet, Attr: mad.Attribute{ID: 0x11}}
	dport := &mad.PortID{}
	dport.DRPath.Count = 1
	dport.DRPath.Path[1] = 1
	_, err := e.Call(rpc, dport, nil)
	assert.NoError(t, err)
}

func TestCallWithoutResponder(t *testing.T) {
	// Reserve a port and release it so nothing answers there.
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	addr := conn.LocalAddr().String()
	require.NoError(t, conn.Close())

	e := openEngine(t, addr)
	e.Settings().SetRetries(3)
	e.Settings().SetTimeout(50 * time.Millisecond)

	start := time.Now()
	_, err = e.Call(portCounters(), &mad.PortID{LID: 1}, nil)
	assert.True(t, errors.Is(err, define.ErrRetriesExhausted))
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestNewResponderOnBoundSocket(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	r, err := NewResponder(conn, EchoHandler(EchoOptions{}))
	require.NoError(t, err)
	assert.Equal(t, conn.LocalAddr(), r.Addr())
	require.NoError(t, r.Close())

	_, err = NewResponder(conn, nil)
	assert.Error(t, err)
}

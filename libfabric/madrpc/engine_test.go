package madrpc

import (
	"sync"
	"testing"
	"time"

	"github.com/containers/fabrickit/libfabric/define"
	"github.com/containers/fabrickit/libfabric/mad"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fakePort answers each send through reply, which may queue any number of
// buffers for Recv.
type fakePort struct {
	mu       sync.Mutex
	sends    int
	agents   map[uint8]uint8
	nextID   int
	queue    chan mad.UMAD
	reply    func(req mad.UMAD, attempt int) []mad.UMAD
	sendErr  error
	closed   bool
	lastSent mad.UMAD
}

func newFakePort(reply func(req mad.UMAD, attempt int) []mad.UMAD) *fakePort {
	return &fakePort{
		agents: make(map[uint8]uint8),
		queue:  make(chan mad.UMAD, 16),
		reply:  reply,
	}
}

func (p *fakePort) RegisterAgent(class, classVersion, rmppVersion uint8) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.agents[class] = rmppVersion
	id := p.nextID
	p.nextID++
	return id, nil
}

func (p *fakePort) Send(agent int, buf mad.UMAD, length int, timeout time.Duration, retries int) error {
	p.mu.Lock()
	p.sends++
	attempt := p.sends
	p.lastSent = append(mad.UMAD(nil), buf...)
	p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	if p.reply == nil {
		return nil
	}
	for _, r := range p.reply(buf, attempt) {
		p.queue <- r
	}
	return nil
}

func (p *fakePort) Recv(buf mad.UMAD, timeout time.Duration) (int, error) {
	select {
	case r := <-p.queue:
		copy(buf, r)
		return mad.Size, nil
	case <-time.After(timeout):
		return -1, define.ErrTimeout
	}
}

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

func (p *fakePort) sendCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sends
}

// answer builds a reply to req with the given class status.
func answer(req mad.UMAD, status uint16) mad.UMAD {
	r := append(mad.UMAD(nil), req...)
	m := r.MAD()
	m[3] |= mad.MethodResponse
	if mad.Class(m) == mad.ClassSMIDirect {
		status |= 0x8000
	}
	mad.SetStatus(m, status)
	r.SetStatus(0)
	return r
}

func perfGet() *mad.RPC {
	return &mad.RPC{
		MgmtClass:  mad.ClassPerf,
		Method:     mad.MethodGet,
		Attr:       mad.Attribute{ID: 0x12},
		DataOffset: mad.DataOffsetPerf,
		DataSize:   8,
		Timeout:    20 * time.Millisecond,
	}
}

func openEngine(t *testing.T, p *fakePort, opts ...Option) *Engine {
	e, err := Open(p, []uint8{mad.ClassPerf, mad.ClassSA, mad.ClassSMIDirect}, opts...)
	require.NoError(t, err)
	return e
}

func TestOpenRegistersRMPPForSAOnly(t *testing.T) {
	p := newFakePort(nil)
	openEngine(t, p)
	assert.Equal(t, uint8(1), p.agents[mad.ClassSA])
	assert.Equal(t, uint8(0), p.agents[mad.ClassPerf])
	assert.Equal(t, uint8(0), p.agents[mad.ClassSMIDirect])
}

func TestOpenRejectsUnknownClass(t *testing.T) {
	_, err := Open(newFakePort(nil), []uint8{0x60})
	assert.True(t, errors.Is(err, define.ErrInvalidArg))
}

func TestCallMatchesTID(t *testing.T) {
	p := newFakePort(func(req mad.UMAD, _ int) []mad.UMAD {
		r := answer(req, 0)
		copy(r.MAD()[mad.DataOffsetPerf:], []byte("counters"))
		return []mad.UMAD{r}
	})
	e := openEngine(t, p, WithTIDSeed(0x100))

	rpc := perfGet()
	resp, err := e.Call(rpc, &mad.PortID{LID: 4}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x100), resp.TID)
	assert.Equal(t, uint64(0x100), mad.TID(resp.MAD))
	assert.Equal(t, []byte("counters"), resp.Data)
	assert.False(t, resp.NoBuffer)
	assert.Equal(t, 1, p.sendCount())
	// The caller's descriptor is left untouched.
	assert.Zero(t, rpc.TID)
}

func TestCallDiscardsForeignTID(t *testing.T) {
	p := newFakePort(func(req mad.UMAD, _ int) []mad.UMAD {
		foreign := answer(req, 0)
		mad.SetTID(foreign.MAD(), mad.TID(req.MAD())+1)
		return []mad.UMAD{foreign, answer(req, 0)}
	})
	e := openEngine(t, p)

	resp, err := e.Call(perfGet(), &mad.PortID{LID: 4}, nil)
	require.NoError(t, err)
	assert.Equal(t, resp.TID, mad.TID(resp.MAD))
	assert.Equal(t, 1, p.sendCount())
}

func TestCallOnlyForeignRepliesTimesOut(t *testing.T) {
	p := newFakePort(func(req mad.UMAD, _ int) []mad.UMAD {
		foreign := answer(req, 0)
		mad.SetTID(foreign.MAD(), 7)
		return []mad.UMAD{foreign}
	})
	e := openEngine(t, p, WithTIDSeed(0x1000))
	e.Settings().SetRetries(2)

	_, err := e.Call(perfGet(), &mad.PortID{LID: 4}, nil)
	assert.True(t, errors.Is(err, define.ErrRetriesExhausted))
	assert.Equal(t, 2, p.sendCount())
}

func TestCallMatchesLow32BitsOnly(t *testing.T) {
	p := newFakePort(func(req mad.UMAD, _ int) []mad.UMAD {
		r := answer(req, 0)
		mad.SetTID(r.MAD(), mad.TID(req.MAD())|0xabcd000000000000)
		return []mad.UMAD{r}
	})
	e := openEngine(t, p, WithTIDSeed(0x55))

	_, err := e.Call(perfGet(), &mad.PortID{LID: 4}, nil)
	assert.NoError(t, err)
}

func TestCallRetriesExhaustedTiming(t *testing.T) {
	p := newFakePort(nil)
	e := openEngine(t, p)
	assert.Equal(t, 3, e.Settings().SetRetries(3))
	e.Settings().SetTimeout(50 * time.Millisecond)

	rpc := perfGet()
	rpc.Timeout = 0
	start := time.Now()
	resp, err := e.Call(rpc, &mad.PortID{LID: 4}, nil)
	elapsed := time.Since(start)

	assert.Nil(t, resp)
	assert.True(t, errors.Is(err, define.ErrRetriesExhausted))
	assert.Equal(t, 3, p.sendCount())
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	assert.Less(t, elapsed, 1500*time.Millisecond)
}

func TestCallRetriesAfterLoss(t *testing.T) {
	p := newFakePort(func(req mad.UMAD, attempt int) []mad.UMAD {
		if attempt < 3 {
			return nil
		}
		return []mad.UMAD{answer(req, 0)}
	})
	e := openEngine(t, p)
	e.Settings().SetRetries(3)

	_, err := e.Call(perfGet(), &mad.PortID{LID: 4}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, p.sendCount())
}

func TestCallRetriesAfterSendFailure(t *testing.T) {
	p := newFakePort(nil)
	p.sendErr = errors.New("port down")
	e := openEngine(t, p)
	e.Settings().SetRetries(4)

	_, err := e.Call(perfGet(), &mad.PortID{LID: 4}, nil)
	assert.True(t, errors.Is(err, define.ErrRetriesExhausted))
	assert.Contains(t, err.Error(), "port down")
	assert.Equal(t, 4, p.sendCount())
}

func TestCallRetriesOnUMADStatus(t *testing.T) {
	p := newFakePort(func(req mad.UMAD, attempt int) []mad.UMAD {
		r := answer(req, 0)
		if attempt == 1 {
			r.SetStatus(uint32(unix.ETIMEDOUT))
		}
		return []mad.UMAD{r}
	})
	e := openEngine(t, p)

	_, err := e.Call(perfGet(), &mad.PortID{LID: 4}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, p.sendCount())
}

func TestCallNoBufferIsSuccess(t *testing.T) {
	p := newFakePort(func(req mad.UMAD, _ int) []mad.UMAD {
		r := answer(req, 0x0c)
		r.SetStatus(uint32(unix.ENOMEM))
		return []mad.UMAD{r}
	})
	e := openEngine(t, p)

	resp, err := e.Call(perfGet(), &mad.PortID{LID: 4}, nil)
	require.NoError(t, err)
	assert.True(t, resp.NoBuffer)
	assert.Empty(t, resp.Data)
	assert.Equal(t, 1, p.sendCount())
}

func TestCallBadStatus(t *testing.T) {
	p := newFakePort(func(req mad.UMAD, _ int) []mad.UMAD {
		return []mad.UMAD{answer(req, 0x1c)}
	})
	e := openEngine(t, p)
	e.Settings().SetShowErrors(true)

	resp, err := e.Call(perfGet(), &mad.PortID{LID: 4}, nil)
	assert.Nil(t, resp)
	assert.True(t, errors.Is(err, define.ErrBadStatus))
	var serr *StatusError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, uint16(0x1c), serr.Status)
	assert.Equal(t, 1, p.sendCount())
}

func TestCallDirectedRouteIgnoresDirectionBit(t *testing.T) {
	p := newFakePort(func(req mad.UMAD, _ int) []mad.UMAD {
		return []mad.UMAD{answer(req, 0)}
	})
	e := openEngine(t, p)

	rpc := &mad.RPC{MgmtClass: mad.ClassSMIDirect, Method: mad.MethodGet, Attr: mad.Attribute{ID: 0x15}, Timeout: 20 * time.Millisecond}
	dport := &mad.PortID{}
	dport.DRPath.Count = 1
	dport.DRPath.Path[1] = 1
	_, err := e.Call(rpc, dport, nil)
	assert.NoError(t, err)
}

func TestCallNoAgent(t *testing.T) {
	e, err := Open(newFakePort(nil), []uint8{mad.ClassPerf})
	require.NoError(t, err)

	_, err = e.Call(&mad.RPC{MgmtClass: mad.ClassSA}, &mad.PortID{LID: 1}, nil)
	assert.True(t, errors.Is(err, define.ErrNoAgent))
}

func TestCallBuildFailure(t *testing.T) {
	p := newFakePort(nil)
	e := openEngine(t, p)

	rpc := perfGet()
	rpc.DataOffset = 250
	_, err := e.Call(rpc, &mad.PortID{LID: 1}, make([]byte, 8))
	assert.True(t, errors.Is(err, define.ErrBuildPacket))
	assert.Equal(t, 0, p.sendCount())
}

func TestCallRMPP(t *testing.T) {
	p := newFakePort(func(req mad.UMAD, _ int) []mad.UMAD {
		r := answer(req, 0)
		m := r.MAD()
		mad.SetAttrOffset(m, 6)
		m[25] = mad.RMPPTypeData
		m[26] = 0x1f<<3 | mad.RMPPFlagActive | mad.RMPPFlagFirst | mad.RMPPFlagLast
		return []mad.UMAD{r}
	})
	e := openEngine(t, p)

	rpc := &mad.RPC{MgmtClass: mad.ClassSA, Method: mad.MethodGetTable, Attr: mad.Attribute{ID: 0x11}, Timeout: 20 * time.Millisecond}
	resp, err := e.CallRMPP(rpc, &mad.PortID{LID: 1}, &mad.RMPPHeader{}, nil)
	require.NoError(t, err)
	require.NotNil(t, resp.RMPP)
	assert.Equal(t, 6, resp.RecSize)
	assert.Equal(t, mad.RMPPTypeData, resp.RMPP.Type)
	assert.True(t, resp.RMPP.Active())
}

func TestCallRMPPBadVersion(t *testing.T) {
	p := newFakePort(func(req mad.UMAD, _ int) []mad.UMAD {
		r := answer(req, 0)
		m := r.MAD()
		m[24] = 2
		m[26] = mad.RMPPFlagActive
		return []mad.UMAD{r}
	})
	e := openEngine(t, p)

	rpc := &mad.RPC{MgmtClass: mad.ClassSA, Method: mad.MethodGetTable, Timeout: 20 * time.Millisecond}
	_, err := e.CallRMPP(rpc, &mad.PortID{LID: 1}, nil, nil)
	assert.True(t, errors.Is(err, define.ErrBadRMPPVersion))
}

func TestCaptureArmedOnce(t *testing.T) {
	p := newFakePort(func(req mad.UMAD, _ int) []mad.UMAD {
		return []mad.UMAD{answer(req, 0)}
	})
	e := openEngine(t, p, WithTIDSeed(0x42))

	e.ArmCapture(24)
	_, err := e.Call(perfGet(), &mad.PortID{LID: 1}, nil)
	require.NoError(t, err)
	first := e.LastCapture()
	require.Len(t, first, 24)
	assert.Equal(t, uint64(0x42), mad.TID(first))

	_, err = e.Call(perfGet(), &mad.PortID{LID: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, first, e.LastCapture())
}

func TestLockIsExclusive(t *testing.T) {
	e := openEngine(t, newFakePort(nil))
	require.NoError(t, e.Lock())

	acquired := make(chan struct{})
	go func() {
		_ = e.Lock()
		close(acquired)
		_ = e.Unlock()
	}()
	select {
	case <-acquired:
		t.Fatal("second caller acquired a held lock")
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, e.Unlock())
	<-acquired
}

func TestCallAfterClose(t *testing.T) {
	p := newFakePort(nil)
	e := openEngine(t, p)
	require.NoError(t, e.Close())
	assert.True(t, p.closed)

	_, err := e.Call(perfGet(), &mad.PortID{LID: 1}, nil)
	assert.Equal(t, define.ErrEngineClosed, errors.Cause(err))
}

func TestSettings(t *testing.T) {
	s := NewSettings()
	assert.Equal(t, define.DefaultRetries, s.Retries())
	assert.Equal(t, define.DefaultTimeout, s.Timeout())
	assert.Equal(t, 5, s.SetRetries(5))
	assert.Equal(t, 5, s.SetRetries(0))
	assert.Equal(t, 5, s.SetRetries(-2))
	assert.Equal(t, time.Second, s.SetTimeout(time.Second))
	assert.Equal(t, time.Second, s.SetTimeout(0))
	assert.False(t, s.SetShowErrors(true))
	assert.True(t, s.ShowErrors())
}

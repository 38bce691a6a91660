package pingpong_test

import (
	"context"
	"net"
	"time"

	"github.com/containers/fabrickit/libfabric/define"
	"github.com/containers/fabrickit/libfabric/exchange"
	"github.com/containers/fabrickit/libfabric/pingpong"
	"github.com/containers/fabrickit/libfabric/shpd"
	"github.com/containers/fabrickit/libfabric/verbs"
	"github.com/containers/fabrickit/libfabric/verbs/sim"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	testingclock "k8s.io/utils/clock/testing"
)

// regFailDevice opens contexts whose protection domains refuse every
// memory registration.
type regFailDevice struct{ verbs.Device }

func (d regFailDevice) Open() (verbs.Context, error) {
	c, err := d.Device.Open()
	if err != nil {
		return nil, err
	}
	return regFailContext{c}, nil
}

type regFailContext struct{ verbs.Context }

func (c regFailContext) AllocPD() (verbs.PD, error) {
	pd, err := c.Context.AllocPD()
	if err != nil {
		return nil, err
	}
	return regFailPD{pd}, nil
}

func (c regFailContext) ExportPD(pd verbs.PD, fd int) (uint32, error) {
	if p, ok := pd.(regFailPD); ok {
		pd = p.PD
	}
	return c.Context.ExportPD(pd, fd)
}

type regFailPD struct{ verbs.PD }

func (regFailPD) RegMR([]byte, uint64, verbs.Access) (verbs.MR, error) {
	return nil, errors.New("registration refused")
}

type side struct {
	ctx    *pingpong.Context
	local  exchange.Record
	remote exchange.Record
	stats  pingpong.Stats
}

var _ = Describe("shared PD pingpong", func() {
	var (
		dev      verbs.Device
		provider *shpd.MemoryProvider
		listener net.Listener
		port     int
		common   []pingpong.ContextOption
		ctx      context.Context
	)

	BeforeEach(func() {
		fabric := sim.New()
		dev = fabric.AddDevice("sim0")
		provider = shpd.NewMemoryProvider()

		var err error
		listener, err = net.Listen("tcp", "127.0.0.1:0")
		Expect(err).ToNot(HaveOccurred())
		// exchange.Serve closes the listener itself.
		DeferCleanup(func() { _ = listener.Close() })
		port = listener.Addr().(*net.TCPAddr).Port

		common = []pingpong.ContextOption{
			pingpong.WithPort(port),
			pingpong.WithSize(1024),
			pingpong.WithRxDepth(16),
			pingpong.WithIters(50),
			pingpong.WithShmKey(4242),
			pingpong.WithSocketDir(GinkgoT().TempDir()),
			pingpong.WithSegmentProvider(provider),
			pingpong.WithPoller(shpd.NewPoller(nil, 10*time.Millisecond)),
		}

		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		DeferCleanup(cancel)
	})

	run := func(extra ...pingpong.ContextOption) (*side, *side) {
		server, client := new(side), new(side)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			opts := append(append([]pingpong.ContextOption{}, common...), extra...)
			var err error
			server.ctx, err = pingpong.NewContext(gctx, dev, opts...)
			if err != nil {
				return err
			}
			if err := server.ctx.PostReceives(); err != nil {
				return err
			}
			if server.local, err = server.ctx.LocalAddress(); err != nil {
				return err
			}
			if server.remote, err = server.ctx.ExchangeOn(gctx, listener, server.local); err != nil {
				return err
			}
			server.stats, err = server.ctx.Run(gctx, nil)
			return err
		})
		g.Go(func() error {
			opts := append(append([]pingpong.ContextOption{}, common...), extra...)
			opts = append(opts, pingpong.WithServerName("127.0.0.1"))
			var err error
			client.ctx, err = pingpong.NewContext(gctx, dev, opts...)
			if err != nil {
				return err
			}
			if err := client.ctx.PostReceives(); err != nil {
				return err
			}
			if client.local, err = client.ctx.LocalAddress(); err != nil {
				return err
			}
			if client.remote, err = client.ctx.ExchangeAddresses(gctx, client.local); err != nil {
				return err
			}
			client.stats, err = client.ctx.Run(gctx, nil)
			return err
		})
		Expect(g.Wait()).To(Succeed())
		return server, client
	}

	It("completes every exchange by polling", func() {
		server, client := run()

		Expect(server.ctx.Role()).To(Equal(define.ServerRole))
		Expect(client.ctx.Role()).To(Equal(define.ClientRole))
		Expect(server.remote).To(Equal(client.local))
		Expect(client.remote).To(Equal(server.local))
		Expect(server.stats.Iters).To(Equal(50))
		Expect(client.stats.Bytes()).To(Equal(int64(1024 * 50 * 2)))

		// The client's message overwrote the server's before the first reply.
		for _, b := range [][]byte{server.ctx.Buffer(), client.ctx.Buffer()} {
			Expect(b).To(HaveLen(1024))
			Expect(b).To(HaveEach(byte(0x7b)))
		}

		Expect(client.ctx.Close()).To(Succeed())
		Expect(server.ctx.Close()).To(Succeed())
		_, err := provider.Open(4242, 1)
		Expect(errors.Cause(err)).To(Equal(define.ErrNoSuchSegment))
	})

	It("completes every exchange waiting on completion events", func() {
		server, client := run(pingpong.WithEvents(true))
		Expect(server.stats.Iters).To(Equal(50))
		Expect(client.stats.Iters).To(Equal(50))
		Expect(client.ctx.Close()).To(Succeed())
		Expect(server.ctx.Close()).To(Succeed())
	})

	It("gives up releasing the PD while the client still uses it", func() {
		clk := testingclock.NewFakeClock(time.Now())
		server, client := run(pingpong.WithReleasePolicy(shpd.ReleasePolicy{Retries: 3, Delay: 3 * time.Second, Clock: clk}))

		start := clk.Now()
		err := server.ctx.Close()
		Expect(errors.Is(err, define.ErrPDBusy)).To(BeTrue())
		Expect(clk.Since(start)).To(Equal(6 * time.Second))
		Expect(client.ctx.Close()).To(Succeed())
	})

	It("refuses a stale segment", func() {
		_, _, err := shpd.Create(provider, 4242, 64)
		Expect(err).ToNot(HaveOccurred())

		_, err = pingpong.NewContext(ctx, dev, common...)
		Expect(errors.Cause(err)).To(Equal(define.ErrStaleSegment))
	})

	It("stops the client when the server failed to publish", func() {
		_, record, err := shpd.Create(provider, 4242, shpd.SegmentSize(1024, 4096))
		Expect(err).ToNot(HaveOccurred())
		record.MarkFailed()

		opts := append(append([]pingpong.ContextOption{}, common...),
			pingpong.WithServerName("127.0.0.1"), pingpong.WithPageSize(4096))
		_, err = pingpong.NewContext(ctx, dev, opts...)
		Expect(errors.Is(err, define.ErrPublishFailed)).To(BeTrue())
	})

	It("leaves a failed record for a client that arrives late", func() {
		serverOpts := append(append([]pingpong.ContextOption{}, common...), pingpong.WithPageSize(4096))
		_, err := pingpong.NewContext(ctx, regFailDevice{dev}, serverOpts...)
		Expect(err).To(MatchError(ContainSubstring("couldn't register MR")))

		clientOpts := append(append([]pingpong.ContextOption{}, serverOpts...), pingpong.WithServerName("127.0.0.1"))
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_, err = pingpong.NewContext(cctx, dev, clientOpts...)
		Expect(errors.Is(err, define.ErrPublishFailed)).To(BeTrue())
		Expect(errors.Is(err, define.ErrWaitTimeout)).To(BeFalse())

		// The key stays taken until the segment is removed by hand.
		_, err = pingpong.NewContext(ctx, dev, serverOpts...)
		Expect(errors.Cause(err)).To(Equal(define.ErrStaleSegment))
	})

	It("rejects invalid options", func() {
		_, err := pingpong.NewContext(ctx, dev, pingpong.WithSize(0))
		Expect(errors.Cause(err)).To(Equal(define.ErrInvalidArg))
		_, err = pingpong.NewContext(ctx, dev, pingpong.WithMTU(1000))
		Expect(errors.Cause(err)).To(Equal(define.ErrInvalidArg))
	})
})

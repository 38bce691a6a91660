package pingpong

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/containers/common/pkg/completion"
	"github.com/containers/fabrickit/cmd/fabrictl/common"
	"github.com/containers/fabrickit/cmd/fabrictl/registry"
	"github.com/containers/fabrickit/cmd/fabrictl/validate"
	"github.com/containers/fabrickit/libfabric/config"
	"github.com/containers/fabrickit/libfabric/define"
	"github.com/containers/fabrickit/libfabric/exchange"
	"github.com/containers/fabrickit/libfabric/pingpong"
	"github.com/containers/fabrickit/libfabric/shpd"
	"github.com/containers/fabrickit/libfabric/verbs"
	"github.com/containers/fabrickit/libfabric/verbs/sim"
	"github.com/containers/fabrickit/pkg/rdmadev"
	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

var (
	pingpongDescription = `Exchange messages over a reliable connection whose memory registration and
protection domain are shared between the server and the client process.

Without a host argument a server is started, waiting for a client. With a host
the client connects to the server running there. Both sides must use the same
--shm-key and --port.`
	pingpongCommand = &cobra.Command{
		Use:               "pingpong [options] [HOST]",
		Args:              validate.MaximumNArgs(1),
		Short:             "Run a shared protection domain pingpong test",
		Long:              pingpongDescription,
		RunE:              run,
		ValidArgsFunction: completion.AutocompleteNone,
		Example:           pingpongExample,
	}
	pingpongExample = `fabrictl pingpong -d mlx5_0 -S 4242
  fabrictl pingpong -d mlx5_0 -S 4242 server.example.com
  fabrictl pingpong --simulate --loopback -n 10000 --progress`
)

var ppOpts = struct {
	Port      int
	Device    string
	IBPort    int
	Size      string
	MTU       int
	RxDepth   int
	Iters     int
	SL        int
	Events    bool
	GIDIndex  int
	ShmKey    int
	SocketDir string
	Simulate  bool
	Loopback  bool
	Progress  bool
}{}

func init() {
	registry.Commands = append(registry.Commands, registry.CliCommand{
		Command: pingpongCommand,
	})
	defaults := config.Default().Pingpong
	flags := pingpongCommand.Flags()

	portFlagName := "port"
	flags.IntVarP(&ppOpts.Port, portFlagName, "p", defaults.Port, "Listen on/connect to `port`")
	_ = pingpongCommand.RegisterFlagCompletionFunc(portFlagName, completion.AutocompleteNone)

	deviceFlagName := "ib-dev"
	flags.StringVarP(&ppOpts.Device, deviceFlagName, "d", defaults.Device, "Use IB device `dev` (default first device found)")
	_ = pingpongCommand.RegisterFlagCompletionFunc(deviceFlagName, common.AutocompleteDevices)

	ibPortFlagName := "ib-port"
	flags.IntVarP(&ppOpts.IBPort, ibPortFlagName, "i", defaults.IBPort, "Use `port` of IB device")
	_ = pingpongCommand.RegisterFlagCompletionFunc(ibPortFlagName, completion.AutocompleteNone)

	sizeFlagName := "size"
	flags.StringVarP(&ppOpts.Size, sizeFlagName, "s", units.BytesSize(float64(defaults.Size)), "Size of message to exchange")
	_ = pingpongCommand.RegisterFlagCompletionFunc(sizeFlagName, completion.AutocompleteNone)

	mtuFlagName := "mtu"
	flags.IntVarP(&ppOpts.MTU, mtuFlagName, "m", defaults.MTU, "Path MTU")
	_ = pingpongCommand.RegisterFlagCompletionFunc(mtuFlagName, completion.AutocompleteNone)

	rxDepthFlagName := "rx-depth"
	flags.IntVarP(&ppOpts.RxDepth, rxDepthFlagName, "r", defaults.RxDepth, "Number of receives to post at a time")
	_ = pingpongCommand.RegisterFlagCompletionFunc(rxDepthFlagName, completion.AutocompleteNone)

	itersFlagName := "iters"
	flags.IntVarP(&ppOpts.Iters, itersFlagName, "n", defaults.Iters, "Number of exchanges")
	_ = pingpongCommand.RegisterFlagCompletionFunc(itersFlagName, completion.AutocompleteNone)

	slFlagName := "sl"
	flags.IntVarP(&ppOpts.SL, slFlagName, "l", defaults.SL, "Service level value")
	_ = pingpongCommand.RegisterFlagCompletionFunc(slFlagName, completion.AutocompleteNone)

	flags.BoolVarP(&ppOpts.Events, "events", "e", defaults.UseEvents, "Sleep on CQ events (default poll)")

	gidFlagName := "gid-idx"
	flags.IntVarP(&ppOpts.GIDIndex, gidFlagName, "g", defaults.GIDIndex, "Local port gid index")
	_ = pingpongCommand.RegisterFlagCompletionFunc(gidFlagName, completion.AutocompleteNone)

	shmKeyFlagName := "shm-key"
	flags.IntVarP(&ppOpts.ShmKey, shmKeyFlagName, "S", defaults.ShmKey, "Shared memory key for the test")
	_ = pingpongCommand.RegisterFlagCompletionFunc(shmKeyFlagName, completion.AutocompleteNone)

	socketDirFlagName := "socket-dir"
	flags.StringVar(&ppOpts.SocketDir, socketDirFlagName, defaults.SocketDir, "Directory of the descriptor passing socket")
	_ = pingpongCommand.RegisterFlagCompletionFunc(socketDirFlagName, completion.AutocompleteDefault)

	flags.BoolVar(&ppOpts.Simulate, "simulate", false, "Use the in-process simulated fabric")
	flags.BoolVar(&ppOpts.Loopback, "loopback", false, "Run the server and the client in this process")
	flags.BoolVar(&ppOpts.Progress, "progress", false, "Show a progress bar")
}

// applyConfig replaces the defaults of flags not given on the command line
// with the loaded configuration.
func applyConfig(flags *pflag.FlagSet, cfg config.PingpongConfig) {
	set := func(name string, apply func()) {
		if !flags.Changed(name) {
			apply()
		}
	}
	set("port", func() { ppOpts.Port = cfg.Port })
	set("ib-dev", func() { ppOpts.Device = cfg.Device })
	set("ib-port", func() { ppOpts.IBPort = cfg.IBPort })
	set("size", func() { ppOpts.Size = fmt.Sprint(cfg.Size) })
	set("mtu", func() { ppOpts.MTU = cfg.MTU })
	set("rx-depth", func() { ppOpts.RxDepth = cfg.RxDepth })
	set("iters", func() { ppOpts.Iters = cfg.Iters })
	set("sl", func() { ppOpts.SL = cfg.SL })
	set("events", func() { ppOpts.Events = cfg.UseEvents })
	set("gid-idx", func() { ppOpts.GIDIndex = cfg.GIDIndex })
	set("shm-key", func() { ppOpts.ShmKey = cfg.ShmKey })
	set("socket-dir", func() { ppOpts.SocketDir = cfg.SocketDir })
}

func run(cmd *cobra.Command, args []string) error {
	cfg := registry.Config().Pingpong
	applyConfig(cmd.Flags(), cfg)

	size, err := units.RAMInBytes(ppOpts.Size)
	if err != nil {
		return errors.Wrapf(define.ErrInvalidArg, "size %q: %v", ppOpts.Size, err)
	}
	options := []pingpong.ContextOption{
		pingpong.WithPort(ppOpts.Port),
		pingpong.WithIBPort(ppOpts.IBPort),
		pingpong.WithSize(int(size)),
		pingpong.WithMTU(ppOpts.MTU),
		pingpong.WithRxDepth(ppOpts.RxDepth),
		pingpong.WithIters(ppOpts.Iters),
		pingpong.WithSL(ppOpts.SL),
		pingpong.WithGIDIndex(ppOpts.GIDIndex),
		pingpong.WithShmKey(ppOpts.ShmKey),
		pingpong.WithEvents(ppOpts.Events),
		pingpong.WithSocketDir(ppOpts.SocketDir),
		pingpong.WithPoller(shpd.NewPoller(nil, cfg.PollInterval.Duration)),
		pingpong.WithReleasePolicy(shpd.ReleasePolicy{
			Retries: cfg.DeallocRetries,
			Delay:   cfg.DeallocDelay.Duration,
		}),
	}

	if ppOpts.Progress && !term.IsTerminal(int(os.Stderr.Fd())) {
		logrus.Debugf("Standard error is not a terminal, disabling the progress bar")
		ppOpts.Progress = false
	}

	ctx := cmd.Context()
	if ppOpts.Loopback {
		if len(args) > 0 {
			return errors.Wrapf(define.ErrInvalidArg, "--loopback runs its own server, no host may be given")
		}
		return loopback(ctx, options)
	}
	if ppOpts.Simulate {
		return errors.Wrapf(define.ErrInvalidArg, "the simulated fabric spans a single process, add --loopback")
	}

	dev, err := hardwareDevice(ppOpts.Device)
	if err != nil {
		return err
	}
	if len(args) > 0 {
		options = append(options, pingpong.WithServerName(args[0]))
	}
	pc, err := pingpong.NewContext(ctx, dev, options...)
	if err != nil {
		return err
	}
	_, err = session(ctx, pc, os.Stdout, "", nil, ppOpts.Progress)
	if cerr := pc.Close(); cerr != nil {
		if err == nil {
			return cerr
		}
		logrus.Error(cerr)
	}
	return err
}

// hardwareDevice resolves name against the RDMA devices of the host.
func hardwareDevice(name string) (verbs.Device, error) {
	if name == "" {
		def, err := rdmadev.Default()
		if err != nil {
			return nil, errors.Wrapf(err, "no IB devices found")
		}
		name = def
	} else {
		devices, err := rdmadev.List()
		if err != nil {
			return nil, err
		}
		found := false
		for _, d := range devices {
			if d.Name == name {
				found = true
				break
			}
		}
		if !found {
			return nil, errors.Wrapf(define.ErrNoSuchDevice, "IB device %s not found", name)
		}
	}
	// TODO: add a cgo libibverbs implementation of verbs.Device.
	return nil, errors.Wrapf(define.ErrNotImplemented, "no verbs provider for %s is built in, rerun with --simulate --loopback", name)
}

// loopback runs both sides over the simulated fabric. The server side
// listens for the address exchange before the client may dial it.
func loopback(ctx context.Context, options []pingpong.ContextOption) error {
	name := ppOpts.Device
	if name == "" {
		name = "sim0"
	}
	dev := sim.New().AddDevice(name)

	l, err := exchange.Listen(ctx, ppOpts.Port)
	if err != nil {
		return err
	}
	defer l.Close()

	var server, client *pingpong.Context
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if server, err = pingpong.NewContext(gctx, dev, options...); err != nil {
			return errors.Wrapf(err, "server")
		}
		_, err = session(gctx, server, os.Stdout, "server", l, false)
		return errors.Wrapf(err, "server")
	})
	g.Go(func() error {
		clientOpts := append(append([]pingpong.ContextOption{}, options...), pingpong.WithServerName("127.0.0.1"))
		var err error
		if client, err = pingpong.NewContext(gctx, dev, clientOpts...); err != nil {
			return errors.Wrapf(err, "client")
		}
		_, err = session(gctx, client, os.Stdout, "client", nil, ppOpts.Progress)
		return errors.Wrapf(err, "client")
	})
	err = g.Wait()

	// The client drops its references first so the server can deallocate
	// the shared protection domain.
	for _, pc := range []*pingpong.Context{client, server} {
		if pc == nil {
			continue
		}
		if cerr := pc.Close(); cerr != nil {
			if err == nil {
				err = cerr
				continue
			}
			logrus.Error(cerr)
		}
	}
	return err
}

// session posts the receives, exchanges addresses and runs the exchange
// loop, printing what the tool reports. A non-nil l is used by the server
// instead of listening itself.
func session(ctx context.Context, pc *pingpong.Context, w io.Writer, prefix string, l net.Listener, progress bool) (pingpong.Stats, error) {
	if prefix != "" {
		prefix += ": "
	}
	if err := pc.PostReceives(); err != nil {
		return pingpong.Stats{}, err
	}
	local, err := pc.LocalAddress()
	if err != nil {
		return pingpong.Stats{}, err
	}
	fmt.Fprintf(w, "%s  local address:  %s\n", prefix, local)

	var remote exchange.Record
	if l != nil {
		remote, err = pc.ExchangeOn(ctx, l, local)
	} else {
		remote, err = pc.ExchangeAddresses(ctx, local)
	}
	if err != nil {
		return pingpong.Stats{}, err
	}
	fmt.Fprintf(w, "%s  remote address: %s\n", prefix, remote)

	var onRecv func(int)
	if progress {
		p, bar := common.ProgressBar(os.Stderr, "pingpong", int64(pc.Iters()))
		onRecv = func(n int) { bar.SetCurrent(int64(n)) }
		defer func() {
			if !bar.Completed() {
				bar.Abort(false)
			}
			p.Wait()
		}()
	}
	stats, err := pc.Run(ctx, onRecv)
	if err != nil {
		return stats, err
	}
	for _, line := range stats.Lines() {
		fmt.Fprintf(w, "%s%s\n", prefix, line)
	}
	logrus.Debugf("%s%s", prefix, stats)
	return stats, nil
}

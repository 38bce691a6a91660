package mad

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/containers/common/pkg/completion"
	"github.com/containers/fabrickit/cmd/fabrictl/registry"
	"github.com/containers/fabrickit/cmd/fabrictl/validate"
	"github.com/containers/fabrickit/libfabric/overlay"
	"github.com/containers/fabrickit/pkg/errorhandling"
	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	responderDescription = `Answer management datagrams arriving over the UDP overlay.

Every request is echoed back as a response with the same transaction id. The
options inject the failure modes a real fabric produces.`
	responderCommand = &cobra.Command{
		Use:               "responder [options]",
		Args:              validate.NoArgs,
		Short:             "Run a UDP overlay responder",
		Long:              responderDescription,
		RunE:              respond,
		ValidArgsFunction: completion.AutocompleteNone,
	}
)

var (
	responderListen string
	echoOpts        overlay.EchoOptions
)

func init() {
	registry.Commands = append(registry.Commands, registry.CliCommand{
		Command: responderCommand,
		Parent:  madCmd,
	})
	flags := responderCommand.Flags()

	listenFlagName := "listen"
	flags.StringVar(&responderListen, listenFlagName, "127.0.0.1:4791", "UDP `ADDR` to listen on")
	_ = responderCommand.RegisterFlagCompletionFunc(listenFlagName, completion.AutocompleteNone)

	statusFlagName := "status"
	flags.Uint16Var(&echoOpts.Status, statusFlagName, 0, "Class status written into every reply")
	_ = responderCommand.RegisterFlagCompletionFunc(statusFlagName, completion.AutocompleteNone)

	dropFlagName := "drop"
	flags.IntVar(&echoOpts.Drop, dropFlagName, 0, "Ignore the first `N` requests")
	_ = responderCommand.RegisterFlagCompletionFunc(dropFlagName, completion.AutocompleteNone)

	flags.BoolVar(&echoOpts.ForeignFirst, "foreign-first", false, "Send a reply with an unrelated transaction id ahead of each reply")
	flags.BoolVar(&echoOpts.NoBuffer, "no-buffer", false, "Flag replies as having no receive buffer")
}

func respond(cmd *cobra.Command, args []string) error {
	r, err := newResponder(overlay.EchoHandler(echoOpts))
	if err != nil {
		return err
	}
	defer errorhandling.CloseQuiet(r, "overlay responder")

	fmt.Printf("Listening on %s\n", r.Addr())
	logrus.Debugf("Responder options: %+v", echoOpts)
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logrus.Warnf("Notifying systemd: %v", err)
	}
	if err := r.Serve(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newResponder serves on the datagram socket handed over by systemd socket
// activation, if any, and binds --listen otherwise.
func newResponder(handler overlay.Handler) (*overlay.Responder, error) {
	activated, err := activation.PacketConns()
	if err != nil {
		return nil, err
	}
	var conns []net.PacketConn
	for _, c := range activated {
		if c != nil {
			conns = append(conns, c)
		}
	}
	if len(conns) > 0 {
		if len(conns) > 1 {
			logrus.Warnf("Received %d activated sockets, serving only on %s", len(conns), conns[0].LocalAddr())
			for _, c := range conns[1:] {
				errorhandling.CloseQuiet(c, "activated socket")
			}
		}
		return overlay.NewResponder(conns[0], handler)
	}
	return overlay.Listen(responderListen, handler)
}

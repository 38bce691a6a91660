package mad

import (
	"github.com/containers/fabrickit/cmd/fabrictl/registry"
	"github.com/containers/fabrickit/cmd/fabrictl/validate"
	"github.com/spf13/cobra"
)

// Command: fabrictl _mad_
var madCmd = &cobra.Command{
	Use:   "mad",
	Short: "Send and answer management datagrams",
	Long:  "Issue management datagram transactions against a fabric port or a UDP overlay responder",
	RunE:  validate.SubCommandExists,
}

func init() {
	registry.Commands = append(registry.Commands, registry.CliCommand{
		Command: madCmd,
	})
}

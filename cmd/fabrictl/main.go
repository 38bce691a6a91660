package main

import (
	"context"
	"os"
	"os/signal"

	_ "github.com/containers/fabrickit/cmd/fabrictl/mad"
	_ "github.com/containers/fabrickit/cmd/fabrictl/pingpong"
	"github.com/containers/fabrickit/cmd/fabrictl/registry"
	_ "github.com/containers/fabrickit/cmd/fabrictl/system"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

func main() {
	if len(os.Args) < 1 {
		logrus.Errorf("No arguments given")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()
	registry.SetContext(ctx)

	rootCmd = parseCommands()

	Execute()
}

func parseCommands() *cobra.Command {
	for _, c := range registry.Commands {
		parent := rootCmd
		if c.Parent != nil {
			parent = c.Parent
		}
		if c.Command.Args == nil {
			c.Command.Args = cobra.NoArgs
		}
		c.Command.SetHelpTemplate(helpTemplate)
		c.Command.SetUsageTemplate(usageTemplate)
		c.Command.DisableFlagsInUseLine = true
		parent.AddCommand(c.Command)
	}
	return rootCmd
}

package registry

import (
	"context"

	"github.com/containers/fabrickit/libfabric/config"
	"github.com/spf13/cobra"
)

type CliCommand struct {
	Command *cobra.Command
	Parent  *cobra.Command
}

const ExecErrorCodeGeneric = 125

var (
	cliCtx    context.Context
	exitCode  = ExecErrorCodeGeneric
	fabricCfg *config.Config

	// Commands holds the cobra.Commands to present to the user, including
	// parent if not a child of "root"
	Commands []CliCommand
)

func SetExitCode(code int) {
	exitCode = code
}

func GetExitCode() int {
	return exitCode
}

// SetConfig stores the configuration loaded by the root command.
func SetConfig(c *config.Config) {
	fabricCfg = c
}

// Config returns the loaded configuration, or the built-in defaults before
// the root command ran.
func Config() *config.Config {
	if fabricCfg == nil {
		fabricCfg = config.Default()
	}
	return fabricCfg
}

func SetContext(ctx context.Context) {
	cliCtx = ctx
}

func Context() context.Context {
	if cliCtx == nil {
		cliCtx = context.Background()
	}
	return cliCtx
}

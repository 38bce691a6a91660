package system

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/containers/common/pkg/completion"
	"github.com/containers/fabrickit/cmd/fabrictl/common"
	"github.com/containers/fabrickit/cmd/fabrictl/registry"
	"github.com/containers/fabrickit/cmd/fabrictl/validate"
	"github.com/spf13/cobra"
)

var (
	infoDescription = `Display the configuration in effect, merged from fabric.conf and the
built-in defaults.

With --write the configuration is stored at the given path, ready to be edited.`
	infoCommand = &cobra.Command{
		Use:               "info [options]",
		Args:              validate.NoArgs,
		Short:             "Display the effective configuration",
		Long:              infoDescription,
		RunE:              info,
		ValidArgsFunction: completion.AutocompleteNone,
	}
	infoOpts = struct {
		Format string
		Write  string
	}{}
)

func init() {
	registry.Commands = append(registry.Commands, registry.CliCommand{
		Command: infoCommand,
	})
	flags := infoCommand.Flags()

	formatFlagName := "format"
	flags.StringVarP(&infoOpts.Format, formatFlagName, "f", "", "Change the output format to JSON or YAML")
	_ = infoCommand.RegisterFlagCompletionFunc(formatFlagName, common.AutocompleteFormat)

	writeFlagName := "write"
	flags.StringVarP(&infoOpts.Write, writeFlagName, "w", "", "Write the configuration to `PATH`")
	_ = infoCommand.RegisterFlagCompletionFunc(writeFlagName, completion.AutocompleteDefault)
}

func info(cmd *cobra.Command, args []string) error {
	if err := common.ValidateFormat(infoOpts.Format); err != nil {
		return err
	}
	cfg := registry.Config()
	if infoOpts.Write != "" {
		return cfg.Write(infoOpts.Write)
	}
	if infoOpts.Format != "" {
		return common.WriteFormatted(os.Stdout, infoOpts.Format, cfg)
	}
	return toml.NewEncoder(os.Stdout).Encode(cfg)
}

package system

import (
	"fmt"
	"os"
	"runtime"

	"github.com/containers/common/pkg/completion"
	"github.com/containers/fabrickit/cmd/fabrictl/common"
	"github.com/containers/fabrickit/cmd/fabrictl/registry"
	"github.com/containers/fabrickit/cmd/fabrictl/validate"
	"github.com/containers/fabrickit/libfabric/overlay"
	"github.com/containers/fabrickit/version"
	"github.com/spf13/cobra"
)

var (
	versionCommand = &cobra.Command{
		Use:               "version [options]",
		Args:              validate.NoArgs,
		Short:             "Display the fabrictl version information",
		RunE:              showVersion,
		ValidArgsFunction: completion.AutocompleteNone,
	}
	versionFormat string
)

func init() {
	registry.Commands = append(registry.Commands, registry.CliCommand{
		Command: versionCommand,
	})
	flags := versionCommand.Flags()

	formatFlagName := "format"
	flags.StringVarP(&versionFormat, formatFlagName, "f", "", "Change the output format to JSON or YAML")
	_ = versionCommand.RegisterFlagCompletionFunc(formatFlagName, common.AutocompleteFormat)
}

// VersionReport describes the build.
type VersionReport struct {
	Version        string `json:"version" yaml:"version"`
	GoVersion      string `json:"goVersion" yaml:"goVersion"`
	OsArch         string `json:"osArch" yaml:"osArch"`
	OverlayVersion int    `json:"overlayVersion" yaml:"overlayVersion"`
}

func showVersion(cmd *cobra.Command, args []string) error {
	if err := common.ValidateFormat(versionFormat); err != nil {
		return err
	}
	v := VersionReport{
		Version:        version.Version.String(),
		GoVersion:      runtime.Version(),
		OsArch:         runtime.GOOS + "/" + runtime.GOARCH,
		OverlayVersion: int(overlay.Version),
	}
	if versionFormat != "" {
		return common.WriteFormatted(os.Stdout, versionFormat, v)
	}
	fmt.Printf("Version:      %s\n", v.Version)
	fmt.Printf("Go Version:   %s\n", v.GoVersion)
	fmt.Printf("OS/Arch:      %s\n", v.OsArch)
	fmt.Printf("Overlay:      v%d\n", v.OverlayVersion)
	return nil
}

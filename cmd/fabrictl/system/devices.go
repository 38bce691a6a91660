package system

import (
	"fmt"
	"os"
	"strings"

	"github.com/containers/common/pkg/completion"
	"github.com/containers/common/pkg/report"
	"github.com/containers/fabrickit/cmd/fabrictl/common"
	"github.com/containers/fabrickit/cmd/fabrictl/registry"
	"github.com/containers/fabrickit/cmd/fabrictl/validate"
	"github.com/containers/fabrickit/pkg/rdmadev"
	"github.com/spf13/cobra"
)

var (
	devicesDescription = `List the RDMA devices known to the kernel, with the ports that have a
management datagram device.`
	devicesCommand = &cobra.Command{
		Use:               "devices [options]",
		Aliases:           []string{"devs"},
		Args:              validate.NoArgs,
		Short:             "List RDMA devices",
		Long:              devicesDescription,
		RunE:              devices,
		ValidArgsFunction: completion.AutocompleteNone,
	}
	devicesFormat string
)

func init() {
	registry.Commands = append(registry.Commands, registry.CliCommand{
		Command: devicesCommand,
	})
	flags := devicesCommand.Flags()

	formatFlagName := "format"
	flags.StringVarP(&devicesFormat, formatFlagName, "f", "", "Change the output to JSON, YAML or a Go template")
	_ = devicesCommand.RegisterFlagCompletionFunc(formatFlagName, common.AutocompleteFormat)
}

type deviceReport struct {
	rdmadev.Device
}

func (d deviceReport) PortList() string {
	ports := make([]string, 0, len(d.Ports))
	for _, p := range d.Ports {
		ports = append(ports, fmt.Sprint(p))
	}
	return strings.Join(ports, ",")
}

func devices(cmd *cobra.Command, args []string) error {
	devs, err := rdmadev.List()
	if err != nil {
		return err
	}

	switch devicesFormat {
	case "json", "yaml":
		return common.WriteFormatted(os.Stdout, devicesFormat, devs)
	}

	rpt := report.New(os.Stdout, cmd.Name())
	defer rpt.Flush()

	if cmd.Flags().Changed("format") {
		rpt, err = rpt.Parse(report.OriginUser, devicesFormat)
	} else {
		rpt, err = rpt.Parse(report.OriginPodman, "{{range .}}{{.Index}}\t{{.Name}}\t{{.NodeGUID}}\t{{.FirmwareVersion}}\t{{.PortList}}\n{{end -}}")
	}
	if err != nil {
		return err
	}

	if rpt.RenderHeaders {
		headers := report.Headers(deviceReport{}, map[string]string{
			"NodeGUID":        "node guid",
			"FirmwareVersion": "firmware",
			"PortList":        "ports",
		})
		if err := rpt.Execute(headers); err != nil {
			return err
		}
	}
	reports := make([]deviceReport, 0, len(devs))
	for _, d := range devs {
		reports = append(reports, deviceReport{d})
	}
	return rpt.Execute(reports)
}

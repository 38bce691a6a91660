package common

import (
	"sort"
	"strings"

	"github.com/containers/fabrickit/libfabric/mad"
	"github.com/containers/fabrickit/pkg/rdmadev"
	"github.com/spf13/cobra"
)

var (
	// LogLevels supported by fabrictl
	LogLevels = []string{"trace", "debug", "info", "warn", "error", "fatal", "panic"}

	// OutputFormats accepted by --format
	OutputFormats = []string{"json", "yaml"}

	// ClassNames maps the names accepted by --class to management classes.
	ClassNames = map[string]uint8{
		"smi":     mad.ClassSMI,
		"smi-dr":  mad.ClassSMIDirect,
		"sa":      mad.ClassSA,
		"perf":    mad.ClassPerf,
		"bm":      mad.ClassBM,
		"dev-mgt": mad.ClassDevMgt,
		"cm":      mad.ClassCM,
		"snmp":    mad.ClassSNMP,
		"cc":      mad.ClassCC,
	}

	// MethodNames maps the names accepted by --method to methods.
	MethodNames = map[string]uint8{
		"get":          mad.MethodGet,
		"set":          mad.MethodSet,
		"send":         mad.MethodSend,
		"trap":         mad.MethodTrap,
		"report":       mad.MethodReport,
		"trap-repress": mad.MethodTrapRepress,
		"get-table":    mad.MethodGetTable,
		"delete":       mad.MethodDelete,
	}
)

func AutocompleteLogLevel(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return LogLevels, cobra.ShellCompDirectiveNoFileComp
}

// AutocompleteFormat - Autocomplete the --format option.
// -> "json", "yaml"
func AutocompleteFormat(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return OutputFormats, cobra.ShellCompDirectiveNoFileComp
}

// AutocompleteClass - Autocomplete management class names.
func AutocompleteClass(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return sortedKeys(ClassNames, toComplete), cobra.ShellCompDirectiveNoFileComp
}

// AutocompleteMethod - Autocomplete method names.
func AutocompleteMethod(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return sortedKeys(MethodNames, toComplete), cobra.ShellCompDirectiveNoFileComp
}

// AutocompleteDevices - Autocomplete RDMA device names.
func AutocompleteDevices(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	devices, err := rdmadev.List()
	if err != nil {
		cobra.CompErrorln(err.Error())
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	suggestions := []string{}
	for _, d := range devices {
		if strings.HasPrefix(d.Name, toComplete) {
			suggestions = append(suggestions, d.Name)
		}
	}
	return suggestions, cobra.ShellCompDirectiveNoFileComp
}

func sortedKeys(m map[string]uint8, prefix string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

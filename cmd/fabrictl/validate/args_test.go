package validate

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
)

func TestNoArgs(t *testing.T) {
	cmd := &cobra.Command{Use: "devices"}
	assert.NoError(t, NoArgs(cmd, nil))
	assert.EqualError(t, NoArgs(cmd, []string{"x"}), "`devices` takes no arguments")
}

func TestMaximumNArgs(t *testing.T) {
	cmd := &cobra.Command{Use: "pingpong"}
	check := MaximumNArgs(1)
	assert.NoError(t, check(cmd, []string{"host"}))
	assert.Error(t, check(cmd, []string{"a", "b"}))
}

func TestSubCommandExists(t *testing.T) {
	root := &cobra.Command{Use: "fabrictl"}
	root.SetOut(new(nopWriter))
	root.AddCommand(&cobra.Command{Use: "devices", Run: func(*cobra.Command, []string) {}})

	err := SubCommandExists(root, []string{"device"})
	assert.ErrorContains(t, err, "Did you mean this?\n\tdevices")

	err = SubCommandExists(root, []string{"zzz"})
	assert.ErrorContains(t, err, "unrecognized command `fabrictl zzz`")

	err = SubCommandExists(root, nil)
	assert.EqualError(t, err, "missing command 'fabrictl COMMAND'")
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

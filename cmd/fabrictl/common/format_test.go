package common

import (
	"bytes"
	"testing"

	"github.com/containers/fabrickit/libfabric/define"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `json:"name" yaml:"name"`
	Ports []int  `json:"ports" yaml:"ports"`
}

func TestWriteFormatted(t *testing.T) {
	v := sample{Name: "sim0", Ports: []int{1, 2}}

	var buf bytes.Buffer
	require.NoError(t, WriteFormatted(&buf, "json", v))
	assert.JSONEq(t, `{"name":"sim0","ports":[1,2]}`, buf.String())

	buf.Reset()
	require.NoError(t, WriteFormatted(&buf, "yaml", v))
	assert.YAMLEq(t, "name: sim0\nports: [1, 2]\n", buf.String())

	err := WriteFormatted(&buf, "xml", v)
	assert.ErrorIs(t, err, define.ErrInvalidArg)
}

func TestValidateFormat(t *testing.T) {
	assert.NoError(t, ValidateFormat(""))
	assert.NoError(t, ValidateFormat("yaml"))
	assert.ErrorIs(t, ValidateFormat("table"), define.ErrInvalidArg)
}

func TestAutocompleteClass(t *testing.T) {
	got, _ := AutocompleteClass(nil, nil, "s")
	assert.Equal(t, []string{"sa", "smi", "smi-dr", "snmp"}, got)
}

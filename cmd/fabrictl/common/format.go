package common

import (
	"fmt"
	"io"

	"github.com/containers/fabrickit/cmd/fabrictl/registry"
	"github.com/containers/fabrickit/libfabric/define"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ValidateFormat checks a --format value. The empty string selects the
// plain text output of the command.
func ValidateFormat(format string) error {
	switch format {
	case "", "json", "yaml":
		return nil
	}
	return errors.Wrapf(define.ErrInvalidArg, "unsupported format %q, choose from: json, yaml", format)
}

// WriteFormatted writes v to w as JSON or YAML.
func WriteFormatted(w io.Writer, format string, v interface{}) error {
	switch format {
	case "json":
		b, err := registry.JSONLibrary().MarshalIndent(v, "", "    ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(b))
		return err
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return ValidateFormat(format)
}

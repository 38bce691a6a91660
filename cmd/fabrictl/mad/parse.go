package mad

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/containers/fabrickit/cmd/fabrictl/common"
	"github.com/containers/fabrickit/libfabric/define"
	"github.com/containers/fabrickit/libfabric/mad"
	"github.com/pkg/errors"
)

// parseClass accepts a class name or number.
func parseClass(s string) (uint8, error) {
	if c, ok := common.ClassNames[strings.ToLower(s)]; ok {
		return c, nil
	}
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, errors.Wrapf(define.ErrInvalidArg, "management class %q", s)
	}
	if mad.ClassVersion(uint8(v)) == 0 {
		return 0, errors.Wrapf(define.ErrInvalidArg, "unknown management class %#x", v)
	}
	return uint8(v), nil
}

// parseMethod accepts a method name or number.
func parseMethod(s string) (uint8, error) {
	if m, ok := common.MethodNames[strings.ToLower(s)]; ok {
		return m, nil
	}
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, errors.Wrapf(define.ErrInvalidArg, "method %q", s)
	}
	return uint8(v), nil
}

// parseDRPath parses a comma separated list of egress ports starting with
// the local hop, "0,1,4" being a two hop path.
func parseDRPath(s string) (mad.DRPath, error) {
	var path mad.DRPath
	fields := strings.Split(s, ",")
	if len(fields) > mad.MaxDRHops {
		return path, errors.Wrapf(define.ErrInvalidArg, "directed route %q has more than %d hops", s, mad.MaxDRHops-1)
	}
	for i, f := range fields {
		v, err := strconv.ParseUint(strings.TrimSpace(f), 0, 8)
		if err != nil {
			return path, errors.Wrapf(define.ErrInvalidArg, "directed route %q: hop %d", s, i)
		}
		path.Path[i] = byte(v)
	}
	if path.Path[0] != 0 {
		return path, errors.Wrapf(define.ErrInvalidArg, "directed route %q must start at port 0", s)
	}
	path.Count = len(fields) - 1
	return path, nil
}

// parsePayload decodes a hex payload; whitespace and colons are ignored.
func parsePayload(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		if r == ':' || r == ' ' || r == '\n' || r == '\t' {
			return -1
		}
		return r
	}, strings.TrimPrefix(s, "0x"))
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrapf(define.ErrInvalidArg, "payload: %v", err)
	}
	return b, nil
}

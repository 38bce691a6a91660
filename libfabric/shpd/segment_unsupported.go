//go:build !linux

package shpd

import "github.com/containers/fabrickit/libfabric/define"

// SysVProvider backs segments with System V shared memory, which is only
// supported on Linux.
type SysVProvider struct{}

func (SysVProvider) Create(key, size int) (Segment, error) {
	return nil, define.ErrNotImplemented
}

func (SysVProvider) Open(key, size int) (Segment, error) {
	return nil, define.ErrNotImplemented
}

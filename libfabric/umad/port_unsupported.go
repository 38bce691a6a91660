//go:build !linux

package umad

import (
	"time"

	"github.com/containers/fabrickit/libfabric/define"
	"github.com/containers/fabrickit/libfabric/mad"
)

// Port is not supported on this platform.
type Port struct{}

// Open is not supported on this platform.
func Open(device string, port int) (*Port, error) {
	return nil, define.ErrNoSuchDevice
}

// OpenPath is not supported on this platform.
func OpenPath(path string) (*Port, error) {
	return nil, define.ErrNoSuchDevice
}

func (p *Port) RegisterAgent(class, classVersion, rmppVersion uint8) (int, error) {
	return -1, define.ErrNoSuchDevice
}

func (p *Port) Send(agent int, buf mad.UMAD, length int, timeout time.Duration, retries int) error {
	return define.ErrNoSuchDevice
}

func (p *Port) Recv(buf mad.UMAD, timeout time.Duration) (int, error) {
	return -1, define.ErrNoSuchDevice
}

func (p *Port) Close() error {
	return nil
}

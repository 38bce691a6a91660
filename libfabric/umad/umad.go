// Package umad is the management datagram port backed by the kernel's
// user MAD interface, /dev/infiniband/umadN.
package umad

import (
	"github.com/containers/fabrickit/pkg/rdmadev"
	"github.com/sirupsen/logrus"
)

// Path resolves the umad node for port of device. An empty device selects
// the first RDMA device; a zero port selects port 1.
func Path(device string, port int) (string, error) {
	if device == "" {
		name, err := rdmadev.Default()
		if err != nil {
			return "", err
		}
		logrus.Debugf("Using default RDMA device %s", name)
		device = name
	}
	if port == 0 {
		port = 1
	}
	return rdmadev.ResolveUMAD(device, port)
}

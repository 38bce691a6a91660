// Package rdmadev enumerates the RDMA devices known to the kernel.
package rdmadev

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/containers/fabrickit/libfabric/define"
	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"
)

// Device describes one RDMA device.
type Device struct {
	Index           uint32 `json:"index" yaml:"index"`
	Name            string `json:"name" yaml:"name"`
	FirmwareVersion string `json:"firmwareVersion,omitempty" yaml:"firmwareVersion,omitempty"`
	NodeGUID        string `json:"nodeGuid,omitempty" yaml:"nodeGuid,omitempty"`
	SysImageGUID    string `json:"sysImageGuid,omitempty" yaml:"sysImageGuid,omitempty"`
	// Ports lists the port numbers that have a umad device.
	Ports []int `json:"ports,omitempty" yaml:"ports,omitempty"`
}

// SysfsRoot is where the umad class directory is looked up.
var SysfsRoot = "/sys"

// List returns all RDMA devices sorted by index.
func List() ([]Device, error) {
	links, err := netlink.RdmaLinkList()
	if err != nil {
		return nil, errors.Wrapf(err, "listing RDMA links")
	}
	ports := umadPorts()
	devices := make([]Device, 0, len(links))
	for _, l := range links {
		devices = append(devices, Device{
			Index:           l.Attrs.Index,
			Name:            l.Attrs.Name,
			FirmwareVersion: l.Attrs.FirmwareVersion,
			NodeGUID:        l.Attrs.NodeGuid,
			SysImageGUID:    l.Attrs.SysImageGuid,
			Ports:           ports[l.Attrs.Name],
		})
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Index < devices[j].Index })
	return devices, nil
}

// Default returns the name of the first RDMA device.
func Default() (string, error) {
	devices, err := List()
	if err != nil {
		return "", err
	}
	if len(devices) == 0 {
		return "", errors.Wrapf(define.ErrNoSuchDevice, "no RDMA devices found")
	}
	return devices[0].Name, nil
}

// UMADPath is one umad character device and the port it serves.
type UMADPath struct {
	Device string
	Port   int
	// Node is the character device, e.g. /dev/infiniband/umad0.
	Node string
}

// UMADPaths reads the umad class directory.
func UMADPaths() ([]UMADPath, error) {
	dir := filepath.Join(SysfsRoot, "class", "infiniband_mad")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", dir)
	}
	var paths []UMADPath
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "umad") {
			continue
		}
		ibdev, err := readAttr(filepath.Join(dir, e.Name(), "ibdev"))
		if err != nil {
			continue
		}
		portStr, err := readAttr(filepath.Join(dir, e.Name(), "port"))
		if err != nil {
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			continue
		}
		paths = append(paths, UMADPath{
			Device: ibdev,
			Port:   port,
			Node:   filepath.Join("/dev/infiniband", e.Name()),
		})
	}
	return paths, nil
}

// ResolveUMAD returns the umad device node for port of device.
func ResolveUMAD(device string, port int) (string, error) {
	paths, err := UMADPaths()
	if err != nil {
		return "", err
	}
	for _, p := range paths {
		if p.Device == device && p.Port == port {
			return p.Node, nil
		}
	}
	return "", errors.Wrapf(define.ErrNoSuchDevice, "no umad device for %s port %d", device, port)
}

func umadPorts() map[string][]int {
	ports := make(map[string][]int)
	paths, err := UMADPaths()
	if err != nil {
		return ports
	}
	for _, p := range paths {
		ports[p.Device] = append(ports[p.Device], p.Port)
	}
	for _, v := range ports {
		sort.Ints(v)
	}
	return ports
}

func readAttr(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// Package sim is an in-process RDMA fabric implementing the verbs
// capability interfaces. Contexts are backed by memfd descriptors so
// protection domains can be exported and imported across a real unix
// socket; queue pairs deliver sends into the posted receives of their
// peer.
package sim

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/containers/fabrickit/libfabric/define"
	"github.com/containers/fabrickit/libfabric/verbs"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Fabric is a set of simulated devices whose queue pairs can reach each
// other.
type Fabric struct {
	mu         sync.Mutex
	devices    []*Device
	nextLID    uint16
	nextQPN    uint32
	nextKey    uint32
	nextHandle uint32
	mrs        map[uint32]*memoryRegion
	qps        map[uint32]*queuePair
	// exports maps the inode of a context file to the protection domains
	// exported into it, by handle.
	exports map[uint64]map[uint32]*protectionDomain
}

// New returns an empty fabric.
func New() *Fabric {
	return &Fabric{
		nextLID:    1,
		nextQPN:    0x100,
		nextKey:    0x1000,
		nextHandle: 1,
		mrs:        make(map[uint32]*memoryRegion),
		qps:        make(map[uint32]*queuePair),
		exports:    make(map[uint64]map[uint32]*protectionDomain),
	}
}

// DeviceOption configures a simulated device.
type DeviceOption func(*Device)

// WithPorts sets the number of ports of the device.
func WithPorts(n int) DeviceOption {
	return func(d *Device) {
		d.ports = n
	}
}

// WithEthernet makes the device a RoCE device: its ports have no LID and
// its GIDs carry a nonzero interface id.
func WithEthernet() DeviceOption {
	return func(d *Device) {
		d.linkLayer = verbs.LinkLayerEthernet
	}
}

// AddDevice creates a device with a random node GUID.
func (f *Fabric) AddDevice(name string, options ...DeviceOption) *Device {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := uuid.New()
	d := &Device{
		fabric: f,
		name:   name,
		guid:   binary.BigEndian.Uint64(id[:8]),
		ports:  1,
	}
	for _, opt := range options {
		opt(d)
	}
	if d.linkLayer == verbs.LinkLayerInfiniBand {
		d.lid = f.nextLID
		f.nextLID++
	}
	f.devices = append(f.devices, d)
	logrus.Debugf("Simulated device %s guid %#016x lid %d", name, d.guid, d.lid)
	return d
}

// Devices returns the devices in the order they were added.
func (f *Fabric) Devices() ([]verbs.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	devices := make([]verbs.Device, 0, len(f.devices))
	for _, d := range f.devices {
		devices = append(devices, d)
	}
	return devices, nil
}

// Lookup returns the named device, or the first one if name is empty.
func (f *Fabric) Lookup(name string) (verbs.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.devices {
		if name == "" || d.name == name {
			return d, nil
		}
	}
	if name == "" {
		return nil, errors.Wrapf(define.ErrNoSuchDevice, "no simulated devices")
	}
	return nil, errors.Wrapf(define.ErrNoSuchDevice, "simulated device %s", name)
}

// Device is a simulated RDMA device.
type Device struct {
	fabric    *Fabric
	name      string
	guid      uint64
	lid       uint16
	ports     int
	linkLayer verbs.LinkLayer
}

// Name returns the device name.
func (d *Device) Name() string {
	return d.name
}

// GUID returns the node GUID.
func (d *Device) GUID() uint64 {
	return d.guid
}

// Open opens a new context on the device.
func (d *Device) Open() (verbs.Context, error) {
	fd, err := unix.MemfdCreate("fabrickit-"+d.name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, errors.Wrapf(err, "creating context file for %s", d.name)
	}
	return &devContext{dev: d, fd: fd}, nil
}

func (d *Device) gid(index int) (verbs.GID, error) {
	if index != 0 {
		return verbs.GID{}, errors.Wrapf(define.ErrInvalidArg, "gid index %d on %s", index, d.name)
	}
	var g verbs.GID
	if d.linkLayer == verbs.LinkLayerEthernet {
		// IPv4-mapped RoCE v2 address.
		g[10], g[11] = 0xff, 0xff
		binary.BigEndian.PutUint32(g[12:], 0x0a000000|uint32(d.guid&0xffffff))
		return g, nil
	}
	g[0], g[1] = 0xfe, 0x80
	binary.BigEndian.PutUint64(g[8:], d.guid)
	return g, nil
}

type devContext struct {
	dev *Device
	fd  int

	mu     sync.Mutex
	closed bool
}

func (c *devContext) Device() verbs.Device {
	return c.dev
}

func (c *devContext) FD() int {
	return c.fd
}

func (c *devContext) QueryPort(port int) (verbs.PortAttr, error) {
	if port < 1 || port > c.dev.ports {
		return verbs.PortAttr{}, errors.Wrapf(define.ErrInvalidArg, "port %d of %s", port, c.dev.name)
	}
	return verbs.PortAttr{
		LID:       c.dev.lid,
		ActiveMTU: verbs.MTU4096,
		LinkLayer: c.dev.linkLayer,
		Active:    true,
	}, nil
}

func (c *devContext) QueryGID(port, index int) (verbs.GID, error) {
	if port < 1 || port > c.dev.ports {
		return verbs.GID{}, errors.Wrapf(define.ErrInvalidArg, "port %d of %s", port, c.dev.name)
	}
	return c.dev.gid(index)
}

func (c *devContext) AllocPD() (verbs.PD, error) {
	f := c.dev.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	pd := &protectionDomain{fabric: f, handle: f.nextHandle}
	f.nextHandle++
	return pd, nil
}

func inode(fd int) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return 0, errors.Wrapf(err, "stat of descriptor %d", fd)
	}
	return st.Ino, nil
}

func (c *devContext) ExportPD(pd verbs.PD, fd int) (uint32, error) {
	p, ok := pd.(*protectionDomain)
	if !ok {
		return 0, errors.Wrapf(define.ErrNotOwner, "exporting an imported protection domain")
	}
	ino, err := inode(fd)
	if err != nil {
		return 0, err
	}
	f := c.dev.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.dead {
		return 0, errors.Wrapf(define.ErrInvalidArg, "protection domain %d was deallocated", p.handle)
	}
	if f.exports[ino] == nil {
		f.exports[ino] = make(map[uint32]*protectionDomain)
	}
	f.exports[ino][p.handle] = p
	return p.handle, nil
}

func (c *devContext) ImportPD(fd int, handle uint32) (verbs.PD, error) {
	ino, err := inode(fd)
	if err != nil {
		return nil, err
	}
	f := c.dev.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.exports[ino][handle]
	if !ok || p.dead {
		return nil, errors.Wrapf(define.ErrInvalidArg, "no protection domain %d exported to descriptor %d", handle, fd)
	}
	p.imports++
	return &importedPD{protectionDomain: p}, nil
}

func (c *devContext) CreateCompChannel() (verbs.CompChannel, error) {
	return &compChannel{events: make(chan *completionQueue, 64)}, nil
}

func (c *devContext) CreateCQ(cqe int, channel verbs.CompChannel) (verbs.CQ, error) {
	if cqe <= 0 {
		return nil, errors.Wrapf(define.ErrInvalidArg, "cq with %d entries", cqe)
	}
	cq := &completionQueue{cqe: cqe}
	if channel != nil {
		ch, ok := channel.(*compChannel)
		if !ok {
			return nil, errors.Wrapf(define.ErrInvalidArg, "foreign completion channel %T", channel)
		}
		cq.channel = ch
	}
	return cq, nil
}

func (c *devContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("context of %s already closed", c.dev.name)
	}
	c.closed = true
	return unix.Close(c.fd)
}

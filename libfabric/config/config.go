// Package config loads fabric.conf, the TOML file holding the defaults of
// the management datagram engine and of the pingpong tool.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/containers/fabrickit/libfabric/define"
	"github.com/containers/fabrickit/libfabric/lock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// EnvPath names the environment variable overriding the config search
	EnvPath = "FABRIC_CONF"
	// SystemPath is searched after the user's config directory
	SystemPath = "/etc/fabrickit/fabric.conf"
)

// Duration is a time.Duration written as a string ("1s", "300ms") in the
// config file.
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// RPCConfig configures the transaction engine.
type RPCConfig struct {
	// Retries is the number of sends per call
	Retries int `toml:"retries"`
	// TimeoutMS is the per-attempt reply timeout in milliseconds
	TimeoutMS int `toml:"timeout_ms"`
	// ShowErrors logs failed calls at warning level
	ShowErrors bool `toml:"show_errors"`
	// LockType is "mutex" or "file"
	LockType string `toml:"lock_type"`
	// LockPath is the lock file used by the file lock type
	LockPath string `toml:"lock_path,omitempty"`
}

// Timeout returns the per-attempt timeout.
func (c RPCConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// Locker builds the engine lock described by the config.
func (c RPCConfig) Locker() (lock.Locker, error) {
	return lock.New(c.LockType, c.LockPath)
}

// UMADConfig selects the management port.
type UMADConfig struct {
	// Device is the RDMA device; empty selects the first one
	Device string `toml:"device,omitempty"`
	// Port is the device port
	Port int `toml:"port"`
	// Classes lists the management classes agents are registered for
	Classes []int `toml:"classes"`
}

// OverlayConfig names the UDP responder used instead of a device.
type OverlayConfig struct {
	Address string `toml:"address,omitempty"`
}

// PingpongConfig holds the pingpong defaults.
type PingpongConfig struct {
	Port           int      `toml:"port"`
	Device         string   `toml:"device,omitempty"`
	IBPort         int      `toml:"ib_port"`
	Size           int      `toml:"size"`
	MTU            int      `toml:"mtu"`
	RxDepth        int      `toml:"rx_depth"`
	Iters          int      `toml:"iters"`
	SL             int      `toml:"sl"`
	GIDIndex       int      `toml:"gid_index"`
	ShmKey         int      `toml:"shm_key"`
	UseEvents      bool     `toml:"use_events"`
	SocketDir      string   `toml:"socket_dir"`
	PollInterval   Duration `toml:"poll_interval"`
	DeallocRetries int      `toml:"dealloc_retries"`
	DeallocDelay   Duration `toml:"dealloc_delay"`
}

// Config is the content of fabric.conf.
type Config struct {
	RPC      RPCConfig      `toml:"rpc"`
	UMAD     UMADConfig     `toml:"umad"`
	Overlay  OverlayConfig  `toml:"overlay"`
	Pingpong PingpongConfig `toml:"pingpong"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		RPC: RPCConfig{
			Retries:   define.DefaultRetries,
			TimeoutMS: int(define.DefaultTimeout / time.Millisecond),
			LockType:  lock.MutexLockType,
		},
		UMAD: UMADConfig{
			Port:    1,
			Classes: []int{0x01, 0x81, 0x03, 0x04},
		},
		Pingpong: PingpongConfig{
			Port:           define.DefaultPingpongPort,
			IBPort:         1,
			Size:           4096,
			MTU:            1024,
			RxDepth:        500,
			Iters:          1000,
			GIDIndex:       -1,
			ShmKey:         define.DefaultShmKey,
			SocketDir:      define.DefaultSocketDir,
			PollInterval:   Duration{define.DefaultPollInterval},
			DeallocRetries: define.DefaultDeallocRetries,
			DeallocDelay:   Duration{define.DefaultDeallocDelay},
		},
	}
}

// Paths returns the locations searched for fabric.conf, most specific
// first.
func Paths() []string {
	var paths []string
	if p := os.Getenv(EnvPath); p != "" {
		paths = append(paths, p)
	}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "fabrickit", "fabric.conf"))
	}
	return append(paths, SystemPath)
}

// Load reads the configuration. An explicit path must exist; otherwise
// the first existing file of Paths is used, and the defaults are returned
// when there is none.
func Load(path string) (*Config, error) {
	if path == "" {
		for _, p := range Paths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	} else if _, err := os.Stat(path); err != nil {
		// If the user specified a config file, we must fail immediately
		// when it doesn't exist
		return nil, errors.Wrapf(err, "cannot stat %s", path)
	}

	c := Default()
	if path == "" {
		return c, nil
	}
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, errors.Wrapf(err, "error decoding configuration file %s", path)
	}
	for _, key := range meta.Undecoded() {
		logrus.Warnf("Unknown key %q in configuration file %s", key.String(), path)
	}
	logrus.Debugf("Loaded configuration from %s", path)
	if err := c.Validate(); err != nil {
		return nil, errors.Wrapf(err, "configuration file %s", path)
	}
	return c, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	switch {
	case c.RPC.Retries <= 0:
		return errors.Wrapf(define.ErrInvalidArg, "rpc.retries must be positive, got %d", c.RPC.Retries)
	case c.RPC.TimeoutMS <= 0:
		return errors.Wrapf(define.ErrInvalidArg, "rpc.timeout_ms must be positive, got %d", c.RPC.TimeoutMS)
	case c.RPC.LockType != lock.MutexLockType && c.RPC.LockType != lock.FileLockType:
		return errors.Wrapf(define.ErrInvalidArg, "rpc.lock_type %q", c.RPC.LockType)
	case c.RPC.LockType == lock.FileLockType && c.RPC.LockPath == "":
		return errors.Wrapf(define.ErrInvalidArg, "rpc.lock_path is required by the file lock")
	case c.Pingpong.Size <= 0:
		return errors.Wrapf(define.ErrInvalidArg, "pingpong.size must be positive, got %d", c.Pingpong.Size)
	case c.Pingpong.RxDepth <= 0:
		return errors.Wrapf(define.ErrInvalidArg, "pingpong.rx_depth must be positive, got %d", c.Pingpong.RxDepth)
	case c.Pingpong.Iters <= 0:
		return errors.Wrapf(define.ErrInvalidArg, "pingpong.iters must be positive, got %d", c.Pingpong.Iters)
	case c.Pingpong.PollInterval.Duration <= 0:
		return errors.Wrapf(define.ErrInvalidArg, "pingpong.poll_interval must be positive")
	}
	return nil
}

// Write stores c at path in TOML form.
func (c *Config) Write(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return errors.Wrapf(err, "encoding configuration to %s", path)
	}
	return nil
}

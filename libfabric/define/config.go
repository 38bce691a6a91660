package define

import "time"

const (
	// DefaultRetries is the number of times an RPC is sent before giving up
	DefaultRetries = 3
	// DefaultTimeout is the per-attempt RPC timeout
	DefaultTimeout = 300 * time.Millisecond

	// DefaultPingpongPort is the TCP port used for the address exchange
	// and the suffix of the local descriptor socket
	DefaultPingpongPort = 18515
	// DefaultShmKey is the default key of the shared registration segment
	DefaultShmKey = 18515
	// DefaultSocketDir holds the local descriptor socket
	DefaultSocketDir = "/tmp"
	// DefaultPollInterval is the granularity of rendezvous waits
	DefaultPollInterval = time.Second
	// DefaultDeallocRetries bounds protection-domain release attempts
	DefaultDeallocRetries = 10
	// DefaultDeallocDelay separates protection-domain release attempts
	DefaultDeallocDelay = 3 * time.Second
)

package madrpc

import (
	"time"

	"github.com/containers/fabrickit/libfabric/mad"
)

// Port is a raw management-datagram port. Implementations exchange whole
// umad buffers: the header carries addressing and completion status, the
// MAD follows it.
type Port interface {
	// RegisterAgent registers a client agent for the management class and
	// returns its id. A nonzero rmppVersion enables segmented transfers.
	RegisterAgent(class, classVersion, rmppVersion uint8) (int, error)
	// Send queues length bytes of MAD from buf on the given agent.
	Send(agent int, buf mad.UMAD, length int, timeout time.Duration, retries int) error
	// Recv waits up to timeout for the next buffer and returns the length
	// of the MAD copied into buf. It returns define.ErrTimeout when nothing
	// arrives in time.
	Recv(buf mad.UMAD, timeout time.Duration) (int, error)
	// Close releases the port and all of its agents.
	Close() error
}

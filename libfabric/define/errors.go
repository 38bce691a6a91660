package define

import (
	"errors"
)

var (
	// ErrInvalidArg indicates that an invalid argument was passed
	ErrInvalidArg = errors.New("invalid argument")

	// ErrInternal indicates an internal library error
	ErrInternal = errors.New("internal fabrickit error")

	// ErrBuildPacket indicates that the RPC descriptor, destination and
	// payload could not be encoded into a MAD
	ErrBuildPacket = errors.New("unable to build MAD packet")

	// ErrNoAgent indicates that no client agent was registered for the
	// management class of a request
	ErrNoAgent = errors.New("no agent registered for management class")

	// ErrSendFailed indicates that the datagram port refused a send
	ErrSendFailed = errors.New("MAD send failed")
	// ErrRecvFailed indicates that the datagram port failed a receive
	ErrRecvFailed = errors.New("MAD receive failed")
	// ErrTimeout indicates that a receive did not complete within the
	// requested timeout
	ErrTimeout = errors.New("timed out waiting for MAD")

	// ErrRetriesExhausted indicates that no matching reply arrived after
	// every configured send attempt
	ErrRetriesExhausted = errors.New("MAD retries exhausted")

	// ErrBadStatus indicates that a reply was received but carried a
	// nonzero status field
	ErrBadStatus = errors.New("MAD completed with error status")

	// ErrBadRMPPVersion indicates that an active RMPP reply did not carry
	// RMPP version 1
	ErrBadRMPPVersion = errors.New("bad RMPP version")

	// ErrEngineClosed indicates that the RPC engine has already been
	// closed and no further calls can be made
	ErrEngineClosed = errors.New("RPC engine has been closed")

	// ErrLockNotHeld indicates an unlock of a lock that is not held
	ErrLockNotHeld = errors.New("lock is not held")

	// ErrStaleSegment indicates that a shared-memory segment with the
	// requested key already exists, most likely left over from an
	// earlier run
	ErrStaleSegment = errors.New("shared memory segment already exists")
	// ErrNoSuchSegment indicates that the requested shared-memory segment
	// has not been created yet
	ErrNoSuchSegment = errors.New("no such shared memory segment")
	// ErrSegmentAttach indicates that a shared-memory segment could not
	// be mapped
	ErrSegmentAttach = errors.New("unable to attach shared memory segment")
	// ErrSegmentDetach indicates that a shared-memory segment could not
	// be unmapped
	ErrSegmentDetach = errors.New("unable to detach shared memory segment")
	// ErrSegmentTooSmall indicates that a segment cannot hold the
	// registration record and its data buffers
	ErrSegmentTooSmall = errors.New("shared memory segment too small")

	// ErrPublishFailed indicates that the publishing side marked the
	// registration record as failed
	ErrPublishFailed = errors.New("peer failed to publish memory registration")

	// ErrWaitTimeout indicates that a rendezvous wait gave up before the
	// awaited condition became true
	ErrWaitTimeout = errors.New("timed out waiting for rendezvous")

	// ErrShortTransfer indicates a length mismatch on the descriptor
	// passing channel
	ErrShortTransfer = errors.New("short transfer on descriptor channel")
	// ErrNoControlMessage indicates that no SCM_RIGHTS control message
	// was found on a received descriptor message
	ErrNoControlMessage = errors.New("no SCM_RIGHTS control message received")

	// ErrMalformedRecord indicates a peer address record that does not
	// match the fixed wire format
	ErrMalformedRecord = errors.New("malformed peer address record")

	// ErrNotOwner indicates an operation that only the owner of a
	// resource may perform
	ErrNotOwner = errors.New("resource is not owned by this process")

	// ErrPDBusy indicates that a protection domain could not be released
	// because it is still referenced
	ErrPDBusy = errors.New("protection domain is still in use")

	// ErrNoSuchDevice indicates the requested RDMA device does not exist
	ErrNoSuchDevice = errors.New("no such RDMA device")

	// ErrWorkCompletion indicates a failed work completion
	ErrWorkCompletion = errors.New("work completion failed")

	// ErrContextFinalized indicates that an option was applied to a
	// pingpong context that has already been set up
	ErrContextFinalized = errors.New("pingpong context has already been set up")
	// ErrNotImplemented indicates functionality not available on this
	// platform
	ErrNotImplemented = errors.New("not implemented")
)

// Package overlay carries umad buffers over UDP so management datagram
// tooling can run without fabric hardware.
//
// Frame layout on the wire:
//
//	[2B magic 0x4D44][1B version][1B flags][4B length][umad buffer...]
package overlay

import (
	"encoding/binary"

	"github.com/containers/fabrickit/libfabric/mad"
	"github.com/pkg/errors"
)

// Overlay wire constants.
const (
	Magic   uint16 = 0x4D44 // "MD"
	Version byte   = 1

	hdrSize  = 8
	maxFrame = hdrSize + mad.BufferSize
)

var (
	// ErrInvalidMagic is returned for datagrams that are not overlay frames.
	ErrInvalidMagic = errors.New("overlay: invalid magic bytes")
	// ErrVersionMismatch is returned for frames of another version.
	ErrVersionMismatch = errors.New("overlay: unsupported version")
	// ErrShortFrame is returned when a frame is truncated.
	ErrShortFrame = errors.New("overlay: short frame")
	// ErrClosed is returned by operations on a closed port or responder.
	ErrClosed = errors.New("overlay: closed")
)

func encodeFrame(buf mad.UMAD) []byte {
	frame := make([]byte, hdrSize+len(buf))
	binary.BigEndian.PutUint16(frame[0:2], Magic)
	frame[2] = Version
	frame[3] = 0
	binary.LittleEndian.PutUint32(frame[4:8], uint32(len(buf)))
	copy(frame[hdrSize:], buf)
	return frame
}

// decodeFrame returns the umad buffer carried by frame.
func decodeFrame(frame []byte) (mad.UMAD, error) {
	if len(frame) < hdrSize {
		return nil, errors.Wrapf(ErrShortFrame, "%d bytes", len(frame))
	}
	if binary.BigEndian.Uint16(frame[0:2]) != Magic {
		return nil, ErrInvalidMagic
	}
	if frame[2] != Version {
		return nil, errors.Wrapf(ErrVersionMismatch, "version %d", frame[2])
	}
	length := int(binary.LittleEndian.Uint32(frame[4:8]))
	if length < mad.UMADHeaderSize || hdrSize+length > len(frame) {
		return nil, errors.Wrapf(ErrShortFrame, "declared length %d, received %d", length, len(frame)-hdrSize)
	}
	return mad.UMAD(frame[hdrSize : hdrSize+length]), nil
}

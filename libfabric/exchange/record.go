// Package exchange trades queue pair addresses between the two ends of a
// pingpong session over a one-shot TCP connection.
package exchange

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/containers/fabrickit/libfabric/define"
	"github.com/containers/fabrickit/libfabric/verbs"
	"github.com/pkg/errors"
)

// WireSize is the width of a record on the wire, including the trailing
// NUL.
const WireSize = len("0000:000000:000000:00000000000000000000000000000000") + 1

// doneToken is sent by the client once it has read the server's record.
var doneToken = []byte("done\x00")

// Record is the address of one end of a connection.
type Record struct {
	LID uint16    `json:"lid"`
	QPN uint32    `json:"qpn"`
	PSN uint32    `json:"psn"`
	GID verbs.GID `json:"gid"`
}

// Marshal encodes r in its fixed-width wire form. QPN and PSN are
// truncated to 24 bits.
func (r Record) Marshal() []byte {
	s := fmt.Sprintf("%04x:%06x:%06x:%s", r.LID, r.QPN&0xffffff, r.PSN&0xffffff, hex.EncodeToString(r.GID[:]))
	return append([]byte(s), 0)
}

// String formats r the way it is reported on the console.
func (r Record) String() string {
	return fmt.Sprintf("LID 0x%04x, QPN 0x%06x, PSN 0x%06x, GID %s", r.LID, r.QPN, r.PSN, r.GID)
}

// Parse decodes a wire record.
func Parse(b []byte) (Record, error) {
	var r Record
	if len(b) == WireSize {
		if b[WireSize-1] != 0 {
			return r, errors.Wrapf(define.ErrMalformedRecord, "record is not terminated")
		}
		b = b[:WireSize-1]
	}
	if len(b) != WireSize-1 || b[4] != ':' || b[11] != ':' || b[18] != ':' {
		return r, errors.Wrapf(define.ErrMalformedRecord, "%q", b)
	}
	lid, err := strconv.ParseUint(string(b[0:4]), 16, 16)
	if err != nil {
		return r, errors.Wrapf(define.ErrMalformedRecord, "lid: %v", err)
	}
	qpn, err := strconv.ParseUint(string(b[5:11]), 16, 32)
	if err != nil {
		return r, errors.Wrapf(define.ErrMalformedRecord, "qpn: %v", err)
	}
	psn, err := strconv.ParseUint(string(b[12:18]), 16, 32)
	if err != nil {
		return r, errors.Wrapf(define.ErrMalformedRecord, "psn: %v", err)
	}
	if _, err := hex.Decode(r.GID[:], b[19:]); err != nil {
		return r, errors.Wrapf(define.ErrMalformedRecord, "gid: %v", err)
	}
	r.LID = uint16(lid)
	r.QPN = uint32(qpn)
	r.PSN = uint32(psn)
	return r, nil
}

package shpd

import (
	"encoding/binary"
	"net"

	"github.com/containers/fabrickit/libfabric/define"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// handleSize is the size of the ordinary payload carrying the handle.
const handleSize = 4

// PDExport identifies a protection domain exported into a device file: the
// descriptor of that file and the handle of the domain within it.
type PDExport struct {
	FD     int
	Handle uint32
}

// SendPD sends exp over conn as one message: the handle as payload and the
// descriptor as an SCM_RIGHTS control message.
func SendPD(conn *net.UnixConn, exp PDExport) error {
	payload := make([]byte, handleSize)
	binary.NativeEndian.PutUint32(payload, exp.Handle)
	n, _, err := conn.WriteMsgUnix(payload, unix.UnixRights(exp.FD), nil)
	if err != nil {
		return errors.Wrapf(err, "sending pd handle")
	}
	if n != handleSize {
		return errors.Wrapf(define.ErrShortTransfer, "sent %d of %d bytes of pd handle", n, handleSize)
	}
	return nil
}

// RecvPD receives the message sent by SendPD. The returned descriptor is
// owned by the caller.
func RecvPD(conn *net.UnixConn) (PDExport, error) {
	payload := make([]byte, handleSize)
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := conn.ReadMsgUnix(payload, oob)
	if err != nil {
		return PDExport{}, errors.Wrapf(err, "receiving pd handle")
	}
	if n != handleSize {
		return PDExport{}, errors.Wrapf(define.ErrShortTransfer, "received %d of %d bytes of pd handle", n, handleSize)
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return PDExport{}, errors.Wrapf(define.ErrNoControlMessage, "%v", err)
	}
	for i := range msgs {
		if msgs[i].Header.Level != unix.SOL_SOCKET || msgs[i].Header.Type != unix.SCM_RIGHTS {
			continue
		}
		fds, err := unix.ParseUnixRights(&msgs[i])
		if err != nil || len(fds) == 0 {
			continue
		}
		for _, extra := range fds[1:] {
			unix.Close(extra)
		}
		exp := PDExport{FD: fds[0], Handle: binary.NativeEndian.Uint32(payload)}
		logrus.Debugf("Received pd handle %d with descriptor %d", exp.Handle, exp.FD)
		return exp, nil
	}
	return PDExport{}, define.ErrNoControlMessage
}

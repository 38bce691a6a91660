package shpd

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// SocketPath returns the local socket both peers of a session use.
func SocketPath(dir string, port int) string {
	return filepath.Join(dir, fmt.Sprintf("shpd_pingpong.%d", port))
}

// AcceptOne replaces any stale socket at path, listens on it and returns
// the first connection. The listening socket is closed before returning.
func AcceptOne(ctx context.Context, path string) (*net.UnixConn, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "removing stale socket %s", path)
	}
	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, errors.Wrapf(err, "listening on %s", path)
	}
	l.SetUnlinkOnClose(true)
	defer l.Close()

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	conn, err := l.AcceptUnix()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errors.Wrapf(ctxErr, "accepting on %s", path)
		}
		return nil, errors.Wrapf(err, "accepting on %s", path)
	}
	return conn, nil
}

// Dial connects to the socket at path, retrying through p until the peer
// is listening.
func Dial(ctx context.Context, path string, p Poller) (*net.UnixConn, error) {
	var conn *net.UnixConn
	err := p.Until(ctx, func() (bool, error) {
		c, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
		if err != nil {
			if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ECONNREFUSED) {
				logrus.Debugf("Waiting for %s: %v", path, err)
				return false, nil
			}
			return false, err
		}
		conn = c
		return true, nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to %s", path)
	}
	return conn, nil
}

package exchange

import (
	"context"
	"io"
	"net"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Client connects to the server at host:port, sends local and returns the
// server's record. The done token is sent after the reply has been read.
func Client(ctx context.Context, host string, port int, local Record) (Record, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Record{}, errors.Wrapf(err, "couldn't connect to %s", addr)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := write(conn, local.Marshal()); err != nil {
		return Record{}, errors.Wrapf(err, "couldn't send local address")
	}
	remote, err := read(conn)
	if err != nil {
		return Record{}, errors.Wrapf(err, "couldn't read remote address")
	}
	if err := write(conn, doneToken); err != nil {
		return Record{}, errors.Wrapf(err, "sending done token")
	}
	logrus.Debugf("Exchanged addresses with %s", addr)
	return remote, nil
}

// Listen opens the TCP socket the server side accepts on.
func Listen(ctx context.Context, port int) (net.Listener, error) {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return nil, errors.Wrapf(err, "couldn't listen to port %d", port)
	}
	return l, nil
}

// Serve accepts a single client on l, then closes l. It reads the client's
// record and hands it to onPeer before replying with local, so the caller
// can bring its side of the connection up first. Serve returns once the
// client's done token has arrived.
func Serve(ctx context.Context, l net.Listener, local Record, onPeer func(Record) error) (Record, error) {
	stopListener := context.AfterFunc(ctx, func() { l.Close() })
	conn, err := l.Accept()
	stopListener()
	l.Close()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return Record{}, errors.Wrapf(err, "accept")
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	remote, err := read(conn)
	if err != nil {
		return Record{}, errors.Wrapf(err, "couldn't read remote address")
	}
	if onPeer != nil {
		if err := onPeer(remote); err != nil {
			return Record{}, errors.Wrapf(err, "couldn't connect to remote QP")
		}
	}
	if err := write(conn, local.Marshal()); err != nil {
		return Record{}, errors.Wrapf(err, "couldn't send local address")
	}
	done := make([]byte, len(doneToken))
	if _, err := io.ReadFull(conn, done); err != nil {
		return Record{}, errors.Wrapf(err, "waiting for done token")
	}
	return remote, nil
}

func write(w io.Writer, b []byte) error {
	n, err := w.Write(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return io.ErrShortWrite
	}
	return nil
}

func read(r io.Reader) (Record, error) {
	buf := make([]byte, WireSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Record{}, err
	}
	return Parse(buf)
}

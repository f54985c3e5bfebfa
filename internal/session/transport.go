package session

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
)

// Transport is the duplex byte stream under a session. Read waits at most
// the poll interval set through SetReadTimeout and returns (0, nil) when it
// elapses without data.
type Transport interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadTimeout(d time.Duration) error
}

// tcpTransport adapts a net.Conn to the poll-style Read contract.
type tcpTransport struct {
	conn         net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewConnTransport wraps a stream connection.
func NewConnTransport(conn net.Conn) Transport {
	return &tcpTransport{conn: conn, readTimeout: DefaultPollInterval, writeTimeout: DefaultWriteTimeout}
}

func (t *tcpTransport) SetReadTimeout(d time.Duration) error {
	t.readTimeout = d
	return nil
}

func (t *tcpTransport) Read(p []byte) (int, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(t.readTimeout)); err != nil {
		return 0, err
	}
	n, err := t.conn.Read(p)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return n, nil
	}
	return n, err
}

func (t *tcpTransport) Write(p []byte) (int, error) {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return 0, err
	}
	return t.conn.Write(p)
}

func (t *tcpTransport) Close() error { return t.conn.Close() }

// DialTransport opens a TCP transport to the hub.
func DialTransport(ctx context.Context, addr string) (Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(ErrConnectionFailed, "dial %s: %v", addr, err)
	}
	return NewConnTransport(conn), nil
}

// serialTransport is a go.bug.st/serial port. Its Read already returns
// (0, nil) on timeout.
type serialTransport struct {
	serial.Port
}

// OpenSerialTransport opens a serial port in 8N1 mode.
func OpenSerialTransport(path string, baud int) (Transport, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, errors.Wrapf(ErrConnectionFailed, "open %s: %v", path, err)
	}
	if err := port.SetReadTimeout(DefaultPollInterval); err != nil {
		port.Close()
		return nil, errors.Wrapf(ErrConnectionFailed, "set timeout on %s: %v", path, err)
	}
	return serialTransport{port}, nil
}

// SerialPorts lists the serial ports present on the system.
func SerialPorts() ([]string, error) {
	return serial.GetPortsList()
}

// Package session owns one hub connection: it validates the preamble, runs
// the receive loop that feeds the protocol parser and sends client requests.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ISF-H-BRS/ReDeX-sub001/internal/logging"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/protocol"
)

const (
	DefaultHandshakeTimeout = 500 * time.Millisecond
	DefaultPollInterval     = 100 * time.Millisecond
	DefaultWriteTimeout     = time.Second

	readBufferSize = 4096
)

// Observer receives traffic statistics from the receive loop.
type Observer interface {
	BytesReceived(n int)
	FrameParsed(tag string, err error)
	SessionLost()
}

type options struct {
	log              *logrus.Entry
	handshakeTimeout time.Duration
	pollInterval     time.Duration
	observer         Observer
}

// Option configures a Session.
type Option func(*options)

func WithLogger(log *logrus.Entry) Option         { return func(o *options) { o.log = log } }
func WithHandshakeTimeout(d time.Duration) Option { return func(o *options) { o.handshakeTimeout = d } }
func WithPollInterval(d time.Duration) Option     { return func(o *options) { o.pollInterval = d } }
func WithObserver(obs Observer) Option            { return func(o *options) { o.observer = obs } }

func buildOptions(opts []Option) options {
	o := options{
		handshakeTimeout: DefaultHandshakeTimeout,
		pollInterval:     DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logging.Discard()
	}
	return o
}

// Session is an established hub connection. Request methods may be called
// from any goroutine. Listener callbacks run on the session's receive
// goroutine and must not call Close.
type Session struct {
	t       Transport
	l       protocol.Listener
	parser  *protocol.Parser
	log     *logrus.Entry
	obs     Observer
	version string

	sendMu sync.Mutex
	closed bool

	alive     atomic.Bool
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

// New performs the handshake on t and starts the receive loop. It blocks
// until the <WELCOME> preamble arrives or the handshake timeout expires;
// on failure the transport is closed.
func New(t Transport, l protocol.Listener, opts ...Option) (*Session, error) {
	o := buildOptions(opts)
	if l == nil {
		l = protocol.NopListener{}
	}

	if err := t.SetReadTimeout(o.pollInterval); err != nil {
		t.Close()
		return nil, setLastError(errors.Wrapf(ErrConnectionFailed, "set read timeout: %v", err))
	}

	version, rest, err := handshake(t, o.handshakeTimeout)
	if err != nil {
		t.Close()
		o.log.WithError(err).Warn("handshake failed")
		return nil, setLastError(err)
	}

	s := &Session{
		t:       t,
		l:       l,
		parser:  protocol.NewParser(l),
		log:     o.log,
		obs:     o.observer,
		version: version,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.parser.OnFrame = s.frameParsed
	s.alive.Store(true)

	s.log.Infof("connected (hub version %q)", version)
	go s.run(rest)
	return s, nil
}

func handshake(t Transport, timeout time.Duration) (string, []byte, error) {
	deadline := time.Now().Add(timeout)
	chunk := make([]byte, protocol.MaxPreambleSize)
	var buf []byte

	for time.Now().Before(deadline) {
		n, err := t.Read(chunk)
		buf = append(buf, chunk[:n]...)

		version, rest, ok, perr := protocol.ParsePreamble(buf)
		if perr != nil {
			return "", nil, perr
		}
		if ok {
			return version, rest, nil
		}
		if err != nil {
			return "", nil, errors.Wrapf(ErrConnectionFailed, "read preamble: %v", err)
		}
	}
	return "", nil, ErrHandshakeTimeout
}

// Dial connects to a hub over TCP.
func Dial(ctx context.Context, addr string, l protocol.Listener, opts ...Option) (*Session, error) {
	t, err := DialTransport(ctx, addr)
	if err != nil {
		return nil, setLastError(err)
	}
	return New(t, l, opts...)
}

// OpenSerial connects to a hub over a serial port.
func OpenSerial(path string, baud int, l protocol.Listener, opts ...Option) (*Session, error) {
	t, err := OpenSerialTransport(path, baud)
	if err != nil {
		return nil, setLastError(err)
	}
	return New(t, l, opts...)
}

// DialWithRetry dials with exponential backoff until it succeeds, ctx is
// done or maxElapsed passes (zero retries forever). A wrong preamble is not
// retried.
func DialWithRetry(ctx context.Context, addr string, l protocol.Listener, maxElapsed time.Duration, opts ...Option) (*Session, error) {
	log := buildOptions(opts).log

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxElapsed

	var s *Session
	connect := func() error {
		var err error
		s, err = Dial(ctx, addr, l, opts...)
		if errors.Is(err, protocol.ErrHandshake) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		log.Warnf("connect to %s failed: %v (retry in %v)", addr, err, next.Round(time.Millisecond))
	}

	if err := backoff.RetryNotify(connect, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}
	return s, nil
}

// Version returns the version token of the preamble, if any.
func (s *Session) Version() string { return s.version }

// Alive reports whether the receive loop is still running.
func (s *Session) Alive() bool { return s.alive.Load() }

// Done is closed when the receive loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the last error seen by the session.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Session) setErr(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
	setLastError(err)
}

func (s *Session) run(rest []byte) {
	defer close(s.done)

	if len(rest) > 0 && !s.feed(rest) {
		return
	}

	buf := make([]byte, readBufferSize)
	for {
		select {
		case <-s.quit:
			return
		default:
		}

		n, err := s.t.Read(buf)
		if n > 0 && !s.feed(buf[:n]) {
			return
		}
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			s.fail(fmt.Errorf("%w: %v", ErrConnectionLost, err))
			return
		}
	}
}

func (s *Session) feed(p []byte) bool {
	if s.obs != nil {
		s.obs.BytesReceived(len(p))
	}
	if err := s.parser.Feed(p); err != nil {
		s.fail(err)
		return false
	}
	return true
}

func (s *Session) frameParsed(tag string, err error) {
	if err != nil {
		s.log.WithError(err).Warn("discarded frame")
		s.setErr(err)
	} else {
		s.log.Debugf("received %s", tag)
	}
	if s.obs != nil {
		s.obs.FrameParsed(tag, err)
	}
}

// fail ends the session from the receive goroutine. The listener hears
// about it exactly once.
func (s *Session) fail(err error) {
	s.alive.Store(false)
	s.setErr(err)
	s.log.WithError(err).Error("receive loop stopped")
	if s.obs != nil {
		s.obs.SessionLost()
	}
	s.l.OnError(err)
}

func (s *Session) send(cmd string) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if !s.alive.Load() {
		return ErrConnectionLost
	}
	if _, err := s.t.Write(protocol.Command(cmd)); err != nil {
		err = fmt.Errorf("%w: send %s: %v", ErrConnectionLost, cmd, err)
		s.setErr(err)
		return err
	}
	s.log.Debugf("sent %s", cmd)
	return nil
}

func (s *Session) RequestNodeInfo() error      { return s.send(protocol.CmdGetNodeInfo) }
func (s *Session) RequestTestpointInfo() error { return s.send(protocol.CmdGetTestpointInfo) }
func (s *Session) StartPowerMonitor() error    { return s.send(protocol.CmdStartPowerMonitor) }
func (s *Session) StopPowerMonitor() error     { return s.send(protocol.CmdStopPowerMonitor) }
func (s *Session) StartMeasurement() error     { return s.send(protocol.CmdStartMeasurement) }
func (s *Session) StopMeasurement() error      { return s.send(protocol.CmdStopMeasurement) }

// Close stops any running measurement, ends the receive loop, waits for it
// and closes the transport. No listener call happens after Close returns.
// Further calls are no-ops.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.alive.Load() {
			_ = s.StopMeasurement()
		}

		s.sendMu.Lock()
		s.closed = true
		s.sendMu.Unlock()

		close(s.quit)
		<-s.done

		s.alive.Store(false)
		err = s.t.Close()
		s.log.Info("session closed")
	})
	return err
}

var (
	lastErrMu sync.Mutex
	lastErr   string
)

func setLastError(err error) error {
	if err != nil {
		lastErrMu.Lock()
		lastErr = err.Error()
		lastErrMu.Unlock()
	}
	return err
}

// LastError returns the message of the most recent error of any session,
// for hosts that only see Result codes.
func LastError() string {
	lastErrMu.Lock()
	defer lastErrMu.Unlock()
	return lastErr
}

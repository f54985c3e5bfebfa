package session

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ISF-H-BRS/ReDeX-sub001/internal/hubsim"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/protocol"
)

type events struct {
	protocol.NopListener
	nodes      chan []protocol.NodeInfo
	testpoints chan []protocol.TestpointInfo
	status     chan protocol.MeasurementStatus
	volts      chan protocol.Voltammogram
	errs       chan error
	count      atomic.Int64
}

func newEvents() *events {
	return &events{
		nodes:      make(chan []protocol.NodeInfo, 16),
		testpoints: make(chan []protocol.TestpointInfo, 16),
		status:     make(chan protocol.MeasurementStatus, 16),
		volts:      make(chan protocol.Voltammogram, 16),
		errs:       make(chan error, 16),
	}
}

func (e *events) OnNodeInfo(n []protocol.NodeInfo) {
	e.count.Add(1)
	e.nodes <- n
}

func (e *events) OnTestpointInfo(t []protocol.TestpointInfo) {
	e.count.Add(1)
	e.testpoints <- t
}

func (e *events) OnMeasurementStatus(s protocol.MeasurementStatus) {
	e.count.Add(1)
	e.status <- s
}

func (e *events) OnVoltammogram(_ string, v protocol.Voltammogram) {
	e.count.Add(1)
	e.volts <- v
}

func (e *events) OnPH(string, float64)                       { e.count.Add(1) }
func (e *events) OnORP(string, float64)                      { e.count.Add(1) }
func (e *events) OnTemperature(string, float64)              { e.count.Add(1) }
func (e *events) OnConductance(string, protocol.Conductance) { e.count.Add(1) }

func (e *events) OnError(err error) {
	e.count.Add(1)
	select {
	case e.errs <- err:
	default:
	}
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	var zero T
	return zero
}

func pipeToHub(t *testing.T, cfg hubsim.Config) Transport {
	t.Helper()
	client, server := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	go hubsim.New(cfg, nil).Serve(ctx, server)
	t.Cleanup(cancel)
	return NewConnTransport(client)
}

func quietHub() hubsim.Config {
	cfg := hubsim.DefaultConfig()
	cfg.Interval = time.Hour
	return cfg
}

func TestSessionRequests(t *testing.T) {
	ev := newEvents()
	s, err := New(pipeToHub(t, quietHub()), ev)
	require.NoError(t, err)
	assert.Equal(t, "1.0", s.Version())
	assert.True(t, s.Alive())

	require.NoError(t, s.RequestNodeInfo())
	assert.Len(t, recv(t, ev.nodes), 2)

	require.NoError(t, s.RequestTestpointInfo())
	assert.Equal(t, "tp1", recv(t, ev.testpoints)[0].ID)

	require.NoError(t, s.StartMeasurement())
	assert.Equal(t, protocol.MeasurementStarted, recv(t, ev.status))
	v := recv(t, ev.volts)
	assert.Equal(t, len(v.Voltages), len(v.Currents))
	assert.NotEmpty(t, v.Voltages)

	require.NoError(t, s.StartPowerMonitor())
	require.NoError(t, s.StopPowerMonitor())

	require.NoError(t, s.Close())
	assert.False(t, s.Alive())
	assert.ErrorIs(t, s.StopMeasurement(), ErrClosed)
	assert.NoError(t, s.Close())
}

func TestHandshakeTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	start := time.Now()
	_, err := New(NewConnTransport(client), nil, WithHandshakeTimeout(50*time.Millisecond), WithPollInterval(10*time.Millisecond))
	assert.ErrorIs(t, err, ErrHandshakeTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, ConnectionFailed, ResultOf(err))
	assert.Equal(t, err.Error(), LastError())
}

func TestWrongPreambleIsFatal(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	go server.Write([]byte("HELLO\r\n"))

	_, err := New(NewConnTransport(client), nil)
	assert.ErrorIs(t, err, protocol.ErrHandshake)
	assert.Equal(t, ConnectionFailed, ResultOf(err))
}

func TestConnectionLostIsReportedOnce(t *testing.T) {
	client, server := net.Pipe()
	go func() {
		server.Write(protocol.Frame(protocol.TagWelcome))
		server.Close()
	}()

	ev := newEvents()
	logger, hook := test.NewNullLogger()
	s, err := New(NewConnTransport(client), ev, WithLogger(logrus.NewEntry(logger)))
	require.NoError(t, err)

	err = recv(t, ev.errs)
	assert.ErrorIs(t, err, ErrConnectionLost)
	<-s.Done()
	assert.False(t, s.Alive())
	assert.Len(t, ev.errs, 0)
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)

	assert.ErrorIs(t, s.StartMeasurement(), ErrConnectionLost)
	assert.Equal(t, ConnectionLost, ResultOf(s.Err()))
	assert.NoError(t, s.Close())
}

func TestFrameErrorKeepsSessionOpen(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	go func() {
		server.Write(protocol.Frame(protocol.TagWelcome))
		server.Write([]byte("<BOGUS>\r\n"))
		server.Write(protocol.Frame(protocol.TagStatus, protocol.StatusIdle))
	}()

	ev := newEvents()
	s, err := New(NewConnTransport(client), ev)
	require.NoError(t, err)
	defer s.Close()

	err = recv(t, ev.errs)
	assert.ErrorIs(t, err, protocol.ErrUnknownTag)
	assert.Equal(t, InvalidData, ResultOf(err))
	assert.Equal(t, protocol.MeasurementStopped, recv(t, ev.status))
	assert.True(t, s.Alive())
}

func TestPreambleTrailingBytesAreParsed(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	go func() {
		frame := append(protocol.Frame(protocol.TagWelcome), protocol.Frame(protocol.TagStatus, protocol.StatusRunning)...)
		server.Write(frame)
	}()

	ev := newEvents()
	s, err := New(NewConnTransport(client), ev)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, protocol.MeasurementStarted, recv(t, ev.status))
}

func TestNoCallbacksAfterClose(t *testing.T) {
	cfg := hubsim.DefaultConfig()
	cfg.Interval = 2 * time.Millisecond

	ev := newEvents()
	s, err := New(pipeToHub(t, cfg), ev)
	require.NoError(t, err)
	require.NoError(t, s.StartMeasurement())
	recv(t, ev.status)
	recv(t, ev.volts)
	require.Eventually(t, func() bool { return ev.count.Load() > 10 }, 5*time.Second, time.Millisecond)

	require.NoError(t, s.Close())
	n := ev.count.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, ev.count.Load())
}

type counter struct {
	bytes, frames, lost atomic.Int64
}

func (c *counter) BytesReceived(n int)       { c.bytes.Add(int64(n)) }
func (c *counter) FrameParsed(string, error) { c.frames.Add(1) }
func (c *counter) SessionLost()              { c.lost.Add(1) }

func TestDialWithRetryOverTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hubsim.New(quietHub(), nil).ServeListener(ctx, ln)

	ev := newEvents()
	obs := &counter{}
	s, err := DialWithRetry(ctx, ln.Addr().String(), ev, 5*time.Second, WithObserver(obs))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.RequestNodeInfo())
	recv(t, ev.nodes)
	assert.Positive(t, obs.bytes.Load())
	assert.Eventually(t, func() bool { return obs.frames.Load() == 1 }, time.Second, time.Millisecond)
}

func TestDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = Dial(context.Background(), addr, nil)
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.Equal(t, ConnectionFailed, ResultOf(err))
}

func TestResultOf(t *testing.T) {
	assert.Equal(t, Success, ResultOf(nil))
	assert.Equal(t, ConnectionLost, ResultOf(ErrClosed))
	assert.Equal(t, InvalidData, ResultOf(protocol.ErrFrameTooLong))
	assert.Equal(t, InvalidData, ResultOf(&protocol.FrameError{Tag: "<PH>", Err: protocol.ErrValueCount}))
	assert.Equal(t, "invalid data", InvalidData.String())
}

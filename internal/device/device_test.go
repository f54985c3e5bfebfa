package device

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ISF-H-BRS/ReDeX-sub001/internal/calibration"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/command"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/firmware"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/potentiostat"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/waveform"
)

type transfer struct {
	request uint8
	val     uint16
	data    []byte
}

type fakeController struct {
	mu    sync.Mutex
	calls []transfer
	short bool
	err   error
}

func (c *fakeController) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rType != requestTypeOut || idx != 0 {
		return 0, errors.New("unexpected request type")
	}
	if c.err != nil {
		return 0, c.err
	}
	c.calls = append(c.calls, transfer{request, val, append([]byte(nil), data...)})
	if c.short && len(data) > 0 {
		return len(data) - 1, nil
	}
	return len(data), nil
}

func (c *fakeController) requests() []uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var r []uint8
	for _, t := range c.calls {
		r = append(r, t.request)
	}
	return r
}

type read struct {
	data []byte
	err  error
}

// fakeBulk hands out queued transfers and blocks when none are left.
type fakeBulk struct {
	reads chan read
}

func newFakeBulk() *fakeBulk { return &fakeBulk{reads: make(chan read, 64)} }

func (b *fakeBulk) ReadContext(ctx context.Context, buf []byte) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case r := <-b.reads:
		return copy(buf, r.data), r.err
	}
}

func (b *fakeBulk) batch(t *testing.T, final bool, samples ...firmware.Sample) {
	data, err := firmware.Batch{Samples: samples, Final: final}.MarshalBinary()
	require.NoError(t, err)
	b.reads <- read{data: data}
}

type events struct {
	data     chan [2][]float64
	finished chan struct{}
	errs     chan error
}

func newEvents() *events {
	return &events{
		data:     make(chan [2][]float64, 16),
		finished: make(chan struct{}, 4),
		errs:     make(chan error, 16),
	}
}

func (e *events) OnData(v, i []float64) { e.data <- [2][]float64{v, i} }
func (e *events) OnFinished()           { e.finished <- struct{}{} }
func (e *events) OnError(err error)     { e.errs <- err }

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	var zero T
	return zero
}

func TestSignalBoardSendsPackets(t *testing.T) {
	ctl := &fakeController{}
	b := NewSignalBoard(ctl, nil)

	require.NoError(t, b.SetupSignal(2, waveform.Triangle, 100, 1.0))
	require.NoError(t, b.SetGain(1, command.Gain10k))
	require.NoError(t, b.Reset(0))
	require.Len(t, ctl.calls, 3)

	var p command.Packet
	require.NoError(t, p.UnmarshalBinary(ctl.calls[0].data))
	assert.Equal(t, uint8(2), p.Input)
	cmd, ok := command.Decode(p.Word)
	require.True(t, ok)
	assert.Equal(t, command.SetupSignal{Waveform: waveform.Triangle, Frequency: 100, Amplitude: 1.0}, cmd)

	require.NoError(t, p.UnmarshalBinary(ctl.calls[1].data))
	assert.Equal(t, command.EncodeSetGain(command.Gain10k), p.Word)
	require.NoError(t, p.UnmarshalBinary(ctl.calls[2].data))
	assert.Equal(t, command.EncodeReset(), p.Word)
	for _, c := range ctl.calls {
		assert.Equal(t, RequestCommand, c.request)
	}
}

func TestSignalBoardValidates(t *testing.T) {
	ctl := &fakeController{}
	b := NewSignalBoard(ctl, nil)

	assert.ErrorIs(t, b.SetupSignal(0, waveform.Count, 100, 1), ErrInvalidArgument)
	assert.ErrorIs(t, b.SetupSignal(0, waveform.Sine, 0, 1), ErrInvalidArgument)
	assert.ErrorIs(t, b.SetupSignal(0, waveform.Sine, 1001, 1), ErrInvalidArgument)
	assert.ErrorIs(t, b.SetupSignal(0, waveform.Sine, 100, 1.6), ErrInvalidArgument)
	assert.ErrorIs(t, b.SetGain(0, command.Gain(4)), ErrInvalidArgument)
	assert.Empty(t, ctl.calls)

	ctl.short = true
	assert.ErrorIs(t, b.Reset(0), ErrShortWrite)
	ctl.err = errors.New("pipe error")
	assert.ErrorContains(t, b.Reset(0), "pipe error")
}

func TestPotentiostatCapture(t *testing.T) {
	ctl := &fakeController{}
	bulk := newFakeBulk()
	ev := newEvents()
	logger, hook := test.NewNullLogger()
	p := NewPotentiostat(ctl, bulk, ev, logrus.NewEntry(logger))
	p.SetADCOffsets(0.001, 0)

	setup := potentiostat.Setup{Type: potentiostat.OpenCircuit, Range: potentiostat.Range1mA, Duration: 1}
	require.NoError(t, p.StartMeasurement(setup))
	assert.True(t, p.Running())
	assert.Equal(t, []uint8{RequestSetup, RequestStart}, ctl.requests())
	block, _ := setup.MarshalBinary()
	assert.Equal(t, block, ctl.calls[0].data)

	bulk.batch(t, false, firmware.Sample{Voltage: 101, Current: 2047})
	d := recv(t, ev.data)
	assert.InDeltaSlice(t, []float64{0.1}, d[0], 1e-12)
	assert.InDeltaSlice(t, []float64{1e-3}, d[1], 1e-12)

	// overflow is only logged
	bulk.reads <- read{err: ErrOverflow}
	// other errors are reported and capture keeps going
	bulk.reads <- read{err: errors.New("stall")}
	assert.ErrorContains(t, recv(t, ev.errs), "bulk read: stall")
	bulk.reads <- read{data: []byte{1}}
	assert.ErrorIs(t, recv(t, ev.errs), firmware.ErrBatchFormat)

	bulk.batch(t, true, firmware.Sample{Voltage: 1, Current: 0})
	recv(t, ev.data)
	recv(t, ev.finished)
	assert.Eventually(t, func() bool { return !p.Running() }, time.Second, time.Millisecond)
	assert.Len(t, ev.errs, 0)

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Message == "transfer overflow" {
			warned = true
		}
	}
	assert.True(t, warned)
	require.NoError(t, p.Close())
}

func TestPotentiostatStop(t *testing.T) {
	ctl := &fakeController{}
	p := NewPotentiostat(ctl, newFakeBulk(), nil, nil)

	_, err := potentiostat.Setup{Type: potentiostat.LinearSweep}.MarshalBinary()
	require.Error(t, err)
	assert.ErrorIs(t, p.StartMeasurement(potentiostat.Setup{Type: potentiostat.LinearSweep}), potentiostat.ErrInvalidScanRate)

	require.NoError(t, p.StartMeasurement(potentiostat.Setup{Type: potentiostat.Electrolysis, Duration: 5}))
	require.NoError(t, p.StopMeasurement())
	require.NoError(t, p.Close())
	assert.False(t, p.Running())
	assert.Equal(t, []uint8{RequestSetup, RequestStart, RequestStop}, ctl.requests())

	require.NoError(t, p.SetDACOffset(-3))
	assert.Equal(t, uint16(0xfffd), ctl.calls[3].val)
}

// board feeds a simulated potentiostat board into the bulk reader whenever
// a run is started, like the real device would.
type board struct {
	*fakeController
	bulk  *fakeBulk
	t     *testing.T
	drift int16 // counts added to every voltage sample
}

func (b *board) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	n, err := b.fakeController.Control(rType, request, val, idx, data)
	if err != nil || request != RequestSetup {
		return n, err
	}
	var setup potentiostat.Setup
	if err := setup.UnmarshalBinary(data); !assert.NoError(b.t, err) {
		return n, err
	}

	var batches []firmware.Batch
	brd := firmware.NewPotentiostatBoard(nopDAC{}, nopMux{}, constADC{v: b.drift, i: 4}, func(x firmware.Batch) {
		batches = append(batches, x)
	}, nil)
	if err := brd.Prepare(setup); !assert.NoError(b.t, err) {
		return n, err
	}
	for len(batches) == 0 || !batches[len(batches)-1].Final {
		brd.Timer().Fire()
		brd.Update()
	}
	go func() {
		for _, x := range batches {
			data, _ := x.MarshalBinary()
			b.bulk.reads <- read{data: data}
		}
	}()
	return n, nil
}

type nopDAC struct{}

func (nopDAC) Write(int, uint16) {}

type nopMux struct{}

func (nopMux) Select(int, bool, bool) {}

type constADC struct{ v, i int16 }

func (a constADC) Read() (int16, int16) { return a.v, a.i }

type calResult struct {
	progress []int
	done     chan calibration.Result
	failed   chan error
}

func (c *calResult) OnProgress(p int)                { c.progress = append(c.progress, p) }
func (c *calResult) OnFinished(r calibration.Result) { c.done <- r }
func (c *calResult) OnFailed(err error)              { c.failed <- err }

func TestCalibrationAgainstBoard(t *testing.T) {
	bulk := newFakeBulk()
	ctl := &board{fakeController: &fakeController{}, bulk: bulk, t: t, drift: 3}
	p := NewPotentiostat(ctl, bulk, nil, nil)

	res := &calResult{done: make(chan calibration.Result, 1), failed: make(chan error, 1)}
	seq := calibration.NewSequencer(p, res, calibration.Config{Duration: 1, Range: potentiostat.Range1mA}, nil)
	p.SetListener(seq)

	require.NoError(t, seq.Start())
	r := recv(t, res.done)
	assert.InDelta(t, 0.003, r.VoltageOffset, 1e-12)
	assert.InDelta(t, firmware.CountsToAmps(4, potentiostat.Range1mA), r.CurrentOffset, 1e-15)
	// with the ADC offsets applied the second stage measures zero
	assert.Equal(t, int16(0), r.DACOffset)
	assert.Equal(t, 100, res.progress[len(res.progress)-1])
	assert.Len(t, res.failed, 0)
	require.NoError(t, p.Close())
}

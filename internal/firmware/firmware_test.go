package firmware

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ISF-H-BRS/ReDeX-sub001/internal/command"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/potentiostat"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/waveform"
)

type fakeDAC struct {
	writes map[int][]uint16
}

func (d *fakeDAC) Write(ch int, code uint16) {
	if d.writes == nil {
		d.writes = make(map[int][]uint16)
	}
	d.writes[ch] = append(d.writes[ch], code)
}

type fakeMux struct {
	lines map[int][2]bool
}

func (m *fakeMux) Select(ch int, a0, a1 bool) {
	if m.lines == nil {
		m.lines = make(map[int][2]bool)
	}
	m.lines[ch] = [2]bool{a0, a1}
}

type fakeADC struct{ v, i int16 }

func (a fakeADC) Read() (int16, int16) { return a.v, a.i }

func TestTimerFlagIsTakenOnce(t *testing.T) {
	tm := NewTimer()
	assert.False(t, tm.TakeElapsed())

	tm.Fire()
	tm.Fire()
	assert.True(t, tm.TakeElapsed())
	assert.False(t, tm.TakeElapsed())

	tm.Pause()
	tm.Fire()
	assert.False(t, tm.TakeElapsed())
	tm.Resume()
	tm.Fire()
	assert.True(t, tm.TakeElapsed())
}

func TestTimerTicks(t *testing.T) {
	tm := NewTimer()
	tm.Start(time.Millisecond)
	defer tm.Stop()

	assert.Equal(t, time.Millisecond, tm.Period())
	assert.Eventually(t, tm.TakeElapsed, time.Second, time.Millisecond)

	tm.Stop()
	tm.Stop()
	assert.False(t, tm.TakeElapsed())
}

func TestSignalBoardHandlesCommands(t *testing.T) {
	dac, mux := &fakeDAC{}, &fakeMux{}
	b := NewSignalBoard(2, 1000, dac, mux, nil)

	assert.Equal(t, [2]bool{false, false}, mux.lines[1])

	word := command.EncodeSetupSignal(waveform.Square, 10, 1.0)
	assert.True(t, b.HandleCommand(1, word))
	assert.Equal(t, waveform.Square, b.Generator(1).Waveform())
	assert.Equal(t, waveform.None, b.Generator(0).Waveform())

	assert.True(t, b.HandleCommand(1, command.EncodeSetGain(command.Gain10k)))
	assert.Equal(t, command.Gain10k, b.Gain(1))
	assert.Equal(t, [2]bool{false, true}, mux.lines[1])

	// invalid words and inputs are dropped
	assert.False(t, b.HandleCommand(1, 0x3<<29))
	assert.False(t, b.HandleCommand(5, word))
	assert.False(t, b.HandlePacket([]byte{1, 2}))
	assert.Equal(t, waveform.Square, b.Generator(1).Waveform())

	p, err := command.Packet{Input: 1, Word: command.EncodeReset()}.MarshalBinary()
	require.NoError(t, err)
	assert.True(t, b.HandlePacket(p))
	assert.Equal(t, waveform.None, b.Generator(1).Waveform())
	assert.Equal(t, command.Gain100, b.Gain(1))
}

func TestSignalBoardUpdateOnlyOnElapsed(t *testing.T) {
	dac := &fakeDAC{}
	b := NewSignalBoard(1, 1000, dac, &fakeMux{}, nil)
	b.HandleCommand(0, command.EncodeSetupSignal(waveform.Square, 1, 1.0))

	assert.False(t, b.Update())
	assert.Empty(t, dac.writes[0])

	b.Timer().Fire()
	assert.True(t, b.Update())
	assert.False(t, b.Update())
	require.Len(t, dac.writes[0], 1)
	assert.Greater(t, dac.writes[0][0], uint16(waveform.DACMidRange))
}

func TestPotentiostatBoardRun(t *testing.T) {
	dac, mux := &fakeDAC{}, &fakeMux{}
	var batches []Batch
	b := NewPotentiostatBoard(dac, mux, fakeADC{v: 100, i: 50}, func(bt Batch) { batches = append(batches, bt) }, nil)
	b.SetADCOffsets(10, 5)

	require.NoError(t, b.Prepare(potentiostat.Setup{
		Type:     potentiostat.LinearSweep,
		Range:    potentiostat.Range100uA,
		ScanRate: 10,
		Vertex0:  0,
		Vertex1:  10,
	}))
	assert.Equal(t, [2]bool{false, true}, mux.lines[0])
	assert.Equal(t, []uint16{2048}, dac.writes[0])

	for i := 0; i < 100 && len(batches) == 0; i++ {
		b.Timer().Fire()
		require.True(t, b.Update())
	}

	require.Len(t, batches, 1)
	assert.True(t, batches[0].Final)
	assert.Len(t, batches[0].Samples, 20)
	assert.Equal(t, Sample{Voltage: 90, Current: 45}, batches[0].Samples[0])
	assert.Equal(t, uint16(2028), dac.writes[0][len(dac.writes[0])-1])
	assert.True(t, b.Sequencer().Done())
}

func TestPotentiostatBoardStopFlushesOnlyActiveRuns(t *testing.T) {
	var batches []Batch
	b := NewPotentiostatBoard(&fakeDAC{}, &fakeMux{}, fakeADC{v: 1, i: 2}, func(bt Batch) { batches = append(batches, bt) }, nil)

	b.Stop()
	assert.Empty(t, batches, "idle board")

	setup := potentiostat.Setup{Type: potentiostat.LinearSweep, ScanRate: 10, Vertex0: 0, Vertex1: 10}
	require.NoError(t, b.Prepare(setup))
	for i := 0; i < 3; i++ {
		b.Timer().Fire()
		b.Update()
	}
	b.Stop()
	require.Len(t, batches, 1)
	assert.True(t, batches[0].Final)
	assert.Len(t, batches[0].Samples, 3)

	b.Stop()
	assert.Len(t, batches, 1, "second stop")

	require.NoError(t, b.Prepare(setup))
	for i := 0; i < 100 && len(batches) == 1; i++ {
		b.Timer().Fire()
		b.Update()
	}
	require.Len(t, batches, 2)
	b.Stop()
	assert.Len(t, batches, 2, "stop after completed run")
}

func TestPotentiostatBoardReset(t *testing.T) {
	dac, mux := &fakeDAC{}, &fakeMux{}
	b := NewPotentiostatBoard(dac, mux, fakeADC{}, nil, nil)

	assert.True(t, b.HandleCommand(command.EncodeSetGain(command.Gain100k)))
	assert.Equal(t, [2]bool{true, true}, mux.lines[0])
	assert.False(t, b.HandleCommand(command.EncodeSetupSignal(waveform.Sine, 1, 0.5)))

	assert.True(t, b.HandleCommand(command.EncodeReset()))
	assert.Equal(t, [2]bool{false, false}, mux.lines[0])
	assert.Equal(t, potentiostat.Idle, b.Sequencer().State())
}

func TestBatchWireFormat(t *testing.T) {
	data, err := Batch{Samples: []Sample{{Voltage: -1, Current: 2}}, Final: true}.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0, 1, 0, 0xff, 0xff, 2, 0}, data)

	var b Batch
	require.NoError(t, b.UnmarshalBinary(data))
	assert.True(t, b.Final)
	assert.Equal(t, int16(-1), b.Samples[0].Voltage)

	assert.ErrorIs(t, b.UnmarshalBinary(data[:6]), ErrBatchFormat)
	assert.ErrorIs(t, b.UnmarshalBinary(nil), ErrBatchFormat)
}

func TestSensorUnion(t *testing.T) {
	s := NewSensor(SensorPhOrp)
	_, ok := s.Temperature()
	assert.False(t, ok)

	s.Update(0, 220)
	r, ok := s.PhOrp()
	require.True(t, ok)
	assert.InDelta(t, 7.0, r.PH, 1e-9)
	assert.InDelta(t, 220.0, r.ORP, 1e-9)

	s.Update(-NernstSlope, 220)
	r, _ = s.PhOrp()
	assert.InDelta(t, 7.1, r.PH, 1e-9)

	s.SetKind(SensorTemperature)
	_, ok = s.PhOrp()
	assert.False(t, ok)
	s.Update(RTDResistance(25), 0)
	c, ok := s.Temperature()
	require.True(t, ok)
	assert.InDelta(t, 25.0, c, 1e-6)

	s.SetKind(SensorNone)
	s.Update(1, 2)
	_, ok = s.Temperature()
	assert.False(t, ok)
	assert.Equal(t, "none", s.Kind().String())
}

package firmware

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ISF-H-BRS/ReDeX-sub001/internal/command"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/logging"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/potentiostat"
)

// ADC samples the cell voltage and current channels in raw counts.
type ADC interface {
	Read() (voltage, current int16)
}

const (
	// BatchSamples is the number of sample pairs per full batch.
	BatchSamples = 64

	batchHeaderSize = 4
	batchFinal      = 0x01
)

const (
	// ADCFullScale is the largest magnitude a sample can take, in counts.
	ADCFullScale = 2047
	// VoltsPerCount scales the voltage channel.
	VoltsPerCount = 1e-3
)

var ErrBatchFormat = errors.New("firmware: malformed sample batch")

func clampCounts(v float64) int16 {
	switch {
	case v > ADCFullScale:
		return ADCFullScale
	case v < -ADCFullScale:
		return -ADCFullScale
	}
	return int16(math.Round(v))
}

// VoltsToCounts converts a cell voltage into voltage channel counts.
func VoltsToCounts(v float64) int16 { return clampCounts(v / VoltsPerCount) }

// CountsToVolts converts voltage channel counts into volts.
func CountsToVolts(c int16) float64 { return float64(c) * VoltsPerCount }

// AmpsToCounts converts a cell current into current channel counts for the
// given range.
func AmpsToCounts(a float64, r potentiostat.CurrentRange) int16 {
	return clampCounts(a / r.FullScale() * ADCFullScale)
}

// CountsToAmps converts current channel counts into amperes.
func CountsToAmps(c int16, r potentiostat.CurrentRange) float64 {
	return float64(c) / ADCFullScale * r.FullScale()
}

// Sample is one voltage/current pair in ADC counts.
type Sample struct {
	Voltage int16
	Current int16
}

// Batch is the unit transferred from the potentiostat to the host. The wire
// format is a little-endian u16 count, a flags byte, a reserved byte and
// count int16 voltage/current pairs.
type Batch struct {
	Samples []Sample
	Final   bool
}

func (b Batch) MarshalBinary() ([]byte, error) {
	buf := make([]byte, batchHeaderSize+4*len(b.Samples))
	binary.LittleEndian.PutUint16(buf, uint16(len(b.Samples)))
	if b.Final {
		buf[2] = batchFinal
	}
	for i, s := range b.Samples {
		off := batchHeaderSize + 4*i
		binary.LittleEndian.PutUint16(buf[off:], uint16(s.Voltage))
		binary.LittleEndian.PutUint16(buf[off+2:], uint16(s.Current))
	}
	return buf, nil
}

func (b *Batch) UnmarshalBinary(data []byte) error {
	if len(data) < batchHeaderSize {
		return ErrBatchFormat
	}
	n := int(binary.LittleEndian.Uint16(data))
	if len(data) < batchHeaderSize+4*n {
		return ErrBatchFormat
	}
	b.Final = data[2]&batchFinal != 0
	b.Samples = make([]Sample, n)
	for i := range b.Samples {
		off := batchHeaderSize + 4*i
		b.Samples[i] = Sample{
			Voltage: int16(binary.LittleEndian.Uint16(data[off:])),
			Current: int16(binary.LittleEndian.Uint16(data[off+2:])),
		}
	}
	return nil
}

// PotentiostatBoard is the potentiostat firmware main loop. Each timer
// period advances the sequencer, writes the cell DAC and samples the ADC.
type PotentiostatBoard struct {
	timer *Timer
	seq   *potentiostat.Sequencer
	dac   DAC
	mux   Mux
	adc   ADC
	emit  func(Batch)
	log   *logrus.Entry

	voltageOffset int16
	currentOffset int16

	pending  []Sample
	finished bool
}

// NewPotentiostatBoard wires a board. emit receives every completed batch.
func NewPotentiostatBoard(dac DAC, mux Mux, adc ADC, emit func(Batch), log *logrus.Entry) *PotentiostatBoard {
	if log == nil {
		log = logging.Discard()
	}
	b := &PotentiostatBoard{
		timer: NewTimer(),
		dac:   dac,
		mux:   mux,
		adc:   adc,
		emit:  emit,
		log:   log,
	}
	b.seq = potentiostat.NewSequencer(b.timer, func() { b.finished = true })
	return b
}

func (b *PotentiostatBoard) Timer() *Timer                      { return b.timer }
func (b *PotentiostatBoard) Sequencer() *potentiostat.Sequencer { return b.seq }

// SetDACOffset sets the calibration offset used by the next Prepare.
func (b *PotentiostatBoard) SetDACOffset(offset int16) {
	b.seq.SetCalibrationOffset(offset)
}

// SetADCOffsets sets the offsets subtracted from every sample.
func (b *PotentiostatBoard) SetADCOffsets(voltage, current int16) {
	b.voltageOffset = voltage
	b.currentOffset = current
}

// Prepare loads the setup, selects the current range and parks the DAC at
// the starting potential.
func (b *PotentiostatBoard) Prepare(setup potentiostat.Setup) error {
	if err := b.seq.Prepare(setup); err != nil {
		return err
	}
	b.setGain(setup.Range.Gain())
	b.dac.Write(0, uint16(b.seq.Value()))
	b.pending = b.pending[:0]
	b.finished = false
	b.log.Debugf("prepared %s", setup.Type)
	return nil
}

func (b *PotentiostatBoard) Start() error { return b.seq.Start() }
func (b *PotentiostatBoard) Pause()       { b.seq.Pause() }
func (b *PotentiostatBoard) Unpause()     { b.seq.Unpause() }

// Stop aborts the run and flushes what was sampled so far. Nothing is sent
// when no run was armed or the final batch already went out.
func (b *PotentiostatBoard) Stop() {
	active := b.seq.Prepared() && !b.seq.Done()
	b.seq.Stop()
	if active {
		b.flush(true)
	}
}

// HandleCommand applies gain and reset words. Signal setup words are not
// meaningful on this board and are dropped.
func (b *PotentiostatBoard) HandleCommand(word uint32) bool {
	cmd, ok := command.Decode(word)
	if !ok {
		return false
	}
	switch c := cmd.(type) {
	case command.SetGain:
		b.setGain(c.Gain)
	case command.Reset:
		b.seq.Stop()
		b.pending = b.pending[:0]
		b.setGain(command.Gain100)
		b.dac.Write(0, potentiostat.DACMidRange)
	default:
		return false
	}
	return true
}

func (b *PotentiostatBoard) setGain(g command.Gain) {
	a0, a1 := g.MuxLines()
	b.mux.Select(0, a0, a1)
}

// Update runs one main loop iteration. It returns false when no timer
// period elapsed.
func (b *PotentiostatBoard) Update() bool {
	if !b.timer.TakeElapsed() {
		return false
	}
	if !b.seq.Prepared() || b.seq.Done() {
		return true
	}

	b.seq.Process()
	b.dac.Write(0, uint16(b.seq.Value()))

	v, i := b.adc.Read()
	b.pending = append(b.pending, Sample{Voltage: v - b.voltageOffset, Current: i - b.currentOffset})

	switch {
	case b.finished:
		b.flush(true)
	case len(b.pending) >= BatchSamples:
		b.flush(false)
	}
	return true
}

func (b *PotentiostatBoard) flush(final bool) {
	if len(b.pending) == 0 && !final {
		return
	}
	samples := make([]Sample, len(b.pending))
	copy(samples, b.pending)
	b.pending = b.pending[:0]
	if b.emit != nil {
		b.emit(Batch{Samples: samples, Final: final})
	}
}

// Package potentiostat implements the scan sequencer that runs inside the
// potentiostat firmware. The sequencer is ticked once per sample period and
// ramps the cell DAC between vertex potentials one LSB at a time.
package potentiostat

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// State is the scan phase. In scanning modes the name is the vertex the
// DAC is currently heading to.
type State uint8

const (
	Idle State = iota
	Vertex0
	Vertex1
	Vertex2
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Vertex0:
		return "vertex0"
	case Vertex1:
		return "vertex1"
	case Vertex2:
		return "vertex2"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

const (
	// DACMidRange is the cell DAC code for 0 mV. Polarity is inverted:
	// higher potentials produce lower codes.
	DACMidRange = 2048
	DACMax      = 4095

	// TimedTickRate is the tick frequency used by non-scanning modes.
	TimedTickRate = 1000
)

var (
	ErrNotPrepared = errors.New("potentiostat: sequencer not prepared")
)

// TickSource is the periodic timer driving Process.
type TickSource interface {
	Start(period time.Duration)
	Stop()
	Pause()
	Resume()
}

// Sequencer is the scan state machine. It is not safe for concurrent use;
// the board main loop owns it.
type Sequencer struct {
	ticks      TickSource
	onComplete func()
	offset     int16

	setup   Setup
	state   State
	current int16
	target  int16
	targets [3]int16

	cyclesRemaining  int
	secondsRemaining int
	tickCount        int

	prepared bool
	done     bool
}

// NewSequencer creates a sequencer driven by ticks. onComplete is called
// once at the end of every run.
func NewSequencer(ticks TickSource, onComplete func()) *Sequencer {
	if onComplete == nil {
		onComplete = func() {}
	}
	return &Sequencer{
		ticks:      ticks,
		onComplete: onComplete,
		current:    DACMidRange,
		target:     DACMidRange,
	}
}

// SetCalibrationOffset sets the DAC offset, in LSB, applied by Prepare.
func (s *Sequencer) SetCalibrationOffset(offset int16) {
	s.offset = offset
}

// PotentialToCode converts a cell potential in mV into a DAC code.
func (s *Sequencer) PotentialToCode(mV int) (int16, error) {
	code := DACMidRange - (2*mV + int(s.offset))
	if code < 0 || code > DACMax {
		return 0, errors.Wrapf(ErrVertexRange, "%d mV", mV)
	}
	return int16(code), nil
}

// CodeToPotential is the inverse of PotentialToCode, in mV.
func (s *Sequencer) CodeToPotential(code int16) float64 {
	return float64(DACMidRange-int(code)-int(s.offset)) / 2
}

// Prepare loads a setup and arms the sequencer for the next Start.
func (s *Sequencer) Prepare(setup Setup) error {
	if err := setup.Validate(); err != nil {
		return err
	}

	var targets [3]int16
	for i, mV := range []int{setup.Vertex0, setup.Vertex1, setup.Vertex2} {
		if i == 2 && setup.Type != CyclicVoltammetry {
			continue
		}
		if i > 0 && !setup.Type.Scanning() {
			continue
		}
		code, err := s.PotentialToCode(mV)
		if err != nil {
			return err
		}
		targets[i] = code
	}

	s.setup = setup
	s.targets = targets
	s.tickCount = 0
	s.secondsRemaining = setup.Duration
	s.cyclesRemaining = setup.Cycles
	s.done = false
	s.prepared = true

	switch {
	case setup.Type.Scanning():
		s.state = Vertex1
		s.current = targets[0]
		s.target = targets[1]
	case setup.Type == Electrolysis:
		s.state = Vertex0
		s.current = targets[0]
		s.target = targets[0]
	default:
		s.state = Vertex0
		s.current = DACMidRange
		s.target = DACMidRange
	}
	return nil
}

// TickPeriod returns the tick period required by the prepared setup. One
// DAC LSB is 0.5 mV, so a scan at r mV/s needs 2r ticks per second.
func (s *Sequencer) TickPeriod() time.Duration {
	if s.setup.Type.Scanning() {
		return time.Second / time.Duration(2*s.setup.ScanRate)
	}
	return time.Second / TimedTickRate
}

// Start begins ticking the prepared run.
func (s *Sequencer) Start() error {
	if !s.prepared || s.done {
		return ErrNotPrepared
	}
	s.ticks.Start(s.TickPeriod())
	return nil
}

// Stop halts the tick source and forces the sequencer idle. A new Prepare
// is required before the next Start.
func (s *Sequencer) Stop() {
	s.ticks.Stop()
	s.state = Idle
	s.prepared = false
}

func (s *Sequencer) Pause()   { s.ticks.Pause() }
func (s *Sequencer) Unpause() { s.ticks.Resume() }

// Process handles one tick.
func (s *Sequencer) Process() {
	if !s.prepared || s.done {
		return
	}

	if !s.setup.Type.Scanning() {
		s.tickCount++
		if s.tickCount < TimedTickRate {
			return
		}
		s.tickCount = 0
		s.secondsRemaining--
		if s.secondsRemaining <= 0 {
			s.complete()
		}
		return
	}

	switch {
	case s.current < s.target:
		s.current++
	case s.current > s.target:
		s.current--
	}
	if s.current == s.target {
		s.updateState()
	}
}

// updateState advances to the next vertex once the target is reached.
func (s *Sequencer) updateState() {
	if s.current != s.target {
		panic("potentiostat: updateState called before target reached")
	}

	switch s.state {
	case Vertex1:
		if s.setup.Type != CyclicVoltammetry {
			s.complete()
			return
		}
		s.state = Vertex2
		s.target = s.targets[2]

	case Vertex2:
		if s.setup.Type != CyclicVoltammetry {
			panic("potentiostat: vertex2 reached outside cyclic voltammetry")
		}
		s.state = Vertex0
		s.target = s.targets[0]

	case Vertex0:
		s.cyclesRemaining--
		if s.cyclesRemaining > 0 {
			s.state = Vertex1
			s.target = s.targets[1]
			return
		}
		s.complete()
	}
}

func (s *Sequencer) complete() {
	s.done = true
	s.state = Idle
	s.ticks.Stop()
	s.onComplete()
}

func (s *Sequencer) State() State       { return s.state }
func (s *Sequencer) Value() int16       { return s.current }
func (s *Sequencer) Target() int16      { return s.target }
func (s *Sequencer) Done() bool         { return s.done }
func (s *Sequencer) Setup() Setup       { return s.setup }
func (s *Sequencer) Prepared() bool     { return s.prepared }
func (s *Sequencer) Remaining() int     { return s.secondsRemaining }
func (s *Sequencer) Potential() float64 { return s.CodeToPotential(s.current) }

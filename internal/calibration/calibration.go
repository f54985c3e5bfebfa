// Package calibration derives the potentiostat offsets from two timed runs:
// an open-circuit run for the ADC offsets and an electrolysis run at 0 mV for
// the DAC offset.
package calibration

import (
	"math"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/ISF-H-BRS/ReDeX-sub001/internal/firmware"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/logging"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/potentiostat"
)

var (
	ErrBusy     = errors.New("calibration: already running")
	ErrCanceled = errors.New("calibration: canceled")
)

// Device runs measurements and reports them back through the Sequencer's
// OnData, OnFinished and OnError methods. Those calls must come from another
// goroutine than StartMeasurement.
type Device interface {
	StartMeasurement(setup potentiostat.Setup) error
	StopMeasurement() error
	SetADCOffsets(voltage, current float64)
}

// Listener follows a calibration run. Calls come from the device's goroutine.
type Listener interface {
	OnProgress(percent int)
	OnFinished(Result)
	OnFailed(err error)
}

// Result holds the derived offsets.
type Result struct {
	VoltageOffset float64 `json:"voltageOffset"` // V
	CurrentOffset float64 `json:"currentOffset"` // A
	DACOffset     int16   `json:"dacOffset"`     // LSB
}

// Stage is the current step of a run.
type Stage int

const (
	Idle Stage = iota
	StageADC
	StageDAC
)

func (s Stage) String() string {
	switch s {
	case Idle:
		return "idle"
	case StageADC:
		return "adc"
	case StageDAC:
		return "dac"
	}
	return "unknown"
}

const DefaultDuration = 10 // s per stage

// Config sets the length of each stage and the current range used.
type Config struct {
	Duration int                       `yaml:"duration"`
	Range    potentiostat.CurrentRange `yaml:"range"`
}

// Sequencer runs the two calibration stages against a Device.
type Sequencer struct {
	dev Device
	l   Listener
	cfg Config
	log *logrus.Entry

	mu       sync.Mutex
	stage    Stage
	voltages []float64
	currents []float64
	batches  int
	expected int
	progress int
	result   Result
}

func NewSequencer(dev Device, l Listener, cfg Config, log *logrus.Entry) *Sequencer {
	if cfg.Duration <= 0 {
		cfg.Duration = DefaultDuration
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Sequencer{dev: dev, l: l, cfg: cfg, log: log}
}

func (s *Sequencer) Stage() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// Start clears the device's ADC offsets and begins the open-circuit stage.
func (s *Sequencer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stage != Idle {
		return ErrBusy
	}
	s.result = Result{}
	s.progress = -1
	s.dev.SetADCOffsets(0, 0)
	return s.begin(StageADC)
}

// Cancel aborts a run. The listener receives ErrCanceled.
func (s *Sequencer) Cancel() {
	s.mu.Lock()
	if s.stage == Idle {
		s.mu.Unlock()
		return
	}
	s.stage = Idle
	s.mu.Unlock()

	if err := s.dev.StopMeasurement(); err != nil {
		s.log.WithError(err).Warn("stop measurement")
	}
	s.l.OnFailed(ErrCanceled)
}

func (s *Sequencer) begin(stage Stage) error {
	setup := potentiostat.Setup{Range: s.cfg.Range, Duration: s.cfg.Duration}
	if stage == StageDAC {
		setup.Type = potentiostat.Electrolysis
	}

	s.stage = stage
	s.voltages = s.voltages[:0]
	s.currents = s.currents[:0]
	s.batches = 0
	samples := s.cfg.Duration * potentiostat.TimedTickRate
	s.expected = (samples + firmware.BatchSamples - 1) / firmware.BatchSamples

	if err := s.dev.StartMeasurement(setup); err != nil {
		s.stage = Idle
		return errors.Wrapf(err, "start %s stage", stage)
	}
	s.log.Infof("calibration stage %s started (%s, %ds)", stage, setup.Type, setup.Duration)
	return nil
}

// OnData accumulates one batch of samples in volts and amperes.
func (s *Sequencer) OnData(voltages, currents []float64) {
	s.mu.Lock()
	if s.stage == Idle {
		s.mu.Unlock()
		return
	}
	s.voltages = append(s.voltages, voltages...)
	s.currents = append(s.currents, currents...)
	s.batches++

	base := 0
	if s.stage == StageDAC {
		base = 50
	}
	p := base + 50*min(s.batches, s.expected)/s.expected
	changed := p != s.progress
	s.progress = p
	s.mu.Unlock()

	if changed {
		s.l.OnProgress(p)
	}
}

// OnFinished closes the current stage.
func (s *Sequencer) OnFinished() {
	s.mu.Lock()
	switch s.stage {
	case StageADC:
		if len(s.voltages) > 0 {
			s.result.VoltageOffset = stat.Mean(s.voltages, nil)
			s.result.CurrentOffset = stat.Mean(s.currents, nil)
		}
		s.dev.SetADCOffsets(s.result.VoltageOffset, s.result.CurrentOffset)
		s.log.Infof("adc offsets %.6g V, %.6g A", s.result.VoltageOffset, s.result.CurrentOffset)
		err := s.begin(StageDAC)
		s.mu.Unlock()
		if err != nil {
			s.l.OnFailed(err)
			return
		}
		s.report(50)

	case StageDAC:
		if len(s.voltages) > 0 {
			// One DAC LSB moves the cell by 0.5 mV.
			mV := stat.Mean(s.voltages, nil) * 1000
			s.result.DACOffset = int16(-math.Round(2 * mV))
		}
		s.stage = Idle
		res := s.result
		s.mu.Unlock()

		s.log.Infof("dac offset %d LSB", res.DACOffset)
		s.report(100)
		s.l.OnFinished(res)

	default:
		s.mu.Unlock()
	}
}

// OnError aborts the run and hands err to the listener unchanged.
func (s *Sequencer) OnError(err error) {
	s.mu.Lock()
	if s.stage == Idle {
		s.mu.Unlock()
		return
	}
	s.stage = Idle
	s.mu.Unlock()

	s.log.WithError(err).Error("calibration aborted")
	if stopErr := s.dev.StopMeasurement(); stopErr != nil {
		s.log.WithError(stopErr).Warn("stop measurement")
	}
	s.l.OnFailed(err)
}

func (s *Sequencer) report(p int) {
	s.mu.Lock()
	changed := p != s.progress
	s.progress = p
	s.mu.Unlock()
	if changed {
		s.l.OnProgress(p)
	}
}

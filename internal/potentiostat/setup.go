package potentiostat

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"github.com/ISF-H-BRS/ReDeX-sub001/internal/command"
)

// MeasurementType selects what the potentiostat does during a run.
type MeasurementType uint8

const (
	OpenCircuit MeasurementType = iota
	Electrolysis
	LinearSweep
	CyclicVoltammetry
)

// Scanning reports whether the type ramps the cell potential between vertices.
func (t MeasurementType) Scanning() bool {
	return t == LinearSweep || t == CyclicVoltammetry
}

func (t MeasurementType) String() string {
	switch t {
	case OpenCircuit:
		return "open-circuit"
	case Electrolysis:
		return "electrolysis"
	case LinearSweep:
		return "linear-sweep"
	case CyclicVoltammetry:
		return "cyclic-voltammetry"
	}
	return fmt.Sprintf("measurement(%d)", uint8(t))
}

// CurrentRange is the full-scale current of the transimpedance stage.
type CurrentRange uint8

const (
	Range10mA CurrentRange = iota
	Range1mA
	Range100uA
	Range10uA
)

// Gain returns the sense resistor that yields the range.
func (r CurrentRange) Gain() command.Gain {
	return command.Gain(r)
}

// FullScale returns the range in amperes.
func (r CurrentRange) FullScale() float64 {
	switch r {
	case Range10mA:
		return 10e-3
	case Range1mA:
		return 1e-3
	case Range100uA:
		return 100e-6
	case Range10uA:
		return 10e-6
	}
	return 0
}

// Setup describes one measurement run. It is consumed by Sequencer.Prepare
// and must not change while the run is active.
type Setup struct {
	Type     MeasurementType `json:"type" yaml:"type"`
	Range    CurrentRange    `json:"range" yaml:"range"`
	Duration int             `json:"duration" yaml:"duration"`  // s, timed types only
	ScanRate int             `json:"scanRate" yaml:"scan_rate"` // mV/s, scanning types only
	Vertex0  int             `json:"vertex0" yaml:"vertex0"`    // mV
	Vertex1  int             `json:"vertex1" yaml:"vertex1"`    // mV
	Vertex2  int             `json:"vertex2" yaml:"vertex2"`    // mV
	Cycles   int             `json:"cycles" yaml:"cycles"`      // CV only
}

var (
	ErrInvalidType     = errors.New("potentiostat: invalid measurement type")
	ErrInvalidRange    = errors.New("potentiostat: invalid current range")
	ErrInvalidDuration = errors.New("potentiostat: duration out of range")
	ErrInvalidScanRate = errors.New("potentiostat: scan rate out of range")
	ErrInvalidCycles   = errors.New("potentiostat: cycle count out of range")
	ErrVertexRange     = errors.New("potentiostat: vertex potential outside DAC range")
)

const (
	MaxCycles   = 100
	MaxScanRate = 500   // mV/s
	MaxDuration = 65535 // s

	// MinVertex and MaxVertex bound the potentials the DAC reaches without
	// a calibration offset.
	MinVertex = -(DACMax - DACMidRange) / 2 // mV
	MaxVertex = DACMidRange / 2             // mV
)

// Validate checks the fields relevant for the measurement type. Fields the
// type ignores must still fit their slot in the setup block.
func (s Setup) Validate() error {
	if s.Type > CyclicVoltammetry {
		return ErrInvalidType
	}
	if s.Range > Range10uA {
		return ErrInvalidRange
	}
	if s.Duration < 0 || s.Duration > MaxDuration {
		return ErrInvalidDuration
	}
	if s.ScanRate < 0 || s.ScanRate > MaxScanRate {
		return ErrInvalidScanRate
	}
	if s.Cycles < 0 || s.Cycles > MaxCycles {
		return ErrInvalidCycles
	}
	for _, mV := range []int{s.Vertex0, s.Vertex1, s.Vertex2} {
		if mV < MinVertex || mV > MaxVertex {
			return errors.Wrapf(ErrVertexRange, "%d mV", mV)
		}
	}

	if !s.Type.Scanning() {
		if s.Duration == 0 {
			return ErrInvalidDuration
		}
		return nil
	}
	if s.ScanRate == 0 {
		return ErrInvalidScanRate
	}
	if s.Type == CyclicVoltammetry && s.Cycles == 0 {
		return ErrInvalidCycles
	}
	return nil
}

// SetupSize is the length of the encoded setup block sent to the board.
const SetupSize = 14

var ErrSetupSize = errors.New("potentiostat: setup block must be 14 bytes")

// MarshalBinary encodes the setup as sent to the board: type, range, then
// little-endian u16 duration, u16 scan rate, three int16 vertices and u16
// cycles.
func (s Setup) MarshalBinary() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	b := make([]byte, SetupSize)
	b[0] = uint8(s.Type)
	b[1] = uint8(s.Range)
	binary.LittleEndian.PutUint16(b[2:], uint16(s.Duration))
	binary.LittleEndian.PutUint16(b[4:], uint16(s.ScanRate))
	binary.LittleEndian.PutUint16(b[6:], uint16(int16(s.Vertex0)))
	binary.LittleEndian.PutUint16(b[8:], uint16(int16(s.Vertex1)))
	binary.LittleEndian.PutUint16(b[10:], uint16(int16(s.Vertex2)))
	binary.LittleEndian.PutUint16(b[12:], uint16(s.Cycles))
	return b, nil
}

func (s *Setup) UnmarshalBinary(b []byte) error {
	if len(b) != SetupSize {
		return ErrSetupSize
	}
	*s = Setup{
		Type:     MeasurementType(b[0]),
		Range:    CurrentRange(b[1]),
		Duration: int(binary.LittleEndian.Uint16(b[2:])),
		ScanRate: int(binary.LittleEndian.Uint16(b[4:])),
		Vertex0:  int(int16(binary.LittleEndian.Uint16(b[6:]))),
		Vertex1:  int(int16(binary.LittleEndian.Uint16(b[8:]))),
		Vertex2:  int(int16(binary.LittleEndian.Uint16(b[10:]))),
		Cycles:   int(binary.LittleEndian.Uint16(b[12:])),
	}
	return s.Validate()
}

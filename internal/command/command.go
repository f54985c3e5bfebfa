// Package command packs and unpacks the 32-bit control words exchanged with
// the signal and potentiostat boards.
//
// Word layout (bit offsets):
//
//	SetupSignal: amplitude 8 @0 | frequency 10 @16 | waveform 3 @26 | opcode 3 @29
//	SetGain:     gain 2 @0                                          | opcode 3 @29
//	Reset:                                                            opcode 3 @29
//
// Decoding never applies a partially valid word: anything out of range is
// dropped without an error.
package command

import (
	"fmt"

	"github.com/ISF-H-BRS/ReDeX-sub001/internal/waveform"
)

// Opcode identifies the command carried in the top three bits of a word.
type Opcode uint8

const (
	OpSetupSignal Opcode = 0x01
	OpSetGain     Opcode = 0x02
	OpReset       Opcode = 0x07
)

const (
	opcodeOffset = 29
	opcodeMask   = 0x07

	waveformOffset = 26
	waveformMask   = 0x07

	frequencyOffset = 16
	frequencyMask   = 0x3ff

	amplitudeOffset = 0
	amplitudeMask   = 0xff

	gainOffset = 0
	gainMask   = 0x03
)

const (
	MinFrequency = 1
	MaxFrequency = 1000

	// Amplitudes travel as hundredths of a volt.
	AmplitudeScale   = 0.01
	MinAmplitudeCode = 0
	MaxAmplitudeCode = 150
	MinAmplitude     = MinAmplitudeCode * AmplitudeScale
	MaxAmplitude     = MaxAmplitudeCode * AmplitudeScale
)

// Command is a decoded control word.
type Command interface {
	Opcode() Opcode
}

// SetupSignal configures the waveform generator of one output.
type SetupSignal struct {
	Waveform  waveform.Waveform
	Frequency uint16  // Hz
	Amplitude float64 // V
}

func (SetupSignal) Opcode() Opcode { return OpSetupSignal }

// SetGain selects the current-sense resistor.
type SetGain struct {
	Gain Gain
}

func (SetGain) Opcode() Opcode { return OpSetGain }

// Reset returns the board to its power-on state.
type Reset struct{}

func (Reset) Opcode() Opcode { return OpReset }

func field(word uint32, offset uint, mask uint32) uint32 {
	return (word >> offset) & mask
}

// Decode extracts the command carried by word. It returns false for unknown
// opcodes and for any out-of-range field.
func Decode(word uint32) (Command, bool) {
	switch Opcode(field(word, opcodeOffset, opcodeMask)) {
	case OpSetupSignal:
		w := waveform.Waveform(field(word, waveformOffset, waveformMask))
		if !w.Valid() {
			return nil, false
		}
		freq := field(word, frequencyOffset, frequencyMask)
		if freq < MinFrequency || freq > MaxFrequency {
			return nil, false
		}
		amp := field(word, amplitudeOffset, amplitudeMask)
		if amp > MaxAmplitudeCode {
			return nil, false
		}
		return SetupSignal{
			Waveform:  w,
			Frequency: uint16(freq),
			Amplitude: float64(amp) * AmplitudeScale,
		}, true

	case OpSetGain:
		g := Gain(field(word, gainOffset, gainMask))
		if !g.Valid() {
			return nil, false
		}
		return SetGain{Gain: g}, true

	case OpReset:
		return Reset{}, true
	}
	return nil, false
}

// AmplitudeCode converts a voltage into its on-wire code, rounding to the
// nearest hundredth. The second result is false if the voltage is out of range.
func AmplitudeCode(v float64) (uint8, bool) {
	if v < MinAmplitude || v > MaxAmplitude {
		return 0, false
	}
	return uint8(v/AmplitudeScale + 0.5), true
}

// EncodeSetupSignal packs a signal setup. The caller must validate the
// arguments first; invalid values panic.
func EncodeSetupSignal(w waveform.Waveform, frequency uint16, amplitude float64) uint32 {
	if !w.Valid() {
		panic(fmt.Sprintf("command: invalid waveform %d", w))
	}
	if frequency < MinFrequency || frequency > MaxFrequency {
		panic(fmt.Sprintf("command: frequency %d out of range", frequency))
	}
	amp, ok := AmplitudeCode(amplitude)
	if !ok {
		panic(fmt.Sprintf("command: amplitude %.3f out of range", amplitude))
	}
	return uint32(OpSetupSignal)<<opcodeOffset |
		uint32(w)<<waveformOffset |
		uint32(frequency)<<frequencyOffset |
		uint32(amp)<<amplitudeOffset
}

// EncodeSetGain packs a gain selection. Invalid gains panic.
func EncodeSetGain(g Gain) uint32 {
	if !g.Valid() {
		panic(fmt.Sprintf("command: invalid gain %d", g))
	}
	return uint32(OpSetGain)<<opcodeOffset | uint32(g)<<gainOffset
}

// EncodeReset packs a reset command.
func EncodeReset() uint32 {
	return uint32(OpReset) << opcodeOffset
}

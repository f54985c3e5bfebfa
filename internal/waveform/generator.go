package waveform

import "math"

const (
	// DACMax is the largest code accepted by the 12-bit signal DAC.
	DACMax = 4095
	// DACMidRange is the code corresponding to 0 V output.
	DACMidRange = 2048
	// FullScale is the output voltage reached at DACMax relative to mid-range.
	FullScale = 1.65
)

// Generator produces the DAC sample stream for one output channel. It is
// driven once per sample period by the board main loop and is not safe for
// concurrent use.
type Generator struct {
	sampleRate float64
	waveform   Waveform
	frequency  float64
	amplitude  float64
	sample     uint64
}

// NewGenerator creates an idle generator running at sampleRate Hz.
func NewGenerator(sampleRate float64) *Generator {
	if sampleRate <= 0 {
		sampleRate = 100_000
	}
	return &Generator{sampleRate: sampleRate}
}

// Setup replaces the active waveform and restarts it at phase zero.
func (g *Generator) Setup(w Waveform, frequency, amplitude float64) {
	g.waveform = w
	g.frequency = frequency
	g.amplitude = amplitude
	g.sample = 0
}

// Reset returns the generator to a flat mid-range output.
func (g *Generator) Reset() {
	g.Setup(None, 0, 0)
}

func (g *Generator) Waveform() Waveform { return g.waveform }
func (g *Generator) Frequency() float64 { return g.frequency }
func (g *Generator) Amplitude() float64 { return g.amplitude }

// Next evaluates the waveform at the current sample time, advances the
// sample counter and returns the matching DAC code.
func (g *Generator) Next() uint16 {
	var v float64
	if g.waveform != None && g.frequency > 0 {
		t := float64(g.sample) / g.sampleRate
		v = Eval(g.waveform, t, g.frequency, g.amplitude, 0)
	}
	g.sample++
	return VoltageToCode(v)
}

// VoltageToCode converts a signed output voltage into a DAC code,
// saturating at the ends of the DAC range.
func VoltageToCode(v float64) uint16 {
	code := math.Round(DACMidRange + v/FullScale*DACMidRange)
	switch {
	case code < 0:
		return 0
	case code > DACMax:
		return DACMax
	}
	return uint16(code)
}

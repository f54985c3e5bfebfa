package waveform

import "math"

// Waveform selects the periodic function driven onto the signal DAC.
type Waveform uint8

const (
	None Waveform = iota
	Sine
	Square
	Triangle
	Sawtooth

	// Count is the number of defined waveforms. Any value >= Count is invalid.
	Count
)

var names = [Count]string{"none", "sine", "square", "triangle", "sawtooth"}

// Valid reports whether w is one of the defined waveforms.
func (w Waveform) Valid() bool { return w < Count }

func (w Waveform) String() string {
	if !w.Valid() {
		return "invalid"
	}
	return names[w]
}

// Parse maps a waveform name back to its value.
func Parse(name string) (Waveform, bool) {
	for i, n := range names {
		if n == name {
			return Waveform(i), true
		}
	}
	return None, false
}

const quickSineSize = 1000

// sineTable holds one full sine period. It is filled once during package
// initialisation and only read afterwards, so QuickSine is safe for
// concurrent use.
var sineTable = buildSineTable()

func buildSineTable() [quickSineSize]float64 {
	var t [quickSineSize]float64
	for i := range t {
		t[i] = math.Sin(2 * math.Pi * float64(i) / quickSineSize)
	}
	return t
}

// phase returns the fractional position of t within one period of frequency f.
func phase(t, f float64) float64 {
	p := math.Mod(t*f, 1)
	if p < 0 {
		p++
	}
	return p
}

// SineAt evaluates a sine wave directly.
func SineAt(t, f, amplitude, offset float64) float64 {
	return offset + amplitude*math.Sin(2*math.Pi*phase(t, f))
}

// QuickSine evaluates a sine wave through the precomputed lookup table.
// The result deviates from SineAt by at most the table quantisation error.
func QuickSine(t, f, amplitude, offset float64) float64 {
	idx := int(phase(t, f) * quickSineSize)
	if idx >= quickSineSize {
		idx = quickSineSize - 1
	}
	return offset + amplitude*sineTable[idx]
}

// SquareAt returns +amplitude for the first half period and -amplitude after.
func SquareAt(t, f, amplitude, offset float64) float64 {
	if phase(t, f) <= 0.5 {
		return offset + amplitude
	}
	return offset - amplitude
}

// TriangleAt rises from the offset to +amplitude in the first quarter period,
// falls to -amplitude by the third quarter and returns to the offset.
func TriangleAt(t, f, amplitude, offset float64) float64 {
	p := phase(t+0.25/f, f)
	var v float64
	if p < 0.5 {
		v = 4*p - 1
	} else {
		v = 3 - 4*p
	}
	return offset + amplitude*v
}

// SawtoothAt ramps linearly from -amplitude to +amplitude over one period.
func SawtoothAt(t, f, amplitude, offset float64) float64 {
	return offset + amplitude*(2*phase(t, f)-1)
}

// Eval dispatches to the evaluator for w. None and invalid waveforms
// produce the offset only. Sine uses the lookup table.
func Eval(w Waveform, t, f, amplitude, offset float64) float64 {
	switch w {
	case Sine:
		return QuickSine(t, f, amplitude, offset)
	case Square:
		return SquareAt(t, f, amplitude, offset)
	case Triangle:
		return TriangleAt(t, f, amplitude, offset)
	case Sawtooth:
		return SawtoothAt(t, f, amplitude, offset)
	default:
		return offset
	}
}

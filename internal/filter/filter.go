// Package filter builds symmetric windowed-sinc FIR filters and applies them
// to finite buffers or to samples arriving in chunks.
package filter

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/dsp/window"
	"gonum.org/v1/gonum/floats"
)

var (
	ErrTaps           = errors.New("filter: tap count must be odd and positive")
	ErrCutoff         = errors.New("filter: cutoff must lie in (0, 0.5) of the sample rate")
	ErrTapMismatch    = errors.New("filter: filters differ in length")
	ErrLengthMismatch = errors.New("filter: output length differs from input length")
)

// Window selects the taper applied to a truncated sinc kernel.
type Window int

const (
	None Window = iota
	Hamming
	Hann
	Blackman
)

func (w Window) String() string {
	switch w {
	case None:
		return "none"
	case Hamming:
		return "hamming"
	case Hann:
		return "hann"
	case Blackman:
		return "blackman"
	}
	return "unknown"
}

func (w Window) apply(seq []float64) {
	switch w {
	case Hamming:
		window.Hamming(seq)
	case Hann:
		window.Hann(seq)
	case Blackman:
		window.Blackman(seq)
	}
}

// Filter is an immutable set of FIR coefficients. Every constructor in this
// package yields an odd length, center-symmetric kernel.
type Filter struct {
	coeffs []float64
}

func checkTaps(taps int) error {
	if taps < 1 || taps%2 == 0 {
		return errors.Wrapf(ErrTaps, "got %d", taps)
	}
	return nil
}

func checkCutoff(fc float64) error {
	if !(fc > 0 && fc < 0.5) {
		return errors.Wrapf(ErrCutoff, "got %g", fc)
	}
	return nil
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	return math.Sin(math.Pi*x) / (math.Pi * x)
}

// Identity returns the kernel that passes its input unchanged.
func Identity(taps int) (*Filter, error) {
	if err := checkTaps(taps); err != nil {
		return nil, err
	}
	h := make([]float64, taps)
	h[taps/2] = 1
	return &Filter{coeffs: h}, nil
}

// LowPass returns a low-pass kernel with unity DC gain. cutoff is a fraction
// of the sample rate.
func LowPass(taps int, cutoff float64, w Window) (*Filter, error) {
	if err := checkTaps(taps); err != nil {
		return nil, err
	}
	if err := checkCutoff(cutoff); err != nil {
		return nil, err
	}
	m := taps / 2
	h := make([]float64, taps)
	for i := range h {
		h[i] = 2 * cutoff * sinc(2*cutoff*float64(i-m))
	}
	w.apply(h)
	floats.Scale(1/floats.Sum(h), h)
	return &Filter{coeffs: h}, nil
}

// HighPass is the spectral inversion of LowPass.
func HighPass(taps int, cutoff float64, w Window) (*Filter, error) {
	lp, err := LowPass(taps, cutoff, w)
	if err != nil {
		return nil, err
	}
	id, _ := Identity(taps)
	return id.Sub(lp)
}

// BandPass passes frequencies between low and high.
func BandPass(taps int, low, high float64, w Window) (*Filter, error) {
	if low >= high {
		return nil, errors.Wrapf(ErrCutoff, "band %g..%g is empty", low, high)
	}
	upper, err := LowPass(taps, high, w)
	if err != nil {
		return nil, err
	}
	lower, err := LowPass(taps, low, w)
	if err != nil {
		return nil, err
	}
	return upper.Sub(lower)
}

// BandStop suppresses frequencies between low and high.
func BandStop(taps int, low, high float64, w Window) (*Filter, error) {
	bp, err := BandPass(taps, low, high, w)
	if err != nil {
		return nil, err
	}
	id, _ := Identity(taps)
	return id.Sub(bp)
}

// Sub returns the coefficient-wise difference f - g.
func (f *Filter) Sub(g *Filter) (*Filter, error) {
	if len(f.coeffs) != len(g.coeffs) {
		return nil, errors.Wrapf(ErrTapMismatch, "%d and %d taps", len(f.coeffs), len(g.coeffs))
	}
	h := make([]float64, len(f.coeffs))
	floats.SubTo(h, f.coeffs, g.coeffs)
	return &Filter{coeffs: h}, nil
}

func (f *Filter) Len() int { return len(f.coeffs) }

// Delay is the group delay in samples.
func (f *Filter) Delay() int { return len(f.coeffs) / 2 }

// Coefficients returns a copy of the kernel.
func (f *Filter) Coefficients() []float64 {
	return append([]float64(nil), f.coeffs...)
}

// Response returns the magnitude response at freq, a fraction of the sample
// rate.
func (f *Filter) Response(freq float64) float64 {
	m := f.Delay()
	var sum float64
	for k, c := range f.coeffs {
		sum += c * math.Cos(2*math.Pi*freq*float64(k-m))
	}
	return math.Abs(sum)
}

// Apply filters in into out. The input is extended at both ends with its
// edge samples and the group delay is removed, so out[i] lines up with in[i].
func (f *Filter) Apply(in, out []float64) error {
	if len(in) != len(out) {
		return errors.Wrapf(ErrLengthMismatch, "%d in, %d out", len(in), len(out))
	}
	if len(in) == 0 {
		return nil
	}

	m := f.Delay()
	padded := make([]float64, 0, len(in)+2*m)
	for i := 0; i < m; i++ {
		padded = append(padded, in[0])
	}
	padded = append(padded, in...)
	for i := 0; i < m; i++ {
		padded = append(padded, in[len(in)-1])
	}

	n := len(f.coeffs)
	for i := range out {
		out[i] = floats.Dot(f.coeffs, padded[i:i+n])
	}
	return nil
}

// Stream returns an incremental filter that produces the same output as Apply
// over the concatenation of all updates.
func (f *Filter) Stream() *Stream {
	return &Stream{f: f, hist: make([]float64, 0, len(f.coeffs))}
}

// Stream filters samples delivered in chunks. Outputs lag inputs by the group
// delay until Finalize drains them.
type Stream struct {
	f    *Filter
	hist []float64
	last float64
	in   int
	out  int
}

func (s *Stream) push(x float64, dst []float64) []float64 {
	s.hist = append(s.hist, x)
	n := len(s.f.coeffs)
	if len(s.hist) < n {
		return dst
	}
	dst = append(dst, floats.Dot(s.f.coeffs, s.hist))
	copy(s.hist, s.hist[1:])
	s.hist = s.hist[:n-1]
	s.out++
	return dst
}

// Update consumes samples and returns the outputs that became available.
func (s *Stream) Update(samples []float64) []float64 {
	out := make([]float64, 0, len(samples))
	for _, x := range samples {
		if s.in == 0 {
			for i := 0; i < s.f.Delay(); i++ {
				s.hist = append(s.hist, x)
			}
		}
		s.in++
		s.last = x
		out = s.push(x, out)
	}
	return out
}

// Pending is the number of inputs whose output has not been produced yet.
func (s *Stream) Pending() int { return s.in - s.out }

// Finalize replays the last sample to flush the history, returns exactly
// Pending outputs and resets the stream.
func (s *Stream) Finalize() []float64 {
	if s.in == 0 {
		return nil
	}
	out := make([]float64, 0, s.Pending())
	for i := 0; i < s.f.Delay(); i++ {
		out = s.push(s.last, out)
	}
	s.hist = s.hist[:0]
	s.in, s.out = 0, 0
	return out
}

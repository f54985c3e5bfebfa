package filter

const (
	VoltammogramTaps = 121

	// The stop band covers the 50, 100 and 150 Hz mains harmonics.
	mainsLow  = 45.0
	mainsHigh = 155.0
	lowCutoff = 180.0
)

// Voltammogram builds the composite filter applied to measured currents:
// a mains stop band minus a 180 Hz low pass, both unwindowed. The result
// has zero DC gain. sampleRate is in Hz and must exceed 360 Hz.
func Voltammogram(sampleRate float64) (*Filter, error) {
	stop, err := BandStop(VoltammogramTaps, mainsLow/sampleRate, mainsHigh/sampleRate, None)
	if err != nil {
		return nil, err
	}
	lp, err := LowPass(VoltammogramTaps, lowCutoff/sampleRate, None)
	if err != nil {
		return nil, err
	}
	return stop.Sub(lp)
}

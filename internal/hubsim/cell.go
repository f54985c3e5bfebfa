package hubsim

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/ISF-H-BRS/ReDeX-sub001/internal/firmware"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/potentiostat"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/protocol"
)

// Cell is a crude electrochemical cell: an ohmic path in parallel with a
// reversible redox couple that produces an anodic peak on the forward scan
// and a cathodic one on the way back.
type Cell struct {
	Resistance float64 // Ω
	E0         float64 // mV, formal potential
	PeakWidth  float64 // mV
	PeakHeight float64 // A
	Noise      float64 // A, standard deviation
}

func DefaultCell() Cell {
	return Cell{
		Resistance: 100e3,
		E0:         150,
		PeakWidth:  60,
		PeakHeight: 40e-6,
		Noise:      0.2e-6,
	}
}

// Current returns the cell current at mV. dir is +1 while the potential
// rises and -1 while it falls.
func (c Cell) Current(mV, dir float64, rng *rand.Rand) float64 {
	i := mV / 1000 / c.Resistance
	x := (mV - c.E0) / c.PeakWidth
	i += dir * c.PeakHeight * math.Exp(-x*x)
	if rng != nil && c.Noise > 0 {
		i += rng.NormFloat64() * c.Noise
	}
	return i
}

// cellADC samples the simulated cell at the potential the board's
// sequencer is driving.
type cellADC struct {
	cell  Cell
	rng   *rand.Rand
	seq   *potentiostat.Sequencer
	last  int16
	dir   float64
	scale potentiostat.CurrentRange
}

func (a *cellADC) Read() (int16, int16) {
	code := a.seq.Value()
	// DAC polarity is inverted: a falling code is a rising potential.
	switch {
	case code < a.last:
		a.dir = 1
	case code > a.last:
		a.dir = -1
	}
	a.last = code

	mV := a.seq.Potential()
	i := a.cell.Current(mV, a.dir, a.rng)
	return firmware.VoltsToCounts(mV / 1000), firmware.AmpsToCounts(i, a.scale)
}

type nopDAC struct{}

func (nopDAC) Write(int, uint16) {}

type nopMux struct{}

func (nopMux) Select(int, bool, bool) {}

// maxRunTicks guards the fast-forward loop against a setup that never
// completes.
const maxRunTicks = 10_000_000

// RunScan runs a potentiostat board against the cell with manual timer
// ticks and returns every decimate-th sample.
func RunScan(setup potentiostat.Setup, cell Cell, rng *rand.Rand, decimate int) (protocol.Voltammogram, error) {
	if decimate < 1 {
		decimate = 1
	}

	var (
		samples []firmware.Sample
		final   bool
	)
	adc := &cellADC{cell: cell, rng: rng, dir: 1, scale: setup.Range}
	board := firmware.NewPotentiostatBoard(nopDAC{}, nopMux{}, adc, func(b firmware.Batch) {
		samples = append(samples, b.Samples...)
		final = b.Final
	}, nil)
	adc.seq = board.Sequencer()

	if err := board.Prepare(setup); err != nil {
		return protocol.Voltammogram{}, errors.Wrap(err, "prepare scan")
	}
	adc.last = adc.seq.Value()

	for i := 0; !final; i++ {
		if i >= maxRunTicks {
			board.Stop()
			return protocol.Voltammogram{}, errors.New("scan did not complete")
		}
		board.Timer().Fire()
		board.Update()
	}

	var v protocol.Voltammogram
	for i := 0; i < len(samples); i += decimate {
		v.Voltages = append(v.Voltages, firmware.CountsToVolts(samples[i].Voltage))
		v.Currents = append(v.Currents, firmware.CountsToAmps(samples[i].Current, setup.Range))
	}
	return v, nil
}

package command

import "fmt"

// Gain selects one of the four current-sense resistors through a 2-line
// analog mux.
type Gain uint8

const (
	Gain100 Gain = iota
	Gain1k
	Gain10k
	Gain100k

	gainCount
)

var gainOhms = [gainCount]float64{100, 1_000, 10_000, 100_000}

func (g Gain) Valid() bool { return g < gainCount }

// Ohms returns the resistor value selected by g.
func (g Gain) Ohms() float64 {
	if !g.Valid() {
		return 0
	}
	return gainOhms[g]
}

// MuxLines returns the state of mux select lines A0 and A1.
func (g Gain) MuxLines() (a0, a1 bool) {
	return g&0x01 != 0, g&0x02 != 0
}

func (g Gain) String() string {
	switch g {
	case Gain100:
		return "100R"
	case Gain1k:
		return "1k"
	case Gain10k:
		return "10k"
	case Gain100k:
		return "100k"
	}
	return fmt.Sprintf("gain(%d)", uint8(g))
}

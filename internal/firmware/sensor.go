package firmware

import (
	"fmt"
	"math"
)

// SensorKind tags the probe attached to a sensor interface channel.
type SensorKind uint8

const (
	SensorNone SensorKind = iota
	SensorPhOrp
	SensorTemperature
)

func (k SensorKind) String() string {
	switch k {
	case SensorNone:
		return "none"
	case SensorPhOrp:
		return "ph-orp"
	case SensorTemperature:
		return "temperature"
	}
	return fmt.Sprintf("sensor(%d)", uint8(k))
}

const (
	// NernstSlope is the pH electrode slope at 25 °C, in mV per pH unit.
	NernstSlope = 59.16

	// PT1000 coefficients.
	rtdR0    = 1000.0
	rtdAlpha = 3.9083e-3
	rtdBeta  = -5.775e-7

	sensorSmoothing = 0.1
)

// PhOrpReading is what a combined pH/ORP probe reports.
type PhOrpReading struct {
	PH  float64
	ORP float64 // mV
}

// Sensor is a tagged union over the probe types. Only the state of the
// active kind is meaningful; switching kind resets it.
type Sensor struct {
	kind SensorKind

	phOrp       PhOrpReading
	temperature float64 // °C
	primed      bool
}

func NewSensor(kind SensorKind) *Sensor {
	s := &Sensor{}
	s.SetKind(kind)
	return s
}

func (s *Sensor) Kind() SensorKind { return s.kind }

// SetKind switches the probe type and clears the previous state.
func (s *Sensor) SetKind(kind SensorKind) {
	*s = Sensor{kind: kind}
}

// Update feeds raw channel values: electrode mV and ORP mV for a pH/ORP
// probe, or RTD resistance in ohms for a temperature probe. Readings are
// exponentially smoothed.
func (s *Sensor) Update(a, b float64) {
	switch s.kind {
	case SensorPhOrp:
		r := PhOrpReading{PH: 7 - a/NernstSlope, ORP: b}
		if !s.primed {
			s.phOrp = r
		} else {
			s.phOrp.PH += sensorSmoothing * (r.PH - s.phOrp.PH)
			s.phOrp.ORP += sensorSmoothing * (r.ORP - s.phOrp.ORP)
		}
	case SensorTemperature:
		t := RTDTemperature(a)
		if !s.primed {
			s.temperature = t
		} else {
			s.temperature += sensorSmoothing * (t - s.temperature)
		}
	default:
		return
	}
	s.primed = true
}

// PhOrp returns the current reading; ok is false for other probe kinds.
func (s *Sensor) PhOrp() (PhOrpReading, bool) {
	return s.phOrp, s.kind == SensorPhOrp && s.primed
}

// Temperature returns °C; ok is false for other probe kinds.
func (s *Sensor) Temperature() (float64, bool) {
	return s.temperature, s.kind == SensorTemperature && s.primed
}

// RTDTemperature inverts the Callendar–Van Dusen equation for T >= 0 °C.
func RTDTemperature(ohms float64) float64 {
	disc := rtdAlpha*rtdAlpha - 4*rtdBeta*(1-ohms/rtdR0)
	return (-rtdAlpha + math.Sqrt(disc)) / (2 * rtdBeta)
}

// RTDResistance is the forward Callendar–Van Dusen equation for T >= 0 °C.
func RTDResistance(celsius float64) float64 {
	return rtdR0 * (1 + rtdAlpha*celsius + rtdBeta*celsius*celsius)
}

// Package protocol implements the hub line protocol: CRLF-terminated ASCII
// frames whose tokens are separated by the unit separator (0x1F) and whose
// composite values are separated by ';'. Every frame starts with a
// bracketed tag such as <NODE_INFO>.
package protocol

import (
	"fmt"
	"strings"
)

// NodeInfo identifies one node attached to the hub.
type NodeInfo struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// SensorInfo wires one sensor channel to a node input.
type SensorInfo struct {
	ID     string `json:"id"`
	NodeID string `json:"nodeId"`
	Input  int    `json:"input"`
}

// TestpointInfo aggregates the five sensor channels of a testpoint in
// their fixed wire order.
type TestpointInfo struct {
	ID           string     `json:"id"`
	Conductance  SensorInfo `json:"conductance"`
	ORP          SensorInfo `json:"orp"`
	PH           SensorInfo `json:"ph"`
	Potentiostat SensorInfo `json:"potentiostat"`
	Temperature  SensorInfo `json:"temperature"`
}

// Sensors returns the sensor channels in wire order.
func (t TestpointInfo) Sensors() [5]SensorInfo {
	return [5]SensorInfo{t.Conductance, t.ORP, t.PH, t.Potentiostat, t.Temperature}
}

// AlarmType is what tripped an alarm.
type AlarmType uint8

const (
	Overvoltage AlarmType = iota
	Undervoltage
	Overcurrent
	Overheat
)

var alarmTypeNames = []string{"overvoltage", "undervoltage", "overcurrent", "overheat"}

func (t AlarmType) String() string {
	if int(t) < len(alarmTypeNames) {
		return alarmTypeNames[t]
	}
	return fmt.Sprintf("alarm(%d)", uint8(t))
}

func (t AlarmType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// AlarmSeverity grades an alarm.
type AlarmSeverity uint8

const (
	Warning AlarmSeverity = iota
	Critical
)

var severityNames = []string{"warning", "critical"}

func (s AlarmSeverity) String() string {
	if int(s) < len(severityNames) {
		return severityNames[s]
	}
	return fmt.Sprintf("severity(%d)", uint8(s))
}

func (s AlarmSeverity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Alarm is a hub or node alarm.
type Alarm struct {
	Type     AlarmType     `json:"type"`
	Severity AlarmSeverity `json:"severity"`
}

func (a Alarm) String() string { return a.Type.String() + "/" + a.Severity.String() }

func parseEnum(names []string, s string) (int, bool) {
	for i, n := range names {
		if strings.EqualFold(n, s) {
			return i, true
		}
	}
	return 0, false
}

// ParseAlarm parses the "type;severity" composite. Literals are matched
// case-insensitively.
func ParseAlarm(typ, severity string) (Alarm, bool) {
	t, ok := parseEnum(alarmTypeNames, typ)
	if !ok {
		return Alarm{}, false
	}
	s, ok := parseEnum(severityNames, severity)
	if !ok {
		return Alarm{}, false
	}
	return Alarm{Type: AlarmType(t), Severity: AlarmSeverity(s)}, true
}

// MeasurementStatus is the hub's measurement state as reported by <STATUS>.
type MeasurementStatus uint8

const (
	MeasurementStarted MeasurementStatus = iota
	MeasurementStopped
	MeasurementError
)

func (s MeasurementStatus) String() string {
	switch s {
	case MeasurementStarted:
		return "started"
	case MeasurementStopped:
		return "stopped"
	}
	return "error"
}

func (s MeasurementStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// NodeStatus is the power report of one node.
type NodeStatus struct {
	Voltage     float64 `json:"voltage"`     // V
	Current     float64 `json:"current"`     // A
	Temperature float64 `json:"temperature"` // °C
}

// Conductance is one conductivity reading.
type Conductance struct {
	Conductance float64 `json:"conductance"` // S
	Resistance  float64 `json:"resistance"`  // Ω
	Temperature float64 `json:"temperature"` // °C
}

// Voltammogram is a potentiostat sweep. Voltages and Currents have equal length.
type Voltammogram struct {
	Voltages []float64 `json:"voltages"` // V
	Currents []float64 `json:"currents"` // A
}

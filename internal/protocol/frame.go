package protocol

import (
	"bytes"
	"strconv"
	"strings"
)

const (
	UnitSeparator  = '\x1f'
	ValueSeparator = ';'
	Terminator     = "\r\n"

	// MaxFrameSize bounds the accumulator. A line that grows past it
	// without a terminator is a fatal stream error.
	MaxFrameSize = 64 * 1024

	// MaxPreambleSize bounds the handshake line.
	MaxPreambleSize = 256
)

// Hub to client tags.
const (
	TagWelcome       = "<WELCOME>"
	TagNodeInfo      = "<NODE_INFO>"
	TagTestpointInfo = "<TESTPOINT_INFO>"
	TagHubAlarm      = "<HUB_ALARM>"
	TagNodeAlarm     = "<NODE_ALARM>"
	TagHubStatus     = "<HUB_STATUS>"
	TagNodeStatus    = "<NODE_STATUS>"
	TagStatus        = "<STATUS>"
	TagError         = "<ERROR>"
	TagVoltammogram  = "<VOLTAMMOGRAM>"
	TagConductance   = "<CONDUCTANCE>"
	TagORP           = "<ORP>"
	TagPH            = "<PH>"
	TagTemperature   = "<TEMPERATURE>"
)

// Client to hub requests. They carry no arguments.
const (
	CmdGetNodeInfo       = "<GET_NODE_INFO>"
	CmdGetTestpointInfo  = "<GET_TESTPOINT_INFO>"
	CmdStartPowerMonitor = "<START_POWER_MONITOR>"
	CmdStopPowerMonitor  = "<STOP_POWER_MONITOR>"
	CmdStartMeasurement  = "<START_MEASUREMENT>"
	CmdStopMeasurement   = "<STOP_MEASUREMENT>"
)

// Status literals carried by <STATUS>.
const (
	StatusRunning = "running"
	StatusIdle    = "idle"
)

// Command returns the wire form of a request tag.
func Command(tag string) []byte {
	return []byte(tag + Terminator)
}

// Frame builds a complete frame from a tag and its tokens.
func Frame(tag string, tokens ...string) []byte {
	var b bytes.Buffer
	b.WriteString(tag)
	for _, t := range tokens {
		b.WriteByte(UnitSeparator)
		b.WriteString(t)
	}
	b.WriteString(Terminator)
	return b.Bytes()
}

// Join builds a composite token.
func Join(values ...string) string {
	return strings.Join(values, string(ValueSeparator))
}

// FormatFloat renders a value the way the hub does.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// JoinFloats renders a ';'-separated number list.
func JoinFloats(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = FormatFloat(v)
	}
	return Join(parts...)
}

// SplitLine splits one complete frame into tag and tokens. The terminator
// must already be stripped.
func SplitLine(line string) (tag string, tokens []string) {
	parts := strings.Split(line, string(UnitSeparator))
	return parts[0], parts[1:]
}

// ParsePreamble looks for the handshake line at the start of buf. It
// returns the bytes following the preamble once a full line is present,
// ok=false while more data is needed, or ErrHandshake for anything other
// than <WELCOME>. The welcome line may carry a version token.
func ParsePreamble(buf []byte) (version string, rest []byte, ok bool, err error) {
	i := bytes.Index(buf, []byte(Terminator))
	if i < 0 {
		if len(buf) > MaxPreambleSize {
			return "", nil, false, ErrHandshake
		}
		return "", nil, false, nil
	}
	if i > MaxPreambleSize {
		return "", nil, false, ErrHandshake
	}
	tag, tokens := SplitLine(string(buf[:i]))
	if tag != TagWelcome || len(tokens) > 1 {
		return "", nil, false, ErrHandshake
	}
	if len(tokens) == 1 {
		version = tokens[0]
	}
	return version, buf[i+len(Terminator):], true, nil
}

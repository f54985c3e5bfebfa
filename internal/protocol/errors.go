package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Fatal, connection-level errors.
var (
	ErrFrameTooLong = errors.New("protocol: frame exceeds maximum size")
	ErrHandshake    = errors.New("protocol: invalid preamble")
)

// Frame-level errors. They are wrapped in a *FrameError and never close
// the connection.
var (
	ErrMissingTag     = errors.New("missing tag")
	ErrUnknownTag     = errors.New("unknown tag")
	ErrTokenCount     = errors.New("unexpected token count")
	ErrValueCount     = errors.New("unexpected value count")
	ErrEmptyID        = errors.New("empty identifier")
	ErrBadNumber      = errors.New("invalid number")
	ErrBadEnum        = errors.New("invalid enum literal")
	ErrLengthMismatch = errors.New("voltage and current lengths differ")
)

// FrameError reports a malformed frame. The frame is discarded.
type FrameError struct {
	Tag string
	Err error
}

func (e *FrameError) Error() string {
	if e.Tag == "" {
		return "protocol: " + e.Err.Error()
	}
	return fmt.Sprintf("protocol: %s: %v", e.Tag, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

// IsFrameError reports whether err is a recoverable frame-level error.
func IsFrameError(err error) bool {
	var fe *FrameError
	return errors.As(err, &fe)
}

// DeviceError is a failure reported by the hub through an <ERROR> frame.
// It is passed to the listener as text; the type is used when the message
// is forwarded as an error value.
type DeviceError struct {
	Code    int // 0 when the hub sent free text
	Message string
}

func (e *DeviceError) Error() string { return "device: " + e.Message }

// Hub error codes carried by <ERROR> frames.
const (
	CodeInvalidCommand    = 1
	CodeAlreadyRunning    = 2
	CodeNotRunning        = 3
	CodeNodeTimeout       = 4
	CodeNoTestpoints      = 5
	CodeSensorUnavailable = 6
	CodePowerMonitor      = 7
	CodeHardwareFault     = 8
	CodeCalibration       = 9
	CodeBusy              = 10
)

var errorTexts = map[int]string{
	CodeInvalidCommand:    "Invalid command",
	CodeAlreadyRunning:    "Measurement already running",
	CodeNotRunning:        "No measurement running",
	CodeNodeTimeout:       "Node not responding",
	CodeNoTestpoints:      "No testpoints configured",
	CodeSensorUnavailable: "Sensor not available",
	CodePowerMonitor:      "Power monitor not available",
	CodeHardwareFault:     "Hardware fault",
	CodeCalibration:       "Invalid calibration data",
	CodeBusy:              "Hub busy",
}

// ErrorText maps a hub error code to a readable message. Unknown codes
// produce a generic message.
func ErrorText(code int) string {
	if s, ok := errorTexts[code]; ok {
		return s
	}
	return fmt.Sprintf("unknown error code %d", code)
}

// ParseDeviceError interprets an <ERROR> payload. Numeric payloads are
// looked up in the code table; anything else is taken verbatim.
func ParseDeviceError(payload string) *DeviceError {
	payload = strings.TrimSpace(payload)
	if code, err := strconv.Atoi(payload); err == nil {
		return &DeviceError{Code: code, Message: ErrorText(code)}
	}
	return &DeviceError{Message: payload}
}

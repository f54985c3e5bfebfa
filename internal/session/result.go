package session

import (
	"github.com/pkg/errors"

	"github.com/ISF-H-BRS/ReDeX-sub001/internal/protocol"
)

var (
	ErrConnectionFailed = errors.New("session: connection failed")
	ErrConnectionLost   = errors.New("session: connection lost")
	ErrHandshakeTimeout = errors.New("session: timed out waiting for preamble")
	ErrClosed           = errors.New("session: closed")
)

// Result is the compact status code handed to embedding hosts.
type Result int

const (
	Success Result = iota
	ConnectionFailed
	ConnectionLost
	InvalidData
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case ConnectionFailed:
		return "connection failed"
	case ConnectionLost:
		return "connection lost"
	case InvalidData:
		return "invalid data"
	}
	return "unknown"
}

// ResultOf classifies an error returned by this package.
func ResultOf(err error) Result {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, ErrConnectionLost), errors.Is(err, ErrClosed):
		return ConnectionLost
	case errors.Is(err, protocol.ErrFrameTooLong), protocol.IsFrameError(err):
		return InvalidData
	}
	return ConnectionFailed
}

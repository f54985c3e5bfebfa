// Package device is the host side driver for the signal and potentiostat
// boards. Commands travel as vendor control requests; the potentiostat
// streams sample batches over a bulk endpoint.
package device

import (
	"context"

	"github.com/pkg/errors"
)

// Vendor requests understood by the boards.
const (
	RequestCommand uint8 = 0x01
	RequestSetup   uint8 = 0x02
	RequestStart   uint8 = 0x03
	RequestStop    uint8 = 0x04
	RequestOffset  uint8 = 0x05

	// vendor type, device recipient, host to device
	requestTypeOut uint8 = 0x40
)

var (
	ErrInvalidArgument = errors.New("device: invalid argument")
	ErrShortWrite      = errors.New("device: short control transfer")
	// ErrOverflow is returned by a BulkReader when the device sent more
	// than the buffer could take. Capture treats it as transient.
	ErrOverflow = errors.New("device: transfer overflow")
)

// Controller issues control transfers. *gousb.Device satisfies it.
type Controller interface {
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
}

// BulkReader reads one bulk transfer.
type BulkReader interface {
	ReadContext(ctx context.Context, buf []byte) (int, error)
}

func control(c Controller, request uint8, val uint16, data []byte) error {
	n, err := c.Control(requestTypeOut, request, val, 0, data)
	if err != nil {
		return errors.Wrapf(err, "control request 0x%02x", request)
	}
	if n != len(data) {
		return errors.Wrapf(ErrShortWrite, "request 0x%02x: %d of %d bytes", request, n, len(data))
	}
	return nil
}

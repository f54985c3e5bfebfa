// Package usb opens a board through libusb. The returned Device satisfies
// device.Controller and device.BulkReader.
package usb

import (
	"context"

	"github.com/google/gousb"
	"github.com/pkg/errors"

	"github.com/ISF-H-BRS/ReDeX-sub001/internal/device"
)

var ErrNotFound = errors.New("usb: device not found")

// Default identifiers of the measurement boards.
const (
	DefaultVendorID  = 0x1209
	DefaultProductID = 0x4e44
	DefaultEndpoint  = 1
)

type Device struct {
	ctx   *gousb.Context
	dev   *gousb.Device
	intf  *gousb.Interface
	close func()
	in    *gousb.InEndpoint
}

// Open claims the default interface of the first device matching vid:pid
// and its bulk IN endpoint.
func Open(vid, pid uint16, endpoint int) (*Device, error) {
	ctx := gousb.NewContext()

	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		ctx.Close()
		return nil, errors.Wrapf(err, "open %04x:%04x", vid, pid)
	}
	if dev == nil {
		ctx.Close()
		return nil, errors.Wrapf(ErrNotFound, "%04x:%04x", vid, pid)
	}
	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		ctx.Close()
		return nil, errors.Wrap(err, "auto detach")
	}

	intf, done, err := dev.DefaultInterface()
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, errors.Wrap(err, "claim interface")
	}
	in, err := intf.InEndpoint(endpoint)
	if err != nil {
		done()
		dev.Close()
		ctx.Close()
		return nil, errors.Wrapf(err, "endpoint %d", endpoint)
	}
	return &Device{ctx: ctx, dev: dev, intf: intf, close: done, in: in}, nil
}

func (d *Device) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	return d.dev.Control(rType, request, val, idx, data)
}

// ReadContext reads one bulk transfer. libusb overflows are reported as
// device.ErrOverflow.
func (d *Device) ReadContext(ctx context.Context, buf []byte) (int, error) {
	n, err := d.in.ReadContext(ctx, buf)
	if errors.Is(err, gousb.TransferOverflow) {
		return n, device.ErrOverflow
	}
	return n, err
}

func (d *Device) Close() error {
	d.close()
	err := d.dev.Close()
	if cerr := d.ctx.Close(); err == nil {
		err = cerr
	}
	return err
}

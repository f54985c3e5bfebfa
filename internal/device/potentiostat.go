package device

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ISF-H-BRS/ReDeX-sub001/internal/firmware"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/logging"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/potentiostat"
)

const (
	// transferSize holds the largest batch the board sends.
	transferSize = 512
	// retryDelay paces the capture loop after a failed transfer.
	retryDelay = 10 * time.Millisecond
)

// Listener receives captured data in volts and amperes. All calls come from
// the capture goroutine.
type Listener interface {
	OnData(voltages, currents []float64)
	OnFinished()
	OnError(err error)
}

type nopListener struct{}

func (nopListener) OnData([]float64, []float64) {}
func (nopListener) OnFinished()                 {}
func (nopListener) OnError(error)               {}

// Potentiostat controls a potentiostat board and captures its sample
// batches.
type Potentiostat struct {
	ctl Controller
	in  BulkReader
	log *logrus.Entry

	mu            sync.Mutex
	l             Listener
	voltageOffset float64
	currentOffset float64
	cancel        context.CancelFunc
	done          chan struct{}
	stopped       bool
}

func NewPotentiostat(ctl Controller, in BulkReader, l Listener, log *logrus.Entry) *Potentiostat {
	if l == nil {
		l = nopListener{}
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Potentiostat{ctl: ctl, in: in, l: l, log: log}
}

// SetListener replaces the listener used by the next StartMeasurement.
func (p *Potentiostat) SetListener(l Listener) {
	if l == nil {
		l = nopListener{}
	}
	p.mu.Lock()
	p.l = l
	p.mu.Unlock()
}

// SetADCOffsets sets the offsets subtracted from captured samples.
func (p *Potentiostat) SetADCOffsets(voltage, current float64) {
	p.mu.Lock()
	p.voltageOffset = voltage
	p.currentOffset = current
	p.mu.Unlock()
}

// SetDACOffset stores a calibration offset, in LSB, on the board.
func (p *Potentiostat) SetDACOffset(lsb int16) error {
	return control(p.ctl, RequestOffset, uint16(lsb), nil)
}

// Running reports whether a capture goroutine is active.
func (p *Potentiostat) Running() bool {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// StartMeasurement waits for any previous capture to end, loads setup on the
// board, starts it and launches the capture goroutine.
func (p *Potentiostat) StartMeasurement(setup potentiostat.Setup) error {
	block, err := setup.MarshalBinary()
	if err != nil {
		return errors.Wrap(err, "invalid setup")
	}

	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}

	if err := control(p.ctl, RequestSetup, 0, block); err != nil {
		return err
	}
	if err := control(p.ctl, RequestStart, 0, nil); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done = make(chan struct{})

	p.mu.Lock()
	p.cancel, p.done = cancel, done
	p.stopped = false
	l := p.l
	p.mu.Unlock()

	p.log.Infof("%s started", setup.Type)
	go p.capture(ctx, setup.Range, l, done)
	return nil
}

// StopMeasurement stops the board and signals the capture goroutine. It may
// be called from a listener callback; Close waits for the goroutine.
func (p *Potentiostat) StopMeasurement() error {
	p.mu.Lock()
	cancel := p.cancel
	p.stopped = true
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return control(p.ctl, RequestStop, 0, nil)
}

// Close stops any capture and waits until its goroutine has exited.
func (p *Potentiostat) Close() error {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()

	var err error
	if p.Running() && !stopped {
		err = p.StopMeasurement()
	}
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return err
}

// capture owns the transfer buffer until done is closed.
func (p *Potentiostat) capture(ctx context.Context, r potentiostat.CurrentRange, l Listener, done chan struct{}) {
	release := sync.OnceFunc(func() { close(done) })
	defer release()

	buf := make([]byte, transferSize)
	for {
		n, err := p.in.ReadContext(ctx, buf)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if errors.Is(err, ErrOverflow) {
				p.log.Warn("transfer overflow")
				continue
			}
			l.OnError(errors.Wrap(err, "bulk read"))
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
			}
			continue
		}

		var b firmware.Batch
		if err := b.UnmarshalBinary(buf[:n]); err != nil {
			l.OnError(err)
			continue
		}

		if len(b.Samples) > 0 {
			p.mu.Lock()
			vOff, iOff := p.voltageOffset, p.currentOffset
			p.mu.Unlock()

			voltages := make([]float64, len(b.Samples))
			currents := make([]float64, len(b.Samples))
			for i, s := range b.Samples {
				voltages[i] = firmware.CountsToVolts(s.Voltage) - vOff
				currents[i] = firmware.CountsToAmps(s.Current, r) - iOff
			}
			l.OnData(voltages, currents)
		}

		if b.Final {
			p.log.Info("measurement finished")
			release()
			l.OnFinished()
			return
		}
	}
}

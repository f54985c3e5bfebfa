package device

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ISF-H-BRS/ReDeX-sub001/internal/command"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/logging"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/waveform"
)

// SignalBoard drives the excitation outputs of the conductance board.
// Arguments are checked here because the board drops invalid words silently.
type SignalBoard struct {
	mu  sync.Mutex
	ctl Controller
	log *logrus.Entry
}

func NewSignalBoard(ctl Controller, log *logrus.Entry) *SignalBoard {
	if log == nil {
		log = logging.Discard()
	}
	return &SignalBoard{ctl: ctl, log: log}
}

func (b *SignalBoard) SetupSignal(input uint8, w waveform.Waveform, frequency uint16, amplitude float64) error {
	if !w.Valid() {
		return errors.Wrapf(ErrInvalidArgument, "waveform %d", w)
	}
	if frequency < command.MinFrequency || frequency > command.MaxFrequency {
		return errors.Wrapf(ErrInvalidArgument, "frequency %d Hz", frequency)
	}
	if _, ok := command.AmplitudeCode(amplitude); !ok {
		return errors.Wrapf(ErrInvalidArgument, "amplitude %.3f V", amplitude)
	}
	return b.send(input, command.EncodeSetupSignal(w, frequency, amplitude))
}

func (b *SignalBoard) SetGain(input uint8, g command.Gain) error {
	if !g.Valid() {
		return errors.Wrapf(ErrInvalidArgument, "gain %d", g)
	}
	return b.send(input, command.EncodeSetGain(g))
}

func (b *SignalBoard) Reset(input uint8) error {
	return b.send(input, command.EncodeReset())
}

func (b *SignalBoard) send(input uint8, word uint32) error {
	data, _ := command.Packet{Input: input, Word: word}.MarshalBinary()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := control(b.ctl, RequestCommand, 0, data); err != nil {
		return err
	}
	b.log.Debugf("input %d: sent 0x%08x", input, word)
	return nil
}

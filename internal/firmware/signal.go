package firmware

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ISF-H-BRS/ReDeX-sub001/internal/command"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/logging"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/waveform"
)

// DAC is an analog output with one or more channels.
type DAC interface {
	Write(channel int, code uint16)
}

// Mux drives the gain select lines of one channel.
type Mux interface {
	Select(channel int, a0, a1 bool)
}

type signalChannel struct {
	gen  *waveform.Generator
	gain command.Gain
}

// SignalBoard is the signal generator firmware: one waveform generator and
// one gain mux per input, updated on every timer period.
type SignalBoard struct {
	sampleRate float64
	channels   []*signalChannel
	timer      *Timer
	dac        DAC
	mux        Mux
	log        *logrus.Entry
}

// NewSignalBoard creates a board with the given number of inputs.
func NewSignalBoard(inputs int, sampleRate float64, dac DAC, mux Mux, log *logrus.Entry) *SignalBoard {
	if log == nil {
		log = logging.Discard()
	}
	b := &SignalBoard{
		sampleRate: sampleRate,
		timer:      NewTimer(),
		dac:        dac,
		mux:        mux,
		log:        log,
	}
	for i := 0; i < inputs; i++ {
		b.channels = append(b.channels, &signalChannel{gen: waveform.NewGenerator(sampleRate)})
	}
	b.resetAll()
	return b
}

// Timer exposes the board timer so a simulation can fire it manually.
func (b *SignalBoard) Timer() *Timer { return b.timer }

// Start runs the sample timer at the board sample rate.
func (b *SignalBoard) Start() {
	b.timer.Start(time.Duration(float64(time.Second) / b.sampleRate))
}

func (b *SignalBoard) Stop() { b.timer.Stop() }

// HandlePacket applies a control transfer payload. Malformed payloads,
// unknown inputs and invalid words are dropped silently.
func (b *SignalBoard) HandlePacket(data []byte) bool {
	var p command.Packet
	if err := p.UnmarshalBinary(data); err != nil {
		return false
	}
	return b.HandleCommand(int(p.Input), p.Word)
}

// HandleCommand decodes and applies a command word to one input.
func (b *SignalBoard) HandleCommand(input int, word uint32) bool {
	if input < 0 || input >= len(b.channels) {
		return false
	}
	cmd, ok := command.Decode(word)
	if !ok {
		return false
	}
	ch := b.channels[input]

	switch c := cmd.(type) {
	case command.SetupSignal:
		ch.gen.Setup(c.Waveform, float64(c.Frequency), c.Amplitude)
		b.log.Debugf("input %d: %s %d Hz %.2f V", input, c.Waveform, c.Frequency, c.Amplitude)
	case command.SetGain:
		b.setGain(input, c.Gain)
	case command.Reset:
		b.resetAll()
		b.log.Debug("reset")
	}
	return true
}

func (b *SignalBoard) setGain(input int, g command.Gain) {
	b.channels[input].gain = g
	a0, a1 := g.MuxLines()
	b.mux.Select(input, a0, a1)
}

func (b *SignalBoard) resetAll() {
	for i, ch := range b.channels {
		ch.gen.Reset()
		b.setGain(i, command.Gain100)
	}
}

// Update writes the next sample of every input if a timer period elapsed.
// It returns false when there was nothing to do.
func (b *SignalBoard) Update() bool {
	if !b.timer.TakeElapsed() {
		return false
	}
	for i, ch := range b.channels {
		b.dac.Write(i, ch.gen.Next())
	}
	return true
}

// Generator returns the generator of one input for inspection.
func (b *SignalBoard) Generator(input int) *waveform.Generator {
	return b.channels[input].gen
}

// Gain returns the selected gain of one input.
func (b *SignalBoard) Gain(input int) command.Gain {
	return b.channels[input].gain
}

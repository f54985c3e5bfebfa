package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ISF-H-BRS/ReDeX-sub001/internal/calibration"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/filter"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/protocol"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) sink(name string) Sink {
	return SinkFunc(name, func(_ context.Context, e Event) error {
		c.mu.Lock()
		c.events = append(c.events, e)
		c.mu.Unlock()
		return nil
	})
}

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return epoch }

func TestBridgeFansOut(t *testing.T) {
	var observed []string
	b := NewBridge(WithClock(fixedClock), WithPublishObserver(func(sink string, _ time.Duration, err error) {
		observed = append(observed, sink)
	}))

	c := &collector{}
	b.AddSink(SinkFunc("broken", func(context.Context, Event) error { return errors.New("down") }))
	b.AddSink(c.sink("mem"))
	assert.Equal(t, []string{"broken", "mem"}, b.Sinks())

	b.OnNodeAlarm("node2", protocol.Alarm{Type: protocol.Overheat, Severity: protocol.Critical})
	b.OnPH("ph1", 7.1)
	b.OnError(protocol.ErrFrameTooLong)

	require.Len(t, c.events, 3)
	assert.Equal(t, Event{Type: NodeAlarm, Source: "node2", Data: protocol.Alarm{Type: protocol.Overheat, Severity: protocol.Critical}, Stamp: epoch.UnixMilli()}, c.events[0])
	assert.Equal(t, Event{Type: PH, Source: "ph1", Data: 7.1, Stamp: epoch.UnixMilli()}, c.events[1])
	assert.Equal(t, protocol.ErrFrameTooLong.Error(), c.events[2].Data)
	assert.Equal(t, []string{"broken", "mem", "broken", "mem", "broken", "mem"}, observed)
}

func TestEventJSON(t *testing.T) {
	e := Event{Type: NodeAlarm, Source: "node2", Data: protocol.Alarm{Type: protocol.Overheat, Severity: protocol.Warning}, Stamp: 42}
	data, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"node_alarm","source":"node2","data":{"type":"overheat","severity":"warning"},"stamp":42}`, string(data))

	data, err = json.Marshal(Event{Type: MeasurementStatus, Data: protocol.MeasurementStarted})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"measurement_status","data":"started","stamp":0}`, string(data))
}

func TestBridgeFiltersVoltammograms(t *testing.T) {
	f, err := filter.Voltammogram(1000)
	require.NoError(t, err)
	c := &collector{}
	b := NewBridge(WithFilter(f))
	b.AddSink(c.sink("mem"))

	v := protocol.Voltammogram{Voltages: make([]float64, 300), Currents: make([]float64, 300)}
	for i := range v.Currents {
		v.Currents[i] = 5e-6
	}
	b.OnVoltammogram("tp1", v)

	require.Len(t, c.events, 1)
	got, ok := c.events[0].Data.(FilteredVoltammogram)
	require.True(t, ok)
	assert.Equal(t, v.Currents, got.Raw)
	assert.Len(t, got.Currents, 300)
	for _, i := range got.Currents {
		assert.InDelta(t, 0, i, 1e-12)
	}

	b.OnVoltammogram("tp1", protocol.Voltammogram{})
	assert.Equal(t, protocol.Voltammogram{}, c.events[1].Data)
}

func TestCalibrationListener(t *testing.T) {
	c := &collector{}
	b := NewBridge(WithClock(fixedClock))
	b.AddSink(c.sink("mem"))

	l := b.CalibrationListener()
	l.OnProgress(40)
	l.OnFinished(calibration.Result{VoltageOffset: 0.002, DACOffset: -3})
	l.OnFailed(calibration.ErrCanceled)

	require.Len(t, c.events, 3)
	assert.Equal(t, CalibrationReport{Percent: 40}, c.events[0].Data)
	assert.Equal(t, CalibrationReport{Percent: 100, Result: &calibration.Result{VoltageOffset: 0.002, DACOffset: -3}}, c.events[1].Data)
	assert.Equal(t, CalibrationReport{Error: calibration.ErrCanceled.Error()}, c.events[2].Data)
	for _, e := range c.events {
		assert.Equal(t, Calibration, e.Type)
	}
}

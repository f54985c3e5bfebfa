// Package events turns hub listener callbacks into JSON envelopes and fans
// them out to sinks such as the dashboard, Redis or AMQP.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ISF-H-BRS/ReDeX-sub001/internal/calibration"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/filter"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/logging"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/protocol"
)

// Type names the event carried by an Event.
type Type string

const (
	NodeInfo          Type = "node_info"
	TestpointInfo     Type = "testpoint_info"
	HubAlarm          Type = "hub_alarm"
	NodeAlarm         Type = "node_alarm"
	HubStatus         Type = "hub_status"
	NodeStatus        Type = "node_status"
	MeasurementStatus Type = "measurement_status"
	DeviceError       Type = "device_error"
	Voltammogram      Type = "voltammogram"
	Conductance       Type = "conductance"
	ORP               Type = "orp"
	PH                Type = "ph"
	Temperature       Type = "temperature"
	Error             Type = "error"
	Calibration       Type = "calibration"
)

// Event is the envelope published to every sink.
type Event struct {
	Type   Type   `json:"type"`
	Source string `json:"source,omitempty"` // node, sensor or testpoint id
	Data   any    `json:"data,omitempty"`
	Stamp  int64  `json:"stamp"` // Unix ms
}

// FilteredVoltammogram carries the filtered currents next to the raw ones.
type FilteredVoltammogram struct {
	protocol.Voltammogram
	Raw []float64 `json:"raw"`
}

// Sink receives events. Publish must be safe for concurrent use.
type Sink interface {
	Name() string
	Publish(ctx context.Context, e Event) error
}

// PublishObserver is told about every publish attempt.
type PublishObserver func(sink string, took time.Duration, err error)

const DefaultPublishTimeout = 2 * time.Second

type Option func(*Bridge)

func WithLogger(log *logrus.Entry) Option          { return func(b *Bridge) { b.log = log } }
func WithFilter(f *filter.Filter) Option           { return func(b *Bridge) { b.filter = f } }
func WithPublishTimeout(d time.Duration) Option    { return func(b *Bridge) { b.timeout = d } }
func WithPublishObserver(o PublishObserver) Option { return func(b *Bridge) { b.observe = o } }
func WithClock(now func() time.Time) Option        { return func(b *Bridge) { b.now = now } }

// Bridge implements protocol.Listener and forwards every callback to the
// registered sinks. A failing sink is logged and does not stop the others.
type Bridge struct {
	log     *logrus.Entry
	filter  *filter.Filter
	timeout time.Duration
	observe PublishObserver
	now     func() time.Time

	mu    sync.RWMutex
	sinks []Sink
}

var _ protocol.Listener = (*Bridge)(nil)

func NewBridge(opts ...Option) *Bridge {
	b := &Bridge{
		log:     logging.Discard(),
		timeout: DefaultPublishTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AddSink registers s for all following events.
func (b *Bridge) AddSink(s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

func (b *Bridge) Sinks() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, len(b.sinks))
	for i, s := range b.sinks {
		names[i] = s.Name()
	}
	return names
}

// Emit publishes one event to every sink.
func (b *Bridge) Emit(t Type, source string, data any) {
	e := Event{Type: t, Source: source, Data: data, Stamp: b.now().UnixMilli()}

	b.mu.RLock()
	sinks := b.sinks
	b.mu.RUnlock()

	for _, s := range sinks {
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		start := time.Now()
		err := s.Publish(ctx, e)
		cancel()

		if b.observe != nil {
			b.observe(s.Name(), time.Since(start), err)
		}
		if err != nil {
			b.log.WithError(err).Warnf("%s: publish %s failed", s.Name(), t)
		}
	}
}

func (b *Bridge) OnNodeInfo(nodes []protocol.NodeInfo) { b.Emit(NodeInfo, "", nodes) }

func (b *Bridge) OnTestpointInfo(tps []protocol.TestpointInfo) { b.Emit(TestpointInfo, "", tps) }

func (b *Bridge) OnHubAlarm(a protocol.Alarm) { b.Emit(HubAlarm, "", a) }

func (b *Bridge) OnNodeAlarm(id string, a protocol.Alarm) { b.Emit(NodeAlarm, id, a) }

func (b *Bridge) OnHubStatus(temperature float64) { b.Emit(HubStatus, "", temperature) }

func (b *Bridge) OnNodeStatus(id string, s protocol.NodeStatus) { b.Emit(NodeStatus, id, s) }

func (b *Bridge) OnMeasurementStatus(s protocol.MeasurementStatus) {
	b.Emit(MeasurementStatus, "", s)
}

func (b *Bridge) OnDeviceError(message string) { b.Emit(DeviceError, "", message) }

// OnVoltammogram publishes the sweep, with filtered currents if a filter is
// configured.
func (b *Bridge) OnVoltammogram(id string, v protocol.Voltammogram) {
	if b.filter == nil || len(v.Currents) == 0 {
		b.Emit(Voltammogram, id, v)
		return
	}
	out := make([]float64, len(v.Currents))
	if err := b.filter.Apply(v.Currents, out); err != nil {
		b.log.WithError(err).Warn("filter voltammogram")
		b.Emit(Voltammogram, id, v)
		return
	}
	b.Emit(Voltammogram, id, FilteredVoltammogram{
		Voltammogram: protocol.Voltammogram{Voltages: v.Voltages, Currents: out},
		Raw:          v.Currents,
	})
}

func (b *Bridge) OnConductance(id string, c protocol.Conductance) { b.Emit(Conductance, id, c) }

func (b *Bridge) OnORP(id string, value float64) { b.Emit(ORP, id, value) }

func (b *Bridge) OnPH(id string, value float64) { b.Emit(PH, id, value) }

func (b *Bridge) OnTemperature(id string, value float64) { b.Emit(Temperature, id, value) }

func (b *Bridge) OnError(err error) { b.Emit(Error, "", err.Error()) }

// CalibrationReport is the payload of Calibration events.
type CalibrationReport struct {
	Percent int                 `json:"percent"`
	Result  *calibration.Result `json:"result,omitempty"`
	Error   string              `json:"error,omitempty"`
}

type calibrationListener struct{ b *Bridge }

// CalibrationListener reports calibration progress as Calibration events.
func (b *Bridge) CalibrationListener() calibration.Listener { return calibrationListener{b} }

func (c calibrationListener) OnProgress(p int) {
	c.b.Emit(Calibration, "", CalibrationReport{Percent: p})
}

func (c calibrationListener) OnFinished(r calibration.Result) {
	c.b.Emit(Calibration, "", CalibrationReport{Percent: 100, Result: &r})
}

func (c calibrationListener) OnFailed(err error) {
	c.b.Emit(Calibration, "", CalibrationReport{Error: err.Error()})
}

type funcSink struct {
	name string
	fn   func(context.Context, Event) error
}

func (s funcSink) Name() string                               { return s.name }
func (s funcSink) Publish(ctx context.Context, e Event) error { return s.fn(ctx, e) }

// SinkFunc adapts a function to the Sink interface.
func SinkFunc(name string, fn func(context.Context, Event) error) Sink {
	return funcSink{name: name, fn: fn}
}

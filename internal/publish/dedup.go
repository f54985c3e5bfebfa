package publish

import (
	"context"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/ISF-H-BRS/ReDeX-sub001/internal/events"
)

const (
	DefaultDedupCapacity = 10_000
	DefaultDedupFalsePos = 0.001

	// maxFill is the fraction of set bits at which the filter is cleared.
	maxFill = 0.75
)

// Deduplicator passes each distinct alarm to the wrapped sink once. Other
// events pass through. Alarms re-arm on Reset, on every measurement status
// change and when the filter gets too full to be trusted.
type Deduplicator struct {
	next events.Sink

	mu     sync.Mutex
	filter *bloom.BloomFilter
}

func NewDeduplicator(next events.Sink, capacity uint, falsePositive float64) *Deduplicator {
	if capacity == 0 {
		capacity = DefaultDedupCapacity
	}
	if falsePositive <= 0 {
		falsePositive = DefaultDedupFalsePos
	}
	return &Deduplicator{next: next, filter: bloom.NewWithEstimates(capacity, falsePositive)}
}

func (d *Deduplicator) Name() string { return d.next.Name() }

func (d *Deduplicator) Reset() {
	d.mu.Lock()
	d.filter.ClearAll()
	d.mu.Unlock()
}

// Fill returns the fraction of filter bits set.
func (d *Deduplicator) Fill() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fill()
}

func (d *Deduplicator) fill() float64 {
	return float64(d.filter.BitSet().Count()) / float64(d.filter.Cap())
}

func (d *Deduplicator) Publish(ctx context.Context, e events.Event) error {
	switch e.Type {
	case events.HubAlarm, events.NodeAlarm:
		key := fmt.Sprintf("%s|%s|%v", e.Type, e.Source, e.Data)
		d.mu.Lock()
		seen := d.filter.TestAndAddString(key)
		if d.fill() > maxFill {
			d.filter.ClearAll()
		}
		d.mu.Unlock()
		if seen {
			return nil
		}
	case events.MeasurementStatus:
		d.Reset()
	}
	return d.next.Publish(ctx, e)
}

// Package recorder appends hub events to rotating CSV files.
package recorder

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ISF-H-BRS/ReDeX-sub001/internal/events"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/logging"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/protocol"
)

const DefaultMaxRows = 100_000

type Config struct {
	Enabled bool
	Path    string
	MaxRows int // rotate after this many rows
}

var header = []string{"timestamp", "type", "source", "value", "voltage", "detail"}

// Recorder is an events.Sink writing one CSV row per reading and one row
// per voltammogram point.
type Recorder struct {
	log *logrus.Entry
	now func() time.Time

	mu      sync.Mutex
	dir     string
	maxRows int
	enabled bool
	file    *os.File
	writer  *csv.Writer
	rows    int
	seq     int
}

func New(cfg Config, log *logrus.Entry) *Recorder {
	if log == nil {
		log = logging.Discard()
	}
	if cfg.Path == "" {
		cfg.Path = "/var/log/redex"
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = DefaultMaxRows
	}
	return &Recorder{
		log:     log,
		now:     time.Now,
		dir:     cfg.Path,
		maxRows: cfg.MaxRows,
		enabled: cfg.Enabled,
	}
}

// SetEnabled toggles recording at runtime. Disabling closes the file.
func (r *Recorder) SetEnabled(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = on
	if !on {
		r.closeFile()
	}
}

func (r *Recorder) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

func (r *Recorder) Name() string { return "recorder" }

func (r *Recorder) Publish(_ context.Context, e events.Event) error {
	rows := buildRows(e)
	if len(rows) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled {
		return nil
	}

	for _, row := range rows {
		if r.writer == nil || r.rows >= r.maxRows {
			if err := r.rotateFile(); err != nil {
				return errors.Wrap(err, "rotate")
			}
		}
		if err := r.writer.Write(row); err != nil {
			return errors.Wrap(err, "write row")
		}
		r.rows++
	}
	r.writer.Flush()
	return errors.Wrap(r.writer.Error(), "flush")
}

// Close flushes and closes the current file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeFile()
	return nil
}

func (r *Recorder) rotateFile() error {
	r.closeFile()

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return errors.Wrapf(err, "mkdir %s", r.dir)
	}
	r.seq++
	name := fmt.Sprintf("redex_%s_%03d.csv", r.now().Format("2006-01-02_150405"), r.seq)
	path := filepath.Join(r.dir, name)
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}

	r.file = f
	r.writer = csv.NewWriter(f)
	r.rows = 0
	if err := r.writer.Write(header); err != nil {
		return err
	}
	r.writer.Flush()

	r.log.Infof("opened %s", path)
	return nil
}

func (r *Recorder) closeFile() {
	if r.writer != nil {
		r.writer.Flush()
		r.writer = nil
	}
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
}

func num(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

// buildRows flattens an event. Node and testpoint listings are not
// time series and yield no rows.
func buildRows(e events.Event) [][]string {
	ts := time.UnixMilli(e.Stamp).UTC().Format(time.RFC3339Nano)
	row := func(value, voltage, detail string) []string {
		return []string{ts, string(e.Type), e.Source, value, voltage, detail}
	}

	switch d := e.Data.(type) {
	case float64:
		return [][]string{row(num(d), "", "")}
	case string:
		return [][]string{row("", "", d)}
	case protocol.Conductance:
		return [][]string{row(num(d.Conductance), "", num(d.Resistance)+";"+num(d.Temperature))}
	case protocol.NodeStatus:
		return [][]string{row(num(d.Current), num(d.Voltage), num(d.Temperature))}
	case protocol.Alarm:
		return [][]string{row("", "", d.String())}
	case protocol.MeasurementStatus:
		return [][]string{row("", "", d.String())}
	case protocol.Voltammogram:
		out := make([][]string, len(d.Currents))
		for i := range d.Currents {
			out[i] = row(num(d.Currents[i]), num(d.Voltages[i]), "")
		}
		return out
	case events.FilteredVoltammogram:
		out := make([][]string, len(d.Currents))
		for i := range d.Currents {
			out[i] = row(num(d.Currents[i]), num(d.Voltages[i]), num(d.Raw[i]))
		}
		return out
	}
	return nil
}

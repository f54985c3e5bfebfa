package recorder

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ISF-H-BRS/ReDeX-sub001/internal/events"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/protocol"
)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func files(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "redex_*.csv"))
	require.NoError(t, err)
	sort.Strings(matches)
	return matches
}

func newRecorder(t *testing.T, maxRows int) (*Recorder, string) {
	dir := filepath.Join(t.TempDir(), "log")
	r := New(Config{Enabled: true, Path: dir, MaxRows: maxRows}, nil)
	r.now = func() time.Time { return time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC) }
	t.Cleanup(func() { r.Close() })
	return r, dir
}

func TestRecordsReadings(t *testing.T) {
	r, dir := newRecorder(t, 0)
	ctx := context.Background()
	stamp := time.Date(2024, 5, 6, 7, 8, 9, 500e6, time.UTC).UnixMilli()

	require.NoError(t, r.Publish(ctx, events.Event{Type: events.PH, Source: "ph1", Data: 7.25, Stamp: stamp}))
	require.NoError(t, r.Publish(ctx, events.Event{Type: events.Conductance, Source: "cond1", Data: protocol.Conductance{Conductance: 0.002, Resistance: 500, Temperature: 21.5}, Stamp: stamp}))
	require.NoError(t, r.Publish(ctx, events.Event{Type: events.NodeAlarm, Source: "node1", Data: protocol.Alarm{Type: protocol.Overcurrent, Severity: protocol.Critical}, Stamp: stamp}))
	require.NoError(t, r.Publish(ctx, events.Event{Type: events.NodeInfo, Data: []protocol.NodeInfo{{ID: "node1"}}, Stamp: stamp}))
	require.NoError(t, r.Publish(ctx, events.Event{Type: events.Voltammogram, Source: "tp1", Data: protocol.Voltammogram{Voltages: []float64{0, 0.1}, Currents: []float64{1e-6, 2e-6}}, Stamp: stamp}))

	got := files(t, dir)
	require.Len(t, got, 1)
	assert.Equal(t, "redex_2024-05-06_070809_001.csv", filepath.Base(got[0]))
	assert.Equal(t, [][]string{
		header,
		{"2024-05-06T07:08:09.5Z", "ph", "ph1", "7.25", "", ""},
		{"2024-05-06T07:08:09.5Z", "conductance", "cond1", "0.002", "", "500;21.5"},
		{"2024-05-06T07:08:09.5Z", "node_alarm", "node1", "", "", "overcurrent/critical"},
		{"2024-05-06T07:08:09.5Z", "voltammogram", "tp1", "1e-06", "0", ""},
		{"2024-05-06T07:08:09.5Z", "voltammogram", "tp1", "2e-06", "0.1", ""},
	}, readCSV(t, got[0]))
}

func TestRotation(t *testing.T) {
	r, dir := newRecorder(t, 2)
	for i := 0; i < 5; i++ {
		require.NoError(t, r.Publish(context.Background(), events.Event{Type: events.ORP, Source: "orp1", Data: float64(i)}))
	}
	got := files(t, dir)
	require.Len(t, got, 3)
	assert.Len(t, readCSV(t, got[0]), 3)
	assert.Len(t, readCSV(t, got[2]), 2)
}

func TestDisabled(t *testing.T) {
	r, dir := newRecorder(t, 0)
	r.SetEnabled(false)
	assert.False(t, r.IsEnabled())
	require.NoError(t, r.Publish(context.Background(), events.Event{Type: events.PH, Data: 7.0}))
	assert.Empty(t, files(t, dir))

	r.SetEnabled(true)
	filtered := events.FilteredVoltammogram{
		Voltammogram: protocol.Voltammogram{Voltages: []float64{0.5}, Currents: []float64{3e-6}},
		Raw:          []float64{4e-6},
	}
	require.NoError(t, r.Publish(context.Background(), events.Event{Type: events.Voltammogram, Source: "tp1", Data: filtered}))
	got := files(t, dir)
	require.Len(t, got, 1)
	rows := readCSV(t, got[0])
	assert.Equal(t, []string{"3e-06", "0.5", "4e-06"}, rows[1][3:])
}

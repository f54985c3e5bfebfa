package monitor

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ISF-H-BRS/ReDeX-sub001/internal/events"
	"github.com/ISF-H-BRS/ReDeX-sub001/internal/session"
)

var (
	_ session.Observer       = (*Metrics)(nil)
	_ events.Sink            = (*Metrics)(nil)
	_ events.PublishObserver = (*Metrics)(nil).ObservePublish
)

func TestSessionCounters(t *testing.T) {
	m := New()
	m.SetConnected(true)
	m.BytesReceived(12)
	m.BytesReceived(30)
	m.FrameParsed("PH", nil)
	m.FrameParsed("PH", nil)
	m.FrameParsed("ORP", nil)
	m.FrameParsed("", errors.New("bad frame"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.connected))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.bytes))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.frames.WithLabelValues("PH")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.frames.WithLabelValues("ORP")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.frameErrors))

	m.SessionLost()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.connected))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsLost))
}

func TestPublishMetrics(t *testing.T) {
	m := New()
	m.ObservePublish("redis", 3*time.Millisecond, nil)
	m.ObservePublish("redis", 5*time.Millisecond, errors.New("timeout"))
	require.NoError(t, m.Publish(context.Background(), events.Event{Type: events.PH}))
	require.NoError(t, m.Publish(context.Background(), events.Event{Type: events.PH}))

	assert.Equal(t, 1, testutil.CollectAndCount(m.publish))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.publishErrs.WithLabelValues("redis")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.events.WithLabelValues("ph")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.BytesReceived(7)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "redex_received_bytes_total 7")
	assert.Contains(t, string(body), "go_goroutines")
}

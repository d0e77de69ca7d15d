package dashboard

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowguard/internal/storage"
	"flowguard/pkg/model"
)

func writeAlerts(t *testing.T, path string, alerts ...model.Alert) {
	t.Helper()
	var sb strings.Builder
	for _, a := range alerts {
		b, err := json.Marshal(a)
		require.NoError(t, err)
		sb.Write(b)
		sb.WriteByte('\n')
	}
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0o644))
}

func alert(typ string, sev model.Severity, host string) model.Alert {
	return model.Alert{
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Type:      typ,
		Severity:  sev,
		Direction: model.DirectionRequest,
		Host:      host,
	}
}

func newServer(t *testing.T, n int) *Server {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dlp_alerts.log")
	var alerts []model.Alert
	for i := 0; i < n; i++ {
		sev := model.SeverityHigh
		if i%3 == 0 {
			sev = model.SeverityCritical
		}
		alerts = append(alerts, alert("ssn", sev, "a.com"))
	}
	writeAlerts(t, path, alerts...)

	s := New(Options{AlertLog: path, RecentLimit: 200}, nil)
	require.NoError(t, s.Load())
	return s
}

func get(t *testing.T, s *Server, target string, out any) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	s.Echo.ServeHTTP(rec, req)
	if out != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec.Code
}

func TestStatsEndpoint(t *testing.T) {
	s := newServer(t, 6)

	var body map[string]any
	require.Equal(t, http.StatusOK, get(t, s, "/api/stats", &body))
	assert.EqualValues(t, 6, body["total"])
	assert.EqualValues(t, 2, body["critical"])
	assert.EqualValues(t, 4, body["high"])
	assert.Len(t, body["alerts"], 6)
	dest := body["byDestination"].(map[string]any)["a.com"].(map[string]any)
	assert.EqualValues(t, 6, dest["total"])
}

func TestAlertsEndpointLimit(t *testing.T) {
	s := newServer(t, 60)

	var alerts []model.Alert
	require.Equal(t, http.StatusOK, get(t, s, "/api/alerts", &alerts))
	assert.Len(t, alerts, DefaultAlertLimit)

	require.Equal(t, http.StatusOK, get(t, s, "/api/alerts?limit=5", &alerts))
	assert.Len(t, alerts, 5)

	require.Equal(t, http.StatusOK, get(t, s, "/api/alerts?limit=abc", &alerts))
	assert.Len(t, alerts, DefaultAlertLimit)
}

func TestAlertsBySeverityEndpoint(t *testing.T) {
	s := newServer(t, 6)

	var alerts []model.Alert
	require.Equal(t, http.StatusOK, get(t, s, "/api/alerts/severity/CRITICAL", &alerts))
	assert.Len(t, alerts, 2)

	require.Equal(t, http.StatusOK, get(t, s, "/api/alerts/severity/low", &alerts))
	assert.Empty(t, alerts)
}

func TestIndexStatsEndpoint(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, get(t, newServer(t, 1), "/api/index/stats", nil))

	idx, err := storage.OpenIndex(filepath.Join(t.TempDir(), "idx.sqlite3"), "fg_", nil)
	require.NoError(t, err)
	defer idx.Close()
	require.NoError(t, idx.WriteAlert(alert("jwt", model.SeverityHigh, "b.com")))

	s := New(Options{AlertLog: filepath.Join(t.TempDir(), "none.log"), Index: idx}, nil)
	var body map[string]any
	require.Equal(t, http.StatusOK, get(t, s, "/api/index/stats", &body))
	assert.EqualValues(t, 1, body["alerts"])
	assert.EqualValues(t, 0, body["flows"])
}

func appendAlert(t *testing.T, path string, a model.Alert) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	b, err := json.Marshal(a)
	require.NoError(t, err)
	_, err = f.Write(append(b, '\n'))
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestPollPicksUpNewAlerts(t *testing.T) {
	s := newServer(t, 1)
	appendAlert(t, s.opts.AlertLog, alert("jwt", model.SeverityLow, "c.com"))

	n, err := s.tailer.Poll()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 2, s.Tracker().Stats().Total)
}

type sseEvent struct {
	name string
	data string
}

func readEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if ev.name != "" {
				return ev
			}
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data += strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestEventsStream(t *testing.T) {
	s := newServer(t, 3)
	ts := httptest.NewServer(s.Echo)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	r := bufio.NewReader(resp.Body)

	ev := readEvent(t, r)
	require.Equal(t, "initialData", ev.name)
	var initial struct {
		Alerts []model.Alert `json:"alerts"`
		Stats  struct {
			Total int64 `json:"total"`
		} `json:"stats"`
	}
	require.NoError(t, json.Unmarshal([]byte(ev.data), &initial))
	assert.Len(t, initial.Alerts, 3)
	assert.EqualValues(t, 3, initial.Stats.Total)
	require.Equal(t, 1, s.hub.count())

	appendAlert(t, s.opts.AlertLog, alert("aws_access_key", model.SeverityCritical, "d.com"))
	n, err := s.tailer.Poll()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	ev = readEvent(t, r)
	require.Equal(t, "newAlert", ev.name)
	var got model.Alert
	require.NoError(t, json.Unmarshal([]byte(ev.data), &got))
	assert.Equal(t, "aws_access_key", got.Type)
	assert.Equal(t, "d.com", got.Host)

	ev = readEvent(t, r)
	require.Equal(t, "statsUpdate", ev.name)
	var stats map[string]any
	require.NoError(t, json.Unmarshal([]byte(ev.data), &stats))
	assert.EqualValues(t, 4, stats["total"])
	assert.EqualValues(t, 2, stats["critical"])
}

func TestHubDropsWhenSubscriberIsFull(t *testing.T) {
	h := newHub()
	ch := h.subscribe()
	for i := 0; i < subscriberBuffer+10; i++ {
		h.broadcast(alert("ssn", model.SeverityLow, "a.com"))
	}
	assert.Len(t, ch, subscriberBuffer)
	h.unsubscribe(ch)
	assert.Zero(t, h.count())
}

func TestHubCloseEndsSubscriptions(t *testing.T) {
	h := newHub()
	ch := h.subscribe()
	h.close()
	_, ok := <-ch
	assert.False(t, ok)

	_, ok = <-h.subscribe()
	assert.False(t, ok)
	h.broadcast(alert("ssn", model.SeverityLow, "a.com"))
	assert.Zero(t, h.count())
}

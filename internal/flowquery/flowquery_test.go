package flowquery

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"flowguard/internal/sink"
	"flowguard/pkg/model"
	"flowguard/pkg/traffic"
)

func mkFlow(id, method, host string, status int) model.CompletedFlow {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	return model.CompletedFlow{
		FlowID: model.FlowID(id),
		Request: model.PendingRequest{
			FlowID:    model.FlowID(id),
			Timestamp: ts,
			ClientIP:  "10.0.0.1",
			Method:    method,
			URL:       "https://" + host + "/path/" + id,
			Host:      host,
			Port:      443,
			Scheme:    "https",
			Path:      "/path/" + id,
			Headers:   traffic.Header{{Name: "Content-Type", Value: "application/json"}},
		},
		Response: model.ResponseRecord{
			Timestamp:  ts.Add(1500 * time.Microsecond),
			StatusCode: status,
			Reason:     "OK",
		},
		DurationMS: 1.5,
	}
}

func writeStore(t *testing.T, flows ...model.CompletedFlow) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "http_flows.jsonl")
	s, err := sink.OpenFlowStore(path)
	require.NoError(t, err)
	for _, f := range flows {
		require.NoError(t, s.WriteFlow(f))
	}
	require.NoError(t, s.Close())
	return path
}

func TestLoad_RoundTrip(t *testing.T) {
	f := mkFlow("a1", "POST", "api.example.com", 201)
	f.Request.Content = traffic.Body(`{"user":"x"}`)
	f.Request.ContentLength = len(f.Request.Content)
	f.Request.Headers = traffic.Header{{Name: "Host", Value: "api.example.com"}, {Name: "Accept", Value: "a, b"}}
	path := writeStore(t, f)

	res, err := Load(path)
	require.NoError(t, err)
	require.Len(t, res.Flows, 1)
	assert.Zero(t, res.Skipped)

	got := res.Flows[0]
	assert.Equal(t, f.FlowID, got.FlowID)
	assert.Equal(t, f.Request.Headers, got.Request.Headers)
	assert.Equal(t, `{"user":"x"}`, got.Request.Content.Text())
	assert.Equal(t, 201, got.Response.StatusCode)
	assert.Equal(t, 1.5, got.DurationMS)
	assert.True(t, f.Request.Timestamp.Equal(got.Request.Timestamp))
}

func TestLoad_RoundTripBinaryBody(t *testing.T) {
	f := mkFlow("b1", "GET", "img.example.com", 200)
	f.Response.Content = traffic.Body{0x89, 0x50, 0x4e, 0x47, 0xff, 0x00, 0xc3}
	f.Response.ContentLength = len(f.Response.Content)
	f.Request.Content = traffic.Body("q=1")
	f.Request.ContentLength = 3
	path := writeStore(t, f)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, traffic.BodyEncodingBase64, gjson.GetBytes(raw, "response.content_encoding").String())
	assert.False(t, gjson.GetBytes(raw, "request.content_encoding").Exists())

	res, err := Load(path)
	require.NoError(t, err)
	require.Len(t, res.Flows, 1)
	got := res.Flows[0]
	assert.Equal(t, f.Response.Content, got.Response.Content)
	assert.Equal(t, got.Response.ContentLength, len(got.Response.Content))
	assert.Equal(t, "q=1", string(got.Request.Content))
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.jsonl"))
	assert.ErrorIs(t, err, ErrStoreNotFound)
}

func TestLoad_CorruptedLines(t *testing.T) {
	good, err := json.Marshal(mkFlow("g1", "GET", "a.com", 200))
	require.NoError(t, err)
	good2, err := json.Marshal(mkFlow("g2", "GET", "b.com", 200))
	require.NoError(t, err)

	data := strings.Join([]string{
		string(good),
		`{"flow_id":"x"`,
		`[1,2,3]`,
		`{"flow_id":"y","request":{}}`,
		"",
		string(good2),
	}, "\n") + "\n" + `{"flow_id":"partial","req`

	path := filepath.Join(t.TempDir(), "flows.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	res, err := Load(path)
	require.NoError(t, err)
	require.Len(t, res.Flows, 2)
	assert.Equal(t, model.FlowID("g1"), res.Flows[0].FlowID)
	assert.Equal(t, model.FlowID("g2"), res.Flows[1].FlowID)
	assert.Equal(t, 3, res.Skipped)
	require.Len(t, res.Errors, 3)
	assert.Equal(t, 2, res.Errors[0].Line)

	var qe *QueryLoadError
	assert.True(t, errors.As(res.Errors[1], &qe))
}

func TestLoad_TrailingCompleteRecordWithoutNewline(t *testing.T) {
	good, err := json.Marshal(mkFlow("g1", "GET", "a.com", 200))
	require.NoError(t, err)
	res, err := Read(bytes.NewReader(good))
	require.NoError(t, err)
	assert.Len(t, res.Flows, 1)
}

func TestFilters(t *testing.T) {
	flows := []model.CompletedFlow{
		mkFlow("1", "GET", "Api.Example.com", 200),
		mkFlow("2", "post", "cdn.other.net", 404),
		mkFlow("3", "POST", "api.example.com", 200),
	}

	assert.Len(t, ByHost(flows, "API.example"), 2)
	assert.Len(t, ByURL(flows, "/PATH/2"), 1)
	assert.Len(t, ByMethod(flows, "Post"), 2)
	assert.Empty(t, ByMethod(flows, "POS"))
	assert.Len(t, ByStatus(flows, 404), 1)
	assert.Empty(t, ByStatus(flows, 500))

	f, ok := ByFlowID(flows, "3")
	require.True(t, ok)
	assert.Equal(t, "POST", f.Request.Method)
	_, ok = ByFlowID(flows, "9")
	assert.False(t, ok)
}

func TestRecent(t *testing.T) {
	var flows []model.CompletedFlow
	for i := 1; i <= 5; i++ {
		flows = append(flows, mkFlow(fmt.Sprint(i), "GET", "h", 200))
	}
	got := Recent(flows, 2)
	require.Len(t, got, 2)
	assert.Equal(t, model.FlowID("4"), got[0].FlowID)
	assert.Equal(t, model.FlowID("5"), got[1].FlowID)
	assert.Len(t, Recent(flows, 10), 5)
	assert.Empty(t, Recent(flows, 0))
}

func TestQuery_Priority(t *testing.T) {
	var flows []model.CompletedFlow
	for i := 1; i <= 12; i++ {
		flows = append(flows, mkFlow(fmt.Sprint(i), "GET", fmt.Sprintf("h%d.test", i%2), 200+i%2))
	}

	tests := []struct {
		name string
		q    Query
		want int
	}{
		{"default recent", Query{}, DefaultRecent},
		{"recent", Query{Recent: 3}, 3},
		{"status over recent", Query{Status: 201, Recent: 1}, 6},
		{"method over status", Query{Method: "get", Status: 201}, 12},
		{"host over method", Query{Host: "h1.", Method: "get"}, 6},
		{"url over host", Query{URL: "/path/12", Host: "h1."}, 1},
		{"flow id over url", Query{FlowID: "7", URL: "/path/12"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.q.Run(flows)
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}

	_, err := Query{FlowID: "missing"}.Run(flows)
	assert.ErrorIs(t, err, ErrFlowNotFound)
}

func TestComputeStats(t *testing.T) {
	flows := []model.CompletedFlow{
		mkFlow("1", "GET", "a", 500),
		mkFlow("2", "POST", "b", 200),
		mkFlow("3", "GET", "a", 404),
		mkFlow("4", "PUT", "c", 200),
	}
	st := ComputeStats(flows)
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, []Count{{"a", 2}, {"b", 1}, {"c", 1}}, st.Hosts)
	assert.Equal(t, []Count{{"GET", 2}, {"POST", 1}, {"PUT", 1}}, st.Methods)
	assert.Equal(t, []StatusCount{{200, 2}, {404, 1}, {500, 1}}, st.Statuses)

	var many []model.CompletedFlow
	for i := 0; i < 15; i++ {
		many = append(many, mkFlow(fmt.Sprint(i), "GET", fmt.Sprintf("host%02d", i), 200))
	}
	assert.Len(t, ComputeStats(many).Hosts, TopHosts)
}

func TestFormatContent(t *testing.T) {
	assert.Equal(t, "{\n  \"a\": 1\n}", FormatContent(`{"a":1}`, "Application/JSON; charset=utf-8"))
	assert.Equal(t, `{"a":1}`, FormatContent(`{"a":1}`, "text/plain"))
	assert.Equal(t, `{"a":`, FormatContent(`{"a":`, "application/json"))

	long := strings.Repeat("é", MaxContentDisplay+5)
	out := FormatContent(long, "")
	assert.True(t, strings.HasPrefix(out, strings.Repeat("é", MaxContentDisplay)+"\n... (truncated, "))
	assert.True(t, strings.HasSuffix(out, fmt.Sprintf("(truncated, %d total bytes)", len(long))))
}

func TestWriteSummaryAndDetailed(t *testing.T) {
	f := mkFlow("abc", "POST", "api.example.com", 200)
	f.Response.Content = traffic.Body(`{"ok":true}`)
	f.Response.ContentLength = len(f.Response.Content)
	f.Response.Headers = traffic.Header{{Name: "Content-Type", Value: "application/json"}}

	var buf bytes.Buffer
	WriteSummary(&buf, f)
	out := buf.String()
	assert.Contains(t, out, "Flow ID: abc\n")
	assert.Contains(t, out, "Duration: 1.5ms\n")
	assert.Contains(t, out, "  POST https://api.example.com/path/abc\n")
	assert.Contains(t, out, "  Status: 200 OK\n")

	buf.Reset()
	WriteDetailed(&buf, f)
	out = buf.String()
	assert.Contains(t, out, "FLOW ID: abc\n")
	assert.Contains(t, out, "  Content-Type: application/json\n")
	assert.Contains(t, out, "Response Body (11 bytes):\n{\n  \"ok\": true\n}\n")
	assert.Contains(t, out, "(after 1.5ms)")
	assert.NotContains(t, out, "Request Body")
}

func TestWriteStats(t *testing.T) {
	var buf bytes.Buffer
	WriteStats(&buf, ComputeStats([]model.CompletedFlow{mkFlow("1", "GET", "a", 200)}))
	out := buf.String()
	assert.Contains(t, out, "HTTP FLOWS STATISTICS")
	assert.Contains(t, out, "Total Flows: 1")
	assert.Contains(t, out, "Top Hosts:\n  a: 1\n")
	assert.Contains(t, out, "Status Codes:\n  200: 1\n")
}

func TestWriteJSON_TrimsBodies(t *testing.T) {
	f := mkFlow("j", "GET", "a", 200)
	f.Response.Content = traffic.Body(strings.Repeat("x", MaxContentDisplay+1))
	f.Response.ContentLength = len(f.Response.Content)

	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, f))
	line := buf.Bytes()
	require.True(t, gjson.ValidBytes(bytes.TrimSpace(line)))
	assert.Len(t, gjson.GetBytes(line, "response.content").String(), MaxContentDisplay)
	assert.True(t, gjson.GetBytes(line, "response.content_truncated").Bool())
	assert.False(t, gjson.GetBytes(line, "request.content_truncated").Exists())
	assert.EqualValues(t, MaxContentDisplay+1, gjson.GetBytes(line, "response.content_length").Int())
}

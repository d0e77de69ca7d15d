package sink

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowguard/pkg/model"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())
	return lines
}

func TestAlertLog_Append(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "dlp_alerts.log")
	l, err := OpenAlertLog(path)
	require.NoError(t, err)
	defer l.Close()

	a := model.Alert{
		Timestamp:  time.Date(2026, 5, 6, 7, 8, 9, 123000000, time.UTC),
		Type:       "ssn",
		Severity:   model.SeverityHigh,
		Direction:  model.DirectionRequest,
		URL:        "https://x.test/a",
		Host:       "x.test",
		Method:     "POST",
		SourceIP:   "10.1.1.1",
		MatchCount: 3,
		Sample:     "123-45-6789",
	}
	require.NoError(t, l.WriteAlert(a))
	require.NoError(t, l.WriteAlert(a))

	lines := readLines(t, path)
	require.Len(t, lines, 2)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &got))
	assert.Equal(t, "2026-05-06T07:08:09.123Z", got["timestamp"])
	assert.Equal(t, "ssn", got["type"])
	assert.Equal(t, "high", got["severity"])
	assert.Equal(t, "request", got["direction"])
	assert.Equal(t, "10.1.1.1", got["source_ip"])
	assert.EqualValues(t, 3, got["matches_count"])
	assert.Equal(t, "123-45-6789", got["sample"])
}

func TestAppender_ReopenAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flows.jsonl")

	a, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, a.Append(map[string]int{"n": 1}))
	require.NoError(t, a.Close())

	a, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, a.Append(map[string]int{"n": 2}))
	require.NoError(t, a.Sync())
	require.NoError(t, a.Close())

	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`}, readLines(t, path))
}

func TestAppender_ConcurrentWritesStayWhole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flows.jsonl")
	a, err := Open(path)
	require.NoError(t, err)
	defer a.Close()

	const writers = 8
	const perWriter = 200
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				assert.NoError(t, a.Append(map[string]any{"writer": w, "i": i, "pad": "xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"}))
			}
		}(w)
	}
	wg.Wait()

	lines := readLines(t, path)
	require.Len(t, lines, writers*perWriter)
	for _, line := range lines {
		assert.True(t, json.Valid([]byte(line)), line)
	}
}

func TestAppender_ClosedIsPersistenceError(t *testing.T) {
	a, err := Open(filepath.Join(t.TempDir(), "x.jsonl"))
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	err = a.Append(map[string]int{"n": 1})
	var pe *PersistenceError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "write", pe.Op)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpen_UnwritablePath(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	_, err := Open(filepath.Join(blocker, "sub", "flows.jsonl"))
	var pe *PersistenceError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "open", pe.Op)
}

func TestAppender_EncodeError(t *testing.T) {
	a, err := Open(filepath.Join(t.TempDir(), "x.jsonl"))
	require.NoError(t, err)
	defer a.Close()

	err = a.Append(map[string]any{"ch": make(chan int)})
	var pe *PersistenceError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "encode", pe.Op)
}

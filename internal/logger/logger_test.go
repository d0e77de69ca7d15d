package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestNewWriter_LevelAndFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, zerolog.InfoLevel)
	l.Debug("hidden")
	l.Info("规则加载完成", "count", 3, "file", "rules.json")

	line := buf.String()
	assert.NotContains(t, line, "hidden")
	assert.Equal(t, "info", gjson.Get(line, "level").String())
	assert.Equal(t, "规则加载完成", gjson.Get(line, "message").String())
	assert.Equal(t, int64(3), gjson.Get(line, "count").Int())
	assert.Equal(t, "rules.json", gjson.Get(line, "file").String())
}

func TestWith_CarriesFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, zerolog.DebugLevel).With("component", "correlator")
	l.Warn("evicted", "flowID", "f1")
	assert.Equal(t, "correlator", gjson.Get(buf.String(), "component").String())
	assert.Equal(t, "f1", gjson.Get(buf.String(), "flowID").String())
}

func TestNew_FileWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowguard.log")
	l, err := New(Options{Level: "warn", Writers: []string{"file"}, File: path, MaxSizeMB: 1})
	require.NoError(t, err)
	l.Info("dropped")
	l.Error("written", "n", 1)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), "written")
}

func TestNew_Errors(t *testing.T) {
	_, err := New(Options{Writers: []string{"file"}})
	assert.Error(t, err)
	_, err = New(Options{Writers: []string{"syslog"}})
	assert.Error(t, err)
}

func TestNew_DefaultsToConsole(t *testing.T) {
	l, err := New(Options{Level: "bogus"})
	require.NoError(t, err)
	assert.NotNil(t, l)
}

func TestNewNop(t *testing.T) {
	l := NewNop()
	l.Error("nothing")
	assert.NotNil(t, l.With("k", "v"))
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flowguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	def := NewConfig()
	assert.Equal(t, def.Sinks.AlertLog, c.Sinks.AlertLog)
	assert.Equal(t, def.Sinks.FlowLog, c.Sinks.FlowLog)
	assert.Equal(t, 5*time.Minute, c.Correlator.PendingTTL)
	assert.Equal(t, 10000, c.Correlator.PendingCapacity)
	assert.Equal(t, []string{"console"}, c.Log.Writer)
	assert.Equal(t, c.Sinks.AlertLog, c.Dashboard.AlertLog)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeYAML(t, `
sinks:
  alert_log: /var/log/flowguard/alerts.log
correlator:
  pending_capacity: 50
  pending_ttl: 90s
sqlite:
  enabled: true
  dsn: index.db
log:
  level: debug
  writer: [stdout, file]
dashboard:
  alert_log: shared/alerts.log
`)
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/log/flowguard/alerts.log", c.Sinks.AlertLog)
	assert.Equal(t, "logs/http_flows.jsonl", c.Sinks.FlowLog)
	assert.Equal(t, 50, c.Correlator.PendingCapacity)
	assert.Equal(t, 90*time.Second, c.Correlator.PendingTTL)
	assert.True(t, c.Sqlite.Enabled)
	assert.Equal(t, "index.db", c.Sqlite.Dsn)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, []string{"stdout", "file"}, c.Log.Writer)
	assert.Equal(t, "shared/alerts.log", c.Dashboard.AlertLog)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeYAML(t, "sinks:\n  flow_log: from-file.jsonl\n")
	t.Setenv("FLOWGUARD_SINKS__FLOW_LOG", "from-env.jsonl")
	t.Setenv("FLOWGUARD_CDP__PROCESS_TIMEOUT_MS", "750")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env.jsonl", c.Sinks.FlowLog)
	assert.Equal(t, 750, c.CDP.ProcessTimeoutMS)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"capacity":    "correlator:\n  pending_capacity: 0\n",
		"log level":   "log:\n  level: loud\n",
		"writer":      "log:\n  writer: [syslog]\n",
		"devtools":    "cdp:\n  devtools_url: not a url\n",
		"sqlite dsn":  "sqlite:\n  enabled: true\n  dsn: \"\"\n",
		"empty sinks": "sinks:\n  alert_log: \"\"\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeYAML(t, content))
			assert.Error(t, err)
		})
	}
}

func TestValidate_FileWriterNeedsPath(t *testing.T) {
	c := NewConfig()
	c.Log.Writer = []string{"file"}
	c.Log.File = ""
	assert.Error(t, c.Validate())

	c.Log.File = "x.log"
	assert.NoError(t, c.Validate())
}

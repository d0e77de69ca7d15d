package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix 环境变量前缀，嵌套字段以双下划线分隔，如 FLOWGUARD_SINKS__FLOW_LOG
const EnvPrefix = "FLOWGUARD_"

// Config 配置文件结构体
type Config struct {
	Version string `koanf:"version"`

	Sqlite struct {
		Enabled bool   `koanf:"enabled"`
		Dsn     string `koanf:"dsn" validate:"required_if=Enabled true"`
		Prefix  string `koanf:"prefix"`
	} `koanf:"sqlite"`

	Log struct {
		Level      string   `koanf:"level" validate:"oneof=trace debug info warn error"`
		Writer     []string `koanf:"writer" validate:"dive,oneof=console stdout file"`
		File       string   `koanf:"file"`
		MaxSizeMB  int      `koanf:"max_size_mb" validate:"gte=0"`
		MaxBackups int      `koanf:"max_backups" validate:"gte=0"`
		MaxAgeDays int      `koanf:"max_age_days" validate:"gte=0"`
	} `koanf:"log"`

	Rules struct {
		File string `koanf:"file"`
	} `koanf:"rules"`

	Sinks struct {
		AlertLog string `koanf:"alert_log" validate:"required"`
		FlowLog  string `koanf:"flow_log" validate:"required"`
	} `koanf:"sinks"`

	Correlator struct {
		PendingCapacity int           `koanf:"pending_capacity" validate:"gt=0"`
		PendingTTL      time.Duration `koanf:"pending_ttl" validate:"gt=0"`
		SweepInterval   time.Duration `koanf:"sweep_interval" validate:"gt=0"`
	} `koanf:"correlator"`

	Inspector struct {
		BodySizeThreshold int64 `koanf:"body_size_threshold" validate:"gte=0"`
	} `koanf:"inspector"`

	CDP struct {
		DevToolsURL      string `koanf:"devtools_url" validate:"required,url"`
		Target           string `koanf:"target"`
		ProcessTimeoutMS int    `koanf:"process_timeout_ms" validate:"gt=0"`
		// Workers 并发处理数，0 表示不限制
		Workers          int    `koanf:"workers" validate:"gte=0"`
	} `koanf:"cdp"`

	Dashboard struct {
		Listen       string        `koanf:"listen" validate:"required"`
		AlertLog     string        `koanf:"alert_log"`
		RecentLimit  int           `koanf:"recent_limit" validate:"gt=0"`
		PollInterval time.Duration `koanf:"poll_interval" validate:"gt=0"`
	} `koanf:"dashboard"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	c := &Config{Version: "1.0.0"}
	c.Sqlite.Enabled = false
	c.Sqlite.Dsn = "flowguard.sqlite3"
	c.Sqlite.Prefix = "flowguard_"
	c.Log.Level = "info"
	c.Log.Writer = []string{"console"}
	c.Log.File = "logs/flowguard.log"
	c.Log.MaxSizeMB = 100
	c.Log.MaxBackups = 3
	c.Log.MaxAgeDays = 28
	c.Sinks.AlertLog = "logs/dlp_alerts.log"
	c.Sinks.FlowLog = "logs/http_flows.jsonl"
	c.Correlator.PendingCapacity = 10000
	c.Correlator.PendingTTL = 5 * time.Minute
	c.Correlator.SweepInterval = 30 * time.Second
	c.Inspector.BodySizeThreshold = 10 << 20
	c.CDP.DevToolsURL = "http://127.0.0.1:9222"
	c.CDP.ProcessTimeoutMS = 3000
	c.CDP.Workers = 32
	c.Dashboard.Listen = ":3000"
	c.Dashboard.RecentLimit = 200
	c.Dashboard.PollInterval = time.Second
	return c
}

// defaults 将默认配置展开为 koanf 的扁平键
func defaults() map[string]any {
	c := NewConfig()
	return map[string]any{
		"version":                       c.Version,
		"sqlite.enabled":                c.Sqlite.Enabled,
		"sqlite.dsn":                    c.Sqlite.Dsn,
		"sqlite.prefix":                 c.Sqlite.Prefix,
		"log.level":                     c.Log.Level,
		"log.writer":                    c.Log.Writer,
		"log.file":                      c.Log.File,
		"log.max_size_mb":               c.Log.MaxSizeMB,
		"log.max_backups":               c.Log.MaxBackups,
		"log.max_age_days":              c.Log.MaxAgeDays,
		"rules.file":                    c.Rules.File,
		"sinks.alert_log":               c.Sinks.AlertLog,
		"sinks.flow_log":                c.Sinks.FlowLog,
		"correlator.pending_capacity":   c.Correlator.PendingCapacity,
		"correlator.pending_ttl":        c.Correlator.PendingTTL.String(),
		"correlator.sweep_interval":     c.Correlator.SweepInterval.String(),
		"inspector.body_size_threshold": c.Inspector.BodySizeThreshold,
		"cdp.devtools_url":              c.CDP.DevToolsURL,
		"cdp.target":                    c.CDP.Target,
		"cdp.process_timeout_ms":        c.CDP.ProcessTimeoutMS,
		"cdp.workers":                   c.CDP.Workers,
		"dashboard.listen":              c.Dashboard.Listen,
		"dashboard.alert_log":           c.Dashboard.AlertLog,
		"dashboard.recent_limit":        c.Dashboard.RecentLimit,
		"dashboard.poll_interval":       c.Dashboard.PollInterval.String(),
	}
}

// Load 依次合并默认值、YAML 配置文件与环境变量，并校验结果。
// path 为空时跳过配置文件；当前目录存在 .env 时先加载。
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	c := &Config{}
	if err := k.UnmarshalWithConf("", c, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if c.Dashboard.AlertLog == "" {
		c.Dashboard.AlertLog = c.Sinks.AlertLog
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	for _, w := range c.Log.Writer {
		if w == "file" && c.Log.File == "" {
			return fmt.Errorf("config: invalid: log.file is required for the file writer")
		}
	}
	return nil
}

package model

import (
	"fmt"
	"strings"
	"time"

	"flowguard/pkg/traffic"
)

type FlowID string

// Severity 告警级别
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Severities 按等级从低到高排列
var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// ParseSeverity 解析级别（大小写不敏感）
func ParseSeverity(s string) (Severity, error) {
	v := Severity(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Severities {
		if v == known {
			return v, nil
		}
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// Rank 返回级别序号，未知级别为 -1
func (s Severity) Rank() int {
	for i, known := range Severities {
		if s == known {
			return i
		}
	}
	return -1
}

// Direction 报文方向
type Direction string

const (
	DirectionRequest  Direction = "request"
	DirectionResponse Direction = "response"
)

// ClientIPUnknown 无法获取客户端地址时使用
const ClientIPUnknown = "unknown"

// PatternRule 敏感数据检测规则
type PatternRule struct {
	Name     string   `json:"name" validate:"required"`
	Pattern  string   `json:"pattern" validate:"required"`
	Severity Severity `json:"severity" validate:"required,oneof=low medium high critical"`
	// Check 可选的匹配后校验，只由内置规则设置，规则文件无法指定
	Check func(match string) bool `json:"-" validate:"-"`
}

// Alert 检测命中后生成的告警，写入后不可修改
type Alert struct {
	Timestamp  time.Time `json:"timestamp"`
	Type       string    `json:"type"`
	Severity   Severity  `json:"severity"`
	Direction  Direction `json:"direction"`
	URL        string    `json:"url"`
	Host       string    `json:"host"`
	Method     string    `json:"method"`
	SourceIP   string    `json:"source_ip"`
	MatchCount int       `json:"matches_count"`
	Sample     string    `json:"sample"`
}

// InspectContext 告警所需的请求上下文，由调用方提供
type InspectContext struct {
	URL      string
	Host     string
	Method   string
	SourceIP string
}

// PendingRequest 等待响应的请求，归关联器独占
type PendingRequest struct {
	FlowID        FlowID         `json:"flow_id"`
	Timestamp     time.Time      `json:"timestamp"`
	ClientIP      string         `json:"client_ip"`
	Method        string         `json:"method"`
	URL           string         `json:"url"`
	Host          string         `json:"host"`
	Port          int            `json:"port"`
	Scheme        string         `json:"scheme"`
	Path          string         `json:"path"`
	Headers       traffic.Header `json:"headers"`
	Content       traffic.Body   `json:"content"`
	ContentLength int            `json:"content_length"`
}

// InspectContext 构造检测上下文
func (p *PendingRequest) InspectContext() InspectContext {
	return InspectContext{URL: p.URL, Host: p.Host, Method: p.Method, SourceIP: p.ClientIP}
}

// ResponseRecord 响应记录，仅在合并前短暂存在
type ResponseRecord struct {
	Timestamp     time.Time      `json:"timestamp"`
	StatusCode    int            `json:"status_code"`
	Reason        string         `json:"reason"`
	Headers       traffic.Header `json:"headers"`
	Content       traffic.Body   `json:"content"`
	ContentLength int            `json:"content_length"`
}

// CompletedFlow 完整的请求/响应对
type CompletedFlow struct {
	FlowID     FlowID         `json:"flow_id"`
	Request    PendingRequest `json:"request"`
	Response   ResponseRecord `json:"response"`
	DurationMS float64        `json:"duration_ms"`
}

// DurationMS 计算毫秒耗时，保留两位小数，不为负
func DurationMS(start, end time.Time) float64 {
	d := end.Sub(start)
	if d < 0 {
		return 0
	}
	ms := float64(d.Microseconds()) / 1000
	return float64(int64(ms*100+0.5)) / 100
}

// EvictReason 待处理请求被淘汰的原因
type EvictReason string

const (
	EvictCapacity EvictReason = "capacity"
	EvictTTL      EvictReason = "ttl"
	EvictShutdown EvictReason = "shutdown"
)

// CorrelatorStats 关联器统计
type CorrelatorStats struct {
	Pending   int   `json:"pending"`
	Completed int64 `json:"completed"`
	Misses    int64 `json:"misses"`
	Evicted   int64 `json:"evicted"`
}

// PipelineStats 管道统计
type PipelineStats struct {
	Rules        int              `json:"rules"`
	Correlator   CorrelatorStats  `json:"correlator"`
	Alerts       int64            `json:"alerts"`
	DecodeSkips  int64            `json:"decodeSkips"`
	WriteErrors  int64            `json:"writeErrors"`
	AlertsByRule map[string]int64 `json:"alertsByRule"`
}

package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"flowguard/internal/correlator"
	"flowguard/internal/inspector"
	"flowguard/internal/logger"
	"flowguard/internal/rules"
	"flowguard/internal/sink"
	"flowguard/pkg/model"
	"flowguard/pkg/traffic"
)

// Pipeline 事件处理器，负责协调关联、检测和落盘
type Pipeline struct {
	registry   *rules.Registry
	inspector  *inspector.Inspector
	correlator *correlator.Correlator
	alertSinks []sink.AlertSink
	flowSinks  []sink.FlowSink
	closers    []io.Closer
	missLimit  *rate.Limiter
	log        logger.Logger

	alerts      atomic.Int64
	decodeSkips atomic.Int64
	writeErrors atomic.Int64
	suppressed  atomic.Int64

	mu     sync.Mutex
	byRule map[string]int64

	closeOnce sync.Once
}

// Config 配置选项
type Config struct {
	Registry   *rules.Registry
	Inspector  *inspector.Inspector
	Correlator *correlator.Correlator
	AlertSinks []sink.AlertSink
	FlowSinks  []sink.FlowSink
	// Closers 在 Close 时按顺序关闭
	Closers []io.Closer
	// MissEvery 关联失败日志的最小间隔，0 使用默认值
	MissEvery time.Duration
	MissBurst int
	Logger    logger.Logger
}

// New 创建事件处理器
func New(cfg Config) *Pipeline {
	l := cfg.Logger
	if l == nil {
		l = logger.NewNop()
	}
	every := cfg.MissEvery
	if every <= 0 {
		every = time.Second
	}
	burst := cfg.MissBurst
	if burst <= 0 {
		burst = 5
	}
	return &Pipeline{
		registry:   cfg.Registry,
		inspector:  cfg.Inspector,
		correlator: cfg.Correlator,
		alertSinks: cfg.AlertSinks,
		flowSinks:  cfg.FlowSinks,
		closers:    cfg.Closers,
		missLimit:  rate.NewLimiter(rate.Every(every), burst),
		log:        l,
		byRule:     make(map[string]int64),
	}
}

// Run 运行后台清理，直到 ctx 结束
func (p *Pipeline) Run(ctx context.Context) {
	p.correlator.Run(ctx)
}

// HandleRequest 登记请求、检测请求体并返回 flow id
func (p *Pipeline) HandleRequest(req *traffic.Request) model.FlowID {
	id := p.correlator.OnRequest(req)
	ictx := model.InspectContext{
		URL:      req.URL,
		Host:     req.Host,
		Method:   req.Method,
		SourceIP: req.ClientIP,
	}
	if ictx.SourceIP == "" {
		ictx.SourceIP = model.ClientIPUnknown
	}
	p.inspect(req.Body, ictx, model.DirectionRequest, id)
	return id
}

// HandleResponse 合并响应、写入完整流量并检测响应体
func (p *Pipeline) HandleResponse(id model.FlowID, resp *traffic.Response) error {
	flow, err := p.correlator.OnResponse(id, resp)
	if err != nil {
		p.reportMiss(id, err)
		return err
	}

	for _, s := range p.flowSinks {
		if err := s.WriteFlow(*flow); err != nil {
			p.writeErrors.Add(1)
			p.log.Error("写入流量失败", "flowID", string(id), "error", err)
		}
	}
	p.log.Debug("流量处理完成", "flowID", string(id), "status", flow.Response.StatusCode, "durationMs", flow.DurationMS)

	p.inspect(resp.Body, flow.Request.InspectContext(), model.DirectionResponse, id)
	return nil
}

// ReloadRules 原子替换规则快照，被跳过规则的诊断由调用方记录
func (p *Pipeline) ReloadRules(defs []model.PatternRule) []*rules.ConfigError {
	diags := p.registry.Reload(defs)
	p.log.Info("规则已重新加载", "count", p.registry.Count())
	return diags
}

// Stats 返回统计信息
func (p *Pipeline) Stats() model.PipelineStats {
	p.mu.Lock()
	byRule := make(map[string]int64, len(p.byRule))
	for k, v := range p.byRule {
		byRule[k] = v
	}
	p.mu.Unlock()

	return model.PipelineStats{
		Rules:        p.registry.Count(),
		Correlator:   p.correlator.Stats(),
		Alerts:       p.alerts.Load(),
		DecodeSkips:  p.decodeSkips.Load(),
		WriteErrors:  p.writeErrors.Load(),
		AlertsByRule: byRule,
	}
}

// Close 清空待处理请求并关闭全部 sink，可重复调用
func (p *Pipeline) Close() error {
	var errs []error
	p.closeOnce.Do(func() {
		if drained := p.correlator.Drain(); len(drained) > 0 {
			p.log.Info("关闭时丢弃未完成的请求", "count", len(drained))
		}
		for _, c := range p.closers {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

func (p *Pipeline) inspect(body []byte, ictx model.InspectContext, dir model.Direction, id model.FlowID) {
	alerts, err := p.inspector.Inspect(body, ictx, dir)
	if err != nil {
		p.decodeSkips.Add(1)
		p.log.Debug("报文无法解码，跳过检测", "flowID", string(id), "error", err)
		return
	}
	for _, a := range alerts {
		p.emit(a)
	}
}

func (p *Pipeline) emit(a model.Alert) {
	p.alerts.Add(1)
	p.mu.Lock()
	p.byRule[a.Type]++
	p.mu.Unlock()

	p.log.Warn(AlertLine(a), "url", a.URL, "matches", a.MatchCount)
	for _, s := range p.alertSinks {
		if err := s.WriteAlert(a); err != nil {
			p.writeErrors.Add(1)
			p.log.Error("写入告警失败", "type", a.Type, "error", err)
		}
	}
}

func (p *Pipeline) reportMiss(id model.FlowID, err error) {
	if !p.missLimit.Allow() {
		p.suppressed.Add(1)
		return
	}
	kv := []any{"flowID", string(id), "error", err}
	if n := p.suppressed.Swap(0); n > 0 {
		kv = append(kv, "suppressed", n)
	}
	p.log.Warn("响应没有对应的请求，已丢弃", kv...)
}

// AlertLine 告警的控制台输出格式
func AlertLine(a model.Alert) string {
	return fmt.Sprintf("DLP ALERT [%s]: %s detected in %s to %s",
		strings.ToUpper(string(a.Severity)), a.Type, a.Direction, a.Host)
}

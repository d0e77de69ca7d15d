package service

import (
	"context"
	"fmt"
	"io"

	"flowguard/internal/config"
	"flowguard/internal/correlator"
	"flowguard/internal/handler"
	"flowguard/internal/inspector"
	"flowguard/internal/logger"
	"flowguard/internal/rules"
	"flowguard/internal/sink"
	"flowguard/internal/storage"
	"flowguard/pkg/model"
	"flowguard/pkg/traffic"
)

// Service 服务实现，按配置组装检测管道
type Service struct {
	cfg      *config.Config
	pipeline *handler.Pipeline
	log      logger.Logger
}

// New 根据配置创建服务；任一 sink 打开失败时关闭已打开的资源并返回错误
func New(cfg *config.Config, l logger.Logger) (*Service, error) {
	if l == nil {
		l = logger.NewNop()
	}

	defs, file, err := ruleDefs(cfg)
	if err != nil {
		return nil, err
	}
	registry, compileDiags := rules.Load(defs)
	logDiags(l, file.Resolve(compileDiags))
	l.Info("规则加载完成", "count", registry.Count(), "file", cfg.Rules.File)

	var closers []io.Closer
	fail := func(err error) (*Service, error) {
		for _, c := range closers {
			_ = c.Close()
		}
		return nil, err
	}

	alerts, err := sink.OpenAlertLog(cfg.Sinks.AlertLog)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, alerts)
	flows, err := sink.OpenFlowStore(cfg.Sinks.FlowLog)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, flows)

	pc := handler.Config{
		Registry:   registry,
		AlertSinks: []sink.AlertSink{alerts},
		FlowSinks:  []sink.FlowSink{flows},
		Logger:     l,
	}
	if cfg.Sqlite.Enabled {
		idx, err := storage.OpenIndex(cfg.Sqlite.Dsn, cfg.Sqlite.Prefix, l.With("component", "storage"))
		if err != nil {
			return fail(err)
		}
		closers = append(closers, idx)
		pc.AlertSinks = append(pc.AlertSinks, idx)
		pc.FlowSinks = append(pc.FlowSinks, idx)
		l.Info("SQLite 索引已启用", "dsn", cfg.Sqlite.Dsn)
	}

	pc.Inspector = inspector.New(registry, l.With("component", "inspector"),
		inspector.WithMaxBody(cfg.Inspector.BodySizeThreshold))
	pc.Correlator = correlator.New(correlator.Options{
		Capacity:      cfg.Correlator.PendingCapacity,
		TTL:           cfg.Correlator.PendingTTL,
		SweepInterval: cfg.Correlator.SweepInterval,
	}, l.With("component", "correlator"))
	pc.Closers = closers

	return &Service{cfg: cfg, pipeline: handler.New(pc), log: l}, nil
}

// ruleDefs 未配置规则文件时使用内置规则，此时 file 为 nil
func ruleDefs(cfg *config.Config) ([]model.PatternRule, *rules.RuleFile, error) {
	if cfg.Rules.File == "" {
		return rules.DefaultRules(), nil, nil
	}
	f, err := rules.ReadFile(cfg.Rules.File)
	if err != nil {
		return nil, nil, fmt.Errorf("service: %w", err)
	}
	return f.Rules, f, nil
}

func logDiags(l logger.Logger, diags []*rules.ConfigError) {
	for _, d := range diags {
		l.Warn("规则加载失败，已跳过", "index", d.Index, "rule", d.Name, "reason", d.Reason)
	}
}

// Run 运行后台清理，直到 ctx 结束
func (s *Service) Run(ctx context.Context) {
	s.pipeline.Run(ctx)
}

// HandleRequest 处理请求事件
func (s *Service) HandleRequest(req *traffic.Request) model.FlowID {
	return s.pipeline.HandleRequest(req)
}

// HandleResponse 处理响应事件
func (s *Service) HandleResponse(id model.FlowID, resp *traffic.Response) error {
	return s.pipeline.HandleResponse(id, resp)
}

// ReloadRules 重新读取规则文件（未配置时使用内置规则）
func (s *Service) ReloadRules() (int, error) {
	defs, file, err := ruleDefs(s.cfg)
	if err != nil {
		return 0, err
	}
	logDiags(s.log, file.Resolve(s.pipeline.ReloadRules(defs)))
	return s.pipeline.Stats().Rules, nil
}

// Stats 返回统计信息
func (s *Service) Stats() model.PipelineStats {
	return s.pipeline.Stats()
}

// Close 清空待处理请求并关闭 sink
func (s *Service) Close() error {
	return s.pipeline.Close()
}

package cdp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/rpcc"

	"flowguard/internal/logger"
	"flowguard/pkg/model"
	"flowguard/pkg/traffic"
)

// Pipeline 检测管道，由 pkg/api.Service 实现
type Pipeline interface {
	HandleRequest(req *traffic.Request) model.FlowID
	HandleResponse(id model.FlowID, resp *traffic.Response) error
}

// fetchClient Fetch 域中用到的方法
type fetchClient interface {
	ContinueRequest(ctx context.Context, args *fetch.ContinueRequestArgs) error
	ContinueResponse(ctx context.Context, args *fetch.ContinueResponseArgs) error
	GetResponseBody(ctx context.Context, args *fetch.GetResponseBodyArgs) (*fetch.GetResponseBodyReply, error)
}

// Options 配置选项
type Options struct {
	DevToolsURL string
	// Target 目标 ID，为空时选择第一个页面
	Target           string
	ProcessTimeoutMS int
	// Workers 并发处理数，队列满时直接放行
	Workers  int
	Pipeline Pipeline
	Logger   logger.Logger
}

// Manager 通过 DevTools Fetch 域拦截流量并交给检测管道
type Manager struct {
	devtoolsURL      string
	target           string
	processTimeoutMS int
	pipeline         Pipeline
	log              logger.Logger

	conn   *rpcc.Conn
	client *cdp.Client
	fetch  fetchClient

	pool *pool

	mu      sync.Mutex
	flights map[fetch.RequestID]model.FlowID
}

// New 创建拦截管理器
func New(opts Options) *Manager {
	l := opts.Logger
	if l == nil {
		l = logger.NewNop()
	}
	to := opts.ProcessTimeoutMS
	if to <= 0 {
		to = 3000
	}
	return &Manager{
		devtoolsURL:      opts.DevToolsURL,
		target:           opts.Target,
		processTimeoutMS: to,
		pipeline:         opts.Pipeline,
		log:              l,
		pool:             newPool(opts.Workers),
		flights:          make(map[fetch.RequestID]model.FlowID),
	}
}

// Attach 连接到指定目标
func (m *Manager) Attach(ctx context.Context) error {
	dt := devtool.New(m.devtoolsURL)
	targets, err := dt.List(ctx)
	if err != nil {
		return fmt.Errorf("cdp: list targets: %w", err)
	}
	var sel *devtool.Target
	for _, t := range targets {
		if m.target == "" && t.Type == devtool.Page {
			sel = t
			break
		}
		if m.target != "" && string(t.ID) == m.target {
			sel = t
			break
		}
	}
	if sel == nil {
		return fmt.Errorf("cdp: no target found (target=%q)", m.target)
	}

	conn, err := rpcc.DialContext(ctx, sel.WebSocketDebuggerURL)
	if err != nil {
		return fmt.Errorf("cdp: dial %s: %w", sel.WebSocketDebuggerURL, err)
	}
	m.conn = conn
	m.client = cdp.NewClient(conn)
	m.fetch = m.client.Fetch
	m.log.Info("已连接目标", "target", sel.ID, "url", sel.URL)
	return nil
}

// Run 启用请求与响应两个阶段的拦截并消费事件，直到 ctx 结束或事件流中断
func (m *Manager) Run(ctx context.Context) error {
	if m.client == nil {
		return errors.New("cdp: not attached")
	}
	p := "*"
	patterns := []fetch.RequestPattern{
		{URLPattern: &p, RequestStage: fetch.RequestStageRequest},
		{URLPattern: &p, RequestStage: fetch.RequestStageResponse},
	}
	if err := m.client.Fetch.Enable(ctx, &fetch.EnableArgs{Patterns: patterns}); err != nil {
		return fmt.Errorf("cdp: enable fetch: %w", err)
	}

	rp, err := m.client.Fetch.RequestPaused(ctx)
	if err != nil {
		return fmt.Errorf("cdp: subscribe: %w", err)
	}
	defer rp.Close()

	m.log.Info("开始消费拦截事件流")
	defer m.pool.wait()
	for {
		ev, err := rp.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.log.Warn("拦截流被中断", "error", err)
			return err
		}
		m.dispatch(ctx, ev)
	}
}

// Close 断开连接
func (m *Manager) Close() error {
	if m.conn == nil {
		return nil
	}
	return m.conn.Close()
}

// track 记录拦截 ID 对应的 flow id
func (m *Manager) track(rid fetch.RequestID, id model.FlowID) {
	m.mu.Lock()
	m.flights[rid] = id
	m.mu.Unlock()
}

// release 取出并移除拦截 ID 对应的 flow id
func (m *Manager) release(rid fetch.RequestID) (model.FlowID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.flights[rid]
	delete(m.flights, rid)
	return id, ok
}

// InFlight 等待响应的拦截数
func (m *Manager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.flights)
}

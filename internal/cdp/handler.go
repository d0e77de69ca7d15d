package cdp

import (
	"context"
	"sync"
	"time"

	"github.com/mafredri/cdp/protocol/fetch"

	adapter "flowguard/internal/adapter/cdp"
)

// pool 限制并发处理数
type pool struct {
	slots chan struct{}
	wg    sync.WaitGroup
}

func newPool(n int) *pool {
	if n <= 0 {
		return nil
	}
	return &pool{slots: make(chan struct{}, n)}
}

// submit 队列已满时返回 false
func (p *pool) submit(fn func()) bool {
	select {
	case p.slots <- struct{}{}:
	default:
		return false
	}
	p.wg.Add(1)
	go func() {
		defer func() {
			<-p.slots
			p.wg.Done()
		}()
		fn()
	}()
	return true
}

func (p *pool) wait() {
	if p != nil {
		p.wg.Wait()
	}
}

// dispatch 根据并发配置调度单次拦截事件处理
func (m *Manager) dispatch(ctx context.Context, ev *fetch.RequestPausedReply) {
	if m.pool == nil {
		go m.handle(ctx, ev)
		return
	}
	if !m.pool.submit(func() { m.handle(ctx, ev) }) {
		m.degradeAndContinue(ctx, ev, "并发队列已满")
	}
}

// handle 处理一次拦截事件：送入检测管道后放行，检测不修改流量
func (m *Manager) handle(ctx context.Context, ev *fetch.RequestPausedReply) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("处理拦截事件时发生 panic", "panic", r, "url", ev.Request.URL)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, time.Duration(m.processTimeoutMS)*time.Millisecond)
	defer cancel()
	start := time.Now()

	if !adapter.IsResponseStage(ev) {
		id := m.pipeline.HandleRequest(adapter.ToRequest(ev))
		m.track(ev.RequestID, id)
		m.continueRequest(ctx, ev)
		m.log.Debug("请求阶段处理完成", "flowID", string(id), "duration", time.Since(start))
		return
	}

	var body []byte
	if ev.ResponseStatusCode != nil {
		reply, err := m.fetch.GetResponseBody(ctx, fetch.NewGetResponseBodyArgs(ev.RequestID))
		if err != nil {
			m.log.Debug("获取响应体失败", "url", ev.Request.URL, "error", err)
		} else if body, err = adapter.DecodeBody(reply); err != nil {
			m.log.Debug("响应体解码失败", "url", ev.Request.URL, "error", err)
		}
	}

	id, _ := m.release(ev.RequestID)
	// 关联失败由管道记录与计数
	_ = m.pipeline.HandleResponse(id, adapter.ToResponse(ev, body))

	if ev.ResponseErrorReason != nil {
		m.continueRequest(ctx, ev)
	} else {
		m.continueResponse(ctx, ev)
	}
	m.log.Debug("响应阶段处理完成", "flowID", string(id), "duration", time.Since(start))
}

// degradeAndContinue 统一的降级处理：不做检测直接放行
func (m *Manager) degradeAndContinue(ctx context.Context, ev *fetch.RequestPausedReply, reason string) {
	m.log.Warn("执行降级策略：直接放行", "reason", reason, "requestID", string(ev.RequestID))
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if adapter.IsResponseStage(ev) && ev.ResponseErrorReason == nil {
		m.release(ev.RequestID)
		m.continueResponse(ctx, ev)
		return
	}
	m.continueRequest(ctx, ev)
}

func (m *Manager) continueRequest(ctx context.Context, ev *fetch.RequestPausedReply) {
	if err := m.fetch.ContinueRequest(ctx, fetch.NewContinueRequestArgs(ev.RequestID)); err != nil {
		m.log.Warn("放行请求失败", "requestID", string(ev.RequestID), "error", err)
	}
}

func (m *Manager) continueResponse(ctx context.Context, ev *fetch.RequestPausedReply) {
	if err := m.fetch.ContinueResponse(ctx, &fetch.ContinueResponseArgs{RequestID: ev.RequestID}); err != nil {
		m.log.Warn("放行响应失败", "requestID", string(ev.RequestID), "error", err)
	}
}

package correlator

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"flowguard/internal/logger"
	"flowguard/pkg/model"
	"flowguard/pkg/traffic"
)

// ErrCorrelationMiss 响应没有对应的待处理请求
var ErrCorrelationMiss = errors.New("no pending request for flow")

const (
	defaultCapacity      = 10000
	defaultTTL           = 5 * time.Minute
	defaultSweepInterval = 30 * time.Second
)

// EvictFunc 待处理请求被淘汰时回调，在锁外执行
type EvictFunc func(req model.PendingRequest, reason model.EvictReason)

// Options 关联器配置
type Options struct {
	Capacity      int
	TTL           time.Duration
	SweepInterval time.Duration
	OnEvict       EvictFunc
	Now           func() time.Time
	NewID         func() model.FlowID
}

type entry struct {
	req   model.PendingRequest
	// added 原始时钟读数，保留单调时钟部分，用于 TTL 与耗时计算
	added time.Time
	elem  *list.Element
}

// Correlator 按 flow id 关联请求与响应
type Correlator struct {
	mu      sync.Mutex
	pending map[model.FlowID]*entry
	order   *list.List // 按插入顺序，队首最旧

	capacity      int
	ttl           time.Duration
	sweepInterval time.Duration
	onEvict       EvictFunc
	now           func() time.Time
	newID         func() model.FlowID
	log           logger.Logger

	completed atomic.Int64
	misses    atomic.Int64
	evicted   atomic.Int64
}

// New 创建关联器
func New(opts Options, l logger.Logger) *Correlator {
	if l == nil {
		l = logger.NewNop()
	}
	c := &Correlator{
		pending:       make(map[model.FlowID]*entry),
		order:         list.New(),
		capacity:      opts.Capacity,
		ttl:           opts.TTL,
		sweepInterval: opts.SweepInterval,
		onEvict:       opts.OnEvict,
		now:           opts.Now,
		newID:         opts.NewID,
		log:           l,
	}
	if c.capacity <= 0 {
		c.capacity = defaultCapacity
	}
	if c.ttl <= 0 {
		c.ttl = defaultTTL
	}
	if c.sweepInterval <= 0 {
		c.sweepInterval = defaultSweepInterval
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.newID == nil {
		c.newID = func() model.FlowID { return model.FlowID(uuid.NewString()) }
	}
	return c
}

func stamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// OnRequest 登记请求并返回新的 flow id
func (c *Correlator) OnRequest(req *traffic.Request) model.FlowID {
	added := c.now()
	p := model.PendingRequest{
		Timestamp:     stamp(added),
		ClientIP:      req.ClientIP,
		Method:        req.Method,
		URL:           req.URL,
		Host:          req.Host,
		Port:          req.Port,
		Scheme:        req.Scheme,
		Path:          req.Path,
		Headers:       req.Headers,
		Content:       req.Body,
		ContentLength: len(req.Body),
	}
	if p.ClientIP == "" {
		p.ClientIP = model.ClientIPUnknown
	}

	var victims []model.PendingRequest
	c.mu.Lock()
	id := c.newID()
	for _, exists := c.pending[id]; exists; _, exists = c.pending[id] {
		id = c.newID()
	}
	p.FlowID = id
	for len(c.pending) >= c.capacity {
		victims = append(victims, c.removeLocked(c.order.Front()))
	}
	e := &entry{req: p, added: added}
	e.elem = c.order.PushBack(id)
	c.pending[id] = e
	c.mu.Unlock()

	c.notify(victims, model.EvictCapacity)
	return id
}

// OnResponse 合并响应并移除待处理请求；找不到时返回 ErrCorrelationMiss
func (c *Correlator) OnResponse(id model.FlowID, resp *traffic.Response) (*model.CompletedFlow, error) {
	at := c.now()
	c.mu.Lock()
	e, ok := c.pending[id]
	if ok {
		c.removeLocked(e.elem)
	}
	c.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		return nil, fmt.Errorf("%w %s", ErrCorrelationMiss, id)
	}

	rec := model.ResponseRecord{
		Timestamp:     stamp(at),
		StatusCode:    resp.StatusCode,
		Reason:        resp.Reason,
		Headers:       resp.Headers,
		Content:       resp.Body,
		ContentLength: len(resp.Body),
	}
	c.completed.Add(1)
	return &model.CompletedFlow{
		FlowID:     id,
		Request:    e.req,
		Response:   rec,
		DurationMS: model.DurationMS(e.added, at),
	}, nil
}

// Pending 返回待处理请求的副本
func (c *Correlator) Pending(id model.FlowID) (model.PendingRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.pending[id]
	if !ok {
		return model.PendingRequest{}, false
	}
	return e.req, true
}

// Sweep 淘汰超过 TTL 的待处理请求，返回淘汰数量。
// 时钟回拨时插入顺序与时间顺序不一致，因此检查全部条目
func (c *Correlator) Sweep(now time.Time) int {
	var victims []model.PendingRequest

	c.mu.Lock()
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		e := c.pending[el.Value.(model.FlowID)]
		if now.Sub(e.added) >= c.ttl {
			victims = append(victims, c.removeLocked(el))
		}
		el = next
	}
	c.mu.Unlock()

	c.notify(victims, model.EvictTTL)
	return len(victims)
}

// Run 定期清理过期请求，直到 ctx 结束
func (c *Correlator) Run(ctx context.Context) {
	t := time.NewTicker(c.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := c.Sweep(c.now()); n > 0 {
				c.log.Debug("清理过期待处理请求", "count", n)
			}
		}
	}
}

// Drain 关闭时移除全部待处理请求
func (c *Correlator) Drain() []model.PendingRequest {
	var victims []model.PendingRequest
	c.mu.Lock()
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		victims = append(victims, c.removeLocked(el))
	}
	c.mu.Unlock()

	c.notify(victims, model.EvictShutdown)
	return victims
}

// Stats 返回统计信息
func (c *Correlator) Stats() model.CorrelatorStats {
	c.mu.Lock()
	n := len(c.pending)
	c.mu.Unlock()
	return model.CorrelatorStats{
		Pending:   n,
		Completed: c.completed.Load(),
		Misses:    c.misses.Load(),
		Evicted:   c.evicted.Load(),
	}
}

func (c *Correlator) removeLocked(el *list.Element) model.PendingRequest {
	id := c.order.Remove(el).(model.FlowID)
	e := c.pending[id]
	delete(c.pending, id)
	return e.req
}

func (c *Correlator) notify(victims []model.PendingRequest, reason model.EvictReason) {
	if len(victims) == 0 {
		return
	}
	c.evicted.Add(int64(len(victims)))
	for _, v := range victims {
		c.log.Warn("响应缺失，淘汰待处理请求", "flowID", string(v.FlowID), "reason", string(reason), "url", v.URL)
		if c.onEvict != nil {
			c.onEvict(v, reason)
		}
	}
}

package flowquery

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"flowguard/pkg/model"
)

// DefaultRecent 未指定查询条件时显示的条数
const DefaultRecent = 10

// TopHosts Stats 中保留的主机数
const TopHosts = 10

// ErrFlowNotFound 指定的 flow id 不存在
var ErrFlowNotFound = errors.New("flow not found")

// ByURL URL 子串匹配（大小写不敏感）
func ByURL(flows []model.CompletedFlow, substr string) []model.CompletedFlow {
	needle := strings.ToLower(substr)
	return filter(flows, func(f *model.CompletedFlow) bool {
		return strings.Contains(strings.ToLower(f.Request.URL), needle)
	})
}

// ByHost 主机子串匹配（大小写不敏感）
func ByHost(flows []model.CompletedFlow, substr string) []model.CompletedFlow {
	needle := strings.ToLower(substr)
	return filter(flows, func(f *model.CompletedFlow) bool {
		return strings.Contains(strings.ToLower(f.Request.Host), needle)
	})
}

// ByMethod 方法精确匹配（大小写不敏感）
func ByMethod(flows []model.CompletedFlow, method string) []model.CompletedFlow {
	return filter(flows, func(f *model.CompletedFlow) bool {
		return strings.EqualFold(f.Request.Method, method)
	})
}

// ByStatus 状态码精确匹配
func ByStatus(flows []model.CompletedFlow, code int) []model.CompletedFlow {
	return filter(flows, func(f *model.CompletedFlow) bool {
		return f.Response.StatusCode == code
	})
}

// ByFlowID 返回第一条 id 匹配的流量
func ByFlowID(flows []model.CompletedFlow, id string) (model.CompletedFlow, bool) {
	for _, f := range flows {
		if string(f.FlowID) == id {
			return f, true
		}
	}
	return model.CompletedFlow{}, false
}

// Recent 按文件顺序返回最后 n 条
func Recent(flows []model.CompletedFlow, n int) []model.CompletedFlow {
	if n <= 0 {
		return nil
	}
	if len(flows) > n {
		return flows[len(flows)-n:]
	}
	return flows
}

func filter(flows []model.CompletedFlow, keep func(*model.CompletedFlow) bool) []model.CompletedFlow {
	var out []model.CompletedFlow
	for i := range flows {
		if keep(&flows[i]) {
			out = append(out, flows[i])
		}
	}
	return out
}

// Query 查询条件，只生效优先级最高的一项：
// flow id > url > host > method > status > recent > 默认最近 10 条
type Query struct {
	FlowID string
	URL    string
	Host   string
	Method string
	Status int
	Recent int
}

// Run 执行查询；flow id 不存在时返回 ErrFlowNotFound
func (q Query) Run(flows []model.CompletedFlow) ([]model.CompletedFlow, error) {
	switch {
	case q.FlowID != "":
		f, ok := ByFlowID(flows, q.FlowID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, q.FlowID)
		}
		return []model.CompletedFlow{f}, nil
	case q.URL != "":
		return ByURL(flows, q.URL), nil
	case q.Host != "":
		return ByHost(flows, q.Host), nil
	case q.Method != "":
		return ByMethod(flows, q.Method), nil
	case q.Status != 0:
		return ByStatus(flows, q.Status), nil
	case q.Recent > 0:
		return Recent(flows, q.Recent), nil
	default:
		return Recent(flows, DefaultRecent), nil
	}
}

// Count 计数项
type Count struct {
	Key string
	N   int
}

// StatusCount 状态码计数
type StatusCount struct {
	Code int
	N    int
}

// Stats 聚合统计
type Stats struct {
	Total    int
	Methods  []Count
	Hosts    []Count
	Statuses []StatusCount
}

// ComputeStats 方法与主机按数量降序（相同时按首次出现顺序），主机取前 10，状态码升序
func ComputeStats(flows []model.CompletedFlow) Stats {
	st := Stats{Total: len(flows)}
	methods := newCounter()
	hosts := newCounter()
	statuses := map[int]int{}
	for i := range flows {
		methods.add(flows[i].Request.Method)
		hosts.add(flows[i].Request.Host)
		statuses[flows[i].Response.StatusCode]++
	}

	st.Methods = methods.sorted()
	st.Hosts = hosts.sorted()
	if len(st.Hosts) > TopHosts {
		st.Hosts = st.Hosts[:TopHosts]
	}
	for code, n := range statuses {
		st.Statuses = append(st.Statuses, StatusCount{Code: code, N: n})
	}
	sort.Slice(st.Statuses, func(i, j int) bool { return st.Statuses[i].Code < st.Statuses[j].Code })
	return st
}

type counter struct {
	index map[string]int
	items []Count
}

func newCounter() *counter {
	return &counter{index: map[string]int{}}
}

func (c *counter) add(key string) {
	if i, ok := c.index[key]; ok {
		c.items[i].N++
		return
	}
	c.index[key] = len(c.items)
	c.items = append(c.items, Count{Key: key, N: 1})
}

func (c *counter) sorted() []Count {
	out := append([]Count(nil), c.items...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].N > out[j].N })
	return out
}

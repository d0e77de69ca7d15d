package alertstats

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"flowguard/pkg/model"
)

// DefaultRecent 内存中保留的最近告警数
const DefaultRecent = 200

// SeverityCounts 按级别计数
type SeverityCounts struct {
	Critical int64 `json:"critical"`
	High     int64 `json:"high"`
	Medium   int64 `json:"medium"`
	Low      int64 `json:"low"`
}

func (c *SeverityCounts) add(s model.Severity) {
	switch s {
	case model.SeverityCritical:
		c.Critical++
	case model.SeverityHigh:
		c.High++
	case model.SeverityMedium:
		c.Medium++
	case model.SeverityLow:
		c.Low++
	}
}

// Destination 单个目标主机的告警统计
type Destination struct {
	Total int64 `json:"total"`
	SeverityCounts
	Categories map[string]int64 `json:"categories"`
}

// Stats 告警统计
type Stats struct {
	Total int64 `json:"total"`
	SeverityCounts
	ByType        map[string]int64        `json:"byType"`
	ByDestination map[string]*Destination `json:"byDestination"`
}

func newStats() Stats {
	return Stats{
		ByType:        map[string]int64{},
		ByDestination: map[string]*Destination{},
	}
}

func (s *Stats) add(a model.Alert) {
	sev := model.Severity(strings.ToLower(string(a.Severity)))
	s.Total++
	s.SeverityCounts.add(sev)
	s.ByType[a.Type]++

	host := a.Host
	if host == "" {
		host = model.ClientIPUnknown
	}
	d, ok := s.ByDestination[host]
	if !ok {
		d = &Destination{Categories: map[string]int64{}}
		s.ByDestination[host] = d
	}
	d.Total++
	d.SeverityCounts.add(sev)
	d.Categories[a.Type]++
}

func (s *Stats) clone() Stats {
	out := Stats{
		Total:          s.Total,
		SeverityCounts: s.SeverityCounts,
		ByType:         make(map[string]int64, len(s.ByType)),
		ByDestination:  make(map[string]*Destination, len(s.ByDestination)),
	}
	for k, v := range s.ByType {
		out.ByType[k] = v
	}
	for host, d := range s.ByDestination {
		cp := &Destination{Total: d.Total, SeverityCounts: d.SeverityCounts, Categories: make(map[string]int64, len(d.Categories))}
		for k, v := range d.Categories {
			cp.Categories[k] = v
		}
		out.ByDestination[host] = cp
	}
	return out
}

// Tracker 最近告警与累计统计，可并发访问
type Tracker struct {
	mu     sync.RWMutex
	limit  int
	recent []model.Alert
	stats  Stats
}

// NewTracker 创建统计器，limit 为保留的最近告警数
func NewTracker(limit int) *Tracker {
	if limit <= 0 {
		limit = DefaultRecent
	}
	return &Tracker{limit: limit, stats: newStats()}
}

// Add 记录一条告警
func (t *Tracker) Add(a model.Alert) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.add(a)
	t.recent = append(t.recent, a)
	if over := len(t.recent) - t.limit; over > 0 {
		t.recent = append(t.recent[:0:0], t.recent[over:]...)
	}
}

// Recent 返回最近 n 条告警（按时间正序）
func (t *Tracker) Recent(n int) []model.Alert {
	t.mu.RLock()
	defer t.mu.RUnlock()
	start := 0
	if n > 0 && n < len(t.recent) {
		start = len(t.recent) - n
	}
	return append([]model.Alert{}, t.recent[start:]...)
}

// BySeverity 返回指定级别的最近告警（大小写不敏感）
func (t *Tracker) BySeverity(sev string) []model.Alert {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := []model.Alert{}
	for _, a := range t.recent {
		if strings.EqualFold(string(a.Severity), sev) {
			out = append(out, a)
		}
	}
	return out
}

// Stats 返回统计快照
func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stats.clone()
}

// ParseAlert 解析一行告警日志
func ParseAlert(line []byte) (model.Alert, error) {
	var a model.Alert
	if !gjson.ValidBytes(line) {
		return a, errors.New("invalid JSON")
	}
	if gjson.GetBytes(line, "type").Type != gjson.String {
		return a, errors.New(`missing "type"`)
	}
	err := json.Unmarshal(line, &a)
	return a, err
}

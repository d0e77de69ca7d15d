package inspector

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"flowguard/internal/logger"
	"flowguard/internal/rules"
	"flowguard/pkg/model"
	"flowguard/pkg/traffic"
)

// SampleLimit 告警样本最大字符数
const SampleLimit = 100

// ErrDecode 报文无法解码为文本
var ErrDecode = errors.New("content is not decodable as text")

// DecodeError 报文中没有任何可解码的字符，跳过检测
type DecodeError struct {
	Direction model.Direction
	Size      int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s body (%d bytes): %s", e.Direction, e.Size, ErrDecode)
}

func (e *DecodeError) Unwrap() error { return ErrDecode }

// Inspector 按当前规则快照扫描报文
type Inspector struct {
	registry *rules.Registry
	maxBody  int64
	now      func() time.Time
	log      logger.Logger
}

// Option 配置选项
type Option func(*Inspector)

// WithMaxBody 超过阈值的报文只检测前 n 字节，0 表示不限制
func WithMaxBody(n int64) Option {
	return func(i *Inspector) { i.maxBody = n }
}

// WithClock 替换时钟，用于测试
func WithClock(now func() time.Time) Option {
	return func(i *Inspector) { i.now = now }
}

// New 创建检测器
func New(registry *rules.Registry, l logger.Logger, opts ...Option) *Inspector {
	if l == nil {
		l = logger.NewNop()
	}
	i := &Inspector{registry: registry, now: time.Now, log: l}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Inspect 有损解码后扫描报文并返回告警；空报文返回空结果，
// 非法字节替换为 U+FFFD 后照常检测，只有完全无法解码时返回 DecodeError
func (i *Inspector) Inspect(content []byte, ctx model.InspectContext, dir model.Direction) ([]model.Alert, error) {
	if len(content) == 0 {
		return nil, nil
	}
	if i.maxBody > 0 && int64(len(content)) > i.maxBody {
		i.log.Debug("报文超过检测阈值，仅检测前缀", "direction", dir, "size", len(content), "limit", i.maxBody)
		cut := i.maxBody
		for cut > 0 && !utf8.RuneStart(content[cut]) {
			cut--
		}
		content = content[:cut]
	}
	text := traffic.Body(content).Text()
	if !utf8.Valid(content) && undecodable(text) {
		return nil, &DecodeError{Direction: dir, Size: len(content)}
	}

	var alerts []model.Alert
	for _, m := range i.registry.Snapshot().Matchers() {
		matches, err := i.evaluate(m, text)
		if err != nil {
			i.log.Error("规则执行失败，已跳过", "rule", m.Rule.Name, "error", err)
			continue
		}
		if len(matches) == 0 {
			continue
		}
		alerts = append(alerts, model.Alert{
			Timestamp:  i.now().UTC(),
			Type:       m.Rule.Name,
			Severity:   m.Rule.Severity,
			Direction:  dir,
			URL:        ctx.URL,
			Host:       ctx.Host,
			Method:     ctx.Method,
			SourceIP:   ctx.SourceIP,
			MatchCount: len(matches),
			Sample:     truncate(matches[0], SampleLimit),
		})
	}
	return alerts, nil
}

// evaluate 单条规则执行，panic 转换为错误
func (i *Inspector) evaluate(m *rules.Matcher, text string) (matches []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return m.FindAll(text), nil
}

// truncate 按字符截断
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for idx := range s {
		if count == n {
			return s[:idx]
		}
		count++
	}
	return s
}

// undecodable 有损解码后只剩替换字符
func undecodable(text string) bool {
	return strings.Trim(text, string(utf8.RuneError)) == ""
}

package traffic

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Field 单个头部字段
type Field struct {
	Name  string
	Value string
}

// Header 有序头部列表，保留首次出现的顺序，重复字段以 ", " 合并
type Header []Field

// Get 获取指定 Header 的值（大小写不敏感）
func (h Header) Get(key string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, key) {
			return f.Value
		}
	}
	return ""
}

// Set 设置指定 Header 的值，已存在时覆盖
func (h *Header) Set(key, value string) {
	for i := range *h {
		if strings.EqualFold((*h)[i].Name, key) {
			(*h)[i].Value = value
			return
		}
	}
	*h = append(*h, Field{Name: key, Value: value})
}

// Add 追加 Header 值，已存在时合并
func (h *Header) Add(key, value string) {
	for i := range *h {
		if strings.EqualFold((*h)[i].Name, key) {
			(*h)[i].Value += ", " + value
			return
		}
	}
	*h = append(*h, Field{Name: key, Value: value})
}

// Del 删除指定 Header
func (h *Header) Del(key string) {
	out := (*h)[:0]
	for _, f := range *h {
		if !strings.EqualFold(f.Name, key) {
			out = append(out, f)
		}
	}
	*h = out
}

// FromHTTP 从 net/http 头部构建，按名称排序保证确定性
func FromHTTP(src http.Header) Header {
	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := make(Header, 0, len(keys))
	for _, k := range keys {
		for _, v := range src[k] {
			h.Add(k, v)
		}
	}
	return h
}

// MarshalJSON 按顺序输出为 JSON 对象
func (h Header) MarshalJSON() ([]byte, error) {
	doc := []byte("{}")
	for _, f := range h {
		if f.Name == "" {
			return nil, fmt.Errorf("traffic: empty header name")
		}
		var err error
		if doc, err = sjson.SetBytes(doc, escapeKey(f.Name), f.Value); err != nil {
			return nil, fmt.Errorf("traffic: header %q: %w", f.Name, err)
		}
	}
	return doc, nil
}

// escapeKey 转义路径语法字符，使头部名称整体作为一个对象键
func escapeKey(name string) string {
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c < utf8.RuneSelf && !isKeyChar(c) {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return b.String()
}

func isKeyChar(c byte) bool {
	return c == '-' || c == '_' ||
		('0' <= c && c <= '9') || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

// UnmarshalJSON 按文档顺序解析 JSON 对象
func (h *Header) UnmarshalJSON(data []byte) error {
	res := gjson.ParseBytes(data)
	if res.Type == gjson.Null {
		*h = nil
		return nil
	}
	if !res.IsObject() {
		return fmt.Errorf("traffic: headers must be a JSON object")
	}
	var out Header
	res.ForEach(func(key, value gjson.Result) bool {
		out.Add(key.String(), value.String())
		return true
	})
	*h = out
	return nil
}

// Request 中立的请求模型，由拦截引擎提供
type Request struct {
	Method   string // HTTP方法
	URL      string // 完整URL
	Host     string
	Port     int
	Scheme   string
	Path     string // 路径（含查询串）
	Headers  Header // 请求头
	Body     Body   // 请求体原始数据
	ClientIP string // 客户端地址
}

// Response 中立的响应模型
type Response struct {
	StatusCode int    // 状态码
	Reason     string // 原因短语
	Headers    Header // 响应头
	Body       Body   // 响应体数据
}

// NewRequest 创建初始化请求对象
func NewRequest() *Request {
	return &Request{
		Headers: Header{},
	}
}

// NewResponse 创建初始化响应对象
func NewResponse() *Response {
	return &Response{
		StatusCode: http.StatusOK,
		Reason:     http.StatusText(http.StatusOK),
		Headers:    Header{},
	}
}

package cdp

import (
	"encoding/base64"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/mafredri/cdp/protocol/fetch"

	"flowguard/pkg/traffic"
)

// ToRequest 将 CDP 拦截事件转换为中立 Request 模型
func ToRequest(ev *fetch.RequestPausedReply) *traffic.Request {
	req := traffic.NewRequest()
	req.URL = ev.Request.URL
	req.Method = ev.Request.Method

	if len(ev.Request.Headers) > 0 {
		var h traffic.Header
		if err := h.UnmarshalJSON(ev.Request.Headers); err == nil && h != nil {
			req.Headers = h
		}
	}
	if ev.Request.PostData != nil {
		req.Body = traffic.Body(*ev.Request.PostData)
	}

	if u, err := url.Parse(ev.Request.URL); err == nil {
		req.Scheme = u.Scheme
		req.Host = u.Hostname()
		req.Port = portOf(u)
		req.Path = u.RequestURI()
	}
	if req.Host == "" {
		if h := req.Headers.Get("host"); h != "" {
			req.Host = stripPort(h)
		}
	}
	return req
}

// ToResponse 将 CDP 响应阶段事件与响应体转换为中立 Response 模型
func ToResponse(ev *fetch.RequestPausedReply, body []byte) *traffic.Response {
	res := traffic.NewResponse()
	res.StatusCode, res.Reason = 0, ""
	if ev.ResponseStatusCode != nil {
		res.StatusCode = *ev.ResponseStatusCode
		res.Reason = http.StatusText(res.StatusCode)
	}
	if ev.ResponseErrorReason != nil {
		res.Reason = string(*ev.ResponseErrorReason)
	}
	res.Headers = ToHeader(ev.ResponseHeaders)
	res.Body = body
	return res
}

// ToHeader 将 CDP Header 条目转换为有序 Header，重复字段合并
func ToHeader(entries []fetch.HeaderEntry) traffic.Header {
	h := make(traffic.Header, 0, len(entries))
	for _, e := range entries {
		h.Add(e.Name, e.Value)
	}
	return h
}

// DecodeBody 解码 Fetch.getResponseBody 的返回值
func DecodeBody(reply *fetch.GetResponseBodyReply) ([]byte, error) {
	if reply == nil {
		return nil, nil
	}
	if reply.Base64Encoded {
		return base64.StdEncoding.DecodeString(reply.Body)
	}
	return []byte(reply.Body), nil
}

// IsResponseStage 响应阶段的事件带有状态码或错误原因
func IsResponseStage(ev *fetch.RequestPausedReply) bool {
	return ev.ResponseStatusCode != nil || ev.ResponseErrorReason != nil
}

func portOf(u *url.URL) int {
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			return n
		}
	}
	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		return 443
	case "http", "ws":
		return 80
	}
	return 0
}

func stripPort(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return hostport
}

package flowquery

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"

	"flowguard/pkg/model"
	"flowguard/pkg/traffic"
)

// MaxContentDisplay 报文体显示的最大字符数
const MaxContentDisplay = 2000

var (
	rule80 = strings.Repeat("=", 80)
	rule60 = strings.Repeat("=", 60)
)

var prettyOptions = &pretty.Options{Width: 80, Prefix: "", Indent: "  ", SortKeys: false}

func ms(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// WriteSummary 输出流量摘要
func WriteSummary(w io.Writer, f model.CompletedFlow) {
	req, resp := f.Request, f.Response
	fmt.Fprintf(w, "\n%s\n", rule80)
	fmt.Fprintf(w, "Flow ID: %s\n", f.FlowID)
	fmt.Fprintf(w, "Time: %s\n", formatTime(req.Timestamp))
	fmt.Fprintf(w, "Duration: %sms\n", ms(f.DurationMS))
	fmt.Fprintf(w, "\nREQUEST:\n")
	fmt.Fprintf(w, "  %s %s\n", req.Method, req.URL)
	fmt.Fprintf(w, "  Client IP: %s\n", req.ClientIP)
	fmt.Fprintf(w, "  Content Length: %d bytes\n", req.ContentLength)
	fmt.Fprintf(w, "\nRESPONSE:\n")
	fmt.Fprintf(w, "  Status: %d %s\n", resp.StatusCode, resp.Reason)
	fmt.Fprintf(w, "  Content Length: %d bytes\n", resp.ContentLength)
}

// WriteDetailed 输出包含头部与报文体的详细信息
func WriteDetailed(w io.Writer, f model.CompletedFlow) {
	req, resp := f.Request, f.Response
	fmt.Fprintf(w, "\n%s\n", rule80)
	fmt.Fprintf(w, "FLOW ID: %s\n", f.FlowID)
	fmt.Fprintf(w, "%s\n", rule80)

	fmt.Fprintf(w, "\n[REQUEST] %s\n", formatTime(req.Timestamp))
	fmt.Fprintf(w, "%s %s\n", req.Method, req.URL)
	fmt.Fprintf(w, "Client IP: %s\n", req.ClientIP)
	fmt.Fprintf(w, "\nRequest Headers:\n")
	writeHeaders(w, req.Headers)
	if len(req.Content) > 0 {
		fmt.Fprintf(w, "\nRequest Body (%d bytes):\n", req.ContentLength)
		fmt.Fprintln(w, FormatContent(req.Content.Text(), req.Headers.Get("content-type")))
	}

	fmt.Fprintf(w, "\n[RESPONSE] %s (after %sms)\n", formatTime(resp.Timestamp), ms(f.DurationMS))
	fmt.Fprintf(w, "Status: %d %s\n", resp.StatusCode, resp.Reason)
	fmt.Fprintf(w, "\nResponse Headers:\n")
	writeHeaders(w, resp.Headers)
	if len(resp.Content) > 0 {
		fmt.Fprintf(w, "\nResponse Body (%d bytes):\n", resp.ContentLength)
		fmt.Fprintln(w, FormatContent(resp.Content.Text(), resp.Headers.Get("content-type")))
	}

	fmt.Fprintf(w, "\n%s\n\n", rule80)
}

func writeHeaders(w io.Writer, h traffic.Header) {
	for _, f := range h {
		fmt.Fprintf(w, "  %s: %s\n", f.Name, f.Value)
	}
}

// FormatContent 截断过长的报文体；content-type 含 json 时尝试格式化，失败则原样返回
func FormatContent(content, contentType string) string {
	if n := len([]rune(content)); n > MaxContentDisplay {
		content = string([]rune(content)[:MaxContentDisplay]) +
			fmt.Sprintf("\n... (truncated, %d total bytes)", len(content))
	}
	if strings.Contains(strings.ToLower(contentType), "json") && gjson.Valid(content) {
		return strings.TrimRight(string(pretty.PrettyOptions([]byte(content), prettyOptions)), "\n")
	}
	return content
}

// WriteStats 输出聚合统计
func WriteStats(w io.Writer, st Stats) {
	fmt.Fprintf(w, "\n%s\n", rule60)
	fmt.Fprintf(w, "HTTP FLOWS STATISTICS\n")
	fmt.Fprintf(w, "%s\n", rule60)
	fmt.Fprintf(w, "\nTotal Flows: %d\n", st.Total)

	fmt.Fprintf(w, "\nTop Methods:\n")
	for _, c := range st.Methods {
		fmt.Fprintf(w, "  %s: %d\n", c.Key, c.N)
	}
	fmt.Fprintf(w, "\nTop Hosts:\n")
	for _, c := range st.Hosts {
		fmt.Fprintf(w, "  %s: %d\n", c.Key, c.N)
	}
	fmt.Fprintf(w, "\nStatus Codes:\n")
	for _, c := range st.Statuses {
		fmt.Fprintf(w, "  %d: %d\n", c.Code, c.N)
	}
	fmt.Fprintf(w, "\n%s\n\n", rule60)
}

// WriteJSON 以单行 JSON 输出流量，报文体截断到显示阈值
func WriteJSON(w io.Writer, f model.CompletedFlow) error {
	line, err := json.Marshal(f)
	if err != nil {
		return err
	}
	for _, path := range []string{"request.content", "response.content"} {
		body := gjson.GetBytes(line, path).String()
		if len([]rune(body)) <= MaxContentDisplay {
			continue
		}
		line, err = sjson.SetBytes(line, path, string([]rune(body)[:MaxContentDisplay]))
		if err != nil {
			return err
		}
		line, err = sjson.SetBytes(line, strings.Replace(path, "content", "content_truncated", 1), true)
		if err != nil {
			return err
		}
	}
	line = append(line, '\n')
	_, err = w.Write(line)
	return err
}

package dashboard

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"

	"flowguard/internal/alertstats"
	"flowguard/pkg/model"
)

// subscriberBuffer 每个订阅者的告警缓冲，满时丢弃
const subscriberBuffer = 64

// hub 向所有 SSE 连接广播新告警
type hub struct {
	mu     sync.Mutex
	subs   map[chan model.Alert]struct{}
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[chan model.Alert]struct{})}
}

func (h *hub) subscribe() chan model.Alert {
	ch := make(chan model.Alert, subscriberBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch
	}
	h.subs[ch] = struct{}{}
	return ch
}

func (h *hub) unsubscribe(ch chan model.Alert) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

// broadcast 在 Tailer 锁内调用，不能阻塞
func (h *hub) broadcast(a model.Alert) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- a:
		default:
		}
	}
}

// close 关闭所有订阅，使长连接在服务停止时退出
func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.subs {
		close(ch)
		delete(h.subs, ch)
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

type initialData struct {
	Alerts []model.Alert    `json:"alerts"`
	Stats  alertstats.Stats `json:"stats"`
}

// getEvents GET /api/events 推送 initialData，之后每条新告警推送 newAlert 与 statsUpdate
func (s *Server) getEvents(c echo.Context) error {
	ch := s.hub.subscribe()
	defer s.hub.unsubscribe(ch)

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, "initialData", initialData{
		Alerts: s.tracker.Recent(0),
		Stats:  s.tracker.Stats(),
	}); err != nil {
		return nil
	}
	s.log.Debug("看板客户端已连接", "remote", c.RealIP())

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			s.log.Debug("看板客户端已断开", "remote", c.RealIP())
			return nil
		case a, ok := <-ch:
			if !ok {
				return nil
			}
			if err := writeEvent(w, "newAlert", a); err != nil {
				return nil
			}
			if err := writeEvent(w, "statsUpdate", s.tracker.Stats()); err != nil {
				return nil
			}
		}
	}
}

func writeEvent(w *echo.Response, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	w.Flush()
	return nil
}

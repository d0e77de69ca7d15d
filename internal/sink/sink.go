package sink

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"flowguard/pkg/model"
)

// ErrClosed 写入已关闭的 sink
var ErrClosed = errors.New("sink closed")

// PersistenceError 写入失败，记录丢失但管道继续运行
type PersistenceError struct {
	Path string
	Op   string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("sink %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Appender 追加写入的 JSON Lines 文件，每条记录一次 Write 调用
type Appender struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// Open 以追加模式打开文件，必要时创建目录
func Open(path string) (*Appender, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &PersistenceError{Path: path, Op: "open", Err: err}
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, &PersistenceError{Path: path, Op: "open", Err: err}
	}
	return &Appender{path: path, f: f}, nil
}

// Path 返回文件路径
func (a *Appender) Path() string { return a.path }

// Append 序列化并写入一条记录
func (a *Appender) Append(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return &PersistenceError{Path: a.path, Op: "encode", Err: err}
	}
	line = append(line, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.f == nil {
		return &PersistenceError{Path: a.path, Op: "write", Err: ErrClosed}
	}
	if _, err := a.f.Write(line); err != nil {
		return &PersistenceError{Path: a.path, Op: "write", Err: err}
	}
	return nil
}

// Sync 刷盘
func (a *Appender) Sync() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.f == nil {
		return nil
	}
	if err := a.f.Sync(); err != nil {
		return &PersistenceError{Path: a.path, Op: "sync", Err: err}
	}
	return nil
}

// Close 关闭文件，可重复调用
func (a *Appender) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.f == nil {
		return nil
	}
	err := a.f.Close()
	a.f = nil
	if err != nil {
		return &PersistenceError{Path: a.path, Op: "close", Err: err}
	}
	return nil
}

// AlertSink 告警日志
type AlertSink interface {
	WriteAlert(model.Alert) error
}

// FlowSink 完整流量日志
type FlowSink interface {
	WriteFlow(model.CompletedFlow) error
}

// AlertLog 基于 JSON Lines 的告警日志
type AlertLog struct{ *Appender }

// OpenAlertLog 打开告警日志
func OpenAlertLog(path string) (*AlertLog, error) {
	a, err := Open(path)
	if err != nil {
		return nil, err
	}
	return &AlertLog{a}, nil
}

// WriteAlert 追加一条告警
func (l *AlertLog) WriteAlert(a model.Alert) error { return l.Append(a) }

// FlowStore 基于 JSON Lines 的流量存储
type FlowStore struct{ *Appender }

// OpenFlowStore 打开流量存储
func OpenFlowStore(path string) (*FlowStore, error) {
	a, err := Open(path)
	if err != nil {
		return nil, err
	}
	return &FlowStore{a}, nil
}

// WriteFlow 追加一条完整流量
func (s *FlowStore) WriteFlow(f model.CompletedFlow) error { return s.Append(f) }

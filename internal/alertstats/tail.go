package alertstats

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"

	"flowguard/internal/logger"
	"flowguard/pkg/model"
)

// Tailer 从上次位置增量读取告警日志，只消费完整的行
type Tailer struct {
	path    string
	tracker *Tracker
	log     logger.Logger

	mu     sync.Mutex
	offset int64

	// OnAlert 每条新告警的回调，可为空
	OnAlert func(model.Alert)
}

// NewTailer 创建增量读取器
func NewTailer(path string, tracker *Tracker, l logger.Logger) *Tailer {
	if l == nil {
		l = logger.NewNop()
	}
	return &Tailer{path: path, tracker: tracker, log: l}
}

// Offset 已消费的字节位置
func (t *Tailer) Offset() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offset
}

// LoadExisting 启动时读取已有日志，仅保留最后 limit 条
func (t *Tailer) LoadExisting() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := os.ReadFile(t.path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	end := bytes.LastIndexByte(data, '\n') + 1
	lines := bytes.Split(data[:end], []byte("\n"))

	var nonEmpty [][]byte
	for _, line := range lines {
		if line = bytes.TrimSpace(line); len(line) > 0 {
			nonEmpty = append(nonEmpty, line)
		}
	}
	if over := len(nonEmpty) - t.tracker.limit; over > 0 {
		nonEmpty = nonEmpty[over:]
	}

	loaded := 0
	for _, line := range nonEmpty {
		a, err := ParseAlert(line)
		if err != nil {
			continue
		}
		t.tracker.Add(a)
		loaded++
	}
	t.offset = int64(end)
	t.log.Info("已加载历史告警", "lines", len(lines), "loaded", loaded)
	return loaded, nil
}

// Poll 读取新增的完整行，返回新增告警数；文件变短时从头读取
func (t *Tailer) Poll() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.Open(t.path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if fi.Size() < t.offset {
		t.log.Warn("告警日志被截断，重新读取", "path", t.path, "offset", t.offset, "size", fi.Size())
		t.offset = 0
	}
	if fi.Size() == t.offset {
		return 0, nil
	}

	data, err := io.ReadAll(io.NewSectionReader(f, t.offset, fi.Size()-t.offset))
	if err != nil {
		return 0, err
	}
	end := bytes.LastIndexByte(data, '\n') + 1
	if end == 0 {
		return 0, nil
	}

	n := 0
	for _, line := range bytes.Split(data[:end-1], []byte("\n")) {
		if line = bytes.TrimSpace(line); len(line) == 0 {
			continue
		}
		a, err := ParseAlert(line)
		if err != nil {
			t.log.Debug("跳过无法解析的告警行", "error", err)
			continue
		}
		t.tracker.Add(a)
		if t.OnAlert != nil {
			t.OnAlert(a)
		}
		n++
	}
	t.offset += int64(end)
	return n, nil
}

// Follow 按间隔轮询，直到 ctx 结束
func (t *Tailer) Follow(ctx context.Context, interval time.Duration) {
	tk := time.NewTicker(interval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			if _, err := t.Poll(); err != nil {
				t.log.Error("读取告警日志失败", "path", t.path, "error", err)
			}
		}
	}
}

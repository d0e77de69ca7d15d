package flowquery

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/tidwall/gjson"

	"flowguard/pkg/model"
)

// ErrStoreNotFound 流量文件不存在，调用方按零条流量处理
var ErrStoreNotFound = errors.New("flow store not found")

// QueryLoadError 单行记录无法解析
type QueryLoadError struct {
	Line int
	Err  error
}

func (e *QueryLoadError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *QueryLoadError) Unwrap() error { return e.Err }

// LoadResult 加载结果，Skipped 为跳过的损坏行数
type LoadResult struct {
	Flows   []model.CompletedFlow
	Skipped int
	Errors  []*QueryLoadError
}

// Load 读取 JSON Lines 流量文件；损坏行跳过并计数，末尾未写完的行忽略
func Load(path string) (LoadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return LoadResult{}, fmt.Errorf("%w: %s", ErrStoreNotFound, path)
		}
		return LoadResult{}, err
	}
	defer f.Close()
	return Read(f)
}

// Read 从 r 读取流量记录
func Read(r io.Reader) (LoadResult, error) {
	var res LoadResult
	br := bufio.NewReaderSize(r, 64*1024)
	for n := 1; ; n++ {
		line, err := br.ReadBytes('\n')
		complete := err == nil
		if err != nil && !errors.Is(err, io.EOF) {
			return res, err
		}

		if line = bytes.TrimSpace(line); len(line) > 0 {
			flow, perr := parseLine(line)
			switch {
			case perr == nil:
				res.Flows = append(res.Flows, flow)
			case complete:
				res.Skipped++
				res.Errors = append(res.Errors, &QueryLoadError{Line: n, Err: perr})
			}
		}
		if !complete {
			return res, nil
		}
	}
}

func parseLine(line []byte) (model.CompletedFlow, error) {
	var flow model.CompletedFlow
	if !gjson.ValidBytes(line) {
		return flow, errors.New("invalid JSON")
	}
	rec := gjson.ParseBytes(line)
	if !rec.IsObject() {
		return flow, errors.New("record is not an object")
	}
	for _, field := range []string{"flow_id", "request", "response"} {
		if !rec.Get(field).Exists() {
			return flow, fmt.Errorf("missing %q", field)
		}
	}
	if err := json.Unmarshal(line, &flow); err != nil {
		return flow, err
	}
	return flow, nil
}

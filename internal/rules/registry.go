package rules

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/gjson"

	"flowguard/pkg/model"
)

// ConfigError 单条规则无效，不影响其他规则加载
type ConfigError struct {
	Index  int
	Name   string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("rule #%d: %s", e.Index, e.Reason)
	}
	return fmt.Sprintf("rule #%d (%s): %s", e.Index, e.Name, e.Reason)
}

// Matcher 编译后的不可变规则
type Matcher struct {
	Rule     model.PatternRule
	re       *regexp.Regexp
	validate func(match string) bool
}

// FindAll 返回通过校验的全部匹配
func (m *Matcher) FindAll(text string) []string {
	found := m.re.FindAllString(text, -1)
	if m.validate == nil || len(found) == 0 {
		return found
	}
	out := found[:0]
	for _, s := range found {
		if m.validate(s) {
			out = append(out, s)
		}
	}
	return out
}

// Snapshot 只读规则快照
type Snapshot struct {
	matchers []*Matcher
}

// Matchers 返回快照中的规则
func (s *Snapshot) Matchers() []*Matcher {
	if s == nil {
		return nil
	}
	return s.matchers
}

// Count 返回有效规则数量
func (s *Snapshot) Count() int {
	if s == nil {
		return 0
	}
	return len(s.matchers)
}

// Registry 规则注册表，重新加载时原子替换快照
type Registry struct {
	current atomic.Pointer[Snapshot]
}

var validate = validator.New()

// Load 逐条编译规则，无效规则跳过并返回诊断信息
func Load(defs []model.PatternRule) (*Registry, []*ConfigError) {
	r := &Registry{}
	diags := r.Reload(defs)
	return r, diags
}

// Reload 编译新规则集并原子替换当前快照
func (r *Registry) Reload(defs []model.PatternRule) []*ConfigError {
	snap, diags := compile(defs)
	r.current.Store(snap)
	return diags
}

// Snapshot 返回当前快照
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Count 返回当前有效规则数量
func (r *Registry) Count() int {
	return r.current.Load().Count()
}

func compile(defs []model.PatternRule) (*Snapshot, []*ConfigError) {
	snap := &Snapshot{matchers: make([]*Matcher, 0, len(defs))}
	var diags []*ConfigError
	for i, def := range defs {
		m, err := compileRule(def)
		if err != nil {
			diags = append(diags, &ConfigError{Index: i, Name: def.Name, Reason: err.Error()})
			continue
		}
		snap.matchers = append(snap.matchers, m)
	}
	return snap, diags
}

func compileRule(def model.PatternRule) (*Matcher, error) {
	return Compile(def, def.Check)
}

// Compile 编译单条规则，check 为可选的匹配后校验
func Compile(def model.PatternRule, check func(match string) bool) (*Matcher, error) {
	if sev, err := model.ParseSeverity(string(def.Severity)); err == nil {
		def.Severity = sev
	}
	if err := validate.Struct(def); err != nil {
		return nil, err
	}
	re, err := regexp.Compile("(?i)" + def.Pattern)
	if err != nil {
		return nil, err
	}
	return &Matcher{Rule: def, re: re, validate: check}, nil
}

// NewRegistry 由已编译的规则构建注册表
func NewRegistry(ms ...*Matcher) *Registry {
	r := &Registry{}
	r.current.Store(&Snapshot{matchers: ms})
	return r
}

// RuleFile 解析后的规则文件，诊断中的 Index 统一为条目在 patterns 数组中的下标
type RuleFile struct {
	Rules []model.PatternRule
	// Diags 格式错误、未进入 Rules 的条目
	Diags []*ConfigError
	// pos[i] 为 Rules[i] 在文件中的下标
	pos []int
}

// Resolve 将按 Rules 下标记录的编译诊断换算为文件下标，并与解析诊断合并，按下标排序。
// f 为 nil（内置规则）时原样返回 diags
func (f *RuleFile) Resolve(diags []*ConfigError) []*ConfigError {
	if f == nil {
		return diags
	}
	out := make([]*ConfigError, 0, len(f.Diags)+len(diags))
	out = append(out, f.Diags...)
	for _, d := range diags {
		cp := *d
		if d.Index >= 0 && d.Index < len(f.pos) {
			cp.Index = f.pos[d.Index]
		}
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Load 编译文件中的规则
func (f *RuleFile) Load() (*Registry, []*ConfigError) {
	r, diags := Load(f.Rules)
	return r, f.Resolve(diags)
}

// ParseFile 解析规则文件 {"patterns":[...]}，格式错误的条目单独记录
func ParseFile(data []byte) (*RuleFile, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("rules: invalid JSON")
	}
	f := &RuleFile{}
	patterns := gjson.GetBytes(data, "patterns")
	if !patterns.Exists() {
		return f, nil
	}
	if !patterns.IsArray() {
		return nil, fmt.Errorf("rules: \"patterns\" must be an array")
	}

	idx := 0
	patterns.ForEach(func(_, v gjson.Result) bool {
		i := idx
		idx++
		if !v.IsObject() {
			f.Diags = append(f.Diags, &ConfigError{Index: i, Reason: "entry is not an object"})
			return true
		}
		name, pattern, severity := v.Get("name"), v.Get("pattern"), v.Get("severity")
		if name.Type != gjson.String || pattern.Type != gjson.String {
			f.Diags = append(f.Diags, &ConfigError{Index: i, Name: name.String(), Reason: "name and pattern must be strings"})
			return true
		}
		sev := model.SeverityMedium
		if severity.Exists() {
			sev = model.Severity(severity.String())
		}
		f.Rules = append(f.Rules, model.PatternRule{Name: name.String(), Pattern: pattern.String(), Severity: sev})
		f.pos = append(f.pos, i)
		return true
	})
	return f, nil
}

// ReadFile 读取并解析规则文件，不编译
func ReadFile(path string) (*RuleFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: read %s: %w", path, err)
	}
	return ParseFile(data)
}

// LoadFile 读取规则文件并构建注册表
func LoadFile(path string) (*Registry, []*ConfigError, error) {
	f, err := ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	r, diags := f.Load()
	return r, diags, nil
}

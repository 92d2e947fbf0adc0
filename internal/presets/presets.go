package presets

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"pbpanel/internal/backtest"

	"gopkg.in/yaml.v3"
)

// ErrPresetNotFound 表示指定名称的预设不存在，同时匹配 backtest.ErrNotFound。
var ErrPresetNotFound = fmt.Errorf("preset %w", backtest.ErrNotFound)

const (
	dateLayout  = "2006-01-02"
	keepBackups = 10
)

// File 为 presets.yaml 的结构。
type File struct {
	Presets map[string]Entry `yaml:"presets"`
}

// Entry 为一组保存下来的回测/优化参数。
// 未给出 start_date/end_date 时按 lookback_days 从今天往回推。
type Entry struct {
	Symbol          string                `yaml:"symbol"`
	Exchange        string                `yaml:"exchange,omitempty"`
	Strategy        string                `yaml:"strategy"`
	StartDate       string                `yaml:"start_date,omitempty"`
	EndDate         string                `yaml:"end_date,omitempty"`
	LookbackDays    int                   `yaml:"lookback_days,omitempty"`
	Parameters      map[string]float64    `yaml:"parameters,omitempty"`
	Method          string                `yaml:"method,omitempty"`
	ParameterRanges map[string][2]float64 `yaml:"parameter_ranges,omitempty"`
	Iterations      int                   `yaml:"iterations,omitempty"`
}

// Store 读写 presets.yaml，写入前备份并以临时文件 + rename 原子替换。
type Store struct {
	path string
	mu   sync.RWMutex
	now  func() time.Time
}

func NewStore(path string) *Store {
	return &Store{path: path, now: time.Now}
}

func (s *Store) Path() string { return s.path }

// Read 读取全部预设；文件不存在时返回空集合。
func (s *Store) Read() (*File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read()
}

func (s *Store) read() (*File, error) {
	f := &File{Presets: make(map[string]Entry)}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("读取 presets 失败: %w", err)
	}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("解析 presets 失败: %w", err)
	}
	if f.Presets == nil {
		f.Presets = make(map[string]Entry)
	}
	return f, nil
}

func (s *Store) write(f *File) error {
	if err := s.backup(); err != nil {
		return fmt.Errorf("备份失败: %w", err)
	}
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("序列化 presets 失败: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("写入临时文件失败: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("替换 presets 文件失败: %w", err)
	}
	return nil
}

func (s *Store) backup() error {
	src, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer src.Close()

	dir := filepath.Join(filepath.Dir(s.path), "backups")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	name := fmt.Sprintf("presets_%s.yaml", s.now().Format("20060102_150405.000"))
	dst, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return err
	}
	pruneBackups(dir, keepBackups)
	return nil
}

// pruneBackups 只保留最新的 keep 份备份（文件名按时间排序）。
func pruneBackups(dir string, keep int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "presets_") && strings.HasSuffix(e.Name(), ".yaml") {
			names = append(names, e.Name())
		}
	}
	if len(names) <= keep {
		return
	}
	sort.Strings(names)
	for _, n := range names[:len(names)-keep] {
		_ = os.Remove(filepath.Join(dir, n))
	}
}

// List 返回按名称排序的预设名。
func (s *Store) List() ([]string, error) {
	f, err := s.Read()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(f.Presets))
	for k := range f.Presets {
		names = append(names, k)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) Get(name string) (Entry, error) {
	f, err := s.Read()
	if err != nil {
		return Entry{}, err
	}
	e, ok := f.Presets[name]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrPresetNotFound, name)
	}
	return e, nil
}

// Save 新增或覆盖预设。
func (s *Store) Save(name string, e Entry) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("preset name 不能为空")
	}
	if strings.TrimSpace(e.Symbol) == "" || strings.TrimSpace(e.Strategy) == "" {
		return errors.New("preset 需要 symbol 与 strategy")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.read()
	if err != nil {
		return err
	}
	f.Presets[name] = e
	return s.write(f)
}

func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.read()
	if err != nil {
		return err
	}
	if _, ok := f.Presets[name]; !ok {
		return fmt.Errorf("%w: %s", ErrPresetNotFound, name)
	}
	delete(f.Presets, name)
	return s.write(f)
}

// Params 将预设展开为回测请求参数。
func (s *Store) Params(name string) (backtest.Params, error) {
	e, err := s.Get(name)
	if err != nil {
		return backtest.Params{}, err
	}
	return e.params(s.now())
}

// OptimizeParams 将预设展开为优化请求参数，要求预设带有 parameter_ranges。
func (s *Store) OptimizeParams(name string) (backtest.OptimizeParams, error) {
	e, err := s.Get(name)
	if err != nil {
		return backtest.OptimizeParams{}, err
	}
	if len(e.ParameterRanges) == 0 {
		return backtest.OptimizeParams{}, fmt.Errorf("preset %s 没有 parameter_ranges", name)
	}
	p, err := e.params(s.now())
	if err != nil {
		return backtest.OptimizeParams{}, err
	}
	ranges := make(map[string][2]float64, len(e.ParameterRanges))
	for k, v := range e.ParameterRanges {
		ranges[k] = v
	}
	return backtest.OptimizeParams{Params: p, Method: e.Method, ParameterRanges: ranges, Iterations: e.Iterations}, nil
}

func (e Entry) params(now time.Time) (backtest.Params, error) {
	start, end := e.StartDate, e.EndDate
	if start == "" || end == "" {
		days := e.LookbackDays
		if days <= 0 {
			days = 30
		}
		today := now.UTC()
		end = today.Format(dateLayout)
		start = today.AddDate(0, 0, -days).Format(dateLayout)
	}
	for _, d := range []string{start, end} {
		if _, err := time.Parse(dateLayout, d); err != nil {
			return backtest.Params{}, fmt.Errorf("preset 日期非法 %q", d)
		}
	}
	params := make(map[string]float64, len(e.Parameters))
	for k, v := range e.Parameters {
		params[k] = v
	}
	return backtest.Params{
		Symbol:     strings.ToUpper(e.Symbol),
		Exchange:   e.Exchange,
		StartDate:  start,
		EndDate:    end,
		Strategy:   e.Strategy,
		Parameters: params,
	}, nil
}

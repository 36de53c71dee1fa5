// Package recoverylog 是只追加的恢复记录日志，每行一个JSON对象。
package recoverylog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind 记录类型
type Kind string

const (
	// KindAction 执行（或演练）了一个恢复动作
	KindAction Kind = "action"
	// KindAlert 被动模式下只告警不执行
	KindAlert Kind = "alert"
)

// 触发来源
const (
	TriggerAuto   = "auto"
	TriggerManual = "manual"
)

// Record 一条恢复记录，追加后不可修改
type Record struct {
	ID         string    `json:"id"`
	Service    string    `json:"service"`
	Kind       Kind      `json:"kind"`
	Action     string    `json:"action"`
	Trigger    string    `json:"trigger"`
	Attempt    int       `json:"attempt"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	Detail     string    `json:"detail"`
	DryRun     bool      `json:"dry_run"`
}

// Filter 查询条件，零值字段不参与过滤
type Filter struct {
	Service string
	Kind    Kind
	// Since 包含，Until 不包含
	Since time.Time
	Until time.Time
	// Limit 只返回最近的Limit条
	Limit int
}

func (f Filter) match(r Record) bool {
	if f.Service != "" && r.Service != f.Service {
		return false
	}
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	if !f.Since.IsZero() && r.StartedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !r.StartedAt.Before(f.Until) {
		return false
	}
	return true
}

// Log 恢复记录日志
type Log struct {
	mu      sync.RWMutex
	path    string
	file    *os.File
	records []Record
	skipped int
}

// NewMemory 创建不落盘的日志
func NewMemory() *Log {
	return &Log{}
}

// Open 打开（或创建）日志文件并加载已有记录，无法解析的行被跳过
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建日志目录失败: %w", err)
	}

	l := &Log{path: path}
	if err := l.load(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("打开恢复日志失败: %w", err)
	}
	l.file = f
	return l, nil
}

func (l *Log) load() error {
	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("读取恢复日志失败: %w", err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(line, &r); err != nil || r.ID == "" {
			// 崩溃时可能留下半行
			l.skipped++
			continue
		}
		l.records = append(l.records, r)
	}
	return scanner.Err()
}

// Path 日志文件路径，内存日志为空
func (l *Log) Path() string {
	return l.path
}

// Skipped 加载时跳过的无效行数
func (l *Log) Skipped() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.skipped
}

// Append 追加一条记录，ID为空时自动生成，返回最终写入的记录
func (l *Log) Append(r Record) (Record, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Kind == "" {
		r.Kind = KindAction
	}
	r.StartedAt = r.StartedAt.UTC()
	// JSON会替换无效的UTF-8，内存中的记录需与落盘内容一致
	r.Detail = strings.ToValidUTF8(r.Detail, "\uFFFD")

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		line, err := json.Marshal(r)
		if err != nil {
			return Record{}, fmt.Errorf("序列化恢复记录失败: %w", err)
		}
		line = append(line, '\n')
		if _, err := l.file.Write(line); err != nil {
			return Record{}, fmt.Errorf("写入恢复日志失败: %w", err)
		}
		if err := l.file.Sync(); err != nil {
			return Record{}, fmt.Errorf("同步恢复日志失败: %w", err)
		}
	}

	l.records = append(l.records, r)
	return r, nil
}

// All 返回全部记录的副本
func (l *Log) All() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

// Len 记录条数
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Tail 返回最近的n条记录
func (l *Log) Tail(n int) []Record {
	return l.Query(Filter{Limit: n})
}

// Query 按条件查询，结果保持追加顺序
func (l *Log) Query(f Filter) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Record, 0)
	for _, r := range l.records {
		if f.match(r) {
			out = append(out, r)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// Close 关闭日志文件
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

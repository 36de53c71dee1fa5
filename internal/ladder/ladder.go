// Package ladder 定义按顺序升级的恢复动作：重启 -> 清理 -> 修复。
package ladder

import (
	"context"
	"fmt"
	"time"

	"github.com/hewenyu/selfheal/internal/config"
)

// ActionType 恢复动作类型
type ActionType string

const (
	Restart ActionType = "restart"
	Cleanup ActionType = "cleanup"
	Repair  ActionType = "repair"
)

// ParseActionType 解析动作名称
func ParseActionType(s string) (ActionType, error) {
	switch t := ActionType(s); t {
	case Restart, Cleanup, Repair:
		return t, nil
	default:
		return "", fmt.Errorf("未知的恢复动作: %q", s)
	}
}

// Options 单次执行的参数
type Options struct {
	// Gentle 为true时重启先发送SIGTERM，等待Grace后再强制结束
	Gentle bool
	Grace  time.Duration
	// LogDir 重启进程的输出目录，为空时丢弃输出
	LogDir string
}

// Action 一级恢复动作
type Action interface {
	Type() ActionType
	// Execute 执行动作并返回描述；返回错误表示动作本身没能执行
	Execute(ctx context.Context, svc config.ServiceConfig, opts Options) (string, error)
}

// ExecutionError 恢复动作执行失败
type ExecutionError struct {
	Action  ActionType
	Service string
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s %s 执行失败: %v", e.Service, e.Action, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Ladder 有序的恢复动作列表
type Ladder struct {
	rungs  []Action
	byType map[ActionType]Action
}

// New 按给定顺序创建阶梯，同一类型只能出现一次
func New(actions ...Action) (*Ladder, error) {
	if len(actions) == 0 {
		return nil, fmt.Errorf("恢复阶梯至少需要一个动作")
	}

	l := &Ladder{byType: make(map[ActionType]Action, len(actions))}
	for _, a := range actions {
		if _, exists := l.byType[a.Type()]; exists {
			return nil, fmt.Errorf("重复的恢复动作: %s", a.Type())
		}
		l.byType[a.Type()] = a
		l.rungs = append(l.rungs, a)
	}
	return l, nil
}

// Default 返回标准阶梯 [restart, cleanup, repair]
func Default(pm ProcessManager, runner CommandRunner) *Ladder {
	l, _ := New(
		NewRestartAction(pm),
		NewCleanupAction(runner),
		NewRepairAction(runner),
	)
	return l
}

// Len 阶梯级数
func (l *Ladder) Len() int {
	return len(l.rungs)
}

// Rung 返回第i级动作，超出范围时停留在最后一级
func (l *Ladder) Rung(i int) Action {
	if i < 0 {
		i = 0
	}
	if i >= len(l.rungs) {
		i = len(l.rungs) - 1
	}
	return l.rungs[i]
}

// Lookup 按类型查找动作
func (l *Ladder) Lookup(t ActionType) (Action, bool) {
	a, ok := l.byType[t]
	return a, ok
}

// Types 按阶梯顺序返回动作类型
func (l *Ladder) Types() []ActionType {
	out := make([]ActionType, len(l.rungs))
	for i, a := range l.rungs {
		out[i] = a.Type()
	}
	return out
}

// Execute 执行动作，错误统一包装为ExecutionError
func Execute(ctx context.Context, a Action, svc config.ServiceConfig, opts Options) (string, error) {
	detail, err := a.Execute(ctx, svc, opts)
	if err != nil {
		return detail, &ExecutionError{Action: a.Type(), Service: svc.Name, Err: err}
	}
	return detail, nil
}

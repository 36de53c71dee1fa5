package probe

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// 超时和取消时的固定描述
const (
	DetailTimeout  = "timeout"
	DetailCanceled = "canceled"
)

// Outcome 一次探测的结果，普通失败用OK=false表示而不是返回错误
type Outcome struct {
	OK        bool      `json:"ok"`
	Detail    string    `json:"detail"`
	LatencyMs int64     `json:"latency_ms"`
	CheckedAt time.Time `json:"checked_at"`
}

// Probe 检查一个被监控依赖是否可达、可用，不得有副作用
type Probe interface {
	Check(ctx context.Context) Outcome
}

// Func 把普通函数适配为Probe
type Func func(ctx context.Context) Outcome

// Check 实现Probe接口
func (f Func) Check(ctx context.Context) Outcome {
	return f(ctx)
}

// Ok 构造成功结果
func Ok(format string, args ...interface{}) Outcome {
	return Outcome{OK: true, Detail: fmt.Sprintf(format, args...)}
}

// Fail 构造失败结果
func Fail(format string, args ...interface{}) Outcome {
	return Outcome{OK: false, Detail: fmt.Sprintf(format, args...)}
}

// Run 在超时限制内执行探测并记录耗时
// 探测卡住时不会等待它返回，超时即视为失败
func Run(ctx context.Context, p Probe, timeout time.Duration) Outcome {
	start := time.Now()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ch := make(chan Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- Fail("probe panic: %v", r)
			}
		}()
		ch <- p.Check(ctx)
	}()

	var out Outcome
	select {
	case out = <-ch:
		if !out.OK && ctx.Err() != nil {
			out.Detail = ctxDetail(ctx)
		}
	case <-ctx.Done():
		out = Outcome{OK: false, Detail: ctxDetail(ctx)}
	}

	out.LatencyMs = time.Since(start).Milliseconds()
	out.CheckedAt = start.UTC()
	return out
}

func ctxDetail(ctx context.Context) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return DetailTimeout
	}
	return DetailCanceled
}

// Truncate 把过长的输出截断到至多n字节，不切开多字节字符
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

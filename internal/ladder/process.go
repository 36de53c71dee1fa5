package ladder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hewenyu/selfheal/internal/config"
	"github.com/hewenyu/selfheal/internal/probe"
	"github.com/jonboulle/clockwork"
)

// ProcessManager 进程的结束与启动
type ProcessManager interface {
	// Terminate 结束进程；gentle为true时先SIGTERM，grace后SIGKILL
	Terminate(ctx context.Context, pid int, gentle bool, grace time.Duration) error
	// Spawn 在后台启动命令并返回pid，输出写入logPath
	Spawn(ctx context.Context, spec config.CommandSpec, logPath string) (int, error)
}

// CommandRunner 执行一次性命令并返回输出
type CommandRunner interface {
	Run(ctx context.Context, spec config.CommandSpec) (string, error)
}

// OSProcessManager 基于操作系统信号的ProcessManager
type OSProcessManager struct {
	clock clockwork.Clock
	poll  time.Duration
}

// NewOSProcessManager 创建ProcessManager
func NewOSProcessManager(clock clockwork.Clock) *OSProcessManager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &OSProcessManager{clock: clock, poll: 100 * time.Millisecond}
}

// Terminate 实现ProcessManager
func (m *OSProcessManager) Terminate(ctx context.Context, pid int, gentle bool, grace time.Duration) error {
	if !probe.ProcessAlive(pid) {
		return nil
	}

	target := signalTarget(pid)

	if gentle {
		if err := sendSignal(target, syscall.SIGTERM); err != nil {
			return fmt.Errorf("发送SIGTERM失败: %w", err)
		}
		if m.waitExit(ctx, pid, grace) {
			return nil
		}
	}

	if err := sendSignal(target, syscall.SIGKILL); err != nil {
		return fmt.Errorf("发送SIGKILL失败: %w", err)
	}
	if !m.waitExit(ctx, pid, 5*time.Second) {
		return fmt.Errorf("进程 %d 未退出", pid)
	}
	return nil
}

// signalTarget 进程是自己进程组的组长时（Spawn启动的进程都是）返回-pid，信号发给整个进程组
func signalTarget(pid int) int {
	pgid, err := syscall.Getpgid(pid)
	if err != nil || pgid != pid {
		return pid
	}
	if own, err := syscall.Getpgid(os.Getpid()); err == nil && own == pgid {
		return pid
	}
	return -pid
}

func sendSignal(target int, sig syscall.Signal) error {
	if err := syscall.Kill(target, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// waitExit 轮询直到进程退出或超时
func (m *OSProcessManager) waitExit(ctx context.Context, pid int, timeout time.Duration) bool {
	deadline := m.clock.After(timeout)
	for {
		if !probe.ProcessAlive(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline:
			return !probe.ProcessAlive(pid)
		case <-m.clock.After(m.poll):
		}
	}
}

// Spawn 实现ProcessManager，子进程放入独立进程组，不随调用方ctx结束
func (m *OSProcessManager) Spawn(ctx context.Context, spec config.CommandSpec, logPath string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var out io.WriteCloser = nopWriteCloser{io.Discard}
	if logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
			return 0, fmt.Errorf("创建日志目录失败: %w", err)
		}
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, fmt.Errorf("打开进程日志失败: %w", err)
		}
		fmt.Fprintf(f, "[%s] starting %s %s\n", time.Now().UTC().Format(time.RFC3339), spec.Command, strings.Join(spec.Args, " "))
		out = f
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = mergeEnv(spec.Env)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		out.Close()
		return 0, err
	}

	// 回收子进程，避免僵尸进程让存活检测误判
	go func() {
		_ = cmd.Wait()
		out.Close()
	}()

	return cmd.Process.Pid, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// ExecRunner 使用os/exec的CommandRunner
type ExecRunner struct{}

// Run 实现CommandRunner
func (ExecRunner) Run(ctx context.Context, spec config.CommandSpec) (string, error) {
	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = mergeEnv(spec.Env)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()

	output := probe.Truncate(strings.TrimSpace(buf.String()), 500)
	if err != nil {
		if output != "" {
			return output, fmt.Errorf("%w: %s", err, output)
		}
		return output, err
	}
	return output, nil
}

func mergeEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

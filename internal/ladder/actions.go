package ladder

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hewenyu/selfheal/internal/config"
	"github.com/hewenyu/selfheal/internal/probe"
)

// restartAction 结束旧进程并重新启动
type restartAction struct {
	pm ProcessManager
}

// NewRestartAction 创建重启动作
func NewRestartAction(pm ProcessManager) Action {
	return &restartAction{pm: pm}
}

func (a *restartAction) Type() ActionType { return Restart }

func (a *restartAction) Execute(ctx context.Context, svc config.ServiceConfig, opts Options) (string, error) {
	spec := svc.Restart.CommandSpec
	if spec.Command == "" {
		return "", errors.New("未配置重启命令")
	}

	pidFile := svc.Restart.PIDFile
	if pidFile == "" {
		pidFile = svc.Probe.PIDFile
	}

	var parts []string
	if pidFile != "" {
		pid, err := probe.ReadPIDFile(pidFile)
		switch {
		case err == nil:
			if err := a.pm.Terminate(ctx, pid, opts.Gentle, opts.Grace); err != nil {
				return "", fmt.Errorf("结束进程 %d 失败: %w", pid, err)
			}
			parts = append(parts, fmt.Sprintf("stopped pid %d", pid))
		case errors.Is(err, fs.ErrNotExist):
			// 没有旧进程
		default:
			return "", err
		}
	}

	if err := ctx.Err(); err != nil {
		return strings.Join(parts, "; "), err
	}

	logPath := ""
	if opts.LogDir != "" {
		logPath = filepath.Join(opts.LogDir, svc.Name+".log")
	}

	pid, err := a.pm.Spawn(ctx, spec, logPath)
	if err != nil {
		return strings.Join(parts, "; "), fmt.Errorf("启动失败: %w", err)
	}
	parts = append(parts, fmt.Sprintf("started pid %d", pid))

	if pidFile != "" {
		if err := writePIDFile(pidFile, pid); err != nil {
			return strings.Join(parts, "; "), err
		}
	}
	return strings.Join(parts, "; "), nil
}

func writePIDFile(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("创建PID目录失败: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return fmt.Errorf("写入PID文件失败: %w", err)
	}
	return os.Rename(tmp, path)
}

// cleanupAction 删除锁文件、缓存等残留并执行清理命令
type cleanupAction struct {
	runner CommandRunner
}

// NewCleanupAction 创建清理动作
func NewCleanupAction(runner CommandRunner) Action {
	return &cleanupAction{runner: runner}
}

func (a *cleanupAction) Type() ActionType { return Cleanup }

func (a *cleanupAction) Execute(ctx context.Context, svc config.ServiceConfig, _ Options) (string, error) {
	cfg := svc.Cleanup
	if len(cfg.Paths) == 0 && cfg.Command.Command == "" {
		return "nothing to clean", nil
	}

	removed := 0
	for _, pattern := range cfg.Paths {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return "", fmt.Errorf("无效的清理路径 %q: %w", pattern, err)
		}
		for _, m := range matches {
			if err := os.RemoveAll(m); err != nil {
				return "", fmt.Errorf("删除 %s 失败: %w", m, err)
			}
			removed++
		}
	}

	detail := fmt.Sprintf("removed %d paths", removed)
	if cfg.Command.Command == "" {
		return detail, nil
	}

	out, err := a.runner.Run(ctx, cfg.Command)
	if err != nil {
		return detail, err
	}
	return joinDetail(detail, out), nil
}

// repairAction 重建目录并执行修复命令（例如重新安装）
type repairAction struct {
	runner CommandRunner
}

// NewRepairAction 创建修复动作
func NewRepairAction(runner CommandRunner) Action {
	return &repairAction{runner: runner}
}

func (a *repairAction) Type() ActionType { return Repair }

func (a *repairAction) Execute(ctx context.Context, svc config.ServiceConfig, _ Options) (string, error) {
	cfg := svc.Repair
	if len(cfg.EnsureDirs) == 0 && cfg.Command.Command == "" {
		return "nothing to repair", nil
	}

	for _, dir := range cfg.EnsureDirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("创建目录 %s 失败: %w", dir, err)
		}
	}

	detail := fmt.Sprintf("ensured %d dirs", len(cfg.EnsureDirs))
	if cfg.Command.Command == "" {
		return detail, nil
	}

	out, err := a.runner.Run(ctx, cfg.Command)
	if err != nil {
		return detail, err
	}
	return joinDetail(detail, out), nil
}

func joinDetail(detail, output string) string {
	if output == "" {
		return detail
	}
	if i := strings.IndexByte(output, '\n'); i >= 0 {
		output = output[:i]
	}
	return detail + "; " + output
}

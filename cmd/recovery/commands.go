package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hewenyu/selfheal/internal/apihandler"
	"github.com/hewenyu/selfheal/internal/client"
	"github.com/hewenyu/selfheal/internal/config"
	"github.com/hewenyu/selfheal/internal/engine"
	"github.com/hewenyu/selfheal/internal/recoverylog"
)

// defaultConfigPath 未指定--config时--init-config与离线--mode写入的位置
const defaultConfigPath = "configs/config.yaml"

// apiAddr 控制API地址，--addr优先于配置
func apiAddr(opts *options, cfg *config.Config) string {
	if opts.addr != "" {
		return opts.addr
	}
	return net.JoinHostPort(cfg.API.ListenAddress, strconv.Itoa(cfg.API.Port))
}

func newClient(opts *options, cfg *config.Config) (*client.Client, error) {
	return client.NewClient(&client.Config{ServerAddr: apiAddr(opts, cfg)})
}

// triggerClient 人工触发要等待动作和复查完成，超时相应放宽
func triggerClient(opts *options, cfg *config.Config) (*client.Client, error) {
	r := cfg.Recovery
	timeout := r.ActionTimeout() + r.FollowUpDelay() + r.ProbeTimeout() + 5*time.Second
	return client.NewClient(&client.Config{ServerAddr: apiAddr(opts, cfg), Timeout: timeout})
}

// offlineLogger 离线命令只输出警告以上的日志
func offlineLogger(cfg *config.Config, verbose bool) (config.Logger, error) {
	lc := cfg.Log
	lc.Level = "warn"
	if verbose {
		lc.Level = "debug"
	}
	return config.NewLoggerFromConfig(lc)
}

// withLocalEngine 守护进程未运行时在本进程内创建引擎执行fn
func withLocalEngine(opts *options, cfg *config.Config, fn func(*engine.Engine) int) int {
	logger, err := offlineLogger(cfg, opts.verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	eng, log, err := openEngine(config.NewStore(cfg), logger, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "创建恢复引擎失败: %v\n", err)
		return 1
	}
	defer log.Close()
	defer eng.Close()

	return fn(eng)
}

func cmdStop(opts *options) int {
	_, cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		return 1
	}
	c, err := newClient(opts, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Shutdown(ctx); err != nil {
		if errors.Is(err, client.ErrUnavailable) {
			fmt.Println("守护进程未运行")
			return 0
		}
		fmt.Fprintf(os.Stderr, "停止失败: %v\n", err)
		return 1
	}
	fmt.Println("已请求守护进程停止，进行中的恢复动作完成后退出")
	return 0
}

func cmdStatus(opts *options) int {
	_, cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		return 1
	}
	c, err := newClient(opts, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	tail := 0
	if opts.verbose {
		tail = 20
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	report, err := c.Status(ctx, "", tail)
	if err == nil {
		renderStatus(os.Stdout, report, opts.verbose)
		return 0
	}
	if !errors.Is(err, client.ErrUnavailable) {
		fmt.Fprintf(os.Stderr, "查询状态失败: %v\n", err)
		return 1
	}

	// 没有守护进程时做一轮本地探测
	return withLocalEngine(opts, cfg, func(eng *engine.Engine) int {
		eng.Tick(ctx)
		report, err := eng.Status(engine.StatusQuery{Tail: tail})
		if err != nil {
			fmt.Fprintf(os.Stderr, "查询状态失败: %v\n", err)
			return 1
		}
		fmt.Println("守护进程未运行，以下为一次本地探测的结果")
		renderStatus(os.Stdout, report, opts.verbose)
		return 0
	})
}

func cmdTrigger(opts *options) int {
	_, cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		return 1
	}
	c, err := triggerClient(opts, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	ctx := context.Background()
	rec, err := c.Trigger(ctx, opts.trigger, apihandler.TriggerRequest{
		Action: opts.action,
		DryRun: opts.dryRun,
		Gentle: opts.gentle,
	})
	if errors.Is(err, client.ErrUnavailable) {
		// 人工触发不依赖监控循环
		return withLocalEngine(opts, cfg, func(eng *engine.Engine) int {
			rec, err := eng.TriggerRecovery(ctx, opts.trigger, opts.action, engine.TriggerOptions{
				DryRun: opts.dryRun,
				Gentle: opts.gentle,
			})
			return reportTrigger(rec, err)
		})
	}
	return reportTrigger(rec, err)
}

func reportTrigger(rec recoverylog.Record, err error) int {
	switch {
	case engine.IsCode(err, engine.CodeAlreadyRecovering):
		fmt.Fprintf(os.Stderr, "服务正在恢复中，请稍后再试: %v\n", err)
		return 1
	case engine.IsCode(err, engine.CodeUnknownService):
		fmt.Fprintf(os.Stderr, "未知服务: %v\n", err)
		return 1
	case err != nil:
		fmt.Fprintf(os.Stderr, "触发恢复失败: %v\n", err)
		return 1
	}
	renderRecord(os.Stdout, rec)
	return 0
}

func cmdExport(opts *options) int {
	_, cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		return 1
	}

	format, err := recoverylog.ParseFormat(opts.export)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	dir := opts.output
	if dir != "" {
		// 守护进程的工作目录可能不同
		if abs, err := filepath.Abs(dir); err == nil {
			dir = abs
		}
	}

	c, err := newClient(opts, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	path, err := c.Export(ctx, string(format), dir)
	if errors.Is(err, client.ErrUnavailable) {
		path, err = exportLocal(cfg, format, dir)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "导出失败: %v\n", err)
		return 1
	}
	fmt.Println(path)
	return 0
}

// exportLocal 直接读取日志文件导出
func exportLocal(cfg *config.Config, format recoverylog.Format, dir string) (string, error) {
	log, err := recoverylog.Open(cfg.Storage.LogPath())
	if err != nil {
		return "", err
	}
	defer log.Close()

	if dir == "" {
		dir = cfg.Storage.ExportPath()
	}
	return log.Export(format, dir)
}

func cmdReset(opts *options) int {
	_, cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		return 1
	}
	c, err := newClient(opts, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap, err := c.Reset(ctx, opts.reset)
	switch {
	case errors.Is(err, client.ErrUnavailable):
		fmt.Fprintln(os.Stderr, "守护进程未运行，服务状态只存在于运行中的守护进程")
		return 1
	case err != nil:
		fmt.Fprintf(os.Stderr, "重置失败: %v\n", err)
		return 1
	}
	fmt.Printf("%s 已重置为 %s\n", snap.Name, colorStatus(snap.Status, 0))
	return 0
}

func cmdMode(opts *options, dryRunChanged bool) int {
	loader, cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		return 1
	}
	c, err := newClient(opts, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	req := apihandler.ModeRequest{Mode: opts.mode}
	if dryRunChanged {
		dryRun := opts.dryRun
		req.DryRun = &dryRun
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := c.SetMode(ctx, req)
	if err == nil {
		fmt.Printf("恢复模式: %s，演练: %t\n", out.Mode, out.DryRun)
		return 0
	}
	if !errors.Is(err, client.ErrUnavailable) {
		fmt.Fprintf(os.Stderr, "切换模式失败: %v\n", err)
		return 1
	}

	// 守护进程未运行时写入配置文件，下次启动生效
	if opts.mode != "" {
		cfg.Recovery.Mode = opts.mode
	}
	if dryRunChanged {
		cfg.Recovery.DryRun = opts.dryRun
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "切换模式失败: %v\n", err)
		return 1
	}

	path := loader.ConfigFile()
	if path == "" {
		path = defaultConfigPath
	}
	if err := config.Save(path, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "写入配置文件失败: %v\n", err)
		return 1
	}
	fmt.Printf("守护进程未运行，已写入 %s: 恢复模式 %s，演练 %t\n", path, cfg.Recovery.Mode, cfg.Recovery.DryRun)
	return 0
}

func cmdInitConfig(opts *options) int {
	path := opts.configFile
	if path == "" {
		path = defaultConfigPath
	}
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(os.Stderr, "配置文件已存在: %s\n", path)
		return 1
	}

	if err := config.Save(path, exampleConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "写入配置文件失败: %v\n", err)
		return 1
	}
	fmt.Printf("已写入默认配置: %s\n", path)
	return 0
}

// exampleConfig 默认配置加一个示例服务
func exampleConfig() *config.Config {
	cfg := config.Defaults()
	work := cfg.Storage.WorkDir
	pidFile := filepath.Join(work, "claude.pid")

	cfg.Services = []config.ServiceConfig{
		{
			Name: "claude",
			Probe: config.ProbeConfig{
				Type:    "pid",
				PIDFile: pidFile,
			},
			Restart: config.RestartConfig{
				CommandSpec: config.CommandSpec{Command: "claude", Args: []string{"--daemon"}},
				PIDFile:     pidFile,
			},
			Cleanup: config.CleanupConfig{
				Paths: []string{filepath.Join(work, "tmp", "*")},
			},
			Repair: config.RepairConfig{
				EnsureDirs: []string{filepath.Join(work, "tmp"), filepath.Join(work, "sessions")},
			},
		},
	}
	return cfg
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hewenyu/selfheal/internal/apihandler"
	"github.com/hewenyu/selfheal/internal/config"
	"github.com/hewenyu/selfheal/internal/engine"
	"github.com/hewenyu/selfheal/internal/metrics"
	"github.com/hewenyu/selfheal/internal/recoverylog"
	"go.uber.org/zap"
)

// daemon 运行中的守护进程持有的组件
type daemon struct {
	loader  *config.Loader
	store   *config.Store
	logger  config.Logger
	log     *recoverylog.Log
	metrics *metrics.Metrics
	engine  *engine.Engine
	api     *apihandler.EchoHandler
}

// loadConfig 加载并校验配置
func loadConfig(opts *options) (*config.Loader, *config.Config, error) {
	loader := config.NewLoader(opts.configFile)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	return loader, cfg, nil
}

// newLogger 按配置创建日志，verbose时使用debug级别
func newLogger(cfg *config.Config, verbose bool) (config.Logger, error) {
	lc := cfg.Log
	if verbose {
		lc.Level = "debug"
	}
	return config.NewLoggerFromConfig(lc)
}

// openEngine 打开恢复日志并创建引擎，守护进程与离线命令共用
func openEngine(store *config.Store, logger config.Logger, m *metrics.Metrics) (*engine.Engine, *recoverylog.Log, error) {
	cfg := store.Load()

	log, err := recoverylog.Open(cfg.Storage.LogPath())
	if err != nil {
		return nil, nil, err
	}
	if n := log.Skipped(); n > 0 {
		logger.Warn("恢复日志中有无法解析的行已跳过", zap.Int("lines", n), zap.String("path", log.Path()))
	}

	eng, err := engine.New(store, log, logger, engine.WithMetrics(m))
	if err != nil {
		_ = log.Close()
		return nil, nil, err
	}
	return eng, log, nil
}

func cmdStart(opts *options) int {
	loader, cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		return 1
	}

	if opts.dryRun {
		cfg.Recovery.DryRun = true
	}
	if opts.gentle {
		cfg.Recovery.GentleStop = true
	}

	// 已有守护进程在运行
	if c, err := newClient(opts, cfg); err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		pingErr := c.Ping(ctx)
		cancel()
		if pingErr == nil {
			fmt.Fprintln(os.Stderr, "守护进程已在运行")
			return 1
		}
	}

	logger, err := newLogger(cfg, opts.verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		return 1
	}

	d, err := newDaemon(loader, cfg, logger)
	if err != nil {
		logger.Error("启动失败", zap.Error(err))
		return 1
	}
	return d.run()
}

func newDaemon(loader *config.Loader, cfg *config.Config, logger config.Logger) (*daemon, error) {
	store := config.NewStore(cfg)
	m := metrics.New()

	eng, log, err := openEngine(store, logger, m)
	if err != nil {
		return nil, err
	}

	return &daemon{
		loader:  loader,
		store:   store,
		logger:  logger,
		log:     log,
		metrics: m,
		engine:  eng,
	}, nil
}

// run 启动监控循环与控制API，阻塞到收到信号或停止请求
func (d *daemon) run() int {
	stopCh := make(chan struct{}, 1)
	d.api = apihandler.NewAPIHandler(d.store, d.logger, d.engine, d.metrics, func() {
		select {
		case stopCh <- struct{}{}:
		default:
		}
	})

	cfg := d.store.Load()
	d.logger.Info("Self-heal recovery daemon starting...",
		zap.String("config_file", d.loader.ConfigFile()),
		zap.Int("services", len(cfg.Services)),
		zap.String("mode", cfg.Recovery.Mode),
		zap.Bool("dry_run", cfg.Recovery.DryRun),
		zap.String("log_file", d.log.Path()),
	)

	if d.loader.ConfigFile() != "" {
		d.loader.Watch(d.store, d.logger)
	}

	if err := d.engine.Start(context.Background()); err != nil {
		d.logger.Error("启动监控循环失败", zap.Error(err))
		d.close()
		return 1
	}
	if err := d.api.Start(); err != nil {
		d.logger.Error("启动控制API失败", zap.Error(err))
		d.engine.Stop()
		d.close()
		return 1
	}

	// 等待信号或停止请求以优雅关闭
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		d.logger.Info("接收到关闭信号，正在优雅关闭...", zap.String("signal", sig.String()))
	case <-stopCh:
		d.logger.Info("接收到停止请求，正在优雅关闭...")
	}

	// 先停止循环，等待进行中的恢复动作完成
	d.engine.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.api.Shutdown(ctx); err != nil {
		d.logger.Warn("关闭控制API出错", zap.Error(err))
	}

	d.close()
	d.logger.Info("守护进程已停止")
	return 0
}

func (d *daemon) close() {
	if err := d.engine.Close(); err != nil {
		d.logger.Warn("释放探针失败", zap.Error(err))
	}
	if err := d.log.Close(); err != nil {
		d.logger.Warn("关闭恢复日志失败", zap.Error(err))
	}
	// 输出到终端时Sync可能返回EINVAL，忽略
	_ = d.logger.Sync()
}

// Package engine 是恢复引擎：周期探测所有服务，驱动健康状态机，
// 在服务变为unhealthy时按恢复阶梯执行动作，并接受人工触发。
package engine

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hewenyu/selfheal/internal/config"
	"github.com/hewenyu/selfheal/internal/health"
	"github.com/hewenyu/selfheal/internal/ladder"
	"github.com/hewenyu/selfheal/internal/metrics"
	"github.com/hewenyu/selfheal/internal/probe"
	"github.com/hewenyu/selfheal/internal/recoverylog"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Engine 恢复引擎
type Engine struct {
	store   *config.Store
	log     *recoverylog.Log
	logger  config.Logger
	clock   clockwork.Clock
	metrics *metrics.Metrics
	table   *health.Table
	ladder  *ladder.Ladder
	probes  map[string]probe.Probe

	// lifecycle 串行化Start与Stop
	lifecycle sync.Mutex
	running   atomic.Bool

	mu       sync.Mutex
	stopping bool
	loopCtx  context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	episodes sync.WaitGroup
}

// Option 引擎选项
type Option func(*Engine)

// WithClock 指定时钟，测试中使用假时钟
func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithMetrics 指定指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithLadder 替换默认的恢复阶梯
func WithLadder(l *ladder.Ladder) Option {
	return func(e *Engine) {
		e.ladder = l
	}
}

// WithProbe 为指定服务使用给定探针，而不是根据配置构建
func WithProbe(service string, p probe.Probe) Option {
	return func(e *Engine) {
		e.probes[service] = p
	}
}

// New 创建引擎，为每个配置的服务构建探针并注册状态
func New(store *config.Store, log *recoverylog.Log, logger config.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:  store,
		log:    log,
		logger: logger,
		probes: make(map[string]probe.Probe),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.clock == nil {
		e.clock = clockwork.NewRealClock()
	}
	if e.ladder == nil {
		e.ladder = ladder.Default(ladder.NewOSProcessManager(e.clock), ladder.ExecRunner{})
	}
	e.table = health.NewTable(e.clock)

	cfg := store.Load()
	for i, svc := range cfg.Services {
		if _, ok := e.probes[svc.Name]; !ok {
			p, err := probe.Build(fmt.Sprintf("services[%d].probe", i), svc.Probe, probe.Options{
				Timeout: cfg.Recovery.ProbeTimeout(),
				Etcd:    cfg.Etcd,
			})
			if err != nil {
				e.closeProbes()
				return nil, err
			}
			e.probes[svc.Name] = p
		}
		if err := e.table.Register(svc.Name); err != nil {
			e.closeProbes()
			return nil, config.NewConfigError(fmt.Sprintf("services[%d].name", i), err.Error())
		}
		e.metrics.SetStatus(svc.Name, health.StatusHealthy.Severity())
	}

	logger.Info("恢复引擎已创建",
		zap.Int("services", len(cfg.Services)),
		zap.String("mode", cfg.Recovery.Mode),
		zap.Bool("dry_run", cfg.Recovery.DryRun))
	return e, nil
}

// Running 监控循环是否在运行
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Start 启动监控循环，立即执行第一次探测；已在运行时返回CodeAlreadyRunning
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if e.running.Load() {
		e.logger.Warn("监控循环已在运行，忽略启动请求")
		return NewError(CodeAlreadyRunning, "监控循环已在运行")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	e.mu.Lock()
	e.loopCtx = loopCtx
	e.cancel = cancel
	e.loopDone = done
	e.mu.Unlock()

	e.running.Store(true)
	go e.loop(loopCtx, done)

	e.logger.Info("监控循环已启动", zap.Duration("interval", e.store.Load().Recovery.CheckInterval()))
	return nil
}

// Stop 停止监控循环，等待正在进行的探测和恢复动作完成；未运行时直接返回
func (e *Engine) Stop() {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if !e.running.Load() {
		return
	}

	e.mu.Lock()
	cancel, done := e.cancel, e.loopDone
	e.mu.Unlock()

	cancel()
	<-done

	e.mu.Lock()
	e.stopping = true
	e.mu.Unlock()

	e.episodes.Wait()

	e.mu.Lock()
	e.stopping = false
	e.loopCtx = nil
	e.mu.Unlock()

	e.running.Store(false)
	e.logger.Info("监控循环已停止")
}

// Close 停止循环并释放探针持有的连接
func (e *Engine) Close() error {
	e.Stop()
	return e.closeProbes()
}

func (e *Engine) closeProbes() error {
	var firstErr error
	for name, p := range e.probes {
		if c, ok := p.(io.Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("关闭 %s 的探针失败: %w", name, err)
			}
		}
	}
	return firstErr
}

func (e *Engine) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		e.Tick(ctx)

		// 每次都重新读取周期，热更新后下一轮生效
		timer := e.clock.NewTimer(e.store.Load().Recovery.CheckInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		}
	}
}

// Tick 执行一轮探测：并发探测所有不在恢复中的服务，并处理状态变化
func (e *Engine) Tick(ctx context.Context) {
	cfg := e.store.Load()
	pol := policyFor(cfg)

	var g errgroup.Group
	g.SetLimit(cfg.Recovery.FanOut)

	for _, name := range e.table.Names() {
		if snap, ok := e.table.Get(name); ok && snap.Status == health.StatusRecovering {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		name := name
		g.Go(func() error {
			e.checkService(ctx, cfg, pol, name)
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) checkService(ctx context.Context, cfg *config.Config, pol policy, name string) {
	svc, _ := cfg.Service(name)
	out := probe.Run(ctx, e.probes[name], pol.probeTimeout(svc))

	// 停止过程中被取消的探测不计入状态
	if ctx.Err() != nil {
		return
	}

	e.metrics.ObserveProbe(name, out.OK, time.Duration(out.LatencyMs)*time.Millisecond)
	e.observe(ctx, cfg, pol, name, out.OK, out.Detail, "probe")
}

// observe 把一次结果交给状态机，并在需要时触发恢复
func (e *Engine) observe(ctx context.Context, cfg *config.Config, pol policy, name string, ok bool, detail, source string) {
	tr, err := e.table.Observe(name, health.Observation{OK: ok, Detail: detail, At: e.clock.Now()}, pol.thresholds)
	if err != nil {
		e.logger.Error("更新服务状态失败", zap.String("service", name), zap.Error(err))
		return
	}

	if tr.Changed() {
		e.metrics.SetStatus(name, tr.To.Severity())
		e.logger.Info("服务状态变化",
			zap.String("service", name),
			zap.String("from", string(tr.From)),
			zap.String("to", string(tr.To)),
			zap.String("source", source),
			zap.String("detail", detail))
	} else if !ok {
		e.logger.Debug("探测失败",
			zap.String("service", name),
			zap.String("status", string(tr.To)),
			zap.String("detail", detail))
	}

	switch {
	case tr.Trigger:
		e.onUnhealthy(ctx, cfg, pol, name, detail)
	case tr.Pending && pol.acts():
		e.logger.Info("策略已允许执行动作，开始之前未执行的恢复",
			zap.String("service", name),
			zap.String("mode", pol.mode))
		e.dispatch(ctx, cfg, pol, name)
	}
}

// ReportEvent 接收协作方报告的结果，与探测结果走同样的状态机
func (e *Engine) ReportEvent(ev Event) error {
	if ev.Service == "" {
		return NewError(CodeInvalidArgument, "事件缺少服务名称")
	}
	if _, ok := e.table.Get(ev.Service); !ok {
		return NewError(CodeUnknownService, "未知服务: %s", ev.Service)
	}

	cfg := e.store.Load()
	pol := policyFor(cfg)

	e.mu.Lock()
	ctx := e.loopCtx
	e.mu.Unlock()

	source := "event"
	if ev.Source != "" {
		source = "event:" + ev.Source
	}

	if ctx == nil {
		// 循环未运行时不自动恢复，启动后的下一次失败探测再触发
		tr, err := e.table.Observe(ev.Service, health.Observation{OK: ev.OK, Detail: ev.Detail, At: e.clock.Now()}, pol.thresholds)
		if err != nil {
			return fromHealth(ev.Service, err)
		}
		if tr.Changed() {
			e.metrics.SetStatus(ev.Service, tr.To.Severity())
		}
		if tr.Trigger {
			_ = e.table.DeferTrigger(ev.Service)
			e.logger.Info("监控循环未运行，推迟自动恢复", zap.String("service", ev.Service))
		}
		return nil
	}

	e.observe(ctx, cfg, pol, ev.Service, ev.OK, ev.Detail, source)
	return nil
}

// Event 协作方报告的一次服务结果
type Event struct {
	Service string `json:"service"`
	OK      bool   `json:"ok"`
	Detail  string `json:"detail"`
	Source  string `json:"source,omitempty"`
}

// policy 一轮探测（或一次恢复）使用的参数快照
type policy struct {
	mode                string
	dryRun              bool
	thresholds          health.Thresholds
	maxAttempts         int
	backoff             ladder.BackoffPolicy
	defaultProbeTimeout time.Duration
	actionTimeout       time.Duration
	followUpDelay       time.Duration
	actionOpts          ladder.Options
}

// policyFor 根据配置和模式计算参数
// aggressive：unhealthy阈值减半（至少为1），取消动作之间的退避
func policyFor(cfg *config.Config) policy {
	r := cfg.Recovery
	p := policy{
		mode:                r.Mode,
		dryRun:              r.DryRun,
		thresholds:          health.Thresholds{Degraded: r.DegradedThreshold, Unhealthy: r.UnhealthyThreshold},
		maxAttempts:         r.MaxAttempts,
		backoff:             ladder.PolicyFromConfig(r),
		defaultProbeTimeout: r.ProbeTimeout(),
		actionTimeout:       r.ActionTimeout(),
		followUpDelay:       r.FollowUpDelay(),
		actionOpts: ladder.Options{
			Gentle: r.GentleStop,
			Grace:  r.StopGrace(),
			LogDir: cfg.Storage.ProcessLogDir(),
		},
	}

	if r.Mode == config.ModeAggressive {
		p.thresholds.Unhealthy = r.UnhealthyThreshold / 2
		if p.thresholds.Unhealthy < 1 {
			p.thresholds.Unhealthy = 1
		}
		if p.thresholds.Degraded > p.thresholds.Unhealthy {
			p.thresholds.Degraded = p.thresholds.Unhealthy
		}
		p.backoff = ladder.BackoffPolicy{}
	}
	return p
}

// acts 是否会自动执行恢复动作
func (p policy) acts() bool {
	return p.mode != config.ModePassive && !p.dryRun
}

func (p policy) probeTimeout(svc config.ServiceConfig) time.Duration {
	if svc.Probe.TimeoutMs > 0 {
		return time.Duration(svc.Probe.TimeoutMs) * time.Millisecond
	}
	return p.defaultProbeTimeout
}

package engine

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/hewenyu/selfheal/internal/config"
	"github.com/hewenyu/selfheal/internal/health"
	"github.com/hewenyu/selfheal/internal/ladder"
	"github.com/hewenyu/selfheal/internal/metrics"
	"github.com/hewenyu/selfheal/internal/probe"
	"github.com/hewenyu/selfheal/internal/recoverylog"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedProbe 先按顺序返回results，之后一直返回def
type scriptedProbe struct {
	mu      sync.Mutex
	results []bool
	def     bool
	calls   int
}

func (p *scriptedProbe) Check(ctx context.Context) probe.Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++
	ok := p.def
	if len(p.results) > 0 {
		ok = p.results[0]
		p.results = p.results[1:]
	}
	if ok {
		return probe.Ok("ok")
	}
	return probe.Fail("down")
}

func (p *scriptedProbe) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptedProbe) SetDefault(ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.def = ok
}

// fakeAction 可阻塞、可失败的恢复动作
type fakeAction struct {
	typ     ladder.ActionType
	mu      sync.Mutex
	calls   int
	err     error
	block   chan struct{}
	started chan string
}

func newFakeAction(typ ladder.ActionType) *fakeAction {
	return &fakeAction{typ: typ, started: make(chan string, 16)}
}

func (a *fakeAction) Type() ladder.ActionType { return a.typ }

func (a *fakeAction) Execute(ctx context.Context, svc config.ServiceConfig, opts ladder.Options) (string, error) {
	a.mu.Lock()
	a.calls++
	block, err := a.block, a.err
	a.mu.Unlock()

	a.started <- svc.Name
	if block != nil {
		<-block
	}
	if err != nil {
		return "", err
	}
	return string(a.typ) + " done", nil
}

func (a *fakeAction) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type fixture struct {
	engine  *Engine
	store   *config.Store
	log     *recoverylog.Log
	clock   clockwork.FakeClock
	probes  map[string]*scriptedProbe
	restart *fakeAction
	cleanup *fakeAction
	repair  *fakeAction
}

func testConfig(t *testing.T, services ...string) *config.Config {
	t.Helper()

	cfg := config.Defaults()
	cfg.Recovery.DegradedThreshold = 1
	cfg.Recovery.UnhealthyThreshold = 3
	cfg.Recovery.MaxAttempts = 3
	cfg.Recovery.BackoffBaseMs = 0
	cfg.Recovery.FollowUpDelayMs = 0
	cfg.Storage.WorkDir = t.TempDir()
	for _, name := range services {
		cfg.Services = append(cfg.Services, config.ServiceConfig{
			Name:  name,
			Probe: config.ProbeConfig{Type: "tcp", Address: "127.0.0.1:1"},
		})
	}
	require.NoError(t, config.Validate(cfg))
	return cfg
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()

	f := &fixture{
		store:   config.NewStore(cfg),
		log:     recoverylog.NewMemory(),
		clock:   clockwork.NewFakeClock(),
		probes:  make(map[string]*scriptedProbe),
		restart: newFakeAction(ladder.Restart),
		cleanup: newFakeAction(ladder.Cleanup),
		repair:  newFakeAction(ladder.Repair),
	}

	l, err := ladder.New(f.restart, f.cleanup, f.repair)
	require.NoError(t, err)

	opts := []Option{WithClock(f.clock), WithMetrics(metrics.New()), WithLadder(l)}
	for _, svc := range cfg.Services {
		p := &scriptedProbe{def: true}
		f.probes[svc.Name] = p
		opts = append(opts, WithProbe(svc.Name, p))
	}

	e, err := New(f.store, f.log, config.NewNopLogger(), opts...)
	require.NoError(t, err)
	f.engine = e
	t.Cleanup(func() { _ = e.Close() })
	return f
}

func (f *fixture) status(t *testing.T, name string) health.ServiceHealth {
	t.Helper()
	snap, ok := f.engine.table.Get(name)
	require.True(t, ok)
	return snap
}

// waitEpisodes 等待所有自动恢复结束
func (f *fixture) waitEpisodes() {
	f.engine.episodes.Wait()
}

func actionsOf(records []recoverylog.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.Action)
	}
	return out
}

func TestNewRejectsUnknownProbeType(t *testing.T) {
	cfg := testConfig(t, "a")
	cfg.Services[0].Probe.Type = "carrier-pigeon"

	_, err := New(config.NewStore(cfg), recoverylog.NewMemory(), config.NewNopLogger())
	require.Error(t, err)

	var ce *config.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "services[0].probe.type", ce.Field)
}

// 连续三次失败后重启，复查通过后恢复健康
func TestFailingServiceRecoversAfterRestart(t *testing.T) {
	f := newFixture(t, testConfig(t, "A"))
	f.probes["A"].results = []bool{false, false, false}
	f.restart.block = make(chan struct{})

	ctx := context.Background()
	var seen []health.Status
	for i := 0; i < 3; i++ {
		f.engine.Tick(ctx)
		seen = append(seen, f.status(t, "A").Status)
	}
	assert.Equal(t, []health.Status{health.StatusDegraded, health.StatusDegraded, health.StatusRecovering}, seen)

	<-f.restart.started
	close(f.restart.block)
	f.waitEpisodes()

	snap := f.status(t, "A")
	assert.Equal(t, health.StatusHealthy, snap.Status)
	assert.Equal(t, 0, snap.RecoveryAttemptsInEpisode)
	assert.Equal(t, 0, snap.ConsecutiveFailures)

	records := f.log.All()
	require.Len(t, records, 1)
	assert.Equal(t, "restart", records[0].Action)
	assert.True(t, records[0].Success)
	assert.False(t, records[0].DryRun)
	assert.Equal(t, recoverylog.TriggerAuto, records[0].Trigger)
	assert.Equal(t, 1, records[0].Attempt)
	assert.Contains(t, records[0].Detail, "follow-up: ok")
}

// 三级动作全部失败后进入failed，之后不再自动恢复
func TestLadderExhaustionEndsInFailed(t *testing.T) {
	f := newFixture(t, testConfig(t, "B"))
	f.probes["B"].SetDefault(false)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.engine.Tick(ctx)
	}
	f.waitEpisodes()

	snap := f.status(t, "B")
	assert.Equal(t, health.StatusFailed, snap.Status)
	assert.Equal(t, 3, snap.RecoveryAttemptsInEpisode)

	records := f.log.All()
	require.Len(t, records, 3)
	assert.Equal(t, []string{"restart", "cleanup", "repair"}, actionsOf(records))
	for i, r := range records {
		assert.False(t, r.Success)
		assert.Equal(t, i+1, r.Attempt)
	}

	// 第四次以及之后的探测不再执行任何动作
	for i := 0; i < 5; i++ {
		f.engine.Tick(ctx)
	}
	f.waitEpisodes()

	assert.Len(t, f.log.All(), 3)
	assert.Equal(t, 1, f.restart.Calls())
	assert.Equal(t, 1, f.cleanup.Calls())
	assert.Equal(t, 1, f.repair.Calls())
	assert.Equal(t, health.StatusFailed, f.status(t, "B").Status)
	assert.LessOrEqual(t, f.status(t, "B").RecoveryAttemptsInEpisode, 3)
}

func TestResetReenablesAutomaticRecovery(t *testing.T) {
	f := newFixture(t, testConfig(t, "B"))
	f.probes["B"].SetDefault(false)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.engine.Tick(ctx)
	}
	f.waitEpisodes()
	require.Equal(t, health.StatusFailed, f.status(t, "B").Status)

	snap, err := f.engine.ResetService("B")
	require.NoError(t, err)
	assert.Equal(t, health.StatusHealthy, snap.Status)
	assert.Equal(t, 0, snap.RecoveryAttemptsInEpisode)

	f.probes["B"].SetDefault(true)
	f.probes["B"].results = []bool{false, false, false}
	for i := 0; i < 3; i++ {
		f.engine.Tick(ctx)
	}
	f.waitEpisodes()

	assert.Equal(t, health.StatusHealthy, f.status(t, "B").Status)
	assert.Equal(t, 2, f.restart.Calls())
	assert.Len(t, f.log.All(), 4)
}

func TestActionErrorEscalates(t *testing.T) {
	f := newFixture(t, testConfig(t, "A"))
	f.probes["A"].results = []bool{false, false, false}
	f.restart.err = errors.New("exec: \"claude\": executable file not found")

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.engine.Tick(ctx)
	}
	f.waitEpisodes()

	records := f.log.All()
	require.Len(t, records, 2)
	assert.Equal(t, "restart", records[0].Action)
	assert.False(t, records[0].Success)
	assert.Contains(t, records[0].Detail, "executable file not found")

	// 清理之后复查通过
	assert.Equal(t, "cleanup", records[1].Action)
	assert.True(t, records[1].Success)
	assert.Equal(t, health.StatusHealthy, f.status(t, "A").Status)

	// 动作失败时不做复查：3次探测加一次清理后的复查
	assert.Equal(t, 4, f.probes["A"].Calls())
}

// 监控停止时人工触发仍然执行
func TestManualTriggerWhileStopped(t *testing.T) {
	f := newFixture(t, testConfig(t, "C"))
	require.False(t, f.engine.Running())

	rec, err := f.engine.TriggerRecovery(context.Background(), "C", "restart", TriggerOptions{})
	require.NoError(t, err)
	assert.Equal(t, "restart", rec.Action)
	assert.Equal(t, recoverylog.TriggerManual, rec.Trigger)
	assert.True(t, rec.Success)

	assert.Equal(t, 1, f.restart.Calls())
	assert.Len(t, f.log.All(), 1)
	assert.Equal(t, health.StatusHealthy, f.status(t, "C").Status)
}

func TestManualTriggerAfterStop(t *testing.T) {
	f := newFixture(t, testConfig(t, "C"))

	require.NoError(t, f.engine.Start(context.Background()))
	f.clock.BlockUntil(1)
	f.engine.Stop()
	require.False(t, f.engine.Running())

	_, err := f.engine.TriggerRecovery(context.Background(), "C", "cleanup", TriggerOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, f.cleanup.Calls())
	assert.Len(t, f.log.All(), 1)
}

// 同一服务的第二次人工触发在第一次完成前被拒绝
func TestConcurrentManualTriggerRejected(t *testing.T) {
	f := newFixture(t, testConfig(t, "D"))
	f.restart.block = make(chan struct{})

	errCh := make(chan error, 1)
	go func() {
		_, err := f.engine.TriggerRecovery(context.Background(), "D", "restart", TriggerOptions{})
		errCh <- err
	}()
	<-f.restart.started

	_, err := f.engine.TriggerRecovery(context.Background(), "D", "restart", TriggerOptions{})
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeAlreadyRecovering))

	// 演练也同样被拒绝
	_, err = f.engine.TriggerRecovery(context.Background(), "D", "", TriggerOptions{DryRun: true})
	assert.True(t, IsCode(err, CodeAlreadyRecovering))

	close(f.restart.block)
	require.NoError(t, <-errCh)

	assert.Len(t, f.log.All(), 1)
	assert.Equal(t, 1, f.restart.Calls())
}

func TestManualTriggerRejectedDuringEpisode(t *testing.T) {
	f := newFixture(t, testConfig(t, "A"))
	f.probes["A"].results = []bool{false, false, false}
	f.restart.block = make(chan struct{})

	for i := 0; i < 3; i++ {
		f.engine.Tick(context.Background())
	}
	<-f.restart.started

	_, err := f.engine.TriggerRecovery(context.Background(), "A", "repair", TriggerOptions{})
	assert.True(t, IsCode(err, CodeAlreadyRecovering))

	// 恢复中的服务不参与探测
	calls := f.probes["A"].Calls()
	f.engine.Tick(context.Background())
	assert.Equal(t, calls, f.probes["A"].Calls())

	close(f.restart.block)
	f.waitEpisodes()
	assert.Len(t, f.log.All(), 1)
	assert.Equal(t, 0, f.repair.Calls())
}

func TestManualTriggerErrors(t *testing.T) {
	f := newFixture(t, testConfig(t, "C"))
	ctx := context.Background()

	_, err := f.engine.TriggerRecovery(ctx, "ghost", "restart", TriggerOptions{})
	assert.True(t, IsCode(err, CodeUnknownService))

	_, err = f.engine.TriggerRecovery(ctx, "C", "reboot", TriggerOptions{})
	assert.True(t, IsCode(err, CodeInvalidArgument))

	assert.Empty(t, f.log.All())
}

func TestManualTriggerOnFailedStaysFailed(t *testing.T) {
	f := newFixture(t, testConfig(t, "B"))
	f.probes["B"].SetDefault(false)
	for i := 0; i < 3; i++ {
		f.engine.Tick(context.Background())
	}
	f.waitEpisodes()
	require.Equal(t, health.StatusFailed, f.status(t, "B").Status)

	// 不指定动作时使用当前尝试次数对应的一级（已用尽时为最后一级）
	f.probes["B"].SetDefault(true)
	rec, err := f.engine.TriggerRecovery(context.Background(), "B", "", TriggerOptions{})
	require.NoError(t, err)
	assert.Equal(t, "repair", rec.Action)
	assert.True(t, rec.Success)

	assert.Equal(t, health.StatusFailed, f.status(t, "B").Status, "failed只能通过重置解除")
}

func TestManualDryRunDoesNotMutate(t *testing.T) {
	f := newFixture(t, testConfig(t, "C"))

	rec, err := f.engine.TriggerRecovery(context.Background(), "C", "", TriggerOptions{DryRun: true})
	require.NoError(t, err)
	assert.True(t, rec.DryRun)
	assert.True(t, rec.Success)
	assert.Equal(t, "restart", rec.Action)

	assert.Equal(t, 0, f.restart.Calls())
	assert.Equal(t, health.StatusHealthy, f.status(t, "C").Status)
}

// 被动模式只告警
func TestPassiveModeOnlyAlerts(t *testing.T) {
	cfg := testConfig(t, "E")
	cfg.Recovery.Mode = config.ModePassive
	f := newFixture(t, cfg)
	f.probes["E"].SetDefault(false)

	for i := 0; i < 6; i++ {
		f.engine.Tick(context.Background())
		assert.NotEqual(t, health.StatusRecovering, f.status(t, "E").Status)
	}
	f.waitEpisodes()

	assert.Equal(t, health.StatusUnhealthy, f.status(t, "E").Status)

	records := f.log.All()
	require.Len(t, records, 1)
	assert.Equal(t, recoverylog.KindAlert, records[0].Kind)
	assert.Equal(t, "restart", records[0].Action)
	assert.Empty(t, f.log.Query(recoverylog.Filter{Kind: recoverylog.KindAction}))
	assert.Equal(t, 0, f.restart.Calls())
}

// 演练模式记录动作但不改变状态
func TestDryRunKeepsUnhealthy(t *testing.T) {
	cfg := testConfig(t, "F")
	cfg.Recovery.DryRun = true
	f := newFixture(t, cfg)
	f.probes["F"].SetDefault(false)

	for i := 0; i < 3; i++ {
		f.engine.Tick(context.Background())
	}
	f.waitEpisodes()

	records := f.log.All()
	require.Len(t, records, 1)
	assert.True(t, records[0].DryRun)
	assert.True(t, records[0].Success)
	assert.Equal(t, recoverylog.KindAction, records[0].Kind)
	assert.Equal(t, health.StatusUnhealthy, f.status(t, "F").Status)

	// 复查确认真实状态没有变化
	f.engine.Tick(context.Background())
	assert.Equal(t, health.StatusUnhealthy, f.status(t, "F").Status)
	assert.Len(t, f.log.All(), 1)
	assert.Equal(t, 0, f.restart.Calls())
}

func TestHealthyServiceIsIdempotent(t *testing.T) {
	f := newFixture(t, testConfig(t, "A", "B"))

	for i := 0; i < 10; i++ {
		f.engine.Tick(context.Background())
	}

	for _, name := range []string{"A", "B"} {
		snap := f.status(t, name)
		assert.Equal(t, health.StatusHealthy, snap.Status)
		assert.Equal(t, 0, snap.RecoveryAttemptsInEpisode)
	}
	assert.Empty(t, f.log.All())
	assert.Equal(t, 10, f.probes["A"].Calls())
}

func TestServicesRecoverIndependently(t *testing.T) {
	f := newFixture(t, testConfig(t, "A", "B"))
	f.probes["A"].results = []bool{false, false, false}
	f.probes["B"].SetDefault(false)

	for i := 0; i < 3; i++ {
		f.engine.Tick(context.Background())
	}
	f.waitEpisodes()

	assert.Equal(t, health.StatusHealthy, f.status(t, "A").Status)
	assert.Equal(t, health.StatusFailed, f.status(t, "B").Status)

	assert.Len(t, f.log.Query(recoverylog.Filter{Service: "A"}), 1)
	assert.Equal(t, []string{"restart", "cleanup", "repair"},
		actionsOf(f.log.Query(recoverylog.Filter{Service: "B"})))
}

func TestStartStopIdempotent(t *testing.T) {
	f := newFixture(t, testConfig(t, "A"))
	ctx := context.Background()

	require.NoError(t, f.engine.Start(ctx))
	assert.True(t, f.engine.Running())

	err := f.engine.Start(ctx)
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeAlreadyRunning))

	// 启动后立即探测一次
	f.clock.BlockUntil(1)
	assert.Equal(t, 1, f.probes["A"].Calls())

	f.engine.Stop()
	assert.False(t, f.engine.Running())
	f.engine.Stop()
	assert.False(t, f.engine.Running())

	// 可以再次启动
	require.NoError(t, f.engine.Start(ctx))
	f.clock.BlockUntil(1)
	f.engine.Stop()
	assert.Equal(t, 2, f.probes["A"].Calls())
}

func TestLoopRereadsInterval(t *testing.T) {
	f := newFixture(t, testConfig(t, "A"))

	require.NoError(t, f.engine.Start(context.Background()))
	defer f.engine.Stop()

	f.clock.BlockUntil(1)
	assert.Equal(t, 1, f.probes["A"].Calls())

	_, err := f.store.Update(func(c *config.Config) error {
		c.Recovery.CheckIntervalMs = 1000
		return nil
	})
	require.NoError(t, err)

	// 已经排好的这一轮仍按旧周期
	f.clock.Advance(time.Second)
	assert.Equal(t, 1, f.probes["A"].Calls())

	f.clock.Advance(29 * time.Second)
	f.clock.BlockUntil(1)
	assert.Equal(t, 2, f.probes["A"].Calls())

	// 之后按新周期
	f.clock.Advance(time.Second)
	f.clock.BlockUntil(1)
	assert.Equal(t, 3, f.probes["A"].Calls())
}

// 停止时等待进行中的动作完成，之后中断本轮恢复
func TestStopAwaitsInFlightAction(t *testing.T) {
	cfg := testConfig(t, "A")
	cfg.Recovery.UnhealthyThreshold = 1
	f := newFixture(t, cfg)
	f.probes["A"].SetDefault(false)
	f.restart.block = make(chan struct{})

	require.NoError(t, f.engine.Start(context.Background()))
	<-f.restart.started

	stopped := make(chan struct{})
	go func() {
		f.engine.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop在动作完成前返回")
	case <-time.After(50 * time.Millisecond):
	}

	close(f.restart.block)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop没有返回")
	}

	records := f.log.All()
	require.Len(t, records, 1)
	assert.Equal(t, "restart", records[0].Action)
	assert.Equal(t, 0, f.cleanup.Calls(), "停止后不再执行下一级")

	snap := f.status(t, "A")
	assert.Equal(t, health.StatusUnhealthy, snap.Status)
	assert.Equal(t, 1, snap.RecoveryAttemptsInEpisode)

	// 下次失败的探测从下一级继续
	f.engine.Tick(context.Background())
	f.waitEpisodes()
	assert.Equal(t, []string{"restart", "cleanup", "repair"}, actionsOf(f.log.All()))
	assert.Equal(t, health.StatusFailed, f.status(t, "A").Status)
}

// 中断期间max_attempts被调低，继续时直接结束为failed，之后可以重置
func TestResumeAfterMaxAttemptsLowered(t *testing.T) {
	cfg := testConfig(t, "A")
	cfg.Recovery.UnhealthyThreshold = 1
	f := newFixture(t, cfg)
	f.probes["A"].SetDefault(false)
	f.restart.block = make(chan struct{})

	require.NoError(t, f.engine.Start(context.Background()))
	<-f.restart.started

	stopped := make(chan struct{})
	go func() {
		f.engine.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop在动作完成前返回")
	case <-time.After(50 * time.Millisecond):
	}
	close(f.restart.block)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop没有返回")
	}

	snap := f.status(t, "A")
	require.Equal(t, health.StatusUnhealthy, snap.Status)
	require.Equal(t, 1, snap.RecoveryAttemptsInEpisode)

	_, err := f.store.Update(func(c *config.Config) error {
		c.Recovery.MaxAttempts = 1
		return nil
	})
	require.NoError(t, err)

	f.engine.Tick(context.Background())
	f.waitEpisodes()

	snap = f.status(t, "A")
	assert.Equal(t, health.StatusFailed, snap.Status)
	assert.Equal(t, 1, snap.RecoveryAttemptsInEpisode)
	assert.Equal(t, 1, f.restart.Calls())
	assert.Equal(t, 0, f.cleanup.Calls())

	// 不再卡在recovering
	_, err = f.engine.ResetService("A")
	require.NoError(t, err)
	assert.Equal(t, health.StatusHealthy, f.status(t, "A").Status)
}

// 被动模式下变为unhealthy的服务，切回standard后下一次失败的探测开始恢复
func TestPassiveToStandardStartsRecovery(t *testing.T) {
	cfg := testConfig(t, "E")
	cfg.Recovery.Mode = config.ModePassive
	f := newFixture(t, cfg)
	f.probes["E"].SetDefault(false)

	for i := 0; i < 6; i++ {
		f.engine.Tick(context.Background())
	}
	require.Equal(t, health.StatusUnhealthy, f.status(t, "E").Status)
	require.Len(t, f.log.All(), 1, "仍为被动模式时只告警一次")

	require.NoError(t, f.engine.SetMode(config.ModeStandard))
	f.probes["E"].results = []bool{false, true}
	f.engine.Tick(context.Background())
	f.waitEpisodes()

	assert.Equal(t, health.StatusHealthy, f.status(t, "E").Status)
	assert.Equal(t, 1, f.restart.Calls())

	records := f.log.All()
	require.Len(t, records, 2)
	assert.Equal(t, recoverylog.KindAlert, records[0].Kind)
	assert.Equal(t, recoverylog.KindAction, records[1].Kind)
	assert.Equal(t, "restart", records[1].Action)
	assert.True(t, records[1].Success)
}

// 演练模式关闭后，仍不可用的服务开始真正的恢复
func TestDryRunOffStartsRecovery(t *testing.T) {
	cfg := testConfig(t, "F")
	cfg.Recovery.DryRun = true
	f := newFixture(t, cfg)
	f.probes["F"].SetDefault(false)

	for i := 0; i < 5; i++ {
		f.engine.Tick(context.Background())
	}
	require.Len(t, f.log.All(), 1)
	require.Equal(t, 0, f.restart.Calls())

	require.NoError(t, f.engine.SetDryRun(false))
	f.probes["F"].results = []bool{false, true}
	f.engine.Tick(context.Background())
	f.waitEpisodes()

	assert.Equal(t, health.StatusHealthy, f.status(t, "F").Status)
	assert.Equal(t, 1, f.restart.Calls())

	records := f.log.All()
	require.Len(t, records, 2)
	assert.True(t, records[0].DryRun)
	assert.False(t, records[1].DryRun)
	assert.True(t, records[1].Success)
}

func TestModeChangeTakesEffectNextTick(t *testing.T) {
	f := newFixture(t, testConfig(t, "A"))
	f.probes["A"].results = []bool{false}

	require.NoError(t, f.engine.SetMode(config.ModeAggressive))
	f.engine.Tick(context.Background())
	f.waitEpisodes()

	// aggressive下阈值从3降到1，一次失败就触发恢复
	assert.Equal(t, 1, f.restart.Calls())
	assert.Equal(t, health.StatusHealthy, f.status(t, "A").Status)

	err := f.engine.SetMode("turbo")
	assert.True(t, IsCode(err, CodeInvalidArgument))
	assert.Equal(t, config.ModeAggressive, f.store.Load().Recovery.Mode)
}

func TestOpenEpisodeKeepsItsPolicy(t *testing.T) {
	f := newFixture(t, testConfig(t, "B"))
	f.probes["B"].SetDefault(false)
	f.restart.block = make(chan struct{})

	for i := 0; i < 3; i++ {
		f.engine.Tick(context.Background())
	}
	<-f.restart.started

	// 已经开始的恢复不受模式切换影响
	require.NoError(t, f.engine.SetMode(config.ModePassive))
	close(f.restart.block)
	f.waitEpisodes()

	assert.Equal(t, []string{"restart", "cleanup", "repair"}, actionsOf(f.log.All()))
	assert.Equal(t, health.StatusFailed, f.status(t, "B").Status)
}

func TestPolicyFor(t *testing.T) {
	tests := []struct {
		name      string
		mode      string
		degraded  int
		unhealthy int
		want      health.Thresholds
		backoff   bool
	}{
		{"standard", config.ModeStandard, 1, 3, health.Thresholds{Degraded: 1, Unhealthy: 3}, true},
		{"passive", config.ModePassive, 1, 3, health.Thresholds{Degraded: 1, Unhealthy: 3}, true},
		{"aggressive halves", config.ModeAggressive, 1, 3, health.Thresholds{Degraded: 1, Unhealthy: 1}, false},
		{"aggressive even", config.ModeAggressive, 2, 6, health.Thresholds{Degraded: 2, Unhealthy: 3}, false},
		{"aggressive clamps degraded", config.ModeAggressive, 4, 5, health.Thresholds{Degraded: 2, Unhealthy: 2}, false},
		{"aggressive minimum one", config.ModeAggressive, 1, 1, health.Thresholds{Degraded: 1, Unhealthy: 1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Defaults()
			cfg.Recovery.Mode = tt.mode
			cfg.Recovery.DegradedThreshold = tt.degraded
			cfg.Recovery.UnhealthyThreshold = tt.unhealthy

			p := policyFor(cfg)
			assert.Equal(t, tt.want, p.thresholds)
			if tt.backoff {
				assert.Equal(t, time.Second, p.backoff.Delay(0))
			} else {
				assert.Equal(t, time.Duration(0), p.backoff.Delay(0))
			}
		})
	}
}

func TestReportEvent(t *testing.T) {
	f := newFixture(t, testConfig(t, "A"))
	f.probes["A"].SetDefault(false)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.engine.ReportEvent(Event{Service: "A", OK: false, Detail: "session start failed", Source: "session"}))
	}

	// 循环未运行：只更新状态，不自动恢复
	assert.Equal(t, health.StatusUnhealthy, f.status(t, "A").Status)
	assert.Equal(t, 0, f.restart.Calls())

	sh := f.engine.SystemHealth()
	assert.Equal(t, OverallUnhealthy, sh.Status)
	assert.False(t, sh.SafeToStart)

	// 之后的一次失败探测补上被推迟的恢复
	f.probes["A"].SetDefault(true)
	f.probes["A"].results = []bool{false}
	f.engine.Tick(context.Background())
	f.waitEpisodes()
	assert.Equal(t, 1, f.restart.Calls())
	assert.Equal(t, health.StatusHealthy, f.status(t, "A").Status)

	assert.True(t, IsCode(f.engine.ReportEvent(Event{Service: "ghost"}), CodeUnknownService))
	assert.True(t, IsCode(f.engine.ReportEvent(Event{}), CodeInvalidArgument))
}

func TestSystemHealth(t *testing.T) {
	f := newFixture(t, testConfig(t, "A", "B"))

	sh := f.engine.SystemHealth()
	assert.Equal(t, OverallHealthy, sh.Status)
	assert.True(t, sh.SafeToStart)
	assert.Equal(t, health.StatusHealthy, sh.Services["A"])

	f.probes["B"].results = []bool{false}
	f.engine.Tick(context.Background())

	sh = f.engine.SystemHealth()
	assert.Equal(t, OverallDegraded, sh.Status)
	assert.True(t, sh.SafeToStart)
	assert.Equal(t, health.StatusDegraded, sh.Services["B"])
}

func TestStatusIsPureRead(t *testing.T) {
	f := newFixture(t, testConfig(t, "A", "B"))
	f.probes["A"].results = []bool{false, false, false}
	for i := 0; i < 3; i++ {
		f.engine.Tick(context.Background())
	}
	f.waitEpisodes()

	before := f.engine.table.List()
	for i := 0; i < 5; i++ {
		report, err := f.engine.Status(StatusQuery{})
		require.NoError(t, err)
		assert.Len(t, report.Services, 2)
		assert.Len(t, report.Recent, 1)
		assert.Equal(t, config.ModeStandard, report.Mode)
		assert.Equal(t, 3, report.MaxAttempts)
	}
	assert.Equal(t, before, f.engine.table.List())
	assert.Len(t, f.log.All(), 1)

	one, err := f.engine.Status(StatusQuery{Service: "B"})
	require.NoError(t, err)
	require.Len(t, one.Services, 1)
	assert.Empty(t, one.Recent)

	_, err = f.engine.Status(StatusQuery{Service: "ghost"})
	assert.True(t, IsCode(err, CodeUnknownService))
}

func TestExportMatchesLog(t *testing.T) {
	f := newFixture(t, testConfig(t, "B"))
	f.probes["B"].SetDefault(false)
	for i := 0; i < 3; i++ {
		f.engine.Tick(context.Background())
	}
	f.waitEpisodes()

	path, err := f.engine.Export("json", "")
	require.NoError(t, err)
	assert.FileExists(t, path)

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	parsed, err := recoverylog.ParseExport(recoverylog.FormatJSON, file)
	require.NoError(t, err)
	assert.Equal(t, f.log.All(), parsed)

	_, err = f.engine.Export("xml", "")
	assert.True(t, IsCode(err, CodeInvalidArgument))
}

func TestResetErrors(t *testing.T) {
	f := newFixture(t, testConfig(t, "D"))

	_, err := f.engine.ResetService("ghost")
	assert.True(t, IsCode(err, CodeUnknownService))

	f.restart.block = make(chan struct{})
	go func() {
		_, _ = f.engine.TriggerRecovery(context.Background(), "D", "restart", TriggerOptions{})
	}()
	<-f.restart.started

	_, err = f.engine.ResetService("D")
	assert.True(t, IsCode(err, CodeAlreadyRecovering))
	close(f.restart.block)
}

func TestSetDryRun(t *testing.T) {
	f := newFixture(t, testConfig(t, "F"))
	require.NoError(t, f.engine.SetDryRun(true))
	assert.True(t, f.store.Load().Recovery.DryRun)

	rec, err := f.engine.TriggerRecovery(context.Background(), "F", "restart", TriggerOptions{})
	require.NoError(t, err)
	assert.True(t, rec.DryRun)
	assert.Equal(t, 0, f.restart.Calls())
}

package engine

import (
	"context"
	"errors"

	"github.com/hewenyu/selfheal/internal/config"
	"github.com/hewenyu/selfheal/internal/health"
	"github.com/hewenyu/selfheal/internal/ladder"
	"github.com/hewenyu/selfheal/internal/probe"
	"github.com/hewenyu/selfheal/internal/recoverylog"
	"go.uber.org/zap"
)

// onUnhealthy 服务刚进入unhealthy：被动模式只告警，演练模式只记录，否则开始一轮恢复
func (e *Engine) onUnhealthy(ctx context.Context, cfg *config.Config, pol policy, name, detail string) {
	snap, _ := e.table.Get(name)
	next := e.ladder.Rung(snap.RecoveryAttemptsInEpisode)

	switch {
	case pol.mode == config.ModePassive:
		e.appendRecord(recoverylog.Record{
			Service:   name,
			Kind:      recoverylog.KindAlert,
			Action:    string(next.Type()),
			Trigger:   recoverylog.TriggerAuto,
			Attempt:   snap.RecoveryAttemptsInEpisode + 1,
			StartedAt: e.clock.Now(),
			Detail:    "passive mode, no action taken: " + detail,
		})
		e.metrics.ObserveAlert(name)
		_ = e.table.HoldTrigger(name)
		e.logger.Warn("服务不可用（被动模式，不执行恢复）",
			zap.String("service", name),
			zap.String("would_run", string(next.Type())),
			zap.String("detail", detail))

	case pol.dryRun:
		e.appendRecord(recoverylog.Record{
			Service:   name,
			Kind:      recoverylog.KindAction,
			Action:    string(next.Type()),
			Trigger:   recoverylog.TriggerAuto,
			Attempt:   snap.RecoveryAttemptsInEpisode + 1,
			StartedAt: e.clock.Now(),
			Success:   true,
			DryRun:    true,
			Detail:    "dry run: would " + string(next.Type()),
		})
		_ = e.table.HoldTrigger(name)
		e.logger.Info("演练模式，记录但不执行恢复动作",
			zap.String("service", name),
			zap.String("action", string(next.Type())))

	default:
		e.dispatch(ctx, cfg, pol, name)
	}
}

// dispatch 在独立的goroutine中开始一轮恢复
func (e *Engine) dispatch(ctx context.Context, cfg *config.Config, pol policy, name string) {
	e.mu.Lock()
	if e.stopping || ctx.Err() != nil {
		e.mu.Unlock()
		_ = e.table.DeferTrigger(name)
		return
	}

	if _, err := e.table.StartEpisode(name); err != nil {
		e.mu.Unlock()
		// 人工触发抢先占用了服务，结束后再由探测触发
		if errors.Is(err, health.ErrAlreadyRecovering) {
			_ = e.table.DeferTrigger(name)
		}
		e.logger.Debug("未能开始恢复", zap.String("service", name), zap.Error(err))
		return
	}
	e.metrics.SetStatus(name, health.StatusRecovering.Severity())
	e.episodes.Add(1)
	e.mu.Unlock()

	go e.runEpisode(ctx, cfg, pol, name)
}

// runEpisode 逐级执行恢复动作，直到复查通过或尝试次数用尽
// ctx取消时，已开始的动作会执行完，之后中断本轮恢复
func (e *Engine) runEpisode(ctx context.Context, cfg *config.Config, pol policy, name string) {
	defer e.episodes.Done()

	svc, _ := cfg.Service(name)
	e.logger.Info("开始恢复", zap.String("service", name), zap.String("mode", pol.mode))

	for {
		snap, _ := e.table.Get(name)

		if delay := pol.backoff.Delay(snap.RecoveryAttemptsInEpisode); delay > 0 {
			e.logger.Debug("等待退避", zap.String("service", name), zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
			case <-e.clock.After(delay):
			}
		}

		if ctx.Err() != nil {
			e.suspend(name)
			return
		}

		snap, err := e.table.BeginRung(name, pol.maxAttempts)
		if errors.Is(err, health.ErrAttemptsExhausted) {
			// 中断期间max_attempts被调低
			e.giveUp(name, pol.maxAttempts)
			return
		}
		if err != nil {
			e.logger.Error("无法开始恢复动作", zap.String("service", name), zap.Error(err))
			return
		}

		action := e.ladder.Rung(snap.CurrentRungIndex)
		rec := e.runRung(svc, pol, action, pol.actionOpts, snap.RecoveryAttemptsInEpisode, recoverylog.TriggerAuto)

		outcome, after, err := e.table.FinishRung(name, rec.Success, rec.Detail, pol.maxAttempts)
		if err != nil {
			e.logger.Error("无法结束恢复动作", zap.String("service", name), zap.Error(err))
			return
		}
		e.metrics.SetStatus(name, after.Status.Severity())

		switch outcome {
		case health.Recovered:
			e.logger.Info("服务已恢复",
				zap.String("service", name),
				zap.String("action", string(action.Type())),
				zap.Int("attempt", snap.RecoveryAttemptsInEpisode))
			return
		case health.GaveUp:
			e.logger.Error("恢复失败，服务需要人工重置",
				zap.String("service", name),
				zap.Int("attempts", after.RecoveryAttemptsInEpisode),
				zap.String("detail", rec.Detail))
			return
		default:
			e.logger.Warn("恢复动作未生效，升级到下一级",
				zap.String("service", name),
				zap.String("action", string(action.Type())),
				zap.String("detail", rec.Detail))
		}
	}
}

func (e *Engine) giveUp(name string, maxAttempts int) {
	after, err := e.table.GiveUp(name, maxAttempts, "recovery attempts exhausted")
	if err != nil {
		e.logger.Error("结束恢复失败", zap.String("service", name), zap.Error(err))
		return
	}
	e.metrics.SetStatus(name, after.Status.Severity())
	e.logger.Error("尝试次数已用尽，服务需要人工重置",
		zap.String("service", name),
		zap.Int("attempts", after.RecoveryAttemptsInEpisode),
		zap.Int("max_attempts", maxAttempts))
}

func (e *Engine) suspend(name string) {
	if _, err := e.table.SuspendEpisode(name); err != nil {
		e.logger.Error("中断恢复失败", zap.String("service", name), zap.Error(err))
		return
	}
	e.metrics.SetStatus(name, health.StatusUnhealthy.Severity())
	e.logger.Info("监控停止，中断恢复，下次启动后继续", zap.String("service", name))
}

// runRung 执行一级动作并复查，返回已追加的记录
// 动作不受调用方取消影响，只受动作超时限制
func (e *Engine) runRung(svc config.ServiceConfig, pol policy, action ladder.Action, opts ladder.Options, attempt int, trigger string) recoverylog.Record {
	start := e.clock.Now()

	actx, cancel := context.WithTimeout(context.Background(), pol.actionTimeout)
	detail, err := ladder.Execute(actx, action, svc, opts)
	cancel()

	ok := err == nil
	if ok {
		if pol.followUpDelay > 0 {
			<-e.clock.After(pol.followUpDelay)
		}
		out := probe.Run(context.Background(), e.probes[svc.Name], pol.probeTimeout(svc))
		ok = out.OK
		detail = joinDetail(detail, "follow-up: "+out.Detail)
	} else {
		detail = err.Error()
	}

	rec := e.appendRecord(recoverylog.Record{
		Service:    svc.Name,
		Kind:       recoverylog.KindAction,
		Action:     string(action.Type()),
		Trigger:    trigger,
		Attempt:    attempt,
		StartedAt:  start,
		DurationMs: e.clock.Since(start).Milliseconds(),
		Success:    ok,
		Detail:     detail,
	})
	e.metrics.ObserveAction(svc.Name, string(action.Type()), trigger, ok, e.clock.Since(start))
	return rec
}

func (e *Engine) appendRecord(r recoverylog.Record) recoverylog.Record {
	stored, err := e.log.Append(r)
	if err != nil {
		e.logger.Error("写入恢复日志失败", zap.String("service", r.Service), zap.Error(err))
		return r
	}
	return stored
}

func joinDetail(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}

// TriggerOptions 人工触发的选项
type TriggerOptions struct {
	DryRun bool
	Gentle bool
}

// TriggerRecovery 人工执行一个恢复动作，与监控循环是否运行无关
// action为空时使用与当前尝试次数对应的那一级；服务正在恢复时返回CodeAlreadyRecovering且不写日志
func (e *Engine) TriggerRecovery(ctx context.Context, name, action string, opts TriggerOptions) (recoverylog.Record, error) {
	if err := ctx.Err(); err != nil {
		return recoverylog.Record{}, err
	}

	cfg := e.store.Load()
	pol := policyFor(cfg)

	svc, ok := cfg.Service(name)
	if _, registered := e.table.Get(name); !ok || !registered {
		return recoverylog.Record{}, NewError(CodeUnknownService, "未知服务: %s", name)
	}

	var chosen ladder.Action
	if action != "" {
		at, err := ladder.ParseActionType(action)
		if err != nil {
			return recoverylog.Record{}, &Error{Code: CodeInvalidArgument, Message: "无效的恢复动作", Err: err}
		}
		a, found := e.ladder.Lookup(at)
		if !found {
			return recoverylog.Record{}, NewError(CodeInvalidArgument, "恢复阶梯中没有动作: %s", action)
		}
		chosen = a
	}

	if opts.DryRun || pol.dryRun {
		snap, _ := e.table.Get(name)
		if snap.Status == health.StatusRecovering {
			return recoverylog.Record{}, fromHealth(name, health.ErrAlreadyRecovering)
		}
		if chosen == nil {
			chosen = e.ladder.Rung(snap.RecoveryAttemptsInEpisode)
		}
		rec := e.appendRecord(recoverylog.Record{
			Service:   name,
			Kind:      recoverylog.KindAction,
			Action:    string(chosen.Type()),
			Trigger:   recoverylog.TriggerManual,
			StartedAt: e.clock.Now(),
			Success:   true,
			DryRun:    true,
			Detail:    "dry run: would " + string(chosen.Type()),
		})
		e.logger.Info("人工触发（演练）", zap.String("service", name), zap.String("action", rec.Action))
		return rec, nil
	}

	prev, err := e.table.BeginManual(name)
	if err != nil {
		return recoverylog.Record{}, fromHealth(name, err)
	}
	e.metrics.SetStatus(name, health.StatusRecovering.Severity())

	snap, _ := e.table.Get(name)
	if chosen == nil {
		chosen = e.ladder.Rung(snap.RecoveryAttemptsInEpisode)
	}

	actionOpts := pol.actionOpts
	actionOpts.Gentle = actionOpts.Gentle || opts.Gentle

	e.logger.Info("人工触发恢复动作",
		zap.String("service", name),
		zap.String("action", string(chosen.Type())),
		zap.Bool("gentle", actionOpts.Gentle))

	rec := e.runRung(svc, pol, chosen, actionOpts, 0, recoverylog.TriggerManual)

	after, err := e.table.FinishManual(name, prev, rec.Success, rec.Detail)
	if err != nil {
		return rec, fromHealth(name, err)
	}
	e.metrics.SetStatus(name, after.Status.Severity())

	if !rec.Success {
		e.logger.Warn("人工恢复动作未生效",
			zap.String("service", name),
			zap.String("action", rec.Action),
			zap.String("detail", rec.Detail))
	}
	return rec, nil
}

package engine

import (
	"github.com/hewenyu/selfheal/internal/config"
	"github.com/hewenyu/selfheal/internal/health"
	"github.com/hewenyu/selfheal/internal/recoverylog"
	"go.uber.org/zap"
)

// 整体健康状态
const (
	OverallHealthy   = "healthy"
	OverallDegraded  = "degraded"
	OverallUnhealthy = "unhealthy"
)

// StatusQuery 状态查询条件
type StatusQuery struct {
	// Service 只查看一个服务，为空时查看全部
	Service string
	// Tail 附带的最近记录条数，0时使用默认值
	Tail int
}

// StatusReport 状态查询结果
type StatusReport struct {
	Running     bool                   `json:"running"`
	Mode        string                 `json:"mode"`
	DryRun      bool                   `json:"dry_run"`
	Thresholds  health.Thresholds      `json:"thresholds"`
	MaxAttempts int                    `json:"max_attempts"`
	Services    []health.ServiceHealth `json:"services"`
	Recent      []recoverylog.Record   `json:"recent"`
}

// DefaultTail 状态中默认附带的记录条数
const DefaultTail = 10

// Status 返回服务状态与最近的恢复记录，不修改任何状态
func (e *Engine) Status(q StatusQuery) (StatusReport, error) {
	cfg := e.store.Load()
	pol := policyFor(cfg)

	report := StatusReport{
		Running:     e.Running(),
		Mode:        cfg.Recovery.Mode,
		DryRun:      cfg.Recovery.DryRun,
		Thresholds:  pol.thresholds,
		MaxAttempts: pol.maxAttempts,
	}

	tail := q.Tail
	if tail <= 0 {
		tail = DefaultTail
	}

	if q.Service != "" {
		snap, ok := e.table.Get(q.Service)
		if !ok {
			return StatusReport{}, NewError(CodeUnknownService, "未知服务: %s", q.Service)
		}
		report.Services = []health.ServiceHealth{snap}
	} else {
		report.Services = e.table.List()
	}

	report.Recent = e.log.Query(recoverylog.Filter{Service: q.Service, Limit: tail})
	return report, nil
}

// SystemHealth 汇总所有服务的健康情况
type SystemHealth struct {
	Status string `json:"status"`
	// SafeToStart 没有服务处于unhealthy、failed或恢复中时为true
	SafeToStart bool                     `json:"safe_to_start"`
	Mode        string                   `json:"mode"`
	Services    map[string]health.Status `json:"services"`
}

// SystemHealth 供会话管理等协作方判断是否可以开始新会话
func (e *Engine) SystemHealth() SystemHealth {
	out := SystemHealth{
		Status:      OverallHealthy,
		SafeToStart: true,
		Mode:        e.store.Load().Recovery.Mode,
		Services:    make(map[string]health.Status),
	}

	for _, snap := range e.table.List() {
		out.Services[snap.Name] = snap.Status
		switch snap.Status {
		case health.StatusUnhealthy, health.StatusFailed:
			out.Status = OverallUnhealthy
			out.SafeToStart = false
		case health.StatusRecovering:
			out.SafeToStart = false
			if out.Status == OverallHealthy {
				out.Status = OverallDegraded
			}
		case health.StatusDegraded:
			if out.Status == OverallHealthy {
				out.Status = OverallDegraded
			}
		}
	}
	return out
}

// ResetService 人工确认后把服务恢复为healthy并清零计数
func (e *Engine) ResetService(name string) (health.ServiceHealth, error) {
	snap, err := e.table.Reset(name)
	if err != nil {
		return snap, fromHealth(name, err)
	}
	e.metrics.SetStatus(name, snap.Status.Severity())
	e.logger.Info("服务已重置", zap.String("service", name))
	return snap, nil
}

// SetMode 切换恢复模式，下一轮探测生效
func (e *Engine) SetMode(mode string) error {
	prev := e.store.Load().Recovery.Mode
	if _, err := e.store.Update(func(c *config.Config) error {
		c.Recovery.Mode = mode
		return nil
	}); err != nil {
		return &Error{Code: CodeInvalidArgument, Message: "无效的恢复模式", Err: err}
	}
	e.logger.Info("恢复模式已切换", zap.String("from", prev), zap.String("to", mode))
	return nil
}

// SetDryRun 切换演练模式
func (e *Engine) SetDryRun(enabled bool) error {
	if _, err := e.store.Update(func(c *config.Config) error {
		c.Recovery.DryRun = enabled
		return nil
	}); err != nil {
		return &Error{Code: CodeInvalidArgument, Message: "无法切换演练模式", Err: err}
	}
	e.logger.Info("演练模式已切换", zap.Bool("dry_run", enabled))
	return nil
}

// Export 导出恢复日志，dir为空时使用配置的导出目录
func (e *Engine) Export(format, dir string) (string, error) {
	f, err := recoverylog.ParseFormat(format)
	if err != nil {
		return "", &Error{Code: CodeInvalidArgument, Message: "无效的导出格式", Err: err}
	}
	if dir == "" {
		dir = e.store.Load().Storage.ExportPath()
	}

	path, err := e.log.Export(f, dir)
	if err != nil {
		return "", &Error{Code: CodeInternal, Message: "导出失败", Err: err}
	}
	e.logger.Info("恢复日志已导出", zap.String("path", path), zap.String("format", format))
	return path, nil
}

// Records 按条件查询恢复记录
func (e *Engine) Records(f recoverylog.Filter) []recoverylog.Record {
	return e.log.Query(f)
}

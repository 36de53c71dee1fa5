package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 恢复引擎的Prometheus指标
type Metrics struct {
	registry *prometheus.Registry

	// 探测指标
	ProbesTotal  *prometheus.CounterVec
	ProbeLatency *prometheus.HistogramVec

	// 恢复指标
	ActionsTotal   *prometheus.CounterVec
	ActionDuration *prometheus.HistogramVec
	AlertsTotal    *prometheus.CounterVec

	// 状态指标
	ServiceStatus *prometheus.GaugeVec

	// 控制API指标
	APIRequestsTotal *prometheus.CounterVec
}

// New 在独立的Registry上创建并注册指标
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ProbesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "selfheal_probes_total",
				Help: "Total number of probes executed",
			},
			[]string{"service", "result"},
		),

		ProbeLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "selfheal_probe_duration_seconds",
				Help:    "Duration of probes",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"service"},
		),

		ActionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "selfheal_recovery_actions_total",
				Help: "Total number of recovery actions",
			},
			[]string{"service", "action", "trigger", "result"},
		),

		ActionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "selfheal_recovery_action_duration_seconds",
				Help:    "Duration of recovery actions including the follow-up probe",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"action"},
		),

		AlertsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "selfheal_alerts_total",
				Help: "Total number of alerts raised in passive mode",
			},
			[]string{"service"},
		),

		ServiceStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "selfheal_service_status",
				Help: "Current service status severity (0 healthy .. 4 failed)",
			},
			[]string{"service"},
		),

		APIRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "selfheal_api_requests_total",
				Help: "Total number of control API requests",
			},
			[]string{"method", "path", "code"},
		),
	}
}

// Registry 返回底层的Registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler 返回/metrics的HTTP处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveProbe 记录一次探测
func (m *Metrics) ObserveProbe(service string, ok bool, latency time.Duration) {
	if m == nil {
		return
	}
	m.ProbesTotal.WithLabelValues(service, result(ok)).Inc()
	m.ProbeLatency.WithLabelValues(service).Observe(latency.Seconds())
}

// ObserveAction 记录一次恢复动作
func (m *Metrics) ObserveAction(service, action, trigger string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.ActionsTotal.WithLabelValues(service, action, trigger, result(ok)).Inc()
	m.ActionDuration.WithLabelValues(action).Observe(d.Seconds())
}

// ObserveAlert 记录一次告警
func (m *Metrics) ObserveAlert(service string) {
	if m == nil {
		return
	}
	m.AlertsTotal.WithLabelValues(service).Inc()
}

// SetStatus 更新服务状态
func (m *Metrics) SetStatus(service string, severity int) {
	if m == nil {
		return
	}
	m.ServiceStatus.WithLabelValues(service).Set(float64(severity))
}

// ObserveRequest 记录一次控制API请求，path为路由模板
func (m *Metrics) ObserveRequest(method, path string, code int) {
	if m == nil {
		return
	}
	m.APIRequestsTotal.WithLabelValues(method, path, strconv.Itoa(code)).Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

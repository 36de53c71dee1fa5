package apihandler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hewenyu/selfheal/internal/config"
	"github.com/hewenyu/selfheal/internal/engine"
	"github.com/hewenyu/selfheal/internal/health"
	"github.com/hewenyu/selfheal/internal/metrics"
	"github.com/hewenyu/selfheal/internal/recoverylog"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

// Controller 控制API依赖的引擎操作
type Controller interface {
	Running() bool
	Status(q engine.StatusQuery) (engine.StatusReport, error)
	SystemHealth() engine.SystemHealth
	Records(f recoverylog.Filter) []recoverylog.Record
	TriggerRecovery(ctx context.Context, name, action string, opts engine.TriggerOptions) (recoverylog.Record, error)
	ResetService(name string) (health.ServiceHealth, error)
	SetMode(mode string) error
	SetDryRun(enabled bool) error
	ReportEvent(ev engine.Event) error
	Export(format, dir string) (string, error)
}

// Response 统一的响应结构
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ErrorData 出错时data中携带的引擎错误代码
type ErrorData struct {
	Error string `json:"error"`
}

// TriggerRequest 人工触发请求
type TriggerRequest struct {
	Action string `json:"action" validate:"omitempty,oneof=restart cleanup repair"`
	DryRun bool   `json:"dry_run"`
	Gentle bool   `json:"gentle"`
}

// ModeRequest 切换模式请求，两个字段至少设置一个
type ModeRequest struct {
	Mode   string `json:"mode" validate:"omitempty,oneof=passive standard aggressive"`
	DryRun *bool  `json:"dry_run,omitempty"`
}

// ModeResponse 切换后的模式
type ModeResponse struct {
	Mode   string `json:"mode"`
	DryRun bool   `json:"dry_run"`
}

// EventRequest 协作方报告的结果
type EventRequest struct {
	Service string `json:"service" validate:"required"`
	OK      bool   `json:"ok"`
	Detail  string `json:"detail"`
	Source  string `json:"source"`
}

// ExportRequest 导出请求，dir为空时使用配置的导出目录
type ExportRequest struct {
	Format string `json:"format" validate:"required"`
	Dir    string `json:"dir"`
}

// ExportResponse 导出结果
type ExportResponse struct {
	Path string `json:"path"`
}

// requestValidator 用validator校验请求体
type requestValidator struct {
	validate *validator.Validate
}

func (v *requestValidator) Validate(i interface{}) error {
	return v.validate.Struct(i)
}

// EchoHandler 基于echo的控制API
type EchoHandler struct {
	server     *echo.Echo
	store      *config.Store
	logger     config.Logger
	engine     Controller
	metrics    *metrics.Metrics
	onShutdown func()
}

// NewAPIHandler 创建控制API并注册路由，onShutdown在收到停止请求后异步调用
func NewAPIHandler(store *config.Store, logger config.Logger, ctrl Controller, m *metrics.Metrics, onShutdown func()) *EchoHandler {
	h := &EchoHandler{
		server:     echo.New(),
		store:      store,
		logger:     logger,
		engine:     ctrl,
		metrics:    m,
		onShutdown: onShutdown,
	}

	h.server.HideBanner = true
	h.server.HidePort = true
	h.server.Validator = &requestValidator{validate: validator.New()}

	h.server.Use(middleware.Recover())
	h.server.Use(h.requestMetrics)

	h.registerRoutes()
	return h
}

// Addr 监听地址
func (h *EchoHandler) Addr() string {
	api := h.store.Load().API
	return fmt.Sprintf("%s:%d", api.ListenAddress, api.Port)
}

// Start 在后台启动控制API
func (h *EchoHandler) Start() error {
	addr := h.Addr()
	h.logger.Info("启动控制API服务", zap.String("address", addr))

	go func() {
		if err := h.server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("控制API服务启动失败", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown 优雅关闭控制API
func (h *EchoHandler) Shutdown(ctx context.Context) error {
	h.logger.Info("正在关闭控制API服务...")
	if err := h.server.Shutdown(ctx); err != nil {
		h.logger.Error("关闭控制API服务出错", zap.Error(err))
		return err
	}
	return nil
}

// ServeHTTP 实现http.Handler
func (h *EchoHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.server.ServeHTTP(w, r)
}

func (h *EchoHandler) registerRoutes() {
	h.server.GET("/health", h.healthHandler)
	h.server.GET("/metrics", echo.WrapHandler(h.metrics.Handler()))

	v1 := h.server.Group("/api/v1")
	v1.GET("/status", h.statusHandler)
	v1.GET("/system-health", h.systemHealthHandler)
	v1.GET("/actions", h.actionsHandler)
	v1.POST("/services/:name/trigger", h.triggerHandler)
	v1.POST("/services/:name/reset", h.resetHandler)
	v1.PUT("/mode", h.modeHandler)
	v1.POST("/events", h.eventHandler)
	v1.POST("/export", h.exportHandler)
	v1.POST("/shutdown", h.shutdownHandler)
}

// requestMetrics 按路由模板统计请求
func (h *EchoHandler) requestMetrics(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		code := c.Response().Status
		if err != nil {
			var he *echo.HTTPError
			if errors.As(err, &he) {
				code = he.Code
			}
		}
		h.metrics.ObserveRequest(c.Request().Method, c.Path(), code)
		return err
	}
}

func (h *EchoHandler) healthHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"service":   "selfheal-control-api",
		"running":   h.engine.Running(),
	})
}

func (h *EchoHandler) statusHandler(c echo.Context) error {
	q := engine.StatusQuery{Service: c.QueryParam("service")}
	if raw := c.QueryParam("tail"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return badRequest(c, "tail必须是非负整数")
		}
		q.Tail = n
	}

	report, err := h.engine.Status(q)
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, "ok", report)
}

func (h *EchoHandler) systemHealthHandler(c echo.Context) error {
	return ok(c, "ok", h.engine.SystemHealth())
}

func (h *EchoHandler) actionsHandler(c echo.Context) error {
	f := recoverylog.Filter{
		Service: c.QueryParam("service"),
		Kind:    recoverylog.Kind(c.QueryParam("kind")),
	}

	var err error
	if f.Since, err = parseTime(c.QueryParam("since")); err != nil {
		return badRequest(c, "since格式无效: "+err.Error())
	}
	if f.Until, err = parseTime(c.QueryParam("until")); err != nil {
		return badRequest(c, "until格式无效: "+err.Error())
	}
	if raw := c.QueryParam("limit"); raw != "" {
		n, convErr := strconv.Atoi(raw)
		if convErr != nil || n < 0 {
			return badRequest(c, "limit必须是非负整数")
		}
		f.Limit = n
	}

	return ok(c, "ok", h.engine.Records(f))
}

func (h *EchoHandler) triggerHandler(c echo.Context) error {
	name := c.Param("name")

	var req TriggerRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "请求参数无效: "+err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return badRequest(c, "参数验证失败: "+err.Error())
	}

	rec, err := h.engine.TriggerRecovery(c.Request().Context(), name, req.Action, engine.TriggerOptions{
		DryRun: req.DryRun,
		Gentle: req.Gentle,
	})
	if err != nil {
		return h.fail(c, err)
	}

	msg := "恢复动作已执行"
	if !rec.Success {
		msg = "恢复动作未生效"
	}
	return ok(c, msg, rec)
}

func (h *EchoHandler) resetHandler(c echo.Context) error {
	snap, err := h.engine.ResetService(c.Param("name"))
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, "服务已重置", snap)
}

func (h *EchoHandler) modeHandler(c echo.Context) error {
	var req ModeRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "请求参数无效: "+err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return badRequest(c, "参数验证失败: "+err.Error())
	}
	if req.Mode == "" && req.DryRun == nil {
		return badRequest(c, "mode与dry_run至少设置一个")
	}

	if req.Mode != "" {
		if err := h.engine.SetMode(req.Mode); err != nil {
			return h.fail(c, err)
		}
	}
	if req.DryRun != nil {
		if err := h.engine.SetDryRun(*req.DryRun); err != nil {
			return h.fail(c, err)
		}
	}

	r := h.store.Load().Recovery
	return ok(c, "模式已更新", ModeResponse{Mode: r.Mode, DryRun: r.DryRun})
}

func (h *EchoHandler) eventHandler(c echo.Context) error {
	var req EventRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "请求参数无效: "+err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return badRequest(c, "参数验证失败: "+err.Error())
	}

	if err := h.engine.ReportEvent(engine.Event{
		Service: req.Service,
		OK:      req.OK,
		Detail:  req.Detail,
		Source:  req.Source,
	}); err != nil {
		return h.fail(c, err)
	}
	return ok(c, "事件已接收", nil)
}

func (h *EchoHandler) exportHandler(c echo.Context) error {
	var req ExportRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "请求参数无效: "+err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return badRequest(c, "参数验证失败: "+err.Error())
	}

	path, err := h.engine.Export(req.Format, req.Dir)
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, "导出完成", ExportResponse{Path: path})
}

func (h *EchoHandler) shutdownHandler(c echo.Context) error {
	h.logger.Info("收到停止请求")
	if h.onShutdown != nil {
		go h.onShutdown()
	}
	return ok(c, "正在停止", nil)
}

// fail 把引擎错误转换为HTTP响应
func (h *EchoHandler) fail(c echo.Context, err error) error {
	status, code := http.StatusInternalServerError, engine.CodeInternal

	var ee *engine.Error
	if errors.As(err, &ee) {
		code = ee.Code
		switch ee.Code {
		case engine.CodeUnknownService:
			status = http.StatusNotFound
		case engine.CodeAlreadyRecovering, engine.CodeAlreadyRunning:
			status = http.StatusConflict
		case engine.CodeInvalidArgument:
			status = http.StatusBadRequest
		}
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("控制API请求失败", zap.String("path", c.Path()), zap.Error(err))
	}
	return c.JSON(status, Response{
		Code:    status,
		Message: err.Error(),
		Data:    ErrorData{Error: code.String()},
	})
}

func ok(c echo.Context, msg string, data any) error {
	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: msg,
		Data:    data,
	})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, Response{
		Code:    http.StatusBadRequest,
		Message: msg,
		Data:    ErrorData{Error: engine.CodeInvalidArgument.String()},
	})
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

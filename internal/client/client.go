// Package client 是控制API的HTTP客户端，命令行通过它操作运行中的守护进程
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hewenyu/selfheal/internal/apihandler"
	"github.com/hewenyu/selfheal/internal/engine"
	"github.com/hewenyu/selfheal/internal/health"
	"github.com/hewenyu/selfheal/internal/recoverylog"
)

// ErrUnavailable 守护进程没有响应
var ErrUnavailable = errors.New("守护进程未运行")

// Config 客户端配置
type Config struct {
	// 控制API地址，如 127.0.0.1:7420
	ServerAddr string
	// 请求超时时间
	Timeout time.Duration
	// 是否使用HTTPS
	Secure bool
}

// Client 控制API客户端
type Client struct {
	config     *Config
	httpClient *http.Client
}

// response API响应结构
type response struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewClient 创建客户端
func NewClient(config *Config) (*Client, error) {
	if config.ServerAddr == "" {
		return nil, fmt.Errorf("服务器地址不能为空")
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}, nil
}

// 构建API地址
func (c *Client) buildURL(path string, query url.Values) string {
	protocol := "http"
	if c.config.Secure {
		protocol = "https"
	}
	u := fmt.Sprintf("%s://%s%s", protocol, c.config.ServerAddr, path)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// doRequest 发送请求并把data解码到out，非200响应转换为引擎错误
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("序列化请求体失败: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.buildURL(path, query), bodyReader)
	if err != nil {
		return fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isUnavailable(err) {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return fmt.Errorf("发送HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("读取响应体失败: %w", err)
	}

	var apiResp response
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return fmt.Errorf("解析响应失败: %w, 响应内容: %s", err, string(respBody))
	}

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp.StatusCode, &apiResp)
	}

	if out != nil && len(apiResp.Data) > 0 {
		if err := json.Unmarshal(apiResp.Data, out); err != nil {
			return fmt.Errorf("解析响应数据失败: %w", err)
		}
	}
	return nil
}

// decodeError 根据data.error还原引擎错误代码
func decodeError(status int, resp *response) error {
	var data apihandler.ErrorData
	if len(resp.Data) > 0 {
		_ = json.Unmarshal(resp.Data, &data)
	}

	code, ok := engine.ParseCode(data.Error)
	if !ok {
		code = engine.CodeInternal
	}
	return &engine.Error{
		Code:    code,
		Message: resp.Message,
		Err:     fmt.Errorf("API请求失败 (状态码: %d)", status),
	}
}

func isUnavailable(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// Ping 检查守护进程是否在运行
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.buildURL("/health", nil), nil)
	if err != nil {
		return fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isUnavailable(err) {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return fmt.Errorf("发送HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("健康检查失败 (状态码: %d)", resp.StatusCode)
	}
	return nil
}

// Status 查询状态，service为空时返回全部服务
func (c *Client) Status(ctx context.Context, service string, tail int) (engine.StatusReport, error) {
	query := url.Values{}
	if service != "" {
		query.Set("service", service)
	}
	if tail > 0 {
		query.Set("tail", strconv.Itoa(tail))
	}

	var report engine.StatusReport
	err := c.doRequest(ctx, http.MethodGet, "/api/v1/status", query, nil, &report)
	return report, err
}

// SystemHealth 查询整体健康情况
func (c *Client) SystemHealth(ctx context.Context) (engine.SystemHealth, error) {
	var sh engine.SystemHealth
	err := c.doRequest(ctx, http.MethodGet, "/api/v1/system-health", nil, nil, &sh)
	return sh, err
}

// Actions 查询恢复记录
func (c *Client) Actions(ctx context.Context, f recoverylog.Filter) ([]recoverylog.Record, error) {
	query := url.Values{}
	if f.Service != "" {
		query.Set("service", f.Service)
	}
	if f.Kind != "" {
		query.Set("kind", string(f.Kind))
	}
	if !f.Since.IsZero() {
		query.Set("since", f.Since.Format(time.RFC3339))
	}
	if !f.Until.IsZero() {
		query.Set("until", f.Until.Format(time.RFC3339))
	}
	if f.Limit > 0 {
		query.Set("limit", strconv.Itoa(f.Limit))
	}

	var records []recoverylog.Record
	err := c.doRequest(ctx, http.MethodGet, "/api/v1/actions", query, nil, &records)
	return records, err
}

// Trigger 人工触发恢复动作
func (c *Client) Trigger(ctx context.Context, service string, req apihandler.TriggerRequest) (recoverylog.Record, error) {
	var rec recoverylog.Record
	err := c.doRequest(ctx, http.MethodPost, "/api/v1/services/"+url.PathEscape(service)+"/trigger", nil, req, &rec)
	return rec, err
}

// Reset 重置服务状态
func (c *Client) Reset(ctx context.Context, service string) (health.ServiceHealth, error) {
	var snap health.ServiceHealth
	err := c.doRequest(ctx, http.MethodPost, "/api/v1/services/"+url.PathEscape(service)+"/reset", nil, nil, &snap)
	return snap, err
}

// SetMode 切换模式或演练开关
func (c *Client) SetMode(ctx context.Context, req apihandler.ModeRequest) (apihandler.ModeResponse, error) {
	var out apihandler.ModeResponse
	err := c.doRequest(ctx, http.MethodPut, "/api/v1/mode", nil, req, &out)
	return out, err
}

// ReportEvent 报告一次服务结果
func (c *Client) ReportEvent(ctx context.Context, ev apihandler.EventRequest) error {
	return c.doRequest(ctx, http.MethodPost, "/api/v1/events", nil, ev, nil)
}

// Export 让守护进程导出恢复日志，返回文件路径
func (c *Client) Export(ctx context.Context, format, dir string) (string, error) {
	var out apihandler.ExportResponse
	err := c.doRequest(ctx, http.MethodPost, "/api/v1/export", nil, apihandler.ExportRequest{Format: format, Dir: dir}, &out)
	return out.Path, err
}

// Shutdown 请求守护进程停止
func (c *Client) Shutdown(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodPost, "/api/v1/shutdown", nil, nil, nil)
}

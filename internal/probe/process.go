package probe

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/hewenyu/selfheal/internal/config"
)

// processProbe 执行命令，退出码为0即认为可用
type processProbe struct {
	command string
	args    []string
}

func newProcessProbe(field string, spec config.ProbeConfig, _ Options) (Probe, error) {
	if err := requireField(field, "command", spec.Command); err != nil {
		return nil, err
	}
	return &processProbe{command: spec.Command, args: spec.Args}, nil
}

func (p *processProbe) Check(ctx context.Context) Outcome {
	cmd := exec.CommandContext(ctx, p.command, p.args...)
	out, err := cmd.CombinedOutput()
	output := Truncate(strings.TrimSpace(string(out)), 200)

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Fail("exit code %d: %s", exitErr.ExitCode(), output)
		}
		return Fail("%v", err)
	}
	if output == "" {
		output = "exit code 0"
	}
	return Ok("%s", firstLine(output))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// pidProbe 读取PID文件并确认进程仍然存活
type pidProbe struct {
	pidFile string
}

func newPIDProbe(field string, spec config.ProbeConfig, _ Options) (Probe, error) {
	if err := requireField(field, "pid_file", spec.PIDFile); err != nil {
		return nil, err
	}
	return &pidProbe{pidFile: spec.PIDFile}, nil
}

func (p *pidProbe) Check(ctx context.Context) Outcome {
	pid, err := ReadPIDFile(p.pidFile)
	if err != nil {
		return Fail("%v", err)
	}
	if !ProcessAlive(pid) {
		return Fail("pid %d not running", pid)
	}
	return Ok("pid %d running", pid)
}

// ReadPIDFile 读取PID文件中的进程号
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, errors.New("invalid pid file " + path)
	}
	return pid, nil
}

// ProcessAlive 通过0号信号判断进程是否存在
func ProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// pathProbe 检查会话存储目录存在且可写
type pathProbe struct {
	path string
}

func newPathProbe(field string, spec config.ProbeConfig, _ Options) (Probe, error) {
	if err := requireField(field, "path", spec.Path); err != nil {
		return nil, err
	}
	return &pathProbe{path: spec.Path}, nil
}

func (p *pathProbe) Check(ctx context.Context) Outcome {
	info, err := os.Stat(p.path)
	if err != nil {
		return Fail("%v", err)
	}
	if !info.IsDir() {
		return Fail("%s is not a directory", p.path)
	}

	f, err := os.CreateTemp(p.path, ".selfheal-probe-*")
	if err != nil {
		return Fail("not writable: %v", err)
	}
	name := f.Name()
	f.Close()
	if err := os.Remove(name); err != nil {
		return Fail("cleanup probe file: %v", err)
	}
	return Ok("%s writable", filepath.Clean(p.path))
}

// httpProbe 发送GET请求检查状态码
type httpProbe struct {
	url    string
	expect int
	client *http.Client
}

func newHTTPProbe(field string, spec config.ProbeConfig, _ Options) (Probe, error) {
	if err := requireField(field, "url", spec.URL); err != nil {
		return nil, err
	}
	return &httpProbe{url: spec.URL, expect: spec.ExpectStatus, client: &http.Client{}}, nil
}

func (p *httpProbe) Check(ctx context.Context) Outcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return Fail("%v", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Fail("%v", err)
	}
	defer resp.Body.Close()

	if p.expect != 0 {
		if resp.StatusCode != p.expect {
			return Fail("status %d, want %d", resp.StatusCode, p.expect)
		}
	} else if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Fail("status %d", resp.StatusCode)
	}
	return Ok("status %d", resp.StatusCode)
}

// tcpProbe 检查TCP端口可连接
type tcpProbe struct {
	address string
}

func newTCPProbe(field string, spec config.ProbeConfig, _ Options) (Probe, error) {
	if err := requireField(field, "address", spec.Address); err != nil {
		return nil, err
	}
	return &tcpProbe{address: spec.Address}, nil
}

func (p *tcpProbe) Check(ctx context.Context) Outcome {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.address)
	if err != nil {
		return Fail("%v", err)
	}
	conn.Close()
	return Ok("connected to %s", p.address)
}

package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	// 从默认位置加载配置
	config, err := LoadConfig("")
	require.NoError(t, err, "无法加载默认配置")
	require.NotNil(t, config, "配置不应为nil")

	// 验证默认值
	assert.Equal(t, 30000, config.Recovery.CheckIntervalMs, "探测周期应为30秒")
	assert.Equal(t, 1, config.Recovery.DegradedThreshold)
	assert.Equal(t, 3, config.Recovery.UnhealthyThreshold)
	assert.Equal(t, 3, config.Recovery.MaxAttempts)
	assert.Equal(t, ModeStandard, config.Recovery.Mode)
	assert.False(t, config.Recovery.DryRun)
	assert.Equal(t, 7420, config.API.Port, "控制API端口应为7420")
	assert.Equal(t, "recovery.log", config.Storage.LogFile)
}

func TestLoadConfigFromEnvVars(t *testing.T) {
	t.Setenv("SELFHEAL_RECOVERY_MAX_ATTEMPTS", "5")
	t.Setenv("SELFHEAL_RECOVERY_MODE", "aggressive")

	config, err := LoadConfig("")
	require.NoError(t, err, "无法加载配置")

	// 验证环境变量覆盖
	assert.Equal(t, 5, config.Recovery.MaxAttempts, "环境变量应正确覆盖最大尝试次数")
	assert.Equal(t, ModeAggressive, config.Recovery.Mode, "环境变量应正确覆盖模式")

	// 确认其他值不受影响
	assert.Equal(t, 3, config.Recovery.UnhealthyThreshold)
}

func TestLoadConfigWithMissingFile(t *testing.T) {
	config, err := LoadConfig("non_existent_file.yaml")

	assert.Error(t, err, "从不存在的文件加载配置应该失败")
	assert.Nil(t, config, "加载不存在的配置文件应该返回nil配置")
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
recovery:
  unhealthy_threshold: 4
  mode: passive
services:
  - name: claude
    probe:
      type: process
      command: claude
      args: ["--version"]
    restart:
      command: claude
      args: ["serve"]
      pid_file: /tmp/claude.pid
  - name: session-store
    probe:
      type: path
      path: /tmp/sessions
    repair:
      ensure_dirs: ["/tmp/sessions"]
storage:
  work_dir: ` + dir + `
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 4, config.Recovery.UnhealthyThreshold)
	assert.Equal(t, ModePassive, config.Recovery.Mode)
	require.Len(t, config.Services, 2)

	claude, ok := config.Service("claude")
	require.True(t, ok)
	assert.Equal(t, "process", claude.Probe.Type)
	assert.Equal(t, []string{"--version"}, claude.Probe.Args)
	assert.Equal(t, "claude", claude.Restart.Command)
	assert.Equal(t, "/tmp/claude.pid", claude.Restart.PIDFile)

	store, ok := config.Service("session-store")
	require.True(t, ok)
	assert.Equal(t, []string{"/tmp/sessions"}, store.Repair.EnsureDirs)

	assert.Equal(t, filepath.Join(dir, "recovery.log"), config.Storage.LogPath())
	assert.Equal(t, filepath.Join(dir, "exports"), config.Storage.ExportPath())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"max attempts zero", func(c *Config) { c.Recovery.MaxAttempts = 0 }, "recovery.max_attempts"},
		{"interval zero", func(c *Config) { c.Recovery.CheckIntervalMs = 0 }, "recovery.check_interval_ms"},
		{"unknown mode", func(c *Config) { c.Recovery.Mode = "turbo" }, "recovery.mode"},
		{"degraded above unhealthy", func(c *Config) { c.Recovery.DegradedThreshold = 5 }, "recovery.degraded_threshold"},
		{"multiplier below one", func(c *Config) { c.Recovery.BackoffMultiplier = 0.5 }, "recovery.backoff_multiplier"},
		{"service without name", func(c *Config) {
			c.Services = []ServiceConfig{{Probe: ProbeConfig{Type: "tcp"}}}
		}, "services[0].name"},
		{"probe without type", func(c *Config) {
			c.Services = []ServiceConfig{{Name: "a"}}
		}, "services[0].probe.type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)

			err := Validate(cfg)
			require.Error(t, err)
			assert.True(t, IsConfigError(err))

			var ce *ConfigError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestValidateDuplicateServices(t *testing.T) {
	cfg := Defaults()
	cfg.Services = []ServiceConfig{
		{Name: "a", Probe: ProbeConfig{Type: "tcp"}},
		{Name: "a", Probe: ProbeConfig{Type: "tcp"}},
	}

	err := Validate(cfg)
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
}

func TestDefaultsAreValid(t *testing.T) {
	assert.NoError(t, Validate(Defaults()))
}

func TestStoreUpdate(t *testing.T) {
	store := NewStore(Defaults())
	before := store.Load()

	next, err := store.Update(func(c *Config) error {
		c.Recovery.Mode = ModePassive
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, ModePassive, next.Recovery.Mode)
	assert.Equal(t, ModePassive, store.Load().Recovery.Mode)

	// 旧快照不受影响
	assert.Equal(t, ModeStandard, before.Recovery.Mode)

	// 非法修改被拒绝，配置保持不变
	_, err = store.Update(func(c *Config) error {
		c.Recovery.MaxAttempts = -1
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, 3, store.Load().Recovery.MaxAttempts)
}

// 热更新时文件没有改动的模式与演练开关沿用运行时的修改
func TestReloadKeepsRuntimeOverrides(t *testing.T) {
	fileBefore := Defaults()

	// 运行时通过API切到passive并开启演练
	current := fileBefore.Clone()
	current.Recovery.Mode = ModePassive
	current.Recovery.DryRun = true

	// 文件只改了阈值
	fileAfter := fileBefore.Clone()
	fileAfter.Recovery.UnhealthyThreshold = 5

	kept, overridden := carryRuntime(fileBefore, fileAfter, current)
	assert.ElementsMatch(t, []string{"recovery.mode", "recovery.dry_run"}, kept)
	assert.Empty(t, overridden)
	assert.Equal(t, ModePassive, fileAfter.Recovery.Mode)
	assert.True(t, fileAfter.Recovery.DryRun)
	assert.Equal(t, 5, fileAfter.Recovery.UnhealthyThreshold)

	// 文件明确改了模式时以文件为准
	fileChanged := fileBefore.Clone()
	fileChanged.Recovery.Mode = ModeAggressive
	kept, overridden = carryRuntime(fileBefore, fileChanged, current)
	assert.Equal(t, []string{"recovery.dry_run"}, kept)
	assert.Equal(t, []string{"recovery.mode"}, overridden)
	assert.Equal(t, ModeAggressive, fileChanged.Recovery.Mode)

	// 没有运行时修改时不做处理
	untouched := fileBefore.Clone()
	untouched.Recovery.Mode = ModePassive
	kept, overridden = carryRuntime(fileBefore, untouched, fileBefore)
	assert.Empty(t, kept)
	assert.Empty(t, overridden)
	assert.Equal(t, ModePassive, untouched.Recovery.Mode)
}

// Load记录文件内容，作为热更新时的比较基准
func TestLoadRemembersFileConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("recovery:\n  mode: passive\n"), 0o644))

	loader := NewLoader(path)
	cfg, err := loader.Load()
	require.NoError(t, err)
	require.NotNil(t, loader.fileCfg)

	// 调用方修改返回的配置不影响基准
	cfg.Recovery.Mode = ModeStandard
	assert.Equal(t, ModePassive, loader.fileCfg.Recovery.Mode)
}

func TestStoreConcurrentReadersSeeWholeConfig(t *testing.T) {
	a := Defaults()
	a.Recovery.UnhealthyThreshold = 3
	a.Recovery.DegradedThreshold = 1
	b := Defaults()
	b.Recovery.UnhealthyThreshold = 10
	b.Recovery.DegradedThreshold = 10

	store := NewStore(a)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			if i%2 == 0 {
				store.Swap(b)
			} else {
				store.Swap(a)
			}
		}
		close(stop)
	}()

	for {
		select {
		case <-stop:
			wg.Wait()
			return
		default:
		}
		cfg := store.Load()
		pair := [2]int{cfg.Recovery.DegradedThreshold, cfg.Recovery.UnhealthyThreshold}
		assert.Contains(t, [][2]int{{1, 3}, {10, 10}}, pair)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	cfg := Defaults()
	cfg.Storage.WorkDir = dir
	cfg.Recovery.Mode = ModeAggressive
	cfg.Services = []ServiceConfig{{
		Name:  "provider-fs",
		Probe: ProbeConfig{Type: "pid", PIDFile: "/tmp/fs.pid"},
		Restart: RestartConfig{
			CommandSpec: CommandSpec{Command: "npx", Args: []string{"server-fs"}},
			PIDFile:     "/tmp/fs.pid",
		},
	}}

	require.NoError(t, Save(path, cfg))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ModeAggressive, loaded.Recovery.Mode)
	require.Len(t, loaded.Services, 1)
	assert.Equal(t, "npx", loaded.Services[0].Restart.Command)
	assert.Equal(t, []string{"server-fs"}, loaded.Services[0].Restart.Args)
	assert.Equal(t, "/tmp/fs.pid", loaded.Services[0].Restart.PIDFile)
}

func TestExampleConfig(t *testing.T) {
	config, err := LoadConfig(filepath.Join("..", "..", "configs", "config.example.yaml"))
	require.NoError(t, err)

	names := make([]string, 0, len(config.Services))
	for _, svc := range config.Services {
		names = append(names, svc.Name)
	}
	assert.Equal(t, []string{"claude", "gateway", "session-store", "resolver", "workspace"}, names)

	claude, ok := config.Service("claude")
	require.True(t, ok)
	assert.Equal(t, []string{"--daemon"}, claude.Restart.Args)
	assert.Equal(t, claude.Probe.PIDFile, claude.Restart.PIDFile)
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 恢复模式
const (
	ModePassive    = "passive"
	ModeStandard   = "standard"
	ModeAggressive = "aggressive"
)

// Config 应用程序配置结构
type Config struct {
	// 恢复引擎配置
	Recovery RecoveryConfig `mapstructure:"recovery" yaml:"recovery"`

	// 被监控的服务列表
	Services []ServiceConfig `mapstructure:"services" yaml:"services" validate:"unique=Name,dive"`

	// 控制API配置
	API APIConfig `mapstructure:"api" yaml:"api"`

	// 存储目录配置
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`

	// etcd配置（etcd探针默认使用）
	Etcd EtcdConfig `mapstructure:"etcd" yaml:"etcd"`

	// 日志配置
	Log LogConfig `mapstructure:"log" yaml:"log"`
}

// RecoveryConfig 恢复引擎的阈值、退避与模式配置
type RecoveryConfig struct {
	CheckIntervalMs    int     `mapstructure:"check_interval_ms" yaml:"check_interval_ms" validate:"gt=0"`
	ProbeTimeoutMs     int     `mapstructure:"probe_timeout_ms" yaml:"probe_timeout_ms" validate:"gt=0"`
	ActionTimeoutMs    int     `mapstructure:"action_timeout_ms" yaml:"action_timeout_ms" validate:"gt=0"`
	DegradedThreshold  int     `mapstructure:"degraded_threshold" yaml:"degraded_threshold" validate:"gte=1,ltefield=UnhealthyThreshold"`
	UnhealthyThreshold int     `mapstructure:"unhealthy_threshold" yaml:"unhealthy_threshold" validate:"gte=1"`
	MaxAttempts        int     `mapstructure:"max_attempts" yaml:"max_attempts" validate:"gt=0"`
	BackoffBaseMs      int     `mapstructure:"backoff_base_ms" yaml:"backoff_base_ms" validate:"gte=0"`
	BackoffMultiplier  float64 `mapstructure:"backoff_multiplier" yaml:"backoff_multiplier" validate:"gte=1"`
	BackoffMaxMs       int     `mapstructure:"backoff_max_ms" yaml:"backoff_max_ms" validate:"gte=0"`
	FollowUpDelayMs    int     `mapstructure:"follow_up_delay_ms" yaml:"follow_up_delay_ms" validate:"gte=0"`
	FanOut             int     `mapstructure:"fan_out" yaml:"fan_out" validate:"gte=1"`
	Mode               string  `mapstructure:"mode" yaml:"mode" validate:"oneof=passive standard aggressive"`
	DryRun             bool    `mapstructure:"dry_run" yaml:"dry_run"`
	GentleStop         bool    `mapstructure:"gentle_stop" yaml:"gentle_stop"`
	StopGraceMs        int     `mapstructure:"stop_grace_ms" yaml:"stop_grace_ms" validate:"gte=0"`
}

// ServiceConfig 单个被监控依赖的配置
type ServiceConfig struct {
	Name    string        `mapstructure:"name" yaml:"name" validate:"required"`
	Probe   ProbeConfig   `mapstructure:"probe" yaml:"probe"`
	Restart RestartConfig `mapstructure:"restart" yaml:"restart,omitempty"`
	Cleanup CleanupConfig `mapstructure:"cleanup" yaml:"cleanup,omitempty"`
	Repair  RepairConfig  `mapstructure:"repair" yaml:"repair,omitempty"`
}

// ProbeConfig 探针配置，不同类型使用不同字段
type ProbeConfig struct {
	Type         string   `mapstructure:"type" yaml:"type" validate:"required"`
	Command      string   `mapstructure:"command" yaml:"command,omitempty"`
	Args         []string `mapstructure:"args" yaml:"args,omitempty"`
	URL          string   `mapstructure:"url" yaml:"url,omitempty"`
	ExpectStatus int      `mapstructure:"expect_status" yaml:"expect_status,omitempty"`
	Address      string   `mapstructure:"address" yaml:"address,omitempty"`
	Host         string   `mapstructure:"host" yaml:"host,omitempty"`
	Path         string   `mapstructure:"path" yaml:"path,omitempty"`
	PIDFile      string   `mapstructure:"pid_file" yaml:"pid_file,omitempty"`
	Endpoints    []string `mapstructure:"endpoints" yaml:"endpoints,omitempty"`
	TimeoutMs    int      `mapstructure:"timeout_ms" yaml:"timeout_ms,omitempty" validate:"gte=0"`
}

// CommandSpec 一条外部命令
type CommandSpec struct {
	Command string            `mapstructure:"command" yaml:"command,omitempty"`
	Args    []string          `mapstructure:"args" yaml:"args,omitempty"`
	Env     map[string]string `mapstructure:"env" yaml:"env,omitempty"`
	Dir     string            `mapstructure:"dir" yaml:"dir,omitempty"`
}

// RestartConfig 重启动作配置
type RestartConfig struct {
	CommandSpec `mapstructure:",squash" yaml:",inline"`
	PIDFile     string `mapstructure:"pid_file" yaml:"pid_file,omitempty"`
}

// CleanupConfig 清理动作配置
type CleanupConfig struct {
	Paths   []string    `mapstructure:"paths" yaml:"paths,omitempty"`
	Command CommandSpec `mapstructure:"command" yaml:"command,omitempty"`
}

// RepairConfig 修复动作配置
type RepairConfig struct {
	EnsureDirs []string    `mapstructure:"ensure_dirs" yaml:"ensure_dirs,omitempty"`
	Command    CommandSpec `mapstructure:"command" yaml:"command,omitempty"`
}

// APIConfig 控制API配置
type APIConfig struct {
	ListenAddress string `mapstructure:"listen_address" yaml:"listen_address"`
	Port          int    `mapstructure:"port" yaml:"port" validate:"gte=0,lte=65535"`
}

// StorageConfig 工作目录配置
type StorageConfig struct {
	WorkDir   string `mapstructure:"work_dir" yaml:"work_dir" validate:"required"`
	LogFile   string `mapstructure:"log_file" yaml:"log_file" validate:"required"`
	ExportDir string `mapstructure:"export_dir" yaml:"export_dir"`
}

// EtcdConfig etcd配置
type EtcdConfig struct {
	Endpoints []string `mapstructure:"endpoints" yaml:"endpoints"`
	Username  string   `mapstructure:"username" yaml:"username,omitempty"`
	Password  string   `mapstructure:"password" yaml:"password,omitempty"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level       string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Development bool   `mapstructure:"development" yaml:"development"`
	File        string `mapstructure:"file" yaml:"file,omitempty"`
}

// CheckInterval 返回探测周期
func (r RecoveryConfig) CheckInterval() time.Duration {
	return time.Duration(r.CheckIntervalMs) * time.Millisecond
}

// ProbeTimeout 返回单次探测超时
func (r RecoveryConfig) ProbeTimeout() time.Duration {
	return time.Duration(r.ProbeTimeoutMs) * time.Millisecond
}

// ActionTimeout 返回单个恢复动作超时
func (r RecoveryConfig) ActionTimeout() time.Duration {
	return time.Duration(r.ActionTimeoutMs) * time.Millisecond
}

// FollowUpDelay 返回动作完成后到复查探测之间的等待
func (r RecoveryConfig) FollowUpDelay() time.Duration {
	return time.Duration(r.FollowUpDelayMs) * time.Millisecond
}

// StopGrace 返回温和停止时等待进程退出的时长
func (r RecoveryConfig) StopGrace() time.Duration {
	return time.Duration(r.StopGraceMs) * time.Millisecond
}

// LogPath 返回恢复日志文件的完整路径
func (s StorageConfig) LogPath() string {
	if filepath.IsAbs(s.LogFile) {
		return s.LogFile
	}
	return filepath.Join(s.WorkDir, s.LogFile)
}

// ExportPath 返回导出目录
func (s StorageConfig) ExportPath() string {
	if s.ExportDir == "" {
		return filepath.Join(s.WorkDir, "exports")
	}
	if filepath.IsAbs(s.ExportDir) {
		return s.ExportDir
	}
	return filepath.Join(s.WorkDir, s.ExportDir)
}

// ProcessLogDir 返回重启进程输出日志的目录
func (s StorageConfig) ProcessLogDir() string {
	return filepath.Join(s.WorkDir, "logs")
}

// Service 按名称查找服务配置
func (c *Config) Service(name string) (ServiceConfig, bool) {
	for _, svc := range c.Services {
		if svc.Name == name {
			return svc, true
		}
	}
	return ServiceConfig{}, false
}

// Clone 返回配置的浅拷贝，服务列表视为只读共享
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}

// LoadConfig 从文件和环境变量加载配置并校验
func LoadConfig(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}

// Loader 持有viper实例，支持重新加载与热更新
type Loader struct {
	v    *viper.Viper
	path string
	// 最近一次从文件解析出的配置，热更新时用来区分文件改动和运行时修改
	fileCfg *Config
}

// NewLoader 创建配置加载器
func NewLoader(configPath string) *Loader {
	v := viper.New()

	// 设置默认值
	setDefaults(v)

	// 如果指定了配置文件路径
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.selfheal")
		v.AddConfigPath("/etc/selfheal")
	}

	// 配置文件格式
	v.SetConfigType("yaml")

	// 绑定环境变量
	v.SetEnvPrefix("SELFHEAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Loader{v: v, path: configPath}
}

// Load 读取配置文件、解析并校验
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		// 找不到配置文件时使用默认值；其他错误则返回
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件错误: %w", err)
		}
	}

	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	l.fileCfg = cfg.Clone()
	return cfg, nil
}

func (l *Loader) decode() (*Config, error) {
	var config Config
	if err := l.v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置错误: %w", err)
	}

	config.Storage.WorkDir = expandHome(config.Storage.WorkDir)

	if err := Validate(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// ConfigFile 返回实际使用的配置文件路径，未找到时为空
func (l *Loader) ConfigFile() string {
	if used := l.v.ConfigFileUsed(); used != "" {
		return used
	}
	return l.path
}

// setDefaults 设置配置默认值
func setDefaults(v *viper.Viper) {
	// 恢复引擎默认配置
	v.SetDefault("recovery.check_interval_ms", 30000)
	v.SetDefault("recovery.probe_timeout_ms", 5000)
	v.SetDefault("recovery.action_timeout_ms", 60000)
	v.SetDefault("recovery.degraded_threshold", 1)
	v.SetDefault("recovery.unhealthy_threshold", 3)
	v.SetDefault("recovery.max_attempts", 3)
	v.SetDefault("recovery.backoff_base_ms", 1000)
	v.SetDefault("recovery.backoff_multiplier", 2.0)
	v.SetDefault("recovery.backoff_max_ms", 30000)
	v.SetDefault("recovery.follow_up_delay_ms", 2000)
	v.SetDefault("recovery.fan_out", 4)
	v.SetDefault("recovery.mode", ModeStandard)
	v.SetDefault("recovery.dry_run", false)
	v.SetDefault("recovery.gentle_stop", false)
	v.SetDefault("recovery.stop_grace_ms", 5000)

	// 控制API默认配置
	v.SetDefault("api.listen_address", "127.0.0.1")
	v.SetDefault("api.port", 7420)

	// 存储默认配置
	v.SetDefault("storage.work_dir", "~/.selfheal")
	v.SetDefault("storage.log_file", "recovery.log")
	v.SetDefault("storage.export_dir", "exports")

	// etcd默认配置
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Defaults 返回仅包含默认值的配置
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	// 默认值总能解析
	_ = v.Unmarshal(&config)
	config.Storage.WorkDir = expandHome(config.Storage.WorkDir)
	return &config
}

// expandHome 展开路径开头的 ~
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

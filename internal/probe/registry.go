package probe

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hewenyu/selfheal/internal/config"
)

// Options 构建探针时用到的公共参数
type Options struct {
	// 探测超时，部分探针用于底层客户端
	Timeout time.Duration
	// etcd探针未配置endpoints时使用的全局etcd配置
	Etcd config.EtcdConfig
}

// Factory 根据配置创建探针，field为该探针配置的键路径，用于报告ConfigError
type Factory func(field string, spec config.ProbeConfig, opts Options) (Probe, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{
		"process": newProcessProbe,
		"pid":     newPIDProbe,
		"path":    newPathProbe,
		"http":    newHTTPProbe,
		"tcp":     newTCPProbe,
		"dns":     newDNSProbe,
		"etcd":    newEtcdProbe,
	}
)

// Register 注册新的探针类型，已存在时覆盖
func Register(typ string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[typ] = factory
}

// Types 返回已注册的探针类型
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	types := make([]string, 0, len(registry))
	for typ := range registry {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

// Build 按类型创建探针，未知类型返回ConfigError
func Build(field string, spec config.ProbeConfig, opts Options) (Probe, error) {
	registryMu.RLock()
	factory, ok := registry[spec.Type]
	registryMu.RUnlock()

	if !ok {
		return nil, config.NewConfigError(field+".type", fmt.Sprintf("未知的探针类型: %q", spec.Type))
	}
	if spec.TimeoutMs > 0 {
		opts.Timeout = time.Duration(spec.TimeoutMs) * time.Millisecond
	}
	return factory(field, spec, opts)
}

// requireField 检查必填字段
func requireField(field, name, value string) error {
	if value == "" {
		return config.NewConfigError(field+"."+name, "不能为空")
	}
	return nil
}

package config

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Store 保存当前生效的配置，读者总是看到完整的旧配置或完整的新配置
type Store struct {
	current atomic.Pointer[Config]
	// 写者之间串行，避免Update丢失并发修改
	writeMu sync.Mutex
}

// NewStore 使用初始配置创建Store
func NewStore(cfg *Config) *Store {
	s := &Store{}
	s.current.Store(cfg)
	return s
}

// Load 返回当前配置快照，调用方不得修改
func (s *Store) Load() *Config {
	return s.current.Load()
}

// Swap 整体替换配置，返回旧配置
func (s *Store) Swap(cfg *Config) *Config {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.current.Swap(cfg)
}

// Update 基于当前配置的拷贝修改后整体替换
func (s *Store) Update(fn func(cfg *Config) error) (*Config, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next := s.current.Load().Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := Validate(next); err != nil {
		return nil, err
	}
	s.current.Store(next)
	return next, nil
}

// Watch 监听配置文件变化，校验通过后热替换Store中的配置
// 服务列表不会热更新，变化时保留原列表并记录警告
func (l *Loader) Watch(store *Store, logger Logger) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		logger.Info("检测到配置文件变化", zap.String("file", e.Name), zap.String("op", e.Op.String()))

		next, err := l.decode()
		if err != nil {
			logger.Error("重新加载配置失败，继续使用旧配置", zap.Error(err))
			return
		}

		prev := store.Load()
		if len(next.Services) != len(prev.Services) {
			logger.Warn("服务列表变化需要重启才能生效")
		}
		next.Services = prev.Services

		fromFile := next.Clone()
		kept, overridden := carryRuntime(l.fileCfg, next, prev)
		l.fileCfg = fromFile
		if len(kept) > 0 {
			logger.Info("保留运行时修改的设置", zap.Strings("keys", kept))
		}
		if len(overridden) > 0 {
			logger.Warn("配置文件覆盖了运行时修改的设置", zap.Strings("keys", overridden))
		}

		store.Swap(next)
		logger.Info("配置已热更新",
			zap.String("mode", next.Recovery.Mode),
			zap.Bool("dry_run", next.Recovery.DryRun),
			zap.Int("unhealthy_threshold", next.Recovery.UnhealthyThreshold))
	})
	l.v.WatchConfig()
}

// carryRuntime 运行时修改过（与上次文件内容不同）而文件这次没有改动的设置沿用当前值
// 返回沿用的键，以及被文件改动覆盖的键
func carryRuntime(before, after, current *Config) (kept, overridden []string) {
	if before == nil {
		return nil, nil
	}
	b, a, c := &before.Recovery, &after.Recovery, &current.Recovery

	if c.Mode != b.Mode {
		if a.Mode == b.Mode {
			a.Mode = c.Mode
			kept = append(kept, "recovery.mode")
		} else if a.Mode != c.Mode {
			overridden = append(overridden, "recovery.mode")
		}
	}
	if c.DryRun != b.DryRun {
		if a.DryRun == b.DryRun {
			a.DryRun = c.DryRun
			kept = append(kept, "recovery.dry_run")
		} else if a.DryRun != c.DryRun {
			overridden = append(overridden, "recovery.dry_run")
		}
	}
	if c.GentleStop != b.GentleStop {
		if a.GentleStop == b.GentleStop {
			a.GentleStop = c.GentleStop
			kept = append(kept, "recovery.gentle_stop")
		} else if a.GentleStop != c.GentleStop {
			overridden = append(overridden, "recovery.gentle_stop")
		}
	}
	return kept, overridden
}

// Save 以YAML格式写入配置文件
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	// 先写临时文件再重命名，避免写到一半的配置被热加载
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

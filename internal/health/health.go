// Package health 维护每个被监控服务的健康状态机。
//
// 状态流转：
//
//	healthy -> degraded -> unhealthy -> recovering -> healthy
//	                                        |
//	                                        +-> failed (只能通过Reset恢复)
//
// Table 是唯一的状态持有者。写操作按服务加锁，读操作只读取原子发布的快照，
// 因此状态查询不会被正在进行的恢复动作阻塞。
package health

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Status 服务健康状态
type Status string

const (
	StatusHealthy    Status = "healthy"
	StatusDegraded   Status = "degraded"
	StatusUnhealthy  Status = "unhealthy"
	StatusRecovering Status = "recovering"
	StatusFailed     Status = "failed"
)

// Severity 返回用于排序和指标的严重程度，数值越大越严重
func (s Status) Severity() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	case StatusRecovering:
		return 2
	case StatusUnhealthy:
		return 3
	case StatusFailed:
		return 4
	default:
		return -1
	}
}

var (
	// ErrUnknownService 服务未注册
	ErrUnknownService = errors.New("unknown service")
	// ErrAlreadyRecovering 服务已有进行中的恢复动作
	ErrAlreadyRecovering = errors.New("already recovering")
	// ErrNotRecovering 服务当前没有进行中的恢复
	ErrNotRecovering = errors.New("not recovering")
	// ErrInvalidTransition 当前状态不允许该操作
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrAttemptsExhausted 本轮恢复已达到最大尝试次数
	ErrAttemptsExhausted = errors.New("recovery attempts exhausted")
)

// ServiceHealth 单个服务的健康快照
type ServiceHealth struct {
	Name                      string    `json:"name"`
	Status                    Status    `json:"status"`
	ConsecutiveFailures       int       `json:"consecutive_failures"`
	LastCheckedAt             time.Time `json:"last_checked_at"`
	LastSuccessAt             time.Time `json:"last_success_at"`
	RecoveryAttemptsInEpisode int       `json:"recovery_attempts_in_episode"`
	CurrentRungIndex          int       `json:"current_rung_index"`
	LastDetail                string    `json:"last_detail,omitempty"`
	// Manual 为true表示当前的recovering来自人工触发
	Manual bool `json:"manual,omitempty"`

	// 恢复循环被停止打断后，下次探测失败时从下一级动作继续
	resume bool
	// 进入unhealthy时的策略没有执行动作，策略允许后再开始恢复
	held bool
}

// Thresholds 状态判定阈值
type Thresholds struct {
	Degraded  int
	Unhealthy int
}

// Observation 一次探测结果
type Observation struct {
	OK     bool
	Detail string
	At     time.Time
}

// Transition 描述一次Observe造成的状态变化
type Transition struct {
	From Status
	To   Status
	// Trigger 为true表示服务刚进入unhealthy，应开始一轮恢复
	Trigger bool
	// Ignored 为true表示服务正在恢复，本次结果交给恢复动作自身的复查
	Ignored bool
	// Pending 为true表示服务仍不可用，且之前的触发因策略未执行动作
	Pending bool
}

// Changed 状态是否发生变化
func (t Transition) Changed() bool {
	return t.From != t.To
}

// RungOutcome FinishRung的结果
type RungOutcome int

const (
	// Recovered 复查通过，服务恢复健康
	Recovered RungOutcome = iota
	// Escalate 本级失败，继续下一级
	Escalate
	// GaveUp 达到最大尝试次数，进入failed
	GaveUp
)

func (o RungOutcome) String() string {
	switch o {
	case Recovered:
		return "recovered"
	case Escalate:
		return "escalate"
	case GaveUp:
		return "gave_up"
	default:
		return "unknown"
	}
}

type entry struct {
	mu       sync.Mutex
	state    ServiceHealth
	snapshot atomic.Pointer[ServiceHealth]
}

// publish 在持有mu时调用，发布新的只读快照
func (e *entry) publish() ServiceHealth {
	snap := e.state
	e.snapshot.Store(&snap)
	return snap
}

// Table 服务健康表
type Table struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
	clock   clockwork.Clock
}

// NewTable 创建健康表
func NewTable(clock clockwork.Clock) *Table {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Table{
		entries: make(map[string]*entry),
		clock:   clock,
	}
}

// Register 注册服务，初始状态为healthy
func (t *Table) Register(name string) error {
	if name == "" {
		return fmt.Errorf("服务名称不能为空")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[name]; exists {
		return fmt.Errorf("服务已注册: %s", name)
	}

	e := &entry{state: ServiceHealth{Name: name, Status: StatusHealthy}}
	e.publish()
	t.entries[name] = e
	t.order = append(t.order, name)
	return nil
}

// Names 按注册顺序返回服务名称
func (t *Table) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, len(t.order))
	copy(names, t.order)
	return names
}

// Get 返回服务的最新快照，不会等待写锁
func (t *Table) Get(name string) (ServiceHealth, bool) {
	e, ok := t.lookup(name)
	if !ok {
		return ServiceHealth{}, false
	}
	return *e.snapshot.Load(), true
}

// List 按注册顺序返回所有服务快照
func (t *Table) List() []ServiceHealth {
	names := t.Names()
	out := make([]ServiceHealth, 0, len(names))
	for _, name := range names {
		if snap, ok := t.Get(name); ok {
			out = append(out, snap)
		}
	}
	return out
}

func (t *Table) lookup(name string) (*entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[name]
	return e, ok
}

// mutate 在服务锁内修改状态并发布快照
func (t *Table) mutate(name string, fn func(s *ServiceHealth) error) (ServiceHealth, error) {
	e, ok := t.lookup(name)
	if !ok {
		return ServiceHealth{}, fmt.Errorf("%w: %s", ErrUnknownService, name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := fn(&e.state); err != nil {
		return *e.snapshot.Load(), err
	}
	return e.publish(), nil
}

// Observe 根据一次探测结果推进状态机
func (t *Table) Observe(name string, obs Observation, th Thresholds) (Transition, error) {
	if obs.At.IsZero() {
		obs.At = t.clock.Now()
	}

	var tr Transition
	_, err := t.mutate(name, func(s *ServiceHealth) error {
		tr.From = s.Status

		// 恢复中的结果以恢复动作自身的复查为准
		if s.Status == StatusRecovering {
			tr.To = s.Status
			tr.Ignored = true
			return nil
		}

		s.LastCheckedAt = obs.At
		s.LastDetail = obs.Detail

		if obs.OK {
			s.ConsecutiveFailures = 0
			s.LastSuccessAt = obs.At
			if s.Status != StatusFailed {
				s.Status = StatusHealthy
				s.RecoveryAttemptsInEpisode = 0
				s.CurrentRungIndex = 0
				s.resume = false
				s.held = false
			}
			tr.To = s.Status
			return nil
		}

		s.ConsecutiveFailures++
		switch s.Status {
		case StatusHealthy, StatusDegraded:
			if s.ConsecutiveFailures >= th.Unhealthy {
				s.Status = StatusUnhealthy
				tr.Trigger = true
			} else if s.ConsecutiveFailures >= th.Degraded {
				s.Status = StatusDegraded
			}
		case StatusUnhealthy:
			if s.resume {
				s.resume = false
				tr.Trigger = true
			} else if s.held {
				tr.Pending = true
			}
		}
		tr.To = s.Status
		return nil
	})
	return tr, err
}

// StartEpisode unhealthy -> recovering，开始（或继续）一轮自动恢复
func (t *Table) StartEpisode(name string) (ServiceHealth, error) {
	return t.mutate(name, func(s *ServiceHealth) error {
		switch s.Status {
		case StatusRecovering:
			return ErrAlreadyRecovering
		case StatusUnhealthy:
		default:
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, StatusRecovering)
		}
		s.Status = StatusRecovering
		s.Manual = false
		s.resume = false
		s.held = false
		return nil
	})
}

// BeginRung 记录开始执行新一级恢复动作，返回更新后的快照
func (t *Table) BeginRung(name string, maxAttempts int) (ServiceHealth, error) {
	return t.mutate(name, func(s *ServiceHealth) error {
		if s.Status != StatusRecovering || s.Manual {
			return ErrNotRecovering
		}
		if s.RecoveryAttemptsInEpisode >= maxAttempts {
			return ErrAttemptsExhausted
		}
		s.RecoveryAttemptsInEpisode++
		s.CurrentRungIndex = s.RecoveryAttemptsInEpisode - 1
		return nil
	})
}

// FinishRung 根据复查结果结束当前一级动作
func (t *Table) FinishRung(name string, ok bool, detail string, maxAttempts int) (RungOutcome, ServiceHealth, error) {
	var outcome RungOutcome
	snap, err := t.mutate(name, func(s *ServiceHealth) error {
		if s.Status != StatusRecovering || s.Manual {
			return ErrNotRecovering
		}

		now := t.clock.Now()
		s.LastCheckedAt = now
		s.LastDetail = detail

		if ok {
			s.Status = StatusHealthy
			s.ConsecutiveFailures = 0
			s.LastSuccessAt = now
			s.RecoveryAttemptsInEpisode = 0
			s.CurrentRungIndex = 0
			outcome = Recovered
			return nil
		}

		s.ConsecutiveFailures++
		if s.RecoveryAttemptsInEpisode >= maxAttempts {
			s.Status = StatusFailed
			outcome = GaveUp
			return nil
		}
		outcome = Escalate
		return nil
	})
	return outcome, snap, err
}

// SuspendEpisode 监控停止时中断恢复：recovering -> unhealthy，保留已用的尝试次数
func (t *Table) SuspendEpisode(name string) (ServiceHealth, error) {
	return t.mutate(name, func(s *ServiceHealth) error {
		if s.Status != StatusRecovering || s.Manual {
			return ErrNotRecovering
		}
		s.Status = StatusUnhealthy
		s.resume = true
		return nil
	})
}

// DeferTrigger 记录一次没能立即处理的恢复触发，服务仍为unhealthy时下次探测失败会重新触发
func (t *Table) DeferTrigger(name string) error {
	_, err := t.mutate(name, func(s *ServiceHealth) error {
		s.resume = true
		return nil
	})
	return err
}

// HoldTrigger 记录一次因被动或演练策略而没有执行动作的触发
// 服务保持unhealthy时，之后的探测失败会带上Pending，由调用方按当时的策略决定是否开始恢复
func (t *Table) HoldTrigger(name string) error {
	_, err := t.mutate(name, func(s *ServiceHealth) error {
		if s.Status == StatusUnhealthy {
			s.held = true
		}
		return nil
	})
	return err
}

// GiveUp 无法开始下一级动作时结束本轮恢复：recovering -> failed
// 尝试次数按当前的maxAttempts截断
func (t *Table) GiveUp(name string, maxAttempts int, detail string) (ServiceHealth, error) {
	return t.mutate(name, func(s *ServiceHealth) error {
		if s.Status != StatusRecovering || s.Manual {
			return ErrNotRecovering
		}
		if maxAttempts > 0 && s.RecoveryAttemptsInEpisode > maxAttempts {
			s.RecoveryAttemptsInEpisode = maxAttempts
			s.CurrentRungIndex = maxAttempts - 1
		}
		s.Status = StatusFailed
		s.LastCheckedAt = t.clock.Now()
		if detail != "" {
			s.LastDetail = detail
		}
		return nil
	})
}

// BeginManual 人工触发前占用服务，返回触发前的状态
func (t *Table) BeginManual(name string) (Status, error) {
	var prev Status
	_, err := t.mutate(name, func(s *ServiceHealth) error {
		if s.Status == StatusRecovering {
			return ErrAlreadyRecovering
		}
		prev = s.Status
		s.Status = StatusRecovering
		s.Manual = true
		return nil
	})
	return prev, err
}

// FinishManual 结束人工触发的动作
// failed状态的服务保持failed，必须通过Reset确认
func (t *Table) FinishManual(name string, prev Status, ok bool, detail string) (ServiceHealth, error) {
	return t.mutate(name, func(s *ServiceHealth) error {
		if s.Status != StatusRecovering || !s.Manual {
			return ErrNotRecovering
		}

		now := t.clock.Now()
		s.Manual = false
		s.LastCheckedAt = now
		s.LastDetail = detail

		switch {
		case prev == StatusFailed:
			s.Status = StatusFailed
		case ok:
			s.Status = StatusHealthy
			s.ConsecutiveFailures = 0
			s.LastSuccessAt = now
			s.RecoveryAttemptsInEpisode = 0
			s.CurrentRungIndex = 0
			s.resume = false
			s.held = false
		default:
			s.Status = prev
		}
		return nil
	})
}

// Reset 人工确认后把服务恢复为healthy并清零计数
func (t *Table) Reset(name string) (ServiceHealth, error) {
	return t.mutate(name, func(s *ServiceHealth) error {
		if s.Status == StatusRecovering {
			return ErrAlreadyRecovering
		}
		s.Status = StatusHealthy
		s.ConsecutiveFailures = 0
		s.RecoveryAttemptsInEpisode = 0
		s.CurrentRungIndex = 0
		s.Manual = false
		s.resume = false
		s.held = false
		s.LastDetail = "reset"
		return nil
	})
}

// SortBySeverity 按严重程度从高到低排序，同级按名称
func SortBySeverity(list []ServiceHealth) {
	sort.SliceStable(list, func(i, j int) bool {
		si, sj := list[i].Status.Severity(), list[j].Status.Severity()
		if si != sj {
			return si > sj
		}
		return list[i].Name < list[j].Name
	})
}

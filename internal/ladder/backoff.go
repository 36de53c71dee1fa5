package ladder

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hewenyu/selfheal/internal/config"
)

// BackoffPolicy 每级动作之前的等待：Base * Multiplier^attempt，不超过Max
type BackoffPolicy struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
}

// PolicyFromConfig 从恢复配置构造退避策略
func PolicyFromConfig(r config.RecoveryConfig) BackoffPolicy {
	return BackoffPolicy{
		Base:       time.Duration(r.BackoffBaseMs) * time.Millisecond,
		Multiplier: r.BackoffMultiplier,
		Max:        time.Duration(r.BackoffMaxMs) * time.Millisecond,
	}
}

// Delay 返回第attempt次（从0开始）动作前的等待时间
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.RandomizationFactor = 0
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.MaxInterval = p.Max
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Duration(math.MaxInt64)
	}
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i <= attempt; i++ {
		d = b.NextBackOff()
	}
	// 第一次返回的InitialInterval不受MaxInterval限制
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}

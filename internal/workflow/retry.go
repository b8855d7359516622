package workflow

import (
	"math"
	"time"
)

// defaultRetryPolicy 在步骤与定义都未指定时生效：只执行一次，不重试。
var defaultRetryPolicy = RetryPolicy{MaxAttempts: 1, Backoff: BackoffFixed}

func validateRetry(policy *RetryPolicy, where string) error {
	if policy == nil {
		return nil
	}
	if policy.MaxAttempts < 0 {
		return defErrorf("%s: max_attempts must not be negative", where)
	}
	switch policy.Backoff {
	case "", BackoffFixed, BackoffExponential:
	default:
		return defErrorf("%s: unknown backoff strategy %q", where, policy.Backoff)
	}
	if policy.Delay.Duration < 0 || policy.MaxDelay.Duration < 0 {
		return defErrorf("%s: delays must not be negative", where)
	}
	if policy.Multiplier < 0 {
		return defErrorf("%s: multiplier must not be negative", where)
	}
	return nil
}

// resolveRetry 合并步骤级与定义级策略并填入缺省值。
func resolveRetry(step, fallback *RetryPolicy) RetryPolicy {
	source := step
	if source == nil {
		source = fallback
	}
	if source == nil {
		return defaultRetryPolicy
	}
	policy := *source
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.Backoff == "" {
		policy.Backoff = BackoffFixed
	}
	if policy.Backoff == BackoffExponential && policy.Multiplier <= 0 {
		policy.Multiplier = 2
	}
	return policy
}

// allows 判断第 attempt 次尝试失败后是否还有重试额度。
func (p RetryPolicy) allows(attempt int) bool {
	return attempt < p.MaxAttempts
}

// backoff 返回第 attempt 次尝试失败后的等待时长。
// 固定策略始终等待 Delay；指数策略按 Multiplier 放大并受 MaxDelay 封顶。
func (p RetryPolicy) backoff(attempt int) time.Duration {
	delay := p.Delay.Duration
	if delay <= 0 {
		return 0
	}
	if p.Backoff == BackoffExponential && attempt > 1 {
		scaled := float64(delay) * math.Pow(p.Multiplier, float64(attempt-1))
		if scaled >= float64(math.MaxInt64) {
			delay = time.Duration(math.MaxInt64)
		} else {
			delay = time.Duration(scaled)
		}
	}
	if p.MaxDelay.Duration > 0 && delay > p.MaxDelay.Duration {
		delay = p.MaxDelay.Duration
	}
	return delay
}

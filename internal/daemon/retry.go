package daemon

import (
	"fmt"
	"time"

	"github.com/msageha/heimdall/internal/model"
)

// RetryPolicy bounds automatic retries of failed handlers.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
}

func NewRetryPolicy(cfg model.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: max(cfg.MaxAttempts, 1),
		Base:        time.Duration(cfg.BackoffBaseSeconds) * time.Second,
		Max:         time.Duration(cfg.BackoffMaxSeconds) * time.Second,
	}
}

// ShouldRetry reports whether a failed attempt (1-based) may run again, and
// why not when it may not.
func (p RetryPolicy) ShouldRetry(attempt int) (bool, string) {
	if attempt >= p.MaxAttempts {
		return false, fmt.Sprintf("max attempts exceeded (%d/%d)", attempt, p.MaxAttempts)
	}
	return true, ""
}

// Backoff is the delay before the attempt after attempt: Base·2^(attempt-1),
// capped at Max when Max is set.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.Base <= 0 || attempt < 1 {
		return 0
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

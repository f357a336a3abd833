// Package ratelimit implements fixed-window rate limiting on top of the
// shared counter store. Windows are aligned to wall-clock boundaries so
// every instance of the service agrees on the window a request falls in.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"admitguard/internal/counter"
	"admitguard/internal/request"
)

// Key strategies.
const (
	KeyByAPIKey = "api_key"
	KeyByIP     = "ip"
	KeyByUser   = "user"
)

// RuleConfig describes one limiting rule.
type RuleConfig struct {
	ID          string        `mapstructure:"id"`
	Window      time.Duration `mapstructure:"window"`
	MaxRequests int64         `mapstructure:"max_requests"`
	KeyBy       string        `mapstructure:"key_by"`

	// SkipSuccessful and SkipFailed defer the charge until the response
	// status is known: with SkipSuccessful only failed responses count,
	// with SkipFailed only successful ones.
	SkipSuccessful bool `mapstructure:"skip_successful"`
	SkipFailed     bool `mapstructure:"skip_failed"`
}

// Validate checks a rule for configuration errors.
func (rc RuleConfig) Validate() error {
	if rc.ID == "" {
		return fmt.Errorf("rate rule missing id")
	}
	if rc.Window <= 0 {
		return fmt.Errorf("rate rule %s: window must be positive", rc.ID)
	}
	if rc.MaxRequests <= 0 {
		return fmt.Errorf("rate rule %s: max_requests must be positive", rc.ID)
	}
	switch rc.KeyBy {
	case KeyByAPIKey, KeyByIP, KeyByUser:
	default:
		return fmt.Errorf("rate rule %s: invalid key_by %q", rc.ID, rc.KeyBy)
	}
	return nil
}

// Deferred reports whether charging waits for the response status.
func (rc RuleConfig) Deferred() bool {
	return rc.SkipSuccessful || rc.SkipFailed
}

// Result is the outcome of a limit check.
type Result struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	ResetTime  time.Time
	RetryAfter time.Duration
}

// Limiter evaluates requests against the configured rules. An optional
// process-local token bucket caps total throughput regardless of client.
type Limiter struct {
	store  counter.Store
	rules  map[string]RuleConfig
	global *rate.Limiter
	logger *logrus.Logger

	nowFunc func() time.Time
}

// NewLimiter creates a limiter. globalRPS <= 0 disables the global cap.
func NewLimiter(store counter.Store, rules []RuleConfig, globalRPS float64, logger *logrus.Logger) (*Limiter, error) {
	byID := make(map[string]RuleConfig, len(rules))
	for _, rc := range rules {
		if err := rc.Validate(); err != nil {
			return nil, err
		}
		byID[rc.ID] = rc
	}

	l := &Limiter{
		store:   store,
		rules:   byID,
		logger:  logger,
		nowFunc: time.Now,
	}
	if globalRPS > 0 {
		l.global = rate.NewLimiter(rate.Limit(globalRPS), int(globalRPS))
	}
	return l, nil
}

// Rule returns a rule by ID.
func (l *Limiter) Rule(id string) (RuleConfig, bool) {
	rc, ok := l.rules[id]
	return rc, ok
}

// Check evaluates the request against the named rule. For deferred rules it
// only reads the current count; Charge must be called once the response
// status is known.
func (l *Limiter) Check(ctx context.Context, req *request.Request, ruleID string) (Result, error) {
	rc, ok := l.rules[ruleID]
	if !ok {
		return Result{}, fmt.Errorf("unknown rate rule %q", ruleID)
	}

	if l.global != nil && !l.global.Allow() {
		return Result{
			Allowed:    false,
			Limit:      rc.MaxRequests,
			RetryAfter: time.Second,
			ResetTime:  l.nowFunc().Add(time.Second),
		}, nil
	}

	key, windowStart := l.keyFor(req, rc)
	reset := windowStart.Add(rc.Window)

	var count int64
	var err error
	if rc.Deferred() {
		count, err = l.store.Get(ctx, key)
		if err == nil {
			count++
		}
	} else {
		count, err = l.store.Incr(ctx, key, rc.Window)
	}
	if err != nil {
		return Result{}, err
	}

	result := Result{
		Allowed:   count <= rc.MaxRequests,
		Limit:     rc.MaxRequests,
		Remaining: rc.MaxRequests - count,
		ResetTime: reset,
	}
	if result.Remaining < 0 {
		result.Remaining = 0
	}
	if !result.Allowed {
		result.RetryAfter = reset.Sub(l.nowFunc())
		if result.RetryAfter < 0 {
			result.RetryAfter = 0
		}
		l.logger.WithFields(logrus.Fields{
			"rule":      ruleID,
			"key":       key,
			"count":     count,
			"client_ip": req.ClientIP,
		}).Warn("Rate limit exceeded")
	}

	return result, nil
}

// Charge counts a completed request against a deferred rule, honoring the
// rule's skip flags. No-op for rules that charge at check time.
func (l *Limiter) Charge(ctx context.Context, req *request.Request, ruleID string, status int) {
	rc, ok := l.rules[ruleID]
	if !ok || !rc.Deferred() {
		return
	}

	successful := status < 400
	if rc.SkipSuccessful && successful {
		return
	}
	if rc.SkipFailed && !successful {
		return
	}

	key, _ := l.keyFor(req, rc)
	if _, err := l.store.Incr(ctx, key, rc.Window); err != nil {
		l.logger.WithError(err).WithField("rule", ruleID).Warn("Failed to charge rate limit")
	}
}

// keyFor builds the store key for a request under a rule, aligned to the
// current window boundary.
func (l *Limiter) keyFor(req *request.Request, rc RuleConfig) (string, time.Time) {
	var subject string
	switch rc.KeyBy {
	case KeyByAPIKey:
		subject = req.Header("X-API-Key")
		if subject == "" {
			subject = req.ClientIP
		}
	case KeyByUser:
		if req.User != nil {
			subject = req.User.ID
		} else {
			subject = req.ClientIP
		}
	default:
		subject = req.ClientIP
	}

	now := l.nowFunc()
	windowStart := now.Truncate(rc.Window)
	key := fmt.Sprintf("rl:%s:%s:%d", rc.ID, subject, windowStart.Unix())
	return key, windowStart
}

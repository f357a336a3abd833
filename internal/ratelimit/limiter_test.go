package ratelimit

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"admitguard/internal/counter"
	"admitguard/internal/request"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestLimiter(t *testing.T, rules []RuleConfig) (*Limiter, func(time.Duration)) {
	t.Helper()
	store := counter.NewMemoryStore(counter.MemoryStoreConfig{SweepInterval: time.Hour})
	t.Cleanup(func() { store.Close() })

	limiter, err := NewLimiter(store, rules, 0, testLogger())
	if err != nil {
		t.Fatalf("NewLimiter failed: %v", err)
	}

	now := time.Now().Truncate(time.Hour)
	limiter.nowFunc = func() time.Time { return now }
	advance := func(d time.Duration) { now = now.Add(d) }
	return limiter, advance
}

func ipRequest(ip string) *request.Request {
	return &request.Request{
		Method:   "GET",
		Path:     "/api/applications",
		Headers:  map[string]string{},
		ClientIP: ip,
	}
}

func TestFixedWindowLimit(t *testing.T) {
	limiter, _ := newTestLimiter(t, []RuleConfig{
		{ID: "r", Window: time.Minute, MaxRequests: 3, KeyBy: KeyByIP},
	})
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		result, err := limiter.Check(ctx, ipRequest("10.0.0.1"), "r")
		if err != nil {
			t.Fatalf("Check failed: %v", err)
		}
		if !result.Allowed {
			t.Fatalf("request %d denied under limit", i)
		}
		if result.Remaining != 3-i {
			t.Errorf("remaining = %d, want %d", result.Remaining, 3-i)
		}
	}

	result, err := limiter.Check(ctx, ipRequest("10.0.0.1"), "r")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if result.Allowed {
		t.Fatal("4th request allowed over limit")
	}
	if result.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", result.Remaining)
	}
	if result.RetryAfter <= 0 || result.RetryAfter > time.Minute {
		t.Errorf("retry after = %v, want within the window", result.RetryAfter)
	}
}

func TestWindowReset(t *testing.T) {
	limiter, advance := newTestLimiter(t, []RuleConfig{
		{ID: "r", Window: time.Minute, MaxRequests: 1, KeyBy: KeyByIP},
	})
	ctx := context.Background()

	if result, _ := limiter.Check(ctx, ipRequest("10.0.0.2"), "r"); !result.Allowed {
		t.Fatal("first request denied")
	}
	if result, _ := limiter.Check(ctx, ipRequest("10.0.0.2"), "r"); result.Allowed {
		t.Fatal("second request allowed")
	}

	advance(time.Minute)

	if result, _ := limiter.Check(ctx, ipRequest("10.0.0.2"), "r"); !result.Allowed {
		t.Fatal("request denied after window reset")
	}
}

func TestKeysIsolateClients(t *testing.T) {
	limiter, _ := newTestLimiter(t, []RuleConfig{
		{ID: "r", Window: time.Minute, MaxRequests: 1, KeyBy: KeyByIP},
	})
	ctx := context.Background()

	limiter.Check(ctx, ipRequest("10.0.0.3"), "r")
	if result, _ := limiter.Check(ctx, ipRequest("10.0.0.3"), "r"); result.Allowed {
		t.Fatal("second request from same IP allowed")
	}

	if result, _ := limiter.Check(ctx, ipRequest("10.0.0.4"), "r"); !result.Allowed {
		t.Fatal("different IP was throttled by another client's counter")
	}
}

func TestKeyByAPIKey(t *testing.T) {
	limiter, _ := newTestLimiter(t, []RuleConfig{
		{ID: "r", Window: time.Minute, MaxRequests: 1, KeyBy: KeyByAPIKey},
	})
	ctx := context.Background()

	withKey := func(key string) *request.Request {
		req := ipRequest("10.0.0.5")
		req.Headers["X-API-Key"] = key
		return req
	}

	limiter.Check(ctx, withKey("alpha"), "r")
	if result, _ := limiter.Check(ctx, withKey("alpha"), "r"); result.Allowed {
		t.Fatal("same key allowed over limit")
	}
	if result, _ := limiter.Check(ctx, withKey("beta"), "r"); !result.Allowed {
		t.Fatal("different key throttled")
	}

	// Without a key the client IP is the fallback subject.
	limiter.Check(ctx, ipRequest("10.0.0.6"), "r")
	if result, _ := limiter.Check(ctx, ipRequest("10.0.0.6"), "r"); result.Allowed {
		t.Fatal("keyless client not throttled by IP fallback")
	}
}

func TestKeyByUser(t *testing.T) {
	limiter, _ := newTestLimiter(t, []RuleConfig{
		{ID: "r", Window: time.Minute, MaxRequests: 1, KeyBy: KeyByUser},
	})
	ctx := context.Background()

	asUser := func(id string) *request.Request {
		req := ipRequest("10.0.0.7")
		req.User = &request.User{ID: id}
		return req
	}

	limiter.Check(ctx, asUser("u1"), "r")
	if result, _ := limiter.Check(ctx, asUser("u1"), "r"); result.Allowed {
		t.Fatal("same user allowed over limit")
	}
	if result, _ := limiter.Check(ctx, asUser("u2"), "r"); !result.Allowed {
		t.Fatal("different user throttled")
	}
}

func TestDeferredChargeSkipSuccessful(t *testing.T) {
	limiter, _ := newTestLimiter(t, []RuleConfig{
		{ID: "login", Window: time.Minute, MaxRequests: 2, KeyBy: KeyByIP, SkipSuccessful: true},
	})
	ctx := context.Background()
	req := ipRequest("10.0.0.8")

	// Successful responses never count against the limit.
	for i := 0; i < 5; i++ {
		result, err := limiter.Check(ctx, req, "login")
		if err != nil {
			t.Fatalf("Check failed: %v", err)
		}
		if !result.Allowed {
			t.Fatalf("request %d denied with no charged failures", i+1)
		}
		limiter.Charge(ctx, req, "login", 200)
	}

	// Failures are charged and eventually deny.
	limiter.Charge(ctx, req, "login", 401)
	limiter.Charge(ctx, req, "login", 401)

	result, err := limiter.Check(ctx, req, "login")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if result.Allowed {
		t.Fatal("request allowed after limit of failures")
	}
}

func TestDeferredChargeSkipFailed(t *testing.T) {
	limiter, _ := newTestLimiter(t, []RuleConfig{
		{ID: "r", Window: time.Minute, MaxRequests: 1, KeyBy: KeyByIP, SkipFailed: true},
	})
	ctx := context.Background()
	req := ipRequest("10.0.0.9")

	limiter.Charge(ctx, req, "r", 500)
	if result, _ := limiter.Check(ctx, req, "r"); !result.Allowed {
		t.Fatal("failed response was charged despite skip_failed")
	}

	limiter.Charge(ctx, req, "r", 200)
	if result, _ := limiter.Check(ctx, req, "r"); result.Allowed {
		t.Fatal("request allowed after charged success")
	}
}

func TestUnknownRule(t *testing.T) {
	limiter, _ := newTestLimiter(t, []RuleConfig{
		{ID: "r", Window: time.Minute, MaxRequests: 1, KeyBy: KeyByIP},
	})

	if _, err := limiter.Check(context.Background(), ipRequest("10.0.0.10"), "missing"); err == nil {
		t.Error("Check with unknown rule did not error")
	}
}

func TestRuleConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		rc   RuleConfig
		ok   bool
	}{
		{"valid", RuleConfig{ID: "a", Window: time.Minute, MaxRequests: 1, KeyBy: KeyByIP}, true},
		{"missing id", RuleConfig{Window: time.Minute, MaxRequests: 1, KeyBy: KeyByIP}, false},
		{"zero window", RuleConfig{ID: "a", MaxRequests: 1, KeyBy: KeyByIP}, false},
		{"zero max", RuleConfig{ID: "a", Window: time.Minute, KeyBy: KeyByIP}, false},
		{"bad key_by", RuleConfig{ID: "a", Window: time.Minute, MaxRequests: 1, KeyBy: "session"}, false},
	}
	for _, tc := range cases {
		err := tc.rc.Validate()
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

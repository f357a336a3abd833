package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"admitguard/internal/anomaly"
	"admitguard/internal/audit"
	"admitguard/internal/compliance"
	"admitguard/internal/counter"
	"admitguard/internal/metrics"
	"admitguard/internal/ratelimit"
	"admitguard/internal/sanitize"
	"admitguard/internal/waf"
)

const testSecret = "test-signing-secret"

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fixture struct {
	handler   http.Handler
	auditLog  *audit.Log
	waf       *waf.Engine
	consent   *compliance.MemoryConsentStore
	upstream  *int
	lastBody  *string
	lastQuery *string
}

func newFixture(t *testing.T, rateRules []ratelimit.RuleConfig, rateRule string) *fixture {
	t.Helper()
	logger := testLogger()

	store := counter.NewMemoryStore(counter.MemoryStoreConfig{SweepInterval: time.Hour})
	t.Cleanup(func() { store.Close() })

	wafEngine := waf.NewEngine(waf.DefaultRules(), waf.DefaultConfig(), logger)
	anomalyEng := anomaly.NewEngine(store, nil, anomaly.DefaultConfig(), logger)

	limiter, err := ratelimit.NewLimiter(store, rateRules, 0, logger)
	if err != nil {
		t.Fatalf("NewLimiter failed: %v", err)
	}

	auditLog := audit.NewLog(1000, nil, logger)
	consent := compliance.NewMemoryConsentStore()
	complianceEng := compliance.NewEngine(consent, auditLog, logger)
	collector := metrics.NewCollector()

	chain := NewChain(
		sanitize.NewGuard(logger), wafEngine, anomalyEng, limiter,
		complianceEng, auditLog, collector,
		Config{JWTSecret: testSecret, RateRule: rateRule}, logger,
	)

	hits := 0
	var lastBody, lastQuery string
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		body, _ := io.ReadAll(r.Body)
		lastBody = string(body)
		lastQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	})

	return &fixture{
		handler:   chain.Middleware(upstream),
		auditLog:  auditLog,
		waf:       wafEngine,
		consent:   consent,
		upstream:  &hits,
		lastBody:  &lastBody,
		lastQuery: &lastQuery,
	}
}

func defaultRules() []ratelimit.RuleConfig {
	return []ratelimit.RuleConfig{
		{ID: "default", Window: time.Minute, MaxRequests: 100, KeyBy: ratelimit.KeyByIP},
	}
}

func signToken(t *testing.T, sub, role string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  sub,
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("SignedString failed: %v", err)
	}
	return signed
}

func do(f *fixture, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestCleanRequestReachesUpstream(t *testing.T) {
	f := newFixture(t, defaultRules(), "default")

	req := httptest.NewRequest("GET", "/api/status", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36")

	rec := do(f, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if *f.upstream != 1 {
		t.Errorf("upstream hits = %d, want 1", *f.upstream)
	}

	entries := f.auditLog.Entries(1)
	if len(entries) != 1 || entries[0].Result != audit.ResultSuccess {
		t.Errorf("audit entry = %+v", entries)
	}
}

func TestSQLInjectionBodyRejectedBeforeUpstream(t *testing.T) {
	f := newFixture(t, defaultRules(), "default")

	body := strings.NewReader(`{"q": "1' OR '1'='1"}`)
	req := httptest.NewRequest("POST", "/api/search", body)
	req.RemoteAddr = "10.0.0.2:1234"
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36")

	rec := do(f, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if *f.upstream != 0 {
		t.Error("injection payload reached upstream")
	}

	var errResp struct {
		Error     string `json:"error"`
		Reference string `json:"reference"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&errResp); err != nil {
		t.Fatalf("bad error body: %v", err)
	}
	if !strings.HasPrefix(errResp.Reference, "SEC-") {
		t.Errorf("reference = %q, want SEC- prefix", errResp.Reference)
	}

	entries := f.auditLog.Entries(1)
	if len(entries) != 1 || entries[0].Result != audit.ResultBlocked {
		t.Errorf("audit entry = %+v", entries)
	}
}

func TestScriptTagRejected(t *testing.T) {
	f := newFixture(t, defaultRules(), "default")

	body := strings.NewReader(`{"bio": "<script>alert(1)</script>"}`)
	req := httptest.NewRequest("POST", "/api/profile", body)
	req.RemoteAddr = "10.0.0.3:1234"
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36")

	rec := do(f, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if *f.upstream != 0 {
		t.Error("script payload reached upstream")
	}
}

func TestSanitizedBodyForwardedUpstream(t *testing.T) {
	f := newFixture(t, defaultRules(), "default")

	body := strings.NewReader(`{"note": "<b>hello</b> world"}`)
	req := httptest.NewRequest("POST", "/api/notes", body)
	req.RemoteAddr = "10.0.0.20:1234"
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36")

	rec := do(f, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(*f.lastBody, "<b>") {
		t.Errorf("upstream received unsanitized body: %s", *f.lastBody)
	}
	if *f.lastBody != `{"note":"hello world"}` {
		t.Errorf("upstream body = %s, want sanitized JSON", *f.lastBody)
	}
}

func TestSanitizedQueryForwardedUpstream(t *testing.T) {
	f := newFixture(t, defaultRules(), "default")

	req := httptest.NewRequest("GET", "/api/search?q=%3Cb%3Eterm%3C%2Fb%3E", nil)
	req.RemoteAddr = "10.0.0.21:1234"
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36")

	rec := do(f, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if *f.lastQuery != "q=term" {
		t.Errorf("upstream query = %q, want q=term", *f.lastQuery)
	}
}

func TestPrototypePollutionRejected(t *testing.T) {
	f := newFixture(t, defaultRules(), "default")

	body := strings.NewReader(`{"settings": {"__proto__": {"admin": true}}}`)
	req := httptest.NewRequest("POST", "/api/settings", body)
	req.RemoteAddr = "10.0.0.4:1234"
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36")

	rec := do(f, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	var errResp struct {
		Reference string `json:"reference"`
	}
	json.NewDecoder(rec.Body).Decode(&errResp)
	if !strings.HasPrefix(errResp.Reference, "VAL-") {
		t.Errorf("reference = %q, want VAL- prefix", errResp.Reference)
	}
}

func TestBlockedIPRefused(t *testing.T) {
	f := newFixture(t, defaultRules(), "default")
	f.waf.BlockIP("10.0.0.5")

	req := httptest.NewRequest("GET", "/api/status", nil)
	req.RemoteAddr = "10.0.0.5:1234"
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36")

	rec := do(f, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if *f.upstream != 0 {
		t.Error("blocked IP reached upstream")
	}
}

func TestAttackToolUserAgentRefused(t *testing.T) {
	f := newFixture(t, defaultRules(), "default")

	req := httptest.NewRequest("GET", "/api/status", nil)
	req.RemoteAddr = "10.0.0.6:1234"
	req.Header.Set("User-Agent", "sqlmap/1.7")

	rec := do(f, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestRateLimitReturns429WithRetryAfter(t *testing.T) {
	f := newFixture(t, []ratelimit.RuleConfig{
		{ID: "tight", Window: time.Minute, MaxRequests: 2, KeyBy: ratelimit.KeyByIP},
	}, "tight")

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/api/status", nil)
		req.RemoteAddr = "10.0.0.7:1234"
		req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36")
		return do(f, req)
	}

	for i := 0; i < 2; i++ {
		if rec := send(); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i+1, rec.Code)
		}
	}

	rec := send()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}

	var errResp struct {
		Error      string `json:"error"`
		RetryAfter int    `json:"retryAfter"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&errResp); err != nil {
		t.Fatalf("bad error body: %v", err)
	}
	if errResp.RetryAfter < 1 {
		t.Errorf("retryAfter = %d, want >= 1", errResp.RetryAfter)
	}
}

func TestUnauthenticatedRecordAccessRefused(t *testing.T) {
	f := newFixture(t, defaultRules(), "default")

	req := httptest.NewRequest("GET", "/api/transcripts/42", nil)
	req.RemoteAddr = "10.0.0.8:1234"
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36")

	rec := do(f, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}

	var errResp struct {
		Reference string `json:"reference"`
	}
	json.NewDecoder(rec.Body).Decode(&errResp)
	if !strings.HasPrefix(errResp.Reference, "CMP-") {
		t.Errorf("reference = %q, want CMP- prefix", errResp.Reference)
	}
}

func TestAuthenticatedAdminAccessesRecords(t *testing.T) {
	f := newFixture(t, defaultRules(), "default")

	req := httptest.NewRequest("GET", "/api/transcripts/42", nil)
	req.RemoteAddr = "10.0.0.9:1234"
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36")
	req.Header.Set("Authorization", "Bearer "+signToken(t, "admin-1", "admin"))

	rec := do(f, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	entries := f.auditLog.Entries(1)
	if len(entries) != 1 || entries[0].UserID != "admin-1" {
		t.Errorf("audit entry = %+v", entries)
	}
}

func TestStoreFailureFailsOpen(t *testing.T) {
	logger := testLogger()

	wafEngine := waf.NewEngine(waf.DefaultRules(), waf.DefaultConfig(), logger)
	anomalyEng := anomaly.NewEngine(failingStore{}, nil, anomaly.DefaultConfig(), logger)
	limiter, err := ratelimit.NewLimiter(failingStore{}, defaultRules(), 0, logger)
	if err != nil {
		t.Fatalf("NewLimiter failed: %v", err)
	}
	auditLog := audit.NewLog(100, nil, logger)
	complianceEng := compliance.NewEngine(compliance.NewMemoryConsentStore(), auditLog, logger)

	chain := NewChain(
		sanitize.NewGuard(logger), wafEngine, anomalyEng, limiter,
		complianceEng, auditLog, metrics.NewCollector(),
		Config{RateRule: "default"}, logger,
	)

	hits := 0
	handler := chain.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/api/status", nil)
	req.RemoteAddr = "10.0.0.10:1234"
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 when analytics degrade", rec.Code)
	}
	if hits != 1 {
		t.Error("request did not reach upstream under fail-open")
	}
}

// failingStore simulates a dead Redis backend.
type failingStore struct{}

func (failingStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return 0, counter.ErrStoreUnavailable
}

func (failingStore) Get(ctx context.Context, key string) (int64, error) {
	return 0, counter.ErrStoreUnavailable
}

func (failingStore) AddToWindow(ctx context.Context, key, member string, ttl time.Duration, max int) (int, error) {
	return 0, counter.ErrStoreUnavailable
}

func (failingStore) Window(ctx context.Context, key string) ([]string, error) {
	return nil, counter.ErrStoreUnavailable
}

func (failingStore) SetValue(ctx context.Context, key, value string, ttl time.Duration) error {
	return counter.ErrStoreUnavailable
}

func (failingStore) GetValue(ctx context.Context, key string) (string, error) {
	return "", counter.ErrStoreUnavailable
}

func (failingStore) Delete(ctx context.Context, key string) error {
	return counter.ErrStoreUnavailable
}

func (failingStore) Close() error { return nil }

// Package anomaly implements behavioral scoring of request traffic. Each
// request is scored across independent signals (frequency, user agent,
// access pattern, authentication failures, geographic movement) and the
// combined score maps to a risk level.
package anomaly

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oschwald/geoip2-golang"
	"github.com/sirupsen/logrus"

	"admitguard/internal/counter"
	"admitguard/internal/request"
)

// Risk levels ordered by severity.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// Score thresholds for the risk levels.
const (
	mediumThreshold   = 30
	highThreshold     = 60
	criticalThreshold = 80
)

// Result carries the scoring outcome for one request.
type Result struct {
	Score     int      `json:"score"`
	RiskLevel string   `json:"risk_level"`
	Reasons   []string `json:"reasons"`
}

// Alert is a retained record of a request that scored above the alerting
// threshold.
type Alert struct {
	ID        string    `json:"id"`
	IP        string    `json:"ip"`
	Path      string    `json:"path"`
	Score     int       `json:"score"`
	RiskLevel string    `json:"risk_level"`
	Reasons   []string  `json:"reasons"`
	Timestamp time.Time `json:"timestamp"`
}

// Config tunes the engine's signal thresholds.
type Config struct {
	// FrequencyLimit is the per-minute request count above which the
	// frequency signal starts contributing.
	FrequencyLimit int

	// PatternDistinctLimit and PatternTotalLimit bound the path-scan
	// detector: more than PatternDistinctLimit distinct endpoints within
	// more than PatternTotalLimit requests in the window looks like a scan.
	PatternDistinctLimit int
	PatternTotalLimit    int

	// AuthFailureLimit is the failure count above which the auth signal
	// fires.
	AuthFailureLimit int

	// AlertRetention caps the in-memory alert ring.
	AlertRetention int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FrequencyLimit:       60,
		PatternDistinctLimit: 20,
		PatternTotalLimit:    50,
		AuthFailureLimit:     5,
		AlertRetention:       1000,
	}
}

// Engine scores requests. State lives in the shared counter store so the
// signals survive restarts and span instances when Redis backs the store.
type Engine struct {
	store  counter.Store
	geoip  *geoip2.Reader
	config Config
	logger *logrus.Logger

	alerts      []Alert
	alertsMutex sync.Mutex

	nowFunc func() time.Time
}

// NewEngine creates an anomaly engine. geoip may be nil; the geographic
// signal is then disabled.
func NewEngine(store counter.Store, geoip *geoip2.Reader, config Config, logger *logrus.Logger) *Engine {
	if config.FrequencyLimit <= 0 {
		config = DefaultConfig()
	}
	return &Engine{
		store:   store,
		geoip:   geoip,
		config:  config,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// Analyze scores one request. Signal failures degrade to a zero contribution
// rather than failing the request; the caller applies fail-open policy only
// when the store is entirely unreachable.
func (e *Engine) Analyze(ctx context.Context, req *request.Request) (Result, error) {
	result := Result{RiskLevel: RiskLow}

	freq, err := e.frequencyScore(ctx, req)
	if err != nil {
		return result, err
	}
	if freq > 0 {
		result.Score += freq
		result.Reasons = append(result.Reasons, "HIGH_FREQUENCY")
	}

	if ua, reason := e.userAgentScore(req); ua > 0 {
		result.Score += ua
		result.Reasons = append(result.Reasons, reason)
	}

	if pattern, reason := e.patternScore(ctx, req); pattern > 0 {
		result.Score += pattern
		result.Reasons = append(result.Reasons, reason)
	}

	if auth := e.authFailureScore(ctx, req); auth > 0 {
		result.Score += auth
		result.Reasons = append(result.Reasons, "REPEATED_AUTH_FAILURES")
	}

	if geo := e.geoScore(ctx, req); geo > 0 {
		result.Score += geo
		result.Reasons = append(result.Reasons, "GEO_LOCATION_CHANGE")
	}

	result.RiskLevel = riskLevel(result.Score)

	if result.Score > mediumThreshold {
		e.recordAlert(ctx, req, result)
	}

	return result, nil
}

func riskLevel(score int) string {
	switch {
	case score >= criticalThreshold:
		return RiskCritical
	case score >= highThreshold:
		return RiskHigh
	case score >= mediumThreshold:
		return RiskMedium
	default:
		return RiskLow
	}
}

// frequencyScore counts requests per IP per minute. The only signal whose
// store errors propagate, since it runs first and a dead store should
// surface exactly once per request.
func (e *Engine) frequencyScore(ctx context.Context, req *request.Request) (int, error) {
	minute := e.nowFunc().Unix() / 60
	key := fmt.Sprintf("anomaly:freq:%s:%d", req.ClientIP, minute)

	n, err := e.store.Incr(ctx, key, 2*time.Minute)
	if err != nil {
		return 0, err
	}

	over := int(n) - e.config.FrequencyLimit
	if over <= 0 {
		return 0, nil
	}
	if over > 50 {
		over = 50
	}
	return over, nil
}

var attackTools = []string{
	"sqlmap", "nikto", "nmap", "masscan", "metasploit",
	"burp", "dirbuster", "gobuster", "hydra", "wfuzz",
}

var goodCrawlers = []string{
	"googlebot", "bingbot", "duckduckbot", "slurp", "baiduspider", "yandexbot",
}

func (e *Engine) userAgentScore(req *request.Request) (int, string) {
	ua := strings.ToLower(req.UserAgent)

	for _, tool := range attackTools {
		if strings.Contains(ua, tool) {
			return 80, "ATTACK_TOOL_USER_AGENT"
		}
	}

	if len(ua) < 10 {
		return 30, "MISSING_OR_SHORT_USER_AGENT"
	}

	if strings.Contains(ua, "bot") {
		for _, crawler := range goodCrawlers {
			if strings.Contains(ua, crawler) {
				return 0, ""
			}
		}
		return 40, "UNKNOWN_BOT_USER_AGENT"
	}

	return 0, ""
}

func (e *Engine) patternScore(ctx context.Context, req *request.Request) (int, string) {
	key := fmt.Sprintf("anomaly:pattern:%s", req.ClientIP)
	member := req.Method + " " + req.Path

	total, err := e.store.AddToWindow(ctx, key, member, time.Hour, 100)
	if err != nil {
		return 0, ""
	}

	members, err := e.store.Window(ctx, key)
	if err != nil {
		return 0, ""
	}

	distinct := make(map[string]bool, len(members))
	probes := 0
	for _, m := range members {
		distinct[m] = true
		if strings.HasPrefix(m, "OPTIONS ") || strings.HasPrefix(m, "HEAD ") {
			probes++
		}
	}

	if len(distinct) > e.config.PatternDistinctLimit && total > e.config.PatternTotalLimit {
		return 60, "ENDPOINT_SCANNING"
	}
	if probes > 10 {
		return 40, "METHOD_PROBING"
	}
	return 0, ""
}

func (e *Engine) authFailureScore(ctx context.Context, req *request.Request) int {
	path := strings.ToLower(req.Path)
	if !strings.Contains(path, "auth") && !strings.Contains(path, "login") {
		return 0
	}

	key := fmt.Sprintf("anomaly:authfail:%s", req.ClientIP)
	n, err := e.store.Get(ctx, key)
	if err != nil || int(n) <= e.config.AuthFailureLimit {
		return 0
	}

	score := int(n) * 10
	if score > 70 {
		score = 70
	}
	return score
}

// RecordAuthFailure is called by the identity stage when credential
// verification fails, feeding the auth-failure signal. Failures are counted
// over a one hour horizon.
func (e *Engine) RecordAuthFailure(ctx context.Context, ip string) {
	key := fmt.Sprintf("anomaly:authfail:%s", ip)
	if _, err := e.store.Incr(ctx, key, time.Hour); err != nil {
		e.logger.WithError(err).Warn("Failed to record auth failure")
	}
}

func (e *Engine) geoScore(ctx context.Context, req *request.Request) int {
	if e.geoip == nil || req.User == nil {
		return 0
	}

	ip := net.ParseIP(req.ClientIP)
	if ip == nil {
		return 0
	}

	country, err := e.geoip.Country(ip)
	if err != nil || country.Country.IsoCode == "" {
		return 0
	}

	key := fmt.Sprintf("geo:last:%s", req.User.ID)
	last, err := e.store.GetValue(ctx, key)
	if err != nil {
		return 0
	}

	if err := e.store.SetValue(ctx, key, country.Country.IsoCode, 30*24*time.Hour); err != nil {
		e.logger.WithError(err).Warn("Failed to store last seen country")
	}

	if last != "" && last != country.Country.IsoCode {
		e.logger.WithFields(logrus.Fields{
			"user_id": req.User.ID,
			"from":    last,
			"to":      country.Country.IsoCode,
		}).Warn("Country change detected")
		return 50
	}
	return 0
}

func (e *Engine) recordAlert(ctx context.Context, req *request.Request, result Result) {
	alert := Alert{
		ID:        uuid.NewString(),
		IP:        req.ClientIP,
		Path:      req.Path,
		Score:     result.Score,
		RiskLevel: result.RiskLevel,
		Reasons:   result.Reasons,
		Timestamp: e.nowFunc(),
	}

	e.alertsMutex.Lock()
	e.alerts = append(e.alerts, alert)
	if len(e.alerts) > e.config.AlertRetention {
		e.alerts = e.alerts[len(e.alerts)-e.config.AlertRetention:]
	}
	e.alertsMutex.Unlock()

	// Keep a store copy so alerts survive restarts when Redis backs it.
	if data, err := json.Marshal(alert); err == nil {
		key := fmt.Sprintf("anomaly:alert:%s", alert.ID)
		if err := e.store.SetValue(ctx, key, string(data), 24*time.Hour); err != nil {
			e.logger.WithError(err).Warn("Failed to persist alert")
		}
	}

	e.logger.WithFields(logrus.Fields{
		"alert_id":   alert.ID,
		"client_ip":  alert.IP,
		"path":       alert.Path,
		"score":      alert.Score,
		"risk_level": alert.RiskLevel,
		"reasons":    alert.Reasons,
	}).Warn("Anomaly alert")
}

// RecentAlerts returns up to limit alerts, most recent first.
func (e *Engine) RecentAlerts(limit int) []Alert {
	e.alertsMutex.Lock()
	defer e.alertsMutex.Unlock()

	if limit <= 0 || limit > len(e.alerts) {
		limit = len(e.alerts)
	}

	out := make([]Alert, limit)
	for i := 0; i < limit; i++ {
		out[i] = e.alerts[len(e.alerts)-1-i]
	}
	return out
}

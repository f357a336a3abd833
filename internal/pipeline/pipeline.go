// Package pipeline chains the security engines into a single HTTP
// middleware. Stage order is fixed: sanitation, injection guards, identity,
// WAF, anomaly scoring, rate limiting, compliance, audit. Engine failures
// fail open so a degraded dependency never takes the platform down.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"admitguard/internal/anomaly"
	"admitguard/internal/audit"
	"admitguard/internal/compliance"
	"admitguard/internal/logging"
	"admitguard/internal/metrics"
	"admitguard/internal/ratelimit"
	"admitguard/internal/request"
	"admitguard/internal/sanitize"
	"admitguard/internal/waf"
)

// Stage names used in logs, metrics and reference IDs.
const (
	StageSanitize   = "sanitize"
	StageGuard      = "guard"
	StageWAF        = "waf"
	StageAnomaly    = "anomaly"
	StageRateLimit  = "ratelimit"
	StageCompliance = "compliance"
)

// Config tunes the chain.
type Config struct {
	// JWTSecret verifies bearer tokens for the identity stage. Empty
	// disables identity resolution.
	JWTSecret string

	// RateRule selects which limiter rule the chain applies.
	RateRule string
}

// Chain wires the engines together.
type Chain struct {
	guard      *sanitize.Guard
	wafEngine  *waf.Engine
	anomalyEng *anomaly.Engine
	limiter    *ratelimit.Limiter
	compliance *compliance.Engine
	auditLog   *audit.Log
	metrics    *metrics.Collector
	logger     *logrus.Logger
	config     Config
}

// NewChain assembles the pipeline.
func NewChain(
	guard *sanitize.Guard,
	wafEngine *waf.Engine,
	anomalyEng *anomaly.Engine,
	limiter *ratelimit.Limiter,
	complianceEng *compliance.Engine,
	auditLog *audit.Log,
	collector *metrics.Collector,
	config Config,
	logger *logrus.Logger,
) *Chain {
	return &Chain{
		guard:      guard,
		wafEngine:  wafEngine,
		anomalyEng: anomalyEng,
		limiter:    limiter,
		compliance: complianceEng,
		auditLog:   auditLog,
		metrics:    collector,
		logger:     logger,
		config:     config,
	}
}

// errorBody is the JSON shape of every rejection response.
type errorBody struct {
	Error      string `json:"error"`
	Reference  string `json:"reference,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// Middleware wraps next with the full security chain.
func (c *Chain) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		req := request.FromHTTP(r)

		c.metrics.RequestsTotal.Inc()
		c.logger.WithFields(logging.RequestFields(req.Method, req.Path, req.ClientIP)).Debug("Inspecting request")

		// Sanitation rewrites the parsed fields in place and rejects
		// structurally dangerous payloads outright.
		if err := sanitize.Clean(req); err != nil {
			c.reject(w, req, StageSanitize, http.StatusBadRequest, "Invalid request payload", "VAL")
			return
		}
		applySanitized(r, req)

		if matched, violation := c.guard.Check(req); matched {
			c.reject(w, req, StageGuard, http.StatusBadRequest, violationMessage(violation), "SEC")
			return
		}

		c.resolveIdentity(ctx, req)

		wafResult := c.wafEngine.CheckRequest(req)
		if wafResult.Blocked {
			c.logger.WithFields(logrus.Fields{
				"client_ip":  req.ClientIP,
				"violations": wafResult.Violations,
				"severity":   wafResult.MaxSeverity.String(),
			}).Warn("Request blocked by WAF")
			c.reject(w, req, StageWAF, http.StatusForbidden, "Request blocked by security policy", "WAF")
			return
		}

		anomalyResult, err := c.anomalyEng.Analyze(ctx, req)
		if err != nil {
			c.failOpen(StageAnomaly, err)
		} else {
			c.metrics.RiskLevelTotal.WithLabelValues(anomalyResult.RiskLevel).Inc()
			switch anomalyResult.RiskLevel {
			case anomaly.RiskCritical:
				c.wafEngine.RecordSuspicion(req.ClientIP)
				c.reject(w, req, StageAnomaly, http.StatusForbidden, "Request blocked by security policy", "ANM")
				return
			case anomaly.RiskHigh:
				c.wafEngine.RecordSuspicion(req.ClientIP)
				c.logger.WithFields(logrus.Fields{
					"client_ip": req.ClientIP,
					"score":     anomalyResult.Score,
					"reasons":   anomalyResult.Reasons,
				}).Warn("High risk request allowed")
			}
		}

		chargeRule := ""
		if c.config.RateRule != "" {
			rateResult, err := c.limiter.Check(ctx, req, c.config.RateRule)
			if err != nil {
				c.failOpen(StageRateLimit, err)
			} else {
				w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(rateResult.Limit, 10))
				w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(rateResult.Remaining, 10))
				if !rateResult.Allowed {
					retryAfter := int(rateResult.RetryAfter.Seconds() + 0.999)
					if retryAfter < 1 {
						retryAfter = 1
					}
					w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
					c.metrics.RateLimitedTotal.Inc()
					c.rejectBody(w, req, StageRateLimit, http.StatusTooManyRequests, errorBody{
						Error:      "Too many requests",
						RetryAfter: retryAfter,
					})
					return
				}
				if rule, ok := c.limiter.Rule(c.config.RateRule); ok && rule.Deferred() {
					chargeRule = c.config.RateRule
				}
			}
		}

		complianceResult := c.compliance.CheckCompliance(req)
		if critical := complianceResult.CriticalViolations(); len(critical) > 0 {
			c.logger.WithFields(logrus.Fields{
				"client_ip":  req.ClientIP,
				"violations": critical,
			}).Warn("Request blocked for compliance violation")
			c.reject(w, req, StageCompliance, http.StatusForbidden, "Request violates data access policy", "CMP")
			return
		}

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		if chargeRule != "" {
			c.limiter.Charge(ctx, req, chargeRule, recorder.status)
		}

		c.recordAudit(req, resultFor(recorder.status), nil)
	})
}

// applySanitized writes the sanitized query and body back onto the outbound
// request, so downstream handlers receive what the sanitizer approved rather
// than the original payload. Bodies too large to parse pass through as a
// stream and are untouched here.
func applySanitized(r *http.Request, req *request.Request) {
	if len(req.Query) > 0 {
		values := r.URL.Query()
		for key, value := range req.Query {
			values.Set(key, value)
		}
		r.URL.RawQuery = values.Encode()
	}

	if req.Body == nil {
		return
	}
	data, err := json.Marshal(req.Body)
	if err != nil {
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	r.ContentLength = int64(len(data))
	r.Header.Set("Content-Length", strconv.Itoa(len(data)))
}

// resolveIdentity parses the bearer token into req.User. Invalid tokens on
// authentication paths feed the anomaly engine's auth-failure signal.
func (c *Chain) resolveIdentity(ctx context.Context, req *request.Request) {
	if c.config.JWTSecret == "" {
		return
	}

	header := req.Header("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return
	}
	tokenString := strings.TrimPrefix(header, "Bearer ")

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(c.config.JWTSecret), nil
	})
	if err != nil || !token.Valid {
		c.logger.WithError(err).WithField("client_ip", req.ClientIP).Debug("Token verification failed")
		lower := strings.ToLower(req.Path)
		if strings.Contains(lower, "auth") || strings.Contains(lower, "login") {
			c.anomalyEng.RecordAuthFailure(ctx, req.ClientIP)
		}
		return
	}

	user := &request.User{}
	if sub, err := claims.GetSubject(); err == nil {
		user.ID = sub
	}
	if role, ok := claims["role"].(string); ok {
		user.Role = role
	}
	if user.ID != "" {
		req.User = user
	}
}

// failOpen logs a stage failure and lets the request proceed.
func (c *Chain) failOpen(stage string, err error) {
	c.metrics.FailOpenTotal.WithLabelValues(stage).Inc()
	c.logger.WithError(err).WithField("stage", stage).Error("Security stage failed, continuing open")
}

func (c *Chain) reject(w http.ResponseWriter, req *request.Request, stage string, status int, message, refPrefix string) {
	c.rejectBody(w, req, stage, status, errorBody{
		Error:     message,
		Reference: fmt.Sprintf("%s-%d", refPrefix, time.Now().Unix()),
	})
}

func (c *Chain) rejectBody(w http.ResponseWriter, req *request.Request, stage string, status int, body errorBody) {
	c.metrics.BlockedTotal.WithLabelValues(stage).Inc()
	c.recordAudit(req, audit.ResultBlocked, []string{stage})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		c.logger.WithError(err).Debug("Failed to write rejection body")
	}
}

func (c *Chain) recordAudit(req *request.Request, result string, flags []string) {
	userID := ""
	if req.User != nil {
		userID = req.User.ID
	}
	c.auditLog.Record(audit.Entry{
		UserID:          userID,
		Action:          req.Method,
		Resource:        req.Path,
		IP:              req.ClientIP,
		UserAgent:       req.UserAgent,
		Result:          result,
		ComplianceFlags: flags,
	})
	c.metrics.AuditEntries.Inc()
}

func violationMessage(violation string) string {
	switch violation {
	case "XSS_ATTEMPT":
		return "Request contains disallowed script content"
	default:
		return "Request contains disallowed query content"
	}
}

func resultFor(status int) string {
	if status >= 400 {
		return audit.ResultFailure
	}
	return audit.ResultSuccess
}

// statusRecorder captures the downstream status for deferred rate charging
// and audit classification.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (sr *statusRecorder) WriteHeader(status int) {
	if !sr.written {
		sr.status = status
		sr.written = true
	}
	sr.ResponseWriter.WriteHeader(status)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	sr.written = true
	return sr.ResponseWriter.Write(b)
}

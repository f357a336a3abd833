// Package waf implements the rule-driven web application firewall: pattern
// rules over request surfaces plus per-IP reputation with escalation.
package waf

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"admitguard/internal/request"
)

// Headers excluded from the rule evaluation surface.
var sensitiveHeaders = map[string]bool{
	"Authorization": true,
	"Cookie":        true,
	"X-Api-Key":     true,
}

// CheckResult is the outcome of evaluating one request against the rule set.
type CheckResult struct {
	Blocked     bool
	Violations  []string
	MaxSeverity Severity
}

// Config tunes the engine.
type Config struct {
	// SuspicionThreshold is the violation count above which an IP is
	// blocked even when no single rule called for it.
	SuspicionThreshold int

	// ReputationTTL bounds how long an idle IP's reputation survives.
	ReputationTTL time.Duration

	// ReputationMaxEntries bounds the reputation cache size.
	ReputationMaxEntries int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SuspicionThreshold:   10,
		ReputationTTL:        24 * time.Hour,
		ReputationMaxEntries: 100000,
	}
}

// Engine evaluates requests against an ordered rule set and tracks IP
// reputation. Safe for concurrent use.
type Engine struct {
	rules      []Rule
	rulesMutex sync.RWMutex

	reputation *ReputationTracker
	config     Config
	logger     *logrus.Logger
}

// NewEngine creates an engine with the given rules. Pass DefaultRules() for
// the built-in set.
func NewEngine(rules []Rule, config Config, logger *logrus.Logger) *Engine {
	if config.SuspicionThreshold <= 0 {
		config.SuspicionThreshold = 10
	}
	if config.ReputationTTL <= 0 {
		config.ReputationTTL = 24 * time.Hour
	}

	return &Engine{
		rules:      rules,
		reputation: NewReputationTracker(config.ReputationMaxEntries, config.ReputationTTL),
		config:     config,
		logger:     logger,
	}
}

// CheckRequest evaluates one request. Rules run in declaration order; the
// first block-action match terminates evaluation, while log-action matches
// accumulate. A critical match blocks the source IP outright, and repeat
// log-level offenders are escalated once they cross the suspicion threshold.
func (e *Engine) CheckRequest(req *request.Request) CheckResult {
	if e.reputation.IsBlocked(req.ClientIP) {
		return CheckResult{
			Blocked:     true,
			Violations:  []string{"IP_BLOCKED"},
			MaxSeverity: SeverityCritical,
		}
	}

	result := CheckResult{}
	blob := e.buildBlob(req)

	e.rulesMutex.RLock()
	rules := e.rules
	e.rulesMutex.RUnlock()

	for _, rule := range rules {
		if !e.ruleMatches(rule, req, blob) {
			continue
		}

		result.Violations = append(result.Violations, rule.Name)
		if rule.Severity > result.MaxSeverity {
			result.MaxSeverity = rule.Severity
		}

		e.logger.WithFields(logrus.Fields{
			"client_ip": req.ClientIP,
			"path":      req.Path,
			"rule":      rule.Name,
			"severity":  rule.Severity.String(),
			"action":    rule.Action,
		}).Warn("WAF rule match")

		// Challenge is handled as block until a challenge responder exists.
		if rule.Action == ActionBlock || rule.Action == ActionChallenge {
			result.Blocked = true
			break
		}
	}

	if len(result.Violations) == 0 {
		return result
	}

	count := e.reputation.RecordViolation(req.ClientIP)

	if result.MaxSeverity >= SeverityCritical {
		e.reputation.Block(req.ClientIP)
		e.logger.WithFields(logrus.Fields{
			"client_ip":  req.ClientIP,
			"violations": result.Violations,
		}).Error("IP blocked after critical violation")
	} else if count > e.config.SuspicionThreshold {
		e.reputation.Block(req.ClientIP)
		result.Blocked = true
		result.Violations = append(result.Violations, "MULTIPLE_VIOLATIONS")
		e.logger.WithFields(logrus.Fields{
			"client_ip": req.ClientIP,
			"count":     count,
		}).Error("IP blocked after repeated violations")
	}

	return result
}

func (e *Engine) ruleMatches(rule Rule, req *request.Request, blob string) bool {
	switch rule.Target {
	case TargetUserAgent:
		return req.UserAgent != "" && rule.Pattern.MatchString(req.UserAgent)
	case TargetPath:
		return rule.Pattern.MatchString(req.Path)
	case TargetHeader:
		for name, value := range req.Headers {
			if sensitiveHeaders[name] {
				continue
			}
			if rule.Pattern.MatchString(value) {
				return true
			}
		}
		return false
	default:
		return rule.Pattern.MatchString(blob)
	}
}

// buildBlob assembles the default evaluation surface: request line, query,
// non-sensitive headers and the capped body.
func (e *Engine) buildBlob(req *request.Request) string {
	var b strings.Builder
	b.WriteString(req.Method)
	b.WriteByte(' ')
	b.WriteString(req.Path)
	b.WriteByte('\n')

	for key, value := range req.Query {
		fmt.Fprintf(&b, "%s=%s\n", key, value)
	}
	for name, value := range req.Headers {
		if sensitiveHeaders[name] {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", name, value)
	}

	body := req.RawBody
	if len(body) > request.MaxBodyBytes {
		body = body[:request.MaxBodyBytes]
	}
	b.WriteString(body)

	return b.String()
}

// AddRule appends a rule to the evaluation order.
func (e *Engine) AddRule(rule Rule) {
	e.rulesMutex.Lock()
	defer e.rulesMutex.Unlock()

	rules := make([]Rule, len(e.rules), len(e.rules)+1)
	copy(rules, e.rules)
	e.rules = append(rules, rule)
}

// RemoveRule deletes a rule by name. It returns false if no rule matched.
func (e *Engine) RemoveRule(name string) bool {
	e.rulesMutex.Lock()
	defer e.rulesMutex.Unlock()

	rules := make([]Rule, 0, len(e.rules))
	removed := false
	for _, rule := range e.rules {
		if rule.Name == name {
			removed = true
			continue
		}
		rules = append(rules, rule)
	}
	e.rules = rules

	return removed
}

// Rules returns a snapshot of the current rule set in evaluation order.
func (e *Engine) Rules() []Rule {
	e.rulesMutex.RLock()
	defer e.rulesMutex.RUnlock()

	rules := make([]Rule, len(e.rules))
	copy(rules, e.rules)
	return rules
}

// RecordSuspicion charges one violation against an IP on behalf of another
// engine and applies the same escalation as rule matches.
func (e *Engine) RecordSuspicion(ip string) {
	count := e.reputation.RecordViolation(ip)
	if count > e.config.SuspicionThreshold && !e.reputation.IsBlocked(ip) {
		e.reputation.Block(ip)
		e.logger.WithFields(logrus.Fields{
			"client_ip": ip,
			"count":     count,
		}).Error("IP blocked after repeated violations")
	}
}

// BlockIP manually adds an IP to the block set.
func (e *Engine) BlockIP(ip string) {
	e.reputation.Block(ip)
	e.logger.WithField("client_ip", ip).Info("IP blocked by operator")
}

// UnblockIP removes an IP from the block set and resets its suspicion count.
func (e *Engine) UnblockIP(ip string) {
	e.reputation.Unblock(ip)
	e.logger.WithField("client_ip", ip).Info("IP unblocked by operator")
}

// BlockedIPs lists all blocked IPs.
func (e *Engine) BlockedIPs() []string {
	return e.reputation.BlockedIPs()
}

// SuspiciousIPs returns suspicion counts for IPs below the block threshold.
func (e *Engine) SuspiciousIPs() map[string]int {
	return e.reputation.SuspiciousIPs()
}

// ClearSuspicion resets an IP's suspicion counter.
func (e *Engine) ClearSuspicion(ip string) {
	e.reputation.ClearSuspicion(ip)
}

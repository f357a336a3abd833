package compliance

import (
	"github.com/sirupsen/logrus"

	"admitguard/internal/audit"
	"admitguard/internal/request"
)

// Engine runs the configured rule set over each request.
type Engine struct {
	rules  []Rule
	logger *logrus.Logger
}

// NewEngine creates an engine with the default rule set. consent backs the
// GDPR consent rule; auditLog backs the audit trail rule and may be nil.
func NewEngine(consent ConsentStore, auditLog *audit.Log, logger *logrus.Logger) *Engine {
	return &Engine{
		rules: []Rule{
			&RecordAccessRule{},
			&DataMinimizationRule{},
			&ConsentRule{Store: consent},
			&RetentionRule{},
			&AuditTrailRule{Log: auditLog},
		},
		logger: logger,
	}
}

// NewEngineWithRules creates an engine with an explicit rule set.
func NewEngineWithRules(rules []Rule, logger *logrus.Logger) *Engine {
	return &Engine{rules: rules, logger: logger}
}

// CheckCompliance evaluates every rule against the request. It never
// short-circuits, so the result lists all violations together.
func (e *Engine) CheckCompliance(req *request.Request) Result {
	result := Result{
		Compliant:     true,
		DataProcessed: classifyData(req),
	}

	for _, rule := range e.rules {
		violation, recommendation := rule.Check(req)
		if recommendation != "" {
			result.Recommendations = append(result.Recommendations, recommendation)
		}
		if violation == nil {
			continue
		}

		result.Compliant = false
		result.Violations = append(result.Violations, *violation)

		e.logger.WithFields(logrus.Fields{
			"rule":     violation.Rule,
			"category": violation.Category,
			"severity": violation.Severity,
			"path":     req.Path,
		}).Warn("Compliance violation")
	}

	return result
}

// CriticalViolations returns the subset of violations that should terminate
// the request.
func (r Result) CriticalViolations() []Violation {
	var critical []Violation
	for _, v := range r.Violations {
		if v.Severity == SeverityCritical {
			critical = append(critical, v)
		}
	}
	return critical
}

func classifyData(req *request.Request) DataProcessed {
	dp := DataProcessed{
		EducationalRecords: touchesEducationalRecords(req.Path),
		PersonalData:       len(personalFieldsIn(req.Body)) > 0,
	}
	if req.Body != nil {
		for key := range req.Body {
			switch key {
			case "ssn", "dob", "date_of_birth":
				dp.SensitiveData = true
			}
		}
	}
	return dp
}

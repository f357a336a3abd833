// Package compliance evaluates requests against regulatory rules covering
// educational records (FERPA) and personal data handling (GDPR). Rules never
// short-circuit: a request is checked against every rule so the result
// reports all violations at once.
package compliance

import (
	"strings"

	"admitguard/internal/audit"
	"admitguard/internal/request"
)

// Category names the regulation a rule enforces.
type Category string

const (
	CategoryFERPA   Category = "FERPA"
	CategoryGDPR    Category = "GDPR"
	CategoryCCPA    Category = "CCPA"
	CategorySOX     Category = "SOX"
	CategoryGeneral Category = "GENERAL"
)

// Severity grades a violation.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// DataProcessed classifies what kinds of regulated data a request touches.
type DataProcessed struct {
	PersonalData       bool `json:"personal_data"`
	EducationalRecords bool `json:"educational_records"`
	SensitiveData      bool `json:"sensitive_data"`
}

// Violation is one rule failure.
type Violation struct {
	Rule     string   `json:"rule"`
	Category Category `json:"category"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Result aggregates every rule outcome for one request.
type Result struct {
	Compliant       bool          `json:"compliant"`
	Violations      []Violation   `json:"violations"`
	Recommendations []string      `json:"recommendations"`
	DataProcessed   DataProcessed `json:"data_processed"`
}

// Rule is one compliance check. Check returns nil when the request passes,
// optionally with a recommendation either way.
type Rule interface {
	Name() string
	Category() Category
	Severity() Severity
	Check(req *request.Request) (*Violation, string)
}

// Path fragments that identify educational records under FERPA.
var educationalRecordPaths = []string{
	"transcript", "grade", "letter", "essay", "recommendation", "application",
}

// Roles allowed to access educational records belonging to other users.
var privilegedRoles = map[string]bool{
	"admin":     true,
	"counselor": true,
	"teacher":   true,
}

// RecordAccessRule enforces FERPA access control on educational records:
// the caller must be authenticated and either hold a privileged role or be
// the student the record belongs to.
type RecordAccessRule struct{}

func (r *RecordAccessRule) Name() string       { return "educational_record_access" }
func (r *RecordAccessRule) Category() Category { return CategoryFERPA }
func (r *RecordAccessRule) Severity() Severity { return SeverityCritical }

func (r *RecordAccessRule) Check(req *request.Request) (*Violation, string) {
	if !touchesEducationalRecords(req.Path) {
		return nil, ""
	}

	if req.User == nil {
		return &Violation{
			Rule:     r.Name(),
			Category: r.Category(),
			Severity: r.Severity(),
			Message:  "unauthenticated access to educational records",
		}, "require authentication before serving educational records"
	}

	if privilegedRoles[req.User.Role] {
		return nil, ""
	}

	owner := req.Params["userId"]
	if owner == "" {
		owner = req.Query["userId"]
	}
	if owner != "" && owner != req.User.ID {
		return &Violation{
			Rule:     r.Name(),
			Category: r.Category(),
			Severity: r.Severity(),
			Message:  "student accessing another student's educational records",
		}, ""
	}

	return nil, ""
}

func touchesEducationalRecords(path string) bool {
	lower := strings.ToLower(path)
	for _, fragment := range educationalRecordPaths {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// Body fields treated as personal data under GDPR.
var personalFields = []string{
	"email", "phone", "address", "firstname", "first_name", "lastname",
	"last_name", "fullname", "full_name", "dob", "date_of_birth", "ssn",
	"emergency_contact",
}

// Path prefixes where collecting personal data is expected.
var personalDataPaths = []string{
	"/api/users", "/api/profile", "/api/applications", "/api/auth",
}

// DataMinimizationRule flags personal data submitted to endpoints that have
// no business collecting it.
type DataMinimizationRule struct{}

func (r *DataMinimizationRule) Name() string       { return "data_minimization" }
func (r *DataMinimizationRule) Category() Category { return CategoryGDPR }
func (r *DataMinimizationRule) Severity() Severity { return SeverityHigh }

func (r *DataMinimizationRule) Check(req *request.Request) (*Violation, string) {
	fields := personalFieldsIn(req.Body)
	if len(fields) == 0 {
		return nil, ""
	}

	for _, prefix := range personalDataPaths {
		if strings.HasPrefix(req.Path, prefix) {
			return nil, ""
		}
	}

	return &Violation{
		Rule:     r.Name(),
		Category: r.Category(),
		Severity: r.Severity(),
		Message:  "personal data submitted to an endpoint that does not collect it: " + strings.Join(fields, ", "),
	}, "only collect personal data on enrollment and profile endpoints"
}

func personalFieldsIn(body map[string]interface{}) []string {
	if body == nil {
		return nil
	}
	var found []string
	for key := range body {
		lower := strings.ToLower(key)
		for _, field := range personalFields {
			if lower == field {
				found = append(found, key)
				break
			}
		}
	}
	return found
}

// Paths whose processing requires recorded user consent.
var consentGatedPaths = []string{"analytics", "marketing", "recommendations"}

// ConsentRule verifies that consent-gated processing only happens for users
// who granted consent for that purpose.
type ConsentRule struct {
	Store ConsentStore
}

func (r *ConsentRule) Name() string       { return "consent_required" }
func (r *ConsentRule) Category() Category { return CategoryGDPR }
func (r *ConsentRule) Severity() Severity { return SeverityMedium }

func (r *ConsentRule) Check(req *request.Request) (*Violation, string) {
	purpose := ""
	lower := strings.ToLower(req.Path)
	for _, gated := range consentGatedPaths {
		if strings.Contains(lower, gated) {
			purpose = gated
			break
		}
	}
	if purpose == "" {
		return nil, ""
	}

	if req.User == nil || r.Store == nil || !r.Store.HasConsent(req.User.ID, purpose) {
		return &Violation{
			Rule:     r.Name(),
			Category: r.Category(),
			Severity: r.Severity(),
			Message:  "no recorded consent for purpose: " + purpose,
		}, "collect consent for " + purpose + " before processing"
	}

	return nil, ""
}

// Resources with a defined retention and deletion policy.
var retentionPolicies = map[string]bool{
	"users":        true,
	"applications": true,
	"letters":      true,
	"essays":       true,
	"analytics":    true,
}

// RetentionRule checks that deletion requests target resources with a
// defined retention policy, so deletes remain auditable.
type RetentionRule struct{}

func (r *RetentionRule) Name() string       { return "retention_policy" }
func (r *RetentionRule) Category() Category { return CategoryGDPR }
func (r *RetentionRule) Severity() Severity { return SeverityMedium }

func (r *RetentionRule) Check(req *request.Request) (*Violation, string) {
	if req.Method != "DELETE" && !strings.Contains(strings.ToLower(req.Path), "delete") {
		return nil, ""
	}

	lower := strings.ToLower(req.Path)
	for resource := range retentionPolicies {
		if strings.Contains(lower, resource) {
			return nil, ""
		}
	}

	return &Violation{
		Rule:     r.Name(),
		Category: r.Category(),
		Severity: r.Severity(),
		Message:  "deletion of a resource without a defined retention policy",
	}, "define a retention policy before allowing deletion"
}

// Path fragments whose mutations must land in the audit trail.
var auditedPaths = []string{"users", "applications", "letters", "admin"}

var mutatingMethods = map[string]bool{
	"POST": true, "PUT": true, "PATCH": true, "DELETE": true,
}

// AuditTrailRule never fails a request; it ensures mutations of sensitive
// resources are written to the audit log.
type AuditTrailRule struct {
	Log *audit.Log
}

func (r *AuditTrailRule) Name() string       { return "audit_trail" }
func (r *AuditTrailRule) Category() Category { return CategoryGeneral }
func (r *AuditTrailRule) Severity() Severity { return SeverityLow }

func (r *AuditTrailRule) Check(req *request.Request) (*Violation, string) {
	if r.Log == nil || !mutatingMethods[req.Method] {
		return nil, ""
	}

	lower := strings.ToLower(req.Path)
	for _, fragment := range auditedPaths {
		if strings.Contains(lower, fragment) {
			userID := ""
			if req.User != nil {
				userID = req.User.ID
			}
			r.Log.Record(audit.Entry{
				UserID:          userID,
				Action:          req.Method,
				Resource:        req.Path,
				IP:              req.ClientIP,
				UserAgent:       req.UserAgent,
				Result:          audit.ResultSuccess,
				ComplianceFlags: []string{string(CategoryGeneral)},
			})
			break
		}
	}

	return nil, ""
}

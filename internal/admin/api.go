// Package admin exposes the operational HTTP API: WAF block list and rule
// management, anomaly alerts, compliance reports, audit access, metrics and
// health.
package admin

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"admitguard/internal/anomaly"
	"admitguard/internal/audit"
	"admitguard/internal/compliance"
	"admitguard/internal/metrics"
	"admitguard/internal/waf"
)

// API serves the admin endpoints.
type API struct {
	wafEngine  *waf.Engine
	anomalyEng *anomaly.Engine
	reporter   *compliance.Reporter
	consent    compliance.ConsentStore
	auditLog   *audit.Log
	metrics    *metrics.Collector
	logger     *logrus.Logger
}

// NewAPI creates the admin API.
func NewAPI(
	wafEngine *waf.Engine,
	anomalyEng *anomaly.Engine,
	reporter *compliance.Reporter,
	consent compliance.ConsentStore,
	auditLog *audit.Log,
	collector *metrics.Collector,
	logger *logrus.Logger,
) *API {
	return &API{
		wafEngine:  wafEngine,
		anomalyEng: anomalyEng,
		reporter:   reporter,
		consent:    consent,
		auditLog:   auditLog,
		metrics:    collector,
		logger:     logger,
	}
}

// Router builds the admin route table.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/admin/waf/block", a.blockIP).Methods("POST")
	r.HandleFunc("/admin/waf/unblock", a.unblockIP).Methods("POST")
	r.HandleFunc("/admin/waf/blocked", a.blockedIPs).Methods("GET")
	r.HandleFunc("/admin/waf/suspicious", a.suspiciousIPs).Methods("GET")
	r.HandleFunc("/admin/waf/suspicious/clear", a.clearSuspicion).Methods("POST")
	r.HandleFunc("/admin/waf/rules", a.listRules).Methods("GET")
	r.HandleFunc("/admin/waf/rules", a.addRule).Methods("POST")
	r.HandleFunc("/admin/waf/rules/{name}", a.removeRule).Methods("DELETE")

	r.HandleFunc("/admin/anomaly/alerts", a.alerts).Methods("GET")

	r.HandleFunc("/admin/compliance/report", a.complianceReport).Methods("GET")
	r.HandleFunc("/admin/compliance/report/export", a.exportReport).Methods("POST")
	r.HandleFunc("/admin/compliance/consent", a.grantConsent).Methods("POST")

	r.HandleFunc("/admin/audit/logs", a.auditLogs).Methods("GET")

	r.Handle("/metrics", a.metrics.Handler()).Methods("GET")
	r.HandleFunc("/healthz", a.health).Methods("GET")

	return r
}

type ipRequest struct {
	IP string `json:"ip"`
}

func (a *API) blockIP(w http.ResponseWriter, r *http.Request) {
	var body ipRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.IP == "" {
		writeError(w, http.StatusBadRequest, "ip is required")
		return
	}

	a.wafEngine.BlockIP(body.IP)
	a.metrics.BlockedIPs.Set(float64(len(a.wafEngine.BlockedIPs())))
	writeJSON(w, http.StatusOK, map[string]string{"status": "blocked", "ip": body.IP})
}

func (a *API) unblockIP(w http.ResponseWriter, r *http.Request) {
	var body ipRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.IP == "" {
		writeError(w, http.StatusBadRequest, "ip is required")
		return
	}

	a.wafEngine.UnblockIP(body.IP)
	a.metrics.BlockedIPs.Set(float64(len(a.wafEngine.BlockedIPs())))
	writeJSON(w, http.StatusOK, map[string]string{"status": "unblocked", "ip": body.IP})
}

func (a *API) blockedIPs(w http.ResponseWriter, r *http.Request) {
	ips := a.wafEngine.BlockedIPs()
	if ips == nil {
		ips = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"blocked": ips})
}

func (a *API) suspiciousIPs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"suspicious": a.wafEngine.SuspiciousIPs()})
}

func (a *API) clearSuspicion(w http.ResponseWriter, r *http.Request) {
	var body ipRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.IP == "" {
		writeError(w, http.StatusBadRequest, "ip is required")
		return
	}

	a.wafEngine.ClearSuspicion(body.IP)
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared", "ip": body.IP})
}

type ruleView struct {
	Name        string `json:"name"`
	Pattern     string `json:"pattern"`
	Severity    string `json:"severity"`
	Action      string `json:"action"`
	Target      string `json:"target"`
	Description string `json:"description,omitempty"`
}

func (a *API) listRules(w http.ResponseWriter, r *http.Request) {
	rules := a.wafEngine.Rules()
	views := make([]ruleView, len(rules))
	for i, rule := range rules {
		views[i] = ruleView{
			Name:        rule.Name,
			Pattern:     rule.Pattern.String(),
			Severity:    rule.Severity.String(),
			Action:      string(rule.Action),
			Target:      string(rule.Target),
			Description: rule.Description,
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rules": views})
}

func (a *API) addRule(w http.ResponseWriter, r *http.Request) {
	var body ruleView
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule body")
		return
	}

	rule, err := waf.CompileRule(body.Name, body.Pattern, body.Severity, body.Action, body.Target, body.Description)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	a.wafEngine.AddRule(rule)
	a.logger.WithField("rule", rule.Name).Info("WAF rule added")
	writeJSON(w, http.StatusCreated, map[string]string{"status": "added", "name": rule.Name})
}

func (a *API) removeRule(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !a.wafEngine.RemoveRule(name) {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}

	a.logger.WithField("rule", name).Info("WAF rule removed")
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "name": name})
}

func (a *API) alerts(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	alerts := a.anomalyEng.RecentAlerts(limit)
	if alerts == nil {
		alerts = []anomaly.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts})
}

func (a *API) complianceReport(w http.ResponseWriter, r *http.Request) {
	standard := r.URL.Query().Get("standard")
	if standard == "" {
		standard = "FERPA"
	}

	end := time.Now()
	start := end.Add(-24 * time.Hour)
	if hours := queryInt(r, "hours", 0); hours > 0 {
		start = end.Add(-time.Duration(hours) * time.Hour)
	}

	writeJSON(w, http.StatusOK, a.reporter.Generate(standard, start, end))
}

type exportRequest struct {
	Standard string `json:"standard"`
	Hours    int    `json:"hours,omitempty"`
	Path     string `json:"path"`
}

func (a *API) exportReport(w http.ResponseWriter, r *http.Request) {
	var body exportRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	if body.Standard == "" {
		body.Standard = "FERPA"
	}
	hours := body.Hours
	if hours <= 0 {
		hours = 24
	}

	end := time.Now()
	report := a.reporter.Generate(body.Standard, end.Add(-time.Duration(hours)*time.Hour), end)
	if err := a.reporter.Export(report, body.Path); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "exported",
		"report_id": report.ReportID,
		"path":      body.Path,
	})
}

type consentRequest struct {
	UserID  string `json:"user_id"`
	Purpose string `json:"purpose"`
	Revoke  bool   `json:"revoke,omitempty"`
}

func (a *API) grantConsent(w http.ResponseWriter, r *http.Request) {
	var body consentRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID == "" || body.Purpose == "" {
		writeError(w, http.StatusBadRequest, "user_id and purpose are required")
		return
	}

	if body.Revoke {
		a.consent.Revoke(body.UserID, body.Purpose)
		writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
		return
	}

	a.consent.Grant(body.UserID, body.Purpose)
	writeJSON(w, http.StatusOK, map[string]string{"status": "granted"})
}

func (a *API) auditLogs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	entries := a.auditLog.Entries(limit)
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

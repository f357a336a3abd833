package waf

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Severity grades a rule match.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "critical"
	case SeverityHigh:
		return "high"
	case SeverityMedium:
		return "medium"
	default:
		return "low"
	}
}

// ParseSeverity maps a severity name to its value, defaulting to low.
func ParseSeverity(s string) Severity {
	switch s {
	case "critical":
		return SeverityCritical
	case "high":
		return SeverityHigh
	case "medium":
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Action decides what the engine does on a rule match.
type Action string

const (
	ActionLog       Action = "log"
	ActionBlock     Action = "block"
	ActionChallenge Action = "challenge"
)

// Target selects the request surface a rule evaluates.
type Target string

const (
	// TargetBlob is the default: URL, non-sensitive headers, capped body.
	TargetBlob      Target = "blob"
	TargetUserAgent Target = "user_agent"
	TargetPath      Target = "path"
	// TargetHeader evaluates each header value individually.
	TargetHeader Target = "header"
)

// Rule is a single pattern rule. Rules are immutable once compiled.
type Rule struct {
	Name        string
	Pattern     *regexp.Regexp
	Severity    Severity
	Action      Action
	Target      Target
	Description string
}

// ruleSpec is the on-disk rule representation.
type ruleSpec struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Severity    string `yaml:"severity"`
	Action      string `yaml:"action"`
	Target      string `yaml:"target"`
	Description string `yaml:"description"`
}

// CompileRule builds a Rule from its textual form. A malformed pattern is a
// configuration error and must fail the caller at load time.
func CompileRule(name, pattern, severity, action, target, description string) (Rule, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %s: invalid pattern: %w", name, err)
	}

	act := Action(action)
	switch act {
	case ActionLog, ActionBlock, ActionChallenge:
	default:
		return Rule{}, fmt.Errorf("rule %s: invalid action %q", name, action)
	}

	tgt := Target(target)
	if tgt == "" {
		tgt = TargetBlob
	}
	switch tgt {
	case TargetBlob, TargetUserAgent, TargetPath, TargetHeader:
	default:
		return Rule{}, fmt.Errorf("rule %s: invalid target %q", name, target)
	}

	return Rule{
		Name:        name,
		Pattern:     re,
		Severity:    ParseSeverity(severity),
		Action:      act,
		Target:      tgt,
		Description: description,
	}, nil
}

// LoadRuleFile reads a YAML rule file. Used at startup and for hot reload.
func LoadRuleFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}

	var specs []ruleSpec
	if err := yaml.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("failed to parse rule file: %w", err)
	}

	rules := make([]Rule, 0, len(specs))
	for _, spec := range specs {
		rule, err := CompileRule(spec.Name, spec.Pattern, spec.Severity, spec.Action, spec.Target, spec.Description)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, nil
}

func mustRule(name, pattern, severity string, action Action, target Target, description string) Rule {
	rule, err := CompileRule(name, pattern, severity, string(action), string(target), description)
	if err != nil {
		panic(err)
	}
	return rule
}

// DefaultRules returns the built-in rule set, evaluated in declaration order.
func DefaultRules() []Rule {
	return []Rule{
		mustRule("sql_union_select",
			`(?i)(\bunion\b.*\bselect\b)`,
			"critical", ActionBlock, TargetBlob,
			"UNION-based SQL injection"),
		mustRule("sql_stacked_query",
			`(?i);\s*(drop|delete|update|insert|truncate|alter)\b`,
			"critical", ActionBlock, TargetBlob,
			"Stacked SQL query injection"),
		mustRule("sql_procedure",
			`(?i)(xp_cmdshell|sp_executesql|waitfor\s+delay)`,
			"high", ActionBlock, TargetBlob,
			"Stored procedure or time-based injection"),
		mustRule("xss_script_tag",
			`(?is)<\s*script[^>]*>`,
			"high", ActionBlock, TargetBlob,
			"Script tag injection"),
		mustRule("path_traversal",
			`(\.\./|\.\.\\|%2e%2e%2f|%2e%2e/)`,
			"high", ActionBlock, TargetBlob,
			"Directory traversal attempt"),
		mustRule("command_injection",
			`(?i)(\$\(|\x60|;\s*(wget|curl|nc|bash|sh|powershell)\b)`,
			"critical", ActionBlock, TargetBlob,
			"OS command injection"),
		mustRule("crlf_header_injection",
			`(%0d%0a|%0a|%0d|\r|\n)`,
			"high", ActionBlock, TargetHeader,
			"CRLF sequence inside a header value"),
		mustRule("suspicious_tool",
			`(?i)(sqlmap|nikto|nmap|masscan|metasploit|burp|dirbuster|gobuster|hydra|wfuzz|acunetix|nessus)`,
			"medium", ActionLog, TargetUserAgent,
			"Known scanning or exploitation tool"),
		mustRule("suspicious_extension",
			`(?i)\.(php|asp|aspx|jsp|cgi|env|git)(\?|/|$)`,
			"medium", ActionLog, TargetPath,
			"Probe for server technology the platform does not run"),
		mustRule("ldap_injection",
			`(?i)(\(\||\(&)(\w+=)`,
			"medium", ActionLog, TargetBlob,
			"LDAP filter injection"),
	}
}

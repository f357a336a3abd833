// Package sanitize implements input sanitation and the stateless
// injection/XSS guards that run before the WAF.
package sanitize

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"admitguard/internal/request"
)

var ErrForbiddenKey = errors.New("forbidden object key in payload")

// Keys that enable prototype pollution in upstream JavaScript consumers.
var forbiddenKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

var markupPattern = regexp.MustCompile(`(?s)<[^>]*>`)

// Clean strips markup from every string field of the request (body, query,
// params, recursively) and rejects payloads carrying prototype-pollution
// keys. RawBody is left untouched so the guards see the original content.
func Clean(req *request.Request) error {
	for key, value := range req.Query {
		req.Query[key] = stripMarkup(value)
	}
	for key, value := range req.Params {
		req.Params[key] = stripMarkup(value)
	}

	if req.Body != nil {
		cleaned, err := cleanValue(req.Body)
		if err != nil {
			return err
		}
		req.Body = cleaned.(map[string]interface{})
	}

	return nil
}

func cleanValue(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case map[string]interface{}:
		for key := range v {
			if forbiddenKeys[strings.ToLower(key)] {
				return nil, fmt.Errorf("%w: %s", ErrForbiddenKey, key)
			}
		}
		for key, nested := range v {
			cleaned, err := cleanValue(nested)
			if err != nil {
				return nil, err
			}
			v[key] = cleaned
		}
		return v, nil
	case []interface{}:
		for i, nested := range v {
			cleaned, err := cleanValue(nested)
			if err != nil {
				return nil, err
			}
			v[i] = cleaned
		}
		return v, nil
	case string:
		return stripMarkup(v), nil
	default:
		return v, nil
	}
}

func stripMarkup(s string) string {
	return markupPattern.ReplaceAllString(s, "")
}

// Guard runs stateless injection and XSS pattern checks over the request's
// raw content. It is independent of the WAF rule set and fires first.
type Guard struct {
	sqlPatterns []*regexp.Regexp
	xssPatterns []*regexp.Regexp
	logger      *logrus.Logger
}

// NewGuard creates a guard with the built-in pattern set.
func NewGuard(logger *logrus.Logger) *Guard {
	return &Guard{
		logger: logger,
		sqlPatterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)('|\")\s*(or|and)\s*('|\")?\s*[\d\w]*\s*=\s*('|\")?`),
			regexp.MustCompile(`(?i)(;|\||&)\s*(drop|delete|update|insert|create|alter|exec|execute)\b`),
			regexp.MustCompile(`(?i)(xp_cmdshell|sp_executesql)`),
			regexp.MustCompile(`(?i)(benchmark|sleep|waitfor|pg_sleep)\s*\(`),
		},
		xssPatterns: []*regexp.Regexp{
			regexp.MustCompile(`(?is)<\s*script[^>]*>.*<\s*/\s*script\s*>`),
			regexp.MustCompile(`(?i)(javascript|vbscript)\s*:`),
			regexp.MustCompile(`(?i)on(load|error|mouseover|click|focus)\s*=`),
			regexp.MustCompile(`(?i)<\s*(iframe|embed|object|applet)`),
		},
	}
}

// Check returns whether any guard pattern matches the request, and the
// violation name when one does. Raw body is inspected deliberately: the
// sanitizer has already rewritten the parsed fields.
func (g *Guard) Check(req *request.Request) (bool, string) {
	surfaces := make([]string, 0, len(req.Query)+len(req.Params)+1)
	if req.RawBody != "" {
		surfaces = append(surfaces, req.RawBody)
	}
	for _, v := range req.Query {
		surfaces = append(surfaces, v)
	}
	for _, v := range req.Params {
		surfaces = append(surfaces, v)
	}

	for _, surface := range surfaces {
		for _, pattern := range g.xssPatterns {
			if pattern.MatchString(surface) {
				g.logGuardMatch(req, "XSS_ATTEMPT", pattern.String())
				return true, "XSS_ATTEMPT"
			}
		}
		for _, pattern := range g.sqlPatterns {
			if pattern.MatchString(surface) {
				g.logGuardMatch(req, "SQL_INJECTION_ATTEMPT", pattern.String())
				return true, "SQL_INJECTION_ATTEMPT"
			}
		}
	}

	return false, ""
}

func (g *Guard) logGuardMatch(req *request.Request, violation, pattern string) {
	g.logger.WithFields(logrus.Fields{
		"client_ip": req.ClientIP,
		"path":      req.Path,
		"violation": violation,
		"pattern":   pattern,
	}).Warn("Injection guard match")
}

// Package request defines the abstract request model the security pipeline
// operates on. Engines never touch *http.Request directly; they receive a
// Request built once per inbound call.
package request

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
)

// MaxBodyBytes caps how much of the request body is read for analysis.
const MaxBodyBytes = 10 * 1024

// User identifies the authenticated caller, if any.
type User struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// Request is the evaluable surface of one inbound HTTP request.
type Request struct {
	Method    string
	Path      string
	Query     map[string]string
	Params    map[string]string
	Headers   map[string]string
	Body      map[string]interface{}
	RawBody   string
	ClientIP  string
	UserAgent string
	User      *User
}

// FromHTTP builds a Request from an inbound *http.Request. The body is read
// up to MaxBodyBytes and restored so downstream handlers can re-read it.
func FromHTTP(r *http.Request) *Request {
	req := &Request{
		Method:    r.Method,
		Path:      r.URL.Path,
		Query:     make(map[string]string),
		Params:    make(map[string]string),
		Headers:   make(map[string]string),
		ClientIP:  ExtractIP(r),
		UserAgent: r.UserAgent(),
	}

	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			req.Query[key] = values[0]
		}
	}

	for name, values := range r.Header {
		if len(values) > 0 {
			req.Headers[name] = values[0]
		}
	}

	if r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes))
		if err == nil && len(body) > 0 {
			req.RawBody = string(body)
			var parsed map[string]interface{}
			if err := json.Unmarshal(body, &parsed); err == nil {
				req.Body = parsed
			}
			// Only a prefix was read for analysis; downstream handlers
			// must still see the whole stream.
			r.Body = io.NopCloser(io.MultiReader(strings.NewReader(req.RawBody), r.Body))
		}
	}

	return req
}

// Header returns a header value with case-insensitive lookup.
func (r *Request) Header(name string) string {
	if v, ok := r.Headers[name]; ok {
		return v
	}
	canonical := http.CanonicalHeaderKey(name)
	if v, ok := r.Headers[canonical]; ok {
		return v
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// ExtractIP resolves the client IP, preferring proxy headers.
func ExtractIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}

	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

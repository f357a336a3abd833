package request

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestFromHTTPParsesBody(t *testing.T) {
	body := strings.NewReader(`{"name": "Alice", "year": 2026}`)
	r := httptest.NewRequest("POST", "/api/applications?page=2", body)
	r.RemoteAddr = "192.0.2.1:5000"
	r.Header.Set("Content-Type", "application/json")

	req := FromHTTP(r)

	if req.Method != "POST" || req.Path != "/api/applications" {
		t.Errorf("method/path = %s %s", req.Method, req.Path)
	}
	if req.Query["page"] != "2" {
		t.Errorf("query = %v", req.Query)
	}
	if req.Body["name"] != "Alice" {
		t.Errorf("body = %v", req.Body)
	}
	if req.RawBody != `{"name": "Alice", "year": 2026}` {
		t.Errorf("raw body = %q", req.RawBody)
	}
	if req.ClientIP != "192.0.2.1" {
		t.Errorf("client ip = %q", req.ClientIP)
	}

	// The body must remain readable downstream.
	rest := make([]byte, 64)
	n, _ := r.Body.Read(rest)
	if !strings.Contains(string(rest[:n]), "Alice") {
		t.Error("body not restored for downstream handlers")
	}
}

func TestFromHTTPNonJSONBody(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/upload", strings.NewReader("plain text"))

	req := FromHTTP(r)
	if req.Body != nil {
		t.Errorf("body = %v, want nil for non-JSON", req.Body)
	}
	if req.RawBody != "plain text" {
		t.Errorf("raw body = %q", req.RawBody)
	}
}

func TestFromHTTPCapsAnalysisNotStream(t *testing.T) {
	large := strings.Repeat("x", MaxBodyBytes*5)
	r := httptest.NewRequest("POST", "/api/upload", strings.NewReader(large))

	req := FromHTTP(r)
	if len(req.RawBody) != MaxBodyBytes {
		t.Errorf("raw body length = %d, want %d", len(req.RawBody), MaxBodyBytes)
	}

	// The analysis cap must not shorten what downstream handlers read.
	rest, err := io.ReadAll(r.Body)
	if err != nil {
		t.Fatalf("reading restored body: %v", err)
	}
	if len(rest) != len(large) {
		t.Errorf("downstream body length = %d, want %d", len(rest), len(large))
	}
	if string(rest) != large {
		t.Error("downstream body content differs from the original")
	}
}

func TestExtractIPPrefersForwardedFor(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	if ip := ExtractIP(r); ip != "203.0.113.9" {
		t.Errorf("ip = %q, want first forwarded address", ip)
	}

	r.Header.Del("X-Forwarded-For")
	r.Header.Set("X-Real-IP", "203.0.113.10")
	if ip := ExtractIP(r); ip != "203.0.113.10" {
		t.Errorf("ip = %q, want X-Real-IP", ip)
	}

	r.Header.Del("X-Real-IP")
	if ip := ExtractIP(r); ip != "10.0.0.1" {
		t.Errorf("ip = %q, want remote addr host", ip)
	}
}

func TestHeaderCaseInsensitive(t *testing.T) {
	req := &Request{Headers: map[string]string{"X-Api-Key": "secret"}}

	if v := req.Header("x-api-key"); v != "secret" {
		t.Errorf("Header lookup = %q", v)
	}
	if v := req.Header("X-API-Key"); v != "secret" {
		t.Errorf("Header lookup = %q", v)
	}
	if v := req.Header("Missing"); v != "" {
		t.Errorf("Header lookup for missing = %q", v)
	}
}

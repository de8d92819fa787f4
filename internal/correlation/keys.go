// Package correlation pulls identifying keys out of intercepted traffic: the session token
// and dashboard id that name a page, and the request/trace ids used to tag recorded calls.
package correlation

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strings"
)

// Key types.
const (
	TypeToken        = "token"
	TypeDashboard    = "dashboard_id"
	TypeOrganization = "organization"
	TypeRequestID    = "request_id"
	TypeTraceID      = "trace_id"
)

// Key represents a normalized correlation key.
type Key struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

const maxDepth = 8

var (
	traceparentPattern = regexp.MustCompile(`(?i)^\s*([0-9a-f]{2})-([0-9a-f]{32})-([0-9a-f]{16})-([0-9a-f]{2})\s*$`)
	b3SinglePattern    = regexp.MustCompile(`(?i)^\s*([0-9a-f]{16,32})-[0-9a-f]{16}(?:-[01d](?:-[0-9a-f]{16})?)?\s*$`)

	tokenTextPattern     = regexp.MustCompile(`(?i)\b(?:session[_-]?token|dashboard[_-]?token|access[_-]?token)\b["']?\s*(?:=|:)\s*["']?([A-Za-z0-9._~+/\-]{8,512})`)
	dashboardTextPattern = regexp.MustCompile(`(?i)\b(?:dashboard[_-]?id|report[_-]?id)\b["']?\s*(?:=|:)\s*["']?([a-z0-9][a-z0-9._:\-]{1,127})`)
)

// FromHeader extracts keys from one header pair.
func FromHeader(name, value string) []Key {
	headerName := strings.ToLower(strings.TrimSpace(name))
	raw := strings.TrimSpace(value)
	if headerName == "" || raw == "" {
		return nil
	}

	keys := make([]Key, 0, 1)
	switch headerName {
	case "authorization":
		if scheme, tok, ok := strings.Cut(raw, " "); ok && strings.EqualFold(scheme, "bearer") {
			keys = append(keys, Key{Type: TypeToken, Value: trimValue(tok)})
		}
	case "x-session-token", "x-dashboard-token", "x-auth-token":
		keys = append(keys, Key{Type: TypeToken, Value: trimValue(raw)})
	case "x-dashboard-id", "x-report-id":
		keys = append(keys, Key{Type: TypeDashboard, Value: normalizeValue(raw)})
	case "x-org-id", "x-organization-id", "x-tenant-id":
		keys = append(keys, Key{Type: TypeOrganization, Value: normalizeValue(raw)})
	case "x-request-id", "request-id", "x-correlation-id":
		keys = append(keys, Key{Type: TypeRequestID, Value: normalizeValue(raw)})
	case "x-trace-id", "x-b3-traceid":
		keys = append(keys, Key{Type: TypeTraceID, Value: normalizeValue(raw)})
	case "traceparent":
		if m := traceparentPattern.FindStringSubmatch(raw); len(m) == 5 {
			keys = append(keys, Key{Type: TypeTraceID, Value: normalizeValue(m[2])})
		}
	case "b3":
		if m := b3SinglePattern.FindStringSubmatch(raw); len(m) == 2 {
			keys = append(keys, Key{Type: TypeTraceID, Value: normalizeValue(m[1])})
		}
	}
	return dedupe(keys)
}

// FromHeaders extracts keys from every header.
func FromHeaders(h http.Header) []Key {
	var keys []Key
	for name, values := range h {
		for _, v := range values {
			keys = append(keys, FromHeader(name, v)...)
		}
	}
	return dedupe(keys)
}

// FromBody extracts keys from a response body. JSON bodies are walked by field name; anything
// else is scanned as text.
func FromBody(body []byte) []Key {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return fromText(string(body))
	}
	var keys []Key
	walk(v, "", 0, &keys)
	return dedupe(keys)
}

func walk(v any, parent string, depth int, keys *[]Key) {
	if depth > maxDepth {
		return
	}
	switch t := v.(type) {
	case map[string]any:
		for name, child := range t {
			field := fieldKey(name)
			if s, ok := child.(string); ok {
				if typ := classify(parent, field); typ != "" {
					*keys = append(*keys, keyFor(typ, s))
				}
				continue
			}
			walk(child, field, depth+1, keys)
		}
	case []any:
		for _, child := range t {
			walk(child, parent, depth+1, keys)
		}
	}
}

func classify(parent, field string) string {
	switch field {
	case "sessiontoken", "dashboardtoken", "accesstoken", "reporttoken":
		return TypeToken
	case "dashboardid", "reportid":
		return TypeDashboard
	case "orgid", "organizationid", "tenantid":
		return TypeOrganization
	case "requestid":
		return TypeRequestID
	case "traceid":
		return TypeTraceID
	}
	switch parent {
	case "session":
		if field == "token" {
			return TypeToken
		}
	case "dashboard", "report":
		if field == "id" {
			return TypeDashboard
		}
		if field == "token" {
			return TypeToken
		}
	case "organization", "org", "tenant":
		if field == "id" {
			return TypeOrganization
		}
	}
	return ""
}

func keyFor(typ, raw string) Key {
	if typ == TypeToken {
		return Key{Type: typ, Value: trimValue(raw)}
	}
	return Key{Type: typ, Value: normalizeValue(raw)}
}

func fromText(text string) []Key {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	keys := make([]Key, 0, 2)
	for _, m := range tokenTextPattern.FindAllStringSubmatch(text, -1) {
		keys = append(keys, keyFor(TypeToken, m[1]))
	}
	for _, m := range dashboardTextPattern.FindAllStringSubmatch(text, -1) {
		keys = append(keys, keyFor(TypeDashboard, m[1]))
	}
	return dedupe(keys)
}

// First returns the first key of type typ.
func First(keys []Key, typ string) (string, bool) {
	for _, k := range keys {
		if k.Type == typ {
			return k.Value, true
		}
	}
	return "", false
}

func fieldKey(s string) string {
	return strings.NewReplacer("_", "", "-", "", " ", "").Replace(strings.ToLower(s))
}

// trimValue strips quoting and trailing punctuation but keeps case; tokens are case sensitive.
func trimValue(value string) string {
	v := strings.TrimSpace(value)
	v = strings.Trim(v, "\"'`")
	return strings.TrimRight(v, ".,;:)]}")
}

func normalizeValue(value string) string {
	return strings.ToLower(trimValue(value))
}

func dedupe(keys []Key) []Key {
	if len(keys) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(keys))
	uniq := make([]Key, 0, len(keys))
	for _, key := range keys {
		if key.Type == "" || key.Value == "" {
			continue
		}
		token := key.Type + ":" + key.Value
		if _, exists := seen[token]; exists {
			continue
		}
		seen[token] = struct{}{}
		uniq = append(uniq, key)
	}
	if len(uniq) == 0 {
		return nil
	}
	return uniq
}

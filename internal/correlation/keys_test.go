package correlation

import (
	"net/http"
	"testing"
)

func TestFromHeader(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
		want  []Key
	}{
		{
			name:  "bearer token keeps case",
			key:   "Authorization",
			value: "Bearer AbC.123-xyz",
			want:  []Key{{Type: TypeToken, Value: "AbC.123-xyz"}},
		},
		{
			name:  "basic auth is ignored",
			key:   "Authorization",
			value: "Basic dXNlcjpwYXNz",
			want:  nil,
		},
		{
			name:  "session token header",
			key:   "X-Session-Token",
			value: "\"tok-1\"",
			want:  []Key{{Type: TypeToken, Value: "tok-1"}},
		},
		{
			name:  "dashboard id",
			key:   "x-dashboard-id",
			value: "D-42",
			want:  []Key{{Type: TypeDashboard, Value: "d-42"}},
		},
		{
			name:  "request id",
			key:   "X-Request-Id",
			value: "REQ-12345",
			want:  []Key{{Type: TypeRequestID, Value: "req-12345"}},
		},
		{
			name:  "traceparent",
			key:   "traceparent",
			value: "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-00",
			want:  []Key{{Type: TypeTraceID, Value: "4bf92f3577b34da6a3ce929d0e0e4736"}},
		},
		{
			name:  "unsupported header",
			key:   "content-type",
			value: "application/json",
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertKeys(t, FromHeader(tt.key, tt.value), tt.want)
		})
	}
}

func TestFromHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("X-Session-Token", "tok-1")
	h.Set("Authorization", "Bearer tok-1")
	keys := FromHeaders(h)
	assertKeys(t, keys, []Key{{Type: TypeToken, Value: "tok-1"}})
}

func TestFromBodyBootstrap(t *testing.T) {
	body := []byte(`{
		"success": true,
		"data": {
			"session": {"token": "SeSs-9f8e7d6c", "expiresIn": 3600},
			"organization": {"id": "ACME", "name": "Acme"},
			"dashboard": {"id": "ops-overview"},
			"requestId": "R-1"
		}
	}`)
	keys := FromBody(body)

	if v, ok := First(keys, TypeToken); !ok || v != "SeSs-9f8e7d6c" {
		t.Fatalf("token = %q, %v", v, ok)
	}
	if v, ok := First(keys, TypeOrganization); !ok || v != "acme" {
		t.Fatalf("organization = %q, %v", v, ok)
	}
	if v, ok := First(keys, TypeDashboard); !ok || v != "ops-overview" {
		t.Fatalf("dashboard = %q, %v", v, ok)
	}
	if v, ok := First(keys, TypeRequestID); !ok || v != "r-1" {
		t.Fatalf("request id = %q, %v", v, ok)
	}
}

func TestFromBodyFlatAndArrays(t *testing.T) {
	keys := FromBody([]byte(`[{"session_token":"abcDEF123"},{"dashboard_id":"d1"}]`))
	if v, _ := First(keys, TypeToken); v != "abcDEF123" {
		t.Fatalf("token = %q", v)
	}
	if v, _ := First(keys, TypeDashboard); v != "d1" {
		t.Fatalf("dashboard = %q", v)
	}
}

func TestFromBodyText(t *testing.T) {
	keys := FromBody([]byte(`window.boot = {sessionToken: 'Zq81bXcd9', dashboardId: "ops"}`))
	if v, _ := First(keys, TypeToken); v != "Zq81bXcd9" {
		t.Fatalf("token = %q", v)
	}
	if v, _ := First(keys, TypeDashboard); v != "ops" {
		t.Fatalf("dashboard = %q", v)
	}

	if keys := FromBody([]byte("   ")); keys != nil {
		t.Fatalf("expected nil, got %#v", keys)
	}
	if _, ok := First(nil, TypeToken); ok {
		t.Fatal("expected no token")
	}
}

func assertKeys(t *testing.T, got, want []Key) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d keys, got %d: %#v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("key %d: expected %#v, got %#v", i, want[i], got[i])
		}
	}
}

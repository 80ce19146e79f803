package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                              "/",
		"/metrics":                      "/metrics",
		"/v1/notifications/abc":         "/v1/notifications/:id",
		"/v1/notifications/abc/read":    "/v1/notifications/:id/read",
		"/v1/notifications/bulk":        "/v1/notifications/bulk",
		"/v1/notifications/preferences": "/v1/notifications/preferences",
		"/v1/notifications/abc/extra":   "/v1/notifications/abc/extra",
		"/v1/audit/entries":             "/v1/audit/entries",
		"/v1/audit/entries?limit=10":    "/v1/audit/entries",
		"/v1/auth/login":                "/v1/auth/login",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

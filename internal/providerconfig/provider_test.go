package providerconfig

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestSanitizeStripsTopLevelSensitiveFields(t *testing.T) {
	raw := map[string]any{
		"access_token":  "secret-token",
		"refresh_token": "secret-refresh",
		"client_secret": "secret-client",
		"client_id":     "public-client",
	}
	result := Sanitize(raw, HostContext{NativeHostPresent: true, UserAgent: "Mozilla/5.0 (Windows NT 10.0)"})

	for _, key := range []string{"access_token", "refresh_token", "client_secret"} {
		if _, ok := result.Persisted[key]; ok {
			t.Fatalf("persisted config still contains %q", key)
		}
	}
	if result.Persisted["client_id"] != "public-client" {
		t.Fatal("non-sensitive client_id should be retained")
	}
	if result.Sensitive.AccessToken != "secret-token" {
		t.Fatalf("sensitive access token not captured: %+v", result.Sensitive)
	}
	if result.Sensitive.RefreshToken != "secret-refresh" {
		t.Fatalf("sensitive refresh token not captured: %+v", result.Sensitive)
	}
}

func TestSanitizeStripsNestedManagedAuth(t *testing.T) {
	raw := map[string]any{
		"managed_auth": map[string]any{
			"access_token":      "secret",
			"token_type":        "Bearer",
			"token_refresh_url": "https://example.com/refresh",
			"scope":             "read write",
		},
	}
	result := Sanitize(raw, HostContext{Browser: true, UserAgent: "Mozilla/5.0 (Macintosh)"})

	managed := result.Persisted["managed_auth"].(map[string]any)
	if _, ok := managed["access_token"]; ok {
		t.Fatal("managed_auth still contains access_token")
	}
	if managed["token_type"] != "Bearer" {
		t.Fatal("managed_auth should retain token_type")
	}
	if result.Sensitive.AccessToken != "secret" {
		t.Fatalf("sensitive access token not captured from managed_auth: %+v", result.Sensitive)
	}
}

func TestSanitizeDropsEmptyManagedAuth(t *testing.T) {
	raw := map[string]any{
		"managed_auth": map[string]any{
			"access_token": "secret",
		},
	}
	result := Sanitize(raw, HostContext{Browser: true})
	if _, ok := result.Persisted["managed_auth"]; ok {
		t.Fatal("managed_auth with no non-sensitive fields should be dropped entirely")
	}
}

func TestClassifyStoragePolicy(t *testing.T) {
	cases := []struct {
		name string
		host HostContext
		want StoragePolicy
	}{
		{"desktop keystore", HostContext{NativeHostPresent: true, UserAgent: "Mozilla/5.0 (Windows NT 10.0)"}, DesktopSecureKeystore},
		{"mobile keystore android", HostContext{NativeHostPresent: true, UserAgent: "Mozilla/5.0 (Linux; Android 14)"}, MobileSecureKeystore},
		{"mobile keystore iphone", HostContext{NativeHostPresent: true, UserAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0)"}, MobileSecureKeystore},
		{"desktop session only", HostContext{UserAgent: "Mozilla/5.0 (Windows NT 10.0)"}, DesktopSessionOnly},
		{"mobile session only", HostContext{UserAgent: "Mozilla/5.0 (iPad; CPU OS 17_0)"}, MobileSessionOnly},
		{"browser keystore", HostContext{NativeHostPresent: true, Browser: true}, BrowserSecureKeystore},
		{"browser session only", HostContext{Browser: true}, BrowserSessionOnly},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := ClassifyStoragePolicy(c.host)
			if got != c.want {
				t.Fatalf("got %q, want %q", got, c.want)
			}
		})
	}
}

func TestSelectRuntimeProfile(t *testing.T) {
	if got := SelectRuntimeProfile("Mozilla/5.0 (Linux; Android 14)"); got != ProfileMobileBeta {
		t.Fatalf("android ua: got %q, want mobile_beta", got)
	}
	if got := SelectRuntimeProfile("Mozilla/5.0 (Windows NT 10.0)"); got != ProfileDesktop {
		t.Fatalf("desktop ua: got %q, want desktop", got)
	}
}

func TestHydrateMergesSensitiveFieldsBack(t *testing.T) {
	persisted := map[string]any{
		"managed_auth": map[string]any{"token_type": "Bearer"},
	}
	sensitive := SensitiveAuth{AccessToken: "secret-token", RefreshToken: "secret-refresh"}

	hydrated := Hydrate(persisted, sensitive)
	managed := hydrated["managed_auth"].(map[string]any)
	if managed["access_token"] != "secret-token" {
		t.Fatal("hydrate did not merge access_token")
	}
	if managed["token_type"] != "Bearer" {
		t.Fatal("hydrate dropped existing non-sensitive field")
	}

	if _, ok := persisted["managed_auth"].(map[string]any)["access_token"]; ok {
		t.Fatal("hydrate mutated the original persisted map")
	}
}

func TestSessionAuthStoreRoundTrip(t *testing.T) {
	store := NewSessionAuthStore()
	store.Put("github", SensitiveAuth{AccessToken: "t1"})

	got, ok := store.Get("github")
	if !ok || got.AccessToken != "t1" {
		t.Fatalf("Get after Put: got %+v, ok=%v", got, ok)
	}

	store.Delete("github")
	if _, ok := store.Get("github"); ok {
		t.Fatal("expected Get to miss after Delete")
	}
}

func TestMapHTTPStatus(t *testing.T) {
	cases := map[int]ConnectorErrorCode{
		400: ErrInvalidRequest,
		401: ErrUnauthorized,
		403: ErrForbidden,
		404: ErrNotFound,
		409: ErrConflict,
		429: ErrRateLimited,
		500: ErrUnavailable,
		503: ErrUnavailable,
		418: ErrUnknown,
	}
	for status, want := range cases {
		if got := MapHTTPStatus(status); got != want {
			t.Fatalf("status %d: got %q, want %q", status, got, want)
		}
	}
}

func TestManagedAuthCallRefreshesOn401(t *testing.T) {
	auth := &ManagedAuth{
		AccessToken:     "stale",
		TokenType:       "Bearer",
		ClientID:        "client",
		TokenRefreshURL: "https://example.com/refresh",
	}

	refreshCalls := 0
	refresh := func(ctx context.Context, url, clientID, clientSecret string) (string, string, error) {
		refreshCalls++
		return "fresh", "Bearer", nil
	}

	requestCalls := 0
	request := func(ctx context.Context, header string) (int, error) {
		requestCalls++
		if requestCalls == 1 {
			if header != "Bearer stale" {
				t.Fatalf("first call used unexpected header: %q", header)
			}
			return http.StatusUnauthorized, nil
		}
		if header != "Bearer fresh" {
			t.Fatalf("retry used unexpected header: %q", header)
		}
		return http.StatusOK, nil
	}

	if err := auth.Call(context.Background(), time.Now(), refresh, request); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if refreshCalls != 1 {
		t.Fatalf("expected exactly one refresh, got %d", refreshCalls)
	}
	if requestCalls != 2 {
		t.Fatalf("expected exactly one retry, got %d requests", requestCalls)
	}
}

func TestManagedAuthCallNoRefreshCapabilityYieldsUnauthorized(t *testing.T) {
	auth := &ManagedAuth{AccessToken: "stale", TokenType: "Bearer"}

	request := func(ctx context.Context, header string) (int, error) {
		return http.StatusUnauthorized, nil
	}

	err := auth.Call(context.Background(), time.Now(), nil, request)
	var connErr *ConnectorError
	if !errors.As(err, &connErr) || connErr.Code != ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestManagedAuthProactiveRefreshOnExpiry(t *testing.T) {
	auth := &ManagedAuth{
		AccessToken:     "stale",
		ExpiresAt:       time.Now().Add(-time.Hour).Format(time.RFC3339),
		ClientID:        "client",
		TokenRefreshURL: "https://example.com/refresh",
	}

	refreshed := false
	refresh := func(ctx context.Context, url, clientID, clientSecret string) (string, string, error) {
		refreshed = true
		return "fresh", "Bearer", nil
	}
	request := func(ctx context.Context, header string) (int, error) {
		if header != "Bearer fresh" {
			t.Fatalf("expected proactive refresh before request, got header %q", header)
		}
		return http.StatusOK, nil
	}

	if err := auth.Call(context.Background(), time.Now(), refresh, request); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !refreshed {
		t.Fatal("expected proactive refresh")
	}
}

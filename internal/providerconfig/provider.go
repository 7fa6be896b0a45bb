package providerconfig

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// StoragePolicy classifies where a provider's sensitive auth fields
// live at rest, per spec §4.6.
type StoragePolicy string

const (
	DesktopSecureKeystore StoragePolicy = "desktop_secure_keystore"
	MobileSecureKeystore  StoragePolicy = "mobile_secure_keystore"
	BrowserSecureKeystore StoragePolicy = "browser_secure_keystore"
	DesktopSessionOnly    StoragePolicy = "desktop_session_only"
	MobileSessionOnly     StoragePolicy = "mobile_session_only"
	BrowserSessionOnly    StoragePolicy = "browser_session_only"
)

// RuntimeProfile is the persisted profile preference for a device.
type RuntimeProfile string

const (
	ProfileDesktop    RuntimeProfile = "desktop"
	ProfileMobileBeta RuntimeProfile = "mobile_beta"
	ProfileCustom     RuntimeProfile = "custom"
)

// sensitiveFields are stripped from any persisted managed_auth block
// and held only in the process-local SessionAuthStore.
var sensitiveFields = []string{"access_token", "refresh_token", "client_secret"}

// nonSensitiveManagedAuthFields are retained in the persisted
// provider_config's managed_auth block.
var nonSensitiveManagedAuthFields = map[string]bool{
	"token_type":        true,
	"token_refresh_url": true,
	"expires_at":        true,
	"scope":             true,
	"client_id":         true,
}

// SensitiveAuth holds the credential fields stripped out of
// provider_config on persistence.
type SensitiveAuth struct {
	AccessToken  string
	RefreshToken string
	ClientSecret string
}

func (s SensitiveAuth) empty() bool {
	return s.AccessToken == "" && s.RefreshToken == "" && s.ClientSecret == ""
}

// SanitizeResult is the outcome of sanitizing one provider's config
// before it is written to persistent storage.
type SanitizeResult struct {
	Persisted     map[string]any
	StoragePolicy StoragePolicy
	Sensitive     SensitiveAuth
}

// Sanitize scans raw provider_config for legacy top-level sensitive
// keys and a nested managed_auth block, strips access_token,
// refresh_token and client_secret entirely, and classifies the
// storage policy for the stripped fields. host identifies the
// runtime the config is being persisted from.
func Sanitize(raw map[string]any, host HostContext) SanitizeResult {
	persisted := make(map[string]any, len(raw))
	for k, v := range raw {
		persisted[k] = v
	}

	var sensitive SensitiveAuth
	for _, key := range sensitiveFields {
		if v, ok := persisted[key]; ok {
			assignSensitive(&sensitive, key, v)
			delete(persisted, key)
		}
	}

	if managed, ok := persisted["managed_auth"].(map[string]any); ok {
		cleaned := make(map[string]any, len(managed))
		for k, v := range managed {
			if !nonSensitiveManagedAuthFields[k] {
				assignSensitive(&sensitive, k, v)
				continue
			}
			cleaned[k] = v
		}
		if len(cleaned) == 0 {
			delete(persisted, "managed_auth")
		} else {
			persisted["managed_auth"] = cleaned
		}
	}

	return SanitizeResult{
		Persisted:     persisted,
		StoragePolicy: ClassifyStoragePolicy(host),
		Sensitive:     sensitive,
	}
}

// HostContext identifies the runtime a provider config is being
// persisted from, for storage-policy classification.
type HostContext struct {
	// NativeHostPresent is true when a native host process (desktop
	// app or mobile app shell) with OS keystore access is reachable.
	NativeHostPresent bool
	// Browser is true when the code is running embedded in a browser
	// (extension or PWA) rather than inside a native app shell.
	Browser bool
	// UserAgent drives the mobile/desktop split.
	UserAgent string
}

func assignSensitive(s *SensitiveAuth, key string, v any) {
	str, _ := v.(string)
	switch key {
	case "access_token":
		s.AccessToken = str
	case "refresh_token":
		s.RefreshToken = str
	case "client_secret":
		s.ClientSecret = str
	}
}

// ClassifyStoragePolicy picks a storage policy for sensitive fields:
// an OS keystore when a native host is present, else session-only,
// each split across desktop/mobile/browser by host.
func ClassifyStoragePolicy(host HostContext) StoragePolicy {
	secure := host.NativeHostPresent
	switch {
	case host.Browser:
		if secure {
			return BrowserSecureKeystore
		}
		return BrowserSessionOnly
	case IsMobileUserAgent(host.UserAgent):
		if secure {
			return MobileSecureKeystore
		}
		return MobileSessionOnly
	default:
		if secure {
			return DesktopSecureKeystore
		}
		return DesktopSessionOnly
	}
}

// IsMobileUserAgent reports whether userAgent names a mobile OS per
// spec §4.6's runtime profile heuristic.
func IsMobileUserAgent(userAgent string) bool {
	for _, marker := range []string{"Android", "iPhone", "iPad", "iPod"} {
		if strings.Contains(userAgent, marker) {
			return true
		}
	}
	return false
}

// SelectRuntimeProfile picks desktop or mobile from the user agent.
// Callers treat any explicit user override as forcing ProfileCustom,
// not this selector.
func SelectRuntimeProfile(userAgent string) RuntimeProfile {
	if IsMobileUserAgent(userAgent) {
		return ProfileMobileBeta
	}
	return ProfileDesktop
}

// Hydrate merges a provider's in-memory sensitive fields back into
// its persisted config, producing the full config connectors consume.
// The persisted map itself is left untouched.
func Hydrate(persisted map[string]any, sensitive SensitiveAuth) map[string]any {
	out := make(map[string]any, len(persisted)+1)
	for k, v := range persisted {
		out[k] = v
	}
	if sensitive.empty() {
		return out
	}
	managed, _ := out["managed_auth"].(map[string]any)
	merged := make(map[string]any, len(managed)+3)
	for k, v := range managed {
		merged[k] = v
	}
	if sensitive.AccessToken != "" {
		merged["access_token"] = sensitive.AccessToken
	}
	if sensitive.RefreshToken != "" {
		merged["refresh_token"] = sensitive.RefreshToken
	}
	if sensitive.ClientSecret != "" {
		merged["client_secret"] = sensitive.ClientSecret
	}
	out["managed_auth"] = merged
	return out
}

// SessionAuthStore is the process-local, mutex-guarded map of
// sensitive auth material per provider, per spec §5 "Provider
// session-auth map is process-local, mutated under a sync.Mutex".
type SessionAuthStore struct {
	mu   sync.Mutex
	byID map[string]SensitiveAuth
}

// NewSessionAuthStore constructs an empty store.
func NewSessionAuthStore() *SessionAuthStore {
	return &SessionAuthStore{byID: make(map[string]SensitiveAuth)}
}

// Put records providerID's current sensitive auth fields.
func (s *SessionAuthStore) Put(providerID string, auth SensitiveAuth) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[providerID] = auth
}

// Get returns providerID's sensitive auth fields, if any.
func (s *SessionAuthStore) Get(providerID string) (SensitiveAuth, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[providerID]
	return a, ok
}

// Delete removes providerID's sensitive auth fields (e.g. on disconnect).
func (s *SessionAuthStore) Delete(providerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, providerID)
}

// ConnectorErrorCode is the closed taxonomy managed connector calls
// are mapped into from an HTTP status code.
type ConnectorErrorCode string

const (
	ErrInvalidRequest ConnectorErrorCode = "invalid_request"
	ErrUnauthorized   ConnectorErrorCode = "unauthorized"
	ErrForbidden      ConnectorErrorCode = "forbidden"
	ErrNotFound       ConnectorErrorCode = "not_found"
	ErrConflict       ConnectorErrorCode = "conflict"
	ErrRateLimited    ConnectorErrorCode = "rate_limited"
	ErrUnavailable    ConnectorErrorCode = "unavailable"
	ErrUnknown        ConnectorErrorCode = "unknown"
)

// MapHTTPStatus maps an HTTP status code to a ConnectorErrorCode.
func MapHTTPStatus(status int) ConnectorErrorCode {
	switch {
	case status == http.StatusBadRequest:
		return ErrInvalidRequest
	case status == http.StatusUnauthorized:
		return ErrUnauthorized
	case status == http.StatusForbidden:
		return ErrForbidden
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusConflict:
		return ErrConflict
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status >= 500:
		return ErrUnavailable
	default:
		return ErrUnknown
	}
}

// ConnectorError wraps a ConnectorErrorCode with the upstream detail.
type ConnectorError struct {
	Code    ConnectorErrorCode
	Status  int
	Message string
}

func (e *ConnectorError) Error() string {
	return fmt.Sprintf("connector: %s (http %d): %s", e.Code, e.Status, e.Message)
}

// RefreshFunc performs a client-credentials token refresh against
// tokenRefreshURL and returns the new access token and its type.
type RefreshFunc func(ctx context.Context, tokenRefreshURL, clientID, clientSecret string) (accessToken, tokenType string, err error)

// RequestFunc issues one connector HTTP request using the given
// Authorization header value and returns the response status and any
// transport-level error.
type RequestFunc func(ctx context.Context, authorizationHeader string) (status int, err error)

// ManagedAuth drives Authorization-header construction and the
// single-retry-on-401 refresh flow for one provider's managed
// connector calls.
type ManagedAuth struct {
	ProviderID      string
	TokenType       string
	AccessToken     string
	RefreshToken    string
	ClientID        string
	ClientSecret    string
	TokenRefreshURL string
	ExpiresAt       string // RFC3339; empty means unknown expiry
}

// CanRefresh reports whether enough material is present to attempt a
// token refresh.
func (m ManagedAuth) CanRefresh() bool {
	return m.TokenRefreshURL != "" && m.ClientID != ""
}

// Expired reports whether ExpiresAt is in the past, triggering a
// proactive refresh before the request is sent.
func (m ManagedAuth) Expired(now time.Time) bool {
	if m.ExpiresAt == "" {
		return false
	}
	t, err := time.Parse(time.RFC3339, m.ExpiresAt)
	if err != nil {
		return false
	}
	return !now.Before(t)
}

// AuthorizationHeader builds the "<token_type> <access_token>" header
// value for the current access token.
func (m ManagedAuth) AuthorizationHeader() string {
	tokenType := m.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return tokenType + " " + m.AccessToken
}

// Call performs one managed connector request, proactively refreshing
// an expired token first, and retrying exactly once on a 401 response
// by refreshing and resending. If no refresh capability is available,
// an expired or rejected token yields ErrUnauthorized without a
// network round trip for the proactive case.
func (m *ManagedAuth) Call(ctx context.Context, now time.Time, refresh RefreshFunc, request RequestFunc) error {
	if m.Expired(now) {
		if !m.CanRefresh() {
			return &ConnectorError{Code: ErrUnauthorized, Message: "token expired and no refresh capability"}
		}
		if err := m.doRefresh(ctx, refresh); err != nil {
			return err
		}
	}

	status, err := request(ctx, m.AuthorizationHeader())
	if err != nil {
		return fmt.Errorf("connector request: %w", err)
	}
	if status != http.StatusUnauthorized {
		return statusToError(status)
	}
	if !m.CanRefresh() {
		return &ConnectorError{Code: ErrUnauthorized, Status: status, Message: "rejected and no refresh capability"}
	}
	if err := m.doRefresh(ctx, refresh); err != nil {
		return err
	}

	status, err = request(ctx, m.AuthorizationHeader())
	if err != nil {
		return fmt.Errorf("connector request retry: %w", err)
	}
	return statusToError(status)
}

func (m *ManagedAuth) doRefresh(ctx context.Context, refresh RefreshFunc) error {
	accessToken, tokenType, err := refresh(ctx, m.TokenRefreshURL, m.ClientID, m.ClientSecret)
	if err != nil {
		return &ConnectorError{Code: ErrUnauthorized, Message: fmt.Sprintf("refresh failed: %v", err)}
	}
	m.AccessToken = accessToken
	if tokenType != "" {
		m.TokenType = tokenType
	}
	return nil
}

func statusToError(status int) error {
	if status >= 200 && status < 300 {
		return nil
	}
	return &ConnectorError{Code: MapHTTPStatus(status), Status: status}
}

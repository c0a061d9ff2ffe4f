package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goliatone/go-syncbridge/core"
)

func newRefresherForServer(t *testing.T, server *httptest.Server) *OAuth2Refresher {
	t.Helper()
	refresher, err := NewOAuth2Refresher(map[string]ProviderEndpoint{
		"platform_a": {
			TokenURL:     server.URL,
			ClientID:     "client-1",
			ClientSecret: "secret-1",
			Scopes:       []string{"deals.read", "deals.write"},
		},
	}, WithHTTPClient(server.Client()), WithClock(func() time.Time {
		return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	}))
	if err != nil {
		t.Fatalf("new refresher: %v", err)
	}
	return refresher
}

func TestRefreshExchangesToken(t *testing.T) {
	var captured struct {
		grantType    string
		refreshToken string
		clientID     string
		basicUser    string
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		captured.grantType = r.PostFormValue("grant_type")
		captured.refreshToken = r.PostFormValue("refresh_token")
		captured.clientID = r.PostFormValue("client_id")
		captured.basicUser, _, _ = r.BasicAuth()
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-2",
			"refresh_token": "refresh-2",
			"token_type":    "bearer",
			"expires_in":    3600,
			"scope":         "deals.read deals.write",
		})
	}))
	defer server.Close()

	refresher := newRefresherForServer(t, server)
	token, err := refresher.Refresh(context.Background(), "platform_a", core.ActiveToken{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
	})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if captured.grantType != "refresh_token" {
		t.Fatalf("expected refresh_token grant, got %q", captured.grantType)
	}
	if captured.refreshToken != "refresh-1" {
		t.Fatalf("expected stored refresh token on the wire, got %q", captured.refreshToken)
	}
	if captured.clientID != "client-1" {
		t.Fatalf("expected client id in body, got %q", captured.clientID)
	}
	if captured.basicUser != "client-1" {
		t.Fatalf("expected basic auth client id, got %q", captured.basicUser)
	}

	if token.AccessToken != "access-2" {
		t.Fatalf("expected new access token, got %q", token.AccessToken)
	}
	if token.RefreshToken != "refresh-2" {
		t.Fatalf("expected rotated refresh token, got %q", token.RefreshToken)
	}
	if token.TokenType != "Bearer" {
		t.Fatalf("expected normalized token type, got %q", token.TokenType)
	}
	if token.ExpiresAt == nil || !token.ExpiresAt.Equal(time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected expiry one hour out, got %v", token.ExpiresAt)
	}
	if len(token.Scopes) != 2 || token.Scopes[0] != "deals.read" {
		t.Fatalf("expected granted scopes, got %v", token.Scopes)
	}
}

func TestRefreshKeepsRefreshTokenWhenNotRotated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "access-2",
		})
	}))
	defer server.Close()

	refresher := newRefresherForServer(t, server)
	token, err := refresher.Refresh(context.Background(), "platform_a", core.ActiveToken{
		RefreshToken: "refresh-1",
	})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if token.RefreshToken != "refresh-1" {
		t.Fatalf("expected refresh token carryover, got %q", token.RefreshToken)
	}
	if token.ExpiresAt != nil {
		t.Fatalf("expected no expiry without expires_in, got %v", token.ExpiresAt)
	}
}

func TestRefreshClassifiesInvalidGrantAsFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":             "invalid_grant",
			"error_description": "refresh token revoked",
		})
	}))
	defer server.Close()

	refresher := newRefresherForServer(t, server)
	_, err := refresher.Refresh(context.Background(), "platform_a", core.ActiveToken{
		RefreshToken: "refresh-1",
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !core.IsFatalAuthError(err) {
		t.Fatalf("expected fatal auth classification, got %v", err)
	}
}

func TestRefreshClassifiesServerErrorsAsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "temporarily_unavailable"})
	}))
	defer server.Close()

	refresher := newRefresherForServer(t, server)
	_, err := refresher.Refresh(context.Background(), "platform_a", core.ActiveToken{
		RefreshToken: "refresh-1",
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if got := core.ClassifyFailure(err); got != core.FailureReasonTransient {
		t.Fatalf("expected transient classification, got %s", got)
	}
}

func TestRefreshClassifiesNonJSONDenialByStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("<html><body>Access denied</body></html>"))
	}))
	defer server.Close()

	refresher := newRefresherForServer(t, server)
	_, err := refresher.Refresh(context.Background(), "platform_a", core.ActiveToken{
		RefreshToken: "refresh-1",
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if got := core.ClassifyFailure(err); got != core.FailureReasonAuthRetry {
		t.Fatalf("expected recoverable auth classification, got %s (%v)", got, err)
	}
}

func TestRefreshRequiresKnownProviderAndToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "access-2"})
	}))
	defer server.Close()

	refresher := newRefresherForServer(t, server)

	if _, err := refresher.Refresh(context.Background(), "unknown", core.ActiveToken{RefreshToken: "refresh-1"}); err == nil {
		t.Fatalf("expected error for unknown provider")
	}

	_, err := refresher.Refresh(context.Background(), "platform_a", core.ActiveToken{})
	if err == nil {
		t.Fatalf("expected error for missing refresh token")
	}
	if !core.IsFatalAuthError(err) {
		t.Fatalf("expected fatal auth classification, got %v", err)
	}
}

func TestNewOAuth2RefresherValidatesEndpoints(t *testing.T) {
	if _, err := NewOAuth2Refresher(nil); err == nil {
		t.Fatalf("expected error for empty endpoint map")
	}
	if _, err := NewOAuth2Refresher(map[string]ProviderEndpoint{
		"platform_a": {ClientID: "client-1"},
	}); err == nil {
		t.Fatalf("expected error for missing token url")
	}
	if _, err := NewOAuth2Refresher(map[string]ProviderEndpoint{
		"platform_a": {TokenURL: "https://example.test/token"},
	}); err == nil {
		t.Fatalf("expected error for missing client id")
	}
}

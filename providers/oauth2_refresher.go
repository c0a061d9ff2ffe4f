package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-syncbridge/core"
	"github.com/goliatone/go-syncbridge/vault"
)

var _ vault.TokenRefresher = (*OAuth2Refresher)(nil)

const maxTokenResponseBodyBytes = 1 << 20

// ProviderEndpoint configures one provider's token endpoint.
type ProviderEndpoint struct {
	TokenURL            string
	ClientID            string
	ClientSecret        string
	ClientSecretInBody  bool
	Scopes              []string
	TokenRequestTimeout time.Duration
}

// OAuth2Refresher exchanges refresh tokens against each provider's token
// endpoint. It satisfies the vault's refresher contract; the vault owns
// rotation versioning and persistence.
type OAuth2Refresher struct {
	endpoints  map[string]ProviderEndpoint
	httpClient *http.Client
	now        func() time.Time
}

type Option func(*OAuth2Refresher)

func WithHTTPClient(client *http.Client) Option {
	return func(r *OAuth2Refresher) {
		if client != nil {
			r.httpClient = client
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *OAuth2Refresher) {
		if now != nil {
			r.now = now
		}
	}
}

func NewOAuth2Refresher(endpoints map[string]ProviderEndpoint, opts ...Option) (*OAuth2Refresher, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("providers: at least one provider endpoint is required")
	}
	cleaned := make(map[string]ProviderEndpoint, len(endpoints))
	for providerID, endpoint := range endpoints {
		providerID = strings.ToLower(strings.TrimSpace(providerID))
		if providerID == "" {
			return nil, fmt.Errorf("providers: provider id must not be empty")
		}
		endpoint.TokenURL = strings.TrimSpace(endpoint.TokenURL)
		endpoint.ClientID = strings.TrimSpace(endpoint.ClientID)
		if endpoint.TokenURL == "" {
			return nil, fmt.Errorf("providers: token url is required for provider %q", providerID)
		}
		if endpoint.ClientID == "" {
			return nil, fmt.Errorf("providers: client id is required for provider %q", providerID)
		}
		if endpoint.TokenRequestTimeout <= 0 {
			endpoint.TokenRequestTimeout = 30 * time.Second
		}
		cleaned[providerID] = endpoint
	}
	refresher := &OAuth2Refresher{
		endpoints:  cleaned,
		httpClient: &http.Client{},
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(refresher)
	}
	return refresher, nil
}

type tokenEndpointPayload struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	Scope            string `json:"scope"`
	ErrorCode        string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Refresh performs the refresh_token grant. An invalid_grant response comes
// back as a fatal auth error so the vault parks the credential; transport
// and 5xx failures come back transient so the caller retries.
func (r *OAuth2Refresher) Refresh(ctx context.Context, providerID string, current core.ActiveToken) (core.ActiveToken, error) {
	if r == nil {
		return core.ActiveToken{}, fmt.Errorf("providers: refresher is not configured")
	}
	providerID = strings.ToLower(strings.TrimSpace(providerID))
	endpoint, ok := r.endpoints[providerID]
	if !ok {
		return core.ActiveToken{}, core.NewValidationError("providers: no token endpoint for provider " + providerID)
	}
	refreshToken := strings.TrimSpace(current.RefreshToken)
	if refreshToken == "" {
		return core.ActiveToken{}, core.NewFatalAuthError("providers: re-auth required, no refresh token for provider " + providerID)
	}

	scopes := current.Scopes
	if len(scopes) == 0 {
		scopes = endpoint.Scopes
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	if len(scopes) > 0 {
		form.Set("scope", strings.Join(scopes, " "))
	}

	payload, err := r.fetchToken(ctx, endpoint, form)
	if err != nil {
		return core.ActiveToken{}, err
	}

	refreshed := core.ActiveToken{
		ProviderID:   providerID,
		AccessToken:  strings.TrimSpace(payload.AccessToken),
		RefreshToken: refreshToken,
		TokenType:    normalizeTokenType(payload.TokenType),
		Scopes:       append([]string(nil), scopes...),
	}
	if next := strings.TrimSpace(payload.RefreshToken); next != "" {
		refreshed.RefreshToken = next
	}
	if granted := parseScopeList(payload.Scope); len(granted) > 0 {
		refreshed.Scopes = granted
	}
	if payload.ExpiresIn > 0 {
		expiresAt := r.now().UTC().Add(time.Duration(payload.ExpiresIn) * time.Second)
		refreshed.ExpiresAt = &expiresAt
	}
	return refreshed, nil
}

func (r *OAuth2Refresher) fetchToken(ctx context.Context, endpoint ProviderEndpoint, form url.Values) (tokenEndpointPayload, error) {
	form.Set("client_id", endpoint.ClientID)
	if endpoint.ClientSecretInBody && endpoint.ClientSecret != "" {
		form.Set("client_secret", endpoint.ClientSecret)
	}

	requestCtx, cancel := context.WithTimeout(ctx, endpoint.TokenRequestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(
		requestCtx,
		http.MethodPost,
		endpoint.TokenURL,
		strings.NewReader(form.Encode()),
	)
	if err != nil {
		return tokenEndpointPayload{}, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")
	if !endpoint.ClientSecretInBody && endpoint.ClientSecret != "" {
		httpReq.SetBasicAuth(endpoint.ClientID, endpoint.ClientSecret)
	}

	response, err := r.httpClient.Do(httpReq)
	if err != nil {
		return tokenEndpointPayload{}, core.NewTransientProviderError("providers: token request failed: " + err.Error())
	}
	defer response.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(response.Body, maxTokenResponseBodyBytes+1))
	if readErr != nil {
		return tokenEndpointPayload{}, core.NewTransientProviderError("providers: read token response: " + readErr.Error())
	}
	if int64(len(body)) > maxTokenResponseBodyBytes {
		return tokenEndpointPayload{}, fmt.Errorf("providers: token response exceeds %d bytes", maxTokenResponseBodyBytes)
	}

	// Error responses are not always JSON; an HTML 401 page still has to
	// classify by status code instead of surfacing a bare decode error.
	var payload tokenEndpointPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		if response.StatusCode >= http.StatusOK && response.StatusCode < http.StatusMultipleChoices {
			return tokenEndpointPayload{}, fmt.Errorf("providers: decode token response: %w", err)
		}
		payload = tokenEndpointPayload{}
	}

	switch {
	case response.StatusCode >= http.StatusInternalServerError:
		return tokenEndpointPayload{}, core.NewTransientProviderError(
			fmt.Sprintf("providers: token endpoint error (%d): %s", response.StatusCode, describeTokenError(payload)),
		)
	case strings.EqualFold(strings.TrimSpace(payload.ErrorCode), "invalid_grant"):
		return tokenEndpointPayload{}, core.NewFatalAuthError("providers: invalid_grant: " + describeTokenError(payload))
	case response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices:
		return tokenEndpointPayload{}, core.NewRecoverableAuthError(
			fmt.Sprintf("providers: token endpoint error (%d): %s", response.StatusCode, describeTokenError(payload)),
		)
	case payload.ErrorCode != "":
		return tokenEndpointPayload{}, core.NewRecoverableAuthError("providers: token endpoint error: " + describeTokenError(payload))
	}
	if strings.TrimSpace(payload.AccessToken) == "" {
		return tokenEndpointPayload{}, core.NewRecoverableAuthError("providers: token endpoint response missing access token")
	}
	return payload, nil
}

func describeTokenError(payload tokenEndpointPayload) string {
	if description := strings.TrimSpace(payload.ErrorDescription); description != "" {
		return description
	}
	if code := strings.TrimSpace(payload.ErrorCode); code != "" {
		return code
	}
	return "unknown error"
}

func normalizeTokenType(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "Bearer"
	}
	if strings.EqualFold(value, "bearer") {
		return "Bearer"
	}
	return value
}

func parseScopeList(value string) []string {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return nil
	}
	out := make([]string, 0, len(fields))
	seen := map[string]struct{}{}
	for _, field := range fields {
		if _, dup := seen[field]; dup {
			continue
		}
		seen[field] = struct{}{}
		out = append(out, field)
	}
	return out
}

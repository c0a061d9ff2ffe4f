package vault

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-syncbridge/core"
	"github.com/google/uuid"
)

const DefaultRefreshMargin = 60 * time.Second

// TokenRefresher exchanges the current refresh token for a new grant at the
// provider's token endpoint.
type TokenRefresher interface {
	Refresh(ctx context.Context, providerID string, current core.ActiveToken) (core.ActiveToken, error)
}

type Option func(*Vault)

// Vault is the only component that reads or writes provider credentials.
// Callers get short-lived decrypted tokens; at-rest payloads stay sealed.
type Vault struct {
	store          core.CredentialStore
	refresher      TokenRefresher
	secretProvider core.SecretProvider
	codec          core.CredentialCodec
	observer       *core.Observer
	sink           core.ObservabilitySink
	refreshMargin  time.Duration
	now            func() time.Time

	mu       sync.Mutex
	inflight map[string]*refreshCall
}

// refreshCall fans one in-progress refresh out to every concurrent waiter.
type refreshCall struct {
	done  chan struct{}
	token core.ActiveToken
	err   error
}

func WithLogger(logger core.Logger) Option {
	return func(v *Vault) {
		if v.observer == nil {
			v.observer = &core.Observer{}
		}
		v.observer.Logger = logger
	}
}

func WithMetricsRecorder(recorder core.MetricsRecorder) Option {
	return func(v *Vault) {
		if v.observer == nil {
			v.observer = &core.Observer{}
		}
		v.observer.MetricsRecorder = recorder
	}
}

func WithSecretProvider(provider core.SecretProvider) Option {
	return func(v *Vault) {
		v.secretProvider = provider
	}
}

func WithCodec(codec core.CredentialCodec) Option {
	return func(v *Vault) {
		if codec != nil {
			v.codec = codec
		}
	}
}

func WithSink(sink core.ObservabilitySink) Option {
	return func(v *Vault) {
		if sink != nil {
			v.sink = sink
		}
	}
}

func WithRefreshMargin(margin time.Duration) Option {
	return func(v *Vault) {
		if margin > 0 {
			v.refreshMargin = margin
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(v *Vault) {
		if now != nil {
			v.now = now
		}
	}
}

func NewVault(store core.CredentialStore, refresher TokenRefresher, opts ...Option) (*Vault, error) {
	if store == nil {
		return nil, fmt.Errorf("vault: credential store is required")
	}
	if refresher == nil {
		return nil, fmt.Errorf("vault: token refresher is required")
	}
	vault := &Vault{
		store:         store,
		refresher:     refresher,
		codec:         JSONTokenCodec{},
		observer:      core.NewObserver(nil, core.NopMetricsRecorder{}, "syncbridge"),
		sink:          core.NopSink{},
		refreshMargin: DefaultRefreshMargin,
		now:           func() time.Time { return time.Now().UTC() },
		inflight:      make(map[string]*refreshCall),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(vault)
	}
	if vault.secretProvider == nil {
		return nil, fmt.Errorf("vault: secret provider is required")
	}
	return vault, nil
}

// GetValidToken returns a token usable for at least the refresh margin,
// refreshing through a single flight per provider when the stored one is
// stale. Distinct providers refresh independently.
func (v *Vault) GetValidToken(ctx context.Context, providerID string) (core.ActiveToken, error) {
	if v == nil || v.store == nil {
		return core.ActiveToken{}, fmt.Errorf("vault: vault is not configured")
	}
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return core.ActiveToken{}, core.NewValidationError("vault: provider id is required")
	}

	token, fresh, err := v.loadToken(ctx, providerID)
	if err != nil {
		return core.ActiveToken{}, err
	}
	if fresh {
		return token, nil
	}
	return v.refreshSingleFlight(ctx, providerID, token)
}

// Reauthorize stores a brand new grant obtained out of band and reactivates
// the credential. This is the only way out of needs_reauth.
func (v *Vault) Reauthorize(ctx context.Context, providerID string, token core.ActiveToken) (core.ProviderCredential, error) {
	if v == nil || v.store == nil {
		return core.ProviderCredential{}, fmt.Errorf("vault: vault is not configured")
	}
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return core.ProviderCredential{}, core.NewValidationError("vault: provider id is required")
	}
	if strings.TrimSpace(token.AccessToken) == "" {
		return core.ProviderCredential{}, core.NewValidationError("vault: access token is required")
	}

	startedAt := v.now()
	token.ProviderID = providerID

	rotation := 1
	if current, err := v.store.GetActiveByProvider(ctx, providerID); err == nil {
		rotation = current.RotationVersion + 1
	}
	token.RotationVersion = rotation

	saved, err := v.persistToken(ctx, providerID, token)
	v.observer.ObserveOperation(ctx, startedAt, "credential_reauthorize", err, map[string]any{
		"provider_id": providerID,
	})
	if err != nil {
		return core.ProviderCredential{}, err
	}
	v.emit(ctx, "reauthorized", providerID, "", nil)
	return saved, nil
}

// loadToken returns the decrypted active token and whether it is still usable
// for at least the refresh margin.
func (v *Vault) loadToken(ctx context.Context, providerID string) (core.ActiveToken, bool, error) {
	credential, err := v.store.GetActiveByProvider(ctx, providerID)
	if err != nil {
		return core.ActiveToken{}, false, err
	}
	if credential.Status == core.CredentialStatusNeedsReauth {
		return core.ActiveToken{}, false, core.NewFatalAuthError(
			"vault: provider " + providerID + " needs re-authorization: " + credential.StatusReason)
	}
	if credential.Status == core.CredentialStatusRevoked {
		return core.ActiveToken{}, false, core.NewFatalAuthError(
			"vault: provider " + providerID + " credential is revoked")
	}

	plaintext, err := v.secretProvider.Decrypt(ctx, credential.EncryptedPayload)
	if err != nil {
		return core.ActiveToken{}, false, fmt.Errorf("vault: decrypt credential: %w", err)
	}
	token, err := v.codec.Decode(plaintext)
	if err != nil {
		return core.ActiveToken{}, false, err
	}
	token.ProviderID = providerID
	token.RotationVersion = credential.RotationVersion

	if token.ExpiresAt == nil {
		return token, true, nil
	}
	usableUntil := v.now().Add(v.refreshMargin)
	return token, token.ExpiresAt.After(usableUntil), nil
}

func (v *Vault) refreshSingleFlight(ctx context.Context, providerID string, current core.ActiveToken) (core.ActiveToken, error) {
	v.mu.Lock()
	if call, ok := v.inflight[providerID]; ok {
		v.mu.Unlock()
		select {
		case <-call.done:
			return call.token, call.err
		case <-ctx.Done():
			return core.ActiveToken{}, ctx.Err()
		}
	}
	call := &refreshCall{done: make(chan struct{})}
	v.inflight[providerID] = call
	v.mu.Unlock()

	call.token, call.err = v.refresh(ctx, providerID, current)

	v.mu.Lock()
	delete(v.inflight, providerID)
	v.mu.Unlock()
	close(call.done)

	return call.token, call.err
}

func (v *Vault) refresh(ctx context.Context, providerID string, current core.ActiveToken) (core.ActiveToken, error) {
	startedAt := v.now()

	refreshed, err := v.refresher.Refresh(ctx, providerID, current)
	if err != nil {
		v.observer.ObserveOperation(ctx, startedAt, "credential_refresh", err, map[string]any{
			"provider_id": providerID,
		})
		if core.IsFatalAuthError(err) {
			if statusErr := v.store.UpdateStatus(ctx, providerID, core.CredentialStatusNeedsReauth, err.Error()); statusErr != nil {
				v.observer.LogError(ctx, "credential status update failed", map[string]any{
					"provider_id": providerID,
					"error":       statusErr.Error(),
				})
			}
			v.emit(ctx, "needs_reauth", providerID, err.Error(), nil)
			return core.ActiveToken{}, core.NewFatalAuthError("vault: refresh rejected for provider " + providerID + ": " + err.Error())
		}
		return core.ActiveToken{}, core.NewRecoverableAuthError("vault: refresh failed for provider " + providerID + ": " + err.Error())
	}

	refreshed.ProviderID = providerID
	if strings.TrimSpace(refreshed.RefreshToken) == "" {
		refreshed.RefreshToken = current.RefreshToken
	}
	refreshed.RotationVersion = current.RotationVersion + 1

	if _, err := v.persistToken(ctx, providerID, refreshed); err != nil {
		if core.IsRotationReplay(err) {
			// Another writer advanced the rotation first; trust its result.
			token, fresh, loadErr := v.loadToken(ctx, providerID)
			if loadErr == nil && fresh {
				v.observer.ObserveOperation(ctx, startedAt, "credential_refresh", nil, map[string]any{
					"provider_id": providerID,
					"superseded":  true,
				})
				return token, nil
			}
			v.observer.ObserveOperation(ctx, startedAt, "credential_refresh", err, map[string]any{
				"provider_id": providerID,
			})
			return core.ActiveToken{}, err
		}
		v.observer.ObserveOperation(ctx, startedAt, "credential_refresh", err, map[string]any{
			"provider_id": providerID,
		})
		return core.ActiveToken{}, err
	}

	v.observer.ObserveOperation(ctx, startedAt, "credential_refresh", nil, map[string]any{
		"provider_id":      providerID,
		"rotation_version": refreshed.RotationVersion,
	})
	v.emit(ctx, "refreshed", providerID, "", map[string]any{
		"rotation_version": refreshed.RotationVersion,
	})
	return refreshed, nil
}

func (v *Vault) persistToken(ctx context.Context, providerID string, token core.ActiveToken) (core.ProviderCredential, error) {
	encoded, err := v.codec.Encode(token)
	if err != nil {
		return core.ProviderCredential{}, err
	}
	sealed, err := v.secretProvider.Encrypt(ctx, encoded)
	if err != nil {
		return core.ProviderCredential{}, fmt.Errorf("vault: encrypt credential: %w", err)
	}
	return v.store.SaveNewVersion(ctx, core.SaveCredentialInput{
		ProviderID:       providerID,
		EncryptedPayload: sealed,
		PayloadFormat:    v.codec.Format(),
		Scopes:           append([]string(nil), token.Scopes...),
		ExpiresAt:        token.ExpiresAt,
		RotationVersion:  token.RotationVersion,
		Status:           core.CredentialStatusActive,
	})
}

func (v *Vault) emit(ctx context.Context, name, providerID, reason string, fields map[string]any) {
	if v == nil || v.sink == nil {
		return
	}
	v.sink.Emit(ctx, core.BridgeEvent{
		ID:         uuid.NewString(),
		Name:       name,
		ProviderID: providerID,
		Reason:     reason,
		OccurredAt: v.now(),
		Fields:     fields,
	})
}

var _ core.TokenSource = (*Vault)(nil)

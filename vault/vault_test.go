package vault

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-syncbridge/core"
)

type memoryCredentialStore struct {
	mu    sync.Mutex
	byPID map[string]core.ProviderCredential
	saves int
}

func newMemoryCredentialStore() *memoryCredentialStore {
	return &memoryCredentialStore{byPID: map[string]core.ProviderCredential{}}
}

func (s *memoryCredentialStore) SaveNewVersion(_ context.Context, in core.SaveCredentialInput) (core.ProviderCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.byPID[in.ProviderID]
	if ok && in.RotationVersion <= current.RotationVersion {
		return core.ProviderCredential{}, core.ErrRotationReplay
	}
	record := core.ProviderCredential{
		ID:               fmt.Sprintf("cred-%d", current.Version+1),
		ProviderID:       in.ProviderID,
		Version:          current.Version + 1,
		RotationVersion:  in.RotationVersion,
		EncryptedPayload: append([]byte(nil), in.EncryptedPayload...),
		PayloadFormat:    in.PayloadFormat,
		Scopes:           append([]string(nil), in.Scopes...),
		ExpiresAt:        in.ExpiresAt,
		Status:           in.Status,
		CreatedAt:        time.Now().UTC(),
		UpdatedAt:        time.Now().UTC(),
	}
	s.byPID[in.ProviderID] = record
	s.saves++
	return record, nil
}

func (s *memoryCredentialStore) GetActiveByProvider(_ context.Context, providerID string) (core.ProviderCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.byPID[providerID]
	if !ok {
		return core.ProviderCredential{}, core.ErrCredentialNotFound
	}
	return record, nil
}

func (s *memoryCredentialStore) UpdateStatus(_ context.Context, providerID string, status core.CredentialStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.byPID[providerID]
	if !ok {
		return core.ErrCredentialNotFound
	}
	record.Status = status
	record.StatusReason = reason
	s.byPID[providerID] = record
	return nil
}

type stubSecretProvider struct{}

func (stubSecretProvider) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	return append([]byte("sealed:"), plaintext...), nil
}

func (stubSecretProvider) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	return bytes.TrimPrefix(ciphertext, []byte("sealed:")), nil
}

type stubRefresher struct {
	calls int64
	delay time.Duration
	err   error
	token core.ActiveToken
}

func (r *stubRefresher) Refresh(_ context.Context, providerID string, _ core.ActiveToken) (core.ActiveToken, error) {
	atomic.AddInt64(&r.calls, 1)
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if r.err != nil {
		return core.ActiveToken{}, r.err
	}
	token := r.token
	token.ProviderID = providerID
	return token, nil
}

func (r *stubRefresher) callCount() int64 {
	return atomic.LoadInt64(&r.calls)
}

func seedCredential(t *testing.T, store *memoryCredentialStore, providerID string, expiresIn time.Duration) {
	t.Helper()
	expiresAt := time.Now().UTC().Add(expiresIn)
	token := core.ActiveToken{
		ProviderID:      providerID,
		AccessToken:     "at-seed",
		RefreshToken:    "rt-seed",
		ExpiresAt:       &expiresAt,
		RotationVersion: 1,
	}
	encoded, err := JSONTokenCodec{}.Encode(token)
	if err != nil {
		t.Fatalf("encode seed token: %v", err)
	}
	sealed, _ := stubSecretProvider{}.Encrypt(context.Background(), encoded)
	if _, err := store.SaveNewVersion(context.Background(), core.SaveCredentialInput{
		ProviderID:       providerID,
		EncryptedPayload: sealed,
		PayloadFormat:    TokenPayloadFormatJSONV1,
		ExpiresAt:        &expiresAt,
		RotationVersion:  1,
		Status:           core.CredentialStatusActive,
	}); err != nil {
		t.Fatalf("seed credential: %v", err)
	}
}

func newTestVault(t *testing.T, store *memoryCredentialStore, refresher TokenRefresher) *Vault {
	t.Helper()
	vault, err := NewVault(store, refresher,
		WithSecretProvider(stubSecretProvider{}),
		WithRefreshMargin(60*time.Second),
	)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	return vault
}

func TestGetValidTokenReturnsFreshTokenWithoutRefresh(t *testing.T) {
	store := newMemoryCredentialStore()
	seedCredential(t, store, "platform_a", time.Hour)
	refresher := &stubRefresher{}
	vault := newTestVault(t, store, refresher)

	token, err := vault.GetValidToken(context.Background(), "platform_a")
	if err != nil {
		t.Fatalf("get valid token: %v", err)
	}
	if token.AccessToken != "at-seed" {
		t.Fatalf("access token = %q", token.AccessToken)
	}
	if refresher.callCount() != 0 {
		t.Fatalf("refresher should not run for a fresh token, got %d calls", refresher.callCount())
	}
}

func TestGetValidTokenRefreshesWithinMargin(t *testing.T) {
	store := newMemoryCredentialStore()
	seedCredential(t, store, "platform_a", 30*time.Second)
	newExpiry := time.Now().UTC().Add(time.Hour)
	refresher := &stubRefresher{token: core.ActiveToken{
		AccessToken:  "at-new",
		RefreshToken: "rt-new",
		ExpiresAt:    &newExpiry,
	}}
	vault := newTestVault(t, store, refresher)

	token, err := vault.GetValidToken(context.Background(), "platform_a")
	if err != nil {
		t.Fatalf("get valid token: %v", err)
	}
	if token.AccessToken != "at-new" {
		t.Fatalf("expected refreshed token, got %q", token.AccessToken)
	}
	if token.RotationVersion != 2 {
		t.Fatalf("rotation version = %d", token.RotationVersion)
	}

	stored, err := store.GetActiveByProvider(context.Background(), "platform_a")
	if err != nil {
		t.Fatalf("stored credential: %v", err)
	}
	if stored.Version != 2 {
		t.Fatalf("expected a new credential version, got %d", stored.Version)
	}
	if stored.RotationVersion != 2 {
		t.Fatalf("stored rotation version = %d", stored.RotationVersion)
	}
}

func TestConcurrentCallersShareOneRefresh(t *testing.T) {
	store := newMemoryCredentialStore()
	seedCredential(t, store, "platform_a", 10*time.Second)
	newExpiry := time.Now().UTC().Add(time.Hour)
	refresher := &stubRefresher{
		delay: 50 * time.Millisecond,
		token: core.ActiveToken{AccessToken: "at-shared", ExpiresAt: &newExpiry},
	}
	vault := newTestVault(t, store, refresher)

	const callers = 10
	var wg sync.WaitGroup
	tokens := make([]core.ActiveToken, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = vault.GetValidToken(context.Background(), "platform_a")
		}(i)
	}
	wg.Wait()

	if got := refresher.callCount(); got != 1 {
		t.Fatalf("expected exactly one refresh, got %d", got)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if tokens[i].AccessToken != "at-shared" {
			t.Fatalf("caller %d token = %q", i, tokens[i].AccessToken)
		}
	}
}

func TestDistinctProvidersRefreshIndependently(t *testing.T) {
	store := newMemoryCredentialStore()
	seedCredential(t, store, "platform_a", 10*time.Second)
	seedCredential(t, store, "platform_b", 10*time.Second)
	newExpiry := time.Now().UTC().Add(time.Hour)
	refresher := &stubRefresher{token: core.ActiveToken{AccessToken: "at-new", ExpiresAt: &newExpiry}}
	vault := newTestVault(t, store, refresher)

	if _, err := vault.GetValidToken(context.Background(), "platform_a"); err != nil {
		t.Fatalf("platform_a: %v", err)
	}
	if _, err := vault.GetValidToken(context.Background(), "platform_b"); err != nil {
		t.Fatalf("platform_b: %v", err)
	}
	if got := refresher.callCount(); got != 2 {
		t.Fatalf("expected one refresh per provider, got %d", got)
	}
}

func TestFatalRefreshMarksNeedsReauth(t *testing.T) {
	store := newMemoryCredentialStore()
	seedCredential(t, store, "platform_a", 10*time.Second)
	refresher := &stubRefresher{err: errors.New("token endpoint: invalid_grant")}
	vault := newTestVault(t, store, refresher)

	_, err := vault.GetValidToken(context.Background(), "platform_a")
	if !core.IsFatalAuthError(err) {
		t.Fatalf("expected fatal auth error, got %v", err)
	}

	stored, _ := store.GetActiveByProvider(context.Background(), "platform_a")
	if stored.Status != core.CredentialStatusNeedsReauth {
		t.Fatalf("status = %s", stored.Status)
	}

	// Subsequent calls fail fast without hitting the token endpoint again.
	before := refresher.callCount()
	if _, err := vault.GetValidToken(context.Background(), "platform_a"); !core.IsFatalAuthError(err) {
		t.Fatalf("expected fatal auth error on marked credential, got %v", err)
	}
	if refresher.callCount() != before {
		t.Fatal("marked credential should not trigger another refresh")
	}
}

func TestRecoverableRefreshDoesNotMarkCredential(t *testing.T) {
	store := newMemoryCredentialStore()
	seedCredential(t, store, "platform_a", 10*time.Second)
	refresher := &stubRefresher{err: errors.New("dial tcp: i/o timeout")}
	vault := newTestVault(t, store, refresher)

	_, err := vault.GetValidToken(context.Background(), "platform_a")
	if err == nil {
		t.Fatal("expected error")
	}
	if core.IsFatalAuthError(err) {
		t.Fatalf("timeout should stay recoverable, got %v", err)
	}
	if got := core.ClassifyFailure(err); got != core.FailureReasonAuthRetry {
		t.Fatalf("classification = %s", got)
	}

	stored, _ := store.GetActiveByProvider(context.Background(), "platform_a")
	if stored.Status != core.CredentialStatusActive {
		t.Fatalf("status = %s", stored.Status)
	}
}

func TestReauthorizeReactivatesCredential(t *testing.T) {
	store := newMemoryCredentialStore()
	seedCredential(t, store, "platform_a", 10*time.Second)
	refresher := &stubRefresher{err: errors.New("invalid_grant")}
	vault := newTestVault(t, store, refresher)

	if _, err := vault.GetValidToken(context.Background(), "platform_a"); !core.IsFatalAuthError(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}

	expiry := time.Now().UTC().Add(time.Hour)
	saved, err := vault.Reauthorize(context.Background(), "platform_a", core.ActiveToken{
		AccessToken:  "at-fresh",
		RefreshToken: "rt-fresh",
		ExpiresAt:    &expiry,
	})
	if err != nil {
		t.Fatalf("reauthorize: %v", err)
	}
	if saved.Status != core.CredentialStatusActive {
		t.Fatalf("status = %s", saved.Status)
	}
	if saved.RotationVersion != 2 {
		t.Fatalf("rotation version = %d", saved.RotationVersion)
	}

	token, err := vault.GetValidToken(context.Background(), "platform_a")
	if err != nil {
		t.Fatalf("get valid token after reauthorize: %v", err)
	}
	if token.AccessToken != "at-fresh" {
		t.Fatalf("access token = %q", token.AccessToken)
	}
}

func TestGetValidTokenRequiresProviderID(t *testing.T) {
	vault := newTestVault(t, newMemoryCredentialStore(), &stubRefresher{})
	_, err := vault.GetValidToken(context.Background(), "  ")
	if err == nil || !strings.Contains(err.Error(), "provider id is required") {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestStoredPayloadStaysSealed(t *testing.T) {
	store := newMemoryCredentialStore()
	seedCredential(t, store, "platform_a", time.Hour)
	stored, _ := store.GetActiveByProvider(context.Background(), "platform_a")
	if !bytes.HasPrefix(stored.EncryptedPayload, []byte("sealed:")) {
		t.Fatalf("payload should be sealed at rest: %s", stored.EncryptedPayload)
	}
}

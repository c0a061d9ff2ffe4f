package command

import (
	"context"
	"testing"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-syncbridge/core"
	"github.com/goliatone/go-syncbridge/intake"
)

type stubIngestService struct {
	ingestFn func(ctx context.Context, req intake.IngestRequest) (intake.IngestResult, error)
}

func (s stubIngestService) Ingest(ctx context.Context, req intake.IngestRequest) (intake.IngestResult, error) {
	return s.ingestFn(ctx, req)
}

type stubCredentialService struct {
	getTokenFn    func(ctx context.Context, providerID string) (core.ActiveToken, error)
	reauthorizeFn func(ctx context.Context, providerID string, token core.ActiveToken) (core.ProviderCredential, error)
}

func (s stubCredentialService) GetValidToken(ctx context.Context, providerID string) (core.ActiveToken, error) {
	return s.getTokenFn(ctx, providerID)
}

func (s stubCredentialService) Reauthorize(ctx context.Context, providerID string, token core.ActiveToken) (core.ProviderCredential, error) {
	return s.reauthorizeFn(ctx, providerID, token)
}

type stubDeadLetterService struct {
	listFn   func(ctx context.Context, limit int) ([]core.WorkItem, error)
	replayFn func(ctx context.Context, id string) error
}

func (s stubDeadLetterService) ListDeadLettered(ctx context.Context, limit int) ([]core.WorkItem, error) {
	return s.listFn(ctx, limit)
}

func (s stubDeadLetterService) ReplayDeadLetter(ctx context.Context, id string) error {
	return s.replayFn(ctx, id)
}

func TestIngestWebhookCommandDelegatesAndStoresResult(t *testing.T) {
	expected := intake.IngestResult{EventID: "evt-1"}
	called := false

	svc := stubIngestService{
		ingestFn: func(_ context.Context, req intake.IngestRequest) (intake.IngestResult, error) {
			called = true
			if req.SourceID != "platform_a" || req.DedupeKey != "delivery-1" {
				t.Fatalf("unexpected ingest request: %#v", req)
			}
			return expected, nil
		},
	}

	cmd := NewIngestWebhookCommand(svc)
	collector := gocmd.NewResult[intake.IngestResult]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)

	err := cmd.Execute(ctx, IngestWebhookMessage{
		SourceID:  "platform_a",
		DedupeKey: "delivery-1",
		Payload:   []byte(`{"entity_id":"a-1"}`),
	})
	if err != nil {
		t.Fatalf("execute ingest: %v", err)
	}
	if !called {
		t.Fatalf("expected ingest service invocation")
	}
	result, ok := collector.Load()
	if !ok {
		t.Fatalf("expected result to be stored")
	}
	if result.EventID != expected.EventID {
		t.Fatalf("unexpected result: %#v", result)
	}
}

func TestCredentialCommandsDelegateToVault(t *testing.T) {
	t.Run("refresh", func(t *testing.T) {
		svc := stubCredentialService{
			getTokenFn: func(_ context.Context, providerID string) (core.ActiveToken, error) {
				if providerID != "platform_a" {
					t.Fatalf("unexpected provider %q", providerID)
				}
				return core.ActiveToken{ProviderID: providerID, AccessToken: "access-2"}, nil
			},
		}
		cmd := NewRefreshCredentialCommand(svc)
		collector := gocmd.NewResult[core.ActiveToken]()
		ctx := gocmd.ContextWithResult(context.Background(), collector)
		if err := cmd.Execute(ctx, RefreshCredentialMessage{ProviderID: "platform_a"}); err != nil {
			t.Fatalf("execute refresh: %v", err)
		}
		token, ok := collector.Load()
		if !ok || token.AccessToken != "access-2" {
			t.Fatalf("expected refreshed token, got ok=%v token=%#v", ok, token)
		}
	})

	t.Run("reauthorize", func(t *testing.T) {
		called := false
		svc := stubCredentialService{
			reauthorizeFn: func(_ context.Context, providerID string, token core.ActiveToken) (core.ProviderCredential, error) {
				called = true
				if providerID != "platform_b" || token.AccessToken != "granted" {
					t.Fatalf("unexpected reauthorize input: %q %#v", providerID, token)
				}
				return core.ProviderCredential{ProviderID: providerID, Status: core.CredentialStatusActive}, nil
			},
		}
		cmd := NewReauthorizeCommand(svc)
		err := cmd.Execute(context.Background(), ReauthorizeMessage{
			ProviderID: "platform_b",
			Token:      core.ActiveToken{AccessToken: "granted"},
		})
		if err != nil {
			t.Fatalf("execute reauthorize: %v", err)
		}
		if !called {
			t.Fatalf("expected reauthorize invocation")
		}
	})
}

func TestDeadLetterCommandsDelegateToScheduler(t *testing.T) {
	t.Run("replay", func(t *testing.T) {
		called := false
		svc := stubDeadLetterService{
			replayFn: func(_ context.Context, id string) error {
				called = true
				if id != "item-1" {
					t.Fatalf("unexpected item id %q", id)
				}
				return nil
			},
		}
		cmd := NewReplayDeadLetterCommand(svc)
		if err := cmd.Execute(context.Background(), ReplayDeadLetterMessage{ItemID: "item-1"}); err != nil {
			t.Fatalf("execute replay: %v", err)
		}
		if !called {
			t.Fatalf("expected replay invocation")
		}
	})

	t.Run("list", func(t *testing.T) {
		svc := stubDeadLetterService{
			listFn: func(_ context.Context, limit int) ([]core.WorkItem, error) {
				if limit != 25 {
					t.Fatalf("unexpected limit %d", limit)
				}
				return []core.WorkItem{{ID: "item-1"}}, nil
			},
		}
		cmd := NewListDeadLettersCommand(svc)
		collector := gocmd.NewResult[[]core.WorkItem]()
		ctx := gocmd.ContextWithResult(context.Background(), collector)
		if err := cmd.Execute(ctx, ListDeadLettersMessage{Limit: 25}); err != nil {
			t.Fatalf("execute list: %v", err)
		}
		items, ok := collector.Load()
		if !ok || len(items) != 1 || items[0].ID != "item-1" {
			t.Fatalf("unexpected dead-letter list: ok=%v items=%#v", ok, items)
		}
	})
}

func TestCommandValidation(t *testing.T) {
	cases := []struct {
		name    string
		message interface{ Validate() error }
		wantErr bool
	}{
		{"ingest missing source", IngestWebhookMessage{Payload: []byte("{}")}, true},
		{"ingest missing payload", IngestWebhookMessage{SourceID: "platform_a"}, true},
		{"ingest valid", IngestWebhookMessage{SourceID: "platform_a", Payload: []byte("{}")}, false},
		{"refresh missing provider", RefreshCredentialMessage{}, true},
		{"reauthorize missing token", ReauthorizeMessage{ProviderID: "platform_a"}, true},
		{"replay missing id", ReplayDeadLetterMessage{}, true},
		{"list negative limit", ListDeadLettersMessage{Limit: -1}, true},
		{"list zero limit", ListDeadLettersMessage{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.message.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestCommandsRequireService(t *testing.T) {
	var ingest *IngestWebhookCommand
	if err := ingest.Execute(context.Background(), IngestWebhookMessage{}); err == nil {
		t.Fatalf("expected dependency error")
	}
	cmd := NewReplayDeadLetterCommand(nil)
	if err := cmd.Execute(context.Background(), ReplayDeadLetterMessage{ItemID: "item-1"}); err == nil {
		t.Fatalf("expected dependency error")
	}
}

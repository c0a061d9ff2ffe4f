package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-syncbridge/core"
	"github.com/goliatone/go-syncbridge/intake"
)

// IngestService is the intake surface the webhook command drives.
type IngestService interface {
	Ingest(ctx context.Context, req intake.IngestRequest) (intake.IngestResult, error)
}

// CredentialService is the vault surface the credential commands drive.
type CredentialService interface {
	GetValidToken(ctx context.Context, providerID string) (core.ActiveToken, error)
	Reauthorize(ctx context.Context, providerID string, token core.ActiveToken) (core.ProviderCredential, error)
}

// DeadLetterService is the scheduler surface the operator commands drive.
type DeadLetterService interface {
	ListDeadLettered(ctx context.Context, limit int) ([]core.WorkItem, error)
	ReplayDeadLetter(ctx context.Context, id string) error
}

type IngestWebhookCommand struct {
	service IngestService
}

func NewIngestWebhookCommand(service IngestService) *IngestWebhookCommand {
	return &IngestWebhookCommand{service: service}
}

func (c *IngestWebhookCommand) Execute(ctx context.Context, msg IngestWebhookMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: ingest service is required")
	}
	out, err := c.service.Ingest(ctx, intake.IngestRequest{
		SourceID:  msg.SourceID,
		DedupeKey: msg.DedupeKey,
		Signature: msg.Signature,
		Payload:   msg.Payload,
	})
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type RefreshCredentialCommand struct {
	service CredentialService
}

func NewRefreshCredentialCommand(service CredentialService) *RefreshCredentialCommand {
	return &RefreshCredentialCommand{service: service}
}

func (c *RefreshCredentialCommand) Execute(ctx context.Context, msg RefreshCredentialMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: credential service is required")
	}
	out, err := c.service.GetValidToken(ctx, msg.ProviderID)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type ReauthorizeCommand struct {
	service CredentialService
}

func NewReauthorizeCommand(service CredentialService) *ReauthorizeCommand {
	return &ReauthorizeCommand{service: service}
}

func (c *ReauthorizeCommand) Execute(ctx context.Context, msg ReauthorizeMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: credential service is required")
	}
	out, err := c.service.Reauthorize(ctx, msg.ProviderID, msg.Token)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type ReplayDeadLetterCommand struct {
	service DeadLetterService
}

func NewReplayDeadLetterCommand(service DeadLetterService) *ReplayDeadLetterCommand {
	return &ReplayDeadLetterCommand{service: service}
}

func (c *ReplayDeadLetterCommand) Execute(ctx context.Context, msg ReplayDeadLetterMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: dead-letter service is required")
	}
	return c.service.ReplayDeadLetter(ctx, msg.ItemID)
}

type ListDeadLettersCommand struct {
	service DeadLetterService
}

func NewListDeadLettersCommand(service DeadLetterService) *ListDeadLettersCommand {
	return &ListDeadLettersCommand{service: service}
}

func (c *ListDeadLettersCommand) Execute(ctx context.Context, msg ListDeadLettersMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: dead-letter service is required")
	}
	out, err := c.service.ListDeadLettered(ctx, msg.Limit)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}

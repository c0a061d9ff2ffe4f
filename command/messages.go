package command

import (
	"fmt"
	"strings"

	"github.com/goliatone/go-syncbridge/core"
)

const (
	TypeIngestWebhook     = "syncbridge.command.webhook.ingest"
	TypeRefreshCredential = "syncbridge.command.credential.refresh"
	TypeReauthorize       = "syncbridge.command.credential.reauthorize"
	TypeReplayDeadLetter  = "syncbridge.command.queue.replay"
	TypeListDeadLetters   = "syncbridge.command.queue.list_dead"
)

type IngestWebhookMessage struct {
	SourceID  string
	DedupeKey string
	Signature string
	Payload   []byte
}

func (IngestWebhookMessage) Type() string { return TypeIngestWebhook }

func (m IngestWebhookMessage) Validate() error {
	if strings.TrimSpace(m.SourceID) == "" {
		return fmt.Errorf("command: source id is required")
	}
	if len(m.Payload) == 0 {
		return fmt.Errorf("command: payload is required")
	}
	return nil
}

type RefreshCredentialMessage struct {
	ProviderID string
}

func (RefreshCredentialMessage) Type() string { return TypeRefreshCredential }

func (m RefreshCredentialMessage) Validate() error {
	if strings.TrimSpace(m.ProviderID) == "" {
		return fmt.Errorf("command: provider id is required")
	}
	return nil
}

type ReauthorizeMessage struct {
	ProviderID string
	Token      core.ActiveToken
}

func (ReauthorizeMessage) Type() string { return TypeReauthorize }

func (m ReauthorizeMessage) Validate() error {
	if strings.TrimSpace(m.ProviderID) == "" {
		return fmt.Errorf("command: provider id is required")
	}
	if strings.TrimSpace(m.Token.AccessToken) == "" {
		return fmt.Errorf("command: access token is required")
	}
	return nil
}

type ReplayDeadLetterMessage struct {
	ItemID string
}

func (ReplayDeadLetterMessage) Type() string { return TypeReplayDeadLetter }

func (m ReplayDeadLetterMessage) Validate() error {
	if strings.TrimSpace(m.ItemID) == "" {
		return fmt.Errorf("command: work item id is required")
	}
	return nil
}

type ListDeadLettersMessage struct {
	Limit int
}

func (ListDeadLettersMessage) Type() string { return TypeListDeadLetters }

func (m ListDeadLettersMessage) Validate() error {
	if m.Limit < 0 {
		return fmt.Errorf("command: limit must not be negative")
	}
	return nil
}

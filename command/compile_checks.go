package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[IngestWebhookMessage]     = (*IngestWebhookCommand)(nil)
	_ gocmd.Commander[RefreshCredentialMessage] = (*RefreshCredentialCommand)(nil)
	_ gocmd.Commander[ReauthorizeMessage]       = (*ReauthorizeCommand)(nil)
	_ gocmd.Commander[ReplayDeadLetterMessage]  = (*ReplayDeadLetterCommand)(nil)
	_ gocmd.Commander[ListDeadLettersMessage]   = (*ListDeadLettersCommand)(nil)
)

package core

import (
	"context"
	"errors"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	BridgeErrorBadInput          = "BRIDGE_BAD_INPUT"
	BridgeErrorInvalidSignature  = "BRIDGE_INVALID_SIGNATURE"
	BridgeErrorNotFound          = "BRIDGE_NOT_FOUND"
	BridgeErrorAuthRecoverable   = "BRIDGE_AUTH_RECOVERABLE"
	BridgeErrorAuthFatal         = "BRIDGE_AUTH_FATAL"
	BridgeErrorRotationReplay    = "BRIDGE_ROTATION_REPLAY"
	BridgeErrorProviderTransient = "BRIDGE_PROVIDER_TRANSIENT"
	BridgeErrorProviderPermanent = "BRIDGE_PROVIDER_PERMANENT"
	BridgeErrorInternal          = "BRIDGE_INTERNAL_ERROR"
)

// FailureReason tags a scheduler fail with the classification decided at the
// point of occurrence.
type FailureReason string

const (
	FailureReasonValidation   FailureReason = "validation"
	FailureReasonAuthFatal    FailureReason = "auth_fatal"
	FailureReasonAuthRetry    FailureReason = "auth_recoverable"
	FailureReasonTransient    FailureReason = "provider_transient"
	FailureReasonPermanent    FailureReason = "provider_permanent"
	FailureReasonCommitFailed FailureReason = "commit_failed"
	FailureReasonLeaseExpired FailureReason = "lease_expired"
)

// NewValidationError marks input rejected synchronously; never retried.
func NewValidationError(message string) *goerrors.Error {
	return ensureBridgeEnvelope(
		goerrors.New(message, goerrors.CategoryValidation).
			WithTextCode(BridgeErrorBadInput),
	)
}

func NewSignatureError(sourceID string) *goerrors.Error {
	return ensureBridgeEnvelope(
		goerrors.New("core: webhook signature verification failed for source "+sourceID, goerrors.CategoryAuth).
			WithTextCode(BridgeErrorInvalidSignature),
	)
}

// NewFatalAuthError marks a credential unrecoverable without operator
// re-authorization (invalid_grant, revoked scope).
func NewFatalAuthError(message string) *goerrors.Error {
	return ensureBridgeEnvelope(
		goerrors.New(message, goerrors.CategoryAuthz).
			WithTextCode(BridgeErrorAuthFatal),
	)
}

func NewRecoverableAuthError(message string) *goerrors.Error {
	return ensureBridgeEnvelope(
		goerrors.New(message, goerrors.CategoryAuth).
			WithTextCode(BridgeErrorAuthRecoverable),
	)
}

func NewTransientProviderError(message string) *goerrors.Error {
	return ensureBridgeEnvelope(
		goerrors.New(message, goerrors.CategoryExternal).
			WithTextCode(BridgeErrorProviderTransient),
	)
}

// NewPermanentProviderError marks a 4xx payload rejection; dead-lettered
// without exhausting the retry budget.
func NewPermanentProviderError(message string) *goerrors.Error {
	return ensureBridgeEnvelope(
		goerrors.New(message, goerrors.CategoryBadInput).
			WithTextCode(BridgeErrorProviderPermanent),
	)
}

// IsFatalAuthError reports whether the credential needs operator
// re-authorization rather than a retry.
func IsFatalAuthError(err error) bool {
	if err == nil {
		return false
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		if strings.EqualFold(strings.TrimSpace(richErr.TextCode), BridgeErrorAuthFatal) {
			return true
		}
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(msg, "invalid_grant") ||
		strings.Contains(msg, "invalid refresh token") ||
		strings.Contains(msg, "consent revoked") ||
		strings.Contains(msg, "re-auth required")
}

// IsRotationReplay reports whether a refresh response reused a superseded
// rotation version.
func IsRotationReplay(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRotationReplay) {
		return true
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return strings.EqualFold(strings.TrimSpace(richErr.TextCode), BridgeErrorRotationReplay)
	}
	return false
}

func IsPermanentProviderError(err error) bool {
	if err == nil {
		return false
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return strings.EqualFold(strings.TrimSpace(richErr.TextCode), BridgeErrorProviderPermanent)
	}
	return false
}

// ClassifyFailure maps an error from an I/O boundary onto the scheduler's
// failure taxonomy. Timeouts and cancellations classify as transient.
func ClassifyFailure(err error) FailureReason {
	switch {
	case err == nil:
		return FailureReasonTransient
	case IsRotationReplay(err), IsFatalAuthError(err):
		return FailureReasonAuthFatal
	case IsPermanentProviderError(err):
		return FailureReasonPermanent
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return FailureReasonTransient
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		switch richErr.Category {
		case goerrors.CategoryValidation, goerrors.CategoryBadInput:
			return FailureReasonValidation
		case goerrors.CategoryAuth:
			return FailureReasonAuthRetry
		case goerrors.CategoryAuthz:
			return FailureReasonAuthFatal
		}
	}
	return FailureReasonTransient
}

func bridgeErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureBridgeEnvelope(richErr)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "signature"):
		return ensureBridgeEnvelope(
			goerrors.New(err.Error(), goerrors.CategoryAuth).WithTextCode(BridgeErrorInvalidSignature),
		)
	case strings.Contains(msg, "not found"):
		return ensureBridgeEnvelope(
			goerrors.New(err.Error(), goerrors.CategoryNotFound).WithTextCode(BridgeErrorNotFound),
		)
	case strings.Contains(msg, "rotation replay"):
		return ensureBridgeEnvelope(
			goerrors.New(err.Error(), goerrors.CategoryConflict).WithTextCode(BridgeErrorRotationReplay),
		)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"), strings.Contains(msg, "mismatch"):
		return ensureBridgeEnvelope(
			goerrors.New(err.Error(), goerrors.CategoryBadInput).WithTextCode(BridgeErrorBadInput),
		)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureBridgeEnvelope(mapped)
}

func ensureBridgeEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = bridgeHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultBridgeTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultBridgeTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return BridgeErrorBadInput
	case goerrors.CategoryNotFound:
		return BridgeErrorNotFound
	case goerrors.CategoryAuth:
		return BridgeErrorAuthRecoverable
	case goerrors.CategoryAuthz:
		return BridgeErrorAuthFatal
	case goerrors.CategoryConflict:
		return BridgeErrorRotationReplay
	case goerrors.CategoryExternal:
		return BridgeErrorProviderTransient
	default:
		return BridgeErrorInternal
	}
}

func bridgeHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

package reconcile

import (
	"errors"
	"fmt"
	"time"

	"remindsync/internal/domain"
	"remindsync/internal/models"
)

const (
	msgCredentialRevoked = "Calendar access was revoked. Reconnect your calendar account to resume syncing."
	msgCredentialBroken  = "Could not reach the calendar service. The sync will be retried automatically."
	msgStrictMode        = "Syncing to the primary calendar is disabled. Choose a dedicated calendar."
)

// NextStatus is the transition after execution: PARTIAL_SYNC when any key
// failed, SYNCED otherwise.
func NextStatus(prev *models.SyncStatus, failed []models.EventKey, errMsg string, hash string, now time.Time) models.SyncStatus {
	if len(failed) == 0 {
		return models.SyncStatus{
			Status:        models.StatusSynced,
			LastAttemptAt: now.UTC(),
			FailedKeys:    []models.EventKey{},
			RetryCount:    0,
			DataHash:      hash,
		}
	}

	msg := errMsg
	return models.SyncStatus{
		Status:           models.StatusPartialSync,
		LastAttemptAt:    now.UTC(),
		FailedKeys:       append([]models.EventKey(nil), failed...),
		LastErrorMessage: &msg,
		RetryCount:       nextRetryCount(prev),
		DataHash:         hash,
	}
}

// FailureStatus is the ERROR transition for failures that happen before any
// diff is executed.
func FailureStatus(prev *models.SyncStatus, cause error, hash string, now time.Time) models.SyncStatus {
	msg := FailureMessage(cause)
	retryCount := nextRetryCount(prev)
	if errors.Is(cause, domain.ErrCredentialRevoked) {
		retryCount = models.RetryCountRevoked
	}

	return models.SyncStatus{
		Status:           models.StatusError,
		LastAttemptAt:    now.UTC(),
		FailedKeys:       []models.EventKey{},
		LastErrorMessage: &msg,
		RetryCount:       retryCount,
		DataHash:         hash,
	}
}

// FailureMessage renders the user-facing message for a pipeline failure.
func FailureMessage(cause error) string {
	switch {
	case errors.Is(cause, domain.ErrCredentialRevoked):
		return msgCredentialRevoked
	case errors.Is(cause, domain.ErrCredentialUnavailable):
		return msgCredentialBroken
	case errors.Is(cause, domain.ErrPrimaryCalendarForbidden):
		return msgStrictMode
	default:
		return fmt.Sprintf("Sync failed: %v", cause)
	}
}

// nextRetryCount only counts consecutive failures; the first failure after a
// clean sync starts at zero. A revoked sentinel does not carry over once a
// later attempt gets past the credential check.
func nextRetryCount(prev *models.SyncStatus) int {
	if !prev.IsFailure() {
		return 0
	}
	if prev.CredentialRevoked() {
		return 1
	}
	return prev.RetryCount + 1
}

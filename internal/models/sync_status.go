package models

import "time"

type SyncState string

const (
	StatusSynced      SyncState = "SYNCED"
	StatusPartialSync SyncState = "PARTIAL_SYNC"
	StatusError       SyncState = "ERROR"
)

// RetryCountRevoked marks a permanently dead credential. Records carrying it
// are never picked up by the automatic retry sweep.
const RetryCountRevoked = 999

// SyncStatus is the persisted outcome of the latest sync attempt.
type SyncStatus struct {
	Status           SyncState  `json:"status"`
	LastAttemptAt    time.Time  `json:"lastAttemptAt"`
	FailedKeys       []EventKey `json:"failedKeys"`
	LastErrorMessage *string    `json:"lastErrorMessage"`
	RetryCount       int        `json:"retryCount"`
	DataHash         string     `json:"dataHash"`
	// PurgePending is set while a purge has not removed every event. Any
	// later attempt, including the retry sweep, continues the purge.
	PurgePending bool `json:"purgePending,omitempty"`
}

func (s *SyncStatus) IsFailure() bool {
	return s != nil && (s.Status == StatusPartialSync || s.Status == StatusError)
}

func (s *SyncStatus) PurgeInProgress() bool {
	return s != nil && s.PurgePending
}

func (s *SyncStatus) CredentialRevoked() bool {
	return s != nil && s.RetryCount == RetryCountRevoked
}

// BulkJobStatus is the lifecycle of a fan-out batch.
type BulkJobStatus string

const (
	BulkJobPending   BulkJobStatus = "pending"
	BulkJobCompleted BulkJobStatus = "completed"
)

type BulkJobError struct {
	ItemID  string `json:"itemId"`
	Message string `json:"message"`
}

// BulkSyncJob tracks a batch of independent record syncs.
type BulkSyncJob struct {
	ID             string         `json:"id"`
	TotalItems     int            `json:"totalItems"`
	ProcessedItems int            `json:"processedItems"`
	Errors         []BulkJobError `json:"errors"`
	Status         BulkJobStatus  `json:"status"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// Completed is derived from the counters, never from a flag set by a worker.
func (j *BulkSyncJob) Completed() bool {
	return j.ProcessedItems >= j.TotalItems
}

// Normalize recomputes Status from the counters.
func (j *BulkSyncJob) Normalize() {
	if j.Completed() {
		j.Status = BulkJobCompleted
	} else {
		j.Status = BulkJobPending
	}
}

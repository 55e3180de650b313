package domain

import (
	"context"
	"time"

	"remindsync/internal/models"
)

// BuildContext is everything the desired-event builder needs besides the record.
type BuildContext struct {
	Organization models.Organization
	Groups       []models.Group
	SubItems     []models.SubItem
}

type RecordStore interface {
	GetRecord(ctx context.Context, id string) (*models.SyncRecord, error)
	// UpdateRecord applies patch only if the stored revision still equals
	// expectedRevision, otherwise it returns ErrRevisionConflict.
	UpdateRecord(ctx context.Context, id string, expectedRevision int64, patch models.RecordPatch) error
	LoadBuildContext(ctx context.Context, rec *models.SyncRecord) (*BuildContext, error)
	ListRetryCandidates(ctx context.Context, maxRetryCount, limit int) ([]string, error)
	ListRecordIDsByOrg(ctx context.Context, orgID string) ([]string, error)
	ListRecordsByStatus(ctx context.Context, states []models.SyncState) ([]*models.SyncRecord, error)
	GetOrganization(ctx context.Context, id string) (*models.Organization, error)
}

type EventBuilder interface {
	Build(ctx context.Context, rec *models.SyncRecord, bctx *BuildContext) ([]models.EventDescriptor, error)
}

type BoundaryProvider interface {
	Boundary(ctx context.Context, now time.Time) (models.CycleBoundary, error)
}

// ListFilter narrows List to events written by this service for one record.
type ListFilter struct {
	RecordID string
}

type ListedEvent struct {
	ID  string
	Key models.EventKey
}

type EventPage struct {
	Items         []ListedEvent
	NextPageToken string
}

// CalendarAPI is the external calendar. Errors are *APIError where the
// service answered with a status code.
type CalendarAPI interface {
	Insert(ctx context.Context, calendarID string, ev models.EventDescriptor, eventID string) (string, error)
	Patch(ctx context.Context, calendarID, eventID string, ev models.EventDescriptor) error
	Delete(ctx context.Context, calendarID, eventID string) error
	List(ctx context.Context, calendarID string, filter ListFilter, pageToken string) (EventPage, error)
}

// CalendarAccount is a usable credential bound to the target calendar.
type CalendarAccount struct {
	API          CalendarAPI
	CalendarID   string
	AccountEmail string
}

type AccountProvider interface {
	// Account returns ErrCredentialRevoked or ErrCredentialUnavailable
	// (wrapped) when the credential cannot be used.
	Account(ctx context.Context, org *models.Organization) (*CalendarAccount, error)
}

// Task is a fire-and-forget unit of deferred work.
type Task struct {
	Type     string   `json:"type"`
	RecordID string   `json:"record_id,omitempty"`
	JobID    string   `json:"job_id,omitempty"`
	ItemIDs  []string `json:"item_ids,omitempty"`
	Force    bool     `json:"force,omitempty"`
}

const (
	TaskSyncRecord  = "sync_record"
	TaskPurgeRecord = "purge_record"
	TaskBulkChunk   = "bulk_chunk"
	TaskSweep       = "sweep"
)

type Dispatcher interface {
	Enqueue(ctx context.Context, task Task, delay time.Duration) error
}

type BulkJobRepository interface {
	Create(ctx context.Context, job *models.BulkSyncJob) error
	Get(ctx context.Context, id string) (*models.BulkSyncJob, error)
	// RecordProgress increments processedItems by one and appends errMsg when
	// non-empty. It returns the job as seen right after the increment.
	RecordProgress(ctx context.Context, id, itemID, errMsg string) (*models.BulkSyncJob, error)
}

type LunarDate struct {
	Year  models.LunarYear
	Month string
	Day   int
}

type LunarCalendar interface {
	FromGregorian(ctx context.Context, date time.Time, afterSunset bool) (LunarDate, error)
	ToGregorian(ctx context.Context, date LunarDate, year models.LunarYear) (time.Time, error)
	CurrentYear(ctx context.Context, now time.Time) (models.LunarYear, error)
}

type CredentialNotifier interface {
	NotifyCredentialRevoked(ctx context.Context, org *models.Organization) error
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

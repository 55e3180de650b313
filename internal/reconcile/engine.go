package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"remindsync/internal/domain"
	"remindsync/internal/metrics"
	"remindsync/internal/models"
)

type Config struct {
	// Concurrency bounds how many records a bulk chunk syncs at once.
	Concurrency int
	// StrictMode refuses to write into the account's primary calendar.
	StrictMode bool
	// CommitAttempts bounds write-back retries on revision conflicts.
	CommitAttempts  int
	SweepMaxRetries int
	SweepBatchSize  int
	BulkChunkSize   int
	BulkChunkDelay  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.CommitAttempts <= 0 {
		c.CommitAttempts = 3
	}
	if c.SweepMaxRetries <= 0 {
		c.SweepMaxRetries = 5
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = 100
	}
	if c.BulkChunkSize <= 0 {
		c.BulkChunkSize = 25
	}
	return c
}

// Deps are the collaborators of an Engine. Dispatcher and Notifier are optional.
type Deps struct {
	Store      domain.RecordStore
	Builder    domain.EventBuilder
	Boundaries domain.BoundaryProvider
	Accounts   domain.AccountProvider
	Jobs       domain.BulkJobRepository
	Dispatcher domain.Dispatcher
	Notifier   domain.CredentialNotifier
	Pipeline   *Pipeline
}

// Engine reconciles records against their organization's external calendar.
type Engine struct {
	store      domain.RecordStore
	builder    domain.EventBuilder
	boundaries domain.BoundaryProvider
	accounts   domain.AccountProvider
	jobs       domain.BulkJobRepository
	dispatcher domain.Dispatcher
	notifier   domain.CredentialNotifier
	pipeline   *Pipeline
	cfg        Config
	now        func() time.Time
	logger     zerolog.Logger
}

func NewEngine(deps Deps, cfg Config, logger *zerolog.Logger) *Engine {
	return &Engine{
		store:      deps.Store,
		builder:    deps.Builder,
		boundaries: deps.Boundaries,
		accounts:   deps.Accounts,
		jobs:       deps.Jobs,
		dispatcher: deps.Dispatcher,
		notifier:   deps.Notifier,
		pipeline:   deps.Pipeline,
		cfg:        cfg.withDefaults(),
		now:        time.Now,
		logger:     logger.With().Str("component", "reconcile").Logger(),
	}
}

// SetClock replaces the wall clock. Intended for tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

type SyncOptions struct {
	Force bool
	purge bool
}

// Result summarizes one record sync. Err carries the cause of an ERROR status.
type Result struct {
	RecordID   string            `json:"recordId"`
	Skipped    bool              `json:"skipped"`
	Status     models.SyncState  `json:"status"`
	Stats      Stats             `json:"stats"`
	FailedKeys []models.EventKey `json:"failedKeys,omitempty"`
	Purged     bool              `json:"purged,omitempty"`
	Err        error             `json:"-"`
}

// Failed reports whether the sync ended in anything other than SYNCED.
func (r *Result) Failed() bool {
	return r == nil || r.Status != models.StatusSynced
}

func (r *Result) Message() string {
	if r == nil {
		return ""
	}
	if r.Err != nil {
		return FailureMessage(r.Err)
	}
	if len(r.FailedKeys) > 0 {
		keys := make([]string, len(r.FailedKeys))
		for i, k := range r.FailedKeys {
			keys[i] = k.String()
		}
		return fmt.Sprintf("%d events failed: %s", len(keys), strings.Join(keys, ", "))
	}
	return ""
}

// SyncRecord reconciles one record. The returned error is reserved for
// failures to load or persist the record; sync failures are persisted on the
// record and reported through Result.Status.
func (e *Engine) SyncRecord(ctx context.Context, recordID string, opts SyncOptions) (*Result, error) {
	started := e.now()
	log := e.logger.With().Str("record_id", recordID).Logger()

	rec, err := e.store.GetRecord(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("load record %s: %w", recordID, err)
	}
	bctx, err := e.store.LoadBuildContext(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("load build context %s: %w", recordID, err)
	}

	purge := opts.purge || rec.SyncStatus.PurgeInProgress()
	pref := models.EffectivePreference(rec, bctx.Groups, &bctx.Organization)
	hash := ComputeHash(rec, pref)
	if !purge && ShouldSkip(rec.SyncStatus, len(rec.EventMap), hash, opts.Force) {
		log.Debug().Msg("record unchanged since last sync, skipping")
		metrics.ObserveSync("skipped", e.now().Sub(started))
		return &Result{RecordID: recordID, Skipped: true, Status: models.StatusSynced}, nil
	}

	acct, err := e.resolveAccount(ctx, &bctx.Organization)
	if err != nil {
		return e.fail(ctx, rec, &bctx.Organization, hash, purge, err, started)
	}

	var desired []models.EventDescriptor
	archived := rec.Archived || purge
	if !archived {
		desired, err = e.builder.Build(ctx, rec, bctx)
		if err != nil {
			return e.fail(ctx, rec, &bctx.Organization, hash, purge, fmt.Errorf("build events: %w", err), started)
		}
	}

	boundary, err := e.boundaries.Boundary(ctx, started)
	if err != nil {
		return e.fail(ctx, rec, &bctx.Organization, hash, purge, fmt.Errorf("resolve cycle boundary: %w", err), started)
	}
	plan, err := Diff(desired, rec.EventMap, boundary, archived)
	if err != nil {
		return e.fail(ctx, rec, &bctx.Organization, hash, purge, err, started)
	}

	out := e.pipeline.Execute(ctx, acct, rec.ID, plan)
	status := NextStatus(rec.SyncStatus, out.FailedKeys, out.ErrorSummary(plan.Len()), hash, e.now())
	status.PurgePending = purge
	purged := purge && len(out.FailedKeys) == 0

	if err := e.commit(ctx, rec.ID, func(fresh *models.SyncRecord) models.RecordPatch {
		if purged {
			return models.RecordPatch{
				EventMap:   models.Delete[models.EventMap](),
				SyncStatus: models.Delete[models.SyncStatus](),
			}
		}
		return models.RecordPatch{
			EventMap:   models.Set(out.Apply(fresh.EventMap)),
			SyncStatus: models.Set(status),
		}
	}); err != nil {
		return nil, err
	}

	metrics.ObserveSync(string(status.Status), e.now().Sub(started))
	log.Info().
		Str("status", string(status.Status)).
		Int("created", out.Stats.Created).
		Int("updated", out.Stats.Updated).
		Int("deleted", out.Stats.Deleted).
		Int("failed", out.Stats.Failed).
		Int("retained", len(plan.Retained)).
		Msg("record synced")

	return &Result{
		RecordID:   recordID,
		Status:     status.Status,
		Stats:      out.Stats,
		FailedKeys: out.FailedKeys,
		Purged:     purged,
	}, nil
}

// PurgeRecord deletes every mapped event and, when all deletes succeed,
// removes the tracking fields from the record. Used before a record is
// deleted. A purge that leaves events behind is marked pending, so later
// syncs and the retry sweep keep deleting instead of rebuilding.
func (e *Engine) PurgeRecord(ctx context.Context, recordID string) (*Result, error) {
	return e.SyncRecord(ctx, recordID, SyncOptions{Force: true, purge: true})
}

func (e *Engine) resolveAccount(ctx context.Context, org *models.Organization) (*domain.CalendarAccount, error) {
	acct, err := e.accounts.Account(ctx, org)
	if err != nil {
		return nil, err
	}
	if e.cfg.StrictMode && isPrimaryCalendar(acct) {
		return nil, domain.ErrPrimaryCalendarForbidden
	}
	return acct, nil
}

func isPrimaryCalendar(acct *domain.CalendarAccount) bool {
	id := strings.TrimSpace(acct.CalendarID)
	return id == "" || strings.EqualFold(id, "primary") ||
		(acct.AccountEmail != "" && strings.EqualFold(id, acct.AccountEmail))
}

// fail persists an ERROR status without touching the event map.
func (e *Engine) fail(ctx context.Context, rec *models.SyncRecord, org *models.Organization, hash string, purge bool, cause error, started time.Time) (*Result, error) {
	status := FailureStatus(rec.SyncStatus, cause, hash, e.now())
	status.PurgePending = purge
	e.logger.Error().Err(cause).Str("record_id", rec.ID).Int("retry_count", status.RetryCount).Msg("record sync failed")

	if err := e.commit(ctx, rec.ID, func(*models.SyncRecord) models.RecordPatch {
		return models.RecordPatch{SyncStatus: models.Set(status)}
	}); err != nil {
		return nil, err
	}

	if errors.Is(cause, domain.ErrCredentialRevoked) && !rec.SyncStatus.CredentialRevoked() && e.notifier != nil {
		if err := e.notifier.NotifyCredentialRevoked(ctx, org); err != nil {
			e.logger.Warn().Err(err).Str("org_id", org.ID).Msg("failed to send reconnect notice")
		}
	}

	metrics.ObserveSync(string(models.StatusError), e.now().Sub(started))
	return &Result{RecordID: rec.ID, Status: models.StatusError, Err: cause}, nil
}

// commit re-reads the record, builds the patch against the fresh copy and
// writes it conditionally on the revision it just read.
func (e *Engine) commit(ctx context.Context, recordID string, build func(fresh *models.SyncRecord) models.RecordPatch) error {
	for attempt := 1; ; attempt++ {
		fresh, err := e.store.GetRecord(ctx, recordID)
		if err != nil {
			return fmt.Errorf("write back %s: %w", recordID, err)
		}
		err = e.store.UpdateRecord(ctx, recordID, fresh.Revision, build(fresh))
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrRevisionConflict) || attempt >= e.cfg.CommitAttempts {
			return fmt.Errorf("write back %s: %w", recordID, err)
		}
		e.logger.Debug().Str("record_id", recordID).Int("attempt", attempt).Msg("record changed during sync, merging again")
	}
}

// Reindex rebuilds a record's event map from the events the calendar holds
// for it, e.g. after the stored map was lost.
func (e *Engine) Reindex(ctx context.Context, recordID string) (models.EventMap, error) {
	rec, err := e.store.GetRecord(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("load record %s: %w", recordID, err)
	}
	bctx, err := e.store.LoadBuildContext(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("load build context %s: %w", recordID, err)
	}
	acct, err := e.resolveAccount(ctx, &bctx.Organization)
	if err != nil {
		return nil, err
	}

	found := models.EventMap{}
	token := ""
	for {
		page, err := acct.API.List(ctx, acct.CalendarID, domain.ListFilter{RecordID: recordID}, token)
		if err != nil {
			return nil, fmt.Errorf("list events for %s: %w", recordID, err)
		}
		for _, item := range page.Items {
			if !item.Key.IsZero() {
				found[item.Key] = item.ID
			}
		}
		if page.NextPageToken == "" {
			break
		}
		token = page.NextPageToken
	}

	if err := e.commit(ctx, recordID, func(*models.SyncRecord) models.RecordPatch {
		return models.RecordPatch{EventMap: models.Set(found.Clone())}
	}); err != nil {
		return nil, err
	}
	e.logger.Info().Str("record_id", recordID).Int("events", len(found)).Msg("event map rebuilt")
	return found, nil
}

// Preview returns the descriptors a sync would currently aim for.
func (e *Engine) Preview(ctx context.Context, recordID string) (*models.SyncRecord, []models.EventDescriptor, error) {
	rec, err := e.store.GetRecord(ctx, recordID)
	if err != nil {
		return nil, nil, fmt.Errorf("load record %s: %w", recordID, err)
	}
	if rec.Archived {
		return rec, nil, nil
	}
	bctx, err := e.store.LoadBuildContext(ctx, rec)
	if err != nil {
		return nil, nil, fmt.Errorf("load build context %s: %w", recordID, err)
	}
	desired, err := e.builder.Build(ctx, rec, bctx)
	if err != nil {
		return nil, nil, fmt.Errorf("build events: %w", err)
	}
	return rec, desired, nil
}

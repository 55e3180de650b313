package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"remindsync/internal/domain"
	"remindsync/internal/metrics"
	"remindsync/internal/models"
)

var errNoDispatcher = errors.New("no task dispatcher configured")

// ItemOutcome is the settled result of one record inside a bulk run.
type ItemOutcome struct {
	RecordID string
	Result   *Result
	Err      error
}

func (o ItemOutcome) Failed() bool {
	return o.Err != nil || o.Result.Failed()
}

func (o ItemOutcome) Message() string {
	if o.Err != nil {
		return o.Err.Error()
	}
	return o.Result.Message()
}

type BulkResult struct {
	JobID     string
	Succeeded int
	Failed    int
	Items     []ItemOutcome
}

func (e *Engine) newJob(ctx context.Context, total int) (*models.BulkSyncJob, error) {
	job := &models.BulkSyncJob{
		ID:         uuid.NewString(),
		TotalItems: total,
		Errors:     []models.BulkJobError{},
		CreatedAt:  e.now().UTC(),
	}
	job.Normalize()
	if err := e.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create bulk job: %w", err)
	}
	return job, nil
}

// StartBulk creates a job and dispatches the records in delayed chunks.
// Items whose chunk cannot be dispatched are recorded as failed so the job
// still reaches completion.
func (e *Engine) StartBulk(ctx context.Context, recordIDs []string, force bool) (*models.BulkSyncJob, error) {
	if e.dispatcher == nil {
		return nil, errNoDispatcher
	}
	job, err := e.newJob(ctx, len(recordIDs))
	if err != nil {
		return nil, err
	}

	for i, chunk := range chunk(recordIDs, e.cfg.BulkChunkSize) {
		task := domain.Task{Type: domain.TaskBulkChunk, JobID: job.ID, ItemIDs: chunk, Force: force}
		delay := time.Duration(i) * e.cfg.BulkChunkDelay
		if err := e.dispatcher.Enqueue(ctx, task, delay); err != nil {
			e.logger.Error().Err(err).Str("job_id", job.ID).Int("chunk", i).Msg("failed to dispatch bulk chunk")
			for _, id := range chunk {
				if _, perr := e.jobs.RecordProgress(ctx, job.ID, id, "dispatch failed: "+err.Error()); perr != nil {
					e.logger.Warn().Err(perr).Str("job_id", job.ID).Msg("failed to record bulk progress")
				}
			}
		}
	}

	e.logger.Info().Str("job_id", job.ID).Int("items", len(recordIDs)).Msg("bulk sync started")
	return e.jobs.Get(ctx, job.ID)
}

// RunBulk creates a job and processes every record in the calling goroutine.
func (e *Engine) RunBulk(ctx context.Context, recordIDs []string, force bool) (*BulkResult, error) {
	job, err := e.newJob(ctx, len(recordIDs))
	if err != nil {
		return nil, err
	}
	return e.RunBulkChunk(ctx, job.ID, recordIDs, force), nil
}

// RunBulkChunk syncs records with bounded concurrency. One record failing
// never affects the others. Progress is recorded against jobID after every
// item when jobID is set.
func (e *Engine) RunBulkChunk(ctx context.Context, jobID string, recordIDs []string, force bool) *BulkResult {
	ops := make([]func(context.Context) (*Result, error), len(recordIDs))
	for i, id := range recordIDs {
		id := id
		ops[i] = func(ctx context.Context) (*Result, error) {
			return e.SyncRecord(ctx, id, SyncOptions{Force: force})
		}
	}

	var completed atomic.Bool
	settled := RunBounded(ctx, e.cfg.Concurrency, ops, func(i int, s Settled[*Result]) {
		item := ItemOutcome{RecordID: recordIDs[i], Result: s.Value, Err: s.Err}
		if item.Failed() {
			metrics.ObserveBulkItem("failed")
		} else {
			metrics.ObserveBulkItem("succeeded")
		}
		if jobID == "" {
			return
		}

		msg := ""
		if item.Failed() {
			msg = item.Message()
		}
		job, err := e.jobs.RecordProgress(ctx, jobID, item.RecordID, msg)
		if err != nil {
			e.logger.Warn().Err(err).Str("job_id", jobID).Str("record_id", item.RecordID).Msg("failed to record bulk progress")
			return
		}
		if job.Completed() && completed.CompareAndSwap(false, true) {
			e.logger.Info().
				Str("job_id", jobID).
				Int("total", job.TotalItems).
				Int("errors", len(job.Errors)).
				Msg("bulk job completed")
		}
	})

	res := &BulkResult{JobID: jobID, Items: make([]ItemOutcome, len(settled))}
	for i, s := range settled {
		item := ItemOutcome{RecordID: recordIDs[i], Result: s.Value, Err: s.Err}
		res.Items[i] = item
		if item.Failed() {
			res.Failed++
		} else {
			res.Succeeded++
		}
	}
	return res
}

// SyncOrganization dispatches a bulk sync of every record of an organization.
func (e *Engine) SyncOrganization(ctx context.Context, orgID string, force bool) (*models.BulkSyncJob, error) {
	ids, err := e.store.ListRecordIDsByOrg(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("list records of %s: %w", orgID, err)
	}
	return e.StartBulk(ctx, ids, force)
}

// Sweep retries records left in PARTIAL_SYNC or ERROR whose retry counter is
// still below the limit. Revoked credentials are never swept.
func (e *Engine) Sweep(ctx context.Context) (*BulkResult, error) {
	ids, err := e.store.ListRetryCandidates(ctx, e.cfg.SweepMaxRetries, e.cfg.SweepBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list retry candidates: %w", err)
	}
	if len(ids) == 0 {
		return &BulkResult{}, nil
	}
	e.logger.Info().Int("records", len(ids)).Msg("retry sweep started")
	return e.RunBulk(ctx, ids, false)
}

func chunk(ids []string, size int) [][]string {
	if size <= 0 {
		size = len(ids)
	}
	var out [][]string
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}

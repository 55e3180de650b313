package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"remindsync/internal/database"
	"remindsync/internal/domain"
	"remindsync/internal/metrics"
	"remindsync/internal/models"
	"remindsync/internal/reconcile"
	"remindsync/internal/retry"
)

// Engine is the part of the reconciliation engine the worker drives.
type Engine interface {
	SyncRecord(ctx context.Context, recordID string, opts reconcile.SyncOptions) (*reconcile.Result, error)
	PurgeRecord(ctx context.Context, recordID string) (*reconcile.Result, error)
	RunBulkChunk(ctx context.Context, jobID string, recordIDs []string, force bool) *reconcile.BulkResult
	Sweep(ctx context.Context) (*reconcile.BulkResult, error)
}

// RecordRemover deletes a record row once its calendar events are gone.
type RecordRemover interface {
	DeleteRecord(ctx context.Context, id string) error
}

// SyncWorker is the local Dispatcher. Tasks are persisted in sync_queue,
// announced through redis (or an in-memory channel) when due immediately,
// and picked up by polling when delayed or when redis is unavailable.
type SyncWorker struct {
	db            *database.DB
	engine        Engine
	remover       RecordRemover
	redis         *redis.Client
	retryPolicy   retry.RetryPolicy
	queue         chan models.SyncTask
	redisQueueKey string
	deadLetterKey string
	pollInterval  time.Duration
	batchSize     int
	logger        zerolog.Logger
}

type Option func(*SyncWorker)

func WithRedis(client *redis.Client, deadLetterKey string) Option {
	return func(w *SyncWorker) {
		w.redis = client
		if deadLetterKey != "" {
			w.deadLetterKey = deadLetterKey
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(w *SyncWorker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithRecordRemover deletes records after a clean purge.
func WithRecordRemover(r RecordRemover) Option {
	return func(w *SyncWorker) { w.remover = r }
}

// NewSyncWorker builds a worker with sane defaults. The engine may be set
// later with SetEngine, since the engine itself dispatches through the worker.
func NewSyncWorker(db *database.DB, engine Engine, policy retry.RetryPolicy, logger *zerolog.Logger, opts ...Option) *SyncWorker {
	if policy.MaxRetries == 0 {
		policy.MaxRetries = 5
	}
	if policy.InitialDelay == 0 {
		policy.InitialDelay = 2 * time.Second
	}
	if policy.MaxDelay == 0 {
		policy.MaxDelay = time.Minute
	}
	if policy.BackoffFactor == 0 {
		policy.BackoffFactor = 2
	}

	w := &SyncWorker{
		db:            db,
		engine:        engine,
		retryPolicy:   policy,
		queue:         make(chan models.SyncTask, 128),
		redisQueueKey: "sync:queue",
		deadLetterKey: "sync:dead_letter",
		pollInterval:  2 * time.Second,
		batchSize:     20,
		logger:        logger.With().Str("component", "sync_worker").Logger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *SyncWorker) SetEngine(engine Engine) { w.engine = engine }

// Enqueue persists task and schedules it. A positive delay leaves the task to
// the poller until it is due.
func (w *SyncWorker) Enqueue(ctx context.Context, task domain.Task, delay time.Duration) error {
	if err := validateTask(task); err != nil {
		return err
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	syncTask := models.SyncTask{
		TaskType: task.Type,
		RecordID: task.RecordID,
		Payload:  string(payload),
		Status:   models.TaskStatusPending,
	}
	if delay > 0 {
		due := time.Now().Add(delay)
		syncTask.NextRetryAt = &due
	}

	if err := w.db.CreateSyncTask(ctx, &syncTask); err != nil {
		return fmt.Errorf("persist sync task: %w", err)
	}
	if delay > 0 {
		return nil
	}

	if w.redis != nil {
		if err := w.pushRedis(ctx, syncTask); err != nil {
			w.logger.Warn().Err(err).Int64("task_id", syncTask.ID).Msg("redis push failed, fallback to memory queue")
		} else {
			return nil
		}
	}

	select {
	case w.queue <- syncTask:
	default:
		w.logger.Warn().Int64("task_id", syncTask.ID).Msg("in-memory queue full, task left to polling")
	}
	return nil
}

func validateTask(task domain.Task) error {
	switch task.Type {
	case domain.TaskSyncRecord, domain.TaskPurgeRecord:
		if task.RecordID == "" {
			return errors.New("record id is required")
		}
	case domain.TaskBulkChunk:
		if task.JobID == "" || len(task.ItemIDs) == 0 {
			return errors.New("bulk chunk needs a job id and items")
		}
	case domain.TaskSweep:
	case "":
		return errors.New("task type is required")
	default:
		return fmt.Errorf("unknown task type: %s", task.Type)
	}
	return nil
}

// Start launches the main loop; it returns when ctx is done.
func (w *SyncWorker) Start(ctx context.Context) {
	w.logger.Info().Msg("sync worker started")
	defer w.logger.Info().Msg("sync worker stopped")

	if n, err := w.db.ResetStaleSyncTasks(ctx); err != nil {
		w.logger.Error().Err(err).Msg("reset stale tasks")
	} else if n > 0 {
		w.logger.Warn().Int64("tasks", n).Msg("requeued tasks interrupted by a previous run")
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if t, ok := w.tryLocalQueue(); ok {
			w.processTask(ctx, &t)
			continue
		}

		if t, ok := w.tryRedis(ctx); ok {
			w.processTask(ctx, &t)
			continue
		}

		if !w.pollOnce(ctx) {
			if err := retry.SleepContext(ctx, w.pollInterval); err != nil {
				return
			}
		}
	}
}

// pollOnce processes due tasks from the database and reports whether any
// were found.
func (w *SyncWorker) pollOnce(ctx context.Context) bool {
	if depth, err := w.db.CountPendingSyncTasks(ctx); err == nil {
		metrics.SetQueueDepth(depth)
	}

	tasks, err := w.db.GetPendingSyncTasks(ctx, w.batchSize)
	if err != nil {
		w.logger.Error().Err(err).Msg("fetch pending tasks")
		return false
	}
	for i := range tasks {
		w.processTask(ctx, &tasks[i])
	}
	return len(tasks) > 0
}

func (w *SyncWorker) tryLocalQueue() (models.SyncTask, bool) {
	select {
	case t := <-w.queue:
		return t, true
	default:
		return models.SyncTask{}, false
	}
}

func (w *SyncWorker) tryRedis(ctx context.Context) (models.SyncTask, bool) {
	if w.redis == nil {
		return models.SyncTask{}, false
	}
	res, err := w.redis.BRPop(ctx, time.Second, w.redisQueueKey).Result()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, redis.Nil) {
			return models.SyncTask{}, false
		}
		w.logger.Error().Err(err).Msg("redis BRPOP failed")
		return models.SyncTask{}, false
	}
	if len(res) != 2 {
		return models.SyncTask{}, false
	}
	var task models.SyncTask
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		w.logger.Error().Err(err).Msg("decode redis task")
		return models.SyncTask{}, false
	}
	return task, true
}

func (w *SyncWorker) processTask(ctx context.Context, task *models.SyncTask) {
	claimed, err := w.db.ClaimSyncTask(ctx, task.ID)
	if err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("claim task")
		return
	}
	if !claimed {
		return
	}

	var payload domain.Task
	if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
		w.failTask(ctx, task, fmt.Errorf("decode payload: %w", err))
		return
	}
	if err := validateTask(payload); err != nil {
		w.failTask(ctx, task, err)
		return
	}

	if err := w.Handle(ctx, payload); err != nil {
		w.retryOrFail(ctx, task, err)
		return
	}

	if err := w.db.UpdateSyncTaskStatus(ctx, task.ID, models.TaskStatusCompleted, "", nil); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("mark completed")
	}
}

// Handle runs one task. Sync outcomes that are persisted on the record,
// including ERROR, are not task failures; the sweep retries those.
func (w *SyncWorker) Handle(ctx context.Context, task domain.Task) error {
	if w.engine == nil {
		return errors.New("sync worker has no engine")
	}
	switch task.Type {
	case domain.TaskSyncRecord:
		_, err := w.engine.SyncRecord(ctx, task.RecordID, reconcile.SyncOptions{Force: task.Force})
		if errors.Is(err, domain.ErrRecordNotFound) {
			w.logger.Info().Str("record_id", task.RecordID).Msg("record gone before sync, dropping task")
			return nil
		}
		return err
	case domain.TaskPurgeRecord:
		return w.purge(ctx, task.RecordID)
	case domain.TaskBulkChunk:
		w.engine.RunBulkChunk(ctx, task.JobID, task.ItemIDs, task.Force)
		return nil
	case domain.TaskSweep:
		_, err := w.engine.Sweep(ctx)
		return err
	default:
		return fmt.Errorf("unknown task type: %s", task.Type)
	}
}

func (w *SyncWorker) purge(ctx context.Context, recordID string) error {
	res, err := w.engine.PurgeRecord(ctx, recordID)
	if errors.Is(err, domain.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !res.Purged {
		return fmt.Errorf("purge incomplete: %s", res.Message())
	}
	if w.remover == nil {
		return nil
	}
	if err := w.remover.DeleteRecord(ctx, recordID); err != nil && !errors.Is(err, domain.ErrRecordNotFound) {
		return fmt.Errorf("delete purged record: %w", err)
	}
	return nil
}

func (w *SyncWorker) retryOrFail(ctx context.Context, task *models.SyncTask, cause error) {
	attempt := task.RetryCount + 1
	if attempt >= w.retryPolicy.MaxRetries {
		w.failTask(ctx, task, cause)
		return
	}

	nextTime := time.Now().Add(w.retryPolicy.NextDelay(attempt))
	w.logger.Warn().Err(cause).Int64("task_id", task.ID).Int("attempt", attempt).Time("next_retry_at", nextTime).Msg("task failed, will retry")
	if err := w.db.UpdateSyncTaskStatus(ctx, task.ID, models.TaskStatusRetry, cause.Error(), &nextTime); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("mark retry")
	}
}

func (w *SyncWorker) failTask(ctx context.Context, task *models.SyncTask, cause error) {
	w.logger.Error().Err(cause).Int64("task_id", task.ID).Str("task_type", task.TaskType).Msg("task failed permanently")
	if err := w.db.UpdateSyncTaskStatus(ctx, task.ID, models.TaskStatusFailed, cause.Error(), nil); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("mark failed")
	}
	msg := cause.Error()
	task.LastError = &msg
	w.pushDeadLetter(ctx, task)
}

func (w *SyncWorker) pushRedis(ctx context.Context, task models.SyncTask) error {
	if w.redis == nil {
		return errors.New("redis client is nil")
	}
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return w.redis.LPush(ctx, w.redisQueueKey, data).Err()
}

func (w *SyncWorker) pushDeadLetter(ctx context.Context, task *models.SyncTask) {
	if w.redis == nil {
		return
	}
	data, err := json.Marshal(task)
	if err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("encode dead letter")
		return
	}
	if err := w.redis.LPush(ctx, w.deadLetterKey, data).Err(); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("dead letter push")
	}
}

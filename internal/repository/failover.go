package repository

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"remindsync/internal/domain"
	"remindsync/internal/models"
)

const recoveryInterval = time.Minute

// FailoverBulkJobRepository serves from primary and switches to fallback
// when primary errors. Jobs and their progress are mirrored into fallback so
// counting continues after a switch.
type FailoverBulkJobRepository struct {
	primary  domain.BulkJobRepository
	fallback domain.BulkJobRepository
	logger   *zerolog.Logger
	isDown   atomic.Bool

	mu        sync.Mutex
	lastCheck time.Time
	now       func() time.Time
}

func NewFailoverBulkJobRepository(primary, fallback domain.BulkJobRepository, logger *zerolog.Logger) *FailoverBulkJobRepository {
	return &FailoverBulkJobRepository{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
}

// usePrimary reports whether the next call should go to primary. While down,
// primary is retried once per recovery interval.
func (r *FailoverBulkJobRepository) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.now().Sub(r.lastCheck) > recoveryInterval {
		r.lastCheck = r.now()
		return true
	}
	return false
}

func (r *FailoverBulkJobRepository) markDown(err error) {
	if !r.isDown.Swap(true) {
		r.logger.Error().Err(err).Msg("Primary bulk job repository failed, falling back to memory")
	}
	r.mu.Lock()
	r.lastCheck = r.now()
	r.mu.Unlock()
}

func (r *FailoverBulkJobRepository) markUp() {
	if r.isDown.Swap(false) {
		r.logger.Info().Msg("Primary bulk job repository recovered")
	}
}

func (r *FailoverBulkJobRepository) Create(ctx context.Context, job *models.BulkSyncJob) error {
	if err := r.fallback.Create(ctx, job); err != nil {
		return err
	}
	if !r.usePrimary() {
		return nil
	}
	if err := r.primary.Create(ctx, job); err != nil {
		r.markDown(err)
		return nil
	}
	r.markUp()
	return nil
}

func (r *FailoverBulkJobRepository) Get(ctx context.Context, id string) (*models.BulkSyncJob, error) {
	if r.usePrimary() {
		job, err := r.primary.Get(ctx, id)
		switch {
		case err == nil:
			r.markUp()
			return job, nil
		case errors.Is(err, domain.ErrJobNotFound):
			// created while primary was down
		default:
			r.markDown(err)
		}
	}
	return r.fallback.Get(ctx, id)
}

func (r *FailoverBulkJobRepository) RecordProgress(ctx context.Context, id, itemID, errMsg string) (*models.BulkSyncJob, error) {
	if r.usePrimary() {
		job, err := r.primary.RecordProgress(ctx, id, itemID, errMsg)
		switch {
		case err == nil:
			r.markUp()
			if _, mirrorErr := r.fallback.RecordProgress(ctx, id, itemID, errMsg); mirrorErr != nil {
				r.logger.Debug().Err(mirrorErr).Str("job_id", id).Msg("fallback progress mirror failed")
			}
			return job, nil
		case errors.Is(err, domain.ErrJobNotFound):
		default:
			r.markDown(err)
		}
	}
	return r.fallback.RecordProgress(ctx, id, itemID, errMsg)
}

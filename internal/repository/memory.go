package repository

import (
	"context"
	"fmt"
	"sync"

	"remindsync/internal/domain"
	"remindsync/internal/models"
)

// MemoryBulkJobRepository is the in-process job store used when redis is
// not configured or unavailable.
type MemoryBulkJobRepository struct {
	mu   sync.Mutex
	jobs map[string]*models.BulkSyncJob
}

func NewMemoryBulkJobRepository() *MemoryBulkJobRepository {
	return &MemoryBulkJobRepository{jobs: make(map[string]*models.BulkSyncJob)}
}

func (r *MemoryBulkJobRepository) Create(_ context.Context, job *models.BulkSyncJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = cloneJob(job)
	return nil
}

func (r *MemoryBulkJobRepository) Get(_ context.Context, id string) (*models.BulkSyncJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("bulk job %s: %w", id, domain.ErrJobNotFound)
	}
	return cloneJob(job), nil
}

func (r *MemoryBulkJobRepository) RecordProgress(_ context.Context, id, itemID, errMsg string) (*models.BulkSyncJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("bulk job %s: %w", id, domain.ErrJobNotFound)
	}
	job.ProcessedItems++
	if errMsg != "" {
		job.Errors = append(job.Errors, models.BulkJobError{ItemID: itemID, Message: errMsg})
	}
	job.Normalize()
	return cloneJob(job), nil
}

func cloneJob(job *models.BulkSyncJob) *models.BulkSyncJob {
	cp := *job
	cp.Errors = append([]models.BulkJobError(nil), job.Errors...)
	return &cp
}

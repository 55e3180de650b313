package reconcile

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"remindsync/internal/domain"
	"remindsync/internal/models"
	"remindsync/internal/retry"
)

type memStore struct {
	mu      sync.Mutex
	records map[string]*models.SyncRecord
	org     models.Organization
	groups  map[string]models.Group

	// beforeUpdate runs once, inside the next UpdateRecord, before the
	// revision check. It simulates a concurrent writer.
	beforeUpdate func(rec *models.SyncRecord)
	updates      int
}

func newMemStore(org models.Organization) *memStore {
	return &memStore{records: map[string]*models.SyncRecord{}, org: org, groups: map[string]models.Group{}}
}

func cloneRecord(r *models.SyncRecord) *models.SyncRecord {
	cp := *r
	if r.EventMap != nil {
		cp.EventMap = r.EventMap.Clone()
	}
	if r.SyncStatus != nil {
		st := *r.SyncStatus
		st.FailedKeys = append([]models.EventKey(nil), r.SyncStatus.FailedKeys...)
		cp.SyncStatus = &st
	}
	cp.GroupIDs = append([]string(nil), r.GroupIDs...)
	return &cp
}

func (s *memStore) put(rec *models.SyncRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = cloneRecord(rec)
}

func (s *memStore) get(id string) *models.SyncRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneRecord(s.records[id])
}

func (s *memStore) GetRecord(_ context.Context, id string) (*models.SyncRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	return cloneRecord(rec), nil
}

func (s *memStore) UpdateRecord(_ context.Context, id string, expected int64, patch models.RecordPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return domain.ErrRecordNotFound
	}
	if hook := s.beforeUpdate; hook != nil {
		s.beforeUpdate = nil
		hook(rec)
		rec.Revision++
	}
	if rec.Revision != expected {
		return domain.ErrRevisionConflict
	}
	switch {
	case patch.EventMap.IsSet():
		rec.EventMap = patch.EventMap.Value().Clone()
	case patch.EventMap.IsDelete():
		rec.EventMap = nil
	}
	switch {
	case patch.SyncStatus.IsSet():
		st := patch.SyncStatus.Value()
		rec.SyncStatus = &st
	case patch.SyncStatus.IsDelete():
		rec.SyncStatus = nil
	}
	rec.Revision++
	s.updates++
	return nil
}

func (s *memStore) LoadBuildContext(_ context.Context, rec *models.SyncRecord) (*domain.BuildContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bctx := &domain.BuildContext{Organization: s.org}
	for _, gid := range rec.GroupIDs {
		if g, ok := s.groups[gid]; ok {
			bctx.Groups = append(bctx.Groups, g)
		}
	}
	return bctx, nil
}

func (s *memStore) ListRetryCandidates(_ context.Context, maxRetryCount, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, rec := range s.records {
		if rec.SyncStatus.IsFailure() && rec.SyncStatus.RetryCount < maxRetryCount && len(ids) < limit {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *memStore) ListRecordIDsByOrg(_ context.Context, orgID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, rec := range s.records {
		if rec.OrgID == orgID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *memStore) ListRecordsByStatus(_ context.Context, states []models.SyncState) ([]*models.SyncRecord, error) {
	return nil, nil
}

func (s *memStore) GetOrganization(_ context.Context, id string) (*models.Organization, error) {
	if id != s.org.ID {
		return nil, domain.ErrRecordNotFound
	}
	org := s.org
	return &org, nil
}

// fakeCalendar is an in-memory calendar keyed by event ID.
type fakeCalendar struct {
	mu     sync.Mutex
	events map[string]models.EventDescriptor
	calls  []string
	// failures is a queue of errors per "op:eventID".
	failures map[string][]error
}

func newFakeCalendar() *fakeCalendar {
	return &fakeCalendar{events: map[string]models.EventDescriptor{}, failures: map[string][]error{}}
}

func (c *fakeCalendar) failOn(op, eventID string, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[op+":"+eventID] = append(c.failures[op+":"+eventID], errs...)
}

func (c *fakeCalendar) popFailure(op, eventID string) error {
	k := op + ":" + eventID
	if q := c.failures[k]; len(q) > 0 {
		c.failures[k] = q[1:]
		return q[0]
	}
	return nil
}

func (c *fakeCalendar) Insert(_ context.Context, _ string, ev models.EventDescriptor, eventID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "insert:"+ev.Key.String())
	if err := c.popFailure("insert", eventID); err != nil {
		return "", err
	}
	if _, ok := c.events[eventID]; ok {
		return "", &domain.APIError{Code: http.StatusConflict, Message: "The requested identifier already exists."}
	}
	c.events[eventID] = ev
	return eventID, nil
}

func (c *fakeCalendar) Patch(_ context.Context, _ string, eventID string, ev models.EventDescriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "patch:"+ev.Key.String())
	if err := c.popFailure("patch", eventID); err != nil {
		return err
	}
	if _, ok := c.events[eventID]; !ok {
		return &domain.APIError{Code: http.StatusNotFound, Message: "Not Found"}
	}
	c.events[eventID] = ev
	return nil
}

func (c *fakeCalendar) Delete(_ context.Context, _ string, eventID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "delete:"+eventID)
	if err := c.popFailure("delete", eventID); err != nil {
		return err
	}
	if _, ok := c.events[eventID]; !ok {
		return &domain.APIError{Code: http.StatusGone, Message: "Resource has been deleted"}
	}
	delete(c.events, eventID)
	return nil
}

func (c *fakeCalendar) List(_ context.Context, _ string, filter domain.ListFilter, _ string) (domain.EventPage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var page domain.EventPage
	for id, ev := range c.events {
		if id == DeterministicEventID(filter.RecordID, ev.Key) {
			page.Items = append(page.Items, domain.ListedEvent{ID: id, Key: ev.Key})
		}
	}
	return page, nil
}

func (c *fakeCalendar) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *fakeCalendar) has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.events[id]
	return ok
}

func (c *fakeCalendar) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// yearsBuilder projects one event per listed year, honouring the preference.
type yearsBuilder struct {
	gregorian []int
	lunar     []int
}

func (b yearsBuilder) Build(_ context.Context, rec *models.SyncRecord, bctx *domain.BuildContext) ([]models.EventDescriptor, error) {
	pref := models.EffectivePreference(rec, bctx.Groups, &bctx.Organization)
	var out []models.EventDescriptor
	if pref.Includes(models.Gregorian) {
		for _, y := range b.gregorian {
			start := time.Date(y, rec.BirthDate.Month(), rec.BirthDate.Day(), 0, 0, 0, 0, time.UTC)
			out = append(out, models.EventDescriptor{
				Key:   models.GregorianKey(models.GregorianYear(y)),
				Title: "Birthday: " + rec.DisplayName(),
				Start: start,
				End:   start.AddDate(0, 0, 1),
			})
		}
	}
	if pref.Includes(models.Lunar) {
		for _, y := range b.lunar {
			start := time.Date(y-3760, 4, 2, 0, 0, 0, 0, time.UTC)
			out = append(out, models.EventDescriptor{
				Key:   models.LunarKey(models.LunarYear(y)),
				Title: "Hebrew birthday: " + rec.DisplayName(),
				Start: start,
				End:   start.AddDate(0, 0, 1),
			})
		}
	}
	return out, nil
}

type fixedBoundary models.CycleBoundary

func (b fixedBoundary) Boundary(context.Context, time.Time) (models.CycleBoundary, error) {
	return models.CycleBoundary(b), nil
}

type fakeAccounts struct {
	mu   sync.Mutex
	acct *domain.CalendarAccount
	err  error
}

func (a *fakeAccounts) Account(context.Context, *models.Organization) (*domain.CalendarAccount, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	return a.acct, nil
}

func (a *fakeAccounts) setErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = err
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls int
}

func (n *fakeNotifier) NotifyCredentialRevoked(context.Context, *models.Organization) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	return nil
}

type memJobs struct {
	mu   sync.Mutex
	jobs map[string]*models.BulkSyncJob
}

func newMemJobs() *memJobs { return &memJobs{jobs: map[string]*models.BulkSyncJob{}} }

func (m *memJobs) Create(_ context.Context, job *models.BulkSyncJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memJobs) Get(_ context.Context, id string) (*models.BulkSyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *memJobs) RecordProgress(_ context.Context, id, itemID, errMsg string) (*models.BulkSyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	job.ProcessedItems++
	if errMsg != "" {
		job.Errors = append(job.Errors, models.BulkJobError{ItemID: itemID, Message: errMsg})
	}
	job.Normalize()
	cp := *job
	return &cp, nil
}

type recordingDispatcher struct {
	mu     sync.Mutex
	tasks  []domain.Task
	delays []time.Duration
	err    error
}

func (d *recordingDispatcher) Enqueue(_ context.Context, task domain.Task, delay time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.tasks = append(d.tasks, task)
	d.delays = append(d.delays, delay)
	return nil
}

type harness struct {
	store      *memStore
	cal        *fakeCalendar
	accounts   *fakeAccounts
	notifier   *fakeNotifier
	jobs       *memJobs
	dispatcher *recordingDispatcher
	engine     *Engine
}

var testBoundary = fixedBoundary{Gregorian: 2026, Lunar: 5786}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	logger := zerolog.Nop()

	org := models.Organization{ID: "org-1", Name: "Family", AccountEmail: "owner@example.com", CalendarID: "family-cal"}
	h := &harness{
		store:      newMemStore(org),
		cal:        newFakeCalendar(),
		notifier:   &fakeNotifier{},
		jobs:       newMemJobs(),
		dispatcher: &recordingDispatcher{},
	}
	h.accounts = &fakeAccounts{acct: &domain.CalendarAccount{API: h.cal, CalendarID: org.CalendarID, AccountEmail: org.AccountEmail}}

	retrier := retry.New(retry.RetryPolicy{MaxRetries: 2, InitialDelay: time.Millisecond, BackoffFactor: 2}, domain.IsRateLimited,
		retry.WithSleepFunc(func(context.Context, time.Duration) error { return nil }))
	pipeline := NewPipeline(retrier, 0, &logger)

	h.engine = NewEngine(Deps{
		Store:      h.store,
		Builder:    yearsBuilder{gregorian: []int{2026, 2027, 2028}, lunar: []int{5786, 5787, 5788}},
		Boundaries: testBoundary,
		Accounts:   h.accounts,
		Jobs:       h.jobs,
		Dispatcher: h.dispatcher,
		Notifier:   h.notifier,
		Pipeline:   pipeline,
	}, cfg, &logger)
	h.engine.SetClock(func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) })
	return h
}

func newRecord(id string) *models.SyncRecord {
	return &models.SyncRecord{
		ID:        id,
		OrgID:     "org-1",
		FirstName: "Dana",
		LastName:  "Levi",
		BirthDate: time.Date(1990, 3, 14, 0, 0, 0, 0, time.UTC),
	}
}

func prefPtr(p models.CalendarPreference) *models.CalendarPreference { return &p }

func apiErr(code int, reason string) error {
	return &domain.APIError{Code: code, Reason: reason, Message: fmt.Sprintf("status %d", code)}
}

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remindsync/internal/domain"
	"remindsync/internal/models"
)

var (
	g2026 = models.GregorianKey(2026)
	g2027 = models.GregorianKey(2027)
	g2028 = models.GregorianKey(2028)
	h5786 = models.LunarKey(5786)
	h5787 = models.LunarKey(5787)
	h5788 = models.LunarKey(5788)
)

func TestSyncRecordCreatesAllDesiredEvents(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.put(newRecord("rec-1"))

	res, err := h.engine.SyncRecord(context.Background(), "rec-1", SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSynced, res.Status)
	assert.Equal(t, 6, res.Stats.Created)

	rec := h.store.get("rec-1")
	require.NotNil(t, rec.SyncStatus)
	assert.Equal(t, models.StatusSynced, rec.SyncStatus.Status)
	assert.Equal(t, 0, rec.SyncStatus.RetryCount)
	assert.Empty(t, rec.SyncStatus.FailedKeys)
	assert.NotEmpty(t, rec.SyncStatus.DataHash)
	assert.Len(t, rec.EventMap, 6)
	for _, k := range []models.EventKey{g2026, g2027, g2028, h5786, h5787, h5788} {
		assert.Equal(t, DeterministicEventID("rec-1", k), rec.EventMap[k])
	}
	assert.Equal(t, 6, h.cal.size())
}

func TestSyncRecordSkipsUnchangedRecord(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.put(newRecord("rec-1"))
	ctx := context.Background()

	_, err := h.engine.SyncRecord(ctx, "rec-1", SyncOptions{})
	require.NoError(t, err)
	calls := h.cal.callCount()

	res, err := h.engine.SyncRecord(ctx, "rec-1", SyncOptions{})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, calls, h.cal.callCount(), "a skipped sync must not touch the calendar")

	res, err = h.engine.SyncRecord(ctx, "rec-1", SyncOptions{Force: true})
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 6, res.Stats.Updated)
	assert.Equal(t, 0, res.Stats.Created)
}

func TestSyncRecordEmptyMapNeverSkips(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.store.put(newRecord("rec-1"))
	_, err := h.engine.SyncRecord(ctx, "rec-1", SyncOptions{})
	require.NoError(t, err)

	rec := h.store.get("rec-1")
	rec.EventMap = nil
	h.store.put(rec)

	res, err := h.engine.SyncRecord(ctx, "rec-1", SyncOptions{})
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	// The events already exist under their deterministic IDs and get adopted.
	assert.Equal(t, 6, res.Stats.Created)
	assert.Equal(t, 6, h.cal.size())
	assert.Len(t, h.store.get("rec-1").EventMap, 6)
}

func TestSyncRecordPreferenceChangeDeletesOtherSystem(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.store.put(newRecord("rec-1"))
	_, err := h.engine.SyncRecord(ctx, "rec-1", SyncOptions{})
	require.NoError(t, err)

	rec := h.store.get("rec-1")
	rec.CalendarPreference = prefPtr(models.PreferenceGregorian)
	h.store.put(rec)

	res, err := h.engine.SyncRecord(ctx, "rec-1", SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSynced, res.Status)
	assert.Equal(t, 3, res.Stats.Deleted)
	assert.Equal(t, 3, res.Stats.Updated)

	rec = h.store.get("rec-1")
	assert.Len(t, rec.EventMap, 3)
	assert.NotContains(t, rec.EventMap, h5786)
	assert.Equal(t, 3, h.cal.size())
}

func TestSyncRecordPartialFailureCounting(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.store.put(newRecord("rec-1"))

	failedID := DeterministicEventID("rec-1", g2027)
	h.cal.failOn("insert", failedID, apiErr(http.StatusInternalServerError, "backendError"))

	res, err := h.engine.SyncRecord(ctx, "rec-1", SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPartialSync, res.Status)
	assert.Equal(t, []models.EventKey{g2027}, res.FailedKeys)

	rec := h.store.get("rec-1")
	assert.Len(t, rec.EventMap, 5)
	assert.NotContains(t, rec.EventMap, g2027)
	assert.Equal(t, models.StatusPartialSync, rec.SyncStatus.Status)
	assert.Equal(t, 0, rec.SyncStatus.RetryCount, "first failure does not count as a retry")
	require.NotNil(t, rec.SyncStatus.LastErrorMessage)
	assert.Contains(t, *rec.SyncStatus.LastErrorMessage, "gregorian_2027")

	h.cal.failOn("insert", failedID, apiErr(http.StatusInternalServerError, "backendError"))
	_, err = h.engine.SyncRecord(ctx, "rec-1", SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, h.store.get("rec-1").SyncStatus.RetryCount)

	res, err = h.engine.SyncRecord(ctx, "rec-1", SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSynced, res.Status)
	rec = h.store.get("rec-1")
	assert.Equal(t, 0, rec.SyncStatus.RetryCount)
	assert.Len(t, rec.EventMap, 6)
}

func TestSyncRecordRevokedCredential(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.store.put(newRecord("rec-1"))
	_, err := h.engine.SyncRecord(ctx, "rec-1", SyncOptions{})
	require.NoError(t, err)
	before := h.store.get("rec-1").EventMap

	h.accounts.setErr(fmt.Errorf("refresh token: %w", domain.ErrCredentialRevoked))

	res, err := h.engine.SyncRecord(ctx, "rec-1", SyncOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, res.Status)
	assert.ErrorIs(t, res.Err, domain.ErrCredentialRevoked)

	rec := h.store.get("rec-1")
	assert.Equal(t, models.RetryCountRevoked, rec.SyncStatus.RetryCount)
	assert.Equal(t, before, rec.EventMap, "event map must be untouched")
	require.NotNil(t, rec.SyncStatus.LastErrorMessage)
	assert.Contains(t, *rec.SyncStatus.LastErrorMessage, "Reconnect")
	assert.Equal(t, 1, h.notifier.calls)

	_, err = h.engine.SyncRecord(ctx, "rec-1", SyncOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 1, h.notifier.calls, "reconnect notice is sent once")

	ids, err := h.store.ListRetryCandidates(ctx, 5, 10)
	require.NoError(t, err)
	assert.Empty(t, ids, "revoked records are not swept")

	h.accounts.setErr(nil)
	h.cal.failOn("patch", DeterministicEventID("rec-1", g2026), apiErr(http.StatusInternalServerError, ""))
	_, err = h.engine.SyncRecord(ctx, "rec-1", SyncOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 1, h.store.get("rec-1").SyncStatus.RetryCount)
}

func TestSyncRecordTransientCredentialFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.put(newRecord("rec-1"))
	h.accounts.setErr(fmt.Errorf("token endpoint: %w", domain.ErrCredentialUnavailable))

	res, err := h.engine.SyncRecord(context.Background(), "rec-1", SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, res.Status)

	rec := h.store.get("rec-1")
	assert.Equal(t, 0, rec.SyncStatus.RetryCount)
	assert.Contains(t, *rec.SyncStatus.LastErrorMessage, "retried automatically")
	assert.Equal(t, 0, h.notifier.calls)
}

func TestSyncRecordRetainsPastOrphans(t *testing.T) {
	h := newHarness(t, Config{})
	rec := newRecord("rec-1")
	rec.EventMap = models.EventMap{
		models.GregorianKey(2020): "old-2020",
		models.LunarKey(5780):     "old-5780",
		models.GregorianKey(2030): "stale-2030",
	}
	h.cal.events["old-2020"] = models.EventDescriptor{Key: models.GregorianKey(2020)}
	h.cal.events["old-5780"] = models.EventDescriptor{Key: models.LunarKey(5780)}
	h.cal.events["stale-2030"] = models.EventDescriptor{Key: models.GregorianKey(2030)}
	h.store.put(rec)

	res, err := h.engine.SyncRecord(context.Background(), "rec-1", SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stats.Deleted)

	got := h.store.get("rec-1").EventMap
	assert.Equal(t, "old-2020", got[models.GregorianKey(2020)])
	assert.Equal(t, "old-5780", got[models.LunarKey(5780)])
	assert.NotContains(t, got, models.GregorianKey(2030))
	assert.False(t, h.cal.has("stale-2030"))
}

func TestSyncRecordArchivedDeletesEverything(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	rec := newRecord("rec-1")
	rec.EventMap = models.EventMap{models.GregorianKey(2020): "old-2020"}
	h.cal.events["old-2020"] = models.EventDescriptor{Key: models.GregorianKey(2020)}
	h.store.put(rec)
	_, err := h.engine.SyncRecord(ctx, "rec-1", SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, 7, h.cal.size())

	rec = h.store.get("rec-1")
	rec.Archived = true
	h.store.put(rec)

	res, err := h.engine.SyncRecord(ctx, "rec-1", SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSynced, res.Status)
	assert.Equal(t, 7, res.Stats.Deleted)
	assert.Empty(t, h.store.get("rec-1").EventMap)
	assert.Equal(t, 0, h.cal.size())
}

func TestSyncRecordRecreatesVanishedEvent(t *testing.T) {
	h := newHarness(t, Config{})
	rec := newRecord("rec-1")
	rec.EventMap = models.EventMap{g2026: "deleted-by-user"}
	h.store.put(rec)

	res, err := h.engine.SyncRecord(context.Background(), "rec-1", SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSynced, res.Status)
	assert.Equal(t, DeterministicEventID("rec-1", g2026), h.store.get("rec-1").EventMap[g2026])
}

func TestSyncRecordDeleteOfMissingEventSucceeds(t *testing.T) {
	h := newHarness(t, Config{})
	rec := newRecord("rec-1")
	rec.CalendarPreference = prefPtr(models.PreferenceGregorian)
	rec.EventMap = models.EventMap{h5787: "already-gone"}
	h.store.put(rec)

	res, err := h.engine.SyncRecord(context.Background(), "rec-1", SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSynced, res.Status)
	assert.NotContains(t, h.store.get("rec-1").EventMap, h5787)
}

func TestSyncRecordFailedDeleteKeepsMapping(t *testing.T) {
	h := newHarness(t, Config{})
	rec := newRecord("rec-1")
	rec.CalendarPreference = prefPtr(models.PreferenceGregorian)
	rec.EventMap = models.EventMap{h5787: "lunar-ev"}
	h.cal.events["lunar-ev"] = models.EventDescriptor{Key: h5787}
	h.cal.failOn("delete", "lunar-ev", apiErr(http.StatusInternalServerError, ""))
	h.store.put(rec)

	res, err := h.engine.SyncRecord(context.Background(), "rec-1", SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPartialSync, res.Status)
	assert.Equal(t, "lunar-ev", h.store.get("rec-1").EventMap[h5787])
}

func TestSyncRecordFailedUpdateDropsMapping(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.store.put(newRecord("rec-1"))
	_, err := h.engine.SyncRecord(ctx, "rec-1", SyncOptions{})
	require.NoError(t, err)

	h.cal.failOn("patch", DeterministicEventID("rec-1", h5786), apiErr(http.StatusBadRequest, "invalid"))
	res, err := h.engine.SyncRecord(ctx, "rec-1", SyncOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, []models.EventKey{h5786}, res.FailedKeys)
	assert.NotContains(t, h.store.get("rec-1").EventMap, h5786)

	// Self-heals: the create conflicts with the surviving event and adopts it.
	res, err = h.engine.SyncRecord(ctx, "rec-1", SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSynced, res.Status)
	assert.Equal(t, DeterministicEventID("rec-1", h5786), h.store.get("rec-1").EventMap[h5786])
	assert.Equal(t, 6, h.cal.size())
}

func TestSyncRecordRetriesRateLimitedCalls(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.put(newRecord("rec-1"))
	id := DeterministicEventID("rec-1", g2026)
	h.cal.failOn("insert", id, apiErr(http.StatusTooManyRequests, ""), apiErr(http.StatusForbidden, "rateLimitExceeded"))

	res, err := h.engine.SyncRecord(context.Background(), "rec-1", SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSynced, res.Status)
	assert.True(t, h.cal.has(id))
}

func TestSyncRecordStopsAfterAuthFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.put(newRecord("rec-1"))
	h.cal.failOn("insert", DeterministicEventID("rec-1", g2026), apiErr(http.StatusUnauthorized, "authError"))

	res, err := h.engine.SyncRecord(context.Background(), "rec-1", SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPartialSync, res.Status)
	assert.Len(t, res.FailedKeys, 6)
	assert.Equal(t, 1, h.cal.callCount())
}

func TestSyncRecordDoesNotRetryReasonlessForbidden(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.put(newRecord("rec-1"))
	h.cal.failOn("insert", DeterministicEventID("rec-1", g2026), apiErr(http.StatusForbidden, ""))

	res, err := h.engine.SyncRecord(context.Background(), "rec-1", SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPartialSync, res.Status)
	assert.Len(t, res.FailedKeys, 6)
	assert.Equal(t, 1, h.cal.callCount(), "an access denial is neither retried nor followed by more calls")
}

func TestSyncRecordMergesConcurrentWrite(t *testing.T) {
	h := newHarness(t, Config{})
	rec := newRecord("rec-1")
	rec.CalendarPreference = prefPtr(models.PreferenceGregorian)
	h.store.put(rec)

	foreign := models.LunarKey(5790)
	h.store.beforeUpdate = func(r *models.SyncRecord) {
		if r.EventMap == nil {
			r.EventMap = models.EventMap{}
		}
		r.EventMap[foreign] = "written-elsewhere"
	}

	res, err := h.engine.SyncRecord(context.Background(), "rec-1", SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSynced, res.Status)

	got := h.store.get("rec-1").EventMap
	assert.Len(t, got, 4)
	assert.Equal(t, "written-elsewhere", got[foreign])
	assert.Contains(t, got, g2026)
}

func TestSyncRecordGivesUpAfterRepeatedConflicts(t *testing.T) {
	h := newHarness(t, Config{CommitAttempts: 1})
	h.store.put(newRecord("rec-1"))
	h.store.beforeUpdate = func(*models.SyncRecord) {}

	_, err := h.engine.SyncRecord(context.Background(), "rec-1", SyncOptions{})
	assert.ErrorIs(t, err, domain.ErrRevisionConflict)
}

func TestSyncRecordMissingRecord(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.engine.SyncRecord(context.Background(), "nope", SyncOptions{})
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)
}

func TestSyncRecordStrictModeRefusesPrimary(t *testing.T) {
	h := newHarness(t, Config{StrictMode: true})
	h.accounts.acct.CalendarID = "primary"
	h.store.put(newRecord("rec-1"))

	res, err := h.engine.SyncRecord(context.Background(), "rec-1", SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, res.Status)
	assert.ErrorIs(t, res.Err, domain.ErrPrimaryCalendarForbidden)
	assert.Equal(t, 0, h.cal.callCount())

	h.accounts.acct.CalendarID = "OWNER@example.com"
	res, err = h.engine.SyncRecord(context.Background(), "rec-1", SyncOptions{})
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, domain.ErrPrimaryCalendarForbidden)
}

func TestPurgeRecordRemovesTrackingFields(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.store.put(newRecord("rec-1"))
	_, err := h.engine.SyncRecord(ctx, "rec-1", SyncOptions{})
	require.NoError(t, err)

	res, err := h.engine.PurgeRecord(ctx, "rec-1")
	require.NoError(t, err)
	assert.True(t, res.Purged)
	assert.Equal(t, 6, res.Stats.Deleted)

	rec := h.store.get("rec-1")
	assert.Nil(t, rec.EventMap)
	assert.Nil(t, rec.SyncStatus)
	assert.Equal(t, 0, h.cal.size())
}

func TestPurgeRecordKeepsFailedDeletes(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.store.put(newRecord("rec-1"))
	_, err := h.engine.SyncRecord(ctx, "rec-1", SyncOptions{})
	require.NoError(t, err)

	id := DeterministicEventID("rec-1", g2028)
	h.cal.failOn("delete", id, apiErr(http.StatusInternalServerError, ""))
	res, err := h.engine.PurgeRecord(ctx, "rec-1")
	require.NoError(t, err)
	assert.False(t, res.Purged)

	rec := h.store.get("rec-1")
	assert.Equal(t, models.EventMap{g2028: id}, rec.EventMap)
	assert.Equal(t, models.StatusPartialSync, rec.SyncStatus.Status)
}

func TestSweepFinishesInterruptedPurge(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.store.put(newRecord("rec-1"))
	_, err := h.engine.SyncRecord(ctx, "rec-1", SyncOptions{})
	require.NoError(t, err)
	require.Equal(t, 6, h.cal.size())

	id := DeterministicEventID("rec-1", g2028)
	h.cal.failOn("delete", id, apiErr(http.StatusInternalServerError, "backendError"))
	res, err := h.engine.PurgeRecord(ctx, "rec-1")
	require.NoError(t, err)
	require.False(t, res.Purged)
	assert.Equal(t, 1, h.cal.size())
	assert.True(t, h.store.get("rec-1").SyncStatus.PurgePending)

	sweep, err := h.engine.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, sweep.Items, 1)
	assert.True(t, sweep.Items[0].Result.Purged)
	assert.Equal(t, 0, sweep.Items[0].Result.Stats.Created)
	assert.Equal(t, 0, h.cal.size(), "deleted events must not come back")

	rec := h.store.get("rec-1")
	assert.Nil(t, rec.EventMap)
	assert.Nil(t, rec.SyncStatus)
}

func TestPurgeIntentSurvivesCredentialFailure(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.store.put(newRecord("rec-1"))
	_, err := h.engine.SyncRecord(ctx, "rec-1", SyncOptions{})
	require.NoError(t, err)

	h.cal.failOn("delete", DeterministicEventID("rec-1", g2026), apiErr(http.StatusInternalServerError, ""))
	_, err = h.engine.PurgeRecord(ctx, "rec-1")
	require.NoError(t, err)

	h.accounts.setErr(fmt.Errorf("token endpoint: %w", domain.ErrCredentialUnavailable))
	res, err := h.engine.SyncRecord(ctx, "rec-1", SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, res.Status)
	assert.True(t, h.store.get("rec-1").SyncStatus.PurgePending)

	h.accounts.setErr(nil)
	res, err = h.engine.SyncRecord(ctx, "rec-1", SyncOptions{})
	require.NoError(t, err)
	assert.True(t, res.Purged)
	assert.Equal(t, 0, h.cal.size())
}

// nextBirthdayBuilder projects gregorian birthdays starting with the first
// one on or after the clock date.
type nextBirthdayBuilder struct {
	now   time.Time
	count int
}

func (b nextBirthdayBuilder) Build(_ context.Context, rec *models.SyncRecord, _ *domain.BuildContext) ([]models.EventDescriptor, error) {
	year := b.now.Year()
	if time.Date(year, rec.BirthDate.Month(), rec.BirthDate.Day(), 0, 0, 0, 0, time.UTC).Before(b.now) {
		year++
	}
	out := make([]models.EventDescriptor, 0, b.count)
	for y := year; y < year+b.count; y++ {
		start := time.Date(y, rec.BirthDate.Month(), rec.BirthDate.Day(), 0, 0, 0, 0, time.UTC)
		out = append(out, models.EventDescriptor{
			Key:   models.GregorianKey(models.GregorianYear(y)),
			Title: "Birthday: " + rec.DisplayName(),
			Start: start,
			End:   start.AddDate(0, 0, 1),
		})
	}
	return out, nil
}

func TestSyncRecordBirthDateChangeOnSyncedRecord(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.engine.builder = nextBirthdayBuilder{now: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), count: 3}

	rec := newRecord("rec-1")
	rec.BirthDate = time.Date(1990, 12, 1, 0, 0, 0, 0, time.UTC)
	rec.EventMap = models.EventMap{models.GregorianKey(2020): "old-2020"}
	h.cal.events["old-2020"] = models.EventDescriptor{Key: models.GregorianKey(2020)}
	h.store.put(rec)

	res, err := h.engine.SyncRecord(ctx, "rec-1", SyncOptions{})
	require.NoError(t, err)
	require.Equal(t, models.StatusSynced, res.Status)
	assert.Equal(t, 3, res.Stats.Created)

	res, err = h.engine.SyncRecord(ctx, "rec-1", SyncOptions{})
	require.NoError(t, err)
	require.True(t, res.Skipped)
	hashBefore := h.store.get("rec-1").SyncStatus.DataHash

	rec = h.store.get("rec-1")
	rec.BirthDate = time.Date(1990, 3, 14, 0, 0, 0, 0, time.UTC)
	h.store.put(rec)

	res, err = h.engine.SyncRecord(ctx, "rec-1", SyncOptions{})
	require.NoError(t, err)
	assert.False(t, res.Skipped, "a changed birth date must defeat the skip guard")
	assert.Equal(t, models.StatusSynced, res.Status)
	assert.Equal(t, 1, res.Stats.Created)
	assert.Equal(t, 2, res.Stats.Updated)
	assert.Equal(t, 1, res.Stats.Deleted)

	rec = h.store.get("rec-1")
	assert.NotEqual(t, hashBefore, rec.SyncStatus.DataHash)
	assert.NotContains(t, rec.EventMap, g2026, "future orphan is deleted")
	assert.False(t, h.cal.has(DeterministicEventID("rec-1", g2026)))
	assert.Equal(t, "old-2020", rec.EventMap[models.GregorianKey(2020)], "past orphan is kept")
	assert.True(t, h.cal.has("old-2020"))
	assert.Contains(t, rec.EventMap, models.GregorianKey(2029))

	moved := h.cal.events[DeterministicEventID("rec-1", g2027)]
	assert.Equal(t, time.March, moved.Start.Month())
}

func TestReindexRebuildsMapFromCalendar(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.store.put(newRecord("rec-1"))
	_, err := h.engine.SyncRecord(ctx, "rec-1", SyncOptions{})
	require.NoError(t, err)

	rec := h.store.get("rec-1")
	rec.EventMap = nil
	h.store.put(rec)

	found, err := h.engine.Reindex(ctx, "rec-1")
	require.NoError(t, err)
	assert.Len(t, found, 6)
	assert.Len(t, h.store.get("rec-1").EventMap, 6)
}

func TestPreviewReturnsDesiredEvents(t *testing.T) {
	h := newHarness(t, Config{})
	rec := newRecord("rec-1")
	rec.CalendarPreference = prefPtr(models.PreferenceLunar)
	h.store.put(rec)

	_, desired, err := h.engine.Preview(context.Background(), "rec-1")
	require.NoError(t, err)
	require.Len(t, desired, 3)
	assert.Equal(t, h5786, desired[0].Key)
	assert.Equal(t, 0, h.cal.callCount())
}

func TestRunBulkIsolatesFailures(t *testing.T) {
	h := newHarness(t, Config{Concurrency: 2})
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		h.store.put(newRecord(id))
	}
	h.cal.failOn("insert", DeterministicEventID("b", g2026), apiErr(http.StatusInternalServerError, ""))

	res, err := h.engine.RunBulk(ctx, []string{"a", "b", "c", "missing"}, false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 2, res.Failed)

	job, err := h.jobs.Get(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, 4, job.ProcessedItems)
	assert.Equal(t, models.BulkJobCompleted, job.Status)
	require.Len(t, job.Errors, 2)

	var items []string
	for _, e := range job.Errors {
		items = append(items, e.ItemID)
	}
	assert.ElementsMatch(t, []string{"b", "missing"}, items)
	assert.Equal(t, models.StatusSynced, h.store.get("c").SyncStatus.Status)
}

func TestStartBulkDispatchesDelayedChunks(t *testing.T) {
	h := newHarness(t, Config{BulkChunkSize: 2, BulkChunkDelay: 5e9})
	ctx := context.Background()

	job, err := h.engine.StartBulk(ctx, []string{"a", "b", "c"}, true)
	require.NoError(t, err)
	assert.Equal(t, 3, job.TotalItems)
	assert.Equal(t, models.BulkJobPending, job.Status)

	require.Len(t, h.dispatcher.tasks, 2)
	assert.Equal(t, []string{"a", "b"}, h.dispatcher.tasks[0].ItemIDs)
	assert.Equal(t, []string{"c"}, h.dispatcher.tasks[1].ItemIDs)
	assert.True(t, h.dispatcher.tasks[1].Force)
	assert.Equal(t, domain.TaskBulkChunk, h.dispatcher.tasks[0].Type)
	assert.EqualValues(t, 0, h.dispatcher.delays[0])
	assert.EqualValues(t, 5e9, h.dispatcher.delays[1])
}

func TestStartBulkRecordsDispatchFailures(t *testing.T) {
	h := newHarness(t, Config{})
	h.dispatcher.err = errors.New("queue down")

	job, err := h.engine.StartBulk(context.Background(), []string{"a", "b"}, false)
	require.NoError(t, err)
	assert.Equal(t, models.BulkJobCompleted, job.Status)
	assert.Len(t, job.Errors, 2)
}

func TestSweepRetriesFailedRecords(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.store.put(newRecord("ok"))
	h.store.put(newRecord("flaky"))
	_, err := h.engine.SyncRecord(ctx, "ok", SyncOptions{})
	require.NoError(t, err)

	h.cal.failOn("insert", DeterministicEventID("flaky", h5788), apiErr(http.StatusServiceUnavailable, ""))
	_, err = h.engine.SyncRecord(ctx, "flaky", SyncOptions{})
	require.NoError(t, err)
	require.Equal(t, models.StatusPartialSync, h.store.get("flaky").SyncStatus.Status)

	res, err := h.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "flaky", res.Items[0].RecordID)
	assert.Equal(t, models.StatusSynced, h.store.get("flaky").SyncStatus.Status)
}

func TestSyncRecordConflictOnCreateAdoptsExisting(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.put(newRecord("rec-1"))
	id := DeterministicEventID("rec-1", g2027)
	h.cal.events[id] = models.EventDescriptor{Key: g2027, Title: "left over from a crashed attempt"}

	res, err := h.engine.SyncRecord(context.Background(), "rec-1", SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Stats.Failed)
	assert.Equal(t, models.StatusSynced, res.Status)
	assert.Equal(t, id, h.store.get("rec-1").EventMap[g2027])
	assert.Equal(t, "Birthday: Dana Levi", h.cal.events[id].Title)
	assert.Contains(t, h.cal.calls, "patch:gregorian_2027")
}

func TestRunBulkFiftyRecordsOneFailure(t *testing.T) {
	h := newHarness(t, Config{Concurrency: 5})
	ids := make([]string, 50)
	for i := range ids {
		ids[i] = fmt.Sprintf("rec-%02d", i+1)
		if i+1 != 17 {
			h.store.put(newRecord(ids[i]))
		}
	}

	res, err := h.engine.RunBulk(context.Background(), ids, false)
	require.NoError(t, err)
	assert.Equal(t, 49, res.Succeeded)
	assert.Equal(t, 1, res.Failed)

	job, err := h.jobs.Get(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.Equal(t, 50, job.ProcessedItems)
	assert.True(t, job.Completed())
	require.Len(t, job.Errors, 1)
	assert.Equal(t, "rec-17", job.Errors[0].ItemID)
}

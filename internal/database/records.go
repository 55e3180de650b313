package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"remindsync/internal/domain"
	"remindsync/internal/models"
)

const recordColumns = `id, org_id, first_name, last_name, birth_date, after_sunset, calendar_preference,
        archived, notes, event_map, sync_status, revision, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.SyncRecord, error) {
	var (
		rec        models.SyncRecord
		birth      string
		preference sql.NullString
		eventMap   sql.NullString
		status     sql.NullString
	)
	err := row.Scan(
		&rec.ID, &rec.OrgID, &rec.FirstName, &rec.LastName, &birth, &rec.AfterSunset, &preference,
		&rec.Archived, &rec.Notes, &eventMap, &status, &rec.Revision, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.BirthDate, err = time.Parse(models.DateLayout, birth)
	if err != nil {
		return nil, fmt.Errorf("record %s: bad birth date %q: %w", rec.ID, birth, err)
	}
	if preference.Valid {
		p := models.CalendarPreference(preference.String)
		rec.CalendarPreference = &p
	}
	if eventMap.Valid {
		if err := json.Unmarshal([]byte(eventMap.String), &rec.EventMap); err != nil {
			return nil, fmt.Errorf("record %s: decode event map: %w", rec.ID, err)
		}
	}
	if status.Valid {
		rec.SyncStatus = &models.SyncStatus{}
		if err := json.Unmarshal([]byte(status.String), rec.SyncStatus); err != nil {
			return nil, fmt.Errorf("record %s: decode sync status: %w", rec.ID, err)
		}
	}
	return &rec, nil
}

func nullablePreference(p *models.CalendarPreference) any {
	if p == nil {
		return nil
	}
	return string(*p)
}

// CreateRecord inserts a new record. Tracking fields start empty.
func (db *DB) CreateRecord(ctx context.Context, rec *models.SyncRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	rec.CreatedAt, rec.UpdatedAt, rec.Revision = now, now, 1

	return db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO records (id, org_id, first_name, last_name, birth_date, after_sunset,
                calendar_preference, archived, notes, revision, created_at, updated_at)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.OrgID, rec.FirstName, rec.LastName, rec.BirthDate.Format(models.DateLayout),
			rec.AfterSunset, nullablePreference(rec.CalendarPreference), rec.Archived, rec.Notes,
			rec.Revision, now, now,
		)
		if err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
		return replaceRecordGroups(ctx, tx, rec.ID, rec.GroupIDs)
	})
}

// SaveRecord updates the user-editable fields and bumps the revision. The
// tracking fields written by the sync engine are left alone.
func (db *DB) SaveRecord(ctx context.Context, rec *models.SyncRecord) error {
	now := time.Now().UTC()
	return db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
            UPDATE records SET first_name = ?, last_name = ?, birth_date = ?, after_sunset = ?,
                calendar_preference = ?, archived = ?, notes = ?, revision = revision + 1, updated_at = ?
            WHERE id = ?`,
			rec.FirstName, rec.LastName, rec.BirthDate.Format(models.DateLayout), rec.AfterSunset,
			nullablePreference(rec.CalendarPreference), rec.Archived, rec.Notes, now, rec.ID,
		)
		if err != nil {
			return fmt.Errorf("update record: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("record %s: %w", rec.ID, domain.ErrRecordNotFound)
		}
		rec.UpdatedAt = now
		return replaceRecordGroups(ctx, tx, rec.ID, rec.GroupIDs)
	})
}

func replaceRecordGroups(ctx context.Context, tx *sql.Tx, recordID string, groupIDs []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM record_groups WHERE record_id = ?`, recordID); err != nil {
		return fmt.Errorf("clear record groups: %w", err)
	}
	for i, gid := range groupIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO record_groups (record_id, group_id, position) VALUES (?, ?, ?)`, recordID, gid, i,
		); err != nil {
			return fmt.Errorf("link group %s: %w", gid, err)
		}
	}
	return nil
}

// DeleteRecord removes the row itself. Callers purge calendar events first.
func (db *DB) DeleteRecord(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record %s: %w", id, domain.ErrRecordNotFound)
	}
	return nil
}

func (db *DB) GetRecord(ctx context.Context, id string) (*models.SyncRecord, error) {
	row := db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", id, domain.ErrRecordNotFound)
	}
	if err != nil {
		return nil, err
	}

	rec.GroupIDs, err = db.recordGroupIDs(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (db *DB) recordGroupIDs(ctx context.Context, recordID string) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT group_id FROM record_groups WHERE record_id = ? ORDER BY position`, recordID)
	if err != nil {
		return nil, fmt.Errorf("load record groups: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateRecord writes the engine's tracking fields only when the stored
// revision still equals expectedRevision.
func (db *DB) UpdateRecord(ctx context.Context, id string, expectedRevision int64, patch models.RecordPatch) error {
	sets := []string{"revision = revision + 1", "updated_at = ?"}
	args := []any{time.Now().UTC()}

	if patch.EventMap.IsSet() {
		data, err := json.Marshal(nonNilMap(patch.EventMap.Value()))
		if err != nil {
			return fmt.Errorf("encode event map: %w", err)
		}
		sets = append(sets, "event_map = ?")
		args = append(args, string(data))
	} else if patch.EventMap.IsDelete() {
		sets = append(sets, "event_map = NULL")
	}

	if patch.SyncStatus.IsSet() {
		data, err := json.Marshal(patch.SyncStatus.Value())
		if err != nil {
			return fmt.Errorf("encode sync status: %w", err)
		}
		sets = append(sets, "sync_status = ?")
		args = append(args, string(data))
	} else if patch.SyncStatus.IsDelete() {
		sets = append(sets, "sync_status = NULL")
	}

	args = append(args, id, expectedRevision)
	res, err := db.ExecContext(ctx,
		`UPDATE records SET `+strings.Join(sets, ", ")+` WHERE id = ? AND revision = ?`, args...)
	if err != nil {
		return fmt.Errorf("update record tracking: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var exists int
	err = db.QueryRowContext(ctx, `SELECT 1 FROM records WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("record %s: %w", id, domain.ErrRecordNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("record %s at revision %d: %w", id, expectedRevision, domain.ErrRevisionConflict)
}

func nonNilMap(m models.EventMap) models.EventMap {
	if m == nil {
		return models.EventMap{}
	}
	return m
}

func (db *DB) LoadBuildContext(ctx context.Context, rec *models.SyncRecord) (*domain.BuildContext, error) {
	org, err := db.GetOrganization(ctx, rec.OrgID)
	if err != nil {
		return nil, err
	}
	groups, err := db.groupsForRecord(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	items, err := db.ListSubItems(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	return &domain.BuildContext{Organization: *org, Groups: groups, SubItems: items}, nil
}

// ListRetryCandidates returns failed records below the retry ceiling,
// oldest attempt first. Revoked credentials are never candidates.
func (db *DB) ListRetryCandidates(ctx context.Context, maxRetryCount, limit int) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
        SELECT id FROM records
        WHERE sync_status IS NOT NULL
          AND json_extract(sync_status, '$.status') IN (?, ?)
          AND json_extract(sync_status, '$.retryCount') < ?
          AND json_extract(sync_status, '$.retryCount') <> ?
        ORDER BY json_extract(sync_status, '$.lastAttemptAt') ASC
        LIMIT ?`,
		models.StatusPartialSync, models.StatusError, maxRetryCount, models.RetryCountRevoked, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list retry candidates: %w", err)
	}
	return scanIDs(rows)
}

func (db *DB) ListRecordIDsByOrg(ctx context.Context, orgID string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT id FROM records WHERE org_id = ? ORDER BY created_at, id`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list records by org: %w", err)
	}
	return scanIDs(rows)
}

// ListRecordsByStatus returns records whose last sync ended in one of
// states. An empty states slice returns every record that was ever synced.
func (db *DB) ListRecordsByStatus(ctx context.Context, states []models.SyncState) ([]*models.SyncRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE sync_status IS NOT NULL`
	var args []any
	if len(states) > 0 {
		placeholders := make([]string, len(states))
		for i, s := range states {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		query += ` AND json_extract(sync_status, '$.status') IN (` + strings.Join(placeholders, ",") + `)`
	}
	query += ` ORDER BY org_id, last_name, first_name`
	return db.queryRecords(ctx, query, args...)
}

// ListRecords returns every record of an organization.
func (db *DB) ListRecords(ctx context.Context, orgID string) ([]*models.SyncRecord, error) {
	return db.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM records WHERE org_id = ? ORDER BY last_name, first_name`, orgID)
}

func (db *DB) queryRecords(ctx context.Context, query string, args ...any) ([]*models.SyncRecord, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []*models.SyncRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, rec := range out {
		if rec.GroupIDs, err = db.recordGroupIDs(ctx, rec.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

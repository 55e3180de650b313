package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"remindsync/internal/domain"
	"remindsync/internal/models"
)

// SaveOrganization inserts or replaces an organization.
func (db *DB) SaveOrganization(ctx context.Context, org *models.Organization) error {
	if org.ID == "" {
		org.ID = uuid.NewString()
	}
	reminders, err := json.Marshal(org.ReminderMinutes)
	if err != nil {
		return fmt.Errorf("encode reminders: %w", err)
	}
	_, err = db.ExecContext(ctx, `
        INSERT INTO organizations (id, name, account_email, calendar_id, default_preference, reminder_minutes, telegram_chat_id)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            name = excluded.name,
            account_email = excluded.account_email,
            calendar_id = excluded.calendar_id,
            default_preference = excluded.default_preference,
            reminder_minutes = excluded.reminder_minutes,
            telegram_chat_id = excluded.telegram_chat_id`,
		org.ID, org.Name, org.AccountEmail, org.CalendarID, string(org.DefaultPreference), string(reminders), org.TelegramChatID,
	)
	if err != nil {
		return fmt.Errorf("save organization: %w", err)
	}
	return nil
}

func (db *DB) GetOrganization(ctx context.Context, id string) (*models.Organization, error) {
	var (
		org       models.Organization
		pref      string
		reminders string
	)
	err := db.QueryRowContext(ctx, `
        SELECT id, name, account_email, calendar_id, default_preference, reminder_minutes, telegram_chat_id
        FROM organizations WHERE id = ?`, id,
	).Scan(&org.ID, &org.Name, &org.AccountEmail, &org.CalendarID, &pref, &reminders, &org.TelegramChatID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("organization %s: %w", id, domain.ErrRecordNotFound)
	}
	if err != nil {
		return nil, err
	}
	org.DefaultPreference = models.CalendarPreference(pref)
	if err := json.Unmarshal([]byte(reminders), &org.ReminderMinutes); err != nil {
		return nil, fmt.Errorf("organization %s: decode reminders: %w", id, err)
	}
	return &org, nil
}

func (db *DB) ListOrganizationIDs(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT id FROM organizations ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	return scanIDs(rows)
}

func (db *DB) SaveGroup(ctx context.Context, g *models.Group) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	_, err := db.ExecContext(ctx, `
        INSERT INTO groups (id, org_id, name, calendar_preference) VALUES (?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET name = excluded.name, calendar_preference = excluded.calendar_preference`,
		g.ID, g.OrgID, g.Name, nullablePreference(g.CalendarPreference),
	)
	if err != nil {
		return fmt.Errorf("save group: %w", err)
	}
	return nil
}

// groupsForRecord returns the record's groups in membership order, which is
// the order preference overrides are resolved in.
func (db *DB) groupsForRecord(ctx context.Context, recordID string) ([]models.Group, error) {
	rows, err := db.QueryContext(ctx, `
        SELECT g.id, g.org_id, g.name, g.calendar_preference
        FROM record_groups rg JOIN groups g ON g.id = rg.group_id
        WHERE rg.record_id = ?
        ORDER BY rg.position`, recordID)
	if err != nil {
		return nil, fmt.Errorf("load groups: %w", err)
	}
	defer rows.Close()

	var groups []models.Group
	for rows.Next() {
		var (
			g    models.Group
			pref sql.NullString
		)
		if err := rows.Scan(&g.ID, &g.OrgID, &g.Name, &pref); err != nil {
			return nil, err
		}
		if pref.Valid {
			p := models.CalendarPreference(pref.String)
			g.CalendarPreference = &p
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (db *DB) AddSubItem(ctx context.Context, item *models.SubItem) error {
	res, err := db.ExecContext(ctx,
		`INSERT INTO sub_items (record_id, title, note) VALUES (?, ?, ?)`, item.RecordID, item.Title, item.Note)
	if err != nil {
		return fmt.Errorf("add sub item: %w", err)
	}
	item.ID, err = res.LastInsertId()
	return err
}

func (db *DB) ListSubItems(ctx context.Context, recordID string) ([]models.SubItem, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, record_id, title, note FROM sub_items WHERE record_id = ? ORDER BY id`, recordID)
	if err != nil {
		return nil, fmt.Errorf("load sub items: %w", err)
	}
	defer rows.Close()

	var items []models.SubItem
	for rows.Next() {
		var it models.SubItem
		if err := rows.Scan(&it.ID, &it.RecordID, &it.Title, &it.Note); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

package models

import (
	"fmt"
	"strings"
	"time"
)

// CalendarPreference selects which date systems get calendar events.
type CalendarPreference string

const (
	PreferenceBoth      CalendarPreference = "both"
	PreferenceGregorian CalendarPreference = "gregorian"
	PreferenceLunar     CalendarPreference = "hebrew"
)

func (p CalendarPreference) Valid() bool {
	switch p {
	case PreferenceBoth, PreferenceGregorian, PreferenceLunar:
		return true
	}
	return false
}

// Includes reports whether the preference wants events in the given system.
func (p CalendarPreference) Includes(s DateSystem) bool {
	switch p {
	case PreferenceGregorian:
		return s == Gregorian
	case PreferenceLunar:
		return s == Lunar
	default:
		return true
	}
}

// DateLayout is the civil date layout used for birth dates.
const DateLayout = "2006-01-02"

// SyncRecord is a person's recurring-date reminder.
type SyncRecord struct {
	ID                 string              `json:"id"`
	OrgID              string              `json:"org_id"`
	FirstName          string              `json:"first_name"`
	LastName           string              `json:"last_name"`
	BirthDate          time.Time           `json:"birth_date"`
	AfterSunset        bool                `json:"after_sunset"`
	CalendarPreference *CalendarPreference `json:"calendar_preference,omitempty"`
	Archived           bool                `json:"archived"`
	Notes              string              `json:"notes"`
	GroupIDs           []string            `json:"group_ids"`
	EventMap           EventMap            `json:"event_map"`
	SyncStatus         *SyncStatus         `json:"sync_status,omitempty"`
	Revision           int64               `json:"revision"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

func (r *SyncRecord) DisplayName() string {
	return strings.TrimSpace(r.FirstName + " " + r.LastName)
}

// Organization is the account that owns a calendar and a set of records.
type Organization struct {
	ID                string             `json:"id"`
	Name              string             `json:"name"`
	AccountEmail      string             `json:"account_email"`
	CalendarID        string             `json:"calendar_id"`
	DefaultPreference CalendarPreference `json:"default_preference"`
	ReminderMinutes   []int              `json:"reminder_minutes"`
	TelegramChatID    int64              `json:"telegram_chat_id,omitempty"`
}

// Group is a named set of records that may override the calendar preference.
type Group struct {
	ID                 string              `json:"id"`
	OrgID              string              `json:"org_id"`
	Name               string              `json:"name"`
	CalendarPreference *CalendarPreference `json:"calendar_preference,omitempty"`
}

// SubItem is a note attached to a record (gift idea, wish, reminder text).
type SubItem struct {
	ID       int64  `json:"id"`
	RecordID string `json:"record_id"`
	Title    string `json:"title"`
	Note     string `json:"note"`
}

// EffectivePreference resolves the preference in order: record override,
// first group with a preference, organization default, both systems.
func EffectivePreference(rec *SyncRecord, groups []Group, org *Organization) CalendarPreference {
	if rec != nil && rec.CalendarPreference != nil && rec.CalendarPreference.Valid() {
		return *rec.CalendarPreference
	}
	for _, g := range groups {
		if g.CalendarPreference != nil && g.CalendarPreference.Valid() {
			return *g.CalendarPreference
		}
	}
	if org != nil && org.DefaultPreference.Valid() {
		return org.DefaultPreference
	}
	return PreferenceBoth
}

// EventDescriptor is one calendar event a record should currently have.
type EventDescriptor struct {
	Key EventKey
	// RecordID tags the external event so it can be found again by List.
	RecordID        string
	Title           string
	Description     string
	Start           time.Time
	End             time.Time
	ReminderMinutes []int
}

// Validate checks the invariants the reconciliation core relies on.
func (d EventDescriptor) Validate() error {
	if d.Key.IsZero() {
		return fmt.Errorf("descriptor without key")
	}
	if d.Title == "" {
		return fmt.Errorf("descriptor %s: empty title", d.Key)
	}
	if d.Start.IsZero() || !d.End.After(d.Start) {
		return fmt.Errorf("descriptor %s: invalid date range", d.Key)
	}
	return nil
}

// Package ics renders a record's desired events as an iCalendar feed so they
// can be previewed or imported without touching the external calendar.
package ics

import (
	"fmt"
	"io"
	"time"

	ical "github.com/arran4/golang-ical"

	"remindsync/internal/models"
	"remindsync/internal/reconcile"
)

const productID = "-//remindsync//preview//EN"

// uidDomain keeps UIDs globally unique across feeds.
const uidDomain = "remindsync"

// Build returns a calendar with one all-day VEVENT per descriptor. UIDs are
// the same deterministic IDs used for the external calendar, so re-importing
// a feed replaces events instead of duplicating them.
func Build(rec *models.SyncRecord, descriptors []models.EventDescriptor, now time.Time) (*ical.Calendar, error) {
	if rec == nil {
		return nil, fmt.Errorf("nil record")
	}
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)
	cal.SetName(rec.DisplayName())

	for _, d := range descriptors {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		uid := fmt.Sprintf("%s@%s", reconcile.DeterministicEventID(rec.ID, d.Key), uidDomain)
		ev := cal.AddEvent(uid)
		ev.SetDtStampTime(now.UTC())
		ev.SetAllDayStartAt(d.Start)
		ev.SetAllDayEndAt(d.End)
		ev.SetSummary(d.Title)
		if d.Description != "" {
			ev.SetDescription(d.Description)
		}
		ev.SetProperty(ical.ComponentPropertyCategories, d.Key.System().String())
		ev.SetProperty(ical.ComponentPropertyTransp, "TRANSPARENT")
		ev.SetProperty(ical.ComponentProperty("X-REMINDSYNC-KEY"), d.Key.String())

		for _, m := range d.ReminderMinutes {
			alarm := ev.AddAlarm()
			alarm.SetAction(ical.ActionDisplay)
			alarm.SetTrigger(fmt.Sprintf("-PT%dM", m))
			alarm.SetProperty(ical.ComponentPropertyDescription, d.Title)
		}
	}
	return cal, nil
}

// Export writes the serialized feed to w.
func Export(w io.Writer, rec *models.SyncRecord, descriptors []models.EventDescriptor, now time.Time) error {
	cal, err := Build(rec, descriptors, now)
	if err != nil {
		return err
	}
	return cal.SerializeTo(w)
}

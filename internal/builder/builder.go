package builder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"remindsync/internal/domain"
	"remindsync/internal/models"
)

type Config struct {
	// YearsAhead is how many cycles past the current one are projected.
	YearsAhead             int
	Location               *time.Location
	DefaultReminderMinutes []int
}

// Builder projects a record's upcoming birthdays in both date systems.
type Builder struct {
	lunar domain.LunarCalendar
	cfg   Config
	now   func() time.Time
}

func New(lunar domain.LunarCalendar, cfg Config) *Builder {
	if cfg.YearsAhead <= 0 {
		cfg.YearsAhead = 10
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Builder{lunar: lunar, cfg: cfg, now: time.Now}
}

// SetClock replaces the wall clock. Intended for tests.
func (b *Builder) SetClock(now func() time.Time) { b.now = now }

// Boundary returns the current cycle of each date system.
func (b *Builder) Boundary(ctx context.Context, now time.Time) (models.CycleBoundary, error) {
	lunarYear, err := b.lunar.CurrentYear(ctx, now)
	if err != nil {
		return models.CycleBoundary{}, fmt.Errorf("current lunar year: %w", err)
	}
	return models.CycleBoundary{
		Gregorian: models.GregorianYear(now.In(b.cfg.Location).Year()),
		Lunar:     lunarYear,
	}, nil
}

// Build returns gregorian occurrences first, then lunar ones. Any expansion or
// conversion failure fails the whole build: returning only one half would make
// the diff delete every event of the other date system.
func (b *Builder) Build(ctx context.Context, rec *models.SyncRecord, bctx *domain.BuildContext) ([]models.EventDescriptor, error) {
	if rec.Archived {
		return nil, nil
	}
	if rec.BirthDate.IsZero() {
		return nil, fmt.Errorf("record %s has no birth date", rec.ID)
	}

	now := b.now()
	pref := models.EffectivePreference(rec, bctx.Groups, &bctx.Organization)
	reminders := bctx.Organization.ReminderMinutes
	if len(reminders) == 0 {
		reminders = b.cfg.DefaultReminderMinutes
	}

	var (
		out       []models.EventDescriptor
		birthLuna domain.LunarDate
		haveLunar bool
	)
	if pref.Includes(models.Lunar) {
		var err error
		birthLuna, err = b.lunar.FromGregorian(ctx, rec.BirthDate, rec.AfterSunset)
		if err != nil {
			return nil, fmt.Errorf("convert birth date: %w", err)
		}
		haveLunar = true
	}
	body := description(rec, bctx, birthLuna, haveLunar)

	if pref.Includes(models.Gregorian) {
		from := now.In(b.cfg.Location).Year()
		days, err := gregorianOccurrences(rec.BirthDate, from, from+b.cfg.YearsAhead)
		if err != nil {
			return nil, fmt.Errorf("expand gregorian birthdays: %w", err)
		}
		for _, day := range days {
			age := day.Year() - rec.BirthDate.Year()
			out = append(out, models.EventDescriptor{
				Key:             models.GregorianKey(models.GregorianYear(day.Year())),
				Title:           fmt.Sprintf("%s's birthday (%d)", rec.DisplayName(), age),
				Description:     body,
				Start:           day,
				End:             day.AddDate(0, 0, 1),
				ReminderMinutes: reminders,
			})
		}
	}

	if haveLunar {
		current, err := b.lunar.CurrentYear(ctx, now)
		if err != nil {
			return nil, fmt.Errorf("current lunar year: %w", err)
		}
		for i := 0; i < b.cfg.YearsAhead; i++ {
			year := current + models.LunarYear(i)
			if year <= birthLuna.Year {
				continue
			}
			day, err := b.lunar.ToGregorian(ctx, birthLuna, year)
			if err != nil {
				return nil, fmt.Errorf("convert %d %s %d: %w", birthLuna.Day, birthLuna.Month, year, err)
			}
			day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
			out = append(out, models.EventDescriptor{
				Key:             models.LunarKey(year),
				Title:           fmt.Sprintf("%s's Hebrew birthday (%d)", rec.DisplayName(), int(year-birthLuna.Year)),
				Description:     body,
				Start:           day,
				End:             day.AddDate(0, 0, 1),
				ReminderMinutes: reminders,
			})
		}
	}
	return out, nil
}

// gregorianOccurrences expands a yearly rule over [fromYear, toYear]. A
// February 29 birthday falls on the last day of February.
func gregorianOccurrences(birth time.Time, fromYear, toYear int) ([]time.Time, error) {
	if fromYear <= birth.Year() {
		fromYear = birth.Year() + 1
	}
	day := birth.Day()
	if birth.Month() == time.February && day == 29 {
		day = -1
	}
	return yearlyOccurrences(birth.Month(), day, fromYear, toYear)
}

func yearlyOccurrences(month time.Month, day, fromYear, toYear int) ([]time.Time, error) {
	if fromYear > toYear {
		return nil, nil
	}
	r, err := rrule.NewRRule(rrule.ROption{
		Freq:       rrule.YEARLY,
		Dtstart:    time.Date(fromYear, time.January, 1, 0, 0, 0, 0, time.UTC),
		Until:      time.Date(toYear, time.December, 31, 0, 0, 0, 0, time.UTC),
		Bymonth:    []int{int(month)},
		Bymonthday: []int{day},
	})
	if err != nil {
		return nil, err
	}
	return r.All(), nil
}

func description(rec *models.SyncRecord, bctx *domain.BuildContext, birth domain.LunarDate, haveLunar bool) string {
	var sb strings.Builder
	sb.WriteString("Born " + rec.BirthDate.Format(models.DateLayout))
	if rec.AfterSunset {
		sb.WriteString(" after sunset")
	}
	if haveLunar {
		fmt.Fprintf(&sb, " (%d %s %d)", birth.Day, birth.Month, birth.Year)
	}
	sb.WriteString("\n")

	if len(bctx.Groups) > 0 {
		names := make([]string, 0, len(bctx.Groups))
		for _, g := range bctx.Groups {
			names = append(names, g.Name)
		}
		sb.WriteString("Groups: " + strings.Join(names, ", ") + "\n")
	}
	if notes := strings.TrimSpace(rec.Notes); notes != "" {
		sb.WriteString("\n" + notes + "\n")
	}
	if len(bctx.SubItems) > 0 {
		sb.WriteString("\nIdeas:\n")
		for _, item := range bctx.SubItems {
			if item.Note != "" {
				fmt.Fprintf(&sb, "- %s: %s\n", item.Title, item.Note)
			} else {
				fmt.Fprintf(&sb, "- %s\n", item.Title)
			}
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

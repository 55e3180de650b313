package google

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"remindsync/internal/domain"
	"remindsync/internal/models"
)

// Private extended properties written on every managed event.
const (
	PropRecord = "remindsyncRecord"
	PropKey    = "remindsyncKey"
)

const listPageSize = 250

// CalendarClient implements domain.CalendarAPI on Google Calendar v3.
type CalendarClient struct {
	service *calendar.Service
	breaker *gobreaker.CircuitBreaker[any]
}

// NewBreaker trips after repeated server-side or network failures. Client
// errors such as 404 or 409 are answers, not outages, and do not count.
func NewBreaker(name string) *gobreaker.CircuitBreaker[any] {
	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !isOutage(err)
		},
	})
}

func NewCalendarClient(ctx context.Context, breaker *gobreaker.CircuitBreaker[any], opts ...option.ClientOption) (*CalendarClient, error) {
	srv, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create Calendar service: %w", err)
	}
	if breaker == nil {
		breaker = NewBreaker("calendar")
	}
	return &CalendarClient{service: srv, breaker: breaker}, nil
}

func (c *CalendarClient) Insert(ctx context.Context, calendarID string, ev models.EventDescriptor, eventID string) (string, error) {
	body := toEvent(ev)
	body.Id = eventID
	created, err := execute(c, func() (*calendar.Event, error) {
		return c.service.Events.Insert(calendarID, body).Context(ctx).Do()
	})
	if err != nil {
		return "", err
	}
	return created.Id, nil
}

func (c *CalendarClient) Patch(ctx context.Context, calendarID, eventID string, ev models.EventDescriptor) error {
	_, err := execute(c, func() (*calendar.Event, error) {
		return c.service.Events.Patch(calendarID, eventID, toEvent(ev)).Context(ctx).Do()
	})
	return err
}

func (c *CalendarClient) Delete(ctx context.Context, calendarID, eventID string) error {
	_, err := execute(c, func() (struct{}, error) {
		return struct{}{}, c.service.Events.Delete(calendarID, eventID).Context(ctx).Do()
	})
	return err
}

// List returns managed events of one record. Events without a parsable key
// are skipped.
func (c *CalendarClient) List(ctx context.Context, calendarID string, filter domain.ListFilter, pageToken string) (domain.EventPage, error) {
	call := c.service.Events.List(calendarID).
		ShowDeleted(false).
		MaxResults(listPageSize).
		Context(ctx)
	if filter.RecordID != "" {
		call = call.PrivateExtendedProperty(PropRecord + "=" + filter.RecordID)
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	events, err := execute(c, func() (*calendar.Events, error) { return call.Do() })
	if err != nil {
		return domain.EventPage{}, err
	}

	page := domain.EventPage{NextPageToken: events.NextPageToken}
	for _, item := range events.Items {
		if item.ExtendedProperties == nil {
			continue
		}
		key, err := models.ParseEventKey(item.ExtendedProperties.Private[PropKey])
		if err != nil {
			continue
		}
		page.Items = append(page.Items, domain.ListedEvent{ID: item.Id, Key: key})
	}
	return page, nil
}

func execute[T any](c *CalendarClient, fn func() (T, error)) (T, error) {
	var zero T
	v, err := c.breaker.Execute(func() (any, error) {
		r, err := fn()
		return r, normalizeError(err)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return zero, fmt.Errorf("calendar api unavailable: %w", err)
	}
	if err != nil {
		return zero, err
	}
	return v.(T), nil
}

// toEvent renders an all-day, non-blocking event.
func toEvent(d models.EventDescriptor) *calendar.Event {
	reminders := &calendar.EventReminders{UseDefault: true}
	if len(d.ReminderMinutes) > 0 {
		reminders = &calendar.EventReminders{UseDefault: false, ForceSendFields: []string{"UseDefault"}}
		for _, m := range d.ReminderMinutes {
			reminders.Overrides = append(reminders.Overrides, &calendar.EventReminder{Method: "popup", Minutes: int64(m)})
		}
	}

	return &calendar.Event{
		Summary:      d.Title,
		Description:  d.Description,
		Start:        &calendar.EventDateTime{Date: d.Start.Format(models.DateLayout)},
		End:          &calendar.EventDateTime{Date: d.End.Format(models.DateLayout)},
		Transparency: "transparent",
		Status:       "confirmed",
		Reminders:    reminders,
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{
				PropRecord: d.RecordID,
				PropKey:    d.Key.String(),
			},
		},
	}
}

// normalizeError converts googleapi errors into *domain.APIError.
func normalizeError(err error) error {
	if err == nil {
		return nil
	}
	var gErr *googleapi.Error
	if !errors.As(err, &gErr) {
		return err
	}
	reason := ""
	if len(gErr.Errors) > 0 {
		reason = gErr.Errors[0].Reason
	}
	msg := gErr.Message
	if msg == "" && len(gErr.Errors) > 0 {
		msg = gErr.Errors[0].Message
	}
	return &domain.APIError{Code: gErr.Code, Reason: reason, Message: msg}
}

func isOutage(err error) bool {
	var apiErr *domain.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code >= 500
	}
	return !errors.Is(err, context.Canceled)
}

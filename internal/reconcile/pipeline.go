package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"remindsync/internal/domain"
	"remindsync/internal/metrics"
	"remindsync/internal/models"
	"remindsync/internal/retry"
)

// DeterministicEventID derives the external event ID for (record, key).
// Lowercase hex is valid in the calendar's base32hex ID alphabet.
func DeterministicEventID(recordID string, key models.EventKey) string {
	sum := sha256.Sum256([]byte(recordID + key.String()))
	return hex.EncodeToString(sum[:])
}

type Stats struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
	Failed  int `json:"failed"`
}

// Outcome is what one execution learned about the external calendar. It is
// a delta: Apply replays it on whatever map is current at write-back time.
type Outcome struct {
	Stats      Stats
	FailedKeys []models.EventKey
	Errors     map[models.EventKey]error

	confirmed map[models.EventKey]string
	removed   map[models.EventKey]bool
}

func newOutcome() *Outcome {
	return &Outcome{
		Errors:    make(map[models.EventKey]error),
		confirmed: make(map[models.EventKey]string),
		removed:   make(map[models.EventKey]bool),
	}
}

// Apply returns base with this execution's confirmations and removals.
func (o *Outcome) Apply(base models.EventMap) models.EventMap {
	merged := base.Clone()
	if merged == nil {
		merged = models.EventMap{}
	}
	for k := range o.removed {
		delete(merged, k)
	}
	for k, id := range o.confirmed {
		merged[k] = id
	}
	return merged
}

// ErrorSummary renders a short message for PARTIAL_SYNC.
func (o *Outcome) ErrorSummary(total int) string {
	if len(o.FailedKeys) == 0 {
		return ""
	}
	const maxDetails = 5
	parts := make([]string, 0, maxDetails)
	for i, k := range o.FailedKeys {
		if i == maxDetails {
			parts = append(parts, fmt.Sprintf("and %d more", len(o.FailedKeys)-maxDetails))
			break
		}
		parts = append(parts, fmt.Sprintf("%s: %v", k, o.Errors[k]))
	}
	return fmt.Sprintf("%d of %d events failed to sync: %s", len(o.FailedKeys), total, strings.Join(parts, "; "))
}

func (o *Outcome) failOp(op operation, err error) {
	o.Stats.Failed++
	o.FailedKeys = append(o.FailedKeys, op.key)
	o.Errors[op.key] = err
	// The ID of a failed update is unconfirmed; the next run recreates it
	// under the deterministic ID. A failed delete keeps its mapping.
	if op.kind == opUpdate {
		o.removed[op.key] = true
	}
}

type opKind string

const (
	opCreate opKind = "create"
	opUpdate opKind = "update"
	opDelete opKind = "delete"
)

type operation struct {
	kind opKind
	key  models.EventKey
	run  func(context.Context) error
}

// Pipeline executes a Plan against one calendar account, one call at a time.
type Pipeline struct {
	retrier *retry.Retrier
	pacing  time.Duration
	sleep   func(context.Context, time.Duration) error
	logger  zerolog.Logger
}

type PipelineOption func(*Pipeline)

// WithPacingSleep overrides the wait between operations. Intended for tests.
func WithPacingSleep(fn func(context.Context, time.Duration) error) PipelineOption {
	return func(p *Pipeline) { p.sleep = fn }
}

func NewPipeline(retrier *retry.Retrier, pacing time.Duration, logger *zerolog.Logger, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		retrier: retrier,
		pacing:  pacing,
		sleep:   retry.SleepContext,
		logger:  logger.With().Str("component", "pipeline").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Execute runs creates, then updates, then deletes. A failing operation does
// not stop the rest, except that after an authorization failure the remaining
// operations are marked failed without calling the service.
func (p *Pipeline) Execute(ctx context.Context, acct *domain.CalendarAccount, recordID string, plan Plan) *Outcome {
	out := newOutcome()
	ops := p.operations(acct, recordID, plan, out)

	var stop error
	for i, op := range ops {
		if stop == nil && ctx.Err() != nil {
			stop = ctx.Err()
		}
		if stop == nil && i > 0 && p.pacing > 0 {
			if err := p.sleep(ctx, p.pacing); err != nil {
				stop = err
			}
		}
		if stop != nil {
			out.failOp(op, stop)
			continue
		}

		err := op.run(ctx)
		if err == nil {
			metrics.ObserveCalendarOp(string(op.kind), "ok")
			continue
		}

		metrics.ObserveCalendarOp(string(op.kind), "error")
		out.failOp(op, err)
		if domain.IsAuth(err) {
			stop = err
		}
		p.logger.Warn().Err(err).
			Str("record_id", recordID).
			Str("key", op.key.String()).
			Str("op", string(op.kind)).
			Msg("calendar operation failed")
	}

	sort.Slice(out.FailedKeys, func(i, j int) bool { return out.FailedKeys[i].String() < out.FailedKeys[j].String() })
	return out
}

func (p *Pipeline) operations(acct *domain.CalendarAccount, recordID string, plan Plan, out *Outcome) []operation {
	ops := make([]operation, 0, plan.Len())
	for _, d := range plan.Creates {
		d := d
		d.RecordID = recordID
		ops = append(ops, operation{kind: opCreate, key: d.Key, run: func(ctx context.Context) error {
			id, err := p.create(ctx, acct, recordID, d)
			if err != nil {
				return err
			}
			out.confirmed[d.Key] = id
			out.Stats.Created++
			return nil
		}})
	}
	for _, u := range plan.Updates {
		u := u
		u.Descriptor.RecordID = recordID
		ops = append(ops, operation{kind: opUpdate, key: u.Key, run: func(ctx context.Context) error {
			id, err := p.update(ctx, acct, recordID, u)
			if err != nil {
				return err
			}
			out.confirmed[u.Key] = id
			out.Stats.Updated++
			return nil
		}})
	}
	for _, d := range plan.Deletes {
		d := d
		ops = append(ops, operation{kind: opDelete, key: d.Key, run: func(ctx context.Context) error {
			if err := p.delete(ctx, acct, d); err != nil {
				return err
			}
			out.removed[d.Key] = true
			out.Stats.Deleted++
			return nil
		}})
	}
	return ops
}

// create inserts under the deterministic ID. A conflict means an earlier
// attempt created the event without recording it, so the event is patched
// instead.
func (p *Pipeline) create(ctx context.Context, acct *domain.CalendarAccount, recordID string, d models.EventDescriptor) (string, error) {
	eventID := DeterministicEventID(recordID, d.Key)
	id, err := retry.Call(ctx, p.retrier, func(ctx context.Context) (string, error) {
		return acct.API.Insert(ctx, acct.CalendarID, d, eventID)
	})
	if err == nil {
		if id == "" {
			id = eventID
		}
		return id, nil
	}
	if !domain.IsConflict(err) {
		return "", fmt.Errorf("create %s: %w", d.Key, err)
	}

	p.logger.Debug().Str("record_id", recordID).Str("key", d.Key.String()).Msg("event already exists, patching")
	if err := p.patch(ctx, acct, eventID, d); err != nil {
		return "", fmt.Errorf("adopt existing %s: %w", d.Key, err)
	}
	return eventID, nil
}

// update patches the mapped event; if it vanished externally it is recreated.
func (p *Pipeline) update(ctx context.Context, acct *domain.CalendarAccount, recordID string, u Update) (string, error) {
	err := p.patch(ctx, acct, u.ExternalID, u.Descriptor)
	if err == nil {
		return u.ExternalID, nil
	}
	if !domain.IsGone(err) {
		return "", fmt.Errorf("update %s: %w", u.Key, err)
	}

	p.logger.Debug().Str("record_id", recordID).Str("key", u.Key.String()).Msg("mapped event is gone, recreating")
	return p.create(ctx, acct, recordID, u.Descriptor)
}

func (p *Pipeline) delete(ctx context.Context, acct *domain.CalendarAccount, d Delete) error {
	err := p.retrier.Do(ctx, func(ctx context.Context) error {
		return acct.API.Delete(ctx, acct.CalendarID, d.ExternalID)
	})
	if err == nil || domain.IsGone(err) {
		return nil
	}
	return fmt.Errorf("delete %s: %w", d.Key, err)
}

func (p *Pipeline) patch(ctx context.Context, acct *domain.CalendarAccount, eventID string, d models.EventDescriptor) error {
	return p.retrier.Do(ctx, func(ctx context.Context) error {
		return acct.API.Patch(ctx, acct.CalendarID, eventID, d)
	})
}

package reconcile

import (
	"fmt"
	"sort"

	"remindsync/internal/domain"
	"remindsync/internal/models"
)

type Update struct {
	Key        models.EventKey
	ExternalID string
	Descriptor models.EventDescriptor
}

type Delete struct {
	Key        models.EventKey
	ExternalID string
}

// Plan is the set of external operations for one record. Keys are disjoint
// across the three lists.
type Plan struct {
	Creates []models.EventDescriptor
	Updates []Update
	Deletes []Delete
	// Retained are past-cycle orphans of an active record, left in place.
	Retained []models.EventKey
}

func (p Plan) Len() int {
	return len(p.Creates) + len(p.Updates) + len(p.Deletes)
}

// Diff compares desired descriptors with the recorded map. For archived
// records the desired list is ignored and every mapped event is deleted.
func Diff(desired []models.EventDescriptor, existing models.EventMap, boundary models.CycleBoundary, archived bool) (Plan, error) {
	var plan Plan
	if archived {
		desired = nil
	}

	wanted := make(map[models.EventKey]struct{}, len(desired))
	for _, d := range desired {
		if err := d.Validate(); err != nil {
			return Plan{}, err
		}
		if _, dup := wanted[d.Key]; dup {
			return Plan{}, fmt.Errorf("%w: %s", domain.ErrDuplicateEventKey, d.Key)
		}
		wanted[d.Key] = struct{}{}

		if id, ok := existing[d.Key]; ok {
			plan.Updates = append(plan.Updates, Update{Key: d.Key, ExternalID: id, Descriptor: d})
		} else {
			plan.Creates = append(plan.Creates, d)
		}
	}

	for key, id := range existing {
		if _, ok := wanted[key]; ok {
			continue
		}
		if archived || boundary.IsFutureOrCurrent(key) {
			plan.Deletes = append(plan.Deletes, Delete{Key: key, ExternalID: id})
		} else {
			plan.Retained = append(plan.Retained, key)
		}
	}

	sort.Slice(plan.Deletes, func(i, j int) bool { return plan.Deletes[i].Key.String() < plan.Deletes[j].Key.String() })
	sort.Slice(plan.Retained, func(i, j int) bool { return plan.Retained[i].String() < plan.Retained[j].String() })
	return plan, nil
}

package models

import (
	"fmt"
	"strconv"
	"strings"
)

// DateSystem identifies the calendar a projected occurrence belongs to.
type DateSystem uint8

const (
	Gregorian DateSystem = iota + 1
	Lunar
)

const (
	gregorianTag = "gregorian"
	lunarTag     = "hebrew"
)

func (s DateSystem) String() string {
	switch s {
	case Gregorian:
		return gregorianTag
	case Lunar:
		return lunarTag
	default:
		return "unknown"
	}
}

// GregorianYear is a cycle number in the gregorian calendar.
type GregorianYear int

// LunarYear is a cycle number in the hebrew lunisolar calendar (e.g. 5791).
type LunarYear int

// EventKey identifies one projected occurrence. The zero value is invalid;
// build keys with GregorianKey or LunarKey.
type EventKey struct {
	system DateSystem
	year   int
}

func GregorianKey(y GregorianYear) EventKey {
	return EventKey{system: Gregorian, year: int(y)}
}

func LunarKey(y LunarYear) EventKey {
	return EventKey{system: Lunar, year: int(y)}
}

func (k EventKey) System() DateSystem { return k.system }

func (k EventKey) IsZero() bool { return k.system == 0 }

// Visit dispatches on the key's date system. Exactly one callback runs.
func (k EventKey) Visit(gregorian func(GregorianYear), lunar func(LunarYear)) {
	switch k.system {
	case Gregorian:
		gregorian(GregorianYear(k.year))
	case Lunar:
		lunar(LunarYear(k.year))
	}
}

// String renders the persisted form, e.g. "gregorian_2031" or "hebrew_5791".
func (k EventKey) String() string {
	return k.system.String() + "_" + strconv.Itoa(k.year)
}

func (k EventKey) MarshalText() ([]byte, error) {
	if k.IsZero() {
		return nil, fmt.Errorf("marshal zero event key")
	}
	return []byte(k.String()), nil
}

func (k *EventKey) UnmarshalText(b []byte) error {
	parsed, err := ParseEventKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseEventKey parses the persisted form produced by EventKey.String.
func ParseEventKey(raw string) (EventKey, error) {
	tag, yearStr, ok := strings.Cut(strings.TrimSpace(raw), "_")
	if !ok {
		return EventKey{}, fmt.Errorf("invalid event key %q", raw)
	}
	year, err := strconv.Atoi(yearStr)
	if err != nil || year <= 0 {
		return EventKey{}, fmt.Errorf("invalid event key year %q", raw)
	}
	switch tag {
	case gregorianTag:
		return GregorianKey(GregorianYear(year)), nil
	case lunarTag:
		return LunarKey(LunarYear(year)), nil
	default:
		return EventKey{}, fmt.Errorf("unknown date system in event key %q", raw)
	}
}

// CycleBoundary holds the current cycle of each date system.
type CycleBoundary struct {
	Gregorian GregorianYear
	Lunar     LunarYear
}

// IsFutureOrCurrent reports whether the key's cycle has not yet passed.
func (b CycleBoundary) IsFutureOrCurrent(k EventKey) bool {
	future := false
	k.Visit(
		func(y GregorianYear) { future = y >= b.Gregorian },
		func(y LunarYear) { future = y >= b.Lunar },
	)
	return future
}

// EventMap maps projected occurrences to the external event IDs confirmed to exist.
type EventMap map[EventKey]string

func (m EventMap) Clone() EventMap {
	out := make(EventMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

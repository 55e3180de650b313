package reconcile

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"remindsync/internal/models"
)

// hashInput is the field set whose changes affect the desired calendar output.
// Anything outside this struct must not influence the hash.
type hashInput struct {
	Name        string   `json:"name"`
	LastName    string   `json:"lastName"`
	Date        string   `json:"date"`
	AfterSunset bool     `json:"afterSunset"`
	Preference  string   `json:"preference"`
	Archived    bool     `json:"archived"`
	Notes       string   `json:"notes"`
	Groups      []string `json:"groups"`
}

// ComputeHash returns the content hash stored as SyncStatus.DataHash.
func ComputeHash(rec *models.SyncRecord, pref models.CalendarPreference) string {
	groups := append([]string(nil), rec.GroupIDs...)
	sort.Strings(groups)
	if groups == nil {
		groups = []string{}
	}

	date := ""
	if !rec.BirthDate.IsZero() {
		date = rec.BirthDate.Format(models.DateLayout)
	}

	raw, _ := json.Marshal(hashInput{
		Name:        rec.FirstName,
		LastName:    rec.LastName,
		Date:        date,
		AfterSunset: rec.AfterSunset,
		Preference:  string(pref),
		Archived:    rec.Archived,
		Notes:       rec.Notes,
		Groups:      groups,
	})
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// ShouldSkip reports whether the whole pipeline can be skipped. A record with
// no mapped events never skips, so a cleared map heals itself.
func ShouldSkip(prev *models.SyncStatus, mappedEvents int, hash string, force bool) bool {
	if force || mappedEvents == 0 || prev == nil {
		return false
	}
	return prev.Status == models.StatusSynced && prev.DataHash == hash
}

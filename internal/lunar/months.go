package lunar

import (
	"strings"

	"remindsync/internal/models"
)

const (
	monthAdar   = "Adar"
	monthAdarI  = "Adar1"
	monthAdarII = "Adar2"
)

// IsLeapYear applies the 19-year Metonic cycle: years 3, 6, 8, 11, 14, 17
// and 19 of each cycle have a thirteenth month.
func IsLeapYear(y models.LunarYear) bool {
	return (7*int(y)+1)%19 < 7
}

// CanonicalMonth maps the converter's display names ("Adar II", "Sh'vat")
// to the names it accepts as input.
func CanonicalMonth(name string) string {
	n := strings.TrimSpace(name)
	switch strings.ToLower(strings.NewReplacer("'", "", " ", "").Replace(n)) {
	case "adari", "adar1":
		return monthAdarI
	case "adarii", "adar2":
		return monthAdarII
	case "adar":
		return monthAdar
	case "shvat", "shevat":
		return "Shvat"
	case "iyar", "iyyar":
		return "Iyyar"
	case "tamuz", "tammuz":
		return "Tamuz"
	case "cheshvan", "heshvan", "marcheshvan":
		return "Cheshvan"
	case "tishrei", "tishri":
		return "Tishrei"
	}
	return n
}

// MonthForYear picks the Adar variant that exists in year. A plain Adar
// birthday is observed in Adar II of a leap year.
func MonthForYear(month string, year models.LunarYear) string {
	month = CanonicalMonth(month)
	leap := IsLeapYear(year)
	switch month {
	case monthAdar:
		if leap {
			return monthAdarII
		}
	case monthAdarI, monthAdarII:
		if !leap {
			return monthAdar
		}
	}
	return month
}

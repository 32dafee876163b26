package intent

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
)

var birthdatePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(\d{1,2})[/-](\d{1,2})[/-](\d{4})`), // MM/DD/YYYY, M-D-YYYY
	regexp.MustCompile(`(\d{4})[/-](\d{1,2})[/-](\d{1,2})`), // YYYY-MM-DD, YYYY/MM/DD
}

// ParseBirthdate finds the first date in text written as MM/DD/YYYY, MM-DD-YYYY,
// YYYY-MM-DD or YYYY/MM/DD (one- or two-digit month and day). The returned time
// is midnight UTC. Calendar-invalid dates such as 02/30/2023 are rejected.
func ParseBirthdate(text string) (time.Time, bool) {
	text = strings.TrimSpace(text)
	for _, re := range birthdatePatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			var year, month, day int
			if len(m[1]) == 4 {
				year, month, day = atoi(m[1]), atoi(m[2]), atoi(m[3])
			} else {
				month, day, year = atoi(m[1]), atoi(m[2]), atoi(m[3])
			}
			if t, ok := validDate(year, month, day); ok {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func validDate(year, month, day int) (time.Time, bool) {
	if year < 1 || month < 1 || month > 12 || day < 1 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Year() != year || int(t.Month()) != month || t.Day() != day {
		return time.Time{}, false
	}
	return t, true
}

// titleCase upper-cases the first letter of each run of letters and lower-cases the rest.
func titleCase(s string) string {
	var b strings.Builder
	prevLetter := false
	for _, r := range s {
		if unicode.IsLetter(r) {
			if prevLetter {
				b.WriteRune(unicode.ToLower(r))
			} else {
				b.WriteRune(unicode.ToUpper(r))
			}
			prevLetter = true
			continue
		}
		b.WriteRune(r)
		prevLetter = false
	}
	return b.String()
}

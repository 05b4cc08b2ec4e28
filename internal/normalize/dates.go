package normalize

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Canonical layouts for normalized date and time fields.
const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

// ErrUnparseableDate is wrapped by ParseDate and ParseTime failures.
var ErrUnparseableDate = errors.New("unparseable date")

var digitFolder = strings.NewReplacer(
	// Extended Arabic-Indic (Urdu, Persian).
	"۰", "0", "۱", "1", "۲", "2", "۳", "3", "۴", "4",
	"۵", "5", "۶", "6", "۷", "7", "۸", "8", "۹", "9",
	// Arabic-Indic.
	"٠", "0", "١", "1", "٢", "2", "٣", "3", "٤", "4",
	"٥", "5", "٦", "6", "٧", "7", "٨", "8", "٩", "9",
	// Arabic comma and date separator.
	"،", ",",
	"؍", "/",
)

var monthFolder = strings.NewReplacer(
	"جنوری", "January",
	"فروری", "February",
	"مارچ", "March",
	"اپریل", "April",
	"مئی", "May",
	"جون", "June",
	"جولائی", "July",
	"اگست", "August",
	"ستمبر", "September",
	"اکتوبر", "October",
	"نومبر", "November",
	"دسمبر", "December",
)

var (
	ordinalSuffix = regexp.MustCompile(`(?i)\b(\d{1,2})(st|nd|rd|th)\b`)
	datePrefix    = regexp.MustCompile(`(?i)^(published|updated|posted|last updated)\s*(on|at)?\s*:?\s*`)
)

var builtinDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	DateLayout,
	"2006/01/02",
	"02-01-2006",
	"02/01/2006",
	"2 January 2006",
	"2 January, 2006",
	"2 Jan 2006",
	"2 Jan, 2006",
	"January 2, 2006",
	"January 2 2006",
	"Jan 2, 2006",
	"Jan 2 2006",
	"Monday, January 2, 2006",
	"Monday, 2 January 2006",
	"Mon, 2 Jan 2006",
	time.RFC1123Z,
	time.RFC1123,
	"January 2, 2006 3:04 PM",
	"Jan 2, 2006 3:04 PM",
	"2 January 2006 3:04 PM",
	"2 Jan 2006 15:04",
}

var timeLayouts = []string{
	"15:04",
	"15:04:05",
	"3:04 PM",
	"3:04PM",
	"3:04:05 PM",
	"3 PM",
	"3PM",
}

// FoldDigits maps Eastern Arabic digits and separators to ASCII.
func FoldDigits(s string) string {
	return digitFolder.Replace(s)
}

// ParseDate reads a date written in any supported locale. Extra layouts are
// tried first. Values without an offset are read in loc.
func ParseDate(raw string, extra []string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	value := prepareDate(raw)
	if value == "" {
		return time.Time{}, fmt.Errorf("%w: empty", ErrUnparseableDate)
	}
	for _, layouts := range [][]string{extra, builtinDateLayouts} {
		for _, layout := range layouts {
			if t, err := time.ParseInLocation(layout, value, loc); err == nil {
				return t, nil
			}
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrUnparseableDate, raw)
}

// ParseTime reads a clock time such as "10:30", "۱۰:۳۰" or "3:04 pm".
func ParseTime(raw string) (time.Time, error) {
	value := strings.ToUpper(strings.Join(strings.Fields(FoldDigits(raw)), " "))
	value = strings.NewReplacer("A.M.", "AM", "P.M.", "PM").Replace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("%w: empty time", ErrUnparseableDate)
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: time %q", ErrUnparseableDate, raw)
}

func prepareDate(raw string) string {
	value := monthFolder.Replace(FoldDigits(raw))
	value = strings.Join(strings.Fields(value), " ")
	value = datePrefix.ReplaceAllString(value, "")
	value = ordinalSuffix.ReplaceAllString(value, "$1")
	value = strings.NewReplacer("a.m.", "AM", "p.m.", "PM", " am", " AM", " pm", " PM").Replace(value)
	return strings.TrimSpace(strings.Trim(value, ",|-"))
}

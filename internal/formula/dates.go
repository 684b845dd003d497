package formula

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const defaultDatePattern = "yyyy-MM-dd"

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006-01",
}

// parseDate accepts dates, ISO 8601 text and millisecond timestamps. Text without a zone is
// read in loc.
func parseDate(v any, loc *time.Location) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return time.Time{}, false
		}
		return time.UnixMilli(int64(x)).In(loc), true
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range isoLayouts {
			if t, err := time.ParseInLocation(layout, s, loc); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// addToDate shifts t by amount units. Without calendar arithmetic a month is 30 days and a
// year is 365 days.
func addToDate(t time.Time, amount int, unit string, calendar bool) time.Time {
	switch unit {
	case "days":
		return t.AddDate(0, 0, amount)
	case "months":
		if calendar {
			return addMonthsClamped(t, amount)
		}
		return t.AddDate(0, 0, amount*30)
	case "years":
		if calendar {
			return addMonthsClamped(t, amount*12)
		}
		return t.AddDate(0, 0, amount*365)
	default:
		return t
	}
}

// addMonthsClamped keeps the day of month, clamping to the last day of the target month.
func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return first.AddDate(0, 0, d-1)
}

func dateDifference(start, end time.Time, unit string) float64 {
	switch unit {
	case "days":
		return math.Trunc(end.Sub(start).Hours() / 24)
	case "months":
		return float64(fullMonths(start, end))
	case "years":
		return float64(fullMonths(start, end) / 12)
	default:
		return 0
	}
}

// fullMonths counts whole calendar months from start to end, negative when end is earlier.
func fullMonths(start, end time.Time) int {
	sign := 1
	if end.Before(start) {
		start, end = end, start
		sign = -1
	}
	end = end.In(start.Location())
	months := (end.Year()-start.Year())*12 + int(end.Month()-start.Month())
	if months > 0 && remainderBefore(end, start) {
		months--
	}
	return sign * months
}

// remainderBefore reports whether end's day and clock fall before start's within a month.
func remainderBefore(end, start time.Time) bool {
	if end.Day() != start.Day() {
		return end.Day() < start.Day()
	}
	es := end.Hour()*3600 + end.Minute()*60 + end.Second()
	ss := start.Hour()*3600 + start.Minute()*60 + start.Second()
	if es != ss {
		return es < ss
	}
	return end.Nanosecond() < start.Nanosecond()
}

// formatDate renders t with date-fns style pattern tokens. Text inside single quotes is
// copied verbatim and '' is a literal quote.
func formatDate(t time.Time, pattern string) (string, error) {
	var b strings.Builder
	runes := []rune(pattern)
	for i := 0; i < len(runes); {
		c := runes[i]
		if c == '\'' {
			j := i + 1
			if j < len(runes) && runes[j] == '\'' {
				b.WriteRune('\'')
				i += 2
				continue
			}
			for j < len(runes) {
				if runes[j] == '\'' {
					if j+1 < len(runes) && runes[j+1] == '\'' {
						b.WriteRune('\'')
						j += 2
						continue
					}
					break
				}
				b.WriteRune(runes[j])
				j++
			}
			i = j + 1
			continue
		}
		if !isASCIILetter(c) {
			b.WriteRune(c)
			i++
			continue
		}
		j := i
		for j < len(runes) && runes[j] == c {
			j++
		}
		text, err := formatToken(t, c, j-i)
		if err != nil {
			return "", err
		}
		b.WriteString(text)
		i = j
	}
	return b.String(), nil
}

func formatToken(t time.Time, letter rune, count int) (string, error) {
	switch letter {
	case 'y':
		year := t.Year()
		if count == 2 {
			return pad(year%100, 2), nil
		}
		return pad(year, count), nil
	case 'M':
		switch count {
		case 1, 2:
			return pad(int(t.Month()), count), nil
		case 3:
			return t.Month().String()[:3], nil
		default:
			return t.Month().String(), nil
		}
	case 'd':
		if count <= 2 {
			return pad(t.Day(), count), nil
		}
	case 'D':
		return pad(t.YearDay(), count), nil
	case 'E':
		if count <= 3 {
			return t.Weekday().String()[:3], nil
		}
		return t.Weekday().String(), nil
	case 'H':
		if count <= 2 {
			return pad(t.Hour(), count), nil
		}
	case 'h':
		if count <= 2 {
			h := t.Hour() % 12
			if h == 0 {
				h = 12
			}
			return pad(h, count), nil
		}
	case 'm':
		if count <= 2 {
			return pad(t.Minute(), count), nil
		}
	case 's':
		if count <= 2 {
			return pad(t.Second(), count), nil
		}
	case 'S':
		frac := pad(t.Nanosecond(), 9)
		if count > 9 {
			count = 9
		}
		return frac[:count], nil
	case 'a':
		if t.Hour() < 12 {
			return "AM", nil
		}
		return "PM", nil
	case 'Q':
		return strconv.Itoa((int(t.Month())-1)/3 + 1), nil
	}
	return "", fmt.Errorf("unsupported date format token %q", strings.Repeat(string(letter), count))
}

func pad(n, width int) string {
	s := strconv.Itoa(n)
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}

func isASCIILetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

package param

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// namedLayouts maps the named formats accepted in sql.args.N.format to Go
// layouts. Where the named format allows an optional offset, both variants
// are tried in order.
var namedLayouts = map[string][]string{
	"BASIC_ISO_DATE":       {"20060102", "20060102Z0700"},
	"ISO_LOCAL_DATE":       {"2006-01-02"},
	"ISO_OFFSET_DATE":      {"2006-01-02Z07:00"},
	"ISO_DATE":             {"2006-01-02", "2006-01-02Z07:00"},
	"ISO_LOCAL_TIME":       {"15:04:05", "15:04"},
	"ISO_OFFSET_TIME":      {"15:04:05Z07:00", "15:04Z07:00"},
	"ISO_TIME":             {"15:04:05", "15:04:05Z07:00", "15:04"},
	"ISO_LOCAL_DATE_TIME":  {"2006-01-02T15:04:05", "2006-01-02T15:04"},
	"ISO_OFFSET_DATE_TIME": {"2006-01-02T15:04:05Z07:00"},
	"ISO_ZONED_DATE_TIME":  {"2006-01-02T15:04:05Z07:00"},
	"ISO_DATE_TIME":        {"2006-01-02T15:04:05Z07:00", "2006-01-02T15:04:05"},
	"ISO_ORDINAL_DATE":     {"2006-002", "2006-002Z07:00"},
	"ISO_INSTANT":          {"2006-01-02T15:04:05Z07:00"},
	"RFC_1123_DATE_TIME":   {"Mon, 2 Jan 2006 15:04:05 MST", "Mon, 2 Jan 2006 15:04:05 -0700", "2 Jan 2006 15:04:05 MST"},
}

// isoWeekDate names the week-based date format, e.g. "2012-W48-6". Go layouts
// have no week fields, so it is parsed by parseWeekDate instead.
const isoWeekDate = "ISO_WEEK_DATE"

var weekDatePattern = regexp.MustCompile(`^(\d{4})-W(\d{2})-([1-7])(Z|[+-]\d{2}:\d{2})?$`)

// parseWeekDate parses an ISO-8601 week date with an optional offset. Week 1
// is the week holding the year's first Thursday; days run Monday=1 to
// Sunday=7.
func parseWeekDate(v string, loc *time.Location) (time.Time, error) {
	m := weekDatePattern.FindStringSubmatch(v)
	if m == nil {
		return time.Time{}, fmt.Errorf("%q is not an ISO week date (want yyyy-Www-d)", v)
	}
	year, _ := strconv.Atoi(m[1])
	week, _ := strconv.Atoi(m[2])
	day, _ := strconv.Atoi(m[3])

	if m[4] != "" {
		off, err := time.Parse("Z07:00", m[4])
		if err != nil {
			return time.Time{}, err
		}
		loc = off.Location()
	}

	// January 4th always falls in week 1.
	jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, loc)
	monday := jan4.AddDate(0, 0, -((int(jan4.Weekday()) + 6) % 7))
	t := monday.AddDate(0, 0, (week-1)*7+day-1)

	if y, w := t.ISOWeek(); y != year || w != week {
		return time.Time{}, fmt.Errorf("week %d out of range for %d", week, year)
	}
	return t, nil
}

// formatError reports a pattern that cannot be translated to a Go layout.
type formatError struct {
	pattern string
	reason  string
}

func (e *formatError) Error() string {
	return fmt.Sprintf("pattern %q: %s", e.pattern, e.reason)
}

func asFormatError(err error, target **formatError) bool {
	return errors.As(err, target)
}

// Layouts returns the Go layouts for a named format or a custom
// DateTimeFormatter-style pattern such as "yyyy-MM-dd HH:mm:ss.SSS".
// ISO_WEEK_DATE has no layout and is rejected here.
func Layouts(format string) ([]string, error) {
	if format == isoWeekDate {
		return nil, &formatError{pattern: format, reason: "week dates have no Go layout"}
	}
	if ls, ok := namedLayouts[format]; ok {
		return ls, nil
	}
	layout, err := convertPattern(format)
	if err != nil {
		return nil, err
	}
	return []string{layout}, nil
}

// stripZoneID drops a trailing region ID such as "[Europe/Paris]", which Go
// layouts cannot express. The numeric offset before it is kept.
func stripZoneID(v string) string {
	if strings.HasSuffix(v, "]") {
		if i := strings.LastIndexByte(v, '['); i > 0 {
			return v[:i]
		}
	}
	return v
}

// convertPattern translates pattern letters run by run.
func convertPattern(pattern string) (string, error) {
	var b strings.Builder
	runes := []rune(pattern)

	for i := 0; i < len(runes); {
		c := runes[i]

		if c == '\'' {
			// Quoted literal; '' is an escaped quote.
			j := i + 1
			if j < len(runes) && runes[j] == '\'' {
				b.WriteRune('\'')
				i = j + 1
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
			if j >= len(runes) {
				return "", &formatError{pattern: pattern, reason: "unterminated quote"}
			}
			i = j + 1
			continue
		}

		if !isPatternLetter(c) {
			b.WriteRune(c)
			i++
			continue
		}

		n := 1
		for i+n < len(runes) && runes[i+n] == c {
			n++
		}
		tok, err := layoutToken(c, n)
		if err != nil {
			return "", &formatError{pattern: pattern, reason: err.Error()}
		}
		b.WriteString(tok)
		i += n
	}

	return b.String(), nil
}

func isPatternLetter(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func layoutToken(c rune, n int) (string, error) {
	switch c {
	case 'y', 'u':
		if n == 2 {
			return "06", nil
		}
		return "2006", nil
	case 'M', 'L':
		switch {
		case n == 1:
			return "1", nil
		case n == 2:
			return "01", nil
		case n == 3:
			return "Jan", nil
		default:
			return "January", nil
		}
	case 'd':
		if n == 1 {
			return "2", nil
		}
		return "02", nil
	case 'D':
		return "002", nil
	case 'H':
		return "15", nil
	case 'h':
		if n == 1 {
			return "3", nil
		}
		return "03", nil
	case 'm':
		if n == 1 {
			return "4", nil
		}
		return "04", nil
	case 's':
		if n == 1 {
			return "5", nil
		}
		return "05", nil
	case 'S':
		return strings.Repeat("0", n), nil
	case 'a':
		return "PM", nil
	case 'E':
		if n >= 4 {
			return "Monday", nil
		}
		return "Mon", nil
	case 'X':
		switch n {
		case 1:
			return "Z07", nil
		case 2:
			return "Z0700", nil
		default:
			return "Z07:00", nil
		}
	case 'x':
		switch n {
		case 1:
			return "-07", nil
		case 2:
			return "-0700", nil
		default:
			return "-07:00", nil
		}
	case 'Z':
		return "-0700", nil
	case 'z':
		return "MST", nil
	}
	return "", fmt.Errorf("unsupported pattern letter %q", c)
}

// Package cronexpr turns schedule cron specs into standard five-field
// expressions and parses them.
//
// A mapping spec uses the keys minute, hour, day, month and day_of_week.
// Fields coarser than the finest given field default to "*", finer ones to
// their minimum, and day_of_week always defaults to "*". Numeric weekdays
// count from Monday = 0.
package cronexpr

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
)

// field order from coarsest to finest
var fieldOrder = []string{"month", "day", "day_of_week", "hour", "minute"}

var fieldMinimum = map[string]string{
	"month":       "1",
	"day":         "1",
	"day_of_week": "*",
	"hour":        "0",
	"minute":      "0",
}

var weekdays = []string{"mon", "tue", "wed", "thu", "fri", "sat", "sun"}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Expression renders spec (a mapping or a five-field string) as a cron
// expression, prefixed with CRON_TZ when timezone is set. The result is
// checked with Parse before it is returned.
func Expression(spec any, timezone string) (string, error) {
	var expr string
	switch s := spec.(type) {
	case string:
		expr = strings.TrimSpace(s)
		if strings.HasPrefix(expr, "@") {
			break
		}
		if n := len(strings.Fields(expr)); n != 5 {
			return "", fmt.Errorf("cron %q: expected 5 fields, got %d", s, n)
		}
	case map[string]any:
		e, err := fromMapping(s)
		if err != nil {
			return "", err
		}
		expr = e
	default:
		return "", fmt.Errorf("cron must be a mapping or a string, got %T", spec)
	}

	if timezone != "" {
		if _, err := time.LoadLocation(timezone); err != nil {
			return "", fmt.Errorf("unknown timezone '%s'", timezone)
		}
		expr = "CRON_TZ=" + timezone + " " + expr
	}
	if _, err := Parse(expr); err != nil {
		return "", err
	}
	return expr, nil
}

func Parse(expr string) (cron.Schedule, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return sched, nil
}

func fromMapping(m map[string]any) (string, error) {
	for k := range m {
		if !slices.Contains(fieldOrder, k) {
			return "", fmt.Errorf("unsupported cron field '%s'", k)
		}
	}
	if len(m) == 0 {
		return "", fmt.Errorf("cron mapping is empty")
	}

	finest := 0
	for i, name := range fieldOrder {
		if _, ok := m[name]; ok {
			finest = i
		}
	}

	values := make(map[string]string, len(fieldOrder))
	for i, name := range fieldOrder {
		raw, given := m[name]
		switch {
		case given:
			v := strings.TrimSpace(fmt.Sprint(raw))
			if name == "day_of_week" {
				v = weekdayNames(v)
			}
			values[name] = v
		case i < finest:
			values[name] = "*"
		default:
			values[name] = fieldMinimum[name]
		}
	}
	return strings.Join([]string{
		values["minute"], values["hour"], values["day"], values["month"], values["day_of_week"],
	}, " "), nil
}

// weekdayNames rewrites numeric weekdays (Monday = 0) as names so the
// expression does not depend on the parser's Sunday = 0 numbering. The parser
// only accepts ranges inside sun..sat, so a range that reaches or wraps past
// Sunday is expanded into the days it covers.
func weekdayNames(v string) string {
	parts := strings.Split(v, ",")
	for i, part := range parts {
		parts[i] = weekdayPart(part)
	}
	return strings.Join(parts, ",")
}

func weekdayPart(part string) string {
	base, step, hasStep := strings.Cut(part, "/")
	first, last, isRange := strings.Cut(base, "-")
	a, ok := weekdayIndex(first)
	if !ok {
		return part
	}
	if !isRange {
		if hasStep {
			return part
		}
		return weekdays[a]
	}
	b, ok := weekdayIndex(last)
	if !ok {
		return part
	}
	if a <= b && b < len(weekdays)-1 {
		out := weekdays[a] + "-" + weekdays[b]
		if hasStep {
			out += "/" + step
		}
		return out
	}

	stride := 1
	if hasStep {
		n, err := strconv.Atoi(step)
		if err != nil || n < 1 {
			return part
		}
		stride = n
	}
	var days [7]bool
	for d, k := a, 0; ; d, k = (d+1)%len(weekdays), k+1 {
		if k%stride == 0 {
			days[d] = true
		}
		if d == b {
			break
		}
	}
	return weekdayList(days)
}

// weekdayList collapses runs inside mon..sat and appends sun on its own.
func weekdayList(days [7]bool) string {
	var out []string
	for d := 0; d < 6; d++ {
		if !days[d] {
			continue
		}
		end := d
		for end+1 < 6 && days[end+1] {
			end++
		}
		if end == d {
			out = append(out, weekdays[d])
		} else {
			out = append(out, weekdays[d]+"-"+weekdays[end])
		}
		d = end
	}
	if days[6] {
		out = append(out, weekdays[6])
	}
	return strings.Join(out, ",")
}

func weekdayIndex(s string) (int, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		return n, n >= 0 && n < len(weekdays)
	}
	i := slices.Index(weekdays, s)
	return i, i >= 0
}

package askannayml

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

var cronAliases = map[string]string{
	"@hourly":   "0 * * * *",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@weekly":   "0 0 * * 0",
	"@monthly":  "0 0 1 * *",
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
}

// ParseCron validates a five-field expression or alias and returns the
// five-field form.
func ParseCron(raw string) (string, error) {
	expr := strings.Join(strings.Fields(raw), " ")
	if alias, ok := cronAliases[strings.ToLower(expr)]; ok {
		expr = alias
	}
	if expr == "" {
		return "", fmt.Errorf("empty cron expression")
	}
	if len(strings.Fields(expr)) != 5 {
		return "", fmt.Errorf("cron expression %q must have five fields", raw)
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return "", fmt.Errorf("invalid cron expression %q: %w", raw, err)
	}
	return expr, nil
}

// CronFromFields builds an expression from minute, hour, day, month and
// weekday keys. Missing fields default to "0 0 * * *".
func CronFromFields(fields map[string]string) (string, error) {
	order := []struct{ key, fallback string }{
		{"minute", "0"},
		{"hour", "0"},
		{"day", "*"},
		{"month", "*"},
		{"weekday", "*"},
	}
	known := make(map[string]bool, len(order))
	parts := make([]string, 0, len(order))
	for _, f := range order {
		known[f.key] = true
		v := strings.TrimSpace(fields[f.key])
		if v == "" {
			v = f.fallback
		}
		if strings.ContainsAny(v, " \t") {
			return "", fmt.Errorf("schedule field %s=%q contains whitespace", f.key, v)
		}
		parts = append(parts, v)
	}
	for k := range fields {
		if !known[k] {
			return "", fmt.Errorf("unknown schedule field %q", k)
		}
	}
	return ParseCron(strings.Join(parts, " "))
}

// Next returns the first activation of expr strictly after t, evaluated in
// tz, as a minute-aligned UTC time. An unknown tz falls back to fallbackTZ,
// and an unknown fallbackTZ to UTC.
func Next(expr, tz, fallbackTZ string, t time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched.Next(t.In(location(tz, fallbackTZ))).UTC().Truncate(time.Minute), nil
}

func location(tz, fallbackTZ string) *time.Location {
	for _, name := range []string{tz, fallbackTZ} {
		if name == "" {
			continue
		}
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	return time.UTC
}

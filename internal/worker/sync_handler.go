package worker

import (
	"context"
	"errors"
	"time"

	"tax-sync-tracker/internal/backend"
)

// SimulatedSync stands in for the real portal-scraping handlers, which live
// in a separate service. It walks the requested sync window one month at a
// time and reports progress after each period, which is enough to exercise
// the whole tracking pipeline end to end.
//
// Payload knobs: "from"/"to" bound the window, "period_ms" slows each period
// down, {"should_fail": true} fails the job.
func SimulatedSync(ctx context.Context, d backend.Delivery, report ProgressFn) error {
	if val, ok := d.Payload["should_fail"].(bool); ok && val {
		return errors.New("simulated failure requested by payload.should_fail")
	}

	periods := monthlyPeriods(payloadString(d.Payload, "from"), payloadString(d.Payload, "to"))
	if len(periods) == 0 {
		periods = []string{time.Now().UTC().Format("2006-01")}
	}

	var pause time.Duration
	if ms, ok := asInt(d.Payload["period_ms"]); ok && ms > 0 {
		pause = time.Duration(ms) * time.Millisecond
	}

	for i := range periods {
		if pause > 0 && !sleep(ctx, pause) {
			return ctx.Err()
		}
		report(ctx, (i+1)*100/len(periods))
	}
	return nil
}

// monthlyPeriods expands a date window into year-month labels, inclusive on
// both ends. Dates parse as 2006-01-02 or 2006-01.
func monthlyPeriods(from, to string) []string {
	start, ok := parseDate(from)
	if !ok {
		return nil
	}
	end, ok := parseDate(to)
	if !ok || end.Before(start) {
		return nil
	}
	start = time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)
	end = time.Date(end.Year(), end.Month(), 1, 0, 0, 0, 0, time.UTC)

	var out []string
	for cur := start; !cur.After(end); cur = cur.AddDate(0, 1, 0) {
		out = append(out, cur.Format("2006-01"))
	}
	return out
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range []string{"2006-01-02", "2006-01"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func payloadString(p map[string]any, key string) string {
	s, _ := p[key].(string)
	return s
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	default:
		return 0, false
	}
}

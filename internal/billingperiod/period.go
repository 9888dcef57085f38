package billingperiod

import (
	"fmt"
	"time"

	"github.com/smallbiznis/genquota/internal/billingperiod/domain"
)

const (
	calendarKeyPrefix = "calendar_"
	keyDateLayout     = "2006-01-02"
)

// CalendarPeriod returns the UTC calendar month containing now.
func CalendarPeriod(now time.Time) domain.Period {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	return domain.Period{
		Key:   fmt.Sprintf("%s%04d-%02d", calendarKeyPrefix, start.Year(), int(start.Month())),
		Start: start,
		End:   end,
	}
}

// AnchoredPeriod returns the monthly period, counted from anchor, that
// contains now. It reports false when now is before the anchor.
func AnchoredPeriod(anchor, now time.Time) (domain.Period, bool) {
	anchor = anchor.UTC()
	now = now.UTC()
	if anchor.IsZero() || now.Before(anchor) {
		return domain.Period{}, false
	}

	months := (now.Year()-anchor.Year())*12 + int(now.Month()) - int(anchor.Month())
	start := AddMonths(anchor, months)
	for months > 0 && start.After(now) {
		months--
		start = AddMonths(anchor, months)
	}
	end := AddMonths(anchor, months+1)
	for !now.Before(end) {
		months++
		start = end
		end = AddMonths(anchor, months+1)
	}

	return domain.Period{
		Key:    PeriodKey(start, end),
		Start:  start,
		End:    end,
		IsPaid: true,
	}, true
}

// PeriodKey formats a paid period key, e.g. "2025-01-15_to_2025-02-15".
func PeriodKey(start, end time.Time) string {
	return start.UTC().Format(keyDateLayout) + "_to_" + end.UTC().Format(keyDateLayout)
}

// AddMonths adds n months to anchor, clamping the day to the end of shorter
// months. Jan 31 plus one month is Feb 28 (or 29), plus two is Mar 31.
func AddMonths(anchor time.Time, n int) time.Time {
	anchor = anchor.UTC()
	total := int(anchor.Month()) - 1 + n
	year := anchor.Year() + total/12
	month := total % 12
	if month < 0 {
		month += 12
		year--
	}
	m := time.Month(month + 1)

	day := anchor.Day()
	if last := daysIn(year, m); day > last {
		day = last
	}
	return time.Date(year, m, day, anchor.Hour(), anchor.Minute(), anchor.Second(), anchor.Nanosecond(), time.UTC)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

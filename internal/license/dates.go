package license

import "time"

// defaultAnchorDay applies when the owner profile has no anchor configured.
const defaultAnchorDay = 5

// nextAnchorDate returns the billing anchor in the calendar month after t's
// month, at 00:00 UTC. The day clamps to [1,28] so February and 30-day months
// cannot shift the anchor. A lifetime seat freed by an unlink only returns to
// the pool at this date, which keeps a seat from being freed and re-assigned
// inside a single billing cycle.
func nextAnchorDate(anchorDay int, t time.Time) time.Time {
	if anchorDay == 0 {
		anchorDay = defaultAnchorDay
	}
	if anchorDay < 1 {
		anchorDay = 1
	}
	if anchorDay > 28 {
		anchorDay = 28
	}
	t = t.UTC()
	return time.Date(t.Year(), t.Month()+1, anchorDay, 0, 0, 0, 0, time.UTC)
}

// unlinkEffectiveDate computes when a requested unlink takes effect:
// lifetime seats wait for the next billing anchor, monthly seats run out
// their paid period, anything else releases immediately.
func unlinkEffectiveDate(isLifetime bool, endDate *time.Time, anchorDay int, now time.Time) time.Time {
	now = now.UTC()
	if isLifetime {
		return nextAnchorDate(anchorDay, now)
	}
	if endDate != nil && endDate.After(now) {
		return endDate.UTC()
	}
	return now
}

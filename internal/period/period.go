// Package period computes billing-period date windows and decides, per file
// class, whether a record falls outside its allowed window and must be
// excluded from the working set.
package period

import (
	"time"

	"volumetry/internal/domain"
)

// Window is an allowed date range pair for one file-class category. Bounds
// are inclusive unless noted; nil record dates never satisfy a window.
type Window struct {
	ReportMin time.Time
	ReportMax time.Time
	// Realization bounds. For retroactive windows RealizationBefore is the
	// exclusive upper bound and RealizationMin is unset.
	RealizationMin    time.Time
	RealizationMax    time.Time
	RealizationBefore time.Time
}

// Retroactive returns the window for retroactive file classes: the report
// must land inside the billing month and the exam must have been realized
// strictly before the first day of the following month.
func Retroactive(p domain.Period) Window {
	return Window{
		ReportMin:         p.Start(),
		ReportMax:         p.End(),
		RealizationBefore: p.NextMonthStart(),
	}
}

// Current returns the window for current-period file classes: realization
// inside the billing month, report within the month extended by graceDays on
// both ends.
func Current(p domain.Period, graceDays int) Window {
	return Window{
		ReportMin:      p.Start().AddDate(0, 0, -graceDays),
		ReportMax:      p.End().AddDate(0, 0, graceDays),
		RealizationMin: p.Start(),
		RealizationMax: p.End(),
	}
}

// For resolves the window shape for a file class, or ok=false when the class
// has no exclusion window (oncology).
func For(fc domain.FileClass, p domain.Period, graceDays int) (Window, bool) {
	if fc == domain.FileClassOncology {
		return Window{}, false
	}
	if fc.Retroactive() {
		return Retroactive(p), true
	}
	return Current(p, graceDays), true
}

// Excludes reports whether a record with the given dates falls outside the
// window. Records missing a bounded date are excluded: a record that cannot
// prove it belongs to the period does not bill in it.
func (w Window) Excludes(realization, report *time.Time) bool {
	if report == nil || realization == nil {
		return true
	}
	if dayBefore(*report, w.ReportMin) || dayAfter(*report, w.ReportMax) {
		return true
	}
	if !w.RealizationBefore.IsZero() {
		return !truncate(*realization).Before(truncate(w.RealizationBefore))
	}
	return dayBefore(*realization, w.RealizationMin) || dayAfter(*realization, w.RealizationMax)
}

func dayBefore(t, bound time.Time) bool {
	return truncate(t).Before(truncate(bound))
}

func dayAfter(t, bound time.Time) bool {
	return truncate(t).After(truncate(bound))
}

func truncate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

package engine

import (
	"sort"
	"time"

	"volumetry/internal/domain"
)

// aggregate reduces the per-rule statuses into the run report, sorted by
// file class (processing order) then registry order so reports are
// reproducible regardless of worker scheduling.
func (e Engine) aggregate(runID string, p domain.Period, classes []domain.FileClass, statuses []domain.RuleStatus, partial bool) domain.RunReport {
	classIndex := make(map[domain.FileClass]int, len(classes))
	for i, fc := range classes {
		classIndex[fc] = i
	}
	ruleIndex := make(map[string]int, len(e.Registry))
	for i, r := range e.Registry {
		ruleIndex[r.Name] = i
	}
	sort.SliceStable(statuses, func(i, j int) bool {
		if classIndex[statuses[i].FileClass] != classIndex[statuses[j].FileClass] {
			return classIndex[statuses[i].FileClass] < classIndex[statuses[j].FileClass]
		}
		return ruleIndex[statuses[i].RuleName] < ruleIndex[statuses[j].RuleName]
	})

	report := domain.RunReport{
		ID:             runID,
		Period:         p.String(),
		FileClasses:    classes,
		RuleStatuses:   statuses,
		OverallSuccess: true,
		Partial:        partial,
		Timestamp:      e.now().UTC().Format(time.RFC3339),
	}
	for _, st := range statuses {
		report.TotalExamined += st.RecordsExamined
		report.TotalChanged += st.RecordsChanged
		report.TotalExcluded += st.RecordsExcluded
		if !st.Applied {
			report.OverallSuccess = false
		}
		if st.ValidationPassed != nil && !*st.ValidationPassed {
			report.OverallSuccess = false
		}
	}
	return report
}

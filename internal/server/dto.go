package server

import "volumetry/internal/domain"

// Request payloads

type TriggerRunRequest struct {
	FileClass    string `json:"file_class,omitempty" enum:"standard,non-standard,standard-retroactive,non-standard-retroactive,oncology-standard,all-applicable"`
	Period       string `json:"billing_period" example:"2025-06"`
	ForceRetry   bool   `json:"force_retry,omitempty"`
	ValidateOnly bool   `json:"validate_only,omitempty"`
}

// Response payloads

type RuleStatusResponse struct {
	RuleName         string                 `json:"rule_name"`
	FileClass        string                 `json:"file_class"`
	RecordsExamined  int                    `json:"records_examined"`
	RecordsChanged   int                    `json:"records_changed"`
	RecordsExcluded  int                    `json:"records_excluded,omitempty"`
	Applied          bool                   `json:"applied"`
	ValidationPassed *bool                  `json:"validation_passed,omitempty"`
	Retried          bool                   `json:"retried,omitempty"`
	Error            string                 `json:"error,omitempty"`
	FailedRecords    []domain.RecordFailure `json:"failed_records,omitempty"`
}

type RunReportResponse struct {
	ID             string               `json:"id"`
	BillingPeriod  string               `json:"billing_period"`
	FileClasses    []string             `json:"file_classes_processed"`
	TotalExamined  int                  `json:"total_records_examined"`
	TotalChanged   int                  `json:"total_records_changed"`
	TotalExcluded  int                  `json:"total_records_excluded"`
	RuleStatuses   []RuleStatusResponse `json:"rule_statuses"`
	OverallSuccess bool                 `json:"overall_success"`
	Partial        bool                 `json:"partial,omitempty"`
	Timestamp      string               `json:"timestamp" format:"date-time"`
}

func runReportResponse(r domain.RunReport) RunReportResponse {
	classes := make([]string, len(r.FileClasses))
	for i, fc := range r.FileClasses {
		classes[i] = string(fc)
	}
	statuses := make([]RuleStatusResponse, len(r.RuleStatuses))
	for i, st := range r.RuleStatuses {
		statuses[i] = RuleStatusResponse{
			RuleName:         st.RuleName,
			FileClass:        string(st.FileClass),
			RecordsExamined:  st.RecordsExamined,
			RecordsChanged:   st.RecordsChanged,
			RecordsExcluded:  st.RecordsExcluded,
			Applied:          st.Applied,
			ValidationPassed: st.ValidationPassed,
			Retried:          st.Retried,
			Error:            st.Error,
			FailedRecords:    st.FailedRecords,
		}
	}
	return RunReportResponse{
		ID:             r.ID,
		BillingPeriod:  r.Period,
		FileClasses:    classes,
		TotalExamined:  r.TotalExamined,
		TotalChanged:   r.TotalChanged,
		TotalExcluded:  r.TotalExcluded,
		RuleStatuses:   statuses,
		OverallSuccess: r.OverallSuccess,
		Partial:        r.Partial,
		Timestamp:      r.Timestamp,
	}
}

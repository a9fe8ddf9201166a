package domain

import (
	"fmt"
	"time"
)

// FileClass tags the ingestion source of a record and decides which rules
// and exclusion windows apply to it.
type FileClass string

const (
	FileClassStandard         FileClass = "standard"
	FileClassNonStandard      FileClass = "non-standard"
	FileClassStandardRetro    FileClass = "standard-retroactive"
	FileClassNonStandardRetro FileClass = "non-standard-retroactive"
	FileClassOncology         FileClass = "oncology-standard"
)

// AllFileClasses returns every known file class in processing order.
func AllFileClasses() []FileClass {
	return []FileClass{
		FileClassStandard,
		FileClassNonStandard,
		FileClassStandardRetro,
		FileClassNonStandardRetro,
		FileClassOncology,
	}
}

func (c FileClass) Valid() bool {
	switch c {
	case FileClassStandard, FileClassNonStandard, FileClassStandardRetro,
		FileClassNonStandardRetro, FileClassOncology:
		return true
	}
	return false
}

// Retroactive reports whether the class carries records realized in earlier
// months that only now reached reporting.
func (c FileClass) Retroactive() bool {
	return c == FileClassStandardRetro || c == FileClassNonStandardRetro
}

// Period is the (year, month) billing window records are invoiced under.
type Period struct {
	Year  int
	Month time.Month
}

// ParsePeriod parses a YYYY-MM period string.
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Period{}, fmt.Errorf("invalid billing period %q (want YYYY-MM)", s)
	}
	return Period{Year: t.Year(), Month: t.Month()}, nil
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

func (p Period) IsZero() bool { return p.Year == 0 }

// Start is the first day of the period's month (UTC, midnight).
func (p Period) Start() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End is the last day of the period's month.
func (p Period) End() time.Time {
	return p.Start().AddDate(0, 1, -1)
}

// NextMonthStart is the first day of the month after the period.
func (p Period) NextMonthStart() time.Time {
	return p.Start().AddDate(0, 1, 0)
}

// Modality codes. DO and DX are legacy/ambiguous input codes that the
// correction rules converge onto the canonical set.
const (
	ModalityCR = "CR"
	ModalityDX = "DX"
	ModalityRX = "RX"
	ModalityMG = "MG"
	ModalityMR = "MR"
	ModalityCT = "CT"
	ModalityDO = "DO"
	ModalityOT = "OT"
)

// CanonicalModalities is the closed set a record's modality must belong to
// once all correction rules have run.
var CanonicalModalities = []string{ModalityCR, ModalityRX, ModalityMG, ModalityMR, ModalityCT, ModalityOT}

// Specialty and priority labels used by the correction rules. SpecialtyBreast
// ("MAMA") is reserved for MR breast studies; mammography records converge to
// SpecialtyMammo instead.
const (
	SpecialtyBreast           = "MAMA"
	SpecialtyMammo            = "MAMO"
	SpecialtyInternalMedicine = "CLINICA MEDICA"
	SpecialtyNeurology        = "NEUROLOGIA"

	PriorityRoutine    = "ROTINA"
	PriorityOutpatient = "AMBULATORIO"
)

// ImagingRecord is one exam/laudo line imported from an external file.
// FileClass and Period are assigned at ingestion and read-only to the engine.
type ImagingRecord struct {
	ID               string     `json:"id"`
	ClientName       string     `json:"client_name"`
	PatientName      string     `json:"patient_name"`
	StudyDescription string     `json:"study_description,omitempty"`
	Modality         string     `json:"modality"`
	Specialty        string     `json:"specialty"`
	Category         string     `json:"category"`
	Priority         string     `json:"priority"`
	Value            int        `json:"value"`
	RealizationDate  *time.Time `json:"realization_date,omitempty"`
	ReportDate       *time.Time `json:"report_date,omitempty"`
	FileClass        FileClass  `json:"file_class"`
	Period           Period     `json:"billing_period"`
	LastUpdatedAt    string     `json:"last_updated_at,omitempty" format:"date-time"`
}

// CatalogEntry maps an exam name to its authoritative category and specialty.
type CatalogEntry struct {
	ExamName  string `json:"exam_name"`
	Category  string `json:"category"`
	Specialty string `json:"specialty"`
	Active    bool   `json:"active"`
}

// PriorityMapping translates raw priority text to the canonical priority.
type PriorityMapping struct {
	Raw       string `json:"raw"`
	Canonical string `json:"canonical"`
	Active    bool   `json:"active"`
}

// ValueReference holds the default value for a study description.
type ValueReference struct {
	StudyDescription string `json:"study_description"`
	Value            int    `json:"value"`
	Active           bool   `json:"active"`
}

// RecordFailure attaches a write or delete failure to a single record.
type RecordFailure struct {
	RecordID string `json:"record_id"`
	Reason   string `json:"reason"`
}

// RuleStatus is the outcome of one (rule, fileClass) pair in a run. It is
// written once and never mutated after the pipeline moves to the next rule.
type RuleStatus struct {
	RuleName         string          `json:"rule_name"`
	FileClass        FileClass       `json:"file_class"`
	RecordsExamined  int             `json:"records_examined"`
	RecordsChanged   int             `json:"records_changed"`
	RecordsExcluded  int             `json:"records_excluded,omitempty"`
	Applied          bool            `json:"applied"`
	ValidationPassed *bool           `json:"validation_passed,omitempty"`
	Retried          bool            `json:"retried,omitempty"`
	Error            string          `json:"error,omitempty"`
	FailedRecords    []RecordFailure `json:"failed_records,omitempty"`
}

// RunReport aggregates every RuleStatus of a run plus run-level metadata.
// Partial marks a report cut short by caller cancellation.
type RunReport struct {
	ID             string       `json:"id"`
	Period         string       `json:"billing_period"`
	FileClasses    []FileClass  `json:"file_classes_processed"`
	TotalExamined  int          `json:"total_records_examined"`
	TotalChanged   int          `json:"total_records_changed"`
	TotalExcluded  int          `json:"total_records_excluded"`
	RuleStatuses   []RuleStatus `json:"rule_statuses"`
	OverallSuccess bool         `json:"overall_success"`
	Partial        bool         `json:"partial,omitempty"`
	Timestamp      string       `json:"timestamp" format:"date-time"`
}

// APIKey authenticates a service caller; the key itself is stored hashed.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Event is one line of the append-only run log.
type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Type      string `json:"type"`
	RunID     string `json:"run_id,omitempty"`
	FileClass string `json:"file_class,omitempty"`
	RuleName  string `json:"rule_name,omitempty"`
	Payload   string `json:"payload_json"`
}

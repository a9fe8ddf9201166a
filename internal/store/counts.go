package store

import (
	"context"
	"fmt"
	"strings"

	"volumetry/internal/domain"
	"volumetry/internal/period"
)

const workingSetWhere = `file_class=? AND billing_period=? AND excluded_at IS NULL`

func (s *Store) countWhere(ctx context.Context, fc domain.FileClass, p domain.Period, cond string, args ...any) (int, error) {
	query := `SELECT COUNT(*) FROM records WHERE ` + workingSetWhere
	if cond != "" {
		query += ` AND (` + cond + `)`
	}
	all := append([]any{fc, p.String()}, args...)
	var n int
	err := s.withRetry(ctx, func() error {
		return s.DB.QueryRowContext(ctx, query, all...).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("count records (class=%s): %w", fc, err)
	}
	return n, nil
}

// CountRecords returns the working-set size for a (fileClass, period) pair.
func (s *Store) CountRecords(ctx context.Context, fc domain.FileClass, p domain.Period) (int, error) {
	return s.countWhere(ctx, fc, p, "")
}

// CountModalities counts working-set records whose modality is one of the
// given codes.
func (s *Store) CountModalities(ctx context.Context, fc domain.FileClass, p domain.Period, modalities []string) (int, error) {
	if len(modalities) == 0 {
		return 0, nil
	}
	placeholders := strings.Repeat("?,", len(modalities))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(modalities))
	for i, m := range modalities {
		args[i] = m
	}
	return s.countWhere(ctx, fc, p, `modality IN (`+placeholders+`)`, args...)
}

// CountModalitySpecialty counts records with the exact modality/specialty
// combination.
func (s *Store) CountModalitySpecialty(ctx context.Context, fc domain.FileClass, p domain.Period, modality, specialty string) (int, error) {
	return s.countWhere(ctx, fc, p, `modality=? AND specialty=?`, modality, specialty)
}

// CountPriority counts records carrying the given priority.
func (s *Store) CountPriority(ctx context.Context, fc domain.FileClass, p domain.Period, priority string) (int, error) {
	return s.countWhere(ctx, fc, p, `priority=?`, priority)
}

// CountDefaultableUnsetValues counts records with no positive value that an
// active value-reference row could have defaulted.
func (s *Store) CountDefaultableUnsetValues(ctx context.Context, fc domain.FileClass, p domain.Period) (int, error) {
	return s.countWhere(ctx, fc, p, `(value IS NULL OR value<=0) AND EXISTS (
SELECT 1 FROM value_reference v
WHERE v.active=1 AND v.value>0 AND v.study_description=records.study_description)`)
}

// CountOutsideWindow counts working-set records whose dates fall outside the
// given exclusion window. Dates are stored as ISO day strings, so lexical
// comparison orders them correctly; missing dates count as outside.
func (s *Store) CountOutsideWindow(ctx context.Context, fc domain.FileClass, p domain.Period, w period.Window) (int, error) {
	if !w.RealizationBefore.IsZero() {
		return s.countWhere(ctx, fc, p,
			`report_date IS NULL OR realization_date IS NULL OR report_date<? OR report_date>? OR realization_date>=?`,
			w.ReportMin.Format(dateLayout), w.ReportMax.Format(dateLayout), w.RealizationBefore.Format(dateLayout))
	}
	return s.countWhere(ctx, fc, p,
		`report_date IS NULL OR realization_date IS NULL OR report_date<? OR report_date>? OR realization_date<? OR realization_date>?`,
		w.ReportMin.Format(dateLayout), w.ReportMax.Format(dateLayout),
		w.RealizationMin.Format(dateLayout), w.RealizationMax.Format(dateLayout))
}

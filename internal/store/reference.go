package store

import (
	"context"

	"volumetry/internal/domain"
)

// ListCatalogEntries returns active exam-catalog rows.
func (s *Store) ListCatalogEntries(ctx context.Context) ([]domain.CatalogEntry, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT exam_name, category, specialty FROM exam_catalog WHERE active=1 ORDER BY exam_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.CatalogEntry
	for rows.Next() {
		e := domain.CatalogEntry{Active: true}
		if err := rows.Scan(&e.ExamName, &e.Category, &e.Specialty); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListPriorityMappings returns active priority de-para rows.
func (s *Store) ListPriorityMappings(ctx context.Context) ([]domain.PriorityMapping, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT raw, canonical FROM priority_map WHERE active=1 ORDER BY raw`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.PriorityMapping
	for rows.Next() {
		m := domain.PriorityMapping{Active: true}
		if err := rows.Scan(&m.Raw, &m.Canonical); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListValueReferences returns active value de-para rows.
func (s *Store) ListValueReferences(ctx context.Context) ([]domain.ValueReference, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT study_description, value FROM value_reference WHERE active=1 ORDER BY study_description`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ValueReference
	for rows.Next() {
		v := domain.ValueReference{Active: true}
		if err := rows.Scan(&v.StudyDescription, &v.Value); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// UpsertCatalogEntry inserts or replaces an exam-catalog row.
func (s *Store) UpsertCatalogEntry(ctx context.Context, e domain.CatalogEntry) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO exam_catalog(exam_name, category, specialty, active) VALUES (?,?,?,?)
ON CONFLICT(exam_name) DO UPDATE SET category=excluded.category, specialty=excluded.specialty, active=excluded.active`,
		e.ExamName, e.Category, e.Specialty, boolInt(e.Active))
	return err
}

// UpsertPriorityMapping inserts or replaces a priority de-para row.
func (s *Store) UpsertPriorityMapping(ctx context.Context, m domain.PriorityMapping) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO priority_map(raw, canonical, active) VALUES (?,?,?)
ON CONFLICT(raw) DO UPDATE SET canonical=excluded.canonical, active=excluded.active`,
		m.Raw, m.Canonical, boolInt(m.Active))
	return err
}

// UpsertValueReference inserts or replaces a value de-para row.
func (s *Store) UpsertValueReference(ctx context.Context, v domain.ValueReference) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO value_reference(study_description, value, active) VALUES (?,?,?)
ON CONFLICT(study_description) DO UPDATE SET value=excluded.value, active=excluded.active`,
		v.StudyDescription, v.Value, boolInt(v.Active))
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

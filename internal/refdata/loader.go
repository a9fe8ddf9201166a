// Package refdata loads the three reference tables once per run and exposes
// them as immutable normalized-key lookup maps. Reference data is a
// prerequisite: if any table is unreadable the run aborts before touching a
// single record.
package refdata

import (
	"context"
	"fmt"

	"volumetry/internal/domain"
)

// Source is the reference-table boundary. Only active rows are returned.
type Source interface {
	ListCatalogEntries(ctx context.Context) ([]domain.CatalogEntry, error)
	ListPriorityMappings(ctx context.Context) ([]domain.PriorityMapping, error)
	ListValueReferences(ctx context.Context) ([]domain.ValueReference, error)
}

// Maps holds the per-run lookup tables. Read-only after Load; safe to share
// across file-class workers without locking.
type Maps struct {
	catalog    map[string]domain.CatalogEntry
	priorities map[string]string
	values     map[string]int
}

// Load reads all three tables in full and builds the lookup maps.
func Load(ctx context.Context, src Source) (*Maps, error) {
	catalog, err := src.ListCatalogEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("load exam catalog: %w", err)
	}
	priorities, err := src.ListPriorityMappings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load priority mappings: %w", err)
	}
	values, err := src.ListValueReferences(ctx)
	if err != nil {
		return nil, fmt.Errorf("load value references: %w", err)
	}

	m := &Maps{
		catalog:    make(map[string]domain.CatalogEntry, len(catalog)),
		priorities: make(map[string]string, len(priorities)),
		values:     make(map[string]int, len(values)),
	}
	for _, e := range catalog {
		m.catalog[NormalizeKey(e.ExamName)] = e
	}
	for _, p := range priorities {
		m.priorities[NormalizeKey(p.Raw)] = p.Canonical
	}
	for _, v := range values {
		m.values[NormalizeKey(v.StudyDescription)] = v.Value
	}
	return m, nil
}

// Catalog looks up the authoritative category/specialty for an exam name.
func (m *Maps) Catalog(examName string) (domain.CatalogEntry, bool) {
	e, ok := m.catalog[NormalizeKey(examName)]
	return e, ok
}

// CanonicalPriority resolves raw priority text through the de-para table.
func (m *Maps) CanonicalPriority(raw string) (string, bool) {
	p, ok := m.priorities[NormalizeKey(raw)]
	return p, ok
}

// DefaultValue returns the default value for a study description.
func (m *Maps) DefaultValue(studyDescription string) (int, bool) {
	v, ok := m.values[NormalizeKey(studyDescription)]
	return v, ok
}

// CatalogSize reports how many catalog entries loaded.
func (m *Maps) CatalogSize() int { return len(m.catalog) }

// PrioritySize reports how many priority mappings loaded.
func (m *Maps) PrioritySize() int { return len(m.priorities) }

// ValueSize reports how many value references loaded.
func (m *Maps) ValueSize() int { return len(m.values) }

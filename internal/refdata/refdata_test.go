package refdata_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"volumetry/internal/domain"
	"volumetry/internal/refdata"
)

func TestNormalizeKey(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"MAMOGRAFIA BILATERAL", "mamografia bilateral"},
		{"  Ressonância   Magnética ", "ressonancia magnetica"},
		{"Crânio", "cranio"},
		{"TOMOGRAFIA\tCOMPUTADORIZADA", "tomografia computadorizada"},
		{"ção", "cao"},
		{"", ""},
		{"   ", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, refdata.NormalizeKey(tc.in), "input %q", tc.in)
	}
}

type fakeSource struct {
	catalog    []domain.CatalogEntry
	priorities []domain.PriorityMapping
	values     []domain.ValueReference
	catalogErr error
}

func (f fakeSource) ListCatalogEntries(context.Context) ([]domain.CatalogEntry, error) {
	return f.catalog, f.catalogErr
}

func (f fakeSource) ListPriorityMappings(context.Context) ([]domain.PriorityMapping, error) {
	return f.priorities, nil
}

func (f fakeSource) ListValueReferences(context.Context) ([]domain.ValueReference, error) {
	return f.values, nil
}

func TestLoadBuildsNormalizedMaps(t *testing.T) {
	src := fakeSource{
		catalog: []domain.CatalogEntry{
			{ExamName: "Mamografia Bilateral", Category: "MAMOGRAFIA", Specialty: "MAMO", Active: true},
		},
		priorities: []domain.PriorityMapping{
			{Raw: "Ambulatório", Canonical: domain.PriorityRoutine, Active: true},
		},
		values: []domain.ValueReference{
			{StudyDescription: "MAMOGRAFIA BILATERAL", Value: 12, Active: true},
		},
	}
	m, err := refdata.Load(context.Background(), src)
	require.NoError(t, err)

	entry, ok := m.Catalog("  MAMOGRAFIA   bilateral ")
	require.True(t, ok, "lookup must be accent and case insensitive")
	assert.Equal(t, "MAMOGRAFIA", entry.Category)
	assert.Equal(t, "MAMO", entry.Specialty)

	canon, ok := m.CanonicalPriority("AMBULATORIO")
	require.True(t, ok)
	assert.Equal(t, domain.PriorityRoutine, canon)

	v, ok := m.DefaultValue("mamografia bilateral")
	require.True(t, ok)
	assert.Equal(t, 12, v)

	_, ok = m.Catalog("exame desconhecido")
	assert.False(t, ok)
}

func TestLoadFailsFast(t *testing.T) {
	src := fakeSource{catalogErr: errors.New("disk gone")}
	_, err := refdata.Load(context.Background(), src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exam catalog")
}

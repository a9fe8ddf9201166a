package rules_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"volumetry/internal/domain"
	"volumetry/internal/refdata"
	"volumetry/internal/rules"
)

type fakeSource struct {
	catalog    []domain.CatalogEntry
	priorities []domain.PriorityMapping
	values     []domain.ValueReference
}

func (f fakeSource) ListCatalogEntries(context.Context) ([]domain.CatalogEntry, error) {
	return f.catalog, nil
}

func (f fakeSource) ListPriorityMappings(context.Context) ([]domain.PriorityMapping, error) {
	return f.priorities, nil
}

func (f fakeSource) ListValueReferences(context.Context) ([]domain.ValueReference, error) {
	return f.values, nil
}

func testMaps(t *testing.T) *refdata.Maps {
	t.Helper()
	m, err := refdata.Load(context.Background(), fakeSource{
		catalog: []domain.CatalogEntry{
			{ExamName: "MAMOGRAFIA BILATERAL", Category: "MAMOGRAFIA", Specialty: domain.SpecialtyMammo, Active: true},
			{ExamName: "RM CRANIO", Category: "RESSONANCIA MAGNETICA CRANIO", Specialty: domain.SpecialtyInternalMedicine, Active: true},
		},
		priorities: []domain.PriorityMapping{
			{Raw: "URG", Canonical: "URGENTE", Active: true},
			{Raw: "AMB", Canonical: domain.PriorityOutpatient, Active: true},
		},
		values: []domain.ValueReference{
			{StudyDescription: "MAMOGRAFIA BILATERAL", Value: 25, Active: true},
		},
	})
	require.NoError(t, err)
	return m
}

func ruleByName(t *testing.T, name string) rules.Rule {
	t.Helper()
	for _, r := range rules.Registry() {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("rule %q not in registry", name)
	return rules.Rule{}
}

func ruleIndex(name string) int {
	for i, r := range rules.Registry() {
		if r.Name == name {
			return i
		}
	}
	return -1
}

func TestRegistryShape(t *testing.T) {
	reg := rules.Registry()
	require.NotEmpty(t, reg)
	names := map[string]bool{}
	for _, r := range reg {
		assert.False(t, names[r.Name], "duplicate rule name %s", r.Name)
		names[r.Name] = true
		assert.NotEmpty(t, r.FileClasses, "rule %s has no file classes", r.Name)
		hasTransform := r.Transform != nil
		hasExclude := r.Exclude != nil
		assert.True(t, hasTransform != hasExclude, "rule %s must set exactly one of Transform or Exclude", r.Name)
	}

	// Exclusions stabilize the working set before any correction runs.
	firstCorrection := ruleIndex("normalize-text-fields")
	assert.Less(t, ruleIndex("exclude-outside-retroactive-window"), firstCorrection)
	assert.Less(t, ruleIndex("exclude-outside-current-window"), firstCorrection)

	// The cross-field rule reads catalog-settled category values.
	assert.Less(t, ruleIndex("catalog-category-specialty"), ruleIndex("specialty-neurology-cross-field"))

	// Modality settles before the specialty rules that branch on it.
	assert.Less(t, ruleIndex("modality-ambiguous-radiography"), ruleIndex("specialty-mammography-override"))
}

func TestExclusionRuleFileClasses(t *testing.T) {
	retro := ruleByName(t, "exclude-outside-retroactive-window")
	assert.True(t, retro.IsExclusion())
	assert.True(t, retro.AppliesTo(domain.FileClassStandardRetro))
	assert.True(t, retro.AppliesTo(domain.FileClassNonStandardRetro))
	assert.False(t, retro.AppliesTo(domain.FileClassStandard))
	assert.False(t, retro.AppliesTo(domain.FileClassOncology))

	current := ruleByName(t, "exclude-outside-current-window")
	assert.True(t, current.AppliesTo(domain.FileClassStandard))
	assert.True(t, current.AppliesTo(domain.FileClassNonStandard))
	assert.False(t, current.AppliesTo(domain.FileClassStandardRetro))
	assert.False(t, current.AppliesTo(domain.FileClassOncology))
}

func TestNormalizeTextFields(t *testing.T) {
	m := testMaps(t)
	rule := ruleByName(t, "normalize-text-fields")
	r := domain.ImagingRecord{
		Modality:         " mr ",
		Specialty:        "neurologia ",
		Priority:         " rotina",
		StudyDescription: "  RM CRANIO ",
	}
	assert.True(t, rule.Transform(&r, m))
	assert.Equal(t, "MR", r.Modality)
	assert.Equal(t, "NEUROLOGIA", r.Specialty)
	assert.Equal(t, "ROTINA", r.Priority)
	assert.Equal(t, "RM CRANIO", r.StudyDescription)
	assert.False(t, rule.Transform(&r, m), "second pass must be a no-op")
}

func TestBoneDensitometryModality(t *testing.T) {
	m := testMaps(t)
	rule := ruleByName(t, "modality-bone-densitometry")

	r := domain.ImagingRecord{Modality: domain.ModalityDO}
	assert.True(t, rule.Transform(&r, m))
	assert.Equal(t, domain.ModalityOT, r.Modality)

	unchanged := domain.ImagingRecord{Modality: domain.ModalityCT}
	assert.False(t, rule.Transform(&unchanged, m))
	assert.Equal(t, domain.ModalityCT, unchanged.Modality)
}

func TestAmbiguousRadiographyModality(t *testing.T) {
	m := testMaps(t)
	rule := ruleByName(t, "modality-ambiguous-radiography")

	mammo := domain.ImagingRecord{Modality: domain.ModalityDX, StudyDescription: "Mamografia Bilateral"}
	assert.True(t, rule.Transform(&mammo, m))
	assert.Equal(t, domain.ModalityMG, mammo.Modality)

	accented := domain.ImagingRecord{Modality: domain.ModalityDX, StudyDescription: "BIÓPSIA MAMÁRIA"}
	assert.True(t, rule.Transform(&accented, m))
	assert.Equal(t, domain.ModalityMG, accented.Modality)

	plain := domain.ImagingRecord{Modality: domain.ModalityDX, StudyDescription: "RX TORAX"}
	assert.True(t, rule.Transform(&plain, m))
	assert.Equal(t, domain.ModalityRX, plain.Modality)

	other := domain.ImagingRecord{Modality: domain.ModalityMG, StudyDescription: "MAMOGRAFIA"}
	assert.False(t, rule.Transform(&other, m))
}

func TestKnownSpecialtyRewrites(t *testing.T) {
	m := testMaps(t)
	rule := ruleByName(t, "specialty-known-rewrites")

	r := domain.ImagingRecord{Specialty: "MEDICINA INTERNA"}
	assert.True(t, rule.Transform(&r, m))
	assert.Equal(t, domain.SpecialtyInternalMedicine, r.Specialty)

	mast := domain.ImagingRecord{Specialty: "Mastologia"}
	assert.True(t, rule.Transform(&mast, m))
	assert.Equal(t, domain.SpecialtyMammo, mast.Specialty)

	keep := domain.ImagingRecord{Specialty: domain.SpecialtyNeurology}
	assert.False(t, rule.Transform(&keep, m))
}

func TestMammographySpecialtyOverride(t *testing.T) {
	m := testMaps(t)
	rule := ruleByName(t, "specialty-mammography-override")

	mg := domain.ImagingRecord{Modality: domain.ModalityMG, Specialty: domain.SpecialtyBreast}
	assert.True(t, rule.Transform(&mg, m))
	assert.Equal(t, domain.SpecialtyMammo, mg.Specialty)

	// MAMA is reserved for breast MRI; MR records keep it.
	mr := domain.ImagingRecord{Modality: domain.ModalityMR, Specialty: domain.SpecialtyBreast}
	assert.False(t, rule.Transform(&mr, m))
	assert.Equal(t, domain.SpecialtyBreast, mr.Specialty)
}

func TestCatalogRule(t *testing.T) {
	m := testMaps(t)
	rule := ruleByName(t, "catalog-category-specialty")
	require.NotNil(t, rule.Precondition)
	require.NoError(t, rule.Precondition(m))

	// Catalog hit overwrites both fields regardless of current content.
	hit := domain.ImagingRecord{
		StudyDescription: "mamografia bilateral",
		Category:         "RAIO-X",
		Specialty:        "CLINICA MEDICA",
	}
	assert.True(t, rule.Transform(&hit, m))
	assert.Equal(t, "MAMOGRAFIA", hit.Category)
	assert.Equal(t, domain.SpecialtyMammo, hit.Specialty)
	assert.False(t, rule.Transform(&hit, m))

	// Miss with placeholder category falls back to the modality default.
	miss := domain.ImagingRecord{
		StudyDescription: "EXAME AVULSO",
		Modality:         domain.ModalityCT,
		Category:         "N/D",
	}
	assert.True(t, rule.Transform(&miss, m))
	assert.Equal(t, "TOMOGRAFIA COMPUTADORIZADA", miss.Category)

	// Miss with a real category is left alone.
	keep := domain.ImagingRecord{
		StudyDescription: "EXAME AVULSO",
		Modality:         domain.ModalityCT,
		Category:         "ANGIOTOMOGRAFIA",
	}
	assert.False(t, rule.Transform(&keep, m))
	assert.Equal(t, "ANGIOTOMOGRAFIA", keep.Category)
}

func TestCatalogPreconditionRejectsEmptyCatalog(t *testing.T) {
	empty, err := refdata.Load(context.Background(), fakeSource{})
	require.NoError(t, err)
	rule := ruleByName(t, "catalog-category-specialty")
	assert.Error(t, rule.Precondition(empty))
}

func TestNeurologyCrossField(t *testing.T) {
	m := testMaps(t)
	rule := ruleByName(t, "specialty-neurology-cross-field")

	r := domain.ImagingRecord{
		Modality:  domain.ModalityMR,
		Specialty: domain.SpecialtyInternalMedicine,
		Category:  "RESSONANCIA MAGNETICA CRÂNIO",
	}
	assert.True(t, rule.Transform(&r, m))
	assert.Equal(t, domain.SpecialtyNeurology, r.Specialty)

	wrongModality := domain.ImagingRecord{
		Modality:  domain.ModalityRX,
		Specialty: domain.SpecialtyInternalMedicine,
		Category:  "RAIO-X CRANIO",
	}
	assert.False(t, rule.Transform(&wrongModality, m))

	wrongCategory := domain.ImagingRecord{
		Modality:  domain.ModalityCT,
		Specialty: domain.SpecialtyInternalMedicine,
		Category:  "TOMOGRAFIA ABDOME",
	}
	assert.False(t, rule.Transform(&wrongCategory, m))

	wrongSpecialty := domain.ImagingRecord{
		Modality:  domain.ModalityCT,
		Specialty: domain.SpecialtyNeurology,
		Category:  "TOMOGRAFIA CRANIO",
	}
	assert.False(t, rule.Transform(&wrongSpecialty, m))
}

func TestPriorityMapping(t *testing.T) {
	m := testMaps(t)
	rule := ruleByName(t, "priority-mapping")
	require.NoError(t, rule.Precondition(m))

	r := domain.ImagingRecord{Priority: "URG"}
	assert.True(t, rule.Transform(&r, m))
	assert.Equal(t, "URGENTE", r.Priority)

	unmapped := domain.ImagingRecord{Priority: "ELETIVO"}
	assert.False(t, rule.Transform(&unmapped, m))
	assert.Equal(t, "ELETIVO", unmapped.Priority)
}

func TestOutpatientToRoutine(t *testing.T) {
	m := testMaps(t)
	rule := ruleByName(t, "priority-outpatient-to-routine")

	r := domain.ImagingRecord{Priority: domain.PriorityOutpatient}
	assert.True(t, rule.Transform(&r, m))
	assert.Equal(t, domain.PriorityRoutine, r.Priority)

	routine := domain.ImagingRecord{Priority: domain.PriorityRoutine}
	assert.False(t, rule.Transform(&routine, m))
}

func TestValueDefault(t *testing.T) {
	m := testMaps(t)
	rule := ruleByName(t, "value-default-from-reference")
	require.NoError(t, rule.Precondition(m))

	r := domain.ImagingRecord{StudyDescription: "MAMOGRAFIA BILATERAL", Value: 0}
	assert.True(t, rule.Transform(&r, m))
	assert.Equal(t, 25, r.Value)

	set := domain.ImagingRecord{StudyDescription: "MAMOGRAFIA BILATERAL", Value: 7}
	assert.False(t, rule.Transform(&set, m))
	assert.Equal(t, 7, set.Value)

	unknown := domain.ImagingRecord{StudyDescription: "EXAME SEM TABELA", Value: 0}
	assert.False(t, rule.Transform(&unknown, m))
	assert.Equal(t, 0, unknown.Value)
}

// Every transform must be idempotent: a second application over its own output
// changes nothing.
func TestTransformIdempotence(t *testing.T) {
	m := testMaps(t)
	seed := domain.ImagingRecord{
		Modality:         " dx ",
		Specialty:        "medicina interna",
		Priority:         " amb ",
		Category:         "n/d",
		StudyDescription: " Mamografia Bilateral ",
		Value:            0,
	}
	for _, rule := range rules.Registry() {
		if rule.Transform == nil {
			continue
		}
		first := seed
		rule.Transform(&first, m)
		second := first
		changed := rule.Transform(&second, m)
		assert.False(t, changed, "rule %s is not idempotent", rule.Name)
		assert.Equal(t, first, second, "rule %s mutated its own output", rule.Name)
	}
}

// Package rules holds the fixed, ordered registry of normalization,
// correction, and exclusion rules applied to imaging records before billing.
// Ordering is a correctness requirement: later rules read the effective
// values produced by earlier rules in the same pass. Every transform is pure
// and idempotent.
package rules

import (
	"context"
	"errors"
	"strings"

	"volumetry/internal/domain"
	"volumetry/internal/period"
	"volumetry/internal/refdata"
)

// InvariantStore is the query surface post-condition validators run against
// after a rule's writes have landed.
type InvariantStore interface {
	CountModalities(ctx context.Context, fc domain.FileClass, p domain.Period, modalities []string) (int, error)
	CountModalitySpecialty(ctx context.Context, fc domain.FileClass, p domain.Period, modality, specialty string) (int, error)
	CountPriority(ctx context.Context, fc domain.FileClass, p domain.Period, priority string) (int, error)
	CountDefaultableUnsetValues(ctx context.Context, fc domain.FileClass, p domain.Period) (int, error)
	CountOutsideWindow(ctx context.Context, fc domain.FileClass, p domain.Period, w period.Window) (int, error)
}

// Rule is one immutable, compiled-in pipeline step. Exactly one of Transform
// or Exclude is set. Precondition, when set, fails the whole rule before any
// record is examined (applied=false).
type Rule struct {
	Name          string
	FileClasses   []domain.FileClass
	Precondition  func(m *refdata.Maps) error
	Transform     func(r *domain.ImagingRecord, m *refdata.Maps) bool
	Exclude       func(r domain.ImagingRecord, w period.Window) bool
	PostCondition func(ctx context.Context, s InvariantStore, fc domain.FileClass, p domain.Period, graceDays int) (bool, error)
}

// IsExclusion reports whether the rule removes records instead of mutating
// them.
func (r Rule) IsExclusion() bool { return r.Exclude != nil }

// AppliesTo reports whether the rule runs for the given file class.
func (r Rule) AppliesTo(fc domain.FileClass) bool {
	for _, c := range r.FileClasses {
		if c == fc {
			return true
		}
	}
	return false
}

var (
	retroClasses   = []domain.FileClass{domain.FileClassStandardRetro, domain.FileClassNonStandardRetro}
	currentClasses = []domain.FileClass{domain.FileClassStandard, domain.FileClassNonStandard}
	allClasses     = domain.AllFileClasses()
)

// legacyModalities are the input codes that must not survive processing.
var legacyModalities = []string{domain.ModalityDO, domain.ModalityDX}

var mammographyKeywords = []string{"mamografia", "mamaria", "mama"}

var headNeckKeywords = []string{"cranio", "encefalo", "cabeca", "pescoco", "sela turcica"}

// specialtyRewrites maps known-bad specialty labels (normalized) to their
// canonical form.
var specialtyRewrites = map[string]string{
	"medicina interna": domain.SpecialtyInternalMedicine,
	"clinica geral":    domain.SpecialtyInternalMedicine,
	"neuro":            domain.SpecialtyNeurology,
	"neurologico":      domain.SpecialtyNeurology,
	"mastologia":       domain.SpecialtyMammo,
}

// categoryPlaceholders are values the catalog fallback may overwrite.
var categoryPlaceholders = map[string]bool{
	"":              true,
	"-":             true,
	"n/d":           true,
	"nao informado": true,
}

// modalityCategoryDefaults backs the catalog fallback when an exam is not in
// the catalog and the category is unset or a placeholder.
var modalityCategoryDefaults = map[string]string{
	domain.ModalityCR: "RAIO-X",
	domain.ModalityRX: "RAIO-X",
	domain.ModalityMG: "MAMOGRAFIA",
	domain.ModalityMR: "RESSONANCIA MAGNETICA",
	domain.ModalityCT: "TOMOGRAFIA COMPUTADORIZADA",
	domain.ModalityOT: "DENSITOMETRIA OSSEA",
}

// Registry returns the ordered rule list. The order is load-bearing:
// exclusions stabilize the working set before corrections, modality settles
// before specialty, the catalog settles category/specialty before the
// cross-field neurology rule reads them.
func Registry() []Rule {
	return []Rule{
		{
			Name:        "exclude-outside-retroactive-window",
			FileClasses: retroClasses,
			Exclude: func(r domain.ImagingRecord, w period.Window) bool {
				return w.Excludes(r.RealizationDate, r.ReportDate)
			},
			PostCondition: countZero(func(ctx context.Context, s InvariantStore, fc domain.FileClass, p domain.Period, grace int) (int, error) {
				return s.CountOutsideWindow(ctx, fc, p, period.Retroactive(p))
			}),
		},
		{
			Name:        "exclude-outside-current-window",
			FileClasses: currentClasses,
			Exclude: func(r domain.ImagingRecord, w period.Window) bool {
				return w.Excludes(r.RealizationDate, r.ReportDate)
			},
			PostCondition: countZero(func(ctx context.Context, s InvariantStore, fc domain.FileClass, p domain.Period, grace int) (int, error) {
				return s.CountOutsideWindow(ctx, fc, p, period.Current(p, grace))
			}),
		},
		{
			Name:        "normalize-text-fields",
			FileClasses: allClasses,
			Transform:   normalizeTextFields,
		},
		{
			Name:        "modality-bone-densitometry",
			FileClasses: allClasses,
			Transform:   correctBoneDensitometry,
		},
		{
			Name:        "modality-ambiguous-radiography",
			FileClasses: allClasses,
			Transform:   correctAmbiguousRadiography,
			PostCondition: countZero(func(ctx context.Context, s InvariantStore, fc domain.FileClass, p domain.Period, grace int) (int, error) {
				return s.CountModalities(ctx, fc, p, legacyModalities)
			}),
		},
		{
			Name:        "specialty-known-rewrites",
			FileClasses: allClasses,
			Transform:   rewriteKnownSpecialties,
		},
		{
			Name:        "specialty-mammography-override",
			FileClasses: allClasses,
			Transform:   overrideMammographySpecialty,
			PostCondition: countZero(func(ctx context.Context, s InvariantStore, fc domain.FileClass, p domain.Period, grace int) (int, error) {
				return s.CountModalitySpecialty(ctx, fc, p, domain.ModalityMG, domain.SpecialtyBreast)
			}),
		},
		{
			Name:         "catalog-category-specialty",
			FileClasses:  allClasses,
			Precondition: requireCatalog,
			Transform:    applyCatalog,
		},
		{
			Name:        "specialty-neurology-cross-field",
			FileClasses: allClasses,
			Transform:   correctNeurologySpecialty,
		},
		{
			Name:         "priority-mapping",
			FileClasses:  allClasses,
			Precondition: requirePriorityMap,
			Transform:    applyPriorityMapping,
		},
		{
			Name:        "priority-outpatient-to-routine",
			FileClasses: allClasses,
			Transform:   mapOutpatientToRoutine,
			PostCondition: countZero(func(ctx context.Context, s InvariantStore, fc domain.FileClass, p domain.Period, grace int) (int, error) {
				return s.CountPriority(ctx, fc, p, domain.PriorityOutpatient)
			}),
		},
		{
			Name:         "value-default-from-reference",
			FileClasses:  allClasses,
			Precondition: requireValueReference,
			Transform:    applyValueDefault,
			PostCondition: countZero(func(ctx context.Context, s InvariantStore, fc domain.FileClass, p domain.Period, grace int) (int, error) {
				return s.CountDefaultableUnsetValues(ctx, fc, p)
			}),
		},
	}
}

type countQuery func(ctx context.Context, s InvariantStore, fc domain.FileClass, p domain.Period, grace int) (int, error)

func countZero(q countQuery) func(context.Context, InvariantStore, domain.FileClass, domain.Period, int) (bool, error) {
	return func(ctx context.Context, s InvariantStore, fc domain.FileClass, p domain.Period, grace int) (bool, error) {
		n, err := q(ctx, s, fc, p, grace)
		if err != nil {
			return false, err
		}
		return n == 0, nil
	}
}

// --- transforms ---

func normalizeTextFields(r *domain.ImagingRecord, _ *refdata.Maps) bool {
	changed := false
	set := func(dst *string, v string) {
		if *dst != v {
			*dst = v
			changed = true
		}
	}
	set(&r.Modality, strings.ToUpper(strings.TrimSpace(r.Modality)))
	set(&r.Specialty, strings.ToUpper(strings.TrimSpace(r.Specialty)))
	set(&r.Priority, strings.ToUpper(strings.TrimSpace(r.Priority)))
	set(&r.StudyDescription, strings.TrimSpace(r.StudyDescription))
	return changed
}

// correctBoneDensitometry maps the legacy bone-densitometry code to its fixed
// canonical code.
func correctBoneDensitometry(r *domain.ImagingRecord, _ *refdata.Maps) bool {
	if r.Modality != domain.ModalityDO {
		return false
	}
	r.Modality = domain.ModalityOT
	return true
}

// correctAmbiguousRadiography resolves the ambiguous DX code: mammography
// when the study description says so, plain radiography otherwise.
func correctAmbiguousRadiography(r *domain.ImagingRecord, _ *refdata.Maps) bool {
	if r.Modality != domain.ModalityDX {
		return false
	}
	if containsAny(refdata.NormalizeKey(r.StudyDescription), mammographyKeywords) {
		r.Modality = domain.ModalityMG
	} else {
		r.Modality = domain.ModalityRX
	}
	return true
}

func rewriteKnownSpecialties(r *domain.ImagingRecord, _ *refdata.Maps) bool {
	canonical, ok := specialtyRewrites[refdata.NormalizeKey(r.Specialty)]
	if !ok || r.Specialty == canonical {
		return false
	}
	r.Specialty = canonical
	return true
}

// overrideMammographySpecialty forces MAMO on mammography records carrying
// the reserved breast-MRI label. MR records keep MAMA untouched.
func overrideMammographySpecialty(r *domain.ImagingRecord, _ *refdata.Maps) bool {
	if r.Modality != domain.ModalityMG || r.Specialty != domain.SpecialtyBreast {
		return false
	}
	r.Specialty = domain.SpecialtyMammo
	return true
}

// applyCatalog lets the exam catalog win over whatever earlier rules set.
// Exams missing from the catalog fall back to a modality category default,
// and only when the current category is unset or a placeholder.
func applyCatalog(r *domain.ImagingRecord, m *refdata.Maps) bool {
	if entry, ok := m.Catalog(r.StudyDescription); ok {
		changed := false
		if r.Category != entry.Category {
			r.Category = entry.Category
			changed = true
		}
		if r.Specialty != entry.Specialty {
			r.Specialty = entry.Specialty
			changed = true
		}
		return changed
	}
	if !categoryPlaceholders[refdata.NormalizeKey(r.Category)] {
		return false
	}
	def, ok := modalityCategoryDefaults[r.Modality]
	if !ok || r.Category == def {
		return false
	}
	r.Category = def
	return true
}

// correctNeurologySpecialty depends on modality, specialty, and category all
// having their rule-adjusted values, which is why it sits after the catalog
// rule in the registry.
func correctNeurologySpecialty(r *domain.ImagingRecord, _ *refdata.Maps) bool {
	if r.Modality != domain.ModalityCT && r.Modality != domain.ModalityMR {
		return false
	}
	if r.Specialty != domain.SpecialtyInternalMedicine {
		return false
	}
	if !containsAny(refdata.NormalizeKey(r.Category), headNeckKeywords) {
		return false
	}
	r.Specialty = domain.SpecialtyNeurology
	return true
}

func applyPriorityMapping(r *domain.ImagingRecord, m *refdata.Maps) bool {
	canonical, ok := m.CanonicalPriority(r.Priority)
	if !ok || r.Priority == canonical {
		return false
	}
	r.Priority = canonical
	return true
}

func mapOutpatientToRoutine(r *domain.ImagingRecord, _ *refdata.Maps) bool {
	if refdata.NormalizeKey(r.Priority) != refdata.NormalizeKey(domain.PriorityOutpatient) {
		return false
	}
	r.Priority = domain.PriorityRoutine
	return true
}

func applyValueDefault(r *domain.ImagingRecord, m *refdata.Maps) bool {
	if r.Value > 0 {
		return false
	}
	def, ok := m.DefaultValue(r.StudyDescription)
	if !ok || def <= 0 {
		return false
	}
	r.Value = def
	return true
}

// --- preconditions ---

func requireCatalog(m *refdata.Maps) error {
	if m.CatalogSize() == 0 {
		return errors.New("exam catalog is empty")
	}
	return nil
}

func requirePriorityMap(m *refdata.Maps) error {
	if m.PrioritySize() == 0 {
		return errors.New("priority mapping table is empty")
	}
	return nil
}

func requireValueReference(m *refdata.Maps) error {
	if m.ValueSize() == 0 {
		return errors.New("value reference table is empty")
	}
	return nil
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

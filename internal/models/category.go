package models

import (
	"fmt"
	"strings"
)

// Category is the closed set of question types the classifier can produce.
type Category string

const (
	CategoryVaccine           Category = "vaccine"
	CategorySymptom           Category = "symptom"
	CategoryDevelopment       Category = "development"
	CategoryActivity          Category = "activity"
	CategoryEducation         Category = "education"
	CategoryPregnancy         Category = "pregnancy"
	CategoryAccountManagement Category = "account_management"
	CategoryGeneral           Category = "general"
)

// AllCategories lists every category. Order matches keyword classification priority,
// with general last.
var AllCategories = []Category{
	CategoryVaccine,
	CategorySymptom,
	CategoryDevelopment,
	CategoryActivity,
	CategoryEducation,
	CategoryPregnancy,
	CategoryAccountManagement,
	CategoryGeneral,
}

// ParseCategory converts free text to a Category. Surrounding whitespace, case and
// trailing punctuation are ignored.
func ParseCategory(s string) (Category, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	normalized = strings.TrimRight(normalized, ".!\"'")
	for _, c := range AllCategories {
		if string(c) == normalized {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: unknown category %q", ErrValidation, s)
}

// IsValid reports whether c is a member of the closed set.
func (c Category) IsValid() bool {
	switch c {
	case CategoryVaccine, CategorySymptom, CategoryDevelopment, CategoryActivity,
		CategoryEducation, CategoryPregnancy, CategoryAccountManagement, CategoryGeneral:
		return true
	}
	return false
}

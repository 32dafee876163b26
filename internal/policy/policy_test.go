package policy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/BTreeMap/Coo/internal/models"
)

func TestDefaultPolicyTables(t *testing.T) {
	p := Default()

	wantOrder := []models.Category{
		models.CategoryVaccine,
		models.CategorySymptom,
		models.CategoryDevelopment,
		models.CategoryActivity,
		models.CategoryEducation,
		models.CategoryPregnancy,
		models.CategoryAccountManagement,
	}
	if len(p.Categories) != len(wantOrder) {
		t.Fatalf("expected %d category lists, got %d", len(wantOrder), len(p.Categories))
	}
	for i, c := range wantOrder {
		if p.Categories[i].Category != c {
			t.Errorf("category %d: expected %q, got %q", i, c, p.Categories[i].Category)
		}
	}

	if p.TierLimit(models.TierFree) != 1 || p.TierLimit(models.TierFamily) != 3 || p.TierLimit(models.TierPremium) != 3 {
		t.Errorf("unexpected tier limits: %v", p.TierLimits)
	}
	if p.TierLimit(models.Tier("ENTERPRISE")) != 1 {
		t.Error("expected unknown tier to fall back to FREE limit")
	}
	if p.AgeToleranceMonths != 12 {
		t.Errorf("expected tolerance 12, got %d", p.AgeToleranceMonths)
	}
	if len(p.CancelKeywords) != 6 {
		t.Errorf("expected 6 cancel keywords, got %v", p.CancelKeywords)
	}
}

func TestDefaultReturnsIndependentCopies(t *testing.T) {
	a := Default()
	a.CancelKeywords = nil
	b := Default()
	if len(b.CancelKeywords) == 0 {
		t.Error("mutating one default policy leaked into another")
	}
}

func TestParseNormalizesKeywords(t *testing.T) {
	p, err := Parse([]byte(`
categories:
  - category: vaccine
    keywords: ["  MMR ", ""]
cancel_keywords: [STOP]
age_keywords:
  - keyword: " Toddler"
    months: 18
tier_limits:
  FREE: 2
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if got := p.Categories[0].Keywords; len(got) != 1 || got[0] != "mmr" {
		t.Errorf("expected [mmr], got %v", got)
	}
	if p.CancelKeywords[0] != "stop" {
		t.Errorf("expected lowered cancel keyword, got %q", p.CancelKeywords[0])
	}
	if p.AgeKeywords[0].Keyword != "toddler" {
		t.Errorf("expected trimmed age keyword, got %q", p.AgeKeywords[0].Keyword)
	}
	if p.TierLimit(models.TierFree) != 2 {
		t.Errorf("expected FREE limit 2, got %d", p.TierLimit(models.TierFree))
	}
}

func TestParseRejectsUnknownCategory(t *testing.T) {
	_, err := Parse([]byte("categories:\n  - category: weather\n    keywords: [rain]\n"))
	if !errors.Is(err, models.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	_, err = Parse([]byte("categories:\n  - category: general\n    keywords: [hello]\n"))
	if !errors.Is(err, models.ErrValidation) {
		t.Errorf("expected validation error for general list, got %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte("cancel_keywords: [halt]\nage_tolerance_months: 6\n"), 0644); err != nil {
		t.Fatalf("failed to write policy: %v", err)
	}
	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if p.AgeToleranceMonths != 6 || p.CancelKeywords[0] != "halt" {
		t.Errorf("unexpected policy: %+v", p)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestContainsAny(t *testing.T) {
	if !ContainsAny("My Baby has a FEVER", []string{"fever"}) {
		t.Error("expected case-insensitive match")
	}
	if ContainsAny("hello", []string{"", "bye"}) {
		t.Error("expected no match")
	}
}

func TestContainsAnyFoldsTypographicApostrophe(t *testing.T) {
	if !ContainsAny("she can’t breathe", []string{"can't breathe"}) {
		t.Error("expected curly apostrophe to match")
	}
}

func TestContainsPhrase(t *testing.T) {
	keywords := []string{"stop", "never mind", "nevermind"}
	tests := map[string]bool{
		"STOP":                true,
		"please stop!":        true,
		"ok never   mind.":    true,
		"nevermind":           true,
		"Christopher":         false,
		"unstoppable":         false,
		"never, I don't mind": false,
		"":                    false,
	}
	for text, want := range tests {
		if got := ContainsPhrase(text, keywords); got != want {
			t.Errorf("ContainsPhrase(%q): expected %v, got %v", text, want, got)
		}
	}
	if ContainsPhrase("stop", []string{"", "  "}) {
		t.Error("blank keywords must never match")
	}
}

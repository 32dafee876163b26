// Package policy holds the keyword and age tables that drive classification,
// emergency detection, cancellation and active-entity resolution.
//
// A compiled-in default is loaded from default_policy.yaml; deployments can
// override it with their own YAML file.
package policy

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"unicode"

	"github.com/BTreeMap/Coo/internal/models"
	"github.com/m-mizutani/goerr/v2"
	"gopkg.in/yaml.v3"
)

//go:embed default_policy.yaml
var defaultPolicyYAML []byte

// CategoryKeywords binds a keyword list to a category.
type CategoryKeywords struct {
	Category models.Category `yaml:"category"`
	Keywords []string        `yaml:"keywords"`
}

// AgeKeyword maps a phrase such as "toddler" to an approximate age in months.
type AgeKeyword struct {
	Keyword string `yaml:"keyword"`
	Months  int    `yaml:"months"`
}

// Policy is the full set of tables.
type Policy struct {
	// Categories are checked in order; the first list with a hit wins.
	Categories         []CategoryKeywords  `yaml:"categories"`
	EmergencyKeywords  []string            `yaml:"emergency_keywords"`
	CancelKeywords     []string            `yaml:"cancel_keywords"`
	FlowStartKeywords  []string            `yaml:"flow_start_keywords"`
	AgeKeywords        []AgeKeyword        `yaml:"age_keywords"`
	AgeToleranceMonths int                 `yaml:"age_tolerance_months"`
	TierLimits         map[models.Tier]int `yaml:"tier_limits"`
}

// Default returns a fresh copy of the compiled-in policy.
func Default() *Policy {
	p, err := Parse(defaultPolicyYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded default policy is invalid: %v", err))
	}
	return p
}

// Load reads a policy file from disk.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read policy file", goerr.V("path", path))
	}
	p, err := Parse(data)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to parse policy file", goerr.V("path", path))
	}
	slog.Info("Policy loaded", "path", path, "categories", len(p.Categories), "age_keywords", len(p.AgeKeywords))
	return p, nil
}

// Parse decodes and validates a YAML policy document.
func Parse(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, goerr.Wrap(err, "invalid policy yaml")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	p.normalize()
	return &p, nil
}

// Validate checks that every category is known and limits are sane.
func (p *Policy) Validate() error {
	for _, ck := range p.Categories {
		if !ck.Category.IsValid() || ck.Category == models.CategoryGeneral {
			return goerr.Wrap(models.ErrValidation, "policy lists an unusable category", goerr.V("category", ck.Category))
		}
	}
	if p.AgeToleranceMonths < 0 {
		return goerr.Wrap(models.ErrValidation, "age tolerance must not be negative", goerr.V("tolerance", p.AgeToleranceMonths))
	}
	for tier, limit := range p.TierLimits {
		if limit < 0 {
			return goerr.Wrap(models.ErrValidation, "tier limit must not be negative", goerr.V("tier", tier))
		}
	}
	return nil
}

func (p *Policy) normalize() {
	for i := range p.Categories {
		p.Categories[i].Keywords = lowerAll(p.Categories[i].Keywords)
	}
	p.EmergencyKeywords = lowerAll(p.EmergencyKeywords)
	p.CancelKeywords = lowerAll(p.CancelKeywords)
	p.FlowStartKeywords = lowerAll(p.FlowStartKeywords)
	for i := range p.AgeKeywords {
		p.AgeKeywords[i].Keyword = strings.ToLower(strings.TrimSpace(p.AgeKeywords[i].Keyword))
	}
}

// TierLimit returns the tracked-entity limit for tier. Unknown tiers get the FREE limit.
func (p *Policy) TierLimit(tier models.Tier) int {
	if limit, ok := p.TierLimits[tier]; ok {
		return limit
	}
	return p.TierLimits[models.TierFree]
}

// ContainsAny reports whether lowered text contains any of keywords.
func ContainsAny(text string, keywords []string) bool {
	lower := foldApostrophes(strings.ToLower(text))
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// ContainsPhrase reports whether text contains any keyword as a run of whole
// words, so "stop" matches "please stop!" but not "Christopher".
func ContainsPhrase(text string, keywords []string) bool {
	words := splitWords(text)
	for _, kw := range keywords {
		if phrase := splitWords(kw); len(phrase) > 0 && containsRun(words, phrase) {
			return true
		}
	}
	return false
}

// splitWords lowercases text and splits it on anything other than letters,
// digits and apostrophes. Typographic apostrophes are folded to ASCII.
func splitWords(text string) []string {
	text = foldApostrophes(strings.ToLower(text))
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func foldApostrophes(s string) string {
	return strings.ReplaceAll(s, "\u2019", "'")
}

func containsRun(words, phrase []string) bool {
	for i := 0; i+len(phrase) <= len(words); i++ {
		match := true
		for j, w := range phrase {
			if words[i+j] != w {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Package classifier assigns each inbound question to a Category.
//
// A keyword tier driven by the policy tables runs first. Only when it yields
// general for a non-trivial message is a generative backend asked, and its
// answers are memoised so repeated texts cost a single call.
package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/Coo/internal/genai"
	"github.com/BTreeMap/Coo/internal/models"
	"github.com/BTreeMap/Coo/internal/policy"
	"github.com/patrickmn/go-cache"
)

const (
	// DefaultCacheTTL bounds how long a generative classification is reused.
	DefaultCacheTTL = 10 * time.Minute
	// minGenerativeLength is the length a message must exceed before the generative tier runs.
	minGenerativeLength = 10
	classifyMaxTokens   = 10
)

const classifySystemPrompt = "You are a classifier for parenting questions. Answer with a single category name."

// Classifier maps text to a models.Category.
type Classifier struct {
	policy     *policy.Policy
	gen        genai.TextGenerator
	generative bool
	memo       *cache.Cache
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithGenerativeFallback enables or disables the generative tier.
func WithGenerativeFallback(enabled bool) Option {
	return func(c *Classifier) { c.generative = enabled }
}

// WithCacheTTL sets how long generative results are memoised.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Classifier) { c.memo = cache.New(ttl, 2*ttl) }
}

// New creates a Classifier. gen may be nil, in which case only keywords are used.
func New(p *policy.Policy, gen genai.TextGenerator, opts ...Option) *Classifier {
	if p == nil {
		p = policy.Default()
	}
	c := &Classifier{
		policy:     p,
		gen:        gen,
		generative: gen != nil,
		memo:       cache.New(DefaultCacheTTL, 2*DefaultCacheTTL),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.gen == nil {
		c.generative = false
	}
	return c
}

// ClassifyKeywords runs the keyword tier only. Categories are tried in policy order.
func (c *Classifier) ClassifyKeywords(text string) models.Category {
	lower := strings.ToLower(text)
	for _, ck := range c.policy.Categories {
		if policy.ContainsAny(lower, ck.Keywords) {
			return ck.Category
		}
	}
	return models.CategoryGeneral
}

// IsEmergency reports whether text contains any emergency keyword.
func (c *Classifier) IsEmergency(text string) bool {
	return policy.ContainsAny(text, c.policy.EmergencyKeywords)
}

// Classify returns the category for text. entity, when non-nil, adds child
// context to the generative prompt. Backend failures degrade to general.
func (c *Classifier) Classify(ctx context.Context, text string, entity *models.ActiveEntity) models.Category {
	category := c.ClassifyKeywords(text)
	if category != models.CategoryGeneral || !c.generative || len(text) <= minGenerativeLength {
		return category
	}

	key := memoKey(text, entity)
	if cached, ok := c.memo.Get(key); ok {
		return cached.(models.Category)
	}

	out, err := c.gen.Complete(ctx, classifySystemPrompt, buildPrompt(text, entity), classifyMaxTokens)
	if err != nil {
		slog.Warn("Classifier Classify generative tier failed", "error", err)
		return models.CategoryGeneral
	}
	parsed, err := models.ParseCategory(out)
	if err != nil {
		slog.Debug("Classifier Classify unknown category from backend", "output", out)
		parsed = models.CategoryGeneral
	}
	c.memo.Set(key, parsed, cache.DefaultExpiration)
	slog.Debug("Classifier Classify succeeded", "category", parsed, "tier", "generative")
	return parsed
}

func buildPrompt(text string, entity *models.ActiveEntity) string {
	var childContext string
	if entity != nil && entity.AgeMonths != nil {
		name := entity.Name
		if name == "" {
			name = "Unknown"
		}
		childContext = fmt.Sprintf("\nChild: %s, Age: %d months", name, *entity.AgeMonths)
	}
	return "Classify this parenting question into ONE category only.\n\n" +
		"Categories: vaccine, symptom, development, activity, pregnancy, education, account_management, general\n\n" +
		"Question: " + text + childContext + "\n\n" +
		"Respond with ONLY the category name (one word, lowercase)."
}

func memoKey(text string, entity *models.ActiveEntity) string {
	key := strings.ToLower(strings.TrimSpace(text))
	if entity != nil && entity.AgeMonths != nil {
		key = fmt.Sprintf("%s|%s|%d", key, entity.Name, *entity.AgeMonths)
	}
	return key
}

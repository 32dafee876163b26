package conversation

import (
	"strings"
	"time"

	"github.com/BTreeMap/Coo/internal/models"
	"github.com/BTreeMap/Coo/internal/policy"
)

// MatchType records how a message was tied to a tracked entity.
type MatchType string

const (
	MatchNone      MatchType = ""
	MatchName      MatchType = "name"
	MatchAge       MatchType = "age_pattern"
	MatchOnlyChild MatchType = "only_child"
)

// ResolveEntity picks the entity a message refers to. In order: the first entity
// whose name appears in the message, then the entity whose age is closest to the
// first matching age keyword (strictly within the policy tolerance), then the
// sole entity of a single-entity account.
func ResolveEntity(message string, entities []models.TrackedEntity, p *policy.Policy, now time.Time) (*models.TrackedEntity, MatchType) {
	if len(entities) == 0 {
		return nil, MatchNone
	}
	lower := strings.ToLower(message)

	for i := range entities {
		name := strings.ToLower(strings.TrimSpace(entities[i].Name))
		if name != "" && strings.Contains(lower, name) {
			return &entities[i], MatchName
		}
	}

	for _, kw := range p.AgeKeywords {
		if !strings.Contains(lower, kw.Keyword) {
			continue
		}
		var best *models.TrackedEntity
		bestDiff := -1
		for i := range entities {
			age := entities[i].AgeMonths(now)
			if age == nil {
				continue
			}
			diff := *age - kw.Months
			if diff < 0 {
				diff = -diff
			}
			if bestDiff < 0 || diff < bestDiff {
				best, bestDiff = &entities[i], diff
			}
		}
		if best != nil && bestDiff < p.AgeToleranceMonths {
			return best, MatchAge
		}
	}

	if len(entities) == 1 {
		return &entities[0], MatchOnlyChild
	}
	return nil, MatchNone
}

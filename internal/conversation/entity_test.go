package conversation

import (
	"testing"
	"time"

	"github.com/BTreeMap/Coo/internal/models"
	"github.com/BTreeMap/Coo/internal/policy"
)

func entityAged(id, name string, months int, now time.Time) models.TrackedEntity {
	birth := now.AddDate(0, 0, -months*30-5)
	return models.TrackedEntity{ID: id, Name: name, BirthDate: &birth}
}

func TestResolveEntity(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	p := policy.Default()
	maya := entityAged("e1", "Maya", 20, now)
	leo := entityAged("e2", "Leo", 60, now)
	pending := models.TrackedEntity{ID: "e3", Name: "Bean", IsPending: true}

	tests := []struct {
		name     string
		message  string
		entities []models.TrackedEntity
		wantID   string
		wantType MatchType
	}{
		{"no entities", "how is maya", nil, "", MatchNone},
		{"name match is case-insensitive", "Is LEO ready for school?", []models.TrackedEntity{maya, leo}, "e2", MatchName},
		{"toddler keyword picks closest age", "my toddler will not nap", []models.TrackedEntity{maya, leo}, "e1", MatchAge},
		{"age keyword outside tolerance falls through", "my newborn cries a lot", []models.TrackedEntity{maya, leo}, "", MatchNone},
		{"only entity", "what should I pack for the beach", []models.TrackedEntity{maya}, "e1", MatchOnlyChild},
		{"pending entity never matches by age", "my newborn", []models.TrackedEntity{pending, leo}, "", MatchNone},
		{"two entities without cue", "any tips for travel", []models.TrackedEntity{maya, leo}, "", MatchNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, mt := ResolveEntity(tt.message, tt.entities, p, now)
			if mt != tt.wantType {
				t.Errorf("expected match type %q, got %q", tt.wantType, mt)
			}
			if tt.wantID == "" {
				if got != nil {
					t.Errorf("expected no entity, got %+v", got)
				}
				return
			}
			if got == nil || got.ID != tt.wantID {
				t.Errorf("expected entity %q, got %+v", tt.wantID, got)
			}
		})
	}
}

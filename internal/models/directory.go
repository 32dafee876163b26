package models

import (
	"fmt"
	"time"
)

// Tier is an account subscription level.
type Tier string

const (
	TierFree    Tier = "FREE"
	TierFamily  Tier = "FAMILY"
	TierPremium Tier = "PREMIUM"
)

// Account groups phones and tracked entities.
type Account struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Tier      Tier      `json:"tier"`
	CreatedAt time.Time `json:"created_at"`
}

// TrackedEntity is a child (or an expected child) registered on an account.
type TrackedEntity struct {
	ID        string     `json:"id"`
	AccountID string     `json:"account_id"`
	Name      string     `json:"name"`
	BirthDate *time.Time `json:"birth_date,omitempty"`
	DueDate   *time.Time `json:"due_date,omitempty"`
	IsPending bool       `json:"is_pending"`
	CreatedAt time.Time  `json:"created_at"`
}

// AgeMonths returns the entity age in whole 30-day months, or nil when it has no birth date.
func (e TrackedEntity) AgeMonths(now time.Time) *int {
	if e.IsPending || e.BirthDate == nil {
		return nil
	}
	months := DaysBetween(*e.BirthDate, now) / 30
	return &months
}

// ActiveRef converts the entity to the reference stored in conversation metadata.
func (e TrackedEntity) ActiveRef(now time.Time) *ActiveEntity {
	return &ActiveEntity{
		ID:        e.ID,
		Name:      e.Name,
		AgeMonths: e.AgeMonths(now),
		SetAt:     now,
	}
}

// DaysBetween returns the number of whole days from start to end.
func DaysBetween(start, end time.Time) int {
	return int(end.Sub(start).Hours() / 24)
}

// AgeDescription renders "X years old" once the age reaches a year, else "X months old".
func AgeDescription(days int) string {
	years := days / 365
	if years >= 1 {
		if years == 1 {
			return "1 year old"
		}
		return fmt.Sprintf("%d years old", years)
	}
	months := days / 30
	if months == 1 {
		return "1 month old"
	}
	return fmt.Sprintf("%d months old", months)
}

// AgeDetail renders a month count as "2 years 3 months" or "5 months".
func AgeDetail(ageMonths int) string {
	years := ageMonths / 12
	rem := ageMonths % 12
	if years == 0 {
		return plural(ageMonths, "month")
	}
	out := plural(years, "year")
	if rem > 0 {
		out += " " + plural(rem, "month")
	}
	return out
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

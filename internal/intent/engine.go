// Package intent implements the multi-turn "add a child" registration flow and
// cancel detection.
package intent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BTreeMap/Coo/internal/conversation"
	"github.com/BTreeMap/Coo/internal/models"
	"github.com/BTreeMap/Coo/internal/policy"
	"github.com/BTreeMap/Coo/internal/store"
	"github.com/m-mizutani/goerr/v2"
)

const (
	minNameLength = 2
	maxNameLength = 50
	// maxAgeDays rejects birthdates more than ten years back.
	maxAgeDays = 3650
)

// Result is the outcome of one registration step.
type Result struct {
	ResponseText    string
	NextState       models.ConversationStateTag
	Success         bool
	CreatedEntityID string
}

// Engine drives the registration state machine. Flow state lives in the
// conversation metadata; entities are created through the directory.
type Engine struct {
	conv   *conversation.Manager
	dir    store.Directory
	policy *policy.Policy
	now    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source used for date validation.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithPolicy sets the keyword and tier tables.
func WithPolicy(p *policy.Policy) Option {
	return func(e *Engine) {
		if p != nil {
			e.policy = p
		}
	}
}

// NewEngine creates an Engine.
func NewEngine(conv *conversation.Manager, dir store.Directory, opts ...Option) *Engine {
	e := &Engine{
		conv:   conv,
		dir:    dir,
		policy: policy.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DetectCancel reports whether message asks to abandon the current flow.
func (e *Engine) DetectCancel(message string) bool {
	return policy.ContainsPhrase(message, e.policy.CancelKeywords)
}

// HandleRegistration advances the flow by one message. Validation and capacity
// problems become reply text; only storage failures are returned as errors.
func (e *Engine) HandleRegistration(ctx context.Context, message string, account *models.Account, phone string, current models.ConversationStateTag) (Result, error) {
	if account == nil {
		return Result{ResponseText: MsgAccountMissing}, nil
	}
	slog.Debug("IntentEngine HandleRegistration", "accountID", account.ID, "phone", phone, "state", current)

	limit := e.policy.TierLimit(account.Tier)
	count, err := e.dir.CountTrackedEntities(ctx, account.ID)
	if err != nil {
		return Result{}, goerr.Wrap(err, "failed to count tracked entities", goerr.V("accountID", account.ID))
	}
	if count >= limit {
		slog.Info("IntentEngine capacity reached", "accountID", account.ID, "tier", account.Tier, "count", count, "limit", limit)
		if err := e.conv.ClearConversationState(ctx, account.ID, phone); err != nil {
			return Result{}, err
		}
		return Result{ResponseText: msgLimitReached(limit, string(account.Tier))}, nil
	}

	switch current {
	case models.StateNone:
		return e.start(ctx, account.ID, phone)
	case models.StateCollectingName:
		return e.collectName(ctx, message, account.ID, phone)
	case models.StateCollectingBirthdate:
		return e.collectBirthdate(ctx, message, account, phone, limit)
	default:
		slog.Warn("IntentEngine unknown state, restarting", "accountID", account.ID, "state", current)
		return e.restart(ctx, account.ID, phone, MsgUnknownState)
	}
}

// restart puts the flow back at the name prompt with empty state data.
func (e *Engine) restart(ctx context.Context, accountID, phone, text string) (Result, error) {
	if err := e.conv.SetConversationState(ctx, accountID, phone, models.StateCollectingName, &models.RegistrationStateData{}); err != nil {
		return Result{}, err
	}
	return Result{ResponseText: text, NextState: models.StateCollectingName}, nil
}

func (e *Engine) start(ctx context.Context, accountID, phone string) (Result, error) {
	if err := e.conv.SetConversationState(ctx, accountID, phone, models.StateCollectingName, &models.RegistrationStateData{}); err != nil {
		return Result{}, err
	}
	return Result{ResponseText: MsgAskName, NextState: models.StateCollectingName, Success: true}, nil
}

func (e *Engine) collectName(ctx context.Context, message, accountID, phone string) (Result, error) {
	name, err := normalizeName(message)
	if err != nil {
		slog.Debug("IntentEngine rejected name", "error", err)
		return Result{ResponseText: MsgInvalidName, NextState: models.StateCollectingName}, nil
	}
	if err := e.conv.SetConversationState(ctx, accountID, phone, models.StateCollectingBirthdate, &models.RegistrationStateData{Name: name}); err != nil {
		return Result{}, err
	}
	return Result{ResponseText: msgAskBirthdate(name), NextState: models.StateCollectingBirthdate, Success: true}, nil
}

func (e *Engine) collectBirthdate(ctx context.Context, message string, account *models.Account, phone string, limit int) (Result, error) {
	_, data, err := e.conv.ConversationState(ctx, account.ID, phone)
	if err != nil {
		return Result{}, err
	}
	if data == nil || data.Name == "" {
		slog.Warn("IntentEngine birthdate step without a name, restarting", "accountID", account.ID)
		return e.restart(ctx, account.ID, phone, MsgRestart)
	}
	name := data.Name

	now := e.now()
	birth, ageDays, err := e.validateBirthdate(message, now)
	if err != nil {
		slog.Debug("IntentEngine rejected birthdate", "error", err)
		text := MsgInvalidDate
		switch {
		case errors.Is(err, errFutureDate):
			text = MsgFutureDate
		case errors.Is(err, errTooOld):
			text = MsgTooOld
		}
		return Result{ResponseText: text, NextState: models.StateCollectingBirthdate}, nil
	}

	entity, err := e.dir.CreateTrackedEntity(ctx, models.TrackedEntity{
		AccountID: account.ID,
		Name:      name,
		BirthDate: &birth,
		CreatedAt: now,
	}, limit)
	if err != nil {
		if cerr := e.conv.ClearConversationState(ctx, account.ID, phone); cerr != nil {
			return Result{}, cerr
		}
		if errors.Is(err, models.ErrCapacityExceeded) {
			return Result{ResponseText: msgLimitReached(limit, string(account.Tier))}, nil
		}
		slog.Error("IntentEngine CreateTrackedEntity failed", "error", err, "accountID", account.ID)
		return Result{ResponseText: msgCreateFailed(name)}, nil
	}

	if err := e.conv.ClearConversationState(ctx, account.ID, phone); err != nil {
		return Result{}, err
	}
	ageMonths := ageDays / 30
	if err := e.conv.SetActiveEntity(ctx, account.ID, phone, &models.ActiveEntity{
		ID:        entity.ID,
		Name:      name,
		AgeMonths: &ageMonths,
		SetAt:     now,
	}); err != nil {
		return Result{}, err
	}

	slog.Info("IntentEngine registered entity", "accountID", account.ID, "entityID", entity.ID)
	return Result{
		ResponseText:    msgCreated(name, models.AgeDescription(ageDays)),
		NextState:       models.StateNone,
		Success:         true,
		CreatedEntityID: entity.ID,
	}, nil
}

var (
	errFutureDate = errors.New("birthdate in the future")
	errTooOld     = errors.New("birthdate too far in the past")
)

func normalizeName(message string) (string, error) {
	name := titleCase(strings.TrimSpace(message))
	n := utf8.RuneCountInString(name)
	if n < minNameLength || n > maxNameLength {
		return "", goerr.Wrap(models.ErrValidation, "name length out of range", goerr.V("length", n))
	}
	return name, nil
}

// validateBirthdate returns the parsed date and the age in days relative to now.
func (e *Engine) validateBirthdate(message string, now time.Time) (time.Time, int, error) {
	birth, ok := ParseBirthdate(message)
	if !ok {
		return time.Time{}, 0, goerr.Wrap(models.ErrValidation, "unparseable birthdate")
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if birth.After(today) {
		return time.Time{}, 0, goerr.Wrap(errFutureDate, "invalid birthdate", goerr.V("date", birth.Format("2006-01-02")))
	}
	days := models.DaysBetween(birth, today)
	if days > maxAgeDays {
		return time.Time{}, 0, goerr.Wrap(errTooOld, "invalid birthdate", goerr.V("days", days))
	}
	return birth, days, nil
}

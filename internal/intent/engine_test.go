package intent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/Coo/internal/conversation"
	"github.com/BTreeMap/Coo/internal/models"
	"github.com/BTreeMap/Coo/internal/store"
)

var fixedNow = time.Date(2025, 3, 1, 15, 30, 0, 0, time.UTC)

func newTestEngine(t *testing.T, tier models.Tier) (*Engine, *conversation.Manager, *store.InMemoryStore, *models.Account) {
	t.Helper()
	s := store.NewInMemoryStore()
	account := models.Account{ID: "acc-1", Name: "Rivera", Tier: tier}
	if err := s.CreateAccount(context.Background(), account); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	clock := func() time.Time { return fixedNow }
	conv := conversation.NewManager(s, conversation.WithClock(clock))
	return NewEngine(conv, s, WithClock(clock)), conv, s, &account
}

func TestRegistrationHappyPath(t *testing.T) {
	e, conv, s, account := newTestEngine(t, models.TierFamily)
	ctx := context.Background()
	phone := "+15550001111"

	res, err := e.HandleRegistration(ctx, "I want to add my daughter", account, phone, models.StateNone)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if res.ResponseText != MsgAskName || res.NextState != models.StateCollectingName || !res.Success {
		t.Fatalf("unexpected start result %+v", res)
	}

	res, err = e.HandleRegistration(ctx, "  maya  ", account, phone, res.NextState)
	if err != nil {
		t.Fatalf("name step failed: %v", err)
	}
	if res.NextState != models.StateCollectingBirthdate || !strings.Contains(res.ResponseText, "When was Maya born?") {
		t.Fatalf("unexpected name result %+v", res)
	}
	_, data, _ := conv.ConversationState(ctx, account.ID, phone)
	if data == nil || data.Name != "Maya" {
		t.Fatalf("expected name stored in state data, got %+v", data)
	}

	res, err = e.HandleRegistration(ctx, "06/15/2023", account, phone, res.NextState)
	if err != nil {
		t.Fatalf("birthdate step failed: %v", err)
	}
	want := "Perfect! I've added Maya (1 year old) to your account. You can now ask me questions about Maya!"
	if res.ResponseText != want {
		t.Errorf("expected %q, got %q", want, res.ResponseText)
	}
	if !res.Success || res.CreatedEntityID == "" || res.NextState != models.StateNone {
		t.Errorf("unexpected final result %+v", res)
	}

	entities, _ := s.ListTrackedEntities(ctx, account.ID)
	if len(entities) != 1 || entities[0].Name != "Maya" {
		t.Fatalf("expected Maya created, got %+v", entities)
	}
	tag, data, _ := conv.ConversationState(ctx, account.ID, phone)
	if tag != models.StateNone || data != nil {
		t.Errorf("expected state cleared, got %q %+v", tag, data)
	}
	active, _ := conv.ActiveEntity(ctx, account.ID, phone)
	if active == nil || active.ID != res.CreatedEntityID || active.AgeMonths == nil || *active.AgeMonths != 20 {
		t.Errorf("expected Maya active at 20 months, got %+v", active)
	}
}

func TestRegistrationRejectsBadName(t *testing.T) {
	e, _, _, account := newTestEngine(t, models.TierFamily)
	ctx := context.Background()
	for _, name := range []string{"A", " ", strings.Repeat("x", 51)} {
		res, err := e.HandleRegistration(ctx, name, account, "+1", models.StateCollectingName)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.ResponseText != MsgInvalidName || res.NextState != models.StateCollectingName || res.Success {
			t.Errorf("name %q: unexpected result %+v", name, res)
		}
	}
}

func TestRegistrationBirthdateErrors(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"sometime last spring", MsgInvalidDate},
		{"02/30/2023", MsgInvalidDate},
		{"12/25/2025", MsgFutureDate},
		{"01/01/2010", MsgTooOld},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			e, conv, s, account := newTestEngine(t, models.TierFamily)
			ctx := context.Background()
			conv.SetConversationState(ctx, account.ID, "+1", models.StateCollectingBirthdate, &models.RegistrationStateData{Name: "Leo"})

			res, err := e.HandleRegistration(ctx, tt.input, account, "+1", models.StateCollectingBirthdate)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.ResponseText != tt.want || res.NextState != models.StateCollectingBirthdate {
				t.Errorf("expected %q in birthdate state, got %+v", tt.want, res)
			}
			if n, _ := s.CountTrackedEntities(ctx, account.ID); n != 0 {
				t.Errorf("no entity should be created, got %d", n)
			}
			tag, data, _ := conv.ConversationState(ctx, account.ID, "+1")
			if tag != models.StateCollectingBirthdate || data == nil || data.Name != "Leo" {
				t.Errorf("state should be kept, got %q %+v", tag, data)
			}
		})
	}
}

func TestRegistrationCapacity(t *testing.T) {
	e, conv, s, account := newTestEngine(t, models.TierFree)
	ctx := context.Background()
	s.CreateTrackedEntity(ctx, models.TrackedEntity{AccountID: account.ID, Name: "Ava"}, 1)
	conv.SetConversationState(ctx, account.ID, "+1", models.StateCollectingName, &models.RegistrationStateData{})

	res, err := e.HandleRegistration(ctx, "Ben", account, "+1", models.StateCollectingName)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "You've reached the limit of 1 children for your FREE tier. Upgrade to add more!"
	if res.ResponseText != want || res.Success {
		t.Errorf("expected limit message, got %+v", res)
	}
	if tag, _, _ := conv.ConversationState(ctx, account.ID, "+1"); tag != models.StateNone {
		t.Errorf("expected state cleared, got %q", tag)
	}
}

func TestRegistrationRestartsWithoutName(t *testing.T) {
	e, conv, _, account := newTestEngine(t, models.TierFamily)
	ctx := context.Background()
	conv.SetConversationState(ctx, account.ID, "+1", models.StateCollectingBirthdate, nil)

	res, err := e.HandleRegistration(ctx, "06/15/2023", account, "+1", models.StateCollectingBirthdate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ResponseText != MsgRestart || res.Success || res.NextState != models.StateCollectingName {
		t.Errorf("expected restart at the name prompt, got %+v", res)
	}
	tag, data, _ := conv.ConversationState(ctx, account.ID, "+1")
	if tag != models.StateCollectingName || (data != nil && data.Name != "") {
		t.Fatalf("expected fresh name step, got %q %+v", tag, data)
	}

	res, err = e.HandleRegistration(ctx, "Maya", account, "+1", tag)
	if err != nil {
		t.Fatalf("name step failed: %v", err)
	}
	if res.NextState != models.StateCollectingBirthdate {
		t.Errorf("expected the next reply to be taken as a name, got %+v", res)
	}
}

func TestRegistrationUnknownState(t *testing.T) {
	e, conv, _, account := newTestEngine(t, models.TierFamily)
	ctx := context.Background()
	conv.SetMetadataField(ctx, account.ID, "+1", models.MetadataConversationState, "ADDING_PET")

	res, err := e.HandleRegistration(ctx, "hello", account, "+1", models.ConversationStateTag("ADDING_PET"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ResponseText != MsgUnknownState || res.NextState != models.StateCollectingName {
		t.Errorf("expected restart at the name prompt, got %+v", res)
	}
	tag, _, _ := conv.ConversationState(ctx, account.ID, "+1")
	if tag != models.StateCollectingName {
		t.Fatalf("expected state reset to %q, got %q", models.StateCollectingName, tag)
	}

	res, err = e.HandleRegistration(ctx, "Maya", account, "+1", tag)
	if err != nil {
		t.Fatalf("name step failed: %v", err)
	}
	if res.NextState != models.StateCollectingBirthdate || !strings.Contains(res.ResponseText, "When was Maya born?") {
		t.Errorf("expected Maya collected as the name, got %+v", res)
	}
}

func TestDetectCancel(t *testing.T) {
	e, _, _, _ := newTestEngine(t, models.TierFree)
	tests := map[string]bool{
		"cancel":            true,
		"  STOP ":           true,
		"nevermind":         true,
		"never mind that":   true,
		"I want to quit":    true,
		"exit":              true,
		"Maya":              false,
		"06/15/2023":        false,
		"what about sleep?": false,
		"please stop!":      true,
		"Christopher":       false,
		"Stopher":           false,
		"exiting soon":      false,
	}
	for msg, want := range tests {
		if got := e.DetectCancel(msg); got != want {
			t.Errorf("DetectCancel(%q): expected %v, got %v", msg, want, got)
		}
	}
}

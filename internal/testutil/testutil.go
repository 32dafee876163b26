// Package testutil provides fakes and helpers shared by Coo's package tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/Coo/internal/models"
	"github.com/BTreeMap/Coo/internal/store"
)

// TB is the subset of testing.TB the helpers need.
type TB interface {
	Helper()
	Errorf(format string, args ...interface{})
	Error(args ...interface{})
	Fatalf(format string, args ...interface{})
}

// FakeGenerator is a scripted genai.TextGenerator that records its calls.
type FakeGenerator struct {
	Reply string
	Err   error
	// Block makes Complete wait for ctx to end and return its error.
	Block bool

	mu            sync.Mutex
	SystemPrompts []string
	UserPrompts   []string
}

func (g *FakeGenerator) Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, error) {
	g.mu.Lock()
	g.SystemPrompts = append(g.SystemPrompts, systemPrompt)
	g.UserPrompts = append(g.UserPrompts, userPrompt)
	g.mu.Unlock()
	if g.Block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return g.Reply, g.Err
}

// Calls returns how many times Complete ran.
func (g *FakeGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.UserPrompts)
}

// LastUserPrompt returns the most recent user prompt, or "".
func (g *FakeGenerator) LastUserPrompt() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.UserPrompts) == 0 {
		return ""
	}
	return g.UserPrompts[len(g.UserPrompts)-1]
}

// CapturingSearcher is a knowledge.Searcher that returns fixed hits and
// remembers every query it saw.
type CapturingSearcher struct {
	Hits []models.RetrievedChunk
	Err  error

	mu      sync.Mutex
	Queries []string
}

func (s *CapturingSearcher) Search(ctx context.Context, query string, k int, category models.Category) ([]models.RetrievedChunk, error) {
	s.mu.Lock()
	s.Queries = append(s.Queries, query)
	s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	hits := s.Hits
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Calls returns how many searches ran.
func (s *CapturingSearcher) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Queries)
}

// SentReply is one message handed to a RecordingTransport.
type SentReply struct {
	To   string
	Body string
}

// RecordingTransport is a messaging.Transport that keeps every reply in memory.
type RecordingTransport struct {
	Err error

	mu   sync.Mutex
	sent []SentReply
}

func (t *RecordingTransport) Deliver(ctx context.Context, to, body string) (models.Delivery, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, SentReply{To: to, Body: body})
	if t.Err != nil {
		return models.Delivery{To: to, Status: models.MessageStatusFailed}, t.Err
	}
	return models.Delivery{To: to, Status: models.MessageStatusSent, ProviderID: "SM" + time.Now().Format("150405.000000")}, nil
}

// Sent returns a copy of the recorded replies.
func (t *RecordingTransport) Sent() []SentReply {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]SentReply(nil), t.sent...)
}

// Last returns the most recent reply body, or "".
func (t *RecordingTransport) Last() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sent) == 0 {
		return ""
	}
	return t.sent[len(t.sent)-1].Body
}

// SeedAccount creates an account with tier and links phone to it.
func SeedAccount(t TB, st store.Directory, accountID string, tier models.Tier, phone string) {
	t.Helper()
	ctx := context.Background()
	if err := st.CreateAccount(ctx, models.Account{ID: accountID, Name: accountID, Tier: tier}); err != nil {
		t.Fatalf("failed to create account %s: %v", accountID, err)
	}
	if err := st.LinkPhone(ctx, accountID, phone); err != nil {
		t.Fatalf("failed to link phone %s: %v", phone, err)
	}
}

// SeedEntity adds a tracked entity born at birth.
func SeedEntity(t TB, st store.Directory, accountID, name string, birth time.Time) models.TrackedEntity {
	t.Helper()
	e, err := st.CreateTrackedEntity(context.Background(), models.TrackedEntity{
		AccountID: accountID,
		Name:      name,
		BirthDate: &birth,
		CreatedAt: time.Now(),
	}, 10)
	if err != nil {
		t.Fatalf("failed to create entity %s: %v", name, err)
	}
	return e
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return nil
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t TB, method, target string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequest(method, target, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

// CreateFormRequest builds a form-encoded POST such as a provider webhook.
func CreateFormRequest(t TB, target string, form url.Values) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("failed to create form request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t TB, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}

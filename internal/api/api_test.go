package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/Coo/internal/conversation"
	"github.com/BTreeMap/Coo/internal/genai"
	"github.com/BTreeMap/Coo/internal/knowledge"
	"github.com/BTreeMap/Coo/internal/metrics"
	"github.com/BTreeMap/Coo/internal/models"
	"github.com/BTreeMap/Coo/internal/rag"
	"github.com/BTreeMap/Coo/internal/store"
	"github.com/BTreeMap/Coo/internal/testutil"
	"github.com/BTreeMap/Coo/internal/twiliosms"
)

type recordingInbound struct {
	mu   sync.Mutex
	msgs []models.InboundMessage
	err  error
}

func (r *recordingInbound) HandleInboundMessage(ctx context.Context, msg models.InboundMessage) (models.HandleResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	if r.err != nil {
		return models.HandleResult{}, r.err
	}
	return models.HandleResult{Status: models.HandleStatusAnswered, ResponseSent: true}, nil
}

type testServer struct {
	*Server
	st      *store.InMemoryStore
	conv    *conversation.Manager
	index   *knowledge.MemoryIndex
	inbound *recordingInbound
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	st := store.NewInMemoryStore()
	conv := conversation.NewManager(st)
	idx := knowledge.NewMemoryIndex(genai.NewHashEmbedder(genai.DefaultHashDimensions))
	inbound := &recordingInbound{}
	base := []Option{WithKnowledgeIndex(idx), WithMetrics(metrics.New())}
	srv := NewServer(inbound, st, conv, rag.NewComposer(idx, 0), append(base, opts...)...)
	return &testServer{Server: srv, st: st, conv: conv, index: idx, inbound: inbound}
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	ts.Handler().ServeHTTP(rr, req)
	return rr
}

func webhookForm() url.Values {
	return url.Values{
		"From":       {"+15551234567"},
		"To":         {"+15550001111"},
		"Body":       {"is this rash normal?"},
		"MessageSid": {"SM100"},
	}
}

func TestWebhookHandsMessageToOrchestrator(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(testutil.CreateFormRequest(t, "/sms/webhook", webhookForm()))

	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "webhook")
	if !strings.Contains(rr.Body.String(), "<Response></Response>") {
		t.Errorf("expected empty TwiML, got %q", rr.Body.String())
	}
	if len(ts.inbound.msgs) != 1 {
		t.Fatalf("expected one message handled, got %d", len(ts.inbound.msgs))
	}
	msg := ts.inbound.msgs[0]
	if msg.From != "+15551234567" || msg.ExternalID != "SM100" || msg.Channel != "sms" {
		t.Errorf("unexpected inbound message %+v", msg)
	}
}

func TestWebhookMissingBody(t *testing.T) {
	ts := newTestServer(t)
	form := webhookForm()
	form.Del("Body")
	rr := ts.do(testutil.CreateFormRequest(t, "/sms/webhook", form))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "missing body")
	if len(ts.inbound.msgs) != 0 {
		t.Errorf("expected nothing handled")
	}
}

func TestWebhookStorageFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.inbound.err = models.StorageError("load context", errors.New("disk full"))
	rr := ts.do(testutil.CreateFormRequest(t, "/sms/webhook", webhookForm()))
	testutil.AssertHTTPStatus(t, http.StatusInternalServerError, rr.Code, "storage failure")
}

func signForm(token, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	data := fullURL
	for _, k := range keys {
		data += k + form.Get(k)
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestWebhookSignature(t *testing.T) {
	const token = "auth-token"
	const publicURL = "https://coo.example.com/sms/webhook"
	ts := newTestServer(t, WithWebhookValidator(twiliosms.NewWebhookValidator(token, publicURL)))

	unsigned := ts.do(testutil.CreateFormRequest(t, "/sms/webhook", webhookForm()))
	testutil.AssertHTTPStatus(t, http.StatusForbidden, unsigned.Code, "unsigned webhook")

	req := testutil.CreateFormRequest(t, "/sms/webhook", webhookForm())
	req.Header.Set(twiliosms.SignatureHeader, signForm(token, publicURL, webhookForm()))
	signed := ts.do(req)
	testutil.AssertHTTPStatus(t, http.StatusOK, signed.Code, "signed webhook")
	if len(ts.inbound.msgs) != 1 {
		t.Errorf("expected only the signed message handled, got %d", len(ts.inbound.msgs))
	}
}

func seedChunks(t *testing.T, idx knowledge.Index) {
	t.Helper()
	chunks := []models.KnowledgeChunk{
		{Content: "Fever in a baby under 3 months needs a doctor right away.", Category: models.CategorySymptom},
		{Content: "The MMR vaccine is given at 12 to 15 months.", Category: models.CategoryVaccine},
		{Content: "Most toddlers walk between 9 and 18 months.", Category: models.CategoryDevelopment},
	}
	for _, c := range chunks {
		if _, err := idx.AddChunk(context.Background(), c); err != nil {
			t.Fatalf("AddChunk: %v", err)
		}
	}
}

func TestRagSearchGetAndPost(t *testing.T) {
	ts := newTestServer(t)
	seedChunks(t, ts.index)

	rr := ts.do(testutil.CreateHTTPRequest(t, http.MethodGet, "/rag/search?q=fever+in+a+baby&n=2", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "GET search")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	result := resp["result"].(map[string]interface{})
	if result["count"].(float64) != 2 {
		t.Errorf("expected 2 results, got %v", result["count"])
	}

	body := map[string]interface{}{"query": "which vaccine at 12 months", "n_results": 3, "category": "vaccine"}
	rr = ts.do(testutil.CreateHTTPRequest(t, http.MethodPost, "/rag/search", body))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "POST search")
	resp = testutil.AssertJSONResponse(t, rr, "ok")
	results := resp["result"].(map[string]interface{})["results"].([]interface{})
	if len(results) != 1 || results[0].(map[string]interface{})["category"] != "vaccine" {
		t.Errorf("expected only the vaccine chunk, got %v", results)
	}
}

func TestRagSearchValidation(t *testing.T) {
	ts := newTestServer(t)
	cases := map[string]string{
		"missing query":    "/rag/search",
		"too many results": "/rag/search?q=fever&n=50",
		"bad category":     "/rag/search?q=fever&category=astrology",
		"bad n":            "/rag/search?q=fever&n=abc",
	}
	for name, target := range cases {
		rr := ts.do(testutil.CreateHTTPRequest(t, http.MethodGet, target, nil))
		testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, name)
	}
}

func TestRagContextAndInfo(t *testing.T) {
	ts := newTestServer(t)
	seedChunks(t, ts.index)

	rr := ts.do(testutil.CreateHTTPRequest(t, http.MethodGet, "/rag/context?question=when+do+toddlers+walk&n_results=1", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "context")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	if ctx := resp["result"].(map[string]interface{})["context"].(string); !strings.HasPrefix(ctx, "[Source 1 - ") {
		t.Errorf("expected rendered source block, got %q", ctx)
	}

	rr = ts.do(testutil.CreateHTTPRequest(t, http.MethodGet, "/rag/info", nil))
	resp = testutil.AssertJSONResponse(t, rr, "ok")
	if n := resp["result"].(map[string]interface{})["total_documents"].(float64); n != 3 {
		t.Errorf("expected 3 documents, got %v", n)
	}
}

func TestAddChunk(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(testutil.CreateHTTPRequest(t, http.MethodPost, "/knowledge/chunks",
		map[string]string{"content": "Tummy time builds neck strength.", "category": "development", "source": "AAP"}))
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "add chunk")
	if n, _ := ts.index.Count(context.Background()); n != 1 {
		t.Errorf("expected 1 chunk stored, got %d", n)
	}

	rr = ts.do(testutil.CreateHTTPRequest(t, http.MethodPost, "/knowledge/chunks",
		map[string]string{"content": "   ", "category": "development"}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "empty chunk")
}

func TestAccountLifecycle(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(testutil.CreateHTTPRequest(t, http.MethodPost, "/accounts",
		map[string]string{"id": "fam-1", "name": "Rivera", "tier": "family", "phone": "(555) 123-4567"}))
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "create account")

	a, _ := ts.st.ResolveAccountByPhone(context.Background(), "+5551234567")
	if a == nil || a.ID != "fam-1" || a.Tier != models.TierFamily {
		t.Fatalf("expected linked FAMILY account, got %+v", a)
	}

	rr = ts.do(testutil.CreateHTTPRequest(t, http.MethodPost, "/accounts/fam-1/phones", map[string]string{"phone": "+1 555 987 6543"}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "link phone")
	if a, _ := ts.st.ResolveAccountByPhone(context.Background(), "+15559876543"); a == nil {
		t.Errorf("expected second phone linked")
	}

	rr = ts.do(testutil.CreateHTTPRequest(t, http.MethodPost, "/accounts/missing/phones", map[string]string{"phone": "+15550000000"}))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown account")

	rr = ts.do(testutil.CreateHTTPRequest(t, http.MethodPost, "/accounts", map[string]string{"name": "X", "tier": "GOLD"}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "bad tier")
}

func TestListEntities(t *testing.T) {
	ts := newTestServer(t)
	testutil.SeedAccount(t, ts.st, "fam-1", models.TierFamily, "+15551234567")
	testutil.SeedEntity(t, ts.st, "fam-1", "Maya", time.Now().AddDate(-1, -2, 0))

	rr := ts.do(testutil.CreateHTTPRequest(t, http.MethodGet, "/accounts/fam-1/entities", nil))
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	entities := resp["result"].([]interface{})
	if len(entities) != 1 {
		t.Fatalf("expected 1 entity, got %d", len(entities))
	}
	e := entities[0].(map[string]interface{})
	if e["name"] != "Maya" || e["age_months"] == nil {
		t.Errorf("expected Maya with an age, got %v", e)
	}
}

func TestClearConversation(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	if _, err := ts.conv.AppendMessage(ctx, "fam-1", "+15551234567", models.RoleUser, "hello", nil); err != nil {
		t.Fatal(err)
	}
	rr := ts.do(testutil.CreateHTTPRequest(t, http.MethodDelete, "/conversations/fam-1/+15551234567", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "clear conversation")
	if c, _ := ts.st.LoadContext(ctx, models.ContextKey{AccountID: "fam-1", Phone: "+15551234567"}); c != nil {
		t.Errorf("expected context removed, got %+v", c)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(testutil.CreateHTTPRequest(t, http.MethodGet, "/healthz", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "healthz")

	rr = ts.do(testutil.CreateHTTPRequest(t, http.MethodGet, "/metrics", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "metrics")
	if !strings.Contains(rr.Body.String(), "go_goroutines") {
		t.Errorf("expected Go collector output in /metrics")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ts := newTestServer(t, WithAddr("127.0.0.1:0"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ts.Run(ctx) }()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
}

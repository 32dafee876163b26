package twiliosms

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
	"testing"
)

func TestMockClient_SendMessage(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()

	sid, err := mock.SendMessage(ctx, "+15551234567", "Hello Test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sid == "" {
		t.Error("expected a message SID")
	}
	sent := mock.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sent))
	}
	if sent[0].Body != "Hello Test" {
		t.Errorf("expected body %q, got %q", "Hello Test", sent[0].Body)
	}
}

func TestMockClient_Error(t *testing.T) {
	mock := NewMockClient()
	mock.Err = errors.New("carrier rejected")
	if _, err := mock.SendMessage(context.Background(), "+1555", "hi"); err == nil {
		t.Fatal("expected error")
	}
	if len(mock.Sent()) != 0 {
		t.Error("failed send should not be recorded")
	}
}

func TestNewClient_MissingCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")
	if _, err := NewClient(WithFromNumber("+15550000000")); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewClient(WithAccountSID("AC123"), WithAuthToken("tok")); err == nil {
		t.Error("expected error without from number")
	}
	if _, err := NewClient(WithAccountSID("AC123"), WithAuthToken("tok"), WithFromNumber("+15550000000")); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func webhookRequest(form url.Values) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "http://coo.example.com/sms/webhook", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r
}

func TestParseWebhook(t *testing.T) {
	form := url.Values{"From": {"+15551234567"}, "To": {"+15550000000"}, "Body": {"Maya has a fever"}, "MessageSid": {"SM1"}}
	msg, err := ParseWebhook(webhookRequest(form))
	if err != nil {
		t.Fatalf("ParseWebhook failed: %v", err)
	}
	if msg.From != "+15551234567" || msg.Body != "Maya has a fever" || msg.ExternalID != "SM1" || msg.To != "+15550000000" {
		t.Errorf("unexpected message %+v", msg)
	}

	if _, err := ParseWebhook(webhookRequest(url.Values{"From": {"+1555"}})); !errors.Is(err, ErrMissingFields) {
		t.Errorf("expected ErrMissingFields, got %v", err)
	}
}

func sign(token, fullURL string, form url.Values) string {
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

func TestWebhookValidator(t *testing.T) {
	const token = "secret-token"
	const publicURL = "https://coo.example.com/sms/webhook"
	form := url.Values{"From": {"+15551234567"}, "Body": {"hi"}, "MessageSid": {"SM2"}}
	v := NewWebhookValidator(token, publicURL)

	r := webhookRequest(form)
	r.Header.Set(SignatureHeader, sign(token, publicURL, form))
	if err := v.Validate(r); err != nil {
		t.Errorf("expected valid signature, got %v", err)
	}

	r = webhookRequest(form)
	r.Header.Set(SignatureHeader, sign("other-token", publicURL, form))
	if err := v.Validate(r); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature, got %v", err)
	}

	r = webhookRequest(form)
	if err := v.Validate(r); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature without header, got %v", err)
	}
}

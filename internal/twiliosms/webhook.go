package twiliosms

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/Coo/internal/models"
	"github.com/twilio/twilio-go/client"
)

// SignatureHeader carries Twilio's request signature.
const SignatureHeader = "X-Twilio-Signature"

// EmptyTwiML acknowledges a webhook without replying through TwiML.
const EmptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

var (
	ErrMissingFields    = errors.New("webhook missing required fields")
	ErrInvalidSignature = errors.New("invalid twilio signature")
)

// ParseWebhook extracts the inbound message from a Twilio form webhook.
func ParseWebhook(r *http.Request) (models.InboundMessage, error) {
	if err := r.ParseForm(); err != nil {
		return models.InboundMessage{}, err
	}
	msg := models.InboundMessage{
		From:       strings.TrimSpace(r.PostFormValue("From")),
		To:         strings.TrimSpace(r.PostFormValue("To")),
		Body:       r.PostFormValue("Body"),
		ExternalID: r.PostFormValue("MessageSid"),
		ReceivedAt: time.Now(),
	}
	if msg.From == "" || strings.TrimSpace(msg.Body) == "" {
		return models.InboundMessage{}, ErrMissingFields
	}
	return msg, nil
}

// WebhookValidator checks X-Twilio-Signature against the account auth token.
type WebhookValidator struct {
	validator client.RequestValidator
	publicURL string
}

// NewWebhookValidator creates a validator. publicURL is the webhook URL as
// Twilio sees it; when empty the URL is rebuilt from the request.
func NewWebhookValidator(authToken, publicURL string) *WebhookValidator {
	return &WebhookValidator{validator: client.NewRequestValidator(authToken), publicURL: publicURL}
}

// Validate reports whether r carries a valid signature. It parses the form.
func (v *WebhookValidator) Validate(r *http.Request) error {
	if err := r.ParseForm(); err != nil {
		return err
	}
	signature := r.Header.Get(SignatureHeader)
	if signature == "" {
		return ErrInvalidSignature
	}
	params := make(map[string]string, len(r.PostForm))
	for k, vals := range r.PostForm {
		if len(vals) > 0 {
			params[k] = vals[0]
		}
	}
	if !v.validator.Validate(v.requestURL(r), params, signature) {
		return ErrInvalidSignature
	}
	return nil
}

func (v *WebhookValidator) requestURL(r *http.Request) string {
	if v.publicURL != "" {
		return v.publicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// Package orchestrator turns one inbound SMS into one reply.
//
// Every message is resolved to an account, checked against the active
// registration flow, classified, screened for emergencies, tied to a tracked
// entity and finally answered from retrieved knowledge through the text
// generator. Storage failures abort the message; retrieval, generation and
// transport failures degrade to a fallback reply or are reported in the result.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/Coo/internal/classifier"
	"github.com/BTreeMap/Coo/internal/conversation"
	"github.com/BTreeMap/Coo/internal/genai"
	"github.com/BTreeMap/Coo/internal/intent"
	"github.com/BTreeMap/Coo/internal/messaging"
	"github.com/BTreeMap/Coo/internal/metrics"
	"github.com/BTreeMap/Coo/internal/models"
	"github.com/BTreeMap/Coo/internal/policy"
	"github.com/BTreeMap/Coo/internal/rag"
	"github.com/BTreeMap/Coo/internal/store"
	"github.com/m-mizutani/goerr/v2"
)

const (
	// DefaultSMSMaxLength caps every generated reply, in characters.
	DefaultSMSMaxLength = 300
	// DefaultBackendTimeout bounds each retrieval and generation call.
	DefaultBackendTimeout = 20 * time.Second
	// DefaultTopK is the number of knowledge chunks placed in the prompt.
	DefaultTopK = 5
	// DefaultHistoryExchanges is how many user/assistant pairs the prompt carries.
	DefaultHistoryExchanges = 3
)

// Orchestrator wires the per-message pipeline together.
type Orchestrator struct {
	dir        store.Directory
	conv       *conversation.Manager
	intent     *intent.Engine
	classifier *classifier.Classifier
	composer   *rag.Composer
	transport  messaging.Transport

	dedup     store.DedupRepo
	generator genai.TextGenerator
	policy    *policy.Policy
	metrics   *metrics.Metrics

	backendTimeout   time.Duration
	smsMaxLength     int
	maxTokens        int
	topK             int
	historyExchanges int
	now              func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithGenerator sets the text generator. Without one every question gets ApologyMessage.
func WithGenerator(gen genai.TextGenerator) Option {
	return func(o *Orchestrator) { o.generator = gen }
}

// WithDedup enables inbound deduplication by provider message ID.
func WithDedup(repo store.DedupRepo) Option {
	return func(o *Orchestrator) { o.dedup = repo }
}

// WithPolicy sets the keyword tables used for flow detection and entity resolution.
func WithPolicy(p *policy.Policy) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.policy = p
		}
	}
}

// WithMetrics records per-message counters and latencies.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithBackendTimeout bounds each retrieval and generation call.
func WithBackendTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.backendTimeout = d
		}
	}
}

// WithSMSMaxLength sets the reply length cap.
func WithSMSMaxLength(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.smsMaxLength = n
		}
	}
}

// WithMaxTokens sets the generation token budget.
func WithMaxTokens(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxTokens = n
		}
	}
}

// WithTopK sets how many knowledge chunks are retrieved per question.
func WithTopK(k int) Option {
	return func(o *Orchestrator) {
		if k > 0 {
			o.topK = k
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New creates an Orchestrator.
func New(dir store.Directory, conv *conversation.Manager, engine *intent.Engine, cls *classifier.Classifier,
	composer *rag.Composer, transport messaging.Transport, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		dir:              dir,
		conv:             conv,
		intent:           engine,
		classifier:       cls,
		composer:         composer,
		transport:        transport,
		policy:           policy.Default(),
		backendTimeout:   DefaultBackendTimeout,
		smsMaxLength:     DefaultSMSMaxLength,
		maxTokens:        genai.DefaultMaxTokens,
		topK:             DefaultTopK,
		historyExchanges: DefaultHistoryExchanges,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// HandleInboundMessage processes one inbound message and sends exactly one reply
// unless the message is a redelivered duplicate. The returned error is non-nil
// only when storage failed; transport failures are reported in the result.
func (o *Orchestrator) HandleInboundMessage(ctx context.Context, msg models.InboundMessage) (models.HandleResult, error) {
	start := time.Now()
	result, err := o.handle(ctx, msg)
	status := string(result.Status)
	if err != nil {
		status = "error"
		slog.Error("Orchestrator HandleInboundMessage failed", "error", err, "from", msg.From)
	} else {
		slog.Info("Orchestrator HandleInboundMessage succeeded", "from", msg.From, "status", result.Status,
			"questionType", result.QuestionType, "sent", result.ResponseSent)
	}
	o.metrics.RecordInbound(status, time.Since(start))
	return result, err
}

func (o *Orchestrator) handle(ctx context.Context, msg models.InboundMessage) (models.HandleResult, error) {
	phone := strings.TrimSpace(msg.From)
	body := strings.TrimSpace(msg.Body)
	ctx = o.replyContext(ctx, msg)

	if o.dedup != nil && msg.ExternalID != "" {
		first, err := o.dedup.RecordInbound(ctx, msg.ExternalID, phone)
		if err != nil {
			return models.HandleResult{}, goerr.Wrap(err, "failed to record inbound message", goerr.V("externalID", msg.ExternalID))
		}
		if !first {
			slog.Info("Orchestrator duplicate inbound message dropped", "externalID", msg.ExternalID, "from", phone)
			return models.HandleResult{Status: models.HandleStatusDuplicate}, nil
		}
	}

	result, err := o.route(ctx, phone, body)
	if err != nil {
		return result, err
	}

	if o.dedup != nil && msg.ExternalID != "" {
		if err := o.dedup.MarkProcessed(ctx, msg.ExternalID); err != nil {
			slog.Warn("Orchestrator MarkProcessed failed", "error", err, "externalID", msg.ExternalID)
		}
	}
	return result, nil
}

func (o *Orchestrator) route(ctx context.Context, phone, body string) (models.HandleResult, error) {
	account, err := o.dir.ResolveAccountByPhone(ctx, phone)
	if err != nil {
		return models.HandleResult{}, goerr.Wrap(err, "failed to resolve account", goerr.V("phone", phone))
	}
	if account == nil {
		slog.Info("Orchestrator unknown sender", "phone", phone)
		result := models.HandleResult{Status: models.HandleStatusUnknownSender}
		o.deliver(ctx, phone, OnboardingMessage, &result)
		return result, nil
	}

	state, _, err := o.conv.ConversationState(ctx, account.ID, phone)
	if err != nil {
		return models.HandleResult{}, err
	}

	if state != models.StateNone && o.intent.DetectCancel(body) {
		if err := o.conv.ClearConversationState(ctx, account.ID, phone); err != nil {
			return models.HandleResult{}, err
		}
		result := models.HandleResult{Status: models.HandleStatusCancelled, AccountID: account.ID}
		o.deliver(ctx, phone, intent.MsgCancelled, &result)
		return result, nil
	}

	if _, err := o.conv.AppendMessage(ctx, account.ID, phone, models.RoleUser, body, nil); err != nil {
		return models.HandleResult{}, err
	}

	if state != models.StateNone {
		return o.runFlow(ctx, account, phone, body, state, models.HandleStatusIntentFlow, "")
	}

	stored, err := o.conv.ActiveEntity(ctx, account.ID, phone)
	if err != nil {
		return models.HandleResult{}, err
	}

	// The keyword tier decides flow starts and emergencies; the generative
	// tier runs only once an emergency has been ruled out.
	category := o.classifier.ClassifyKeywords(body)
	if o.startsFlow(category, body) {
		o.metrics.RecordClassification(string(category))
		return o.runFlow(ctx, account, phone, body, models.StateNone, models.HandleStatusIntentStarted, category)
	}

	if o.classifier.IsEmergency(body) {
		slog.Warn("Orchestrator emergency detected", "accountID", account.ID, "phone", phone)
		o.metrics.RecordClassification(string(category))
		result := models.HandleResult{Status: models.HandleStatusEmergency, AccountID: account.ID, QuestionType: category}
		if err := o.reply(ctx, account.ID, phone, EmergencyMessage, &models.MessageMetadata{QuestionType: category}, &result); err != nil {
			return result, err
		}
		return result, nil
	}

	category = o.classify(ctx, body, stored)
	if o.startsFlow(category, body) {
		return o.runFlow(ctx, account, phone, body, models.StateNone, models.HandleStatusIntentStarted, category)
	}

	active, err := o.resolveActiveEntity(ctx, account.ID, phone, body, stored)
	if err != nil {
		return models.HandleResult{}, err
	}

	answer, err := o.answer(ctx, account.ID, phone, body, category, active)
	if err != nil {
		return models.HandleResult{}, err
	}

	result := models.HandleResult{
		Status:       models.HandleStatusAnswered,
		AccountID:    account.ID,
		QuestionType: category,
		ActiveEntity: active,
	}
	meta := &models.MessageMetadata{QuestionType: category, ActiveEntity: active}
	if err := o.reply(ctx, account.ID, phone, answer, meta, &result); err != nil {
		return result, err
	}
	return result, nil
}

// runFlow advances the registration flow and sends its reply.
func (o *Orchestrator) runFlow(ctx context.Context, account *models.Account, phone, body string,
	state models.ConversationStateTag, status models.HandleStatus, category models.Category) (models.HandleResult, error) {
	res, err := o.intent.HandleRegistration(ctx, body, account, phone, state)
	if err != nil {
		return models.HandleResult{}, err
	}
	result := models.HandleResult{
		Status:       status,
		AccountID:    account.ID,
		QuestionType: category,
		IntentState:  res.NextState,
	}
	if res.CreatedEntityID != "" {
		active, err := o.conv.ActiveEntity(ctx, account.ID, phone)
		if err != nil {
			return result, err
		}
		result.ActiveEntity = active
	}
	if err := o.reply(ctx, account.ID, phone, res.ResponseText, nil, &result); err != nil {
		return result, err
	}
	return result, nil
}

func (o *Orchestrator) startsFlow(category models.Category, body string) bool {
	return category == models.CategoryAccountManagement && policy.ContainsAny(body, o.policy.FlowStartKeywords)
}

func (o *Orchestrator) classify(ctx context.Context, body string, entity *models.ActiveEntity) models.Category {
	bctx, cancel := context.WithTimeout(ctx, o.backendTimeout)
	defer cancel()
	category := o.classifier.Classify(bctx, body, entity)
	o.metrics.RecordClassification(string(category))
	return category
}

// resolveActiveEntity matches the message against the account's entities and
// persists a match; otherwise the stored active entity carries over.
func (o *Orchestrator) resolveActiveEntity(ctx context.Context, accountID, phone, body string, stored *models.ActiveEntity) (*models.ActiveEntity, error) {
	entities, err := o.dir.ListTrackedEntities(ctx, accountID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list tracked entities", goerr.V("accountID", accountID))
	}
	now := o.now()
	matched, how := conversation.ResolveEntity(body, entities, o.policy, now)
	if matched == nil {
		return stored, nil
	}
	active := matched.ActiveRef(now)
	if err := o.conv.SetActiveEntity(ctx, accountID, phone, active); err != nil {
		return nil, err
	}
	slog.Debug("Orchestrator active entity set", "accountID", accountID, "entityID", active.ID, "match", how)
	return active, nil
}

// answer retrieves context and generates the reply text. Retrieval and
// generation failures fall back rather than fail the message.
func (o *Orchestrator) answer(ctx context.Context, accountID, phone, body string, category models.Category, entity *models.ActiveEntity) (string, error) {
	history, err := o.conv.FormatHistory(ctx, accountID, phone, o.historyExchanges)
	if err != nil {
		return "", err
	}

	sources := ""
	if o.composer != nil {
		rctx, cancel := context.WithTimeout(ctx, o.backendTimeout)
		sources, err = o.composer.ComposeContext(rctx, body, entity, o.topK)
		cancel()
		if err != nil {
			slog.Warn("Orchestrator retrieval failed, answering without sources", "error", err, "accountID", accountID)
			o.metrics.RecordBackendError("retrieval")
			sources = ""
		}
	}

	if o.generator == nil {
		slog.Warn("Orchestrator no text generator configured", "error", models.ErrBackendUnconfigured)
		o.metrics.RecordBackendError("generation")
		return ApologyMessage, nil
	}

	prompt := buildUserPrompt(body, history, entity, sources, o.smsMaxLength)
	gctx, cancel := context.WithTimeout(ctx, o.backendTimeout)
	defer cancel()
	text, err := o.generator.Complete(gctx, SystemPrompt(category), prompt, o.maxTokens)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			slog.Warn("Orchestrator generation timed out", "timeout", o.backendTimeout, "accountID", accountID)
		} else {
			slog.Error("Orchestrator generation failed", "error", err, "accountID", accountID)
		}
		o.metrics.RecordBackendError("generation")
		return ApologyMessage, nil
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return NoAnswerMessage, nil
	}
	return TruncateForSMS(text, o.smsMaxLength), nil
}

// reply records the assistant message, then sends it. The message stays in
// history even when the send fails.
func (o *Orchestrator) reply(ctx context.Context, accountID, phone, text string, meta *models.MessageMetadata, result *models.HandleResult) error {
	if _, err := o.conv.AppendMessage(ctx, accountID, phone, models.RoleAssistant, text, meta); err != nil {
		return err
	}
	o.deliver(ctx, phone, text, result)
	return nil
}

func (o *Orchestrator) deliver(ctx context.Context, to, text string, result *models.HandleResult) {
	result.ResponseText = text
	d, err := o.transport.Deliver(ctx, to, text)
	o.metrics.RecordDelivery(string(d.Status))
	if err != nil {
		slog.Error("Orchestrator reply delivery failed", "error", err, "to", to)
		result.TransportError = err.Error()
		return
	}
	result.ResponseSent = true
}

// replyContext carries the inbound channel and a reply dedupe key to the transport.
func (o *Orchestrator) replyContext(ctx context.Context, msg models.InboundMessage) context.Context {
	if msg.Channel != "" {
		ctx = messaging.WithChannel(ctx, messaging.Channel(msg.Channel))
	}
	if msg.ExternalID != "" {
		ctx = messaging.WithDedupeKey(ctx, "reply:"+msg.ExternalID)
	}
	return ctx
}

// Package api provides the HTTP surface of Coo.
//
// It receives Twilio SMS webhooks and hands each message to the orchestrator,
// and exposes a small admin API for knowledge search, directory management and
// conversation resets, plus health and Prometheus metrics endpoints.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/Coo/internal/conversation"
	"github.com/BTreeMap/Coo/internal/knowledge"
	"github.com/BTreeMap/Coo/internal/metrics"
	"github.com/BTreeMap/Coo/internal/models"
	"github.com/BTreeMap/Coo/internal/rag"
	"github.com/BTreeMap/Coo/internal/store"
	"github.com/BTreeMap/Coo/internal/twiliosms"
)

const (
	// DefaultAddr is the listen address used when none is configured.
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// maxSearchResults caps n on /rag/search.
	maxSearchResults = 20
	// maxContextResults caps n_results on /rag/context.
	maxContextResults = 10
)

// InboundHandler processes one inbound message. orchestrator.Orchestrator implements it.
type InboundHandler interface {
	HandleInboundMessage(ctx context.Context, msg models.InboundMessage) (models.HandleResult, error)
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	inbound   InboundHandler
	dir       store.Directory
	conv      *conversation.Manager
	composer  *rag.Composer
	index     knowledge.Index
	validator *twiliosms.WebhookValidator
	metrics   *metrics.Metrics
	addr      string
}

// Opts holds optional Server configuration.
type Opts struct {
	Addr      string
	Validator *twiliosms.WebhookValidator
	Index     knowledge.Index
	Metrics   *metrics.Metrics
}

// Option configures a Server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithWebhookValidator enables X-Twilio-Signature checks on the webhook.
func WithWebhookValidator(v *twiliosms.WebhookValidator) Option {
	return func(o *Opts) { o.Validator = v }
}

// WithKnowledgeIndex enables chunk insertion and index info.
func WithKnowledgeIndex(idx knowledge.Index) Option {
	return func(o *Opts) { o.Index = idx }
}

// WithMetrics exposes m on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// NewServer creates a Server.
func NewServer(inbound InboundHandler, dir store.Directory, conv *conversation.Manager, composer *rag.Composer, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Validator == nil {
		slog.Warn("Server webhook signature validation disabled")
	}
	return &Server{
		inbound:   inbound,
		dir:       dir,
		conv:      conv,
		composer:  composer,
		index:     cfg.Index,
		validator: cfg.Validator,
		metrics:   cfg.Metrics,
		addr:      cfg.Addr,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sms/webhook", s.webhookHandler)

	mux.HandleFunc("GET /rag/search", s.ragSearchHandler)
	mux.HandleFunc("POST /rag/search", s.ragSearchHandler)
	mux.HandleFunc("GET /rag/categories", s.ragCategoriesHandler)
	mux.HandleFunc("GET /rag/info", s.ragInfoHandler)
	mux.HandleFunc("GET /rag/context", s.ragContextHandler)
	mux.HandleFunc("POST /knowledge/chunks", s.addChunkHandler)

	mux.HandleFunc("POST /accounts", s.createAccountHandler)
	mux.HandleFunc("POST /accounts/{id}/phones", s.linkPhoneHandler)
	mux.HandleFunc("GET /accounts/{id}/entities", s.listEntitiesHandler)
	mux.HandleFunc("DELETE /conversations/{account}/{phone}", s.clearConversationHandler)

	mux.HandleFunc("GET /healthz", s.healthHandler)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			slog.Error("Server ListenAndServe failed", "error", err, "addr", s.addr)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server Shutdown failed", "error", err)
		return err
	}
	slog.Info("Server stopped")
	return nil
}

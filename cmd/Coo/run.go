package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/Coo/internal/api"
	"github.com/BTreeMap/Coo/internal/classifier"
	"github.com/BTreeMap/Coo/internal/conversation"
	"github.com/BTreeMap/Coo/internal/genai"
	"github.com/BTreeMap/Coo/internal/intent"
	"github.com/BTreeMap/Coo/internal/knowledge"
	"github.com/BTreeMap/Coo/internal/lockfile"
	"github.com/BTreeMap/Coo/internal/messaging"
	"github.com/BTreeMap/Coo/internal/metrics"
	"github.com/BTreeMap/Coo/internal/models"
	"github.com/BTreeMap/Coo/internal/orchestrator"
	"github.com/BTreeMap/Coo/internal/policy"
	"github.com/BTreeMap/Coo/internal/rag"
	"github.com/BTreeMap/Coo/internal/scheduler"
	"github.com/BTreeMap/Coo/internal/store"
	"github.com/BTreeMap/Coo/internal/twiliosms"
	"github.com/BTreeMap/Coo/internal/whatsapp"
	"golang.org/x/sync/errgroup"
)

const (
	providerOpenAI = "openai"
	providerGemini = "gemini"
	providerHash   = "hash"

	knowledgeInMemory = "memory"
)

// run wires every module and blocks until ctx is cancelled or a component fails.
func run(ctx context.Context, flags Flags) error {
	lock, err := lockfile.AcquireLock(flags.StateDir, lockfile.WithAddr(flags.APIAddr))
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := openStore(ctx, flags)
	if err != nil {
		return err
	}
	defer st.Close()

	pol, err := loadPolicy(flags)
	if err != nil {
		return err
	}

	gen, embedder, err := buildGenAI(ctx, flags)
	if err != nil {
		return err
	}

	idx, err := openKnowledgeIndex(ctx, flags, embedder)
	if err != nil {
		return err
	}
	defer idx.Close()

	m := metrics.New()
	m.RegisterGaugeFunc("coo_knowledge_chunks", "Chunks in the knowledge base", func() float64 {
		n, err := idx.Count(context.Background())
		if err != nil {
			return 0
		}
		return float64(n)
	})

	senders := messaging.Senders{}
	if sms, err := buildTwilioClient(flags); err != nil {
		slog.Warn("Twilio SMS delivery disabled", "error", err)
	} else {
		senders[messaging.ChannelSMS] = sms
	}
	var wa *whatsapp.Client
	if flags.WhatsAppEnabled {
		wa, err = whatsapp.NewClient(ctx, buildWhatsAppOptions(flags)...)
		if err != nil {
			return fmt.Errorf("failed to start WhatsApp client: %w", err)
		}
		senders[messaging.ChannelWhatsApp] = wa
	}

	outbox := store.NewOutboxSender(st, senders.OutboxSendFunc(), DefaultOutboxPollInterval,
		store.WithOutcomeHook(m.RecordOutboxOutcome))
	if err := outbox.RecoverStaleMessages(ctx); err != nil {
		slog.Warn("Outbox stale message recovery failed", "error", err)
	}

	maintenance := scheduler.NewScheduler()
	if err := maintenance.AddJob("prune", flags.MaintenanceCron, scheduler.PruneTask(st, flags.Retention, nil)); err != nil {
		return fmt.Errorf("invalid maintenance schedule %q: %w", flags.MaintenanceCron, err)
	}

	dir := store.NewCachedDirectory(st, store.DefaultDirectoryCacheTTL)
	conv := conversation.NewManager(st, buildConversationOptions(flags)...)
	cls := classifier.New(pol, gen, classifier.WithGenerativeFallback(flags.UseLLMClassifier))
	engine := intent.NewEngine(conv, dir, intent.WithPolicy(pol))
	composer := rag.NewComposer(idx, orchestrator.DefaultTopK)

	orchOpts := append(buildOrchestratorOptions(flags),
		orchestrator.WithDedup(st),
		orchestrator.WithPolicy(pol),
		orchestrator.WithMetrics(m))
	if gen != nil {
		orchOpts = append(orchOpts, orchestrator.WithGenerator(gen))
	}
	orch := orchestrator.New(dir, conv, engine, cls, composer, messaging.NewOutboxTransport(st), orchOpts...)

	apiOpts := append(buildAPIOptions(flags), api.WithKnowledgeIndex(idx), api.WithMetrics(m))
	if flags.TwilioAuthToken != "" {
		apiOpts = append(apiOpts, api.WithWebhookValidator(twiliosms.NewWebhookValidator(flags.TwilioAuthToken, flags.TwilioWebhookURL)))
	}
	server := api.NewServer(orch, dir, conv, composer, apiOpts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error {
		outbox.Run(gctx)
		return nil
	})
	g.Go(func() error {
		maintenance.Run(gctx)
		return nil
	})
	if wa != nil {
		wa.Subscribe(gctx, func(msg models.InboundMessage) {
			if _, err := orch.HandleInboundMessage(gctx, msg); err != nil {
				slog.Error("WhatsApp inbound message failed", "error", err, "from", msg.From)
			}
		})
	}
	slog.Info("Coo started", "addr", flags.APIAddr, "sms", senders[messaging.ChannelSMS] != nil, "whatsapp", wa != nil)
	return g.Wait()
}

// openStore opens the application store and layers Redis deduplication on top when configured.
func openStore(ctx context.Context, flags Flags) (store.Store, error) {
	var base store.Store
	if store.DetectDSNType(flags.DBDSN) == "postgres" {
		pg, err := store.NewPostgresStore(buildStoreOptions(flags)...)
		if err != nil {
			return nil, fmt.Errorf("failed to open PostgreSQL store: %w", err)
		}
		base = pg
	} else {
		sq, err := store.NewSQLiteStore(buildStoreOptions(flags)...)
		if err != nil {
			return nil, fmt.Errorf("failed to open SQLite store: %w", err)
		}
		base = sq
	}
	if flags.RedisURL == "" {
		return base, nil
	}
	dedup, err := store.NewRedisDedup(ctx, flags.RedisURL, store.DefaultDedupTTL)
	if err != nil {
		base.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return store.WithDedup(base, dedup), nil
}

func loadPolicy(flags Flags) (*policy.Policy, error) {
	if flags.PolicyFile == "" {
		return policy.Default(), nil
	}
	return policy.Load(flags.PolicyFile)
}

// buildGenAI selects the text generator and embedder. A missing generator key
// is not fatal: questions get the apology reply until one is configured.
func buildGenAI(ctx context.Context, flags Flags) (genai.TextGenerator, genai.Embedder, error) {
	var (
		openaiClient *genai.Client
		geminiClient *genai.GeminiClient
	)
	needOpenAI := flags.GenAIProvider == providerOpenAI || flags.EmbeddingProvider == providerOpenAI
	needGemini := flags.GenAIProvider == providerGemini || flags.EmbeddingProvider == providerGemini
	if needOpenAI {
		c, err := genai.NewClient(buildOpenAIOptions(flags)...)
		if err != nil {
			slog.Warn("OpenAI client unavailable", "error", err)
		} else {
			openaiClient = c
		}
	}
	if needGemini {
		c, err := genai.NewGemini(ctx, flags.GeminiKey, buildGeminiOptions(flags)...)
		if err != nil {
			slog.Warn("Gemini client unavailable", "error", err)
		} else {
			geminiClient = c
		}
	}

	var gen genai.TextGenerator
	switch flags.GenAIProvider {
	case providerOpenAI:
		if openaiClient != nil {
			gen = openaiClient
		}
	case providerGemini:
		if geminiClient != nil {
			gen = geminiClient
		}
	default:
		return nil, nil, fmt.Errorf("%w: unknown genai provider %q", models.ErrValidation, flags.GenAIProvider)
	}

	var embedder genai.Embedder
	switch flags.EmbeddingProvider {
	case providerOpenAI:
		if openaiClient != nil {
			embedder = openaiClient
		}
	case providerGemini:
		if geminiClient != nil {
			embedder = geminiClient
		}
	case providerHash:
	default:
		return nil, nil, fmt.Errorf("%w: unknown embedding provider %q", models.ErrValidation, flags.EmbeddingProvider)
	}
	if embedder == nil {
		slog.Warn("Using hash embedder for knowledge search", "dimensions", genai.DefaultHashDimensions)
		embedder = genai.NewHashEmbedder(genai.DefaultHashDimensions)
	}
	return gen, embedder, nil
}

// openKnowledgeIndex opens the knowledge index and loads the seed file if one is set.
func openKnowledgeIndex(ctx context.Context, flags Flags, embedder genai.Embedder) (knowledge.Index, error) {
	var idx knowledge.Index
	if flags.KnowledgeDB == knowledgeInMemory {
		idx = knowledge.NewMemoryIndex(embedder)
	} else {
		sq, err := knowledge.NewSQLiteIndex(flags.KnowledgeDB, embedder)
		if err != nil {
			return nil, fmt.Errorf("failed to open knowledge index: %w", err)
		}
		idx = sq
	}
	if flags.KnowledgeSeedFile == "" {
		return idx, nil
	}
	n, err := idx.Count(ctx)
	if err != nil {
		idx.Close()
		return nil, err
	}
	if n > 0 {
		slog.Debug("Knowledge index already populated, skipping seed", "chunks", n)
		return idx, nil
	}
	if _, err := knowledge.LoadSeedFile(ctx, idx, flags.KnowledgeSeedFile); err != nil {
		idx.Close()
		return nil, err
	}
	return idx, nil
}

func buildTwilioClient(flags Flags) (*twiliosms.Client, error) {
	return twiliosms.NewClient(
		twiliosms.WithAccountSID(flags.TwilioAccountSID),
		twiliosms.WithAuthToken(flags.TwilioAuthToken),
		twiliosms.WithFromNumber(flags.TwilioFromNumber),
	)
}

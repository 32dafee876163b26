package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/Coo/internal/api"
	"github.com/BTreeMap/Coo/internal/conversation"
	"github.com/BTreeMap/Coo/internal/genai"
	"github.com/BTreeMap/Coo/internal/logging"
	"github.com/BTreeMap/Coo/internal/orchestrator"
	"github.com/BTreeMap/Coo/internal/scheduler"
	"github.com/BTreeMap/Coo/internal/store"
	"github.com/BTreeMap/Coo/internal/util"
	"github.com/BTreeMap/Coo/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for Coo state data
	DefaultStateDir = "/var/lib/coo"
	// DefaultDBFileName is the default SQLite application database filename
	DefaultDBFileName = "coo.db"
	// DefaultKnowledgeDBFileName is the default SQLite knowledge index filename
	DefaultKnowledgeDBFileName = "knowledge.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow device database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultGenAIProvider is used when GENAI_PROVIDER is unset
	DefaultGenAIProvider = "openai"
	// DefaultOutboxPollInterval is how often the outbox sender looks for due messages
	DefaultOutboxPollInterval = 2 * time.Second
)

func main() {
	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags, err := parseCommandLineFlags(config, os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	// Initialize structured logger
	initializeLogger(flags)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping Coo with configured modules")
	slog.Debug("Final configuration", "state_dir", flags.StateDir, "dsn_set", flags.DBDSN != "", "api_addr", flags.APIAddr,
		"genai_provider", flags.GenAIProvider, "embedding_provider", flags.EmbeddingProvider, "whatsapp", flags.WhatsAppEnabled)
	if err := run(ctx, flags); err != nil {
		slog.Error("Coo failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("Coo exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir           string
	DatabaseURL        string
	APIAddr            string
	LogLevel           string
	LogFormat          string
	GenAIProvider      string
	OpenAIKey          string
	OpenAIModel        string
	GeminiKey          string
	GeminiModel        string
	EmbeddingProvider  string
	GenAIDebug         bool
	KnowledgeDB        string
	KnowledgeSeedFile  string
	PolicyFile         string
	UseLLMClassifier   bool
	BackendTimeout     time.Duration
	SMSMaxLength       int
	ContextMaxMessages int
	ContextTimeout     time.Duration
	TwilioAccountSID   string
	TwilioAuthToken    string
	TwilioFromNumber   string
	TwilioWebhookURL   string
	RedisURL           string
	WhatsAppEnabled    bool
	WhatsAppDBDSN      string
	MaintenanceCron    string
	Retention          time.Duration
}

// Flags holds the effective configuration after command line overrides.
type Flags struct {
	Config
	QROutput    string
	NumericCode bool
	// DBDSN is the application database DSN; DatabaseURL or a SQLite file under StateDir.
	DBDSN string
}

// initializeLogger installs the process-wide slog logger.
func initializeLogger(flags Flags) {
	logging.Setup(flags.LogLevel, logging.Format(strings.ToLower(flags.LogFormat)))
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:           os.Getenv("COO_STATE_DIR"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		APIAddr:            os.Getenv("API_ADDR"),
		LogLevel:           os.Getenv("LOG_LEVEL"),
		LogFormat:          os.Getenv("LOG_FORMAT"),
		GenAIProvider:      strings.ToLower(strings.TrimSpace(os.Getenv("GENAI_PROVIDER"))),
		OpenAIKey:          os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:        os.Getenv("OPENAI_MODEL"),
		GeminiKey:          os.Getenv("GEMINI_API_KEY"),
		GeminiModel:        os.Getenv("GEMINI_MODEL"),
		EmbeddingProvider:  strings.ToLower(strings.TrimSpace(os.Getenv("EMBEDDING_PROVIDER"))),
		GenAIDebug:         util.ParseBoolEnv("GENAI_DEBUG", false),
		KnowledgeDB:        os.Getenv("KNOWLEDGE_DB"),
		KnowledgeSeedFile:  os.Getenv("KNOWLEDGE_SEED_FILE"),
		PolicyFile:         os.Getenv("COO_POLICY_FILE"),
		UseLLMClassifier:   util.ParseBoolEnv("USE_LLM_CLASSIFICATION", false),
		BackendTimeout:     util.ParseDurationEnv("BACKEND_TIMEOUT", orchestrator.DefaultBackendTimeout),
		SMSMaxLength:       util.ParseIntEnv("SMS_MAX_LENGTH", orchestrator.DefaultSMSMaxLength),
		ContextMaxMessages: util.ParseIntEnv("CONTEXT_MAX_MESSAGES", conversation.DefaultMaxMessages),
		ContextTimeout:     util.ParseDurationEnv("CONTEXT_TIMEOUT", conversation.DefaultTimeout),
		TwilioAccountSID:   os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:    os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:   os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioWebhookURL:   os.Getenv("TWILIO_WEBHOOK_URL"),
		RedisURL:           os.Getenv("REDIS_URL"),
		WhatsAppEnabled:    util.ParseBoolEnv("WHATSAPP_ENABLED", false),
		WhatsAppDBDSN:      os.Getenv("WHATSAPP_DB_DSN"),
		MaintenanceCron:    os.Getenv("MAINTENANCE_SCHEDULE"),
		Retention:          util.ParseDurationEnv("DATA_RETENTION", scheduler.DefaultRetention),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No COO_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("COO_STATE_DIR found in environment", "state_dir", config.StateDir)
	}
	if config.MaintenanceCron == "" {
		config.MaintenanceCron = scheduler.DefaultMaintenanceSchedule
	}
	if config.GenAIProvider == "" {
		config.GenAIProvider = DefaultGenAIProvider
	}
	if config.EmbeddingProvider == "" {
		config.EmbeddingProvider = config.GenAIProvider
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"COO_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"GENAI_PROVIDER", config.GenAIProvider,
		"EMBEDDING_PROVIDER", config.EmbeddingProvider,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"GEMINI_API_KEY_SET", config.GeminiKey != "",
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "",
		"TWILIO_AUTH_TOKEN_SET", config.TwilioAuthToken != "",
		"REDIS_URL_SET", config.RedisURL != "",
		"WHATSAPP_ENABLED", config.WhatsAppEnabled)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config, args []string) (Flags, error) {
	flags := Flags{Config: config}
	fs := flag.NewFlagSet("coo", flag.ContinueOnError)

	fs.StringVar(&flags.StateDir, "state-dir", config.StateDir, "state directory for Coo data (overrides $COO_STATE_DIR)")
	fs.StringVar(&flags.DatabaseURL, "db-dsn", config.DatabaseURL, "application database DSN, SQLite path or PostgreSQL URL (overrides $DATABASE_URL)")
	fs.StringVar(&flags.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&flags.LogLevel, "log-level", config.LogLevel, "log level: debug, info, warn, error (overrides $LOG_LEVEL)")
	fs.StringVar(&flags.LogFormat, "log-format", config.LogFormat, "log format: console or json (overrides $LOG_FORMAT)")
	fs.StringVar(&flags.GenAIProvider, "genai-provider", config.GenAIProvider, "text generation provider: openai or gemini (overrides $GENAI_PROVIDER)")
	fs.StringVar(&flags.OpenAIKey, "openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&flags.GeminiKey, "gemini-api-key", config.GeminiKey, "Gemini API key (overrides $GEMINI_API_KEY)")
	fs.StringVar(&flags.EmbeddingProvider, "embedding-provider", config.EmbeddingProvider, "embedding provider: openai, gemini or hash (overrides $EMBEDDING_PROVIDER)")
	fs.StringVar(&flags.KnowledgeDB, "knowledge-db", config.KnowledgeDB, "knowledge index SQLite path, \"memory\" for in-memory (overrides $KNOWLEDGE_DB)")
	fs.StringVar(&flags.KnowledgeSeedFile, "knowledge-seed", config.KnowledgeSeedFile, "YAML file of knowledge chunks loaded at startup (overrides $KNOWLEDGE_SEED_FILE)")
	fs.StringVar(&flags.PolicyFile, "policy-file", config.PolicyFile, "YAML policy file (overrides $COO_POLICY_FILE)")
	fs.BoolVar(&flags.UseLLMClassifier, "llm-classification", config.UseLLMClassifier, "classify unmatched questions with the generator (overrides $USE_LLM_CLASSIFICATION)")
	fs.StringVar(&flags.RedisURL, "redis-url", config.RedisURL, "Redis URL for inbound deduplication (overrides $REDIS_URL)")
	fs.BoolVar(&flags.WhatsAppEnabled, "whatsapp", config.WhatsAppEnabled, "enable the WhatsApp channel (overrides $WHATSAPP_ENABLED)")
	fs.StringVar(&flags.WhatsAppDBDSN, "whatsapp-db-dsn", config.WhatsAppDBDSN, "whatsmeow device database DSN (overrides $WHATSAPP_DB_DSN)")
	fs.StringVar(&flags.MaintenanceCron, "maintenance-schedule", config.MaintenanceCron, "cron expression for pruning old records (overrides $MAINTENANCE_SCHEDULE)")
	fs.StringVar(&flags.QROutput, "qr-output", "", "path to write WhatsApp login QR code")
	fs.BoolVar(&flags.NumericCode, "numeric-code", false, "use numeric WhatsApp login code instead of QR code")

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}
	finalizeFlags(&flags)

	slog.Debug("flags parsed",
		"stateDir", flags.StateDir,
		"dbDSN_set", flags.DBDSN != "",
		"apiAddr", flags.APIAddr,
		"genaiProvider", flags.GenAIProvider,
		"embeddingProvider", flags.EmbeddingProvider,
		"knowledgeDB", flags.KnowledgeDB,
		"whatsapp", flags.WhatsAppEnabled,
		"qrOutput", flags.QROutput,
		"numeric", flags.NumericCode)

	return flags, nil
}

// finalizeFlags derives paths that default to the state directory.
func finalizeFlags(flags *Flags) {
	flags.DBDSN = flags.DatabaseURL
	if flags.DBDSN == "" {
		flags.DBDSN = filepath.Join(flags.StateDir, DefaultDBFileName)
	}
	if flags.KnowledgeDB == "" {
		flags.KnowledgeDB = filepath.Join(flags.StateDir, DefaultKnowledgeDBFileName)
	}
	if flags.WhatsAppDBDSN == "" {
		flags.WhatsAppDBDSN = "file:" + filepath.Join(flags.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{flags.StateDir}
	if store.DetectDSNType(flags.DBDSN) != "postgres" {
		dirs = append(dirs, filepath.Dir(flags.DBDSN))
	}
	if flags.KnowledgeDB != knowledgeInMemory {
		dirs = append(dirs, filepath.Dir(flags.KnowledgeDB))
	}
	for _, dir := range dirs {
		slog.Debug("Creating state directory", "dir", dir)
		if err := os.MkdirAll(dir, store.DefaultDirPermissions); err != nil {
			slog.Error("Failed to create state directory", "error", err, "dir", dir)
			return err
		}
	}
	return nil
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if flags.QROutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(flags.QROutput))
	}
	if flags.NumericCode {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if flags.WhatsAppDBDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(flags.WhatsAppDBDSN))
	}
	return waOpts
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if store.DetectDSNType(flags.DBDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
		storeOpts = append(storeOpts, store.WithPostgresDSN(flags.DBDSN))
	} else {
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", flags.DBDSN)
		storeOpts = append(storeOpts, store.WithSQLiteDSN(flags.DBDSN))
	}
	return storeOpts
}

// buildOpenAIOptions constructs OpenAI client options
func buildOpenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if flags.OpenAIKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(flags.OpenAIKey))
	}
	if flags.OpenAIModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(flags.OpenAIModel))
	}
	if flags.GenAIDebug {
		genaiOpts = append(genaiOpts, genai.WithDebugMode(true), genai.WithStateDir(flags.StateDir))
	}
	return genaiOpts
}

// buildGeminiOptions constructs Gemini client options
func buildGeminiOptions(flags Flags) []genai.GeminiOption {
	var geminiOpts []genai.GeminiOption
	if flags.GeminiModel != "" {
		geminiOpts = append(geminiOpts, genai.WithGenerativeModel(flags.GeminiModel))
	}
	if flags.GenAIDebug {
		geminiOpts = append(geminiOpts, genai.WithGeminiDebug(true, flags.StateDir))
	}
	return geminiOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if flags.APIAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(flags.APIAddr))
	}
	return apiOpts
}

// buildOrchestratorOptions constructs the tunables of the message pipeline
func buildOrchestratorOptions(flags Flags) []orchestrator.Option {
	return []orchestrator.Option{
		orchestrator.WithBackendTimeout(flags.BackendTimeout),
		orchestrator.WithSMSMaxLength(flags.SMSMaxLength),
	}
}

// buildConversationOptions constructs conversation manager options
func buildConversationOptions(flags Flags) []conversation.Option {
	return []conversation.Option{
		conversation.WithMaxMessages(flags.ContextMaxMessages),
		conversation.WithTimeout(flags.ContextTimeout),
	}
}

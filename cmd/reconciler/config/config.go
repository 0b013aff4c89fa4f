// Package config turns the CLI's layered configuration into component
// configurations.
//
// Values are resolved in increasing priority from built-in defaults, an
// optional YAML file and RECONCILER_* environment variables, where nested
// keys use underscores (RECONCILER_SAT_RFC, RECONCILER_SEMANTIC_ENCODER).
// A .env file in the working directory is loaded first, so secrets can live
// there. Secrets are never part of AppConfig: they are read from the
// environment when a component that needs them is built.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"cfdi-reconciliation-service/internal/matcher"
	"cfdi-reconciliation-service/internal/parsers"
	"cfdi-reconciliation-service/internal/reconciler"
	"cfdi-reconciliation-service/internal/reporter"
	"cfdi-reconciliation-service/internal/sat"
	"cfdi-reconciliation-service/internal/semantic"
	"cfdi-reconciliation-service/pkg/errors"
	"cfdi-reconciliation-service/pkg/logger"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "RECONCILER"

// Environment variables holding secrets
const (
	OpenAIAPIKeyEnv = "OPENAI_API_KEY"
	GeminiAPIKeyEnv = "GEMINI_API_KEY"
	// DefaultPassphraseEnv holds the private key passphrase of the e.firma
	DefaultPassphraseEnv = "SAT_KEY_PASSPHRASE"
)

// Semantic encoders
const (
	EncoderLocal = "local"
	EncoderGenAI = "genai"
)

// AppConfig is the effective configuration of the CLI
type AppConfig struct {
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	SAT      SATConfig      `mapstructure:"sat" yaml:"sat"`
	Matching MatchingConfig `mapstructure:"matching" yaml:"matching"`
	Semantic SemanticConfig `mapstructure:"semantic" yaml:"semantic"`
	AI       AIConfig       `mapstructure:"ai" yaml:"ai"`
	Storage  StorageConfig  `mapstructure:"storage" yaml:"storage"`
	Pipeline PipelineConfig `mapstructure:"pipeline" yaml:"pipeline"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
	File   string `mapstructure:"file" yaml:"file,omitempty"`
}

// SATConfig configures the download client. The certificate and key are the
// DER files of the taxpayer's e.firma.
type SATConfig struct {
	RFC                    string        `mapstructure:"rfc" yaml:"rfc"`
	CertFile               string        `mapstructure:"cert_file" yaml:"cert_file"`
	KeyFile                string        `mapstructure:"key_file" yaml:"key_file"`
	PassphraseEnv          string        `mapstructure:"passphrase_env" yaml:"passphrase_env"`
	Endpoints              sat.Endpoints `mapstructure:"endpoints" yaml:"endpoints"`
	Timeout                time.Duration `mapstructure:"timeout" yaml:"timeout"`
	PollInitialInterval    time.Duration `mapstructure:"poll_initial_interval" yaml:"poll_initial_interval"`
	PollMaxInterval        time.Duration `mapstructure:"poll_max_interval" yaml:"poll_max_interval"`
	PollTimeout            time.Duration `mapstructure:"poll_timeout" yaml:"poll_timeout"`
	MaxConcurrentDownloads int           `mapstructure:"max_concurrent_downloads" yaml:"max_concurrent_downloads"`
}

// TierConfig is one row of the tolerance table. Amounts are in currency units.
type TierConfig struct {
	Name            string  `mapstructure:"name" yaml:"name"`
	Score           float64 `mapstructure:"score" yaml:"score"`
	AmountTolerance float64 `mapstructure:"amount_tolerance" yaml:"amount_tolerance"`
	MaxDays         int     `mapstructure:"max_days" yaml:"max_days"`
}

// MatchingConfig configures the deterministic matcher. An empty tier list
// uses the standard table.
type MatchingConfig struct {
	Tiers               []TierConfig `mapstructure:"tiers" yaml:"tiers,omitempty"`
	OwnRFC              string       `mapstructure:"own_rfc" yaml:"own_rfc"`
	IncludeCancelled    bool         `mapstructure:"include_cancelled" yaml:"include_cancelled"`
	RequireSameCurrency bool         `mapstructure:"require_same_currency" yaml:"require_same_currency"`
	// Timezone is one of ignore, utc or business
	Timezone         string `mapstructure:"timezone" yaml:"timezone"`
	BusinessTimezone string `mapstructure:"business_timezone" yaml:"business_timezone"`
}

type SemanticConfig struct {
	Enabled       bool    `mapstructure:"enabled" yaml:"enabled"`
	MinSimilarity float64 `mapstructure:"min_similarity" yaml:"min_similarity"`
	MaxAmountDiff float64 `mapstructure:"max_amount_diff" yaml:"max_amount_diff"`
	MaxDaysDiff   int     `mapstructure:"max_days_diff" yaml:"max_days_diff"`
	// Encoder is local (hashed trigrams) or genai (Gemini embeddings)
	Encoder    string `mapstructure:"encoder" yaml:"encoder"`
	GenAIModel string `mapstructure:"genai_model" yaml:"genai_model"`
	Dimensions int    `mapstructure:"dimensions" yaml:"dimensions"`
	Workers    int    `mapstructure:"workers" yaml:"workers"`
	// CachePath enables the persistent embedding cache
	CachePath      string `mapstructure:"cache_path" yaml:"cache_path,omitempty"`
	NoiseRulesFile string `mapstructure:"noise_rules_file" yaml:"noise_rules_file,omitempty"`
}

type AIConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	Model       string        `mapstructure:"model" yaml:"model"`
	BaseURL     string        `mapstructure:"base_url" yaml:"base_url,omitempty"`
	BatchSize   int           `mapstructure:"batch_size" yaml:"batch_size"`
	MaxRetries  int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryDelay  time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
}

type StorageConfig struct {
	// Path of the SQLite database holding accepted matches
	Path string `mapstructure:"path" yaml:"path"`
}

type PipelineConfig struct {
	MaxConcurrentStatements int  `mapstructure:"max_concurrent_statements" yaml:"max_concurrent_statements"`
	VerifyBalances          bool `mapstructure:"verify_balances" yaml:"verify_balances"`
	SplitPaymentParts       int  `mapstructure:"split_payment_parts" yaml:"split_payment_parts"`
	DeduplicateInvoices     bool `mapstructure:"deduplicate_invoices" yaml:"deduplicate_invoices"`
	WindowSlackDays         int  `mapstructure:"window_slack_days" yaml:"window_slack_days"`
	// DefaultYear is used for statement rows without a year; 0 means the current year
	DefaultYear int `mapstructure:"default_year" yaml:"default_year"`
}

// DefaultAppConfig returns the built-in defaults
func DefaultAppConfig() *AppConfig {
	satDefaults := sat.DefaultConfig()
	semanticDefaults := semantic.DefaultOptions()
	aiDefaults := semantic.DefaultAIConfig()
	pipelineDefaults := reconciler.DefaultConfig()
	preprocessing := reconciler.DefaultPreprocessingConfig()

	return &AppConfig{
		Log: LogConfig{
			Level:  string(logger.InfoLevel),
			Format: string(logger.TextFormat),
			Output: string(logger.StderrOutput),
		},
		SAT: SATConfig{
			PassphraseEnv:          DefaultPassphraseEnv,
			Endpoints:              satDefaults.Endpoints,
			Timeout:                satDefaults.Timeout,
			PollInitialInterval:    satDefaults.PollInitialInterval,
			PollMaxInterval:        satDefaults.PollMaxInterval,
			PollTimeout:            satDefaults.PollTimeout,
			MaxConcurrentDownloads: satDefaults.MaxConcurrentDownloads,
		},
		Matching: MatchingConfig{
			RequireSameCurrency: true,
			Timezone:            "ignore",
			BusinessTimezone:    "America/Mexico_City",
		},
		Semantic: SemanticConfig{
			Enabled:       true,
			MinSimilarity: semanticDefaults.MinSimilarity,
			MaxAmountDiff: semanticDefaults.MaxAmountDiff.InexactFloat64(),
			MaxDaysDiff:   semanticDefaults.MaxDaysDiff,
			Encoder:       EncoderLocal,
			GenAIModel:    semantic.DefaultGenAIModel,
		},
		AI: AIConfig{
			Model:      semantic.DefaultOpenAIModel,
			BatchSize:  aiDefaults.BatchSize,
			MaxRetries: aiDefaults.MaxRetries,
			RetryDelay: aiDefaults.RetryDelay,
		},
		Storage: StorageConfig{
			Path: "data/reconciler.db",
		},
		Pipeline: PipelineConfig{
			MaxConcurrentStatements: pipelineDefaults.MaxConcurrentStatements,
			VerifyBalances:          pipelineDefaults.VerifyBalances,
			SplitPaymentParts:       pipelineDefaults.SplitPaymentParts,
			DeduplicateInvoices:     preprocessing.DeduplicateInvoices,
			WindowSlackDays:         preprocessing.WindowSlackDays,
		},
	}
}

// SetDefaults registers every key with v so environment overrides apply
// even when no config file mentions the key
func SetDefaults(v *viper.Viper) {
	d := DefaultAppConfig()

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.output", d.Log.Output)
	v.SetDefault("log.file", d.Log.File)

	v.SetDefault("sat.rfc", d.SAT.RFC)
	v.SetDefault("sat.cert_file", d.SAT.CertFile)
	v.SetDefault("sat.key_file", d.SAT.KeyFile)
	v.SetDefault("sat.passphrase_env", d.SAT.PassphraseEnv)
	v.SetDefault("sat.endpoints.authenticate", d.SAT.Endpoints.Authenticate)
	v.SetDefault("sat.endpoints.request", d.SAT.Endpoints.Request)
	v.SetDefault("sat.endpoints.verify", d.SAT.Endpoints.Verify)
	v.SetDefault("sat.endpoints.download", d.SAT.Endpoints.Download)
	v.SetDefault("sat.endpoints.status", d.SAT.Endpoints.Status)
	v.SetDefault("sat.timeout", d.SAT.Timeout)
	v.SetDefault("sat.poll_initial_interval", d.SAT.PollInitialInterval)
	v.SetDefault("sat.poll_max_interval", d.SAT.PollMaxInterval)
	v.SetDefault("sat.poll_timeout", d.SAT.PollTimeout)
	v.SetDefault("sat.max_concurrent_downloads", d.SAT.MaxConcurrentDownloads)

	v.SetDefault("matching.own_rfc", d.Matching.OwnRFC)
	v.SetDefault("matching.include_cancelled", d.Matching.IncludeCancelled)
	v.SetDefault("matching.require_same_currency", d.Matching.RequireSameCurrency)
	v.SetDefault("matching.timezone", d.Matching.Timezone)
	v.SetDefault("matching.business_timezone", d.Matching.BusinessTimezone)

	v.SetDefault("semantic.enabled", d.Semantic.Enabled)
	v.SetDefault("semantic.min_similarity", d.Semantic.MinSimilarity)
	v.SetDefault("semantic.max_amount_diff", d.Semantic.MaxAmountDiff)
	v.SetDefault("semantic.max_days_diff", d.Semantic.MaxDaysDiff)
	v.SetDefault("semantic.encoder", d.Semantic.Encoder)
	v.SetDefault("semantic.genai_model", d.Semantic.GenAIModel)
	v.SetDefault("semantic.dimensions", d.Semantic.Dimensions)
	v.SetDefault("semantic.workers", d.Semantic.Workers)
	v.SetDefault("semantic.cache_path", d.Semantic.CachePath)
	v.SetDefault("semantic.noise_rules_file", d.Semantic.NoiseRulesFile)

	v.SetDefault("ai.enabled", d.AI.Enabled)
	v.SetDefault("ai.model", d.AI.Model)
	v.SetDefault("ai.base_url", d.AI.BaseURL)
	v.SetDefault("ai.batch_size", d.AI.BatchSize)
	v.SetDefault("ai.max_retries", d.AI.MaxRetries)
	v.SetDefault("ai.retry_delay", d.AI.RetryDelay)
	v.SetDefault("ai.temperature", d.AI.Temperature)

	v.SetDefault("storage.path", d.Storage.Path)

	v.SetDefault("pipeline.max_concurrent_statements", d.Pipeline.MaxConcurrentStatements)
	v.SetDefault("pipeline.verify_balances", d.Pipeline.VerifyBalances)
	v.SetDefault("pipeline.split_payment_parts", d.Pipeline.SplitPaymentParts)
	v.SetDefault("pipeline.deduplicate_invoices", d.Pipeline.DeduplicateInvoices)
	v.SetDefault("pipeline.window_slack_days", d.Pipeline.WindowSlackDays)
	v.SetDefault("pipeline.default_year", d.Pipeline.DefaultYear)
}

// Load reads the .env file, the optional config file and the environment
// into an AppConfig. An empty envFile loads ./.env when it exists.
func Load(v *viper.Viper, configFile, envFile string) (*AppConfig, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, errors.ConfigurationError(errors.CodeMissingConfig, "env_file", envFile, err)
		}
	} else {
		_ = godotenv.Load()
	}

	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "config", configFile, err).
				WithSuggestion("Check that the config file exists and is valid YAML")
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "config", configFile, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every section and returns all problems at once
func (c *AppConfig) Validate() error {
	var errs error

	if err := c.LoggerConfig().Validate(); err != nil {
		errs = multierr.Append(errs, errors.ConfigurationError(errors.CodeInvalidConfig, "log", c.Log, err))
	}
	if _, err := c.MatcherConfig(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if _, err := c.ReconcilerConfig(); err != nil {
		errs = multierr.Append(errs, err)
	}
	switch c.Semantic.Encoder {
	case EncoderLocal, EncoderGenAI:
	default:
		errs = multierr.Append(errs, errors.ConfigurationError(errors.CodeInvalidConfig, "semantic.encoder", c.Semantic.Encoder,
			fmt.Errorf("encoder must be %q or %q", EncoderLocal, EncoderGenAI)))
	}
	if c.AI.Enabled && c.AI.BatchSize <= 0 {
		errs = multierr.Append(errs, errors.ConfigurationError(errors.CodeInvalidConfig, "ai.batch_size", c.AI.BatchSize,
			fmt.Errorf("batch size must be positive")))
	}
	if c.AI.Temperature < 0 || c.AI.Temperature > 2 {
		errs = multierr.Append(errs, errors.ConfigurationError(errors.CodeInvalidConfig, "ai.temperature", c.AI.Temperature,
			fmt.Errorf("temperature must be between 0 and 2")))
	}
	return errs
}

// WriteYAML writes the effective configuration
func (c *AppConfig) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}

// LoggerConfig returns the logger configuration
func (c *AppConfig) LoggerConfig() *logger.Config {
	return &logger.Config{
		Level:  logger.Level(strings.ToLower(c.Log.Level)),
		Format: logger.Format(strings.ToLower(c.Log.Format)),
		Output: logger.Output(strings.ToLower(c.Log.Output)),
		File:   c.Log.File,
	}
}

// MatcherConfig builds the deterministic matcher configuration
func (c *AppConfig) MatcherConfig() (*matcher.MatchingConfig, error) {
	mc := matcher.DefaultMatchingConfig()
	mc.OwnRFC = strings.ToUpper(strings.TrimSpace(c.Matching.OwnRFC))
	mc.IncludeCancelled = c.Matching.IncludeCancelled
	mc.RequireSameCurrency = c.Matching.RequireSameCurrency
	if c.Matching.BusinessTimezone != "" {
		mc.BusinessTimezone = c.Matching.BusinessTimezone
	}

	mode, err := parseTimezoneMode(c.Matching.Timezone)
	if err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "matching.timezone", c.Matching.Timezone, err)
	}
	mc.TimezoneHandling = mode

	if len(c.Matching.Tiers) > 0 {
		mc.Tiers = make([]matcher.Tier, 0, len(c.Matching.Tiers))
		for _, t := range c.Matching.Tiers {
			mc.Tiers = append(mc.Tiers, matcher.Tier{
				Name:            t.Name,
				Score:           t.Score,
				AmountTolerance: decimal.NewFromFloat(t.AmountTolerance),
				MaxDays:         t.MaxDays,
			})
		}
	}

	if err := mc.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "matching", c.Matching, err)
	}
	return mc, nil
}

func parseTimezoneMode(s string) (matcher.TimezoneMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ignore":
		return matcher.TimezoneIgnore, nil
	case "utc":
		return matcher.TimezoneUTC, nil
	case "business":
		return matcher.TimezoneBusiness, nil
	default:
		return matcher.TimezoneIgnore, fmt.Errorf("unknown timezone mode %q (want ignore, utc or business)", s)
	}
}

// ReconcilerConfig builds the pipeline configuration
func (c *AppConfig) ReconcilerConfig() (*reconciler.Config, error) {
	rc := reconciler.DefaultConfig()
	rc.MaxConcurrentStatements = c.Pipeline.MaxConcurrentStatements
	rc.VerifyBalances = c.Pipeline.VerifyBalances
	rc.SplitPaymentParts = c.Pipeline.SplitPaymentParts
	rc.Semantic = semantic.Options{
		MinSimilarity: c.Semantic.MinSimilarity,
		MaxAmountDiff: decimal.NewFromFloat(c.Semantic.MaxAmountDiff),
		MaxDaysDiff:   c.Semantic.MaxDaysDiff,
	}
	rc.Preprocessing = &reconciler.PreprocessingConfig{
		DeduplicateInvoices: c.Pipeline.DeduplicateInvoices,
		WindowSlackDays:     c.Pipeline.WindowSlackDays,
	}

	parser := parsers.DefaultParserConfig()
	if c.Pipeline.DefaultYear > 0 {
		parser.DefaultYear = c.Pipeline.DefaultYear
	}
	rc.Parser = parser

	if err := rc.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "pipeline", c.Pipeline, err)
	}
	return rc, nil
}

// SATServiceConfig builds the SAT client configuration
func (c *AppConfig) SATServiceConfig() (*sat.Config, error) {
	sc := sat.DefaultConfig()
	sc.RFC = strings.ToUpper(strings.TrimSpace(c.SAT.RFC))
	sc.Endpoints = c.SAT.Endpoints
	sc.Timeout = c.SAT.Timeout
	sc.PollInitialInterval = c.SAT.PollInitialInterval
	sc.PollMaxInterval = c.SAT.PollMaxInterval
	sc.PollTimeout = c.SAT.PollTimeout
	sc.MaxConcurrentDownloads = c.SAT.MaxConcurrentDownloads

	if err := sc.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "sat", c.SAT, err)
	}
	return sc, nil
}

// SATCredentials loads the e.firma named by the configuration. The key
// passphrase is read from the environment variable sat.passphrase_env.
func (c *AppConfig) SATCredentials() (*sat.Credentials, error) {
	if c.SAT.CertFile == "" || c.SAT.KeyFile == "" {
		return nil, errors.ConfigurationError(errors.CodeMissingConfig, "sat.cert_file", nil,
			fmt.Errorf("certificate and key files are required")).
			WithSuggestion("Set sat.cert_file and sat.key_file, or use --mock")
	}

	envName := c.SAT.PassphraseEnv
	if envName == "" {
		envName = DefaultPassphraseEnv
	}
	passphrase := os.Getenv(envName)
	if passphrase == "" {
		return nil, errors.ConfigurationError(errors.CodeMissingConfig, envName, nil,
			fmt.Errorf("private key passphrase not set")).
			WithSuggestion(fmt.Sprintf("Export %s or add it to .env", envName))
	}

	return sat.LoadCredentialsFromFiles(c.SAT.CertFile, c.SAT.KeyFile, passphrase)
}

// BuildStrategy assembles the semantic stage: the embedding strategy, then
// the AI strategy when enabled. It returns a nil strategy when semantic
// matching is disabled. The returned close function releases the embedding
// cache and must be called when the strategy is no longer used.
func (c *AppConfig) BuildStrategy(ctx context.Context) (semantic.Strategy, func() error, error) {
	noop := func() error { return nil }
	if !c.Semantic.Enabled {
		return nil, noop, nil
	}

	var encoder semantic.Encoder
	switch c.Semantic.Encoder {
	case EncoderGenAI:
		key := os.Getenv(GeminiAPIKeyEnv)
		if key == "" {
			return nil, noop, errors.ConfigurationError(errors.CodeMissingConfig, GeminiAPIKeyEnv, nil,
				fmt.Errorf("the genai encoder needs an API key")).
				WithSuggestion("Export GEMINI_API_KEY or set semantic.encoder to local")
		}
		genaiEncoder, err := semantic.NewGenAIEncoder(ctx, semantic.GenAIConfig{APIKey: key, Model: c.Semantic.GenAIModel})
		if err != nil {
			return nil, noop, errors.ConfigurationError(errors.CodeInvalidConfig, "semantic.encoder", c.Semantic.Encoder, err)
		}
		encoder = genaiEncoder
	default:
		encoder = semantic.NewHashingEncoder(c.Semantic.Dimensions)
	}

	var normalizer *semantic.Normalizer
	if c.Semantic.NoiseRulesFile != "" {
		rules, err := semantic.LoadNoiseRules(c.Semantic.NoiseRulesFile)
		if err != nil {
			return nil, noop, errors.ConfigurationError(errors.CodeInvalidConfig, "semantic.noise_rules_file", c.Semantic.NoiseRulesFile, err)
		}
		normalizer = semantic.NewNormalizer(rules)
	}

	var cache semantic.Cache = semantic.NewMemoryCache()
	closeFn := noop
	if c.Semantic.CachePath != "" {
		bolt, err := semantic.OpenBoltCache(c.Semantic.CachePath)
		if err != nil {
			return nil, noop, errors.FileError(errors.CodeFilePermission, c.Semantic.CachePath, err)
		}
		cache = bolt
		closeFn = bolt.Close
	}

	strategies := []semantic.Strategy{
		semantic.NewEmbeddingStrategy(encoder, cache, normalizer, semantic.EmbeddingConfig{
			OwnRFC:  strings.ToUpper(strings.TrimSpace(c.Matching.OwnRFC)),
			Workers: c.Semantic.Workers,
		}),
	}

	if c.AI.Enabled {
		key := os.Getenv(OpenAIAPIKeyEnv)
		if key == "" {
			closeFn()
			return nil, noop, errors.ConfigurationError(errors.CodeMissingConfig, OpenAIAPIKeyEnv, nil,
				fmt.Errorf("the AI strategy needs an API key")).
				WithSuggestion("Export OPENAI_API_KEY or set ai.enabled to false")
		}
		completer, err := semantic.NewOpenAICompleter(semantic.OpenAIConfig{
			APIKey:      key,
			Model:       c.AI.Model,
			Temperature: c.AI.Temperature,
			BaseURL:     c.AI.BaseURL,
		})
		if err != nil {
			closeFn()
			return nil, noop, errors.ConfigurationError(errors.CodeInvalidConfig, "ai", c.AI, err)
		}
		strategies = append(strategies, semantic.NewAIStrategy(completer, semantic.AIConfig{
			BatchSize:  c.AI.BatchSize,
			MaxRetries: c.AI.MaxRetries,
			RetryDelay: c.AI.RetryDelay,
			OwnRFC:     strings.ToUpper(strings.TrimSpace(c.Matching.OwnRFC)),
		}))
	}

	return semantic.NewChain(strategies...), closeFn, nil
}

// CreateReportConfig creates a report configuration for the output format
func CreateReportConfig(outputFormat string, onlyNeedsReview bool) (*reporter.ReportConfig, error) {
	config := reporter.DefaultReportConfig()
	config.Format = reporter.OutputFormat(strings.ToLower(outputFormat))
	config.OnlyNeedsReview = onlyNeedsReview

	switch config.Format {
	case reporter.FormatJSON:
		config.IncludeParseSkips = true
		config.MaxListItems = 0
	case reporter.FormatCSV:
		config.IncludeProcessingStats = false
		config.MaxListItems = 0
	}

	if err := config.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "output-format", outputFormat, err).
			WithSuggestion("Use console, json or csv")
	}
	return config, nil
}

package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":         {"fireworks", "openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq"},
	"stt":         {"deepgram"},
	"tts":         {"deepgram", "elevenlabs"},
	"premium_tts": {"elevenlabs"},
	"embeddings":  {"voyage", "openai"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. Environment variable references of the form
// ${VAR} in the file are expanded before parsing, so API keys can stay out of
// the file itself.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	cfg, err := LoadFromReader(strings.NewReader(expandEnv(string(data))))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals. No environment expansion is performed here.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envRefPattern matches ${VAR} references. Bare $VAR is left untouched so
// DSNs and passwords with literal dollar signs survive.
var envRefPattern = regexp.MustCompile(`\$\{[A-Za-z_][A-Za-z0-9_]*\}`)

// expandEnv replaces ${VAR} references with environment values. Unresolved
// references are preserved so validation errors can name them.
func expandEnv(s string) string {
	return envRefPattern.ReplaceAllStringFunc(s, func(ref string) string {
		key := ref[2 : len(ref)-1]
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return ref
	})
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.PublicURL == "" {
		errs = append(errs, errors.New("server.public_url is required; Twilio needs it to reach the media stream"))
	} else if !strings.HasPrefix(cfg.Server.PublicURL, "http://") && !strings.HasPrefix(cfg.Server.PublicURL, "https://") {
		errs = append(errs, fmt.Errorf("server.public_url %q must start with http:// or https://", cfg.Server.PublicURL))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Provider name validation. Unknown names only warn; a third-party
	// provider may have been registered under a custom name.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("premium_tts", cfg.Providers.PremiumTTS.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	// The reception pipeline cannot run without its three stages.
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts.name is required"))
	}

	// Unresolved ${ENV} references in credentials.
	for kind, entry := range map[string]ProviderEntry{
		"llm":         cfg.Providers.LLM,
		"stt":         cfg.Providers.STT,
		"tts":         cfg.Providers.TTS,
		"premium_tts": cfg.Providers.PremiumTTS,
		"embeddings":  cfg.Providers.Embeddings,
	} {
		if strings.HasPrefix(entry.APIKey, "${") {
			errs = append(errs, fmt.Errorf("providers.%s.api_key references unset environment variable %s", kind, entry.APIKey))
		}
	}

	// Retrieval availability
	if cfg.Store.PostgresDSN == "" {
		slog.Warn("store.postgres_dsn is empty; retrieval and call persistence will be unavailable")
	}
	if cfg.Providers.Embeddings.Name != "" && cfg.Store.EmbeddingDimensions <= 0 {
		errs = append(errs, errors.New("store.embedding_dimensions must be positive when an embeddings provider is configured"))
	}

	// Business identity
	if cfg.Business.Name == "" {
		slog.Warn("business.name is empty; the greeting will not mention a business")
	}

	// Limits sanity
	l := cfg.Limits
	if l.SilenceTimeout.Std() >= l.CallIdleTimeout.Std() {
		errs = append(errs, fmt.Errorf("limits.silence_timeout (%s) must be shorter than limits.call_idle_timeout (%s)",
			l.SilenceTimeout.Std(), l.CallIdleTimeout.Std()))
	}
	if l.ToolCallTimeout.Std() >= l.ModelTurnTimeout.Std() {
		errs = append(errs, fmt.Errorf("limits.tool_call_timeout (%s) must be shorter than limits.model_turn_timeout (%s)",
			l.ToolCallTimeout.Std(), l.ModelTurnTimeout.Std()))
	}
	if l.MaxToolIters < 1 {
		errs = append(errs, fmt.Errorf("limits.max_tool_iters must be at least 1, got %d", l.MaxToolIters))
	}
	if l.AudioCacheMax < 1 {
		errs = append(errs, fmt.Errorf("limits.audio_cache_max must be at least 1, got %d", l.AudioCacheMax))
	}
	if l.MaxConcurrentCalls < 0 {
		errs = append(errs, fmt.Errorf("limits.max_concurrent_calls must not be negative, got %d", l.MaxConcurrentCalls))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

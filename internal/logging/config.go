package logging

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap/zapcore"
)

// Formats accepted by Config.Format.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

const maxPatternLen = 1000

// Config controls the logger built by NewLogger.
type Config struct {
	Level  zapcore.Level
	Format string
	Output OutputConfig
	// Sampling applies below Error only.
	Sampling SamplingConfig
	// Caller adds the call site. CallerSkip counts extra wrapper frames.
	Caller     bool
	CallerSkip int
	// StacktraceAt attaches stacks at and above this level.
	StacktraceAt zapcore.Level
	// Fields are attached to every entry.
	Fields    map[string]string
	Redaction RedactionConfig
}

// OutputConfig selects the sinks.
type OutputConfig struct {
	Stdout bool
	OTEL   bool
}

// SamplingConfig keeps the first Initial entries with the same message per
// Tick, then every Thereafter-th. Thereafter 0 drops the rest.
type SamplingConfig struct {
	Enabled    bool
	Tick       time.Duration
	Initial    int
	Thereafter int
}

// RedactionConfig lists field keys whose values are hidden and patterns
// scrubbed from every string value.
type RedactionConfig struct {
	Enabled  bool
	Fields   []string
	Patterns []string
}

// FromSettings builds a config from the LOG_LEVEL and LOG_FORMAT settings.
// Empty values keep the defaults.
func FromSettings(level, format string) (*Config, error) {
	cfg := NewDefaultConfig()
	if level != "" {
		lvl, err := LevelFromString(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		cfg.Level = lvl
	}
	if format != "" {
		cfg.Format = format
	}
	return cfg, cfg.Validate()
}

// NewDefaultConfig is JSON at info to stdout, sampled, with credential
// redaction on.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: FormatJSON,
		Output: OutputConfig{Stdout: true},
		Sampling: SamplingConfig{
			Enabled:    true,
			Tick:       time.Second,
			Initial:    100,
			Thereafter: 10,
		},
		Caller:       true,
		StacktraceAt: zapcore.ErrorLevel,
		Fields:       map[string]string{"service": "repocontextd"},
		Redaction: RedactionConfig{
			Enabled: true,
			Fields: []string{
				"password", "secret", "token", "api_key", "authorization",
				"credential", "github_token", "openai_api_key", "x-api-key",
			},
			Patterns: []string{
				`(?i)bearer\s+\S+`,
				`(?i)api[_-]?key[=:]\s*\S+`,
				// userinfo in clone URLs
				`://[^/@\s:]+(:[^/@\s]*)?@`,
				`\b(ghp|gho|ghs|github_pat)_[A-Za-z0-9_]{20,}`,
				`\bsk-[A-Za-z0-9_-]{20,}`,
			},
		},
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Format {
	case FormatJSON, FormatConsole:
	default:
		return fmt.Errorf("format must be %q or %q, got %q", FormatJSON, FormatConsole, c.Format)
	}
	if !c.Output.Stdout && !c.Output.OTEL {
		return errors.New("at least one output must be enabled (stdout or otel)")
	}
	if c.Sampling.Enabled && (c.Sampling.Tick <= 0 || c.Sampling.Initial < 1) {
		return errors.New("sampling needs a positive tick and initial count")
	}
	if c.CallerSkip < 0 {
		return fmt.Errorf("caller skip must be >= 0, got %d", c.CallerSkip)
	}

	if c.Redaction.Enabled {
		for _, p := range c.Redaction.Patterns {
			if len(p) > maxPatternLen {
				return fmt.Errorf("redaction pattern longer than %d chars", maxPatternLen)
			}
			if _, err := regexp.Compile(p); err != nil {
				return fmt.Errorf("invalid redaction pattern %q: %w", p, err)
			}
		}
	}

	for k, v := range c.Fields {
		if k == "" || v == "" {
			return fmt.Errorf("constant field %q must have a non-empty key and value", k)
		}
	}
	return nil
}

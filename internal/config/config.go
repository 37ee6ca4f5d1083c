// Package config provides configuration types and defaults for foreman.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds all configuration options for an orchestration run.
type Config struct {
	// ProjectName labels the run in logs and status output.
	ProjectName string `mapstructure:"project_name"`
	// WorkDir is the directory worker processes run in. Defaults to cwd.
	WorkDir string `mapstructure:"work_dir"`
	// DataDir is where the state database and logs live.
	// Default: ~/.foreman/<project>
	DataDir string `mapstructure:"data_dir"`
	// Roster is the path to the fleet definition file.
	Roster string `mapstructure:"roster"`

	Supervisor SupervisorConfig       `mapstructure:"supervisor"`
	Server     ServerConfig           `mapstructure:"server"`
	Workers    map[string]WorkerKind  `mapstructure:"workers"`
	Notify     NotifyConfig           `mapstructure:"notify"`
	Tracing    TracingConfig          `mapstructure:"tracing"`
}

// SupervisorConfig holds the timing knobs of the supervisor loop.
type SupervisorConfig struct {
	// PollingInterval is the sweep cadence.
	PollingInterval time.Duration `mapstructure:"polling_interval"`
	// HeartbeatInterval is the cadence workers are told to heartbeat at.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// HeartbeatTimeout is the staleness threshold before a running worker
	// is declared timed out.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	// SpawningGrace is how long a spawning worker may go without a first
	// tool call before it counts as stale.
	SpawningGrace time.Duration `mapstructure:"spawning_grace"`
	// DefaultTimeout is the per-attempt deadline when the roster entry
	// does not override it.
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	// MaxRetries is the number of failure recoveries before escalation.
	MaxRetries int `mapstructure:"max_retries"`
	// MaxConcurrent caps simultaneously live workers. 0 means unlimited.
	MaxConcurrent int `mapstructure:"max_concurrent"`
	// GracefulShutdownTimeout bounds the polite phase of worker teardown.
	GracefulShutdownTimeout time.Duration `mapstructure:"graceful_shutdown_timeout"`
	// SafeContextTokens and TokensPerFile size the context-exhaustion
	// guidance rendered into worker prompts.
	SafeContextTokens int `mapstructure:"safe_context_tokens"`
	TokensPerFile     int `mapstructure:"tokens_per_file"`
}

// ServerConfig holds the coordination plane listener settings.
type ServerConfig struct {
	// Addr is the listen address for the tool surface, e.g. "127.0.0.1:0".
	Addr string `mapstructure:"addr"`
	// KeepaliveInterval is the SSE comment-ping cadence.
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
}

// WorkerKind describes how to launch one kind of worker process.
type WorkerKind struct {
	// Command is the executable to run.
	Command string `mapstructure:"command"`
	// Args are passed before the generated flags.
	Args []string `mapstructure:"args"`
	// Model is forwarded to the worker via its model flag when set.
	Model string `mapstructure:"model"`
	// Env is extra environment in KEY=VALUE form.
	Env []string `mapstructure:"env"`
}

// NotifyConfig selects the notification sinks for escalations and run
// completion.
type NotifyConfig struct {
	Console bool          `mapstructure:"console"`
	Webhook WebhookConfig `mapstructure:"webhook"`
	Email   EmailConfig   `mapstructure:"email"`
}

// WebhookConfig posts notifications as JSON to a URL.
type WebhookConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// EmailConfig sends notifications over SMTP.
type EmailConfig struct {
	Host string   `mapstructure:"host"`
	Port int      `mapstructure:"port"`
	From string   `mapstructure:"from"`
	To   []string `mapstructure:"to"`
}

// TracingConfig holds trace export configuration.
type TracingConfig struct {
	// Enabled controls whether tracing is active. Default: false
	Enabled bool `mapstructure:"enabled"`
	// Exporter selects the backend: "none", "file", "stdout", "otlp".
	// Default: "file"
	Exporter string `mapstructure:"exporter"`
	// FilePath is the output file for the "file" exporter.
	FilePath string `mapstructure:"file_path"`
	// OTLPEndpoint is the collector endpoint for the "otlp" exporter.
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	// SampleRate controls trace sampling (0.0 to 1.0). Default: 1.0
	SampleRate float64 `mapstructure:"sample_rate"`
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		ProjectName: "foreman",
		Supervisor: SupervisorConfig{
			PollingInterval:         10 * time.Second,
			HeartbeatInterval:       60 * time.Second,
			HeartbeatTimeout:        3 * time.Minute,
			SpawningGrace:           2 * time.Minute,
			DefaultTimeout:          45 * time.Minute,
			MaxRetries:              2,
			MaxConcurrent:           0,
			GracefulShutdownTimeout: 10 * time.Second,
			SafeContextTokens:       120_000,
			TokensPerFile:           4_000,
		},
		Server: ServerConfig{
			Addr:              "127.0.0.1:0",
			KeepaliveInterval: 15 * time.Second,
		},
		Workers: map[string]WorkerKind{},
		Notify: NotifyConfig{
			Console: true,
			Webhook: WebhookConfig{Timeout: 10 * time.Second},
			Email:   EmailConfig{Port: 587},
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// WorkerKinds returns the configured worker kind names.
func (c Config) WorkerKinds() []string {
	kinds := make([]string, 0, len(c.Workers))
	for k := range c.Workers {
		kinds = append(kinds, k)
	}
	return kinds
}

// Validate checks the configuration for errors. Empty values that have
// defaults are not flagged here.
func (c Config) Validate() error {
	if c.Roster == "" {
		return fmt.Errorf("roster path is required")
	}
	if len(c.Workers) == 0 {
		return fmt.Errorf("at least one worker kind must be configured")
	}
	for name, w := range c.Workers {
		if w.Command == "" {
			return fmt.Errorf("worker kind %s: command is required", name)
		}
	}
	if err := ValidateSupervisor(c.Supervisor); err != nil {
		return err
	}
	return ValidateTracing(c.Tracing)
}

// ValidateSupervisor checks the supervisor timing knobs.
func ValidateSupervisor(s SupervisorConfig) error {
	if s.PollingInterval <= 0 {
		return fmt.Errorf("supervisor.polling_interval must be positive, got %v", s.PollingInterval)
	}
	if s.HeartbeatTimeout <= s.HeartbeatInterval {
		return fmt.Errorf("supervisor.heartbeat_timeout (%v) must exceed heartbeat_interval (%v)",
			s.HeartbeatTimeout, s.HeartbeatInterval)
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("supervisor.max_retries must be non-negative, got %d", s.MaxRetries)
	}
	if s.MaxConcurrent < 0 {
		return fmt.Errorf("supervisor.max_concurrent must be non-negative, got %d", s.MaxConcurrent)
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(tracing TracingConfig) error {
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}
	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "file", "stdout", "otlp":
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
		}
	}
	if tracing.Enabled {
		if tracing.Exporter == "file" && tracing.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}
	return nil
}

// DefaultDataDir returns ~/.foreman/<project>, or a relative fallback when
// the home directory is unavailable.
func DefaultDataDir(project string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".foreman", project)
	}
	return filepath.Join(home, ".foreman", project)
}

// DefaultTracesFilePath returns the default path for trace file export.
func DefaultTracesFilePath(dataDir string) string {
	return filepath.Join(dataDir, "traces", "traces.jsonl")
}

// TimeoutFor returns the attempt deadline for a roster timeout override,
// falling back to the configured default.
func (s SupervisorConfig) TimeoutFor(override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return s.DefaultTimeout
}

// EstimatedContextBudget returns how many files a worker can expect to
// read before approaching the safe context bound.
func (s SupervisorConfig) EstimatedContextBudget() int {
	if s.TokensPerFile <= 0 {
		return 0
	}
	return s.SafeContextTokens / s.TokensPerFile
}

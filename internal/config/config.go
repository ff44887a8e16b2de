// Package config loads and validates the ~/.ollm/config.yaml file,
// layering defaults, file values, and OLLM_* environment variables.
// Domain packages never see viper; they receive their own config
// structs through the conversion methods here.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"

	ctxmgr "github.com/Tecet/ollm-cli/internal/context"
	"github.com/Tecet/ollm-cli/internal/llm"
	"github.com/Tecet/ollm-cli/internal/monitor"
	"github.com/Tecet/ollm-cli/internal/snapshot"
)

const envPrefix = "OLLM"

// ModelSection describes the model the session runs against.
type ModelSection struct {
	Name           string  `mapstructure:"name"`
	ParamsBillions float64 `mapstructure:"params_billions"`
	ContextLimit   int     `mapstructure:"context_limit"`
	Quantization   string  `mapstructure:"quantization"`
	SystemPrompt   string  `mapstructure:"system_prompt"`
}

// BackendSection selects and configures the completion backend.
type BackendSection struct {
	// Kind is "ollama" or "openai".
	Kind    string        `mapstructure:"kind"`
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// PoolSection bounds the token ceiling computation.
type PoolSection struct {
	MinSize         int  `mapstructure:"min_size"`
	MaxSize         int  `mapstructure:"max_size"`
	TargetSize      int  `mapstructure:"target_size"`
	AutoSize        bool `mapstructure:"auto_size"`
	ReserveBufferMB int  `mapstructure:"reserve_buffer_mb"`
}

// ThresholdSection is the usage ladder, as fractions of the ceiling.
type ThresholdSection struct {
	Soft     float64 `mapstructure:"soft"`
	Hard     float64 `mapstructure:"hard"`
	Critical float64 `mapstructure:"critical"`
}

// CompressionSection tunes the compression engine.
type CompressionSection struct {
	Strategy         string        `mapstructure:"strategy"`
	PreserveRecent   int           `mapstructure:"preserve_recent"`
	SummaryMaxTokens int           `mapstructure:"summary_max_tokens"`
	SummaryTimeout   time.Duration `mapstructure:"summary_timeout"`
}

// CheckpointSection tunes checkpoint aging.
type CheckpointSection struct {
	MergeThreshold  int           `mapstructure:"merge_threshold"`
	FreshBudget     int           `mapstructure:"fresh_budget"`
	CondensedBudget int           `mapstructure:"condensed_budget"`
	ArchivedBudget  int           `mapstructure:"archived_budget"`
	SummaryTimeout  time.Duration `mapstructure:"summary_timeout"`
}

// SnapshotSection tunes snapshot retention and retries.
type SnapshotSection struct {
	MaxCount      int           `mapstructure:"max_count"`
	AutoFraction  float64       `mapstructure:"auto_fraction"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
}

// GuardSection tunes the memory guard.
type GuardSection struct {
	WaitTimeout           time.Duration `mapstructure:"wait_timeout"`
	RolloverRecentUsers   int           `mapstructure:"rollover_recent_users"`
	RolloverSummaryTokens int           `mapstructure:"rollover_summary_tokens"`
}

// MonitorSection tunes the memory monitor.
type MonitorSection struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// LowWater is the free-memory fraction below which warnings fire.
	LowWater float64 `mapstructure:"low_water"`
}

// APISection configures the HTTP surface.
type APISection struct {
	Addr string `mapstructure:"addr"`
}

// LogSection configures logging.
type LogSection struct {
	Level string `mapstructure:"level"`
}

// Config is the full application configuration.
type Config struct {
	Model       ModelSection       `mapstructure:"model"`
	Backend     BackendSection     `mapstructure:"backend"`
	Pool        PoolSection        `mapstructure:"pool"`
	Thresholds  ThresholdSection   `mapstructure:"thresholds"`
	Compression CompressionSection `mapstructure:"compression"`
	Checkpoints CheckpointSection  `mapstructure:"checkpoints"`
	Snapshots   SnapshotSection    `mapstructure:"snapshots"`
	Guard       GuardSection       `mapstructure:"guard"`
	Monitor     MonitorSection     `mapstructure:"monitor"`
	API         APISection         `mapstructure:"api"`
	Log         LogSection         `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("model.name", "llama3.2:3b")
	v.SetDefault("model.params_billions", 3.0)
	v.SetDefault("model.context_limit", 131072)
	v.SetDefault("model.quantization", string(ctxmgr.QuantQ4))
	v.SetDefault("model.system_prompt", "You are a helpful assistant.")

	v.SetDefault("backend.kind", "ollama")
	v.SetDefault("backend.base_url", "")
	v.SetDefault("backend.api_key", "")
	v.SetDefault("backend.timeout", 2*time.Minute)

	pool := ctxmgr.DefaultPoolConfig()
	v.SetDefault("pool.min_size", pool.MinSize)
	v.SetDefault("pool.max_size", pool.MaxSize)
	v.SetDefault("pool.target_size", pool.TargetSize)
	v.SetDefault("pool.auto_size", pool.AutoSize)
	v.SetDefault("pool.reserve_buffer_mb", int(pool.ReserveBuffer>>20))

	thresholds := ctxmgr.DefaultThresholds()
	v.SetDefault("thresholds.soft", thresholds.Soft)
	v.SetDefault("thresholds.hard", thresholds.Hard)
	v.SetDefault("thresholds.critical", thresholds.Critical)

	comp := ctxmgr.DefaultCompressorConfig()
	v.SetDefault("compression.strategy", string(ctxmgr.StrategyHybrid))
	v.SetDefault("compression.preserve_recent", comp.PreserveRecent)
	v.SetDefault("compression.summary_max_tokens", comp.SummaryMaxTokens)
	v.SetDefault("compression.summary_timeout", comp.SummaryTimeout)

	cp := ctxmgr.DefaultCheckpointConfig()
	v.SetDefault("checkpoints.merge_threshold", cp.MergeThreshold)
	v.SetDefault("checkpoints.fresh_budget", cp.FreshBudget)
	v.SetDefault("checkpoints.condensed_budget", cp.CondensedBudget)
	v.SetDefault("checkpoints.archived_budget", cp.ArchivedBudget)
	v.SetDefault("checkpoints.summary_timeout", cp.SummaryTimeout)

	snap := snapshot.DefaultConfig()
	v.SetDefault("snapshots.max_count", snap.MaxCount)
	v.SetDefault("snapshots.auto_fraction", snap.AutoFraction)
	v.SetDefault("snapshots.retry_attempts", snap.RetryAttempts)
	v.SetDefault("snapshots.retry_backoff", snap.RetryBackoff)

	guard := ctxmgr.DefaultGuardConfig()
	v.SetDefault("guard.wait_timeout", guard.WaitTimeout)
	v.SetDefault("guard.rollover_recent_users", guard.RolloverRecentUsers)
	v.SetDefault("guard.rollover_summary_tokens", guard.RolloverSummaryTokens)

	v.SetDefault("monitor.poll_interval", monitor.DefaultInterval)
	v.SetDefault("monitor.low_water", 0.10)

	v.SetDefault("api.addr", "127.0.0.1:7777")
	v.SetDefault("log.level", "info")
}

// Load reads the config file at path, if it exists, over the defaults
// and OLLM_* environment variables, and validates the result. A
// missing file is not an error; a malformed or invalid one is.
func Load(path string, debug bool) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if debug {
		v.Set("log.level", "debug")
	}

	// With an explicit config file a missing path surfaces as
	// fs.ErrNotExist rather than viper's not-found type; both mean
	// "run on defaults".
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations a session could not run under. It is
// a startup gate: a failed validation is fatal, never papered over.
func (c *Config) Validate() error {
	var errs []error

	if c.Model.Name == "" {
		errs = append(errs, errors.New("model.name must be set"))
	}
	if !knownQuantization(c.Model.Quantization) {
		errs = append(errs, fmt.Errorf("model.quantization %q is not one of f32, f16, q8_0, q4_0", c.Model.Quantization))
	}

	switch c.Backend.Kind {
	case "ollama", "openai":
	default:
		errs = append(errs, fmt.Errorf("backend.kind %q is not one of ollama, openai", c.Backend.Kind))
	}

	if err := c.PoolConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if !c.ThresholdLadder().Valid() {
		errs = append(errs, fmt.Errorf("thresholds %.2f/%.2f/%.2f must be increasing and within (0, 1]",
			c.Thresholds.Soft, c.Thresholds.Hard, c.Thresholds.Critical))
	}
	if _, err := ctxmgr.ParseStrategy(c.Compression.Strategy); err != nil {
		errs = append(errs, err)
	}
	if c.Snapshots.AutoFraction <= 0 || c.Snapshots.AutoFraction > 1 {
		errs = append(errs, fmt.Errorf("snapshots.auto_fraction %.2f must be within (0, 1]", c.Snapshots.AutoFraction))
	}
	if c.Monitor.LowWater < 0 || c.Monitor.LowWater >= 1 {
		errs = append(errs, fmt.Errorf("monitor.low_water %.2f must be within [0, 1)", c.Monitor.LowWater))
	}

	return errors.Join(errs...)
}

func knownQuantization(q string) bool {
	switch ctxmgr.Quantization(q) {
	case ctxmgr.QuantF32, ctxmgr.QuantF16, ctxmgr.QuantQ8, ctxmgr.QuantQ4:
		return true
	}
	return false
}

// ModelInfo maps the model section onto the pool's sizing input.
func (c *Config) ModelInfo() ctxmgr.ModelInfo {
	return ctxmgr.ModelInfo{
		Name:           c.Model.Name,
		ParamsBillions: c.Model.ParamsBillions,
		ContextLimit:   c.Model.ContextLimit,
		Quantization:   ctxmgr.Quantization(c.Model.Quantization),
	}
}

// PoolConfig maps the pool section onto the domain config.
func (c *Config) PoolConfig() ctxmgr.PoolConfig {
	return ctxmgr.PoolConfig{
		MinSize:       c.Pool.MinSize,
		MaxSize:       c.Pool.MaxSize,
		TargetSize:    c.Pool.TargetSize,
		AutoSize:      c.Pool.AutoSize,
		ReserveBuffer: uint64(c.Pool.ReserveBufferMB) << 20,
	}
}

// ThresholdLadder maps the thresholds section onto the domain type.
func (c *Config) ThresholdLadder() ctxmgr.Thresholds {
	return ctxmgr.Thresholds{
		Soft:     c.Thresholds.Soft,
		Hard:     c.Thresholds.Hard,
		Critical: c.Thresholds.Critical,
	}
}

// Strategy returns the configured compression strategy.
func (c *Config) Strategy() ctxmgr.Strategy {
	s, err := ctxmgr.ParseStrategy(c.Compression.Strategy)
	if err != nil {
		return ctxmgr.StrategyHybrid
	}
	return s
}

// CompressorConfig maps the compression section onto the domain config.
func (c *Config) CompressorConfig() ctxmgr.CompressorConfig {
	return ctxmgr.CompressorConfig{
		PreserveRecent:   c.Compression.PreserveRecent,
		SummaryMaxTokens: c.Compression.SummaryMaxTokens,
		SummaryTimeout:   c.Compression.SummaryTimeout,
	}
}

// CheckpointConfig maps the checkpoints section onto the domain config.
func (c *Config) CheckpointConfig() ctxmgr.CheckpointConfig {
	return ctxmgr.CheckpointConfig{
		MergeThreshold:  c.Checkpoints.MergeThreshold,
		FreshBudget:     c.Checkpoints.FreshBudget,
		CondensedBudget: c.Checkpoints.CondensedBudget,
		ArchivedBudget:  c.Checkpoints.ArchivedBudget,
		SummaryTimeout:  c.Checkpoints.SummaryTimeout,
	}
}

// GuardConfig maps the guard section onto the domain config.
func (c *Config) GuardConfig() ctxmgr.GuardConfig {
	return ctxmgr.GuardConfig{
		WaitTimeout:           c.Guard.WaitTimeout,
		RolloverRecentUsers:   c.Guard.RolloverRecentUsers,
		RolloverSummaryTokens: c.Guard.RolloverSummaryTokens,
	}
}

// SnapshotConfig maps the snapshots section onto the manager config.
func (c *Config) SnapshotConfig() snapshot.Config {
	return snapshot.Config{
		MaxCount:      c.Snapshots.MaxCount,
		AutoFraction:  c.Snapshots.AutoFraction,
		RetryAttempts: c.Snapshots.RetryAttempts,
		RetryBackoff:  c.Snapshots.RetryBackoff,
	}
}

// MonitorConfig maps the monitor section onto the monitor config.
func (c *Config) MonitorConfig() monitor.Config {
	return monitor.Config{
		Interval:     c.Monitor.PollInterval,
		LowWaterMark: c.Monitor.LowWater,
	}
}

// OllamaConfig maps the backend section onto the Ollama client config.
func (c *Config) OllamaConfig() llm.OllamaConfig {
	return llm.OllamaConfig{
		BaseURL: c.Backend.BaseURL,
		Model:   c.Model.Name,
		Timeout: c.Backend.Timeout,
	}
}

// OpenAIConfig maps the backend section onto the OpenAI client config.
func (c *Config) OpenAIConfig() llm.OpenAIConfig {
	return llm.OpenAIConfig{
		BaseURL: c.Backend.BaseURL,
		APIKey:  c.Backend.APIKey,
		Model:   c.Model.Name,
	}
}

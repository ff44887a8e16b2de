package context

import (
	"fmt"
	"math"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/Tecet/ollm-cli/internal/monitor"
)

// ModelInfo is the sizing-relevant shape of the active model.
type ModelInfo struct {
	Name string `json:"name"`
	// ParamsBillions is the parameter count in billions, e.g. 7 for a
	// 7B model.
	ParamsBillions float64 `json:"params_billions"`
	// ContextLimit is the model's own maximum context length; zero
	// means unknown.
	ContextLimit int          `json:"context_limit"`
	Quantization Quantization `json:"quantization"`
}

// PoolConfig bounds the computed ceiling. The ceiling is computed
// once at session start and held fixed; later low-memory signals
// produce warnings, never a resize.
type PoolConfig struct {
	MinSize    int  `json:"min_size"`
	MaxSize    int  `json:"max_size"`
	TargetSize int  `json:"target_size"`
	AutoSize   bool `json:"auto_size"`
	// ReserveBuffer is withheld from available accelerator memory
	// before sizing, in bytes.
	ReserveBuffer uint64 `json:"reserve_buffer"`
}

// DefaultPoolConfig returns the standard sizing bounds.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinSize:       2048,
		MaxSize:       32768,
		TargetSize:    8192,
		AutoSize:      true,
		ReserveBuffer: 1 << 30, // 1 GiB
	}
}

// Validate rejects impossible bounds. This is a startup check; a bad
// pool config never reaches a running session.
func (pc PoolConfig) Validate() error {
	if pc.MinSize <= 0 {
		return fmt.Errorf("pool min size must be positive, got %d", pc.MinSize)
	}
	if pc.MinSize > pc.MaxSize {
		return fmt.Errorf("pool min size %d exceeds max size %d", pc.MinSize, pc.MaxSize)
	}
	if pc.TargetSize < pc.MinSize || pc.TargetSize > pc.MaxSize {
		return fmt.Errorf("pool target size %d outside [%d, %d]", pc.TargetSize, pc.MinSize, pc.MaxSize)
	}
	return nil
}

// ComputeCeiling sizes the usable token ceiling from available
// memory, model size, and quantization:
//
//	bytesPerToken = paramsBillions * 1e9 * 0.0001 * bytesPerQuantUnit
//	usable        = available - reserveBuffer
//	ceiling       = clamp(floor(usable/bytesPerToken), minSize, min(maxSize, contextLimit))
//
// No usable memory returns minSize. With AutoSize off the configured
// target is clamped to the same bounds instead.
func ComputeCeiling(info monitor.MemoryInfo, model ModelInfo, cfg PoolConfig) int {
	upper := cfg.MaxSize
	if model.ContextLimit > 0 && model.ContextLimit < upper {
		upper = model.ContextLimit
	}

	if !cfg.AutoSize {
		return clampTokens(cfg.TargetSize, cfg.MinSize, upper)
	}

	usable := int64(info.AvailableBytes) - int64(cfg.ReserveBuffer)
	if usable <= 0 {
		return cfg.MinSize
	}

	bytesPerToken := model.ParamsBillions * 1e9 * 0.0001 * model.Quantization.BytesPerUnit()
	if bytesPerToken <= 0 {
		return cfg.MinSize
	}

	ceiling := int(math.Floor(float64(usable) / bytesPerToken))
	return clampTokens(ceiling, cfg.MinSize, upper)
}

func clampTokens(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// Usage is a point-in-time view of budget occupancy.
type Usage struct {
	Current    int     `json:"current"`
	Max        int     `json:"max"`
	Percentage float64 `json:"percentage"`
}

// Pool holds the fixed session ceiling and the current token usage.
// Usage is written by the session actor and read concurrently by the
// status surfaces.
type Pool struct {
	ceiling int
	model   ModelInfo

	mu      sync.RWMutex
	current int
}

// NewPool computes the ceiling once and fixes it for the pool's
// lifetime.
func NewPool(info monitor.MemoryInfo, model ModelInfo, cfg PoolConfig) *Pool {
	ceiling := ComputeCeiling(info, model, cfg)
	log.Info("context ceiling computed",
		"ceiling", ceiling,
		"available_bytes", info.AvailableBytes,
		"source", info.Source,
		"model", model.Name,
		"quantization", model.Quantization)
	return &Pool{ceiling: ceiling, model: model}
}

// Ceiling returns the fixed session ceiling.
func (p *Pool) Ceiling() int { return p.ceiling }

// Model returns the model the pool was sized for.
func (p *Pool) Model() ModelInfo { return p.model }

// SetCurrentTokens records the conversation's current total.
func (p *Pool) SetCurrentTokens(n int) {
	p.mu.Lock()
	p.current = n
	p.mu.Unlock()
}

// CurrentTokens returns the last recorded total.
func (p *Pool) CurrentTokens() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// GetUsage returns current occupancy against the ceiling.
func (p *Pool) GetUsage() Usage {
	p.mu.RLock()
	current := p.current
	p.mu.RUnlock()

	usage := Usage{Current: current, Max: p.ceiling}
	if p.ceiling > 0 {
		usage.Percentage = float64(current) / float64(p.ceiling)
	}
	return usage
}

// Package monitor tracks accelerator and host memory so the context
// pool can size itself and the memory guard can react to pressure.
// Probing is platform-specific and best-effort: a failed read degrades
// to the previous known value, never to an error on the query path.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultInterval is the polling cadence when none is configured.
	DefaultInterval = 5 * time.Second

	// DefaultLowWaterMark is the fraction of total memory below which
	// remaining availability is reported as a low-memory condition.
	DefaultLowWaterMark = 0.10
)

// MemoryInfo is a point-in-time view of the memory the model backend
// draws from. Source records which probe produced it.
type MemoryInfo struct {
	TotalBytes     uint64 `json:"total_bytes"`
	UsedBytes      uint64 `json:"used_bytes"`
	AvailableBytes uint64 `json:"available_bytes"`
	Source         string `json:"source"`
}

// Low reports whether available memory has fallen under the given
// fraction of total. A zero-valued info (no probe succeeded yet) is
// never considered low; callers treat it as unknown instead.
func (mi MemoryInfo) Low(fraction float64) bool {
	if mi.TotalBytes == 0 {
		return false
	}
	return float64(mi.AvailableBytes) < float64(mi.TotalBytes)*fraction
}

// Config controls polling cadence and the low-memory watermark.
type Config struct {
	Interval     time.Duration
	LowWaterMark float64
}

// Monitor polls memory on a fixed interval and fans low-memory signals
// out to registered callbacks. Query never blocks on a slow probe more
// than once: concurrent callers share a single in-flight probe and
// results are memoized for the polling interval.
type Monitor struct {
	interval time.Duration
	lowWater float64
	probe    func() (MemoryInfo, bool)

	group singleflight.Group

	mu        sync.RWMutex
	last      MemoryInfo
	probedAt  time.Time
	callbacks []func(MemoryInfo)

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a monitor using the platform probe. Zero config fields
// fall back to defaults.
func New(cfg Config) *Monitor {
	return newWithProbe(cfg, probeMemory)
}

// newWithProbe lets tests substitute a scripted probe.
func newWithProbe(cfg Config, probe func() (MemoryInfo, bool)) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.LowWaterMark <= 0 || cfg.LowWaterMark >= 1 {
		cfg.LowWaterMark = DefaultLowWaterMark
	}
	return &Monitor{
		interval: cfg.Interval,
		lowWater: cfg.LowWaterMark,
		probe:    probe,
	}
}

// Query returns the freshest memory view. Within one polling interval
// the memoized value is returned; past that a new probe runs, shared
// across concurrent callers. A failing probe keeps the previous value.
func (m *Monitor) Query() MemoryInfo {
	m.mu.RLock()
	fresh := time.Since(m.probedAt) < m.interval && !m.probedAt.IsZero()
	last := m.last
	m.mu.RUnlock()
	if fresh {
		return last
	}

	v, _, _ := m.group.Do("probe", func() (interface{}, error) {
		return m.refresh(), nil
	})
	return v.(MemoryInfo)
}

// refresh runs the probe and records the result. On probe failure the
// previous value is kept and only the timestamp advances, so a flaky
// source is retried once per interval instead of on every call.
func (m *Monitor) refresh() MemoryInfo {
	info, ok := m.probe()

	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		m.last = info
	} else if m.last.TotalBytes != 0 {
		log.Warn("memory probe failed, keeping previous reading",
			"source", m.last.Source,
			"available_bytes", m.last.AvailableBytes)
	}
	m.probedAt = time.Now()
	return m.last
}

// OnLowMemory registers a callback invoked from the polling loop each
// time a poll observes availability under the low-water mark. The
// callback runs on the monitor goroutine and must not block.
func (m *Monitor) OnLowMemory(cb func(MemoryInfo)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Start launches the polling loop. It is independent of the request
// path; queries stay served from the memoized value while it runs.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.done != nil {
		m.mu.Unlock()
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go m.run(ctx, done)
}

// Stop terminates the polling loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info := m.refresh()
			if info.Low(m.lowWater) {
				log.Warn("low memory",
					"source", info.Source,
					"available_bytes", info.AvailableBytes,
					"total_bytes", info.TotalBytes)
				m.notify(info)
			}
		}
	}
}

func (m *Monitor) notify(info MemoryInfo) {
	m.mu.RLock()
	cbs := make([]func(MemoryInfo), len(m.callbacks))
	copy(cbs, m.callbacks)
	m.mu.RUnlock()
	for _, cb := range cbs {
		cb(info)
	}
}

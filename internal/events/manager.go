package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Manager owns one typed broker per event category plus a generic
// broker that mirrors everything, for surfaces that want one stream.
type Manager struct {
	usageBroker       *Broker[UsagePayload]
	memoryBroker      *Broker[MemoryPayload]
	compressionBroker *Broker[CompressionPayload]
	checkpointBroker  *Broker[CheckpointPayload]
	snapshotBroker    *Broker[SnapshotPayload]
	sessionBroker     *Broker[SessionPayload]
	gateBroker        *Broker[GatePayload]
	systemBroker      *Broker[SystemPayload]

	genericBroker *Broker[any]

	mu      sync.Mutex
	started bool
}

// NewManager creates a manager with all brokers ready.
func NewManager() *Manager {
	return &Manager{
		usageBroker:       NewBroker[UsagePayload](),
		memoryBroker:      NewBroker[MemoryPayload](),
		compressionBroker: NewBroker[CompressionPayload](),
		checkpointBroker:  NewBroker[CheckpointPayload](),
		snapshotBroker:    NewBroker[SnapshotPayload](),
		sessionBroker:     NewBroker[SessionPayload](),
		gateBroker:        NewBroker[GatePayload](),
		systemBroker:      NewBroker[SystemPayload](),
		genericBroker:     NewBroker[any](),
	}
}

// Start marks the manager live and announces it.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("event manager already started")
	}
	m.started = true

	m.PublishSystem(SystemStarted, SystemPayload{Component: "events", Status: "started"})
	return nil
}

// Shutdown closes every broker. Safe to call more than once.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return
	}
	m.started = false

	m.systemBroker.Publish(SystemShutdown, SystemPayload{Component: "events", Status: "shutting_down"})

	m.usageBroker.Shutdown()
	m.memoryBroker.Shutdown()
	m.compressionBroker.Shutdown()
	m.checkpointBroker.Shutdown()
	m.snapshotBroker.Shutdown()
	m.sessionBroker.Shutdown()
	m.gateBroker.Shutdown()
	m.systemBroker.Shutdown()
	m.genericBroker.Shutdown()

	log.Debug("event manager shut down")
}

func (m *Manager) PublishUsage(eventType EventType, payload UsagePayload, opts ...PublishOption) {
	m.usageBroker.Publish(eventType, payload, opts...)
	m.genericBroker.Publish(eventType, payload, opts...)
}

func (m *Manager) SubscribeUsage(ctx context.Context, filters ...EventFilter) <-chan Event[UsagePayload] {
	return m.usageBroker.Subscribe(ctx, filters...)
}

func (m *Manager) PublishMemory(eventType EventType, payload MemoryPayload, opts ...PublishOption) {
	m.memoryBroker.Publish(eventType, payload, opts...)
	m.genericBroker.Publish(eventType, payload, opts...)
}

func (m *Manager) SubscribeMemory(ctx context.Context, filters ...EventFilter) <-chan Event[MemoryPayload] {
	return m.memoryBroker.Subscribe(ctx, filters...)
}

func (m *Manager) PublishCompression(eventType EventType, payload CompressionPayload, opts ...PublishOption) {
	m.compressionBroker.Publish(eventType, payload, opts...)
	m.genericBroker.Publish(eventType, payload, opts...)
}

func (m *Manager) SubscribeCompression(ctx context.Context, filters ...EventFilter) <-chan Event[CompressionPayload] {
	return m.compressionBroker.Subscribe(ctx, filters...)
}

func (m *Manager) PublishCheckpoint(eventType EventType, payload CheckpointPayload, opts ...PublishOption) {
	m.checkpointBroker.Publish(eventType, payload, opts...)
	m.genericBroker.Publish(eventType, payload, opts...)
}

func (m *Manager) SubscribeCheckpoint(ctx context.Context, filters ...EventFilter) <-chan Event[CheckpointPayload] {
	return m.checkpointBroker.Subscribe(ctx, filters...)
}

func (m *Manager) PublishSnapshot(eventType EventType, payload SnapshotPayload, opts ...PublishOption) {
	m.snapshotBroker.Publish(eventType, payload, opts...)
	m.genericBroker.Publish(eventType, payload, opts...)
}

func (m *Manager) SubscribeSnapshot(ctx context.Context, filters ...EventFilter) <-chan Event[SnapshotPayload] {
	return m.snapshotBroker.Subscribe(ctx, filters...)
}

func (m *Manager) PublishSession(eventType EventType, payload SessionPayload, opts ...PublishOption) {
	m.sessionBroker.Publish(eventType, payload, opts...)
	m.genericBroker.Publish(eventType, payload, opts...)
}

func (m *Manager) SubscribeSession(ctx context.Context, filters ...EventFilter) <-chan Event[SessionPayload] {
	return m.sessionBroker.Subscribe(ctx, filters...)
}

func (m *Manager) PublishGate(eventType EventType, payload GatePayload, opts ...PublishOption) {
	m.gateBroker.Publish(eventType, payload, opts...)
	m.genericBroker.Publish(eventType, payload, opts...)
}

func (m *Manager) SubscribeGate(ctx context.Context, filters ...EventFilter) <-chan Event[GatePayload] {
	return m.gateBroker.Subscribe(ctx, filters...)
}

func (m *Manager) PublishSystem(eventType EventType, payload SystemPayload, opts ...PublishOption) {
	m.systemBroker.Publish(eventType, payload, opts...)
	m.genericBroker.Publish(eventType, payload, opts...)
}

func (m *Manager) SubscribeSystem(ctx context.Context, filters ...EventFilter) <-chan Event[SystemPayload] {
	return m.systemBroker.Subscribe(ctx, filters...)
}

// SubscribeAll returns the mirrored stream of every category.
func (m *Manager) SubscribeAll(ctx context.Context, filters ...EventFilter) <-chan Event[any] {
	return m.genericBroker.Subscribe(ctx, filters...)
}

// ReplayAll streams the mirrored history since the given time, then
// live events, on one channel.
func (m *Manager) ReplayAll(ctx context.Context, since time.Time, filters ...EventFilter) <-chan Event[any] {
	return m.genericBroker.Replay(ctx, since, filters...)
}

// History returns the mirrored history of every category.
func (m *Manager) History(filters ...EventFilter) []Event[any] {
	return m.genericBroker.GetHistory(filters...)
}

// ManagerStats aggregates per-broker statistics.
type ManagerStats struct {
	Started     bool        `json:"started"`
	Usage       BrokerStats `json:"usage"`
	Memory      BrokerStats `json:"memory"`
	Compression BrokerStats `json:"compression"`
	Checkpoint  BrokerStats `json:"checkpoint"`
	Snapshot    BrokerStats `json:"snapshot"`
	Session     BrokerStats `json:"session"`
	Gate        BrokerStats `json:"gate"`
	System      BrokerStats `json:"system"`
	Generic     BrokerStats `json:"generic"`
}

// GetStats returns statistics for every broker.
func (m *Manager) GetStats() ManagerStats {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()

	return ManagerStats{
		Started:     started,
		Usage:       m.usageBroker.GetStats(),
		Memory:      m.memoryBroker.GetStats(),
		Compression: m.compressionBroker.GetStats(),
		Checkpoint:  m.checkpointBroker.GetStats(),
		Snapshot:    m.snapshotBroker.GetStats(),
		Session:     m.sessionBroker.GetStats(),
		Gate:        m.gateBroker.GetStats(),
		System:      m.systemBroker.GetStats(),
		Generic:     m.genericBroker.GetStats(),
	}
}

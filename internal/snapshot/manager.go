// Package snapshot captures, lists, and restores point-in-time copies
// of a conversation.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	ctxmgr "github.com/Tecet/ollm-cli/internal/context"
	"github.com/Tecet/ollm-cli/internal/events"
	"github.com/Tecet/ollm-cli/internal/storage"
)

// Store is the persistence surface the manager writes through.
// *storage.Store satisfies it.
type Store interface {
	SaveSnapshot(ctx context.Context, rec *storage.SnapshotRecord) error
	GetSnapshot(ctx context.Context, id string) (*storage.SnapshotRecord, error)
	ListSnapshots(ctx context.Context, sessionID string) ([]storage.SnapshotInfo, error)
	DeleteSnapshot(ctx context.Context, id string) error
	PruneSnapshots(ctx context.Context, sessionID string, keep int) (int, error)
}

// Config controls snapshot retention and storage retries.
type Config struct {
	// MaxCount is how many snapshots per session the rolling cleanup
	// retains after each successful creation. Zero or negative
	// disables the cleanup.
	MaxCount int
	// AutoFraction is the usage fraction at which the registered
	// auto-capture callback fires.
	AutoFraction float64
	// RetryAttempts is the number of storage attempts per operation.
	RetryAttempts int
	// RetryBackoff is the delay before the first retry; it doubles on
	// each subsequent one.
	RetryBackoff time.Duration
}

// DefaultConfig returns the standard retention and retry settings.
func DefaultConfig() Config {
	return Config{
		MaxCount:      10,
		AutoFraction:  0.80,
		RetryAttempts: 3,
		RetryBackoff:  100 * time.Millisecond,
	}
}

// Manager creates and restores snapshots through a Store, publishing a
// snapshot event after every committed change.
type Manager struct {
	store  Store
	events *events.Manager
	cfg    Config

	mu     sync.Mutex
	armed  bool
	onAuto func(reason string)
}

// NewManager creates a snapshot manager. The events manager may be nil;
// snapshots then happen silently.
func NewManager(store Store, ev *events.Manager, cfg Config) *Manager {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultConfig().RetryBackoff
	}
	if cfg.AutoFraction <= 0 || cfg.AutoFraction > 1 {
		cfg.AutoFraction = DefaultConfig().AutoFraction
	}

	return &Manager{
		store:  store,
		events: ev,
		cfg:    cfg,
		armed:  true,
	}
}

// Create captures an immutable copy of the conversation and persists
// it. After a successful write the rolling cleanup trims the session to
// the configured retention.
func (m *Manager) Create(ctx context.Context, conv *ctxmgr.Conversation) (ctxmgr.Snapshot, error) {
	return m.create(ctx, conv, "manual")
}

// Capture creates a snapshot tagged with a reason. It satisfies the
// memory guard's snapshot dependency.
func (m *Manager) Capture(ctx context.Context, conv *ctxmgr.Conversation, reason string) (string, error) {
	snap, err := m.create(ctx, conv, reason)
	if err != nil {
		return "", err
	}
	return snap.ID, nil
}

func (m *Manager) create(ctx context.Context, conv *ctxmgr.Conversation, reason string) (ctxmgr.Snapshot, error) {
	clone := conv.Clone()

	snap := ctxmgr.Snapshot{
		ID:          uuid.NewString(),
		SessionID:   clone.SessionID,
		CreatedAt:   time.Now(),
		TokenCount:  clone.TokenCount,
		Summary:     fmt.Sprintf("%d messages, %d tokens (%s)", len(clone.Messages), clone.TokenCount, reason),
		Messages:    clone.Messages,
		Checkpoints: clone.Checkpoints,
		Metadata:    map[string]string{"reason": reason},
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return ctxmgr.Snapshot{}, fmt.Errorf("marshal snapshot: %w", err)
	}

	rec := &storage.SnapshotRecord{
		ID:         snap.ID,
		SessionID:  snap.SessionID,
		CreatedAt:  snap.CreatedAt,
		TokenCount: snap.TokenCount,
		Summary:    snap.Summary,
		Payload:    payload,
	}

	err = m.withRetry(ctx, "save snapshot", func() error {
		return m.store.SaveSnapshot(ctx, rec)
	})
	if err != nil {
		return ctxmgr.Snapshot{}, err
	}

	m.publish(events.SnapshotCreated, snap.SessionID, snap.ID, reason, snap.TokenCount)
	log.Debug("snapshot created", "session", snap.SessionID, "id", snap.ID, "reason", reason, "tokens", snap.TokenCount)

	if m.cfg.MaxCount > 0 {
		if err := m.Cleanup(ctx, snap.SessionID, m.cfg.MaxCount); err != nil {
			// The snapshot itself is committed; retention catches up
			// on the next pass.
			log.Warn("snapshot cleanup failed", "session", snap.SessionID, "error", err)
		}
	}

	return snap, nil
}

// Restore loads a snapshot by ID. The caller receives an independent
// copy decoded from the stored blob; restoring never mutates it.
func (m *Manager) Restore(ctx context.Context, id string) (ctxmgr.Snapshot, error) {
	var rec *storage.SnapshotRecord
	err := m.withRetry(ctx, "load snapshot", func() error {
		var inner error
		rec, inner = m.store.GetSnapshot(ctx, id)
		return inner
	})
	if err != nil {
		return ctxmgr.Snapshot{}, err
	}

	var snap ctxmgr.Snapshot
	if err := json.Unmarshal(rec.Payload, &snap); err != nil {
		return ctxmgr.Snapshot{}, fmt.Errorf("decode snapshot %s: %w", id, err)
	}

	m.publish(events.SnapshotRestored, snap.SessionID, snap.ID, "restore", snap.TokenCount)
	return snap, nil
}

// List returns the snapshot listings of a session, newest first.
func (m *Manager) List(ctx context.Context, sessionID string) ([]ctxmgr.SnapshotMeta, error) {
	infos, err := m.store.ListSnapshots(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	metas := make([]ctxmgr.SnapshotMeta, len(infos))
	for i, info := range infos {
		metas[i] = ctxmgr.SnapshotMeta{
			ID:         info.ID,
			SessionID:  info.SessionID,
			CreatedAt:  info.CreatedAt,
			TokenCount: info.TokenCount,
			Summary:    info.Summary,
		}
	}
	return metas, nil
}

// Delete removes a snapshot by ID.
func (m *Manager) Delete(ctx context.Context, id string) error {
	rec, err := m.store.GetSnapshot(ctx, id)
	if err != nil {
		return err
	}

	err = m.withRetry(ctx, "delete snapshot", func() error {
		return m.store.DeleteSnapshot(ctx, id)
	})
	if err != nil {
		return err
	}

	m.publish(events.SnapshotDeleted, rec.SessionID, id, "delete", rec.TokenCount)
	return nil
}

// Cleanup trims a session to its maxCount most recent snapshots.
func (m *Manager) Cleanup(ctx context.Context, sessionID string, maxCount int) error {
	deleted, err := m.store.PruneSnapshots(ctx, sessionID, maxCount)
	if err != nil {
		return err
	}
	if deleted > 0 {
		log.Debug("snapshots pruned", "session", sessionID, "deleted", deleted, "kept", maxCount)
	}
	return nil
}

// RegisterAutoCapture installs fn to run the first time the observed
// usage fraction crosses the configured threshold. The trigger re-arms
// once usage falls back below it.
func (m *Manager) RegisterAutoCapture(fn func(reason string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAuto = fn
	m.armed = true
}

// ObserveUsage feeds the auto-capture trigger with the current usage
// fraction. The callback runs on the caller's goroutine.
func (m *Manager) ObserveUsage(fraction float64) {
	m.mu.Lock()
	fn := m.onAuto
	fire := false
	if fraction >= m.cfg.AutoFraction {
		if m.armed && fn != nil {
			fire = true
			m.armed = false
		}
	} else {
		m.armed = true
	}
	m.mu.Unlock()

	if fire {
		fn("auto-threshold")
	}
}

// withRetry runs fn up to the configured attempt count with a doubling
// backoff between attempts. A missing row is definitive and is never
// retried.
func (m *Manager) withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := m.cfg.RetryBackoff
	var err error
	for attempt := 1; attempt <= m.cfg.RetryAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if attempt == m.cfg.RetryAttempts {
			break
		}
		log.Warn("snapshot store operation failed, retrying",
			"op", op, "attempt", attempt, "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return fmt.Errorf("%s after %d attempts: %w", op, m.cfg.RetryAttempts, err)
}

func (m *Manager) publish(eventType events.EventType, sessionID, snapshotID, reason string, tokens int) {
	if m.events == nil {
		return
	}
	m.events.PublishSnapshot(eventType, events.SnapshotPayload{
		SessionID:  sessionID,
		SnapshotID: snapshotID,
		Reason:     reason,
		TokenCount: tokens,
	}, events.WithSessionID(sessionID))
}

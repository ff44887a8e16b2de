package events

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

const (
	defaultBufferSize = 64
	defaultMaxEvents  = 1000
)

// Broker is a typed publish-subscribe broker. Publishing never blocks:
// a subscriber that cannot keep up loses events rather than stalling
// the session core.
type Broker[T any] struct {
	mu       sync.RWMutex
	subs     map[chan Event[T]]SubscriberInfo
	done     chan struct{}
	subCount int

	bufferSize int
	maxEvents  int

	historyMu sync.RWMutex
	history   []Event[T]
}

// SubscriberInfo describes one subscription.
type SubscriberInfo struct {
	ID      string
	Filters []EventFilter
	Created time.Time
}

// NewBroker creates a broker with default buffering and history.
func NewBroker[T any]() *Broker[T] {
	return NewBrokerWithOptions[T](defaultBufferSize, defaultMaxEvents)
}

// NewBrokerWithOptions creates a broker with explicit channel buffer
// and history sizes.
func NewBrokerWithOptions[T any](bufferSize, maxEvents int) *Broker[T] {
	return &Broker[T]{
		subs:       make(map[chan Event[T]]SubscriberInfo),
		done:       make(chan struct{}),
		bufferSize: bufferSize,
		maxEvents:  maxEvents,
		history:    make([]Event[T], 0, maxEvents),
	}
}

// Publish delivers an event to every matching subscriber and records
// it in the history ring.
func (b *Broker[T]) Publish(eventType EventType, payload T, opts ...PublishOption) {
	select {
	case <-b.done:
		return
	default:
	}

	options := &PublishOptions{}
	for _, opt := range opts {
		opt(options)
	}

	event := Event[T]{
		ID:        uuid.NewString(),
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
		SessionID: options.SessionID,
		Metadata:  options.Metadata,
	}

	b.addToHistory(event)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, info := range b.subs {
		if !matchesFilters(event, info.Filters) {
			continue
		}
		select {
		case ch <- event:
		default:
			log.Warn("event channel full, dropping event",
				"subscriber", info.ID, "type", event.Type)
		}
	}
}

// Subscribe registers a subscriber. The channel closes when ctx is
// done or the broker shuts down.
func (b *Broker[T]) Subscribe(ctx context.Context, filters ...EventFilter) <-chan Event[T] {
	select {
	case <-b.done:
		ch := make(chan Event[T])
		close(ch)
		return ch
	default:
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event[T], b.bufferSize)
	b.subs[ch] = SubscriberInfo{
		ID:      uuid.NewString(),
		Filters: filters,
		Created: time.Now(),
	}
	b.subCount++

	go func() {
		select {
		case <-ctx.Done():
			b.unsubscribe(ch)
		case <-b.done:
		}
	}()

	return ch
}

func (b *Broker[T]) unsubscribe(ch chan Event[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subs[ch]; exists {
		delete(b.subs, ch)
		close(ch)
		b.subCount--
	}
}

func matchesFilters[T any](event Event[T], filters []EventFilter) bool {
	if len(filters) == 0 {
		return true
	}
	anyEvent := Event[any]{
		ID:        event.ID,
		Type:      event.Type,
		Payload:   event.Payload,
		Timestamp: event.Timestamp,
		SessionID: event.SessionID,
		Metadata:  event.Metadata,
	}
	for _, filter := range filters {
		if !filter(anyEvent) {
			return false
		}
	}
	return true
}

func (b *Broker[T]) addToHistory(event Event[T]) {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()

	b.history = append(b.history, event)
	if len(b.history) > b.maxEvents {
		copy(b.history, b.history[len(b.history)-b.maxEvents:])
		b.history = b.history[:b.maxEvents]
	}
}

// GetHistory returns recorded events matching the filters, oldest
// first.
func (b *Broker[T]) GetHistory(filters ...EventFilter) []Event[T] {
	b.historyMu.RLock()
	defer b.historyMu.RUnlock()

	if len(filters) == 0 {
		out := make([]Event[T], len(b.history))
		copy(out, b.history)
		return out
	}

	var out []Event[T]
	for _, event := range b.history {
		if matchesFilters(event, filters) {
			out = append(out, event)
		}
	}
	return out
}

// Replay streams history since the given time, then live events, on
// one channel. Used by surfaces that attach mid-session.
func (b *Broker[T]) Replay(ctx context.Context, since time.Time, filters ...EventFilter) <-chan Event[T] {
	ch := make(chan Event[T], b.bufferSize)

	go func() {
		defer close(ch)

		b.historyMu.RLock()
		var backlog []Event[T]
		for _, event := range b.history {
			if event.Timestamp.After(since) && matchesFilters(event, filters) {
				backlog = append(backlog, event)
			}
		}
		b.historyMu.RUnlock()

		for _, event := range backlog {
			select {
			case ch <- event:
			case <-ctx.Done():
				return
			}
		}

		live := b.Subscribe(ctx, filters...)
		for {
			select {
			case event, ok := <-live:
				if !ok {
					return
				}
				select {
				case ch <- event:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// BrokerStats is a point-in-time view of a broker.
type BrokerStats struct {
	SubscriberCount int  `json:"subscriber_count"`
	EventHistory    int  `json:"event_history"`
	MaxEvents       int  `json:"max_events"`
	BufferSize      int  `json:"buffer_size"`
	IsShutdown      bool `json:"is_shutdown"`
}

// GetStats returns broker statistics.
func (b *Broker[T]) GetStats() BrokerStats {
	b.mu.RLock()
	subCount := b.subCount
	b.mu.RUnlock()

	b.historyMu.RLock()
	historyCount := len(b.history)
	b.historyMu.RUnlock()

	return BrokerStats{
		SubscriberCount: subCount,
		EventHistory:    historyCount,
		MaxEvents:       b.maxEvents,
		BufferSize:      b.bufferSize,
		IsShutdown:      b.isShutdown(),
	}
}

func (b *Broker[T]) isShutdown() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// Shutdown closes every subscriber channel and stops accepting
// publishes.
func (b *Broker[T]) Shutdown() {
	select {
	case <-b.done:
		return
	default:
		close(b.done)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
	b.subCount = 0
}

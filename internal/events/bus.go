package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/educast/studio/internal/logger"
)

// Bus is the engine's event bus. Publishing is non-blocking: when the
// buffer is full the event is dropped with a warning rather than
// stalling a media goroutine.
type Bus struct {
	config  BusConfig
	storage *Storage

	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	recent        []Event
	running       bool
	eventCh       chan Event
	stopCh        chan struct{}
	wg            sync.WaitGroup
}

// NewBus creates a new event bus. storage may be nil to disable
// persistence.
func NewBus(config BusConfig, storage *Storage) *Bus {
	return &Bus{
		config:        config,
		storage:       storage,
		subscriptions: make(map[string]*Subscription),
		recent:        make([]Event, 0, config.MaxStoredEvents),
		eventCh:       make(chan Event, config.BufferSize),
		stopCh:        make(chan struct{}),
	}
}

// Start starts the event bus
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return fmt.Errorf("event bus is already running")
	}
	b.running = true
	b.stopCh = make(chan struct{})
	b.wg.Add(1)
	go b.process(ctx)
	logger.Info("Event bus started (buffer %d)", b.config.BufferSize)
	return nil
}

// Stop stops the event bus gracefully
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	b.mu.Unlock()

	close(b.stopCh)
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("Event bus stopped")
		return nil
	case <-ctx.Done():
		logger.Warn("Event bus stop timed out")
		return ctx.Err()
	}
}

// Publish publishes an event without blocking the caller
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	running := b.running
	b.mu.RUnlock()
	if !running {
		return
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Priority == 0 {
		event.Priority = PriorityNormal
	}
	select {
	case b.eventCh <- event:
	default:
		logger.Warn("Event channel full, dropping event %s (%s)", event.ID, event.Type)
	}
}

// Subscribe subscribes to events matching the filter
func (b *Bus) Subscribe(filter EventFilter, handler EventHandler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &Subscription{
		ID:      "sub-" + uuid.New().String(),
		Filter:  filter,
		Handler: handler,
		Created: time.Now(),
	}
	b.subscriptions[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscription
func (b *Bus) Unsubscribe(subscriptionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.subscriptions[subscriptionID]; !exists {
		return fmt.Errorf("subscription not found: %s", subscriptionID)
	}
	delete(b.subscriptions, subscriptionID)
	return nil
}

// Recent returns up to limit stored events matching the filter,
// newest last.
func (b *Bus) Recent(filter EventFilter, limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, 0, limit)
	for _, event := range b.recent {
		if filter.Matches(event) {
			out = append(out, event)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Health returns an error when the bus is stopped or badly backed up
func (b *Bus) Health() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.running {
		return fmt.Errorf("event bus is not running")
	}
	usage := float64(len(b.eventCh)) / float64(cap(b.eventCh))
	if usage > 0.9 {
		return fmt.Errorf("event channel is %d%% full", int(usage*100))
	}
	return nil
}

func (b *Bus) process(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		case event := <-b.eventCh:
			b.handle(event)
		}
	}
}

func (b *Bus) handle(event Event) {
	if b.config.Persist && b.storage != nil {
		if err := b.storage.Store(event); err != nil {
			logger.Error("Failed to persist event %s: %v", event.ID, err)
		}
	}

	b.mu.Lock()
	b.recent = append(b.recent, event)
	if len(b.recent) > b.config.MaxStoredEvents {
		b.recent = b.recent[1:]
	}
	var matched []*Subscription
	for _, sub := range b.subscriptions {
		if sub.Filter.Matches(event) {
			matched = append(matched, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range matched {
		b.notify(sub, event)
	}
}

func (b *Bus) notify(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic in event handler %s: %v", sub.ID, r)
		}
	}()
	sub.Handler(event)
	b.mu.Lock()
	sub.TriggerCount++
	b.mu.Unlock()
}

// Package notify fans sync events out to message backends so that other
// devices know there is something new to pull.
package notify

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"possync/backend/internal/domain"
)

type EventType string

const (
	EventItemCompleted EventType = "sync.item.completed"
	EventItemConflict  EventType = "sync.item.conflict"
	EventItemFailed    EventType = "sync.item.failed"
	EventItemResolved  EventType = "sync.item.resolved"
)

type SyncEvent struct {
	Type        EventType          `json:"type"`
	QueueItemID string             `json:"queue_item_id"`
	ShopID      string             `json:"shop_id"`
	DeviceID    string             `json:"device_id"`
	EntityType  domain.EntityType  `json:"entity_type"`
	EntityID    string             `json:"entity_id"`
	Action      domain.Action      `json:"action"`
	Status      domain.QueueStatus `json:"status"`
	Resolution  domain.Resolution  `json:"resolution,omitempty"`
	At          time.Time          `json:"at"`
}

// Backend is the interface for event delivery backends.
type Backend interface {
	Name() string
	Publish(ctx context.Context, payload []byte) error
	Close() error
}

// Publisher is what the sync service depends on.
type Publisher interface {
	Publish(event SyncEvent)
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(SyncEvent) {}

// Dispatcher delivers events to every registered backend from a bounded
// worker pool. A full queue drops the event; delivery is best effort.
type Dispatcher struct {
	mu         sync.Mutex
	backends   []Backend
	eventCh    chan SyncEvent
	wg         sync.WaitGroup
	maxWorkers int
	timeout    time.Duration
	stopped    bool
}

func NewDispatcher(maxWorkers int, queueSize int, timeout time.Duration) *Dispatcher {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if queueSize < 1 {
		queueSize = 256
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{
		eventCh:    make(chan SyncEvent, queueSize),
		maxWorkers: maxWorkers,
		timeout:    timeout,
	}
}

// AddBackend registers a delivery backend.
func (d *Dispatcher) AddBackend(b Backend) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.backends = append(d.backends, b)
	log.Printf("[notify] backend registered: %s", b.Name())
}

func (d *Dispatcher) Backends() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.backends)
}

func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.maxWorkers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case event, ok := <-d.eventCh:
					if !ok {
						return
					}
					d.deliver(event)
				}
			}
		}()
	}
}

func (d *Dispatcher) Publish(event SyncEvent) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	select {
	case d.eventCh <- event:
	default:
		log.Printf("[notify] WARN: event queue full, dropping %s for %s/%s", event.Type, event.EntityType, event.EntityID)
	}
}

func (d *Dispatcher) deliver(event SyncEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("[notify] WARN: marshal %s: %v", event.Type, err)
		return
	}

	d.mu.Lock()
	backends := make([]Backend, len(d.backends))
	copy(backends, d.backends)
	d.mu.Unlock()

	for _, b := range backends {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := b.Publish(ctx, payload); err != nil {
			log.Printf("[notify] WARN: %s publish %s failed: %v", b.Name(), event.Type, err)
		}
		cancel()
	}
}

// Stop drains queued events and closes every backend.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.eventCh)
	d.mu.Unlock()
	d.wg.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, b := range d.backends {
		if err := b.Close(); err != nil {
			log.Printf("[notify] close %s: %v", b.Name(), err)
		}
	}
}

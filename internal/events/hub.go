package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/narvanalabs/botpanel/internal/models"
)

// DefaultBufferSize is the capacity of each subscriber channel.
const DefaultBufferSize = 64

// Subscriber receives hub events on Ch until unsubscribed.
type Subscriber struct {
	ID        string
	Ch        chan Event
	CreatedAt time.Time
}

// Hub manages subscriptions and publishing. Slow subscribers lose events
// rather than blocking publishers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	bufferSize  int
	logger      *slog.Logger
	now         func() time.Time
}

// NewHub creates a new event hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[string]*Subscriber),
		bufferSize:  DefaultBufferSize,
		logger:      logger,
		now:         time.Now,
	}
}

// Subscribe registers a new subscriber.
func (h *Hub) Subscribe() *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &Subscriber{
		ID:        uuid.New().String(),
		Ch:        make(chan Event, h.bufferSize),
		CreatedAt: h.now(),
	}
	h.subscribers[sub.ID] = sub
	h.logger.Debug("subscriber added", "subscriber_id", sub.ID)
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.subscribers[sub.ID]; exists {
		close(sub.Ch)
		delete(h.subscribers, sub.ID)
		h.logger.Debug("subscriber removed", "subscriber_id", sub.ID)
	}
}

// Publish sends an event to every subscriber.
func (h *Hub) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = h.now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscribers {
		select {
		case sub.Ch <- ev:
		default:
			h.logger.Warn("subscriber channel full, dropping event",
				"subscriber_id", sub.ID,
				"type", ev.Type,
			)
		}
	}
}

// PublishHostMetrics publishes a system-monitor event.
func (h *Hub) PublishHostMetrics(m *models.HostMetrics) {
	if m == nil {
		return
	}
	h.Publish(Event{Type: TypeSystemMonitor, Data: m})
}

// PublishWorkloads publishes a workload-list event.
func (h *Hub) PublishWorkloads(ws []*models.Workload) {
	if ws == nil {
		ws = []*models.Workload{}
	}
	h.Publish(Event{Type: TypeWorkloadList, Data: ws})
}

// SubscriberCount returns the number of active subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

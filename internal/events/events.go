// Package events provides the publish capability the engines emit
// into. Delivery is fire-and-forget: handlers run isolated and their
// failures never fail the originating order operation.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Event names emitted by the engines.
const (
	OrderCreated      = "OrderCreated"
	OrderCancelled    = "OrderCancelled"
	OperationExecuted = "OperationExecuted"
	BalanceUpdated    = "BalanceUpdated"
	RankingUpdated    = "RankingUpdated"
	RankingReset      = "RankingReset"
)

// Event is the envelope handed to subscribers.
type Event struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload"`
}

// Publisher is what the engines depend on.
type Publisher interface {
	Publish(name string, payload any)
}

// Handler receives published events.
type Handler func(Event)

// Bus is an in-process Publisher with named subscriptions. It is
// injected into the engines at construction; there is no process-wide
// instance.
type Bus struct {
	log *logrus.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewBus creates an empty bus logging handler failures to log.
func NewBus(log *logrus.Logger) *Bus {
	return &Bus{
		log:      log,
		handlers: make(map[string][]Handler),
	}
}

// Subscribe registers a handler for one event name.
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	b.handlers[name] = append(b.handlers[name], h)
	b.mu.Unlock()
}

// Publish delivers the event to all handlers for its name. Each
// handler runs in its own goroutine; panics are recovered and logged
// so a broken subscriber cannot take down an order operation.
func (b *Bus) Publish(name string, payload any) {
	ev := Event{
		ID:         uuid.NewString(),
		Name:       name,
		OccurredAt: time.Now(),
		Payload:    payload,
	}

	b.mu.RLock()
	handlers := b.handlers[name]
	b.mu.RUnlock()

	for _, h := range handlers {
		h := h
		go func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.WithFields(logrus.Fields{
						"event": name,
						"panic": r,
					}).Error("event handler panicked")
				}
			}()
			h(ev)
		}()
	}
}

package core

import (
	"sync"

	"github.com/web3guy0/spikebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ROUTER - Routes spike events to listeners by symbol subscription
// ═══════════════════════════════════════════════════════════════════════════════

// SpikeListener consumes spike events for subscribed symbols.
type SpikeListener interface {
	OnSpike(event types.SpikeEvent)
}

type Router struct {
	mu            sync.RWMutex
	subscriptions map[string][]SpikeListener // symbol -> listeners
}

// NewRouter creates a new event router.
func NewRouter() *Router {
	return &Router{
		subscriptions: make(map[string][]SpikeListener),
	}
}

// Subscribe registers a listener for a symbol.
func (r *Router) Subscribe(symbol string, l SpikeListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscriptions[symbol] = append(r.subscriptions[symbol], l)
}

// SubscribeAll registers a listener for every symbol.
func (r *Router) SubscribeAll(l SpikeListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscriptions["*"] = append(r.subscriptions["*"], l)
}

// Route delivers a spike event to all subscribed listeners.
func (r *Router) Route(event types.SpikeEvent) {
	r.mu.RLock()
	listeners := append([]SpikeListener{}, r.subscriptions[event.Symbol]...)
	listeners = append(listeners, r.subscriptions["*"]...)
	r.mu.RUnlock()

	for _, l := range listeners {
		l.OnSpike(event)
	}
}

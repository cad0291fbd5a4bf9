// Package bus implements the in-process event bus (C2): token-keyed
// publish/subscribe with wildcard fan-out. Delivery is synchronous on the
// publisher's goroutine; the bus owns no worker pool.
package bus

import (
	"log/slog"
	"sync"

	"github.com/enher36/polymarket-relay/pkg/types"
)

// Wildcard is the subscription key that receives every published event
// regardless of token.
const Wildcard = "*"

// Callback receives a published forward event.
type Callback func(types.ForwardEvent)

// SubscriptionID identifies one registered callback so it can be removed
// later. Go func values are not comparable, so Subscribe hands back an
// opaque id instead of requiring the caller to hold on to the callback
// itself.
type SubscriptionID uint64

type subscriber struct {
	id SubscriptionID
	cb Callback
}

// Bus is a token-keyed, wildcard-aware, synchronous pub/sub registry.
type Bus struct {
	mu     sync.Mutex
	subs   map[string][]subscriber
	nextID SubscriptionID
	log    *slog.Logger
}

// New creates an empty event bus.
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		subs: make(map[string][]subscriber),
		log:  log,
	}
}

// Subscribe registers cb under key (a token id, or Wildcard for every
// event). Returns a handle to pass to Unsubscribe.
func (b *Bus) Subscribe(key string, cb Callback) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[key] = append(b.subs[key], subscriber{id: id, cb: cb})
	return id
}

// Unsubscribe removes the callback registered under key with the given id.
// Idempotent: unsubscribing an id that is no longer registered is a no-op.
// Removing the last callback for a key deletes the key.
func (b *Bus) Unsubscribe(key string, id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list, ok := b.subs[key]
	if !ok {
		return
	}
	for i, s := range list {
		if s.id == id {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(b.subs, key)
	} else {
		b.subs[key] = list
	}
}

// UnsubscribeAll clears subscribers for one key, or every key when key is
// nil. Returns the number of callbacks cleared.
func (b *Bus) UnsubscribeAll(key *string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if key == nil {
		count := 0
		for _, list := range b.subs {
			count += len(list)
		}
		b.subs = make(map[string][]subscriber)
		return count
	}

	list := b.subs[*key]
	delete(b.subs, *key)
	return len(list)
}

// Publish synchronously invokes every callback registered for
// event.TokenID plus every wildcard callback, in registration order. A
// callback's panic or absence of error return never stops the remaining
// callbacks from running. Registration is snapshotted under the lock;
// delivery happens outside it, so a slow subscriber cannot stall
// concurrent Subscribe/Unsubscribe calls.
func (b *Bus) Publish(event types.ForwardEvent) {
	b.mu.Lock()
	targeted := append([]subscriber(nil), b.subs[event.TokenID]...)
	wildcard := append([]subscriber(nil), b.subs[Wildcard]...)
	b.mu.Unlock()

	deliver := func(s subscriber) {
		defer func() {
			if r := recover(); r != nil {
				b.log.Error("event bus subscriber panicked",
					slog.String("ctx_token_id", event.TokenID),
					slog.Any("ctx_error", r),
				)
			}
		}()
		s.cb(event)
	}

	for _, s := range targeted {
		deliver(s)
	}
	for _, s := range wildcard {
		deliver(s)
	}
}

// SubscriberCount returns the total number of registered callbacks across
// all keys, including the wildcard key. Used by the monitoring endpoint.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := 0
	for _, list := range b.subs {
		count += len(list)
	}
	return count
}

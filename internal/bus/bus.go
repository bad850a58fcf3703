package bus

import (
	"strings"
	"sync"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
// Subscriptions match on a Kind prefix and optionally on the account an event
// belongs to.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	namespace string
	account   string // empty matches every account
	ch        chan Event
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish sends an event to all subscribers whose namespace is a prefix of
// event.Kind and whose account filter matches.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !strings.HasPrefix(evt.Kind, sub.namespace) {
			continue
		}
		if sub.account != "" && sub.account != evt.Account {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Drop event if subscriber is full (non-blocking).
		}
	}
}

// Subscribe returns a channel that receives events matching the given namespace
// prefix across all accounts. bufSize controls the channel buffer. Returns the
// channel and an unsubscribe function; unsubscribing closes the channel after
// removing the subscription, so range loops over it terminate.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	return b.subscribe(namespace, "", bufSize)
}

// SubscribeAccount is like Subscribe but only delivers events for one account.
func (b *Bus) SubscribeAccount(namespace, account string, bufSize int) (<-chan Event, func()) {
	return b.subscribe(namespace, account, bufSize)
}

func (b *Bus) subscribe(namespace, account string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, account: account, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			// No publisher can be mid-send: Publish holds the read lock.
			close(sub.ch)
		}
		b.mu.Unlock()
	}
}

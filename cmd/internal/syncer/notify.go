package syncer

import (
	"log/slog"
	"sync"

	"chatcache/cmd/internal/store"
)

// ChangeKind names the structure a mutation touched.
type ChangeKind string

const (
	ChangeMessages    ChangeKind = "messages"
	ChangeBlocks      ChangeKind = "blocks"
	ChangePending     ChangeKind = "pending"
	ChangeInvalidated ChangeKind = "invalidated"
)

// Change is delivered to subscribers after a committed mutation.
type Change struct {
	Key  store.ConversationKey
	Kind ChangeKind
}

// Notifier fans committed changes out to per-conversation subscribers.
//
// Concurrency guarantees:
// - Subscribe/Close are safe under concurrent Publish.
// - Publish never blocks (drops under backpressure).
// - C is never closed by the notifier, so a racing Publish cannot panic.
type Notifier struct {
	log *slog.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   map[store.ConversationKey]map[uint64]*Subscription
}

// Subscription receives changes for one conversation.
type Subscription struct {
	C <-chan Change

	id   uint64
	key  store.ConversationKey
	ch   chan Change
	n    *Notifier
	done chan struct{}
	once sync.Once
}

func NewNotifier(log *slog.Logger) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{
		log:  log,
		subs: make(map[store.ConversationKey]map[uint64]*Subscription),
	}
}

// Subscribe registers a subscriber with a bounded queue.
func (n *Notifier) Subscribe(key store.ConversationKey, queueSize int) *Subscription {
	if queueSize <= 0 {
		queueSize = 64
	}
	ch := make(chan Change, queueSize)

	n.mu.Lock()
	n.nextID++
	s := &Subscription{
		C:    ch,
		id:   n.nextID,
		key:  key,
		ch:   ch,
		n:    n,
		done: make(chan struct{}),
	}
	if n.subs[key] == nil {
		n.subs[key] = make(map[uint64]*Subscription)
	}
	n.subs[key][s.id] = s
	n.mu.Unlock()

	n.log.Debug("notify.subscribe", "conversation", key.String(), "subscription", s.id)
	return s
}

// Publish delivers c to every live subscriber of c.Key.
func (n *Notifier) Publish(c Change) {
	if n == nil {
		return
	}

	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, s := range n.subs[c.Key] {
		select {
		case <-s.done:
			continue
		default:
		}

		select {
		case s.ch <- c:
		default:
			// Drop rather than block the writer.
		}
	}
}

// Done is closed once the subscription is closed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close unregisters the subscription (idempotent).
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		close(s.done)

		s.n.mu.Lock()
		delete(s.n.subs[s.key], s.id)
		if len(s.n.subs[s.key]) == 0 {
			delete(s.n.subs, s.key)
		}
		s.n.mu.Unlock()
	})
}

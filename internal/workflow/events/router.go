package events

import (
	"strings"
	"sync"
)

const (
	defaultQueueSize    = 64
	defaultBacklogLimit = 32
)

// RouterOption customizes Router construction.
type RouterOption func(*Router)

// Router fans events out to the subscribers of their instance. Publishing
// never blocks the runner: a subscriber that falls behind loses routine
// events, while critical ones evict the oldest queued event.
type Router struct {
	mu           sync.Mutex
	subscribers  map[string][]chan Event
	backlog      map[string][]Event
	queueSize    int
	backlogLimit int
	logger       Logger
}

// Subscription is an active instance subscription.
type Subscription struct {
	Events <-chan Event
	cancel func()
}

// Close ends the subscription and closes Events. It is safe to call twice.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		subscribers:  map[string][]chan Event{},
		backlog:      map[string][]Event{},
		queueSize:    defaultQueueSize,
		backlogLimit: defaultBacklogLimit,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// RouterWithLogger reports dropped events.
func RouterWithLogger(logger Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// RouterWithQueueSize sets the channel buffer of each subscriber.
func RouterWithQueueSize(size int) RouterOption {
	return func(r *Router) {
		if size > 0 {
			r.queueSize = size
		}
	}
}

// RouterWithBacklogLimit sets how many events are held for an instance
// nobody subscribed to yet.
func RouterWithBacklogLimit(limit int) RouterOption {
	return func(r *Router) {
		if limit > 0 {
			r.backlogLimit = limit
		}
	}
}

// Subscribe registers for the events of one instance. Events routed before
// the first subscription are replayed first.
func (r *Router) Subscribe(instanceID string) Subscription {
	key := strings.TrimSpace(instanceID)
	ch := make(chan Event, r.queueSize)
	r.mu.Lock()
	r.subscribers[key] = append(r.subscribers[key], ch)
	for _, event := range r.backlog[key] {
		r.offer(ch, event)
	}
	delete(r.backlog, key)
	r.mu.Unlock()

	var once sync.Once
	return Subscription{
		Events: ch,
		cancel: func() {
			once.Do(func() { r.unsubscribe(key, ch) })
		},
	}
}

// Publish satisfies Publisher.
func (r *Router) Publish(event Event) {
	r.Route(event)
}

// Route delivers the event to the subscribers of its instance, or holds it
// in the backlog when there are none. Events without an instance id are
// dropped.
func (r *Router) Route(event Event) {
	key := strings.TrimSpace(event.InstanceID)
	if key == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.subscribers[key]
	if len(subs) == 0 {
		queue := append(r.backlog[key], event)
		if len(queue) > r.backlogLimit {
			queue = queue[len(queue)-r.backlogLimit:]
			r.logf("events: backlog for %s full, dropped oldest", key)
		}
		r.backlog[key] = queue
		return
	}
	for _, ch := range subs {
		r.offer(ch, event)
	}
}

// offer sends without blocking. Callers hold r.mu, so the only other party
// touching ch is its reader.
func (r *Router) offer(ch chan Event, event Event) {
	select {
	case ch <- event:
		return
	default:
	}
	if !event.Type.critical() {
		r.logf("events: dropped %s for %s", event.Type, event.InstanceID)
		return
	}
	select {
	case evicted := <-ch:
		r.logf("events: dropped %s for %s to make room for %s", evicted.Type, event.InstanceID, event.Type)
	default:
	}
	select {
	case ch <- event:
	default:
	}
}

func (r *Router) unsubscribe(key string, ch chan Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.subscribers[key]
	for i, candidate := range subs {
		if candidate == ch {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(r.subscribers, key)
	} else {
		r.subscribers[key] = subs
	}
	close(ch)
}

func (r *Router) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}

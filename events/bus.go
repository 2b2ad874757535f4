// Package events provides an in-process (not network) publish mechanism
// so optional collaborators — a cache, a profiler, a memory optimizer —
// can observe lifecycle events without the core ever requiring one to be
// registered (spec §6b). Adapted from this family of services' streaming
// Publisher/Subscriber interfaces, narrowed from a network event bus to
// an in-process one since this module has no external transport.
package events

import (
	"sync"

	"github.com/itskum47/taskqueue/core"
)

// Topic identifies a lifecycle event kind.
type Topic string

const (
	TaskCompleted      Topic = "task.completed"
	TaskFailed         Topic = "task.failed"
	CircuitTripped     Topic = "breaker.tripped"
	RemediationFired   Topic = "health.remediation"
)

// TaskEvent carries task-lifecycle payloads.
type TaskEvent struct {
	TaskID string
	Group  core.ResourceGroup
	Result string
	Err    error
}

// RemediationEvent carries health-monitor remediation payloads.
type RemediationEvent struct {
	Action string
	Reason string
}

// Handler receives a published payload; its concrete type depends on Topic.
type Handler func(payload interface{})

// Subscription can be cancelled.
type Subscription interface {
	Unsubscribe()
}

// Bus is a minimal fan-out publisher. Publish never blocks the caller
// for longer than invoking each handler synchronously; a Bus with no
// subscribers is a no-op, so the core behaves identically whether or not
// any optional collaborator is attached.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Topic][]*subscription
	nextID   int
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[Topic][]*subscription)}
}

type subscription struct {
	bus   *Bus
	topic Topic
	id    int
	fn    Handler
}

func (s *subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.handlers[s.topic]
	for i, existing := range subs {
		if existing.id == s.id {
			s.bus.handlers[s.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// Subscribe registers fn for topic and returns a Subscription to cancel it.
func (b *Bus) Subscribe(topic Topic, fn Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &subscription{bus: b, topic: topic, id: b.nextID, fn: fn}
	b.handlers[topic] = append(b.handlers[topic], sub)
	return sub
}

// Publish is best-effort: it never returns an error and a panicking
// handler never takes down the caller.
func (b *Bus) Publish(topic Topic, payload interface{}) {
	b.mu.RLock()
	subs := append([]*subscription(nil), b.handlers[topic]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		func(fn Handler) {
			defer func() { recover() }()
			fn(payload)
		}(sub.fn)
	}
}

// Package broadcast fans job and session updates out to subscribers.
// Updates travel over a Publisher; in the api process a local registry
// holds the live client connections and a Redis relay carries updates
// published by workers.
package broadcast

import (
	"sync"
)

const subscriberBuffer = 16

// Subscriber is one live listener on a topic. Messages are dropped when
// the buffer is full; delivery is at-most-once.
type Subscriber struct {
	C      chan []byte
	topic  string
	closed bool
}

// Registry tracks live subscribers per topic. OnTopicEmpty and
// OnTopicActive hooks let the abandonment scheduler react to the last
// listener leaving and the first one arriving.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscriber]struct{}

	OnTopicEmpty  func(topic string)
	OnTopicActive func(topic string)
}

func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]map[*Subscriber]struct{})}
}

// Subscribe registers a new listener on topic.
func (r *Registry) Subscribe(topic string) *Subscriber {
	sub := &Subscriber{C: make(chan []byte, subscriberBuffer), topic: topic}

	r.mu.Lock()
	set, ok := r.subs[topic]
	if !ok {
		set = make(map[*Subscriber]struct{})
		r.subs[topic] = set
	}
	first := len(set) == 0
	set[sub] = struct{}{}
	r.mu.Unlock()

	if first && r.OnTopicActive != nil {
		r.OnTopicActive(topic)
	}
	return sub
}

// Unsubscribe removes a listener and closes its channel. When the last
// listener of a topic leaves, OnTopicEmpty fires.
func (r *Registry) Unsubscribe(sub *Subscriber) {
	r.mu.Lock()
	set, ok := r.subs[sub.topic]
	if ok {
		if _, present := set[sub]; present {
			delete(set, sub)
			close(sub.C)
			sub.closed = true
		}
		if len(set) == 0 {
			delete(r.subs, sub.topic)
		}
	}
	empty := ok && len(set) == 0
	r.mu.Unlock()

	if empty && r.OnTopicEmpty != nil {
		r.OnTopicEmpty(sub.topic)
	}
}

// Deliver pushes a payload to every listener on topic. Slow listeners
// with a full buffer miss the message.
func (r *Registry) Deliver(topic string, payload []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for sub := range r.subs[topic] {
		select {
		case sub.C <- payload:
		default:
		}
	}
}

// HasSubscribers reports whether anyone is listening on topic.
func (r *Registry) HasSubscribers(topic string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[topic]) > 0
}

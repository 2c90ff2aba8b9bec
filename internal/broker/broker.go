// Package broker implements the intra-process pub/sub fabric between photon
// methods and connected sessions.
//
// A method publishes events on a named channel; sessions subscribe and the
// broker fans each publication out to every subscriber's sink. Delivery is
// fire-and-forget: there is no persistence and a session that subscribes
// after a publish never sees it. Ordering is FIFO within one channel for a
// single publisher; nothing is guaranteed across channels.
package broker

import (
	"sync"
	"time"
)

// Event is one publication as delivered to subscribers.
type Event struct {
	// Channel is the name the event was published on.
	Channel string `json:"channel"`

	// Name is the event name within the channel.
	Name string `json:"event"`

	// Data is the publisher-supplied payload, JSON-encodable.
	Data any `json:"data,omitempty"`

	// Timestamp records when the broker accepted the publish.
	Timestamp time.Time `json:"timestamp"`
}

// Sink receives events for one session. Implementations must not block:
// the broker calls Deliver while holding its read lock.
type Sink interface {
	Deliver(ev Event)
}

// mutationSuffixes are the channel suffixes a collection-returning tool uses
// to stream incremental mutations. A session that calls tool T is
// auto-subscribed to "T:<suffix>" for each of these.
var mutationSuffixes = [...]string{"added", "removed", "updated", "changed"}

// MutationChannels returns the auto-subscribe channel names for a tool.
func MutationChannels(toolName string) []string {
	out := make([]string, len(mutationSuffixes))
	for i, s := range mutationSuffixes {
		out[i] = toolName + ":" + s
	}
	return out
}

// Broker is the process-wide channel registry.
// All methods are safe for concurrent use.
type Broker struct {
	mu sync.RWMutex
	// channels maps channel name → session id → sink.
	channels map[string]map[string]Sink
}

// New returns an empty broker.
func New() *Broker {
	return &Broker{channels: make(map[string]map[string]Sink)}
}

// Subscribe adds a session's sink to a channel. Re-subscribing replaces the
// previous sink.
func (b *Broker) Subscribe(sessionID, channel string, sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.channels[channel]
	if !ok {
		subs = make(map[string]Sink)
		b.channels[channel] = subs
	}
	subs[sessionID] = sink
}

// Unsubscribe removes a session from one channel.
func (b *Broker) Unsubscribe(sessionID, channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.channels[channel]; ok {
		delete(subs, sessionID)
		if len(subs) == 0 {
			delete(b.channels, channel)
		}
	}
}

// UnsubscribeAll removes a session from every channel. Called on disconnect.
func (b *Broker) UnsubscribeAll(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for channel, subs := range b.channels {
		delete(subs, sessionID)
		if len(subs) == 0 {
			delete(b.channels, channel)
		}
	}
}

// Subscriptions returns the channels a session is subscribed to.
func (b *Broker) Subscriptions(sessionID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []string
	for channel, subs := range b.channels {
		if _, ok := subs[sessionID]; ok {
			out = append(out, channel)
		}
	}
	return out
}

// Publish fans the event out to every current subscriber of the channel and
// returns the number of sinks it reached. Sessions without room for the
// event lose it; the broker never blocks a publisher.
func (b *Broker) Publish(channel, event string, data any) int {
	ev := Event{Channel: channel, Name: event, Data: data, Timestamp: time.Now()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sink := range b.channels[channel] {
		sink.Deliver(ev)
	}
	return len(b.channels[channel])
}

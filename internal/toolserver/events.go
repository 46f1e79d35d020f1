// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package toolserver

import (
	"log/slog"
	"sync"
	"time"
)

// EventType represents the type of tool server event.
type EventType string

const (
	// EventStarting indicates a spawn is in flight.
	EventStarting EventType = "starting"
	// EventStarted indicates a server completed its handshake.
	EventStarted EventType = "started"
	// EventStopped indicates a server was deliberately shut down.
	EventStopped EventType = "stopped"
	// EventFailed indicates a server entered the error state.
	EventFailed EventType = "failed"
	// EventRestarting indicates a crash-restart is in flight.
	EventRestarting EventType = "restarting"
	// EventEvicted indicates an idle server was stopped to free resources.
	EventEvicted EventType = "evicted"
	// EventToolsChanged indicates the exposed capability set changed.
	EventToolsChanged EventType = "tools_changed"
)

// Event is a lifecycle notification from the manager.
type Event struct {
	Type       EventType `json:"type"`
	InstanceID string    `json:"instance_id"`
	ServerName string    `json:"server_name"`
	Timestamp  time.Time `json:"timestamp"`
	Message    string    `json:"message,omitempty"`
}

// EventBus fans lifecycle events out to subscribers and logs each one.
// Delivery is non-blocking: a subscriber that falls behind loses events
// rather than stalling lifecycle transitions.
type EventBus struct {
	logger *slog.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

// NewEventBus creates an event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		logger: logger,
		subs:   make(map[int]chan Event),
	}
}

// Subscribe registers a subscriber. The returned cancel function
// removes the subscription and closes the channel.
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, 16)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers an event to all live subscribers.
func (b *EventBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	attrs := []any{
		slog.String("server", event.ServerName),
		slog.String("type", string(event.Type)),
	}
	if event.Message != "" {
		attrs = append(attrs, slog.String("message", event.Message))
	}
	b.logger.Info("tool server event", attrs...)

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			// Subscriber is behind. Dropping is better than blocking a
			// lifecycle transition.
		}
	}
}

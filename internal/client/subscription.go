package client

import (
	"sync"

	"docsync/internal/models"
)

// EventKind tells subscribers what happened to a document
type EventKind string

const (
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
	EventError  EventKind = "error"
)

// SyncEvent is delivered on a Subscription's channel
type SyncEvent struct {
	Kind       EventKind
	Collection string
	Document   *models.SyncDocument   // EventUpdate
	Deletion   *models.DeletionRecord // EventDelete
	Err        error                  // EventError
}

// Subscription is a local subscriber of one collection. Closing it
// unsubscribes; the last close for a collection releases the upstream
// subscription.
type Subscription struct {
	client     *Client
	collection string
	events     chan SyncEvent

	mu     sync.Mutex
	closed bool
}

func newSubscription(c *Client, collection string, buffer int) *Subscription {
	return &Subscription{
		client:     c,
		collection: collection,
		events:     make(chan SyncEvent, buffer),
	}
}

// Collection returns the subscribed collection
func (s *Subscription) Collection() string {
	return s.collection
}

// Events returns the event stream; it is closed by Close or Disconnect
func (s *Subscription) Events() <-chan SyncEvent {
	return s.events
}

// Close unsubscribes; it is safe to call more than once
func (s *Subscription) Close() {
	s.client.unsubscribe(s)
	s.shut()
}

func (s *Subscription) shut() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

// deliver never blocks: when the buffer is full the oldest event is dropped
func (s *Subscription) deliver(ev SyncEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	for {
		select {
		case s.events <- ev:
			return
		default:
		}
		select {
		case <-s.events:
		default:
		}
	}
}

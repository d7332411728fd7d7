package models

import (
	"time"
)

// EventType names a document change pushed over the realtime channel
type EventType string

const (
	EventDocumentCreated EventType = "document:created"
	EventDocumentUpdated EventType = "document:updated"
	EventDocumentDeleted EventType = "document:deleted"
)

// ChangeEvent is the payload of a sync:event message
type ChangeEvent struct {
	Type       EventType       `json:"type"`
	Collection string          `json:"collection"`
	DocumentID string          `json:"documentId"`
	Document   *SyncDocument   `json:"document,omitempty"`
	Deletion   *DeletionRecord `json:"deletion,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Realtime channel message types
const (
	MessageSubscribe   = "subscribe"
	MessageUnsubscribe = "unsubscribe"
	MessageSyncEvent   = "sync:event"
	MessageError       = "error"
)

// ClientMessage is sent by clients over the realtime channel
type ClientMessage struct {
	Type       string `json:"type"`
	Collection string `json:"collection"`
}

// ServerMessage is sent by the hub to clients
type ServerMessage struct {
	Type       string       `json:"type"`
	Collection string       `json:"collection,omitempty"`
	Payload    *ChangeEvent `json:"payload,omitempty"`
	Error      string       `json:"error,omitempty"`
}

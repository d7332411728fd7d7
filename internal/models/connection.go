package models

import (
	"time"

	"github.com/segmentio/ksuid"
)

// Connection describes a live realtime connection of a verified subject
type Connection struct {
	ID           string    `json:"id"`
	SubjectID    string    `json:"subject_id"`
	ClientID     string    `json:"client_id,omitempty"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

func NewConnection(subjectID, clientID string) *Connection {
	now := time.Now()
	return &Connection{
		ID:           ksuid.New().String(),
		SubjectID:    subjectID,
		ClientID:     clientID,
		ConnectedAt:  now,
		LastActiveAt: now,
	}
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an email record. Records start as new,
// move through processing, and end up processed or error; retry is the only
// non-initial state from which processing may restart.
type Status string

const (
	StatusNew        Status = "new"
	StatusProcessing Status = "processing"
	StatusRetry      Status = "retry"
	StatusProcessed  Status = "processed"
	StatusError      Status = "error"
)

// validTransitions enumerates the allowed status edges.
var validTransitions = map[Status][]Status{
	StatusNew:        {StatusProcessing},
	StatusProcessing: {StatusProcessed, StatusRetry, StatusError},
	StatusRetry:      {StatusProcessing, StatusError},
}

// CanTransitionTo reports whether moving from s to next is a legal edge.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Claimable reports whether a delivery attempt may (re)start from s.
func (s Status) Claimable() bool {
	return s == StatusNew || s == StatusRetry
}

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusProcessed || s == StatusError
}

// Attachment is a single file carried by an email. Content holds the
// base64-encoded bytes exactly as received on the wire; decoding happens at
// MIME construction time.
type Attachment struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// EmailRecord is the durable unit of work persisted in the email_data table.
// It is created by the message processor and mutated exclusively by the
// delivery engine.
type EmailRecord struct {
	ID          uuid.UUID
	Address     string
	Subject     string
	Message     string
	Template    string
	Context     map[string]any
	Body        string
	Attachments []Attachment
	Status      Status
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

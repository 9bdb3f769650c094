package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedMessage is returned by NewMessage when a fetched message is
// missing a field the pipeline depends on.
var ErrMalformedMessage = errors.New("malformed message")

// Attachment holds metadata about a message attachment. Content is never
// kept in memory past ingestion.
type Attachment struct {
	Filename string `json:"filename"`
	MIMEType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// Message is a single inbound mail as seen by the processing pipeline.
// It is built once by the mailbox adapter and never mutated afterwards.
type Message struct {
	// ID is the mailbox-assigned identifier (the IMAP UID for the IMAP adapter).
	ID string `json:"id"`

	// MessageID is the RFC 5322 Message-ID header, used for threading replies.
	MessageID string `json:"message_id,omitempty"`

	// Sender is the bare address of the From header.
	Sender string `json:"sender"`

	// SenderName is the display name of the From header, if any.
	SenderName string `json:"sender_name,omitempty"`

	Subject     string       `json:"subject"`
	Body        string       `json:"body"`
	ReceivedAt  time.Time    `json:"received_at"`
	Attachments []Attachment `json:"attachments,omitempty"`

	// AutoSubmitted is set when the message carries headers marking it as
	// machine-generated (Auto-Submitted, Precedence: bulk, List-Id).
	AutoSubmitted bool `json:"auto_submitted,omitempty"`
}

// NewMessage validates the required fields of m and returns it as a
// pipeline-ready message.
func NewMessage(m Message) (*Message, error) {
	m.ID = strings.TrimSpace(m.ID)
	m.Sender = strings.TrimSpace(m.Sender)

	if m.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrMalformedMessage)
	}
	if m.Sender == "" || !strings.Contains(m.Sender, "@") {
		return nil, fmt.Errorf(
			"%w: message %s has invalid sender %q",
			ErrMalformedMessage, m.ID, m.Sender,
		)
	}
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = time.Now()
	}

	return &m, nil
}

// TotalAttachmentBytes sums the sizes of all attachments.
func (m *Message) TotalAttachmentBytes() int64 {
	var total int64
	for _, a := range m.Attachments {
		total += a.Size
	}
	return total
}

// Reply is an outbound answer to a Message.
type Reply struct {
	To        string
	Subject   string
	Body      string
	InReplyTo string
}

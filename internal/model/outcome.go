package model

import "time"

// OutcomeKind is the terminal classification of how a message was handled
// in a run.
type OutcomeKind string

const (
	OutcomeSent             OutcomeKind = "sent"
	OutcomeSkippedPolicy    OutcomeKind = "skipped_policy"
	OutcomeSkippedRateLimit OutcomeKind = "skipped_rate_limit"
	OutcomeGenerationFailed OutcomeKind = "generation_failed"
	OutcomeSendFailed       OutcomeKind = "send_failed"
)

// OutcomeKinds lists every kind in a stable order.
var OutcomeKinds = []OutcomeKind{
	OutcomeSent,
	OutcomeSkippedPolicy,
	OutcomeSkippedRateLimit,
	OutcomeGenerationFailed,
	OutcomeSendFailed,
}

// Valid reports whether k is a known outcome kind.
func (k OutcomeKind) Valid() bool {
	for _, known := range OutcomeKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Category is the label assigned to a message by the classifier.
type Category string

const (
	CategoryBusiness Category = "business"
	CategoryPersonal Category = "personal"
	CategorySupport  Category = "support"
	CategoryOther    Category = "other"
)

// Outcome is the audit record of one message in one run. Once written it
// is never modified.
type Outcome struct {
	// ID is the unique identifier of this audit entry.
	ID string `json:"id" yaml:"id"`

	// RunID links the outcome to the scheduler run that produced it.
	RunID string `json:"run_id" yaml:"run_id"`

	// MessageID is the mailbox-assigned Message.ID.
	MessageID string `json:"message_id" yaml:"message_id"`

	Sender   string   `json:"sender" yaml:"sender"`
	Subject  string   `json:"subject" yaml:"subject"`
	Category Category `json:"category,omitempty" yaml:"category,omitempty"`

	Kind OutcomeKind `json:"kind" yaml:"kind"`

	// Reason carries the policy reason or failure reason for non-sent kinds.
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`

	// ReplyID is the Message-ID of the delivered reply for sent outcomes.
	ReplyID string `json:"reply_id,omitempty" yaml:"reply_id,omitempty"`

	RecordedAt time.Time `json:"recorded_at" yaml:"recorded_at"`
}

// NewOutcome returns an outcome of the given kind for msg.
func NewOutcome(runID string, msg *Message, kind OutcomeKind, reason string) Outcome {
	return Outcome{
		RunID:     runID,
		MessageID: msg.ID,
		Sender:    msg.Sender,
		Subject:   msg.Subject,
		Kind:      kind,
		Reason:    reason,
	}
}

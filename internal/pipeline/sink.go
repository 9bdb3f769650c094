package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/nhle/mailagent/internal/model"
	"github.com/nhle/mailagent/internal/source"
)

// Sink delivers replies and removes answered messages.
type Sink struct {
	transport source.Transport
	mailbox   source.Mailbox
}

// NewSink creates a Sink.
func NewSink(transport source.Transport, mailbox source.Mailbox) *Sink {
	return &Sink{transport: transport, mailbox: mailbox}
}

// Send replies to msg with text and returns the reply's Message-ID.
func (s *Sink) Send(ctx context.Context, msg *model.Message, text, signature string) (string, error) {
	replyID, err := s.transport.SendReply(ctx, FormatReply(msg, text, signature))
	if err != nil {
		return "", fmt.Errorf("sending reply to message %s: %w", msg.ID, err)
	}
	return replyID, nil
}

// Delete removes msg from the mailbox when deleteProcessed is set. It
// reports whether a delete was issued. Callers only invoke it for messages
// whose reply was sent and recorded.
func (s *Sink) Delete(ctx context.Context, msg *model.Message, deleteProcessed bool) (bool, error) {
	if !deleteProcessed {
		return false, nil
	}
	if err := s.mailbox.DeleteByID(ctx, msg.ID); err != nil {
		return true, fmt.Errorf("deleting message %s: %w", msg.ID, err)
	}
	return true, nil
}

// FormatReply builds the outbound reply for msg.
func FormatReply(msg *model.Message, text, signature string) model.Reply {
	body := strings.TrimSpace(text)
	if sig := strings.TrimSpace(signature); sig != "" {
		body += "\n\n--\n" + sig
	}

	return model.Reply{
		To:        msg.Sender,
		Subject:   replySubject(msg.Subject),
		Body:      body,
		InReplyTo: msg.MessageID,
	}
}

func replySubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "Re: your message"
	}
	if len(subject) >= 3 && strings.EqualFold(subject[:3], "re:") {
		return subject
	}
	return "Re: " + subject
}

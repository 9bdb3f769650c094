package testutil

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"testing"

	"github.com/nhle/mailagent/internal/ai"
	"github.com/nhle/mailagent/internal/model"
)

// EventLog records mailbox and transport calls in the order they happened.
type EventLog struct {
	mu     gosync.Mutex
	events []string
}

// Add records an event. It is a no-op on a nil log.
func (l *EventLog) Add(format string, args ...any) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

// Events returns a copy of the recorded events, e.g. "send 1", "delete 1".
func (l *EventLog) Events() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// FakeMailbox is an in-memory source.Mailbox.
type FakeMailbox struct {
	mu       gosync.Mutex
	messages []*model.Message
	seen     map[string]bool
	deleted  map[string]bool
	fetches  int

	// FetchErr, when set, is returned by every FetchUnread call.
	FetchErr error

	// DeleteErr, when set, is returned by every DeleteByID call.
	DeleteErr error

	Log *EventLog
}

// NewFakeMailbox creates a mailbox holding msgs, all unseen.
func NewFakeMailbox(log *EventLog, msgs ...*model.Message) *FakeMailbox {
	return &FakeMailbox{
		messages: msgs,
		seen:     make(map[string]bool),
		deleted:  make(map[string]bool),
		Log:      log,
	}
}

// Add appends a message to the mailbox.
func (m *FakeMailbox) Add(msg *model.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
}

func (m *FakeMailbox) FetchUnread(_ context.Context, maxCount int) ([]*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fetches++
	m.Log.Add("fetch")
	if m.FetchErr != nil {
		return nil, m.FetchErr
	}

	var out []*model.Message
	for _, msg := range m.messages {
		if m.seen[msg.ID] || m.deleted[msg.ID] {
			continue
		}
		if maxCount > 0 && len(out) == maxCount {
			break
		}
		out = append(out, msg)
	}
	return out, nil
}

func (m *FakeMailbox) MarkSeen(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[id] = true
	m.Log.Add("seen %s", id)
	return nil
}

func (m *FakeMailbox) DeleteByID(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Log.Add("delete %s", id)
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	m.deleted[id] = true
	return nil
}

// Fetches returns the number of FetchUnread calls.
func (m *FakeMailbox) Fetches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches
}

// Seen reports whether the message was marked seen.
func (m *FakeMailbox) Seen(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen[id]
}

// Deleted reports whether the message was deleted.
func (m *FakeMailbox) Deleted(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleted[id]
}

// ResetSeen clears every \Seen flag, as a crash before the flag reached
// the server would.
func (m *FakeMailbox) ResetSeen() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = make(map[string]bool)
}

// FakeTransport is a recording source.Transport. A second reply to the
// same message fails the test.
type FakeTransport struct {
	t *testing.T

	mu    gosync.Mutex
	sent  []model.Reply
	byMsg map[string]int

	// Err, when set, is returned by every SendReply call.
	Err error

	Log *EventLog
}

// NewFakeTransport creates a transport bound to t.
func NewFakeTransport(t *testing.T, log *EventLog) *FakeTransport {
	return &FakeTransport{t: t, byMsg: make(map[string]int), Log: log}
}

func (f *FakeTransport) SendReply(_ context.Context, reply model.Reply) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Err != nil {
		f.Log.Add("send-failed %s", reply.InReplyTo)
		return "", f.Err
	}

	f.byMsg[reply.InReplyTo]++
	if f.byMsg[reply.InReplyTo] > 1 {
		f.t.Errorf("duplicate reply sent for message %s", reply.InReplyTo)
	}

	f.sent = append(f.sent, reply)
	f.Log.Add("send %s", reply.InReplyTo)
	return fmt.Sprintf("reply-%d@test", len(f.sent)), nil
}

// Sent returns the delivered replies in order.
func (f *FakeTransport) Sent() []model.Reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Reply(nil), f.sent...)
}

// FakeBackend is a scripted ai.Backend.
type FakeBackend struct {
	mu    gosync.Mutex
	calls int

	// Text is returned on success.
	Text string

	// Err, when set, is returned instead of Text.
	Err error

	// Hang makes every call block until its context ends.
	Hang bool
}

var _ ai.Backend = (*FakeBackend)(nil)

func (b *FakeBackend) Generate(ctx context.Context, _ ai.Prompt) (string, error) {
	b.mu.Lock()
	b.calls++
	hang, text, err := b.Hang, b.Text, b.Err
	b.mu.Unlock()

	if hang {
		<-ctx.Done()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %v", ai.ErrTimeout, ctx.Err())
		}
		return "", ctx.Err()
	}
	if err != nil {
		return "", err
	}
	return text, nil
}

// Calls returns the number of Generate calls.
func (b *FakeBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// NewMessage builds a valid message for tests. The RFC 5322 Message-ID is
// derived from id so replies can be traced back.
func NewMessage(id, sender, subject, body string) *model.Message {
	msg, err := model.NewMessage(model.Message{
		ID:        id,
		MessageID: "msg-" + id + "@test",
		Sender:    sender,
		Subject:   subject,
		Body:      body,
	})
	if err != nil {
		panic(err)
	}
	return msg
}

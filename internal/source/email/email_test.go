package email

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/nhle/mailagent/internal/model"
)

const multipartMessage = "From: Alice Example <Alice@Example.com>\r\n" +
	"To: agent@example.org\r\n" +
	"Subject: Invoice question\r\n" +
	"Message-ID: <abc123@example.com>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=XYZ\r\n" +
	"\r\n" +
	"--XYZ\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Could you send me a quote?\r\n" +
	"--XYZ\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=\"invoice.pdf\"\r\n" +
	"\r\n" +
	"0123456789\r\n" +
	"--XYZ--\r\n"

func TestParseMIMEBody(t *testing.T) {
	msg := &ParsedMessage{Envelope: Envelope{UID: 42}}
	parseMIMEBody([]byte(multipartMessage), msg)

	if !strings.Contains(msg.TextBody, "Could you send me a quote?") {
		t.Errorf("TextBody = %q, want the plain text part", msg.TextBody)
	}
	if msg.Envelope.FromAddr != "Alice@Example.com" {
		t.Errorf("FromAddr = %q, want header fallback", msg.Envelope.FromAddr)
	}
	if msg.Envelope.Subject != "Invoice question" {
		t.Errorf("Subject = %q", msg.Envelope.Subject)
	}
	if msg.Envelope.MessageID != "abc123@example.com" {
		t.Errorf("MessageID = %q", msg.Envelope.MessageID)
	}
	if len(msg.Attachments) != 1 {
		t.Fatalf("got %d attachments, want 1", len(msg.Attachments))
	}
	att := msg.Attachments[0]
	if att.Filename != "invoice.pdf" || att.MIMEType != "application/pdf" {
		t.Errorf("attachment = %+v", att)
	}
	if att.Size != 10 {
		t.Errorf("attachment size = %d, want 10", att.Size)
	}
	if msg.AutoSubmitted {
		t.Error("AutoSubmitted = true for a personal message")
	}
}

func TestIsAutoSubmitted(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		want   bool
	}{
		{"plain", map[string]string{}, false},
		{"auto-submitted no", map[string]string{"Auto-Submitted": "no"}, false},
		{"auto-replied", map[string]string{"Auto-Submitted": "auto-replied"}, true},
		{"bulk", map[string]string{"Precedence": "Bulk"}, true},
		{"mailing list", map[string]string{"List-Id": "<dev.example.org>"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var h mail.Header
			for k, v := range tt.header {
				h.Set(k, v)
			}
			if got := isAutoSubmitted(h); got != tt.want {
				t.Errorf("isAutoSubmitted() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestToMessage(t *testing.T) {
	p := &ParsedMessage{
		Envelope: Envelope{
			UID:      7,
			FromAddr: "Bob@Example.COM",
			Subject:  "Hello",
			Date:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		},
		HTMLBody:    "<p>Hi &amp; welcome</p><br>",
		Attachments: []Attachment{{Filename: "a.txt", Size: 3, MIMEType: "text/plain"}},
	}

	msg, err := toMessage(p)
	if err != nil {
		t.Fatalf("toMessage() error: %v", err)
	}
	if msg.ID != "7" {
		t.Errorf("ID = %q, want 7", msg.ID)
	}
	if msg.Sender != "bob@example.com" {
		t.Errorf("Sender = %q, want lower-cased address", msg.Sender)
	}
	if msg.Body != "Hi & welcome" {
		t.Errorf("Body = %q, want stripped HTML", msg.Body)
	}
	if got := msg.TotalAttachmentBytes(); got != 3 {
		t.Errorf("TotalAttachmentBytes() = %d, want 3", got)
	}
}

func TestToMessageMalformed(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
	}{
		{"missing uid", Envelope{FromAddr: "a@example.com"}},
		{"missing sender", Envelope{UID: 1}},
		{"sender without domain", Envelope{UID: 1, FromAddr: "undisclosed"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := toMessage(&ParsedMessage{Envelope: tt.env})
			if !errors.Is(err, model.ErrMalformedMessage) {
				t.Errorf("toMessage() error = %v, want ErrMalformedMessage", err)
			}
		})
	}
}

func TestComposeReply(t *testing.T) {
	reply := model.Reply{
		To:        "alice@example.com",
		Subject:   "Re: Invoice question",
		Body:      "Thanks, a quote is on its way.",
		InReplyTo: "abc123@example.com",
	}

	var buf bytes.Buffer
	date := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := composeReply(&buf, "agent@example.org", "r1@example.org", reply, date); err != nil {
		t.Fatalf("composeReply() error: %v", err)
	}

	mr, err := mail.CreateReader(&buf)
	if err != nil {
		t.Fatalf("reading composed reply: %v", err)
	}
	defer mr.Close()

	if got, _ := mr.Header.Subject(); got != reply.Subject {
		t.Errorf("Subject = %q, want %q", got, reply.Subject)
	}
	if got, _ := mr.Header.MessageID(); got != "r1@example.org" {
		t.Errorf("Message-ID = %q", got)
	}
	if got, _ := mr.Header.MsgIDList("In-Reply-To"); len(got) != 1 || got[0] != reply.InReplyTo {
		t.Errorf("In-Reply-To = %v", got)
	}
	if got := mr.Header.Get("Auto-Submitted"); got != "auto-replied" {
		t.Errorf("Auto-Submitted = %q", got)
	}
	to, err := mr.Header.AddressList("To")
	if err != nil || len(to) != 1 || to[0].Address != reply.To {
		t.Errorf("To = %v (err %v)", to, err)
	}
}

func TestNewMessageID(t *testing.T) {
	id := newMessageID("agent@example.org")
	if !strings.HasSuffix(id, "@example.org") {
		t.Errorf("newMessageID() = %q, want sender domain", id)
	}
	if other := newMessageID("agent@example.org"); other == id {
		t.Error("newMessageID() returned the same id twice")
	}
	if id := newMessageID("nodomain"); !strings.HasSuffix(id, "@mailagent.local") {
		t.Errorf("newMessageID() = %q, want fallback domain", id)
	}
}

func TestStripHTML(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"<b>bold</b>", "bold"},
		{"a<br>b", "a\nb"},
		{"&lt;tag&gt; &quot;q&quot;", `<tag> "q"`},
	}
	for _, tt := range tests {
		if got := stripHTML(tt.in); got != tt.want {
			t.Errorf("stripHTML(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseUID(t *testing.T) {
	if uid, err := parseUID("123"); err != nil || uid != 123 {
		t.Errorf("parseUID(123) = %d, %v", uid, err)
	}
	if _, err := parseUID("abc"); err == nil {
		t.Error("parseUID(abc) succeeded, want error")
	}
}

func TestIngestMarksMalformedMessagesSeen(t *testing.T) {
	var seen []uint32
	a := NewAdapter(IMAPConfig{Host: "imap.example.com", Port: "993"}, SMTPConfig{}, nil)
	a.setSeen = func(_ context.Context, uid uint32) error {
		seen = append(seen, uid)
		return nil
	}

	parsed := []*ParsedMessage{
		{Envelope: Envelope{UID: 1, FromAddr: "a@example.com", Subject: "Hi"}},
		{Envelope: Envelope{UID: 2}},
		{Envelope: Envelope{UID: 3, FromAddr: "undisclosed"}},
		{Envelope: Envelope{FromAddr: "b@example.com"}},
	}

	msgs := a.ingest(context.Background(), parsed)
	if len(msgs) != 1 || msgs[0].ID != "1" {
		t.Fatalf("ingest() = %+v, want only message 1", msgs)
	}
	if len(seen) != 2 || seen[0] != 2 || seen[1] != 3 {
		t.Errorf("marked seen = %v, want [2 3]", seen)
	}
}

func TestIngestKeepsGoingWhenMarkSeenFails(t *testing.T) {
	a := NewAdapter(IMAPConfig{Host: "imap.example.com", Port: "993"}, SMTPConfig{}, nil)
	a.setSeen = func(context.Context, uint32) error {
		return errors.New("connection reset")
	}

	parsed := []*ParsedMessage{
		{Envelope: Envelope{UID: 4}},
		{Envelope: Envelope{UID: 5, FromAddr: "c@example.com"}},
	}

	msgs := a.ingest(context.Background(), parsed)
	if len(msgs) != 1 || msgs[0].ID != "5" {
		t.Errorf("ingest() = %+v, want only message 5", msgs)
	}
}

package safety

import (
	"testing"

	"github.com/nhle/mailagent/internal/model"
)

func newMsg(sender, subject, body string, sizes ...int64) *model.Message {
	msg := &model.Message{ID: "1", Sender: sender, Subject: subject, Body: body}
	for _, s := range sizes {
		msg.Attachments = append(msg.Attachments, model.Attachment{Filename: "f", Size: s})
	}
	return msg
}

func TestEvaluateBlockedSender(t *testing.T) {
	f := New(Policy{BlockList: []string{"x@y.com"}})

	d := f.Evaluate(newMsg("x@y.com", "hello", "hi there"))
	if d.Allowed {
		t.Fatal("blocked sender was allowed")
	}
	if d.Reason != ReasonSenderBlocked {
		t.Errorf("Reason = %s, want %s", d.Reason, ReasonSenderBlocked)
	}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		msg    *model.Message
		want   Reason
	}{
		{
			name: "no policy allows",
			msg:  newMsg("a@b.com", "hello", "hi"),
		},
		{
			name:   "block list is case insensitive",
			policy: Policy{BlockList: []string{"X@Y.com"}},
			msg:    newMsg("x@y.COM", "hello", "hi"),
			want:   ReasonSenderBlocked,
		},
		{
			name:   "block list domain entry",
			policy: Policy{BlockList: []string{"@spam.example"}},
			msg:    newMsg("bot@spam.example", "hello", "hi"),
			want:   ReasonSenderBlocked,
		},
		{
			name:   "block beats allow",
			policy: Policy{AllowList: []string{"x@y.com"}, BlockList: []string{"y.com"}},
			msg:    newMsg("x@y.com", "hello", "hi"),
			want:   ReasonSenderBlocked,
		},
		{
			name:   "empty allow list allows everyone",
			policy: Policy{AllowList: []string{}},
			msg:    newMsg("a@b.com", "hello", "hi"),
		},
		{
			name:   "not on allow list",
			policy: Policy{AllowList: []string{"@partner.com"}},
			msg:    newMsg("a@b.com", "hello", "hi"),
			want:   ReasonSenderNotAllowed,
		},
		{
			name:   "allow list domain match",
			policy: Policy{AllowList: []string{"@partner.com"}},
			msg:    newMsg("a@partner.com", "hello", "hi"),
		},
		{
			name:   "attachments over the limit",
			policy: Policy{MaxAttachmentBytes: 100},
			msg:    newMsg("a@b.com", "hello", "hi", 60, 41),
			want:   ReasonAttachmentTooLarge,
		},
		{
			name:   "attachments at the limit",
			policy: Policy{MaxAttachmentBytes: 100},
			msg:    newMsg("a@b.com", "hello", "hi", 60, 40),
		},
		{
			name:   "attachment check runs before content",
			policy: Policy{MaxAttachmentBytes: 1, Denylist: []string{"password"}},
			msg:    newMsg("a@b.com", "password", "hi", 2),
			want:   ReasonAttachmentTooLarge,
		},
		{
			name:   "denylisted keyword",
			policy: Policy{Denylist: []string{"wire transfer"}},
			msg:    newMsg("a@b.com", "urgent", "Please do a WIRE TRANSFER today"),
			want:   ReasonContentPolicyViolation,
		},
		{
			name:   "full-width keyword is normalised",
			policy: Policy{Denylist: []string{"nsfw"}},
			msg:    newMsg("a@b.com", "ＮＳＦＷ content", "hi"),
			want:   ReasonContentPolicyViolation,
		},
		{
			name:   "content too long",
			policy: Policy{MaxContentChars: 10},
			msg:    newMsg("a@b.com", "hello", "this body is too long"),
			want:   ReasonContentPolicyViolation,
		},
		{
			name: "out of office subject",
			msg:  newMsg("a@b.com", "Out of Office: back Monday", "hi"),
			want: ReasonContentPolicyViolation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(tt.policy).Evaluate(tt.msg)
			if tt.want == "" {
				if !d.Allowed {
					t.Errorf("Evaluate() blocked with %s (%s), want allowed", d.Reason, d.Detail)
				}
				return
			}
			if d.Allowed {
				t.Fatalf("Evaluate() allowed, want %s", tt.want)
			}
			if d.Reason != tt.want {
				t.Errorf("Reason = %s, want %s", d.Reason, tt.want)
			}
		})
	}
}

func TestEvaluateAutoSubmitted(t *testing.T) {
	msg := newMsg("noreply@b.com", "Your order", "shipped")
	msg.AutoSubmitted = true

	d := New(Policy{}).Evaluate(msg)
	if d.Allowed || d.Reason != ReasonContentPolicyViolation {
		t.Errorf("Evaluate() = %+v, want ContentPolicyViolation", d)
	}
}

func TestPolicyFromConfig(t *testing.T) {
	cfg := model.DefaultConfig().Safety
	p := PolicyFromConfig(cfg)
	if p.MaxAttachmentBytes != 5*1024*1024 {
		t.Errorf("MaxAttachmentBytes = %d", p.MaxAttachmentBytes)
	}
	if len(p.Denylist) == 0 {
		t.Error("default denylist is empty")
	}
}

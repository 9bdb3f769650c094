// Package safety decides whether a fetched message may be answered at all.
package safety

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/nhle/mailagent/internal/model"
)

// Reason explains why a message was blocked.
type Reason string

const (
	ReasonSenderBlocked          Reason = "SenderBlocked"
	ReasonSenderNotAllowed       Reason = "SenderNotAllowed"
	ReasonAttachmentTooLarge     Reason = "AttachmentTooLarge"
	ReasonContentPolicyViolation Reason = "ContentPolicyViolation"
)

// autoReplyMarkers are subject fragments of machine-generated mail.
// Answering those risks a reply loop between two agents.
var autoReplyMarkers = []string{
	"auto-reply",
	"autoreply",
	"automatic reply",
	"out of office",
	"vacation",
}

// Policy is the input of the filter. Zero values disable a check.
type Policy struct {
	AllowList          []string
	BlockList          []string
	MaxAttachmentBytes int64
	Denylist           []string
	MaxContentChars    int
}

// PolicyFromConfig maps the safety section of the configuration to a Policy.
func PolicyFromConfig(cfg model.SafetyConfig) Policy {
	return Policy{
		AllowList:          cfg.SenderAllowList,
		BlockList:          cfg.SenderBlockList,
		MaxAttachmentBytes: cfg.MaxAttachmentBytes,
		Denylist:           cfg.ContentDenylist,
		MaxContentChars:    cfg.MaxContentChars,
	}
}

// Decision is the result of Evaluate. Reason and Detail are empty when
// Allowed is true.
type Decision struct {
	Allowed bool
	Reason  Reason
	Detail  string
}

func allow() Decision {
	return Decision{Allowed: true}
}

func block(reason Reason, format string, args ...any) Decision {
	return Decision{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Filter evaluates messages against a fixed Policy. It holds no mutable
// state and is safe for concurrent use.
type Filter struct {
	allow              []string
	block              []string
	maxAttachmentBytes int64
	denylist           []string
	maxContentChars    int
}

// New builds a Filter. Sender entries and denylist keywords are normalised
// once here.
func New(p Policy) *Filter {
	f := &Filter{
		allow:              normalizeSenders(p.AllowList),
		block:              normalizeSenders(p.BlockList),
		maxAttachmentBytes: p.MaxAttachmentBytes,
		maxContentChars:    p.MaxContentChars,
	}
	for _, kw := range p.Denylist {
		if kw = fold(strings.TrimSpace(kw)); kw != "" {
			f.denylist = append(f.denylist, kw)
		}
	}
	return f
}

// Evaluate checks msg in a fixed order: sender block list, sender allow list,
// attachment size, content. The first failing check decides the reason.
func (f *Filter) Evaluate(msg *model.Message) Decision {
	sender := strings.ToLower(strings.TrimSpace(msg.Sender))

	if entry, ok := matchSender(f.block, sender); ok {
		return block(ReasonSenderBlocked, "sender %s matches block list entry %s", sender, entry)
	}

	if len(f.allow) > 0 {
		if _, ok := matchSender(f.allow, sender); !ok {
			return block(ReasonSenderNotAllowed, "sender %s is not on the allow list", sender)
		}
	}

	if f.maxAttachmentBytes > 0 {
		if total := msg.TotalAttachmentBytes(); total > f.maxAttachmentBytes {
			return block(ReasonAttachmentTooLarge,
				"attachments total %d bytes, limit %d", total, f.maxAttachmentBytes)
		}
	}

	return f.checkContent(msg)
}

func (f *Filter) checkContent(msg *model.Message) Decision {
	if msg.AutoSubmitted {
		return block(ReasonContentPolicyViolation, "message is auto-submitted")
	}

	content := msg.Subject + " " + msg.Body
	if f.maxContentChars > 0 {
		if n := utf8.RuneCountInString(content); n > f.maxContentChars {
			return block(ReasonContentPolicyViolation,
				"content is %d characters, limit %d", n, f.maxContentChars)
		}
	}

	subject := fold(msg.Subject)
	for _, marker := range autoReplyMarkers {
		if strings.Contains(subject, marker) {
			return block(ReasonContentPolicyViolation, "subject looks auto-generated (%q)", marker)
		}
	}

	folded := fold(content)
	for _, kw := range f.denylist {
		if strings.Contains(folded, kw) {
			return block(ReasonContentPolicyViolation, "content matches denylisted keyword %q", kw)
		}
	}

	return allow()
}

// fold returns s in NFKC form with Unicode case folding applied, so that
// full-width and compatibility characters match their plain equivalents.
func fold(s string) string {
	return cases.Fold().String(norm.NFKC.String(s))
}

func normalizeSenders(entries []string) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
			out = append(out, e)
		}
	}
	return out
}

// matchSender reports whether sender equals an entry or falls in an entry's
// domain. Domain entries are written "@example.com" or "example.com".
func matchSender(entries []string, sender string) (string, bool) {
	domain := ""
	if at := strings.LastIndex(sender, "@"); at >= 0 {
		domain = sender[at+1:]
	}

	for _, e := range entries {
		switch {
		case e == sender:
			return e, true
		case strings.HasPrefix(e, "@") && e[1:] == domain:
			return e, true
		case !strings.Contains(e, "@") && e == domain:
			return e, true
		}
	}
	return "", false
}

package ai

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/nhle/mailagent/internal/model"
)

// DefaultMaxBodyChars bounds the body excerpt embedded in a prompt.
const DefaultMaxBodyChars = 2000

type template struct {
	system     string
	intro      string
	bodyLabel  string
	guidelines []string
}

var templates = map[model.Category]template{
	model.CategoryBusiness: {
		system: "You are a professional assistant responding to business inquiries. " +
			"Be helpful, professional, and concise. Provide accurate information or appropriate next steps.",
		intro:     "Generate a professional response to this business inquiry:",
		bodyLabel: "Email content:",
		guidelines: []string{
			"Acknowledge their inquiry professionally",
			"Provide relevant information or next steps",
			"Include a clear call to action if needed",
			"Avoid making promises you can't keep",
			"Keep the response under 200 words",
		},
	},
	model.CategoryPersonal: {
		system: "You are an assistant responding to personal messages. " +
			"Be warm, friendly, and appropriate for personal communication.",
		intro:     "Generate a friendly response to this personal message:",
		bodyLabel: "Message content:",
		guidelines: []string{
			"Acknowledge their message warmly",
			"Respond to any questions or points they made",
			"Keep the tone friendly and genuine",
			"Keep the response under 150 words",
		},
	},
	model.CategorySupport: {
		system: "You are a helpful support assistant. " +
			"Provide clear, helpful information to resolve their issue or guide them to the right resources.",
		intro:     "Generate a helpful response to this support request:",
		bodyLabel: "Support request:",
		guidelines: []string{
			"Acknowledge their issue and show empathy",
			"Provide clear steps to resolve the problem",
			"Use simple, clear language",
			"Offer additional help if needed",
		},
	},
	model.CategoryOther: {
		system:    "You are a helpful email assistant. Generate appropriate, polite, and useful responses.",
		intro:     "Generate an appropriate response to this email:",
		bodyLabel: "Email content:",
		guidelines: []string{
			"Acknowledge their message politely",
			"Ask a clarifying question if the request is unclear",
			"Don't make assumptions",
		},
	},
}

const styleGuide = "Write plain text only, without a subject line, " +
	"placeholders or a signature. Reply in the language of the original message."

// BuildPrompt builds the category-specific prompt for msg. The body is cut
// to maxBodyChars characters.
func BuildPrompt(msg *model.Message, category model.Category, maxBodyChars int) Prompt {
	tmpl, ok := templates[category]
	if !ok {
		tmpl = templates[model.CategoryOther]
	}
	if maxBodyChars <= 0 {
		maxBodyChars = DefaultMaxBodyChars
	}

	var sb strings.Builder
	sb.WriteString(tmpl.intro)
	sb.WriteString("\n\n")
	fmt.Fprintf(&sb, "From: %s (%s)\n", senderName(msg), msg.Sender)
	fmt.Fprintf(&sb, "Subject: %s\n\n", msg.Subject)
	sb.WriteString(tmpl.bodyLabel)
	sb.WriteString("\n")
	sb.WriteString(Excerpt(msg.Body, maxBodyChars))
	sb.WriteString("\n\nGuidelines:\n")
	for _, g := range tmpl.guidelines {
		sb.WriteString("- ")
		sb.WriteString(g)
		sb.WriteString("\n")
	}

	return Prompt{
		System: tmpl.system + "\n\n" + styleGuide,
		User:   sb.String(),
	}
}

// Excerpt returns s cut to at most n characters, marking the cut.
func Excerpt(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "\n[...]"
}

func senderName(msg *model.Message) string {
	if msg.SenderName != "" {
		return msg.SenderName
	}
	local, _, _ := strings.Cut(msg.Sender, "@")
	return local
}

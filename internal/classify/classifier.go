// Package classify assigns a reply category to a message.
package classify

import (
	"strings"

	"golang.org/x/text/cases"

	"github.com/nhle/mailagent/internal/model"
)

// Rule maps a set of keywords to a category. Rules are tried in order.
type Rule struct {
	Category model.Category
	Keywords []string
}

// DefaultRules is the fixed priority order: support, business, personal.
var DefaultRules = []Rule{
	{
		Category: model.CategorySupport,
		Keywords: []string{
			"help", "issue", "problem", "support", "broken", "error", "bug",
			"not working",
		},
	},
	{
		Category: model.CategoryBusiness,
		Keywords: []string{
			"inquiry", "enquiry", "proposal", "business", "service", "price",
			"quote", "invoice", "meeting", "schedule", "appointment",
			"partnership", "contract", "order", "purchase", "interview",
			"position", "hiring",
		},
	},
	{
		Category: model.CategoryPersonal,
		Keywords: []string{
			"family", "friend", "birthday", "dinner", "lunch", "weekend",
			"holiday", "party", "catch up", "how are you", "congrats",
		},
	},
}

// personalDomains are consumer mail providers. A message from one of them
// that matched no keyword is treated as personal.
var personalDomains = []string{
	"gmail.com", "googlemail.com", "yahoo.com", "outlook.com", "hotmail.com",
	"icloud.com", "proton.me", "protonmail.com",
}

// Classify returns the category of msg using DefaultRules. It is pure:
// the same message always yields the same category.
func Classify(msg *model.Message) model.Category {
	return ClassifyWith(DefaultRules, msg)
}

// ClassifyWith returns the category of the first rule whose keyword occurs
// in the subject or body of msg, or CategoryOther.
func ClassifyWith(rules []Rule, msg *model.Message) model.Category {
	text := cases.Fold().String(msg.Subject + "\n" + msg.Body)

	for _, rule := range rules {
		for _, kw := range rule.Keywords {
			if strings.Contains(text, kw) {
				return rule.Category
			}
		}
	}

	if isPersonalDomain(msg.Sender) {
		return model.CategoryPersonal
	}

	return model.CategoryOther
}

func isPersonalDomain(sender string) bool {
	at := strings.LastIndex(sender, "@")
	if at < 0 {
		return false
	}
	domain := strings.ToLower(sender[at+1:])
	for _, d := range personalDomains {
		if domain == d {
			return true
		}
	}
	return false
}

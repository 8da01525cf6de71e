package mailing

import (
	"html"
	"regexp"
	"strings"

	"github.com/lovelink/mailer/internal/domain"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([^{}]*?)\s*\}\}`)

// Personalize replaces every {{name}} placeholder in s with vars[name].
// Names match case-insensitively and ignore '_' and '-', so {{first_name}},
// {{firstName}} and {{FIRSTNAME}} are the same variable. Nil values and
// unknown names render as the empty string, so no placeholder survives.
func Personalize(s string, vars map[string]*string) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	lookup := make(map[string]string, len(vars))
	for k, v := range vars {
		if v != nil {
			lookup[normalizeVar(k)] = *v
		}
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(tok string) string {
		m := placeholderRe.FindStringSubmatch(tok)
		if len(m) < 2 {
			return ""
		}
		return lookup[normalizeVar(m[1])]
	})
}

func normalizeVar(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.NewReplacer("_", "", "-", "", " ", "").Replace(name)
}

// RecipientVars builds the personalization map for one recipient.
// unsubscribeURL is always present.
func RecipientVars(c *domain.Campaign, r *domain.Recipient, unsubscribeURL string) map[string]*string {
	vars := map[string]*string{
		"email":           strPtr(r.Email),
		"name":            strPtr(r.DisplayName()),
		"first_name":      optional(r.FirstName),
		"last_name":       optional(r.LastName),
		"unsubscribe_url": strPtr(unsubscribeURL),
		"campaign_name":   strPtr(c.Name),
	}
	if r.FirstName == "" {
		// fall back to the first word of the display name
		if parts := strings.Fields(r.Name); len(parts) > 0 {
			vars["first_name"] = strPtr(parts[0])
		}
	}
	return vars
}

// EscapeVars returns a copy of vars with values escaped for HTML bodies.
func EscapeVars(vars map[string]*string) map[string]*string {
	out := make(map[string]*string, len(vars))
	for k, v := range vars {
		if v == nil {
			out[k] = nil
			continue
		}
		out[k] = strPtr(html.EscapeString(*v))
	}
	return out
}

func strPtr(s string) *string { return &s }

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

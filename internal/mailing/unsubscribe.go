package mailing

import (
	"fmt"
	"html"
	"strings"
)

const footerHTML = `<div style="margin-top:24px;font-size:12px;color:#888888;text-align:center;">` +
	`You are receiving this email because you opted in to updates. ` +
	`<a href="%s" style="color:#888888;">Unsubscribe</a></div>`

// EnsureUnsubscribeFooter appends a default unsubscribe footer unless the
// body already mentions unsubscribing or links the unsubscribe URL.
// Applying it twice yields the same document.
func EnsureUnsubscribeFooter(body, unsubscribeURL string) string {
	if hasUnsubscribe(body, unsubscribeURL) {
		return body
	}
	return insertBeforeBodyEnd(body, fmt.Sprintf(footerHTML, html.EscapeString(unsubscribeURL)))
}

// EnsureUnsubscribeText is the plain-text counterpart.
func EnsureUnsubscribeText(body, unsubscribeURL string) string {
	if body == "" || hasUnsubscribe(body, unsubscribeURL) {
		return body
	}
	return strings.TrimRight(body, "\n") + "\n\nUnsubscribe: " + unsubscribeURL + "\n"
}

func hasUnsubscribe(body, unsubscribeURL string) bool {
	lower := strings.ToLower(body)
	if strings.Contains(lower, "unsubscribe") || strings.Contains(lower, "opt out") || strings.Contains(lower, "opt-out") {
		return true
	}
	return unsubscribeURL != "" && strings.Contains(body, unsubscribeURL)
}

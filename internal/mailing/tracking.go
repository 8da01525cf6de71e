package mailing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"
)

// Tracker builds tracking URLs and rewrites HTML bodies to use them.
// Click URLs are signed so the redirect endpoint only forwards to links
// that were actually in a sent message.
type Tracker struct {
	baseURL    string
	signingKey []byte
}

// NewTracker creates a tracker rooted at baseURL (e.g. https://mail.example.com).
func NewTracker(baseURL, signingKey string) *Tracker {
	return &Tracker{
		baseURL:    strings.TrimRight(baseURL, "/"),
		signingKey: []byte(signingKey),
	}
}

// BaseURL is the tracking host without a trailing slash.
func (t *Tracker) BaseURL() string { return t.baseURL }

// OpenURL returns the tracking pixel URL.
func (t *Tracker) OpenURL(trackingID string) string {
	return fmt.Sprintf("%s/t/open/%s", t.baseURL, url.PathEscape(trackingID))
}

// ClickURL returns the signed redirect URL for target.
func (t *Tracker) ClickURL(trackingID, target string) string {
	q := url.Values{}
	q.Set("url", target)
	q.Set("sig", t.Sign(trackingID, target))
	return fmt.Sprintf("%s/t/click/%s?%s", t.baseURL, url.PathEscape(trackingID), q.Encode())
}

// UnsubscribeURL returns the per-recipient unsubscribe URL.
func (t *Tracker) UnsubscribeURL(trackingID string) string {
	return fmt.Sprintf("%s/unsubscribe/%s", t.baseURL, url.PathEscape(trackingID))
}

// Sign returns the truncated HMAC-SHA256 of trackingID and target.
func (t *Tracker) Sign(trackingID, target string) string {
	h := hmac.New(sha256.New, t.signingKey)
	h.Write([]byte(trackingID + "|" + target))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Verify checks a click signature in constant time.
func (t *Tracker) Verify(trackingID, target, sig string) bool {
	return hmac.Equal([]byte(t.Sign(trackingID, target)), []byte(sig))
}

var hrefRe = regexp.MustCompile(`(?i)(\bhref\s*=\s*)("[^"]*"|'[^']*')`)

// Inject adds the open pixel and rewrites http(s) links to click redirects.
// The unsubscribe link and links already pointing at the tracker are left
// byte-for-byte as they were.
func (t *Tracker) Inject(body, trackingID, unsubscribeURL string) string {
	body = t.rewriteLinks(body, trackingID, unsubscribeURL)

	pixel := fmt.Sprintf(`<img src="%s" width="1" height="1" alt="" style="display:none" />`, t.OpenURL(trackingID))
	return insertBeforeBodyEnd(body, pixel)
}

func (t *Tracker) rewriteLinks(body, trackingID, unsubscribeURL string) string {
	return hrefRe.ReplaceAllStringFunc(body, func(attr string) string {
		m := hrefRe.FindStringSubmatch(attr)
		if len(m) < 3 {
			return attr
		}
		prefix, quoted := m[1], m[2]
		quote := quoted[:1]
		raw := quoted[1 : len(quoted)-1]
		target := strings.TrimSpace(html.UnescapeString(raw))

		if !isTrackable(target) || target == unsubscribeURL || raw == unsubscribeURL {
			return attr
		}
		if strings.HasPrefix(target, t.baseURL+"/t/") || strings.HasPrefix(target, t.baseURL+"/unsubscribe/") {
			return attr
		}
		return prefix + quote + html.EscapeString(t.ClickURL(trackingID, target)) + quote
	})
}

func isTrackable(target string) bool {
	lower := strings.ToLower(target)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// insertBeforeBodyEnd places fragment right before the last </body>, or
// appends it when the document has no body close tag.
func insertBeforeBodyEnd(doc, fragment string) string {
	idx := strings.LastIndex(strings.ToLower(doc), "</body>")
	if idx == -1 {
		return doc + fragment
	}
	return doc[:idx] + fragment + doc[idx:]
}

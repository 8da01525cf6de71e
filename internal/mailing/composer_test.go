package mailing

import (
	"strings"
	"testing"

	"github.com/lovelink/mailer/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strp(s string) *string { return &s }

func TestResolveContent(t *testing.T) {
	tmpl := &domain.Template{Subject: "T subject", HTMLContent: "<p>template</p>", TextContent: "template"}

	t.Run("inline wins", func(t *testing.T) {
		c := &domain.Campaign{Subject: "S", HTMLContent: "<p>inline</p>", TemplateID: strp("t1")}
		got, err := ResolveContent(c, tmpl)
		require.NoError(t, err)
		assert.Equal(t, "<p>inline</p>", got.HTML)
		assert.Equal(t, "S", got.Subject)
	})

	t.Run("template fallback", func(t *testing.T) {
		c := &domain.Campaign{TemplateID: strp("t1")}
		got, err := ResolveContent(c, tmpl)
		require.NoError(t, err)
		assert.Equal(t, "<p>template</p>", got.HTML)
		assert.Equal(t, "template", got.Text)
		assert.Equal(t, "T subject", got.Subject)
	})

	t.Run("nothing", func(t *testing.T) {
		_, err := ResolveContent(&domain.Campaign{Subject: "S"}, nil)
		assert.ErrorIs(t, err, ErrNoContent)
	})
}

func TestCompose(t *testing.T) {
	tr := NewTracker(testBase, testKey)
	comp := NewComposer(tr, "Lovelink", "hello@lovelink.example")

	camp := &domain.Campaign{ID: "c1", Name: "Spring", ReplyTo: "support@lovelink.example"}
	content := domain.Content{
		Subject: "{{firstName}}, new matches",
		HTML:    `<html><body><p>Hi {{firstName}}</p><a href="https://lovelink.example/matches">See</a></body></html>`,
		Text:    "Hi {{firstName}}",
	}
	rcpt := &domain.Recipient{ID: "u1", Email: "ana@example.com", FirstName: "Ana", Name: "Ana L"}
	item := &domain.QueuedEmail{CampaignID: "c1", UserID: "u1", TrackingID: testTrkID}

	msg := comp.Compose(camp, content, rcpt, item)

	unsub := tr.UnsubscribeURL(testTrkID)
	assert.Equal(t, "Ana, new matches", msg.Subject)
	assert.Equal(t, "ana@example.com", msg.To)
	assert.Equal(t, "Lovelink", msg.FromName)
	assert.Equal(t, "hello@lovelink.example", msg.FromEmail)
	assert.Contains(t, msg.HTMLContent, "<p>Hi Ana</p>")
	assert.Contains(t, msg.HTMLContent, tr.OpenURL(testTrkID))
	assert.Contains(t, msg.HTMLContent, testBase+"/t/click/"+testTrkID)
	assert.Contains(t, msg.HTMLContent, `<a href="`+unsub+`"`)
	assert.NotContains(t, msg.HTMLContent, "{{")
	assert.True(t, strings.HasPrefix(msg.TextContent, "Hi Ana\n\nUnsubscribe: "+unsub))

	assert.Equal(t, "<"+unsub+">", msg.Headers["List-Unsubscribe"])
	assert.Equal(t, "List-Unsubscribe=One-Click", msg.Headers["List-Unsubscribe-Post"])
	assert.Equal(t, "c1", msg.Headers["X-Campaign-ID"])
	assert.Equal(t, testTrkID, msg.Headers["X-Tracking-ID"])
}

func TestCompose_EscapesNamesInHTML(t *testing.T) {
	comp := NewComposer(NewTracker(testBase, testKey), "", "")
	rcpt := &domain.Recipient{ID: "u1", Email: "x@example.com", FirstName: "<script>"}
	msg := comp.Compose(&domain.Campaign{ID: "c1"}, domain.Content{Subject: "s", HTML: "<p>{{firstName}}</p>"}, rcpt, &domain.QueuedEmail{TrackingID: "t"})
	assert.Contains(t, msg.HTMLContent, "<p>&lt;script&gt;</p>")
}

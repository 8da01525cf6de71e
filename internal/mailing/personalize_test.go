package mailing

import (
	"strings"
	"testing"

	"github.com/lovelink/mailer/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestPersonalize(t *testing.T) {
	first := "Ana"
	unsub := "https://mail.example.com/unsubscribe/t1"
	vars := map[string]*string{
		"firstName":       &first,
		"unsubscribe_url": &unsub,
		"lastName":        nil,
	}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"basic", "Hi {{firstName}}!", "Hi Ana!"},
		{"case insensitive", "Hi {{FIRSTNAME}} / {{firstname}}", "Hi Ana / Ana"},
		{"snake and camel", "{{first_name}} {{unsubscribeUrl}}", "Ana " + unsub},
		{"whitespace", "Hi {{  firstName  }}", "Hi Ana"},
		{"nil value", "[{{lastName}}]", "[]"},
		{"unknown", "[{{favoriteColor}}]", "[]"},
		{"no placeholders", "plain text", "plain text"},
		{"empty braces", "x{{}}y", "xy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Personalize(tt.in, vars))
		})
	}
}

func TestPersonalize_RoundTripLeavesNoTokens(t *testing.T) {
	camp := &domain.Campaign{ID: "c1", Name: "Spring"}
	rcpt := &domain.Recipient{ID: "u1", Email: "ana@example.com", Name: "Ana Lima"}
	vars := RecipientVars(camp, rcpt, "https://mail.example.com/unsubscribe/t1")

	out := Personalize(`<p>Hi {{firstName}}</p><a href="{{unsubscribe_url}}">leave</a>`, vars)

	assert.Equal(t, `<p>Hi Ana</p><a href="https://mail.example.com/unsubscribe/t1">leave</a>`, out)
	assert.False(t, strings.Contains(out, "{{"))
	assert.False(t, strings.Contains(out, "}}"))
}

func TestEscapeVars(t *testing.T) {
	name := `<b>Tom & "Jerry"</b>`
	out := EscapeVars(map[string]*string{"name": &name, "missing": nil})
	assert.Equal(t, "&lt;b&gt;Tom &amp; &#34;Jerry&#34;&lt;/b&gt;", *out["name"])
	assert.Nil(t, out["missing"])
}

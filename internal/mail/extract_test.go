package mail

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractCode(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		recipient string
		guard     bool
		want      string
		wantOK    bool
	}{
		{
			name:      "domain digits are ignored",
			body:      "Your code is 482913, domain83921.com",
			recipient: "user83921@domain83921.com",
			guard:     true,
			want:      "482913",
			wantOK:    true,
		},
		{
			name:      "recipient stripped before matching",
			body:      "Sent to user@x123456.com\nCode: 654321",
			recipient: "user@x123456.com",
			guard:     true,
			want:      "654321",
			wantOK:    true,
		},
		{
			name:   "code after dot is guarded",
			body:   "mail.123456 then 777777",
			guard:  true,
			want:   "777777",
			wantOK: true,
		},
		{
			name:   "code after dot is accepted without guard",
			body:   "mail.123456 then 777777",
			guard:  false,
			want:   "123456",
			wantOK: true,
		},
		{
			name:   "seven digits never match",
			body:   "ref 1234567",
			guard:  true,
			wantOK: false,
		},
		{
			name:   "empty body",
			guard:  true,
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractCode(tt.body, tt.recipient, tt.guard)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractCode_NeverReturnsRecipientDigits(t *testing.T) {
	rnd := rand.New(rand.NewPCG(7, 7))

	for range 500 {
		code := fmt.Sprintf("%06d", rnd.IntN(1_000_000))
		user := fmt.Sprintf("%06d", rnd.IntN(1_000_000))
		domain := fmt.Sprintf("%06d", rnd.IntN(1_000_000))
		recipient := "u" + user + "@" + domain + ".com"

		bodies := []string{
			"Hello " + recipient + ", your code is " + code,
			"Code " + code + " was sent to " + recipient,
			recipient + "\n\n" + code + "\n",
		}
		for _, body := range bodies {
			got, ok := ExtractCode(body, recipient, true)
			require.True(t, ok, body)
			assert.Equal(t, code, got, body)
			if code != user && code != domain {
				assert.False(t, strings.Contains(recipient, got), body)
			}
		}
	}
}

func TestMessage_Matching(t *testing.T) {
	msg := &Message{
		From: []string{"No-Reply@Service.example"},
		To:   []string{"Box@example.org"},
	}
	assert.True(t, msg.SentTo("box@example.org"))
	assert.False(t, msg.SentTo("other@example.org"))
	assert.True(t, msg.SentBy("no-reply@service"))
	assert.False(t, msg.SentBy("billing@"))
}

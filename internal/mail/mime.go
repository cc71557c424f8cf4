package mail

import (
	"bytes"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// parseRaw parses an RFC 5322 message. If it cannot be parsed, the raw
// bytes are treated as the plain-text body.
func parseRaw(raw []byte) *Message {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if mr == nil || (err != nil && !message.IsUnknownCharset(err)) {
		return &Message{Text: string(raw)}
	}
	defer mr.Close()
	return readMessage(mr)
}

// parseEntity parses an already decoded message entity.
func parseEntity(e *message.Entity) *Message {
	return readMessage(mail.NewReader(e))
}

// readMessage collects headers and the first plain-text inline part.
func readMessage(mr *mail.Reader) *Message {
	msg := &Message{}

	h := mr.Header
	if from, err := h.AddressList("From"); err == nil {
		for _, a := range from {
			msg.From = append(msg.From, a.Address)
		}
	}
	if to, err := h.AddressList("To"); err == nil {
		for _, a := range to {
			msg.To = append(msg.To, a.Address)
		}
	}
	msg.Subject, _ = h.Subject()
	msg.ReceivedAt, _ = h.Date()

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			break
		}
		if part == nil {
			break
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		if contentType != "" && !strings.HasPrefix(contentType, "text/plain") {
			continue
		}

		body, readErr := io.ReadAll(part.Body)
		if readErr != nil {
			continue
		}
		msg.Text = string(body)
		break
	}

	return msg
}

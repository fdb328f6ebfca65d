// Package email describes a captured message as handed to relay providers:
// the raw bytes plus a few header fields read from the header block.
package email

import (
	"bufio"
	"bytes"
	"net/mail"
	"strings"

	"github.com/emersion/go-message/textproto"
)

// Email is a captured message. Raw is exactly what the SMTP client sent
// between DATA and the terminating dot.
type Email struct {
	// ID is the store identifier (UIDL) of the message.
	ID        string
	From      string
	To        []string
	Cc        []string
	Subject   string
	MessageID string
	Raw       []byte
}

// New builds an Email from raw content. Header fields are filled on a best-effort
// basis: content without a parseable header block still yields a valid Email
// carrying only ID and Raw.
func New(id string, raw []byte) *Email {
	msg := &Email{ID: id, Raw: raw}

	header, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return msg
	}

	msg.From = header.Get("From")
	msg.Subject = header.Get("Subject")
	msg.MessageID = header.Get("Message-Id")
	msg.To = ParseAddressList(header.Get("To"))
	msg.Cc = ParseAddressList(header.Get("Cc"))
	return msg
}

// ParseAddressList returns the bare addresses of a header value, falling back
// to comma splitting when the list is not RFC 5322 conformant.
func ParseAddressList(value string) []string {
	if value == "" {
		return nil
	}
	list, err := mail.ParseAddressList(value)
	if err != nil {
		var out []string
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	out := make([]string, 0, len(list))
	for _, addr := range list {
		out = append(out, addr.Address)
	}
	return out
}

package message

import (
	"bytes"

	gomessage "github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/pkg/errors"
)

// ParseEnvelope reads the header of raw RFC 5322 content and returns
// its envelope.  Fields that are missing or malformed are left empty.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	e, err := gomessage.Read(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) && !gomessage.IsUnknownEncoding(err) {
		return nil, errors.Wrap(err, "unable to parse message header")
	}
	h := mail.Header{Header: e.Header}

	env := &Envelope{}
	if s, err := h.Subject(); err == nil {
		env.Subject = s
	}
	if d, err := h.Date(); err == nil {
		env.Date = d
	}
	if id, err := h.MessageID(); err == nil {
		env.MessageID = id
	}
	env.From = addresses(h, "From")
	env.To = addresses(h, "To")
	return env, nil
}

func addresses(h mail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err != nil || len(list) == 0 {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.String())
	}
	return out
}

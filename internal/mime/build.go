package mime

import (
	"bytes"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jhillyerd/enmime"
	"github.com/vdavid/mailsync/internal/models"
)

// ErrNoRecipients is returned by Build for a draft without To, Cc or Bcc.
var ErrNoRecipients = errors.New("message has no recipients")

// Built is an encoded outgoing message.
type Built struct {
	MessageID  string
	Raw        []byte
	Recipients []string
}

// Build encodes d as an RFC 5322 message. A Message-ID is generated from the sender's domain.
func Build(d *models.Draft, now time.Time) (*Built, error) {
	if d.From.Address == "" {
		return nil, errors.New("message has no sender")
	}
	if len(d.To)+len(d.CC)+len(d.BCC) == 0 {
		return nil, ErrNoRecipients
	}

	messageID := newMessageID(d.From.Address)
	subject := d.Subject
	if subject == "" {
		subject = "(no subject)"
	}

	b := enmime.Builder().
		From(d.From.Name, d.From.Address).
		ToAddrs(toMailAddresses(d.To)).
		CCAddrs(toMailAddresses(d.CC)).
		BCCAddrs(toMailAddresses(d.BCC)).
		Subject(subject).
		Date(now).
		Header("Message-ID", messageID)

	if d.InReplyTo != "" {
		b = b.Header("In-Reply-To", d.InReplyTo)
	}
	if len(d.References) > 0 {
		b = b.Header("References", strings.Join(d.References, " "))
	}
	if d.TextBody != "" || d.HTMLBody == "" {
		b = b.Text([]byte(d.TextBody))
	}
	if d.HTMLBody != "" {
		b = b.HTML([]byte(d.HTMLBody))
	}
	for _, a := range d.Attachments {
		mimeType := a.MimeType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		b = b.AddAttachment(a.Content, mimeType, a.Filename)
	}

	root, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build message: %w", err)
	}

	var buf bytes.Buffer
	if err := root.Encode(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}

	recipients := make([]string, 0, len(d.To)+len(d.CC)+len(d.BCC))
	for _, list := range [][]models.Address{d.To, d.CC, d.BCC} {
		for _, a := range list {
			recipients = append(recipients, a.Address)
		}
	}

	return &Built{MessageID: messageID, Raw: buf.Bytes(), Recipients: recipients}, nil
}

func toMailAddresses(list []models.Address) []mail.Address {
	out := make([]mail.Address, len(list))
	for i, a := range list {
		out[i] = mail.Address{Name: a.Name, Address: a.Address}
	}
	return out
}

func newMessageID(from string) string {
	domain := "localhost"
	if at := strings.LastIndexByte(from, '@'); at >= 0 && at < len(from)-1 {
		domain = from[at+1:]
	}
	return "<" + uuid.NewString() + "@" + domain + ">"
}

// Package mime turns raw RFC 5322 messages into cache models and builds outgoing ones.
// All providers ingest through ParseMessage, so attachment part ids are stable
// across fetches of the same raw message.
package mime

import (
	"bytes"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/jhillyerd/enmime"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
)

// SnippetLength is the maximum number of runes in Message.Snippet before "...".
const SnippetLength = 200

// ErrPartNotFound is returned by ExtractPart for an unknown part id.
var ErrPartNotFound = errors.New("mime part not found")

var msgIDPattern = regexp.MustCompile(`<[^>]+>`)

// ParseOptions carries the identity a parsed message is stored under.
type ParseOptions struct {
	AccountID string
	MessageID string
	// FallbackDate is used when the Date header is missing or unparseable
	// (IMAP INTERNALDATE, JMAP receivedAt, Gmail internalDate).
	FallbackDate time.Time
	// Now is used when FallbackDate is zero too. Defaults to time.Now.
	Now func() time.Time
}

// ParseMessage decodes raw into a Message. Flags, labels, thread and folder fields are
// left for the caller.
func ParseMessage(raw []byte, opts ParseOptions) (*models.Message, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, provider.Wrap(provider.ErrParse, "parse message "+opts.MessageID, err)
	}

	msg := &models.Message{
		AccountID:       opts.AccountID,
		ID:              opts.MessageID,
		Subject:         env.GetHeader("Subject"),
		MessageIDHeader: strings.TrimSpace(env.GetHeader("Message-ID")),
		InReplyTo:       firstMessageID(env.GetHeader("In-Reply-To")),
		References:      msgIDPattern.FindAllString(env.GetHeader("References"), -1),
		UnsafeBodyHTML:  env.HTML,
		BodyText:        env.Text,
		SizeBytes:       int64(len(raw)),
		SentAt:          messageDate(env.GetHeader("Date"), opts),
	}

	if from := addressList(env, "From"); len(from) > 0 {
		msg.FromAddress = from[0].Address
		msg.FromName = from[0].Name
	}
	msg.ToAddresses = formatAddresses(addressList(env, "To"))
	msg.CCAddresses = formatAddresses(addressList(env, "Cc"))
	msg.BCCAddresses = formatAddresses(addressList(env, "Bcc"))

	if msg.UnsafeBodyHTML == "" && msg.BodyText != "" {
		msg.UnsafeBodyHTML = strings.ReplaceAll(env.Text, "\n", "<br>")
	}
	msg.Snippet = Snippet(msg.BodyText)

	for i, part := range append(append([]*enmime.Part{}, env.Attachments...), env.Inlines...) {
		partID := part.PartID
		if partID == "" {
			partID = fmt.Sprintf("x%d", i)
		}
		msg.Attachments = append(msg.Attachments, &models.Attachment{
			AccountID: opts.AccountID,
			ID:        opts.MessageID + "-" + partID,
			MessageID: opts.MessageID,
			PartID:    partID,
			Filename:  part.FileName,
			MimeType:  part.ContentType,
			SizeBytes: int64(len(part.Content)),
			IsInline:  i >= len(env.Attachments),
			ContentID: strings.Trim(part.ContentID, "<>"),
		})
	}

	return msg, nil
}

// ExtractPart returns the decoded content of one part of raw.
func ExtractPart(raw []byte, partID string) (*provider.AttachmentContent, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, provider.Wrap(provider.ErrParse, "parse message", err)
	}

	part := findPart(env.Root, partID)
	if part == nil {
		return nil, fmt.Errorf("%w: %s", ErrPartNotFound, partID)
	}

	return &provider.AttachmentContent{
		Filename: part.FileName,
		MimeType: part.ContentType,
		Data:     part.Content,
	}, nil
}

func findPart(p *enmime.Part, partID string) *enmime.Part {
	for ; p != nil; p = p.NextSibling {
		if p.PartID == partID {
			return p
		}
		if found := findPart(p.FirstChild, partID); found != nil {
			return found
		}
	}
	return nil
}

// Snippet collapses whitespace and truncates to SnippetLength runes.
func Snippet(text string) string {
	collapsed := strings.Join(strings.FieldsFunc(text, unicode.IsSpace), " ")
	runes := []rune(collapsed)
	if len(runes) <= SnippetLength {
		return collapsed
	}
	return string(runes[:SnippetLength]) + "..."
}

func messageDate(header string, opts ParseOptions) time.Time {
	if header != "" {
		if t, err := mail.ParseDate(header); err == nil && !t.IsZero() {
			return t
		}
	}
	if !opts.FallbackDate.IsZero() {
		return opts.FallbackDate
	}
	if opts.Now != nil {
		return opts.Now()
	}
	return time.Now()
}

func firstMessageID(header string) string {
	if id := msgIDPattern.FindString(header); id != "" {
		return id
	}
	return strings.TrimSpace(header)
}

func addressList(env *enmime.Envelope, key string) []*mail.Address {
	// Missing and malformed headers both count as no addresses.
	list, _ := env.AddressList(key)
	return list
}

func formatAddresses(list []*mail.Address) []string {
	result := make([]string, 0, len(list))
	for _, a := range list {
		if a == nil || a.Address == "" {
			continue
		}
		if a.Name != "" {
			result = append(result, fmt.Sprintf("%s <%s>", a.Name, a.Address))
		} else {
			result = append(result, a.Address)
		}
	}
	return result
}

package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/textproto"
	"strings"

	"github.com/emersion/go-message/mail"
	gm "google.golang.org/api/gmail/v1"
	"gopkg.in/gomail.v2"
)

// draftURLPrefix opens a draft in the Gmail web client.
const draftURLPrefix = "https://mail.google.com/mail/u/0/#drafts?compose="

// CreateDraft composes an RFC 5322 message and stores it as a draft. The
// draft is never sent.
func (c *Client) CreateDraft(ctx context.Context, in DraftInput) (*Draft, error) {
	raw, err := composeRaw(c.self, in)
	if err != nil {
		return nil, fmt.Errorf("compose draft: %w", err)
	}

	d, err := c.svc.Users.Drafts.Create("me", &gm.Draft{
		Message: &gm.Message{Raw: raw, ThreadId: in.ThreadID},
	}).Context(ctx).Do()
	if err != nil {
		return nil, classify("create draft", err)
	}

	out := &Draft{ID: d.Id}
	if d.Message != nil {
		out.MessageID = d.Message.Id
		out.ThreadID = d.Message.ThreadId
		out.URL = draftURLPrefix + d.Message.Id
	}
	return out, nil
}

// composeRaw renders the draft as base64url-encoded MIME.
func composeRaw(from string, in DraftInput) (string, error) {
	m := gomail.NewMessage()
	if from != "" {
		m.SetHeader("From", from)
	}
	m.SetHeader("To", in.To)
	m.SetHeader("Subject", in.Subject)
	if in.InReplyTo != "" {
		m.SetHeader("In-Reply-To", in.InReplyTo)
		refs := strings.TrimSpace(in.References + " " + in.InReplyTo)
		m.SetHeader("References", refs)
	}
	m.SetBody("text/plain", in.Body)
	if in.HTMLBody != "" {
		m.AddAlternative("text/html", in.HTMLBody)
	}

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(buf.Bytes()), nil
}

// ReplySubject prefixes subject with "Re:" unless it already has one.
func ReplySubject(subject string) string {
	s := strings.TrimSpace(subject)
	if strings.HasPrefix(strings.ToLower(s), "re:") {
		return s
	}
	return "Re: " + s
}

// NormalizeAddress reduces "Name <Addr@Host>" to "addr@host".
func NormalizeAddress(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(s); err == nil {
		return strings.ToLower(addr.Address)
	}
	if i := strings.LastIndex(s, "<"); i >= 0 {
		if j := strings.LastIndex(s, ">"); j > i {
			s = s[i+1 : j]
		}
	}
	return strings.ToLower(strings.TrimSpace(s))
}

// AddressList splits a header value into normalized addresses.
func AddressList(header string) []string {
	if strings.TrimSpace(header) == "" {
		return nil
	}
	list, err := mail.ParseAddressList(header)
	if err != nil {
		var out []string
		for _, part := range strings.Split(header, ",") {
			if a := NormalizeAddress(part); a != "" {
				out = append(out, a)
			}
		}
		return out
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, strings.ToLower(a.Address))
	}
	return out
}

// extractBody gets the plain text body from a message payload.
// Handles multipart messages recursively, preferring text/plain over text/html.
func extractBody(payload *gm.MessagePart) string {
	if payload.Body != nil && payload.Body.Data != "" {
		if decoded, err := decodeBase64URL(payload.Body.Data); err == nil {
			return decoded
		}
	}

	for _, part := range payload.Parts {
		if part.MimeType == "text/plain" && part.Body != nil && part.Body.Data != "" {
			if decoded, err := decodeBase64URL(part.Body.Data); err == nil {
				return decoded
			}
		}
		if len(part.Parts) > 0 {
			if body := extractBody(part); body != "" {
				return body
			}
		}
	}

	for _, part := range payload.Parts {
		if part.MimeType == "text/html" && part.Body != nil && part.Body.Data != "" {
			if decoded, err := decodeBase64URL(part.Body.Data); err == nil {
				return decoded
			}
		}
	}

	return ""
}

// headerMap converts Gmail API headers into a map keyed by canonical
// header name ("Message-Id", not "Message-ID").
func headerMap(headers []*gm.MessagePartHeader) map[string]string {
	m := make(map[string]string, len(headers))
	for _, h := range headers {
		m[textproto.CanonicalMIMEHeaderKey(h.Name)] = h.Value
	}
	return m
}

// decodeBase64URL decodes Gmail's base64url-encoded content, which may
// arrive with or without padding.
func decodeBase64URL(data string) (string, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}

func defaultStr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

package email

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// OrgTokenHeader carries the organization slug on outbound mail so the
// Sent folder can be classified without matching display names.
const OrgTokenHeader = "X-Organization-Slug"

// ParseMessage parses a raw RFC 822 message using go-message and
// extracts headers, the text/plain and text/html bodies, and every
// attachment part.
func ParseMessage(raw []byte) (*ParsedMessage, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("reading message header: %w", err)
	}
	defer mr.Close()

	parsed := &ParsedMessage{}
	parseHeader(&mr.Header, parsed)

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return nil, fmt.Errorf("reading message part: %w", err)
		}
		if part == nil {
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, params, _ := h.ContentType()
			if contentType == "" {
				contentType = "text/plain"
			}
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				return nil, fmt.Errorf("reading inline part: %w", readErr)
			}

			switch {
			case contentType == "text/plain" && !hasFilename(h, params):
				if parsed.TextBody == "" {
					parsed.TextBody = string(body)
				}
			case contentType == "text/html" && !hasFilename(h, params):
				if parsed.HTMLBody == "" {
					parsed.HTMLBody = string(body)
				}
			default:
				// Inline images and other non-text parts are kept
				// as attachments so they stay retrievable.
				parsed.Attachments = append(parsed.Attachments, AttachmentPart{
					Filename:    inlineFilename(h, params),
					ContentType: contentType,
					Data:        body,
				})
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				return nil, fmt.Errorf("reading attachment %q: %w", filename, readErr)
			}

			parsed.Attachments = append(parsed.Attachments, AttachmentPart{
				Filename:    filename,
				ContentType: contentType,
				Data:        body,
			})
		}
	}

	return parsed, nil
}

// parseHeader copies the top-level header values into parsed. Malformed
// address lists leave the corresponding fields empty.
func parseHeader(h *mail.Header, parsed *ParsedMessage) {
	parsed.Subject, _ = h.Subject()
	parsed.Date, _ = h.Date()
	parsed.Headers.OrgToken = strings.TrimSpace(h.Get(OrgTokenHeader))

	if from, err := h.AddressList("From"); err == nil {
		var formatted []string
		for _, addr := range from {
			parsed.Headers.FromNames = append(parsed.Headers.FromNames, addr.Name)
			formatted = append(formatted, addr.String())
		}
		parsed.From = strings.Join(formatted, ", ")
	}

	if to, err := h.AddressList("To"); err == nil {
		for _, addr := range to {
			parsed.Headers.ToAddrs = append(parsed.Headers.ToAddrs, addr.Address)
			parsed.To = append(parsed.To, addr.Address)
		}
	}
}

func hasFilename(h *mail.InlineHeader, params map[string]string) bool {
	return inlineFilename(h, params) != ""
}

// inlineFilename returns the filename of an inline part from its
// Content-Disposition, falling back to the Content-Type name parameter.
func inlineFilename(h *mail.InlineHeader, params map[string]string) string {
	if _, dispParams, err := h.ContentDisposition(); err == nil {
		if name := dispParams["filename"]; name != "" {
			return decodeWord(name)
		}
	}
	return decodeWord(params["name"])
}

func decodeWord(s string) string {
	if s == "" {
		return ""
	}
	dec := new(mime.WordDecoder)
	decoded, err := dec.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

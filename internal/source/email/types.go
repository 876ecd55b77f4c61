package email

import (
	"time"

	"github.com/nhle/orgmail-gateway/internal/model"
)

// Headers holds the header values the classifier needs.
type Headers struct {
	// FromNames are the display names of every From address.
	FromNames []string

	// ToAddrs are the bare addresses of every To recipient.
	ToAddrs []string

	// OrgToken is the X-Organization-Slug value, if any.
	OrgToken string
}

// ParsedMessage holds the full parsed content of an email message.
type ParsedMessage struct {
	Headers     Headers
	From        string
	To          []string
	Subject     string
	Date        time.Time
	TextBody    string
	HTMLBody    string
	Attachments []AttachmentPart
}

// AttachmentPart is an attachment body extracted from a MIME message.
type AttachmentPart struct {
	Filename    string
	ContentType string
	Data        []byte
}

// RawMessage is one fetched message as delivered by the mailbox.
type RawMessage struct {
	UID   uint32
	Flags []string
	Body  []byte
}

// Addressing is the sub-addressing convention shared by the classifier
// and the dispatcher.
type Addressing = model.AddressingConfig

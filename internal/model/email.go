package model

import "time"

// Folder is the logical mailbox label a message was ingested from.
type Folder string

const (
	FolderInbox Folder = "Inbox"
	FolderSent  Folder = "Sent"
)

// Inbound email status values, derived from the \Seen flag.
const (
	StatusRead   = "read"
	StatusUnread = "unread"
)

// Placeholders used when a message lacks the corresponding header.
const (
	NoSubject = "No Subject"
	NoDate    = "No Date"
)

// OrganizationIdentity identifies a tenant organization. The gateway
// consumes it for classification and addressing but never owns it.
type OrganizationIdentity struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// Attachment describes an inbound attachment persisted by the
// attachment store.
type Attachment struct {
	// Filename is the name advertised by the sender.
	Filename string `json:"filename"`

	// StoredFilename is the sanitized on-disk name.
	StoredFilename string `json:"storedFilename"`

	ContentType string `json:"contentType"`

	// URL is the retrieval URL for the stored file.
	URL string `json:"url"`
}

// InboundEmail is the transient result of ingesting one message.
// It is never persisted.
type InboundEmail struct {
	ID          uint32       `json:"id"`
	From        string       `json:"from"`
	To          []string     `json:"to"`
	Subject     string       `json:"subject"`
	Date        string       `json:"date"`
	Text        string       `json:"text"`
	HTML        string       `json:"html"`
	Attachments []Attachment `json:"attachments"`
	Mailbox     Folder       `json:"mailbox"`
	Status      string       `json:"status"`
	DateCreated time.Time    `json:"dateCreated"`

	// FromNames and ToAddrs keep the parsed header values so a snapshot
	// can be re-classified without re-parsing.
	FromNames []string `json:"-"`
	ToAddrs   []string `json:"-"`
	OrgToken  string   `json:"-"`
}

// OutboundAttachment is an in-memory attachment for an outbound message.
type OutboundAttachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// OutboundEmailRequest is the input to a newsletter dispatch.
type OutboundEmailRequest struct {
	FromName string

	// ReplyToExtension is the organization slug encoded in Reply-To.
	ReplyToExtension string

	// Recipients holds raw, unvalidated addresses.
	Recipients  []string
	Subject     string
	HTML        string
	Attachments []OutboundAttachment
}

// TotalAttachmentBytes returns the summed size of every attachment.
func (r *OutboundEmailRequest) TotalAttachmentBytes() int64 {
	var total int64
	for _, a := range r.Attachments {
		total += int64(len(a.Data))
	}
	return total
}

// User is a deliverable member of the external directory.
type User struct {
	ID    string `json:"id" db:"id" yaml:"id"`
	Name  string `json:"name" db:"name" yaml:"name"`
	Email string `json:"email" db:"email" yaml:"email"`
}

// Organization is a directory organization row.
type Organization struct {
	ID   string `json:"id" db:"id" yaml:"id"`
	Name string `json:"name" db:"name" yaml:"name"`
	Slug string `json:"slug" db:"slug" yaml:"slug"`
}

// Event is a directory event row.
type Event struct {
	ID             string `json:"id" db:"id" yaml:"id"`
	OrganizationID string `json:"organizationId" db:"organization_id" yaml:"organization_id"`
	Title          string `json:"title" db:"title" yaml:"title"`
}

// SentMailRecord is the audit-log entry for one outbound send call.
type SentMailRecord struct {
	ID              string    `json:"id" db:"id"`
	Transport       string    `json:"transport" db:"transport"`
	FromName        string    `json:"fromName" db:"from_name"`
	ReplyTo         string    `json:"replyTo" db:"reply_to"`
	Recipients      string    `json:"recipients" db:"recipients"`
	Subject         string    `json:"subject" db:"subject"`
	AttachmentCount int       `json:"attachmentCount" db:"attachment_count"`
	AttachmentBytes int64     `json:"attachmentBytes" db:"attachment_bytes"`
	Status          string    `json:"status" db:"status"`
	SentAt          time.Time `json:"sentAt" db:"sent_at"`
}

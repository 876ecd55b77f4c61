package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nhle/orgmail-gateway/internal/attachment"
	"github.com/nhle/orgmail-gateway/internal/dispatch"
	"github.com/nhle/orgmail-gateway/internal/model"
	"github.com/nhle/orgmail-gateway/internal/recipient"
	"github.com/nhle/orgmail-gateway/internal/source/email"
	"github.com/nhle/orgmail-gateway/internal/store"
)

// EmailSource runs a live ingestion pass.
type EmailSource interface {
	Ingest(ctx context.Context, org *model.OrganizationIdentity) ([]model.InboundEmail, error)
	Addressing() email.Addressing
}

// Snapshotter serves the latest background ingestion result.
type Snapshotter interface {
	Snapshot() ([]model.InboundEmail, time.Time, bool)
	Refresh(ctx context.Context) error
}

// AttachmentReader reads stored attachments.
type AttachmentReader interface {
	Retrieve(name string) ([]byte, string, error)
}

// Sender validates and delivers outbound mail.
type Sender interface {
	Dispatch(ctx context.Context, req *model.OutboundEmailRequest, mode dispatch.Mode) (*dispatch.Report, error)
}

// RecipientResolver expands a newsletter selection into users.
type RecipientResolver interface {
	Resolve(ctx context.Context, sel recipient.Selection) ([]model.User, error)
}

// SentMailLister reads the outbound audit log.
type SentMailLister interface {
	ListSentMail(ctx context.Context, filter store.SentMailFilter) ([]model.SentMailRecord, error)
}

// MailController serves the inbox, attachment, send and newsletter routes.
type MailController struct {
	emails      EmailSource
	snapshots   Snapshotter
	attachments AttachmentReader
	sender      Sender
	recipients  RecipientResolver
	sentLog     SentMailLister
	log         *zap.SugaredLogger
}

// MailControllerDeps bundles the collaborators of a MailController.
// Snapshots and SentLog are optional.
type MailControllerDeps struct {
	Emails      EmailSource
	Snapshots   Snapshotter
	Attachments AttachmentReader
	Sender      Sender
	Recipients  RecipientResolver
	SentLog     SentMailLister
}

// NewMailController creates the controller.
func NewMailController(deps MailControllerDeps, log *zap.SugaredLogger) *MailController {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &MailController{
		emails:      deps.Emails,
		snapshots:   deps.Snapshots,
		attachments: deps.Attachments,
		sender:      deps.Sender,
		recipients:  deps.Recipients,
		sentLog:     deps.SentLog,
		log:         log,
	}
}

func (mc *MailController) BasePath() string {
	return "/"
}

func (mc *MailController) Handlers() []gin.HandlerFunc {
	return nil
}

func (mc *MailController) Register(rg *gin.RouterGroup) error {
	rg.GET("emails", mc.handleListEmails)
	rg.POST("emails/send", mc.handleSend)
	rg.GET("attachments", mc.handleGetAttachment)
	rg.POST("newsletters", mc.handleNewsletter)
	if mc.sentLog != nil {
		rg.GET("sent", mc.handleListSent)
	}
	return nil
}

// handleListEmails returns the messages relevant to the requested
// organization. Without organization parameters every message is kept.
// With a background poller every read is served from its snapshot, so
// only the poller's passes garbage-collect attachments.
func (mc *MailController) handleListEmails(c *gin.Context) {
	org := organizationFromQuery(c)

	if mc.snapshots != nil {
		mc.listFromSnapshot(c, org)
		return
	}

	emails, err := mc.emails.Ingest(c.Request.Context(), org)
	if err != nil {
		respondInternalError(c, "Failed to fetch emails", err, mc.log)
		return
	}
	if emails == nil {
		emails = []model.InboundEmail{}
	}
	c.JSON(http.StatusOK, gin.H{"emails": emails})
}

// listFromSnapshot filters the poller snapshot for org. refresh=true,
// or a snapshot that is not ready yet, waits for a fresh poller pass.
func (mc *MailController) listFromSnapshot(c *gin.Context, org *model.OrganizationIdentity) {
	snapshot, lastSync, ok := mc.snapshots.Snapshot()
	if !ok || c.Query("refresh") == "true" {
		if err := mc.snapshots.Refresh(c.Request.Context()); err != nil {
			respondInternalError(c, "Failed to fetch emails", err, mc.log)
			return
		}
		snapshot, lastSync, ok = mc.snapshots.Snapshot()
		if !ok {
			respondInternalError(c, "Failed to fetch emails", errors.New("no snapshot available"), mc.log)
			return
		}
	}

	emails := make([]model.InboundEmail, 0, len(snapshot))
	for _, e := range snapshot {
		if email.Matches(e, org, mc.emails.Addressing()) {
			emails = append(emails, e)
		}
	}
	c.Header("Last-Modified", lastSync.UTC().Format(http.TimeFormat))
	c.JSON(http.StatusOK, gin.H{"emails": emails})
}

func organizationFromQuery(c *gin.Context) *model.OrganizationIdentity {
	name := strings.TrimSpace(c.Query("organizationName"))
	slug := strings.TrimSpace(c.Query("organizationSlug"))
	if name == "" && slug == "" {
		return nil
	}
	return &model.OrganizationIdentity{Name: name, Slug: slug}
}

func (mc *MailController) handleGetAttachment(c *gin.Context) {
	name := c.Query("filename")
	if name == "" {
		respondBadRequest(c, "Missing filename", nil)
		return
	}

	data, contentType, err := mc.attachments.Retrieve(name)
	if err != nil {
		switch statusFor(err) {
		case http.StatusBadRequest:
			respondBadRequest(c, "Invalid filename", err)
		case http.StatusNotFound:
			respondError(c, http.StatusNotFound, "Attachment not found", nil)
		default:
			respondInternalError(c, "Failed to read attachment", err, mc.log)
		}
		return
	}

	c.Header("Content-Disposition", contentDisposition(attachment.Sanitize(name)))
	c.Data(http.StatusOK, contentType, data)
}

func contentDisposition(name string) string {
	name = strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(name)
	return fmt.Sprintf(`attachment; filename="%s"`, name)
}

// handleSend delivers a message to an explicit recipient list.
func (mc *MailController) handleSend(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		respondBadRequest(c, "Invalid form data", err)
		return
	}
	defer func() { _ = form.RemoveAll() }()

	var recipients []string
	if err := decodeJSONField(form, "recipients", &recipients); err != nil {
		respondBadRequest(c, "Invalid recipients", err)
		return
	}

	mode, err := dispatch.ParseMode(formValue(form, "mode"))
	if err != nil {
		respondBadRequest(c, "Invalid delivery mode", err)
		return
	}

	req, err := outboundRequest(form, recipients)
	if err != nil {
		respondBadRequest(c, "Invalid attachments", err)
		return
	}

	mc.dispatch(c, req, mode)
}

// handleNewsletter resolves organizations, events and users into
// recipients and delivers one message per recipient.
func (mc *MailController) handleNewsletter(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		respondBadRequest(c, "Invalid form data", err)
		return
	}
	defer func() { _ = form.RemoveAll() }()

	var sel recipient.Selection
	for field, dst := range map[string]*[]string{
		"organizationIds": &sel.OrganizationIDs,
		"eventIds":        &sel.EventIDs,
		"userIds":         &sel.UserIDs,
	} {
		if err := decodeJSONField(form, field, dst); err != nil {
			respondBadRequest(c, "Invalid "+field, err)
			return
		}
	}
	if sel.Empty() {
		respondBadRequest(c, "No recipients selected", dispatch.ErrNoValidRecipients)
		return
	}

	users, err := mc.recipients.Resolve(c.Request.Context(), sel)
	if err != nil {
		respondInternalError(c, "Failed to resolve recipients", err, mc.log)
		return
	}

	req, err := outboundRequest(form, recipient.Addresses(users))
	if err != nil {
		respondBadRequest(c, "Invalid attachments", err)
		return
	}

	mc.dispatch(c, req, dispatch.ModeIndividual)
}

func (mc *MailController) dispatch(c *gin.Context, req *model.OutboundEmailRequest, mode dispatch.Mode) {
	report, err := mc.sender.Dispatch(c.Request.Context(), req, mode)
	if err != nil {
		if statusFor(err) == http.StatusBadRequest {
			respondBadRequest(c, "Invalid email request", err)
			return
		}
		respondInternalError(c, "Failed to send email", err, mc.log)
		return
	}

	message := "Email sent successfully"
	if report.Failed > 0 {
		message = fmt.Sprintf("Email sent to %d of %d recipients", report.Sent, report.Sent+report.Failed)
	}
	c.JSON(http.StatusOK, gin.H{"message": message, "report": report})
}

func (mc *MailController) handleListSent(c *gin.Context) {
	filter := store.SentMailFilter{Limit: 100}
	if replyTo := c.Query("replyTo"); replyTo != "" {
		filter.ReplyTo = &replyTo
	}
	for param, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		raw := c.Query(param)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondBadRequest(c, "Invalid "+param, err)
			return
		}
		*dst = n
	}

	records, err := mc.sentLog.ListSentMail(c.Request.Context(), filter)
	if err != nil {
		respondInternalError(c, "Failed to list sent mail", err, mc.log)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

func formValue(form *multipart.Form, key string) string {
	if v := form.Value[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// decodeJSONField decodes a JSON array field. An absent or blank field
// leaves dst untouched.
func decodeJSONField(form *multipart.Form, key string, dst *[]string) error {
	raw := strings.TrimSpace(formValue(form, key))
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("decoding %s: %w", key, err)
	}
	return nil
}

func outboundRequest(form *multipart.Form, recipients []string) (*model.OutboundEmailRequest, error) {
	req := &model.OutboundEmailRequest{
		FromName:         formValue(form, "fromName"),
		ReplyToExtension: formValue(form, "replyToExtension"),
		Recipients:       recipients,
		Subject:          formValue(form, "subject"),
		HTML:             formValue(form, "message"),
	}

	for _, fh := range form.File["attachments"] {
		data, err := readFormFile(fh)
		if err != nil {
			return nil, err
		}
		req.Attachments = append(req.Attachments, model.OutboundAttachment{
			Filename:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Data:        data,
		})
	}
	return req, nil
}

func readFormFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", fh.Filename, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", fh.Filename, err)
	}
	return data, nil
}

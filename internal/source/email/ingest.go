package email

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/orgmail-gateway/internal/attachment"
	"github.com/nhle/orgmail-gateway/internal/metrics"
	"github.com/nhle/orgmail-gateway/internal/model"
)

// defaultMessageTimeout bounds parse, classify and attachment
// extraction for a single message.
const defaultMessageTimeout = 30 * time.Second

// Ingestor runs ingestion passes over the shared mailbox.
type Ingestor struct {
	dialer         Dialer
	store          *attachment.Store
	folders        []model.FolderConfig
	addressing     Addressing
	messageTimeout time.Duration
	log            *zap.SugaredLogger
	now            func() time.Time
	parse          func([]byte) (*ParsedMessage, error)
}

// NewIngestor creates an ingestor scanning folders through dialer and
// persisting attachments into store.
func NewIngestor(
	dialer Dialer,
	store *attachment.Store,
	folders []model.FolderConfig,
	addressing Addressing,
	messageTimeout time.Duration,
	log *zap.SugaredLogger,
) *Ingestor {
	if messageTimeout <= 0 {
		messageTimeout = defaultMessageTimeout
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Ingestor{
		dialer:         dialer,
		store:          store,
		folders:        folders,
		addressing:     addressing,
		messageTimeout: messageTimeout,
		log:            log,
		now:            time.Now,
		parse:          ParseMessage,
	}
}

// Addressing returns the sub-addressing convention used for
// classification.
func (in *Ingestor) Addressing() Addressing {
	return in.addressing
}

// Ingest performs one full pass: every configured folder is scanned,
// each message is classified against org (nil keeps everything), and
// attachments of relevant messages are stored. Connection or folder
// failures abort the pass with no partial result; a message that fails
// to parse is logged and skipped. Attachments not referenced by this
// pass are garbage-collected when it completes.
func (in *Ingestor) Ingest(
	ctx context.Context, org *model.OrganizationIdentity,
) ([]model.InboundEmail, error) {
	if err := ctx.Err(); err != nil {
		metrics.IngestPasses.WithLabelValues("cancelled").Inc()
		return nil, err
	}

	session, err := in.dialer.Dial(ctx)
	if err != nil {
		metrics.IngestPasses.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("opening mailbox: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = session.Abort() })
	defer stop()

	pass := in.store.BeginPass()
	emails, err := in.scan(ctx, session, pass, org)
	if err != nil {
		pass.Abort()
		_ = session.Abort()
		if ctxErr := ctx.Err(); ctxErr != nil {
			metrics.IngestPasses.WithLabelValues("cancelled").Inc()
			return nil, fmt.Errorf("ingestion cancelled: %w", ctxErr)
		}
		metrics.IngestPasses.WithLabelValues("failed").Inc()
		return nil, err
	}

	if err := session.Close(); err != nil {
		in.log.Warnw("Closing mailbox session", "error", err)
	}

	if _, err := pass.Collect(); err != nil {
		in.log.Errorw("Attachment garbage collection failed", "error", err)
	}

	metrics.IngestPasses.WithLabelValues("ok").Inc()
	in.log.Infow("Ingestion pass complete",
		"emails", len(emails), "organization", orgSlug(org))
	return emails, nil
}

func (in *Ingestor) scan(
	ctx context.Context,
	session Session,
	pass *attachment.Pass,
	org *model.OrganizationIdentity,
) ([]model.InboundEmail, error) {
	createdAt := in.now()
	emails := []model.InboundEmail{}

	for _, folder := range in.folders {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		label := string(folder.Name)
		err := session.FetchFolder(ctx, folder.Path, func(raw RawMessage) error {
			if err := ctx.Err(); err != nil {
				return err
			}

			email, err := in.processBounded(ctx, pass, folder.Name, raw, org, createdAt)
			switch {
			case err != nil:
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				metrics.IngestMessages.WithLabelValues(label, "failed").Inc()
				in.log.Warnw("Skipping message",
					"folder", label, "uid", raw.UID, "error", err)
			case email == nil:
				metrics.IngestMessages.WithLabelValues(label, "skipped").Inc()
			default:
				metrics.IngestMessages.WithLabelValues(label, "relevant").Inc()
				emails = append(emails, *email)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("ingesting folder %s: %w", folder.Path, err)
		}
	}

	return emails, nil
}

// processBounded runs process under the per-message timeout. A message
// that overruns is reported as failed. Its goroutine finishes in the
// background and skips any attachment save it has not started yet; a
// save already in progress completes and its file is collected by the
// next pass.
func (in *Ingestor) processBounded(
	ctx context.Context,
	pass *attachment.Pass,
	folder model.Folder,
	raw RawMessage,
	org *model.OrganizationIdentity,
	createdAt time.Time,
) (*model.InboundEmail, error) {
	type result struct {
		email *model.InboundEmail
		err   error
	}
	done := make(chan result, 1)

	msgCtx, cancel := context.WithTimeout(ctx, in.messageTimeout)
	defer cancel()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("processing message %d: panic: %v", raw.UID, r)}
			}
		}()
		email, err := in.process(msgCtx, pass, folder, raw, org, createdAt)
		done <- result{email: email, err: err}
	}()

	select {
	case r := <-done:
		return r.email, r.err
	case <-msgCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("processing message %d: timed out after %s", raw.UID, in.messageTimeout)
	}
}

// process parses and classifies one message. It returns nil without an
// error when the message is not relevant to org.
func (in *Ingestor) process(
	ctx context.Context,
	pass *attachment.Pass,
	folder model.Folder,
	raw RawMessage,
	org *model.OrganizationIdentity,
	createdAt time.Time,
) (*model.InboundEmail, error) {
	if len(raw.Body) == 0 {
		return nil, errors.New("empty message body")
	}

	parsed, err := in.parse(raw.Body)
	if err != nil {
		return nil, fmt.Errorf("parsing message %d: %w", raw.UID, err)
	}

	if !IsRelevant(folder, parsed.Headers, org, in.addressing) {
		return nil, nil
	}

	email := &model.InboundEmail{
		ID:          raw.UID,
		From:        parsed.From,
		To:          parsed.To,
		Subject:     parsed.Subject,
		Date:        model.NoDate,
		Text:        parsed.TextBody,
		HTML:        parsed.HTMLBody,
		Attachments: []model.Attachment{},
		Mailbox:     folder,
		Status:      model.StatusUnread,
		DateCreated: createdAt,
		FromNames:   parsed.Headers.FromNames,
		ToAddrs:     parsed.Headers.ToAddrs,
		OrgToken:    parsed.Headers.OrgToken,
	}
	if email.To == nil {
		email.To = []string{}
	}
	if email.Subject == "" {
		email.Subject = model.NoSubject
	}
	if !parsed.Date.IsZero() {
		email.Date = parsed.Date.Format(time.RFC3339)
	}
	if slices.Contains(raw.Flags, `\Seen`) {
		email.Status = model.StatusRead
	}

	for i, part := range parsed.Attachments {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stored, err := pass.Save(folder, raw.UID, i, part.Filename, part.Data)
		if err != nil {
			in.log.Warnw("Omitting attachment",
				"folder", folder, "uid", raw.UID, "filename", part.Filename, "error", err)
			continue
		}

		name := part.Filename
		if name == "" {
			name = fmt.Sprintf("attachment-%d", i)
		}
		contentType := part.ContentType
		if contentType == "" {
			contentType = attachment.ContentTypeFor(stored)
		}

		email.Attachments = append(email.Attachments, model.Attachment{
			Filename:       name,
			StoredFilename: stored,
			ContentType:    contentType,
			URL:            in.store.URL(stored),
		})
	}

	return email, nil
}

// Matches re-applies the classifier to an already ingested email.
func Matches(e model.InboundEmail, org *model.OrganizationIdentity, addr Addressing) bool {
	return IsRelevant(e.Mailbox, Headers{
		FromNames: e.FromNames,
		ToAddrs:   e.ToAddrs,
		OrgToken:  e.OrgToken,
	}, org, addr)
}

func orgSlug(org *model.OrganizationIdentity) string {
	if org == nil {
		return ""
	}
	return org.Slug
}

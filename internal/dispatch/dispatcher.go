// Package dispatch composes organization-tagged newsletter mail and
// delivers it through a Transport.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gopkg.in/gomail.v2"

	"github.com/nhle/orgmail-gateway/internal/metrics"
	"github.com/nhle/orgmail-gateway/internal/model"
	"github.com/nhle/orgmail-gateway/internal/source/email"
)

// Mode selects the delivery call shape.
type Mode string

const (
	// ModeBroadcast sends one message with every recipient in To.
	ModeBroadcast Mode = "broadcast"

	// ModeIndividual sends one message per recipient.
	ModeIndividual Mode = "individual"
)

// ParseMode maps a request value onto a Mode; empty means broadcast.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeBroadcast:
		return ModeBroadcast, nil
	case ModeIndividual:
		return ModeIndividual, nil
	default:
		return "", fmt.Errorf("unknown delivery mode %q", s)
	}
}

// RecipientResult is the outcome of one send call. In broadcast mode
// Address lists every recipient of the single call.
type RecipientResult struct {
	Address string `json:"address"`
	Err     error  `json:"-"`
	Error   string `json:"error,omitempty"`
}

// Report aggregates the outcome of a dispatch.
type Report struct {
	Mode      Mode              `json:"mode"`
	Sent      int               `json:"sent"`
	Failed    int               `json:"failed"`
	Dropped   []string          `json:"dropped,omitempty"`
	Results   []RecipientResult `json:"results"`
	Transport string            `json:"transport"`
}

// AuditLog records metadata of sent mail.
type AuditLog interface {
	RecordSentMail(ctx context.Context, rec model.SentMailRecord) error
}

// Options configures a Dispatcher.
type Options struct {
	Addressing         email.Addressing
	MaxAttachmentBytes int64
	Concurrency        int
	RatePerSecond      float64
}

// Dispatcher validates outbound requests and delivers them.
type Dispatcher struct {
	transport Transport
	audit     AuditLog
	opts      Options
	limiter   *rate.Limiter
	log       *zap.SugaredLogger
	now       func() time.Time
}

// New creates a dispatcher. audit may be nil.
func New(transport Transport, audit AuditLog, opts Options, log *zap.SugaredLogger) *Dispatcher {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	d := &Dispatcher{
		transport: transport,
		audit:     audit,
		opts:      opts,
		log:       log,
		now:       time.Now,
	}
	if opts.RatePerSecond > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Concurrency)
	}
	return d
}

// FromAddress is the shared mailbox address used as the sender.
func (d *Dispatcher) FromAddress() string {
	return d.opts.Addressing.ServiceAccount + "@" + d.opts.Addressing.Domain
}

// ReplyTo returns the sub-addressed Reply-To for an organization slug.
func (d *Dispatcher) ReplyTo(slug string) string {
	return email.SubAddress(d.opts.Addressing, slug)
}

// Dispatch validates req and delivers it in the given mode. Validation
// failures (see IsValidation) are returned before the transport is
// touched. A transport verify failure, or a dispatch where nothing was
// delivered, returns a *TransportError alongside the report.
func (d *Dispatcher) Dispatch(
	ctx context.Context, req *model.OutboundEmailRequest, mode Mode,
) (*Report, error) {
	recipients, dropped := ValidateRecipients(req.Recipients)
	for _, r := range dropped {
		d.log.Warnw("Dropping recipient", "recipient", r)
	}
	metrics.MailRecipientsDropped.Add(float64(len(dropped)))

	if len(recipients) == 0 {
		return nil, d.reject("no_recipients", ErrNoValidRecipients)
	}
	ext := strings.ToLower(strings.TrimSpace(req.ReplyToExtension))
	if !ValidExtension(ext) {
		return nil, d.reject("invalid_extension",
			fmt.Errorf("%w: %q", ErrInvalidExtension, req.ReplyToExtension))
	}
	if total := req.TotalAttachmentBytes(); d.opts.MaxAttachmentBytes > 0 && total > d.opts.MaxAttachmentBytes {
		return nil, d.reject("attachments_too_large",
			fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrAttachmentsTooLarge, total, d.opts.MaxAttachmentBytes))
	}

	if err := d.transport.Verify(ctx); err != nil {
		d.log.Errorw("Transport verification failed", "transport", d.transport.Name(), "error", err)
		return nil, &TransportError{Transport: d.transport.Name(), Op: "verify", Err: err}
	}

	report := &Report{
		Mode:      mode,
		Dropped:   dropped,
		Transport: d.transport.Name(),
	}

	switch mode {
	case ModeIndividual:
		report.Results = d.fanOut(ctx, req, ext, recipients)
	default:
		report.Mode = ModeBroadcast
		err := d.send(ctx, req, ext, recipients)
		report.Results = []RecipientResult{newResult(strings.Join(recipients, ", "), err)}
	}

	var firstErr error
	for _, r := range report.Results {
		if r.Err != nil {
			report.Failed++
			if firstErr == nil {
				firstErr = r.Err
			}
			continue
		}
		report.Sent++
	}

	d.log.Infow("Dispatch complete",
		"mode", report.Mode, "sent", report.Sent, "failed", report.Failed,
		"dropped", len(dropped), "replyToExtension", ext)

	if report.Sent == 0 && firstErr != nil {
		return report, &TransportError{Transport: d.transport.Name(), Op: "send", Err: firstErr}
	}
	return report, nil
}

func (d *Dispatcher) reject(reason string, err error) error {
	metrics.MailRejected.WithLabelValues(reason).Inc()
	d.log.Warnw("Rejecting outbound request", "reason", reason, "error", err)
	return err
}

// fanOut sends one message per recipient on a bounded pool. A failure
// for one recipient never affects the others.
func (d *Dispatcher) fanOut(
	ctx context.Context, req *model.OutboundEmailRequest, ext string, recipients []string,
) []RecipientResult {
	results := make([]RecipientResult, len(recipients))

	var g errgroup.Group
	g.SetLimit(d.opts.Concurrency)
	for i, rcpt := range recipients {
		g.Go(func() error {
			if d.limiter != nil {
				if err := d.limiter.Wait(ctx); err != nil {
					results[i] = newResult(rcpt, err)
					return nil
				}
			}
			results[i] = newResult(rcpt, d.send(ctx, req, ext, []string{rcpt}))
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func newResult(addr string, err error) RecipientResult {
	r := RecipientResult{Address: addr, Err: err}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// send composes and delivers one message to recipients.
func (d *Dispatcher) send(
	ctx context.Context, req *model.OutboundEmailRequest, ext string, recipients []string,
) error {
	msg := &Message{
		Recipients: recipients,
		Mail:       d.Compose(req, ext, recipients),
	}

	name := d.transport.Name()
	if err := d.transport.Send(ctx, msg); err != nil {
		metrics.MailSendFailure.WithLabelValues(name).Inc()
		d.log.Warnw("Send failed", "transport", name, "recipients", len(recipients), "error", err)
		return err
	}
	metrics.MailSendSuccess.WithLabelValues(name).Inc()

	if d.audit != nil {
		rec := model.SentMailRecord{
			ID:              uuid.New().String(),
			Transport:       name,
			FromName:        req.FromName,
			ReplyTo:         d.ReplyTo(ext),
			Recipients:      strings.Join(recipients, ","),
			Subject:         req.Subject,
			AttachmentCount: len(req.Attachments),
			AttachmentBytes: req.TotalAttachmentBytes(),
			Status:          "sent",
			SentAt:          d.now(),
		}
		if err := d.audit.RecordSentMail(ctx, rec); err != nil {
			d.log.Errorw("Recording sent mail", "id", rec.ID, "error", err)
		}
	}
	return nil
}

// Compose builds the MIME message for recipients. From is the shared
// mailbox under the requested display name; Reply-To and the
// organization token header carry the slug.
func (d *Dispatcher) Compose(
	req *model.OutboundEmailRequest, ext string, recipients []string,
) *gomail.Message {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", d.FromAddress(), req.FromName)
	m.SetHeader("To", recipients...)
	m.SetHeader("Reply-To", d.ReplyTo(ext))
	m.SetHeader(email.OrgTokenHeader, ext)
	m.SetHeader("Subject", req.Subject)
	m.SetBody("text/html", req.HTML)

	for i, a := range req.Attachments {
		name := a.Filename
		if name == "" {
			name = fmt.Sprintf("attachment-%d", i)
		}
		data := a.Data
		settings := []gomail.FileSetting{
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(data)
				return err
			}),
		}
		if a.ContentType != "" {
			settings = append(settings, gomail.SetHeader(map[string][]string{
				"Content-Type": {a.ContentType},
			}))
		}
		m.Attach(name, settings...)
	}
	return m
}

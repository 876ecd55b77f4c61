package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingestion
	IngestPasses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orgmail_ingest_passes_total",
		Help: "Total number of ingestion passes by result (ok, failed, cancelled)",
	}, []string{"result"})
	IngestMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orgmail_ingest_messages_total",
		Help: "Messages seen during ingestion by folder and outcome (relevant, skipped, failed)",
	}, []string{"folder", "outcome"})

	// Attachment store
	AttachmentsSaved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orgmail_attachments_saved_total",
		Help: "Attachment files written to disk",
	})
	AttachmentsReused = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orgmail_attachments_reused_total",
		Help: "Attachments served from an existing file instead of being rewritten",
	})
	AttachmentsCollected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orgmail_attachments_collected_total",
		Help: "Attachment files removed by garbage collection",
	})
	AttachmentWriteFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orgmail_attachment_write_failures_total",
		Help: "Attachment writes that failed and were omitted from their message",
	})

	// Outbound mail
	MailSendSuccess = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orgmail_mail_send_success_total",
		Help: "Total number of successfully sent outbound messages",
	}, []string{"transport"})
	MailSendFailure = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orgmail_mail_send_failure_total",
		Help: "Total number of failed outbound sends",
	}, []string{"transport"})
	MailRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orgmail_mail_rejected_total",
		Help: "Outbound requests rejected before any network I/O, by reason",
	}, []string{"reason"})
	MailRecipientsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orgmail_mail_recipients_dropped_total",
		Help: "Recipient entries dropped as malformed or duplicate",
	})
)

func init() {
	prometheus.MustRegister(IngestPasses)
	prometheus.MustRegister(IngestMessages)
	prometheus.MustRegister(AttachmentsSaved)
	prometheus.MustRegister(AttachmentsReused)
	prometheus.MustRegister(AttachmentsCollected)
	prometheus.MustRegister(AttachmentWriteFailures)
	prometheus.MustRegister(MailSendSuccess)
	prometheus.MustRegister(MailSendFailure)
	prometheus.MustRegister(MailRejected)
	prometheus.MustRegister(MailRecipientsDropped)
}

// Handler returns the HTTP handler exposing the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

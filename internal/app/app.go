// Package app wires the gateway's components from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/orgmail-gateway/internal/api"
	"github.com/nhle/orgmail-gateway/internal/attachment"
	"github.com/nhle/orgmail-gateway/internal/credential"
	"github.com/nhle/orgmail-gateway/internal/dispatch"
	"github.com/nhle/orgmail-gateway/internal/model"
	"github.com/nhle/orgmail-gateway/internal/recipient"
	"github.com/nhle/orgmail-gateway/internal/source/email"
	"github.com/nhle/orgmail-gateway/internal/store"
	appsync "github.com/nhle/orgmail-gateway/internal/sync"
)

// pollPassTimeout bounds one background ingestion pass.
const pollPassTimeout = 10 * time.Minute

// App holds every long-lived component of the gateway.
type App struct {
	Config      *model.AppConfig
	Store       *store.SQLiteStore
	Attachments *attachment.Store
	Ingestor    *email.Ingestor
	Dispatcher  *dispatch.Dispatcher
	Aggregator  *recipient.Aggregator
	Poller      *appsync.Poller

	log *zap.SugaredLogger
}

// Options tweak how New builds the application.
type Options struct {
	// Credentials looks up keyring entries for empty passwords.
	// Defaults to credential.Get.
	Credentials credential.Getter

	// Transport overrides the configured outbound transport.
	Transport dispatch.Transport

	// Dialer overrides the IMAP dialer.
	Dialer email.Dialer
}

// New builds the application from cfg. The caller owns the returned
// App and must Close it.
func New(ctx context.Context, cfg *model.AppConfig, log *zap.SugaredLogger, opts Options) (*App, error) {
	if opts.Credentials == nil {
		opts.Credentials = credential.Get
	}

	if err := resolvePasswords(cfg, opts.Credentials); err != nil {
		return nil, err
	}

	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	attachments, err := attachment.NewStore(cfg.Attachments.Dir, cfg.Attachments.PublicBaseURL, log.Named("attachments"))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("opening attachment store: %w", err)
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = email.NewIMAPClient(cfg.IMAP, log.Named("imap"))
	}
	ingestor := email.NewIngestor(
		dialer,
		attachments,
		cfg.Folders,
		cfg.Addressing,
		time.Duration(cfg.Ingest.MessageTimeoutSec)*time.Second,
		log.Named("ingest"),
	)

	transport := opts.Transport
	if transport == nil {
		transport, err = newTransport(ctx, cfg)
		if err != nil {
			st.Close()
			return nil, err
		}
	}
	dispatcher := dispatch.New(transport, st, dispatch.Options{
		Addressing:         cfg.Addressing,
		MaxAttachmentBytes: cfg.Dispatch.MaxAttachmentBytes,
		Concurrency:        cfg.Dispatch.Concurrency,
		RatePerSecond:      cfg.Dispatch.RatePerSecond,
	}, log.Named("dispatch"))

	a := &App{
		Config:      cfg,
		Store:       st,
		Attachments: attachments,
		Ingestor:    ingestor,
		Dispatcher:  dispatcher,
		Aggregator:  recipient.NewAggregator(st),
		log:         log,
	}

	if cfg.Ingest.PollIntervalSec > 0 {
		a.Poller = appsync.New(
			ingestor,
			attachments,
			time.Duration(cfg.Ingest.PollIntervalSec)*time.Second,
			pollPassTimeout,
			log.Named("poller"),
		)
	}

	return a, nil
}

func newTransport(ctx context.Context, cfg *model.AppConfig) (dispatch.Transport, error) {
	switch cfg.Dispatch.Transport {
	case "ses":
		t, err := dispatch.NewSESTransport(ctx, cfg.SES)
		if err != nil {
			return nil, fmt.Errorf("creating SES transport: %w", err)
		}
		return t, nil
	default:
		return dispatch.NewSMTPTransport(cfg.SMTP), nil
	}
}

// resolvePasswords fills empty IMAP and SMTP passwords from the keyring.
func resolvePasswords(cfg *model.AppConfig, get credential.Getter) error {
	var err error
	cfg.IMAP.Password, err = credential.Resolve(get, cfg.IMAP.Password, credential.IMAPKey(cfg.IMAP.Username))
	if err != nil {
		return fmt.Errorf("loading IMAP password: %w", err)
	}
	if cfg.Dispatch.Transport == "ses" {
		return nil
	}
	cfg.SMTP.Password, err = credential.Resolve(get, cfg.SMTP.Password, credential.SMTPKey(cfg.SMTP.Username))
	if err != nil {
		return fmt.Errorf("loading SMTP password: %w", err)
	}
	return nil
}

// Server builds the HTTP server with every controller registered.
func (a *App) Server(log *zap.Logger) (*api.Server, error) {
	deps := api.MailControllerDeps{
		Emails:      a.Ingestor,
		Attachments: a.Attachments,
		Sender:      a.Dispatcher,
		Recipients:  a.Aggregator,
		SentLog:     a.Store,
	}
	if a.Poller != nil {
		deps.Snapshots = a.Poller
	}

	srv := api.NewServer(log, a.Config.Server)
	if err := srv.RegisterAll([]api.APIController{
		api.NewMailController(deps, a.log.Named("api")),
	}); err != nil {
		return nil, err
	}
	return srv, nil
}

// Serve runs the background poller, when enabled, and the HTTP server
// until ctx is cancelled.
func (a *App) Serve(ctx context.Context, log *zap.Logger) error {
	srv, err := a.Server(log)
	if err != nil {
		return err
	}

	if a.Poller != nil {
		a.Poller.Start(ctx)
		defer a.Poller.Stop()
	}

	return srv.Run(ctx)
}

// Close releases the database.
func (a *App) Close() error {
	var errs []error
	if a.Poller != nil {
		a.Poller.Stop()
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}

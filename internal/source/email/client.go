package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"go.uber.org/zap"

	"github.com/nhle/orgmail-gateway/internal/model"
	"github.com/nhle/orgmail-gateway/internal/source"
)

// defaultConnectTimeout bounds dial and login when none is configured.
const defaultConnectTimeout = 10 * time.Second

// Session is an authenticated mailbox connection. A Session is not safe
// for concurrent use.
type Session interface {
	// FetchFolder scans every message in the folder at path and calls
	// fn once per message. Iteration stops at the first error from fn
	// or when ctx is done.
	FetchFolder(ctx context.Context, path string, fn func(RawMessage) error) error

	// Close logs out and closes the connection.
	Close() error

	// Abort closes the connection immediately, unblocking any command
	// in flight.
	Abort() error
}

// Dialer opens mailbox sessions.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// IMAPClient wraps go-imap v2 for connecting to the shared mailbox.
type IMAPClient struct {
	cfg model.MailServerConfig
	log *zap.SugaredLogger
}

// NewIMAPClient creates a new IMAP client configuration.
func NewIMAPClient(cfg model.MailServerConfig, log *zap.SugaredLogger) *IMAPClient {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &IMAPClient{cfg: cfg, log: log}
}

// Dial connects to the IMAP server and authenticates. Both steps share
// the configured connect timeout.
func (c *IMAPClient) Dial(ctx context.Context) (Session, error) {
	timeout := c.cfg.ConnectTimeout()
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	addr := c.cfg.Addr()

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tlsConfig := &tls.Config{ServerName: c.cfg.Host}
	netDialer := &net.Dialer{Timeout: timeout}

	var conn net.Conn
	var err error
	if c.cfg.TLS {
		conn, err = (&tls.Dialer{NetDialer: netDialer, Config: tlsConfig}).
			DialContext(dialCtx, "tcp", addr)
	} else {
		conn, err = netDialer.DialContext(dialCtx, "tcp", addr)
	}
	if err != nil {
		return nil, &source.ConnectError{Protocol: source.ProtocolIMAP, Addr: addr, Err: err}
	}

	// Bound greeting, STARTTLS and LOGIN; cleared once authenticated.
	_ = conn.SetDeadline(time.Now().Add(timeout))

	var client *imapclient.Client
	if c.cfg.TLS {
		client = imapclient.New(conn, nil)
	} else {
		client, err = imapclient.NewStartTLS(conn, &imapclient.Options{TLSConfig: tlsConfig})
		if err != nil {
			conn.Close()
			return nil, &source.ConnectError{Protocol: source.ProtocolIMAP, Addr: addr, Err: err}
		}
	}

	if err := client.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
		_ = client.Close()
		var imapErr *imap.Error
		if errors.As(err, &imapErr) {
			return nil, &source.AuthError{
				Protocol: source.ProtocolIMAP,
				Message: fmt.Sprintf(
					"authentication failed for %s: %v",
					c.cfg.Username, err,
				),
			}
		}
		return nil, &source.ConnectError{Protocol: source.ProtocolIMAP, Addr: addr, Err: err}
	}

	_ = conn.SetDeadline(time.Time{})

	return &imapSession{client: client, log: c.log}, nil
}

type imapSession struct {
	client *imapclient.Client
	log    *zap.SugaredLogger
}

// FetchFolder selects path read-only, searches ALL, and fetches every
// message with BODY.PEEK[] so the \Seen flag is never set.
func (s *imapSession) FetchFolder(
	ctx context.Context, path string, fn func(RawMessage) error,
) error {
	if _, err := s.client.Select(path, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		return fmt.Errorf("selecting %s: %w", path, err)
	}

	searchData, err := s.client.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return fmt.Errorf("searching %s: %w", path, err)
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil
	}

	bodySection := &imap.FetchItemBodySection{
		Peek: true,
	}
	fetchOpts := &imap.FetchOptions{
		Flags:       true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := s.client.Fetch(imap.UIDSetNum(uids...), fetchOpts)
	defer fetchCmd.Close()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			s.log.Warnw("Skipping message that could not be collected",
				"folder", path, "seq", msg.SeqNum, "error", err)
			continue
		}

		raw := RawMessage{
			UID:  uint32(buf.UID),
			Body: buf.FindBodySection(bodySection),
		}
		for _, flag := range buf.Flags {
			raw.Flags = append(raw.Flags, string(flag))
		}

		if err := fn(raw); err != nil {
			return err
		}
	}

	if err := fetchCmd.Close(); err != nil {
		return fmt.Errorf("fetching %s: %w", path, err)
	}
	return nil
}

func (s *imapSession) Close() error {
	if err := s.client.Logout().Wait(); err != nil {
		_ = s.client.Close()
		return fmt.Errorf("logging out: %w", err)
	}
	return s.client.Close()
}

func (s *imapSession) Abort() error {
	return s.client.Close()
}

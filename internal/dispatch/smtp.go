package dispatch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"time"

	"gopkg.in/gomail.v2"

	"github.com/nhle/orgmail-gateway/internal/model"
	"github.com/nhle/orgmail-gateway/internal/source"
)

// SMTPTransport sends through an authenticated SMTP server using gomail.
// Each call dials its own connection, so concurrent sends are isolated.
type SMTPTransport struct {
	dialer         *gomail.Dialer
	connectTimeout time.Duration
}

// defaultConnectTimeout bounds Verify when none is configured.
const defaultConnectTimeout = 10 * time.Second

// NewSMTPTransport creates a transport for cfg. cfg.TLS selects implicit
// TLS; otherwise STARTTLS is negotiated when the server offers it.
func NewSMTPTransport(cfg model.MailServerConfig) *SMTPTransport {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	d.SSL = cfg.TLS
	d.TLSConfig = &tls.Config{ServerName: cfg.Host}

	timeout := cfg.ConnectTimeout()
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	return &SMTPTransport{dialer: d, connectTimeout: timeout}
}

func (t *SMTPTransport) Name() string {
	return string(source.ProtocolSMTP)
}

// Verify dials and authenticates, then closes the connection. The
// handshake is bounded by the configured connect timeout; a server that
// accepts the connection but never answers yields a *source.ConnectError.
func (t *SMTPTransport) Verify(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, t.connectTimeout)
	defer cancel()

	type dialResult struct {
		sc  gomail.SendCloser
		err error
	}
	done := make(chan dialResult, 1)
	go func() {
		sc, err := t.dialer.Dial()
		done <- dialResult{sc: sc, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return t.classify(r.err)
		}
		return r.sc.Close()
	case <-ctx.Done():
		// gomail has no cancellable dial; close the session if it ever opens.
		go func() {
			if r := <-done; r.sc != nil {
				_ = r.sc.Close()
			}
		}()
		return &source.ConnectError{
			Protocol: source.ProtocolSMTP,
			Addr:     fmt.Sprintf("%s:%d", t.dialer.Host, t.dialer.Port),
			Err:      ctx.Err(),
		}
	}
}

func (t *SMTPTransport) Send(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.dialer.DialAndSend(msg.Mail); err != nil {
		return t.classify(err)
	}
	return nil
}

// classify maps authentication replies and network failures onto the
// shared error types.
func (t *SMTPTransport) classify(err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && (tpErr.Code == 530 || tpErr.Code == 534 || tpErr.Code == 535) {
		return &source.AuthError{
			Protocol: source.ProtocolSMTP,
			Message: fmt.Sprintf(
				"authentication failed for %s: %v",
				t.dialer.Username, err,
			),
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &source.ConnectError{
			Protocol: source.ProtocolSMTP,
			Addr:     fmt.Sprintf("%s:%d", t.dialer.Host, t.dialer.Port),
			Err:      err,
		}
	}
	return err
}

package dispatch

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/orgmail-gateway/internal/model"
	"github.com/nhle/orgmail-gateway/internal/source"
)

// silentServer accepts connections and never sends an SMTP greeting.
func silentServer(t *testing.T) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var conns []net.Conn
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			conns = append(conns, c)
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		<-done
		for _, c := range conns {
			_ = c.Close()
		}
	})

	h, p, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err = strconv.Atoi(p)
	require.NoError(t, err)
	return h, port
}

func TestSMTPVerifyHonorsConnectTimeout(t *testing.T) {
	host, port := silentServer(t)
	tr := NewSMTPTransport(model.MailServerConfig{
		Host:              host,
		Port:              port,
		ConnectTimeoutSec: 1,
	})

	start := time.Now()
	err := tr.Verify(context.Background())
	elapsed := time.Since(start)

	var connErr *source.ConnectError
	require.True(t, errors.As(err, &connErr), "got %v", err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, elapsed, 5*time.Second)
	assert.True(t, source.IsFatal(err))
}

func TestSMTPVerifyCancelledContext(t *testing.T) {
	tr := NewSMTPTransport(model.MailServerConfig{Host: "127.0.0.1", Port: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, tr.Verify(ctx), context.Canceled)
}

func TestNewSMTPTransportDefaultTimeout(t *testing.T) {
	tr := NewSMTPTransport(model.MailServerConfig{Host: "smtp.service.com", Port: 465})
	assert.Equal(t, defaultConnectTimeout, tr.connectTimeout)
	assert.Equal(t, "smtp", tr.Name())
}

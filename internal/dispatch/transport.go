package dispatch

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"
)

// Message is a composed outbound message ready for a transport.
type Message struct {
	// Recipients is the envelope recipient list; it matches the To header.
	Recipients []string
	Mail       *gomail.Message
}

// Transport delivers composed messages.
type Transport interface {
	// Name identifies the transport in logs, metrics and the audit log.
	Name() string

	// Verify checks connectivity and credentials without sending.
	Verify(ctx context.Context) error

	// Send delivers one message.
	Send(ctx context.Context, msg *Message) error
}

// TransportError wraps a verify or send failure of a transport.
type TransportError struct {
	Transport string
	Op        string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Transport, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

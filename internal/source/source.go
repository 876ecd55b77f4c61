package source

import (
	"errors"
	"fmt"
)

// Protocol identifies the mail protocol an error originated from.
type Protocol string

const (
	ProtocolIMAP Protocol = "imap"
	ProtocolSMTP Protocol = "smtp"
	ProtocolSES  Protocol = "ses"
)

// AuthError indicates that the mailbox rejected the configured
// credentials. It is fatal to the whole call.
type AuthError struct {
	Protocol Protocol
	Message  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Protocol, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// ConnectError indicates the server could not be reached within the
// connect timeout. Like AuthError it aborts the whole call.
type ConnectError struct {
	Protocol Protocol
	Addr     string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connecting to %s %s: %v", e.Protocol, e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err must abort an entire ingestion or
// dispatch call rather than a single message.
func IsFatal(err error) bool {
	var connErr *ConnectError
	return IsAuthError(err) || errors.As(err, &connErr)
}

package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/nhle/mailagent/internal/model"
)

// AuthError indicates that authentication with the mail server failed.
type AuthError struct {
	Server  string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Server, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// ConnectionError indicates that the mail server could not be reached, the
// protocol exchange failed, or the server returned data the agent could not
// turn into a well-formed message.
type ConnectionError struct {
	Server string
	Op     string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error (%s) %s: %v", e.Server, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsConnectionError reports whether err (or any error in its chain) is a
// ConnectionError.
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// Mailbox is the inbound side of the mail server.
type Mailbox interface {
	// FetchUnread returns up to maxCount messages not yet marked seen.
	// Fetching must not mark messages as seen.
	FetchUnread(ctx context.Context, maxCount int) ([]*model.Message, error)

	// MarkSeen flags the message as seen so later runs skip it.
	MarkSeen(ctx context.Context, id string) error

	// DeleteByID removes the message from the mailbox.
	DeleteByID(ctx context.Context, id string) error
}

// Transport is the outbound side of the mail server.
type Transport interface {
	// SendReply delivers reply and returns the Message-ID it was sent with.
	SendReply(ctx context.Context, reply model.Reply) (string, error)
}

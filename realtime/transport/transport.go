// Package transport provides the underlying connections used by the
// realtime client.
package transport

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/kleeedolinux/entrywatch/realtime"
)

var (
	ErrNotConnected    = errors.New("transport: not connected")
	ErrSendUnsupported = realtime.ErrSendUnsupported
)

// HandshakeError is returned when the server answers the opening request
// with a non-success status.
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport: handshake failed with status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport: handshake failed with status %d", e.StatusCode)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// Unauthorized reports whether the server refused the credential.
func (e *HandshakeError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

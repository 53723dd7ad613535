package client

import "fmt"

// TransportError is a network-level failure (connection refused, timeout)
// before the gateway produced a verdict. Safe to retry only when nothing has
// been persisted for the attempt.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("bkash %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// GatewayError means the gateway answered with a non-success status code in
// the response body. Not retryable; carries the provider's own code and
// message.
type GatewayError struct {
	Op      string
	Code    string
	Message string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("bkash %s rejected: code=%s message=%s", e.Op, e.Code, e.Message)
}

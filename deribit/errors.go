package deribit

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrIdle is returned by Session.ReceiveFrame when no frame arrived within
// the idle window. It is a liveness signal, not a failure: the caller is
// expected to send a ping and keep waiting.
var ErrIdle = errors.New("deribit: idle timeout, no inbound frame")

// TransportError wraps connection-level failures. The collector treats any
// transport error as grounds for a full reconnect.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("deribit: transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthError indicates the feed rejected our credentials or returned a
// response without an access token.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("deribit: authentication failed: %s", e.Reason)
}

// TimeoutError indicates a request/response exchange did not complete
// within its configured window.
type TimeoutError struct {
	Op   string
	Wait time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("deribit: %s timed out after %s", e.Op, e.Wait)
}

// Timeout marks the error as a timeout for callers using net-style checks.
func (e *TimeoutError) Timeout() bool { return true }

// SubscribeError reports a failed subscription request. Channels names the
// full requested set; none of them were added to the subscription set.
type SubscribeError struct {
	Channels []string
	Err      error
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("deribit: subscribe failed for [%s]: %v", strings.Join(e.Channels, ", "), e.Err)
}

func (e *SubscribeError) Unwrap() error { return e.Err }

// InvalidStateError reports an operation invoked outside its valid
// session state.
type InvalidStateError struct {
	Op    string
	State SessionState
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("deribit: %s not allowed in state %s", e.Op, e.State)
}

// DecodeError reports a data-push frame that could not be turned into a
// record. It is contained per message: the caller logs it and moves on.
type DecodeError struct {
	Channel string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("deribit: failed to decode frame on channel %q: %v", e.Channel, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

type rpcCallError struct {
	Method  string
	Code    int
	Message string
}

func (e *rpcCallError) Error() string {
	return fmt.Sprintf("deribit: %s returned error %d: %s", e.Method, e.Code, e.Message)
}

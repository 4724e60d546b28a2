// Package errs defines the unified error taxonomy shared by the REST
// transport and the stream manager.
//
// Every failure in the library (an HTTP status, a WebSocket close code, a
// timeout, an exchange-reported error payload) is classified exactly once,
// at the boundary where it occurs, into an immutable Record carrying one of
// five kinds. Callers branch on Record.Kind rather than on error type
// hierarchies, and the retry machinery in pkg/rest and pkg/stream branches
// on Record.Retriable to pick the recovery path.
//
// Classification is total: Classify maps every Signal to exactly one kind
// and never leaves a failure unclassified. It is a pure function with no
// shared mutable state, so concurrent classifications are always safe.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"
)

// Kind identifies the failure category of a classified error.
type Kind int

const (
	// KindNetwork covers connection refused/reset, DNS failures, and
	// timeouts. Retriable.
	KindNetwork Kind = iota

	// KindRateLimit covers HTTP 429 and exchange-signaled throttling.
	// Retriable after RetryAfterSeconds when the server provided one.
	KindRateLimit

	// KindInvalidSymbol covers domain-level 4xx responses indicating an
	// unknown trading pair. Not retriable; this is a caller error.
	KindInvalidSymbol

	// KindExchange covers any other exchange-reported failure carrying a
	// code and message. Not retriable by default.
	KindExchange

	// KindProtocol covers malformed or unexpected message shapes on the
	// wire. Not retriable; indicates a client/exchange version mismatch.
	KindProtocol
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindRateLimit:
		return "rate_limit"
	case KindInvalidSymbol:
		return "invalid_symbol"
	case KindExchange:
		return "exchange"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Record is the caller-facing structured error produced at a classification
// boundary. Records are immutable after creation; retry logic reads them but
// never mutates them.
type Record struct {
	Kind    Kind
	Message string

	// Retriable reports whether the failure may succeed on a later attempt.
	Retriable bool

	// RetryAfterSeconds is populated only for KindRateLimit, and only when
	// the source signal carried a Retry-After value. Zero means the server
	// did not say.
	RetryAfterSeconds float64

	// HTTPStatus is the originating status code, when the failure came from
	// a REST response.
	HTTPStatus int

	// Symbol is the trading pair the failure relates to, when known.
	Symbol string

	// ExchangeErrorCode is the exchange's own error code, when the failure
	// came from an exchange error payload.
	ExchangeErrorCode string

	// Attempts is set by the REST transport when retries were exhausted.
	Attempts int

	cause error
}

// Error implements the error interface.
func (r *Record) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", r.Kind, r.Message)
	if r.HTTPStatus != 0 {
		fmt.Fprintf(&b, " (http %d)", r.HTTPStatus)
	}
	if r.ExchangeErrorCode != "" {
		fmt.Fprintf(&b, " (code %s)", r.ExchangeErrorCode)
	}
	if r.Attempts > 1 {
		fmt.Fprintf(&b, " after %d attempts", r.Attempts)
	}
	return b.String()
}

// Unwrap returns the underlying transport error, if any.
func (r *Record) Unwrap() error {
	return r.cause
}

// WithAttempts returns a copy of the record annotated with the number of
// attempts made before it was surfaced. The original record is untouched.
func (r *Record) WithAttempts(n int) *Record {
	cp := *r
	cp.Attempts = n
	return &cp
}

// Signal gathers the raw inputs to classification. Fields are optional;
// whatever the failure site knows is enough.
type Signal struct {
	// Err is the raw transport error, when the failure produced one.
	Err error

	// HTTPStatus is the response status code, zero when no response arrived.
	HTTPStatus int

	// WSCloseCode is the WebSocket close code, zero when not applicable.
	WSCloseCode int

	// Timeout marks failures caused by a deadline or idle timeout.
	Timeout bool

	// RetryAfterSeconds carries a parsed Retry-After value, when present.
	RetryAfterSeconds float64

	// ExchangeCode and ExchangeMessage carry the exchange error payload,
	// when the body could be decoded.
	ExchangeCode    string
	ExchangeMessage string

	// Symbol is the trading pair the request or subscription concerned.
	Symbol string
}

// Classify maps a failure signal to exactly one Record. It never returns
// nil: a signal with nothing recognizable in it still classifies, as
// KindProtocol, because an unexplainable failure means the wire contract
// drifted.
func Classify(sig Signal) *Record {
	switch {
	case sig.Timeout || isNetworkErr(sig.Err):
		return &Record{
			Kind:      KindNetwork,
			Message:   networkMessage(sig),
			Retriable: true,
			Symbol:    sig.Symbol,
			cause:     sig.Err,
		}

	case sig.HTTPStatus == http.StatusTooManyRequests || isRateLimitPayload(sig):
		return &Record{
			Kind:              KindRateLimit,
			Message:           nonEmpty(sig.ExchangeMessage, "rate limit exceeded"),
			Retriable:         true,
			RetryAfterSeconds: sig.RetryAfterSeconds,
			HTTPStatus:        sig.HTTPStatus,
			Symbol:            sig.Symbol,
			ExchangeErrorCode: sig.ExchangeCode,
			cause:             sig.Err,
		}

	case isInvalidSymbol(sig):
		return &Record{
			Kind:              KindInvalidSymbol,
			Message:           nonEmpty(sig.ExchangeMessage, fmt.Sprintf("unknown symbol %q", sig.Symbol)),
			HTTPStatus:        sig.HTTPStatus,
			Symbol:            sig.Symbol,
			ExchangeErrorCode: sig.ExchangeCode,
			cause:             sig.Err,
		}

	case sig.ExchangeCode != "" || sig.ExchangeMessage != "" || isServerStatus(sig.HTTPStatus):
		return &Record{
			Kind:              KindExchange,
			Message:           nonEmpty(sig.ExchangeMessage, fmt.Sprintf("exchange error (http %d)", sig.HTTPStatus)),
			HTTPStatus:        sig.HTTPStatus,
			Symbol:            sig.Symbol,
			ExchangeErrorCode: sig.ExchangeCode,
			cause:             sig.Err,
		}

	case isAbnormalClose(sig.WSCloseCode):
		// Abnormal closure without an exchange payload is a transport
		// failure, not a contract violation.
		return &Record{
			Kind:      KindNetwork,
			Message:   fmt.Sprintf("websocket closed (code %d)", sig.WSCloseCode),
			Retriable: true,
			Symbol:    sig.Symbol,
			cause:     sig.Err,
		}

	default:
		return &Record{
			Kind:    KindProtocol,
			Message: protocolMessage(sig),
			Symbol:  sig.Symbol,
			cause:   sig.Err,
		}
	}
}

// Protocol creates a KindProtocol record directly, for failure sites that
// already know the message shape was wrong (e.g. JSON decode failures on a
// data frame).
func Protocol(msg string, cause error) *Record {
	return &Record{Kind: KindProtocol, Message: msg, cause: cause}
}

// AsRecord extracts a *Record from err, classifying the error as a generic
// network failure when it is not already a Record. Guarantees the caller a
// typed error surface.
func AsRecord(err error) *Record {
	var rec *Record
	if errors.As(err, &rec) {
		return rec
	}
	return Classify(Signal{Err: err})
}

func isNetworkErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || os.IsTimeout(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

func isRateLimitPayload(sig Signal) bool {
	msg := strings.ToLower(sig.ExchangeMessage)
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests")
}

func isInvalidSymbol(sig Signal) bool {
	if sig.HTTPStatus == http.StatusTooManyRequests {
		return false
	}
	// Domain-level: a 4xx response, or an exchange payload with no HTTP
	// status at all (WebSocket error frames).
	if sig.HTTPStatus != 0 && (sig.HTTPStatus < 400 || sig.HTTPStatus >= 500) {
		return false
	}
	msg := strings.ToLower(sig.ExchangeMessage)
	return strings.Contains(msg, "invalid symbol") ||
		strings.Contains(msg, "unknown symbol") ||
		strings.Contains(msg, "symbol not found")
}

func isServerStatus(status int) bool {
	return status >= 400
}

func isAbnormalClose(code int) bool {
	switch code {
	case 0, websocket.CloseNormalClosure:
		return false
	default:
		return true
	}
}

func networkMessage(sig Signal) string {
	if sig.Timeout {
		return "request timed out"
	}
	if sig.Err != nil {
		return sig.Err.Error()
	}
	return "network failure"
}

func protocolMessage(sig Signal) string {
	if sig.Err != nil {
		return fmt.Sprintf("unexpected wire message: %v", sig.Err)
	}
	if sig.WSCloseCode != 0 {
		return fmt.Sprintf("unexpected websocket close code %d", sig.WSCloseCode)
	}
	return "unclassifiable failure"
}

func nonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}

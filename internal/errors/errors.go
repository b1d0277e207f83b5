// Package errors provides the structured error taxonomy used across vspc:
// every error raised by the protocol engine, the session manager and the
// ambient plumbing around them carries a type, a severity and a retryable
// flag so that callers can decide, without string matching, whether a fault
// is connection-local or session-fatal.
package errors

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorType classifies an error along the taxonomy in the error handling
// design: protocol framing, protocol semantics, authorization, timeouts,
// resource exhaustion, transport, configuration and internal faults.
type ErrorType string

const (
	// ErrorTypeProtocolFrame marks a malformed Telnet wire frame (bad IAC
	// escape, truncated subnegotiation, premature EOF inside SB). Always
	// connection-fatal.
	ErrorTypeProtocolFrame ErrorType = "protocol_frame"
	// ErrorTypeProtocolSemantic marks a well-framed but semantically
	// invalid payload (unknown subopcode, bad body length). Never
	// connection-fatal.
	ErrorTypeProtocolSemantic ErrorType = "protocol_semantic"
	// ErrorTypeAuthorization marks a failed (id, secret) check on a
	// VMOTION-PEER claim.
	ErrorTypeAuthorization ErrorType = "authorization"
	// ErrorTypeTimeout marks an expired admission, T_goahead, T_peer or
	// T_complete deadline.
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeResourceExhaustion marks a bounded buffer or queue
	// overflow (subscriber outbound queue, admission buffer).
	ErrorTypeResourceExhaustion ErrorType = "resource_exhaustion"
	// ErrorTypeTransport marks a read/write/close failure on the
	// underlying net.Conn, handled the same way as a clean close.
	ErrorTypeTransport ErrorType = "transport"
	ErrorTypeConfig     ErrorType = "config"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeSystem     ErrorType = "system"
)

// Severity represents error severity levels.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// StructuredError is the interface satisfied by VSPCError, exposed so
// callers that only hold an `error` can still branch on taxonomy.
type StructuredError interface {
	error
	Type() ErrorType
	Severity() Severity
	Code() string
	Cause() error
	Context() map[string]interface{}
	Suggestion() string
	UserFriendlyMessage() string
	IsRetryable() bool
}

// VSPCError is a structured error carrying classification and diagnostic
// context in addition to a message.
type VSPCError struct {
	errType      ErrorType
	severity     Severity
	Message      string
	code         string
	cause        error
	context      map[string]interface{}
	Timestamp    time.Time
	StackTrace   []string
	suggestion   string
	Retryable    bool
	userFriendly string
}

// Error implements the error interface.
func (e *VSPCError) Error() string {
	if e.userFriendly != "" {
		return e.userFriendly
	}
	return e.Message
}

// Unwrap returns the underlying cause, if any.
func (e *VSPCError) Unwrap() error { return e.cause }

// Is reports whether target is a VSPCError with the same type and code.
func (e *VSPCError) Is(target error) bool {
	if t, ok := target.(*VSPCError); ok {
		return e.errType == t.errType && e.code == t.code
	}
	return false
}

func (e *VSPCError) Type() ErrorType                { return e.errType }
func (e *VSPCError) Severity() Severity              { return e.severity }
func (e *VSPCError) Code() string                    { return e.code }
func (e *VSPCError) Cause() error                    { return e.cause }
func (e *VSPCError) Context() map[string]interface{} { return e.context }
func (e *VSPCError) Suggestion() string              { return e.suggestion }
func (e *VSPCError) UserFriendlyMessage() string     { return e.userFriendly }
func (e *VSPCError) IsRetryable() bool               { return e.Retryable }

// NewError creates a new VSPCError, capturing a short stack trace at the
// call site.
func NewError(errType ErrorType, severity Severity, code, message string) *VSPCError {
	return &VSPCError{
		errType:    errType,
		severity:   severity,
		Message:    message,
		code:       code,
		Timestamp:  time.Now(),
		context:    make(map[string]interface{}),
		StackTrace: captureStackTrace(),
	}
}

func (e *VSPCError) WithCause(cause error) *VSPCError {
	e.cause = cause
	return e
}

func (e *VSPCError) WithContext(key string, value interface{}) *VSPCError {
	if e.context == nil {
		e.context = make(map[string]interface{})
	}
	e.context[key] = value
	return e
}

func (e *VSPCError) WithSuggestion(s string) *VSPCError {
	e.suggestion = s
	return e
}

func (e *VSPCError) WithUserFriendly(msg string) *VSPCError {
	e.userFriendly = msg
	return e
}

func (e *VSPCError) SetRetryable(retryable bool) *VSPCError {
	e.Retryable = retryable
	return e
}

func captureStackTrace() []string {
	var stack []string
	for i := 2; i < 10; i++ {
		_, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if idx := strings.LastIndex(file, "/"); idx != -1 {
			file = file[idx+1:]
		}
		stack = append(stack, fmt.Sprintf("%s:%d", file, line))
	}
	return stack
}

// Constructors, one per taxonomy entry.

func ProtocolFrameError(code, message string) *VSPCError {
	return NewError(ErrorTypeProtocolFrame, SeverityHigh, code, message)
}

func ProtocolSemanticError(code, message string) *VSPCError {
	return NewError(ErrorTypeProtocolSemantic, SeverityLow, code, message)
}

func AuthorizationError(code, message string) *VSPCError {
	return NewError(ErrorTypeAuthorization, SeverityHigh, code, message)
}

func TimeoutError(code, message string) *VSPCError {
	return NewError(ErrorTypeTimeout, SeverityMedium, code, message).SetRetryable(true)
}

func ResourceExhaustionError(code, message string) *VSPCError {
	return NewError(ErrorTypeResourceExhaustion, SeverityMedium, code, message)
}

func TransportError(code, message string) *VSPCError {
	return NewError(ErrorTypeTransport, SeverityHigh, code, message).SetRetryable(true)
}

func ConfigError(code, message string) *VSPCError {
	return NewError(ErrorTypeConfig, SeverityMedium, code, message)
}

func InternalError(code, message string) *VSPCError {
	return NewError(ErrorTypeInternal, SeverityCritical, code, message)
}

func SystemError(code, message string) *VSPCError {
	return NewError(ErrorTypeSystem, SeverityHigh, code, message)
}

// Predefined errors used at several call sites.
var (
	ErrConnectionClosed = TransportError("NET001", "connection closed")
	ErrAdmissionTimeout = TimeoutError("ADM001", "no VC-UUID observed before admission timeout")
	ErrUnknownSubopcode = ProtocolSemanticError("VMW001", "unknown VMware-EXT subopcode")
	ErrBadSecret        = AuthorizationError("MIG001", "migration id/secret mismatch")
	ErrQueueOverflow    = ResourceExhaustionError("SUB001", "subscriber outbound queue overflow")
	ErrMalformedSB      = ProtocolFrameError("TEL001", "unterminated or malformed subnegotiation")
	ErrIdentityChanged  = ProtocolSemanticError("VMW002", "VC-UUID changed mid-connection")
)

// WrapError wraps an existing error with additional classification.
func WrapError(err error, errType ErrorType, severity Severity, code, message string) *VSPCError {
	return NewError(errType, severity, code, message).WithCause(err)
}

func IsRetryable(err error) bool {
	if se, ok := err.(StructuredError); ok {
		return se.IsRetryable()
	}
	return false
}

func GetErrorType(err error) ErrorType {
	if se, ok := err.(StructuredError); ok {
		return se.Type()
	}
	return ErrorTypeInternal
}

func GetSeverity(err error) Severity {
	if se, ok := err.(StructuredError); ok {
		return se.Severity()
	}
	return SeverityMedium
}

// PanicRecoveryConfig configures a PanicRecovery instance.
type PanicRecoveryConfig struct {
	Logger        func(format string, args ...interface{})
	MetricsFunc   func(name string, fields map[string]interface{})
	EnableMetrics bool
}

// PanicRecovery recovers panics inside per-connection goroutines so that one
// misbehaving VM connection or subscriber cannot take down the listener
// loop or other sessions pinned to the same worker.
type PanicRecovery struct {
	logger        func(format string, args ...interface{})
	metricsFunc   func(name string, fields map[string]interface{})
	enableMetrics bool
}

func NewPanicRecovery(config PanicRecoveryConfig) *PanicRecovery {
	return &PanicRecovery{
		logger:        config.Logger,
		metricsFunc:   config.MetricsFunc,
		enableMetrics: config.EnableMetrics,
	}
}

func (pr *PanicRecovery) createPanicError(panicValue interface{}, operation string, context map[string]interface{}) *VSPCError {
	err := SystemError("SYS001", fmt.Sprintf("recovered panic in %s", operation)).
		WithUserFriendly("an internal error occurred and was contained").
		WithSuggestion("check the log for the captured stack trace").
		WithContext("panic_value", panicValue).
		WithContext("operation", operation).
		WithContext("panic_type", fmt.Sprintf("%T", panicValue))
	for k, v := range context {
		err.WithContext(k, v)
	}
	return err
}

// RecoverWithContext should be deferred at the top of a goroutine. It logs
// and records metrics for any panic, then lets the goroutine's caller
// observe no effect beyond that goroutine's early exit.
func (pr *PanicRecovery) RecoverWithContext(operation string, context map[string]interface{}) {
	if r := recover(); r != nil {
		err := pr.createPanicError(r, operation, context)
		if pr.logger != nil {
			pr.logger("recovered panic in %s: %v\n%s", operation, r, strings.Join(err.StackTrace, "\n"))
		}
		if pr.enableMetrics && pr.metricsFunc != nil {
			pr.metricsFunc("panic_recovered", err.Context())
		}
	}
}

// SafeGo runs fn in a new goroutine, recovering any panic with the given
// operation label.
func (pr *PanicRecovery) SafeGo(operation string, fn func()) {
	go func() {
		defer pr.RecoverWithContext(operation, nil)
		fn()
	}()
}

// DefaultPanicRecovery is used by the package-level convenience helpers.
var DefaultPanicRecovery = NewPanicRecovery(PanicRecoveryConfig{
	Logger: func(format string, args ...interface{}) { fmt.Printf(format+"\n", args...) },
})

func Recover(operation string) { DefaultPanicRecovery.RecoverWithContext(operation, nil) }

package node

import (
	stdErrors "errors"
	"fmt"
	"time"

	xerrors "piper-nodes/internal/errors"
)

// Kind classifies why a node invocation failed. None of the kinds is retried
// by the engine itself.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConfig: a required credential or setting is missing.
	KindConfig
	// KindFatal: the provider rejected the job or the job ended failed/canceled.
	KindFatal
	// KindTimeout: the attempt ceiling was reached while the job was still running.
	KindTimeout
	// KindProtocol: an unrecognised control signal or provider status.
	KindProtocol
)

const (
	CodeConfig   xerrors.Code = "NODE_CONFIG"
	CodeFatal    xerrors.Code = "NODE_FATAL"
	CodeTimeout  xerrors.Code = "NODE_TIMEOUT"
	CodeProtocol xerrors.Code = "NODE_PROTOCOL"
)

func init() {
	xerrors.Register(CodeConfig, xerrors.Attributes{
		Message:   "node configuration error",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeFatal, xerrors.Attributes{
		Message:   "provider task failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeTimeout, xerrors.Attributes{
		Message:   "provider task timed out",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeProtocol, xerrors.Attributes{
		Message:   "node protocol violation",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindFatal:
		return "fatal"
	case KindTimeout:
		return "timeout"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Code returns the registered error code of the kind.
func (k Kind) Code() xerrors.Code {
	switch k {
	case KindConfig:
		return CodeConfig
	case KindFatal:
		return CodeFatal
	case KindTimeout:
		return CodeTimeout
	case KindProtocol:
		return CodeProtocol
	default:
		return xerrors.CodeUnknown
	}
}

// Error is the failure of a node invocation.
type Error struct {
	Kind    Kind
	Message string
	// TaskID is the remote task involved, when there is one.
	TaskID string
	// Elapsed is set on timeouts: wall-clock time since the task was created.
	Elapsed time.Duration

	cause error
}

func newError(kind Kind, taskID, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, TaskID: taskID, cause: cause}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

// Unwrap exposes a coded error so xerrors.CodeOf and errors.Is work on the
// whole chain, including the original cause. The task and elapsed time ride
// along as metadata.
func (e *Error) Unwrap() error {
	var opts []xerrors.Option
	if e.TaskID != "" {
		opts = append(opts, xerrors.WithMetadata("task_id", e.TaskID))
	}
	if e.Elapsed > 0 {
		opts = append(opts, xerrors.WithMetadata("elapsed", e.Elapsed.String()))
	}
	return xerrors.Wrap(e.Kind.Code(), e.cause, e.Message, opts...)
}

// WithTask records taskID on a node error that does not name a task yet.
// Other errors are returned unchanged.
func WithTask(err error, taskID string) error {
	if e, ok := err.(*Error); ok && e.TaskID == "" {
		e.TaskID = taskID
	}
	return err
}

// ConfigError reports a missing credential or setting.
func ConfigError(message string) *Error {
	return newError(KindConfig, "", message, nil)
}

// Fatal reports a non-retryable provider failure.
func Fatal(taskID, message string) *Error {
	return newError(KindFatal, taskID, message, nil)
}

// FatalWrap reports a non-retryable failure caused by err.
func FatalWrap(taskID string, err error, message string) *Error {
	return newError(KindFatal, taskID, message, err)
}

// Timeout reports that the task was still running after the attempt budget.
func Timeout(taskID string, elapsed time.Duration) *Error {
	e := newError(KindTimeout, taskID, fmt.Sprintf("Task %s timeout in %.1f sec", taskID, elapsed.Seconds()), nil)
	e.Elapsed = elapsed
	return e
}

// ProtocolError reports an unrecognised signal or status.
func ProtocolError(message string) *Error {
	return newError(KindProtocol, "", message, nil)
}

// KindOf returns the kind of err, or KindUnknown for errors not raised by
// this package.
func KindOf(err error) Kind {
	var e *Error
	if stdErrors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsTimeout reports whether err is a timeout.
func IsTimeout(err error) bool { return KindOf(err) == KindTimeout }

// IsFatal reports whether err is a fatal provider failure.
func IsFatal(err error) bool { return KindOf(err) == KindFatal }

// IsConfig reports whether err is a configuration error.
func IsConfig(err error) bool { return KindOf(err) == KindConfig }

package runner

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Process exit codes, one per error kind.
const (
	ExitOK          = 0
	ExitUnexpected  = 1
	ExitSetup       = 2
	ExitAuth        = 3
	ExitTransport   = 4
	ExitInterrupted = 130
)

type Kind int

const (
	KindUnexpected Kind = iota
	// KindSetup covers everything before the first network call: config,
	// credential input, trust anchor and renderer loading.
	KindSetup
	// KindAuth means the service rejected the credential. Never retried.
	KindAuth
	// KindTransport is a connection level failure worth retrying.
	KindTransport
	// KindInterrupted means the run context was cancelled.
	KindInterrupted
)

func (k Kind) String() string {
	switch k {
	case KindSetup:
		return "setup"
	case KindAuth:
		return "auth"
	case KindTransport:
		return "transport"
	case KindInterrupted:
		return "interrupted"
	default:
		return "unexpected"
	}
}

func (k Kind) ExitCode() int {
	switch k {
	case KindSetup:
		return ExitSetup
	case KindAuth:
		return ExitAuth
	case KindTransport:
		return ExitTransport
	case KindInterrupted:
		return ExitInterrupted
	default:
		return ExitUnexpected
	}
}

// Error is a run failure tagged with its kind and the step that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) ExitCode() int { return e.Kind.ExitCode() }

// Retryable reports whether another attempt could succeed.
func (e *Error) Retryable() bool { return e.Kind == KindTransport }

func setupError(op string, err error) *Error {
	return &Error{Kind: KindSetup, Op: op, Err: err}
}

// classify tags an error returned by the call or the stream. ctx is the run
// context: once it is done, whatever the transport reported is a consequence
// of the interruption.
func classify(ctx context.Context, op string, err error) *Error {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged
	}
	if ctx.Err() != nil {
		return &Error{Kind: KindInterrupted, Op: op, Err: err}
	}

	st, ok := status.FromError(err)
	if !ok {
		return &Error{Kind: KindUnexpected, Op: op, Err: err}
	}

	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied:
		return &Error{Kind: KindAuth, Op: op, Err: err}
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return &Error{Kind: KindTransport, Op: op, Err: err}
	default:
		return &Error{Kind: KindUnexpected, Op: op, Err: err}
	}
}

// ExitCode maps the result of Run to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return ExitUnexpected
}

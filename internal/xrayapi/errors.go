package xrayapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies a failure reported by an engine API or node.
type Kind int

const (
	KindProtocol Kind = iota
	KindUnreachable
	KindTimeout
	KindTagNotFound
	KindIdentityExists
	KindIdentityNotFound
)

var kindNames = map[Kind]string{
	KindProtocol:         "protocol",
	KindUnreachable:      "unreachable",
	KindTimeout:          "timeout",
	KindTagNotFound:      "tag_not_found",
	KindIdentityExists:   "identity_exists",
	KindIdentityNotFound: "identity_not_found",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "protocol"
}

// ParseKind is the inverse of Kind.String. Unknown names map to KindProtocol.
func ParseKind(s string) Kind {
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}
	return KindProtocol
}

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with an explicit kind.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the kind carried by err. Errors that were never
// classified count as protocol errors, except for deadline and network
// errors which are recognised directly.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindUnreachable
	}
	return KindProtocol
}

// Operation names a user-management call for the recovery policy.
type Operation int

const (
	OpAddUser Operation = iota
	OpRemoveUser
)

// Recoverable decides whether a failed call is an expected condition that
// is dropped silently (true) or one that should be surfaced to logs.
// Connectivity and missing-tag failures are always recoverable; identity
// conflicts are recoverable only in the direction the call was heading.
func Recoverable(op Operation, err error) bool {
	if err == nil {
		return true
	}
	switch KindOf(err) {
	case KindUnreachable, KindTimeout, KindTagNotFound:
		return true
	case KindIdentityExists:
		return op == OpAddUser
	case KindIdentityNotFound:
		return op == OpRemoveUser
	}
	return false
}

// classify converts a gRPC error from the engine API into an *Error.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTimeout, op, err)
	}

	msg := err.Error()
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable:
			return NewError(KindUnreachable, op, err)
		case codes.DeadlineExceeded:
			return NewError(KindTimeout, op, err)
		}
		msg = st.Message()
	}

	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "failed to get handler"), strings.Contains(lower, "handler not found"):
		return NewError(KindTagNotFound, op, err)
	case strings.Contains(lower, "already exists"):
		return NewError(KindIdentityExists, op, err)
	case strings.Contains(lower, "not found"):
		return NewError(KindIdentityNotFound, op, err)
	}
	return NewError(KindProtocol, op, err)
}

package dockerd

import (
	"errors"
	"net"

	"github.com/containerd/errdefs"
)

// Kind classifies daemon errors independently of the wire format.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindConflict
	KindPermissionDenied
	KindTransport
	KindBadResponse
)

// String returns the kind name for logging.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindConflict:
		return "conflict"
	case KindPermissionDenied:
		return "permission denied"
	case KindTransport:
		return "transport"
	case KindBadResponse:
		return "bad response"
	default:
		return "unknown"
	}
}

// Classify maps a daemon client error onto a Kind.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	switch {
	case errdefs.IsNotFound(err):
		return KindNotFound
	case errdefs.IsConflict(err):
		return KindConflict
	case errdefs.IsPermissionDenied(err) || errdefs.IsUnauthorized(err):
		return KindPermissionDenied
	case errdefs.IsInvalidArgument(err):
		return KindBadResponse
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransport
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindTransport
	}
	return KindUnknown
}

// IsNotFound reports whether the error is a daemon not-found error.
func IsNotFound(err error) bool {
	return Classify(err) == KindNotFound
}

// IsConflict reports whether the error is a daemon conflict error.
func IsConflict(err error) bool {
	return Classify(err) == KindConflict
}

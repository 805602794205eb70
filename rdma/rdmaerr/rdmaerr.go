// Package rdmaerr classifies transport errors into the caller-facing
// category taxonomy the collective library expects, mirroring the fabric
// errno-to-category mapping libfabric's own errno table hard-codes.
package rdmaerr

import (
	"errors"

	"github.com/netfabric/ofi-rdma/fi"
)

// Category is the caller-visible error classification.
type Category int

const (
	// Transient marks fabric EAGAIN backpressure. In this transport it
	// never reaches Classify directly — it is absorbed into the
	// pending-request queue — but the category exists for completeness
	// and for callers classifying errors from outside the progress loop.
	Transient Category = iota
	// InvalidArgument marks a caller mistake: bad comm id, wrong request
	// type in a slot, oversize group recv, null pointers, an
	// unrecognized protocol selection.
	InvalidArgument
	// ResourceExhaustion marks an empty freelist, an exhausted id pool,
	// or a communicator at its inflight-request cap.
	ResourceExhaustion
	// RemoteError marks a peer-reachability failure: the connection was
	// aborted, reset, refused, or the peer host is down/unreachable.
	RemoteError
	// SystemError marks a fatal protocol violation or an otherwise
	// unclassified fabric failure; the endpoint may no longer be usable.
	SystemError
	// Internal marks a fabric EINVAL — a bug in this shim's own argument
	// marshaling, not something the caller or the peer did.
	Internal
)

func (c Category) String() string {
	switch c {
	case Transient:
		return "transient"
	case InvalidArgument:
		return "invalid-argument"
	case ResourceExhaustion:
		return "resource-exhaustion"
	case RemoteError:
		return "remote-error"
	case SystemError:
		return "system-error"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// remoteErrnos are the fabric errno values that indicate a peer or network
// reachability failure rather than a local problem.
var remoteErrnos = map[fi.Errno]bool{
	fi.ErrRemoteConnAborted: true,
	fi.ErrRemoteConnReset:   true,
	fi.ErrRemoteConnRefused: true,
	fi.ErrRemoteNotConn:     true,
	fi.ErrRemoteHostDown:    true,
	fi.ErrRemoteUnreachable: true,
	fi.ErrRemoteShutdown:    true,
}

// Classify maps an error observed on a request (typically read from a
// completion-queue error entry) to its caller-facing category. EAGAIN is
// intentionally not special-cased
// as a distinct code path beyond the Transient case below: by the time a
// correctly-written caller reaches Classify, a request in ERROR state
// should never actually carry EAGAIN, since that is intercepted earlier
// and absorbed into the pending-request queue.
func Classify(err error) Category {
	if err == nil {
		return Internal
	}

	if errors.Is(err, fi.ErrWouldBlock) {
		return Transient
	}

	var handle fi.ErrInvalidHandle
	if errors.As(err, &handle) {
		return InvalidArgument
	}

	var errno fi.Errno
	if errors.As(err, &errno) {
		if remoteErrnos[errno] {
			return RemoteError
		}
		if errno == fi.ErrInvalidArgument {
			return Internal
		}
		return SystemError
	}

	return SystemError
}

package fi

import (
	"errors"

	"github.com/netfabric/ofi-rdma/internal/capi"
)

var (
	// ErrNoCompletion indicates that no completion entries were available.
	ErrNoCompletion = errors.New("libfabric: no completion available")
	// ErrNoEvent indicates that no event entries were available.
	ErrNoEvent = errors.New("libfabric: no event available")
	// ErrTimeout indicates that a wait operation timed out.
	ErrTimeout = errors.New("libfabric: wait timed out")
	// ErrContextUnknown indicates that a completion context was not found.
	ErrContextUnknown = errors.New("libfabric: completion context not found")
	// ErrCapabilityUnsupported indicates that the provider does not support the requested capability.
	ErrCapabilityUnsupported = errors.New("libfabric: capability not supported")
	// ErrInsufficientAccess indicates that a memory region lacks the required access flags for the requested operation.
	ErrInsufficientAccess = errors.New("libfabric: memory region missing required access")
)

// Errno re-exports the libfabric errno type for consumers of the fi package.
type Errno = capi.Errno

// ErrWouldBlock is returned by non-blocking posts when the operation would
// otherwise block; callers treat it as "retry later", not as a failure. CQ/EQ
// reads report an empty queue as ErrNoCompletion or ErrNoEvent instead.
var ErrWouldBlock error = capi.ErrAgain

// Remote-facing errno values re-exported so callers can classify a
// completion error as a peer/fabric failure rather than a local bug,
// without importing internal/capi directly.
var (
	ErrRemoteNotConn     = capi.ErrNotConn
	ErrRemoteShutdown    = capi.ErrShutdown
	ErrRemoteHostDown    = capi.ErrHostDown
	ErrRemoteUnreachable = capi.ErrHostUnreach
	ErrRemoteConnAborted = capi.ErrConnAborted
	ErrRemoteConnReset   = capi.ErrConnReset
	ErrRemoteConnRefused = capi.ErrConnRefused
)

// ErrBadFlags and ErrInvalidArgument re-export two libfabric errno values.
// rdmaerr.Classify treats ErrInvalidArgument as an internal mistake;
// ErrBadFlags has no special case there and classifies as a system error.
var (
	ErrBadFlags       = capi.ErrBadFlags
	ErrInvalidArgument = capi.ErrInval
)

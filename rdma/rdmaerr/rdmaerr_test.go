package rdmaerr

import (
	"fmt"
	"testing"

	"github.com/netfabric/ofi-rdma/fi"
)

func TestClassifyRemoteErrors(t *testing.T) {
	for _, err := range []error{
		fi.ErrRemoteConnAborted,
		fi.ErrRemoteConnReset,
		fi.ErrRemoteConnRefused,
		fi.ErrRemoteNotConn,
		fi.ErrRemoteHostDown,
		fi.ErrRemoteUnreachable,
		fi.ErrRemoteShutdown,
	} {
		if got := Classify(err); got != RemoteError {
			t.Fatalf("Classify(%v) = %v, want RemoteError", err, got)
		}
	}
}

func TestClassifyInvalidArgument(t *testing.T) {
	if got := Classify(fi.ErrInvalidArgument); got != Internal {
		t.Fatalf("Classify(EINVAL) = %v, want Internal", got)
	}
}

func TestClassifyInvalidHandle(t *testing.T) {
	if got := Classify(fi.ErrInvalidHandle{Resource: "endpoint"}); got != InvalidArgument {
		t.Fatalf("Classify(ErrInvalidHandle) = %v, want InvalidArgument", got)
	}
}

func TestClassifyTransient(t *testing.T) {
	if got := Classify(fi.ErrWouldBlock); got != Transient {
		t.Fatalf("Classify(ErrWouldBlock) = %v, want Transient", got)
	}
}

func TestClassifyFallsBackToSystemError(t *testing.T) {
	if got := Classify(fi.ErrBadFlags); got != SystemError {
		t.Fatalf("Classify(ErrBadFlags) = %v, want SystemError", got)
	}
	if got := Classify(fmt.Errorf("wrapped: %w", fi.ErrRemoteConnReset)); got != RemoteError {
		t.Fatalf("Classify did not unwrap a wrapped remote error")
	}
}

func TestClassifyNilIsInternal(t *testing.T) {
	if got := Classify(nil); got != Internal {
		t.Fatalf("Classify(nil) = %v, want Internal", got)
	}
}

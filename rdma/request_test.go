package rdma

import "testing"

func TestRequestCompleteSingleSegment(t *testing.T) {
	req := NewRequest(RequestSend)
	req.CompletionsNeeded = 1
	req.MarkPosted()

	req.Complete(nil)

	if !req.IsDone() {
		t.Fatalf("expected request done after single completion")
	}
	if req.State != RequestDone {
		t.Fatalf("state = %v, want DONE", req.State)
	}
	select {
	case <-req.Done():
	default:
		t.Fatalf("expected Done() channel closed")
	}
}

func TestRequestParentWaitsForAllChildren(t *testing.T) {
	parent := NewRequest(RequestSend)
	childA := NewChild(parent, RequestSendCtrl)
	childB := NewChild(parent, RequestSendCtrl)

	if parent.CompletionsNeeded != 2 {
		t.Fatalf("CompletionsNeeded = %d, want 2", parent.CompletionsNeeded)
	}

	childA.Complete(nil)
	if parent.IsDone() {
		t.Fatalf("parent should not be done after only one child completes")
	}

	childB.Complete(nil)
	if !parent.IsDone() {
		t.Fatalf("parent should be done once both children complete")
	}
}

func TestRequestFirstErrorSticks(t *testing.T) {
	parent := NewRequest(RequestSend)
	childA := NewChild(parent, RequestSendCtrl)
	childB := NewChild(parent, RequestSendCtrl)

	errFirst := errTest("first")
	childA.Complete(errFirst)
	childB.Complete(errTest("second"))

	if parent.Error() != errFirst {
		t.Fatalf("parent error = %v, want the first error recorded", parent.Error())
	}
	if parent.State != RequestError {
		t.Fatalf("state = %v, want ERROR", parent.State)
	}
}

func TestRequestCompleteIsIdempotentOnceDone(t *testing.T) {
	req := NewRequest(RequestFlush)
	req.CompletionsNeeded = 1
	req.Complete(nil)
	req.Complete(errTest("late"))

	if req.Error() != nil {
		t.Fatalf("a completion delivered after DONE must not overwrite state, got err=%v", req.Error())
	}
}

func TestRequestPoolRegisterAndLookup(t *testing.T) {
	pool := newRequestPool()
	req := NewRequest(RequestRecv)
	tag := pool.Register(req)

	got, ok := pool.Lookup(tag)
	if !ok || got != req {
		t.Fatalf("Lookup(%d) = %v, %v; want req, true", tag, got, ok)
	}

	pool.Forget(tag)
	if _, ok := pool.Lookup(tag); ok {
		t.Fatalf("expected tag forgotten after Forget")
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }

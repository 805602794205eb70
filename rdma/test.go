package rdma

// Test drains the owning endpoint's completion queues once and reports
// whether req has reached a terminal state. A caller polls Test in a loop
// until done is true, at which point size reports req.Size, the length the
// request was posted with (0 on a failed request), and err carries the first
// error recorded against req or any of its children. size is not a count of
// the bytes that actually arrived; a receive into a larger buffer than the
// peer sent still reports the buffer's length.
func Test(ep *Endpoint, req *Request) (done bool, size uint64, err error) {
	if req.IsDone() {
		if req.Error() != nil {
			return true, 0, req.Error()
		}
		return true, req.Size, nil
	}
	if perr := ep.Progress(); perr != nil {
		return false, 0, perr
	}
	if req.IsDone() {
		if req.Error() != nil {
			return true, 0, req.Error()
		}
		return true, req.Size, nil
	}
	return false, 0, nil
}

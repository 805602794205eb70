//go:build cgo

package rdma

import (
	"errors"

	"github.com/netfabric/ofi-rdma/fi"
)

// ofiRail adapts one rail's libfabric endpoint, completion queue, address
// vector, and domain onto the fabric-agnostic Rail interface. This is the
// only file in package rdma that imports fi/internal/capi; everything else
// in the package is pure Go so the protocol core and its tests build and
// run without a CGO toolchain or libfabric installed.
type ofiRail struct {
	ep     *fi.Endpoint
	cq     *fi.CompletionQueue
	av     *fi.AddressVector
	domain *fi.Domain
}

// NewOFIRail wraps an already-opened, bound libfabric endpoint as a Rail.
func NewOFIRail(ep *fi.Endpoint, cq *fi.CompletionQueue, av *fi.AddressVector, domain *fi.Domain) Rail {
	return &ofiRail{ep: ep, cq: cq, av: av, domain: domain}
}

func newTaggedContext(tag uint64) (*fi.CompletionContext, error) {
	ctx, err := fi.NewCompletionContext()
	if err != nil {
		return nil, err
	}
	ctx.SetValue(tag)
	return ctx, nil
}

func (r *ofiRail) memRegion(m MemoryHandle) *fi.MemoryRegion {
	if m == nil {
		return nil
	}
	mr, _ := m.(*ofiMemoryHandle)
	if mr == nil {
		return nil
	}
	return mr.region
}

func (r *ofiRail) PostSend(o SendOp) error {
	ctx, err := newTaggedContext(o.Tag)
	if err != nil {
		return err
	}
	_, err = r.ep.PostSend(&fi.SendRequest{
		Buffer:  o.Buffer,
		Dest:    fi.Address(o.Dest),
		Context: ctx,
		Region:  r.memRegion(o.Mem),
	})
	return translateOFIErr(err)
}

func (r *ofiRail) PostSendData(o SendOp, data uint32) error {
	ctx, err := newTaggedContext(o.Tag)
	if err != nil {
		return err
	}
	_, err = r.ep.PostSendData(&fi.SendRequest{
		Buffer:  o.Buffer,
		Dest:    fi.Address(o.Dest),
		Context: ctx,
		Region:  r.memRegion(o.Mem),
	}, uint64(data))
	return translateOFIErr(err)
}

func (r *ofiRail) PostRecv(o RecvOp) error {
	ctx, err := newTaggedContext(o.Tag)
	if err != nil {
		return err
	}
	src := fi.Address(o.Source)
	if o.AnySrc {
		src = 0
	}
	_, err = r.ep.PostRecv(&fi.RecvRequest{
		Buffer:  o.Buffer,
		Source:  src,
		Context: ctx,
		Region:  r.memRegion(o.Mem),
	})
	return translateOFIErr(err)
}

func (r *ofiRail) PostWrite(o WriteOp) error {
	ctx, err := newTaggedContext(o.Tag)
	if err != nil {
		return err
	}
	_, err = r.ep.PostWrite(&fi.RMARequest{
		Buffer:  o.Buffer,
		Region:  r.memRegion(o.Mem),
		Key:     o.Key,
		Offset:  o.Offset,
		Address: fi.Address(o.Dest),
		Context: ctx,
	})
	return translateOFIErr(err)
}

func (r *ofiRail) PostWriteData(o WriteOp, data uint32) error {
	ctx, err := newTaggedContext(o.Tag)
	if err != nil {
		return err
	}
	_, err = r.ep.PostWriteData(&fi.RMARequest{
		Buffer:  o.Buffer,
		Region:  r.memRegion(o.Mem),
		Key:     o.Key,
		Offset:  o.Offset,
		Address: fi.Address(o.Dest),
		Context: ctx,
	}, uint64(data))
	return translateOFIErr(err)
}

func (r *ofiRail) PostRead(o ReadOp) error {
	ctx, err := newTaggedContext(o.Tag)
	if err != nil {
		return err
	}
	_, err = r.ep.PostRead(&fi.RMARequest{
		Buffer:  o.Buffer,
		Region:  r.memRegion(o.Mem),
		Key:     o.Key,
		Offset:  o.Offset,
		Address: fi.Address(o.Src),
		Context: ctx,
	})
	return translateOFIErr(err)
}

func (r *ofiRail) PollCompletions(max int) ([]Completion, error) {
	out := make([]Completion, 0, max)
	for i := 0; i < max; i++ {
		ev, err := r.cq.ReadContext()
		if err != nil {
			if errors.Is(err, fi.ErrNoCompletion) {
				break
			}
			if errors.Is(err, fi.ErrWouldBlock) {
				break
			}
			return out, err
		}
		ctx, err := ev.Resolve()
		if err != nil {
			return out, err
		}
		tag, _ := ctx.Value().(uint64)
		out = append(out, Completion{
			Tag:    tag,
			Flags:  translateOFIFlags(ev.Flags),
			Length: ev.Length,
			Data:   uint32(ev.Data),
			Source: RemoteAddr(ev.Source),
		})
	}
	if len(out) == 0 {
		return nil, ErrNoCompletion
	}
	return out, nil
}

func (r *ofiRail) PollErrors(max int) ([]CompletionError, error) {
	out := make([]CompletionError, 0, max)
	for i := 0; i < max; i++ {
		entry, err := r.cq.ReadError(0)
		if err != nil {
			if errors.Is(err, fi.ErrNoCompletion) {
				break
			}
			return out, err
		}
		ctx, resolveErr := entry.Resolve()
		var tag uint64
		if resolveErr == nil {
			tag, _ = ctx.Value().(uint64)
		}
		out = append(out, CompletionError{
			Tag:   tag,
			Flags: translateOFIFlags(entry.Flags),
			Data:  entry.Data,
			Err:   entry.Err,
		})
	}
	if len(out) == 0 {
		return nil, ErrNoCompletion
	}
	return out, nil
}

type ofiMemoryHandle struct {
	region *fi.MemoryRegion
}

func (m *ofiMemoryHandle) Key() uint64   { return m.region.Key() }
func (m *ofiMemoryHandle) Bytes() []byte { return m.region.Bytes() }

func (r *ofiRail) RegisterMemory(buf []byte) (MemoryHandle, error) {
	region, err := r.domain.RegisterMemory(buf, fi.MRAccessLocal|fi.MRAccessRemoteRead|fi.MRAccessRemoteWrite)
	if err != nil {
		return nil, translateOFIErr(err)
	}
	return &ofiMemoryHandle{region: region}, nil
}

func (r *ofiRail) InsertAddress(raw []byte) (RemoteAddr, error) {
	addr, err := r.av.InsertRaw(raw, 0)
	if err != nil {
		return 0, translateOFIErr(err)
	}
	return RemoteAddr(addr), nil
}

func (r *ofiRail) LocalName() ([]byte, error) {
	name, err := r.ep.Name()
	return name, translateOFIErr(err)
}

func translateOFIErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, fi.ErrWouldBlock) {
		return ErrWouldBlock
	}
	return err
}

func translateOFIFlags(flags uint64) CompFlag {
	var out CompFlag
	if flags&uint64(fi.CQFlagSend) != 0 {
		out |= CompSend
	}
	if flags&uint64(fi.CQFlagRecv) != 0 {
		out |= CompRecv
	}
	if flags&uint64(fi.CQFlagWrite) != 0 {
		out |= CompWrite
	}
	if flags&uint64(fi.CQFlagRead) != 0 {
		out |= CompRead
	}
	if flags&uint64(fi.CQFlagRemoteWrite) != 0 {
		out |= CompRemoteWrite
	}
	if flags&uint64(fi.CQFlagRemoteCQData) != 0 {
		out |= CompRemoteCQData
	}
	return out
}

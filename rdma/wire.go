package rdma

import (
	"encoding/binary"
	"fmt"
)

// Bit widths of the 32-bit RDMA-write immediate value: seq-num in the low
// bits, comm-id above it, segment count in the top nibble.
const (
	seqNumBits = 10
	commIDBits = 18
	numSegBits = 4

	seqNumMask = uint32(1)<<seqNumBits - 1
	commIDMask = uint32(1)<<commIDBits - 1
	numSegMask = uint32(1)<<numSegBits - 1
)

// MaxSeqNum is the exclusive upper bound of the 10-bit sequence-number space.
const MaxSeqNum = 1 << seqNumBits

// MaxCommID is the exclusive upper bound of the 18-bit communicator-id space.
const MaxCommID = 1 << commIDBits

// MaxSegments is the exclusive upper bound of the 4-bit segment-count field.
const MaxSegments = 1 << numSegBits

// MaxRails bounds the number of rails a single endpoint aggregates and,
// correspondingly, the number of endpoint names carried on the wire by a
// CONN/CONN_RESP message.
const MaxRails = 16

// PackImmediate packs a communicator id, sequence number, and segment count
// into the 32-bit value carried by an RDMA write-with-immediate:
// [4-bit segments | 18-bit comm-id | 10-bit seq-num], seq-num occupying
// the low bits.
func PackImmediate(commID uint32, seq uint32, numSeg uint32) uint32 {
	return (seq & seqNumMask) | ((commID & commIDMask) << seqNumBits) | ((numSeg & numSegMask) << (seqNumBits + commIDBits))
}

// UnpackSeqNum extracts the sequence number from a packed immediate value.
func UnpackSeqNum(imm uint32) uint32 {
	return imm & seqNumMask
}

// UnpackCommID extracts the communicator id from a packed immediate value.
func UnpackCommID(imm uint32) uint32 {
	return (imm >> seqNumBits) & commIDMask
}

// UnpackNumSeg extracts the segment count from a packed immediate value.
func UnpackNumSeg(imm uint32) uint32 {
	return (imm >> (seqNumBits + commIDBits)) & numSegMask
}

// MsgType identifies the kind of control message carried in a bounce
// buffer, read from the first two bytes of the payload.
type MsgType uint16

const (
	MsgConn     MsgType = 0
	MsgConnResp MsgType = 1
	MsgCtrl     MsgType = 2
)

func (t MsgType) String() string {
	switch t {
	case MsgConn:
		return "CONN"
	case MsgConnResp:
		return "CONN_RESP"
	case MsgCtrl:
		return "CTRL"
	default:
		return fmt.Sprintf("MsgType(%d)", uint16(t))
	}
}

// endpointNameLen is the fixed wire length of one rail's provider-specific
// address bytes as carried in a CONN/CONN_RESP message. The wire format
// fixes a maximum length so the struct can be packed without a length
// prefix per entry.
const endpointNameLen = 64

// ConnMsg is the CONN or CONN_RESP message exchanged during the connection
// handshake. Type distinguishes the two: 0 for CONN, 1 for
// CONN_RESP.
type ConnMsg struct {
	Type          MsgType
	LocalCommID   uint32
	RemoteCommID  uint32
	NumRails      uint16
	EndpointNames [MaxRails][]byte
}

// MarshalBinary encodes the message in the wire layout:
// uint16 type; uint16 pad; uint32 local_comm_id; uint32 remote_comm_id;
// uint16 num_rails; uint8 pad[6]; endpoint_name[MAX_RAILS].
func (m *ConnMsg) MarshalBinary() ([]byte, error) {
	if m.NumRails == 0 || int(m.NumRails) > MaxRails {
		return nil, fmt.Errorf("rdma: connection message rail count %d out of range", m.NumRails)
	}
	buf := make([]byte, connMsgHeaderLen+int(m.NumRails)*endpointNameLen)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(m.Type))
	binary.LittleEndian.PutUint32(buf[4:8], m.LocalCommID)
	binary.LittleEndian.PutUint32(buf[8:12], m.RemoteCommID)
	binary.LittleEndian.PutUint16(buf[12:14], m.NumRails)
	for i := 0; i < int(m.NumRails); i++ {
		off := connMsgHeaderLen + i*endpointNameLen
		n := copy(buf[off:off+endpointNameLen], m.EndpointNames[i])
		if n < len(m.EndpointNames[i]) {
			return nil, fmt.Errorf("rdma: endpoint name %d exceeds wire capacity of %d bytes", i, endpointNameLen)
		}
	}
	return buf, nil
}

const connMsgHeaderLen = 20

// UnmarshalBinary decodes a CONN/CONN_RESP message from its wire layout.
func (m *ConnMsg) UnmarshalBinary(data []byte) error {
	if len(data) < connMsgHeaderLen {
		return fmt.Errorf("rdma: connection message too short: %d bytes", len(data))
	}
	m.Type = MsgType(binary.LittleEndian.Uint16(data[0:2]))
	m.LocalCommID = binary.LittleEndian.Uint32(data[4:8])
	m.RemoteCommID = binary.LittleEndian.Uint32(data[8:12])
	m.NumRails = binary.LittleEndian.Uint16(data[12:14])
	if int(m.NumRails) > MaxRails {
		return fmt.Errorf("rdma: connection message rail count %d exceeds maximum %d", m.NumRails, MaxRails)
	}
	want := connMsgHeaderLen + int(m.NumRails)*endpointNameLen
	if len(data) < want {
		return fmt.Errorf("rdma: connection message truncated: have %d want %d", len(data), want)
	}
	for i := 0; i < int(m.NumRails); i++ {
		off := connMsgHeaderLen + i*endpointNameLen
		name := make([]byte, endpointNameLen)
		copy(name, data[off:off+endpointNameLen])
		m.EndpointNames[i] = name
	}
	return nil
}

// CtrlMsg is the rendezvous control message a receiver sends back to a
// sender, naming the destination buffer and its per-rail memory keys.
type CtrlMsg struct {
	RemoteCommID uint32
	SeqNum       uint16
	BuffAddr     uint64
	BuffLen      uint64
	BuffMRKey    [MaxRails]uint64
}

const ctrlMsgLen = 32 + MaxRails*8

// MarshalBinary encodes the control message in its wire layout:
// uint16 type=2; uint16 pad; uint32 remote_comm_id; uint16 msg_seq_num;
// pad[6]; uint64 buff_addr; uint64 buff_len; uint64 buff_mr_key[MAX_RAILS].
func (m *CtrlMsg) MarshalBinary() ([]byte, error) {
	buf := make([]byte, ctrlMsgLen)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(MsgCtrl))
	binary.LittleEndian.PutUint32(buf[4:8], m.RemoteCommID)
	binary.LittleEndian.PutUint16(buf[8:10], m.SeqNum)
	binary.LittleEndian.PutUint64(buf[16:24], m.BuffAddr)
	binary.LittleEndian.PutUint64(buf[24:32], m.BuffLen)
	for i := 0; i < MaxRails; i++ {
		off := 32 + i*8
		binary.LittleEndian.PutUint64(buf[off:off+8], m.BuffMRKey[i])
	}
	return buf, nil
}

// UnmarshalBinary decodes a control message from its wire layout.
func (m *CtrlMsg) UnmarshalBinary(data []byte) error {
	if len(data) < ctrlMsgLen {
		return fmt.Errorf("rdma: control message too short: have %d want %d", len(data), ctrlMsgLen)
	}
	if MsgType(binary.LittleEndian.Uint16(data[0:2])) != MsgCtrl {
		return fmt.Errorf("rdma: control message has unexpected type byte")
	}
	m.RemoteCommID = binary.LittleEndian.Uint32(data[4:8])
	m.SeqNum = binary.LittleEndian.Uint16(data[8:10])
	m.BuffAddr = binary.LittleEndian.Uint64(data[16:24])
	m.BuffLen = binary.LittleEndian.Uint64(data[24:32])
	for i := 0; i < MaxRails; i++ {
		off := 32 + i*8
		m.BuffMRKey[i] = binary.LittleEndian.Uint64(data[off : off+8])
	}
	return nil
}

// peekMsgType reads the message-type discriminant from the first two bytes
// of a bounce-buffer payload, used by the progress engine to dispatch a
// RECV-without-immediate completion to CONN, CONN_RESP, or CTRL handling.
func peekMsgType(payload []byte) (MsgType, error) {
	if len(payload) < 2 {
		return 0, fmt.Errorf("rdma: bounce payload too short to carry a message type")
	}
	return MsgType(binary.LittleEndian.Uint16(payload[0:2])), nil
}

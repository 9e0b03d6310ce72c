package vsock

import "encoding/binary"

// Op is the vsock packet opcode, carried in every header.
type Op uint16

const (
	OpInvalid       Op = 0
	OpRequest       Op = 1
	OpResponse      Op = 2
	OpRst           Op = 3
	OpShutdown      Op = 4
	OpRW            Op = 5
	OpCreditUpdate  Op = 6
	OpCreditRequest Op = 7
)

// ShutdownFlags mark which direction(s) of a stream a Shutdown op closes.
type ShutdownFlags uint32

const (
	ShutdownRecv ShutdownFlags = 1 << 0
	ShutdownSend ShutdownFlags = 1 << 1
)

// SocketTypeStream is the only socket type this core negotiates.
const SocketTypeStream uint16 = 1

// headerSize is the wire size of Header: reconstructed from the field
// list connectionmanager.rs's own tests exercise (op, src_cid, dst_cid,
// src_port, dst_port, len, socket_type, flags, buf_alloc, fwd_cnt),
// laid out per the public virtio-vsock wire format.
const headerSize = 44

// Header is the fixed wire header prefixing every vsock packet.
// Grounded on gokvm's virtio/net.go commonHeader/netHeader: a small
// fixed-size struct with a marshalling method, here to/from a byte slice
// rather than through encoding/binary.Write directly (the header is
// always sent alongside a variable-length body the queue layer doesn't
// know about).
type Header struct {
	SrcCID     uint64
	DstCID     uint64
	SrcPort    uint32
	DstPort    uint32
	Len        uint32
	SocketType uint16
	Op         Op
	Flags      uint32
	BufAlloc   uint32
	FwdCnt     uint32
}

func (h Header) marshal() []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.SrcCID)
	binary.LittleEndian.PutUint64(buf[8:16], h.DstCID)
	binary.LittleEndian.PutUint32(buf[16:20], h.SrcPort)
	binary.LittleEndian.PutUint32(buf[20:24], h.DstPort)
	binary.LittleEndian.PutUint32(buf[24:28], h.Len)
	binary.LittleEndian.PutUint16(buf[28:30], h.SocketType)
	binary.LittleEndian.PutUint16(buf[30:32], uint16(h.Op))
	binary.LittleEndian.PutUint32(buf[32:36], h.Flags)
	binary.LittleEndian.PutUint32(buf[36:40], h.BufAlloc)
	binary.LittleEndian.PutUint32(buf[40:44], h.FwdCnt)
	return buf
}

func unmarshalHeader(buf []byte) Header {
	return Header{
		SrcCID:     binary.LittleEndian.Uint64(buf[0:8]),
		DstCID:     binary.LittleEndian.Uint64(buf[8:16]),
		SrcPort:    binary.LittleEndian.Uint32(buf[16:20]),
		DstPort:    binary.LittleEndian.Uint32(buf[20:24]),
		Len:        binary.LittleEndian.Uint32(buf[24:28]),
		SocketType: binary.LittleEndian.Uint16(buf[28:30]),
		Op:         Op(binary.LittleEndian.Uint16(buf[30:32])),
		Flags:      binary.LittleEndian.Uint32(buf[32:36]),
		BufAlloc:   binary.LittleEndian.Uint32(buf[36:40]),
		FwdCnt:     binary.LittleEndian.Uint32(buf[40:44]),
	}
}

// wirePacket is one decoded unit handed up from a socketDriver's Poll: a
// header and whatever body bytes (possibly none) came with it.
type wirePacket struct {
	Header Header
	Body   []byte
}

package virtqueue

import (
	"encoding/binary"

	"github.com/go-virtio/vsock/hal"
)

// DescFlags marks how a single descriptor chains and how the device may use
// its buffer.
type DescFlags uint16

const (
	// DescNext means another descriptor follows in this chain, given by
	// Descriptor.Next.
	DescNext DescFlags = 1 << 0
	// DescWrite marks a buffer as device-writable. Absent, it is
	// device-readable.
	DescWrite DescFlags = 1 << 1
	// DescIndirect means Descriptor.Addr/Len point at a table of further
	// descriptors rather than at a data buffer.
	DescIndirect DescFlags = 1 << 2
)

// descriptorSize is the wire size of a single Descriptor: 16 bytes, the
// same on every VirtIO transport.
const descriptorSize = 16

// Descriptor is the in-memory, decoded form of one VirtIO descriptor. The
// wire layout (addr uint64, len uint32, flags uint16, next uint16) is
// encoded/decoded via marshal/unmarshalDescriptor; Descriptor itself is a
// plain value used for the driver-side shadow table and for building
// indirect lists.
type Descriptor struct {
	Addr  hal.PhysAddr
	Len   uint32
	Flags DescFlags
	Next  uint16
}

func marshalDescriptor(buf []byte, d Descriptor) {
	binary.LittleEndian.PutUint64(buf[0:8], d.Addr)
	binary.LittleEndian.PutUint32(buf[8:12], d.Len)
	binary.LittleEndian.PutUint16(buf[12:14], uint16(d.Flags))
	binary.LittleEndian.PutUint16(buf[14:16], d.Next)
}

func unmarshalDescriptor(buf []byte) Descriptor {
	return Descriptor{
		Addr:  binary.LittleEndian.Uint64(buf[0:8]),
		Len:   binary.LittleEndian.Uint32(buf[8:12]),
		Flags: DescFlags(binary.LittleEndian.Uint16(buf[12:14])),
		Next:  binary.LittleEndian.Uint16(buf[14:16]),
	}
}

func marshalDescriptors(ds []Descriptor) []byte {
	buf := make([]byte, len(ds)*descriptorSize)
	for i, d := range ds {
		marshalDescriptor(buf[i*descriptorSize:(i+1)*descriptorSize], d)
	}

	return buf
}

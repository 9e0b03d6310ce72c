package virtqueue

import (
	"sync/atomic"
	"unsafe"
)

// The VirtIO wire format specifies avail.flags, avail.idx, avail.used_event,
// used.flags, used.idx and used.avail_event as plain little-endian uint16s
// with no atomicity guarantee beyond what a memory barrier provides. Go has
// no atomic 16-bit type (sync/atomic stops at 32 bits), so these six fields
// are widened to 32 bits on the wire region backing our rings; only the low
// 16 bits are ever meaningful, and every read truncates back to uint16
// before use. This is the one deliberate deviation from byte-exact VirtIO
// layout in this package, made so ring indices can be updated and observed
// race-free across goroutines without a mutex per queue. See DESIGN.md.

// availRing is a read/write view over a live avail ring region: SIZE
// uint16 slots preceded by flags+idx and followed by used_event, each
// widened to 32 bits per the note above.
type availRing struct {
	buf  []byte
	size uint16
}

func availRingSize(size uint16) int {
	return 4 + 4 + int(size)*2 + 4
}

func newAvailRing(buf []byte, size uint16) availRing {
	return availRing{buf: buf[:availRingSize(size)], size: size}
}

func (r availRing) flagsPtr() *uint32 { return (*uint32)(unsafe.Pointer(&r.buf[0])) }
func (r availRing) idxPtr() *uint32   { return (*uint32)(unsafe.Pointer(&r.buf[4])) }

func (r availRing) ringPtr(i uint16) *uint16 {
	off := 8 + int(i)*2
	return (*uint16)(unsafe.Pointer(&r.buf[off]))
}

func (r availRing) usedEventPtr() *uint32 {
	off := 8 + int(r.size)*2
	return (*uint32)(unsafe.Pointer(&r.buf[off]))
}

func (r availRing) Flags() uint16       { return uint16(atomic.LoadUint32(r.flagsPtr())) }
func (r availRing) SetFlags(f uint16)   { atomic.StoreUint32(r.flagsPtr(), uint32(f)) }
func (r availRing) Idx() uint16         { return uint16(atomic.LoadUint32(r.idxPtr())) }
func (r availRing) SetIdx(idx uint16)   { atomic.StoreUint32(r.idxPtr(), uint32(idx)) }
func (r availRing) SetRing(i, v uint16) { *r.ringPtr(i) = v }
func (r availRing) Ring(i uint16) uint16 { return *r.ringPtr(i) }
func (r availRing) UsedEvent() uint16   { return uint16(atomic.LoadUint32(r.usedEventPtr())) }
func (r availRing) SetUsedEvent(idx uint16) {
	atomic.StoreUint32(r.usedEventPtr(), uint32(idx))
}

// usedRing is a read/write view over a live used ring region: SIZE (id,
// len) pairs preceded by flags+idx and followed by avail_event.
type usedRing struct {
	buf  []byte
	size uint16
}

func usedRingSize(size uint16) int {
	return 4 + 4 + int(size)*8 + 4
}

func newUsedRing(buf []byte, size uint16) usedRing {
	return usedRing{buf: buf[:usedRingSize(size)], size: size}
}

func (r usedRing) flagsPtr() *uint32 { return (*uint32)(unsafe.Pointer(&r.buf[0])) }
func (r usedRing) idxPtr() *uint32   { return (*uint32)(unsafe.Pointer(&r.buf[4])) }

func (r usedRing) elemPtr(i uint16) (idPtr, lenPtr *uint32) {
	off := 8 + int(i)*8
	return (*uint32)(unsafe.Pointer(&r.buf[off])), (*uint32)(unsafe.Pointer(&r.buf[off+4]))
}

func (r usedRing) availEventPtr() *uint32 {
	off := 8 + int(r.size)*8
	return (*uint32)(unsafe.Pointer(&r.buf[off]))
}

func (r usedRing) Flags() uint16     { return uint16(atomic.LoadUint32(r.flagsPtr())) }
func (r usedRing) SetFlags(f uint16) { atomic.StoreUint32(r.flagsPtr(), uint32(f)) }
func (r usedRing) Idx() uint16       { return uint16(atomic.LoadUint32(r.idxPtr())) }
func (r usedRing) SetIdx(idx uint16) { atomic.StoreUint32(r.idxPtr(), uint32(idx)) }

func (r usedRing) SetElem(i uint16, id, length uint32) {
	idPtr, lenPtr := r.elemPtr(i)
	atomic.StoreUint32(idPtr, id)
	atomic.StoreUint32(lenPtr, length)
}

func (r usedRing) Elem(i uint16) (id, length uint32) {
	idPtr, lenPtr := r.elemPtr(i)
	return atomic.LoadUint32(idPtr), atomic.LoadUint32(lenPtr)
}

func (r usedRing) SetAvailEvent(idx uint16) { atomic.StoreUint32(r.availEventPtr(), uint32(idx)) }
func (r usedRing) AvailEvent() uint16       { return uint16(atomic.LoadUint32(r.availEventPtr())) }

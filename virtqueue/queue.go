package virtqueue

import (
	"runtime"

	"github.com/go-virtio/vsock/hal"
)

// indirectEntry records the private bookkeeping an indirect descriptor
// needs at recycle time: the decoded list (to unshare its buffers) and the
// direction each entry was shared with.
type indirectEntry struct {
	list  []Descriptor
	paddr hal.PhysAddr
	dirs  []hal.BufferDirection
}

// VirtQueue is the driver side of one split virtqueue. It owns the
// descriptor/avail/used layout, a private shadow of the descriptor table
// (never trusting the live copy the device can also write), and the free
// list threaded through that shadow.
//
// Grounded on original_source's queue.rs VirtQueue<H, SIZE>, adapted from a
// const generic to a runtime size field, and on gokvm's virtio/net.go for
// the unsafe-cast-over-a-byte-slice wire-struct idiom this package's rings
// use.
type VirtQueue struct {
	transport Transport
	hal       hal.Hal
	layout    queueLayout

	idx      uint16
	size     uint16
	indirect bool
	eventIdx bool

	descBuf []byte
	avail   availRing
	used    usedRing

	descShadow []Descriptor
	freeHead   uint16
	numUsed    uint16

	availIdx    uint16
	lastUsedIdx uint16

	indirectLists map[uint16]indirectEntry
}

// New allocates a fresh split virtqueue of size for the queue at idx and
// registers it with the transport. size must be a power of two no greater
// than the transport's advertised maximum.
func New(transport Transport, h hal.Hal, idx uint16, size uint16, indirect, eventIdx bool) (*VirtQueue, error) {
	if size == 0 || size&(size-1) != 0 {
		return nil, ErrInvalidParam
	}

	used, err := transport.QueueUsed(idx)
	if err != nil {
		return nil, err
	}
	if used {
		return nil, ErrAlreadyUsed
	}

	maxSize, err := transport.MaxQueueSize(idx)
	if err != nil {
		return nil, err
	}
	if uint32(size) > maxSize {
		return nil, ErrInvalidParam
	}

	var layout queueLayout
	if transport.RequiresLegacyLayout() {
		layout, err = newLegacyLayout(h, size)
	} else {
		layout, err = newModernLayout(h, size)
	}
	if err != nil {
		return nil, err
	}

	q := &VirtQueue{
		transport:     transport,
		hal:           h,
		layout:        layout,
		idx:           idx,
		size:          size,
		indirect:      indirect,
		eventIdx:      eventIdx,
		descBuf:       layout.DescBytes(),
		avail:         newAvailRing(layout.AvailBytes(), size),
		used:          newUsedRing(layout.UsedBytes(), size),
		descShadow:    make([]Descriptor, size),
		indirectLists: make(map[uint16]indirectEntry),
	}

	for i := uint16(0); i < size; i++ {
		q.descShadow[i].Next = i + 1
	}

	if err := transport.QueueSet(idx, size, layout.DescPaddr(), layout.AvailPaddr(), layout.UsedPaddr()); err != nil {
		layout.Close()
		return nil, err
	}

	return q, nil
}

// Close releases the queue's DMA memory. The caller must have popped every
// outstanding chain first; any descriptors still marked used are leaked
// from the HAL's perspective.
func (q *VirtQueue) Close() error { return q.layout.Close() }

func (q *VirtQueue) writeDesc(i uint16) {
	marshalDescriptor(q.descBuf[int(i)*descriptorSize:int(i+1)*descriptorSize], q.descShadow[i])
}

func dirFor(i, numInputs int) hal.BufferDirection {
	if i < numInputs {
		return hal.DriverToDevice
	}
	return hal.DeviceToDriver
}

func concatBuffers(inputs, outputs [][]byte) [][]byte {
	bufs := make([][]byte, 0, len(inputs)+len(outputs))
	bufs = append(bufs, inputs...)
	bufs = append(bufs, outputs...)
	return bufs
}

// Add places inputs (device-readable) followed by outputs
// (device-writable) as one descriptor chain and publishes it to the
// device, returning the head descriptor index as a token for PopUsed.
func (q *VirtQueue) Add(inputs, outputs [][]byte) (uint16, error) {
	total := len(inputs) + len(outputs)
	if total == 0 {
		return 0, ErrInvalidParam
	}
	for _, b := range inputs {
		if len(b) == 0 {
			return 0, ErrInvalidParam
		}
	}
	for _, b := range outputs {
		if len(b) == 0 {
			return 0, ErrInvalidParam
		}
	}

	if q.indirect && total > 1 {
		return q.addIndirect(inputs, outputs)
	}
	return q.addDirect(inputs, outputs)
}

func (q *VirtQueue) addDirect(inputs, outputs [][]byte) (uint16, error) {
	total := len(inputs) + len(outputs)
	if total > int(q.size) || uint32(q.numUsed)+uint32(total) > uint32(q.size) {
		return 0, ErrQueueFull
	}

	bufs := concatBuffers(inputs, outputs)
	head := q.freeHead
	last := head

	for i, buf := range bufs {
		slot := q.freeHead
		desc := &q.descShadow[slot]

		paddr, err := q.hal.Share(buf, dirFor(i, len(inputs)))
		if err != nil {
			panic("virtqueue: HAL share failed in hot path: " + err.Error())
		}

		flags := DescNext
		if dirFor(i, len(inputs)) == hal.DeviceToDriver {
			flags |= DescWrite
		}
		desc.Addr = paddr
		desc.Len = uint32(len(buf))
		desc.Flags = flags

		last = slot
		q.freeHead = desc.Next
		q.writeDesc(slot)
	}

	q.descShadow[last].Flags &^= DescNext
	q.writeDesc(last)

	q.numUsed += uint16(total)
	q.pushAvail(head)

	return head, nil
}

func (q *VirtQueue) addIndirect(inputs, outputs [][]byte) (uint16, error) {
	total := len(inputs) + len(outputs)
	if total > int(q.size) {
		return 0, ErrQueueFull
	}
	if q.numUsed+1 > q.size {
		return 0, ErrQueueFull
	}

	bufs := concatBuffers(inputs, outputs)
	list := make([]Descriptor, total)
	dirs := make([]hal.BufferDirection, total)

	for i, buf := range bufs {
		dir := dirFor(i, len(inputs))
		dirs[i] = dir

		paddr, err := q.hal.Share(buf, dir)
		if err != nil {
			panic("virtqueue: HAL share failed in hot path: " + err.Error())
		}

		flags := DescFlags(0)
		if i != total-1 {
			flags |= DescNext
		}
		if dir == hal.DeviceToDriver {
			flags |= DescWrite
		}
		list[i] = Descriptor{Addr: paddr, Len: uint32(len(buf)), Flags: flags, Next: uint16(i + 1)}
	}

	raw := marshalDescriptors(list)
	indirectPaddr, err := q.hal.Share(raw, hal.DriverToDevice)
	if err != nil {
		panic("virtqueue: HAL share failed in hot path: " + err.Error())
	}

	head := q.freeHead
	headDesc := &q.descShadow[head]
	q.freeHead = headDesc.Next

	*headDesc = Descriptor{Addr: indirectPaddr, Len: uint32(len(raw)), Flags: DescIndirect}
	q.writeDesc(head)
	q.numUsed++

	q.indirectLists[head] = indirectEntry{list: list, paddr: indirectPaddr, dirs: dirs}

	q.pushAvail(head)

	return head, nil
}

func (q *VirtQueue) pushAvail(head uint16) {
	slot := q.availIdx % q.size
	q.avail.SetRing(slot, head)
	q.availIdx++
	// SetIdx is an atomic release store; everything written above it (the
	// descriptor table and this ring slot) is ordered before it under Go's
	// memory model, which is all the "happens-before avail.idx" requirement
	// needs — the device's matching acquire load is the avail.Idx() read in
	// DeviceVirtQueue.PopAvail.
	q.avail.SetIdx(q.availIdx)
}

// ShouldNotify reports whether the device has not suppressed
// notifications for this queue.
func (q *VirtQueue) ShouldNotify() bool {
	if q.eventIdx {
		event := q.used.AvailEvent()
		return int16(q.availIdx-event-1) >= 0
	}
	return q.used.Flags()&1 == 0
}

// SetDevNotify enables or disables notification suppression when EVENT_IDX
// was not negotiated; it is a no-op otherwise.
func (q *VirtQueue) SetDevNotify(enable bool) {
	if q.eventIdx {
		return
	}
	if enable {
		q.avail.SetFlags(0)
	} else {
		q.avail.SetFlags(1)
	}
}

// CanPop reports whether a completed chain is waiting.
func (q *VirtQueue) CanPop() bool {
	return q.lastUsedIdx != q.used.Idx()
}

// PeekUsed returns the token of the next completion without consuming it.
func (q *VirtQueue) PeekUsed() (uint16, bool) {
	if !q.CanPop() {
		return 0, false
	}
	slot := q.lastUsedIdx % q.size
	id, _ := q.used.Elem(slot)
	return uint16(id), true
}

// PopUsed consumes one completion. token must match the value Add
// returned; inputs and outputs must be the exact same buffers (same order,
// same lengths) passed to the Add call that produced token, so the HAL can
// unshare and, for outputs, copy device-written data back into them. It
// returns the byte count the device reports having written.
func (q *VirtQueue) PopUsed(token uint16, inputs, outputs [][]byte) (uint32, error) {
	if !q.CanPop() {
		return 0, ErrNotReady
	}

	slot := q.lastUsedIdx % q.size
	id, length := q.used.Elem(slot)
	if uint16(id) != token {
		return 0, ErrWrongToken
	}
	head := uint16(id)

	if err := q.recycle(head, inputs, outputs); err != nil {
		return 0, err
	}

	q.lastUsedIdx++
	if q.eventIdx {
		q.avail.SetUsedEvent(q.lastUsedIdx)
	}

	return length, nil
}

func (q *VirtQueue) recycle(head uint16, inputs, outputs [][]byte) error {
	headDesc := q.descShadow[head]
	originalFreeHead := q.freeHead

	if headDesc.Flags&DescIndirect != 0 {
		entry, ok := q.indirectLists[head]
		if !ok {
			return ErrInvalidDescriptor
		}
		delete(q.indirectLists, head)

		bufs := concatBuffers(inputs, outputs)
		if len(bufs) != len(entry.list) {
			return ErrInvalidDescriptor
		}

		scratch := make([]byte, len(entry.list)*descriptorSize)
		if err := q.hal.Unshare(entry.paddr, scratch, hal.DriverToDevice); err != nil {
			panic("virtqueue: HAL unshare failed in hot path: " + err.Error())
		}
		for i, buf := range bufs {
			if err := q.hal.Unshare(entry.list[i].Addr, buf, entry.dirs[i]); err != nil {
				panic("virtqueue: HAL unshare failed in hot path: " + err.Error())
			}
		}

		q.descShadow[head] = Descriptor{Next: originalFreeHead}
		q.writeDesc(head)
		q.freeHead = head
		q.numUsed--

		return nil
	}

	bufs := concatBuffers(inputs, outputs)
	next := head

	for i, buf := range bufs {
		desc := q.descShadow[next]
		if err := q.hal.Unshare(desc.Addr, buf, dirFor(i, len(inputs))); err != nil {
			panic("virtqueue: HAL unshare failed in hot path: " + err.Error())
		}
		q.numUsed--

		if desc.Flags&DescNext == 0 {
			if i != len(bufs)-1 {
				return ErrInvalidDescriptor
			}
			q.descShadow[next] = Descriptor{Next: originalFreeHead}
			q.writeDesc(next)
			q.freeHead = head
			return nil
		}

		q.descShadow[next].Addr = 0
		q.descShadow[next].Len = 0
		q.writeDesc(next)
		next = desc.Next
	}

	return ErrInvalidDescriptor
}

// AvailableDesc reports how much chain capacity remains. With indirect
// descriptors enabled, any free direct slot is reported as full SIZE
// capacity, since a single slot can carry an indirect chain of up to SIZE
// buffers.
func (q *VirtQueue) AvailableDesc() int {
	if q.indirect {
		if q.numUsed < q.size {
			return int(q.size)
		}
		return 0
	}
	return int(q.size - q.numUsed)
}

// AddNotifyWaitPop is a convenience wrapper: add the chain, notify the
// device if required, busy-wait for the completion, and pop it.
func (q *VirtQueue) AddNotifyWaitPop(inputs, outputs [][]byte) (uint32, error) {
	token, err := q.Add(inputs, outputs)
	if err != nil {
		return 0, err
	}

	if q.ShouldNotify() {
		if err := q.transport.Notify(q.idx); err != nil {
			return 0, err
		}
	}

	for !q.CanPop() {
		runtime.Gosched()
	}

	return q.PopUsed(token, inputs, outputs)
}

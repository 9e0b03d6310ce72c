package virtqueue

import (
	"runtime"

	"github.com/go-virtio/vsock/hal"
)

// PopResult is the decoded chain returned by DeviceVirtQueue.PopAvail: the
// read (device-readable) and write (device-writable) buffers in the order
// the driver placed them, and the head descriptor index to echo back in
// AddUsed.
type PopResult struct {
	ReadBuffers  [][]byte
	WriteBuffers [][]byte
	Head         uint16
}

// mappedDesc caches the last DeviceDma a descriptor slot was mapped
// through, so repeated pops of the same physical address don't re-map on
// every call. It is invalidated whenever the incoming descriptor's address
// no longer matches: the driver may reuse a slot with a different buffer
// between pops.
type mappedDesc struct {
	dma *hal.DeviceDma
}

// DeviceVirtQueue is the device side of one split virtqueue: it maps in
// memory the driver already allocated and shared, rather than allocating
// its own, and walks the avail ring instead of publishing to it.
//
// Grounded on original_source's queue.rs DeviceVirtQueue, and on gokvm's
// virtio/net.go Rx/Tx chain-walking for the read/write buffer split.
type DeviceVirtQueue struct {
	transport DeviceTransport
	hal       hal.DeviceHal
	layout    queueLayout

	idx      uint16
	size     uint16
	eventIdx bool

	descBuf []byte
	avail   availRing
	used    usedRing

	availIdx    uint16
	lastUsedIdx uint16

	descMapped []*mappedDesc
}

// NewDeviceVirtQueue maps in the queue at idx using the physical addresses
// the driver published via Transport.QueueSet.
func NewDeviceVirtQueue(transport DeviceTransport, h hal.DeviceHal, idx uint16, size uint16, eventIdx bool) (*DeviceVirtQueue, error) {
	clientID, err := transport.GetClientID()
	if err != nil {
		return nil, err
	}

	descPaddr, driverPaddr, devicePaddr, err := transport.QueueGet(idx)
	if err != nil {
		return nil, err
	}

	var layout queueLayout
	if transport.RequiresLegacyLayout() {
		layout, err = newDeviceLegacyLayout(h, descPaddr, size, clientID)
	} else {
		layout, err = newDeviceModernLayout(h, descPaddr, driverPaddr, devicePaddr, size, clientID)
	}
	if err != nil {
		return nil, err
	}

	return &DeviceVirtQueue{
		transport:  transport,
		hal:        h,
		layout:     layout,
		idx:        idx,
		size:       size,
		eventIdx:   eventIdx,
		descBuf:    layout.DescBytes(),
		avail:      newAvailRing(layout.AvailBytes(), size),
		used:       newUsedRing(layout.UsedBytes(), size),
		descMapped: make([]*mappedDesc, size),
	}, nil
}

// Close releases the queue's mapped memory.
func (q *DeviceVirtQueue) Close() error { return q.layout.Close() }

func (q *DeviceVirtQueue) readDesc(i uint16) Descriptor {
	return unmarshalDescriptor(q.descBuf[int(i)*descriptorSize : int(i+1)*descriptorSize])
}

// mapBuffer maps in the buffer a descriptor points at, reusing the cached
// mapping for that slot if the descriptor's address has not changed since
// the last pop.
func (q *DeviceVirtQueue) mapBuffer(slot uint16, desc Descriptor, direction hal.BufferDirection) ([]byte, error) {
	cached := q.descMapped[slot]
	if cached != nil {
		if cached.dma.Paddr() == desc.Addr && len(cached.dma.Bytes()) >= int(desc.Len) {
			return cached.dma.Bytes()[:desc.Len], nil
		}
		cached.dma.Close()
		q.descMapped[slot] = nil
	}

	clientID, err := q.transport.GetClientID()
	if err != nil {
		return nil, err
	}

	dma, err := hal.NewDeviceDma(q.hal, desc.Addr, pagesFor(int(desc.Len)), direction, clientID)
	if err != nil {
		return nil, err
	}

	q.descMapped[slot] = &mappedDesc{dma: dma}

	return dma.Bytes()[:desc.Len], nil
}

// PopAvail walks the chain at the head of the avail ring, classifying
// buffers as device-readable or device-writable. All read buffers must
// precede all write buffers. INDIRECT is not supported on the device
// side.
func (q *DeviceVirtQueue) PopAvail() (PopResult, error) {
	if q.availIdx == q.avail.Idx() {
		return PopResult{}, ErrNotReady
	}

	slot := q.availIdx % q.size
	head := q.avail.Ring(slot)
	q.availIdx++

	var reads, writes [][]byte
	seenWrite := false
	next := head

	for {
		if next >= q.size {
			return PopResult{}, ErrInvalidDescriptor
		}
		desc := q.readDesc(next)
		if desc.Flags&DescIndirect != 0 {
			return PopResult{}, ErrUnsupported
		}

		write := desc.Flags&DescWrite != 0
		if write {
			seenWrite = true
		} else if seenWrite {
			return PopResult{}, ErrInvalidDescriptor
		}

		direction := hal.DriverToDevice
		if write {
			direction = hal.DeviceToDriver
		}
		buf, err := q.mapBuffer(next, desc, direction)
		if err != nil {
			return PopResult{}, err
		}

		if write {
			writes = append(writes, buf)
		} else {
			reads = append(reads, buf)
		}

		if desc.Flags&DescNext == 0 {
			break
		}
		next = desc.Next
	}

	return PopResult{ReadBuffers: reads, WriteBuffers: writes, Head: head}, nil
}

// AddUsed publishes a completion for the chain at head, reporting len
// bytes written.
func (q *DeviceVirtQueue) AddUsed(head uint16, length uint32) {
	slot := q.lastUsedIdx % q.size
	q.used.SetElem(slot, uint32(head), length)
	q.lastUsedIdx++
	// SetIdx below is a release store; the element write above is ordered
	// before it, matching the driver's acquire load of used.idx.
	q.used.SetIdx(q.lastUsedIdx)
}

// ShouldNotify reports whether the driver has not suppressed
// notifications for this queue.
func (q *DeviceVirtQueue) ShouldNotify() bool {
	return q.avail.Flags()&1 == 0
}

// Poll pops one pure-read chain, hands its concatenated payload to
// handler, and marks the chain used with length 0. Mixed read+write chains
// return ErrUnsupported.
func (q *DeviceVirtQueue) Poll(handler func([]byte)) error {
	result, err := q.PopAvail()
	if err != nil {
		return err
	}
	if len(result.WriteBuffers) != 0 {
		return ErrUnsupported
	}

	total := 0
	for _, b := range result.ReadBuffers {
		total += len(b)
	}
	scratch := make([]byte, 0, total)
	for _, b := range result.ReadBuffers {
		scratch = append(scratch, b...)
	}

	handler(scratch)
	q.AddUsed(result.Head, 0)

	if q.ShouldNotify() {
		return q.transport.Notify(q.idx)
	}
	return nil
}

// WaitPopAddNotify pops one pure-write chain, copies input into its first
// write buffer, and marks the chain used with the copied length. Mixed
// read+write chains return ErrUnsupported.
func (q *DeviceVirtQueue) WaitPopAddNotify(input []byte) error {
	var result PopResult
	for {
		res, err := q.PopAvail()
		if err == ErrNotReady {
			runtime.Gosched()
			continue
		}
		if err != nil {
			return err
		}
		result = res
		break
	}

	if len(result.ReadBuffers) != 0 || len(result.WriteBuffers) == 0 {
		return ErrUnsupported
	}

	n := copy(result.WriteBuffers[0], input)
	q.AddUsed(result.Head, uint32(n))

	if q.ShouldNotify() {
		return q.transport.Notify(q.idx)
	}
	return nil
}

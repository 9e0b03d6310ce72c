// Package fakewire provides an in-process Transport/DeviceTransport pair
// that stands in for MMIO/PCI queue registration and the notification
// doorbell, so a driver-side VirtQueue and a device-side DeviceVirtQueue
// can be wired together and exercised in a single test process.
//
// Grounded on original_source's fake transport used by queue.rs's own
// tests, and on gokvm's virtio/net.go IOOutHandler (the queue-select /
// queue-PFN / kick port dance), adapted from I/O ports to plain method
// calls shared through a struct both sides hold a pointer to.
package fakewire

import (
	"sync"

	"github.com/go-virtio/vsock/hal"
)

type queueState struct {
	maxSize                             uint32
	used                                bool
	descPaddr, driverPaddr, devicePaddr hal.PhysAddr
	notify                              chan struct{}
}

// Link is the shared state a FakeTransport and FakeDeviceTransport pair
// wrap. Callers rarely touch it directly; use NewPair.
type Link struct {
	mu       sync.Mutex
	legacy   bool
	clientID uint16
	queues   map[uint16]*queueState
	maxSize  uint32
}

func (l *Link) queue(idx uint16) *queueState {
	l.mu.Lock()
	defer l.mu.Unlock()

	q, ok := l.queues[idx]
	if !ok {
		q = &queueState{maxSize: l.maxSize, notify: make(chan struct{}, 1)}
		l.queues[idx] = q
	}
	return q
}

// FakeTransport is the driver-side end of a Link.
type FakeTransport struct {
	link *Link
}

// FakeDeviceTransport is the device-side end of a Link.
type FakeDeviceTransport struct {
	link *Link
}

// NewPair builds a connected FakeTransport/FakeDeviceTransport sharing one
// Link. legacy selects whether queues negotiate the single-region legacy
// layout or the three-region modern layout; maxSize bounds queue sizes
// both sides report.
func NewPair(legacy bool, maxSize uint32) (*FakeTransport, *FakeDeviceTransport) {
	link := &Link{legacy: legacy, clientID: 1, queues: make(map[uint16]*queueState), maxSize: maxSize}
	return &FakeTransport{link: link}, &FakeDeviceTransport{link: link}
}

func (t *FakeTransport) MaxQueueSize(idx uint16) (uint32, error) {
	return t.link.queue(idx).maxSize, nil
}

func (t *FakeTransport) QueueUsed(idx uint16) (bool, error) {
	t.link.mu.Lock()
	defer t.link.mu.Unlock()
	return t.link.queues[idx] != nil && t.link.queues[idx].used, nil
}

func (t *FakeTransport) QueueSet(idx uint16, size uint16, descPaddr, driverPaddr, devicePaddr hal.PhysAddr) error {
	q := t.link.queue(idx)
	t.link.mu.Lock()
	defer t.link.mu.Unlock()
	q.used = true
	q.descPaddr = descPaddr
	q.driverPaddr = driverPaddr
	q.devicePaddr = devicePaddr
	return nil
}

func (t *FakeTransport) RequiresLegacyLayout() bool { return t.link.legacy }

func (t *FakeTransport) Notify(idx uint16) error {
	q := t.link.queue(idx)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (d *FakeDeviceTransport) MaxQueueSize(idx uint16) (uint32, error) {
	return d.link.queue(idx).maxSize, nil
}

func (d *FakeDeviceTransport) GetClientID() (uint16, error) {
	return d.link.clientID, nil
}

func (d *FakeDeviceTransport) QueueGet(idx uint16) (descPaddr, driverPaddr, devicePaddr hal.PhysAddr, err error) {
	q := d.link.queue(idx)
	d.link.mu.Lock()
	defer d.link.mu.Unlock()
	return q.descPaddr, q.driverPaddr, q.devicePaddr, nil
}

func (d *FakeDeviceTransport) RequiresLegacyLayout() bool { return d.link.legacy }

func (d *FakeDeviceTransport) Notify(idx uint16) error {
	q := d.link.queue(idx)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// WaitNotify blocks until a notification is pending on queue idx and
// consumes it, returning immediately if one is already pending. Both ends'
// Notify calls feed the same per-queue channel, so a notification the
// device itself raised also wakes it.
// Test helper only: real device implementations wire this to an interrupt.
func (d *FakeDeviceTransport) WaitNotify(idx uint16) {
	<-d.link.queue(idx).notify
}

package virtqueue

import "github.com/go-virtio/vsock/hal"

// Transport is the driver-side view of whatever carries queue setup and
// notifications to the device — MMIO, PCI common config, or (in tests)
// internal/fakewire's loopback. This package never discovers or negotiates
// a transport; it only consumes one.
type Transport interface {
	// MaxQueueSize returns the largest size the device will accept for
	// the queue at idx.
	MaxQueueSize(idx uint16) (uint32, error)
	// QueueUsed reports whether the device has already activated the
	// queue at idx.
	QueueUsed(idx uint16) (bool, error)
	// QueueSet registers the three ring regions for the queue at idx,
	// activating it.
	QueueSet(idx uint16, size uint16, descPaddr, driverPaddr, devicePaddr hal.PhysAddr) error
	// RequiresLegacyLayout reports whether the three ring regions must
	// be packed into a single contiguous, page-aligned DMA allocation.
	RequiresLegacyLayout() bool
	// Notify rings the doorbell for the queue at idx.
	Notify(idx uint16) error
}

// DeviceTransport is the device-side counterpart of Transport.
type DeviceTransport interface {
	MaxQueueSize(idx uint16) (uint32, error)
	// GetClientID returns the IOMMU/client identifier to map queue
	// memory under for this device instance.
	GetClientID() (uint16, error)
	// QueueGet returns the three physical addresses (desc, driver area,
	// device area) the driver registered for the queue at idx.
	QueueGet(idx uint16) (descPaddr, driverPaddr, devicePaddr hal.PhysAddr, err error)
	RequiresLegacyLayout() bool
	// Notify raises the used-buffer interrupt/notification for idx.
	Notify(idx uint16) error
}

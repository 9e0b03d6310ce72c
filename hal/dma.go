package hal

import (
	"errors"
	"sync/atomic"
)

// ErrDMA is returned when a DMA allocation or mapping fails.
var ErrDMA = errors.New("dma: allocation failed")

// Dma is a driver-owned contiguous DMA region. It must be released exactly
// once, via Close.
type Dma struct {
	hal    Hal
	paddr  PhysAddr
	buf    []byte
	pages  int
	closed atomic.Bool
}

// NewDma allocates pages worth of DMA memory for the given direction. The
// returned region is zeroed.
func NewDma(h Hal, pages int, direction BufferDirection) (*Dma, error) {
	paddr, buf, err := h.DMAAlloc(pages, direction)
	if err != nil {
		return nil, err
	}
	if paddr == 0 {
		return nil, ErrDMA
	}

	return &Dma{hal: h, paddr: paddr, buf: buf, pages: pages}, nil
}

// Paddr returns the physical address of the region, as seen by the device.
func (d *Dma) Paddr() PhysAddr { return d.paddr }

// Bytes returns the entire region as a byte slice, usable by the driver.
func (d *Dma) Bytes() []byte { return d.buf }

// Close releases the region through the HAL. It panics if called twice: a
// double release means the descriptor bookkeeping above it is already
// corrupt, and limping onward would only hide that.
func (d *Dma) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		panic("hal: Dma released twice")
	}

	return d.hal.DMADealloc(d.paddr, d.buf, d.pages)
}

// DeviceDma is a device-owned mapping of memory a driver allocated
// elsewhere, keyed by an IOMMU/client identifier for routing.
type DeviceDma struct {
	hal      DeviceHal
	paddr    PhysAddr
	buf      []byte
	pages    int
	clientID uint16
	closed   atomic.Bool
}

// NewDeviceDma maps in pages of physical memory starting at paddr, shared
// by a driver under the given client id.
func NewDeviceDma(h DeviceHal, paddr PhysAddr, pages int, direction BufferDirection, clientID uint16) (*DeviceDma, error) {
	buf, err := h.DMAMap(paddr, pages, direction, clientID)
	if err != nil {
		return nil, err
	}

	return &DeviceDma{hal: h, paddr: paddr, buf: buf, pages: pages, clientID: clientID}, nil
}

// Paddr returns the physical address of the region, as seen by the driver.
func (d *DeviceDma) Paddr() PhysAddr { return d.paddr }

// Bytes returns the entire mapped region as a byte slice, usable by the
// device.
func (d *DeviceDma) Bytes() []byte { return d.buf }

// ClientID returns the IOMMU/client id this mapping was made under.
func (d *DeviceDma) ClientID() uint16 { return d.clientID }

// Close unmaps the region. Panics if called twice, for the same reason as
// Dma.Close.
func (d *DeviceDma) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		panic("hal: DeviceDma released twice")
	}

	return d.hal.DMAUnmap(d.paddr, d.buf, d.pages)
}

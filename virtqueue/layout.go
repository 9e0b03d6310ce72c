package virtqueue

import (
	"github.com/go-virtio/vsock/hal"
)

// queueLayout abstracts over how the three queue parts (descriptor table,
// avail ring, used ring) are carved out of DMA memory. Legacy devices
// require all three in one contiguous, page-aligned allocation; modern
// devices allow (and we always use, outside of Legacy) three independent
// allocations, which lets the used ring live on its own cache line instead
// of trailing the avail ring.
//
// Grounded on original_source's VirtQueueLayout (Legacy/Modern), adapted to
// Go's Dma/hal.Hal API in place of Rust's generic H: Hal.
type queueLayout interface {
	DescBytes() []byte
	AvailBytes() []byte
	UsedBytes() []byte
	DescPaddr() hal.PhysAddr
	AvailPaddr() hal.PhysAddr
	UsedPaddr() hal.PhysAddr
	Close() error
}

func alignUp(n, align int) int {
	return (n + align - 1) / align * align
}

func pagesFor(n int) int {
	return (n + hal.PageSize - 1) / hal.PageSize
}

// legacyLayout packs desc+avail+used into a single DMA region, with the
// used ring padded out to the next page boundary as legacy VirtIO requires.
type legacyLayout struct {
	dma                          *hal.Dma
	availOff, usedOff, totalSize int
	size                         uint16
}

func newLegacyLayout(h hal.Hal, size uint16) (*legacyLayout, error) {
	descSize := int(size) * descriptorSize
	availOff := descSize
	usedOff := alignUp(availOff+availRingSize(size), hal.PageSize)
	total := usedOff + usedRingSize(size)

	dma, err := hal.NewDma(h, pagesFor(total), hal.Both)
	if err != nil {
		return nil, err
	}

	return &legacyLayout{dma: dma, availOff: availOff, usedOff: usedOff, totalSize: total, size: size}, nil
}

func (l *legacyLayout) DescBytes() []byte  { return l.dma.Bytes()[:l.availOff] }
func (l *legacyLayout) AvailBytes() []byte { return l.dma.Bytes()[l.availOff:l.usedOff] }
func (l *legacyLayout) UsedBytes() []byte  { return l.dma.Bytes()[l.usedOff:l.totalSize] }

func (l *legacyLayout) DescPaddr() hal.PhysAddr  { return l.dma.Paddr() }
func (l *legacyLayout) AvailPaddr() hal.PhysAddr { return l.dma.Paddr() + hal.PhysAddr(l.availOff) }
func (l *legacyLayout) UsedPaddr() hal.PhysAddr  { return l.dma.Paddr() + hal.PhysAddr(l.usedOff) }

func (l *legacyLayout) Close() error { return l.dma.Close() }

// modernLayout allocates the three queue parts as independent DMA regions.
type modernLayout struct {
	descDma, availDma, usedDma *hal.Dma
}

func newModernLayout(h hal.Hal, size uint16) (*modernLayout, error) {
	descDma, err := hal.NewDma(h, pagesFor(int(size)*descriptorSize), hal.Both)
	if err != nil {
		return nil, err
	}

	availDma, err := hal.NewDma(h, pagesFor(availRingSize(size)), hal.DriverToDevice)
	if err != nil {
		descDma.Close()
		return nil, err
	}

	usedDma, err := hal.NewDma(h, pagesFor(usedRingSize(size)), hal.DeviceToDriver)
	if err != nil {
		descDma.Close()
		availDma.Close()
		return nil, err
	}

	return &modernLayout{descDma: descDma, availDma: availDma, usedDma: usedDma}, nil
}

func (m *modernLayout) DescBytes() []byte  { return m.descDma.Bytes() }
func (m *modernLayout) AvailBytes() []byte { return m.availDma.Bytes() }
func (m *modernLayout) UsedBytes() []byte  { return m.usedDma.Bytes() }

func (m *modernLayout) DescPaddr() hal.PhysAddr  { return m.descDma.Paddr() }
func (m *modernLayout) AvailPaddr() hal.PhysAddr { return m.availDma.Paddr() }
func (m *modernLayout) UsedPaddr() hal.PhysAddr  { return m.usedDma.Paddr() }

func (m *modernLayout) Close() error {
	err1 := m.descDma.Close()
	err2 := m.availDma.Close()
	err3 := m.usedDma.Close()
	if err1 != nil {
		return err1
	}
	if err2 != nil {
		return err2
	}
	return err3
}

// deviceLegacyLayout and deviceModernLayout mirror the two driver-side
// layouts but map existing physical memory in (via DeviceHal.DMAMap)
// instead of allocating it.

type deviceLegacyLayout struct {
	dma                          *hal.DeviceDma
	availOff, usedOff, totalSize int
}

func newDeviceLegacyLayout(h hal.DeviceHal, paddr hal.PhysAddr, size uint16, clientID uint16) (*deviceLegacyLayout, error) {
	descSize := int(size) * descriptorSize
	availOff := descSize
	usedOff := alignUp(availOff+availRingSize(size), hal.PageSize)
	total := usedOff + usedRingSize(size)

	dma, err := hal.NewDeviceDma(h, paddr, pagesFor(total), hal.Both, clientID)
	if err != nil {
		return nil, err
	}

	return &deviceLegacyLayout{dma: dma, availOff: availOff, usedOff: usedOff, totalSize: total}, nil
}

func (l *deviceLegacyLayout) DescBytes() []byte  { return l.dma.Bytes()[:l.availOff] }
func (l *deviceLegacyLayout) AvailBytes() []byte { return l.dma.Bytes()[l.availOff:l.usedOff] }
func (l *deviceLegacyLayout) UsedBytes() []byte  { return l.dma.Bytes()[l.usedOff:l.totalSize] }

func (l *deviceLegacyLayout) DescPaddr() hal.PhysAddr  { return l.dma.Paddr() }
func (l *deviceLegacyLayout) AvailPaddr() hal.PhysAddr { return l.dma.Paddr() + hal.PhysAddr(l.availOff) }
func (l *deviceLegacyLayout) UsedPaddr() hal.PhysAddr  { return l.dma.Paddr() + hal.PhysAddr(l.usedOff) }

func (l *deviceLegacyLayout) Close() error { return l.dma.Close() }

type deviceModernLayout struct {
	descDma, availDma, usedDma *hal.DeviceDma
}

func newDeviceModernLayout(h hal.DeviceHal, descPaddr, availPaddr, usedPaddr hal.PhysAddr, size uint16, clientID uint16) (*deviceModernLayout, error) {
	descDma, err := hal.NewDeviceDma(h, descPaddr, pagesFor(int(size)*descriptorSize), hal.Both, clientID)
	if err != nil {
		return nil, err
	}

	availDma, err := hal.NewDeviceDma(h, availPaddr, pagesFor(availRingSize(size)), hal.DriverToDevice, clientID)
	if err != nil {
		descDma.Close()
		return nil, err
	}

	usedDma, err := hal.NewDeviceDma(h, usedPaddr, pagesFor(usedRingSize(size)), hal.DeviceToDriver, clientID)
	if err != nil {
		descDma.Close()
		availDma.Close()
		return nil, err
	}

	return &deviceModernLayout{descDma: descDma, availDma: availDma, usedDma: usedDma}, nil
}

func (m *deviceModernLayout) DescBytes() []byte  { return m.descDma.Bytes() }
func (m *deviceModernLayout) AvailBytes() []byte { return m.availDma.Bytes() }
func (m *deviceModernLayout) UsedBytes() []byte  { return m.usedDma.Bytes() }

func (m *deviceModernLayout) DescPaddr() hal.PhysAddr  { return m.descDma.Paddr() }
func (m *deviceModernLayout) AvailPaddr() hal.PhysAddr { return m.availDma.Paddr() }
func (m *deviceModernLayout) UsedPaddr() hal.PhysAddr  { return m.usedDma.Paddr() }

func (m *deviceModernLayout) Close() error {
	err1 := m.descDma.Close()
	err2 := m.availDma.Close()
	err3 := m.usedDma.Close()
	if err1 != nil {
		return err1
	}
	if err2 != nil {
		return err2
	}
	return err3
}

// Package fakehal provides in-process Hal/DeviceHal test doubles backed by
// plain Go heap memory, standing in for a real IOMMU/DMA allocator.
//
// A Bus models the physical memory that both sides of a fake VirtIO link
// actually share: FakeHal (driver side) and FakeDeviceHal (device side)
// both resolve physical addresses against the same Bus, so writes one side
// makes through its slice are visible to the other exactly as they would
// be through real shared DMA memory.
//
// Grounded on original_source's hal::fake module (referenced by queue.rs's
// own tests) and on gokvm's habit of using a flat []byte as "guest memory"
// in tests (virtio/net_test.go).
package fakehal

import (
	"fmt"
	"sync"

	"github.com/go-virtio/vsock/hal"
)

// Bus is the shared backing store for a fake driver/device pair.
type Bus struct {
	mu      sync.Mutex
	regions map[hal.PhysAddr][]byte
	next    hal.PhysAddr
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{regions: make(map[hal.PhysAddr][]byte), next: 0x1000}
}

func (b *Bus) register(size int) (hal.PhysAddr, []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	buf := make([]byte, size)
	paddr := b.next
	b.next += hal.PhysAddr(size) + hal.PageSize // leave a gap so overlap bugs are easy to spot

	b.regions[paddr] = buf

	return paddr, buf
}

func (b *Bus) lookup(paddr hal.PhysAddr, size int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	buf, ok := b.regions[paddr]
	if !ok {
		return nil, fmt.Errorf("fakehal: no region registered at paddr %#x", paddr)
	}
	if len(buf) < size {
		return nil, fmt.Errorf("fakehal: region at paddr %#x is %d bytes, wanted %d", paddr, len(buf), size)
	}

	return buf[:size], nil
}

func (b *Bus) release(paddr hal.PhysAddr) {
	b.mu.Lock()
	delete(b.regions, paddr)
	b.mu.Unlock()
}

// Peek returns the live region at paddr, for tests that need to act as the
// peer on the other end of a fake link (writing device-completed data
// directly into shared memory, or inspecting what the driver shared).
func (b *Bus) Peek(paddr hal.PhysAddr, size int) ([]byte, error) {
	return b.lookup(paddr, size)
}

// RegisterFixedRegion registers a region of the given size and returns its
// physical address, standing in for a device's MMIO config space: memory
// that exists at a fixed address discovered out-of-band (platform
// firmware, a device tree) rather than through DMAAlloc/Share.
func (b *Bus) RegisterFixedRegion(size int) (hal.PhysAddr, []byte) {
	return b.register(size)
}

// FakeHal is a driver-side Hal that allocates and shares memory on a Bus.
type FakeHal struct {
	Bus *Bus
}

// NewFakeHal constructs a FakeHal backed by a fresh Bus.
func NewFakeHal() *FakeHal {
	return &FakeHal{Bus: NewBus()}
}

func (f *FakeHal) DMAAlloc(pages int, _ hal.BufferDirection) (hal.PhysAddr, []byte, error) {
	paddr, buf := f.Bus.register(pages * hal.PageSize)

	return paddr, buf, nil
}

func (f *FakeHal) DMADealloc(paddr hal.PhysAddr, _ []byte, _ int) error {
	f.Bus.release(paddr)

	return nil
}

func (f *FakeHal) Share(buf []byte, _ hal.BufferDirection) (hal.PhysAddr, error) {
	paddr, bounce := f.Bus.register(pagesFor(len(buf)) * hal.PageSize)
	copy(bounce, buf)

	return paddr, nil
}

// pagesFor returns the number of hal.PageSize pages needed to hold n bytes,
// matching the rounding the device side applies when it later maps the
// same region back in by physical address and page count.
func pagesFor(n int) int {
	return (n + hal.PageSize - 1) / hal.PageSize
}

// MmioPhysToVirt resolves a fixed MMIO region (one registered directly via
// Bus.RegisterFixedRegion rather than DMAAlloc/Share) to the live byte
// slice backing it.
func (f *FakeHal) MmioPhysToVirt(paddr hal.PhysAddr, size int) ([]byte, error) {
	return f.Bus.lookup(paddr, size)
}

func (f *FakeHal) Unshare(paddr hal.PhysAddr, buf []byte, direction hal.BufferDirection) error {
	bounce, err := f.Bus.lookup(paddr, len(buf))
	if err != nil {
		return err
	}

	if direction != hal.DriverToDevice {
		copy(buf, bounce)
	}

	f.Bus.release(paddr)

	return nil
}

// FakeDeviceHal is a device-side DeviceHal resolving addresses against the
// same Bus a paired FakeHal uses.
type FakeDeviceHal struct {
	Bus *Bus
}

// NewFakeDeviceHal constructs a FakeDeviceHal sharing driver's Bus.
func NewFakeDeviceHal(driver *FakeHal) *FakeDeviceHal {
	return &FakeDeviceHal{Bus: driver.Bus}
}

func (f *FakeDeviceHal) DMAMap(paddr hal.PhysAddr, pages int, _ hal.BufferDirection, _ uint16) ([]byte, error) {
	return f.Bus.lookup(paddr, pages*hal.PageSize)
}

func (f *FakeDeviceHal) DMAUnmap(_ hal.PhysAddr, _ []byte, _ int) error {
	return nil
}

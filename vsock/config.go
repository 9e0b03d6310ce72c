package vsock

import (
	"encoding/binary"

	"github.com/go-virtio/vsock/hal"
)

// guestCIDConfigSize is the size of a virtio-vsock device's config space:
// a single little-endian u64, guest_cid.
const guestCIDConfigSize = 8

// ReadGuestCID reads the guest_cid field out of a virtio-vsock device's
// config space, mapped at configPaddr. Real drivers call this once at
// device probe time to learn their own context id, rather than being
// handed it directly the way NewSocket's caller is in this package's
// tests.
func ReadGuestCID(h hal.Hal, configPaddr hal.PhysAddr) (uint64, error) {
	cfg, err := h.MmioPhysToVirt(configPaddr, guestCIDConfigSize)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(cfg), nil
}

package vsock_test

import (
	"encoding/binary"
	"testing"

	"github.com/go-virtio/vsock/internal/fakehal"
	"github.com/go-virtio/vsock/vsock"
)

// TestReadGuestCID exercises hal.Hal.MmioPhysToVirt: a fixed config-space
// region is registered directly on the Bus (simulating a device config
// space discovered out-of-band, not through DMAAlloc/Share), written as
// the device would, then read back through the driver-side Hal.
func TestReadGuestCID(t *testing.T) {
	t.Parallel()

	driverHal := fakehal.NewFakeHal()

	configPaddr, config := driverHal.Bus.RegisterFixedRegion(8)
	binary.LittleEndian.PutUint64(config, 66)

	cid, err := vsock.ReadGuestCID(driverHal, configPaddr)
	if err != nil {
		t.Fatalf("ReadGuestCID: %v", err)
	}
	if cid != 66 {
		t.Fatalf("ReadGuestCID = %d, want 66", cid)
	}
}

func TestReadGuestCIDRejectsUnmappedAddress(t *testing.T) {
	t.Parallel()

	driverHal := fakehal.NewFakeHal()

	if _, err := vsock.ReadGuestCID(driverHal, 0xdead); err == nil {
		t.Fatalf("ReadGuestCID on an unregistered address = nil error, want an error")
	}
}

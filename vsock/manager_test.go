package vsock_test

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/kylelemons/godebug/pretty"
	"golang.org/x/sync/errgroup"

	"github.com/go-virtio/vsock/internal/fakehal"
	"github.com/go-virtio/vsock/internal/fakewire"
	"github.com/go-virtio/vsock/virtqueue"
	"github.com/go-virtio/vsock/vsock"
)

// newVsockLoopback wires a driver ConnectionManager to a device
// DeviceConnectionManager over a real pair of split virtqueues (queue 0
// carries driver-posted write buffers the device fills; queue 1 carries
// driver-posted read chains the device polls), the way a guest driver and
// the host device implementation would actually talk.
func newVsockLoopback(t *testing.T, guestCID, hostCID uint64, bufCap uint32) (*vsock.Guarded[*vsock.ConnectionManager], *vsock.Guarded[*vsock.DeviceConnectionManager], *vsock.Socket, *vsock.DeviceSocket) {
	t.Helper()

	driverHal := fakehal.NewFakeHal()
	deviceHal := fakehal.NewFakeDeviceHal(driverHal)
	transport, deviceTransport := fakewire.NewPair(false, 64)

	driverRx, err := virtqueue.New(transport, driverHal, 0, 64, false, false)
	if err != nil {
		t.Fatalf("New rx: %v", err)
	}
	driverTx, err := virtqueue.New(transport, driverHal, 1, 64, false, false)
	if err != nil {
		t.Fatalf("New tx: %v", err)
	}
	deviceRx, err := virtqueue.NewDeviceVirtQueue(deviceTransport, deviceHal, 0, 64, false)
	if err != nil {
		t.Fatalf("NewDeviceVirtQueue rx: %v", err)
	}
	deviceTx, err := virtqueue.NewDeviceVirtQueue(deviceTransport, deviceHal, 1, 64, false)
	if err != nil {
		t.Fatalf("NewDeviceVirtQueue tx: %v", err)
	}

	driverSocket, err := vsock.NewSocket(guestCID, driverRx, driverTx, 256, 8)
	if err != nil {
		t.Fatalf("NewSocket: %v", err)
	}
	deviceSocket := vsock.NewDeviceSocket(hostCID, deviceRx, deviceTx)

	cm := vsock.NewGuarded(vsock.NewConnectionManager(driverSocket, bufCap))
	dcm := vsock.NewGuarded(vsock.NewDeviceConnectionManager(deviceSocket, bufCap))
	return cm, dcm, driverSocket, deviceSocket
}

// pumpManager repeatedly polls a manager until ctx is cancelled, forwarding
// every surfaced event to events. Errors other than ErrNotReady stop the
// pump and are returned, so an errgroup.Group can report them.
func pumpManager(ctx context.Context, poll func() (*vsock.VsockEvent, error), events chan<- vsock.VsockEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		ev, err := poll()
		if errors.Is(err, vsock.ErrNotReady) {
			runtime.Gosched()
			continue
		}
		if err != nil {
			return err
		}

		select {
		case events <- *ev:
		case <-ctx.Done():
			return nil
		}
	}
}

// testRig bundles a loopback pair with running background pumps, so
// scenario tests just issue calls and read off the event channels.
type testRig struct {
	t            *testing.T
	cm           *vsock.Guarded[*vsock.ConnectionManager]
	dcm          *vsock.Guarded[*vsock.DeviceConnectionManager]
	driverSocket *vsock.Socket
	deviceSocket *vsock.DeviceSocket
	driverEvents chan vsock.VsockEvent
	deviceEvents chan vsock.VsockEvent
	cancel       context.CancelFunc
	group        *errgroup.Group
}

func newTestRig(t *testing.T, guestCID, hostCID uint64, bufCap uint32) *testRig {
	t.Helper()

	cm, dcm, driverSocket, deviceSocket := newVsockLoopback(t, guestCID, hostCID, bufCap)
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	r := &testRig{
		t:            t,
		cm:           cm,
		dcm:          dcm,
		driverSocket: driverSocket,
		deviceSocket: deviceSocket,
		driverEvents: make(chan vsock.VsockEvent, 16),
		deviceEvents: make(chan vsock.VsockEvent, 16),
		cancel:       cancel,
	}
	r.group = group

	group.Go(func() error { return pumpManager(ctx, cm.Poll, r.driverEvents) })
	group.Go(func() error { return pumpManager(ctx, dcm.Poll, r.deviceEvents) })

	t.Cleanup(func() {
		cancel()
		if err := group.Wait(); err != nil {
			t.Errorf("pump goroutine: %v", err)
		}
	})

	return r
}

func (r *testRig) waitEvent(ch <-chan vsock.VsockEvent) vsock.VsockEvent {
	r.t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		r.t.Fatalf("timed out waiting for event")
		return vsock.VsockEvent{}
	}
}

// assertNoEvent confirms nothing arrives on ch within a short window,
// without simply racing to check len(ch) == 0.
func (r *testRig) assertNoEvent(ch <-chan vsock.VsockEvent) {
	r.t.Helper()
	select {
	case ev := <-ch:
		r.t.Fatalf("unexpected event delivered: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestScenarioS1OutboundConnectSendRecvShutdown is spec scenario S1: a
// guest-originated connection, a round trip of data in both directions,
// and a driver-initiated shutdown.
func TestScenarioS1OutboundConnectSendRecvShutdown(t *testing.T) {
	t.Parallel()

	const guestCID, hostCID uint64 = 66, 2
	const hostPort, guestPort uint32 = 1234, 4321

	r := newTestRig(t, guestCID, hostCID, 1024)
	host := vsock.VsockAddr{CID: hostCID, Port: hostPort}
	guest := vsock.VsockAddr{CID: guestCID, Port: guestPort}

	r.dcm.Listen(hostPort)

	if err := r.cm.Connect(host, guestPort); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	req := r.waitEvent(r.deviceEvents)
	if req.Type != vsock.EventConnectionRequest {
		t.Fatalf("device event = %v, want ConnectionRequest", req.Type)
	}

	connected := r.waitEvent(r.driverEvents)
	if connected.Type != vsock.EventConnected {
		t.Fatalf("driver event = %v, want Connected", connected.Type)
	}

	if err := r.cm.Send(host, guestPort, []byte("Hello from guest")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	received := r.waitEvent(r.deviceEvents)
	if received.Type != vsock.EventReceived || received.Length != 16 {
		t.Fatalf("device event = %+v, want Received{Length:16}", received)
	}

	buf := make([]byte, 64)
	n, err := r.dcm.Recv(guest, hostPort, buf)
	if err != nil {
		t.Fatalf("device Recv: %v", err)
	}
	if string(buf[:n]) != "Hello from guest" {
		t.Fatalf("device Recv = %q, want %q", buf[:n], "Hello from guest")
	}

	if err := r.dcm.Send(guest, hostPort, []byte("Hello from host")); err != nil {
		t.Fatalf("device Send: %v", err)
	}

	received2 := r.waitEvent(r.driverEvents)
	if received2.Type != vsock.EventReceived || received2.Length != 15 {
		t.Fatalf("driver event = %+v, want Received{Length:15}", received2)
	}

	buf2 := make([]byte, 64)
	n2, err := r.cm.Recv(host, guestPort, buf2)
	if err != nil {
		t.Fatalf("driver Recv: %v", err)
	}
	if string(buf2[:n2]) != "Hello from host" {
		t.Fatalf("driver Recv = %q, want %q", buf2[:n2], "Hello from host")
	}

	if err := r.cm.Shutdown(host, guestPort); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	disconnected := r.waitEvent(r.deviceEvents)
	if disconnected.Type != vsock.EventDisconnected || disconnected.Reason != vsock.DisconnectShutdown {
		t.Fatalf("device event = %+v, want Disconnected{Reason:Shutdown}", disconnected)
	}
}

// TestScenarioS2WrongPortRejectedSilently is spec scenario S2 (and
// spec.md invariant 6): a Request for a port nobody is listening on gets
// an RST and produces no event, leaving the manager's connection table
// empty.
func TestScenarioS2WrongPortRejectedSilently(t *testing.T) {
	t.Parallel()

	const guestCID, hostCID uint64 = 66, 2
	const guestPort uint32 = 4321

	r := newTestRig(t, guestCID, hostCID, 1024)
	r.dcm.Listen(guestPort)

	wrongPort := uint32(4444)
	if err := r.cm.Connect(vsock.VsockAddr{CID: hostCID, Port: wrongPort}, guestPort); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	r.assertNoEvent(r.deviceEvents)

	if _, err := r.dcm.RecvBufferAvailableBytes(vsock.VsockAddr{CID: guestCID, Port: guestPort}, wrongPort); err != vsock.ErrNotConnected {
		t.Fatalf("RecvBufferAvailableBytes on a rejected port = %v, want ErrNotConnected", err)
	}
}

// TestScenarioS3InboundConnectionAccepted is spec scenario S3: a Request
// on a listened port is accepted and surfaced to the caller.
func TestScenarioS3InboundConnectionAccepted(t *testing.T) {
	t.Parallel()

	const guestCID, hostCID uint64 = 66, 2
	const hostPort, guestPort uint32 = 1234, 4321

	r := newTestRig(t, guestCID, hostCID, 1024)
	r.dcm.Listen(hostPort)

	if err := r.cm.Connect(vsock.VsockAddr{CID: hostCID, Port: hostPort}, guestPort); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	req := r.waitEvent(r.deviceEvents)
	want := vsock.VsockEvent{
		Source:      vsock.VsockAddr{CID: guestCID, Port: guestPort},
		Destination: vsock.VsockAddr{CID: hostCID, Port: hostPort},
		Type:        vsock.EventConnectionRequest,
	}
	if diff := pretty.Compare(want, req); diff != "" {
		t.Fatalf("ConnectionRequest event mismatch (-want +got):\n%s", diff)
	}
}

// TestScenarioS4CreditRequestHandledInternally is spec scenario S4: a
// CreditRequest is answered with a credit update on the wire but is never
// surfaced as an event.
func TestScenarioS4CreditRequestHandledInternally(t *testing.T) {
	t.Parallel()

	const guestCID, hostCID uint64 = 66, 2
	const hostPort, guestPort uint32 = 1234, 4321

	r := newTestRig(t, guestCID, hostCID, 1024)
	r.dcm.Listen(hostPort)

	if err := r.cm.Connect(vsock.VsockAddr{CID: hostCID, Port: hostPort}, guestPort); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	r.waitEvent(r.deviceEvents)
	r.waitEvent(r.driverEvents)

	if err := r.dcm.UpdateCredit(vsock.VsockAddr{CID: guestCID, Port: guestPort}, hostPort); err != nil {
		t.Fatalf("device UpdateCredit: %v", err)
	}

	update := r.waitEvent(r.driverEvents)
	if update.Type != vsock.EventCreditUpdate {
		t.Fatalf("driver event = %+v, want CreditUpdate", update)
	}

	// The device now raises a raw CreditRequest on the wire (below the
	// Manager's public API, which never originates this op itself). The
	// driver's manager must reply with a credit_update and never surface
	// the request itself as an event.
	req := vsock.ConnectionInfo{
		Peer:      vsock.VsockAddr{CID: guestCID, Port: guestPort},
		LocalPort: hostPort,
		BufAlloc:  1024,
	}
	if err := r.deviceSocket.SendCreditRequest(req); err != nil {
		t.Fatalf("device SendCreditRequest: %v", err)
	}

	r.assertNoEvent(r.driverEvents)

	reply := r.waitEvent(r.deviceEvents)
	if reply.Type != vsock.EventCreditUpdate {
		t.Fatalf("device event = %+v, want the driver's automatic CreditUpdate reply", reply)
	}
}

// TestScenarioS5DeferredShutdownDrain is spec scenario S5: a peer
// Shutdown/RST on a connection whose receive buffer is not yet drained
// surfaces Disconnected immediately but keeps the connection around so
// the caller can still Recv what was buffered; only once the buffer is
// empty does a later Recv trigger the final RST and removal.
func TestScenarioS5DeferredShutdownDrain(t *testing.T) {
	t.Parallel()

	const guestCID, hostCID uint64 = 66, 2
	const hostPort, guestPort uint32 = 1234, 4321

	r := newTestRig(t, guestCID, hostCID, 1024)
	r.dcm.Listen(hostPort)

	if err := r.cm.Connect(vsock.VsockAddr{CID: hostCID, Port: hostPort}, guestPort); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	r.waitEvent(r.deviceEvents)
	r.waitEvent(r.driverEvents)

	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if err := r.dcm.Send(vsock.VsockAddr{CID: guestCID, Port: guestPort}, hostPort, payload); err != nil {
		t.Fatalf("device Send: %v", err)
	}
	received := r.waitEvent(r.driverEvents)
	if received.Type != vsock.EventReceived || received.Length != uint32(len(payload)) {
		t.Fatalf("driver event = %+v, want Received{Length:%d}", received, len(payload))
	}

	if err := r.dcm.Shutdown(vsock.VsockAddr{CID: guestCID, Port: guestPort}, hostPort); err != nil {
		t.Fatalf("device Shutdown: %v", err)
	}

	disconnected := r.waitEvent(r.driverEvents)
	if disconnected.Type != vsock.EventDisconnected || disconnected.Reason != vsock.DisconnectShutdown {
		t.Fatalf("driver event = %+v, want Disconnected{Reason:Shutdown}", disconnected)
	}

	n, err := r.cm.RecvBufferAvailableBytes(vsock.VsockAddr{CID: hostCID, Port: hostPort}, guestPort)
	if err != nil {
		t.Fatalf("RecvBufferAvailableBytes: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("RecvBufferAvailableBytes = %d, want %d (connection must survive the deferred shutdown)", n, len(payload))
	}

	out := make([]byte, len(payload))
	got, err := r.cm.Recv(vsock.VsockAddr{CID: hostCID, Port: hostPort}, guestPort, out)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if got != len(payload) {
		t.Fatalf("Recv returned %d bytes, want %d", got, len(payload))
	}

	// The drained Recv must have emitted the final RST and removed the
	// connection: a further lookup now fails with ErrNotConnected.
	if _, err := r.cm.RecvBufferAvailableBytes(vsock.VsockAddr{CID: hostCID, Port: hostPort}, guestPort); err != vsock.ErrNotConnected {
		t.Fatalf("RecvBufferAvailableBytes after drain = %v, want ErrNotConnected", err)
	}
}

// TestSendRejectsBufferExceedingPeerCredit exercises the credit check
// spec.md:140 assigns to the lower layer: Send must refuse a buffer
// larger than what the peer's last-advertised buf_alloc/fwd_cnt leaves
// available, rather than letting it go out unconditionally.
func TestSendRejectsBufferExceedingPeerCredit(t *testing.T) {
	t.Parallel()

	const guestCID, hostCID uint64 = 66, 2
	const hostPort, guestPort uint32 = 1234, 4321
	const hostBufCap uint32 = 32

	// The host's own buffer capacity becomes the guest's PeerBufAlloc
	// once Connected, so a small value here makes the peer's window easy
	// to overrun.
	driverHal := fakehal.NewFakeHal()
	deviceHal := fakehal.NewFakeDeviceHal(driverHal)
	transport, deviceTransport := fakewire.NewPair(false, 64)

	driverRx, err := virtqueue.New(transport, driverHal, 0, 64, false, false)
	if err != nil {
		t.Fatalf("New rx: %v", err)
	}
	driverTx, err := virtqueue.New(transport, driverHal, 1, 64, false, false)
	if err != nil {
		t.Fatalf("New tx: %v", err)
	}
	deviceRx, err := virtqueue.NewDeviceVirtQueue(deviceTransport, deviceHal, 0, 64, false)
	if err != nil {
		t.Fatalf("NewDeviceVirtQueue rx: %v", err)
	}
	deviceTx, err := virtqueue.NewDeviceVirtQueue(deviceTransport, deviceHal, 1, 64, false)
	if err != nil {
		t.Fatalf("NewDeviceVirtQueue tx: %v", err)
	}

	driverSocket, err := vsock.NewSocket(guestCID, driverRx, driverTx, 256, 8)
	if err != nil {
		t.Fatalf("NewSocket: %v", err)
	}
	deviceSocket := vsock.NewDeviceSocket(hostCID, deviceRx, deviceTx)

	cm := vsock.NewGuarded(vsock.NewConnectionManager(driverSocket, 1024))
	dcm := vsock.NewGuarded(vsock.NewDeviceConnectionManager(deviceSocket, hostBufCap))

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	driverEvents := make(chan vsock.VsockEvent, 16)
	deviceEvents := make(chan vsock.VsockEvent, 16)
	group.Go(func() error { return pumpManager(ctx, cm.Poll, driverEvents) })
	group.Go(func() error { return pumpManager(ctx, dcm.Poll, deviceEvents) })
	t.Cleanup(func() {
		cancel()
		if err := group.Wait(); err != nil {
			t.Errorf("pump goroutine: %v", err)
		}
	})

	host := vsock.VsockAddr{CID: hostCID, Port: hostPort}

	dcm.Listen(hostPort)
	if err := cm.Connect(host, guestPort); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	r := &testRig{t: t, driverEvents: driverEvents, deviceEvents: deviceEvents}
	r.waitEvent(deviceEvents)
	r.waitEvent(driverEvents)

	oversized := make([]byte, hostBufCap+1)
	err = cm.Send(host, guestPort, oversized)
	var creditErr vsock.PeerCreditExceededError
	if !errors.As(err, &creditErr) {
		t.Fatalf("Send(%d bytes) = %v, want PeerCreditExceededError", len(oversized), err)
	}
	if creditErr.Requested != len(oversized) || creditErr.Available != int(hostBufCap) {
		t.Fatalf("PeerCreditExceededError = %+v, want {Requested:%d Available:%d}", creditErr, len(oversized), hostBufCap)
	}

	r.assertNoEvent(deviceEvents)

	withinCredit := make([]byte, hostBufCap)
	if err := cm.Send(host, guestPort, withinCredit); err != nil {
		t.Fatalf("Send(%d bytes) within credit: %v", len(withinCredit), err)
	}
	received := r.waitEvent(deviceEvents)
	if received.Type != vsock.EventReceived || received.Length != hostBufCap {
		t.Fatalf("device event = %+v, want Received{Length:%d}", received, hostBufCap)
	}
}

// TestScenarioS6RingBufferWrap is covered directly in ringbuffer_test.go;
// named here only so a reader scanning for S1-S6 finds a pointer to it.
func TestScenarioS6RingBufferWrap(t *testing.T) {
	t.Parallel()
	t.Skip("see TestRingBufferWrapAround in ringbuffer_test.go")
}

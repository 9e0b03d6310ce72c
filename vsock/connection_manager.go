package vsock

// Manager is the operation set shared by ConnectionManager and
// DeviceConnectionManager, letting callers (notably Guarded) hold either
// without caring which side of the link it is.
type Manager interface {
	Connect(dest VsockAddr, srcPort uint32) error
	Listen(port uint32)
	Unlisten(port uint32)
	Send(dest VsockAddr, srcPort uint32, buffer []byte) error
	Recv(peer VsockAddr, srcPort uint32, out []byte) (int, error)
	RecvBufferAvailableBytes(peer VsockAddr, srcPort uint32) (int, error)
	UpdateCredit(peer VsockAddr, srcPort uint32) error
	Shutdown(peer VsockAddr, srcPort uint32) error
	ForceClose(peer VsockAddr, srcPort uint32) error
	Poll() (*VsockEvent, error)
	WaitForEvent() (VsockEvent, error)
}

// ConnectionManager is the driver-side VsockConnectionManager: it may
// originate outbound connections as well as accept inbound ones.
type ConnectionManager struct {
	inner *manager[*Socket]
}

// NewConnectionManager builds a ConnectionManager over socket. A
// bufferCapacity of 0 selects DefaultBufferCapacity.
func NewConnectionManager(socket *Socket, bufferCapacity uint32) *ConnectionManager {
	return &ConnectionManager{inner: newManager[*Socket](socket, bufferCapacity)}
}

func (c *ConnectionManager) Connect(dest VsockAddr, srcPort uint32) error {
	return c.inner.connect(dest, srcPort)
}
func (c *ConnectionManager) Listen(port uint32)   { c.inner.listen(port) }
func (c *ConnectionManager) Unlisten(port uint32) { c.inner.unlisten(port) }
func (c *ConnectionManager) Send(dest VsockAddr, srcPort uint32, buffer []byte) error {
	return c.inner.send(dest, srcPort, buffer)
}
func (c *ConnectionManager) Recv(peer VsockAddr, srcPort uint32, out []byte) (int, error) {
	return c.inner.recv(peer, srcPort, out)
}
func (c *ConnectionManager) RecvBufferAvailableBytes(peer VsockAddr, srcPort uint32) (int, error) {
	return c.inner.recvBufferAvailableBytes(peer, srcPort)
}
func (c *ConnectionManager) UpdateCredit(peer VsockAddr, srcPort uint32) error {
	return c.inner.updateCredit(peer, srcPort)
}
func (c *ConnectionManager) Shutdown(peer VsockAddr, srcPort uint32) error {
	return c.inner.shutdown(peer, srcPort)
}
func (c *ConnectionManager) ForceClose(peer VsockAddr, srcPort uint32) error {
	return c.inner.forceClose(peer, srcPort)
}
func (c *ConnectionManager) Poll() (*VsockEvent, error)        { return c.inner.poll() }
func (c *ConnectionManager) WaitForEvent() (VsockEvent, error) { return c.inner.waitForEvent() }

// DeviceConnectionManager is the device-side VsockConnectionManager: it
// may only accept inbound connections. Connect is a programmer error on
// this side.
type DeviceConnectionManager struct {
	inner *manager[*DeviceSocket]
}

// NewDeviceConnectionManager builds a DeviceConnectionManager over
// socket. A bufferCapacity of 0 selects DefaultBufferCapacity.
func NewDeviceConnectionManager(socket *DeviceSocket, bufferCapacity uint32) *DeviceConnectionManager {
	return &DeviceConnectionManager{inner: newManager[*DeviceSocket](socket, bufferCapacity)}
}

// Connect always fails: the device side of this core never originates
// connections. spec.md calls this "a programmer error — fail loudly"; we
// return ErrUnsupported rather than panic, per spec.md §7's general
// policy that programmer misuse is returned to the caller with no side
// effects (see DESIGN.md for this Open Question resolution).
func (d *DeviceConnectionManager) Connect(dest VsockAddr, srcPort uint32) error {
	return ErrUnsupported
}
func (d *DeviceConnectionManager) Listen(port uint32)   { d.inner.listen(port) }
func (d *DeviceConnectionManager) Unlisten(port uint32) { d.inner.unlisten(port) }
func (d *DeviceConnectionManager) Send(dest VsockAddr, srcPort uint32, buffer []byte) error {
	return d.inner.send(dest, srcPort, buffer)
}
func (d *DeviceConnectionManager) Recv(peer VsockAddr, srcPort uint32, out []byte) (int, error) {
	return d.inner.recv(peer, srcPort, out)
}
func (d *DeviceConnectionManager) RecvBufferAvailableBytes(peer VsockAddr, srcPort uint32) (int, error) {
	return d.inner.recvBufferAvailableBytes(peer, srcPort)
}
func (d *DeviceConnectionManager) UpdateCredit(peer VsockAddr, srcPort uint32) error {
	return d.inner.updateCredit(peer, srcPort)
}
func (d *DeviceConnectionManager) Shutdown(peer VsockAddr, srcPort uint32) error {
	return d.inner.shutdown(peer, srcPort)
}
func (d *DeviceConnectionManager) ForceClose(peer VsockAddr, srcPort uint32) error {
	return d.inner.forceClose(peer, srcPort)
}
func (d *DeviceConnectionManager) Poll() (*VsockEvent, error)        { return d.inner.poll() }
func (d *DeviceConnectionManager) WaitForEvent() (VsockEvent, error) { return d.inner.waitForEvent() }

var (
	_ Manager = (*ConnectionManager)(nil)
	_ Manager = (*DeviceConnectionManager)(nil)
)

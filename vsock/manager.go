package vsock

import "runtime"

// DefaultBufferCapacity is the per-connection RX ring size used when a
// manager is constructed without an explicit override.
const DefaultBufferCapacity = 1024

// manager holds the state and event-processing logic shared by
// ConnectionManager and DeviceConnectionManager: a map of tracked
// connections, a set of listening ports, and the lower-level socketDriver
// that actually moves bytes. Generic over the driver type so the same
// state machine serves both the driver-side and device-side vsock roles.
//
// Grounded on original_source's VsockConnectionManagerCommon<M> /
// VsockManager trait split; M here plays the role of the Rust M: VsockManager
// type parameter.
type manager[M socketDriver] struct {
	driver         M
	connections    map[connKey]*connection
	listening      map[uint32]struct{}
	bufferCapacity uint32
}

func newManager[M socketDriver](driver M, bufferCapacity uint32) *manager[M] {
	if bufferCapacity == 0 {
		bufferCapacity = DefaultBufferCapacity
	}
	return &manager[M]{
		driver:         driver,
		connections:    make(map[connKey]*connection),
		listening:      make(map[uint32]struct{}),
		bufferCapacity: bufferCapacity,
	}
}

func (m *manager[M]) connect(dest VsockAddr, srcPort uint32) error {
	key := keyFor(dest, srcPort)
	if _, exists := m.connections[key]; exists {
		return ErrConnectionExists
	}

	info := ConnectionInfo{Peer: dest, LocalPort: srcPort, SocketType: SocketTypeStream, BufAlloc: m.bufferCapacity}
	if err := m.driver.SendRequest(info); err != nil {
		return err
	}

	m.connections[key] = &connection{info: info, buffer: NewRingBuffer(int(m.bufferCapacity))}
	return nil
}

func (m *manager[M]) listen(port uint32) {
	m.listening[port] = struct{}{}
}

func (m *manager[M]) unlisten(port uint32) {
	delete(m.listening, port)
}

func (m *manager[M]) send(dest VsockAddr, srcPort uint32, buffer []byte) error {
	conn, ok := m.connections[keyFor(dest, srcPort)]
	if !ok {
		return ErrNotConnected
	}
	if err := m.driver.SendData(conn.info, buffer); err != nil {
		return err
	}
	conn.info.TxCnt += uint32(len(buffer))
	return nil
}

func (m *manager[M]) recv(peer VsockAddr, srcPort uint32, out []byte) (int, error) {
	key := keyFor(peer, srcPort)
	conn, ok := m.connections[key]
	if !ok {
		return 0, ErrNotConnected
	}

	n := conn.buffer.Read(out)
	conn.info.FwdCnt += uint32(n)

	if conn.peerRequestedShutdown && conn.buffer.Used() == 0 {
		if err := m.driver.SendRST(conn.info); err != nil {
			return n, err
		}
		delete(m.connections, key)
	}

	return n, nil
}

func (m *manager[M]) recvBufferAvailableBytes(peer VsockAddr, srcPort uint32) (int, error) {
	conn, ok := m.connections[keyFor(peer, srcPort)]
	if !ok {
		return 0, ErrNotConnected
	}
	return conn.buffer.Used(), nil
}

func (m *manager[M]) updateCredit(peer VsockAddr, srcPort uint32) error {
	conn, ok := m.connections[keyFor(peer, srcPort)]
	if !ok {
		return ErrNotConnected
	}
	return m.driver.SendCreditUpdate(conn.info)
}

func (m *manager[M]) shutdown(peer VsockAddr, srcPort uint32) error {
	conn, ok := m.connections[keyFor(peer, srcPort)]
	if !ok {
		return ErrNotConnected
	}
	return m.driver.SendShutdown(conn.info, ShutdownRecv|ShutdownSend)
}

func (m *manager[M]) forceClose(peer VsockAddr, srcPort uint32) error {
	key := keyFor(peer, srcPort)
	conn, ok := m.connections[key]
	if !ok {
		return ErrNotConnected
	}
	if err := m.driver.SendRST(conn.info); err != nil {
		return err
	}
	delete(m.connections, key)
	return nil
}

func (m *manager[M]) poll() (*VsockEvent, error) {
	pkt, err := m.driver.Poll()
	if err != nil {
		return nil, err
	}
	return m.process(pkt)
}

func (m *manager[M]) waitForEvent() (VsockEvent, error) {
	for {
		event, err := m.poll()
		if err == ErrNotReady {
			runtime.Gosched()
			continue
		}
		if err != nil {
			return VsockEvent{}, err
		}
		return *event, nil
	}
}

// process implements the event-processing state machine of spec.md §4.D's
// table. Returning (nil, ErrNotReady) means the packet was handled but
// should not be surfaced to the caller (a silent drop or a lower-layer-only
// response).
func (m *manager[M]) process(pkt *wirePacket) (*VsockEvent, error) {
	hdr := pkt.Header
	localCID := m.driver.LocalCID()

	if hdr.Op == OpRequest {
		return m.processRequest(hdr)
	}

	if hdr.DstCID != localCID {
		return nil, ErrNotReady
	}

	peer := VsockAddr{CID: hdr.SrcCID, Port: hdr.SrcPort}
	key := keyFor(peer, hdr.DstPort)
	conn, ok := m.connections[key]
	if !ok {
		return nil, ErrNotReady
	}
	dest := VsockAddr{CID: localCID, Port: hdr.DstPort}

	switch hdr.Op {
	case OpResponse:
		conn.info.PeerBufAlloc = hdr.BufAlloc
		conn.info.PeerFwdCnt = hdr.FwdCnt
		return &VsockEvent{Source: peer, Destination: dest, Type: EventConnected}, nil

	case OpRW:
		conn.info.PeerBufAlloc = hdr.BufAlloc
		conn.info.PeerFwdCnt = hdr.FwdCnt
		if !conn.buffer.Write(pkt.Body) {
			return nil, OutputBufferTooShortError{Length: len(pkt.Body)}
		}
		return &VsockEvent{
			Source: peer, Destination: dest, Type: EventReceived, Length: uint32(len(pkt.Body)),
			Buffer: BufferStatus{BytesAvailable: uint32(conn.buffer.Used()), Capacity: uint32(conn.buffer.Capacity())},
		}, nil

	case OpShutdown:
		event := &VsockEvent{Source: peer, Destination: dest, Type: EventDisconnected, Reason: DisconnectShutdown}
		if conn.buffer.Used() == 0 {
			if err := m.driver.SendRST(conn.info); err != nil {
				return nil, err
			}
			delete(m.connections, key)
		} else {
			conn.peerRequestedShutdown = true
		}
		return event, nil

	case OpRst:
		event := &VsockEvent{Source: peer, Destination: dest, Type: EventDisconnected, Reason: DisconnectReset}
		if conn.buffer.Used() == 0 {
			delete(m.connections, key)
		} else {
			conn.peerRequestedShutdown = true
		}
		return event, nil

	case OpCreditRequest:
		if err := m.driver.SendCreditUpdate(conn.info); err != nil {
			return nil, err
		}
		return nil, ErrNotReady

	case OpCreditUpdate:
		conn.info.PeerBufAlloc = hdr.BufAlloc
		conn.info.PeerFwdCnt = hdr.FwdCnt
		return &VsockEvent{Source: peer, Destination: dest, Type: EventCreditUpdate}, nil

	default:
		return nil, ErrNotReady
	}
}

func (m *manager[M]) processRequest(hdr Header) (*VsockEvent, error) {
	localCID := m.driver.LocalCID()
	if hdr.DstCID != localCID {
		return nil, ErrNotReady
	}

	peer := VsockAddr{CID: hdr.SrcCID, Port: hdr.SrcPort}
	key := keyFor(peer, hdr.DstPort)
	if _, exists := m.connections[key]; exists {
		return nil, ErrNotReady
	}

	info := ConnectionInfo{
		Peer: peer, LocalPort: hdr.DstPort, SocketType: SocketTypeStream,
		BufAlloc: m.bufferCapacity, PeerBufAlloc: hdr.BufAlloc, PeerFwdCnt: hdr.FwdCnt,
	}
	conn := &connection{info: info, buffer: NewRingBuffer(int(m.bufferCapacity))}
	m.connections[key] = conn

	if _, listening := m.listening[info.LocalPort]; listening {
		if err := m.driver.SendResponse(info); err != nil {
			delete(m.connections, key)
			return nil, err
		}
		dest := VsockAddr{CID: localCID, Port: info.LocalPort}
		return &VsockEvent{Source: peer, Destination: dest, Type: EventConnectionRequest}, nil
	}

	if err := m.driver.SendRST(info); err != nil {
		delete(m.connections, key)
		return nil, err
	}
	delete(m.connections, key)
	return nil, ErrNotReady
}

package vsock

// ConnectionInfo carries the addressing and credit bookkeeping a
// socketDriver needs to stamp outgoing headers correctly.
//
// [EXPANDED] SocketType is always SocketTypeStream, since stream is the
// only type this core negotiates (see SPEC_FULL.md §3). Outgoing headers
// are stamped with SocketTypeStream directly; this field is not read when
// building them.
type ConnectionInfo struct {
	Peer       VsockAddr
	LocalPort  uint32
	SocketType uint16

	// BufAlloc is our own advertised receive capacity, fixed at
	// creation to the manager's per-connection buffer capacity.
	BufAlloc uint32
	// FwdCnt is how many bytes we have forwarded (delivered via Recv)
	// to the local application, advertised to the peer as credit.
	FwdCnt uint32

	// PeerBufAlloc and PeerFwdCnt mirror the same fields as last
	// reported by the peer.
	PeerBufAlloc uint32
	PeerFwdCnt   uint32

	// TxCnt is the running total of bytes we have sent on this
	// connection. Together with PeerBufAlloc/PeerFwdCnt it tells the
	// lower layer how much of the peer's advertised window is still
	// unacknowledged, so it can refuse a send that would overrun it.
	TxCnt uint32
}

// availablePeerCredit returns how many more bytes the peer has room for,
// given its last-reported buf_alloc/fwd_cnt and what we have sent it
// since. Per spec.md the lower layer, not the manager, enforces this
// before a send reaches the wire.
func availablePeerCredit(info ConnectionInfo) int64 {
	inFlight := int64(info.TxCnt) - int64(info.PeerFwdCnt)
	if inFlight < 0 {
		inFlight = 0
	}
	available := int64(info.PeerBufAlloc) - inFlight
	if available < 0 {
		return 0
	}
	return available
}

// connection is one tracked stream: its addressing/credit state, its RX
// ring, and whether the peer has asked to close while data still awaits
// drain.
type connection struct {
	info                  ConnectionInfo
	buffer                *RingBuffer
	peerRequestedShutdown bool
}

// connKey identifies a connection the way spec.md's event-matching rule
// does: peer cid, peer port, and our local port.
type connKey struct {
	peerCID   uint64
	peerPort  uint32
	localPort uint32
}

func keyFor(peer VsockAddr, localPort uint32) connKey {
	return connKey{peerCID: peer.CID, peerPort: peer.Port, localPort: localPort}
}

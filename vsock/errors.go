package vsock

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by this package, matching spec.md's kind list:
// programmer misuse (ErrConnectionExists, ErrNotConnected) is returned
// with no side effects; ErrNotReady is the non-blocking "nothing to
// report right now" signal Poll uses in place of a bool/pointer pair.
var (
	ErrConnectionExists = errors.New("vsock: connection already exists")
	ErrNotConnected     = errors.New("vsock: not connected")
	ErrNotReady         = errors.New("vsock: no event ready")
	ErrInvalidParam     = errors.New("vsock: invalid parameter")
	ErrUnsupported      = errors.New("vsock: unsupported")
)

// OutputBufferTooShortError is returned when a peer's Received payload
// does not fit in the connection's RX ring. It carries the payload length
// so the caller can decide whether to grow capacity or drop the peer.
type OutputBufferTooShortError struct {
	Length int
}

func (e OutputBufferTooShortError) Error() string {
	return fmt.Sprintf("vsock: %d-byte payload does not fit the connection's receive buffer", e.Length)
}

// PeerCreditExceededError is returned by SendData when the buffer is
// larger than the peer's remaining receive credit (its last-advertised
// buf_alloc minus the bytes sent but not yet counted in its fwd_cnt). The caller should wait for a CreditUpdate event, or resend a
// shorter buffer, rather than retrying the same one immediately.
type PeerCreditExceededError struct {
	Requested int
	Available int
}

func (e PeerCreditExceededError) Error() string {
	return fmt.Sprintf("vsock: send of %d bytes exceeds peer credit (%d bytes available)", e.Requested, e.Available)
}

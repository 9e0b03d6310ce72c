package virtqueue

import "errors"

// Error kinds surfaced by this package. Programmer misuse (ErrInvalidParam,
// ErrAlreadyUsed, ErrWrongToken) and transient resource exhaustion
// (ErrQueueFull, ErrNotReady) are returned with no side effects; protocol
// violations by the peer (ErrInvalidDescriptor, ErrUnsupported) leave the
// offending chain unprocessed rather than tearing down the queue.
var (
	ErrInvalidParam      = errors.New("virtqueue: invalid parameter")
	ErrAlreadyUsed       = errors.New("virtqueue: queue index already in use")
	ErrQueueFull         = errors.New("virtqueue: queue full")
	ErrNotReady          = errors.New("virtqueue: nothing to pop")
	ErrWrongToken        = errors.New("virtqueue: used descriptor does not match expected token")
	ErrInvalidDescriptor = errors.New("virtqueue: invalid descriptor chain")
	ErrUnsupported       = errors.New("virtqueue: unsupported")
)

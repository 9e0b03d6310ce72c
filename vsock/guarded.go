package vsock

import (
	"runtime"

	gsync "gvisor.dev/gvisor/pkg/sync"
)

// Guarded wraps a Manager with a mutex, for callers who want to share one
// connection manager across goroutines instead of confining it to a
// single caller the way spec.md's concurrency model otherwise requires.
//
// Uses gvisor.dev/gvisor/pkg/sync.Mutex, a drop-in sync.Mutex replacement,
// rather than rolling a stdlib one directly: both tinyrange-cc and
// usbarmory-tamago in the example pack already depend on gvisor.dev/gvisor.
type Guarded[M Manager] struct {
	mu    gsync.Mutex
	inner M
}

// NewGuarded wraps inner for concurrent use.
func NewGuarded[M Manager](inner M) *Guarded[M] {
	return &Guarded[M]{inner: inner}
}

func (g *Guarded[M]) Connect(dest VsockAddr, srcPort uint32) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inner.Connect(dest, srcPort)
}

func (g *Guarded[M]) Listen(port uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inner.Listen(port)
}

func (g *Guarded[M]) Unlisten(port uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inner.Unlisten(port)
}

func (g *Guarded[M]) Send(dest VsockAddr, srcPort uint32, buffer []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inner.Send(dest, srcPort, buffer)
}

func (g *Guarded[M]) Recv(peer VsockAddr, srcPort uint32, out []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inner.Recv(peer, srcPort, out)
}

func (g *Guarded[M]) RecvBufferAvailableBytes(peer VsockAddr, srcPort uint32) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inner.RecvBufferAvailableBytes(peer, srcPort)
}

func (g *Guarded[M]) UpdateCredit(peer VsockAddr, srcPort uint32) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inner.UpdateCredit(peer, srcPort)
}

func (g *Guarded[M]) Shutdown(peer VsockAddr, srcPort uint32) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inner.Shutdown(peer, srcPort)
}

func (g *Guarded[M]) ForceClose(peer VsockAddr, srcPort uint32) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inner.ForceClose(peer, srcPort)
}

func (g *Guarded[M]) Poll() (*VsockEvent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inner.Poll()
}

// WaitForEvent polls in a loop rather than delegating to the wrapped
// Manager's own WaitForEvent, releasing the lock between attempts: that
// way a blocked waiter never starves other goroutines' Send/Recv calls on
// the same Guarded manager.
func (g *Guarded[M]) WaitForEvent() (VsockEvent, error) {
	for {
		event, err := g.Poll()
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

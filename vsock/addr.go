package vsock

import "fmt"

// VsockAddr identifies one endpoint of a vsock connection: a context id
// (which VM, or the host) and a port within it.
type VsockAddr struct {
	CID  uint64
	Port uint32
}

func (a VsockAddr) String() string {
	return fmt.Sprintf("cid:%d port:%d", a.CID, a.Port)
}

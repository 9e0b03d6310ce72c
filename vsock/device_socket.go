package vsock

import "github.com/go-virtio/vsock/virtqueue"

// DeviceSocket is the device-side counterpart of Socket: it fills write
// buffers the driver has posted on the RX queue (WaitPopAddNotify), and
// polls pure-read chains off the TX queue for packets the driver sent.
type DeviceSocket struct {
	localCID uint64
	rx       *virtqueue.DeviceVirtQueue
	tx       *virtqueue.DeviceVirtQueue
}

// NewDeviceSocket wraps an already-mapped RX/TX device virtqueue pair.
func NewDeviceSocket(localCID uint64, rx, tx *virtqueue.DeviceVirtQueue) *DeviceSocket {
	return &DeviceSocket{localCID: localCID, rx: rx, tx: tx}
}

func (d *DeviceSocket) LocalCID() uint64 { return d.localCID }

func (d *DeviceSocket) headerFor(info ConnectionInfo, op Op, flags, length uint32) Header {
	return Header{
		SrcCID:     d.localCID,
		DstCID:     info.Peer.CID,
		SrcPort:    info.LocalPort,
		DstPort:    info.Peer.Port,
		Len:        length,
		SocketType: SocketTypeStream,
		Op:         op,
		Flags:      flags,
		BufAlloc:   info.BufAlloc,
		FwdCnt:     info.FwdCnt,
	}
}

func (d *DeviceSocket) sendRaw(h Header, body []byte) error {
	pkt := append(h.marshal(), body...)
	return d.rx.WaitPopAddNotify(pkt)
}

func (d *DeviceSocket) SendRequest(info ConnectionInfo) error {
	return d.sendRaw(d.headerFor(info, OpRequest, 0, 0), nil)
}

func (d *DeviceSocket) SendResponse(info ConnectionInfo) error {
	return d.sendRaw(d.headerFor(info, OpResponse, 0, 0), nil)
}

func (d *DeviceSocket) SendRST(info ConnectionInfo) error {
	return d.sendRaw(d.headerFor(info, OpRst, 0, 0), nil)
}

func (d *DeviceSocket) SendShutdown(info ConnectionInfo, flags ShutdownFlags) error {
	return d.sendRaw(d.headerFor(info, OpShutdown, uint32(flags), 0), nil)
}

func (d *DeviceSocket) SendCreditUpdate(info ConnectionInfo) error {
	return d.sendRaw(d.headerFor(info, OpCreditUpdate, 0, 0), nil)
}

func (d *DeviceSocket) SendCreditRequest(info ConnectionInfo) error {
	return d.sendRaw(d.headerFor(info, OpCreditRequest, 0, 0), nil)
}

func (d *DeviceSocket) SendData(info ConnectionInfo, data []byte) error {
	if available := availablePeerCredit(info); int64(len(data)) > available {
		return PeerCreditExceededError{Requested: len(data), Available: int(available)}
	}
	return d.sendRaw(d.headerFor(info, OpRW, 0, uint32(len(data))), data)
}

// Poll returns the next packet the driver has sent on the TX queue.
// Returns ErrNotReady if nothing is waiting.
func (d *DeviceSocket) Poll() (*wirePacket, error) {
	var pkt *wirePacket
	var parseErr error

	err := d.tx.Poll(func(data []byte) {
		if len(data) < headerSize {
			parseErr = ErrInvalidParam
			return
		}
		hdr := unmarshalHeader(data[:headerSize])
		body := append([]byte(nil), data[headerSize:]...)
		pkt = &wirePacket{Header: hdr, Body: body}
	})
	if err == virtqueue.ErrNotReady {
		return nil, ErrNotReady
	}
	if err == virtqueue.ErrUnsupported {
		return nil, ErrUnsupported
	}
	if err != nil {
		return nil, err
	}
	if parseErr != nil {
		return nil, parseErr
	}

	return pkt, nil
}

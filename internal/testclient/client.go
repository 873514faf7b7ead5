// Package testclient implements a minimal USB/IP client used by this
// repository's end-to-end tests: enough of the protocol to list, attach,
// submit against, and unlink from a server under test. It is not a
// production client.
package testclient

import (
	"bytes"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/usbip-go/usbipd/wire"
)

// Client is a bare USB/IP client bound to one server address. Seqnums are
// unique per Client instance, matching real clients' per-session numbering.
type Client struct {
	address string
	seq     uint32
}

// Device is the subset of an ExportedDevice a test typically asserts on.
type Device struct {
	BusID      string
	IDVendor   uint16
	IDProduct  uint16
	NumIfaces  uint8
	Interfaces []wire.InterfaceDesc
}

// Attached is an open URB-streaming connection to one imported device.
type Attached struct {
	Conn  net.Conn
	Dev   Device
	seqFn func() uint32
	devID uint32 // busnum<<16 | devnum, echoed in every URB header
}

func New(address string) *Client {
	return &Client{address: address}
}

func (c *Client) nextSeq() uint32 {
	return atomic.AddUint32(&c.seq, 1)
}

// ListDevices opens a short-lived connection and performs OP_REQ_DEVLIST.
func (c *Client) ListDevices() ([]Device, error) {
	conn, err := net.Dial("tcp", c.address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := (wire.OpPreamble{Version: wire.Version, Op: wire.OpReqDevlist}).Write(conn); err != nil {
		return nil, err
	}
	pre, err := wire.ReadOpPreamble(conn)
	if err != nil {
		return nil, err
	}
	if pre.Op != wire.OpRepDevlist {
		return nil, fmt.Errorf("unexpected reply op %#04x", pre.Op)
	}
	count, err := wire.ReadDevListReplyHeader(conn)
	if err != nil {
		return nil, err
	}

	devices := make([]Device, 0, count.NDevices)
	for i := uint32(0); i < count.NDevices; i++ {
		dev, err := readExportedDevice(conn, true)
		if err != nil {
			return nil, err
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

// Attach dials a new connection and performs OP_REQ_IMPORT for busID,
// leaving the connection open for URB streaming on success.
func (c *Client) Attach(busID string) (*Attached, error) {
	conn, err := net.Dial("tcp", c.address)
	if err != nil {
		return nil, err
	}

	if err := (wire.OpPreamble{Version: wire.Version, Op: wire.OpReqImport}).Write(conn); err != nil {
		conn.Close()
		return nil, err
	}
	var busField [wire.BusIDSize]byte
	copy(busField[:], busID)
	if _, err := conn.Write(busField[:]); err != nil {
		conn.Close()
		return nil, err
	}

	pre, err := wire.ReadOpPreamble(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if pre.Op != wire.OpRepImport {
		conn.Close()
		return nil, fmt.Errorf("unexpected reply op %#04x", pre.Op)
	}
	if pre.Status != wire.StOK {
		conn.Close()
		return nil, fmt.Errorf("import rejected: status %d", pre.Status)
	}

	dev, err := readExportedDevice(conn, false)
	if err != nil {
		conn.Close()
		return nil, err
	}

	var bus, port uint32
	_, _ = fmt.Sscanf(busID, "%d-%d", &bus, &port)
	return &Attached{Conn: conn, Dev: dev, seqFn: c.nextSeq, devID: bus<<16 | port}, nil
}

func readExportedDevice(r net.Conn, readIfaces bool) (Device, error) {
	var base [312]byte
	if err := wire.ReadFull(r, base[:]); err != nil {
		return Device{}, err
	}
	busField := base[256:288]
	busEnd := bytes.IndexByte(busField, 0)
	if busEnd == -1 {
		busEnd = len(busField)
	}

	dev := Device{
		BusID:     string(busField[:busEnd]),
		IDVendor:  beU16(base[300:302]),
		IDProduct: beU16(base[302:304]),
		NumIfaces: base[311],
	}

	if readIfaces && dev.NumIfaces > 0 {
		ifaceBuf := make([]byte, int(dev.NumIfaces)*4)
		if err := wire.ReadFull(r, ifaceBuf); err != nil {
			return Device{}, err
		}
		for i := 0; i < int(dev.NumIfaces); i++ {
			o := i * 4
			dev.Interfaces = append(dev.Interfaces, wire.InterfaceDesc{
				Class: ifaceBuf[o], SubClass: ifaceBuf[o+1], Protocol: ifaceBuf[o+2],
			})
		}
	}
	return dev, nil
}

func beU16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }

// SubmitResult is what ReadReply returns.
type SubmitResult struct {
	Command      uint32
	Seqnum       uint32
	Status       int32
	ActualLength int32
	Payload      []byte
}

// Submit writes a CMD_SUBMIT for ep and returns its seqnum; it does not
// wait for the reply, so tests can pipeline multiple submissions before
// racing an unlink against one of them.
func (a *Attached) Submit(dir, ep uint32, outPayload []byte, setup *[8]byte) (uint32, error) {
	var setupBytes [8]byte
	if setup != nil {
		setupBytes = *setup
	}
	seqnum := a.seqFn()
	h := wire.UrbHeader{
		Basic:             wire.HeaderBasic{Command: wire.CmdSubmit, Seqnum: seqnum, DevID: a.devID, Direction: dir, Endpoint: ep},
		TransferBufferLen: int32(len(outPayload)),
		Setup:             setupBytes,
	}
	if dir == wire.DirIn {
		h.TransferBufferLen = int32(cap(outPayload))
	}
	if err := wire.WriteHeader(a.Conn, h); err != nil {
		return 0, err
	}
	if dir == wire.DirOut && len(outPayload) > 0 {
		if _, err := a.Conn.Write(outPayload); err != nil {
			return 0, err
		}
	}
	return seqnum, nil
}

// Unlink writes a CMD_UNLINK targeting target and returns its own seqnum.
func (a *Attached) Unlink(target uint32) (uint32, error) {
	seqnum := a.seqFn()
	h := wire.UrbHeader{
		Basic:        wire.HeaderBasic{Command: wire.CmdUnlink, Seqnum: seqnum, DevID: a.devID},
		UnlinkSeqnum: target,
	}
	return seqnum, wire.WriteHeader(a.Conn, h)
}

// ReadReply reads one RET_SUBMIT or RET_UNLINK frame, deadlined by timeout.
func (a *Attached) ReadReply(timeout time.Duration) (SubmitResult, error) {
	_ = a.Conn.SetReadDeadline(time.Now().Add(timeout))
	defer a.Conn.SetReadDeadline(time.Time{})

	var hdr [wire.HeaderSize]byte
	if err := wire.ReadFull(a.Conn, hdr[:]); err != nil {
		return SubmitResult{}, err
	}
	command := beU32(hdr[0:4])
	seqnum := beU32(hdr[4:8])
	status := int32(beU32(hdr[20:24]))
	actual := int32(beU32(hdr[24:28]))

	res := SubmitResult{Command: command, Seqnum: seqnum, Status: status, ActualLength: actual}
	if actual > 0 {
		res.Payload = make([]byte, actual)
		if err := wire.ReadFull(a.Conn, res.Payload); err != nil {
			return SubmitResult{}, err
		}
	}
	return res, nil
}

func beU32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

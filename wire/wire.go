// Package wire encodes and decodes the USB/IP v1.1.1 wire format: the
// management preamble (OP_REQ_DEVLIST / OP_REQ_IMPORT), exported-device
// records, and the 48-byte URB headers used once a session has been
// imported. Every multi-byte integer on the wire is big-endian. Reads are
// length-exact: a short read is always a protocol error.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Protocol version and op codes (USB/IP kernel documentation).
const (
	Version = 0x0111

	OpReqDevlist = 0x8005
	OpRepDevlist = 0x0005
	OpReqImport  = 0x8003
	OpRepImport  = 0x0003
)

// Reply status codes carried in the management preamble.
const (
	StOK      = 0
	StNA      = 1
	StDevBusy = 2
	StDevErr  = 3
	StNoDev   = 4
	StError   = 5
)

// URB commands.
const (
	CmdSubmit = 0x00000001
	CmdUnlink = 0x00000002
	RetSubmit = 0x00000003
	RetUnlink = 0x00000004
)

// Directions used in HeaderBasic.Direction.
const (
	DirOut = 0x00000000
	DirIn  = 0x00000001
)

const (
	BusIDSize = 32
	PathSize  = 256

	HeaderSize             = 48
	IsoPacketDescriptorLen = 16
)

// ErrInvalidProtocol is returned for any version mismatch, unknown op code,
// non-OK peer status, or unknown URB command. Callers must close the
// connection on receiving it.
var ErrInvalidProtocol = errors.New("wire: invalid usbip protocol")

// ReadFull reads exactly len(buf) bytes or returns an error; a short read
// (including io.EOF before any bytes are read) is always fatal.
func ReadFull(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: short read", ErrInvalidProtocol)
		}
		return err
	}
	return nil
}

// OpPreamble is the 8-byte header shared by every management op
// (devlist/import), request or reply: { version:u16, op:u16, status:u32 }.
type OpPreamble struct {
	Version uint16
	Op      uint16
	Status  uint32
}

func (p OpPreamble) Write(w io.Writer) error {
	var buf [8]byte
	binary.BigEndian.PutUint16(buf[0:2], p.Version)
	binary.BigEndian.PutUint16(buf[2:4], p.Op)
	binary.BigEndian.PutUint32(buf[4:8], p.Status)
	_, err := w.Write(buf[:])
	return err
}

// ReadOpPreamble reads and validates the 8-byte preamble. A version mismatch
// is surfaced as ErrInvalidProtocol before any further parsing of the op is
// attempted, per the "version check before DEVLIST/IMPORT work" invariant.
func ReadOpPreamble(r io.Reader) (OpPreamble, error) {
	var buf [8]byte
	if err := ReadFull(r, buf[:]); err != nil {
		return OpPreamble{}, err
	}
	p := OpPreamble{
		Version: binary.BigEndian.Uint16(buf[0:2]),
		Op:      binary.BigEndian.Uint16(buf[2:4]),
		Status:  binary.BigEndian.Uint32(buf[4:8]),
	}
	if p.Version != Version {
		return p, fmt.Errorf("%w: version %#04x", ErrInvalidProtocol, p.Version)
	}
	return p, nil
}

// DevListReplyHeader is the 4-byte device count following OP_REP_DEVLIST's preamble.
type DevListReplyHeader struct {
	NDevices uint32
}

func (d DevListReplyHeader) Write(w io.Writer) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], d.NDevices)
	_, err := w.Write(buf[:])
	return err
}

func ReadDevListReplyHeader(r io.Reader) (DevListReplyHeader, error) {
	var buf [4]byte
	if err := ReadFull(r, buf[:]); err != nil {
		return DevListReplyHeader{}, err
	}
	return DevListReplyHeader{NDevices: binary.BigEndian.Uint32(buf[:])}, nil
}

// ExportMeta is the portion of an ExportedDevice that identifies *where* the
// device lives (sysfs path and busid string), produced by the device
// registry rather than derived from a USB descriptor.
type ExportMeta struct {
	Path  [PathSize]byte
	BusID [BusIDSize]byte
	Bus   uint32
	Dev   uint32
}

// ExportedDevice is the USB/IP on-wire description of one device available
// for import, combining ExportMeta with fields read from the device's USB
// descriptors.
type ExportedDevice struct {
	ExportMeta
	Speed uint32

	IDVendor            uint16
	IDProduct           uint16
	BcdDevice           uint16
	BDeviceClass        uint8
	BDeviceSubClass     uint8
	BDeviceProtocol     uint8
	BConfigurationValue uint8
	BNumConfigurations  uint8
	BNumInterfaces      uint8

	Interfaces []InterfaceDesc
}

// InterfaceDesc is the three-byte (plus reserved pad) per-interface class
// triplet appended to OP_REP_DEVLIST records.
type InterfaceDesc struct {
	Class    uint8
	SubClass uint8
	Protocol uint8
}

func (d *ExportedDevice) writeCommon(w io.Writer) error {
	if _, err := w.Write(d.Path[:]); err != nil {
		return err
	}
	if _, err := w.Write(d.BusID[:]); err != nil {
		return err
	}
	var nums [12]byte
	binary.BigEndian.PutUint32(nums[0:4], d.Bus)
	binary.BigEndian.PutUint32(nums[4:8], d.Dev)
	binary.BigEndian.PutUint32(nums[8:12], d.Speed)
	if _, err := w.Write(nums[:]); err != nil {
		return err
	}
	var ids [6]byte
	binary.BigEndian.PutUint16(ids[0:2], d.IDVendor)
	binary.BigEndian.PutUint16(ids[2:4], d.IDProduct)
	binary.BigEndian.PutUint16(ids[4:6], d.BcdDevice)
	if _, err := w.Write(ids[:]); err != nil {
		return err
	}
	_, err := w.Write([]byte{
		d.BDeviceClass,
		d.BDeviceSubClass,
		d.BDeviceProtocol,
		d.BConfigurationValue,
		d.BNumConfigurations,
		d.BNumInterfaces,
	})
	return err
}

// WriteDevlist writes the device entry used by OP_REP_DEVLIST: the common
// fields plus a class/subclass/protocol/pad quad per interface.
func (d *ExportedDevice) WriteDevlist(w io.Writer) error {
	if err := d.writeCommon(w); err != nil {
		return err
	}
	for _, iface := range d.Interfaces {
		if _, err := w.Write([]byte{iface.Class, iface.SubClass, iface.Protocol, 0}); err != nil {
			return err
		}
	}
	return nil
}

// WriteImport writes the device entry used by OP_REP_IMPORT, which ends at
// bNumInterfaces with no trailing interface records.
func (d *ExportedDevice) WriteImport(w io.Writer) error {
	return d.writeCommon(w)
}

// HeaderBasic is common to every URB command and reply.
type HeaderBasic struct {
	Command   uint32
	Seqnum    uint32
	DevID     uint32
	Direction uint32
	Endpoint  uint32
}

func (h HeaderBasic) write(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], h.Command)
	binary.BigEndian.PutUint32(buf[4:8], h.Seqnum)
	binary.BigEndian.PutUint32(buf[8:12], h.DevID)
	binary.BigEndian.PutUint32(buf[12:16], h.Direction)
	binary.BigEndian.PutUint32(buf[16:20], h.Endpoint)
}

func readHeaderBasic(buf []byte) HeaderBasic {
	return HeaderBasic{
		Command:   binary.BigEndian.Uint32(buf[0:4]),
		Seqnum:    binary.BigEndian.Uint32(buf[4:8]),
		DevID:     binary.BigEndian.Uint32(buf[8:12]),
		Direction: binary.BigEndian.Uint32(buf[12:16]),
		Endpoint:  binary.BigEndian.Uint32(buf[16:20]),
	}
}

// UrbHeader is the 48-byte fixed header preceding every URB command or
// reply. Only the fields relevant to the command's kind are meaningful; the
// rest mirror spec.md's §3 layout so a single struct can round-trip any of
// the four command kinds.
type UrbHeader struct {
	Basic HeaderBasic

	// CMD_SUBMIT
	TransferFlags     uint32
	TransferBufferLen int32
	StartFrame        int32
	NumberOfPackets   int32
	Interval          int32
	Setup             [8]byte

	// RET_SUBMIT (Status/ActualLength/StartFrame/NumberOfPackets reused; ErrorCount added)
	Status       int32
	ActualLength int32
	ErrorCount   int32

	// CMD_UNLINK
	UnlinkSeqnum uint32
}

// WriteHeader encodes h as the 48-byte on-wire header appropriate for
// h.Basic.Command.
func WriteHeader(w io.Writer, h UrbHeader) error {
	var buf [HeaderSize]byte
	h.Basic.write(buf[:20])

	switch h.Basic.Command {
	case CmdSubmit:
		binary.BigEndian.PutUint32(buf[20:24], h.TransferFlags)
		binary.BigEndian.PutUint32(buf[24:28], uint32(h.TransferBufferLen))
		binary.BigEndian.PutUint32(buf[28:32], uint32(h.StartFrame))
		binary.BigEndian.PutUint32(buf[32:36], uint32(h.NumberOfPackets))
		binary.BigEndian.PutUint32(buf[36:40], uint32(h.Interval))
		copy(buf[40:48], h.Setup[:])
	case RetSubmit:
		binary.BigEndian.PutUint32(buf[20:24], uint32(h.Status))
		binary.BigEndian.PutUint32(buf[24:28], uint32(h.ActualLength))
		binary.BigEndian.PutUint32(buf[28:32], uint32(h.StartFrame))
		binary.BigEndian.PutUint32(buf[32:36], uint32(h.NumberOfPackets))
		binary.BigEndian.PutUint32(buf[36:40], uint32(h.ErrorCount))
		// bytes 40:48 reserved, left zero
	case CmdUnlink:
		binary.BigEndian.PutUint32(buf[20:24], h.UnlinkSeqnum)
		// bytes 24:48 reserved, left zero
	case RetUnlink:
		binary.BigEndian.PutUint32(buf[20:24], uint32(h.Status))
		// bytes 24:48 reserved, left zero
	default:
		return fmt.Errorf("%w: unknown command %#x", ErrInvalidProtocol, h.Basic.Command)
	}
	_, err := w.Write(buf[:])
	return err
}

// ReadHeader reads and decodes a 48-byte URB header sent by a client, i.e.
// CMD_SUBMIT or CMD_UNLINK. An unrecognized command is reported as
// ErrInvalidProtocol; the caller must close the session in that case.
func ReadHeader(r io.Reader) (UrbHeader, error) {
	var buf [HeaderSize]byte
	if err := ReadFull(r, buf[:]); err != nil {
		return UrbHeader{}, err
	}
	h := UrbHeader{Basic: readHeaderBasic(buf[:20])}
	switch h.Basic.Command {
	case CmdSubmit:
		h.TransferFlags = binary.BigEndian.Uint32(buf[20:24])
		h.TransferBufferLen = int32(binary.BigEndian.Uint32(buf[24:28]))
		h.StartFrame = int32(binary.BigEndian.Uint32(buf[28:32]))
		h.NumberOfPackets = int32(binary.BigEndian.Uint32(buf[32:36]))
		h.Interval = int32(binary.BigEndian.Uint32(buf[36:40]))
		copy(h.Setup[:], buf[40:48])
	case CmdUnlink:
		h.UnlinkSeqnum = binary.BigEndian.Uint32(buf[20:24])
	default:
		return h, fmt.Errorf("%w: unexpected client command %#x", ErrInvalidProtocol, h.Basic.Command)
	}
	return h, nil
}

// WriteRetSubmit writes a RET_SUBMIT header for the given seqnum/status.
func WriteRetSubmit(w io.Writer, seqnum uint32, status, actualLength, startFrame, numPackets, errorCount int32) error {
	return WriteHeader(w, UrbHeader{
		Basic:           HeaderBasic{Command: RetSubmit, Seqnum: seqnum},
		Status:          status,
		ActualLength:    actualLength,
		StartFrame:      startFrame,
		NumberOfPackets: numPackets,
		ErrorCount:      errorCount,
	})
}

// WriteRetUnlink writes a RET_UNLINK header for the given seqnum/status.
func WriteRetUnlink(w io.Writer, seqnum uint32, status int32) error {
	return WriteHeader(w, UrbHeader{
		Basic:  HeaderBasic{Command: RetUnlink, Seqnum: seqnum},
		Status: status,
	})
}

// IsoPacketDescriptor describes one isochronous sub-packet, 16 bytes on the wire.
type IsoPacketDescriptor struct {
	Offset       uint32
	Length       uint32
	ActualLength uint32
	Status       int32
}

// EncodeIsoPacketDescriptors appends the wire form of descs to dst.
func EncodeIsoPacketDescriptors(dst []byte, descs []IsoPacketDescriptor) []byte {
	for _, d := range descs {
		var buf [IsoPacketDescriptorLen]byte
		binary.BigEndian.PutUint32(buf[0:4], d.Offset)
		binary.BigEndian.PutUint32(buf[4:8], d.Length)
		binary.BigEndian.PutUint32(buf[8:12], d.ActualLength)
		binary.BigEndian.PutUint32(buf[12:16], uint32(d.Status))
		dst = append(dst, buf[:]...)
	}
	return dst
}

// DecodeIsoPacketDescriptors parses n packet descriptors from buf, which
// must be at least n*16 bytes.
func DecodeIsoPacketDescriptors(buf []byte, n int) ([]IsoPacketDescriptor, error) {
	need := n * IsoPacketDescriptorLen
	if len(buf) < need {
		return nil, fmt.Errorf("%w: short iso descriptor block", ErrInvalidProtocol)
	}
	out := make([]IsoPacketDescriptor, n)
	for i := range out {
		o := i * IsoPacketDescriptorLen
		out[i] = IsoPacketDescriptor{
			Offset:       binary.BigEndian.Uint32(buf[o : o+4]),
			Length:       binary.BigEndian.Uint32(buf[o+4 : o+8]),
			ActualLength: binary.BigEndian.Uint32(buf[o+8 : o+12]),
			Status:       int32(binary.BigEndian.Uint32(buf[o+12 : o+16])),
		}
	}
	return out, nil
}

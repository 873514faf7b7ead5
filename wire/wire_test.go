package wire_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usbip-go/usbipd/wire"
)

func TestHeaderRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		h    wire.UrbHeader
	}{
		{
			name: "submit control",
			h: wire.UrbHeader{
				Basic:             wire.HeaderBasic{Command: wire.CmdSubmit, Seqnum: 42, DevID: 7, Direction: wire.DirIn, Endpoint: 0},
				TransferFlags:     0,
				TransferBufferLen: 64,
				StartFrame:        0,
				NumberOfPackets:   0,
				Interval:          0,
				Setup:             [8]byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00},
			},
		},
		{
			name: "ret_submit iso",
			h: wire.UrbHeader{
				Basic:           wire.HeaderBasic{Command: wire.RetSubmit, Seqnum: 300},
				Status:          0,
				ActualLength:    130,
				StartFrame:      0,
				NumberOfPackets: 3,
				ErrorCount:      0,
			},
		},
		{
			name: "cmd_unlink",
			h: wire.UrbHeader{
				Basic:        wire.HeaderBasic{Command: wire.CmdUnlink, Seqnum: 101},
				UnlinkSeqnum: 100,
			},
		},
		{
			name: "ret_unlink",
			h: wire.UrbHeader{
				Basic:  wire.HeaderBasic{Command: wire.RetUnlink, Seqnum: 101},
				Status: -104,
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, wire.WriteHeader(&buf, tc.h))
			assert.Equal(t, wire.HeaderSize, buf.Len())

			var got wire.UrbHeader
			var err error
			switch tc.h.Basic.Command {
			case wire.CmdSubmit, wire.CmdUnlink:
				got, err = wire.ReadHeader(&buf)
				require.NoError(t, err)
				assert.Equal(t, tc.h, got)
			default:
				// RET_* headers are only ever written by the server, never
				// read back through ReadHeader (that's the client-command
				// decoder); decode the raw fields by hand for the assertion.
				raw := buf.Bytes()
				assert.Equal(t, tc.h.Basic.Command, beU32(raw[0:4]))
				assert.Equal(t, tc.h.Basic.Seqnum, beU32(raw[4:8]))
			}
		})
	}
}

func beU32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func TestReadHeaderRejectsUnknownCommand(t *testing.T) {
	var buf bytes.Buffer
	// RET_SUBMIT (0x3) is a valid wire command but never legal from a client.
	require.NoError(t, wire.WriteHeader(&buf, wire.UrbHeader{Basic: wire.HeaderBasic{Command: wire.RetSubmit}}))
	_, err := wire.ReadHeader(&buf)
	assert.ErrorIs(t, err, wire.ErrInvalidProtocol)
}

func TestOpPreambleVersionMismatch(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, wire.OpPreamble{Version: 0x0110, Op: wire.OpReqDevlist}.Write(&buf))
	_, err := wire.ReadOpPreamble(&buf)
	assert.ErrorIs(t, err, wire.ErrInvalidProtocol)
}

func TestExportedDeviceWriteDevlistLength(t *testing.T) {
	var exp wire.ExportedDevice
	copy(exp.Path[:], "/sys/devices/pci0000:00/usb1/1-1")
	copy(exp.BusID[:], "1-1")
	exp.Bus, exp.Dev = 1, 1
	exp.BNumInterfaces = 2
	exp.Interfaces = []wire.InterfaceDesc{{Class: 3, SubClass: 1, Protocol: 2}, {Class: 3, SubClass: 0, Protocol: 0}}

	var buf bytes.Buffer
	require.NoError(t, exp.WriteDevlist(&buf))
	// 256 path + 32 busid + 12 numeric + 6 ids + 6 bytes + 2*4 interfaces
	assert.Equal(t, 256+32+12+6+6+8, buf.Len())
}

func TestIsoPacketDescriptorRoundTrip(t *testing.T) {
	descs := []wire.IsoPacketDescriptor{
		{Offset: 0, Length: 100, ActualLength: 80, Status: 0},
		{Offset: 80, Length: 100, ActualLength: 0, Status: 0},
		{Offset: 80, Length: 100, ActualLength: 50, Status: 0},
	}
	buf := wire.EncodeIsoPacketDescriptors(nil, descs)
	assert.Len(t, buf, len(descs)*wire.IsoPacketDescriptorLen)

	got, err := wire.DecodeIsoPacketDescriptors(buf, len(descs))
	require.NoError(t, err)
	assert.Equal(t, descs, got)
}

func TestDecodeIsoPacketDescriptorsShortBuffer(t *testing.T) {
	_, err := wire.DecodeIsoPacketDescriptors(make([]byte, 10), 1)
	assert.ErrorIs(t, err, wire.ErrInvalidProtocol)
}

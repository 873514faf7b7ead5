package endpoint_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usbip-go/usbipd/endpoint"
	"github.com/usbip-go/usbipd/usbdev"
	"github.com/usbip-go/usbipd/wire"
)

func TestFIFOOrderingSameEndpoint(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fake := usbdev.NewFakeInterface(nil)
	replyC := make(chan endpoint.ReplyPacket, 8)
	p := endpoint.New(ctx, 0x81, fake, replyC, 0)

	p.HandleSubmit(endpoint.Submission{Seqnum: 1, Dir: wire.DirIn, Length: 4})
	p.HandleSubmit(endpoint.Submission{Seqnum: 2, Dir: wire.DirIn, Length: 4})

	// A single pipeline goroutine processes submissions strictly in order:
	// only seqnum 1 reaches the device until its completion has been
	// forwarded, so seqnum 1's reply necessarily leaves before seqnum 2's.
	require.Eventually(t, func() bool { return fake.PendingCount(0x81) == 1 }, time.Second, time.Millisecond)
	fake.Complete(0x81, usbdev.CompletionResult{Status: 0, ActualLength: 1, Buffer: []byte{0xAA}})
	first := <-replyC

	require.Eventually(t, func() bool { return fake.PendingCount(0x81) == 1 }, time.Second, time.Millisecond)
	fake.Complete(0x81, usbdev.CompletionResult{Status: 0, ActualLength: 1, Buffer: []byte{0xBB}})
	second := <-replyC
	assert.Equal(t, uint32(1), first.Seqnum)
	assert.Equal(t, uint32(2), second.Seqnum)
}

func TestControlEndpointDirectionFromBmRequestType(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var gotDir uint32
	fake := usbdev.NewFakeInterface(func(req usbdev.SubmitRequest) (*usbdev.CompletionResult, error) {
		gotDir = req.Direction
		return &usbdev.CompletionResult{Status: 0, ActualLength: 18, Buffer: make([]byte, 18)}, nil
	})
	replyC := make(chan endpoint.ReplyPacket, 1)
	p := endpoint.New(ctx, 0, fake, replyC, 0)

	// bmRequestType 0x80 = device-to-host, but the URB header direction is
	// (incorrectly, as real clients sometimes send) DirOut; the pipeline
	// must trust the setup packet, not the header.
	p.HandleSubmit(endpoint.Submission{
		Seqnum: 7,
		Dir:    wire.DirOut,
		Length: 18,
		Setup:  [8]byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00},
	})

	<-replyC
	assert.Equal(t, wire.DirIn, gotDir)
}

func TestIsoInOffsetsRecomputed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fake := usbdev.NewFakeInterface(func(req usbdev.SubmitRequest) (*usbdev.CompletionResult, error) {
		return &usbdev.CompletionResult{
			Status:       0,
			ActualLength: 130,
			Buffer:       make([]byte, 130),
			IsoDescriptors: []wire.IsoPacketDescriptor{
				{Offset: 999, Length: 100, ActualLength: 80},
				{Offset: 999, Length: 100, ActualLength: 0},
				{Offset: 999, Length: 100, ActualLength: 50},
			},
		}, nil
	})
	replyC := make(chan endpoint.ReplyPacket, 1)
	p := endpoint.New(ctx, 0x83, fake, replyC, 0)

	p.HandleSubmit(endpoint.Submission{
		Seqnum: 300,
		Dir:    wire.DirIn,
		Length: 300,
		Packets: []wire.IsoPacketDescriptor{
			{Length: 100}, {Length: 100}, {Length: 100},
		},
	})

	reply := <-replyC
	descs, err := wire.DecodeIsoPacketDescriptors(reply.Bytes[wire.HeaderSize+130:], 3)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 80, 80}, []uint32{descs[0].Offset, descs[1].Offset, descs[2].Offset})
	assert.Equal(t, []uint32{80, 0, 50}, []uint32{descs[0].ActualLength, descs[1].ActualLength, descs[2].ActualLength})
}

func TestSynchronousSubmitFailureTranslatesToErrno(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fake := usbdev.NewFakeInterface(func(req usbdev.SubmitRequest) (*usbdev.CompletionResult, error) {
		return nil, endpoint.ErrPipeHalted
	})
	replyC := make(chan endpoint.ReplyPacket, 1)
	p := endpoint.New(ctx, 1, fake, replyC, 0)

	p.HandleSubmit(endpoint.Submission{Seqnum: 5, Dir: wire.DirOut, Length: 0})
	reply := <-replyC

	status := int32(reply.Bytes[20])<<24 | int32(reply.Bytes[21])<<16 | int32(reply.Bytes[22])<<8 | int32(reply.Bytes[23])
	assert.Equal(t, usbdev.ErrnoPipe, status)
}

// Package capture implements CaptureSink as a hand-rolled PcapNG writer.
// Two logical interfaces are recorded into one file: one tagged
// LINKTYPE_USB_LINUX_MMAPPED carrying the raw SUBMIT/RET_SUBMIT URB frames,
// and one tagged LINKTYPE_RAW carrying UNLINK/RET_UNLINK wrapped in
// synthesized IPv4+TCP segments (see frames.go), since there is no USB
// capture record type for USB/IP's own UNLINK control-plane messages.
package capture

import (
	"bufio"
	"encoding/binary"
	"io"
	"sync"
	"time"
)

const (
	blockTypeSectionHeader   = 0x0A0D0D0A
	blockTypeInterfaceDesc   = 0x00000001
	blockTypeEnhancedPacket  = 0x00000006
	blockTypeInterfaceStats  = 0x00000005
	byteOrderMagic           = 0x1A2B3C4D

	linkTypeUSBLinuxMmapped = 220
	linkTypeRaw             = 101

	ifaceUSB = 0
	ifaceRaw = 1

	// tsresol 10^-7s: if_tsresol option encodes a negative power-of-ten
	// exponent as a single byte with the high bit clear.
	tsresolOption = 7
)

// defaultSnapLen bounds how much of each frame is stored; it is generous
// enough that no USB/IP URB this server ever emits is truncated.
const defaultSnapLen = 65535

// Writer is a session.CaptureSink that serializes frames into a PcapNG
// stream. It batches writes and flushes on a 5-second ticker and on Close so
// a long-idle capture still reaches disk in bounded time.
type Writer struct {
	mu       sync.Mutex
	w        *bufio.Writer
	closed   bool
	snapLen  uint32
	usbCount uint64
	rawCount uint64
	dropped  uint64

	stopFlush chan struct{}
	flushDone chan struct{}

	now func() time.Time
}

// NewWriter writes a Section Header Block and two Interface Description
// Blocks to w, then returns a Writer ready to accept frames. snapLen<=0
// uses defaultSnapLen; other values are clamped to [64, 2^31-1].
func NewWriter(w io.Writer, snapLen int, now func() time.Time) (*Writer, error) {
	if snapLen <= 0 {
		snapLen = defaultSnapLen
	} else if snapLen < 64 {
		snapLen = 64
	} else if snapLen > 1<<31-1 {
		snapLen = 1<<31 - 1
	}
	if now == nil {
		now = time.Now
	}
	cw := &Writer{
		w:         bufio.NewWriter(w),
		snapLen:   uint32(snapLen),
		stopFlush: make(chan struct{}),
		flushDone: make(chan struct{}),
		now:       now,
	}
	if err := cw.writeSectionHeader(); err != nil {
		return nil, err
	}
	if err := cw.writeInterfaceDescription(linkTypeUSBLinuxMmapped, cw.snapLen); err != nil {
		return nil, err
	}
	if err := cw.writeInterfaceDescription(linkTypeRaw, cw.snapLen); err != nil {
		return nil, err
	}
	if err := cw.w.Flush(); err != nil {
		return nil, err
	}
	go cw.flushLoop()
	return cw, nil
}

func (c *Writer) flushLoop() {
	defer close(c.flushDone)
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-c.stopFlush:
			return
		case <-t.C:
			c.mu.Lock()
			_ = c.w.Flush()
			c.mu.Unlock()
		}
	}
}

// CaptureURB implements session.CaptureSink. toDevice frames (client-sent
// SUBMIT/UNLINK) and server replies both land on the same interface: USB
// command/reply pairs go to the USB interface, UNLINK/RET_UNLINK go to the
// raw TCP interface. The frame's own command field (first 4 bytes,
// big-endian) distinguishes which.
func (c *Writer) CaptureURB(toDevice bool, frame []byte) {
	if len(frame) < 4 {
		return
	}
	command := binary.BigEndian.Uint32(frame[0:4])
	isUnlink := command == cmdUnlink || command == retUnlink

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	ts := c.now()
	var err error
	if isUnlink {
		c.rawCount++
		err = c.writeEnhancedPacket(ifaceRaw, ts, synthesizeSegment(toDevice, c.rawCount, frame))
	} else {
		c.usbCount++
		err = c.writeEnhancedPacket(ifaceUSB, ts, frame)
	}
	if err != nil {
		c.dropped++
	}
}

// Close flushes remaining data, appends an Interface Statistics Block per
// interface, and stops the periodic flush goroutine. Safe to call once.
func (c *Writer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	now := c.now()
	err1 := c.writeInterfaceStats(ifaceUSB, now, c.usbCount)
	err2 := c.writeInterfaceStats(ifaceRaw, now, c.rawCount)
	err3 := c.w.Flush()
	c.mu.Unlock()

	close(c.stopFlush)
	<-c.flushDone

	if err1 != nil {
		return err1
	}
	if err2 != nil {
		return err2
	}
	return err3
}

// URB command constants mirrored here (not imported from wire) to keep
// capture decoupled from the session/wire packages it observes.
const (
	cmdUnlink = 0x00000002
	retUnlink = 0x00000004
)

func pad32(n int) int { return (n + 3) &^ 3 }

func (c *Writer) writeSectionHeader() error {
	body := make([]byte, 0, 16)
	body = appendU32(body, byteOrderMagic)
	body = appendU16(body, 1) // major
	body = appendU16(body, 0) // minor
	body = appendU64(body, 0xFFFFFFFFFFFFFFFF) // section length unknown
	return c.writeBlock(blockTypeSectionHeader, body)
}

func (c *Writer) writeInterfaceDescription(linkType uint16, snapLen uint32) error {
	body := make([]byte, 0, 16)
	body = appendU16(body, linkType)
	body = appendU16(body, 0) // reserved
	body = appendU32(body, snapLen)
	body = appendOption(body, 9 /* if_tsresol */, []byte{tsresolOption}) // 10^-7, high bit clear
	body = appendOptionEnd(body)
	return c.writeBlock(blockTypeInterfaceDesc, body)
}

func (c *Writer) writeEnhancedPacket(ifaceID uint32, ts time.Time, frame []byte) error {
	captureLen := len(frame)
	if uint32(captureLen) > c.snapLen {
		captureLen = int(c.snapLen)
	}

	// tsresol is 100ns; store the high 32 bits of the 64-bit tick count
	// first regardless of host endianness, per the on-disk EPB layout.
	ticks := uint64(ts.UnixNano() / 100)
	tsHigh := uint32(ticks >> 32)
	tsLow := uint32(ticks)

	body := make([]byte, 0, 16+pad32(captureLen))
	body = appendU32(body, ifaceID)
	body = appendU32(body, tsHigh)
	body = appendU32(body, tsLow)
	body = appendU32(body, uint32(captureLen))
	body = appendU32(body, uint32(len(frame)))
	body = append(body, frame[:captureLen]...)
	for len(body)%4 != 0 {
		body = append(body, 0)
	}
	return c.writeBlock(blockTypeEnhancedPacket, body)
}

func (c *Writer) writeInterfaceStats(ifaceID uint32, now time.Time, packetCount uint64) error {
	ticks := uint64(now.UnixNano() / 100)
	body := make([]byte, 0, 24)
	body = appendU32(body, ifaceID)
	body = appendU32(body, uint32(ticks>>32))
	body = appendU32(body, uint32(ticks))
	body = appendOption(body, 3 /* isb_endtime */, func() []byte {
		b := make([]byte, 8)
		binary.LittleEndian.PutUint32(b[0:4], uint32(ticks))
		binary.LittleEndian.PutUint32(b[4:8], uint32(ticks>>32))
		return b
	}())
	body = appendOption(body, 4 /* isb_ifrecv */, func() []byte {
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, packetCount)
		return b
	}())
	body = appendOptionEnd(body)
	return c.writeBlock(blockTypeInterfaceStats, body)
}

// writeBlock wraps body in PcapNG's generic block framing: type, total
// length, body, and a trailing repeat of total length.
func (c *Writer) writeBlock(blockType uint32, body []byte) error {
	totalLen := uint32(12 + len(body))
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], blockType)
	binary.LittleEndian.PutUint32(hdr[4:8], totalLen)
	if _, err := c.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := c.w.Write(body); err != nil {
		return err
	}
	var trailer [4]byte
	binary.LittleEndian.PutUint32(trailer[:], totalLen)
	_, err := c.w.Write(trailer[:])
	return err
}

func appendU16(b []byte, v uint16) []byte {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return append(b, buf[:]...)
}

func appendU32(b []byte, v uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return append(b, buf[:]...)
}

func appendU64(b []byte, v uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return append(b, buf[:]...)
}

func appendOption(b []byte, code uint16, value []byte) []byte {
	b = appendU16(b, code)
	b = appendU16(b, uint16(len(value)))
	b = append(b, value...)
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	return b
}

func appendOptionEnd(b []byte) []byte {
	return appendU16(appendU16(b, 0), 0)
}

// Package session implements SessionMultiplexer, the component that turns
// one imported connection's byte stream into ordered CMD_SUBMIT/CMD_UNLINK
// dispatch and RET_SUBMIT/RET_UNLINK replies, resolving the race between a
// submission completing and a client racing an UNLINK against it.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/usbip-go/usbipd/endpoint"
	"github.com/usbip-go/usbipd/usbdev"
	"github.com/usbip-go/usbipd/wire"
)

// CaptureSink receives every URB frame exchanged on a Multiplexer's
// connection, already encoded on the wire, for optional pcap-style
// recording. Implementations must not block the session; Multiplexer never
// retries or drops a frame on the sink's account, so a slow sink should
// buffer internally.
type CaptureSink interface {
	// CaptureURB records a SUBMIT/RET_SUBMIT/UNLINK/RET_UNLINK frame.
	// toDevice is true for frames the client sent (SUBMIT, UNLINK).
	CaptureURB(toDevice bool, frame []byte)
}

// Multiplexer owns one imported device's URB stream. Exactly one reader
// goroutine parses client commands and dispatches them to per-endpoint
// endpoint.Pipelines; exactly one writer goroutine serializes every reply
// onto the connection, which is what lets the SUBMIT/UNLINK race resolve
// with only a mutex (submitTable) and no additional synchronization.
type Multiplexer struct {
	conn    io.ReadWriter
	devID   uint32
	iface   usbdev.Interface
	logger  *slog.Logger
	capture CaptureSink

	table   *submitTable
	replyC  chan endpoint.ReplyPacket
	pipeMu  sync.Mutex
	pipes   map[uint32]*endpoint.Pipeline
}

// New creates a Multiplexer for an already-imported device. devID is the
// busnum<<16|devnum value clients use in the URB header's devid field.
func New(devID uint32, iface usbdev.Interface, conn io.ReadWriter, logger *slog.Logger, capture CaptureSink) *Multiplexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multiplexer{
		conn:    conn,
		devID:   devID,
		iface:   iface,
		logger:  logger,
		capture: capture,
		table:   newSubmitTable(),
		replyC:  make(chan endpoint.ReplyPacket, 256),
		pipes:   make(map[uint32]*endpoint.Pipeline),
	}
}

// Run drives the session until ctx is cancelled or the connection ends.
// The returned error is nil on a clean client-initiated close (io.EOF).
func (m *Multiplexer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		m.writeLoop(ctx)
	}()

	err := m.readLoop(ctx)

	cancel()
	m.pipeMu.Lock()
	for _, p := range m.pipes {
		p.Close()
	}
	m.pipeMu.Unlock()
	<-writerDone

	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (m *Multiplexer) readLoop(ctx context.Context) error {
	for {
		h, err := wire.ReadHeader(m.conn)
		if err != nil {
			return err
		}

		if h.Basic.DevID != m.devID {
			return fmt.Errorf("%w: devid %#x does not match imported device %#x", wire.ErrInvalidProtocol, h.Basic.DevID, m.devID)
		}

		switch h.Basic.Command {
		case wire.CmdSubmit:
			if err := m.handleSubmit(ctx, h); err != nil {
				return err
			}
		case wire.CmdUnlink:
			m.handleUnlink(h)
		default:
			return fmt.Errorf("%w: command %#x after ReadHeader", wire.ErrInvalidProtocol, h.Basic.Command)
		}
	}
}

func (m *Multiplexer) handleSubmit(ctx context.Context, h wire.UrbHeader) error {
	var payload []byte
	if h.Basic.Direction == wire.DirOut && h.TransferBufferLen > 0 {
		payload = make([]byte, h.TransferBufferLen)
		if err := wire.ReadFull(m.conn, payload); err != nil {
			return err
		}
	}

	var packets []wire.IsoPacketDescriptor
	if h.NumberOfPackets > 0 {
		raw := make([]byte, int(h.NumberOfPackets)*wire.IsoPacketDescriptorLen)
		if err := wire.ReadFull(m.conn, raw); err != nil {
			return err
		}
		descs, err := wire.DecodeIsoPacketDescriptors(raw, int(h.NumberOfPackets))
		if err != nil {
			return err
		}
		packets = descs
	}

	if !m.table.insert(h.Basic.Seqnum, h.Basic.Endpoint) {
		return fmt.Errorf("%w: duplicate seqnum %d", wire.ErrInvalidProtocol, h.Basic.Seqnum)
	}

	if m.capture != nil {
		// Re-encode rather than reuse the client's raw bytes: TransferFlags,
		// Setup and the rest must round-trip exactly as parsed.
		m.capture.CaptureURB(true, encodeSubmitFrame(h, payload, packets))
	}

	pipe := m.pipelineFor(ctx, h.Basic.Endpoint)
	pipe.HandleSubmit(endpoint.Submission{
		Seqnum:  h.Basic.Seqnum,
		Dir:     h.Basic.Direction,
		Flags:   h.TransferFlags,
		Length:  h.TransferBufferLen,
		Setup:   h.Setup,
		Packets: packets,
		Payload: payload,
	})
	return nil
}

func (m *Multiplexer) handleUnlink(h wire.UrbHeader) {
	target := h.UnlinkSeqnum
	unlinkSeqnum := h.Basic.Seqnum

	if m.capture != nil {
		m.capture.CaptureURB(true, encodeUnlinkFrame(h))
	}

	ep, raced := m.table.unlinkRace(target, unlinkSeqnum)
	if !raced {
		// Either target already completed (its RET_SUBMIT already went out)
		// or it never existed; either way there is nothing left to cancel.
		m.replyImmediateUnlink(unlinkSeqnum)
		return
	}

	m.pipeMu.Lock()
	pipe := m.pipes[ep]
	m.pipeMu.Unlock()
	if pipe != nil {
		pipe.HandleUnlink()
	}
	// The RET_UNLINK for unlinkSeqnum is flushed by the writer once
	// target's own completion comes through replyC (submitTable.complete).
}

func (m *Multiplexer) replyImmediateUnlink(unlinkSeqnum uint32) {
	buf := make([]byte, 0, wire.HeaderSize)
	w := &growBuf{b: buf}
	_ = wire.WriteRetUnlink(w, unlinkSeqnum, 0)
	m.replyC <- endpoint.ReplyPacket{Seqnum: unlinkSeqnum, Bytes: w.b}
}

func (m *Multiplexer) pipelineFor(ctx context.Context, ep uint32) *endpoint.Pipeline {
	m.pipeMu.Lock()
	defer m.pipeMu.Unlock()
	if p, ok := m.pipes[ep]; ok {
		return p
	}
	p := endpoint.New(ctx, ep, m.iface, m.replyC, 0)
	m.pipes[ep] = p
	return p
}

func (m *Multiplexer) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case pkt := <-m.replyC:
			// complete decides the race: if an UNLINK already claimed this
			// seqnum, the RET_SUBMIT must be silently dropped rather than
			// written, and the queued UNLINKs are acked with -ECONNRESET
			// instead.
			write, waiters := m.table.complete(pkt.Seqnum)
			if write {
				if _, err := m.conn.Write(pkt.Bytes); err != nil {
					m.logger.Debug("session: write failed, closing", "error", err)
					return
				}
				if m.capture != nil {
					m.capture.CaptureURB(false, pkt.Bytes)
				}
			}

			for _, waiter := range waiters {
				m.flushUnlinkAck(waiter)
			}
		}
	}
}

// flushUnlinkAck acks an UNLINK that won its race against an in-flight
// SUBMIT: the cancelled URB never reaches the client as a RET_SUBMIT, so
// its UNLINK is acked with -ECONNRESET rather than the 0 a losing UNLINK
// gets from replyImmediateUnlink.
func (m *Multiplexer) flushUnlinkAck(unlinkSeqnum uint32) {
	buf := make([]byte, 0, wire.HeaderSize)
	w := &growBuf{b: buf}
	_ = wire.WriteRetUnlink(w, unlinkSeqnum, usbdev.ErrnoConnReset)
	if _, err := m.conn.Write(w.b); err != nil {
		m.logger.Debug("session: write failed flushing unlink ack", "error", err)
		return
	}
	if m.capture != nil {
		m.capture.CaptureURB(false, w.b)
	}
}

type growBuf struct{ b []byte }

func (g *growBuf) Write(p []byte) (int, error) {
	g.b = append(g.b, p...)
	return len(p), nil
}

func encodeSubmitFrame(h wire.UrbHeader, payload []byte, packets []wire.IsoPacketDescriptor) []byte {
	w := &growBuf{}
	_ = wire.WriteHeader(w, h)
	w.b = append(w.b, payload...)
	w.b = wire.EncodeIsoPacketDescriptors(w.b, packets)
	return w.b
}

func encodeUnlinkFrame(h wire.UrbHeader) []byte {
	w := &growBuf{}
	_ = wire.WriteHeader(w, h)
	return w.b
}

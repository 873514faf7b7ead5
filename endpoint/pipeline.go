// Package endpoint implements the per-endpoint FIFO that sits between the
// session reader/writer and a claimed usbdev.Interface: it preserves
// submission order, extracts control-transfer setup packets, splits
// isochronous buffers, and recomputes corrected IN actual_offsets.
package endpoint

import (
	"context"
	"errors"
	"sync"

	"github.com/usbip-go/usbipd/usbdev"
	"github.com/usbip-go/usbipd/wire"
)

// ReplyPacket is what Pipeline emits for the session writer to serialize.
// Bytes is the full on-wire reply (header + payload + iso descriptors);
// an empty Bytes is never produced by a Pipeline.
type ReplyPacket struct {
	Seqnum uint32
	Bytes  []byte
}

// Submission is one CMD_SUBMIT translated into pipeline input.
type Submission struct {
	Seqnum  uint32
	Dir     uint32
	Flags   uint32
	Length  int32
	Setup   [8]byte
	Packets []wire.IsoPacketDescriptor // from the client, OUT direction sizing; nil for non-ISO
	Payload []byte                     // OUT payload, already read off the socket
}

// Pipeline drives completions for a single raw endpoint. Exactly one
// goroutine (run) consumes submissions in order and waits on each one's
// completion future before moving to the next, which is what makes
// invariant 1 (per-endpoint reply ordering) fall out for free: there is
// never more than one outstanding Submit per endpoint.
type Pipeline struct {
	ep     uint32
	iface  usbdev.Interface
	replyC chan<- ReplyPacket
	done   <-chan struct{}

	mu     sync.Mutex
	inbox  chan Submission
	closed bool
}

// New creates a Pipeline for rawEndpoint, lazily started by the session on
// first CMD_SUBMIT to that endpoint. inbox is sized to bound memory in
// degenerate cases while still never rejecting a submission the session
// already accepted into pending_submits.
func New(ctx context.Context, rawEndpoint uint32, iface usbdev.Interface, replyC chan<- ReplyPacket, inboxSize int) *Pipeline {
	if inboxSize <= 0 {
		inboxSize = 256
	}
	p := &Pipeline{
		ep:     rawEndpoint,
		iface:  iface,
		replyC: replyC,
		done:   ctx.Done(),
		inbox:  make(chan Submission, inboxSize),
	}
	go p.run(ctx)
	return p
}

// HandleSubmit enqueues s for processing. It never blocks on completion; it
// returns once s has been accepted into the pipeline's inbox (or the
// pipeline's context has already ended).
func (p *Pipeline) HandleSubmit(s Submission) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	select {
	case p.inbox <- s:
	case <-p.done:
	}
}

// HandleUnlink best-effort cancels every URB in flight on this endpoint.
// Idempotent: a burst of UNLINKs for this endpoint collapses into
// redundant AbortEndpoint calls, which the Interface contract requires to
// tolerate.
func (p *Pipeline) HandleUnlink() {
	p.iface.AbortEndpoint(p.ep)
}

// Close stops accepting new submissions. In-flight ones still complete and
// still emit a reply; spec.md never asks for replies to be suppressed on
// session teardown beyond what AbortEndpoint already achieves.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *Pipeline) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sub, ok := <-p.inbox:
			if !ok {
				return
			}
			p.process(ctx, sub)
		}
	}
}

func (p *Pipeline) process(ctx context.Context, sub Submission) {
	req := usbdev.SubmitRequest{
		Endpoint:       p.ep,
		Direction:      sub.Dir,
		Flags:          sub.Flags,
		Length:         sub.Length,
		Buffer:         sub.Payload,
		IsoDescriptors: sub.Packets,
		Type:           classify(p.ep, sub.Packets),
	}

	if p.ep == 0 {
		req.Type = usbdev.TransferControl
		req.Setup = sub.Setup
		// Direction for the data stage of a control transfer is determined
		// by bit 7 of bmRequestType, not by the URB header's direction
		// field (spec.md §4.C); non-zero endpoints never reach this branch
		// so their setup bytes, if any, are simply ignored below.
		if sub.Setup[0]&0x80 != 0 {
			req.Direction = wire.DirIn
		} else {
			req.Direction = wire.DirOut
		}
	}

	ch, err := p.iface.Submit(ctx, req)
	if err != nil {
		p.emit(sub.Seqnum, translateSubmitError(err), 0, nil, nil)
		return
	}

	select {
	case <-ctx.Done():
		return
	case res := <-ch:
		p.emitCompletion(sub, res)
	}
}

func classify(ep uint32, packets []wire.IsoPacketDescriptor) usbdev.TransferType {
	if ep == 0 {
		return usbdev.TransferControl
	}
	if len(packets) > 0 {
		return usbdev.TransferIsochronous
	}
	return usbdev.TransferInterrupt
}

func (p *Pipeline) emitCompletion(sub Submission, res usbdev.CompletionResult) {
	descs := res.IsoDescriptors
	if sub.Dir == wire.DirIn && len(descs) > 0 {
		descs = recomputeInOffsets(descs)
	}
	p.emit(sub.Seqnum, res.Status, res.ActualLength, res.Buffer, descs)
}

// recomputeInOffsets fixes up IN-direction isochronous actual_offset as the
// running sum of preceding actual_length values. spec.md §4.C notes the
// Linux reference implementation gets this wrong; this repository emits
// the corrected offsets.
func recomputeInOffsets(descs []wire.IsoPacketDescriptor) []wire.IsoPacketDescriptor {
	out := make([]wire.IsoPacketDescriptor, len(descs))
	var offset uint32
	for i, d := range descs {
		d.Offset = offset
		out[i] = d
		offset += d.ActualLength
	}
	return out
}

func (p *Pipeline) emit(seqnum uint32, status, actualLength int32, payload []byte, descs []wire.IsoPacketDescriptor) {
	buf := make([]byte, 0, wire.HeaderSize+len(payload)+len(descs)*wire.IsoPacketDescriptorLen)
	w := newByteWriter(buf)
	_ = wire.WriteRetSubmit(w, seqnum, status, actualLength, 0, int32(len(descs)), 0)
	w.b = append(w.b, payload...)
	w.b = wire.EncodeIsoPacketDescriptors(w.b, descs)

	// The reply channel is sized generously and drained continuously by the
	// session writer; spec.md §5 notes unboundedness is safe because
	// submission itself is gated by client flow control, so blocking here
	// rather than dropping on a full buffer is the correct fallback.
	p.replyC <- ReplyPacket{Seqnum: seqnum, Bytes: w.b}
}

func translateSubmitError(err error) int32 {
	switch {
	case errors.Is(err, ErrPipeHalted):
		return usbdev.ErrnoPipe
	case errors.Is(err, ErrTimedOut):
		return usbdev.ErrnoTime
	case errors.Is(err, ErrOverflow):
		return usbdev.ErrnoOverflow
	default:
		return usbdev.ErrnoProto
	}
}

// Synchronous submission failure modes a usbdev.Interface implementation
// may report from Submit; translated to errno-style RET_SUBMIT statuses by
// translateSubmitError per spec.md §4.C.
var (
	ErrPipeHalted = errors.New("endpoint: pipe halted")
	ErrTimedOut   = errors.New("endpoint: submission timed out")
	ErrOverflow   = errors.New("endpoint: buffer overflow")
)

// byteWriter adapts a growable []byte to io.Writer for wire.WriteHeader.
type byteWriter struct{ b []byte }

func newByteWriter(initial []byte) *byteWriter { return &byteWriter{b: initial} }

func (w *byteWriter) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

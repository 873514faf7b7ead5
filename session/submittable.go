package session

import "sync"

// submitTable is the SUBMIT/UNLINK race resolution primitive. A SUBMIT
// registers its seqnum while outstanding; an UNLINK for that seqnum and the
// eventual completion both try to remove it, and whichever call happens
// first decides how the race resolves. The table also remembers, per raced
// submission, which UNLINK seqnums are waiting on its completion so the
// writer can flush their RET_UNLINK replies immediately afterwards.
//
// Every method takes the single mutex; the race is resolved by lock
// ordering alone, never by inspecting timestamps or sequence numbers.
type submitTable struct {
	mu          sync.Mutex
	pending     map[uint32]uint32   // seqnum -> endpoint, while outstanding
	afterUnlink map[uint32][]uint32 // target seqnum -> unlink seqnums awaiting its completion
}

func newSubmitTable() *submitTable {
	return &submitTable{
		pending:     make(map[uint32]uint32),
		afterUnlink: make(map[uint32][]uint32),
	}
}

// insert registers seqnum as outstanding on ep. Returns false if seqnum is
// already outstanding, which is a client protocol violation.
func (t *submitTable) insert(seqnum, ep uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.pending[seqnum]; exists {
		return false
	}
	t.pending[seqnum] = ep
	return true
}

// unlinkRace is called by the reader when a CMD_UNLINK for target arrives.
// If target is still outstanding, it is removed (the unlink wins the race):
// the reader must abort the owning endpoint, and unlinkSeqnum is queued to
// be acked only once target's own completion has been forwarded. The
// returned ep is only meaningful when raced is true.
func (t *submitTable) unlinkRace(target, unlinkSeqnum uint32) (ep uint32, raced bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ep, ok := t.pending[target]
	if !ok {
		return 0, false
	}
	delete(t.pending, target)
	t.afterUnlink[target] = append(t.afterUnlink[target], unlinkSeqnum)
	return ep, true
}

// complete is called by the writer before it would forward seqnum's
// RET_SUBMIT, and decides whether that write may actually happen. If
// seqnum is still in pending, the completion won the race (no UNLINK
// arrived before it finished): write reports true and there are no
// waiters. If seqnum was raced out by an UNLINK, write reports false — the
// RET_SUBMIT must be silently dropped per spec — and waiters holds every
// UNLINK seqnum queued on it, which the writer must ack with
// RET_UNLINK(-ECONNRESET), in order, instead. If seqnum is neither (it was
// never a registered SUBMIT — e.g. an already-built immediate RET_UNLINK
// ack), write reports true so that reply still reaches the client
// unconditionally.
func (t *submitTable) complete(seqnum uint32) (write bool, waiters []uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[seqnum]; ok {
		delete(t.pending, seqnum)
		return true, nil
	}
	if w, ok := t.afterUnlink[seqnum]; ok {
		delete(t.afterUnlink, seqnum)
		return false, w
	}
	return true, nil
}

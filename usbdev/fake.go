package usbdev

import (
	"context"
	"sync"
)

// FakeInterface is a deterministic in-memory Interface double used by this
// repository's tests and by _testing-style end-to-end harnesses. Submitted
// requests queue per endpoint; a test script drives completions by calling
// Complete (FIFO per endpoint), or supplies synchronous results through the
// onSubmit hook given to NewFakeInterface.
type FakeInterface struct {
	mu        sync.Mutex
	closed    bool
	pending   map[uint32][]*fakeSubmission
	aborted   []uint32
	onSubmit  func(SubmitRequest) (*CompletionResult, error) // optional synchronous hook
}

type fakeSubmission struct {
	req  SubmitRequest
	done chan CompletionResult
}

// NewFakeInterface returns a FakeInterface. onSubmit, if non-nil, is
// consulted synchronously on every Submit call: returning a non-nil result
// resolves the submission immediately (as if the OS completed it inline);
// returning (nil, nil) leaves the submission pending for a later Complete
// call; returning a non-nil error fails the Submit call itself.
func NewFakeInterface(onSubmit func(SubmitRequest) (*CompletionResult, error)) *FakeInterface {
	return &FakeInterface{
		pending:  make(map[uint32][]*fakeSubmission),
		onSubmit: onSubmit,
	}
}

func (f *FakeInterface) Submit(ctx context.Context, req SubmitRequest) (<-chan CompletionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan CompletionResult, 1)
	if f.onSubmit != nil {
		res, err := f.onSubmit(req)
		if err != nil {
			return nil, err
		}
		if res != nil {
			ch <- *res
			return ch, nil
		}
	}
	f.pending[req.Endpoint] = append(f.pending[req.Endpoint], &fakeSubmission{req: req, done: ch})
	return ch, nil
}

// Complete resolves the oldest still-pending submission on ep with res.
// Returns false if nothing was pending.
func (f *FakeInterface) Complete(ep uint32, res CompletionResult) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	q := f.pending[ep]
	if len(q) == 0 {
		return false
	}
	sub := q[0]
	f.pending[ep] = q[1:]
	sub.done <- res
	return true
}

func (f *FakeInterface) AbortEndpoint(rawEndpoint uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, rawEndpoint)
}

// AbortedEndpoints returns every endpoint AbortEndpoint was called with, in order.
func (f *FakeInterface) AbortedEndpoints() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint32, len(f.aborted))
	copy(out, f.aborted)
	return out
}

// PendingCount returns the number of unresolved submissions on ep.
func (f *FakeInterface) PendingCount(ep uint32) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending[ep])
}

func (f *FakeInterface) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *FakeInterface) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

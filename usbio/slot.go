package usbio

import "sync"

// TransferSlot is one reusable transfer descriptor: a fixed-size buffer
// plus the completion state of the most recent submission.  Slots are
// heap-stable identities owned by their pool; the endpoint queues refer to
// them by pool index, never by address into a resizable container.
type TransferSlot struct {
	buf   []byte
	event *Event

	mu       sync.Mutex
	complete bool
	n        int
	err      error
	waiters  chan struct{}
}

// NewTransferSlot returns a slot with a size-byte buffer whose completions
// signal event.
func NewTransferSlot(event *Event, size int) *TransferSlot {
	return &TransferSlot{
		buf:     make([]byte, size),
		event:   event,
		waiters: make(chan struct{}),
	}
}

// Buffer exposes the slot's backing buffer.
func (s *TransferSlot) Buffer() []byte {
	return s.buf
}

// Reset prepares the slot for a new submission.  Starting an operation
// leaves its event unsignaled, matching kernel overlapped semantics.
func (s *TransferSlot) Reset() {
	s.mu.Lock()
	s.complete = false
	s.n = 0
	s.err = nil
	s.waiters = make(chan struct{})
	s.mu.Unlock()
	s.event.Reset()
}

// Complete records the transfer outcome and signals the slot's event.
// Called by the platform from its completion context.
func (s *TransferSlot) Complete(n int, err error) {
	s.mu.Lock()
	if s.complete {
		s.mu.Unlock()
		return
	}
	s.complete = true
	s.n = n
	s.err = err
	close(s.waiters)
	s.mu.Unlock()
	s.event.Set()
}

// Result reaps the completion.  With wait false it returns ErrIOIncomplete
// until Complete has been called.
func (s *TransferSlot) Result(wait bool) (int, error) {
	s.mu.Lock()
	if s.complete {
		defer s.mu.Unlock()
		return s.n, s.err
	}
	if !wait {
		s.mu.Unlock()
		return 0, ErrIOIncomplete
	}
	waiters := s.waiters
	s.mu.Unlock()
	<-waiters
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n, s.err
}

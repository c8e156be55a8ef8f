package usbio

import (
	"sync"
	"time"
)

// fakePlatform drives the transfer state machines from tests.  Submitted
// slots stay outstanding until the test completes them or aborts the pipe.
type fakePlatform struct {
	mu sync.Mutex

	bulk        map[byte][]*TransferSlot
	bulkErr     error
	control     []*TransferSlot
	controlPkts []SetupPacket
	controlErr  error
	aborts      map[byte]int
	closed      bool
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		bulk:   make(map[byte][]*TransferSlot),
		aborts: make(map[byte]int),
	}
}

func (f *fakePlatform) SubmitBulkIn(pipeID byte, slot *TransferSlot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bulkErr != nil {
		return f.bulkErr
	}
	f.bulk[pipeID] = append(f.bulk[pipeID], slot)
	return ErrIOPending
}

func (f *fakePlatform) SubmitControl(setup SetupPacket, slot *TransferSlot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.controlErr != nil {
		return f.controlErr
	}
	f.control = append(f.control, slot)
	f.controlPkts = append(f.controlPkts, setup)
	return ErrIOPending
}

func (f *fakePlatform) TransferResult(slot *TransferSlot, wait bool) (int, error) {
	return slot.Result(wait)
}

func (f *fakePlatform) AbortPipe(pipeID byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts[pipeID]++
	for _, slot := range f.bulk[pipeID] {
		slot.Complete(0, ErrOperationAborted)
	}
	f.bulk[pipeID] = nil
	return nil
}

func (f *fakePlatform) SetPipeTimeout(pipeID byte, d time.Duration) error { return nil }

func (f *fakePlatform) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// completeBulk completes the oldest outstanding transfer on the pipe with
// data.
func (f *fakePlatform) completeBulk(pipeID byte, data []byte) {
	f.mu.Lock()
	slot := f.bulk[pipeID][0]
	f.bulk[pipeID] = f.bulk[pipeID][1:]
	f.mu.Unlock()
	copy(slot.Buffer(), data)
	slot.Complete(len(data), nil)
}

// completeBulkAt completes the i-th outstanding transfer, out of order.
func (f *fakePlatform) completeBulkAt(pipeID byte, i int, data []byte) {
	f.mu.Lock()
	slot := f.bulk[pipeID][i]
	f.bulk[pipeID] = append(f.bulk[pipeID][:i], f.bulk[pipeID][i+1:]...)
	f.mu.Unlock()
	copy(slot.Buffer(), data)
	slot.Complete(len(data), nil)
}

// failBulk completes the oldest outstanding transfer with err.
func (f *fakePlatform) failBulk(pipeID byte, err error) {
	f.mu.Lock()
	slot := f.bulk[pipeID][0]
	f.bulk[pipeID] = f.bulk[pipeID][1:]
	f.mu.Unlock()
	slot.Complete(0, err)
}

// completeControl completes the outstanding control transfer.
func (f *fakePlatform) completeControl(data []byte, err error) {
	f.mu.Lock()
	slot := f.control[0]
	f.control = f.control[1:]
	f.mu.Unlock()
	copy(slot.Buffer(), data)
	slot.Complete(len(data), err)
}

func (f *fakePlatform) outstanding(pipeID byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bulk[pipeID])
}

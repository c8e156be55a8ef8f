package usbio

import (
	"fmt"
	"log"
)

// bulkInLength is the wire packet size; transfer sizes are rounded up to a
// multiple of it.
const bulkInLength = 512

// DataFunc receives the exact-length payload of one completed transfer.
// Returning true requests teardown of the stream.
type DataFunc func(data []byte) bool

// NotifyFunc is ticked after a batch of transfers completed.  Returning
// true requests teardown.
type NotifyFunc func() bool

// StopFunc receives the endpoint's captured stop cause when it stops.
type StopFunc func(code DeviceEvent, msg string)

type endpointState int

const (
	stateIdle endpointState = iota
	stateRunning
	stateStopping
)

// BulkInEndpoint owns a pool of TransferSlots for one IN pipe and keeps a
// sliding window of outstanding reads so the kernel always has buffers to
// fill.  All methods must be called from the session thread.
type BulkInEndpoint struct {
	platform Platform
	pipeID   byte

	transfers    int
	transferSize int

	dataFn   DataFunc
	notifyFn NotifyFunc
	stopFn   StopFunc

	event   *Event
	slots   []*TransferSlot
	free    []int
	pending []int

	state       endpointState
	stopCode    DeviceEvent
	stopMessage string

	notifyTransfers int
	transferCount   uint64
	byteCount       uint64
	expireMax       int
}

// NewBulkInEndpoint builds an endpoint for pipeID with a pool of transfers
// reads of blockSize bytes each (rounded up to a multiple of 512).
func NewBulkInEndpoint(p Platform, pipeID byte, transfers, blockSize int, data DataFunc, notify NotifyFunc, stop StopFunc) *BulkInEndpoint {
	size := (blockSize + bulkInLength - 1) / bulkInLength * bulkInLength
	return &BulkInEndpoint{
		platform:     p,
		pipeID:       pipeID,
		transfers:    transfers,
		transferSize: size,
		dataFn:       data,
		notifyFn:     notify,
		stopFn:       stop,
		state:        stateIdle,
		stopCode:     EventNone,
	}
}

// PipeID returns the endpoint's pipe address (high bit set: IN).
func (ep *BulkInEndpoint) PipeID() byte { return ep.pipeID }

// Event returns the completion event the session waits on.
func (ep *BulkInEndpoint) Event() *Event { return ep.event }

// StopCode returns the first captured stop cause, or EventNone.
func (ep *BulkInEndpoint) StopCode() DeviceEvent { return ep.stopCode }

// Start allocates the slot pool and issues every transfer.
func (ep *BulkInEndpoint) Start() error {
	if ep.state != stateIdle {
		return fmt.Errorf("%w: endpoint 0x%02x is not idle", ErrCannotOpen, ep.pipeID)
	}
	ep.open()
	ep.state = stateRunning
	ep.notifyTransfers = 0
	ep.refill()
	return nil
}

func (ep *BulkInEndpoint) open() {
	ep.stopCode = EventNone
	ep.stopMessage = ""
	ep.event = NewEvent()
	ep.slots = make([]*TransferSlot, ep.transfers)
	ep.free = ep.free[:0]
	ep.pending = ep.pending[:0]
	for i := range ep.slots {
		ep.slots[i] = NewTransferSlot(ep.event, ep.transferSize)
		ep.free = append(ep.free, i)
	}
}

// issue submits one slot.  Returns true on fatal failure.
func (ep *BulkInEndpoint) issue(idx int) bool {
	slot := ep.slots[idx]
	slot.Reset()
	err := ep.platform.SubmitBulkIn(ep.pipeID, slot)
	if err != nil && err != ErrIOPending {
		msg := fmt.Sprintf("endpoint 0x%02x issue failed: %v", ep.pipeID, err)
		ep.free = append(ep.free, idx)
		ep.halt(EventCommunicationError, msg)
		return true
	}
	ep.pending = append(ep.pending, idx)
	return false
}

// refill issues every free slot.  Returns true on fatal failure.
func (ep *BulkInEndpoint) refill() bool {
	for len(ep.free) > 0 {
		idx := ep.free[0]
		ep.free = ep.free[1:]
		if ep.issue(idx) {
			return true
		}
	}
	return false
}

// expire drains completed transfers in submission order, feeding the sink
// and reissuing each slot.  Stops at the first still-pending transfer so
// FIFO order is preserved.  Returns true when the endpoint must stop.
func (ep *BulkInEndpoint) expire() bool {
	var stop bool
	count := 0
	for !stop && len(ep.pending) > 0 {
		idx := ep.pending[0]
		slot := ep.slots[idx]
		n, err := ep.platform.TransferResult(slot, false)
		if err == ErrIOIncomplete || err == ErrIOPending {
			break
		}
		ep.pending = ep.pending[1:]
		if err != nil {
			ep.free = append(ep.free, idx)
			msg := fmt.Sprintf("endpoint 0x%02x transfer failed: %v", ep.pipeID, err)
			log.Print("usbio: ", msg)
			stop = true
			ep.halt(EventCommunicationError, msg)
			continue
		}
		ep.transferCount++
		ep.byteCount += uint64(n)
		count++
		if n > len(slot.Buffer()) {
			panic(fmt.Sprintf("usbio: endpoint 0x%02x transferred %d bytes into a %d byte buffer", ep.pipeID, n, len(slot.Buffer())))
		}
		cause := EventCallbackStop
		if ep.dataFn != nil {
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Printf("usbio: endpoint 0x%02x data callback panic: %v", ep.pipeID, r)
						cause = EventCallbackException
						stop = true
					}
				}()
				stop = ep.dataFn(slot.Buffer()[:n])
			}()
		}
		if stop {
			ep.halt(cause, fmt.Sprintf("endpoint 0x%02x terminated by data callback", ep.pipeID))
			ep.free = append(ep.free, idx)
		} else {
			stop = ep.issue(idx)
		}
	}
	if count > ep.expireMax {
		ep.expireMax = count
	}
	ep.notifyTransfers += count
	return stop
}

// cancel aborts the pipe and drains every outstanding completion,
// discarding ErrOperationAborted.
func (ep *BulkInEndpoint) cancel() {
	if err := ep.platform.AbortPipe(ep.pipeID); err != nil {
		log.Printf("usbio: abort pipe 0x%02x: %v", ep.pipeID, err)
	}
	for len(ep.pending) > 0 {
		idx := ep.pending[0]
		ep.pending = ep.pending[1:]
		if _, err := ep.platform.TransferResult(ep.slots[idx], true); err != nil && err != ErrOperationAborted {
			log.Printf("usbio: cancel pipe 0x%02x: %v", ep.pipeID, err)
		}
		ep.free = append(ep.free, idx)
	}
}

// halt captures the first stop cause and begins teardown.  Later causes
// are logged and discarded; the first capture wins.
func (ep *BulkInEndpoint) halt(code DeviceEvent, msg string) {
	if ep.state != stateStopping {
		ep.state = stateStopping
		ep.cancel()
	}
	if code == EventUndefined {
		return
	}
	if ep.stopCode == EventNone {
		ep.stopCode = code
		ep.stopMessage = msg
		log.Printf("usbio: endpoint 0x%02x halt %v: %s", ep.pipeID, code, msg)
	} else {
		log.Printf("usbio: endpoint 0x%02x halt %v duplicate: %s", ep.pipeID, code, msg)
	}
}

// Poll advances the endpoint one tick: drain completions, then reissue.
// Returns true when the endpoint must be torn down.
func (ep *BulkInEndpoint) Poll() bool {
	if ep.state != stateRunning {
		return ep.stopCode.Fatal()
	}
	stop := ep.expire()
	if !stop {
		stop = ep.refill()
	}
	return stop
}

// NotifyIfAny flushes a work-done tick to the notify callback when any
// transfer completed since the last call.  A callback panic or true
// return requests teardown.
func (ep *BulkInEndpoint) NotifyIfAny() bool {
	if ep.notifyTransfers == 0 {
		return false
	}
	ep.notifyTransfers = 0
	if ep.notifyFn == nil {
		return false
	}
	stop := false
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("usbio: endpoint 0x%02x notify callback panic: %v", ep.pipeID, r)
				stop = true
			}
		}()
		stop = ep.notifyFn()
	}()
	return stop
}

// Stop cancels outstanding I/O, delivers one stop notification, and
// returns the endpoint to idle.  Idempotent.
func (ep *BulkInEndpoint) Stop() {
	if ep.state == stateIdle {
		return
	}
	if ep.state != stateStopping {
		ep.cancel()
	}
	if ep.stopCode == EventNone {
		ep.stopCode = EventUndefined
		ep.NotifyIfAny()
	}
	if ep.stopFn != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("usbio: endpoint 0x%02x stop callback panic: %v", ep.pipeID, r)
				}
			}()
			ep.stopFn(ep.stopCode, ep.stopMessage)
		}()
	}
	ep.state = stateIdle
}

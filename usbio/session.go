package usbio

import (
	"fmt"
	"log"
	"sort"
	"sync/atomic"
	"time"
)

// controlPipeTimeout is the driver timeout policy applied to endpoint 0.
const controlPipeTimeout = time.Second

// EventCallback receives the session-level stop cause on abort.  It is
// invoked at most once per failure episode.
type EventCallback func(code DeviceEvent, msg string)

// DeviceSession owns the device, its control channel, and a set of bulk-in
// endpoints keyed by pipe id.  Process advances the whole engine by one
// tick; it is not re-entrant, and the synchronous control wrappers may only
// be used when no other goroutine is driving the session.
type DeviceSession struct {
	platform  Platform
	control   *ControlChannel
	endpoints map[byte]*BulkInEndpoint

	wake      chan struct{}
	waitList  []*Event
	eventCbk  EventCallback
	inProcess atomic.Bool
}

// OpenSession wraps an already-open platform device in a session: builds
// the control channel, applies the endpoint-0 timeout policy, and composes
// the wait list.
func OpenSession(p Platform, cbk EventCallback) (*DeviceSession, error) {
	s := &DeviceSession{
		platform:  p,
		endpoints: make(map[byte]*BulkInEndpoint),
		wake:      make(chan struct{}, 1),
		eventCbk:  cbk,
	}
	s.control = NewControlChannel(p)
	if err := p.SetPipeTimeout(0, controlPipeTimeout); err != nil {
		log.Printf("usbio: set control pipe timeout: %v", err)
	}
	s.updateWaitList()
	return s, nil
}

// Close stops every endpoint, closes the control channel, and releases the
// device.  Idempotent.
func (s *DeviceSession) Close() {
	for _, ep := range s.sortedEndpoints() {
		ep.Stop()
	}
	s.endpoints = make(map[byte]*BulkInEndpoint)
	if s.control != nil {
		s.control.Close()
		s.control = nil
	}
	if s.platform != nil {
		if err := s.platform.Close(); err != nil {
			log.Printf("usbio: close device: %v", err)
		}
		s.platform = nil
	}
	s.eventCbk = nil
	s.updateWaitList()
}

func (s *DeviceSession) sortedEndpoints() []*BulkInEndpoint {
	ids := make([]byte, 0, len(s.endpoints))
	for id := range s.endpoints {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	eps := make([]*BulkInEndpoint, len(ids))
	for i, id := range ids {
		eps[i] = s.endpoints[id]
	}
	return eps
}

func (s *DeviceSession) updateWaitList() {
	s.waitList = s.waitList[:0]
	if s.control != nil && s.control.Event() != nil {
		s.control.Event().Bind(s.wake)
		s.waitList = append(s.waitList, s.control.Event())
	}
	for _, ep := range s.sortedEndpoints() {
		if ep.Event() != nil {
			ep.Event().Bind(s.wake)
			s.waitList = append(s.waitList, ep.Event())
		}
	}
}

// AddInStream starts a bulk-in stream on the endpoint.  An existing stream
// at the same pipe id is stopped and replaced.
func (s *DeviceSession) AddInStream(endpointID byte, transfers, blockSize int, data DataFunc, notify NotifyFunc, stop StopFunc) error {
	pipeID := endpointID&0x7F | 0x80
	if ep, ok := s.endpoints[pipeID]; ok {
		ep.Stop()
		delete(s.endpoints, pipeID)
	}
	ep := NewBulkInEndpoint(s.platform, pipeID, transfers, blockSize, data, notify, stop)
	s.endpoints[pipeID] = ep
	if err := ep.Start(); err != nil {
		delete(s.endpoints, pipeID)
		return err
	}
	s.updateWaitList()
	return nil
}

// RemoveInStream stops and removes the stream at the endpoint, if present.
func (s *DeviceSession) RemoveInStream(endpointID byte) {
	pipeID := endpointID&0x7F | 0x80
	if ep, ok := s.endpoints[pipeID]; ok {
		ep.Stop()
		delete(s.endpoints, pipeID)
		s.updateWaitList()
	}
}

// Process waits up to timeout for any completion event, then advances
// every endpoint and the control channel by one tick.  Not re-entrant.
func (s *DeviceSession) Process(timeout time.Duration) {
	if !s.inProcess.CompareAndSwap(false, true) {
		panic("usbio: DeviceSession.Process is not re-entrant")
	}
	defer s.inProcess.Store(false)

	signaled := false
	for _, e := range s.waitList {
		if e.IsSet() {
			signaled = true
			break
		}
	}
	if !signaled {
		timer := time.NewTimer(timeout)
		select {
		case <-s.wake:
			signaled = true
		case <-timer.C:
		}
		timer.Stop()
	}
	if !signaled {
		return
	}

	var stopIDs []byte
	for _, ep := range s.sortedEndpoints() {
		if ep.Poll() {
			stopIDs = append(stopIDs, ep.PipeID())
		}
	}
	for _, ep := range s.sortedEndpoints() {
		if ep.NotifyIfAny() || ep.StopCode() != EventNone {
			stopIDs = append(stopIDs, ep.PipeID())
		}
	}
	for _, pipeID := range stopIDs {
		ep, ok := s.endpoints[pipeID]
		if !ok {
			continue
		}
		delete(s.endpoints, pipeID)
		ep.Stop()
		msg := fmt.Sprintf("endpoint pipe 0x%02x stopped: %v", pipeID, ep.StopCode())
		log.Print("usbio: ", msg)
		if ep.StopCode().Fatal() {
			s.abort(ep.StopCode(), msg)
		}
	}
	if len(stopIDs) > 0 {
		s.updateWaitList()
	}
	if s.control != nil {
		s.control.Poll()
		if s.control.StopCode().Fatal() {
			msg := fmt.Sprintf("control pipe stopped: %v", s.control.StopCode())
			log.Print("usbio: ", msg)
			s.abort(s.control.StopCode(), msg)
		}
	}
}

// abort stops and discards every endpoint, poisons the control channel,
// and invokes the session event callback exactly once.  Non-reentrant by
// construction: the callback is captured and nulled before invocation.
func (s *DeviceSession) abort(code DeviceEvent, msg string) {
	for _, ep := range s.sortedEndpoints() {
		ep.Stop()
	}
	s.endpoints = make(map[byte]*BulkInEndpoint)
	if s.control != nil {
		s.control.Poison(EventCallbackStop)
	}
	s.updateWaitList()
	cbk := s.eventCbk
	s.eventCbk = nil
	if cbk != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("usbio: session event callback panic: %v", r)
				}
			}()
			cbk(code, msg)
		}()
	}
}

// ControlTransferOut submits an asynchronous host-to-device vendor
// transfer.  The continuation is always invoked exactly once.
func (s *DeviceSession) ControlTransferOut(cbk ControlCallback, recipient, reqType, request byte, value, index uint16, data []byte) bool {
	if s.control == nil {
		cbk(ControlResponse{Result: EventUndefined})
		return false
	}
	setup := SetupPacket{
		RequestType: reqType | recipient,
		Request:     request,
		Value:       value,
		Index:       index,
		Length:      uint16(len(data)),
	}
	return s.control.Pend(cbk, setup, data)
}

// ControlTransferIn submits an asynchronous device-to-host vendor transfer
// of length bytes.
func (s *DeviceSession) ControlTransferIn(cbk ControlCallback, recipient, reqType, request byte, value, index, length uint16) bool {
	if s.control == nil {
		cbk(ControlResponse{Result: EventUndefined})
		return false
	}
	setup := SetupPacket{
		RequestType: DirectionIn | reqType | recipient,
		Request:     request,
		Value:       value,
		Index:       index,
		Length:      length,
	}
	return s.control.Pend(cbk, setup, nil)
}

// controlHolder collects a synchronous wrapper's response.
type controlHolder struct {
	done bool
	resp ControlResponse
}

// driveUntil pumps the session loop from the caller's goroutine until the
// holder is marked done or the deadline elapses.  Only legal when no
// background goroutine is driving the session.
func (s *DeviceSession) driveUntil(h *controlHolder, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for !h.done {
		if time.Now().After(deadline) {
			return ErrTimeout
		}
		s.Process(10 * time.Millisecond)
	}
	return nil
}

// ControlTransferOutSync performs a blocking host-to-device vendor
// transfer with the given deadline.
func (s *DeviceSession) ControlTransferOutSync(recipient, reqType, request byte, value, index uint16, data []byte, timeout time.Duration) error {
	h := &controlHolder{}
	s.ControlTransferOut(func(r ControlResponse) {
		h.resp = r
		h.done = true
	}, recipient, reqType, request, value, index, data)
	if err := s.driveUntil(h, timeout); err != nil {
		return err
	}
	if !h.resp.OK() {
		return fmt.Errorf("usbio: control out failed: %v", h.resp.Result)
	}
	return nil
}

// ControlTransferInSync performs a blocking device-to-host vendor transfer
// and returns the payload.
func (s *DeviceSession) ControlTransferInSync(recipient, reqType, request byte, value, index, length uint16, timeout time.Duration) ([]byte, error) {
	h := &controlHolder{}
	s.ControlTransferIn(func(r ControlResponse) {
		h.resp = r
		h.done = true
	}, recipient, reqType, request, value, index, length)
	if err := s.driveUntil(h, timeout); err != nil {
		return nil, err
	}
	if !h.resp.OK() {
		return nil, fmt.Errorf("usbio: control in failed: %v", h.resp.Result)
	}
	return h.resp.Data, nil
}

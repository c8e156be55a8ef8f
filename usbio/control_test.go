package usbio

import (
	"errors"
	"testing"
)

func outSetup(length int) SetupPacket {
	return SetupPacket{
		RequestType: RequestTypeVendor | RecipientDevice,
		Request:     3,
		Length:      uint16(length),
	}
}

func inSetup(length int) SetupPacket {
	return SetupPacket{
		RequestType: DirectionIn | RequestTypeVendor | RecipientDevice,
		Request:     4,
		Length:      uint16(length),
	}
}

func TestControlIssuesImmediatelyWhenEmpty(t *testing.T) {
	f := newFakePlatform()
	c := NewControlChannel(f)
	if !c.Pend(func(ControlResponse) {}, outSetup(0), nil) {
		t.Fatal("pend on an empty queue should enqueue")
	}
	if len(f.controlPkts) != 1 {
		t.Fatalf("submitted %d control transfers, want 1", len(f.controlPkts))
	}
}

func TestControlAtMostOneInFlight(t *testing.T) {
	f := newFakePlatform()
	c := NewControlChannel(f)
	c.Pend(func(ControlResponse) {}, outSetup(0), nil)
	c.Pend(func(ControlResponse) {}, outSetup(0), nil)
	c.Pend(func(ControlResponse) {}, outSetup(0), nil)
	if len(f.controlPkts) != 1 {
		t.Fatalf("submitted %d while head in flight, want 1", len(f.controlPkts))
	}
}

func TestControlFIFOAndExactlyOnce(t *testing.T) {
	f := newFakePlatform()
	c := NewControlChannel(f)
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		c.Pend(func(ControlResponse) { order = append(order, i) }, outSetup(0), nil)
	}
	for i := 0; i < 3; i++ {
		f.completeControl(nil, nil)
		c.Poll()
	}
	c.Poll() // queue empty, no-op
	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Fatalf("continuations ran %v, want [0 1 2]", order)
	}
}

func TestControlInPayloadDelivered(t *testing.T) {
	f := newFakePlatform()
	c := NewControlChannel(f)
	var resp ControlResponse
	c.Pend(func(r ControlResponse) { resp = r }, inSetup(4), nil)
	f.completeControl([]byte{1, 2, 3, 4}, nil)
	c.Poll()
	if !resp.OK() {
		t.Fatalf("result = %v, want success", resp.Result)
	}
	if len(resp.Data) != 4 || resp.Data[0] != 1 || resp.Data[3] != 4 {
		t.Fatalf("payload = %v", resp.Data)
	}
	if resp.Setup.Request != 4 {
		t.Fatal("setup packet not echoed")
	}
}

func TestControlOutPayloadCopiedToSlot(t *testing.T) {
	f := newFakePlatform()
	c := NewControlChannel(f)
	payload := []byte{9, 8, 7}
	c.Pend(func(ControlResponse) {}, outSetup(3), payload)
	f.mu.Lock()
	got := append([]byte(nil), f.control[0].Buffer()[:3]...)
	f.mu.Unlock()
	if got[0] != 9 || got[1] != 8 || got[2] != 7 {
		t.Fatalf("slot buffer = %v, want payload", got)
	}
}

func TestControlPoisonedPendFailsSynthetically(t *testing.T) {
	f := newFakePlatform()
	c := NewControlChannel(f)
	c.Poison(EventCommunicationError)
	called := false
	enq := c.Pend(func(r ControlResponse) {
		called = true
		if r.Result != EventCommunicationError {
			t.Fatalf("synthetic result = %v", r.Result)
		}
		if len(r.Data) != 0 {
			t.Fatal("synthetic response should carry an empty payload")
		}
	}, inSetup(4), nil)
	if enq {
		t.Fatal("poisoned pend should not enqueue")
	}
	if !called {
		t.Fatal("continuation must still run exactly once")
	}
	if len(f.controlPkts) != 0 {
		t.Fatal("poisoned pend must not touch the platform")
	}
}

func TestControlIssueFailurePoisons(t *testing.T) {
	f := newFakePlatform()
	f.controlErr = errors.New("no device")
	c := NewControlChannel(f)
	var resp ControlResponse
	ok := c.Pend(func(r ControlResponse) { resp = r }, outSetup(0), nil)
	if ok {
		t.Fatal("failed issue should report not-issued")
	}
	if resp.Result != EventUndefined {
		t.Fatalf("placeholder result = %v, want undefined", resp.Result)
	}
	if c.StopCode() != EventCommunicationError {
		t.Fatalf("stop code = %v, want communication error", c.StopCode())
	}
}

func TestControlCloseTerminatesQueueSynthetically(t *testing.T) {
	f := newFakePlatform()
	c := NewControlChannel(f)
	var results []DeviceEvent
	for i := 0; i < 3; i++ {
		c.Pend(func(r ControlResponse) { results = append(results, r.Result) }, outSetup(0), nil)
	}
	// the head's completion is already in flight in the driver
	f.completeControl(nil, nil)
	c.Close()
	if len(results) != 3 {
		t.Fatalf("%d continuations ran, want 3", len(results))
	}
	if results[0] != EventNone {
		t.Fatalf("head result = %v, want success", results[0])
	}
	if results[1] != EventUndefined || results[2] != EventUndefined {
		t.Fatalf("queued results = %v, want undefined", results[1:])
	}
}

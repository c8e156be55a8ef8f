package usbio

import (
	"bytes"
	"errors"
	"testing"
)

const testPipe = 0x82

func poolInvariant(t *testing.T, ep *BulkInEndpoint) {
	t.Helper()
	if got := len(ep.free) + len(ep.pending); got != ep.transfers {
		t.Fatalf("free(%d) + pending(%d) = %d, want pool size %d",
			len(ep.free), len(ep.pending), got, ep.transfers)
	}
}

func TestEndpointStartIssuesPool(t *testing.T) {
	f := newFakePlatform()
	ep := NewBulkInEndpoint(f, testPipe, 4, 512, nil, nil, nil)
	if err := ep.Start(); err != nil {
		t.Fatal(err)
	}
	if got := f.outstanding(testPipe); got != 4 {
		t.Fatalf("outstanding transfers = %d, want 4", got)
	}
	if len(ep.pending) != 4 || len(ep.free) != 0 {
		t.Fatalf("pending=%d free=%d after start", len(ep.pending), len(ep.free))
	}
	poolInvariant(t, ep)
}

func TestEndpointTransferSizeRounding(t *testing.T) {
	f := newFakePlatform()
	ep := NewBulkInEndpoint(f, testPipe, 1, 513, nil, nil, nil)
	if ep.transferSize != 1024 {
		t.Fatalf("transfer size = %d, want 1024", ep.transferSize)
	}
}

func TestEndpointStartTwice(t *testing.T) {
	f := newFakePlatform()
	ep := NewBulkInEndpoint(f, testPipe, 1, 512, nil, nil, nil)
	if err := ep.Start(); err != nil {
		t.Fatal(err)
	}
	if err := ep.Start(); err == nil {
		t.Fatal("second start should fail while running")
	}
}

func TestEndpointDataDeliveredInOrderAndReissued(t *testing.T) {
	f := newFakePlatform()
	var got [][]byte
	sink := func(b []byte) bool {
		got = append(got, append([]byte(nil), b...))
		return false
	}
	ep := NewBulkInEndpoint(f, testPipe, 3, 512, sink, nil, nil)
	ep.Start()
	f.completeBulk(testPipe, []byte{1, 1})
	f.completeBulk(testPipe, []byte{2, 2, 2})
	if stop := ep.Poll(); stop {
		t.Fatal("poll requested teardown")
	}
	if len(got) != 2 {
		t.Fatalf("sink saw %d transfers, want 2", len(got))
	}
	if !bytes.Equal(got[0], []byte{1, 1}) || !bytes.Equal(got[1], []byte{2, 2, 2}) {
		t.Fatalf("sink slices wrong: %v", got)
	}
	// both completed slots were reissued
	if got := f.outstanding(testPipe); got != 3 {
		t.Fatalf("outstanding = %d, want 3", got)
	}
	poolInvariant(t, ep)
}

func TestEndpointFIFOPreservedOnOutOfOrderCompletion(t *testing.T) {
	f := newFakePlatform()
	var got [][]byte
	sink := func(b []byte) bool {
		got = append(got, append([]byte(nil), b...))
		return false
	}
	ep := NewBulkInEndpoint(f, testPipe, 3, 512, sink, nil, nil)
	ep.Start()
	// the second-issued transfer completes first; the head is untouched
	f.completeBulkAt(testPipe, 1, []byte{2})
	ep.Poll()
	if len(got) != 0 {
		t.Fatalf("sink ran before the head completed: %v", got)
	}
	f.completeBulkAt(testPipe, 0, []byte{1})
	ep.Poll()
	if len(got) != 2 || got[0][0] != 1 || got[1][0] != 2 {
		t.Fatalf("completions delivered out of order: %v", got)
	}
	poolInvariant(t, ep)
}

func TestEndpointSinkStopHalts(t *testing.T) {
	f := newFakePlatform()
	var stopCode DeviceEvent = -1
	var stopMsg string
	sink := func(b []byte) bool { return true }
	stop := func(code DeviceEvent, msg string) {
		stopCode = code
		stopMsg = msg
	}
	ep := NewBulkInEndpoint(f, testPipe, 2, 512, sink, nil, stop)
	ep.Start()
	f.completeBulk(testPipe, []byte{1})
	if !ep.Poll() {
		t.Fatal("poll should request teardown after sink stop")
	}
	if ep.StopCode() != EventCallbackStop {
		t.Fatalf("stop code = %v, want callback stop", ep.StopCode())
	}
	ep.Stop()
	if stopCode != EventCallbackStop || stopMsg == "" {
		t.Fatalf("stop callback got (%v, %q)", stopCode, stopMsg)
	}
	poolInvariant(t, ep)
}

func TestEndpointSinkPanicIsCallbackException(t *testing.T) {
	f := newFakePlatform()
	sink := func(b []byte) bool { panic("boom") }
	ep := NewBulkInEndpoint(f, testPipe, 2, 512, sink, nil, nil)
	ep.Start()
	f.completeBulk(testPipe, []byte{1})
	if !ep.Poll() {
		t.Fatal("poll should request teardown after sink panic")
	}
	if ep.StopCode() != EventCallbackException {
		t.Fatalf("stop code = %v, want callback exception", ep.StopCode())
	}
}

func TestEndpointFatalTransferError(t *testing.T) {
	f := newFakePlatform()
	ep := NewBulkInEndpoint(f, testPipe, 2, 512, nil, nil, nil)
	ep.Start()
	f.failBulk(testPipe, errors.New("yanked"))
	if !ep.Poll() {
		t.Fatal("poll should request teardown on a fatal transfer error")
	}
	if ep.StopCode() != EventCommunicationError {
		t.Fatalf("stop code = %v, want communication error", ep.StopCode())
	}
	poolInvariant(t, ep)
}

func TestEndpointFirstHaltWins(t *testing.T) {
	f := newFakePlatform()
	ep := NewBulkInEndpoint(f, testPipe, 2, 512, nil, nil, nil)
	ep.Start()
	ep.halt(EventCommunicationError, "first")
	ep.halt(EventCallbackStop, "second")
	if ep.StopCode() != EventCommunicationError || ep.stopMessage != "first" {
		t.Fatalf("halt overwritten: (%v, %q)", ep.StopCode(), ep.stopMessage)
	}
}

func TestEndpointNotifyIfAny(t *testing.T) {
	f := newFakePlatform()
	ticks := 0
	notify := func() bool { ticks++; return false }
	ep := NewBulkInEndpoint(f, testPipe, 2, 512, func([]byte) bool { return false }, notify, nil)
	ep.Start()
	if ep.NotifyIfAny() {
		t.Fatal("notify before any completion")
	}
	if ticks != 0 {
		t.Fatal("notify ticked with no completed transfers")
	}
	f.completeBulk(testPipe, []byte{1})
	ep.Poll()
	ep.NotifyIfAny()
	ep.NotifyIfAny()
	if ticks != 1 {
		t.Fatalf("notify ticked %d times, want 1", ticks)
	}
}

func TestEndpointNotifyPanicStops(t *testing.T) {
	f := newFakePlatform()
	notify := func() bool { panic("boom") }
	ep := NewBulkInEndpoint(f, testPipe, 2, 512, func([]byte) bool { return false }, notify, nil)
	ep.Start()
	f.completeBulk(testPipe, []byte{1})
	ep.Poll()
	if !ep.NotifyIfAny() {
		t.Fatal("notify panic should request teardown")
	}
}

func TestEndpointStopIsIdempotent(t *testing.T) {
	f := newFakePlatform()
	stops := 0
	stop := func(code DeviceEvent, msg string) { stops++ }
	ep := NewBulkInEndpoint(f, testPipe, 2, 512, nil, nil, stop)
	ep.Start()
	ep.Stop()
	ep.Stop()
	if stops != 1 {
		t.Fatalf("stop callback ran %d times, want 1", stops)
	}
	if f.aborts[testPipe] != 1 {
		t.Fatalf("pipe aborted %d times, want 1", f.aborts[testPipe])
	}
	if ep.StopCode() != EventUndefined {
		t.Fatalf("stop code = %v, want undefined default", ep.StopCode())
	}
	poolInvariant(t, ep)
}

func TestEndpointOversizedCompletionPanics(t *testing.T) {
	f := newFakePlatform()
	ep := NewBulkInEndpoint(f, testPipe, 1, 512, func([]byte) bool { return false }, nil, nil)
	ep.Start()
	f.mu.Lock()
	slot := f.bulk[testPipe][0]
	f.bulk[testPipe] = nil
	f.mu.Unlock()
	slot.Complete(1024, nil)
	defer func() {
		if recover() == nil {
			t.Fatal("oversized completion should panic")
		}
	}()
	ep.Poll()
}

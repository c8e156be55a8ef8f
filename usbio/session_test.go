package usbio

import (
	"errors"
	"testing"
	"time"
)

func TestSessionAddInStreamComputesPipeID(t *testing.T) {
	f := newFakePlatform()
	s, err := OpenSession(f, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AddInStream(2, 2, 512, nil, nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.endpoints[0x82]; !ok {
		t.Fatalf("endpoint keyed %v, want 0x82", s.endpoints)
	}
	if f.outstanding(0x82) != 2 {
		t.Fatalf("outstanding = %d, want 2", f.outstanding(0x82))
	}
}

func TestSessionAddInStreamReplacesExisting(t *testing.T) {
	f := newFakePlatform()
	s, _ := OpenSession(f, nil)
	stops := 0
	s.AddInStream(2, 2, 512, nil, nil, func(DeviceEvent, string) { stops++ })
	s.AddInStream(2, 3, 512, nil, nil, nil)
	if stops != 1 {
		t.Fatalf("old endpoint stopped %d times, want 1", stops)
	}
	if f.outstanding(0x82) != 3 {
		t.Fatalf("outstanding = %d, want 3 from the replacement", f.outstanding(0x82))
	}
}

func TestSessionRemoveInStream(t *testing.T) {
	f := newFakePlatform()
	s, _ := OpenSession(f, nil)
	s.AddInStream(2, 2, 512, nil, nil, nil)
	s.RemoveInStream(2)
	if len(s.endpoints) != 0 {
		t.Fatal("endpoint not removed")
	}
	s.RemoveInStream(2) // absent: no-op
}

func TestSessionProcessDispatchesDataThenNotify(t *testing.T) {
	f := newFakePlatform()
	s, _ := OpenSession(f, nil)
	var calls []string
	s.AddInStream(2, 2, 512,
		func(b []byte) bool { calls = append(calls, "data"); return false },
		func() bool { calls = append(calls, "notify"); return false },
		nil)
	f.completeBulk(0x82, []byte{1})
	s.Process(10 * time.Millisecond)
	if len(calls) != 2 || calls[0] != "data" || calls[1] != "notify" {
		t.Fatalf("calls = %v, want [data notify]", calls)
	}
}

func TestSessionProcessTimesOutQuietly(t *testing.T) {
	f := newFakePlatform()
	s, _ := OpenSession(f, nil)
	start := time.Now()
	s.Process(20 * time.Millisecond)
	if time.Since(start) < 15*time.Millisecond {
		t.Fatal("process returned before the timeout with nothing signaled")
	}
}

func TestSessionAbortSingleShot(t *testing.T) {
	f := newFakePlatform()
	aborts := 0
	s, _ := OpenSession(f, func(code DeviceEvent, msg string) { aborts++ })
	s.AddInStream(1, 1, 512, nil, nil, nil)
	s.AddInStream(2, 1, 512, nil, nil, nil)
	// both endpoints fail in the same tick
	f.failBulk(0x81, errors.New("gone"))
	f.failBulk(0x82, errors.New("gone"))
	s.Process(10 * time.Millisecond)
	if aborts != 1 {
		t.Fatalf("event callback ran %d times, want exactly 1", aborts)
	}
	if len(s.endpoints) != 0 {
		t.Fatal("abort should discard every endpoint")
	}
	if s.control.StopCode() == EventNone {
		t.Fatal("abort should record a stop cause on the control channel")
	}
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	f := newFakePlatform()
	s, _ := OpenSession(f, nil)
	s.AddInStream(2, 1, 512, nil, nil, nil)
	s.Close()
	s.Close()
	if !f.closed {
		t.Fatal("platform not closed")
	}
}

func TestSessionSyncControlInRoundTrip(t *testing.T) {
	f := newFakePlatform()
	s, _ := OpenSession(f, nil)
	go func() {
		// emulate the device answering shortly after submission
		for {
			f.mu.Lock()
			n := len(f.control)
			f.mu.Unlock()
			if n > 0 {
				break
			}
			time.Sleep(time.Millisecond)
		}
		f.completeControl([]byte{0xAA, 0xBB}, nil)
	}()
	data, err := s.ControlTransferInSync(RecipientDevice, RequestTypeVendor, 4, 0, 0, 2, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 2 || data[0] != 0xAA {
		t.Fatalf("payload = %v", data)
	}
}

func TestSessionSyncControlTimeout(t *testing.T) {
	f := newFakePlatform()
	s, _ := OpenSession(f, nil)
	_, err := s.ControlTransferInSync(RecipientDevice, RequestTypeVendor, 4, 0, 0, 2, 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
}

func TestSessionProcessNotReentrant(t *testing.T) {
	f := newFakePlatform()
	s, _ := OpenSession(f, nil)
	panicked := false
	s.AddInStream(2, 1, 512, func(b []byte) bool {
		defer func() {
			if recover() != nil {
				panicked = true
			}
		}()
		s.Process(time.Millisecond)
		return false
	}, nil, nil)
	f.completeBulk(0x82, []byte{1})
	s.Process(10 * time.Millisecond)
	if !panicked {
		t.Fatal("nested Process call should panic")
	}
}

package trace

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync/atomic"
	"time"

	"github.com/petertorelli/joulescope-go/usbio"
)

const (
	sessionPollTimeout = time.Second
	writerPollTimeout  = 10 * time.Millisecond
	joinDeadline       = 10 * time.Second
)

// ErrJoinTimeout means a trace loop failed to exit within the join
// deadline, which is a protocol bug, not a recoverable condition.
var ErrJoinTimeout = errors.New("trace: loop failed to exit")

// Supervisor runs the two cooperating trace loops: the session loop that
// advances the USB engine and the writer loop that reaps page-write
// completions.  Cancellation is a shared spinning flag sampled each
// iteration.
type Supervisor struct {
	session *usbio.DeviceSession
	ring    *WriteRing
	out     io.Writer
	fatalFn func(error)

	spinning    atomic.Bool
	sessionDone chan struct{}
	writerDone  chan struct{}
}

// NewSupervisor binds the session and write ring.  A session-loop panic is
// reported on out in the line protocol's error form; the writer loop does
// not recover panics.  Unrecoverable writer errors go to fatalFn.
func NewSupervisor(session *usbio.DeviceSession, ring *WriteRing, out io.Writer, fatalFn func(error)) *Supervisor {
	return &Supervisor{session: session, ring: ring, out: out, fatalFn: fatalFn}
}

// Running reports whether the loops are spinning.
func (s *Supervisor) Running() bool { return s.spinning.Load() }

// Start launches the session and writer loops.
func (s *Supervisor) Start() {
	s.spinning.Store(true)
	s.sessionDone = make(chan struct{})
	s.writerDone = make(chan struct{})
	go s.sessionLoop()
	go s.writerLoop()
}

func (s *Supervisor) sessionLoop() {
	defer close(s.sessionDone)
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(s.out, "e-[Thread runtime error: %v]\n", r)
			s.spinning.Store(false)
		}
	}()
	for s.spinning.Load() {
		s.session.Process(sessionPollTimeout)
	}
}

func (s *Supervisor) writerLoop() {
	defer close(s.writerDone)
	for s.spinning.Load() {
		if err := s.ring.Wait(writerPollTimeout); err != nil {
			log.Printf("trace: writer: %v", err)
			if s.fatalFn != nil {
				s.fatalFn(err)
			}
			return
		}
	}
}

// Stop clears the spinning flag and joins both loops.  Exceeding the join
// deadline is fatal.
func (s *Supervisor) Stop() error {
	if !s.spinning.Swap(false) {
		return nil
	}
	deadline := time.NewTimer(joinDeadline)
	defer deadline.Stop()
	for _, done := range []chan struct{}{s.sessionDone, s.writerDone} {
		select {
		case <-done:
		case <-deadline.C:
			return ErrJoinTimeout
		}
	}
	return nil
}

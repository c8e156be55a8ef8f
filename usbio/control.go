package usbio

import (
	"fmt"
	"log"
	"time"
)

// controlBufferSize bounds a single vendor transfer; requests are small.
const controlBufferSize = 4096

// ControlResponse is delivered to a command's continuation exactly once.
// Result is EventNone on success; synthetic responses (shutdown, issue
// failure, poisoned channel) carry a non-None code and an empty payload.
type ControlResponse struct {
	Setup  SetupPacket
	Result DeviceEvent
	Data   []byte
}

// OK reports whether the transfer completed successfully.
func (r ControlResponse) OK() bool { return r.Result == EventNone }

// ControlCallback is the single-shot continuation of a submitted command.
type ControlCallback func(ControlResponse)

type controlCommand struct {
	callback ControlCallback
	setup    SetupPacket
	data     []byte
}

// ControlChannel serializes vendor control transfers over the endpoint-0
// pipe: at most one in flight, a FIFO of pending commands, and a
// continuation invoked exactly once per command.
type ControlChannel struct {
	platform  Platform
	event     *Event
	slot      *TransferSlot
	commands  []controlCommand
	stopCode  DeviceEvent
	timeStart time.Time
}

// NewControlChannel builds and opens a control channel on p.
func NewControlChannel(p Platform) *ControlChannel {
	c := &ControlChannel{platform: p, stopCode: EventNone}
	c.event = NewEvent()
	c.slot = NewTransferSlot(c.event, controlBufferSize)
	return c
}

// Event returns the completion event the session waits on.
func (c *ControlChannel) Event() *Event { return c.event }

// StopCode returns the poison code, or EventNone.
func (c *ControlChannel) StopCode() DeviceEvent { return c.stopCode }

// Poison records a stop cause if none is set; further submissions fail
// synthetically.
func (c *ControlChannel) Poison(code DeviceEvent) {
	if c.stopCode == EventNone {
		c.stopCode = code
	}
}

// Pend enqueues a command.  If the channel is poisoned the continuation is
// invoked immediately with a synthetic failure and Pend returns false.
// If the queue was empty the command is issued at once.
func (c *ControlChannel) Pend(cbk ControlCallback, setup SetupPacket, data []byte) bool {
	if c.stopCode != EventNone {
		cbk(ControlResponse{Setup: setup, Result: c.stopCode})
		return false
	}
	wasEmpty := len(c.commands) == 0
	c.commands = append(c.commands, controlCommand{callback: cbk, setup: setup, data: data})
	if wasEmpty {
		return c.issue()
	}
	return true
}

// issue submits the head command.  A synchronous failure that is not
// "pending" poisons the channel, fails the head's continuation, and
// terminates every other queued command with EventUndefined; the queue is
// left empty.
func (c *ControlChannel) issue() bool {
	if len(c.commands) == 0 {
		return true
	}
	head := c.commands[0]
	c.slot.Reset()
	if !head.setup.In() && head.setup.Length > 0 {
		copy(c.slot.Buffer(), head.data)
	}
	err := c.platform.SubmitControl(head.setup, c.slot)
	c.timeStart = time.Now()
	if err != nil && err != ErrIOPending {
		log.Printf("usbio: control issue failed: %v", err)
		if c.stopCode == EventNone {
			c.stopCode = EventCommunicationError
		}
		rest := c.commands[1:]
		c.commands = nil
		head.callback(ControlResponse{Setup: head.setup, Result: EventUndefined})
		for _, cmd := range rest {
			cmd.callback(ControlResponse{Setup: cmd.setup, Result: EventUndefined})
		}
		return false
	}
	return true
}

// finish reaps the in-flight transfer and delivers the response.
func (c *ControlChannel) finish(cmd controlCommand) {
	resp := ControlResponse{Setup: cmd.setup}
	n, err := c.platform.TransferResult(c.slot, true)
	if err != nil {
		if err != ErrIOIncomplete && err != ErrIOPending {
			c.event.Reset()
		}
		resp.Result = EventCommunicationError
	} else {
		c.event.Reset()
		if cmd.setup.In() && cmd.setup.Length > 0 {
			if n > len(c.slot.Buffer()) {
				panic(fmt.Sprintf("usbio: control transferred %d bytes into a %d byte buffer", n, len(c.slot.Buffer())))
			}
			resp.Data = append([]byte(nil), c.slot.Buffer()[:cmd.setup.Length]...)
		}
	}
	cmd.callback(resp)
}

// Poll advances the channel by one non-blocking tick: reap a completion if
// the event is signaled, deliver it, and issue the next command.
func (c *ControlChannel) Poll() {
	if len(c.commands) == 0 || c.event == nil {
		return
	}
	if !c.event.IsSet() {
		return
	}
	cmd := c.commands[0]
	c.commands = c.commands[1:]
	c.finish(cmd)
	if c.stopCode == EventNone {
		c.issue()
	} else {
		c.closeEvent()
	}
}

func (c *ControlChannel) closeEvent() {
	c.event = nil
	c.slot = nil
}

// Close terminates the channel.  The head command, already in flight in
// the driver, is allowed to deliver its completion; every other queued
// command is terminated synthetically with EventUndefined and an empty
// payload.
func (c *ControlChannel) Close() {
	commands := c.commands
	c.commands = nil
	if len(commands) > 0 {
		head := commands[0]
		commands = commands[1:]
		c.finish(head)
		for _, cmd := range commands {
			cmd.callback(ControlResponse{Setup: cmd.setup, Result: EventUndefined})
		}
	}
	c.closeEvent()
}

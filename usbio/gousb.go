package usbio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"
)

// USB is the gousb-backed Platform.  Asynchronous submission is expressed
// as one goroutine per in-flight transfer: the goroutine performs the
// (blocking) gousb read, records the outcome in the slot, and signals the
// slot's completion event.  AbortPipe cancels the per-pipe context, which
// completes every outstanding read with ErrOperationAborted.
type USB struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	intf *gousb.Interface
	done func()

	mu    sync.Mutex
	eps   map[byte]*gousb.InEndpoint
	pipes map[byte]*pipeContext
}

type pipeContext struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// OpenUSB opens the device matching vid/pid and, when serial is non-empty,
// the matching serial-number descriptor.  The first match wins.
func OpenUSB(vid, pid uint16, serial string) (*USB, error) {
	ctx := gousb.NewContext()
	devs, err := ctx.OpenDevices(func(d *gousb.DeviceDesc) bool {
		return d.Vendor == gousb.ID(vid) && d.Product == gousb.ID(pid)
	})
	if err != nil {
		for _, d := range devs {
			d.Close()
		}
		ctx.Close()
		return nil, fmt.Errorf("usbio: enumerate %04x:%04x: %w", vid, pid, err)
	}
	var chosen *gousb.Device
	for _, d := range devs {
		if chosen != nil {
			d.Close()
			continue
		}
		if serial == "" {
			chosen = d
			continue
		}
		sn, err := d.SerialNumber()
		if err == nil && sn == serial {
			chosen = d
		} else {
			d.Close()
		}
	}
	if chosen == nil {
		ctx.Close()
		return nil, fmt.Errorf("%w: no device %04x:%04x serial %q", ErrCannotOpen, vid, pid, serial)
	}
	if err := chosen.SetAutoDetach(true); err != nil {
		chosen.Close()
		ctx.Close()
		return nil, fmt.Errorf("usbio: auto detach: %w", err)
	}
	intf, done, err := chosen.DefaultInterface()
	if err != nil {
		chosen.Close()
		ctx.Close()
		return nil, fmt.Errorf("usbio: claim interface: %w", err)
	}
	return &USB{
		ctx:   ctx,
		dev:   chosen,
		intf:  intf,
		done:  done,
		eps:   make(map[byte]*gousb.InEndpoint),
		pipes: make(map[byte]*pipeContext),
	}, nil
}

// ListSerials returns the serial numbers of every attached vid/pid device.
func ListSerials(vid, pid uint16) ([]string, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()
	devs, err := ctx.OpenDevices(func(d *gousb.DeviceDesc) bool {
		return d.Vendor == gousb.ID(vid) && d.Product == gousb.ID(pid)
	})
	if err != nil {
		for _, d := range devs {
			d.Close()
		}
		return nil, err
	}
	var serials []string
	for _, d := range devs {
		if sn, err := d.SerialNumber(); err == nil {
			serials = append(serials, sn)
		}
		d.Close()
	}
	return serials, nil
}

// Path identifies the open device for the line protocol's init reply.
func (u *USB) Path() string {
	if u.dev == nil {
		return ""
	}
	sn, err := u.dev.SerialNumber()
	if err != nil {
		return u.dev.String()
	}
	return fmt.Sprintf("%s#%s", u.dev.String(), sn)
}

func (u *USB) endpoint(pipeID byte) (*gousb.InEndpoint, *pipeContext, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	ep, ok := u.eps[pipeID]
	if !ok {
		var err error
		ep, err = u.intf.InEndpoint(int(pipeID & 0x7F))
		if err != nil {
			return nil, nil, fmt.Errorf("usbio: in endpoint 0x%02x: %w", pipeID, err)
		}
		u.eps[pipeID] = ep
	}
	pc, ok := u.pipes[pipeID]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		pc = &pipeContext{ctx: ctx, cancel: cancel}
		u.pipes[pipeID] = pc
	}
	return ep, pc, nil
}

// SubmitBulkIn starts an asynchronous read into the slot.
func (u *USB) SubmitBulkIn(pipeID byte, slot *TransferSlot) error {
	ep, pc, err := u.endpoint(pipeID)
	if err != nil {
		return err
	}
	go func() {
		n, err := ep.ReadContext(pc.ctx, slot.Buffer())
		slot.Complete(n, mapTransferError(err))
	}()
	return ErrIOPending
}

// SubmitControl starts an asynchronous endpoint-0 transfer into the slot.
func (u *USB) SubmitControl(setup SetupPacket, slot *TransferSlot) error {
	buf := slot.Buffer()[:setup.Length]
	go func() {
		n, err := u.dev.Control(setup.RequestType, setup.Request, setup.Value, setup.Index, buf)
		slot.Complete(n, mapTransferError(err))
	}()
	return ErrIOPending
}

// TransferResult reaps a completion from the slot.
func (u *USB) TransferResult(slot *TransferSlot, wait bool) (int, error) {
	return slot.Result(wait)
}

// AbortPipe cancels every outstanding transfer on the pipe.
func (u *USB) AbortPipe(pipeID byte) error {
	u.mu.Lock()
	pc, ok := u.pipes[pipeID]
	if ok {
		delete(u.pipes, pipeID)
	}
	u.mu.Unlock()
	if ok {
		pc.cancel()
	}
	return nil
}

// SetPipeTimeout applies the driver timeout policy.  Only the control pipe
// carries one here; gousb bulk reads are bounded by their pipe context.
func (u *USB) SetPipeTimeout(pipeID byte, d time.Duration) error {
	if pipeID == 0 {
		u.dev.ControlTimeout = d
	}
	return nil
}

// Close releases the interface, device, and context.
func (u *USB) Close() error {
	u.mu.Lock()
	for id, pc := range u.pipes {
		pc.cancel()
		delete(u.pipes, id)
	}
	u.mu.Unlock()
	if u.done != nil {
		u.done()
		u.done = nil
	}
	var err error
	if u.dev != nil {
		err = u.dev.Close()
		u.dev = nil
	}
	if u.ctx != nil {
		if cerr := u.ctx.Close(); err == nil {
			err = cerr
		}
		u.ctx = nil
	}
	return err
}

func mapTransferError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return ErrOperationAborted
	case errors.Is(err, gousb.TransferCancelled):
		return ErrOperationAborted
	}
	return err
}

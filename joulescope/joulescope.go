/*Package joulescope implements the JS110 energy probe device layer:
discovery by serial number, the vendor control requests that configure the
probe (SETTINGS, EXTIO, STATUS, CALIBRATION), power and streaming state,
and calibration retrieval.

All control traffic goes through the synchronous wrappers of the owning
usbio.DeviceSession, so none of these methods may be called while a
background goroutine is driving the session.
*/
package joulescope

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/petertorelli/joulescope-go/rawproc"
	"github.com/petertorelli/joulescope-go/usbio"
)

const (
	// VendorID and ProductID identify the JS110 on the bus.
	VendorID  = 0x16D0
	ProductID = 0x13BA

	// StreamingEndpointID is the bulk-in endpoint carrying sample packets.
	StreamingEndpointID = 2

	// MaxSampleRate is the probe's native sample rate.
	MaxSampleRate = 2000000

	packetVersion = 1

	streamTransfers     = 8
	streamTransferPkts  = 256
	controlTimeout      = time.Second
	statusLength        = 104
	statusVoltageOffset = 80
)

// ErrNotFound is returned when no probe matches the requested serial.
var ErrNotFound = errors.New("joulescope: no device found")

// Request is a vendor control request code.
type Request byte

const (
	RequestLoopbackWValue       Request = 1 // USB testing
	RequestLoopbackBuffer       Request = 2 // USB testing
	RequestSettings             Request = 3 // configure operation, incl. start streaming
	RequestStatus               Request = 4 // get current status (GET only)
	RequestSensorBootloader     Request = 5 // sensor bootloader operations
	RequestControllerBootloader Request = 6 // reboot into the controller bootloader
	RequestSerialNumber         Request = 7 // 16-bit unique serial number
	RequestCalibration          Request = 8 // calibration; wValue 0=factory, 1=active
	RequestExtIO                Request = 9 // get/set the external GPI/O settings
	RequestInfo                 Request = 10
	RequestTestMode             Request = 11
)

type packetType byte

const (
	packetSettings packetType = 1
	packetStatus   packetType = 2
	packetExtIO    packetType = 3
	packetInfo     packetType = 4
)

// TriggerSource selects the statistics trigger input.
type TriggerSource byte

const (
	TriggerAuto TriggerSource = 0
	TriggerGPI0 TriggerSource = 2
	TriggerGPI1 TriggerSource = 3
)

// SignalLSB maps a GPI line onto a sample LSB.
type SignalLSB byte

const (
	LSBNormal SignalLSB = 0
	LSBGPI0   SignalLSB = 2
	LSBGPI1   SignalLSB = 3
)

// IRange controls the MOSFET that connects +IN to +OUT.
type IRange byte

const (
	IRangeAuto IRange = 0x80
	IRangeOff  IRange = 0
)

// SensorPower controls the internal sensor-side power.
type SensorPower byte

const (
	SensorPowerOff SensorPower = 0
	SensorPowerOn  SensorPower = 1
)

// Streaming selects the sample stream state.
type Streaming byte

const (
	StreamingOff    Streaming = 0
	StreamingNormal Streaming = 3
)

const sourceRaw = 0xC0

// State mirrors the probe-side configuration pushed by the SETTINGS and
// EXTIO requests.
type State struct {
	ExtIO struct {
		TriggerSource TriggerSource
		CurrentLSB    SignalLSB
		VoltageLSB    SignalLSB
		GPI0          byte
		GPI1          byte
	}
	Settings struct {
		IRange      IRange
		SensorPower SensorPower
		Streaming   Streaming
		Options     byte
	}
}

func defaultState() State {
	var s State
	s.ExtIO.TriggerSource = TriggerAuto
	s.ExtIO.CurrentLSB = LSBNormal
	s.ExtIO.VoltageLSB = LSBNormal
	s.Settings.IRange = IRangeOff
	s.Settings.SensorPower = SensorPowerOn
	s.Settings.Streaming = StreamingOff
	return s
}

// Device is one open probe.
type Device struct {
	Session *usbio.DeviceSession

	usb         *usbio.USB
	state       State
	Calibration rawproc.Calibration
	open        bool
}

// Scan returns the serial numbers of every attached probe.
func Scan() ([]string, error) {
	return usbio.ListSerials(VendorID, ProductID)
}

// Open finds and opens a probe.  With an empty serial, the first probe
// found wins.  The device is configured into its default state and its
// active calibration is read back.
func Open(serial string, cbk usbio.EventCallback) (*Device, error) {
	d := &Device{state: defaultState()}
	op := func() error {
		usb, err := usbio.OpenUSB(VendorID, ProductID, serial)
		if err != nil {
			return err
		}
		d.usb = usb
		return nil
	}
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("%w: serial %q: %v", ErrNotFound, serial, err)
	}
	session, err := usbio.OpenSession(d.usb, cbk)
	if err != nil {
		d.usb.Close()
		return nil, err
	}
	d.Session = session
	if err := d.updateExtIO(); err != nil {
		d.Close()
		return nil, err
	}
	if err := d.updateSettings(); err != nil {
		d.Close()
		return nil, err
	}
	cal, err := d.readCalibration()
	if err != nil {
		d.Close()
		return nil, err
	}
	d.Calibration = cal
	d.open = true
	return d, nil
}

// Close releases the session and device.  Idempotent.
func (d *Device) Close() {
	if d.Session != nil {
		d.Session.Close()
		d.Session = nil
	}
	d.usb = nil
	d.open = false
}

// IsOpen reports whether the probe is open.
func (d *Device) IsOpen() bool { return d != nil && d.open }

// IsPowered reports whether the output rail is connected.
func (d *Device) IsPowered() bool { return d.state.Settings.IRange == IRangeAuto }

// IsTracing reports whether the sample stream is on.
func (d *Device) IsTracing() bool { return d.state.Settings.Streaming != StreamingOff }

// Path identifies the open device for the init reply.
func (d *Device) Path() string {
	if d.usb == nil {
		return ""
	}
	return d.usb.Path()
}

// PowerOn connects (or disconnects) the output rail.  Powering on also
// maps GPI0 onto the current LSB so lap signals reach the sample stream.
func (d *Device) PowerOn(on bool) error {
	if on {
		d.state.ExtIO.CurrentLSB = LSBGPI0
		d.state.Settings.IRange = IRangeAuto
	} else {
		d.state.ExtIO.CurrentLSB = LSBNormal
		d.state.Settings.IRange = IRangeOff
	}
	if err := d.updateExtIO(); err != nil {
		return err
	}
	return d.updateSettings()
}

// StartStreaming turns the sample stream on and attaches the bulk-in
// endpoint with the supplied sinks.
func (d *Device) StartStreaming(data usbio.DataFunc, notify usbio.NotifyFunc, stop usbio.StopFunc) error {
	d.state.Settings.Streaming = StreamingNormal
	if err := d.updateSettings(); err != nil {
		return err
	}
	return d.Session.AddInStream(
		StreamingEndpointID,
		streamTransfers,
		streamTransferPkts*rawproc.PacketSize,
		data, notify, stop)
}

// StopStreaming removes the bulk-in endpoint and turns the stream off.
func (d *Device) StopStreaming() error {
	d.Session.RemoveInStream(StreamingEndpointID)
	d.state.Settings.Streaming = StreamingOff
	return d.updateSettings()
}

// Voltage performs a blocking STATUS read and returns the 2-second mean
// output voltage in millivolts.
func (d *Device) Voltage() (uint, error) {
	data, err := d.Session.ControlTransferInSync(
		usbio.RecipientDevice, usbio.RequestTypeVendor, byte(RequestStatus),
		0, 0, statusLength, controlTimeout)
	if err != nil {
		return 0, err
	}
	if len(data) != statusLength {
		return 0, fmt.Errorf("joulescope: status response was %d bytes, want %d", len(data), statusLength)
	}
	raw := binary.LittleEndian.Uint32(data[statusVoltageOffset:])
	v := float64(raw) / float64(uint32(1)<<17) * 1000
	return uint(v), nil
}

// updateExtIO pushes the 24-byte EXTIO payload.
func (d *Device) updateExtIO() error {
	buf := make([]byte, 24)
	buf[0] = packetVersion
	buf[1] = byte(len(buf))
	buf[2] = byte(packetExtIO)
	buf[9] = byte(d.state.ExtIO.TriggerSource)
	buf[10] = byte(d.state.ExtIO.CurrentLSB)
	buf[11] = byte(d.state.ExtIO.VoltageLSB)
	buf[12] = d.state.ExtIO.GPI0
	buf[13] = d.state.ExtIO.GPI1
	// io_voltage: 5000 mV
	binary.LittleEndian.PutUint32(buf[20:], 5000)
	return d.Session.ControlTransferOutSync(
		usbio.RecipientDevice, usbio.RequestTypeVendor, byte(RequestExtIO),
		0, 0, buf, controlTimeout)
}

// updateSettings pushes the 16-byte SETTINGS payload.
func (d *Device) updateSettings() error {
	buf := make([]byte, 16)
	buf[0] = packetVersion
	buf[1] = byte(len(buf))
	buf[2] = byte(packetSettings)
	buf[8] = byte(d.state.Settings.SensorPower)
	buf[9] = byte(d.state.Settings.IRange)
	buf[10] = sourceRaw
	buf[11] = d.state.Settings.Options
	buf[12] = byte(d.state.Settings.Streaming)
	return d.Session.ControlTransferOutSync(
		usbio.RecipientDevice, usbio.RequestTypeVendor, byte(RequestSettings),
		0, 0, buf, controlTimeout)
}

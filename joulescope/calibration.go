package joulescope

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/snksoft/crc"

	"github.com/petertorelli/joulescope-go/usbio"

	"github.com/petertorelli/joulescope-go/rawproc"
)

// The calibration lives in a tag file on the probe: a 32-byte header
// (16-byte magic, u64 payload length, 3 reserved bytes, a version byte,
// and a CRC-32 over the first 28 bytes) followed by tagged records.  The
// record tagged "AJS" holds a JSON document with the per-range gain and
// offset arrays.
const (
	calHeaderLength = 32
	calChunkLength  = 4096
	calActiveIndex  = 1
)

var (
	calMagicPrefix = []byte{0xD3, 't', 'a', 'g', 'f', 'm', 't'}
	crcTable       = crc.NewTable(crc.CRC32)
)

// hackNaNThreshold: the tag JSON spells unset entries as NaN, which JSON
// cannot carry, so they are rewritten to an impossibly large value before
// parsing and mapped back afterward.
const hackNaNThreshold = 1e19

type calDocument struct {
	Current struct {
		Offset []float64 `json:"offset"`
		Gain   []float64 `json:"gain"`
	} `json:"current"`
	Voltage struct {
		Offset []float64 `json:"offset"`
		Gain   []float64 `json:"gain"`
	} `json:"voltage"`
}

// readCalibration fetches the active calibration from the probe.
func (d *Device) readCalibration() (rawproc.Calibration, error) {
	var cal rawproc.Calibration
	hdr, err := d.Session.ControlTransferInSync(
		usbio.RecipientDevice, usbio.RequestTypeVendor, byte(RequestCalibration),
		calActiveIndex, 0, calHeaderLength, controlTimeout)
	if err != nil {
		return cal, err
	}
	length, err := parseCalHeader(hdr)
	if err != nil {
		return cal, err
	}
	raw := make([]byte, 0, length)
	for uint64(len(raw)) < length {
		chunk, err := d.Session.ControlTransferInSync(
			usbio.RecipientDevice, usbio.RequestTypeVendor, byte(RequestCalibration),
			calActiveIndex, 0, calChunkLength, controlTimeout)
		if err != nil {
			return cal, err
		}
		if len(chunk) == 0 {
			return cal, fmt.Errorf("joulescope: calibration read stalled at %d of %d bytes", len(raw), length)
		}
		raw = append(raw, chunk...)
	}
	return parseCalibration(raw)
}

// parseCalHeader validates the tag-file header and returns the payload
// length.
func parseCalHeader(hdr []byte) (uint64, error) {
	if len(hdr) < calHeaderLength {
		return 0, fmt.Errorf("joulescope: calibration header was %d bytes, want %d", len(hdr), calHeaderLength)
	}
	if !bytes.HasPrefix(hdr, calMagicPrefix) {
		return 0, fmt.Errorf("joulescope: calibration header magic mismatch")
	}
	stored := binary.LittleEndian.Uint32(hdr[28:32])
	computed := uint32(crcTable.CalculateCRC(hdr[:28]))
	if stored != computed {
		return 0, fmt.Errorf("joulescope: calibration header crc %08x, computed %08x", stored, computed)
	}
	return binary.LittleEndian.Uint64(hdr[16:24]), nil
}

// parseCalibration locates the AJS record in the raw tag data and decodes
// its JSON into a calibration table.
func parseCalibration(raw []byte) (rawproc.Calibration, error) {
	cal := rawproc.DefaultCalibration()
	pos := bytes.Index(raw, []byte("AJS"))
	if pos < 0 {
		return cal, fmt.Errorf("joulescope: calibration is missing the AJS record")
	}
	if pos+8 > len(raw) {
		return cal, fmt.Errorf("joulescope: truncated AJS record header")
	}
	tagLen := int(binary.LittleEndian.Uint32(raw[pos+4:]))
	start := pos + 8
	if start+tagLen > len(raw) {
		return cal, fmt.Errorf("joulescope: AJS record runs past the calibration data")
	}
	doc := bytes.ReplaceAll(raw[start:start+tagLen], []byte("NaN"), []byte("1e20"))
	var parsed calDocument
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return cal, fmt.Errorf("joulescope: calibration json: %w", err)
	}
	if len(parsed.Current.Offset) < 8 || len(parsed.Current.Gain) < 8 {
		return cal, fmt.Errorf("joulescope: current calibration vector too small")
	}
	if len(parsed.Voltage.Offset) < 2 || len(parsed.Voltage.Gain) < 2 {
		return cal, fmt.Errorf("joulescope: voltage calibration vector too small")
	}
	for i := 0; i < 8; i++ {
		cal.CurrentOffset[i] = hackNaN(parsed.Current.Offset[i])
		cal.CurrentGain[i] = hackNaN(parsed.Current.Gain[i])
	}
	for i := 0; i < 2; i++ {
		cal.VoltageOffset[i] = hackNaN(parsed.Voltage.Offset[i])
		cal.VoltageGain[i] = hackNaN(parsed.Voltage.Gain[i])
	}
	cal.Normalize()
	return cal, nil
}

func hackNaN(v float64) float32 {
	if v > hackNaNThreshold {
		return float32(math.NaN())
	}
	return float32(v)
}

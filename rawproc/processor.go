package rawproc

import (
	"fmt"
	"math"
)

const (
	suppressSamplesMax = 512
	suppressHistoryMax = 8

	// iRangeMissing is the pseudo-range assigned to missing samples.
	iRangeMissing = 8

	// windowFromTable selects per-transition window lengths from the
	// suppression matrix instead of a fixed override.
	windowFromTable = 255

	// bitsOverflow is the annotation byte emitted when the suppression
	// window outruns the sample buffer.
	bitsOverflow = 0xFF
)

// SuppressMode selects what happens to samples inside a range-switch
// glitch window.
type SuppressMode int

const (
	// SuppressOff emits every sample inline, glitches included.
	SuppressOff SuppressMode = iota

	// SuppressMean replaces window currents with the mean over the
	// surrounding pre/post context.
	SuppressMean

	// SuppressInterp replaces window currents with a linear ramp from the
	// last good pre-window current to the post-window current.
	SuppressInterp

	// SuppressNaN blanks the window with NaN.
	SuppressNaN
)

// ParseSuppressMode maps a config string to a SuppressMode.
func ParseSuppressMode(s string) (SuppressMode, error) {
	switch s {
	case "off":
		return SuppressOff, nil
	case "mean":
		return SuppressMean, nil
	case "interp":
		return SuppressInterp, nil
	case "nan":
		return SuppressNaN, nil
	}
	return SuppressOff, fmt.Errorf("rawproc: unknown suppress mode %q", s)
}

// Calibration holds the per-range (offset, gain) pairs.  Current range 7
// is "off" and always computes zero current.
type Calibration struct {
	CurrentOffset [8]float32
	CurrentGain   [8]float32
	VoltageOffset [2]float32
	VoltageGain   [2]float32
}

// DefaultCalibration is the identity calibration (gain 1, offset 0) with
// range 7 forced off.
func DefaultCalibration() Calibration {
	var cal Calibration
	for i := range cal.CurrentGain {
		cal.CurrentGain[i] = 1
	}
	cal.CurrentGain[7] = 0
	for i := range cal.VoltageGain {
		cal.VoltageGain[i] = 1
	}
	return cal
}

// Normalize forces the range-7 entries to compute zero current.
func (c *Calibration) Normalize() {
	c.CurrentOffset[7] = 0
	c.CurrentGain[7] = 0
}

// Charge coupling durations in samples at 2 MSPS when the current
// front-end gain changes, experimentally determined.  Indexed [to][from].
// The conservative table is the default; the aggressive table trades
// shorter windows for residual glitch energy and has no runtime
// configuration surface.
var suppressMatrixN = [9][9]uint8{
	//   0  1  2  3  4  5  6  7  8    from this current select
	{0, 5, 5, 5, 5, 5, 6, 6, 0}, // to 0
	{3, 0, 5, 5, 5, 6, 7, 8, 0}, // to 1
	{4, 4, 0, 6, 6, 7, 7, 8, 0}, // to 2
	{4, 4, 4, 0, 6, 6, 7, 7, 0}, // to 3
	{4, 4, 4, 4, 0, 6, 7, 6, 0}, // to 4
	{4, 4, 4, 4, 4, 0, 7, 6, 0}, // to 5
	{4, 4, 4, 4, 4, 4, 0, 6, 0}, // to 6
	{0, 0, 0, 0, 0, 0, 0, 0, 0}, // to 7 (off)
	{0, 0, 0, 0, 0, 0, 0, 0, 0}, // to 8 (missing)
}

var suppressMatrixM = [9][9]uint8{
	//   0  1  2  3  4  5  6  7  8
	{0, 3, 3, 3, 3, 3, 4, 4, 0}, // to 0
	{2, 0, 3, 3, 3, 4, 5, 6, 0}, // to 1
	{3, 3, 0, 4, 4, 5, 5, 6, 0}, // to 2
	{3, 3, 3, 0, 4, 4, 5, 5, 0}, // to 3
	{3, 3, 3, 3, 0, 4, 5, 4, 0}, // to 4
	{3, 3, 3, 3, 3, 0, 5, 4, 0}, // to 5
	{3, 3, 3, 3, 3, 3, 0, 4, 0}, // to 6
	{0, 0, 0, 0, 0, 0, 0, 0, 0}, // to 7 (off)
	{0, 0, 0, 0, 0, 0, 0, 0, 0}, // to 8 (missing)
}

// SampleFunc receives one calibrated sample.  bits packs the annotation:
// 3:0 current range, 4 current LSB (GPI0), 5 voltage LSB (GPI1).
type SampleFunc func(calI, calV float32, bits uint8)

// Processor converts raw samples to calibrated (i, v, bits) triples,
// suppressing the physical distortion that surrounds a current-range
// switch.  While a suppression window is open, samples are buffered in
// dCal/dBits and emitted together once the window closes.
type Processor struct {
	cal  Calibration
	emit SampleFunc

	dCal       [suppressSamplesMax][2]float32
	dBits      [suppressSamplesMax]uint8
	dHistory   [suppressHistoryMax][2]float32
	dHistIdx   int
	calIPre    float32
	idxOut     int
	isSkipping bool

	SampleCount        uint64
	SampleMissingCount uint64
	SkipCount          uint64
	SampleSyncCount    uint64
	ContiguousCount    uint64

	iRangeLast uint8

	suppressSamplesPre    int
	suppressSamplesWindow int
	suppressSamplesPost   int
	suppressCount         int
	mode                  SuppressMode

	// UseAggressiveWindows selects the aggressive window table.  There is
	// deliberately no configuration surface beyond this switch.
	UseAggressiveWindows bool

	sampleToggleLast uint16
	sampleToggleMask uint16
	voltageRange     int
}

// NewProcessor returns a processor with the identity calibration, the
// conservative window table, and interpolating suppression.
func NewProcessor(emit SampleFunc) *Processor {
	p := &Processor{
		cal:                   DefaultCalibration(),
		emit:                  emit,
		suppressSamplesPre:    2,
		suppressSamplesWindow: windowFromTable,
		suppressSamplesPost:   2,
		mode:                  SuppressInterp,
	}
	p.Reset()
	return p
}

// SetMode selects the suppression mode.
func (p *Processor) SetMode(m SuppressMode) { p.mode = m }

// SetCalibration installs a calibration table.
func (p *Processor) SetCalibration(cal Calibration) {
	cal.Normalize()
	p.cal = cal
}

// Reset clears all per-stream state.  Counters restart; the calibration
// and mode survive.
func (p *Processor) Reset() {
	p.SampleCount = 0
	p.SampleMissingCount = 0
	p.SkipCount = 0
	p.SampleSyncCount = 0
	p.ContiguousCount = 0
	p.isSkipping = true
	p.suppressCount = 0
	p.iRangeLast = 7
	p.sampleToggleLast = 0
	p.sampleToggleMask = 0
	p.voltageRange = 0
	p.idxOut = 0
	p.calIPre = float32(math.NaN())
	for i := range p.dHistory {
		p.dHistory[i][0] = 0
		p.dHistory[i][1] = 0
	}
	p.dHistIdx = 0
}

func (p *Processor) window(to, from uint8) int {
	if p.UseAggressiveWindows {
		return int(suppressMatrixM[to][from])
	}
	return int(suppressMatrixN[to][from])
}

// Process decodes one raw sample and advances the suppression state
// machine.  Emission happens through the processor's SampleFunc, possibly
// deferred until a window closes.
func (p *Processor) Process(rawI, rawV uint16) {
	var iRange uint8
	missing := false
	if rawI == 0xFFFF && rawV == 0xFFFF {
		missing = true
		iRange = iRangeMissing
		p.SampleMissingCount++
		p.ContiguousCount = 0
		if !p.isSkipping {
			p.SkipCount++
			p.isSkipping = true
		}
	} else {
		iRange = uint8(rawI&0x0003) | uint8(rawV&0x0001)<<2
		p.isSkipping = false
		p.ContiguousCount++
	}
	bits := iRange&0x0F | uint8(rawI&0x0004)<<2 | uint8(rawV&0x0004)<<3

	if iRange != p.iRangeLast && p.mode != SuppressOff {
		window := p.window(iRange, p.iRangeLast)
		if window != 0 && p.suppressSamplesWindow != windowFromTable {
			window = p.suppressSamplesWindow
		}
		if window != 0 {
			idx := p.idxOut + window + p.suppressSamplesPost
			if idx > p.suppressCount {
				p.suppressCount = idx
			}
		}
	}

	sampleToggle := rawV >> 1 & 0x1
	rawI >>= 2
	rawV >>= 2
	if (sampleToggle^p.sampleToggleLast^1)&p.sampleToggleMask != 0 && !missing {
		p.SkipCount++
		p.isSkipping = true
		p.SampleSyncCount++
	}
	p.sampleToggleLast = sampleToggle
	p.sampleToggleMask = 0x1

	var calI, calV float32
	if iRange > 7 {
		calI = float32(math.NaN())
		calV = float32(math.NaN())
	} else {
		calI = (float32(rawI) + p.cal.CurrentOffset[iRange]) * p.cal.CurrentGain[iRange]
		calV = (float32(rawV) + p.cal.VoltageOffset[p.voltageRange]) * p.cal.VoltageGain[p.voltageRange]
	}

	if p.idxOut < suppressSamplesMax {
		p.dBits[p.idxOut] = bits
		p.dCal[p.idxOut][0] = calI
		p.dCal[p.idxOut][1] = calV
	}

	if p.suppressCount > 0 {
		if p.suppressCount == 1 {
			p.closeWindow(calI)
			p.idxOut = 0
		} else {
			p.idxOut++
		}
		p.suppressCount--
	} else {
		p.historyInsert(calI, calV)
		p.SampleCount++
		p.emit(calI, calV, bits)
		if !missing {
			p.calIPre = calI
		}
		p.idxOut = 0
	}
	p.iRangeLast = iRange
}

// closeWindow emits the buffered window per the suppression mode.  calI is
// the calibrated current of the window's closing sample.
func (p *Processor) closeWindow(calI float32) {
	nan := float32(math.NaN())
	for p.idxOut >= suppressSamplesMax {
		p.emit(nan, nan, bitsOverflow)
		p.idxOut--
	}
	post := p.suppressSamplesPost
	body := p.idxOut + 1 - post
	if body < 0 {
		body = 0
	}

	switch p.mode {
	case SuppressMean:
		var sum float32
		n := 0
		idx := p.dHistIdx - p.suppressSamplesPre
		for idx < 0 {
			idx += suppressHistoryMax
		}
		for i := 0; i < p.suppressSamplesPre; i++ {
			for idx >= suppressHistoryMax {
				idx -= suppressHistoryMax
			}
			h := p.dHistory[idx][0]
			if !math.IsNaN(float64(h)) && !math.IsInf(float64(h), 0) {
				sum += h
				n++
			}
			idx++
		}
		for i := body; i < p.idxOut+1; i++ {
			sum += p.dCal[i][0]
			n++
		}
		mean := sum
		if n > 0 {
			mean = sum / float32(n)
		}
		for i := 0; i < body; i++ {
			p.SampleCount++
			p.emit(mean, p.dCal[i][1], p.dBits[i])
			p.historyInsert(mean, p.dCal[i][1])
		}

	case SuppressInterp:
		y1 := calI
		y0 := p.calIPre
		if math.IsNaN(float64(y0)) || math.IsInf(float64(y0), 0) {
			y0 = y1
		}
		step := (y1 - y0) / float32(p.idxOut+1)
		v := y0
		for i := 0; i < body; i++ {
			v += step
			p.SampleCount++
			p.emit(v, p.dCal[i][1], p.dBits[i])
			p.historyInsert(v, p.dCal[i][1])
		}
		p.calIPre = y1

	case SuppressNaN:
		for i := 0; i < body; i++ {
			p.SampleCount++
			p.emit(nan, nan, p.dBits[i])
		}

	case SuppressOff:
		for i := 0; i < body; i++ {
			p.SampleCount++
			p.emit(p.dCal[i][0], p.dCal[i][1], p.dBits[i])
			p.historyInsert(p.dCal[i][0], p.dCal[i][1])
		}
	}

	for i := body; i < p.idxOut+1; i++ {
		p.SampleCount++
		p.emit(p.dCal[i][0], p.dCal[i][1], p.dBits[i])
		p.historyInsert(p.dCal[i][0], p.dCal[i][1])
	}
}

func (p *Processor) historyInsert(calI, calV float32) {
	p.dHistory[p.dHistIdx][0] = calI
	p.dHistory[p.dHistIdx][1] = calV
	p.dHistIdx++
	if p.dHistIdx >= suppressHistoryMax {
		p.dHistIdx = 0
	}
}

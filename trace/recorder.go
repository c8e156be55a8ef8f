package trace

import (
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/petertorelli/joulescope-go/util"
)

// Recorder is the calibrated-sample sink: it converts each (i, v) pair to
// energy, accumulates across the downsample factor, pushes completed
// buckets into the write ring, and watches the GPI0 annotation bit for
// falling-edge lap timestamps.
type Recorder struct {
	stats *Stats
	ring  *WriteRing
	out   io.Writer

	err       error
	fatalFn   func(error)
	fatalOnce sync.Once
}

// NewRecorder binds stats and the write ring.  Lap lines are printed
// inline to out.
func NewRecorder(stats *Stats, ring *WriteRing, out io.Writer) *Recorder {
	return &Recorder{stats: stats, ring: ring, out: out}
}

// OnFatal installs a single-shot callback for unrecoverable pipeline
// errors (ring exhaustion, ingress overflow).
func (rec *Recorder) OnFatal(fn func(error)) { rec.fatalFn = fn }

// Err returns the first unrecoverable error, if any.
func (rec *Recorder) Err() error { return rec.err }

func (rec *Recorder) fail(err error) {
	if rec.err == nil {
		rec.err = err
	}
	rec.fatalOnce.Do(func() {
		if rec.fatalFn != nil {
			rec.fatalFn(err)
		}
	})
}

// OnSample consumes one calibrated sample.  Energy accumulates in double
// precision; the emitted trace is single precision.
func (rec *Recorder) OnSample(i, v float32, bits uint8) {
	if rec.err != nil {
		return
	}
	s := rec.stats
	e := float64(i) * float64(v) / 2.0
	ef := float32(e)
	if math.IsNaN(float64(ef)) {
		s.TotalNaN.Add(1)
	} else if math.IsInf(float64(ef), 0) {
		s.TotalInf.Add(1)
	}
	s.acc += e
	s.accumulated++
	if s.accumulated == s.downsamples {
		if err := rec.ring.Push(float32(s.acc)); err != nil {
			rec.fail(err)
		}
		s.TotalSamples.Add(1)
		s.accumulated = 0
		s.acc = 0
		s.logHeartbeat()
	}

	gpi0 := util.GetBit(bits, 4)
	if s.lastGPI0 && !gpi0 && s.observeTimestamps.Load() {
		t := float64(s.TotalSamples.Load()) / float64(s.sampleRate)
		s.addTimestamp(t)
		fmt.Fprintf(rec.out, "m-lap-us-%d\n", uint64(t*1e6))
	}
	s.lastGPI0 = gpi0
}

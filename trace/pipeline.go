package trace

import (
	"errors"
	"io"
	"log"

	"github.com/petertorelli/joulescope-go/rawproc"
	"github.com/petertorelli/joulescope-go/usbio"
)

// Pipeline assembles the per-trace stages: ingress ring, processor, and
// recorder.  The session owns the pipeline and outlives every stage; each
// stage holds an explicit handle to its downstream, none owns it.
type Pipeline struct {
	Ingress *rawproc.IngressRing
	Proc    *rawproc.Processor
	Rec     *Recorder

	stats *Stats
}

// NewPipeline wires the stages for one trace run.
func NewPipeline(cal rawproc.Calibration, mode rawproc.SuppressMode, stats *Stats, ring *WriteRing, out io.Writer) *Pipeline {
	pl := &Pipeline{
		Ingress: rawproc.NewIngressRing(),
		stats:   stats,
	}
	pl.Rec = NewRecorder(stats, ring, out)
	pl.Proc = rawproc.NewProcessor(pl.Rec.OnSample)
	pl.Proc.SetCalibration(cal)
	pl.Proc.SetMode(mode)
	return pl
}

// Data is the endpoint data sink: it feeds wire packets to the ingress
// ring.  Returning true tears the stream down.
func (pl *Pipeline) Data(b []byte) bool {
	if err := pl.Ingress.Add(b); err != nil {
		log.Printf("trace: ingress: %v", err)
		if errors.Is(err, rawproc.ErrIngressOverflow) {
			pl.Rec.fail(err)
		}
		return true
	}
	return false
}

// Notify is the endpoint work-done tick: it drains buffered raw samples
// through the processor.
func (pl *Pipeline) Notify() bool {
	pl.Ingress.Drain(pl.Proc)
	pl.stats.DroppedPackets.Store(pl.Ingress.DroppedPackets())
	return pl.Rec.Err() != nil
}

// Stop receives the endpoint's stop notification.
func (pl *Pipeline) Stop(code usbio.DeviceEvent, msg string) {
	if code != usbio.EventUndefined {
		log.Printf("trace: stream stopped %v: %s", code, msg)
	}
}

/*Package trace accumulates calibrated samples into a downsampled energy
trace and streams it to disk through a small ring of asynchronously
written pages.

The hot path runs on the session thread; a separate writer loop reaps
write completions.  The two share only the page ring's head and tail
indices (single writer each) and a completion channel.
*/
package trace

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// MaxSampleRate is the probe's native sample rate in Hz.
const MaxSampleRate = 2000000

// ErrBadRate is returned when a requested rate does not divide the native
// rate; the previous rate is retained.
type ErrBadRate struct {
	Rate int
}

func (e ErrBadRate) Error() string {
	return fmt.Sprintf("trace: sample rate %d is not a divisor of %d", e.Rate, MaxSampleRate)
}

// Stats tracks one trace run.  Counter fields are atomics so the monitor
// endpoint can snapshot them while the session thread is hot.
type Stats struct {
	sampleRate  int
	downsamples int

	acc         float64
	accumulated int

	TotalSamples   atomic.Uint64
	DroppedPackets atomic.Uint64
	TotalNaN       atomic.Uint64
	TotalInf       atomic.Uint64

	lastGPI0          bool
	observeTimestamps atomic.Bool

	mu         sync.Mutex
	timestamps []float64

	heartbeat *rate.Limiter
}

// NewStats returns stats at the default 1 kHz downsample rate.
func NewStats() *Stats {
	s := &Stats{heartbeat: rate.NewLimiter(1, 1)}
	s.sampleRate = 1000
	s.downsamples = MaxSampleRate / s.sampleRate
	s.Reset()
	return s
}

// Reset clears per-run state.  The sample rate survives: the user may have
// set it.
func (s *Stats) Reset() {
	s.acc = 0
	s.accumulated = 0
	s.lastGPI0 = true
	s.TotalSamples.Store(0)
	s.DroppedPackets.Store(0)
	s.TotalNaN.Store(0)
	s.TotalInf.Store(0)
	s.mu.Lock()
	s.timestamps = nil
	s.mu.Unlock()
}

// SetSampleRate validates and installs a downsample target rate.
func (s *Stats) SetSampleRate(hz int) error {
	if hz < 1 || MaxSampleRate%hz != 0 {
		return ErrBadRate{Rate: hz}
	}
	s.sampleRate = hz
	s.downsamples = MaxSampleRate / hz
	return nil
}

// SampleRate returns the configured downsample target rate in Hz.
func (s *Stats) SampleRate() int { return s.sampleRate }

// Downsamples returns the downsample factor D.
func (s *Stats) Downsamples() int { return s.downsamples }

// ObserveTimestamps toggles GPI0 falling-edge capture.
func (s *Stats) ObserveTimestamps(on bool) { s.observeTimestamps.Store(on) }

// Timestamps returns a copy of the captured lap timestamps in seconds.
func (s *Stats) Timestamps() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.timestamps...)
}

func (s *Stats) addTimestamp(t float64) {
	s.mu.Lock()
	s.timestamps = append(s.timestamps, t)
	s.mu.Unlock()
}

// NaNRatio returns the fraction of processed energy samples that were NaN.
func (s *Stats) NaNRatio() float64 {
	total := s.TotalSamples.Load() * uint64(s.downsamples)
	if total == 0 {
		return 0
	}
	return float64(s.TotalNaN.Load()) / float64(total)
}

// Snapshot is a monitor-friendly copy of the counters.
type Snapshot struct {
	SampleRate     int     `json:"sample_rate"`
	TotalSamples   uint64  `json:"total_samples"`
	DroppedPackets uint64  `json:"dropped_packets"`
	TotalNaN       uint64  `json:"total_nan"`
	TotalInf       uint64  `json:"total_inf"`
	Timestamps     int     `json:"timestamps"`
	NaNRatio       float64 `json:"nan_ratio"`
}

// Snap captures the current counters.
func (s *Stats) Snap() Snapshot {
	s.mu.Lock()
	nts := len(s.timestamps)
	s.mu.Unlock()
	return Snapshot{
		SampleRate:     s.sampleRate,
		TotalSamples:   s.TotalSamples.Load(),
		DroppedPackets: s.DroppedPackets.Load(),
		TotalNaN:       s.TotalNaN.Load(),
		TotalInf:       s.TotalInf.Load(),
		Timestamps:     nts,
		NaNRatio:       s.NaNRatio(),
	}
}

// logHeartbeat reports progress once per emitted second of trace,
// rate-limited to one line per second of wall time.
func (s *Stats) logHeartbeat() {
	if s.TotalSamples.Load()%uint64(s.sampleRate) != 0 {
		return
	}
	if !s.heartbeat.Allow() {
		return
	}
	log.Printf("trace: total samples %d dropped packets %d [ NaN=%d inf=%d ]",
		s.TotalSamples.Load(), s.DroppedPackets.Load(), s.TotalNaN.Load(), s.TotalInf.Load())
}

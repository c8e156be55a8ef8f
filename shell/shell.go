/*Package shell implements the line-oriented command protocol spoken with
the measurement harness over stdin/stdout.

Each command is one whitespace-tokenized line; double-quoted tokens
preserve spaces.  Replies are prefixed m- for normal responses and e- for
errors, and m-ready follows every command.  Diagnostics never go to
stdout: the stream is machine parsed.
*/
package shell

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/petertorelli/joulescope-go/joulescope"
	"github.com/petertorelli/joulescope-go/rawproc"
	"github.com/petertorelli/joulescope-go/trace"
	"github.com/petertorelli/joulescope-go/usbio"
	"github.com/petertorelli/joulescope-go/util"
)

// Config carries the shell's startup defaults, typically from the yaml
// config file.
type Config struct {
	Serial       string
	Rate         int
	DropThresh   float64
	Dir          string
	Prefix       string
	SuppressMode string
}

type command struct {
	fn    func(tokens []string)
	usage string
	desc  string
}

// Shell runs the command loop.
type Shell struct {
	in  io.Reader
	out io.Writer

	cfg   Config
	dev   *joulescope.Device
	stats *trace.Stats
	sup   *trace.Supervisor
	ring  *trace.WriteRing
	pl    *trace.Pipeline

	dir        string
	prefix     string
	dropThresh float64
	mode       rawproc.SuppressMode

	commands map[string]command
	exitOnce sync.Once
	exitFunc func(int)
}

// New builds a shell reading commands from in and speaking the protocol
// on out.
func New(cfg Config, in io.Reader, out io.Writer) *Shell {
	if cfg.Rate == 0 {
		cfg.Rate = 1000
	}
	if cfg.Dir == "" {
		cfg.Dir = "."
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "js110"
	}
	mode, err := rawproc.ParseSuppressMode(cfg.SuppressMode)
	if err != nil {
		mode = rawproc.SuppressInterp
	}
	s := &Shell{
		in:         in,
		out:        out,
		cfg:        cfg,
		stats:      trace.NewStats(),
		dir:        cfg.Dir,
		prefix:     cfg.Prefix,
		dropThresh: util.Clamp(cfg.DropThresh, 0, 1),
		mode:       mode,
		exitFunc:   os.Exit,
	}
	s.stats.SetSampleRate(cfg.Rate)
	s.commands = map[string]command{
		"init":    {s.cmdInit, "init [serial] [drop_thresh]", "open a device and wire the pipeline"},
		"deinit":  {s.cmdDeinit, "deinit", "stop any trace and close the device"},
		"power":   {s.cmdPower, "power [on|off]", "toggle the device output rail"},
		"trace":   {s.cmdTrace, "trace [on [dir [prefix]]] | off", "start or stop tracing"},
		"timer":   {s.cmdTimer, "timer [on|off]", "enable GPI falling-edge timestamp capture"},
		"rate":    {s.cmdRate, "rate [hz]", "set the downsample target rate"},
		"voltage": {s.cmdVoltage, "voltage", "read the 2-second mean voltage in mV"},
		"help":    {s.cmdHelp, "help", "list commands"},
		"exit":    {s.cmdExit, "exit", "clean shutdown"},
	}
	return s
}

// Stats exposes the live trace statistics, e.g. for the HTTP monitor.
func (s *Shell) Stats() *trace.Stats { return s.stats }

func (s *Shell) reply(format string, args ...interface{}) {
	fmt.Fprintf(s.out, "m-"+format+"\n", args...)
}

func (s *Shell) fail(format string, args ...interface{}) {
	fmt.Fprintf(s.out, "e-["+format+"]\n", args...)
}

// Run executes the command loop until exit.  It only returns on input
// exhaustion; the exit command and fatal errors terminate the process.
func (s *Shell) Run() int {
	scanner := bufio.NewScanner(s.in)
	s.reply("ready")
	for scanner.Scan() {
		tokens := Tokenize(scanner.Text())
		if len(tokens) > 0 && tokens[0] != "" {
			if cmd, ok := s.commands[tokens[0]]; ok {
				cmd.fn(tokens)
			} else {
				s.fail("Unknown command: %s", scanner.Text())
			}
		}
		s.reply("ready")
	}
	// stdin closed without an exit command
	s.fail("Unexpected exit")
	return -1
}

// Exit runs the clean shutdown path exactly once: any trace is stopped,
// the device closed, m-exit printed, and the process terminated with 0.
// Signal handlers share this path with the exit command.
func (s *Shell) Exit() {
	s.exitOnce.Do(func() {
		s.cmdDeinit(nil)
		s.reply("exit")
		s.exitFunc(0)
	})
}

func (s *Shell) fatal(err error) {
	switch {
	case err == trace.ErrRingExhausted:
		s.fail("Ring-buffer exhausted")
	case err == rawproc.ErrIngressOverflow:
		s.fail("Raw buffer overflow")
	default:
		s.fail("%v", err)
	}
	s.exitFunc(-1 & 0xFF)
}

func (s *Shell) tracing() bool { return s.sup != nil && s.sup.Running() }

func (s *Shell) cmdInit(tokens []string) {
	if s.tracing() {
		s.fail("Cannot talk to Joulescope while streaming")
		return
	}
	if s.dev.IsOpen() {
		s.fail("A joulescope is already initialized, deinit first")
		return
	}
	serial := s.cfg.Serial
	if len(tokens) > 1 {
		serial = tokens[1]
	}
	if len(tokens) > 2 {
		thresh, err := strconv.ParseFloat(tokens[2], 64)
		if err != nil {
			s.fail("Bad drop threshold: %s", tokens[2])
			return
		}
		s.dropThresh = util.Clamp(thresh, 0, 1)
	}
	dev, err := joulescope.Open(serial, s.deviceEvent)
	if err != nil {
		if serial == "" {
			s.fail("No Joulescopes found")
		} else {
			s.fail("Could not find a Joulescope with serial #%s", serial)
		}
		return
	}
	s.dev = dev
	s.reply("[Opened Joulescope at path %s]", dev.Path())
}

// deviceEvent receives the session-level abort notification.
func (s *Shell) deviceEvent(code usbio.DeviceEvent, msg string) {
	s.fail("Device error %v: %s", code, msg)
}

func (s *Shell) cmdDeinit(tokens []string) {
	if s.tracing() {
		s.stopTrace()
	}
	if s.dev.IsOpen() {
		s.dev.Close()
	}
	s.dev = nil
}

func (s *Shell) cmdPower(tokens []string) {
	if len(tokens) < 2 || (tokens[1] != "on" && tokens[1] != "off") {
		s.fail("Usage: power [on|off]")
		return
	}
	on := tokens[1] == "on"
	if s.tracing() {
		if on {
			s.fail("Cannot talk to Joulescope while streaming")
			return
		}
		s.stopTrace()
	}
	if !s.dev.IsOpen() {
		s.fail("No Joulescopes are open")
		return
	}
	if err := s.dev.PowerOn(on); err != nil {
		s.fail("Power change failed: %v", err)
		return
	}
	s.reply("power[%s]", tokens[1])
}

func (s *Shell) cmdTrace(tokens []string) {
	if len(tokens) < 2 {
		s.fail("Usage: trace [on [dir [prefix]]] | off")
		return
	}
	switch tokens[1] {
	case "on":
		if s.tracing() {
			s.fail("Trace is already running")
			return
		}
		if !s.dev.IsOpen() {
			s.fail("No Joulescopes are open")
			return
		}
		if len(tokens) > 2 {
			s.dir = tokens[2]
		}
		if len(tokens) > 3 {
			s.prefix = tokens[3]
		}
		if err := s.startTrace(); err != nil {
			s.fail("Trace start failed: %v", err)
			return
		}
		s.reply("trace[on]")
		s.reply("dropthresh[%g]", s.dropThresh)
	case "off":
		if !s.tracing() {
			s.fail("Trace isn't running")
			return
		}
		if !s.dev.IsOpen() {
			s.fail("No Joulescopes are open")
			return
		}
		s.stopTrace()
	default:
		s.fail("Usage: trace [on [dir [prefix]]] | off")
	}
}

func (s *Shell) energyPath() string {
	return filepath.Join(s.dir, s.prefix+"-energy.bin")
}

func (s *Shell) timestampsPath() string {
	return filepath.Join(s.dir, s.prefix+"-timestamps.json")
}

func (s *Shell) startTrace() error {
	ring, err := trace.CreateWriteRing(s.energyPath(), s.stats.SampleRate())
	if err != nil {
		return err
	}
	s.ring = ring
	s.stats.Reset()
	s.pl = trace.NewPipeline(s.dev.Calibration, s.mode, s.stats, ring, s.out)
	s.pl.Rec.OnFatal(s.fatal)
	if err := s.dev.PowerOn(true); err != nil {
		ring.Close()
		return err
	}
	if err := s.dev.StartStreaming(s.pl.Data, s.pl.Notify, s.pl.Stop); err != nil {
		ring.Close()
		return err
	}
	s.sup = trace.NewSupervisor(s.dev.Session, ring, s.out, s.fatal)
	s.sup.Start()
	return nil
}

func (s *Shell) stopTrace() {
	if err := s.sup.Stop(); err != nil {
		s.fail("%v", err)
		s.exitFunc(-1 & 0xFF)
		return
	}
	if err := s.dev.StopStreaming(); err != nil {
		s.fail("Stream stop failed: %v", err)
	}
	// drain anything the last tick buffered, then flush the partial page
	s.pl.Notify()
	if err := s.ring.Close(); err != nil {
		s.fail("Trace close failed: %v", err)
	}
	if err := trace.WriteTimestamps(s.timestampsPath(), s.stats.Timestamps()); err != nil {
		s.fail("Timestamp write failed: %v", err)
	}
	s.reply("regfile-fn[%s]-type[emon]-name[js110]", s.prefix+"-energy.bin")
	s.reply("regfile-fn[%s]-type[etime]-name[js110]", s.prefix+"-timestamps.json")
	if ratio := s.stats.NaNRatio(); ratio > s.dropThresh {
		s.fail("Drop threshold exceeded: %.4f > %.4f", ratio, s.dropThresh)
	}
	s.sup = nil
	s.ring = nil
	s.pl = nil
	s.reply("trace[off]")
}

func (s *Shell) cmdTimer(tokens []string) {
	if len(tokens) < 2 || (tokens[1] != "on" && tokens[1] != "off") {
		s.fail("Usage: timer [on|off]")
		return
	}
	s.stats.ObserveTimestamps(tokens[1] == "on")
	s.reply("timer[%s]", tokens[1])
}

func (s *Shell) cmdRate(tokens []string) {
	if s.tracing() {
		s.fail("Cannot change sample rate while tracing")
		return
	}
	if len(tokens) > 1 {
		hz, err := strconv.Atoi(tokens[1])
		if err != nil {
			s.fail("Bad sample rate: %s", tokens[1])
			return
		}
		if err := s.stats.SetSampleRate(hz); err != nil {
			s.fail("%v", err)
			return
		}
	}
	s.reply("rate-hz[%d]", s.stats.SampleRate())
}

func (s *Shell) cmdVoltage(tokens []string) {
	if s.tracing() {
		s.fail("Cannot talk to Joulescope while streaming")
		return
	}
	if !s.dev.IsOpen() {
		s.fail("No Joulescopes are open")
		return
	}
	mv, err := s.dev.Voltage()
	if err != nil {
		s.fail("Voltage read failed: %v", err)
		return
	}
	s.reply("voltage-mv[%d]", mv)
}

func (s *Shell) cmdHelp(tokens []string) {
	names := make([]string, 0, len(s.commands))
	for name := range s.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cmd := s.commands[name]
		s.reply("[%-32s %s]", cmd.usage, cmd.desc)
	}
}

func (s *Shell) cmdExit(tokens []string) {
	s.Exit()
}

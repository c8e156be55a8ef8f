package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	yml "gopkg.in/yaml.v2"

	"github.com/petertorelli/joulescope-go/monitor"
	"github.com/petertorelli/joulescope-go/shell"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "jouletrace.yml"
	k              = koanf.New(".")
)

// Config holds the shell defaults and the optional monitor address.
type Config struct {
	// Serial selects a probe by serial number; empty takes the first one.
	Serial string `koanf:"serial" yaml:"Serial"`

	// Rate is the downsample target in Hz; it must divide 2,000,000.
	Rate int `koanf:"rate" yaml:"Rate"`

	// DropThresh is the tolerated NaN-sample fraction, 0..1.
	DropThresh float64 `koanf:"dropthresh" yaml:"DropThresh"`

	// Dir and Prefix name the trace output files:
	// <dir>/<prefix>-energy.bin and <dir>/<prefix>-timestamps.json.
	Dir    string `koanf:"dir" yaml:"Dir"`
	Prefix string `koanf:"prefix" yaml:"Prefix"`

	// SuppressMode is one of off, mean, interp, nan.
	SuppressMode string `koanf:"suppressmode" yaml:"SuppressMode"`

	// HTTP enables the statistics monitor when non-empty, e.g. ":8000".
	HTTP string `koanf:"http" yaml:"HTTP"`
}

func defaults() Config {
	return Config{
		Rate:         1000,
		DropThresh:   0.1,
		Dir:          ".",
		Prefix:       "js110",
		SuppressMode: "interp",
	}
}

func setupconfig() {
	k.Load(structs.Provider(defaults(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `jouletrace drives a Joulescope JS110 energy probe and records a
downsampled energy trace.  It speaks a line protocol on stdin/stdout for
use under a measurement harness; type help at the prompt for commands.

Usage:
	jouletrace <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `jouletrace is amenable to configuration via its .yml file.  For a primer
on YAML, see https://yaml.org/start.html

Without a configuration, the shell starts with a 1000 Hz downsample rate,
writes js110-energy.bin and js110-timestamps.json into the working
directory, and opens the first probe it finds.

Config keys (all optional): Serial, Rate, DropThresh, Dir, Prefix,
SuppressMode (off | mean | interp | nan), HTTP.

Setting HTTP (e.g. ":8000") serves live trace statistics at /stats.`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("jouletrace version %v\n", Version)
}

func run() {
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		log.Fatal(err)
	}
	// stdout carries the machine-parsed protocol; diagnostics go to stderr
	log.SetOutput(os.Stderr)

	sh := shell.New(shell.Config{
		Serial:       c.Serial,
		Rate:         c.Rate,
		DropThresh:   c.DropThresh,
		Dir:          c.Dir,
		Prefix:       c.Prefix,
		SuppressMode: c.SuppressMode,
	}, os.Stdin, os.Stdout)

	if c.HTTP != "" {
		monitor.New(sh.Stats().Snap).ListenAndServe(c.HTTP)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		sh.Exit()
	}()

	os.Exit(sh.Run() & 0xFF)
}

func main() {
	args := os.Args
	if len(args) == 1 {
		// the measurement harness launches the binary bare and speaks the
		// protocol immediately
		setupconfig()
		run()
		return
	}
	setupconfig()
	switch strings.ToLower(args[1]) {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "version":
		pversion()
		return
	default:
		root()
		os.Exit(1)
	}
}

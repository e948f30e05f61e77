// regtest

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"github.com/tailscale/hujson"

	"mmiotest/memory"
	"mmiotest/report"
	"mmiotest/utils"
)

const (
	DefaultBase        = 0x100000000
	DefaultSize        = 1048576 // 1MB
	DefaultStride      = 65536   // 64KB
	DefaultIterations  = 10
	DefaultDevicePath  = memory.DefaultDevicePath
	DefaultSimulate    = false
	DefaultFault       = ""
	DefaultConfigPath  = ""
	DefaultReportPath  = ""
	DefaultComparePath = ""
	DefaultProgress    = false
	DefaultBenchmark   = false
	DefaultVerbose     = false
	DefaultDebug       = false
	DefaultNoPrint     = false
)

var (
	errConfigFileRead = errors.New("cannot read config file")
	errConfigInvalid  = errors.New("invalid config file")
)

// Config holds data passed by arguments and the optional config file
type Config struct {
	Base        uint64 // physical address of the first byte of the window
	Size        uint64 // window length in bytes
	Stride      uint64 // alignment of every generated address
	Iterations  int    // round trips to perform
	Seed        uint64
	SeedSet     bool // seed came from a flag or the config file, otherwise the wall clock is used
	DevicePath  string
	Simulate    bool   // back the window with process memory instead of the device
	Fault       string // fault injected into the simulated window
	ConfigPath  string
	ReportPath  string
	ComparePath string // earlier report whose trial sequence this run must reproduce
	Progress    bool
	Benchmark   bool
	Verbose     bool
	Debug       bool
	NoPrint     bool

	Out io.Writer
	Err io.Writer
}

func (c *Config) Window() memory.Window {
	return memory.Window{Base: c.Base, Size: c.Size}
}

/* validate arguments that are passed in the program */
func ValidateArgs(cfg *Config) error {
	if cfg == nil {
		return errors.New("missing configuration")
	}

	var problems []string

	if cfg.Iterations <= 0 {
		problems = append(problems, "--iterations must be positive")
	}
	if !utils.IsPowerOfTwo(cfg.Stride) {
		problems = append(problems, "--stride must be a power of two")
	} else if cfg.Size == 0 || cfg.Size%cfg.Stride != 0 {
		problems = append(problems, "--size must be a positive multiple of --stride")
	}
	if cfg.Base+cfg.Size < cfg.Base {
		problems = append(problems, "--base + --size overflows the address space")
	}
	if cfg.Fault != "" && !cfg.Simulate {
		problems = append(problems, "--fault requires --simulate")
	}
	if !cfg.Simulate {
		// mmap takes a signed file offset
		if cfg.Base+cfg.Size > math.MaxInt64 {
			problems = append(problems, "--base + --size must stay below 0x8000000000000000 for device access")
		}
		if cfg.Base%memory.WordSize != 0 {
			problems = append(problems, "--base must be 8 byte aligned for device access")
		}
		if cfg.Stride < memory.WordSize {
			problems = append(problems, "--stride must be at least 8 for device access")
		}
		if cfg.DevicePath == "" {
			problems = append(problems, "--device (memory device path)")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid arguments: %s", strings.Join(problems, ", "))
	}

	return nil
}

func (c *Config) print(prefix string, args []interface{}) {
	fmt.Fprintln(c.Out, append([]interface{}{prefix}, args...)...)
}

func (c *Config) Println(args ...interface{}) {
	if c.NoPrint {
		return
	}

	c.print("[INFO]:", args)
}

/* prints if verbose or debug prints are on */
func (c *Config) VerbosePrintln(args ...interface{}) {
	if c.NoPrint {
		return
	}

	if c.Verbose || c.Debug {
		c.print("[VERBOSE]:", args)
	}
}

/* prints only if debug option is on */
func (c *Config) DebugPrintln(args ...interface{}) {
	if c.NoPrint {
		return
	}

	if c.Debug {
		c.print("[DEBUG]:", args)
	}
}

// FailPrintln puts a failure on the trace, after the trial that caused it,
// and mirrors it on stderr
func (c *Config) FailPrintln(args ...interface{}) {
	if !c.NoPrint {
		c.print("[ERROR]:", args)
	}
	c.ErrPrintln(args...)
}

// ErrPrintln is never silenced by --no-print
func (c *Config) ErrPrintln(args ...interface{}) {
	fmt.Fprintln(c.Err, append([]interface{}{"[ERROR]:"}, args...)...)
}

// NewConfig parses args with precedence defaults < config file < explicit flags
func NewConfig(args []string, out, errOut io.Writer) (*Config, error) {
	cfg := &Config{Out: out, Err: errOut}

	flags := pflag.NewFlagSet("regtest", pflag.ContinueOnError)
	flags.SetOutput(errOut)
	flags.SortFlags = false

	flags.Uint64Var(&cfg.Base, "base", DefaultBase, "Physical base address of the window")
	flags.Uint64Var(&cfg.Size, "size", DefaultSize, "Window size in bytes")
	flags.Uint64Var(&cfg.Stride, "stride", DefaultStride, "Alignment of generated addresses, a power of two")
	flags.IntVar(&cfg.Iterations, "iterations", DefaultIterations, "Number of write/read round trips")
	flags.Uint64Var(&cfg.Seed, "seed", 0, "Random seed (default: wall clock)")
	flags.StringVar(&cfg.DevicePath, "device", DefaultDevicePath, "Memory device to map the window from")
	flags.BoolVar(&cfg.Simulate, "simulate", DefaultSimulate, "Back the window with process memory instead of the device")
	flags.StringVar(&cfg.Fault, "fault", DefaultFault, "Fault to inject into the simulated window (corrupt:N[:MASK], zero, stuck-high:MASK, stuck-low:MASK)")
	flags.StringVar(&cfg.ConfigPath, "config", DefaultConfigPath, "Path to a JSON config file, comments allowed")
	flags.StringVar(&cfg.ReportPath, "report", DefaultReportPath, "Write a YAML run report to this path")
	flags.StringVar(&cfg.ComparePath, "compare", DefaultComparePath, "Replay the seed and window of an earlier report and fail if the trials differ")
	flags.BoolVar(&cfg.Progress, "progress", DefaultProgress, "Show a progress bar on stderr")
	flags.BoolVar(&cfg.Benchmark, "benchmark", DefaultBenchmark, "Enables benchmark info")
	flags.BoolVar(&cfg.Verbose, "verbose", DefaultVerbose, "Provides verbose output of the program")
	flags.BoolVar(&cfg.Debug, "debug", DefaultDebug, "Provides debug output of the program")
	flags.BoolVar(&cfg.NoPrint, "no-print", DefaultNoPrint, "Disables standard output")

	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	if flags.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(flags.Args(), " "))
	}

	cfg.SeedSet = flags.Changed("seed")

	if cfg.ConfigPath != "" {
		file, err := loadConfigFile(cfg.ConfigPath)
		if err != nil {
			return nil, err
		}
		file.apply(cfg, flags.Changed)
	}

	return cfg, nil
}

// hexUint accepts a JSON number or a string such as "0x100000000"
type hexUint uint64

func (h *hexUint) UnmarshalJSON(data []byte) error {
	text := string(data)
	if strings.HasPrefix(text, `"`) {
		unquoted, err := strconv.Unquote(text)
		if err != nil {
			return err
		}
		text = unquoted
	}

	v, err := utils.ParseUint(text)
	if err != nil {
		return fmt.Errorf("invalid number %s", data)
	}
	*h = hexUint(v)
	return nil
}

type fileConfig struct {
	Base       *hexUint `json:"base"`
	Size       *hexUint `json:"size"`
	Stride     *hexUint `json:"stride"`
	Iterations *int     `json:"iterations"`
	Seed       *hexUint `json:"seed"`
	Device     *string  `json:"device"`
	Simulate   *bool    `json:"simulate"`
	Fault      *string  `json:"fault"`
	Report     *string  `json:"report"`
	Compare    *string  `json:"compare"`
}

func loadConfigFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", errConfigFileRead, path, err)
	}

	cfg, err := parseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", errConfigInvalid, path, err)
	}

	return cfg, nil
}

func parseConfig(data []byte) (*fileConfig, error) {
	// Standardize JSONC to JSON
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg fileConfig

	dec := json.NewDecoder(bytes.NewReader(standardized))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// apply copies every value the file sets unless the flag was given explicitly
func (f *fileConfig) apply(cfg *Config, changed func(string) bool) {
	setUint := func(name string, dst *uint64, src *hexUint) {
		if src != nil && !changed(name) {
			*dst = uint64(*src)
		}
	}

	setUint("base", &cfg.Base, f.Base)
	setUint("size", &cfg.Size, f.Size)
	setUint("stride", &cfg.Stride, f.Stride)

	if f.Iterations != nil && !changed("iterations") {
		cfg.Iterations = *f.Iterations
	}
	if f.Seed != nil && !changed("seed") {
		cfg.Seed = uint64(*f.Seed)
		cfg.SeedSet = true
	}
	if f.Device != nil && !changed("device") {
		cfg.DevicePath = *f.Device
	}
	if f.Simulate != nil && !changed("simulate") {
		cfg.Simulate = *f.Simulate
	}
	if f.Fault != nil && !changed("fault") {
		cfg.Fault = *f.Fault
	}
	if f.Report != nil && !changed("report") {
		cfg.ReportPath = *f.Report
	}
	if f.Compare != nil && !changed("compare") {
		cfg.ComparePath = *f.Compare
	}
}

// adopt replaces the window, iteration count, seed and backing store with the
// ones recorded in an earlier report
func (c *Config) adopt(r *report.Report) {
	c.Base = uint64(r.Params.Base)
	c.Size = uint64(r.Params.Size)
	c.Stride = uint64(r.Params.Stride)
	c.Iterations = r.Params.Iterations
	c.Seed = uint64(r.Seed)
	c.SeedSet = true
	c.Simulate = r.Params.Simulated
	c.Fault = r.Params.Fault
	if r.Params.Device != "" {
		c.DevicePath = r.Params.Device
	}
}

package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/pflag"

	"mmiotest/benchmark"
	"mmiotest/memory"
	"mmiotest/report"
	"mmiotest/utils"
	"mmiotest/validator"
)

const (
	ExitSuccess      = 0
	ExitSetupFailure = 1 // bad arguments or the window could not be opened, no trial ran
	ExitMismatch     = 2
	ExitDivergence   = 3 // --compare: the trials differ from the earlier report
)

// window is the accessor a run validates plus whatever releases it
type window struct {
	mem   memory.Accessor
	close func() error
}

func openWindow(cfg *Config) (*window, error) {
	if cfg.Simulate {
		sim, err := memory.NewSimulated(cfg.Window())
		if err != nil {
			return nil, err
		}

		mem, err := memory.ParseFault(cfg.Fault, sim)
		if err != nil {
			return nil, err
		}

		return &window{mem: mem, close: func() error { return nil }}, nil
	}

	mapped, err := memory.OpenMapped(cfg.DevicePath, cfg.Window())
	if err != nil {
		return nil, err
	}

	return &window{mem: mapped, close: mapped.Close}, nil
}

type progressObserver struct {
	bar *progressbar.ProgressBar
}

func (p progressObserver) Observe(validator.Trial) {
	p.bar.Add(1)
}

func reportParams(cfg *Config) report.Params {
	params := report.Params{
		Base:       report.Hex(cfg.Base),
		Size:       report.Hex(cfg.Size),
		Stride:     report.Hex(cfg.Stride),
		Iterations: cfg.Iterations,
		Simulated:  cfg.Simulate,
		Fault:      cfg.Fault,
	}
	if !cfg.Simulate {
		params.Device = cfg.DevicePath
	}
	return params
}

// Run executes one validation and returns the process exit status
func Run(args []string, stdout, stderr io.Writer) int {
	cfg, err := NewConfig(args, stdout, stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return ExitSuccess
	}
	if err != nil {
		fmt.Fprintln(stderr, "[ERROR]:", err)
		return ExitSetupFailure
	}

	var baseline *report.Report
	if cfg.ComparePath != "" {
		baseline, err = report.Load(cfg.ComparePath)
		if err != nil {
			cfg.ErrPrintln("failed to load report:", err)
			return ExitSetupFailure
		}
		cfg.adopt(baseline)
	}

	if err := ValidateArgs(cfg); err != nil {
		cfg.ErrPrintln(err)
		return ExitSetupFailure
	}

	seed := cfg.Seed
	if !cfg.SeedSet {
		seed = validator.NewSeed()
	}

	cfg.DebugPrintln("host:", report.DescribeHost())
	cfg.VerbosePrintln("window", cfg.Window(), "stride", utils.Hex(cfg.Stride), "iterations", cfg.Iterations, "seed", seed)
	if cfg.Simulate {
		cfg.VerbosePrintln("backing the window with process memory, fault:", cfg.Fault)
	} else {
		cfg.VerbosePrintln("mapping the window from", cfg.DevicePath)
	}

	timer := benchmark.NewTimer("opening window")
	win, err := openWindow(cfg)
	if err != nil {
		cfg.ErrPrintln("failed to open window:", err)
		return ExitSetupFailure
	}
	defer func() {
		if err := win.close(); err != nil {
			cfg.ErrPrintln("failed to release window:", err)
		}
	}()
	if cfg.Benchmark {
		timer.StopAndPrint(cfg.Out)
	}

	stats := benchmark.NewBenchmarkStats(cfg.Benchmark)
	observers := []validator.Observer{stats}

	var collector *report.Collector
	if cfg.ReportPath != "" || baseline != nil {
		collector = report.NewCollector(reportParams(cfg), seed)
		observers = append(observers, collector)
	}

	var bar *progressbar.ProgressBar
	if cfg.Progress {
		bar = progressbar.NewOptions64(int64(cfg.Iterations),
			progressbar.OptionSetWriter(cfg.Err),
			progressbar.OptionSetDescription("validating"),
			progressbar.OptionShowCount(),
		)
		observers = append(observers, progressObserver{bar: bar})
	}

	var trace io.Writer = cfg.Out
	if cfg.NoPrint {
		trace = io.Discard
	}

	v, err := validator.New(validator.Params{Window: cfg.Window(), Stride: cfg.Stride, Iterations: cfg.Iterations},
		win.mem, validator.NewSource(seed), trace, observers...)
	if err != nil {
		cfg.ErrPrintln(err)
		return ExitSetupFailure
	}

	outcome := v.Run()

	if bar != nil {
		bar.Close()
	}
	stats.PrintStats(cfg.Out)

	diverged := false
	if collector != nil {
		r := collector.Finish(outcome)
		if cfg.ReportPath != "" {
			if err := report.Write(cfg.ReportPath, r); err != nil {
				cfg.ErrPrintln(err)
			} else {
				cfg.VerbosePrintln("report written to", cfg.ReportPath, "fingerprint", r.Fingerprint)
			}
		}
		if baseline != nil {
			diverged = !baseline.SameSequence(r)
		}
	}

	if err := outcome.Err(); err != nil {
		cfg.FailPrintln(err)
	}

	if diverged {
		cfg.FailPrintln("trials diverge from", cfg.ComparePath)
		return ExitDivergence
	}
	if baseline != nil {
		cfg.Println("trials match", cfg.ComparePath, "fingerprint", baseline.Fingerprint)
	}

	if outcome.Err() != nil {
		return ExitMismatch
	}

	cfg.Println("all", outcome.Trials, "trials passed")
	return ExitSuccess
}

func main() {
	os.Exit(Run(os.Args[1:], os.Stdout, os.Stderr))
}

package report

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"os"
	"time"

	"github.com/klauspost/cpuid/v2"
	simdsha256 "github.com/minio/sha256-simd"
	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"

	"mmiotest/utils"
	"mmiotest/validator"
)

const FormatVersion = 1

var (
	ErrInvalidVersion = errors.New("unsupported report version")
	ErrFingerprint    = errors.New("report fingerprint does not match its trials")
	ErrIOFailure      = errors.New("I/O operation failed")
)

// Hex is a uint64 kept as a 0x-prefixed string in the YAML document.
type Hex uint64

func (h Hex) MarshalYAML() (interface{}, error) {
	return utils.Hex(uint64(h)), nil
}

func (h *Hex) UnmarshalYAML(value *yaml.Node) error {
	v, err := utils.ParseUint(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*h = Hex(v)
	return nil
}

type HostInfo struct {
	Vendor        string `yaml:"vendor"`
	Brand         string `yaml:"brand"`
	PhysicalCores int    `yaml:"physical_cores"`
	LogicalCores  int    `yaml:"logical_cores"`
	CacheLine     int    `yaml:"cache_line"`
}

func DescribeHost() HostInfo {
	return HostInfo{
		Vendor:        cpuid.CPU.VendorString,
		Brand:         cpuid.CPU.BrandName,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
		CacheLine:     cpuid.CPU.CacheLine,
	}
}

func (h HostInfo) String() string {
	return fmt.Sprintf("%s (%s), %d cores / %d threads, %d byte cache line",
		h.Brand, h.Vendor, h.PhysicalCores, h.LogicalCores, h.CacheLine)
}

type Params struct {
	Base       Hex    `yaml:"base"`
	Size       Hex    `yaml:"size"`
	Stride     Hex    `yaml:"stride"`
	Iterations int    `yaml:"iterations"`
	Device     string `yaml:"device,omitempty"`
	Simulated  bool   `yaml:"simulated"`
	Fault      string `yaml:"fault,omitempty"`
}

type Trial struct {
	Index   int `yaml:"index"`
	Address Hex `yaml:"address"`
	Written Hex `yaml:"written"`
	Read    Hex `yaml:"read"`
}

func FromTrial(t validator.Trial) Trial {
	return Trial{Index: t.Index, Address: Hex(t.Address), Written: Hex(t.Written), Read: Hex(t.Read)}
}

type Report struct {
	Version     int       `yaml:"version"`
	Host        HostInfo  `yaml:"host"`
	Params      Params    `yaml:"params"`
	Seed        Hex       `yaml:"seed"`
	StartedAt   time.Time `yaml:"started_at"`
	Elapsed     string    `yaml:"elapsed"`
	Passed      bool      `yaml:"passed"`
	Failed      *Trial    `yaml:"failed,omitempty"`
	Fingerprint string    `yaml:"fingerprint"`
	Trials      []Trial   `yaml:"trials"`
}

func encodeTrial(buf []byte, t Trial) {
	binary.BigEndian.PutUint64(buf[0:8], uint64(t.Address))
	binary.BigEndian.PutUint64(buf[8:16], uint64(t.Written))
	binary.BigEndian.PutUint64(buf[16:24], uint64(t.Read))
}

// Fingerprint is the SHA-256 of the (address, written, read) triples in
// order, each field big endian.
func Fingerprint(trials []Trial) string {
	h := simdsha256.New()
	var buf [24]byte
	for _, t := range trials {
		encodeTrial(buf[:], t)
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Collector builds a report while a run is in progress.
type Collector struct {
	report Report
	hash   hash.Hash
	start  time.Time
}

func NewCollector(params Params, seed uint64) *Collector {
	now := time.Now()
	return &Collector{
		report: Report{
			Version:   FormatVersion,
			Host:      DescribeHost(),
			Params:    params,
			Seed:      Hex(seed),
			StartedAt: now.UTC().Truncate(time.Second),
		},
		hash:  simdsha256.New(),
		start: now,
	}
}

func (c *Collector) Observe(t validator.Trial) {
	rec := FromTrial(t)
	c.report.Trials = append(c.report.Trials, rec)

	var buf [24]byte
	encodeTrial(buf[:], rec)
	c.hash.Write(buf[:])
}

func (c *Collector) Finish(outcome validator.Outcome) *Report {
	r := c.report
	r.Elapsed = time.Since(c.start).String()
	r.Passed = outcome.AllPassed()
	if outcome.Failed != nil {
		failed := FromTrial(*outcome.Failed)
		r.Failed = &failed
	}
	r.Fingerprint = hex.EncodeToString(c.hash.Sum(nil))
	return &r
}

func (r *Report) Verify() error {
	if r.Version != FormatVersion {
		return fmt.Errorf("%w: %d", ErrInvalidVersion, r.Version)
	}
	if Fingerprint(r.Trials) != r.Fingerprint {
		return ErrFingerprint
	}
	return nil
}

// SameSequence reports whether two runs touched the same addresses with the
// same values in the same order.
func (r *Report) SameSequence(other *Report) bool {
	return r.Fingerprint == other.Fingerprint
}

func Write(path string, r *Report) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}

	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("%w: writing %s: %w", ErrIOFailure, path, err)
	}

	return nil
}

func Load(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", ErrIOFailure, path, err)
	}

	var r Report
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding report %s: %w", path, err)
	}

	if err := r.Verify(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return &r, nil
}

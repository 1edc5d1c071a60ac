package jato

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/pelletier/go-toml/v2"
)

// Config controls the emission core, with the default implementation as NewConfig.
//
// Config is immutable: each With* method returns a modified copy.
type Config struct {
	arch                  string
	codeSegmentSize       int
	maxUnitSize           int
	maxLiteralPoolEntries int
	traceDisassembly      bool
	abortOnDefect         bool
}

// defaultConfig helps avoid copy/pasting the wrong defaults.
var defaultConfig = &Config{
	arch:                  runtime.GOARCH,
	codeSegmentSize:       1 << 20,
	maxUnitSize:           256 << 10,
	maxLiteralPoolEntries: 1024,
	abortOnDefect:         true,
}

// clone ensures all fields are copied.
func (c *Config) clone() *Config {
	ret := *c
	return &ret
}

// NewConfig returns the defaults: code for runtime.GOARCH, 1 MiB code
// segments, units of at most 256 KiB and 1024 literals, and a panic on
// emission defects.
func NewConfig() *Config {
	return defaultConfig.clone()
}

// WithArch sets the target architecture, "amd64" or "arm64". Code for
// another architecture than runtime.GOARCH can be emitted and inspected,
// but not run.
func (c *Config) WithArch(arch string) *Config {
	ret := c.clone()
	ret.arch = arch
	return ret
}

// WithCodeSegmentSize sets the size in bytes of each executable segment
// compiled code is published to. No unit can be larger.
func (c *Config) WithCodeSegmentSize(size int) *Config {
	ret := c.clone()
	ret.codeSegmentSize = size
	return ret
}

// WithMaxUnitSize bounds the machine code of one compilation unit. Larger
// units fail with ErrResourceExhausted.
func (c *Config) WithMaxUnitSize(size int) *Config {
	ret := c.clone()
	ret.maxUnitSize = size
	return ret
}

// WithMaxLiteralPoolEntries bounds the distinct constants one unit can load
// from its literal pool.
func (c *Config) WithMaxLiteralPoolEntries(n int) *Config {
	ret := c.clone()
	ret.maxLiteralPoolEntries = n
	return ret
}

// WithTraceDisassembly logs the disassembly of every published unit at
// debug level.
func (c *Config) WithTraceDisassembly(enabled bool) *Config {
	ret := c.clone()
	ret.traceDisassembly = enabled
	return ret
}

// WithAbortOnDefect controls what happens on ErrDefect: a panic when
// enabled, which is the default, or the error is returned.
//
// Note: Resource exhaustion is always returned as an error.
func (c *Config) WithAbortOnDefect(enabled bool) *Config {
	ret := c.clone()
	ret.abortOnDefect = enabled
	return ret
}

// Arch returns the target architecture.
func (c *Config) Arch() string { return c.arch }

// CodeSegmentSize returns the size of each code segment.
func (c *Config) CodeSegmentSize() int { return c.codeSegmentSize }

// MaxUnitSize returns the limit of one unit's machine code.
func (c *Config) MaxUnitSize() int { return c.maxUnitSize }

// MaxLiteralPoolEntries returns the literal pool limit of one unit.
func (c *Config) MaxLiteralPoolEntries() int { return c.maxLiteralPoolEntries }

// TraceDisassembly reports whether published units are disassembled to the log.
func (c *Config) TraceDisassembly() bool { return c.traceDisassembly }

// AbortOnDefect reports whether defects panic.
func (c *Config) AbortOnDefect() bool { return c.abortOnDefect }

// Validate returns an error when c cannot configure a compiler.
func (c *Config) Validate() error {
	switch c.arch {
	case "amd64", "arm64":
	default:
		return fmt.Errorf("unsupported arch %q", c.arch)
	}
	if c.codeSegmentSize <= 0 {
		return fmt.Errorf("code_segment_size must be positive but was %d", c.codeSegmentSize)
	}
	if c.maxUnitSize <= 0 {
		return fmt.Errorf("max_unit_size must be positive but was %d", c.maxUnitSize)
	}
	if c.maxUnitSize > c.codeSegmentSize {
		return fmt.Errorf("max_unit_size %d exceeds code_segment_size %d", c.maxUnitSize, c.codeSegmentSize)
	}
	if c.maxLiteralPoolEntries <= 0 {
		return fmt.Errorf("max_literal_pool_entries must be positive but was %d", c.maxLiteralPoolEntries)
	}
	return nil
}

// configDocument is the TOML form of Config. Absent keys are nil and keep
// their default.
type configDocument struct {
	Arch                  *string `toml:"arch"`
	CodeSegmentSize       *int    `toml:"code_segment_size"`
	MaxUnitSize           *int    `toml:"max_unit_size"`
	MaxLiteralPoolEntries *int    `toml:"max_literal_pool_entries"`
	TraceDisassembly      *bool   `toml:"trace_disassembly"`
	AbortOnDefect         *bool   `toml:"abort_on_defect"`
}

// LoadConfig reads a TOML document over the defaults of NewConfig, e.g.
//
//	arch = "arm64"
//	max_unit_size = 65536
//	trace_disassembly = true
//
// Unknown keys are an error, and so is a configuration Validate rejects.
func LoadConfig(r io.Reader) (*Config, error) {
	var doc configDocument
	dec := toml.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return nil, fmt.Errorf("invalid config: %s", strict.String())
		}
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := NewConfig()
	if doc.Arch != nil {
		c.arch = *doc.Arch
	}
	if doc.CodeSegmentSize != nil {
		c.codeSegmentSize = *doc.CodeSegmentSize
	}
	if doc.MaxUnitSize != nil {
		c.maxUnitSize = *doc.MaxUnitSize
	}
	if doc.MaxLiteralPoolEntries != nil {
		c.maxLiteralPoolEntries = *doc.MaxLiteralPoolEntries
	}
	if doc.TraceDisassembly != nil {
		c.traceDisassembly = *doc.TraceDisassembly
	}
	if doc.AbortOnDefect != nil {
		c.abortOnDefect = *doc.AbortOnDefect
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

// LoadConfigFile is LoadConfig of the file at path.
func LoadConfigFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	c, err := LoadConfig(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

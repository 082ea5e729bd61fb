package harness

import (
	"fmt"
	"io"
	"math"
	"os"

	"github.com/tinyrange/rmvm/internal/hostmem"
	"github.com/tinyrange/rmvm/internal/payload"
	"gopkg.in/yaml.v3"
)

const (
	DefaultMemorySize = 0x2000
	DefaultFirst      = 8
	DefaultSecond     = 2
)

type Operands struct {
	First  uint64 `yaml:"first"`
	Second uint64 `yaml:"second"`
}

// Config describes one harness run.
type Config struct {
	// MemorySize is the size of the guest memory region in bytes. It is
	// rounded up to whole host pages when mapped.
	MemorySize uint64 `yaml:"memorySize"`
	// Slot is the memory slot the region is bound to.
	Slot uint32 `yaml:"slot"`

	Fixture  string   `yaml:"fixture,omitempty"`
	Operands Operands `yaml:"operands"`

	// ExpectedResult is the value the fixture's result register must hold
	// after the guest halts.
	ExpectedResult uint64 `yaml:"expectedResult"`
}

func DefaultConfig() Config {
	cfg := Config{
		MemorySize: DefaultMemorySize,
		Operands: Operands{
			First:  DefaultFirst,
			Second: DefaultSecond,
		},
	}
	cfg.normalize()
	return cfg
}

func (c *Config) normalize() {
	if c.Fixture == "" {
		c.Fixture = payload.AddCompareHalt.Name
	}
}

// LoadConfig reads a YAML config from path. Fields missing from the file
// keep their defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.normalize()
	return cfg, nil
}

// WriteConfig encodes cfg as YAML.
func WriteConfig(w io.Writer, cfg Config) error {
	cfg.normalize()

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close config encoder: %w", err)
	}
	return nil
}

// Validate checks cfg and resolves its fixture.
func (c Config) Validate() (*payload.Fixture, error) {
	c.normalize()

	fx, ok := payload.Lookup(c.Fixture)
	if !ok {
		return nil, &ConfigurationError{Field: "fixture", Reason: fmt.Sprintf("unknown fixture %q", c.Fixture)}
	}

	if c.MemorySize == 0 {
		return nil, &ConfigurationError{Field: "memorySize", Reason: "must be greater than 0"}
	}

	need := fx.LoadAddr + payload.CodeSize
	if c.MemorySize < need {
		return nil, &ConfigurationError{
			Field:  "memorySize",
			Reason: fmt.Sprintf("0x%x bytes cannot hold the 0x%x byte payload at 0x%x", c.MemorySize, payload.CodeSize, fx.LoadAddr),
		}
	}
	if limit := MaxMemorySize(); c.MemorySize > limit {
		return nil, &ConfigurationError{
			Field:  "memorySize",
			Reason: fmt.Sprintf("0x%x bytes exceeds the host limit of 0x%x", c.MemorySize, limit),
		}
	}

	for _, op := range []struct {
		field string
		value uint64
	}{
		{"operands.first", c.Operands.First},
		{"operands.second", c.Operands.Second},
	} {
		if op.value&^fx.OperandMask != 0 {
			return nil, &ConfigurationError{
				Field:  op.field,
				Reason: fmt.Sprintf("0x%x does not fit in the fixture's operand mask 0x%x", op.value, fx.OperandMask),
			}
		}
	}

	return fx, nil
}

// MaxMemorySize is the largest guest memory size the host can map: the
// largest int rounded down to a page boundary.
func MaxMemorySize() uint64 {
	page := uint64(hostmem.PageSize())
	return uint64(math.MaxInt) &^ (page - 1)
}

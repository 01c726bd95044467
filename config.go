package persistit

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dbeng/persistit/internal/perr"
	"github.com/dbeng/persistit/internal/volume"
)

// PoolConfig is the per-page-size pool sizing block of spec §6.4: exactly
// one of Count or a memory spec (MinMemory/MaxMemory/ReservedMemory/
// Fraction) must be set.
type PoolConfig struct {
	PageSize       int     `yaml:"pageSize"`
	Count          int     `yaml:"count,omitempty"`
	MinMemory      int64   `yaml:"minMemory,omitempty"`
	MaxMemory      int64   `yaml:"maxMemory,omitempty"`
	ReservedMemory int64   `yaml:"reservedMemory,omitempty"`
	Fraction       float64 `yaml:"fraction,omitempty"`
}

func (p PoolConfig) memorySpecSet() bool {
	return p.MinMemory != 0 || p.MaxMemory != 0 || p.ReservedMemory != 0 || p.Fraction != 0
}

// resolveCount returns the buffer count for this pool, computing it from
// the memory spec when Count is not given directly.
func (p PoolConfig) resolveCount() int {
	if p.Count > 0 {
		return p.Count
	}
	usable := p.MaxMemory - p.ReservedMemory
	if usable <= 0 {
		return 0
	}
	budget := usable
	if p.Fraction > 0 && p.Fraction <= 1 {
		budget = int64(float64(usable) * p.Fraction)
	}
	if budget < p.MinMemory {
		budget = p.MinMemory
	}
	if p.PageSize <= 0 {
		return 0
	}
	return int(budget / int64(p.PageSize))
}

func (p PoolConfig) validate() error {
	if !volume.ValidPageSize(p.PageSize) {
		return fmt.Errorf("pool config: page size %d is not one of %v", p.PageSize, volume.ValidPageSizes)
	}
	hasCount := p.Count > 0
	hasMemSpec := p.memorySpecSet()
	if hasCount == hasMemSpec {
		return fmt.Errorf("pool config for page size %d: exactly one of count or memory spec must be set", p.PageSize)
	}
	return nil
}

// JournalConfig is spec §6.4's journal path/size/checkpoint-interval block.
type JournalConfig struct {
	Path                      string `yaml:"path"`
	Prefix                    string `yaml:"prefix"`
	MaxFileSizeBytes          int64  `yaml:"maxFileSizeBytes"`
	CheckpointIntervalSeconds int    `yaml:"checkpointIntervalSeconds"`
	AppendOnly                bool   `yaml:"appendOnly"`
	IgnoreMissingVolumes      bool   `yaml:"ignoreMissingVolumes"`
}

const (
	minJournalFileSize       = 1 << 20   // 1 MiB
	maxJournalFileSize       = 1 << 30   // 1 GiB
	minCheckpointIntervalSec = 1
	maxCheckpointIntervalSec = 3600
)

func (j JournalConfig) validate() error {
	if j.Path == "" {
		return fmt.Errorf("journal config: path must be set")
	}
	if j.Prefix == "" {
		return fmt.Errorf("journal config: prefix must be set")
	}
	if j.MaxFileSizeBytes != 0 && (j.MaxFileSizeBytes < minJournalFileSize || j.MaxFileSizeBytes > maxJournalFileSize) {
		return fmt.Errorf("journal config: maxFileSizeBytes %d out of range [%d, %d]", j.MaxFileSizeBytes, minJournalFileSize, maxJournalFileSize)
	}
	if j.CheckpointIntervalSeconds != 0 && (j.CheckpointIntervalSeconds < minCheckpointIntervalSec || j.CheckpointIntervalSeconds > maxCheckpointIntervalSec) {
		return fmt.Errorf("journal config: checkpointIntervalSeconds %d out of range [%d, %d]", j.CheckpointIntervalSeconds, minCheckpointIntervalSec, maxCheckpointIntervalSec)
	}
	return nil
}

// Config is the top-level configuration consumed by the core (spec §6.4).
type Config struct {
	Pools   []PoolConfig  `yaml:"pools"`
	Journal JournalConfig `yaml:"journal"`
}

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, perr.IO(err, "read config file")
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, perr.Wrap(err, "parse config yaml")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every pool config and the journal config against §6.4's
// constraints, grounded on tinySQL's Superblock page-size/feature-flag
// validation style.
func (c *Config) Validate() error {
	seen := make(map[int]bool)
	for _, p := range c.Pools {
		if err := p.validate(); err != nil {
			return err
		}
		if seen[p.PageSize] {
			return fmt.Errorf("config: duplicate pool entry for page size %d", p.PageSize)
		}
		seen[p.PageSize] = true
	}
	return c.Journal.validate()
}

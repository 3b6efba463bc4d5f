package cpra

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"

	"github.com/carbocation/pfx"
)

type Config struct {
	DataDir            string  `json:"data_dir"`
	NumProcs           int     `json:"num_procs"`
	FanIn              int     `json:"fan_in"`
	MinBatch           int     `json:"min_batch"`
	DuplicatesExpected bool    `json:"duplicates_expected"`
	AllowExtraFields   bool    `json:"allow_extra_fields"`
	RoundSigFigs       bool    `json:"round_sig_figs"`
	MinMAF             float64 `json:"min_maf"`

	// Fields replaces the default field schema when non-empty.
	Fields     []FieldSpec `json:"fields,omitempty"`
	NullValues []string    `json:"null_values,omitempty"`

	Manhattan ManhattanConfig `json:"manhattan"`
	Index     IndexConfig     `json:"index"`
}

type IndexConfig struct {
	Codec        string `json:"codec"`
	BlockRecords int    `json:"block_records"`
}

func DefaultConfig() Config {
	return Config{
		DataDir:      "generated-by-cpra",
		NumProcs:     defaultNumProcs(runtime.NumCPU()),
		FanIn:        DefaultFanIn,
		MinBatch:     DefaultMinBatch,
		RoundSigFigs: true,
		NullValues:   append([]string(nil), DefaultNullValues...),
		Manhattan:    DefaultManhattanConfig(),
		Index: IndexConfig{
			Codec:        CompressionZStandard.String(),
			BlockRecords: DefaultBlockRecords,
		},
	}
}

// defaultNumProcs leaves some headroom for the operating system on larger
// machines.
func defaultNumProcs(ncpu int) int {
	switch {
	case ncpu <= 1:
		return 1
	case ncpu < 4:
		return ncpu - 1
	}
	return ncpu * 3 / 4
}

func (c *Config) Normalize() {
	d := DefaultConfig()

	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.NumProcs < 1 {
		c.NumProcs = d.NumProcs
	}
	if c.FanIn < 2 {
		c.FanIn = d.FanIn
	}
	if c.MinBatch < 2 {
		c.MinBatch = d.MinBatch
	}
	if c.MinMAF < 0 {
		c.MinMAF = 0
	}
	if c.NullValues == nil {
		c.NullValues = d.NullValues
	}

	c.Manhattan.Normalize()

	if _, err := ParseCompression(c.Index.Codec); err != nil || c.Index.Codec == "" {
		c.Index.Codec = d.Index.Codec
	}
	if c.Index.BlockRecords < 1 {
		c.Index.BlockRecords = d.Index.BlockRecords
	}
}

// LoadConfig reads a JSON config over the defaults, so that anything the
// file leaves out keeps its default value. An empty path yields the
// defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		cfg.Normalize()
		return cfg, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, pfx.Err(err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, pfx.Err(err)
	}

	cfg.Normalize()
	return cfg, nil
}

// Schema compiles the configured fields, or the default fields if none are
// configured.
func (c *Config) Schema() (*Schema, error) {
	specs := c.Fields
	if len(specs) == 0 {
		specs = DefaultFieldSpecs()
	}
	return NewSchema(specs, c.NullValues)
}

func (c *Config) IndexOptions() (IndexOptions, error) {
	codec, err := ParseCompression(c.Index.Codec)
	if err != nil {
		return IndexOptions{}, err
	}
	return IndexOptions{Compression: codec, BlockRecords: c.Index.BlockRecords}, nil
}

// SitesPath is where the site catalogue of a run is written.
func (c *Config) SitesPath() string {
	return filepath.Join(c.DataDir, "sites", "sites.tsv")
}

// ManhattanPath is where the summary of one phenotype is written.
func (c *Config) ManhattanPath(pheno string) string {
	return filepath.Join(c.DataDir, "manhattan", pheno+".json")
}

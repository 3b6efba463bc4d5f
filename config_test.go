package cpra

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLoadConfigKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeLines(t, dir, "cpra.json", `{
	"data_dir": "/data/out",
	"fan_in": 16,
	"manhattan": {"num_unbinned": 100},
	"index": {"codec": "snappy"}
}`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}

	expected := DefaultConfig()
	expected.DataDir = "/data/out"
	expected.FanIn = 16
	expected.Manhattan.NumUnbinned = 100
	expected.Index.Codec = "snappy"
	if diff := cmp.Diff(expected, cfg); diff != "" {
		t.Errorf("Config mismatch (-want +got):\n%s", diff)
	}

	if cfg.SitesPath() != filepath.Join("/data/out", "sites", "sites.tsv") {
		t.Errorf("Got sites path %s", cfg.SitesPath())
	}
	if cfg.ManhattanPath("ldl") != filepath.Join("/data/out", "manhattan", "ldl.json") {
		t.Errorf("Got manhattan path %s", cfg.ManhattanPath("ldl"))
	}
	opts, err := cfg.IndexOptions()
	if err != nil || opts.Compression != CompressionSnappy || opts.BlockRecords != DefaultBlockRecords {
		t.Errorf("Got %+v, %v", opts, err)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Errorf("An empty path should give the defaults (-want +got):\n%s", diff)
	}

	dir := t.TempDir()
	if _, err := LoadConfig(filepath.Join(dir, "missing.json")); err == nil {
		t.Errorf("A missing file should be an error")
	}
	if _, err := LoadConfig(writeLines(t, dir, "bad.json", `{"fan_in": "many"}`)); err == nil {
		t.Errorf("Malformed JSON should be an error")
	}
}

func TestConfigNormalize(t *testing.T) {
	cfg := Config{
		NumProcs: -2,
		FanIn:    1,
		MinMAF:   -0.1,
		Index:    IndexConfig{Codec: "lz4", BlockRecords: 0},
	}
	cfg.Normalize()

	d := DefaultConfig()
	if cfg.DataDir != d.DataDir || cfg.NumProcs != d.NumProcs || cfg.FanIn != d.FanIn || cfg.MinBatch != d.MinBatch {
		t.Errorf("Got %+v", cfg)
	}
	if cfg.MinMAF != 0 {
		t.Errorf("Got min MAF %v, expected 0", cfg.MinMAF)
	}
	if cfg.Index != d.Index {
		t.Errorf("Got index config %+v, expected %+v", cfg.Index, d.Index)
	}

	// Zero kept variants is a valid choice; a zero bin length is not.
	m := cfg.Manhattan
	if m.NumUnbinned != 0 || m.BinLength != d.Manhattan.BinLength || m.QvalBinSize != d.Manhattan.QvalBinSize || m.QvalDigits != d.Manhattan.QvalDigits {
		t.Errorf("Got manhattan config %+v", m)
	}
}

func TestDefaultNumProcs(t *testing.T) {
	for ncpu, expected := range map[int]int{0: 1, 1: 1, 2: 1, 3: 2, 4: 3, 8: 6, 64: 48} {
		if got := defaultNumProcs(ncpu); got != expected {
			t.Errorf("defaultNumProcs(%d): got %d, expected %d", ncpu, got, expected)
		}
	}
}

func TestConfigSchema(t *testing.T) {
	cfg := DefaultConfig()
	s, err := cfg.Schema()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(DefaultSchema().Fields(), s.Fields()); diff != "" {
		t.Errorf("Default schema mismatch (-want +got):\n%s", diff)
	}

	cfg.Fields = []FieldSpec{
		{Name: "pval", Type: TypeFloat, Nullable: true},
		{Name: "n", Type: TypeInt},
	}
	s, err = cfg.Schema()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"pval", "n"}, s.Fields()); diff != "" {
		t.Errorf("Custom schema mismatch (-want +got):\n%s", diff)
	}

	cfg.Fields = append(cfg.Fields, FieldSpec{Name: "pos", Type: TypeInt})
	if _, err := cfg.Schema(); err == nil {
		t.Errorf("Redeclaring a key column should be an error")
	}
}

func TestPhenoName(t *testing.T) {
	for path, expected := range map[string]string{
		"/data/ldl.tsv.gz":   "ldl",
		"hdl.txt":            "hdl",
		"nested/dir/bmi.zst": "bmi",
		"plain":              "plain",
	} {
		if got := PhenoName(path); got != expected {
			t.Errorf("PhenoName(%s): got %s, expected %s", path, got, expected)
		}
	}
}

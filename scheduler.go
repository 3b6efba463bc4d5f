package cpra

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/carbocation/pfx"
	"github.com/oklog/ulid/v2"
)

// Defaults for SitesConfig, matching the batch sizes that proved useful for
// catalogue construction.
const (
	DefaultFanIn    = 8
	DefaultMinBatch = 4
)

const mergedPrefix = "merged-"

// SitesConfig describes one catalogue run.
type SitesConfig struct {
	// Sources are the original per-study sorted streams. They are read but
	// never modified or deleted.
	Sources []string

	// Output is the final catalogue path.
	Output string

	// WorkDir holds intermediate merge outputs. It defaults to a tmp
	// directory beside Output and must not be shared between runs with
	// different outputs.
	WorkDir string

	NumProcs int
	FanIn    int
	MinBatch int

	Schema *Schema
	Opener *Opener

	// SourceOptions apply when reading original sources. Intermediates were
	// already filtered and projected when they were written.
	SourceOptions ReaderOptions
	Merge         MergeOptions

	// stamps holds the version of every source at the start of the run.
	stamps map[string]SourceStamp
}

// SitesResult summarizes a catalogue run.
type SitesResult struct {
	UpToDate   bool
	Resumed    int
	Tasks      int
	Generation int
	Records    int64
}

func (cfg *SitesConfig) normalize() error {
	if len(cfg.Sources) == 0 {
		return errors.New("no sources to merge")
	}
	if cfg.Output == "" {
		return errors.New("no output path")
	}
	seen := make(map[string]bool, len(cfg.Sources))
	for _, s := range cfg.Sources {
		if seen[s] {
			return fmt.Errorf("source %s is listed twice", s)
		}
		seen[s] = true
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(filepath.Dir(cfg.Output), "tmp")
	}
	if cfg.NumProcs < 1 {
		cfg.NumProcs = 1
	}
	if cfg.FanIn < 2 {
		cfg.FanIn = DefaultFanIn
	}
	if cfg.MinBatch < 2 {
		cfg.MinBatch = DefaultMinBatch
	}
	if cfg.Schema == nil {
		cfg.Schema = DefaultSchema()
	}
	if cfg.Opener == nil {
		cfg.Opener = NewOpener()
	}
	return nil
}

// prepare normalizes cfg and stamps every source as it is now.
func (cfg *SitesConfig) prepare(ctx context.Context) error {
	if err := cfg.normalize(); err != nil {
		return err
	}
	cfg.stamps = make(map[string]SourceStamp, len(cfg.Sources))
	for _, s := range cfg.Sources {
		st, err := cfg.Opener.Stat(ctx, s)
		if err != nil {
			return err
		}
		cfg.stamps[s] = st
	}
	return nil
}

// optionsKey describes everything besides the sources that shapes the
// content of a merged stream.
func (cfg *SitesConfig) optionsKey() string {
	return fmt.Sprintf("fields=%s source=%+v merge=%+v", strings.Join(cfg.Schema.Fields(), ","), cfg.SourceOptions, cfg.Merge)
}

func (cfg *SitesConfig) manifest(sources []string, generation int, records int64) Manifest {
	m := Manifest{
		Sources:    sources,
		Stamps:     make(map[string]SourceStamp, len(sources)),
		Options:    cfg.optionsKey(),
		Generation: generation,
		Records:    records,
	}
	for _, s := range sources {
		m.Stamps[s] = cfg.stamps[s]
	}
	return m
}

// current reports whether m was built under the present options from the
// present version of every source it names.
func (cfg *SitesConfig) current(m Manifest) bool {
	if m.Options != cfg.optionsKey() {
		return false
	}
	for _, s := range m.Sources {
		now, ok := cfg.stamps[s]
		if !ok || m.Stamps[s] != now {
			return false
		}
	}
	return true
}

// RunSites collapses every source into one sorted, deduplicated catalogue.
//
// Work is shared by NumProcs workers through a pool of pending streams; each
// worker claims up to FanIn streams, merges them without holding any lock and
// returns the result to the pool. Merged intermediates are only visible once
// complete and carry a manifest of the sources they cover, so a killed run
// that is started again resumes from whatever it had finished. If the output
// already covers exactly the given sources, in their present versions and
// under the same options, RunSites does nothing.
//
// A failing task stops the handing out of new work; tasks in flight are
// allowed to finish and their outputs are kept for the next attempt.
func RunSites(ctx context.Context, cfg SitesConfig) (SitesResult, error) {
	var res SitesResult
	if err := cfg.prepare(ctx); err != nil {
		return res, err
	}

	sources := append([]string(nil), cfg.Sources...)
	sort.Strings(sources)

	if err := adoptFinalManifest(&cfg, sources); err != nil {
		return res, err
	}
	if m, err := readManifest(cfg.Output); err == nil && sameSources(m.Sources, sources) && cfg.current(m) {
		if _, err := os.Stat(cfg.Output); err == nil {
			log.Println("The list of sites is up-to-date!")
			res.UpToDate = true
			res.Generation = m.Generation
			res.Records = m.Records
			return res, nil
		}
	}

	if err := os.MkdirAll(cfg.WorkDir, 0755); err != nil {
		return res, pfx.Err(err)
	}
	if n, err := removeStaleParts(cfg.WorkDir, ""); err != nil {
		return res, err
	} else if n > 0 {
		log.Printf("Removed %d partial files from %s\n", n, cfg.WorkDir)
	}
	if _, err := removeStaleParts(filepath.Dir(cfg.Output), filepath.Base(cfg.Output)); err != nil {
		return res, err
	}

	pending, err := recoverStreams(&cfg, sources)
	if err != nil {
		return res, err
	}
	for _, s := range pending {
		if s.intermediate() {
			res.Resumed++
		}
	}
	if res.Resumed > 0 {
		log.Printf("Resuming with %d merged files covering earlier work\n", res.Resumed)
	}

	log.Println("number of files to merge:", len(pending))
	log.Println("number of workers:", cfg.NumProcs)

	pool := newWorkPool(pending, cfg.NumProcs)

	var wg sync.WaitGroup
	for i := 0; i < cfg.NumProcs; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			runMergeWorker(ctx, workerID, &cfg, pool)
		}(i)
	}
	wg.Wait()
	log.Println("all workers returned")

	res.Tasks = pool.tasks
	if len(pool.errs) > 0 {
		return res, errors.Join(pool.errs...)
	}
	if len(pool.pending) != 1 || !pool.pending[0].intermediate() {
		return res, fmt.Errorf("merge finished with %d pending streams", len(pool.pending))
	}

	// The old manifest goes first so that it can never vouch for new data.
	final := pool.pending[0]
	if err := os.Remove(manifestPath(cfg.Output)); err != nil && !os.IsNotExist(err) {
		return res, pfx.Err(err)
	}
	if err := renameDurable(final.Path, cfg.Output); err != nil {
		return res, err
	}
	if err := renameDurable(manifestPath(final.Path), manifestPath(cfg.Output)); err != nil {
		return res, err
	}

	res.Generation = final.Generation
	res.Records = final.Records
	return res, nil
}

func runMergeWorker(ctx context.Context, workerID int, cfg *SitesConfig, pool *workPool) {
	for {
		if err := ctx.Err(); err != nil {
			pool.abort(err)
		}

		batch, ok := pool.claim(cfg.FanIn, cfg.MinBatch)
		if !ok {
			return
		}
		log.Printf("worker %d is now merging %4d files, %4d files remaining\n", workerID, len(batch), pool.remaining())

		start := time.Now()
		out, err := mergeBatch(ctx, cfg, batch)
		if err != nil {
			inputs := make([]string, len(batch))
			for i, s := range batch {
				inputs[i] = s.Path
			}
			pool.fail(&TaskError{Inputs: inputs, Output: out.Path, Err: err})
			continue
		}
		pool.complete(out)
		log.Printf("remaining files to merge: %4d (worker %d just did %d files in %.0f seconds)\n", pool.remaining(), workerID, len(batch), time.Since(start).Seconds())
	}
}

// mergeBatch merges one claimed batch into a new intermediate. The manifest
// is written before the stream becomes visible; consumed intermediates are
// deleted only after it is.
func mergeBatch(ctx context.Context, cfg *SitesConfig, batch []stream) (stream, error) {
	out := stream{
		Path: filepath.Join(cfg.WorkDir, mergedPrefix+ulid.Make().String()+".tsv"),
	}

	inputs := make([]MergeSource, len(batch))
	for i, s := range batch {
		inputs[i] = MergeSource{Path: s.Path}
		if !s.intermediate() {
			inputs[i].Options = cfg.SourceOptions
		} else {
			inputs[i].Options.AllowExtraFields = cfg.Merge.AllowExtraFields
		}
		out.Sources = append(out.Sources, s.Sources...)
		if s.Generation >= out.Generation {
			out.Generation = s.Generation + 1
		}
	}
	sort.Strings(out.Sources)

	if err := writeManifest(out.Path, cfg.manifest(out.Sources, out.Generation, 0)); err != nil {
		return out, err
	}

	stats, err := MergeFiles(ctx, cfg.Opener, cfg.Schema, inputs, out.Path, cfg.Merge)
	if err != nil {
		removeStream(out.Path)
		return out, err
	}
	out.Records = stats.Records

	// Rewrite the manifest with the record count now that the stream is in
	// place. The earlier manifest already made the stream trustworthy.
	m := cfg.manifest(out.Sources, out.Generation, out.Records)
	m.Complete = true
	if err := writeManifest(out.Path, m); err != nil {
		return out, err
	}

	for _, s := range batch {
		if s.intermediate() {
			if err := removeStream(s.Path); err != nil {
				return out, err
			}
		}
	}
	return out, nil
}

// adoptFinalManifest restores the manifest of an output that a killed run
// renamed into place without moving its manifest after it.
func adoptFinalManifest(cfg *SitesConfig, sources []string) error {
	if _, err := os.Stat(cfg.Output); err != nil {
		return nil
	}
	if _, err := os.Stat(manifestPath(cfg.Output)); err == nil {
		return nil
	}

	entries, err := os.ReadDir(cfg.WorkDir)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return pfx.Err(err)
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, mergedPrefix) || !strings.HasSuffix(name, manifestSuffix) {
			continue
		}
		path := filepath.Join(cfg.WorkDir, strings.TrimSuffix(name, manifestSuffix))
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			continue
		}
		m, err := readManifest(path)
		if err != nil || !m.Complete || !sameSources(m.Sources, sources) || !cfg.current(m) {
			continue
		}
		log.Printf("Restoring the manifest of %s from %s\n", cfg.Output, name)
		return renameDurable(manifestPath(path), manifestPath(cfg.Output))
	}
	return nil
}

// recoverStreams seeds the pool for a run over sources. Intermediates in the
// work directory whose manifest is current are reused when their coverage is
// not already contained in a larger intermediate; everything else there is
// stale and is removed. Sources not covered by a reused intermediate are
// returned as originals.
func recoverStreams(cfg *SitesConfig, sources []string) ([]stream, error) {
	workDir := cfg.WorkDir
	entries, err := os.ReadDir(workDir)
	if err != nil {
		return nil, pfx.Err(err)
	}

	var candidates []stream
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, mergedPrefix) {
			continue
		}
		path := filepath.Join(workDir, name)

		if strings.HasSuffix(name, manifestSuffix) {
			// A manifest whose stream never landed.
			if _, err := os.Stat(strings.TrimSuffix(path, manifestSuffix)); os.IsNotExist(err) {
				if err := os.Remove(path); err != nil {
					return nil, pfx.Err(err)
				}
			}
			continue
		}

		m, err := readManifest(path)
		if err != nil || !cfg.current(m) {
			if err := removeStream(path); err != nil {
				return nil, err
			}
			continue
		}
		candidates = append(candidates, stream{Path: path, Sources: m.Sources, Generation: m.Generation, Records: m.Records})
	}

	// Larger coverage first: a crash between writing an output and deleting
	// its inputs leaves inputs whose coverage is a subset of the output's.
	sort.SliceStable(candidates, func(i, j int) bool {
		return len(candidates[i].Sources) > len(candidates[j].Sources)
	})

	covered := make(map[string]bool)
	var pending []stream
	for _, c := range candidates {
		usable := c.Generation > 0
		for _, s := range c.Sources {
			if covered[s] {
				usable = false
				break
			}
		}
		if !usable {
			if err := removeStream(c.Path); err != nil {
				return nil, err
			}
			continue
		}
		for _, s := range c.Sources {
			covered[s] = true
		}
		pending = append(pending, c)
	}

	for _, s := range sources {
		if !covered[s] {
			pending = append(pending, stream{Path: s, Sources: []string{s}})
		}
	}
	return pending, nil
}

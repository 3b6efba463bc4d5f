package cpra

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// siteSources writes n sources. Source i holds its own five variants plus two
// variants shared by every source with identical payloads.
func siteSources(t *testing.T, dir string, n int) []string {
	t.Helper()
	var paths []string
	for i := 0; i < n; i++ {
		lines := []string{"chrom\tpos\tref\talt\trsids\tnearest_genes\tpval"}
		for j := 1; j <= 5; j++ {
			pos := i*10 + j
			lines = append(lines, fmt.Sprintf("1\t%d\tA\tG\trs%d\tGENE\t0.%d", pos, pos, j))
		}
		lines = append(lines,
			"1\t1000\tC\tT\trs1000\tSHARED\t0.5",
			fmt.Sprintf("X\t5\tA\tC\t.\t\t0.0%d", i+1),
		)
		paths = append(paths, writeLines(t, dir, fmt.Sprintf("study%d.tsv", i), lines...))
	}
	return paths
}

func sitesConfig(sources []string, out string, procs int) SitesConfig {
	return SitesConfig{
		Sources:       sources,
		Output:        out,
		NumProcs:      procs,
		FanIn:         3,
		MinBatch:      3,
		SourceOptions: ReaderOptions{OnlyPerVariantFields: true},
	}
}

func TestRunSitesNineStreams(t *testing.T) {
	for _, procs := range []int{1, 2, 4} {
		t.Run(fmt.Sprintf("procs%d", procs), func(t *testing.T) {
			dir := t.TempDir()
			var sources []string
			for i := 0; i < 9; i++ {
				sources = append(sources, writeLines(t, dir, fmt.Sprintf("s%d.tsv", i),
					"chrom\tpos\tref\talt\trsids",
					fmt.Sprintf("2\t%d\tA\tC\trs%d", 100-i, i),
				))
			}
			out := filepath.Join(dir, "sites.tsv")

			res, err := RunSites(context.Background(), sitesConfig(sources, out, procs))
			if err != nil {
				t.Fatal(err)
			}
			if res.Generation != 2 || res.Tasks != 4 {
				t.Errorf("Got generation %d after %d tasks, expected 2 rounds of 4 tasks", res.Generation, res.Tasks)
			}
			if res.Records != 9 {
				t.Errorf("Got %d records, expected 9", res.Records)
			}

			got := readAll(t, out)
			if len(got) != 9 || got[0].Key.Pos != 92 || got[8].Key.Pos != 100 {
				t.Errorf("Got %v", keysOf(got))
			}
			for _, s := range sources {
				if !fileExists(s) {
					t.Errorf("Original source %s was deleted", s)
				}
			}
		})
	}
}

func TestRunSitesCatalogue(t *testing.T) {
	dir := t.TempDir()
	sources := siteSources(t, dir, 7)
	out := filepath.Join(dir, "sites", "sites.tsv")

	res, err := RunSites(context.Background(), sitesConfig(sources, out, 3))
	if err != nil {
		t.Fatal(err)
	}
	if res.UpToDate {
		t.Errorf("A first run cannot be up to date")
	}

	got := readAll(t, out)
	// 7 sources x 5 own variants, the shared variant, and the X variant whose
	// per-variant fields agree across sources.
	if len(got) != 7*5+2 {
		t.Fatalf("Got %d records, expected %d", len(got), 7*5+2)
	}
	if diff := cmp.Diff([]string{"rsids", "nearest_genes"}, got[0].Fields); diff != "" {
		t.Errorf("Catalogue should hold only per-variant fields (-want +got):\n%s", diff)
	}
	if last := got[len(got)-1].Key.String(); last != "X:5:A:C" {
		t.Errorf("Got last key %s, expected X:5:A:C", last)
	}

	m, err := readManifest(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Sources) != 7 || m.Records != int64(len(got)) {
		t.Errorf("Got manifest %+v", m)
	}

	// Every intermediate was consumed.
	entries, err := os.ReadDir(filepath.Join(dir, "sites", "tmp"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("Intermediates left behind: %d", len(entries))
	}
}

func TestRunSitesIdempotent(t *testing.T) {
	dir := t.TempDir()
	sources := siteSources(t, dir, 5)
	out := filepath.Join(dir, "sites.tsv")

	if _, err := RunSites(context.Background(), sitesConfig(sources, out, 2)); err != nil {
		t.Fatal(err)
	}
	first, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	info, _ := os.Stat(out)

	res, err := RunSites(context.Background(), sitesConfig(sources, out, 2))
	if err != nil {
		t.Fatal(err)
	}
	if !res.UpToDate || res.Tasks != 0 {
		t.Errorf("Got %+v, expected an up-to-date run with no tasks", res)
	}

	second, _ := os.ReadFile(out)
	if string(first) != string(second) {
		t.Errorf("Output changed on a repeated run")
	}
	if info2, _ := os.Stat(out); !info2.ModTime().Equal(info.ModTime()) {
		t.Errorf("Output was rewritten on a repeated run")
	}

	// A changed source set is not up to date.
	more := append(sources, siteSources(t, t.TempDir(), 1)...)
	res, err = RunSites(context.Background(), sitesConfig(more, out, 2))
	if err != nil {
		t.Fatal(err)
	}
	if res.UpToDate || res.Tasks == 0 {
		t.Errorf("Got %+v, expected the catalogue to be rebuilt", res)
	}
}

func TestRunSitesResumes(t *testing.T) {
	dir := t.TempDir()
	sources := siteSources(t, dir, 9)
	out := filepath.Join(dir, "sites.tsv")
	work := filepath.Join(dir, "tmp")

	// A finished intermediate from an earlier, killed run.
	seedIntermediate(t, sitesConfig(sources, out, 1), work, "01EARLIER", sources[:3], 1)

	// Debris: a partial file, a manifest without data, data without a
	// manifest and an intermediate that covers a source outside this run.
	writeLines(t, work, "."+mergedPrefix+"02PARTIAL.tsv.123"+partSuffix, "garbage")
	writeLines(t, work, mergedPrefix+"03ORPHAN.tsv.json", `{"sources":["x"],"generation":1}`)
	writeLines(t, work, mergedPrefix+"04NOMANIFEST.tsv", "garbage")
	foreign := writeLines(t, work, mergedPrefix+"05FOREIGN.tsv", "chrom\tpos\tref\talt")
	if err := writeManifest(foreign, Manifest{Sources: []string{"/elsewhere.tsv"}, Generation: 1}); err != nil {
		t.Fatal(err)
	}

	res, err := RunSites(context.Background(), sitesConfig(sources, out, 1))
	if err != nil {
		t.Fatal(err)
	}
	if res.Resumed != 1 {
		t.Errorf("Got %d resumed intermediates, expected 1", res.Resumed)
	}
	// 1 resumed + 6 originals: 3 + 3 originals, then the 3 intermediates.
	if res.Tasks != 3 || res.Generation != 2 {
		t.Errorf("Got %d tasks to generation %d, expected 3 tasks to generation 2", res.Tasks, res.Generation)
	}

	entries, err := os.ReadDir(work)
	if err != nil {
		t.Fatal(err)
	}
	var left []string
	for _, e := range entries {
		left = append(left, e.Name())
	}
	if len(left) != 0 {
		t.Errorf("Debris left in the work directory: %s", strings.Join(left, ", "))
	}

	// The resumed run matches a fresh one.
	fresh := filepath.Join(t.TempDir(), "fresh.tsv")
	if _, err := RunSites(context.Background(), sitesConfig(sources, fresh, 1)); err != nil {
		t.Fatal(err)
	}
	want, _ := os.ReadFile(fresh)
	got, _ := os.ReadFile(out)
	if string(want) != string(got) {
		t.Errorf("Resumed output differs from a fresh run")
	}
}

// seedIntermediate leaves a finished intermediate of paths in work, the way
// an earlier run under cfg would have.
func seedIntermediate(t *testing.T, cfg SitesConfig, work, name string, paths []string, generation int) string {
	t.Helper()
	if err := cfg.prepare(context.Background()); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(work, mergedPrefix+name+".tsv")
	inputs := mergeSources(paths...)
	for i := range inputs {
		inputs[i].Options = cfg.SourceOptions
	}
	stats, err := MergeFiles(context.Background(), NewOpener(), DefaultSchema(), inputs, path, cfg.Merge)
	if err != nil {
		t.Fatal(err)
	}

	covered := append([]string(nil), paths...)
	sort.Strings(covered)
	m := cfg.manifest(covered, generation, stats.Records)
	m.Complete = true
	if err := writeManifest(path, m); err != nil {
		t.Fatal(err)
	}
	return path
}

func workDirEntries(t *testing.T, work string) []string {
	t.Helper()
	entries, err := os.ReadDir(work)
	if err != nil {
		t.Fatal(err)
	}
	var out []string
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out
}

// touch moves the modification time of path into the future so that a
// rewrite is visible even on filesystems with coarse timestamps.
func touch(t *testing.T, path string) {
	t.Helper()
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}
}

func TestRunSitesResumesAfterHigherGeneration(t *testing.T) {
	dir := t.TempDir()
	sources := siteSources(t, dir, 6)
	out := filepath.Join(dir, "sites.tsv")
	work := filepath.Join(dir, "tmp")
	cfg := sitesConfig(sources, out, 1)

	// Killed after the generation 2 merge landed but before its inputs were
	// deleted.
	seedIntermediate(t, cfg, work, "01A", sources[0:2], 1)
	seedIntermediate(t, cfg, work, "02B", sources[2:4], 1)
	seedIntermediate(t, cfg, work, "03C", sources[0:4], 2)

	res, err := RunSites(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if res.Resumed != 1 || res.Tasks != 1 {
		t.Errorf("Got %d resumed and %d tasks, expected 1 and 1", res.Resumed, res.Tasks)
	}
	if res.Records != 6*5+2 {
		t.Errorf("Got %d records, expected %d", res.Records, 6*5+2)
	}
	if left := workDirEntries(t, work); len(left) != 0 {
		t.Errorf("Debris left in the work directory: %s", strings.Join(left, ", "))
	}

	fresh := filepath.Join(t.TempDir(), "fresh.tsv")
	if _, err := RunSites(context.Background(), sitesConfig(sources, fresh, 1)); err != nil {
		t.Fatal(err)
	}
	want, _ := os.ReadFile(fresh)
	got, _ := os.ReadFile(out)
	if string(want) != string(got) {
		t.Errorf("Resumed output differs from a fresh run")
	}
}

func TestRunSitesRebuildsRewrittenSource(t *testing.T) {
	dir := t.TempDir()
	header := "chrom\tpos\tref\talt\trsids"
	a := writeLines(t, dir, "a.tsv", header, "1\t100\tA\tG\trs1")
	b := writeLines(t, dir, "b.tsv", header, "1\t200\tA\tG\trs2")
	out := filepath.Join(dir, "sites.tsv")

	if _, err := RunSites(context.Background(), sitesConfig([]string{a, b}, out, 1)); err != nil {
		t.Fatal(err)
	}

	writeLines(t, dir, "b.tsv", header, "1\t200\tA\tG\trs2", "1\t300\tA\tG\trs3")
	touch(t, b)

	res, err := RunSites(context.Background(), sitesConfig([]string{a, b}, out, 1))
	if err != nil {
		t.Fatal(err)
	}
	if res.UpToDate {
		t.Errorf("A rewritten source should make the catalogue stale")
	}
	if diff := cmp.Diff([]string{"1:100:A:G", "1:200:A:G", "1:300:A:G"}, keysOf(readAll(t, out))); diff != "" {
		t.Errorf("Key mismatch (-want +got):\n%s", diff)
	}
}

func TestRunSitesDropsStaleIntermediates(t *testing.T) {
	dir := t.TempDir()
	sources := siteSources(t, dir, 5)
	out := filepath.Join(dir, "sites.tsv")
	work := filepath.Join(dir, "tmp")

	// Built from an older version of study0.
	stale := seedIntermediate(t, sitesConfig(sources, out, 1), work, "01OLD", sources[:3], 1)
	writeLines(t, dir, "study0.tsv",
		"chrom\tpos\tref\talt\trsids\tnearest_genes\tpval",
		"1\t6\tA\tG\trs6\tGENE\t0.6",
	)
	touch(t, sources[0])

	// Built under a different MAF cutoff.
	other := sitesConfig(sources, out, 1)
	other.SourceOptions.MinMAF = 0.2
	filtered := seedIntermediate(t, other, work, "02FILTERED", sources[3:], 1)

	res, err := RunSites(context.Background(), sitesConfig(sources, out, 1))
	if err != nil {
		t.Fatal(err)
	}
	if res.Resumed != 0 {
		t.Errorf("Got %d resumed intermediates, expected none", res.Resumed)
	}
	if fileExists(stale) || fileExists(filtered) {
		t.Errorf("Stale intermediates were kept")
	}

	keys := strings.Join(keysOf(readAll(t, out)), " ")
	if !strings.Contains(keys, "1:6:A:G") || strings.Contains(keys, "1:1:A:G") {
		t.Errorf("Catalogue does not reflect the rewritten source: %s", keys)
	}

	// Changing the options also makes the finished catalogue stale.
	res, err = RunSites(context.Background(), other)
	if err != nil {
		t.Fatal(err)
	}
	if res.UpToDate {
		t.Errorf("A catalogue built under other options should be rebuilt")
	}
}

func TestRunSitesRestoresFinalManifest(t *testing.T) {
	dir := t.TempDir()
	sources := siteSources(t, dir, 9)
	out := filepath.Join(dir, "sites.tsv")
	work := filepath.Join(dir, "tmp")

	if _, err := RunSites(context.Background(), sitesConfig(sources, out, 2)); err != nil {
		t.Fatal(err)
	}
	first, _ := os.ReadFile(out)

	// Killed after the data was renamed into place but before its manifest.
	if err := os.Rename(manifestPath(out), filepath.Join(work, mergedPrefix+"01FINAL.tsv"+manifestSuffix)); err != nil {
		t.Fatal(err)
	}

	res, err := RunSites(context.Background(), sitesConfig(sources, out, 2))
	if err != nil {
		t.Fatal(err)
	}
	if !res.UpToDate || res.Tasks != 0 {
		t.Errorf("Got %+v, expected the finished catalogue to be recognized", res)
	}
	if !fileExists(manifestPath(out)) {
		t.Errorf("The manifest was not restored")
	}
	if left := workDirEntries(t, work); len(left) != 0 {
		t.Errorf("Debris left in the work directory: %s", strings.Join(left, ", "))
	}
	second, _ := os.ReadFile(out)
	if string(first) != string(second) {
		t.Errorf("Output changed")
	}

	// A manifest written before its merge finished vouches for nothing.
	m, err := readManifest(out)
	if err != nil {
		t.Fatal(err)
	}
	m.Complete = false
	if err := os.Remove(manifestPath(out)); err != nil {
		t.Fatal(err)
	}
	if err := writeManifest(filepath.Join(work, mergedPrefix+"02PARTIAL.tsv"), m); err != nil {
		t.Fatal(err)
	}
	res, err = RunSites(context.Background(), sitesConfig(sources, out, 2))
	if err != nil {
		t.Fatal(err)
	}
	if res.UpToDate || res.Tasks == 0 {
		t.Errorf("Got %+v, expected a rebuild", res)
	}
}

func TestRunSitesFailure(t *testing.T) {
	dir := t.TempDir()
	sources := siteSources(t, dir, 6)
	bad := writeLines(t, dir, "unsorted.tsv",
		"chrom\tpos\tref\talt\trsids",
		"1\t500\tA\tG\trs1",
		"1\t400\tA\tG\trs2",
	)
	sources = append(sources, bad)
	out := filepath.Join(dir, "sites.tsv")

	_, err := RunSites(context.Background(), sitesConfig(sources, out, 3))
	var te *TaskError
	if !errors.As(err, &te) {
		t.Fatalf("Got %v, expected a TaskError", err)
	}
	var oe *OrderingError
	if !errors.As(err, &oe) || oe.File != bad {
		t.Errorf("Got %v, expected an OrderingError in %s", err, bad)
	}
	if fileExists(out) {
		t.Errorf("A failed run produced %s", out)
	}
	for _, s := range sources {
		if !fileExists(s) {
			t.Errorf("Original source %s was deleted", s)
		}
	}
}

func TestRunSitesSingleSource(t *testing.T) {
	dir := t.TempDir()
	sources := siteSources(t, dir, 1)
	out := filepath.Join(dir, "sites.tsv")

	res, err := RunSites(context.Background(), sitesConfig(sources, out, 4))
	if err != nil {
		t.Fatal(err)
	}
	if res.Tasks != 1 || res.Records != 7 {
		t.Errorf("Got %+v, expected one copying task of 7 records", res)
	}
	if !fileExists(sources[0]) {
		t.Errorf("The only source was consumed")
	}
}

func TestWorkPoolClaim(t *testing.T) {
	orig := func(name string) stream { return stream{Path: name, Sources: []string{name}} }

	p := newWorkPool([]stream{orig("a"), orig("b")}, 2)
	if _, ok := p.claim(3, 3); ok {
		t.Errorf("A worker with a live sibling should not take a short batch")
	}
	batch, ok := p.claim(3, 3)
	if !ok || len(batch) != 2 {
		t.Fatalf("The last live worker should take everything, got %d", len(batch))
	}
	p.complete(stream{Path: "m", Sources: []string{"a", "b"}, Generation: 1})
	if _, ok := p.claim(3, 3); ok {
		t.Errorf("A single intermediate is the final stream and should not be claimed")
	}

	p = newWorkPool([]stream{{Path: "m2", Generation: 2}, orig("a"), {Path: "m1", Generation: 1}, orig("b")}, 1)
	batch, _ = p.claim(3, 2)
	var gens []int
	for _, s := range batch {
		gens = append(gens, s.Generation)
	}
	if diff := cmp.Diff([]int{0, 0, 1}, gens); diff != "" {
		t.Errorf("Claim should prefer low generations (-want +got):\n%s", diff)
	}

	p.fail(errors.New("boom"))
	if _, ok := p.claim(3, 2); ok {
		t.Errorf("A failed pool should hand out no work")
	}
}

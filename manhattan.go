package cpra

// NOTE: `qval` means -log10(pvalue) throughout this file.

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"sort"
	"sync"

	"github.com/carbocation/pfx"
)

// ManhattanConfig controls how a phenotype's associations are reduced.
type ManhattanConfig struct {
	// NumUnbinned is the number of most significant variants kept exactly.
	NumUnbinned int `json:"num_unbinned"`

	// BinLength is the width in base pairs of a genomic bin.
	BinLength int64 `json:"bin_length"`

	// QvalBinSize is the rounding granularity of binned qvals, and
	// QvalDigits the number of decimals they are rounded to.
	QvalBinSize float64 `json:"qval_bin_size"`
	QvalDigits  int     `json:"qval_digits"`

	// SignificanceThreshold is a p-value at or below which a variant is
	// always kept exactly, even beyond NumUnbinned.
	SignificanceThreshold float64 `json:"significance_threshold"`

	// PeakMaskDistance is the distance around a peak within which other
	// variants of the same group are not peaks.
	PeakMaskDistance int64 `json:"peak_mask_distance"`
}

// DefaultManhattanConfig returns the standard reduction settings.
func DefaultManhattanConfig() ManhattanConfig {
	return ManhattanConfig{
		NumUnbinned:           500,
		BinLength:             3e6,
		QvalBinSize:           0.05,
		QvalDigits:            2,
		SignificanceThreshold: 5e-8,
		PeakMaskDistance:      500e3,
	}
}

func (c *ManhattanConfig) Normalize() {
	d := DefaultManhattanConfig()
	if c.NumUnbinned < 0 {
		c.NumUnbinned = d.NumUnbinned
	}
	if c.BinLength <= 0 {
		c.BinLength = d.BinLength
	}
	if c.QvalBinSize <= 0 {
		c.QvalBinSize = d.QvalBinSize
	}
	if c.QvalDigits <= 0 {
		c.QvalDigits = d.QvalDigits
	}
	if c.SignificanceThreshold < 0 {
		c.SignificanceThreshold = 0
	}
	if c.PeakMaskDistance < 0 {
		c.PeakMaskDistance = d.PeakMaskDistance
	}
}

// Bin summarizes the variants of one window that were not kept exactly.
type Bin struct {
	Chromosome       string       `json:"chromosome"`
	MidpointPosition int64        `json:"midpoint_position"`
	ExactValues      []float64    `json:"exact_values"`
	Extents          [][2]float64 `json:"extents"`
}

// UnbinnedVariant is a variant kept exactly.
type UnbinnedVariant struct {
	Chromosome   string   `json:"chromosome"`
	Position     int64    `json:"position"`
	Ref          string   `json:"ref"`
	Alt          string   `json:"alt"`
	MAF          *float64 `json:"maf,omitempty"`
	PValue       float64  `json:"pval"`
	NearestGenes string   `json:"nearest_genes,omitempty"`
	Peak         bool     `json:"peak,omitempty"`
}

// Manhattan is the bounded summary of one phenotype.
type Manhattan struct {
	Bins     []Bin             `json:"bins"`
	Unbinned []UnbinnedVariant `json:"unbinned"`

	// Skipped counts records without a usable p-value.
	Skipped int `json:"-"`
}

// RecordSource yields records in increasing key order. *Reader satisfies it.
type RecordSource interface {
	Read() *Record
	Error() error
}

// minPositive stands in for p = 0 so that its qval stays finite.
const minPositive = 5e-324

func neglog10(pval float64) float64 {
	if pval <= 0 {
		pval = minPositive
	}
	return -math.Log10(pval)
}

// roundedQval floors qval to a multiple of binSize and rounds away the float
// noise of that multiplication.
func roundedQval(qval, binSize float64, digits int) float64 {
	return roundTo(math.Floor(qval/binSize)*binSize, digits)
}

// qvalExtents splits a bin's qvals into isolated values and [min, max]
// extents of values closer than 1.1 bin sizes to their neighbour.
func qvalExtents(qvals []float64, binSize float64) (exact []float64, extents [][2]float64) {
	exact, extents = []float64{}, [][2]float64{}
	if len(qvals) == 0 {
		return exact, extents
	}
	sort.Float64s(qvals)

	runs := [][2]float64{{qvals[0], qvals[0]}}
	for _, q := range qvals[1:] {
		last := &runs[len(runs)-1]
		if last[1]+binSize*1.1 > q {
			last[1] = q
		} else {
			runs = append(runs, [2]float64{q, q})
		}
	}
	for _, r := range runs {
		if r[0] == r[1] {
			exact = append(exact, r[0])
		} else {
			extents = append(extents, r)
		}
	}
	return exact, extents
}

type binKey struct {
	chrom  int
	window int64
}

// binner accumulates the rounded qvals of evicted variants per window.
type binner struct {
	cfg  ManhattanConfig
	bins map[binKey]map[float64]struct{}
}

func (b *binner) add(rec *Record, qval float64) {
	k := binKey{chrom: rec.Key.Chrom, window: rec.Key.Pos / b.cfg.BinLength}
	set, ok := b.bins[k]
	if !ok {
		set = make(map[float64]struct{})
		b.bins[k] = set
	}
	set[roundedQval(qval, b.cfg.QvalBinSize, b.cfg.QvalDigits)] = struct{}{}
}

// finish closes every bin, in chromosome and window order.
func (b *binner) finish() []Bin {
	keys := make([]binKey, 0, len(b.bins))
	for k := range b.bins {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].chrom != keys[j].chrom {
			return keys[i].chrom < keys[j].chrom
		}
		return keys[i].window < keys[j].window
	})

	out := make([]Bin, 0, len(keys))
	for _, k := range keys {
		set := b.bins[k]
		qvals := make([]float64, 0, len(set))
		for q := range set {
			qvals = append(qvals, q)
		}
		exact, extents := qvalExtents(qvals, b.cfg.QvalBinSize)
		out = append(out, Bin{
			Chromosome:       Chromosome(k.chrom),
			MidpointPosition: k.window*b.cfg.BinLength + b.cfg.BinLength/2,
			ExactValues:      exact,
			Extents:          extents,
		})
	}
	return out
}

// BinVariants reduces one phenotype's sorted associations. The NumUnbinned
// most significant variants, plus any variant at or below the significance
// threshold, are kept exactly; every other variant is folded into the bin of
// its window. Records whose p-value is missing or not finite are skipped and
// counted. Unbinned variants are returned most significant first with peaks
// labelled.
func BinVariants(src RecordSource, cfg ManhattanConfig) (*Manhattan, error) {
	cfg.Normalize()

	store := NewTopK[*Record](cfg.NumUnbinned)
	b := &binner{cfg: cfg, bins: make(map[binKey]map[float64]struct{})}
	var significant []Entry[*Record]

	m := &Manhattan{}
	var prev *Record
	for rec := src.Read(); rec != nil; rec = src.Read() {
		if prev != nil && rec.Key.Compare(prev.Key) <= 0 {
			return nil, &OrderingError{File: sourceName(src), Line: sourceLine(src), Previous: prev.Key, Current: rec.Key}
		}
		prev = rec

		pval, ok := rec.Float("pval")
		if !ok {
			m.Skipped++
			continue
		}

		evicted, ok := store.Insert(rec, neglog10(pval))
		if !ok {
			continue
		}
		if evictedP, _ := evicted.Item.Float("pval"); evictedP <= cfg.SignificanceThreshold {
			significant = append(significant, evicted)
			continue
		}
		b.add(evicted.Item, evicted.Priority)
	}
	if err := src.Error(); err != nil {
		return nil, err
	}

	kept := store.Drain()
	sort.SliceStable(significant, func(i, j int) bool { return significant[i].Priority > significant[j].Priority })
	kept = append(kept, significant...)

	m.Bins = b.finish()
	m.Unbinned = make([]UnbinnedVariant, 0, len(kept))
	for _, e := range kept {
		m.Unbinned = append(m.Unbinned, unbinnedVariant(e.Item))
	}
	LabelPeaks(m.Unbinned, cfg.PeakMaskDistance)

	return m, nil
}

func unbinnedVariant(rec *Record) UnbinnedVariant {
	v := UnbinnedVariant{
		Chromosome: Chromosome(rec.Key.Chrom),
		Position:   rec.Key.Pos,
		Ref:        rec.Key.Ref,
		Alt:        rec.Key.Alt,
	}
	v.PValue, _ = rec.Float("pval")
	if maf, ok := rec.MAF(); ok {
		v.MAF = &maf
	}
	v.NearestGenes, _ = rec.Str("nearest_genes")
	return v
}

func sourceName(src RecordSource) string {
	if r, ok := src.(*Reader); ok {
		return r.Name
	}
	return "input"
}

func sourceLine(src RecordSource) int {
	if r, ok := src.(*Reader); ok {
		return r.Line()
	}
	return 0
}

// MakeManhattan reduces the phenotype stream at in and writes its JSON
// summary to out. Nothing is written under out if reduction fails.
func MakeManhattan(ctx context.Context, opener *Opener, schema *Schema, in, out string, cfg ManhattanConfig) (*Manhattan, error) {
	r, err := opener.OpenReader(ctx, in, schema, ReaderOptions{AllowExtraFields: true})
	if err != nil {
		return nil, err
	}
	defer r.Close()

	m, err := BinVariants(r, cfg)
	if err != nil {
		return nil, err
	}
	if m.Skipped > 0 {
		log.Printf("%s: skipped %d variants without a usable p-value\n", in, m.Skipped)
	}
	if err := WriteJSONAtomic(out, m); err != nil {
		return nil, err
	}
	return m, nil
}

// ManhattanJob pairs one phenotype's sorted stream with its summary path.
type ManhattanJob struct {
	Input  string
	Output string
}

// upToDate reports whether out exists and is no older than in. Remote inputs
// are always reprocessed.
func (j ManhattanJob) upToDate() bool {
	outInfo, err := os.Stat(j.Output)
	if err != nil {
		return false
	}
	inInfo, err := os.Stat(j.Input)
	if err != nil {
		return false
	}
	return !outInfo.ModTime().Before(inInfo.ModTime())
}

// RunManhattan reduces every job on numProcs workers, skipping jobs whose
// output is already newer than their input. After the first failure no new
// job is started; jobs in flight finish and all failures are returned.
func RunManhattan(ctx context.Context, opener *Opener, schema *Schema, jobs []ManhattanJob, numProcs int, cfg ManhattanConfig) (int, error) {
	if numProcs < 1 {
		numProcs = 1
	}

	var todo []ManhattanJob
	for _, j := range jobs {
		if !j.upToDate() {
			todo = append(todo, j)
		}
	}
	if len(todo) == 0 {
		log.Println("Output files are all newer than input files, so there's nothing to do.")
		return 0, nil
	}
	if len(todo) == len(jobs) {
		log.Printf("Processing %d phenos\n", len(todo))
	} else {
		log.Printf("Processing %d phenos (%d already done)\n", len(todo), len(jobs)-len(todo))
	}

	feed := make(chan ManhattanJob)
	var (
		mu     sync.Mutex
		errs   []error
		done   int
		failed bool
	)
	isFailed := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return failed
	}

	var wg sync.WaitGroup
	wg.Add(numProcs)
	for w := 0; w < numProcs; w++ {
		go func() {
			defer wg.Done()
			for j := range feed {
				_, err := MakeManhattan(ctx, opener, schema, j.Input, j.Output, cfg)

				if err != nil {
					log.Printf("Failed %s: %v\n", j, err)
				}

				mu.Lock()
				if err != nil {
					failed = true
					errs = append(errs, &TaskError{Inputs: []string{j.Input}, Output: j.Output, Err: err})
				} else {
					done++
				}
				mu.Unlock()
			}
		}()
	}

feed:
	for _, j := range todo {
		if isFailed() {
			break
		}
		select {
		case <-ctx.Done():
			mu.Lock()
			errs = append(errs, pfx.Err(ctx.Err()))
			mu.Unlock()
			break feed
		case feed <- j:
		}
	}
	close(feed)
	wg.Wait()

	if len(errs) > 0 {
		return done, errors.Join(errs...)
	}
	log.Printf("Completed %d tasks\n", done)
	return done, nil
}

func (j ManhattanJob) String() string {
	return fmt.Sprintf("%s -> %s", j.Input, j.Output)
}

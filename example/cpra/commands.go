package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/carbocation/cpra"
	"github.com/carbocation/pfx"
	"github.com/spf13/cobra"
)

func mergeCommand() *cobra.Command {
	var (
		out            string
		perVariantOnly bool
	)
	cmd := &cobra.Command{
		Use:   "merge [flags] input...",
		Short: "Merge sorted streams into one sorted, deduplicated stream",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				return fmt.Errorf("--out is required")
			}
			cfg, schema, err := loadConfig()
			if err != nil {
				return err
			}

			opener := cpra.NewOpener()
			defer opener.Close()

			inputs := make([]cpra.MergeSource, len(args))
			for i, path := range expandHomes(args) {
				inputs[i] = cpra.MergeSource{Path: path, Options: cpra.ReaderOptions{
					AllowExtraFields:     cfg.AllowExtraFields,
					OnlyPerVariantFields: perVariantOnly,
					RoundSigFigs:         cfg.RoundSigFigs,
					MinMAF:               cfg.MinMAF,
				}}
			}
			_, err = cpra.MergeFiles(cmd.Context(), opener, schema, inputs, expandHome(out), cpra.MergeOptions{
				DuplicatesExpected: cfg.DuplicatesExpected,
				AllowExtraFields:   cfg.AllowExtraFields,
			})
			return err
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output path")
	cmd.Flags().BoolVar(&perVariantOnly, "per-variant", false, "Keep only per-variant fields")
	return cmd
}

func sitesCommand() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "sites [flags] input...",
		Short: "Build the site catalogue of every input with a resumable parallel merge",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, schema, err := loadConfig()
			if err != nil {
				return err
			}
			if out == "" {
				out = cfg.SitesPath()
			}

			opener := cpra.NewOpener()
			defer opener.Close()

			res, err := cpra.RunSites(cmd.Context(), cpra.SitesConfig{
				Sources:  expandHomes(args),
				Output:   expandHome(out),
				NumProcs: cfg.NumProcs,
				FanIn:    cfg.FanIn,
				MinBatch: cfg.MinBatch,
				Schema:   schema,
				Opener:   opener,
				SourceOptions: cpra.ReaderOptions{
					AllowExtraFields:     cfg.AllowExtraFields,
					OnlyPerVariantFields: true,
					RoundSigFigs:         cfg.RoundSigFigs,
					MinMAF:               cfg.MinMAF,
				},
				Merge: cpra.MergeOptions{
					DuplicatesExpected: cfg.DuplicatesExpected,
					AllowExtraFields:   cfg.AllowExtraFields,
				},
			})
			if err != nil {
				return err
			}
			log.Printf("%s: %d variants, %d merge tasks, generation %d\n", out, res.Records, res.Tasks, res.Generation)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output path (default: sites/sites.tsv under the data dir)")
	return cmd
}

func manhattanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manhattan input...",
		Short: "Reduce each phenotype's sorted associations to a bounded Manhattan summary",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, schema, err := loadConfig()
			if err != nil {
				return err
			}

			opener := cpra.NewOpener()
			defer opener.Close()

			jobs := make([]cpra.ManhattanJob, len(args))
			for i, in := range expandHomes(args) {
				jobs[i] = cpra.ManhattanJob{Input: in, Output: cfg.ManhattanPath(cpra.PhenoName(in))}
			}
			_, err = cpra.RunManhattan(cmd.Context(), opener, schema, jobs, cfg.NumProcs, cfg.Manhattan)
			return err
		},
	}
	return cmd
}

func indexCommand() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "index [flags] input",
		Short: "Pack a sorted stream into compressed blocks with a SQLite block index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, schema, err := loadConfig()
			if err != nil {
				return err
			}
			opts, err := cfg.IndexOptions()
			if err != nil {
				return err
			}
			in := expandHome(args[0])
			if out == "" {
				out = in + ".cpra"
			}

			opener := cpra.NewOpener()
			defer opener.Close()

			_, err = cpra.BuildIndexed(cmd.Context(), opener, schema, in, expandHome(out), opts)
			return err
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output path (default: input path plus .cpra)")
	return cmd
}

func regionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "region store chrom start end",
		Short: "Print the records of an indexed store within [start, end)",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, schema, err := loadConfig()
			if err != nil {
				return err
			}
			start, err := strconv.ParseInt(args[2], 10, 64)
			if err != nil {
				return pfx.Err(err)
			}
			end, err := strconv.ParseInt(args[3], 10, 64)
			if err != nil {
				return pfx.Err(err)
			}

			x, err := cpra.OpenIndexed(expandHome(args[0]), schema)
			if err != nil {
				return err
			}
			defer x.Close()

			recs, err := x.Region(args[1], start, end)
			if err != nil {
				return err
			}
			w := bufio.NewWriter(os.Stdout)
			defer w.Flush()
			for _, rec := range recs {
				fmt.Fprintf(w, "%s", rec.Key)
				for i, f := range rec.Fields {
					fmt.Fprintf(w, "\t%s=%s", f, rec.Values[i].Format())
				}
				fmt.Fprintln(w)
			}
			return nil
		},
	}
	return cmd
}

func bimCommand() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "bim [flags] catalogue",
		Short: "Write the site catalogue as a PLINK .bim file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, schema, err := loadConfig()
			if err != nil {
				return err
			}
			opener := cpra.NewOpener()
			defer opener.Close()

			r, err := opener.OpenReader(cmd.Context(), expandHome(args[0]), schema, cpra.ReaderOptions{AllowExtraFields: true})
			if err != nil {
				return err
			}
			defer r.Close()

			var n int
			if out != "" {
				n, err = cpra.WriteBIMFile(expandHome(out), r)
			} else {
				n, err = cpra.WriteBIM(os.Stdout, r)
			}
			if err != nil {
				return err
			}
			log.Printf("Wrote %d variants\n", n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output path (default: stdout)")
	return cmd
}

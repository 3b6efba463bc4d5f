package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/carbocation/cpra"
	"github.com/carbocation/pfx"
	"github.com/spf13/cobra"
)

var (
	configPath string
	numProcs   int
	dataDir    string
)

func main() {
	root := &cobra.Command{
		Use:           "cpra",
		Short:         "Merge sorted variant streams into a site catalogue and summarize associations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "JSON config file; built-in defaults are used when empty")
	root.PersistentFlags().IntVar(&numProcs, "procs", 0, "Number of workers; overrides the config file when positive")
	root.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Output directory; overrides the config file when set")

	root.AddCommand(
		mergeCommand(),
		sitesCommand(),
		manhattanCommand(),
		indexCommand(),
		regionCommand(),
		bimCommand(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		log.Fatalln(err)
	}
}

// loadConfig applies the persistent flags over the config file.
func loadConfig() (cpra.Config, *cpra.Schema, error) {
	cfg, err := cpra.LoadConfig(expandHome(configPath))
	if err != nil {
		return cfg, nil, err
	}
	if numProcs > 0 {
		cfg.NumProcs = numProcs
	}
	if dataDir != "" {
		cfg.DataDir = expandHome(dataDir)
	}

	schema, err := cfg.Schema()
	if err != nil {
		return cfg, nil, err
	}
	log.Printf("Using %d workers and the %s SQLite driver\n", cfg.NumProcs, cpra.WhichSQLiteDriver())
	return cfg, schema, nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	usr, err := user.Current()
	if err != nil {
		log.Fatalln(pfx.Err(err))
	}
	return filepath.Join(usr.HomeDir, path[2:])
}

func expandHomes(paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = expandHome(p)
	}
	return out
}

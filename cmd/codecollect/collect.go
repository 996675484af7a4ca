package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dgallion1/codecollect/internal/archive"
	"github.com/dgallion1/codecollect/internal/collect"
	"github.com/dgallion1/codecollect/internal/pdfsplit"
	"github.com/dgallion1/codecollect/internal/pipeline"
	"github.com/dgallion1/codecollect/internal/split"
	"github.com/dgallion1/codecollect/internal/store"
)

var (
	outDir     string
	prefix     string
	maxSizeMB  float64
	categories string
	machine    bool
	structure  bool
	documents  bool
	failFast   bool
)

var collectCmd = &cobra.Command{
	Use:   "collect <dir|archive.zip>",
	Short: "Render a project into size-bounded PDF parts",
	Long: `Render every collectable file of a project directory or zip archive into
PDF documents, one series per category, split into parts under --max-size-mb.

Examples:
  # Collect a checkout into ./out
  codecollect collect ./myapp --out ./out

  # Only iOS sources, machine-readable layout, with a structure listing
  codecollect collect myapp.zip --categories ios --machine --structure`,
	Args: cobra.ExactArgs(1),
	RunE: runCollect,
}

func init() {
	collectCmd.Flags().StringVar(&outDir, "out", "", "Output directory (defaults to output_dir from config)")
	collectCmd.Flags().StringVar(&prefix, "prefix", "", "Output file prefix (defaults to the source name)")
	collectCmd.Flags().Float64Var(&maxSizeMB, "max-size-mb", 0, "Maximum part size in MB (defaults to default_max_size_mb)")
	collectCmd.Flags().StringVar(&categories, "categories", "", "Comma-separated categories: regular, ios, android (default all)")
	collectCmd.Flags().BoolVar(&machine, "machine", false, "Use the compact machine-readable layout")
	collectCmd.Flags().BoolVar(&structure, "structure", false, "Also write a directory structure document")
	collectCmd.Flags().BoolVar(&documents, "documents", false, "Include PDF and DOCX documents as extracted text")
	collectCmd.Flags().BoolVar(&failFast, "fail-fast", false, "Stop at the first file that fails to render")
	rootCmd.AddCommand(collectCmd)
}

func runCollect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(os.Stderr, cfg.LogLevel, false)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cats, err := collect.ParseCategories(categories)
	if err != nil {
		return err
	}
	limit, err := sizeLimit(cfg.DefaultMaxSizeMB)
	if err != nil {
		return err
	}

	source := args[0]
	root := source
	cleanup := func() {}
	if strings.EqualFold(filepath.Ext(source), ".zip") {
		root, cleanup, err = extractArchive(source, cfg.WorkDir, cfg.MaxExtractBytes)
		if err != nil {
			return err
		}
	} else if fi, err := os.Stat(source); err != nil {
		return err
	} else if !fi.IsDir() {
		return fmt.Errorf("%s is neither a directory nor a .zip archive", source)
	}

	if outDir == "" {
		outDir = cfg.OutputDir
	}
	st, err := store.NewLocal(outDir)
	if err != nil {
		cleanup()
		return err
	}

	f := collect.DefaultFilter()
	if cfg.MaxFileBytes > 0 {
		f.MaxFileBytes = cfg.MaxFileBytes
	}
	p := prefix
	if p == "" {
		p = pdfsplit.Prefix(filepath.Clean(source))
	}

	job := pipeline.NewCollectJob(pipeline.CollectOptions{
		Root:        root,
		Prefix:      p,
		MaxBytes:    limit,
		Categories:  cats,
		Machine:     machine,
		Structure:   structure,
		Documents:   documents,
		FailFast:    failFast,
		Concurrency: cfg.RenderConcurrency,
		Filter:      f,
		Cleanup:     cleanup,
	}, st, nil, log)

	paths, err := runLocal(ctx, cfg, job, st, cmd.OutOrStdout(), log)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout())
	for _, path := range paths {
		fmt.Fprintln(cmd.OutOrStdout(), path)
	}
	return nil
}

// sizeLimit resolves --max-size-mb against the configured default.
func sizeLimit(def float64) (int64, error) {
	mb := maxSizeMB
	if mb == 0 {
		mb = def
	}
	limit, err := split.LimitFromMB(mb)
	if err != nil {
		return 0, fmt.Errorf("--max-size-mb: %w", err)
	}
	return limit, nil
}

// extractArchive unpacks a zip into a temporary directory under workDir and
// returns the project root inside it.
func extractArchive(path, workDir string, maxBytes int64) (string, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return "", nil, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return "", nil, err
	}

	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", nil, err
	}
	dest, err := os.MkdirTemp(workDir, "collect-*")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { os.RemoveAll(dest) }
	if _, err := archive.Extract(f, fi.Size(), dest, maxBytes); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("extract %s: %w", path, err)
	}
	return archive.TopLevelDir(dest), cleanup, nil
}

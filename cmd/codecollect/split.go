package main

import (
	"bytes"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dgallion1/codecollect/internal/pdfsplit"
	"github.com/dgallion1/codecollect/internal/pipeline"
	"github.com/dgallion1/codecollect/internal/store"
)

var optimize bool

var splitCmd = &cobra.Command{
	Use:   "split <file.pdf>",
	Short: "Split an existing PDF into size-bounded parts",
	Args:  cobra.ExactArgs(1),
	RunE:  runSplit,
}

func init() {
	splitCmd.Flags().StringVar(&outDir, "out", "", "Output directory (defaults to output_dir from config)")
	splitCmd.Flags().StringVar(&prefix, "prefix", "", "Output file prefix (defaults to the input name)")
	splitCmd.Flags().Float64Var(&maxSizeMB, "max-size-mb", 0, "Maximum part size in MB (defaults to default_max_size_mb)")
	splitCmd.Flags().BoolVar(&optimize, "optimize", false, "Optimize the input before splitting")
	rootCmd.AddCommand(splitCmd)
}

func runSplit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(os.Stderr, cfg.LogLevel, false)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	limit, err := sizeLimit(cfg.DefaultMaxSizeMB)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return fmt.Errorf("%s is not a PDF", args[0])
	}

	if outDir == "" {
		outDir = cfg.OutputDir
	}
	st, err := store.NewLocal(outDir)
	if err != nil {
		return err
	}
	p := prefix
	if p == "" {
		p = pdfsplit.Prefix(args[0])
	}

	job := pipeline.NewSplitJob(pipeline.SplitOptions{
		Data:     data,
		Prefix:   p,
		MaxBytes: limit,
		Optimize: optimize,
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

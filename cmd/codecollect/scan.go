package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dgallion1/codecollect/internal/archive"
	"github.com/dgallion1/codecollect/internal/collect"
)

var scanJSON bool

var scanCmd = &cobra.Command{
	Use:   "scan <dir|archive.zip>",
	Short: "Report what a collect run would include",
	Long: `List the excludable directories found in a project and how many files
per category a collect run would render. Archives are inspected without
being extracted.`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

func init() {
	scanCmd.Flags().BoolVar(&documents, "documents", false, "Count PDF and DOCX documents too")
	scanCmd.Flags().BoolVar(&scanJSON, "json", false, "Output results as JSON")
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	f := collect.DefaultFilter()
	if cfg.MaxFileBytes > 0 {
		f.MaxFileBytes = cfg.MaxFileBytes
	}
	f.Documents = documents

	source := args[0]
	var (
		counts     map[collect.Category]int
		excludable []string
	)
	if strings.EqualFold(filepath.Ext(source), ".zip") {
		names, err := zipNames(source)
		if err != nil {
			return err
		}
		counts = f.CountByCategory(names)
		excludable = f.DetectExcludable(names)
	} else {
		res, err := collect.Walk(cmd.Context(), source, f)
		if err != nil {
			return err
		}
		counts = make(map[collect.Category]int, len(collect.Categories))
		for _, c := range collect.Categories {
			counts[c] = len(res.Files[c])
		}
		excludable = res.Pruned
	}

	if scanJSON {
		files := make(map[string]int, len(collect.Categories))
		for _, c := range collect.Categories {
			files[string(c)] = counts[c]
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"excludable": excludable, "files": files})
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CATEGORY\tFILES")
	for _, c := range collect.Categories {
		fmt.Fprintf(w, "%s\t%d\n", c.Label(), counts[c])
	}
	w.Flush()
	if len(excludable) > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "\nExcluded directories: %s\n", strings.Join(excludable, ", "))
	}
	return nil
}

func zipNames(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return archive.Names(f, fi.Size())
}

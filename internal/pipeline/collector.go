package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dgallion1/codecollect/internal/archive"
	"github.com/dgallion1/codecollect/internal/collect"
	"github.com/dgallion1/codecollect/internal/metrics"
	"github.com/dgallion1/codecollect/internal/parser"
	"github.com/dgallion1/codecollect/internal/pdfsplit"
	"github.com/dgallion1/codecollect/internal/render"
	"github.com/dgallion1/codecollect/internal/split"
	"github.com/dgallion1/codecollect/internal/store"
)

// Progress bands of a collection run.
const (
	progressScanned  = 5
	progressRendered = 90
	progressSplit    = 97
	progressBundled  = 99
)

// structureLinesPerPage is how many tree lines share one structure page.
const structureLinesPerPage = 120

// ErrNoFiles is returned when nothing in the tree passes the filter.
var ErrNoFiles = errors.New("no files to collect")

// CollectOptions describes one collection run.
type CollectOptions struct {
	Root       string
	Prefix     string
	MaxBytes   int64
	Categories []collect.Category
	Machine    bool
	Structure  bool
	Documents  bool
	FailFast   bool
	// Concurrency bounds parallel page rendering. Zero means 4.
	Concurrency int
	// Filter overrides the default exclusion lists when its Code list is set.
	Filter collect.Filter
	// Cleanup runs once the job finishes, e.g. to remove an extracted upload.
	Cleanup func()
}

// CollectJob walks a folder tree, renders one page per file and writes
// size-bounded PDF parts per category.
type CollectJob struct {
	opts    CollectOptions
	store   store.Store
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time
	cleanup sync.Once
}

func NewCollectJob(opts CollectOptions, st store.Store, m *metrics.Metrics, log *slog.Logger) *CollectJob {
	if opts.Prefix == "" {
		opts.Prefix = "collection"
	}
	if len(opts.Categories) == 0 {
		opts.Categories = collect.Categories
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Filter.Code == nil {
		opts.Filter = collect.DefaultFilter()
	}
	opts.Filter.Documents = opts.Documents
	return &CollectJob{opts: opts, store: st, metrics: m, log: log, now: time.Now}
}

func (j *CollectJob) Kind() string { return "collect" }
func (j *CollectJob) Name() string { return j.opts.Prefix }

// Discard releases the job's input when it will never run.
func (j *CollectJob) Discard() {
	j.cleanup.Do(func() {
		if j.opts.Cleanup != nil {
			j.opts.Cleanup()
		}
	})
}

// output accumulates artifacts; pdfs lists the names that go into the bundle.
type output struct {
	artifacts []Artifact
	pdfs      []string
}

func (out *output) add(a Artifact) {
	out.artifacts = append(out.artifacts, a)
	if strings.HasSuffix(a.Name, ".pdf") {
		out.pdfs = append(out.pdfs, a.Name)
	}
}

func (j *CollectJob) Run(ctx context.Context, t *Task) ([]Artifact, error) {
	defer j.Discard()
	if j.opts.MaxBytes <= 0 {
		return nil, split.ErrInvalidLimit
	}
	log := j.log.With("task_id", t.ID(), "prefix", j.opts.Prefix)

	t.Step(1, "Scanning folder tree")
	t.Logf(LevelInfo, "Scanning %s", j.opts.Prefix)
	res, err := collect.Walk(ctx, j.opts.Root, j.opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	for _, c := range j.opts.Categories {
		t.Logf(LevelInfo, "Found %d %s files", len(res.Files[c]), c.Label())
	}
	if len(res.Pruned) > 0 {
		t.Logf(LevelInfo, "Excluded %d directories", len(res.Pruned))
	}
	if len(res.Skipped) > 0 {
		t.Logf(LevelInfo, "Skipped %d files (excluded, binary, unreadable or too large)", len(res.Skipped))
	}
	total := res.Total(j.opts.Categories...)
	if total == 0 {
		return nil, ErrNoFiles
	}
	t.Step(progressScanned, fmt.Sprintf("Found %d files", total))
	log.Info("scan complete", "files", total, "skipped", len(res.Skipped))

	out, err := j.generate(ctx, t, res, total)
	if err != nil {
		if ctx.Err() != nil || j.opts.FailFast {
			return nil, err
		}
		log.Warn("pdf generation failed, saving text files", "error", err)
		t.Logf(LevelWarning, "PDF generation failed: %v", err)
		t.Logf(LevelInfo, "Falling back to text files")
		out = &output{}
		if err := j.writeTextFiles(ctx, t, res, out); err != nil {
			return nil, err
		}
	} else {
		t.Logf(LevelSuccess, "Generated %d PDF file(s)", len(out.pdfs))
	}

	logName := j.opts.Prefix + "_log.txt"
	logData := FormatLog(j.opts.Prefix, j.now(), t.Snapshot().Logs)
	if err := j.store.Put(ctx, t.ID(), logName, logData); err != nil {
		return nil, fmt.Errorf("write log: %w", err)
	}
	out.add(Artifact{Name: logName, Kind: ArtifactLog, Size: int64(len(logData))})
	t.Step(progressBundled, "Finishing")

	return out.artifacts, nil
}

// generate renders, splits and bundles the collected files as PDFs.
func (j *CollectJob) generate(ctx context.Context, t *Task, res *collect.Result, total int) (*output, error) {
	renderer := render.New(render.Options{
		Machine: j.opts.Machine,
		Title:   j.opts.Prefix,
		Created: j.now().UTC().Truncate(time.Second),
	})

	pages := make(map[collect.Category][]render.Page)
	processed := 0
	for _, c := range j.opts.Categories {
		rendered, err := j.renderCategory(ctx, t, renderer, res.Files[c], &processed, total)
		if err != nil {
			return nil, err
		}
		pages[c] = rendered
	}

	var nonEmpty []collect.Category
	for _, c := range j.opts.Categories {
		if len(pages[c]) > 0 {
			nonEmpty = append(nonEmpty, c)
		}
	}
	if len(nonEmpty) == 0 {
		return nil, errors.New("every file failed to render")
	}

	out := &output{}
	for i, c := range nonEmpty {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := j.splitCategory(ctx, t, renderer, c, pages[c], out); err != nil {
			return nil, err
		}
		t.Step(progressRendered+(progressSplit-progressRendered)*(i+1)/len(nonEmpty),
			fmt.Sprintf("Split %s files", c.Label()))
	}

	if j.opts.Structure {
		if err := j.writeStructure(ctx, t, renderer, out); err != nil {
			return nil, err
		}
	}

	if len(out.pdfs) > 1 {
		t.Step(progressSplit, "Bundling output")
		if err := j.writeBundle(ctx, t, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type renderSlot struct {
	page render.Page
	err  error
	done chan struct{}
}

// renderCategory extracts and renders entries concurrently, consuming the
// results in order so progress and log lines follow the file order.
func (j *CollectJob) renderCategory(ctx context.Context, t *Task, r *render.Renderer, entries []collect.Entry, processed *int, total int) ([]render.Page, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	slots := make([]renderSlot, len(entries))
	for i := range slots {
		slots[i].done = make(chan struct{})
	}

	base := *processed
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		g, gctx := errgroup.WithContext(rctx)
		g.SetLimit(j.opts.Concurrency)
		for i := range entries {
			g.Go(func() error {
				defer close(slots[i].done)
				slots[i].page, slots[i].err = j.renderEntry(gctx, r, entries[i], base+i+1)
				return nil
			})
		}
		g.Wait()
	}()
	defer func() {
		cancel()
		<-finished
	}()

	var pages []render.Page
	for i, e := range entries {
		select {
		case <-slots[i].done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		*processed++
		progress := progressScanned + (progressRendered-progressScanned)*(*processed)/total
		msg := fmt.Sprintf("Processing file %d of %d", *processed, total)

		if err := slots[i].err; err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			j.metrics.RenderFailed()
			if j.opts.FailFast {
				return nil, err
			}
			t.Update(Delta{
				Progress: progress,
				Message:  msg,
				Log:      []LogLine{t.line(LevelWarning, fmt.Sprintf("Skipped %s: %v", e.Path, err))},
			})
			continue
		}
		pages = append(pages, slots[i].page)
		j.metrics.FileRendered(string(e.Category))
		t.Update(Delta{
			Progress: progress,
			Message:  msg,
			Log:      []LogLine{t.line(LevelInfo, fmt.Sprintf("Added [%s]: %s", e.Category, e.Path))},
		})
	}
	return pages, nil
}

// renderEntry extracts the text of one file and checks that it renders on
// its own. A failure here is a per-file RenderError.
func (j *CollectJob) renderEntry(ctx context.Context, r *render.Renderer, e collect.Entry, index int) (render.Page, error) {
	if err := ctx.Err(); err != nil {
		return render.Page{}, err
	}
	text, err := parser.ReadFile(e.Abs)
	if err != nil {
		return render.Page{}, &render.RenderError{Path: e.Path, Err: err}
	}
	page := render.Page{Path: e.Path, Text: text}
	if _, err := r.RenderPage(page, index); err != nil {
		return render.Page{}, err
	}
	return page, nil
}

func (j *CollectJob) series(c collect.Category) string {
	s := j.opts.Prefix + "_" + string(c)
	if j.opts.Machine {
		s += "_machine"
	}
	return s
}

func (j *CollectJob) splitCategory(ctx context.Context, t *Task, r *render.Renderer, c collect.Category, pages []render.Page, out *output) error {
	t.Logf(LevelInfo, "Splitting %d %s pages into parts of at most %s", len(pages), c.Label(), HumanSize(j.opts.MaxBytes))
	pr := r.NewPageRange(pages, func(first, last, total int) string {
		return fmt.Sprintf("%s Files (%d-%d of %d)", c.Label(), first, last, total)
	})
	plan, err := split.Split(ctx, pr, j.opts.MaxBytes)
	if err != nil {
		return fmt.Errorf("split %s: %w", c, err)
	}
	j.metrics.SplitDone(string(c), len(plan.Parts), len(plan.Oversize()), plan.Measurements)

	artifacts, err := j.writeParts(ctx, t, j.series(c), ArtifactPart, string(c), plan)
	if err != nil {
		return err
	}
	for _, a := range artifacts {
		if a.Oversize {
			t.Logf(LevelWarning, "%s holds %s alone and exceeds the size limit (%s)",
				a.Name, pr.Page(a.FirstPage).Path, HumanSize(a.Size))
		} else {
			t.Logf(LevelInfo, "Created %s: files %d-%d (%s)", a.Name, a.FirstPage, a.LastPage, HumanSize(a.Size))
		}
		out.add(a)
	}
	return nil
}

// writeParts stores every part of plan concurrently and returns their
// artifacts in emission order.
func (j *CollectJob) writeParts(ctx context.Context, t *Task, series, kind, category string, plan *split.Plan) ([]Artifact, error) {
	artifacts := make([]Artifact, len(plan.Parts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, part := range plan.Parts {
		name := pdfsplit.PartName(series, part.Index)
		artifacts[i] = Artifact{
			Name:      name,
			Kind:      kind,
			Category:  category,
			Part:      part.Index,
			FirstPage: part.First,
			LastPage:  part.Last,
			Size:      part.Size,
			Oversize:  part.Oversize,
		}
		g.Go(func() error {
			if err := j.store.Put(gctx, t.ID(), name, part.Data); err != nil {
				return fmt.Errorf("write %s: %w", name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return artifacts, nil
}

func (j *CollectJob) writeStructure(ctx context.Context, t *Task, r *render.Renderer, out *output) error {
	lines, err := collect.Structure(ctx, j.opts.Root, j.opts.Filter)
	if err != nil {
		return fmt.Errorf("folder structure: %w", err)
	}
	var pages []render.Page
	for start := 0; start < len(lines); start += structureLinesPerPage {
		end := min(start+structureLinesPerPage, len(lines))
		pages = append(pages, render.Page{Text: strings.Join(lines[start:end], "\n")})
	}
	pr := r.NewPageRange(pages, func(first, last, total int) string {
		if total == 1 {
			return "Folder Structure"
		}
		return fmt.Sprintf("Folder Structure (%d-%d of %d)", first, last, total)
	})
	plan, err := split.Split(ctx, pr, j.opts.MaxBytes)
	if err != nil {
		return fmt.Errorf("split structure: %w", err)
	}
	artifacts, err := j.writeParts(ctx, t, j.opts.Prefix+"_structure", ArtifactStructure, "", plan)
	if err != nil {
		return err
	}
	for _, a := range artifacts {
		t.Logf(LevelInfo, "Created %s (%s)", a.Name, HumanSize(a.Size))
		out.add(a)
	}
	return nil
}

// writeTextFiles stores every collected source file, unrendered, in
// {prefix}_code_files.zip under {category}/{path}.
func (j *CollectJob) writeTextFiles(ctx context.Context, t *Task, res *collect.Result, out *output) error {
	var entries []archive.Entry
	for _, c := range j.opts.Categories {
		for _, e := range res.Files[c] {
			entries = append(entries, archive.Entry{
				Name: string(c) + "/" + e.Path,
				Open: func() (io.ReadCloser, error) { return os.Open(e.Abs) },
			})
		}
	}
	t.Step(progressSplit, "Saving text files")

	var buf bytes.Buffer
	if err := archive.Bundle(&buf, entries); err != nil {
		return fmt.Errorf("text files: %w", err)
	}
	name := j.opts.Prefix + "_code_files.zip"
	if err := j.store.Put(ctx, t.ID(), name, buf.Bytes()); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	t.Logf(LevelSuccess, "Saved %d file(s) as text into %s", len(entries), name)
	out.add(Artifact{Name: name, Kind: ArtifactBundle, Size: int64(buf.Len())})
	return nil
}

func (j *CollectJob) writeBundle(ctx context.Context, t *Task, out *output) error {
	entries := make([]archive.Entry, 0, len(out.pdfs))
	for _, name := range out.pdfs {
		entries = append(entries, archive.Entry{
			Name: name,
			Open: func() (io.ReadCloser, error) { return j.store.Open(ctx, t.ID(), name) },
		})
	}
	var buf bytes.Buffer
	if err := archive.Bundle(&buf, entries); err != nil {
		return err
	}
	name := j.opts.Prefix + "_pdfs.zip"
	if err := j.store.Put(ctx, t.ID(), name, buf.Bytes()); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	t.Logf(LevelInfo, "Bundled %d PDFs into %s", len(entries), name)
	out.add(Artifact{Name: name, Kind: ArtifactBundle, Size: int64(buf.Len())})
	return nil
}

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgallion1/codecollect/internal/metrics"
	"github.com/dgallion1/codecollect/internal/pdfsplit"
	"github.com/dgallion1/codecollect/internal/split"
	"github.com/dgallion1/codecollect/internal/store"
)

// SplitOptions describes splitting one existing PDF.
type SplitOptions struct {
	Data     []byte
	Prefix   string
	MaxBytes int64
	// Optimize rewrites the input with pdfcpu's optimizer before splitting.
	Optimize bool
}

// SplitJob cuts an existing PDF into parts no larger than MaxBytes.
type SplitJob struct {
	opts    SplitOptions
	store   store.Store
	metrics *metrics.Metrics
	log     *slog.Logger
}

func NewSplitJob(opts SplitOptions, st store.Store, m *metrics.Metrics, log *slog.Logger) *SplitJob {
	if opts.Prefix == "" {
		opts.Prefix = "document"
	}
	return &SplitJob{opts: opts, store: st, metrics: m, log: log}
}

func (j *SplitJob) Kind() string { return "split" }
func (j *SplitJob) Name() string { return j.opts.Prefix }

func (j *SplitJob) Run(ctx context.Context, t *Task) ([]Artifact, error) {
	if j.opts.MaxBytes <= 0 {
		return nil, split.ErrInvalidLimit
	}
	log := j.log.With("task_id", t.ID(), "prefix", j.opts.Prefix)

	data := j.opts.Data
	t.Step(2, "Reading PDF")
	t.Logf(LevelInfo, "Input is %s, limit %s", HumanSize(int64(len(data))), HumanSize(j.opts.MaxBytes))
	if j.opts.Optimize {
		optimized := pdfsplit.Optimize(data)
		if len(optimized) < len(data) {
			t.Logf(LevelInfo, "Optimized input to %s", HumanSize(int64(len(optimized))))
		}
		data = optimized
	}

	src, err := pdfsplit.Open(data)
	if err != nil {
		return nil, err
	}
	n := src.Len()
	t.Logf(LevelInfo, "PDF has %d pages", n)
	t.Step(10, fmt.Sprintf("Splitting %d pages", n))

	started := time.Now()
	plan, err := split.Split(ctx, src, j.opts.MaxBytes, split.WithPartHook(func(p split.Part) {
		t.Update(Delta{
			Progress: 10 + 80*p.Last/max(n, 1),
			Message:  fmt.Sprintf("Placed pages 1-%d of %d", p.Last, n),
		})
	}))
	if err != nil {
		return nil, err
	}
	j.metrics.SplitDone("pdf", len(plan.Parts), len(plan.Oversize()), plan.Measurements)
	log.Info("split planned", "parts", len(plan.Parts), "measurements", plan.Measurements,
		"duration_ms", time.Since(started).Milliseconds())

	artifacts := make([]Artifact, 0, len(plan.Parts))
	for _, part := range plan.Parts {
		name := pdfsplit.PartName(j.opts.Prefix, part.Index)
		if err := j.store.Put(ctx, t.ID(), name, part.Data); err != nil {
			return nil, fmt.Errorf("write %s: %w", name, err)
		}
		if part.Oversize {
			t.Logf(LevelWarning, "%s: page %d alone is %s, over the limit", name, part.First, HumanSize(part.Size))
		} else {
			t.Logf(LevelInfo, "Created %s: pages %d-%d (%s)", name, part.First, part.Last, HumanSize(part.Size))
		}
		artifacts = append(artifacts, Artifact{
			Name:      name,
			Kind:      ArtifactPart,
			Part:      part.Index,
			FirstPage: part.First,
			LastPage:  part.Last,
			Size:      part.Size,
			Oversize:  part.Oversize,
		})
		t.Step(90+9*part.Index/len(plan.Parts), fmt.Sprintf("Wrote part %d of %d", part.Index, len(plan.Parts)))
	}
	return artifacts, nil
}

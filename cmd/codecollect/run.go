package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/dgallion1/codecollect/internal/config"
	"github.com/dgallion1/codecollect/internal/pipeline"
	"github.com/dgallion1/codecollect/internal/store"
)

// runLocal executes one job on an in-process orchestrator, printing log
// lines as they arrive, and returns the paths of the files the job wrote to
// st.
func runLocal(ctx context.Context, cfg config.Config, job pipeline.Job, st *store.Local, out io.Writer, log *slog.Logger) ([]string, error) {
	cfg.WorkerCount = 1
	reg := pipeline.NewRegistry(cfg.TaskTTL)
	orch := pipeline.NewOrchestrator(cfg, reg, nil, log)
	pub := pipeline.NewPublisher(reg, cfg.HeartbeatInterval, cfg.PublishInterval, nil, log)

	id, err := orch.Submit(job)
	if err != nil {
		return nil, err
	}
	events, err := pub.Subscribe(ctx, id)
	if err != nil {
		return nil, err
	}
	orch.Start(ctx)
	defer orch.Stop()

	var final pipeline.Event
	for ev := range events {
		for _, l := range ev.NewLog {
			fmt.Fprintln(out, l.String())
		}
		final = ev
	}

	switch final.Type {
	case pipeline.EventComplete:
	case pipeline.EventFailed:
		return nil, fmt.Errorf("%s failed: %s", job.Kind(), final.Error)
	default:
		// The feed closed early, which only happens when ctx ends.
		orch.Cancel(id)
		return nil, ctx.Err()
	}

	paths := make([]string, len(final.Results))
	for i, a := range final.Results {
		paths[i] = filepath.Join(st.TaskDir(id), a.Name)
	}
	return paths, nil
}

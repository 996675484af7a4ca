package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/dgallion1/codecollect/internal/pdfsplit"
	"github.com/dgallion1/codecollect/internal/render"
	"github.com/dgallion1/codecollect/internal/split"
)

func fixturePDF(t *testing.T) []byte {
	t.Helper()
	var sb strings.Builder
	for i := 0; i < 300; i++ {
		fmt.Fprintf(&sb, "row %04d: lorem ipsum dolor sit amet, consectetur adipiscing elit\n", i)
	}
	data, err := render.New(render.Options{}).Document("Fixture", []render.Page{{Path: "rows.txt", Text: sb.String()}})
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestSplitJob_SinglePartWhenEverythingFits(t *testing.T) {
	st := newTestStore(t)
	data := fixturePDF(t)
	job := NewSplitJob(SplitOptions{Data: data, Prefix: "report", MaxBytes: 10 << 20}, st, nil, discardLogger())

	task, results, err := runJob(t, job)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || results[0].Name != "report_part1.pdf" {
		t.Fatalf("expected a single report_part1.pdf, got %v", artifactNames(results))
	}

	src, err := pdfsplit.Open(readArtifact(t, st, task.ID(), "report_part1.pdf"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	orig, _ := pdfsplit.Open(data)
	if src.Len() != orig.Len() {
		t.Errorf("expected %d pages, got %d", orig.Len(), src.Len())
	}
}

func TestSplitJob_EveryPageOversize(t *testing.T) {
	data := fixturePDF(t)
	orig, err := pdfsplit.Open(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	job := NewSplitJob(SplitOptions{Data: data, Prefix: "report", MaxBytes: 1}, newTestStore(t), nil, discardLogger())
	_, results, err := runJob(t, job)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != orig.Len() {
		t.Fatalf("expected one part per page (%d), got %d", orig.Len(), len(results))
	}
	for i, a := range results {
		if a.Name != fmt.Sprintf("report_part%d.pdf", i+1) {
			t.Errorf("expected part %d name, got %q", i+1, a.Name)
		}
		if !a.Oversize || a.FirstPage != i+1 || a.LastPage != i+1 {
			t.Errorf("expected part %d to be page %d alone and oversize, got %+v", i+1, i+1, a)
		}
	}
}

func TestSplitJob_RejectsInvalidInput(t *testing.T) {
	job := NewSplitJob(SplitOptions{Data: []byte("not a pdf"), MaxBytes: 1 << 20}, newTestStore(t), nil, discardLogger())
	if _, _, err := runJob(t, job); err == nil {
		t.Error("expected error for invalid PDF")
	}

	job = NewSplitJob(SplitOptions{Data: fixturePDF(t)}, newTestStore(t), nil, discardLogger())
	if _, _, err := runJob(t, job); !errors.Is(err, split.ErrInvalidLimit) {
		t.Errorf("expected ErrInvalidLimit, got %v", err)
	}
}

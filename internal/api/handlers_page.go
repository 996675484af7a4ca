package api

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/dgallion1/codecollect/internal/pipeline"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

var pageTmpl = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
{{if .Refresh}}<meta http-equiv="refresh" content="2">{{end}}
</head>
<body>
{{.Body}}
</body>
</html>
`))

// resultMarkdown describes a task as Markdown: status, files and log.
func resultMarkdown(snap pipeline.TaskSnapshot) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", snap.Name)
	fmt.Fprintf(&sb, "**Status:** %s | **Progress:** %d%% | %s\n\n", snap.Status, snap.Progress, snap.Message)

	if snap.Error != "" {
		fmt.Fprintf(&sb, "> Error: %s\n\n", snap.Error)
	}

	if len(snap.Results) > 0 {
		sb.WriteString("## Files\n\n")
		sb.WriteString("| File | Pages | Size |\n|---|---|---|\n")
		for _, a := range snap.Results {
			pages := "-"
			if a.FirstPage > 0 {
				pages = fmt.Sprintf("%d-%d", a.FirstPage, a.LastPage)
			}
			size := pipeline.HumanSize(a.Size)
			if a.Oversize {
				size += " (over limit)"
			}
			fmt.Fprintf(&sb, "| [%s](%s) | %s | %s |\n", a.Name, fileURL(snap.ID, a.Name), pages, size)
		}
		sb.WriteString("\n")
	}

	fmt.Fprintf(&sb, "## Log\n\n[Download log](/api/tasks/%s/log)\n\n```\n", snap.ID)
	for _, l := range snap.Logs {
		sb.WriteString(l.String())
		sb.WriteByte('\n')
	}
	sb.WriteString("```\n")
	return sb.String()
}

func (s *Server) handleResultPage(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.snapshot(w, r)
	if !ok {
		return
	}

	var body bytes.Buffer
	if err := markdown.Convert([]byte(resultMarkdown(snap)), &body); err != nil {
		s.log.Error("render result page", "task_id", snap.ID, "error", err)
		jsonError(w, "failed to render page", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := pageTmpl.Execute(w, map[string]any{
		"Title":   snap.Name,
		"Refresh": !snap.Done(),
		"Body":    template.HTML(body.String()),
	})
	if err != nil {
		s.log.Warn("write result page", "task_id", snap.ID, "error", err)
	}
}

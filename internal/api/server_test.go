package api

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/html"

	"github.com/dgallion1/codecollect/internal/config"
	"github.com/dgallion1/codecollect/internal/metrics"
	"github.com/dgallion1/codecollect/internal/pipeline"
	"github.com/dgallion1/codecollect/internal/render"
	"github.com/dgallion1/codecollect/internal/store"
)

type testEnv struct {
	srv  *Server
	orch *pipeline.Orchestrator
}

func newTestEnv(t *testing.T, apiKey string) *testEnv {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.Default()
	cfg.APIKey = apiKey
	cfg.WorkDir = t.TempDir()
	cfg.OutputDir = t.TempDir()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.PublishInterval = 0

	st, err := store.NewLocal(cfg.OutputDir)
	if err != nil {
		t.Fatal(err)
	}
	m := metrics.New()
	reg := pipeline.NewRegistry(cfg.TaskTTL)
	orch := pipeline.NewOrchestrator(cfg, reg, m, log)
	orch.Start(context.Background())
	t.Cleanup(orch.Stop)
	pub := pipeline.NewPublisher(reg, cfg.HeartbeatInterval, cfg.PublishInterval, m, log)

	return &testEnv{srv: NewServer(orch, pub, st, m, log, cfg), orch: orch}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	return w
}

func (e *testEnv) get(path string) *httptest.ResponseRecorder {
	return e.do(httptest.NewRequest(http.MethodGet, path, nil))
}

func zipOf(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		io.WriteString(w, body)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func multipartRequest(t *testing.T, path, filename string, data []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(data)
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON %q: %v", w.Body.String(), err)
	}
	return out
}

func (e *testEnv) submit(t *testing.T, req *http.Request) string {
	t.Helper()
	w := e.do(req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	id, _ := decode(t, w)["task_id"].(string)
	if id == "" {
		t.Fatal("expected a task id")
	}
	return id
}

func (e *testEnv) waitDone(t *testing.T, id string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		w := e.get("/api/tasks/" + id)
		if w.Code != http.StatusOK {
			t.Fatalf("status: expected 200, got %d", w.Code)
		}
		status := decode(t, w)
		if status["done"] == true {
			return status
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s did not finish", id)
	return nil
}

var projectZip = map[string]string{
	"project/main.go":                   "package main\n\nfunc main() {}\n",
	"project/ios/App/AppDelegate.swift": "import UIKit\n",
	"project/node_modules/dep/index.js": "module.exports = {}\n",
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, "")
	w := env.get("/health")
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if decode(t, w)["status"] != "ok" {
		t.Errorf("unexpected body %q", w.Body.String())
	}
}

func TestAuth_RequiredWhenKeySet(t *testing.T) {
	env := newTestEnv(t, "secret")

	if w := env.get("/api/tasks/anything"); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without a token, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/anything", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	if w := env.do(req); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with a bad token, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/tasks/anything", nil)
	req.Header.Set("Authorization", "Bearer secret")
	if w := env.do(req); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for an unknown task with a good token, got %d", w.Code)
	}

	if w := env.get("/health"); w.Code != http.StatusOK {
		t.Errorf("expected health to stay public, got %d", w.Code)
	}
}

func TestCollect_EndToEnd(t *testing.T) {
	env := newTestEnv(t, "")
	id := env.submit(t, multipartRequest(t, "/api/collect", "project.zip", zipOf(t, projectZip), map[string]string{
		"prefix":      "demo",
		"max_size_mb": "1",
	}))

	status := env.waitDone(t, id)
	if status["status"] != string(pipeline.StatusComplete) {
		t.Fatalf("expected complete, got %v (error %v)", status["status"], status["error"])
	}

	w := env.get("/api/tasks/" + id + "/result")
	if w.Code != http.StatusOK {
		t.Fatalf("result: expected 200, got %d", w.Code)
	}
	var result struct {
		Files []struct {
			Name string `json:"name"`
			URL  string `json:"url"`
		} `json:"files"`
		LogURL string `json:"log_url"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}

	names := map[string]string{}
	for _, f := range result.Files {
		names[f.Name] = f.URL
	}
	for _, want := range []string{"demo_regular_part1.pdf", "demo_ios_part1.pdf", "demo_pdfs.zip", "demo_log.txt"} {
		if _, ok := names[want]; !ok {
			t.Errorf("expected file %q, got %v", want, names)
		}
	}

	dl := env.get(names["demo_regular_part1.pdf"])
	if dl.Code != http.StatusOK {
		t.Fatalf("download: expected 200, got %d", dl.Code)
	}
	if !bytes.HasPrefix(dl.Body.Bytes(), []byte("%PDF-")) {
		t.Error("expected PDF bytes")
	}
	if got := dl.Header().Get("Content-Type"); got != "application/pdf" {
		t.Errorf("expected application/pdf, got %q", got)
	}
	if !strings.Contains(dl.Header().Get("Content-Disposition"), "demo_regular_part1.pdf") {
		t.Errorf("expected attachment filename, got %q", dl.Header().Get("Content-Disposition"))
	}

	logResp := env.get(result.LogURL)
	if logResp.Code != http.StatusOK || !strings.Contains(logResp.Body.String(), "Process Log") {
		t.Errorf("expected process log, got %d %q", logResp.Code, logResp.Body.String())
	}
	if strings.Contains(logResp.Body.String(), "node_modules") {
		t.Error("expected excluded directory to stay out of the log")
	}

	if w := env.get("/api/tasks/" + id + "/files/other.pdf"); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for a file outside the results, got %d", w.Code)
	}
}

func TestEvents_StreamEndsWithComplete(t *testing.T) {
	env := newTestEnv(t, "")
	id := env.submit(t, multipartRequest(t, "/api/collect", "project.zip", zipOf(t, projectZip), map[string]string{"prefix": "demo"}))

	// The recorder blocks until the feed closes.
	w := env.get("/api/tasks/" + id + "/events")
	if got := w.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("expected event stream, got %q", got)
	}

	var events []pipeline.Event
	for _, line := range strings.Split(w.Body.String(), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev pipeline.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("bad event %q: %v", line, err)
		}
		events = append(events, ev)
	}
	if len(events) == 0 {
		t.Fatal("expected events")
	}
	last := 0
	for i, ev := range events {
		if ev.Progress < last {
			t.Errorf("event %d: progress went backwards from %d to %d", i, last, ev.Progress)
		}
		last = ev.Progress
	}
	final := events[len(events)-1]
	if final.Type != pipeline.EventComplete || !final.Done || final.Progress != 100 {
		t.Errorf("expected complete at 100, got %q done=%v at %d", final.Type, final.Done, final.Progress)
	}
}

func TestEvents_AfterCompletionSendsOneEvent(t *testing.T) {
	env := newTestEnv(t, "")
	id := env.submit(t, multipartRequest(t, "/api/collect", "project.zip", zipOf(t, projectZip), map[string]string{"prefix": "demo"}))
	env.waitDone(t, id)

	w := env.get("/api/tasks/" + id + "/events")
	if n := strings.Count(w.Body.String(), "data: "); n != 1 {
		t.Errorf("expected a single event for a finished task, got %d", n)
	}
	if !strings.Contains(w.Body.String(), `"type":"complete"`) {
		t.Errorf("expected complete event, got %q", w.Body.String())
	}
}

func anchors(t *testing.T, body string) []string {
	t.Helper()
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	var hrefs []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, a := range n.Attr {
				if a.Key == "href" {
					hrefs = append(hrefs, a.Val)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return hrefs
}

func TestResultPage_LinksEveryFile(t *testing.T) {
	env := newTestEnv(t, "")
	id := env.submit(t, multipartRequest(t, "/api/collect", "project.zip", zipOf(t, projectZip), map[string]string{"prefix": "demo"}))
	env.waitDone(t, id)

	w := env.get("/tasks/" + id)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), `http-equiv="refresh"`) {
		t.Error("expected no auto-refresh on a finished task")
	}

	links := map[string]bool{}
	for _, href := range anchors(t, w.Body.String()) {
		links[href] = true
	}
	snap, err := env.orch.Registry().Get(id)
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range snap.Results {
		if !links[fileURL(id, a.Name)] {
			t.Errorf("expected a link to %s", a.Name)
		}
	}
	if !links["/api/tasks/"+id+"/log"] {
		t.Error("expected a log download link")
	}
}

func TestResultPage_RefreshesWhileRunning(t *testing.T) {
	env := newTestEnv(t, "")
	task := env.orch.Registry().Create("collect", "pending")

	w := env.get("/tasks/" + task.ID())
	if !strings.Contains(w.Body.String(), `http-equiv="refresh"`) {
		t.Error("expected auto-refresh on an unfinished task")
	}
}

func TestSplit_EndToEnd(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 300; i++ {
		sb.WriteString("line of text for the split fixture\n")
	}
	pdf, err := render.New(render.Options{}).Document("Fixture", []render.Page{{Path: "fixture.txt", Text: sb.String()}})
	if err != nil {
		t.Fatal(err)
	}

	env := newTestEnv(t, "")
	id := env.submit(t, multipartRequest(t, "/api/split", "report.pdf", pdf, nil))
	status := env.waitDone(t, id)
	if status["status"] != string(pipeline.StatusComplete) {
		t.Fatalf("expected complete, got %v (error %v)", status["status"], status["error"])
	}

	w := env.get("/api/tasks/" + id + "/result")
	if !strings.Contains(w.Body.String(), "report_part1.pdf") {
		t.Errorf("expected report_part1.pdf in %q", w.Body.String())
	}
}

func TestSubmit_RejectsBadInput(t *testing.T) {
	env := newTestEnv(t, "")
	zipData := zipOf(t, projectZip)

	cases := []struct {
		name string
		req  *http.Request
		code int
	}{
		{"wrong extension", multipartRequest(t, "/api/collect", "project.tar", zipData, nil), http.StatusBadRequest},
		{"bad size", multipartRequest(t, "/api/collect", "project.zip", zipData, map[string]string{"max_size_mb": "-1"}), http.StatusBadRequest},
		{"size below one byte", multipartRequest(t, "/api/collect", "project.zip", zipData, map[string]string{"max_size_mb": "1e-9"}), http.StatusBadRequest},
		{"size too large", multipartRequest(t, "/api/split", "report.pdf", []byte("%PDF-1.4"), map[string]string{"max_size_mb": "1e300"}), http.StatusBadRequest},
		{"bad category", multipartRequest(t, "/api/collect", "project.zip", zipData, map[string]string{"categories": "windows"}), http.StatusBadRequest},
		{"not a zip", multipartRequest(t, "/api/collect", "project.zip", []byte("plain text"), nil), http.StatusBadRequest},
		{"unsafe path", multipartRequest(t, "/api/collect", "evil.zip", zipOf(t, map[string]string{"../evil.go": "x"}), nil), http.StatusBadRequest},
		{"not a pdf", multipartRequest(t, "/api/split", "report.pdf", []byte("plain text"), nil), http.StatusBadRequest},
		{"no file", httptest.NewRequest(http.MethodPost, "/api/split", nil), http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if w := env.do(tc.req); w.Code != tc.code {
				t.Errorf("expected %d, got %d: %s", tc.code, w.Code, w.Body.String())
			}
		})
	}
}

func TestScan(t *testing.T) {
	env := newTestEnv(t, "")
	w := env.do(multipartRequest(t, "/api/scan", "project.zip", zipOf(t, projectZip), nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var out struct {
		Entries    int            `json:"entries"`
		Excludable []string       `json:"excludable"`
		Files      map[string]int `json:"files"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.Entries != 3 {
		t.Errorf("expected 3 entries, got %d", out.Entries)
	}
	if len(out.Excludable) != 1 || out.Excludable[0] != "node_modules" {
		t.Errorf("expected node_modules to be excludable, got %v", out.Excludable)
	}
	if out.Files["regular"] != 1 || out.Files["ios"] != 1 || out.Files["android"] != 0 {
		t.Errorf("unexpected category counts %v", out.Files)
	}
}

func TestTasks_UnknownAndUnfinished(t *testing.T) {
	env := newTestEnv(t, "")

	for _, path := range []string{"/api/tasks/missing", "/api/tasks/missing/result", "/api/tasks/missing/events", "/tasks/missing"} {
		if w := env.get(path); w.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, w.Code)
		}
	}

	task := env.orch.Registry().Create("collect", "pending")
	if w := env.get("/api/tasks/" + task.ID() + "/result"); w.Code != http.StatusConflict {
		t.Errorf("expected 409 for an unfinished task, got %d", w.Code)
	}
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t, "")

	del := func(id string) int {
		return env.do(httptest.NewRequest(http.MethodDelete, "/api/tasks/"+id, nil)).Code
	}
	if code := del("missing"); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}

	task := env.orch.Registry().Create("collect", "done")
	task.Complete(nil)
	if code := del(task.ID()); code != http.StatusConflict {
		t.Errorf("expected 409 for a finished task, got %d", code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, "")
	env.get("/health")
	w := env.get("/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "codecollect_http_requests_total") {
		t.Error("expected request counter in metrics output")
	}
}

func TestOutputPrefix(t *testing.T) {
	cases := []struct {
		value, filename, want string
	}{
		{"", "my project.zip", "my_project"},
		{"custom", "x.zip", "custom"},
		{"../etc", "x.zip", "etc"},
		{"", "", "unnamed"},
		{"..", "x.zip", "collection"},
	}
	for _, c := range cases {
		if got := outputPrefix(c.value, c.filename); got != c.want {
			t.Errorf("outputPrefix(%q, %q): expected %q, got %q", c.value, c.filename, c.want, got)
		}
	}
}

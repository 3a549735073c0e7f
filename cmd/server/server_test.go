package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/toricodesthings/manuscript-review-service/internal/analysis"
	"github.com/toricodesthings/manuscript-review-service/internal/blob"
	"github.com/toricodesthings/manuscript-review-service/internal/config"
	"github.com/toricodesthings/manuscript-review-service/internal/store"
	"github.com/toricodesthings/manuscript-review-service/internal/types"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeRunner struct {
	out   analysis.Outcome
	err   error
	panic bool
	calls []string
}

func (f *fakeRunner) Start(_ context.Context, id string) (analysis.Outcome, <-chan types.JobStatus, error) {
	if f.panic {
		panic("runner exploded")
	}
	f.calls = append(f.calls, id)
	return f.out, nil, f.err
}

type testEnv struct {
	srv      *httptest.Server
	repo     *store.Store
	blobs    *blob.Dir
	blobRoot string
	runner   *fakeRunner
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	dir := t.TempDir()
	repo, err := store.Open(filepath.Join(dir, "jobs.db"), time.Minute)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	blobRoot := filepath.Join(dir, "blobs")
	blobs, err := blob.NewDir(blobRoot, 0)
	if err != nil {
		t.Fatalf("blobs: %v", err)
	}

	cfg := config.Config{
		InternalSharedSecret:  testSecret,
		MaxJSONBodyBytes:      1 << 20,
		MaxConcurrentRequests: 4,
		RateLimitEvery:        time.Millisecond,
		RateLimitBurst:        100,
		InputPrefix:           "file://manuscripts/inputs",
		ArtifactPrefix:        "file://manuscripts/analyses",
		SignedURLTTL:          time.Minute,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	runner := &fakeRunner{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := newServer(cfg, log, repo, blobs, runner, context.Background())
	srv := httptest.NewServer(s.routes())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, repo: repo, blobs: blobs, blobRoot: blobRoot, runner: runner}
}

func (e *testEnv) do(t *testing.T, method, path, body string, auth bool) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if auth {
		req.Header.Set("X-Internal-Auth", testSecret)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (e *testEnv) putInput(t *testing.T, object string, data []byte) {
	t.Helper()
	local := filepath.Join(e.blobRoot, "manuscripts", "inputs", filepath.FromSlash(object))
	if err := os.MkdirAll(filepath.Dir(local), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(local, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestHealthIsPublic(t *testing.T) {
	e := newTestEnv(t, nil)
	code, body := e.do(t, http.MethodGet, "/health", "", false)
	if code != http.StatusOK || body["status"] != "healthy" {
		t.Fatalf("unexpected health %d %v", code, body)
	}
}

func TestAPIRequiresSharedSecret(t *testing.T) {
	e := newTestEnv(t, nil)
	code, body := e.do(t, http.MethodGet, "/v1/analyses/a1", "", false)
	if code != http.StatusUnauthorized || body["code"] != "unauthorized" {
		t.Fatalf("expected 401, got %d %v", code, body)
	}

	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/metrics", nil)
	req.Header.Set("X-Internal-Auth", "wrong")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong secret, got %d", resp.StatusCode)
	}
}

func TestCreateAnalysis(t *testing.T) {
	e := newTestEnv(t, nil)

	code, body := e.do(t, http.MethodPost, "/v1/analyses",
		`{"analysisId":"a1","inputPath":"file://manuscripts/inputs/a1/paper.zip","inputType":"LATEX_ZIP"}`, true)
	if code != http.StatusCreated || body["analysisId"] != "a1" || body["status"] != "QUEUED" {
		t.Fatalf("unexpected create %d %v", code, body)
	}
	job, err := e.repo.GetJob(context.Background(), "a1")
	if err != nil || job.InputType != types.InputLatexZip {
		t.Fatalf("job not stored: %+v err=%v", job, err)
	}

	code, _ = e.do(t, http.MethodPost, "/v1/analyses",
		`{"analysisId":"a1","inputPath":"file://manuscripts/inputs/a1/paper.zip","inputType":"LATEX_ZIP"}`, true)
	if code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate, got %d", code)
	}
}

func TestCreateSniffsInputType(t *testing.T) {
	e := newTestEnv(t, nil)
	e.putInput(t, "p1/paper.pdf", []byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\ntrailer\n<<>>\n%%EOF\n"))

	code, body := e.do(t, http.MethodPost, "/v1/analyses", `{"inputPath":"file://manuscripts/inputs/p1/paper.pdf"}`, true)
	if code != http.StatusCreated || body["inputType"] != "PDF" {
		t.Fatalf("unexpected create %d %v", code, body)
	}
	id, _ := body["analysisId"].(string)
	if id == "" {
		t.Fatalf("expected generated analysis id")
	}

	code, _ = e.do(t, http.MethodPost, "/v1/analyses", `{"inputPath":"file://manuscripts/inputs/none/missing.pdf"}`, true)
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing input, got %d", code)
	}
}

func TestCreateRejectsBadRequests(t *testing.T) {
	e := newTestEnv(t, nil)
	cases := []string{
		`{"analysisId":"../x","inputPath":"file://manuscripts/inputs/a/p.pdf","inputType":"PDF"}`,
		`{"inputPath":"file://manuscripts/inputs/../../etc/passwd","inputType":"PDF"}`,
		`{"inputPath":"file://elsewhere/inputs/p.pdf","inputType":"PDF"}`,
		`{"inputPath":"file://manuscripts/inputs/a/p.pdf","inputType":"DOCX"}`,
		`{"inputPath":"file://manuscripts/inputs/a/p.pdf","extra":1}`,
		`{"inputPath":"file://manuscripts/inputs/a/p.pdf"} {}`,
	}
	for _, body := range cases {
		code, _ := e.do(t, http.MethodPost, "/v1/analyses", body, true)
		if code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", body, code)
		}
	}
}

func TestRunAnalysis(t *testing.T) {
	e := newTestEnv(t, nil)

	e.runner.out = analysis.Outcome{Accepted: true, Status: types.StatusQueued}
	code, body := e.do(t, http.MethodPost, "/v1/analyses/a1/run", "", true)
	if code != http.StatusAccepted || body["accepted"] != true {
		t.Fatalf("unexpected run %d %v", code, body)
	}
	if len(e.runner.calls) != 1 || e.runner.calls[0] != "a1" {
		t.Fatalf("runner not called: %v", e.runner.calls)
	}

	e.runner.out = analysis.Outcome{Accepted: false}
	code, body = e.do(t, http.MethodPost, "/v1/analyses/a1/run", "", true)
	if code != http.StatusConflict || body["accepted"] != false {
		t.Fatalf("expected 409 for lock conflict, got %d %v", code, body)
	}

	e.runner.err = store.ErrNotFound
	code, _ = e.do(t, http.MethodPost, "/v1/analyses/zz/run", "", true)
	if code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}

	e.runner.err = errors.New("database is locked")
	code, body = e.do(t, http.MethodPost, "/v1/analyses/a1/run", "", true)
	if code != http.StatusInternalServerError || strings.Contains(body["error"].(string), "database") {
		t.Fatalf("internal error leaked or wrong status: %d %v", code, body)
	}
}

func TestGetAnalysisHidesInternalError(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	if err := e.repo.CreateJob(ctx, types.AnalysisJob{AnalysisID: "a1", InputType: types.InputPDF, InputPath: "file://manuscripts/inputs/a1/p.pdf"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	failed := types.StatusUpdate{
		Status:   types.StatusFailed,
		Progress: 10,
		Step:     "extract",
		Error:    &types.JobError{Public: "analysis failed", Internal: "secret stack detail"},
	}
	if err := e.repo.UpdateStatus(ctx, "a1", failed); err != nil {
		t.Fatalf("update: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/v1/analyses/a1", nil)
	req.Header.Set("X-Internal-Auth", testSecret)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(raw), `"public":"analysis failed"`) {
		t.Fatalf("unexpected body %d %s", resp.StatusCode, raw)
	}
	if strings.Contains(string(raw), "secret stack detail") {
		t.Fatalf("internal diagnostic leaked: %s", raw)
	}

	code, _ := e.do(t, http.MethodGet, "/v1/analyses/missing", "", true)
	if code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
}

func TestResultURL(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	if err := e.repo.CreateJob(ctx, types.AnalysisJob{AnalysisID: "a1", InputType: types.InputText, InputPath: "file://manuscripts/inputs/a1/p.md"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	code, _ := e.do(t, http.MethodGet, "/v1/analyses/a1/result", "", true)
	if code != http.StatusConflict {
		t.Fatalf("expected 409 before ready, got %d", code)
	}

	resultPtr := "file://manuscripts/analyses/a1/result.json"
	if err := e.blobs.WriteJSON(ctx, resultPtr, map[string]string{"analysisId": "a1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := e.repo.SetPointers(ctx, "a1", types.Pointers{Result: resultPtr}); err != nil {
		t.Fatalf("pointers: %v", err)
	}
	if err := e.repo.UpdateStatus(ctx, "a1", types.StatusUpdate{Status: types.StatusReady, Progress: 100, Step: "finalize"}); err != nil {
		t.Fatalf("update: %v", err)
	}

	code, body := e.do(t, http.MethodGet, "/v1/analyses/a1/result", "", true)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d %v", code, body)
	}
	u, _ := body["url"].(string)
	if !strings.HasPrefix(u, "file://") || !strings.HasSuffix(u, "/manuscripts/analyses/a1/result.json") {
		t.Fatalf("unexpected url %q", u)
	}
}

func TestRateLimit(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) {
		c.RateLimitEvery = time.Hour
		c.RateLimitBurst = 1
	})
	if code, _ := e.do(t, http.MethodGet, "/v1/analyses/a1", "", true); code != http.StatusNotFound {
		t.Fatalf("first request should pass the limiter, got %d", code)
	}
	code, body := e.do(t, http.MethodGet, "/v1/analyses/a1", "", true)
	if code != http.StatusTooManyRequests || body["code"] != "rate_limit" {
		t.Fatalf("expected 429, got %d %v", code, body)
	}
}

func TestRecoveryTurnsPanicInto500(t *testing.T) {
	e := newTestEnv(t, nil)
	e.runner.panic = true
	code, body := e.do(t, http.MethodPost, "/v1/analyses/a1/run", "", true)
	if code != http.StatusInternalServerError || body["code"] != "internal_error" {
		t.Fatalf("expected recovered 500, got %d %v", code, body)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	e := newTestEnv(t, nil)
	code, _ := e.do(t, http.MethodDelete, "/health", "", false)
	if code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", code)
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:4000"
	if got := getClientIP(r); got != "192.0.2.1" {
		t.Fatalf("remote addr: %s", got)
	}
	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	if got := getClientIP(r); got != "203.0.113.5" {
		t.Fatalf("forwarded: %s", got)
	}
}

func TestSanitizeErrorMasksLocalRoots(t *testing.T) {
	base := t.TempDir()
	scratch := filepath.Join(base, "scratch")
	blobs := filepath.Join(base, "scratch", "blobs")
	s := newServer(config.Config{ScratchDir: scratch, LocalBlobRoot: blobs}, slog.New(slog.NewTextHandler(io.Discard, nil)), nil, nil, nil, context.Background())

	err := errors.New("open " + filepath.Join(blobs, "inputs", "a.pdf") + ": denied; unpack " + filepath.Join(scratch, "a1") + " failed")
	got := s.sanitizeError(err)
	if strings.Contains(got, base) {
		t.Fatalf("local path leaked: %q", got)
	}
	want := "open " + filepath.Join("[blobs]", "inputs", "a.pdf") + ": denied; unpack " + filepath.Join("[scratch]", "a1") + " failed"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if s.sanitizeError(nil) != "" {
		t.Fatalf("nil error should render empty")
	}
	if got := sanitizeLogString("/v1/analyses\r\n\x1b[31mx"); got != "/v1/analyses[31mx" {
		t.Fatalf("control characters kept: %q", got)
	}
}

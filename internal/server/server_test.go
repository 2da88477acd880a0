package server

import (
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

	"github.com/jo-hoe/markdrop/internal/app"
	"github.com/jo-hoe/markdrop/internal/common"
	"github.com/jo-hoe/markdrop/internal/config"
	"github.com/jo-hoe/markdrop/internal/document"
	"github.com/jo-hoe/markdrop/internal/jobs"
	"github.com/jo-hoe/markdrop/internal/llm"
	"github.com/jo-hoe/markdrop/internal/llm/mock"
	"github.com/jo-hoe/markdrop/internal/processor"
	"github.com/jo-hoe/markdrop/internal/session"
	"github.com/jo-hoe/markdrop/internal/upload"
)

// slogDiscard wraps a no-op slog handler for tests.
type slogDiscard struct{}

func (s slogDiscard) Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeClient struct {
	out string
	err error
}

func (f fakeClient) Convert(ctx context.Context, _ document.Payload) (string, error) {
	return f.out, f.err
}

// newTestServer wires the real queue, worker and session manager around c.
func newTestServer(t *testing.T, c llm.Client, mutate func(*config.Config)) (http.Handler, *session.Manager) {
	t.Helper()
	tmp := t.TempDir()
	logger := slogDiscard{}.Logger()
	cfg := &config.Config{
		Server: config.ServerConfig{
			Addr:          ":0",
			MaxUploadSize: config.ByteSize(1024 * 1024),
			StorageDir:    tmp,
			WorkerCount:   1,
			QueueCapacity: 4,
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	uploader := upload.NewUploader(tmp)
	queue := jobs.NewQueue(logger, cfg.Server.QueueCapacity, cfg.Server.WorkerCount)
	ctx, cancel := context.WithCancel(context.Background())
	if err := queue.Start(ctx, processor.New(logger, c, false)); err != nil {
		t.Fatalf("queue start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		queue.Shutdown(time.Second)
	})

	sessions := session.NewManager(logger, queue, uploader, time.Hour)
	srv := NewHTTPServer(&Service{
		Log:      logger,
		Cfg:      cfg,
		Sessions: sessions,
		Uploader: uploader,
	})
	return srv.Handler, sessions
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeState(t *testing.T, rec *httptest.ResponseRecorder) stateResponse {
	t.Helper()
	var st stateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("json: %v (%s)", err, rec.Body.String())
	}
	return st
}

func createSession(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := do(t, h, httptest.NewRequest(http.MethodPost, common.PathSessions, nil))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session: %d %s", rec.Code, rec.Body.String())
	}
	st := decodeState(t, rec)
	if st.Status != app.StatusIdle || st.SessionID == "" {
		t.Fatalf("unexpected new session: %+v", st)
	}
	return st.SessionID
}

func uploadRequest(t *testing.T, sessionID, filename string, content []byte, async bool) *http.Request {
	t.Helper()
	var b bytes.Buffer
	w := multipart.NewWriter(&b)
	fw, err := w.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := io.Copy(fw, bytes.NewReader(content)); err != nil {
		t.Fatalf("copy: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, common.PathSessions+"/"+sessionID+"/file", &b)
	req.Header.Set("Content-Type", w.FormDataContentType())
	if async {
		req.Header.Set(common.HeaderPrefer, common.PreferRespondAsync)
	}
	return req
}

func TestHealthz(t *testing.T) {
	h, _ := newTestServer(t, mock.New(config.MockSettings{Prefix: "x"}), nil)
	rec := do(t, h, httptest.NewRequest(http.MethodGet, common.PathHealthz, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestIndexServesFrontEnd(t *testing.T) {
	h, _ := newTestServer(t, mock.New(config.MockSettings{}), nil)
	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK || !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("index: %d %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(rec.Body.String(), `accept=".pdf,.png,.jpg,.jpeg,.webp,.txt,.csv,.json,.md"`) {
		t.Fatalf("picker filter missing from index")
	}
	if rec := do(t, h, httptest.NewRequest(http.MethodGet, "/nope", nil)); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown path should 404, got %d", rec.Code)
	}
}

func TestSelectFile_SynchronousCompletes(t *testing.T) {
	h, _ := newTestServer(t, fakeClient{out: "# Title\n\nBody"}, nil)
	id := createSession(t, h)

	rec := do(t, h, uploadRequest(t, id, "report.pdf", []byte("%PDF-1.4"), false))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	st := decodeState(t, rec)
	if st.Status != app.StatusCompleted || st.Markdown != "# Title\n\nBody" || st.OriginalName != "report.pdf" {
		t.Fatalf("unexpected state: %+v", st)
	}
	if st.DownloadName != "report.md" || !strings.HasSuffix(st.DownloadURL, "/"+id+"/markdown") {
		t.Fatalf("download link missing: %+v", st)
	}

	// Download
	rec = do(t, h, httptest.NewRequest(http.MethodGet, st.DownloadURL, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("download: %d", rec.Code)
	}
	if cd := rec.Header().Get("Content-Disposition"); cd != `attachment; filename=report.md` {
		t.Fatalf("content-disposition = %q", cd)
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/markdown") {
		t.Fatalf("content-type = %q", rec.Header().Get("Content-Type"))
	}
	if rec.Body.String() != "# Title\n\nBody" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestSelectFile_SynchronousRemoteFailure(t *testing.T) {
	h, _ := newTestServer(t, fakeClient{err: &llm.RemoteError{StatusCode: 429, Message: "quota exceeded"}}, nil)
	id := createSession(t, h)

	rec := do(t, h, uploadRequest(t, id, "scan.png", []byte{0x89, 'P', 'N', 'G'}, false))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	st := decodeState(t, rec)
	if st.Status != app.StatusError || st.Error == nil {
		t.Fatalf("expected error state: %+v", st)
	}
	if st.Error.Title != common.FailureTitle || st.Error.Message != "quota exceeded" {
		t.Fatalf("unexpected error: %+v", st.Error)
	}
	if st.Markdown != "" || st.DownloadURL != "" {
		t.Fatalf("no result expected on failure: %+v", st)
	}

	// No download for failed conversions.
	rec = do(t, h, httptest.NewRequest(http.MethodGet, common.PathSessions+"/"+id+"/markdown", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("download of failed conversion: %d", rec.Code)
	}
}

func TestSelectFile_AsyncAcceptedThenBusy(t *testing.T) {
	h, _ := newTestServer(t, mock.New(config.MockSettings{Delay: 200 * time.Millisecond, Prefix: "Mock"}), nil)
	id := createSession(t, h)

	rec := do(t, h, uploadRequest(t, id, "notes.txt", []byte("hello"), true))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	st := decodeState(t, rec)
	if st.Status != app.StatusProcessing || st.OriginalName != "notes.txt" {
		t.Fatalf("unexpected state: %+v", st)
	}

	// A second file is rejected while the first is converting.
	rec = do(t, h, uploadRequest(t, id, "other.txt", []byte("x"), true))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	// Reset and delete are rejected too.
	if rec := do(t, h, httptest.NewRequest(http.MethodPost, common.PathSessions+"/"+id+"/reset", nil)); rec.Code != http.StatusConflict {
		t.Fatalf("reset while processing: %d", rec.Code)
	}
	if rec := do(t, h, httptest.NewRequest(http.MethodDelete, common.PathSessions+"/"+id, nil)); rec.Code != http.StatusConflict {
		t.Fatalf("delete while processing: %d", rec.Code)
	}

	// Poll until settled.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		st = decodeState(t, do(t, h, httptest.NewRequest(http.MethodGet, common.PathSessions+"/"+id, nil)))
		if st.Status != app.StatusProcessing {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if st.Status != app.StatusCompleted {
		t.Fatalf("conversion did not complete: %+v", st)
	}
	if !strings.HasPrefix(st.Markdown, "# Mock") || !strings.Contains(st.Markdown, "`text/plain`") {
		t.Fatalf("unexpected markdown: %q", st.Markdown)
	}
}

func TestResetReturnsToIdle(t *testing.T) {
	h, _ := newTestServer(t, fakeClient{out: "done"}, nil)
	id := createSession(t, h)
	if rec := do(t, h, uploadRequest(t, id, "a.csv", []byte("a,b"), false)); rec.Code != http.StatusOK {
		t.Fatalf("upload: %d", rec.Code)
	}

	rec := do(t, h, httptest.NewRequest(http.MethodPost, common.PathSessions+"/"+id+"/reset", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("reset: %d", rec.Code)
	}
	st := decodeState(t, rec)
	if st.Status != app.StatusIdle || st.OriginalName != "" || st.Markdown != "" || st.Error != nil {
		t.Fatalf("reset state not clean: %+v", st)
	}

	// A new file can be selected again.
	if rec := do(t, h, uploadRequest(t, id, "b.json", []byte("{}"), false)); rec.Code != http.StatusOK {
		t.Fatalf("second upload: %d", rec.Code)
	}
}

func TestDeleteSession(t *testing.T) {
	h, sessions := newTestServer(t, fakeClient{out: "done"}, nil)
	id := createSession(t, h)
	rec := do(t, h, httptest.NewRequest(http.MethodDelete, common.PathSessions+"/"+id, nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	if sessions.Len() != 0 {
		t.Fatalf("session still present")
	}
	if rec := do(t, h, httptest.NewRequest(http.MethodGet, common.PathSessions+"/"+id, nil)); rec.Code != http.StatusNotFound {
		t.Fatalf("get deleted session: %d", rec.Code)
	}
}

func TestUnknownSession404(t *testing.T) {
	h, _ := newTestServer(t, fakeClient{out: "x"}, nil)
	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, common.PathSessions+"/missing", nil),
		httptest.NewRequest(http.MethodPost, common.PathSessions+"/missing/reset", nil),
		httptest.NewRequest(http.MethodGet, common.PathSessions+"/missing/markdown", nil),
		uploadRequest(t, "missing", "a.txt", []byte("x"), false),
	} {
		if rec := do(t, h, req); rec.Code != http.StatusNotFound {
			t.Fatalf("%s %s: expected 404, got %d", req.Method, req.URL.Path, rec.Code)
		}
	}
}

func TestSelectFile_RequiresFileField(t *testing.T) {
	h, _ := newTestServer(t, fakeClient{out: "x"}, nil)
	id := createSession(t, h)

	var b bytes.Buffer
	w := multipart.NewWriter(&b)
	_ = w.WriteField("other", "value")
	_ = w.Close()
	req := httptest.NewRequest(http.MethodPost, common.PathSessions+"/"+id+"/file", &b)
	req.Header.Set("Content-Type", w.FormDataContentType())
	if rec := do(t, h, req); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSelectFile_TooLarge(t *testing.T) {
	h, sessions := newTestServer(t, fakeClient{out: "x"}, func(c *config.Config) {
		c.Server.MaxUploadSize = config.ByteSize(1024)
	})
	id := createSession(t, h)

	rec := do(t, h, uploadRequest(t, id, "big.txt", bytes.Repeat([]byte("x"), 4096), false))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	s, _ := sessions.Get(id)
	if s.Machine.State().Status != app.StatusIdle {
		t.Fatalf("rejected upload must leave the session idle")
	}
}

func TestCORSPreflight(t *testing.T) {
	h, _ := newTestServer(t, fakeClient{out: "x"}, func(c *config.Config) {
		c.Server.CORSOrigins = []string{"http://localhost:5173"}
	})
	req := httptest.NewRequest(http.MethodOptions, common.PathSessions, nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := do(t, h, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("allow-origin = %q", got)
	}
}

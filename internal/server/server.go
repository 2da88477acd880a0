package server

import (
	_ "embed"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/cors"

	"github.com/jo-hoe/markdrop/internal/app"
	"github.com/jo-hoe/markdrop/internal/common"
	"github.com/jo-hoe/markdrop/internal/config"
	"github.com/jo-hoe/markdrop/internal/document"
	"github.com/jo-hoe/markdrop/internal/session"
	"github.com/jo-hoe/markdrop/internal/upload"
)

//go:embed web/index.html
var indexHTML []byte

const (
	formFieldFile = "file"

	// multipartMemory is how much of a form is buffered in memory before spilling to disk.
	multipartMemory = 8 << 20
	// multipartOverhead leaves room for boundaries and part headers on top of the file limit.
	multipartOverhead = 64 << 10

	contentTypeMarkdown = "text/markdown; charset=utf-8"
)

type Service struct {
	Log      *slog.Logger
	Cfg      *config.Config
	Sessions *session.Manager
	Uploader *upload.Uploader
}

// NewHTTPServer builds the http.Server with routes and middleware.
func NewHTTPServer(svc *Service) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc(http.MethodGet+" "+common.PathHealthz, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc(http.MethodGet+" "+common.PathIndex+"{$}", svc.handleIndex)

	mux.HandleFunc(http.MethodPost+" "+common.PathSessions, svc.handleCreateSession)
	mux.HandleFunc(http.MethodGet+" "+common.PathSessions+"/{id}", svc.handleGetSession)
	mux.HandleFunc(http.MethodDelete+" "+common.PathSessions+"/{id}", svc.handleDeleteSession)
	mux.HandleFunc(http.MethodPost+" "+common.PathSessions+"/{id}/file", svc.withUploadLimit(svc.handleSelectFile))
	mux.HandleFunc(http.MethodPost+" "+common.PathSessions+"/{id}/reset", svc.handleReset)
	mux.HandleFunc(http.MethodGet+" "+common.PathSessions+"/{id}/markdown", svc.handleDownload)

	var handler http.Handler = recoveryMiddleware(mux, svc.Log)
	if origins := svc.Cfg.Server.CORSOrigins; len(origins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Origin", "Content-Type", "Accept", common.HeaderPrefer},
			ExposedHeaders: []string{"Content-Disposition"},
		}).Handler(handler)
	}

	s := &http.Server{
		Addr:         svc.Cfg.Server.Addr,
		Handler:      loggingMiddleware(handler, svc.Log),
		ReadTimeout:  svc.Cfg.Server.ReadTimeout,
		WriteTimeout: svc.Cfg.Server.WriteTimeout,
		IdleTimeout:  svc.Cfg.Server.IdleTimeout,
	}
	return s
}

func (svc *Service) withUploadLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Enforce max body size
		if max := safeInt64(svc.Cfg.Server.MaxUploadSize); max > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, max+multipartOverhead)
		}
		next.ServeHTTP(w, r)
	}
}

func (svc *Service) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", common.ContentTypeHTML)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(indexHTML)
}

type stateResponse struct {
	SessionID    string       `json:"session_id"`
	Status       app.Status   `json:"status"`
	OriginalName string       `json:"original_name,omitempty"`
	Markdown     string       `json:"markdown,omitempty"`
	Error        *app.Failure `json:"error,omitempty"`
	DownloadURL  string       `json:"download_url,omitempty"`
	DownloadName string       `json:"download_name,omitempty"`
}

func toResponse(sessionID string, s app.State) stateResponse {
	out := stateResponse{
		SessionID:    sessionID,
		Status:       s.Status,
		OriginalName: s.OriginalName(),
		Error:        s.Failure,
	}
	if s.Status == app.StatusCompleted {
		out.Markdown = s.Markdown
		out.DownloadURL = markdownPath(sessionID)
		out.DownloadName = document.MarkdownFilename(s.OriginalName())
	}
	return out
}

func markdownPath(sessionID string) string {
	return common.PathSessions + "/" + url.PathEscape(sessionID) + "/markdown"
}

func (svc *Service) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	s := svc.Sessions.Create()
	w.Header().Set("Location", common.PathSessions+"/"+s.ID)
	writeJSON(w, http.StatusCreated, toResponse(s.ID, s.Machine.State()))
}

func (svc *Service) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s, err := svc.Sessions.Get(r.PathValue("id"))
	if err != nil {
		svc.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(s.ID, s.Machine.State()))
}

func (svc *Service) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := svc.Sessions.Delete(r.PathValue("id")); err != nil {
		svc.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (svc *Service) handleReset(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, err := svc.Sessions.Reset(id)
	if err != nil {
		svc.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(id, st))
}

func (svc *Service) handleSelectFile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	// Fail fast before reading the body.
	sess, err := svc.Sessions.Get(id)
	if err != nil {
		svc.writeError(w, err)
		return
	}
	if sess.Machine.State().Status != app.StatusIdle {
		svc.writeError(w, app.ErrBusy)
		return
	}

	// Parse multipart
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			svc.writeError(w, upload.ErrTooLarge)
			return
		}
		http.Error(w, "invalid form: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	fileHeader := r.MultipartForm.File[formFieldFile]
	if len(fileHeader) == 0 {
		http.Error(w, "file is required", http.StatusBadRequest)
		return
	}

	// Store upload; the session owns it from here on.
	file, err := svc.Uploader.Save(fileHeader[0], safeInt64(svc.Cfg.Server.MaxUploadSize))
	if err != nil {
		svc.writeError(w, err)
		return
	}

	st, err := svc.Sessions.SelectFile(id, file)
	if err != nil {
		svc.writeError(w, err)
		return
	}
	svc.Log.Info("conversion started", "session_id", id, "job_id", st.ConversionID,
		"file", file.Name, "media_type", file.MediaType, "size", file.Size)

	// Determine sync vs async based on Prefer header
	prefer := strings.ToLower(strings.TrimSpace(r.Header.Get(common.HeaderPrefer)))
	if strings.Contains(prefer, common.PreferRespondAsync) {
		w.Header().Set("Location", common.PathSessions+"/"+id)
		writeJSON(w, http.StatusAccepted, toResponse(id, st))
		return
	}

	// Synchronous path: the worker settles the machine, we wait for it.
	st, err = sess.Machine.Wait(r.Context())
	if err != nil {
		// Client went away; the conversion still settles in the background.
		svc.Log.Debug("sync wait aborted", "session_id", id, "err", err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(id, st))
}

func (svc *Service) handleDownload(w http.ResponseWriter, r *http.Request) {
	s, err := svc.Sessions.Get(r.PathValue("id"))
	if err != nil {
		svc.writeError(w, err)
		return
	}
	st := s.Machine.State()
	if st.Status != app.StatusCompleted {
		http.Error(w, "no converted markdown available", http.StatusConflict)
		return
	}
	name := document.MarkdownFilename(st.OriginalName())
	w.Header().Set("Content-Type", contentTypeMarkdown)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, st.Markdown)
}

func (svc *Service) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		http.Error(w, "session not found", http.StatusNotFound)
	case errors.Is(err, app.ErrBusy):
		http.Error(w, "a conversion is in progress or awaiting reset", http.StatusConflict)
	case errors.Is(err, upload.ErrTooLarge):
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
	case errors.Is(err, session.ErrUnavailable):
		http.Error(w, "queue full, try later", http.StatusServiceUnavailable)
	default:
		svc.Log.Error("request failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", common.ContentTypeJSON)
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

func safeInt64(u config.ByteSize) int64 {
	if u > config.ByteSize(math.MaxInt64) {
		return math.MaxInt64
	}
	return int64(u) // #nosec G115 - safe cast after explicit upper-bound check
}

func loggingMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	// Fallback to a discard logger if none provided to avoid nil deref in tests or minimal setups.
	if log == nil {
		log = discardLogger()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &writeWrap{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(ww, r)
		log.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.code,
			"duration", time.Since(start).String(),
			"remote", r.RemoteAddr)
	})
}

type writeWrap struct {
	http.ResponseWriter
	code int
}

func (w *writeWrap) WriteHeader(statusCode int) {
	w.code = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func recoveryMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	if log == nil {
		log = discardLogger()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("panic in handler", "panic", rec, "path", r.URL.Path)
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// Package server exposes clip generation over HTTP: a synchronous /generate
// endpoint and an asynchronous /tasks API backed by the redis queue.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/forPelevin/petclip/internal/log"
	"github.com/forPelevin/petclip/internal/queue"
	"github.com/forPelevin/petclip/internal/types"
)

const (
	DefaultMaxUploadBytes = 32 << 20
	DefaultRateLimit      = 10
)

var (
	photoExts = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true}
	audioExts = map[string]bool{".mp3": true, ".wav": true, ".m4a": true, ".aac": true, ".ogg": true, ".flac": true}
)

// TaskStore is the part of the queue the API needs.
type TaskStore interface {
	Enqueue(ctx context.Context, t queue.Task) (queue.Task, error)
	Status(ctx context.Context, id string) (queue.Status, error)
	Ping(ctx context.Context) error
}

type Options struct {
	// Generate runs one clip synchronously for /generate.
	Generate queue.Runner
	// Tasks backs /tasks. Nil answers 503 there.
	Tasks TaskStore
	// UploadDir keeps /tasks uploads until a worker picks them up. It must be
	// readable by the workers.
	UploadDir      string
	MaxUploadBytes int64
	// RateLimit is the per-IP request budget per minute on /generate and POST /tasks.
	RateLimit int
}

type Server struct {
	opts Options
	log  zerolog.Logger
}

func New(opts Options) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = DefaultRateLimit
	}
	if opts.UploadDir == "" {
		opts.UploadDir = filepath.Join(os.TempDir(), "petclip-uploads")
	}
	return &Server{opts: opts, log: log.WithComponent("http")}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, s.logRequests)

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.Handler())

	limited := httprate.Limit(
		s.opts.RateLimit,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "too many requests, try again later", Kind: string(types.KindRetryLater)})
		}),
	)
	r.With(limited).Post("/generate", s.generate)
	r.Route("/tasks", func(r chi.Router) {
		r.With(limited).Post("/", s.enqueue)
		r.Get("/{id}", s.status)
	})
	return r
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.opts.Tasks != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.opts.Tasks.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "redis": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) generate(w http.ResponseWriter, r *http.Request) {
	if s.opts.Generate == nil {
		s.writeError(w, r, errors.New("generation is not configured"))
		return
	}
	dir, err := os.MkdirTemp("", "petclip-upload-")
	if err != nil {
		s.writeError(w, r, fmt.Errorf("create upload dir: %w", err))
		return
	}
	defer os.RemoveAll(dir)

	task, err := s.readTask(w, r, dir)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	task.ID = middleware.GetReqID(r.Context())
	res, err := s.opts.Generate(r.Context(), task)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	if s.opts.Tasks == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "task queue is not configured", Kind: string(types.KindRetryLater)})
		return
	}
	id := uuid.NewString()
	dir := filepath.Join(s.opts.UploadDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.writeError(w, r, fmt.Errorf("create upload dir: %w", err))
		return
	}
	task, err := s.readTask(w, r, dir)
	if err != nil {
		_ = os.RemoveAll(dir)
		s.writeError(w, r, err)
		return
	}
	task.ID = id
	task, err = s.opts.Tasks.Enqueue(r.Context(), task)
	if err != nil {
		_ = os.RemoveAll(dir)
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "failed to queue task", Kind: string(types.KindRetryLater)})
		log.For(r.Context(), s.log).Error().Err(err).Msg("enqueue failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": task.ID, "status": string(queue.StateQueued)})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	if s.opts.Tasks == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "task queue is not configured", Kind: string(types.KindRetryLater)})
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "task id must be a UUID", Kind: string(types.KindClientInput)})
		return
	}
	st, err := s.opts.Tasks.Status(r.Context(), id)
	switch {
	case errors.Is(err, queue.ErrTaskNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "task not found"})
	case err != nil:
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "task status unavailable", Kind: string(types.KindRetryLater)})
		log.For(r.Context(), s.log).Error().Err(err).Str("task_id", id).Msg("status lookup failed")
	default:
		writeJSON(w, http.StatusOK, st)
	}
}

// readTask parses the multipart form, stores the photo and optional audio in
// dir and validates the enumerated options.
func (s *Server) readTask(w http.ResponseWriter, r *http.Request, dir string) (queue.Task, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.opts.MaxUploadBytes); err != nil {
		return queue.Task{}, types.InvalidParameter("form", "must be multipart/form-data within the upload limit")
	}
	defer r.MultipartForm.RemoveAll()

	t := queue.Task{
		Action: formValue(r, "action", string(types.ActionRunning)),
		Ratio:  formValue(r, "ratio", string(types.RatioPortrait)),
	}
	var err error
	if t.Duration, err = formInt(r, "duration", 5); err != nil {
		return t, err
	}
	if t.ExtendedDuration, err = formInt(r, "extended_duration", 0); err != nil {
		return t, err
	}
	if t.ExtendedDuration < 0 {
		return t, types.InvalidParameter("extended_duration", "must not be negative")
	}
	t.Message = strings.TrimSpace(r.FormValue("message"))
	if v := r.FormValue("use_local_storage"); v != "" {
		if t.UseLocalStorage, err = strconv.ParseBool(v); err != nil {
			return t, types.InvalidParameter("use_local_storage", "must be a boolean")
		}
	}
	if err := types.Action(t.Action).Validate(); err != nil {
		return t, err
	}
	if err := (types.EditParameters{Ratio: types.Ratio(t.Ratio), Duration: t.Duration}).Validate(); err != nil {
		return t, err
	}

	if t.PhotoPath, err = saveUpload(r, "photo", photoExts, dir); err != nil {
		return t, err
	}
	if t.PhotoPath == "" {
		return t, types.InvalidParameter("photo", "file is required")
	}
	if t.AudioPath, err = saveUpload(r, "audio", audioExts, dir); err != nil {
		return t, err
	}
	return t, nil
}

// saveUpload stores the named file part in dir. A missing part returns "".
func saveUpload(r *http.Request, field string, allowed map[string]bool, dir string) (string, error) {
	f, hdr, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return "", nil
	}
	if err != nil {
		return "", types.InvalidParameter(field, "could not be read")
	}
	defer f.Close()

	ext := strings.ToLower(filepath.Ext(hdr.Filename))
	if !allowed[ext] {
		return "", types.InvalidParameter(field, fmt.Sprintf("file type %q is not allowed (%s)", ext, allowedList(allowed)))
	}
	path := filepath.Join(dir, field+ext)
	if err := writeFile(path, f); err != nil {
		return "", fmt.Errorf("store %s: %w", field, err)
	}
	return path, nil
}

func writeFile(path string, src multipart.File) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func allowedList(allowed map[string]bool) string {
	var exts []string
	for _, e := range []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".mp3", ".wav", ".m4a", ".aac", ".ogg", ".flac"} {
		if allowed[e] {
			exts = append(exts, strings.TrimPrefix(e, "."))
		}
	}
	return strings.Join(exts, ", ")
}

func formValue(r *http.Request, key, def string) string {
	if v := strings.TrimSpace(r.FormValue(key)); v != "" {
		return v
	}
	return def
}

func formInt(r *http.Request, key string, def int) (int, error) {
	v := strings.TrimSpace(r.FormValue(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, types.InvalidParameter(key, "must be an integer")
	}
	return n, nil
}

// StatusFor maps an error onto the HTTP status the API answers with.
func StatusFor(err error) int {
	switch types.Classify(err) {
	case types.KindClientInput:
		return http.StatusBadRequest
	case types.KindRetryLater:
		return http.StatusServiceUnavailable
	case types.KindPermanent:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := StatusFor(err)
	kind := types.Classify(err)
	l := log.For(r.Context(), s.log)
	if code >= 500 {
		l.Error().Err(err).Int("status", code).Msg("request failed")
	} else {
		l.Info().Err(err).Int("status", code).Msg("request rejected")
	}
	msg := err.Error()
	if code == http.StatusInternalServerError {
		msg = "internal error while generating the clip"
	}
	if code == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "30")
	}
	writeJSON(w, code, errorBody{Error: msg, Kind: string(kind)})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ctx := log.ContextWithJobID(r.Context(), middleware.GetReqID(r.Context()))
		next.ServeHTTP(ww, r.WithContext(ctx))
		log.For(ctx, s.log).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"github.com/giovanniandreuzza/nimbus/internal/download"
	"github.com/giovanniandreuzza/nimbus/internal/logctx"
	"github.com/giovanniandreuzza/nimbus/internal/storage"
	"github.com/giovanniandreuzza/nimbus/internal/transfer"
)

// Downloads is the use-case surface exposed over HTTP.
type Downloads interface {
	Enqueue(ctx context.Context, url, path, name string) (*download.Task, error)
	Start(ctx context.Context, id download.ID) error
	Pause(ctx context.Context, id download.ID) error
	Resume(ctx context.Context, id download.ID) error
	Cancel(ctx context.Context, id download.ID) error
	GetTask(ctx context.Context, id download.ID) (*download.Task, error)
	GetAll(ctx context.Context) (map[download.ID]*download.Task, error)
	Observe(ctx context.Context, id download.ID) (<-chan download.State, error)
}

type EnqueueRequest struct {
	URL  string `json:"url"`
	Path string `json:"path"`
	Name string `json:"name"`
}

type StateResponse struct {
	Kind         string   `json:"kind"`
	Progress     *float64 `json:"progress,omitempty"`
	ErrorCode    string   `json:"error_code,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`
}

type TaskResponse struct {
	ID        string        `json:"id"`
	FileName  string        `json:"file_name"`
	FileURL   string        `json:"file_url"`
	FilePath  string        `json:"file_path"`
	FileSize  int64         `json:"file_size"`
	HumanSize string        `json:"human_size,omitempty"`
	State     StateResponse `json:"state"`
	Version   int64         `json:"version"`
	UpdatedAt time.Time     `json:"updated_at"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type DownloadsHandler struct {
	downloads   Downloads
	downloadDir string
	username    string
	password    string
}

// NewDownloadsHandler creates the handler. Basic auth is enforced only when
// username is set. Requested paths are confined to downloadDir.
func NewDownloadsHandler(downloads Downloads, downloadDir, username, password string) *DownloadsHandler {
	return &DownloadsHandler{
		downloads:   downloads,
		downloadDir: downloadDir,
		username:    username,
		password:    password,
	}
}

func (h *DownloadsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Post("/downloads", h.HandleEnqueue)
	r.Get("/downloads", h.HandleList)

	r.Route("/downloads/{id}", func(r chi.Router) {
		r.Get("/", h.HandleGet)
		r.Delete("/", h.HandleCancel)
		r.Post("/start", h.transition(h.downloads.Start))
		r.Post("/pause", h.transition(h.downloads.Pause))
		r.Post("/resume", h.transition(h.downloads.Resume))
		r.Get("/events", h.HandleEvents)
	})

	return r
}

func (h *DownloadsHandler) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error("failed to decode request", "err", err)
		writeJSON(r.Context(), w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})

		return
	}

	path, err := h.resolvePath(req.Path)
	if err != nil {
		h.writeError(r.Context(), w, "enqueue", err)

		return
	}

	task, err := h.downloads.Enqueue(r.Context(), req.URL, path, req.Name)
	if err != nil {
		h.writeError(r.Context(), w, "enqueue", err)

		return
	}

	writeJSON(r.Context(), w, http.StatusCreated, newTaskResponse(task))
}

func (h *DownloadsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.downloads.GetAll(r.Context())
	if err != nil {
		h.writeError(r.Context(), w, "list", err)

		return
	}

	resp := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		resp = append(resp, newTaskResponse(t))
	}

	writeJSON(r.Context(), w, http.StatusOK, resp)
}

func (h *DownloadsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	task, err := h.downloads.GetTask(r.Context(), taskID(r))
	if err != nil {
		h.writeError(r.Context(), w, "get", err)

		return
	}

	writeJSON(r.Context(), w, http.StatusOK, newTaskResponse(task))
}

func (h *DownloadsHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if err := h.downloads.Cancel(r.Context(), taskID(r)); err != nil {
		h.writeError(r.Context(), w, "cancel", err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *DownloadsHandler) transition(op func(context.Context, download.ID) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := taskID(r)

		if err := op(r.Context(), id); err != nil {
			h.writeError(r.Context(), w, "transition", err)

			return
		}

		h.HandleGet(w, r)
	}
}

// HandleEvents streams the task's states as server-sent events until the
// task settles or the client goes away.
func (h *DownloadsHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	states, err := h.downloads.Observe(r.Context(), taskID(r))
	if err != nil {
		h.writeError(r.Context(), w, "observe", err)

		return
	}

	flusher, _ := w.(http.Flusher)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for state := range states {
		data, err := json.Marshal(newStateResponse(state))
		if err != nil {
			logger.Error("failed to encode state", "err", err)

			return
		}

		if _, err := fmt.Fprintf(w, "event: state\ndata: %s\n\n", data); err != nil {
			logger.Debug("event stream closed by client", "err", err)

			return
		}

		if flusher != nil {
			flusher.Flush()
		}
	}
}

// resolvePath places a requested directory inside the download directory.
// Relative paths are taken from it; anything that escapes it is rejected.
func (h *DownloadsHandler) resolvePath(path string) (string, error) {
	root, err := filepath.Abs(h.downloadDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve download directory: %w", err)
	}

	if path == "" {
		return root, nil
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}

	path = filepath.Clean(path)

	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path %q is outside the download directory", download.ErrInvalidArguments, path)
	}

	return path, nil
}

func (h *DownloadsHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *DownloadsHandler) writeError(ctx context.Context, w http.ResponseWriter, op string, err error) {
	status := statusOf(err)

	logger := logctx.LoggerFromContext(ctx)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(ctx, "request failed", "op", op, "err", err)
	} else {
		logger.DebugContext(ctx, "request rejected", "op", op, "status", status, "err", err)
	}

	resp := ErrorResponse{Error: err.Error()}
	if status == http.StatusBadGateway {
		resp.Code = transfer.Code(err)
	}

	writeJSON(ctx, w, status, resp)
}

// statusOf maps a use-case error to an HTTP status.
func statusOf(err error) int {
	var (
		conflict   *download.ConflictError
		transition *download.TransitionError
		notFound   *transfer.ResourceNotFoundError
		permanent  *transfer.PermanentError
		temporary  *transfer.TemporaryError
		unexpected *transfer.UnexpectedError
	)

	switch {
	case errors.Is(err, download.ErrInvalidArguments):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &conflict), errors.As(err, &transition), errors.Is(err, download.ErrTargetExists):
		return http.StatusConflict
	case errors.As(err, &notFound), errors.As(err, &permanent), errors.As(err, &temporary), errors.As(err, &unexpected):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to encode response", "err", err)
	}
}

func taskID(r *http.Request) download.ID {
	return download.ID(chi.URLParam(r, "id"))
}

func newTaskResponse(t *download.Task) TaskResponse {
	resp := TaskResponse{
		ID:        t.ID.String(),
		FileName:  t.FileName,
		FileURL:   t.FileURL,
		FilePath:  t.FilePath,
		FileSize:  t.FileSize,
		State:     newStateResponse(t.State),
		Version:   t.Version,
		UpdatedAt: t.UpdatedAt,
	}

	if t.FileSize >= 0 {
		resp.HumanSize = humanize.Bytes(uint64(t.FileSize))
	}

	return resp
}

func newStateResponse(s download.State) StateResponse {
	resp := StateResponse{
		Kind:         s.Kind.String(),
		ErrorCode:    s.ErrorCode,
		ErrorMessage: s.ErrorMessage,
	}

	if s.HasProgress() {
		p := s.Progress
		resp.Progress = &p
	}

	return resp
}

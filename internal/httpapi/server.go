package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chemd/internal/service"
	"chemd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	SubmitUpload(ctx context.Context, up service.Upload, opts types.ExtractOptions) (types.TaskRecord, error)
	SubmitBatchUpload(ctx context.Context, uploads []service.Upload, opts types.ExtractOptions) (types.BatchRecord, []types.TaskRecord, error)
	TaskStatus(ctx context.Context, id string) (types.TaskStatusResponse, error)
	BatchStatus(ctx context.Context, id string) (types.BatchStatusResponse, error)
	TaskResult(ctx context.Context, id string) (types.TaskRecord, error)
	BatchResults(ctx context.Context, id string) ([]types.TaskRecord, error)
	Cancel(ctx context.Context, id string) error
	History(ctx context.Context) ([]types.HistoryItem, error)
	SystemStatus(ctx context.Context) (types.SystemStatusResponse, error)
	Models() types.ModelStatusResponse
	UnloadIdle() types.CleanupResponse
	Cleanup(ctx context.Context, maxAge time.Duration) (types.CleanupResponse, error)
	Ready(ctx context.Context) bool
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	// Compression for JSON endpoints
	r.Use(middleware.Compress(5))
	r.Use(MetricsMiddleware)
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}

	r.Post("/upload/", func(w http.ResponseWriter, r *http.Request) {
		files, opts, ok := parseUpload(w, r, "file")
		if !ok {
			return
		}
		if len(files) != 1 {
			writeJSONError(w, http.StatusBadRequest, "exactly one file is required")
			return
		}
		up, cleanup, err := openUpload(files[0])
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		defer cleanup()

		ctx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		start := time.Now()
		rec, err := svc.SubmitUpload(ctx, up, opts)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		logUpload(r, start, 1, rec.ID)
		writeJSON(w, http.StatusOK, types.UploadResponse{TaskID: rec.ID})
	})

	r.Post("/upload/batch/", func(w http.ResponseWriter, r *http.Request) {
		files, opts, ok := parseUpload(w, r, "files")
		if !ok {
			return
		}
		if len(files) == 0 {
			writeJSONError(w, http.StatusBadRequest, "at least one file is required")
			return
		}
		uploads := make([]service.Upload, 0, len(files))
		for _, fh := range files {
			up, cleanup, err := openUpload(fh)
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, err.Error())
				return
			}
			defer cleanup()
			uploads = append(uploads, up)
		}

		ctx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		start := time.Now()
		batch, _, err := svc.SubmitBatchUpload(ctx, uploads, opts)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		logUpload(r, start, len(uploads), batch.ID)
		writeJSON(w, http.StatusOK, types.BatchUploadResponse{BatchID: batch.ID, TaskIDs: batch.TaskIDs})
	})

	r.Get("/status/{taskID}", func(w http.ResponseWriter, r *http.Request) {
		status, err := svc.TaskStatus(r.Context(), chi.URLParam(r, "taskID"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	})

	r.Get("/status/batch/{batchID}", func(w http.ResponseWriter, r *http.Request) {
		status, err := svc.BatchStatus(r.Context(), chi.URLParam(r, "batchID"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	})

	r.Get("/results/{taskID}", func(w http.ResponseWriter, r *http.Request) {
		rec, err := svc.TaskResult(r.Context(), chi.URLParam(r, "taskID"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if rec.State == types.TaskFailed {
			writeJSON(w, http.StatusOK, types.TaskResultEntry{TaskID: rec.ID, State: rec.State, Error: rec.Error})
			return
		}
		serveArtifact(w, r, rec, "")
	})

	r.Get("/results/batch/{batchID}", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "batchID")
		status, err := svc.BatchStatus(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		children, err := svc.BatchResults(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		resp := types.BatchResultsResponse{BatchID: id, State: status.State, Tasks: make([]types.TaskResultEntry, 0, len(children))}
		for _, rec := range children {
			entry := types.TaskResultEntry{TaskID: rec.ID, State: rec.State, Error: rec.Error, Summary: rec.Summary}
			if rec.State == types.TaskCompleted && rec.ResultFile != "" {
				raw, err := os.ReadFile(rec.ResultFile)
				if err != nil {
					writeJSONError(w, http.StatusInternalServerError, "reading result artifact: "+err.Error())
					return
				}
				entry.Result = raw
			}
			resp.Tasks = append(resp.Tasks, entry)
		}
		writeJSON(w, http.StatusOK, resp)
	})

	r.Get("/download/{taskID}", func(w http.ResponseWriter, r *http.Request) {
		rec, err := svc.TaskResult(r.Context(), chi.URLParam(r, "taskID"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if rec.State == types.TaskFailed {
			writeJSONError(w, http.StatusBadRequest, "task failed; no artifact to download")
			return
		}
		serveArtifact(w, r, rec, rec.ID+"_results.json")
	})

	r.Delete("/tasks/{taskID}", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "taskID")
		if err := svc.Cancel(r.Context(), id); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "state": string(types.TaskFailed)})
	})

	r.Get("/history", func(w http.ResponseWriter, r *http.Request) {
		items, err := svc.History(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tasks": items})
	})

	r.Get("/system/status", func(w http.ResponseWriter, r *http.Request) {
		status, err := svc.SystemStatus(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	})

	r.Get("/system/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Models())
	})

	r.Post("/system/models/unload", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.UnloadIdle())
	})

	r.Post("/system/cleanup", func(w http.ResponseWriter, r *http.Request) {
		maxAge := defaultCleanupAge
		if v := r.URL.Query().Get("max_age_hours"); v != "" {
			hours, err := strconv.ParseFloat(v, 64)
			if err != nil || hours < 0 {
				writeJSONError(w, http.StatusBadRequest, "invalid max_age_hours")
				return
			}
			maxAge = time.Duration(hours * float64(time.Hour))
		}
		resp, err := svc.Cleanup(r.Context(), maxAge)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready(r.Context()) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)

	return r
}

// parseUpload bounds and parses the multipart form, returning the file
// headers under field and the extraction options.
func parseUpload(w http.ResponseWriter, r *http.Request, field string) ([]*multipart.FileHeader, types.ExtractOptions, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
			return nil, types.ExtractOptions{}, false
		}
		writeJSONError(w, http.StatusBadRequest, "invalid multipart form")
		return nil, types.ExtractOptions{}, false
	}
	opts := types.ExtractOptions{
		Device:        r.FormValue("device"),
		OutputImages:  formBool(r, "output_images"),
		OutputBBox:    formBool(r, "output_bbox"),
		ExtractCorefs: formBool(r, "extract_corefs"),
		LLMEnhance:    formBool(r, "llm_enhance"),
	}
	return r.MultipartForm.File[field], opts, true
}

func formBool(r *http.Request, key string) bool {
	v, err := strconv.ParseBool(r.FormValue(key))
	return err == nil && v
}

func openUpload(fh *multipart.FileHeader) (service.Upload, func(), error) {
	f, err := fh.Open()
	if err != nil {
		return service.Upload{}, nil, errors.New("unreadable upload: " + fh.Filename)
	}
	return service.Upload{Filename: fh.Filename, Data: f}, func() { f.Close() }, nil
}

// serveArtifact streams a completed task's result file. A non-empty
// download name adds an attachment disposition.
func serveArtifact(w http.ResponseWriter, r *http.Request, rec types.TaskRecord, downloadName string) {
	if rec.ResultFile == "" {
		writeJSONError(w, http.StatusInternalServerError, "completed task has no artifact")
		return
	}
	if downloadName != "" {
		w.Header().Set("Content-Disposition", `attachment; filename="`+downloadName+`"`)
	}
	w.Header().Set("Content-Type", "application/json")
	http.ServeFile(w, r, rec.ResultFile)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
	}
}

func logUpload(r *http.Request, start time.Time, files int, id string) {
	if requestLogLevel(r) < LevelInfo || zlog == nil {
		return
	}
	z := zlog.Info().Str("path", r.URL.Path).Int("files", files).Str("id", id).Dur("dur", time.Since(start))
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		z = z.Str("request_id", rid)
	}
	z.Msg("upload accepted")
}

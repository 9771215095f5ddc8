// Package server exposes the engine over HTTP: image upload, analysis
// trigger, latest result polling and history.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/menta2k/scene-analyzer/pkg/cache"
	"github.com/menta2k/scene-analyzer/pkg/history"
	"github.com/menta2k/scene-analyzer/pkg/ingest"
	"github.com/menta2k/scene-analyzer/pkg/orchestrator"
	"github.com/menta2k/scene-analyzer/pkg/types"
)

// Ingester accepts uploaded photos
type Ingester interface {
	StoreImage(data []byte, meta ingest.Meta) (string, error)
}

// Trigger runs one analysis cycle
type Trigger interface {
	RunCycle(ctx context.Context) (types.AnalysisResult, error)
}

// Results serves the latest published snapshot
type Results interface {
	Latest() (cache.Snapshot, error)
}

// History serves recorded results
type History interface {
	Recent(ctx context.Context, n int) ([]types.AnalysisResult, error)
	Sightings(ctx context.Context, identityID string, n int) ([]history.Sighting, error)
}

// Config holds HTTP limits
type Config struct {
	MaxUploadBytes int64
	HistoryLimit   int
}

type Server struct {
	ingest  Ingester
	trigger Trigger
	results Results
	history History
	config  Config
	logger  *slog.Logger
}

// NewServer creates a server. hist may be nil when history is disabled.
func NewServer(in Ingester, trigger Trigger, results Results, hist History, config Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = 20 << 20
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = 50
	}
	return &Server{
		ingest:  in,
		trigger: trigger,
		results: results,
		history: hist,
		config:  config,
		logger:  logger,
	}
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("POST /upload/image", s.uploadHandler)
	mux.HandleFunc("POST /analyze", s.analyzeHandler)
	mux.HandleFunc("GET /analysis/latest", s.latestHandler)
	mux.HandleFunc("GET /analysis/latest/image", s.latestImageHandler)
	mux.HandleFunc("GET /analysis/history", s.historyHandler)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func etag(generation uint64) string {
	return fmt.Sprintf(`"%d"`, generation)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if snap, err := s.results.Latest(); err == nil {
		resp["generation"] = snap.Generation
		resp["published_at"] = snap.PublishedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// uploadHandler accepts either a raw image body or a multipart form with an
// "image" file field.
func (s *Server) uploadHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)

	data, err := readUpload(r)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", tooBig.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	meta := ingest.Meta{Source: r.URL.Query().Get("source")}
	if v := r.URL.Query().Get("captured_at"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "captured_at must be RFC3339")
			return
		}
		meta.CapturedAt = t
	}

	id, err := s.ingest.StoreImage(data, meta)
	if err != nil {
		if errors.Is(err, ingest.ErrInvalidImage) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		s.logger.Error("server: upload failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store image")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"image_id": id})
}

func readUpload(r *http.Request) ([]byte, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		file, _, err := r.FormFile("image")
		if err != nil {
			return nil, fmt.Errorf("missing image form field: %w", err)
		}
		defer file.Close()
		return io.ReadAll(file)
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("empty body")
	}
	return data, nil
}

func (s *Server) analyzeHandler(w http.ResponseWriter, r *http.Request) {
	result, err := s.trigger.RunCycle(r.Context())
	switch {
	case errors.Is(err, orchestrator.ErrBusy):
		writeError(w, http.StatusConflict, "analysis already in progress")
	case errors.Is(err, orchestrator.ErrInputMissing):
		writeError(w, http.StatusNotFound, "no image to analyze")
	case err != nil:
		s.logger.Error("server: analysis failed", "error", err)
		writeError(w, http.StatusInternalServerError, "analysis failed")
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

type latestResponse struct {
	Generation  uint64               `json:"generation"`
	PublishedAt time.Time            `json:"published_at"`
	Result      types.AnalysisResult `json:"result"`
}

func (s *Server) latestHandler(w http.ResponseWriter, r *http.Request) {
	snap, err := s.results.Latest()
	if err != nil {
		writeError(w, http.StatusNotFound, "no analysis published yet")
		return
	}

	tag := etag(snap.Generation)
	w.Header().Set("ETag", tag)
	if r.Header.Get("If-None-Match") == tag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	writeJSON(w, http.StatusOK, latestResponse{
		Generation:  snap.Generation,
		PublishedAt: snap.PublishedAt,
		Result:      snap.Result,
	})
}

// latestImageHandler serves the annotated image of the latest snapshot. A
// ref query parameter pins the request to a specific result; a newer
// snapshot answers 409 so the client can refetch the result first.
func (s *Server) latestImageHandler(w http.ResponseWriter, r *http.Request) {
	snap, err := s.results.Latest()
	if err != nil {
		writeError(w, http.StatusNotFound, "no analysis published yet")
		return
	}

	if ref := r.URL.Query().Get("ref"); ref != "" && ref != snap.Result.AnnotatedImageRef {
		writeError(w, http.StatusConflict, "image ref is stale")
		return
	}

	if len(snap.Image) == 0 {
		msg := "no annotated image"
		if snap.Result.RenderError != "" {
			msg += ": " + snap.Result.RenderError
		}
		writeError(w, http.StatusNotFound, msg)
		return
	}

	tag := etag(snap.Generation)
	w.Header().Set("ETag", tag)
	if r.Header.Get("If-None-Match") == tag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", contentType(snap.ImageFormat))
	w.Header().Set("Content-Length", strconv.Itoa(len(snap.Image)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(snap.Image)
}

func contentType(format string) string {
	switch strings.ToLower(format) {
	case "png":
		return "image/png"
	case "webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "history is disabled")
		return
	}

	limit := s.config.HistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, s.config.HistoryLimit)
	}

	if identity := r.URL.Query().Get("identity"); identity != "" {
		sightings, err := s.history.Sightings(r.Context(), identity, limit)
		if err != nil {
			s.logger.Error("server: history query failed", "error", err)
			writeError(w, http.StatusInternalServerError, "history query failed")
			return
		}
		writeJSON(w, http.StatusOK, sightings)
		return
	}

	results, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("server: history query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	writeJSON(w, http.StatusOK, results)
}

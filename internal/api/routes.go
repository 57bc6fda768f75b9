package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/aivideostudio/studio-gateway/internal/errs"
	"github.com/aivideostudio/studio-gateway/internal/logging"
	"github.com/aivideostudio/studio-gateway/internal/media"
	"github.com/aivideostudio/studio-gateway/internal/project"
	"github.com/aivideostudio/studio-gateway/internal/subtitle"
)

const maxJSONBody = 1 << 20

// querySpec declares a GET forward and the query parameters it passes on.
type querySpec struct {
	operation string
	params    []string
	required  []string
}

func NewRouter(cfg ServerConfig) *chi.Mux {
	cfg.Logger = logging.OrDiscard(cfg.Logger)
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(MetricsMiddleware(cfg.Metrics))
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(CORSAllowlist(cfg.CORSOrigins))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusNotFound, "route not found", errs.CodeNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusMethodNotAllowed, "method not allowed", errs.CodeValidation)
	})

	r.Get("/", indexHandler(cfg))
	r.Get("/health", healthHandler(cfg))
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		if cfg.JWTSecret != "" {
			r.Use(AuthMiddleware(cfg.JWTSecret, cfg.JWTAudience, cfg.Logger))
		}

		r.Get("/projects", listProjectsHandler(cfg))
		r.Post("/projects", createProjectHandler(cfg))
		r.Patch("/projects/{id}", updateProjectHandler(cfg))
		r.Delete("/projects/{id}", deleteProjectHandler(cfg))

		r.Post("/create-video", createVideoHandler(cfg))
		r.Post("/generate-image", forwardFormHandler(cfg, generateImageForm))
		r.Post("/advanced-tts", forwardFormHandler(cfg, advancedTTSForm))
		r.Post("/text-to-speech", forwardFormHandler(cfg, textToSpeechForm))
		r.Post("/process-image", forwardFormHandler(cfg, processImageForm))
		r.Post("/stock-photos/download", forwardFormHandler(cfg, stockDownloadForm))

		r.Get("/voices", forwardQueryHandler(cfg, querySpec{operation: "voices"}))
		r.Get("/music/categories", forwardQueryHandler(cfg, querySpec{operation: "music/categories"}))
		r.Get("/music/tracks", forwardQueryHandler(cfg, querySpec{
			operation: "music/tracks",
			params:    []string{"category"},
		}))
		r.Get("/stock-photos/search", forwardQueryHandler(cfg, querySpec{
			operation: "stock-photos/search",
			params:    []string{"query", "page", "per_page"},
			required:  []string{"query"},
		}))

		r.Get("/download/{filename}", downloadHandler(cfg))
		r.Post("/subtitles/preview", subtitlePreviewHandler(cfg))
	})

	return r
}

func indexHandler(cfg ServerConfig) http.HandlerFunc {
	resp := IndexResponse{
		Message: "AI Video Studio gateway",
		Status:  "running",
		Version: cfg.Version,
		Features: map[string]bool{
			"ai_image_generation": true,
			"advanced_tts":        true,
			"video_creation":      true,
			"project_management":  true,
			"subtitle_preview":    true,
			"auth_required":       cfg.JWTSecret != "",
		},
		Endpoints: map[string]string{
			"health":          "/health",
			"metrics":         "/metrics",
			"projects":        "/api/projects",
			"createVideo":     "/api/create-video",
			"generateImage":   "/api/generate-image",
			"processImage":    "/api/process-image",
			"textToSpeech":    "/api/text-to-speech",
			"advancedTTS":     "/api/advanced-tts",
			"voices":          "/api/voices",
			"musicTracks":     "/api/music/tracks",
			"stockPhotos":     "/api/stock-photos/search",
			"download":        "/api/download/{filename}",
			"subtitlePreview": "/api/subtitles/preview",
		},
	}
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, resp)
	}
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if cfg.Timeouts.Short > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.Timeouts.Short)
			defer cancel()
		}

		resp := HealthResponse{
			Status:  "ok",
			Version: cfg.Version,
			UptimeS: int64(time.Since(cfg.StartTime).Seconds()),
			Store:   ProbeStatus{OK: true},
		}

		var g errgroup.Group
		if cfg.Store != nil {
			g.Go(func() error {
				if err := cfg.Store.Ping(ctx); err != nil {
					resp.Store = ProbeStatus{OK: false, Error: errs.Message(err)}
				}
				return nil
			})
		}
		if cfg.Probe != nil {
			g.Go(func() error {
				status := &MediaStatus{}
				h, err := cfg.Probe.Get(ctx)
				if err != nil {
					status.Error = errs.Message(err)
				} else {
					status.OK = true
					status.Status = h.Status
					if !h.ProbedAt.IsZero() {
						status.LastProbeAt = h.ProbedAt.UTC().Format(time.RFC3339)
					}
				}
				resp.Media = status
				return nil
			})
		}
		g.Wait()

		code := http.StatusOK
		if !resp.Store.OK || (resp.Media != nil && !resp.Media.OK) {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		WriteJSON(w, code, resp)
	}
}

func listProjectsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projects, err := cfg.Projects.ListProjects(r.Context(), r.URL.Query().Get("user_id"))
		if err != nil {
			writeFailure(w, r, cfg.Logger, err)
			return
		}

		resp := ProjectsResponse{Success: true, Projects: projects}
		if resp.Projects == nil {
			resp.Projects = []*project.Project{}
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func createProjectHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateProjectRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeFailure(w, r, cfg.Logger, err)
			return
		}

		p, err := cfg.Projects.CreateProject(r.Context(), req.UserID, req.Title, req.Description)
		if err != nil {
			writeFailure(w, r, cfg.Logger, err)
			return
		}

		WriteJSON(w, http.StatusCreated, ProjectResponse{Success: true, Project: p})
	}
}

func updateProjectHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var req UpdateProjectRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeFailure(w, r, cfg.Logger, err)
			return
		}

		p, err := cfg.Projects.UpdateProject(r.Context(), id, req.Patch())
		if err != nil {
			writeFailure(w, r, cfg.Logger, err)
			return
		}

		WriteJSON(w, http.StatusOK, ProjectResponse{Success: true, Project: p})
	}
}

func deleteProjectHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cfg.Projects.DeleteProject(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeFailure(w, r, cfg.Logger, err)
			return
		}

		WriteJSON(w, http.StatusOK, MessageResponse{Success: true, Message: "Project deleted successfully"})
	}
}

func createVideoHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		in, err := readForm(w, r, cfg.MaxUploadBytes, cfg.MaxUploadFiles)
		if err != nil {
			writeFailure(w, r, cfg.Logger, err)
			return
		}
		defer in.cleanup()

		payload, err := createVideoForm.build(in)
		if err != nil {
			writeFailure(w, r, cfg.Logger, err)
			return
		}

		body, err := cfg.Gateway.CreateVideoAndTrackProject(r.Context(), payload, in.get("project_id"))
		if err != nil {
			writeFailure(w, r, cfg.Logger, err)
			return
		}

		writeRaw(w, body)
	}
}

func forwardFormHandler(cfg ServerConfig, spec formSpec) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		in, err := readForm(w, r, cfg.MaxUploadBytes, cfg.MaxUploadFiles)
		if err != nil {
			writeFailure(w, r, cfg.Logger, err)
			return
		}
		defer in.cleanup()

		payload, err := spec.build(in)
		if err != nil {
			writeFailure(w, r, cfg.Logger, err)
			return
		}

		body, err := cfg.Gateway.ForwardMediaOperation(r.Context(), http.MethodPost, spec.operation, nil, payload, cfg.Timeouts.forClass(spec.timeout))
		if err != nil {
			writeFailure(w, r, cfg.Logger, err)
			return
		}

		writeRaw(w, body)
	}
}

func forwardQueryHandler(cfg ServerConfig, spec querySpec) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := queryParams(r.URL.Query(), spec.params...)
		for _, name := range spec.required {
			if query.Get(name) == "" {
				writeFailure(w, r, cfg.Logger, errs.Invalid(name, "is required"))
				return
			}
		}

		body, err := cfg.Gateway.ForwardMediaOperation(r.Context(), http.MethodGet, spec.operation, query, media.Payload{}, cfg.Timeouts.Short)
		if err != nil {
			writeFailure(w, r, cfg.Logger, err)
			return
		}

		writeRaw(w, body)
	}
}

// downloadHeaders are copied from the media service answer to the client.
var downloadHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Content-Range",
	"Content-Disposition",
	"Accept-Ranges",
	"ETag",
	"Last-Modified",
}

func downloadHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filename := chi.URLParam(r, "filename")
		if !validDownloadName(filename) {
			writeFailure(w, r, cfg.Logger, errs.Invalid("filename", "invalid file name"))
			return
		}

		ctx := r.Context()
		if cfg.Timeouts.Video > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.Timeouts.Video)
			defer cancel()
		}

		resp, err := cfg.Downloads.Stream(ctx, "download/"+url.PathEscape(filename), r.Header)
		if err != nil {
			writeFailure(w, r, cfg.Logger, err)
			return
		}
		defer resp.Body.Close()

		for _, h := range downloadHeaders {
			if v := resp.Header.Get(h); v != "" {
				w.Header().Set(h, v)
			}
		}
		w.WriteHeader(resp.StatusCode)

		if _, err := io.Copy(w, resp.Body); err != nil {
			cfg.Logger.Warn("download interrupted",
				"filename", filename,
				"error", err,
				"request_id", logging.RequestIDFromContext(r.Context()),
			)
		}
	}
}

func validDownloadName(name string) bool {
	if name == "" || len(name) > 255 || strings.HasPrefix(name, ".") {
		return false
	}
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return false
	}
	for _, c := range name {
		if c < 0x20 || c == 0x7f {
			return false
		}
	}
	return true
}

func subtitlePreviewHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SubtitlePreviewRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeFailure(w, r, cfg.Logger, err)
			return
		}

		wordsPerCue := subtitle.DefaultWordsPerCue
		if req.WordsPerCue != nil {
			wordsPerCue = *req.WordsPerCue
		}
		cues := subtitle.Segment(req.Text, req.Duration, wordsPerCue)

		name := subtitle.SanitizeName(req.Title, 120)
		if name == "" {
			name = "subtitles"
		}

		switch strings.ToLower(strings.TrimSpace(req.Format)) {
		case "", "json":
			WriteJSON(w, http.StatusOK, SubtitlePreviewResponse{
				Success: true,
				Cues:    cues,
				Count:   len(cues),
				Words:   subtitle.WordCount(req.Text),
			})
		case "srt":
			writeAttachment(w, "application/x-subrip; charset=utf-8", name+".srt", subtitle.FormatSRT(cues))
		case "vtt":
			writeAttachment(w, "text/vtt; charset=utf-8", name+".vtt", subtitle.FormatVTT(cues))
		default:
			writeFailure(w, r, cfg.Logger, errs.Invalid("format", "must be json, srt or vtt"))
		}
	}
}

func writeAttachment(w http.ResponseWriter, contentType, filename, body string) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", subtitle.ContentDisposition(filename))
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, body)
}

// writeRaw relays a media service answer without re-encoding it.
func writeRaw(w http.ResponseWriter, body json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return &errs.ValidationError{Reason: "request body too large", TooLarge: true}
		}
		return errs.Invalid("", "invalid request body")
	}
	return nil
}

// Package gateway composes the media client and the project service: plain
// forwards and video creation with project status tracking.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/aivideostudio/studio-gateway/internal/errs"
	"github.com/aivideostudio/studio-gateway/internal/logging"
	"github.com/aivideostudio/studio-gateway/internal/media"
	"github.com/aivideostudio/studio-gateway/internal/metrics"
	"github.com/aivideostudio/studio-gateway/internal/project"
)

const (
	OpCreateVideo = "create-video"

	defaultVideoTimeout  = 5 * time.Minute
	defaultStatusTimeout = 10 * time.Second
)

type ProjectUpdater interface {
	UpdateProject(ctx context.Context, id string, patch project.Patch) (*project.Project, error)
}

type MediaForwarder interface {
	Forward(ctx context.Context, req media.Request) (json.RawMessage, error)
}

type Gateway struct {
	media         MediaForwarder
	projects      ProjectUpdater
	metrics       *metrics.Metrics
	videoTimeout  time.Duration
	statusTimeout time.Duration
	logger        *slog.Logger
}

func New(forwarder MediaForwarder, projects ProjectUpdater, logger *slog.Logger) *Gateway {
	return &Gateway{
		media:         forwarder,
		projects:      projects,
		videoTimeout:  defaultVideoTimeout,
		statusTimeout: defaultStatusTimeout,
		logger:        logging.WithComponent(logging.OrDiscard(logger), "gateway"),
	}
}

func (g *Gateway) SetMetrics(m *metrics.Metrics) {
	g.metrics = m
}

// SetTimeouts overrides the create-video forward timeout and the bound on
// each status write. Zero values keep the current setting.
func (g *Gateway) SetTimeouts(video, status time.Duration) {
	if video > 0 {
		g.videoTimeout = video
	}
	if status > 0 {
		g.statusTimeout = status
	}
}

// ForwardMediaOperation sends payload to the media service and returns its
// JSON answer unchanged.
func (g *Gateway) ForwardMediaOperation(ctx context.Context, method, operation string, query url.Values, payload media.Payload, timeout time.Duration) (json.RawMessage, error) {
	start := time.Now()
	body, err := g.media.Forward(ctx, media.Request{
		Method:    method,
		Operation: operation,
		Query:     query,
		Payload:   payload,
		Timeout:   timeout,
	})
	g.metrics.ObserveForward(operation, outcome(err), time.Since(start))
	return body, err
}

// CreateVideoAndTrackProject forwards a create-video request. When projectID
// is set the project moves to processing before the forward and to exactly
// one of completed or failed after it. Status write failures are logged and
// never replace the result of the forward.
func (g *Gateway) CreateVideoAndTrackProject(ctx context.Context, payload media.Payload, projectID string) (json.RawMessage, error) {
	logger := g.logger
	if projectID != "" {
		logger = logging.WithProjectID(logger, projectID)
	}
	if id := logging.RequestIDFromContext(ctx); id != "" {
		logger = logging.WithRequestID(logger, id)
	}

	if projectID != "" {
		if err := g.setStatus(ctx, projectID, project.StatusPatch(project.StatusProcessing)); err != nil {
			var nf *errs.NotFoundError
			if errors.As(err, &nf) {
				return nil, err
			}
			logger.Warn("failed to mark project processing", "error", err)
		}
	}

	body, err := g.ForwardMediaOperation(ctx, http.MethodPost, OpCreateVideo, nil, payload, g.videoTimeout)
	if err == nil {
		err = checkVideoResult(body)
	}

	if err != nil {
		logger.Warn("video creation failed", "error", err)
		if projectID != "" {
			if serr := g.setStatus(ctx, projectID, project.StatusPatch(project.StatusFailed)); serr != nil {
				logger.Error("failed to mark project failed", "error", serr)
			}
		}
		return nil, err
	}

	if projectID != "" {
		videoURL := extractVideoURL(body)
		if serr := g.setStatus(ctx, projectID, project.CompletedPatch(videoURL)); serr != nil {
			logger.Error("failed to mark project completed", "video_url", videoURL, "error", serr)
		} else {
			logger.Info("project video completed", "video_url", videoURL)
		}
	}
	return body, nil
}

// setStatus writes a status change on a context detached from the caller so
// a disconnected client still leaves the project in a definite state.
func (g *Gateway) setStatus(ctx context.Context, projectID string, patch project.Patch) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.statusTimeout)
	defer cancel()

	_, err := g.projects.UpdateProject(ctx, projectID, patch)
	g.metrics.StatusSync(string(*patch.Status), err == nil)
	return err
}

type videoResult struct {
	Success   *bool  `json:"success"`
	Error     string `json:"error"`
	Detail    string `json:"detail"`
	VideoURL  string `json:"video_url"`
	VideoPath string `json:"video_path"`
}

// checkVideoResult treats an explicit "success": false as a failed render
// even though the media service answered 2xx.
func checkVideoResult(body json.RawMessage) error {
	var res videoResult
	if err := json.Unmarshal(body, &res); err != nil {
		return &errs.UpstreamError{Operation: OpCreateVideo, StatusCode: http.StatusBadGateway, Detail: "malformed response from media service"}
	}
	if res.Success != nil && !*res.Success {
		detail := res.Error
		if detail == "" {
			detail = res.Detail
		}
		if detail == "" {
			detail = "video creation failed"
		}
		return &errs.UpstreamError{Operation: OpCreateVideo, StatusCode: http.StatusBadGateway, Detail: detail, Body: string(body)}
	}
	return nil
}

func extractVideoURL(body json.RawMessage) string {
	var res videoResult
	if err := json.Unmarshal(body, &res); err != nil {
		return ""
	}
	if res.VideoURL != "" {
		return res.VideoURL
	}
	return res.VideoPath
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var te *errs.TimeoutError
	if errors.As(err, &te) {
		return "timeout"
	}
	return "error"
}

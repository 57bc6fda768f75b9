package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/aivideostudio/studio-gateway/internal/media"
	"github.com/aivideostudio/studio-gateway/internal/metrics"
	"github.com/aivideostudio/studio-gateway/internal/project"
)

// MediaGateway is the part of the gateway the HTTP layer drives.
type MediaGateway interface {
	ForwardMediaOperation(ctx context.Context, method, operation string, query url.Values, payload media.Payload, timeout time.Duration) (json.RawMessage, error)
	CreateVideoAndTrackProject(ctx context.Context, payload media.Payload, projectID string) (json.RawMessage, error)
}

type Downloader interface {
	Stream(ctx context.Context, operation string, header http.Header) (*http.Response, error)
}

type HealthProbe interface {
	Get(ctx context.Context) (*media.Health, error)
}

type StorePinger interface {
	Ping(ctx context.Context) error
}

// Timeouts bounds the media forwards by class.
type Timeouts struct {
	Short    time.Duration
	Generate time.Duration
	Video    time.Duration
}

func (t Timeouts) forClass(c timeoutClass) time.Duration {
	switch c {
	case timeoutGenerate:
		return t.Generate
	case timeoutVideo:
		return t.Video
	default:
		return t.Short
	}
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

type ServerConfig struct {
	BindAddr       string
	Port           int
	Projects       project.ProjectService
	Gateway        MediaGateway
	Downloads      Downloader
	Probe          HealthProbe
	Store          StorePinger
	Metrics        *metrics.Metrics
	CORSOrigins    []string
	JWTSecret      string
	JWTAudience    string
	MaxUploadBytes int64
	MaxUploadFiles int
	Timeouts       Timeouts
	Logger         *slog.Logger
	StartTime      time.Time
	Version        string
}

func NewServer(cfg ServerConfig) *Server {
	router := NewRouter(cfg)

	return &Server{
		httpServer: &http.Server{
			Addr:              net.JoinHostPort(cfg.BindAddr, strconv.Itoa(cfg.Port)),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			// Uploads for create-video can be large and slow.
			ReadTimeout:  5 * time.Minute,
			WriteTimeout: 0,
			IdleTimeout:  60 * time.Second,
		},
		logger: cfg.Logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}

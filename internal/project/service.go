package project

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aivideostudio/studio-gateway/internal/errs"
	"github.com/aivideostudio/studio-gateway/internal/events"
	"github.com/aivideostudio/studio-gateway/internal/logging"
	"github.com/aivideostudio/studio-gateway/internal/metrics"
)

const defaultStoreTimeout = 10 * time.Second

type ProjectService interface {
	ListProjects(ctx context.Context, userID string) ([]*Project, error)
	CreateProject(ctx context.Context, userID, title, description string) (*Project, error)
	UpdateProject(ctx context.Context, id string, patch Patch) (*Project, error)
	DeleteProject(ctx context.Context, id string) error
}

type Service struct {
	repo         Repository
	publisher    events.Publisher
	metrics      *metrics.Metrics
	storeTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

func NewService(repo Repository, logger *slog.Logger) *Service {
	return &Service{
		repo:         repo,
		storeTimeout: defaultStoreTimeout,
		logger:       logging.OrDiscard(logger),
		now:          time.Now,
	}
}

// SetPublisher attaches a status event publisher. Events are best effort.
func (s *Service) SetPublisher(p events.Publisher) {
	s.publisher = p
}

// SetMetrics records status changes made by the service itself, such as
// sweeps, in the status sync counter.
func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// SetStoreTimeout bounds every individual store call.
func (s *Service) SetStoreTimeout(d time.Duration) {
	if d > 0 {
		s.storeTimeout = d
	}
}

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.storeTimeout)
}

func (s *Service) ListProjects(ctx context.Context, userID string) ([]*Project, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errs.Invalid("user_id", "is required")
	}

	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	projects, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, errs.Store("list", err)
	}
	return projects, nil
}

func (s *Service) GetProject(ctx context.Context, id string) (*Project, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errs.Invalid("id", "is required")
	}

	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, errs.Store("get", err)
	}
	if p == nil {
		return nil, &errs.NotFoundError{Resource: "project", ID: id}
	}
	return p, nil
}

func (s *Service) CreateProject(ctx context.Context, userID, title, description string) (*Project, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errs.Invalid("user_id", "is required")
	}
	title, err := normalizeTitle(title)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	p := &Project{
		ID:          NewID(),
		UserID:      userID,
		Title:       title,
		Description: description,
		Status:      StatusDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	if err := s.repo.Create(ctx, p); err != nil {
		return nil, errs.Store("create", err)
	}

	s.logger.Info("project created", "project_id", p.ID, "user_id", userID)
	return p, nil
}

// UpdateProject merges patch into the stored project and refreshes
// updated_at, even for an empty patch.
func (s *Service) UpdateProject(ctx context.Context, id string, patch Patch) (*Project, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errs.Invalid("id", "is required")
	}
	if err := validatePatch(&patch); err != nil {
		return nil, err
	}

	storeCtx, cancel := s.storeCtx(ctx)
	defer cancel()

	p, err := s.repo.Update(storeCtx, id, patch, s.now().UTC())
	if err != nil {
		return nil, errs.Store("update", err)
	}
	if p == nil {
		return nil, &errs.NotFoundError{Resource: "project", ID: id}
	}

	if patch.Status != nil {
		s.logger.Info("project status changed", "project_id", id, "status", p.Status)
		s.publish(ctx, p)
	}
	return p, nil
}

// DeleteProject removes a project. Deleting an unknown id succeeds.
func (s *Service) DeleteProject(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errs.Invalid("id", "is required")
	}

	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	if err := s.repo.Delete(ctx, id); err != nil {
		return errs.Store("delete", err)
	}

	s.logger.Info("project deleted", "project_id", id)
	return nil
}

// FailStaleProcessing fails projects stuck in processing for longer than
// olderThan and returns how many were changed. Each one gets a status event.
func (s *Service) FailStaleProcessing(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := s.now().UTC()

	storeCtx, cancel := s.storeCtx(ctx)
	defer cancel()

	failed, err := s.repo.FailStale(storeCtx, now.Add(-olderThan), now)
	if err != nil {
		return 0, errs.Store("sweep", err)
	}

	for _, p := range failed {
		s.metrics.StatusSync(string(StatusFailed), true)
		s.logger.Info("project failed after stalling in processing", "project_id", p.ID)
		s.publish(ctx, p)
	}
	return int64(len(failed)), nil
}

// RecoverInterrupted fails every project still in processing. It is meant
// for startup of a single-process store, where such projects were cut off
// by the previous shutdown.
func (s *Service) RecoverInterrupted(ctx context.Context) (int64, error) {
	return s.FailStaleProcessing(ctx, 0)
}

// Ping checks that the backing store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	if err := s.repo.Ping(ctx); err != nil {
		return errs.Store("ping", err)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, p *Project) {
	if s.publisher == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.storeTimeout)
	defer cancel()

	err := s.publisher.PublishStatus(ctx, events.StatusEvent{
		ProjectID:  p.ID,
		UserID:     p.UserID,
		Status:     string(p.Status),
		VideoURL:   p.VideoURL,
		OccurredAt: p.UpdatedAt,
	})
	if err != nil {
		s.logger.Warn("failed to publish status event", "project_id", p.ID, "status", p.Status, "error", err)
	}
}

func normalizeTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", errs.Invalid("title", "is required")
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return "", errs.Invalid("title", "must be at most 255 characters")
	}
	return title, nil
}

func validatePatch(patch *Patch) error {
	if patch.Title != nil {
		title, err := normalizeTitle(*patch.Title)
		if err != nil {
			return err
		}
		patch.Title = &title
	}
	if patch.Status != nil && !patch.Status.Valid() {
		return errs.Invalid("status", "must be one of draft, processing, completed, failed")
	}
	if patch.VideoURL != nil && (patch.Status == nil || *patch.Status != StatusCompleted) {
		return errs.Invalid("video_url", "can only be set together with status completed")
	}
	return nil
}

// Package events publishes project status changes to interested consumers.
package events

import (
	"context"
	"log/slog"
	"time"
)

// StatusEvent announces that a project moved to a new status.
type StatusEvent struct {
	ProjectID  string    `json:"project_id"`
	UserID     string    `json:"user_id"`
	Status     string    `json:"status"`
	VideoURL   string    `json:"video_url,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

type Publisher interface {
	PublishStatus(ctx context.Context, event StatusEvent) error
	Close() error
}

// StubPublisher logs events instead of sending them. It is used when no
// broker is configured.
type StubPublisher struct {
	logger *slog.Logger
}

func NewStubPublisher(logger *slog.Logger) *StubPublisher {
	return &StubPublisher{logger: logger}
}

func (p *StubPublisher) PublishStatus(ctx context.Context, event StatusEvent) error {
	if p.logger != nil {
		p.logger.Debug("events stub: status event dropped",
			"project_id", event.ProjectID,
			"status", event.Status,
		)
	}
	return nil
}

func (p *StubPublisher) Close() error {
	return nil
}

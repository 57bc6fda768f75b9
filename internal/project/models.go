package project

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusDraft      Status = "draft"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s ends a video attempt.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// MaxTitleLength bounds project titles, in runes.
const MaxTitleLength = 255

type Project struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	VideoURL    string    `json:"video_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Patch lists the mutable fields of a project. Nil fields are left as they
// are.
type Patch struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *Status `json:"status,omitempty"`
	VideoURL    *string `json:"video_url,omitempty"`
}

// StatusPatch builds a Patch that only moves the project to status.
func StatusPatch(status Status) Patch {
	return Patch{Status: &status}
}

// CompletedPatch marks a project completed with its rendered video.
func CompletedPatch(videoURL string) Patch {
	status := StatusCompleted
	return Patch{Status: &status, VideoURL: &videoURL}
}

func NewID() string {
	return uuid.NewString()
}

package api

import (
	"github.com/aivideostudio/studio-gateway/internal/project"
	"github.com/aivideostudio/studio-gateway/internal/subtitle"
)

// IndexResponse describes the service at GET /.
type IndexResponse struct {
	Message   string            `json:"message"`
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Features  map[string]bool   `json:"features"`
	Endpoints map[string]string `json:"endpoints"`
}

type HealthResponse struct {
	Status  string       `json:"status"`
	Version string       `json:"version"`
	UptimeS int64        `json:"uptime_s"`
	Store   ProbeStatus  `json:"store"`
	Media   *MediaStatus `json:"media"`
}

type ProbeStatus struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type MediaStatus struct {
	ProbeStatus
	Status      string `json:"status,omitempty"`
	LastProbeAt string `json:"last_probe_at,omitempty"`
}

type CreateProjectRequest struct {
	UserID      string `json:"user_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// UpdateProjectRequest carries a partial update; absent fields stay as they
// are.
type UpdateProjectRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Status      *string `json:"status"`
	VideoURL    *string `json:"video_url"`
}

func (r UpdateProjectRequest) Patch() project.Patch {
	patch := project.Patch{
		Title:       r.Title,
		Description: r.Description,
		VideoURL:    r.VideoURL,
	}
	if r.Status != nil {
		s := project.Status(*r.Status)
		patch.Status = &s
	}
	return patch
}

type ProjectsResponse struct {
	Success  bool               `json:"success"`
	Projects []*project.Project `json:"projects"`
}

type ProjectResponse struct {
	Success bool             `json:"success"`
	Project *project.Project `json:"project"`
}

type MessageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type SubtitlePreviewRequest struct {
	Text        string  `json:"text"`
	Duration    float64 `json:"duration"`
	WordsPerCue *int    `json:"words_per_cue,omitempty"`
	Format      string  `json:"format,omitempty"`
	Title       string  `json:"title,omitempty"`
}

type SubtitlePreviewResponse struct {
	Success bool           `json:"success"`
	Cues    []subtitle.Cue `json:"cues"`
	Count   int            `json:"count"`
	Words   int            `json:"words"`
}

type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
}

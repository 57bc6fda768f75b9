package project

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aivideostudio/studio-gateway/internal/db"
	"github.com/aivideostudio/studio-gateway/internal/errs"
	"github.com/aivideostudio/studio-gateway/internal/events"
	"github.com/aivideostudio/studio-gateway/internal/metrics"
)

func setupTestDB(t *testing.T) (*db.DB, Repository) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	database, err := db.New(dbPath, nil)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	return database, NewRepository(database.Conn(), database.Dialect())
}

// spyRepo records calls and can be told to fail.
type spyRepo struct {
	mu      sync.Mutex
	calls   []string
	failErr error
}

func (r *spyRepo) record(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
	return r.failErr
}

func (r *spyRepo) ListByUser(ctx context.Context, userID string) ([]*Project, error) {
	return nil, r.record("ListByUser")
}
func (r *spyRepo) Get(ctx context.Context, id string) (*Project, error) {
	return nil, r.record("Get")
}
func (r *spyRepo) Create(ctx context.Context, p *Project) error {
	return r.record("Create")
}
func (r *spyRepo) Update(ctx context.Context, id string, patch Patch, now time.Time) (*Project, error) {
	return nil, r.record("Update")
}
func (r *spyRepo) Delete(ctx context.Context, id string) error {
	return r.record("Delete")
}
func (r *spyRepo) FailStale(ctx context.Context, cutoff, now time.Time) ([]*Project, error) {
	return nil, r.record("FailStale")
}
func (r *spyRepo) Ping(ctx context.Context) error {
	return r.record("Ping")
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.StatusEvent
	err    error
}

func (p *recordingPublisher) PublishStatus(ctx context.Context, e events.StatusEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func TestService_CreateProject(t *testing.T) {
	_, repo := setupTestDB(t)
	svc := NewService(repo, nil)

	p, err := svc.CreateProject(context.Background(), "user-1", "  My first video ", "")
	if err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}

	if p.ID == "" {
		t.Error("project.ID is empty")
	}
	if p.Title != "My first video" {
		t.Errorf("project.Title = %q, want trimmed title", p.Title)
	}
	if p.Status != StatusDraft {
		t.Errorf("project.Status = %s, want draft", p.Status)
	}
	if !p.CreatedAt.Equal(p.UpdatedAt) {
		t.Errorf("created_at %v != updated_at %v", p.CreatedAt, p.UpdatedAt)
	}

	stored, err := svc.GetProject(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("GetProject() error = %v", err)
	}
	if stored.UserID != "user-1" || stored.Title != "My first video" || stored.VideoURL != "" {
		t.Errorf("stored project = %+v", stored)
	}
}

func TestService_CreateProject_ValidationDoesNotWrite(t *testing.T) {
	repo := &spyRepo{}
	svc := NewService(repo, nil)

	cases := []struct {
		name, userID, title string
	}{
		{"missing title", "user-1", ""},
		{"blank title", "user-1", "   "},
		{"missing user", "", "Title"},
	}
	for _, tc := range cases {
		_, err := svc.CreateProject(context.Background(), tc.userID, tc.title, "")
		var ve *errs.ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("%s: error = %v, want ValidationError", tc.name, err)
		}
	}

	if len(repo.calls) != 0 {
		t.Errorf("store was called on validation failure: %v", repo.calls)
	}
}

func TestService_CreateProject_TitleTooLong(t *testing.T) {
	svc := NewService(&spyRepo{}, nil)
	long := make([]rune, MaxTitleLength+1)
	for i := range long {
		long[i] = 'é'
	}
	if _, err := svc.CreateProject(context.Background(), "u", string(long), ""); err == nil {
		t.Fatal("expected error for over-long title")
	}
}

func TestService_ListProjects_FilteredAndOrdered(t *testing.T) {
	_, repo := setupTestDB(t)
	svc := NewService(repo, nil)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	svc.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	first, _ := svc.CreateProject(ctx, "alice", "First", "")
	second, _ := svc.CreateProject(ctx, "alice", "Second", "")
	if _, err := svc.CreateProject(ctx, "bob", "Other", ""); err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}

	projects, err := svc.ListProjects(ctx, "alice")
	if err != nil {
		t.Fatalf("ListProjects() error = %v", err)
	}
	if len(projects) != 2 {
		t.Fatalf("got %d projects, want 2", len(projects))
	}
	if projects[0].ID != second.ID || projects[1].ID != first.ID {
		t.Errorf("order = [%s %s], want newest first", projects[0].Title, projects[1].Title)
	}

	empty, err := svc.ListProjects(ctx, "nobody")
	if err != nil {
		t.Fatalf("ListProjects() error = %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("ListProjects(nobody) = %#v, want empty slice", empty)
	}
}

func TestService_ListProjects_RequiresUser(t *testing.T) {
	repo := &spyRepo{}
	svc := NewService(repo, nil)

	_, err := svc.ListProjects(context.Background(), " ")
	var ve *errs.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
	if len(repo.calls) != 0 {
		t.Errorf("store was called: %v", repo.calls)
	}
}

func TestService_StoreFailuresSurfaceAsStoreError(t *testing.T) {
	repo := &spyRepo{failErr: errors.New("connection reset")}
	svc := NewService(repo, nil)
	ctx := context.Background()

	_, listErr := svc.ListProjects(ctx, "u")
	_, createErr := svc.CreateProject(ctx, "u", "t", "")
	_, updateErr := svc.UpdateProject(ctx, "p", StatusPatch(StatusFailed))
	deleteErr := svc.DeleteProject(ctx, "p")

	for name, err := range map[string]error{"list": listErr, "create": createErr, "update": updateErr, "delete": deleteErr} {
		var se *errs.StoreError
		if !errors.As(err, &se) {
			t.Errorf("%s: error = %v, want StoreError", name, err)
		}
	}
}

func TestService_UpdateProject(t *testing.T) {
	_, repo := setupTestDB(t)
	svc := NewService(repo, nil)
	ctx := context.Background()

	created := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return created }
	p, err := svc.CreateProject(ctx, "u1", "Draft", "first pass")
	if err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}

	later := created.Add(time.Minute)
	svc.now = func() time.Time { return later }
	title := "Renamed"
	updated, err := svc.UpdateProject(ctx, p.ID, Patch{Title: &title})
	if err != nil {
		t.Fatalf("UpdateProject() error = %v", err)
	}

	if updated.Title != "Renamed" {
		t.Errorf("title = %q", updated.Title)
	}
	if updated.Description != "first pass" || updated.Status != StatusDraft {
		t.Errorf("unpatched fields changed: %+v", updated)
	}
	if !updated.UpdatedAt.Equal(later) {
		t.Errorf("updated_at = %v, want %v", updated.UpdatedAt, later)
	}
	if !updated.CreatedAt.Equal(created) {
		t.Errorf("created_at = %v, want %v", updated.CreatedAt, created)
	}
}

func TestService_UpdateProject_EmptyPatchRefreshesUpdatedAt(t *testing.T) {
	_, repo := setupTestDB(t)
	svc := NewService(repo, nil)
	ctx := context.Background()

	p, _ := svc.CreateProject(ctx, "u1", "Title", "")
	later := p.UpdatedAt.Add(time.Hour)
	svc.now = func() time.Time { return later }

	updated, err := svc.UpdateProject(ctx, p.ID, Patch{})
	if err != nil {
		t.Fatalf("UpdateProject() error = %v", err)
	}
	if !updated.UpdatedAt.Equal(later) {
		t.Errorf("updated_at = %v, want %v", updated.UpdatedAt, later)
	}
}

func TestService_UpdateProject_NotFound(t *testing.T) {
	_, repo := setupTestDB(t)
	svc := NewService(repo, nil)

	_, err := svc.UpdateProject(context.Background(), "missing", StatusPatch(StatusProcessing))
	var nf *errs.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("error = %v, want NotFoundError", err)
	}
}

func TestService_UpdateProject_Validation(t *testing.T) {
	repo := &spyRepo{}
	svc := NewService(repo, nil)
	ctx := context.Background()

	bogus := Status("archived")
	url := "/api/download/out.mp4"
	processing := StatusProcessing
	blank := " "

	patches := map[string]Patch{
		"unknown status":           {Status: &bogus},
		"video url without status": {VideoURL: &url},
		"video url while working":  {Status: &processing, VideoURL: &url},
		"blank title":              {Title: &blank},
	}
	for name, patch := range patches {
		_, err := svc.UpdateProject(ctx, "p1", patch)
		var ve *errs.ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("%s: error = %v, want ValidationError", name, err)
		}
	}
	if len(repo.calls) != 0 {
		t.Errorf("store was called on validation failure: %v", repo.calls)
	}
}

func TestService_UpdateProject_CompletedWithVideo(t *testing.T) {
	_, repo := setupTestDB(t)
	svc := NewService(repo, nil)
	pub := &recordingPublisher{}
	svc.SetPublisher(pub)
	ctx := context.Background()

	p, _ := svc.CreateProject(ctx, "u1", "Clip", "")
	if _, err := svc.UpdateProject(ctx, p.ID, StatusPatch(StatusProcessing)); err != nil {
		t.Fatalf("UpdateProject(processing) error = %v", err)
	}
	done, err := svc.UpdateProject(ctx, p.ID, CompletedPatch("/api/download/final.mp4"))
	if err != nil {
		t.Fatalf("UpdateProject(completed) error = %v", err)
	}
	if done.Status != StatusCompleted || done.VideoURL != "/api/download/final.mp4" {
		t.Errorf("project = %+v", done)
	}

	if len(pub.events) != 2 {
		t.Fatalf("published %d events, want 2", len(pub.events))
	}
	last := pub.events[1]
	if last.ProjectID != p.ID || last.UserID != "u1" || last.Status != "completed" || last.VideoURL != "/api/download/final.mp4" {
		t.Errorf("last event = %+v", last)
	}
}

func TestService_UpdateProject_PublishFailureIsIgnored(t *testing.T) {
	_, repo := setupTestDB(t)
	svc := NewService(repo, nil)
	svc.SetPublisher(&recordingPublisher{err: errors.New("broker down")})
	ctx := context.Background()

	p, _ := svc.CreateProject(ctx, "u1", "Clip", "")
	if _, err := svc.UpdateProject(ctx, p.ID, StatusPatch(StatusFailed)); err != nil {
		t.Fatalf("UpdateProject() error = %v, publish failures must not surface", err)
	}
}

func TestService_DeleteProject_Idempotent(t *testing.T) {
	_, repo := setupTestDB(t)
	svc := NewService(repo, nil)
	ctx := context.Background()

	p, _ := svc.CreateProject(ctx, "u1", "Doomed", "")
	if err := svc.DeleteProject(ctx, p.ID); err != nil {
		t.Fatalf("DeleteProject() error = %v", err)
	}
	if err := svc.DeleteProject(ctx, p.ID); err != nil {
		t.Fatalf("second DeleteProject() error = %v", err)
	}

	_, err := svc.GetProject(ctx, p.ID)
	var nf *errs.NotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("GetProject() after delete error = %v, want NotFoundError", err)
	}
}

func scrape(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rr.Body)
	return string(body)
}

func TestService_FailStaleProcessing(t *testing.T) {
	_, repo := setupTestDB(t)
	svc := NewService(repo, nil)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return start }

	stuck, _ := svc.CreateProject(ctx, "u1", "Stuck", "")
	svc.UpdateProject(ctx, stuck.ID, StatusPatch(StatusProcessing))
	idle, _ := svc.CreateProject(ctx, "u1", "Idle", "")

	svc.now = func() time.Time { return start.Add(4 * time.Minute) }
	fresh, _ := svc.CreateProject(ctx, "u1", "Fresh", "")
	svc.UpdateProject(ctx, fresh.ID, StatusPatch(StatusProcessing))

	pub := &recordingPublisher{}
	svc.SetPublisher(pub)
	m := metrics.New()
	svc.SetMetrics(m)

	sweptAt := start.Add(10 * time.Minute)
	svc.now = func() time.Time { return sweptAt }
	n, err := svc.FailStaleProcessing(ctx, 6*time.Minute)
	if err != nil {
		t.Fatalf("FailStaleProcessing() error = %v", err)
	}
	if n != 1 {
		t.Errorf("failed %d projects, want 1", n)
	}

	if len(pub.events) != 1 {
		t.Fatalf("published %d events, want 1: %+v", len(pub.events), pub.events)
	}
	e := pub.events[0]
	if e.ProjectID != stuck.ID || e.UserID != "u1" || e.Status != string(StatusFailed) || !e.OccurredAt.Equal(sweptAt) {
		t.Errorf("event = %+v", e)
	}
	if text := scrape(t, m); !strings.Contains(text, `studio_project_status_sync_total{outcome="ok",status="failed"} 1`) {
		t.Errorf("status sync metric missing from exposition")
	}

	want := map[string]Status{stuck.ID: StatusFailed, idle.ID: StatusDraft, fresh.ID: StatusProcessing}
	for id, status := range want {
		p, err := svc.GetProject(ctx, id)
		if err != nil {
			t.Fatalf("GetProject(%s) error = %v", id, err)
		}
		if p.Status != status {
			t.Errorf("project %s status = %s, want %s", p.Title, p.Status, status)
		}
	}
}

func TestService_RecoverInterrupted(t *testing.T) {
	_, repo := setupTestDB(t)
	svc := NewService(repo, nil)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return start }

	rendering, _ := svc.CreateProject(ctx, "u1", "Rendering", "")
	svc.UpdateProject(ctx, rendering.ID, StatusPatch(StatusProcessing))
	done, _ := svc.CreateProject(ctx, "u1", "Done", "")
	svc.UpdateProject(ctx, done.ID, CompletedPatch("/videos/done.mp4"))

	pub := &recordingPublisher{}
	svc.SetPublisher(pub)
	svc.now = func() time.Time { return start.Add(time.Second) }

	n, err := svc.RecoverInterrupted(ctx)
	if err != nil {
		t.Fatalf("RecoverInterrupted() error = %v", err)
	}
	if n != 1 {
		t.Errorf("recovered %d projects, want 1", n)
	}
	if len(pub.events) != 1 || pub.events[0].ProjectID != rendering.ID || pub.events[0].Status != string(StatusFailed) {
		t.Errorf("events = %+v", pub.events)
	}

	p, _ := svc.GetProject(ctx, done.ID)
	if p.Status != StatusCompleted || p.VideoURL != "/videos/done.mp4" {
		t.Errorf("completed project changed: %+v", p)
	}
}

func TestService_StoreTimeoutApplied(t *testing.T) {
	repo := &blockingRepo{}
	svc := NewService(repo, nil)
	svc.SetStoreTimeout(20 * time.Millisecond)

	start := time.Now()
	_, err := svc.ListProjects(context.Background(), "u1")
	if err == nil {
		t.Fatal("expected error from blocked store")
	}
	var se *errs.StoreError
	if !errors.As(err, &se) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want StoreError wrapping deadline", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("store timeout was not applied")
	}
}

type blockingRepo struct{ spyRepo }

func (r *blockingRepo) ListByUser(ctx context.Context, userID string) ([]*Project, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

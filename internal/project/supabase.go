package project

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	supabaseTable   = "projects"
	maxSupabaseBody = 4 << 20
)

// SupabaseError is a non-2xx answer from the PostgREST API.
type SupabaseError struct {
	StatusCode int
	Body       string
}

func (e *SupabaseError) Error() string {
	return fmt.Sprintf("supabase request failed: HTTP %d: %s", e.StatusCode, e.Body)
}

// SupabaseRepository stores projects in a managed Supabase database through
// its PostgREST interface.
type SupabaseRepository struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewSupabaseRepository(baseURL, apiKey string, httpClient *http.Client) *SupabaseRepository {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &SupabaseRepository{baseURL: baseURL, apiKey: apiKey, httpClient: httpClient}
}

func (r *SupabaseRepository) ListByUser(ctx context.Context, userID string) ([]*Project, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("user_id", "eq."+userID)
	q.Set("order", "created_at.desc")

	var rows []*Project
	if err := r.do(ctx, http.MethodGet, q, nil, &rows); err != nil {
		return nil, err
	}
	if rows == nil {
		rows = make([]*Project, 0)
	}
	return rows, nil
}

func (r *SupabaseRepository) Get(ctx context.Context, id string) (*Project, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("id", "eq."+id)

	var rows []*Project
	if err := r.do(ctx, http.MethodGet, q, nil, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func (r *SupabaseRepository) Create(ctx context.Context, p *Project) error {
	var rows []*Project
	if err := r.do(ctx, http.MethodPost, nil, p, &rows); err != nil {
		return err
	}
	if len(rows) > 0 {
		*p = *rows[0]
	}
	return nil
}

type supabasePatch struct {
	Patch
	UpdatedAt time.Time `json:"updated_at"`
}

func (r *SupabaseRepository) Update(ctx context.Context, id string, patch Patch, now time.Time) (*Project, error) {
	q := url.Values{}
	q.Set("id", "eq."+id)

	var rows []*Project
	if err := r.do(ctx, http.MethodPatch, q, supabasePatch{Patch: patch, UpdatedAt: now.UTC()}, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func (r *SupabaseRepository) Delete(ctx context.Context, id string) error {
	q := url.Values{}
	q.Set("id", "eq."+id)
	return r.do(ctx, http.MethodDelete, q, nil, nil)
}

func (r *SupabaseRepository) FailStale(ctx context.Context, cutoff, now time.Time) ([]*Project, error) {
	q := url.Values{}
	q.Set("status", "eq."+string(StatusProcessing))
	q.Set("updated_at", "lt."+cutoff.UTC().Format(time.RFC3339Nano))

	body := supabasePatch{Patch: StatusPatch(StatusFailed), UpdatedAt: now.UTC()}
	rows := make([]*Project, 0)
	if err := r.do(ctx, http.MethodPatch, q, body, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *SupabaseRepository) Ping(ctx context.Context) error {
	q := url.Values{}
	q.Set("select", "id")
	q.Set("limit", "1")
	return r.do(ctx, http.MethodGet, q, nil, nil)
}

func (r *SupabaseRepository) do(ctx context.Context, method string, query url.Values, in, out any) error {
	endpoint := fmt.Sprintf("%s/rest/v1/%s", r.baseURL, supabaseTable)
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("apikey", r.apiKey)
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method == http.MethodPost || method == http.MethodPatch {
		req.Header.Set("Prefer", "return=representation")
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxSupabaseBody))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &SupabaseError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

package media

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"lukechampine.com/blake3"

	"github.com/aivideostudio/studio-gateway/internal/errs"
	"github.com/aivideostudio/studio-gateway/internal/logging"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type receivedPart struct {
	name     string
	filename string
	body     string
}

func readParts(t *testing.T, r *http.Request) []receivedPart {
	t.Helper()
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		t.Fatalf("unexpected content type %q: %v", r.Header.Get("Content-Type"), err)
	}
	mr := multipart.NewReader(r.Body, params["boundary"])
	var parts []receivedPart
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("NextPart() error = %v", err)
		}
		data, _ := io.ReadAll(p)
		parts = append(parts, receivedPart{name: p.FormName(), filename: p.FileName(), body: string(data)})
	}
	return parts
}

func TestClient_Forward_MultipartOrderAndDigest(t *testing.T) {
	var parts []receivedPart
	var gotPath, gotRequestID, gotTrailer string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotRequestID = r.Header.Get("X-Request-ID")
		parts = readParts(t, r)
		// Trailers are only available once the body is read to EOF.
		io.Copy(io.Discard, r.Body)
		gotTrailer = r.Trailer.Get(DigestTrailer)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"success": true, "video_path": "/api/download/out.mp4"}`)
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", testLogger())
	payload := Payload{}
	payload.Set("voice", "en-us-female")
	payload.Set("duration_per_image", "3.0")
	payload.Files = []Attachment{
		BytesAttachment("images", "a.png", "image/png", []byte("first-image")),
		BytesAttachment("images", "b.png", "image/png", []byte("second-image")),
	}

	ctx := logging.ContextWithRequestID(context.Background(), "req-1234")
	body, err := client.Forward(ctx, Request{Operation: "create-video", Payload: payload, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}

	if string(body) != `{"success": true, "video_path": "/api/download/out.mp4"}` {
		t.Errorf("body not returned verbatim: %s", body)
	}
	if gotPath != "/api/create-video" {
		t.Errorf("path = %q", gotPath)
	}
	if gotRequestID != "req-1234" {
		t.Errorf("X-Request-ID = %q", gotRequestID)
	}

	want := []receivedPart{
		{name: "voice", body: "en-us-female"},
		{name: "duration_per_image", body: "3.0"},
		{name: "images", filename: "a.png", body: "first-image"},
		{name: "images", filename: "b.png", body: "second-image"},
	}
	if len(parts) != len(want) {
		t.Fatalf("got %d parts, want %d: %+v", len(parts), len(want), parts)
	}
	for i := range want {
		if parts[i] != want[i] {
			t.Errorf("part %d = %+v, want %+v", i, parts[i], want[i])
		}
	}

	h := blake3.New(32, nil)
	h.Write([]byte("first-image"))
	h.Write([]byte("second-image"))
	if wantDigest := hex.EncodeToString(h.Sum(nil)); gotTrailer != wantDigest {
		t.Errorf("digest trailer = %q, want %q", gotTrailer, wantDigest)
	}
}

func TestClient_Forward_GetWithQuery(t *testing.T) {
	var gotMethod, gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotQuery = r.URL.RawQuery
		if r.URL.Path != "/api/stock-photos/search" {
			t.Errorf("path = %q", r.URL.Path)
		}
		io.WriteString(w, `{"photos": []}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, testLogger())
	q := url.Values{"query": {"sunset beach"}, "page": {"2"}}
	if _, err := client.Forward(context.Background(), Request{Method: http.MethodGet, Operation: "stock-photos/search", Query: q}); err != nil {
		t.Fatalf("Forward() error = %v", err)
	}

	if gotMethod != http.MethodGet {
		t.Errorf("method = %s", gotMethod)
	}
	if gotQuery != "page=2&query=sunset+beach" {
		t.Errorf("query = %q", gotQuery)
	}
}

func TestClient_Forward_UpstreamErrorDetail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"detail": "Video creation failed: ffmpeg exited 1"}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, testLogger())
	payload := Payload{Fields: []Field{{Name: "voice", Value: "x"}}}
	_, err := client.Forward(context.Background(), Request{Operation: "create-video", Payload: payload})

	var ue *errs.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("error = %v, want UpstreamError", err)
	}
	if ue.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d", ue.StatusCode)
	}
	if ue.Detail != "Video creation failed: ffmpeg exited 1" {
		t.Errorf("Detail = %q", ue.Detail)
	}
}

func TestClient_Forward_ValidationDetailArray(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusUnprocessableEntity)
		io.WriteString(w, `{"detail": [{"loc": ["body", "text"], "msg": "field required"}]}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, testLogger())
	_, err := client.Forward(context.Background(), Request{Operation: "text-to-speech"})

	var ue *errs.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("error = %v, want UpstreamError", err)
	}
	if !strings.Contains(ue.Detail, "field required") {
		t.Errorf("Detail = %q", ue.Detail)
	}
}

func TestClient_Forward_MalformedSuccessBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "<html>proxy error</html>")
	}))
	defer server.Close()

	client := NewClient(server.URL, testLogger())
	_, err := client.Forward(context.Background(), Request{Method: http.MethodGet, Operation: "voices"})

	var ue *errs.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("error = %v, want UpstreamError", err)
	}
	if ue.StatusCode != http.StatusOK || ue.Detail != "malformed response from media service" {
		t.Errorf("unexpected error: %+v", ue)
	}
}

func TestClient_Forward_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := NewClient(server.URL, testLogger())
	_, err := client.Forward(context.Background(), Request{Method: http.MethodGet, Operation: "voices", Timeout: 50 * time.Millisecond})

	var te *errs.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want TimeoutError", err)
	}
	if te.Operation != "voices" || te.After != 50*time.Millisecond {
		t.Errorf("TimeoutError = %+v", te)
	}
}

func TestClient_Forward_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	addr := server.URL
	server.Close()

	client := NewClient(addr, testLogger())
	payload := Payload{Files: []Attachment{BytesAttachment("file", "x.png", "", []byte("x"))}}
	_, err := client.Forward(context.Background(), Request{Operation: "process-image", Payload: payload})

	var ue *errs.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("error = %v, want UpstreamError", err)
	}
	if ue.StatusCode != 0 {
		t.Errorf("StatusCode = %d, want 0 for transport failure", ue.StatusCode)
	}
	if errs.HTTPStatus(err) != http.StatusBadGateway {
		t.Errorf("HTTPStatus = %d, want 502", errs.HTTPStatus(err))
	}
}

func TestClient_Forward_AttachmentOpenError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		io.WriteString(w, `{}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, testLogger())
	payload := Payload{Files: []Attachment{{
		Field:    "file",
		Filename: "gone.png",
		Open:     func() (io.ReadCloser, error) { return nil, errors.New("temp file removed") },
	}}}
	if _, err := client.Forward(context.Background(), Request{Operation: "process-image", Payload: payload}); err == nil {
		t.Fatal("expected error when an attachment cannot be opened")
	}
}

func TestClient_Stream_PassesRange(t *testing.T) {
	var gotRange string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		if r.URL.Path != "/api/download/final.mp4" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Content-Range", "bytes 0-3/10")
		w.WriteHeader(http.StatusPartialContent)
		io.WriteString(w, "abcd")
	}))
	defer server.Close()

	client := NewClient(server.URL, testLogger())
	header := http.Header{}
	header.Set("Range", "bytes=0-3")
	resp, err := client.Stream(context.Background(), "download/final.mp4", header)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if gotRange != "bytes=0-3" {
		t.Errorf("Range = %q", gotRange)
	}
	if resp.StatusCode != http.StatusPartialContent || string(data) != "abcd" {
		t.Errorf("status %d body %q", resp.StatusCode, data)
	}
}

func TestClient_Stream_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"detail": "File not found"}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, testLogger())
	_, err := client.Stream(context.Background(), "download/missing.mp4", http.Header{})

	var ue *errs.UpstreamError
	if !errors.As(err, &ue) || ue.StatusCode != http.StatusNotFound || ue.Detail != "File not found" {
		t.Fatalf("error = %v, want 404 UpstreamError", err)
	}
}

func TestClient_Health(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path = %q", r.URL.Path)
		}
		io.WriteString(w, `{"status": "healthy", "service": "media"}`)
	}))
	defer server.Close()

	h, err := NewClient(server.URL, testLogger()).Health(context.Background())
	if err != nil {
		t.Fatalf("Health() error = %v", err)
	}
	if h.Status != "healthy" || h.ProbedAt.IsZero() {
		t.Errorf("Health() = %+v", h)
	}
}

func TestPayload_SetGetRemove(t *testing.T) {
	var p Payload
	p.Set("a", "1")
	p.Set("b", "2")
	p.Set("a", "3")

	if v, _ := p.Get("a"); v != "3" {
		t.Errorf("Get(a) = %q", v)
	}
	if len(p.Fields) != 2 || p.Fields[0].Name != "a" {
		t.Errorf("Set should replace in place: %+v", p.Fields)
	}
	if v := p.Remove("a"); v != "3" {
		t.Errorf("Remove(a) = %q", v)
	}
	if _, ok := p.Get("a"); ok {
		t.Error("a still present after Remove")
	}
}

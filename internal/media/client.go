// Package media talks to the external media service that renders videos,
// synthesizes speech and generates images.
package media

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"lukechampine.com/blake3"

	"github.com/aivideostudio/studio-gateway/internal/errs"
	"github.com/aivideostudio/studio-gateway/internal/logging"
)

const (
	maxResponseBytes = 16 << 20
	maxErrorBody     = 4096

	// DigestTrailer carries the BLAKE3 digest of all uploaded attachments.
	DigestTrailer = "X-Payload-Blake3"
)

// Field is one form value sent to the media service.
type Field struct {
	Name  string
	Value string
}

// Attachment is one uploaded file. Open is called once, while the request
// body is being streamed.
type Attachment struct {
	Field       string
	Filename    string
	ContentType string
	Open        func() (io.ReadCloser, error)
}

// BytesAttachment builds an Attachment backed by an in-memory buffer.
func BytesAttachment(field, filename, contentType string, data []byte) Attachment {
	return Attachment{
		Field:       field,
		Filename:    filename,
		ContentType: contentType,
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// Payload is an ordered multipart body: fields first, then attachments.
type Payload struct {
	Fields []Field
	Files  []Attachment
}

func (p *Payload) Set(name, value string) {
	for i := range p.Fields {
		if p.Fields[i].Name == name {
			p.Fields[i].Value = value
			return
		}
	}
	p.Fields = append(p.Fields, Field{Name: name, Value: value})
}

func (p *Payload) Get(name string) (string, bool) {
	for _, f := range p.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// Remove drops a field and returns its value.
func (p *Payload) Remove(name string) string {
	for i, f := range p.Fields {
		if f.Name == name {
			p.Fields = append(p.Fields[:i], p.Fields[i+1:]...)
			return f.Value
		}
	}
	return ""
}

// Request describes one call to the media service. Operation is the path
// below /api/, e.g. "create-video" or "music/tracks".
type Request struct {
	Method    string
	Operation string
	Query     url.Values
	Payload   Payload
	Timeout   time.Duration
}

type Health struct {
	Status   string    `json:"status"`
	Service  string    `json:"service,omitempty"`
	ProbedAt time.Time `json:"-"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		// Per-call deadlines come from the request context.
		httpClient: &http.Client{},
		logger:     logging.OrDiscard(logger),
	}
}

// BaseURL returns the media service root without trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Forward sends req and returns the upstream JSON body verbatim. Any
// non-2xx answer, transport failure or non-JSON body becomes an
// *errs.UpstreamError; an expired deadline becomes an *errs.TimeoutError.
func (c *Client) Forward(ctx context.Context, req Request) (json.RawMessage, error) {
	if req.Method == "" {
		req.Method = http.MethodPost
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	logger := logging.WithOperation(c.logger, req.Operation)
	if id := logging.RequestIDFromContext(ctx); id != "" {
		logger = logging.WithRequestID(logger, id)
	}

	var (
		body        io.ReadCloser
		contentType string
		digestCh    chan string
		trailer     http.Header
	)
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		pr, pw := io.Pipe()
		mw := multipart.NewWriter(pw)
		contentType = mw.FormDataContentType()
		body = pr
		digestCh = make(chan string, 1)
		if len(req.Payload.Files) > 0 {
			trailer = http.Header{DigestTrailer: nil}
		}
		go func() {
			digestCh <- writeMultipart(pw, mw, req.Payload, trailer)
		}()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.endpoint(req.Operation, req.Query), body)
	if err != nil {
		if body != nil {
			body.Close()
		}
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if trailer != nil {
		httpReq.Trailer = trailer
		httpReq.ContentLength = -1
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", requestID(ctx))

	logger.Info("forwarding media operation",
		"method", req.Method,
		"fields", len(req.Payload.Fields),
		"files", len(req.Payload.Files),
		"timeout_ms", req.Timeout.Milliseconds(),
	)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	digest := ""
	if digestCh != nil {
		body.Close()
		digest = <-digestCh
	}
	if err != nil {
		classified := classify(ctx, req, err)
		logger.Warn("media operation failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		return nil, classified
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classify(ctx, req, err)
	}

	logger.Info("media operation answered",
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
		"response_bytes", len(data),
		"payload_digest", digest,
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &errs.UpstreamError{
			Operation:  req.Operation,
			StatusCode: resp.StatusCode,
			Detail:     extractDetail(data, resp.Status),
			Body:       truncate(data, maxErrorBody),
		}
	}

	if !json.Valid(data) {
		return nil, &errs.UpstreamError{
			Operation:  req.Operation,
			StatusCode: resp.StatusCode,
			Detail:     "malformed response from media service",
			Body:       truncate(data, maxErrorBody),
		}
	}

	return json.RawMessage(data), nil
}

// Stream opens a download from the media service. Range and conditional
// headers from header are passed through. The caller must close the
// returned body.
func (c *Client) Stream(ctx context.Context, operation string, header http.Header) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(operation, nil), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for _, h := range []string{"Range", "If-Range", "If-None-Match", "If-Modified-Since"} {
		if v := header.Get(h); v != "" {
			httpReq.Header.Set(h, v)
		}
	}
	httpReq.Header.Set("X-Request-ID", requestID(ctx))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classify(ctx, Request{Operation: operation}, err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &errs.UpstreamError{
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Detail:     extractDetail(data, resp.Status),
			Body:       string(data),
		}
	}
	return resp, nil
}

// Health probes the media service /health endpoint.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("X-Request-ID", requestID(ctx))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classify(ctx, Request{Operation: "health"}, err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode != http.StatusOK {
		return nil, &errs.UpstreamError{
			Operation:  "health",
			StatusCode: resp.StatusCode,
			Detail:     extractDetail(data, resp.Status),
		}
	}

	h := &Health{Status: "ok"}
	_ = json.Unmarshal(data, h)
	h.ProbedAt = time.Now()
	return h, nil
}

func (c *Client) endpoint(operation string, query url.Values) string {
	u := c.baseURL + "/api/" + strings.TrimLeft(operation, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// writeMultipart streams payload into pw and returns the hex BLAKE3 digest
// of all attachment bytes (empty when there are none or writing failed).
func writeMultipart(pw *io.PipeWriter, mw *multipart.Writer, payload Payload, trailer http.Header) string {
	hasher := blake3.New(32, nil)

	err := func() error {
		for _, f := range payload.Fields {
			if err := mw.WriteField(f.Name, f.Value); err != nil {
				return err
			}
		}
		for _, a := range payload.Files {
			if err := writeAttachment(mw, a, hasher); err != nil {
				return err
			}
		}
		return mw.Close()
	}()
	if err != nil {
		pw.CloseWithError(err)
		return ""
	}

	digest := ""
	if len(payload.Files) > 0 {
		digest = hex.EncodeToString(hasher.Sum(nil))
		if trailer != nil {
			trailer.Set(DigestTrailer, digest)
		}
	}
	pw.Close()
	return digest
}

func writeAttachment(mw *multipart.Writer, a Attachment, hasher io.Writer) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		escapeQuotes(a.Field), escapeQuotes(a.Filename)))
	ct := a.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)

	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}

	src, err := a.Open()
	if err != nil {
		return fmt.Errorf("open attachment %s: %w", a.Filename, err)
	}
	defer src.Close()

	if _, err := io.Copy(io.MultiWriter(part, hasher), src); err != nil {
		return fmt.Errorf("copy attachment %s: %w", a.Filename, err)
	}
	return nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

func classify(ctx context.Context, req Request, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &errs.TimeoutError{Operation: req.Operation, After: req.Timeout}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &errs.TimeoutError{Operation: req.Operation, After: req.Timeout}
	}
	if errors.Is(err, context.Canceled) {
		return &errs.UpstreamError{Operation: req.Operation, Detail: "request cancelled"}
	}
	return &errs.UpstreamError{Operation: req.Operation, Detail: "media service unreachable"}
}

// extractDetail pulls the human-readable message out of an error body. The
// media service answers {"detail": ...}; other services use {"error": ...}.
func extractDetail(body []byte, fallback string) string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err == nil {
		for _, key := range []string{"detail", "error", "message"} {
			raw, ok := obj[key]
			if !ok {
				continue
			}
			var s string
			if err := json.Unmarshal(raw, &s); err == nil && s != "" {
				return s
			}
			var buf bytes.Buffer
			if err := json.Compact(&buf, raw); err == nil {
				return buf.String()
			}
		}
	}
	if text := strings.TrimSpace(truncate(body, 512)); text != "" && !strings.HasPrefix(text, "<") {
		return text
	}
	return fallback
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}

func requestID(ctx context.Context) string {
	if id := logging.RequestIDFromContext(ctx); id != "" {
		return id
	}
	return uuid.NewString()[:8]
}

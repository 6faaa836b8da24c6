package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"github.com/MegaGrindStone/med-research-ui/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Backend is the HTTP client of the research assistant backend API. It keeps a cookie jar so the
// backend's session cookie is sent along with every request, which is what ties uploads, streams and
// resets to the same backend session.
type Backend struct {
	baseURL *url.URL
	client  *http.Client

	logger *slog.Logger
}

// APIError is returned when the backend answers with a non-2xx status code. Message holds the
// backend's "error" field if the body carried one, or the raw body otherwise.
type APIError struct {
	StatusCode int
	Message    string
}

// ErrNoBody is returned when the backend accepted a stream request but sent no body to read.
var ErrNoBody = errors.New("response has no body")

const (
	errLoggerKey = "error"

	maxStreamEventSize = 1 << 20
)

func (e *APIError) Error() string {
	return fmt.Sprintf("unexpected status code: %d, body: %s", e.StatusCode, e.Message)
}

// APIMessage returns the backend's own description of the failure.
func (e *APIError) APIMessage() string {
	return e.Message
}

// NewBackend creates a new Backend for the API rooted at baseURL. The http client may be nil, in which
// case a client with a fresh cookie jar is used. A client without a jar gets one assigned.
func NewBackend(baseURL string, client *http.Client, logger *slog.Logger) (Backend, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return Backend{}, fmt.Errorf("error parsing backend url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return Backend{}, fmt.Errorf("backend url %q must be absolute", baseURL)
	}

	if client == nil {
		client = &http.Client{}
	}
	if client.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return Backend{}, fmt.Errorf("error creating cookie jar: %w", err)
		}
		client.Jar = jar
	}

	return Backend{
		baseURL: u,
		client:  client,
		logger:  logger.With(slog.String("module", "backend")),
	}, nil
}

// Stream sends the message to the backend's stream endpoint and returns an iterator over the decoded
// events. Events are framed by the SSE reader on raw bytes, so a multi-byte character split across two
// network reads is decoded only once the whole event arrived. Events that aren't valid JSON, or carry
// no type, are logged and skipped. The iterator yields an error and stops if the request fails or the
// body can't be read; a cancelled context ends the iteration silently.
func (b Backend) Stream(ctx context.Context, message string) iter.Seq2[models.StreamEvent, error] {
	return func(yield func(models.StreamEvent, error) bool) {
		resp, err := b.do(ctx, http.MethodGet, "/api/stream", url.Values{"message": {message}}, nil, "")
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(models.StreamEvent{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.Body == http.NoBody {
			yield(models.StreamEvent{}, ErrNoBody)
			return
		}

		for ev, err := range sse.Read(resp.Body, &sse.ReadConfig{MaxEventSize: maxStreamEventSize}) {
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				yield(models.StreamEvent{}, fmt.Errorf("error reading response: %w", err))
				return
			}

			var se models.StreamEvent
			if err := json.Unmarshal([]byte(ev.Data), &se); err != nil {
				b.logger.Warn("Skipping malformed stream event",
					slog.String("data", ev.Data),
					slog.String(errLoggerKey, err.Error()))
				continue
			}
			if se.Type == "" {
				b.logger.Warn("Skipping stream event without type", slog.String("data", ev.Data))
				continue
			}

			if !yield(se, nil) {
				return
			}
		}
	}
}

// Reset asks the backend to drop the current session and start a fresh one.
func (b Backend) Reset(ctx context.Context) error {
	resp, err := b.do(ctx, http.MethodPost, "/api/reset", nil, nil, "")
	if err != nil {
		return fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Upload sends the document read from r as the multipart field "file" to the backend's upload
// endpoint. The progress callback, if not nil, is called with the percentage of the request body
// handed to the transport so far. It's called from the transport's goroutine writing the request
// body, so it must be safe for concurrent use.
func (b Backend) Upload(
	ctx context.Context,
	filename string,
	r io.Reader,
	progress func(percent int),
) (models.UploadResult, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return models.UploadResult{}, fmt.Errorf("error creating form file: %w", err)
	}
	if _, err := io.Copy(fw, r); err != nil {
		return models.UploadResult{}, fmt.Errorf("error reading file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return models.UploadResult{}, fmt.Errorf("error closing multipart writer: %w", err)
	}

	var reqBody io.Reader = &body
	if progress != nil {
		reqBody = &progressReader{r: &body, total: int64(body.Len()), fn: progress}
	}

	resp, err := b.do(ctx, http.MethodPost, "/api/upload", nil, reqBody, mw.FormDataContentType())
	if err != nil {
		return models.UploadResult{}, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	var res models.UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return models.UploadResult{}, fmt.Errorf("error decoding response: %w", err)
	}
	if res.Filename == "" {
		res.Filename = filename
	}

	return res, nil
}

func (b Backend) do(
	ctx context.Context,
	method, path string,
	query url.Values,
	body io.Reader,
	contentType string,
) (*http.Response, error) {
	u := b.baseURL.JoinPath(path)
	if query != nil {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	if pr, ok := body.(*progressReader); ok {
		req.ContentLength = pr.total
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if method == http.MethodGet {
		req.Header.Set("Accept", "text/event-stream")
	}

	b.logger.Debug("Request", slog.String("method", method), slog.String("url", u.String()))

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, newAPIError(resp)
	}

	return resp, nil
}

func newAPIError(resp *http.Response) *APIError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		msg = body.Error
	}

	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

type progressReader struct {
	r     io.Reader
	total int64
	read  int64
	last  int
	fn    func(int)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)

	percent := 100
	if p.total > 0 {
		percent = int(p.read * 100 / p.total)
	}
	if percent > p.last {
		p.last = percent
		p.fn(percent)
	}

	return n, err
}

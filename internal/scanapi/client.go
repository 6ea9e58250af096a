// SPDX-License-Identifier: MIT

// Package scanapi is the HTTP client for the Shelfscan recognition service:
// multipart submit, stream open, results fetch and cleanup.
package scanapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/shelfkit/shelfscan/internal/model"
)

const (
	headerDeviceID = "X-Device-ID"

	defaultTimeout = 30 * time.Second
	// Fallback cooldown when a 429 arrives without a usable Retry-After.
	defaultRetryAfter = 60 * time.Second
)

// Client talks to one recognition service origin on behalf of one device.
type Client struct {
	base     string
	deviceID string
	http     *http.Client // bounded calls: submit, results, cleanup
	stream   *http.Client // long-lived stream reads: header timeout only
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the connection/request timeout (default 30s).
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.Timeout = d
		if t, ok := c.stream.Transport.(*http.Transport); ok {
			t.ResponseHeaderTimeout = d
			t.DialContext = (&net.Dialer{Timeout: d}).DialContext
		}
	}
}

// WithTracing instruments both underlying transports with otelhttp.
func WithTracing() Option {
	return func(c *Client) {
		c.http.Transport = otelhttp.NewTransport(c.http.Transport)
		c.stream.Transport = otelhttp.NewTransport(c.stream.Transport)
	}
}

// WithHTTPClient replaces the bounded-call client, for tests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New creates a client for the given service origin and device identifier.
func New(base, deviceID string, opts ...Option) *Client {
	// The stream client carries no overall timeout: a legitimate multi-book
	// job streams for tens of seconds. Connection establishment and response
	// headers stay bounded.
	streamTransport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: defaultTimeout}).DialContext,
		ResponseHeaderTimeout: defaultTimeout,
		Proxy:                 http.ProxyFromEnvironment,
	}
	c := &Client{
		base:     strings.TrimRight(base, "/"),
		deviceID: deviceID,
		http: &http.Client{
			Timeout:   defaultTimeout,
			Transport: http.DefaultTransport,
		},
		stream: &http.Client{Transport: streamTransport},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured service origin.
func (c *Client) BaseURL() string { return c.base }

// SubmitAck is the successful submit response.
type SubmitAck struct {
	JobID     string
	SSEURL    string
	AuthToken string
	StatusURL string
}

type submitEnvelope struct {
	Success bool `json:"success"`
	Data    struct {
		JobID     string `json:"jobId"`
		SSEURL    string `json:"sseUrl"`
		AuthToken string `json:"authToken"`
		StatusURL string `json:"statusUrl"`
	} `json:"data"`
}

type problemBody struct {
	Message   string `json:"message"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

// Submit uploads one capture as a multipart body. On success the caller must
// persist the returned auth token before any further call for this job.
func (c *Client) Submit(ctx context.Context, image []byte) (SubmitAck, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("photos[]", "capture.jpg")
	if err != nil {
		return SubmitAck{}, fmt.Errorf("scanapi: build multipart body: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return SubmitAck{}, fmt.Errorf("scanapi: write multipart body: %w", err)
	}
	if err := mw.Close(); err != nil {
		return SubmitAck{}, fmt.Errorf("scanapi: finish multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v3/jobs/scans", &body)
	if err != nil {
		return SubmitAck{}, fmt.Errorf("scanapi: build submit request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(headerDeviceID, c.deviceID)

	res, err := c.http.Do(req)
	if err != nil {
		return SubmitAck{}, &APIError{Sentinel: ErrUpstream, Op: "submit", Retryable: true, Err: err}
	}
	defer res.Body.Close() // #nosec G307

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return SubmitAck{}, c.statusError("submit", res)
	}

	var env submitEnvelope
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
		return SubmitAck{}, &APIError{Sentinel: ErrBadResponse, Op: "submit", Status: res.StatusCode, Err: err}
	}
	if !env.Success || env.Data.JobID == "" || env.Data.SSEURL == "" {
		return SubmitAck{}, &APIError{Sentinel: ErrBadResponse, Op: "submit", Status: res.StatusCode,
			Message: "acknowledgement missing jobId or sseUrl"}
	}
	return SubmitAck{
		JobID:     env.Data.JobID,
		SSEURL:    c.resolve(env.Data.SSEURL),
		AuthToken: env.Data.AuthToken,
		StatusURL: c.resolve(env.Data.StatusURL),
	}, nil
}

// OpenStream opens the long-lived event stream for a job. The returned body
// stays open until the caller closes it or ctx is canceled.
func (c *Client) OpenStream(ctx context.Context, sseURL, authToken string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sseURL, nil)
	if err != nil {
		return nil, fmt.Errorf("scanapi: build stream request: %w", err)
	}
	req.Header.Set(headerDeviceID, c.deviceID)
	req.Header.Set("Accept", "text/event-stream")
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	res, err := c.stream.Do(req)
	if err != nil {
		return nil, &APIError{Sentinel: ErrUpstream, Op: "open stream", Retryable: true, Err: err}
	}
	if res.StatusCode != http.StatusOK {
		defer res.Body.Close() // #nosec G307
		return nil, c.statusError("open stream", res)
	}
	return res.Body, nil
}

// FetchResults follows the completed event's resultsUrl when the result array
// was not delivered inline. The body is either a bare array of books or the
// usual success envelope wrapping one.
func (c *Client) FetchResults(ctx context.Context, resultsURL, authToken string) ([]model.Book, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(resultsURL), nil)
	if err != nil {
		return nil, fmt.Errorf("scanapi: build results request: %w", err)
	}
	req.Header.Set(headerDeviceID, c.deviceID)
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, &APIError{Sentinel: ErrUpstream, Op: "fetch results", Retryable: true, Err: err}
	}
	defer res.Body.Close() // #nosec G307

	if res.StatusCode != http.StatusOK {
		return nil, c.statusError("fetch results", res)
	}
	raw, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return nil, &APIError{Sentinel: ErrUpstream, Op: "fetch results", Retryable: true, Err: err}
	}

	var books []model.Book
	if err := json.Unmarshal(raw, &books); err == nil {
		return books, nil
	}
	var env struct {
		Success bool `json:"success"`
		Data    struct {
			Books []model.Book `json:"books"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &APIError{Sentinel: ErrBadResponse, Op: "fetch results", Status: res.StatusCode, Err: err}
	}
	return env.Data.Books, nil
}

// Cleanup releases server-side resources for a job. 200, 204 and 404 are all
// success; 404 means the job was already cleaned.
func (c *Client) Cleanup(ctx context.Context, jobID, authToken string) error {
	u := c.base + "/v3/jobs/scans/" + url.PathEscape(jobID) + "/cleanup"
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return fmt.Errorf("scanapi: build cleanup request: %w", err)
	}
	req.Header.Set(headerDeviceID, c.deviceID)
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return &APIError{Sentinel: ErrUpstream, Op: "cleanup", Retryable: true, Err: err}
	}
	defer res.Body.Close() // #nosec G307

	switch res.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return c.statusError("cleanup", res)
	}
}

// statusError maps a non-success response into the error taxonomy:
// 429 rate-limited, other 4xx non-retryable, 5xx retryable.
func (c *Client) statusError(op string, res *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))

	if res.StatusCode == http.StatusTooManyRequests {
		return &APIError{
			Sentinel:   ErrRateLimited,
			Op:         op,
			Status:     res.StatusCode,
			RetryAfter: parseRetryAfter(res.Header.Get("Retry-After")),
		}
	}

	var prob problemBody
	_ = json.Unmarshal(body, &prob)

	if res.StatusCode >= 500 {
		return &APIError{
			Sentinel:  ErrUpstream,
			Op:        op,
			Status:    res.StatusCode,
			Code:      prob.Code,
			Message:   prob.Message,
			Retryable: true,
		}
	}
	return &APIError{
		Sentinel:  ErrClient,
		Op:        op,
		Status:    res.StatusCode,
		Code:      prob.Code,
		Message:   prob.Message,
		Retryable: prob.Retryable,
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
		return 0
	}
	return defaultRetryAfter
}

// resolve makes service-relative URLs absolute against the client base.
func (c *Client) resolve(u string) string {
	if u == "" || strings.Contains(u, "://") {
		return u
	}
	if strings.HasPrefix(u, "/") {
		return c.base + u
	}
	return c.base + "/" + u
}

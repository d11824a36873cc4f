// Package backend is a client for the access-control REST API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/kleeedolinux/entrywatch/debug"
)

const (
	DefaultLimit = 100

	maxErrorBody = 4 << 10
)

var ErrNotAuthenticated = errors.New("backend: not authenticated")

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *APIError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("backend: API error: %s: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("backend: API error: %s", e.Status)
}

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token() (string, bool)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	validate   *validator.Validate
	logger     zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) {
		c.tokens = ts
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("backend: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend: base url %q must be http or https", baseURL)
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		validate:   validator.New(),
		logger:     debug.Component("backend"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// Login exchanges a username and password for a token. It does not require
// a TokenSource.
func (c *Client) Login(ctx context.Context, username, password string) (*AuthToken, error) {
	if username == "" || password == "" {
		return nil, errors.New("backend: username and password are required")
	}

	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var tok AuthToken
	if err := c.do(req, &tok); err != nil {
		return nil, err
	}
	if tok.AccessToken == "" {
		return nil, errors.New("backend: login response carried no access token")
	}
	return &tok, nil
}

func (c *Client) People(ctx context.Context, q PeopleQuery) ([]Person, error) {
	if err := c.validate.Struct(q); err != nil {
		return nil, fmt.Errorf("backend: invalid query: %w", err)
	}
	params := pageParams(q.Skip, q.Limit)
	if q.Role != "" {
		params.Set("role", q.Role)
	}

	var out []Person
	if err := c.call(ctx, http.MethodGet, "/api/people", params, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreatePerson(ctx context.Context, p NewPerson) (*Person, error) {
	if err := c.validate.Struct(p); err != nil {
		return nil, fmt.Errorf("backend: invalid person: %w", err)
	}
	var out Person
	if err := c.call(ctx, http.MethodPost, "/api/people", nil, p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddFaceData uploads an image as the multipart field "file".
func (c *Client) AddFaceData(ctx context.Context, personID int, filename string, image io.Reader) (map[string]any, error) {
	if personID <= 0 {
		return nil, errors.New("backend: person id must be positive")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, image); err != nil {
		return nil, fmt.Errorf("backend: read image: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/people/"+strconv.Itoa(personID)+"/face", nil, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out map[string]any
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) VisitorLogs(ctx context.Context, q VisitorLogQuery) ([]VisitorLog, error) {
	if err := c.validate.Struct(q); err != nil {
		return nil, fmt.Errorf("backend: invalid query: %w", err)
	}
	params := pageParams(q.Skip, q.Limit)
	if q.Status != "" {
		params.Set("status", q.Status)
	}
	if q.Date != "" {
		params.Set("date", q.Date)
	}

	var out []VisitorLog
	if err := c.call(ctx, http.MethodGet, "/api/visitor-logs", params, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Cameras(ctx context.Context) ([]Camera, error) {
	var out []Camera
	if err := c.call(ctx, http.MethodGet, "/api/cameras", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateCamera(ctx context.Context, cam NewCamera) (*Camera, error) {
	if err := c.validate.Struct(cam); err != nil {
		return nil, fmt.Errorf("backend: invalid camera: %w", err)
	}
	var out Camera
	if err := c.call(ctx, http.MethodPost, "/api/cameras", nil, cam, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var out Stats
	if err := c.call(ctx, http.MethodGet, "/api/stats", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Settings(ctx context.Context) (*Settings, error) {
	var out Settings
	if err := c.call(ctx, http.MethodGet, "/api/settings", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateSettings sends only the fields set in u and returns the stored
// settings.
func (c *Client) UpdateSettings(ctx context.Context, u SettingsUpdate) (*Settings, error) {
	if err := c.validate.Struct(u); err != nil {
		return nil, fmt.Errorf("backend: invalid settings: %w", err)
	}
	var out Settings
	if err := c.call(ctx, http.MethodPut, "/api/settings", nil, u, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ProcessFrame submits one base64-encoded camera frame for recognition.
func (c *Client) ProcessFrame(ctx context.Context, cameraID int, frameBase64 string) (FrameResult, error) {
	if cameraID <= 0 || frameBase64 == "" {
		return nil, errors.New("backend: camera id and frame are required")
	}
	body := struct {
		CameraID int    `json:"camera_id"`
		Frame    string `json:"frame"`
	}{cameraID, frameBase64}

	var out FrameResult
	if err := c.call(ctx, http.MethodPost, "/api/process-frame", nil, body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func pageParams(skip, limit int) url.Values {
	if limit == 0 {
		limit = DefaultLimit
	}
	params := url.Values{}
	params.Set("skip", strconv.Itoa(skip))
	params.Set("limit", strconv.Itoa(limit))
	return params
}

func (c *Client) call(ctx context.Context, method, path string, query url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("backend: encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

// newRequest builds an authenticated request.
func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	if c.tokens == nil {
		return nil, ErrNotAuthenticated
	}
	token, ok := c.tokens.Token()
	if !ok {
		return nil, ErrNotAuthenticated
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("Request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("backend: decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

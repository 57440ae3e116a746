package orthanc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/orthancfleet/cockpit/pkg/metrics"
	"golang.org/x/time/rate"
)

// API is the subset of the Orthanc REST API the cockpit drives
type API interface {
	System(ctx context.Context) (*SystemInfo, error)
	PutModality(ctx context.Context, id string, entry ModalityEntry) error
	DeleteModality(ctx context.Context, id string) error
	PutPeer(ctx context.Context, name string, peer Peer) error
	Echo(ctx context.Context, modalityID string, timeout time.Duration) error
	Instances(ctx context.Context) ([]string, error)
	Store(ctx context.Context, modalityID string, resources []string) error
	Shutdown(ctx context.Context) error
}

// Factory builds a client for a server's base URL and credential
type Factory func(baseURL, username, password string) API

// Client talks to one Orthanc server with HTTP basic auth
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	limiter  *rate.Limiter
}

// Option configures a Client
type Option func(*Client)

// WithTimeout sets the HTTP client timeout
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.http.Timeout = timeout
	}
}

// WithLimiter throttles requests. Limiters may be shared between clients.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Client) {
		c.limiter = l
	}
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// NewClient creates a client for the server at baseURL
func NewClient(baseURL, username, password string, opts ...Option) *Client {
	c := &Client{
		baseURL:  baseURL,
		username: username,
		password: password,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewFactory returns a Factory that applies opts to every client
func NewFactory(opts ...Option) Factory {
	return func(baseURL, username, password string) API {
		return NewClient(baseURL, username, password, opts...)
	}
}

// APIError is returned for non-2xx responses
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// IsStatus reports whether err is an APIError with the given status code
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out interface{}) (err error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDurationVec(metrics.OrthancRequestDuration, op)
		metrics.OrthancRequestsTotal.WithLabelValues(op, metrics.Outcome(err)).Inc()
	}()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(msg)}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// System returns GET /system
func (c *Client) System(ctx context.Context) (*SystemInfo, error) {
	var info SystemInfo
	if err := c.do(ctx, "system", http.MethodGet, "/system", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// PutModality creates or replaces the modality entry id
func (c *Client) PutModality(ctx context.Context, id string, entry ModalityEntry) error {
	return c.do(ctx, "put_modality", http.MethodPut, "/modalities/"+url.PathEscape(id), entry, nil)
}

// DeleteModality removes the modality entry id. A missing entry is not an
// error.
func (c *Client) DeleteModality(ctx context.Context, id string) error {
	err := c.do(ctx, "delete_modality", http.MethodDelete, "/modalities/"+url.PathEscape(id), nil, nil)
	if IsStatus(err, http.StatusNotFound) {
		return nil
	}
	return err
}

// PutPeer creates or replaces the peer name
func (c *Client) PutPeer(ctx context.Context, name string, peer Peer) error {
	return c.do(ctx, "put_peer", http.MethodPut, "/peers/"+url.PathEscape(name), peer, nil)
}

// Echo asks the server to C-ECHO one of its modalities
func (c *Client) Echo(ctx context.Context, modalityID string, timeout time.Duration) error {
	body := EchoRequest{CheckFind: false, Timeout: int(timeout.Seconds())}
	return c.do(ctx, "echo", http.MethodPost, "/modalities/"+url.PathEscape(modalityID)+"/echo", body, nil)
}

// Instances returns the ids of every stored instance
func (c *Client) Instances(ctx context.Context) ([]string, error) {
	var ids []string
	if err := c.do(ctx, "instances", http.MethodGet, "/instances", nil, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// Store sends resources to a modality with C-STORE and waits for the job
func (c *Client) Store(ctx context.Context, modalityID string, resources []string) error {
	body := StoreRequest{Resources: resources, Synchronous: true}
	return c.do(ctx, "store", http.MethodPost, "/modalities/"+url.PathEscape(modalityID)+"/store", body, nil)
}

// Shutdown asks the server to stop
func (c *Client) Shutdown(ctx context.Context) error {
	return c.do(ctx, "shutdown", http.MethodPost, "/tools/shutdown", struct{}{}, nil)
}

// Package drive implements remote.Store against the Google Drive v3 REST API.
package drive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/fruitsalade/drivemirror/internal/logging"
	"github.com/fruitsalade/drivemirror/internal/metrics"
	"github.com/fruitsalade/drivemirror/internal/retry"
	"github.com/fruitsalade/drivemirror/internal/syncerr"
)

const (
	DefaultAPIURL    = "https://www.googleapis.com/drive/v3"
	DefaultUploadURL = "https://www.googleapis.com/upload/drive/v3"

	// DefaultChunkSize is the resumable upload chunk; Drive requires multiples of 256 KiB.
	DefaultChunkSize = 5 << 20
	chunkGranularity = 256 << 10

	FolderMimeType = "application/vnd.google-apps.folder"
	DocMimeType    = "application/vnd.google-apps.document"
	appsMimePrefix = "application/vnd.google-apps."
)

// ErrUnauthorized is returned when the API rejects the access token.
var ErrUnauthorized = errors.New("unauthorized")

// APIError is a non-success response from the Drive API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("drive api %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("drive api %d", e.StatusCode)
}

// Is maps status codes onto the shared error taxonomy.
func (e *APIError) Is(target error) bool {
	switch target {
	case syncerr.ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	}
	return false
}

// Config holds client configuration.
type Config struct {
	APIURL      string
	UploadURL   string
	TokenSource oauth2.TokenSource // nil sends unauthenticated requests
	HTTPClient  *http.Client
	Timeout     time.Duration
	RetryConfig retry.Config
	ChunkSize   int64
	RootFolder  string
}

// Client is a Drive v3 client with retry and online tracking.
type Client struct {
	apiURL      string
	uploadURL   string
	httpClient  *http.Client
	mediaClient *http.Client
	tokens      oauth2.TokenSource
	retryConfig retry.Config
	chunkSize   int64
	rootFolder  string

	mu       sync.RWMutex
	online   bool
	lastPing time.Time
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.UploadURL == "" {
		cfg.UploadURL = DefaultUploadURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if rem := cfg.ChunkSize % chunkGranularity; rem != 0 {
		cfg.ChunkSize += chunkGranularity - rem
	}
	if cfg.RootFolder == "" {
		cfg.RootFolder = "TexFlow"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: cfg.Timeout,
			},
		}
	}
	// Media bodies stream for as long as the file takes; only the caller's
	// ctx and the transport's header timeout bound them.
	mediaClient := *httpClient
	mediaClient.Timeout = 0

	return &Client{
		apiURL:      cfg.APIURL,
		uploadURL:   cfg.UploadURL,
		httpClient:  httpClient,
		mediaClient: &mediaClient,
		tokens:      cfg.TokenSource,
		retryConfig: cfg.RetryConfig,
		chunkSize:   cfg.ChunkSize,
		rootFolder:  cfg.RootFolder,
		online:      true,
	}
}

// Type returns "drive".
func (c *Client) Type() string { return "drive" }

// IsOnline returns true if the API was reachable on the last call.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online != online {
		if online {
			logging.Info("drive is back online")
		} else {
			logging.Error("drive is offline")
		}
	}
	c.online = online
	c.lastPing = time.Now()
}

// Ping checks that the API is reachable and the token is accepted.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.send(ctx, "ping", func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"/about?fields=user", nil)
	}, statusOK)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) authorize(req *http.Request) error {
	if c.tokens == nil {
		return nil
	}
	tok, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("%w: token: %v", ErrUnauthorized, err)
	}
	tok.SetAuthHeader(req)
	return nil
}

func statusOK(code int) bool {
	return code == http.StatusOK
}

func statusCreated(code int) bool {
	return code == http.StatusOK || code == http.StatusCreated
}

// send performs a request with retries. newReq is called once per attempt so
// request bodies are rebuilt. On success the caller owns resp.Body.
func (c *Client) send(ctx context.Context, op string, newReq func() (*http.Request, error), accept func(int) bool) (*http.Response, error) {
	return c.sendOn(ctx, c.httpClient, op, newReq, accept)
}

func (c *Client) sendOn(ctx context.Context, hc *http.Client, op string, newReq func() (*http.Request, error), accept func(int) bool) (*http.Response, error) {
	start := time.Now()
	resp, err := retry.DoWithResult(ctx, c.retryConfig, func() (*http.Response, error) {
		req, err := newReq()
		if err != nil {
			return nil, err
		}
		if err := c.authorize(req); err != nil {
			return nil, err
		}

		resp, err := hc.Do(req)
		if err != nil {
			c.setOnline(false)
			return nil, retry.Retryable(err)
		}
		if accept(resp.StatusCode) {
			c.setOnline(true)
			return resp, nil
		}

		defer resp.Body.Close()
		apiErr := readAPIError(resp)
		if retry.RetryableStatus(resp.StatusCode) {
			c.setOnline(false)
			return nil, retry.Retryable(apiErr)
		}
		c.setOnline(true)
		return nil, apiErr
	})
	metrics.RecordRemoteOperation("drive", op, time.Since(start), err == nil)
	if err != nil {
		return nil, syncerr.Unavailable(fmt.Errorf("drive %s: %w", op, err))
	}
	return resp, nil
}

func readAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &body) == nil {
		apiErr.Message = body.Error.Message
	}
	return apiErr
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return syncerr.Unavailable(fmt.Errorf("decode drive response: %w", err))
	}
	return nil
}

package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"demuxd/internal/logger"
	"demuxd/internal/models"
)

const (
	DefaultAttempts       = 3
	DefaultRetryDelay     = 100 * time.Millisecond
	DefaultRequestTimeout = 5 * time.Second
	maxRedirects          = 5
)

// Request addresses a whole resource or a byte range of it.
type Request struct {
	URI string
	// Offset and Size select a byte range; Size < 0 means the whole resource.
	Offset int64
	Size   int64
	// Attempts overrides Client.Attempts when positive.
	Attempts int
}

// FragmentRequest builds the request for a media fragment. It is tried once: the download
// loop counts fragment failures against its own bound.
func FragmentRequest(f models.Fragment) Request {
	return Request{URI: f.URI, Offset: f.Offset, Size: f.Size, Attempts: 1}
}

// InitRequest builds the request for an initialization segment, tried once like fragments.
func InitRequest(s *models.InitSegment) Request {
	return Request{URI: s.URI, Offset: s.Offset, Size: s.Size, Attempts: 1}
}

// WholeRequest builds the request for a complete resource.
func WholeRequest(uri string) Request {
	return Request{URI: uri, Offset: -1, Size: -1}
}

// StatusError reports an unexpected HTTP status.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("received status %d from %s", e.Code, e.URL)
}

// Client downloads fragments, keys and manifests over HTTP with bounded retries.
// A cancelled context aborts the transfer in flight and is never retried.
type Client struct {
	httpClient *http.Client
	logger     logger.Logger
	userAgent  string

	Attempts       int
	RetryDelay     time.Duration
	RequestTimeout time.Duration
}

// NewClient creates a new HTTP client. Redirects are followed manually so the final
// manifest location can be reported for relative URL resolution.
func NewClient(log logger.Logger, userAgent string, requestTimeout time.Duration) *Client {
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	transport := &http.Transport{
		ResponseHeaderTimeout: requestTimeout,
	}
	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:         log,
		userAgent:      userAgent,
		Attempts:       DefaultAttempts,
		RetryDelay:     DefaultRetryDelay,
		RequestTimeout: requestTimeout,
	}
}

// Fetch downloads the requested bytes.
func (c *Client) Fetch(ctx context.Context, req Request) ([]byte, error) {
	data, _, err := c.get(ctx, req)
	return data, err
}

// FetchManifest downloads manifest text and returns it with the final URL after redirects.
func (c *Client) FetchManifest(ctx context.Context, uri string) ([]byte, string, error) {
	return c.get(ctx, WholeRequest(uri))
}

func (c *Client) get(ctx context.Context, req Request) ([]byte, string, error) {
	attempts := c.Attempts
	if req.Attempts > 0 {
		attempts = req.Attempts
	}
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Debugf("Downloading %s (Attempt %d/%d)", req.URI, attempt, attempts)
		data, finalURL, err := c.once(ctx, req)
		if err == nil {
			c.logger.Debugf("Successfully downloaded %s (%d bytes)", req.URI, len(data))
			return data, finalURL, nil
		}
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		lastErr = fmt.Errorf("download attempt %d failed for %s: %w", attempt, req.URI, err)
		c.logger.Warnf("%v", lastErr)

		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Code >= 400 && statusErr.Code < 500 {
			break
		}
		if attempt < attempts {
			select {
			case <-ctx.Done():
				return nil, "", ctx.Err()
			case <-time.After(c.RetryDelay):
			}
		}
	}

	return nil, "", fmt.Errorf("failed to download %s after %d attempts: %w", req.URI, attempts, lastErr)
}

func (c *Client) once(ctx context.Context, req Request) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.RequestTimeout)
	defer cancel()

	location := req.URI
	for hop := 0; ; hop++ {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create request for %s: %w", location, err)
		}
		if c.userAgent != "" {
			httpReq.Header.Set("User-Agent", c.userAgent)
		}
		if req.Size >= 0 {
			offset := req.Offset
			if offset < 0 {
				offset = 0
			}
			httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+req.Size-1))
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return nil, "", err
		}

		switch resp.StatusCode {
		case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
			http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
			next, err := resp.Location()
			resp.Body.Close()
			if err != nil {
				return nil, "", fmt.Errorf("redirect location error: %w", err)
			}
			if hop >= maxRedirects {
				return nil, "", fmt.Errorf("too many redirects fetching %s", req.URI)
			}
			location = next.String()
			c.logger.Debugf("Redirected to: %s", location)
			continue
		case http.StatusOK, http.StatusPartialContent:
		default:
			resp.Body.Close()
			return nil, "", &StatusError{URL: location, Code: resp.StatusCode}
		}

		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, "", fmt.Errorf("failed while reading body: %w", err)
		}
		if resp.StatusCode == http.StatusOK && req.Size >= 0 {
			data = sliceRange(data, req.Offset, req.Size)
		}
		return data, location, nil
	}
}

// sliceRange cuts the requested range out of a full response from a server that ignored Range.
func sliceRange(data []byte, offset, size int64) []byte {
	if offset < 0 {
		offset = 0
	}
	if offset >= int64(len(data)) {
		return nil
	}
	end := offset + size
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return data[offset:end]
}

package fetch_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"demuxd/internal/fetch"
	"demuxd/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockLogger is a no-op logger for testing purposes.
type mockLogger struct{}

func (m *mockLogger) Debugf(format string, v ...interface{}) {}
func (m *mockLogger) Infof(format string, v ...interface{})  {}
func (m *mockLogger) Warnf(format string, v ...interface{})  {}
func (m *mockLogger) Errorf(format string, v ...interface{}) {}

func newClient(timeout time.Duration) *fetch.Client {
	c := fetch.NewClient(&mockLogger{}, "test-agent", timeout)
	c.RetryDelay = 5 * time.Millisecond
	return c
}

// TestClient_Success verifies a successful download on the first attempt.
func TestClient_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.UserAgent())
		assert.Empty(t, r.Header.Get("Range"))
		fmt.Fprint(w, "segment data")
	}))
	defer server.Close()

	data, err := newClient(time.Second).Fetch(context.Background(), fetch.WholeRequest(server.URL))
	assert.NoError(t, err)
	assert.Equal(t, "segment data", string(data))
}

// TestClient_RetryThenSuccess verifies that the client retries on failure and succeeds.
func TestClient_RetryThenSuccess(t *testing.T) {
	var requestCount int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count := atomic.AddInt32(&requestCount, 1)
		if count < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, "final segment data")
	}))
	defer server.Close()

	data, err := newClient(time.Second).Fetch(context.Background(), fetch.WholeRequest(server.URL))
	assert.NoError(t, err)
	assert.Equal(t, "final segment data", string(data))
	assert.Equal(t, int32(3), atomic.LoadInt32(&requestCount), "Expected exactly 3 attempts")
}

// TestClient_ClientErrorIsNotRetried verifies that 4xx responses fail immediately.
func TestClient_ClientErrorIsNotRetried(t *testing.T) {
	var requestCount int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requestCount, 1)
		http.NotFound(w, r)
	}))
	defer server.Close()

	_, err := newClient(time.Second).Fetch(context.Background(), fetch.WholeRequest(server.URL))
	var statusErr *fetch.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
	assert.Equal(t, int32(1), atomic.LoadInt32(&requestCount))
}

// TestClient_Timeout verifies that the per-request timeout is respected.
func TestClient_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond) // Exceeds the timeout
		fmt.Fprint(w, "this should not be sent")
	}))
	defer server.Close()

	c := newClient(50 * time.Millisecond)
	c.Attempts = 1
	_, err := c.Fetch(context.Background(), fetch.WholeRequest(server.URL))
	assert.Error(t, err)
}

// TestClient_Cancel verifies that cancelling the context aborts without retrying.
func TestClient_Cancel(t *testing.T) {
	var requestCount int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requestCount, 1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := newClient(5*time.Second).Fetch(ctx, fetch.WholeRequest(server.URL))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&requestCount))
}

// TestClient_FragmentIsTriedOnce verifies that media fetches leave retries to the caller.
func TestClient_FragmentIsTriedOnce(t *testing.T) {
	var requestCount int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requestCount, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := newClient(time.Second)
	_, err := c.Fetch(context.Background(), fetch.FragmentRequest(models.Fragment{URI: server.URL, Offset: -1, Size: -1}))
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&requestCount))

	_, err = c.Fetch(context.Background(), fetch.InitRequest(&models.InitSegment{URI: server.URL, Offset: -1, Size: -1}))
	require.Error(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&requestCount))

	_, err = c.Fetch(context.Background(), fetch.WholeRequest(server.URL))
	require.Error(t, err)
	assert.Equal(t, int32(2+fetch.DefaultAttempts), atomic.LoadInt32(&requestCount), "keys and manifests keep the client's retries")
}

// TestClient_ByteRange verifies the Range header and the fallback for servers ignoring it.
func TestClient_ByteRange(t *testing.T) {
	body := "0123456789abcdef"
	honour := true
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes=4-9", r.Header.Get("Range"))
		if honour {
			w.WriteHeader(http.StatusPartialContent)
			fmt.Fprint(w, body[4:10])
			return
		}
		fmt.Fprint(w, body)
	}))
	defer server.Close()

	frag := models.Fragment{URI: server.URL, Offset: 4, Size: 6}
	c := newClient(time.Second)

	data, err := c.Fetch(context.Background(), fetch.FragmentRequest(frag))
	require.NoError(t, err)
	assert.Equal(t, "456789", string(data))

	honour = false
	data, err = c.Fetch(context.Background(), fetch.FragmentRequest(frag))
	require.NoError(t, err)
	assert.Equal(t, "456789", string(data))
}

// TestClient_FetchManifestFollowsRedirects verifies the final URL is reported.
func TestClient_FetchManifestFollowsRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old/manifest.mpd", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new/manifest.mpd", http.StatusFound)
	})
	mux.HandleFunc("/new/manifest.mpd", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<MPD/>")
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	data, final, err := newClient(time.Second).FetchManifest(context.Background(), server.URL+"/old/manifest.mpd")
	require.NoError(t, err)
	assert.Equal(t, "<MPD/>", string(data))
	assert.Equal(t, server.URL+"/new/manifest.mpd", final)
}

package api_test

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"demuxd/internal/api"
	"demuxd/internal/config"
	"demuxd/internal/fetch"
	"demuxd/internal/key"
	"demuxd/internal/metrics"
	"demuxd/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct{}

func (m *mockLogger) Debugf(format string, v ...interface{}) {}
func (m *mockLogger) Infof(format string, v ...interface{})  {}
func (m *mockLogger) Warnf(format string, v ...interface{})  {}
func (m *mockLogger) Errorf(format string, v ...interface{}) {}

const originPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:4
#EXT-X-MEDIA-SEQUENCE:0
#EXTINF:4.0,
seg0.ts
#EXTINF:4.0,
seg1.ts
#EXTINF:4.0,
seg2.ts
#EXTINF:4.0,
seg3.ts
#EXT-X-ENDLIST
`

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func post(t *testing.T, url, body string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(data)
}

// newServer starts an origin serving a four fragment VOD playlist and a demuxd API in
// front of it.
func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/vod/index.m3u8":
			fmt.Fprint(w, originPlaylist)
		case strings.HasPrefix(r.URL.Path, "/vod/seg"):
			fmt.Fprintf(w, "ts:%s", r.URL.Path)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(origin.Close)

	keyBytes, _ := hex.DecodeString("15f515458cdb5107452f943a111cbe89")
	cfg := &config.Config{
		Engine: config.EngineConfig{
			MinBufferingTime: 5 * time.Second,
			MaxBufferingTime: 30 * time.Second,
			PollInterval:     10 * time.Millisecond,
			MaxFailures:      3,
		},
		Cache: config.CacheConfig{EvictionInterval: time.Minute, WindowSize: 6},
		Channels: []config.Channel{
			{Id: "vod", Name: "VOD", ManifestURL: origin.URL + "/vod/index.m3u8", Key: keyBytes},
		},
	}
	keyService, err := key.NewService(cfg)
	require.NoError(t, err)

	client := fetch.NewClient(&mockLogger{}, "demuxd-test", time.Second)
	client.Attempts = 1
	m := metrics.New()
	sm := session.NewManager(&mockLogger{}, cfg, client, m)
	sm.Start()
	t.Cleanup(sm.Stop)

	srv := httptest.NewServer(api.New(sm, keyService, m, &mockLogger{}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAPI_HandleKey(t *testing.T) {
	srv := newServer(t)

	t.Run("Key Found", func(t *testing.T) {
		resp, body := get(t, srv.URL+"/key/vod")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
		assert.Equal(t, "15f515458cdb5107452f943a111cbe89", hex.EncodeToString([]byte(body)))
	})

	t.Run("Key Not Found", func(t *testing.T) {
		resp, _ := get(t, srv.URL+"/key/unknown_channel")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestAPI_Playback(t *testing.T) {
	srv := newServer(t)

	resp, body := get(t, srv.URL+"/live/vod/master.m3u8")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "application/vnd.apple.mpegurl", resp.Header.Get("Content-Type"))
	assert.Contains(t, body, "video/playlist.m3u8")

	var media string
	require.Eventually(t, func() bool {
		resp, body := get(t, srv.URL+"/live/vod/video/playlist.m3u8")
		media = body
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, media, "0.ts")

	resp, body = get(t, srv.URL+"/live/vod/video/0.ts")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "video/mp2t", resp.Header.Get("Content-Type"))
	assert.Equal(t, "ts:/vod/seg0.ts", body)

	resp, _ = get(t, srv.URL+"/live/vod/video/99.ts")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = get(t, srv.URL+"/live/unknown/master.m3u8")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_SessionControl(t *testing.T) {
	srv := newServer(t)

	resp, _ := get(t, srv.URL+"/sessions/vod")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "status does not start a session")

	resp, _ = get(t, srv.URL+"/live/vod/master.m3u8")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := get(t, srv.URL+"/sessions/vod")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(body), &st))
	assert.Equal(t, "vod", st["channel"])
	assert.Equal(t, "hls", st["format"])
	assert.Equal(t, false, st["live"])

	resp, body = post(t, srv.URL+"/sessions/vod/pause", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Contains(t, body, `"paused":true`)

	resp, body = post(t, srv.URL+"/sessions/vod/resume", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Contains(t, body, `"paused":false`)

	resp, _ = post(t, srv.URL+"/sessions/vod/seek", `{"pos": 3}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = post(t, srv.URL+"/sessions/vod/seek", `{"position": 3600}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, body = post(t, srv.URL+"/sessions/vod/seek", `{"position": 9.5}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode, body)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/sessions/vod", nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	delResp.Body.Close()
	assert.Equal(t, http.StatusNoContent, delResp.StatusCode)

	resp, _ = post(t, srv.URL+"/sessions/vod/pause", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_Metrics(t *testing.T) {
	srv := newServer(t)

	resp, _ := get(t, srv.URL+"/live/vod/master.m3u8")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := get(t, srv.URL+"/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "demuxd_active_sessions 1")
}

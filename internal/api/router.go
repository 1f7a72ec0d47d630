package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"demuxd/internal/hls"
	"demuxd/internal/key"
	"demuxd/internal/logger"
	"demuxd/internal/metrics"
	"demuxd/internal/session"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const playlistContentType = "application/vnd.apple.mpegurl"

// readyTimeout bounds how long a playlist request waits for a new session's first outputs.
const readyTimeout = 10 * time.Second

// API serves the re-published HLS output of the demux sessions and their control endpoints.
type API struct {
	sessionMgr *session.Manager
	keyService *key.Service
	metrics    *metrics.Metrics
	logger     logger.Logger
}

// New builds the HTTP router. Any dependency may be nil when the routes using it are not
// exercised.
func New(sessionMgr *session.Manager, keyService *key.Service, m *metrics.Metrics, log logger.Logger) http.Handler {
	api := &API{
		sessionMgr: sessionMgr,
		keyService: keyService,
		metrics:    m,
		logger:     log,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(api.requestLogger)

	r.Get("/metrics", api.handleMetrics)
	r.Get("/key/{channelId}", api.handleKey)

	r.Route("/live/{channelId}", func(r chi.Router) {
		r.Get("/master.m3u8", api.handleMasterPlaylist)
		r.Get("/{streamId}/playlist.m3u8", api.handleMediaPlaylist)
		r.Get("/{streamId}/{file}", api.handleSegment)
	})

	r.Route("/sessions/{channelId}", func(r chi.Router) {
		r.Get("/", api.handleStatus)
		r.Delete("/", api.handleRemove)
		r.Post("/pause", api.handlePause)
		r.Post("/resume", api.handleResume)
		r.Post("/seek", api.handleSeek)
	})

	return r
}

func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		if a.logger != nil {
			a.logger.Debugf("%s %s -> %d (%d bytes, %v)", r.Method, r.URL.Path, ww.Status(), ww.BytesWritten(), time.Since(start))
		}
	})
}

func (a *API) handleMasterPlaylist(w http.ResponseWriter, r *http.Request) {
	channelId := chi.URLParam(r, "channelId")
	ch, err := a.sessionMgr.GetOrCreateSession(channelId)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to get session: %v", err), sessionErrorStatus(err))
		return
	}

	if !waitReady(r, ch) {
		http.Error(w, "Session has no outputs yet", http.StatusServiceUnavailable)
		return
	}

	playlist, err := ch.Publisher.MasterPlaylist()
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to generate master playlist: %v", err), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", playlistContentType)
	w.Write([]byte(playlist))
}

// waitReady blocks until the session has configured its outputs, the session ends or the
// request is abandoned.
func waitReady(r *http.Request, ch *session.Channel) bool {
	select {
	case <-ch.Publisher.Ready():
		return true
	case <-ch.Session.Done():
	case <-r.Context().Done():
	case <-time.After(readyTimeout):
	}
	return false
}

func (a *API) handleMediaPlaylist(w http.ResponseWriter, r *http.Request) {
	channelId := chi.URLParam(r, "channelId")
	streamId := chi.URLParam(r, "streamId")

	ch, err := a.sessionMgr.GetOrCreateSession(channelId)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to get session: %v", err), sessionErrorStatus(err))
		return
	}

	playlist, err := ch.Publisher.MediaPlaylist(streamId)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to generate media playlist: %v", err), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", playlistContentType)
	w.Write([]byte(playlist))
}

func (a *API) handleSegment(w http.ResponseWriter, r *http.Request) {
	channelId := chi.URLParam(r, "channelId")
	streamId := chi.URLParam(r, "streamId")
	file := chi.URLParam(r, "file")

	// segments are only served from running sessions, a stale player must not restart one
	ch, found := a.sessionMgr.Get(channelId)
	if !found {
		http.Error(w, "No active session for channel", http.StatusNotFound)
		return
	}

	data, found := a.sessionMgr.Cache().Get(ch.Publisher.SegmentKey(streamId, file))
	if !found {
		http.Error(w, fmt.Sprintf("Segment %s not found in cache", file), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", hls.ContentType(file))
	w.Write(data)
}

func (a *API) handleKey(w http.ResponseWriter, r *http.Request) {
	channelId := chi.URLParam(r, "channelId")
	key, found := a.keyService.GetKeyForChannel(channelId)
	if !found {
		http.Error(w, "Key not found for the given channel", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(key)
}

func (a *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if a.metrics == nil {
		http.NotFound(w, r)
		return
	}
	a.metrics.Handler(func() {
		if a.sessionMgr == nil {
			return
		}
		a.metrics.SetActiveSessions(a.sessionMgr.ActiveSessions())
		entries, _ := a.sessionMgr.Cache().Len()
		a.metrics.SetCachedSegments(entries)
	}).ServeHTTP(w, r)
}

// statusResponse is the body of the session endpoints.
type statusResponse struct {
	session.Status
	BufferingLevel int `json:"bufferingLevel"`
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	ch, ok := a.runningChannel(w, r)
	if !ok {
		return
	}
	writeStatus(w, http.StatusOK, ch)
}

func (a *API) handleRemove(w http.ResponseWriter, r *http.Request) {
	channelId := chi.URLParam(r, "channelId")
	if !a.sessionMgr.Remove(channelId) {
		http.Error(w, "No session for channel", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handlePause(w http.ResponseWriter, r *http.Request) {
	a.control(w, r, func(s *session.Session) error { return s.Pause() })
}

func (a *API) handleResume(w http.ResponseWriter, r *http.Request) {
	a.control(w, r, func(s *session.Session) error { return s.Resume() })
}

// seekRequest is the body of POST /sessions/{channelId}/seek. Position is in seconds.
type seekRequest struct {
	Position *float64 `json:"position"`
}

func (a *API) handleSeek(w http.ResponseWriter, r *http.Request) {
	var req seekRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Position == nil || *req.Position < 0 {
		http.Error(w, "Body must be {\"position\": <seconds>}", http.StatusBadRequest)
		return
	}
	target := time.Duration(*req.Position * float64(time.Second))
	a.control(w, r, func(s *session.Session) error { return s.Seek(target) })
}

func (a *API) control(w http.ResponseWriter, r *http.Request, op func(*session.Session) error) {
	ch, ok := a.runningChannel(w, r)
	if !ok {
		return
	}
	if err := op(ch.Session); err != nil {
		http.Error(w, err.Error(), controlErrorStatus(err))
		return
	}
	writeStatus(w, http.StatusOK, ch)
}

func (a *API) runningChannel(w http.ResponseWriter, r *http.Request) (*session.Channel, bool) {
	channelId := chi.URLParam(r, "channelId")
	ch, found := a.sessionMgr.Get(channelId)
	if !found {
		http.Error(w, "No active session for channel", http.StatusNotFound)
		return nil, false
	}
	return ch, true
}

func writeStatus(w http.ResponseWriter, code int, ch *session.Channel) {
	body := statusResponse{
		Status:         ch.Session.Status(),
		BufferingLevel: ch.Publisher.BufferingLevel(),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func sessionErrorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrUnknownChannel):
		return http.StatusNotFound
	case errors.Is(err, session.ErrBadManifest), errors.Is(err, session.ErrNoRepresentations):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func controlErrorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrSeekLive):
		return http.StatusConflict
	case errors.Is(err, session.ErrSeekOutOfRange):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrStopped), errors.Is(err, session.ErrNotStarted):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

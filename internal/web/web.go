package web

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"inkcal/internal/config"
	"inkcal/internal/ics"
	appLog "inkcal/internal/log"
	"inkcal/internal/model"
	"inkcal/internal/refresh"
	"inkcal/internal/snapshot"
)

// Refresher runs refresh cycles. *refresh.Runner implements it.
type Refresher interface {
	TryRefresh(ctx context.Context) (*refresh.Result, error)
	Last() *refresh.Result
}

// SnapshotReader reads the last persisted refresh. *snapshot.Store
// implements it.
type SnapshotReader interface {
	Latest() (snapshot.Snapshot, error)
}

// Server provides the HTTP API over refresh results.
type Server struct {
	cfg   *config.Config
	mux   *http.ServeMux
	runs  Refresher
	snaps SnapshotReader
}

// NewServer constructs a new Server. snaps may be nil.
func NewServer(cfg *config.Config, runs Refresher, snaps SnapshotReader) *Server {
	s := &Server{
		cfg:   cfg,
		mux:   http.NewServeMux(),
		runs:  runs,
		snaps: snaps,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty username or password disables auth.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="inkcal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/entries", s.handleEntries)
	s.mux.HandleFunc("GET /api/entries.ics", s.handleEntriesICS)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type entriesResponse struct {
	Cycle       string        `json:"cycle"`
	TakenAt     time.Time     `json:"taken_at"`
	WindowStart time.Time     `json:"window_start"`
	Days        int           `json:"days"`
	Entries     []model.Entry `json:"entries"`
	Source      string        `json:"source"`
}

// current returns the newest result: the in-memory one, else the stored one.
func (s *Server) current() (snapshot.Snapshot, string, error) {
	if s.runs != nil {
		if last := s.runs.Last(); last != nil {
			return last.Snapshot, "memory", nil
		}
	}
	if s.snaps == nil {
		return snapshot.Snapshot{}, "", snapshot.ErrNoSnapshot
	}
	snap, err := s.snaps.Latest()
	return snap, "snapshot", err
}

func (s *Server) handleEntries(w http.ResponseWriter, _ *http.Request) {
	snap, source, err := s.current()
	if errors.Is(err, snapshot.ErrNoSnapshot) {
		writeError(w, http.StatusNotFound, "no refresh has completed yet")
		return
	}
	if err != nil {
		appLog.Error("failed to load snapshot", err)
		writeError(w, http.StatusInternalServerError, "failed to load entries")
		return
	}

	entries := snap.Entries
	if entries == nil {
		entries = []model.Entry{}
	}
	writeJSON(w, http.StatusOK, entriesResponse{
		Cycle:       snap.ID,
		TakenAt:     snap.TakenAt,
		WindowStart: snap.WindowStart,
		Days:        snap.Days,
		Entries:     entries,
		Source:      source,
	})
}

// handleEntriesICS republishes the current window as an iCalendar feed.
func (s *Server) handleEntriesICS(w http.ResponseWriter, _ *http.Request) {
	snap, _, err := s.current()
	if errors.Is(err, snapshot.ErrNoSnapshot) {
		writeError(w, http.StatusNotFound, "no refresh has completed yet")
		return
	}
	if err != nil {
		appLog.Error("failed to load snapshot", err)
		writeError(w, http.StatusInternalServerError, "failed to load entries")
		return
	}

	var buf bytes.Buffer
	if err := ics.ExportCalendar(&buf, "inkcal", snap.ID, snap.TakenAt, snap.Entries); err != nil {
		appLog.Error("failed to export entries", err, "cycle", snap.ID)
		writeError(w, http.StatusInternalServerError, "failed to export entries")
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

type statsResponse struct {
	Cycle               string               `json:"cycle"`
	TakenAt             time.Time            `json:"taken_at"`
	TotalEvents         uint64               `json:"total_events"`
	TotalRelevantEvents uint64               `json:"total_relevant_events"`
	Entries             int                  `json:"entries"`
	Errors              []string             `json:"errors,omitempty"`
	Feeds               []refresh.FeedResult `json:"feeds,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	snap, _, err := s.current()
	if errors.Is(err, snapshot.ErrNoSnapshot) {
		writeError(w, http.StatusNotFound, "no refresh has completed yet")
		return
	}
	if err != nil {
		appLog.Error("failed to load snapshot", err)
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}

	resp := statsResponse{
		Cycle:               snap.ID,
		TakenAt:             snap.TakenAt,
		TotalEvents:         snap.Stats.TotalEvents,
		TotalRelevantEvents: snap.Stats.TotalRelevantEvents,
		Entries:             len(snap.Entries),
		Errors:              snap.Errors,
	}
	if s.runs != nil {
		if last := s.runs.Last(); last != nil && last.Snapshot.ID == snap.ID {
			resp.Feeds = last.Feeds
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "refresh not available")
		return
	}
	res, err := s.runs.TryRefresh(r.Context())
	if errors.Is(err, refresh.ErrBusy) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		appLog.Error("manual refresh failed", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Cycle:               res.Snapshot.ID,
		TakenAt:             res.Snapshot.TakenAt,
		TotalEvents:         res.Snapshot.Stats.TotalEvents,
		TotalRelevantEvents: res.Snapshot.Stats.TotalRelevantEvents,
		Entries:             len(res.Snapshot.Entries),
		Errors:              res.Snapshot.Errors,
		Feeds:               res.Feeds,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}

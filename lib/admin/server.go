package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/mickelfeng/ep-engine/lib/store"
	"github.com/mickelfeng/ep-engine/lib/vbucket"
)

var log = logger.GetLogger("admin")

// Server is the management HTTP API of one store.
type Server struct {
	store *store.Store
	mux   *http.ServeMux
}

// New creates the API for s. With debug set every request is logged.
func New(s *store.Store, debug bool) *Server {
	srv := &Server{store: s, mux: http.NewServeMux()}

	handle := func(pattern string, h http.HandlerFunc) {
		if debug {
			h = loggerMiddleware(h)
		}
		srv.mux.HandleFunc(pattern, h)
	}

	handle("GET /metrics", srv.handleMetrics)
	handle("GET /stats", srv.handleStats)
	handle("POST /stats/reset", srv.handleResetStats)
	handle("GET /info", srv.handleInfo)
	handle("POST /flusher/{action}", srv.handleFlusher)
	handle("PUT /config/{param}/{value}", srv.handleConfig)
	handle("GET /vbuckets", srv.handleVBuckets)
	handle("PUT /vbuckets/{id}/{state}", srv.handleSetVBucket)
	handle("DELETE /vbuckets/{id}", srv.handleDeleteVBucket)
	handle("GET /vbuckets/{id}/keys/{key}", srv.handleKeyStats)
	return srv
}

// Handler returns the router, e.g. for httptest.
func (srv *Server) Handler() http.Handler { return srv.mux }

// ListenAndServe serves on endpoint until ctx is cancelled, then shuts the
// listener down gracefully.
func (srv *Server) ListenAndServe(ctx context.Context, endpoint string) error {
	hs := &http.Server{
		Addr:              endpoint,
		Handler:           srv.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Starting HTTP server on %s", endpoint)
		errCh <- hs.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// --------------------------------------------------------------------------
// Handlers
// --------------------------------------------------------------------------

func (srv *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	srv.store.EPStats().WritePrometheus(w)
}

func (srv *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, srv.store.Stats())
}

func (srv *Server) handleResetStats(w http.ResponseWriter, _ *http.Request) {
	srv.store.ResetStats()
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, srv.store.Info())
}

func (srv *Server) handleFlusher(w http.ResponseWriter, r *http.Request) {
	var ok bool
	switch action := r.PathValue("action"); action {
	case "pause":
		ok = srv.store.PauseFlusher()
	case "resume":
		ok = srv.store.ResumeFlusher()
	default:
		http.Error(w, fmt.Sprintf("unknown flusher action %q", action), http.StatusNotFound)
		return
	}

	state := srv.store.Flusher().State().String()
	if !ok {
		http.Error(w, "flusher is "+state, http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": state})
}

// handleConfig changes a flush parameter. Durations accept Go duration syntax
// or plain seconds.
func (srv *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	param, value := r.PathValue("param"), r.PathValue("value")
	switch param {
	case "min_data_age", "queue_age_cap":
		d, err := parseDuration(value)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if param == "min_data_age" {
			srv.store.SetMinDataAge(d)
		} else {
			srv.store.SetQueueAgeCap(d)
		}
	case "txn_size":
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			http.Error(w, fmt.Sprintf("invalid txn_size %q", value), http.StatusBadRequest)
			return
		}
		srv.store.SetTxnSize(n)
	default:
		http.Error(w, fmt.Sprintf("unknown parameter %q", param), http.StatusNotFound)
		return
	}
	log.Infof("set %s to %s", param, value)
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) handleVBuckets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, srv.store.VBucketStates())
}

func (srv *Server) handleSetVBucket(w http.ResponseWriter, r *http.Request) {
	id, ok := parseVBucket(w, r)
	if !ok {
		return
	}
	state, err := vbucket.ParseState(r.PathValue("state"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	srv.store.SetVBucketState(id, state)
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) handleDeleteVBucket(w http.ResponseWriter, r *http.Request) {
	id, ok := parseVBucket(w, r)
	if !ok {
		return
	}
	if _, err := srv.store.DeleteVBucket(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (srv *Server) handleKeyStats(w http.ResponseWriter, r *http.Request) {
	id, ok := parseVBucket(w, r)
	if !ok {
		return
	}
	ks, found, err := srv.store.GetKeyStats(r.PathValue("key"), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		http.Error(w, "key not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, ks)
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func parseVBucket(w http.ResponseWriter, r *http.Request) (uint16, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 16)
	if err != nil {
		http.Error(w, "Invalid vbucket id", http.StatusBadRequest)
		return 0, false
	}
	return uint16(id), true
}

func parseDuration(s string) (time.Duration, error) {
	if secs, err := strconv.ParseUint(s, 10, 32); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

// writeError maps store errors to status codes
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotMyVBucket):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrInvalidKey):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warningf("failed to write response: %v", err)
	}
}

// --------------------------------------------------------------------------
// Middleware (logging)
// --------------------------------------------------------------------------

// responseWriter captures the status code for the request log
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// loggerMiddleware logs method, path, status and duration of every request
func loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		log.Debugf("%s %s => %d took %s", r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	}
}

package http

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/stresswatch/stresswatch/internal/board"
	"github.com/stresswatch/stresswatch/internal/persistence"
)

// publicCacheControl implements the read API's caching contract.
const publicCacheControl = "public, s-maxage=3600, stale-while-revalidate=600"

const (
	scoreboardCacheKey = "api:scoreboard"
	historyCachePrefix = "api:history:"
)

type errorEnvelope struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: code, Message: message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleScoreboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", publicCacheControl)

	var entries []board.Entry
	if hit, err := s.cache.GetJSON(r.Context(), scoreboardCacheKey, &entries); err == nil && hit {
		writeJSON(w, http.StatusOK, entries)
		return
	}

	entries, err := s.composer.Scoreboard(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Scoreboard read failed")
		writeError(w, http.StatusInternalServerError, "store_failure", "failed to load scoreboard")
		return
	}
	if entries == nil {
		entries = []board.Entry{}
	}

	s.cache.SetJSON(r.Context(), scoreboardCacheKey, entries)
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", publicCacheControl)
	code := strings.ToUpper(mux.Vars(r)["code"])

	key := historyCachePrefix + code
	var rows []board.HistoryRow
	if hit, err := s.cache.GetJSON(r.Context(), key, &rows); err == nil && hit {
		writeJSON(w, http.StatusOK, rows)
		return
	}

	rows, err := s.composer.History(r.Context(), code)
	if errors.Is(err, persistence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown_country", "no country with code "+code)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("country", code).Msg("History read failed")
		writeError(w, http.StatusInternalServerError, "store_failure", "failed to load history")
		return
	}
	if rows == nil {
		rows = []board.HistoryRow{}
	}

	s.cache.SetJSON(r.Context(), key, rows)
	writeJSON(w, http.StatusOK, rows)
}

// handleCronDaily triggers one pipeline run. Authorization is a shared
// secret compared in constant time; localhost is exempt for development.
func (s *Server) handleCronDaily(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeCron(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid secret")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), triggerTimeout)
	defer cancel()

	result, err := s.runner.Run(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Triggered pipeline run failed")
		writeError(w, http.StatusInternalServerError, "run_failure", err.Error())
		return
	}

	status := http.StatusOK
	switch result.Status {
	case persistence.RunStatusPartial:
		status = http.StatusMultiStatus
	case persistence.RunStatusError:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, result)
}

func (s *Server) authorizeCron(r *http.Request) bool {
	if isLocalhost(r.RemoteAddr) {
		return true
	}
	if s.cronSecret == "" {
		return false
	}

	provided := r.Header.Get("X-Cron-Secret")
	if provided == "" {
		provided = r.URL.Query().Get("secret")
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(s.cronSecret)) == 1
}

func isLocalhost(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

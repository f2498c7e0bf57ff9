// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package adminapi serves the JSON API used by the relay dashboard.
package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"go.mau.fi/util/exhttp"
	"go.mau.fi/util/requestlog"

	"github.com/aiku/channel-relay/pkg/relay"
)

const (
	// maxBodySize is the maximum accepted request body (1 MB).
	maxBodySize = 1 << 20

	defaultLogLimit = 50
	maxLogLimit     = 1000

	// connectRequestTimeout bounds POST /api/bot/connect, which runs the
	// quota preflight and the gateway handshake back to back.
	connectRequestTimeout = relay.DefaultPreflightTimeout + relay.DefaultConnectTimeout + 10*time.Second
	// writeTimeout must stay above connectRequestTimeout so a slow connect
	// still gets its response written.
	writeTimeout = connectRequestTimeout + 10*time.Second
)

// RelayService is the part of relay.Service the API drives.
type RelayService interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	ConnectionStatus() relay.ConnectionStatus
	ReloadConfig(ctx context.Context) ([]string, error)

	ListRoutes(ctx context.Context) ([]*relay.Route, error)
	CreateRoute(ctx context.Context, route relay.NewRoute) (*relay.Route, error)
	UpdateRoute(ctx context.Context, id string, patch relay.RoutePatch) (*relay.Route, error)
	DeleteRoute(ctx context.Context, id string) error

	Stats(ctx context.Context) (*relay.Stats, error)
	UpdateUptime(ctx context.Context) (*relay.Stats, error)
	ResetStats(ctx context.Context) (*relay.Stats, error)

	ListActivity(ctx context.Context, limit int) ([]*relay.ActivityEntry, error)
	ClearActivity(ctx context.Context) error

	BotConfig(ctx context.Context) (*relay.BotConfig, error)
	UpdateBotConfig(ctx context.Context, patch relay.BotConfigPatch) (*relay.BotConfig, error)
}

var _ RelayService = (*relay.Service)(nil)

// Server is the admin HTTP API.
type Server struct {
	svc     RelayService
	log     zerolog.Logger
	handler http.Handler
	server  *http.Server
}

// New builds the API. gatherer backs /metrics; nil uses the default registry.
func New(addr string, svc RelayService, gatherer prometheus.Gatherer, log zerolog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		svc: svc,
		log: log.With().Str("component", "admin_api").Logger(),
	}

	router := mux.NewRouter()
	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/bot/status", s.getStatus).Methods(http.MethodGet)
	api.HandleFunc("/bot/connect", s.postConnect).Methods(http.MethodPost)
	api.HandleFunc("/bot/disconnect", s.postDisconnect).Methods(http.MethodPost)
	api.HandleFunc("/bot/reload", s.postReload).Methods(http.MethodPost)
	api.HandleFunc("/relays", s.listRoutes).Methods(http.MethodGet)
	api.HandleFunc("/relays", s.createRoute).Methods(http.MethodPost)
	api.HandleFunc("/relays/{id}", s.updateRoute).Methods(http.MethodPut)
	api.HandleFunc("/relays/{id}", s.deleteRoute).Methods(http.MethodDelete)
	api.HandleFunc("/logs", s.listLogs).Methods(http.MethodGet)
	api.HandleFunc("/logs", s.clearLogs).Methods(http.MethodDelete)
	api.HandleFunc("/config", s.getConfig).Methods(http.MethodGet)
	api.HandleFunc("/config", s.putConfig).Methods(http.MethodPut)
	api.HandleFunc("/stats/update", s.postUpdateStats).Methods(http.MethodPost)
	api.HandleFunc("/stats/reset", s.postResetStats).Methods(http.MethodPost)
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	methodNotAllowed := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	// Subrouters do not inherit these from their parent.
	router.NotFoundHandler = notFound
	router.MethodNotAllowedHandler = methodNotAllowed
	api.NotFoundHandler = notFound
	api.MethodNotAllowedHandler = methodNotAllowed

	s.handler = exhttp.ApplyMiddleware(
		router,
		hlog.NewHandler(s.log),
		hlog.RequestIDHandler("request_id", "X-Request-ID"),
		requestlog.AccessLogger(requestlog.Options{Recover: true}),
	)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the fully wrapped router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves in a background goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info().Str("addr", s.server.Addr).Msg("Starting admin API")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("Admin API error")
		}
	}()
}

// Shutdown stops the server, waiting for in-flight requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type errorResponse struct {
	Error             string `json:"error"`
	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	exhttp.WriteJSONResponse(w, status, errorResponse{Error: msg})
}

// writeServiceError maps relay errors onto HTTP status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var quotaErr *relay.QuotaExhaustedError
	var cfgErr *relay.ConfigurationError
	var preflightErr *relay.PreflightError
	switch {
	case errors.As(err, &quotaErr):
		exhttp.WriteJSONResponse(w, http.StatusTooManyRequests, errorResponse{
			Error:             err.Error(),
			RetryAfterSeconds: int64(quotaErr.RetryAfter / time.Second),
		})
	case errors.As(err, &cfgErr):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &preflightErr):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, relay.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, relay.ErrSameChannel),
		errors.Is(err, relay.ErrMissingChannel),
		errors.Is(err, relay.ErrInvalidPosture),
		errors.Is(err, relay.ErrInvalidLogLevel):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		hlog.FromRequest(r).Error().Err(err).Msg("Request failed")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// readJSON decodes a size-limited request body into dst.
func readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	if err = json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

// botStatus is the stats row merged with the live connection state.
type botStatus struct {
	relay.ConnectionStatus
	Status          relay.ConnStatus `json:"status"`
	MessagesRelayed int64            `json:"messagesRelayed"`
	APICalls        int64            `json:"apiCalls"`
	LastUpdated     time.Time        `json:"lastUpdated"`
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Stats(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	conn := s.svc.ConnectionStatus()
	exhttp.WriteJSONResponse(w, http.StatusOK, botStatus{
		ConnectionStatus: conn,
		Status:           conn.State,
		MessagesRelayed:  stats.MessagesRelayed,
		APICalls:         stats.APICalls,
		LastUpdated:      stats.LastUpdated,
	})
}

func (s *Server) postConnect(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), connectRequestTimeout)
	defer cancel()
	if err := s.svc.Connect(ctx); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, s.svc.ConnectionStatus())
}

func (s *Server) postDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Disconnect(r.Context()); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, s.svc.ConnectionStatus())
}

func (s *Server) postReload(w http.ResponseWriter, r *http.Request) {
	changed, err := s.svc.ReloadConfig(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if changed == nil {
		changed = []string{}
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, map[string][]string{"changed": changed})
}

func (s *Server) listRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := s.svc.ListRoutes(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if routes == nil {
		routes = []*relay.Route{}
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, routes)
}

func (s *Server) createRoute(w http.ResponseWriter, r *http.Request) {
	var req relay.NewRoute
	if !readJSON(w, r, &req) {
		return
	}
	route, err := s.svc.CreateRoute(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusCreated, route)
}

func (s *Server) updateRoute(w http.ResponseWriter, r *http.Request) {
	var patch relay.RoutePatch
	if !readJSON(w, r, &patch) {
		return
	}
	route, err := s.svc.UpdateRoute(r.Context(), mux.Vars(r)["id"], patch)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, route)
}

func (s *Server) deleteRoute(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteRoute(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) listLogs(w http.ResponseWriter, r *http.Request) {
	limit := defaultLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxLogLimit)
	}
	entries, err := s.svc.ListActivity(r.Context(), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*relay.ActivityEntry{}
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, entries)
}

func (s *Server) clearLogs(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.ClearActivity(r.Context()); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.svc.BotConfig(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, cfg)
}

func (s *Server) putConfig(w http.ResponseWriter, r *http.Request) {
	var patch relay.BotConfigPatch
	if !readJSON(w, r, &patch) {
		return
	}
	cfg, err := s.svc.UpdateBotConfig(r.Context(), patch)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, cfg)
}

func (s *Server) postUpdateStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.UpdateUptime(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, stats)
}

func (s *Server) postResetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.ResetStats(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, stats)
}

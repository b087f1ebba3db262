package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Mattis142/feed-generator/internal/config"
	"github.com/Mattis142/feed-generator/internal/domain"
	"github.com/Mattis142/feed-generator/internal/serve"
)

// Server is the HTTP server that serves feed generator XRPC endpoints.
type Server struct {
	cfg        *config.Config
	fusion     *serve.Fusion
	inter      *InteractionHandler
	whitelist  map[string]struct{}
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(cfg *config.Config, fusion *serve.Fusion, inter *InteractionHandler, logger *slog.Logger) *Server {
	whitelist := make(map[string]struct{}, len(cfg.Whitelist))
	for _, did := range cfg.Whitelist {
		whitelist[did] = struct{}{}
	}

	s := &Server{
		cfg:       cfg,
		fusion:    fusion,
		inter:     inter,
		whitelist: whitelist,
		logger:    logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/did.json", s.handleDIDDoc)
	mux.HandleFunc("GET /xrpc/app.bsky.feed.describeFeedGenerator", s.handleDescribeFeedGenerator)
	mux.HandleFunc("GET /xrpc/app.bsky.feed.getFeedSkeleton", s.handleGetFeedSkeleton)
	mux.HandleFunc("POST /xrpc/app.bsky.feed.sendInteractions", s.handleSendInteractions)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      withLogging(logger, mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start begins listening for HTTP requests. It blocks until the server is
// shut down or an error occurs.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDIDDoc(w http.ResponseWriter, _ *http.Request) {
	doc := map[string]any{
		"@context": []string{"https://www.w3.org/ns/did/v1"},
		"id":       s.cfg.ServiceDID(),
		"service": []map[string]any{
			{
				"id":              "#bsky_fg",
				"type":            "BskyFeedGenerator",
				"serviceEndpoint": fmt.Sprintf("https://%s", s.cfg.Hostname),
			},
		},
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDescribeFeedGenerator(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"did": s.cfg.ServiceDID(),
		"feeds": []map[string]string{
			{"uri": s.cfg.FeedURI()},
		},
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetFeedSkeleton(w http.ResponseWriter, r *http.Request) {
	feedURI := r.URL.Query().Get("feed")
	if feedURI == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "feed parameter is required")
		return
	}
	if feedURI != s.cfg.FeedURI() {
		writeError(w, http.StatusBadRequest, "UnknownFeed", domain.ErrUnknownFeed.Error())
		return
	}

	requester, err := requesterDID(r)
	if err != nil {
		s.logger.Warn("unauthenticated skeleton request", "error", err)
		writeError(w, http.StatusUnauthorized, "AuthRequired", "authentication required")
		return
	}
	if _, ok := s.whitelist[requester]; !ok {
		writeError(w, http.StatusForbidden, "AccountRestricted", domain.ErrRestrictedAccount.Error())
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 || parsed > 100 {
			writeError(w, http.StatusBadRequest, "InvalidRequest", "limit must be between 1 and 100")
			return
		}
		limit = parsed
	}
	cursor := r.URL.Query().Get("cursor")

	skeleton, err := s.fusion.BuildFeed(r.Context(), requester, limit, cursor)
	if err != nil {
		s.logger.Error("failed to build feed",
			"user", requester, "limit", limit, "cursor", cursor, "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to get feed")
		return
	}

	resp := map[string]any{"feed": toSkeletonResponse(skeleton.Posts)}
	if skeleton.Cursor != "" {
		resp["cursor"] = skeleton.Cursor
	}
	writeJSON(w, http.StatusOK, resp)
}

func toSkeletonResponse(posts []domain.SkeletonPost) []map[string]any {
	result := make([]map[string]any, len(posts))
	for i, p := range posts {
		entry := map[string]any{"post": p.Post}
		if p.RepostURI != "" {
			entry["reason"] = map[string]string{
				"$type":  "app.bsky.feed.defs#skeletonReasonRepost",
				"repost": p.RepostURI,
			}
		}
		result[i] = entry
	}
	return result
}

func (s *Server) handleSendInteractions(w http.ResponseWriter, r *http.Request) {
	requester, err := requesterDID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "AuthRequired", "authentication required")
		return
	}
	if _, ok := s.whitelist[requester]; !ok {
		writeError(w, http.StatusForbidden, "AccountRestricted", domain.ErrRestrictedAccount.Error())
		return
	}

	var body struct {
		Interactions []Interaction `json:"interactions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "malformed request body")
		return
	}

	s.inter.Process(r.Context(), requester, body.Interactions)
	writeJSON(w, http.StatusOK, map[string]any{})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]string{
		"error":   errType,
		"message": message,
	})
}

func withLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		logger.Info("http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Package api serves the outreach engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/daviddao/outreach/internal/metrics"
	"github.com/daviddao/outreach/internal/pipeline"
	"github.com/daviddao/outreach/internal/push"
	"github.com/daviddao/outreach/internal/reply"
	"github.com/daviddao/outreach/internal/stage"
	outsync "github.com/daviddao/outreach/internal/sync"
	"github.com/daviddao/outreach/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxBodyBytes bounds every request body.
const maxBodyBytes = 1 << 20

// Pipeline is the record-facing surface of the engine.
type Pipeline interface {
	List(ctx context.Context, userID string, opts types.ListOptions) (*types.ListPage, error)
	Stats(ctx context.Context, userID string) (*types.Stats, error)
	SetStage(ctx context.Context, userID, id string, target stage.Stage,
		at fn.Option[time.Time]) (*types.OutreachRecord, error)
	Open(ctx context.Context, userID, id string) (*types.OutreachRecord, bool, error)
}

// Refresher runs batch refreshes.
type Refresher interface {
	RefreshStale(ctx context.Context, userID string, maxCount int) ([]types.RefreshResult, error)
	RefreshIDs(ctx context.Context, userID string, ids []string) ([]types.RefreshResult, error)
}

// Replier drafts replies.
type Replier interface {
	Generate(ctx context.Context, userID, id string) (*reply.Result, error)
}

// Deps are the collaborators behind the routes.
type Deps struct {
	Pipeline   Pipeline
	Refresher  Refresher
	Replier    Replier
	Dispatcher push.Dispatcher
	Hub        *Hub

	// Checks are run by /healthz, keyed by name.
	Checks map[string]func(context.Context) error

	AllowedOrigins []string
	Log            *slog.Logger
}

// Server holds the HTTP handlers.
type Server struct {
	deps Deps
	log  *slog.Logger
}

// NewRouter builds the HTTP handler tree.
func NewRouter(deps Deps) http.Handler {
	s := &Server{deps: deps, log: deps.Log.With("component", "api")}

	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Metrics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/push/gmail", s.pushGmail)

	r.Route("/users/{userID}/outreach", func(r chi.Router) {
		r.Get("/", s.list)
		r.Get("/stats", s.stats)
		r.Post("/refresh", s.refresh)
		r.Get("/ws", s.stream)
		r.Route("/{id}", func(r chi.Router) {
			r.Put("/stage", s.setStage)
			r.Post("/sync", s.open)
			r.Post("/reply", s.reply)
		})
	})
	return r
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := types.ListOptions{Sort: q.Get("sort")}

	if raw := q.Get("stage"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			st, err := stage.Parse(strings.TrimSpace(name))
			if err != nil {
				s.fail(w, r, err)
				return
			}
			opts.Stages = append(opts.Stages, st)
		}
	}

	var err error
	if opts.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "limit: "+err.Error())
		return
	}
	if opts.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "offset: "+err.Error())
		return
	}

	page, err := s.deps.Pipeline.List(r.Context(), userID(r), opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Pipeline.Stats(r.Context(), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// stageRequest is the body of a manual stage change.
type stageRequest struct {
	Stage *stage.Stage `json:"stage"`
	At    *time.Time   `json:"at,omitempty"`
}

func (s *Server) setStage(w http.ResponseWriter, r *http.Request) {
	var req stageRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Stage == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "stage is required")
		return
	}

	at := fn.None[time.Time]()
	if req.At != nil {
		at = fn.Some(req.At.UTC())
	}
	rec, err := s.deps.Pipeline.SetStage(r.Context(), userID(r), chi.URLParam(r, "id"),
		*req.Stage, at)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type openResponse struct {
	Record *types.OutreachRecord `json:"record"`
	Synced bool                  `json:"synced"`
}

func (s *Server) open(w http.ResponseWriter, r *http.Request) {
	rec, synced, err := s.deps.Pipeline.Open(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, openResponse{Record: rec, Synced: synced})
}

// refreshRequest selects explicit ids or the stale batch.
type refreshRequest struct {
	IDs      []string `json:"ids,omitempty"`
	MaxCount int      `json:"maxCount,omitempty"`
}

type refreshResponse struct {
	Results []types.RefreshResult `json:"results"`
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			s.fail(w, r, err)
			return
		}
	}

	var (
		results []types.RefreshResult
		err     error
	)
	if len(req.IDs) > 0 {
		results, err = s.deps.Refresher.RefreshIDs(r.Context(), userID(r), req.IDs)
	} else {
		results, err = s.deps.Refresher.RefreshStale(r.Context(), userID(r), req.MaxCount)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if results == nil {
		results = []types.RefreshResult{}
	}
	writeJSON(w, http.StatusOK, refreshResponse{Results: results})
}

func (s *Server) reply(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Replier.Generate(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		writeError(w, http.StatusNotFound, "not_found", "change stream disabled")
		return
	}
	s.deps.Hub.Serve(w, r, userID(r))
}

// pushGmail acknowledges a Pub/Sub push once it is read. Malformed
// payloads are acknowledged and dropped since redelivery cannot fix them;
// a dispatch failure asks Pub/Sub to retry.
func (s *Server) pushGmail(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	n, err := push.DecodePubSub(body)
	if err != nil {
		s.log.Warn("dropping push payload", "err", err)
		metrics.RecordPush("malformed")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := s.deps.Dispatcher.Dispatch(r.Context(), n); err != nil {
		s.log.Error("dispatch push notification", "address", n.EmailAddress,
			"history_id", n.HistoryID, "err", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "dispatch failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	code := http.StatusOK
	for name, check := range s.deps.Checks {
		if resp.Checks == nil {
			resp.Checks = make(map[string]string)
		}
		if err := check(r.Context()); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, code, resp)
}

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusFor maps an error to an HTTP status and a stable code.
func statusFor(err error) (int, string) {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.Is(err, types.ErrNotConnected):
		return http.StatusUnauthorized, types.CodeGmailDisconnected
	case errors.Is(err, types.ErrInsufficientCredits):
		return http.StatusPaymentRequired, "insufficient_credits"
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, types.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, types.ErrNoThread):
		return http.StatusConflict, "no_thread"
	case errors.Is(err, types.ErrLastMessageFromSelf):
		return http.StatusConflict, "last_message_from_self"
	case errors.Is(err, types.ErrRateLimited):
		return http.StatusTooManyRequests, types.CodeRateLimited
	case errors.Is(err, types.ErrGenerationFailed):
		return http.StatusBadGateway, "generation_failed"
	case errors.Is(err, types.ErrProviderTimeout):
		return http.StatusGatewayTimeout, types.CodeTimeout
	case errors.Is(err, types.ErrProvider):
		return http.StatusBadGateway, types.CodeGmailError
	case errors.Is(err, stage.ErrUnknownStage),
		errors.Is(err, pipeline.ErrUnknownSort),
		errors.Is(err, outsync.ErrTooManyIDs),
		errors.Is(err, errBadRequest),
		errors.As(err, &syntaxErr),
		errors.As(err, &typeErr):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, context.Canceled):
		return 499, "canceled"
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()), "err", err)
	}
	writeError(w, status, code, err.Error())
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var errBadRequest = errors.New("bad request")

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", errBadRequest)
		}
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}
	return nil
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New("must not be negative")
	}
	return n, nil
}

func userID(r *http.Request) string {
	return chi.URLParam(r, "userID")
}

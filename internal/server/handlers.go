package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"goflare.io/scribe/internal/breaker"
	"goflare.io/scribe/internal/cache/resilient"
	"goflare.io/scribe/internal/feed"
	"goflare.io/scribe/internal/httpx"
	"goflare.io/scribe/internal/upstream"
)

const maxChatBody = 64 << 10

type healthResponse struct {
	Status   string             `json:"status"`
	Cache    resilient.Stats    `json:"cache"`
	Breakers []breaker.Snapshot `json:"breakers"`
	Errors   map[string]int     `json:"errors"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:   "ok",
		Cache:    s.opts.Cache.Stats(),
		Breakers: make([]breaker.Snapshot, 0, len(s.opts.Breakers)),
		Errors:   s.opts.Monitor.Snapshot(),
	}
	if !resp.Cache.BackendActive {
		resp.Status = "degraded"
	}
	for _, b := range s.opts.Breakers {
		snap := b.Snapshot()
		if snap.State != breaker.StateClosed {
			resp.Status = "degraded"
		}
		resp.Breakers = append(resp.Breakers, snap)
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	res, err := s.opts.Feeds.Items(r.Context(), r.PathValue("kind"))
	s.writeFeed(w, r, res, err)
}

func (s *Server) handleRandom(w http.ResponseWriter, r *http.Request) {
	res, err := s.opts.Feeds.Random(r.Context(), r.PathValue("kind"))
	s.writeFeed(w, r, res, err)
}

func (s *Server) writeFeed(w http.ResponseWriter, r *http.Request, res feed.Result, err error) {
	switch {
	case err == nil:
		httpx.WriteJSON(w, http.StatusOK, res)
	case errors.Is(err, feed.ErrUnknownFeed):
		httpx.WriteMessage(w, http.StatusNotFound, "Unknown feed")
	case errors.Is(err, feed.ErrEmptyFeed):
		httpx.WriteMessage(w, http.StatusServiceUnavailable, "Feed is temporarily unavailable")
	default:
		s.logger.Warn("Failed to serve feed", zap.String("path", r.URL.Path), zap.Error(err))
		httpx.WriteMessage(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (s *Server) handleAssist(w http.ResponseWriter, r *http.Request) {
	if s.opts.Assist == nil {
		httpx.WriteMessage(w, http.StatusServiceUnavailable, "AI assistant is not configured")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxChatBody+1))
	if err != nil {
		httpx.WriteMessage(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	if len(body) > maxChatBody {
		httpx.WriteMessage(w, http.StatusRequestEntityTooLarge, "Request body too large")
		return
	}
	if !json.Valid(body) {
		httpx.WriteMessage(w, http.StatusBadRequest, "Request body must be JSON")
		return
	}

	var out json.RawMessage
	err = s.opts.Assist.Do(r.Context(), http.MethodPost, s.opts.AssistPath, json.RawMessage(body), &out)
	if err != nil {
		s.writeAssistError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func (s *Server) writeAssistError(w http.ResponseWriter, err error) {
	var statusErr *upstream.StatusError
	switch {
	case errors.Is(err, breaker.ErrCircuitOpen):
		httpx.WriteMessage(w, http.StatusServiceUnavailable, "AI assistant is temporarily unavailable, please try again later.")
	case errors.Is(err, breaker.ErrOperationTimeout):
		httpx.WriteMessage(w, http.StatusGatewayTimeout, "AI assistant timed out")
	case errors.As(err, &statusErr) && statusErr.StatusCode < http.StatusInternalServerError && statusErr.StatusCode != http.StatusTooManyRequests:
		httpx.WriteMessage(w, http.StatusBadRequest, "AI assistant rejected the request")
	default:
		s.logger.Warn("AI assistant call failed", zap.Error(err))
		httpx.WriteMessage(w, http.StatusBadGateway, "AI assistant call failed")
	}
}

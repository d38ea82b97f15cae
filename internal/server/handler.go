package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/howard-nolan/modelproxy/internal/dispatch"
	"github.com/howard-nolan/modelproxy/internal/provider"
	"github.com/howard-nolan/modelproxy/internal/stream"
)

type modelObject struct {
	ID     string `json:"id"`
	Object string `json:"object"`
}

type modelList struct {
	Object string        `json:"object"`
	Data   []modelObject `json:"data"`
}

// handleHealth is a liveness probe that also reports the catalog size.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"models": len(s.catalog.Models(r.Context())),
	})
}

// handleModels lists every routable id, base and virtual, in OpenAI shape.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	ids := s.catalog.Models(r.Context())
	list := modelList{Object: "list", Data: make([]modelObject, 0, len(ids))}
	for _, id := range ids {
		list.Data = append(list.Data, modelObject{ID: id, Object: "model"})
	}
	writeJSON(w, http.StatusOK, list)
}

// handleProxy routes, rewrites and forwards any other request.
//
// The backend call uses the inbound request's context, so a client that
// disconnects mid-stream also cancels the upstream request.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	log := s.logger.With(zap.String("request_id", RequestID(r.Context())))

	// Read the whole body up front: the dispatcher needs the model out of it
	// before anything is sent upstream. MaxBytesReader fails the read once
	// the cap is crossed rather than buffering an unbounded upload.
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, errTypeInvalidRequest, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "could not read request body")
		return
	}

	// Resolve the model and rewrite the body. Invalid-request errors carry a
	// message meant for the client; anything else is ours and stays vague.
	target, err := s.dispatcher.Route(r.Context(), r.Method, r.URL.Path, r.URL.RawQuery, body, r.Header)
	if err != nil {
		var derr *dispatch.Error
		if errors.As(err, &derr) && derr.Kind == dispatch.KindInvalidRequest {
			log.Warn("rejected request", zap.Error(err))
			writeError(w, http.StatusBadRequest, errTypeInvalidRequest, derr.Message)
			return
		}
		log.Error("routing failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errTypeServer, "internal error")
		return
	}

	// Forward the inbound headers along with the rewritten body. The
	// transport swaps in the backend's own credentials.
	resp, err := s.forwarder.Forward(r.Context(), &provider.Request{
		Method: r.Method,
		URL:    target.URL,
		APIKey: target.APIKey,
		Body:   target.Body,
		Header: r.Header,
	})
	if err != nil {
		log.Error("backend request failed", zap.String("server", target.Server), zap.Error(err))
		writeError(w, http.StatusBadGateway, errTypeServer, "backend request failed")
		s.metrics.ObserveRequest(target.Server, target.Model, http.StatusBadGateway, target.Streaming, time.Since(start))
		return
	}
	defer resp.Body.Close()

	// A streaming request that the backend refuses usually comes back as a
	// plain JSON error, which is relayed as-is.
	if target.Streaming && stream.IsEventStream(resp) {
		_, err = stream.Relay(w, resp)
	} else {
		_, err = stream.Buffered(w, resp)
	}
	if err != nil {
		log.Warn("relaying response", zap.String("server", target.Server), zap.Error(err))
	}

	s.metrics.ObserveRequest(target.Server, target.Model, resp.StatusCode, target.Streaming, time.Since(start))
}

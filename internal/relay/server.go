package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"lanchat/internal/errs"
	"lanchat/internal/wire"
)

// Server wires the state container behind the single tagged HTTP endpoint.
type Server struct {
	logger *zap.SugaredLogger
	state  *State
}

// NewServer builds the relay HTTP surface around the given state.
func NewServer(logger *zap.SugaredLogger, state *State) *Server {
	return &Server{logger: logger, state: state}
}

// Router returns the relay's HTTP router: one POST endpoint for the tagged
// request contract plus a liveness probe.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/api", enforcePOSTJSON(http.HandlerFunc(s.handleRequest))).Methods(http.MethodPost)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	return r
}

// enforcePOSTJSON is a middleware pre-processing each request: POST method,
// application/json Content-Type and a structurally valid JSON body.
func enforcePOSTJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}

		contentType := r.Header.Get("Content-Type")
		if contentType != "" {
			mt, _, err := mime.ParseMediaType(contentType)
			if err != nil {
				http.Error(w, "Malformed Content-Type header", http.StatusBadRequest)
				return
			}
			if mt != "application/json" {
				http.Error(w, "Content-Type header must be application/json", http.StatusUnsupportedMediaType)
				return
			}
		} else {
			r.Header.Set("Content-Type", "application/json")
		}

		var bodyBuf bytes.Buffer
		body, err := io.ReadAll(io.TeeReader(r.Body, &bodyBuf))
		if err != nil {
			http.Error(w, "Can not read request body", http.StatusBadRequest)
			return
		}
		if len(body) == 0 {
			http.Error(w, "No body provided", http.StatusBadRequest)
			return
		}
		if err := fastjson.ValidateBytes(body); err != nil {
			http.Error(w, "Malformed JSON", http.StatusBadRequest)
			return
		}
		if !fastjson.Exists(body, "type") {
			http.Error(w, `Missing Field "type"`, http.StatusBadRequest)
			return
		}

		r.Body = io.NopCloser(&bodyBuf)
		next.ServeHTTP(w, r)
	})
}

// handleRequest decodes the tagged envelope, dispatches it and writes the
// typed response or a structured error.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	var req wire.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request envelope")
		return
	}

	resp, err := s.state.Dispatch(req)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			s.logger.Errorw("dispatch failed", "type", req.Type, "err", err)
		} else {
			s.logger.Debugw("request rejected", "type", req.Type, "status", status, "err", err)
		}
		writeError(w, status, err.Error())
		return
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		s.logger.Errorw("marshaling response", "type", req.Type, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(payload); err != nil {
		s.logger.Errorf("writing response: %v", err)
	}
}

// statusFor maps sentinel errors onto the HTTP contract.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrAlreadyExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(wire.ErrorBody{Error: msg})
}

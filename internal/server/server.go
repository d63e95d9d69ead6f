// Package server is the HTTP transport in front of the relay registry.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/comigor/relay-go/internal/history"
	"github.com/comigor/relay-go/internal/logger"
	"github.com/comigor/relay-go/internal/relay"
)

const (
	maxBodyBytes        = 1 << 20
	defaultHistoryLimit = 50
	requestIDHeader     = "X-Request-ID"
)

// HistoryLister is the read side of the invocation history.
type HistoryLister interface {
	List(handler string, limit int) []history.Entry
}

// Server routes HTTP requests to relay handlers.
type Server struct {
	reg            *relay.Registry
	history        HistoryLister
	requestTimeout time.Duration
	mux            *http.ServeMux
}

// New wires the routes. hist may be nil, in which case /invocations is empty;
// a zero requestTimeout leaves deadlines to the client.
func New(reg *relay.Registry, hist HistoryLister, requestTimeout time.Duration) *Server {
	s := &Server{
		reg:            reg,
		history:        hist,
		requestTimeout: requestTimeout,
		mux:            http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /agents/{name}", s.handleInvoke)
	s.mux.HandleFunc("GET /agents", s.handleList)
	s.mux.HandleFunc("GET /invocations", s.handleInvocations)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", relay.ContentTypeText)
		_, _ = w.Write([]byte("ok"))
	})
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(requestIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set(requestIDHeader, id)
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.L.Info("starting server", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type invokeBody struct {
	Text        *string `json:"text"`
	ContentType string  `json:"contentType"`
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	reqID := w.Header().Get(requestIDHeader)

	h, err := s.reg.Resolve(name)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error(), Kind: relay.KindName(relay.ErrHandlerNotFound)})
		return
	}

	req, err := decodeRequest(r, http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		logger.L.Warn("bad request body", "request_id", reqID, "handler", name, "err", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	logger.L.Info("inference request", "request_id", reqID, "handler", name, "has_text", req.Text != nil)

	ctx := r.Context()
	if s.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.requestTimeout)
		defer cancel()
	}

	resp, err := h.Handle(ctx, req)
	if err != nil {
		logger.L.Error("process error", "request_id", reqID, "handler", name, "err", err)
		writeJSON(w, statusFor(err), errorBody{Error: err.Error(), Kind: relay.KindName(relay.KindOf(err))})
		return
	}

	body, err := resp.Body()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "failed to encode response"})
		return
	}
	w.Header().Set("Content-Type", resp.ContentType())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// decodeRequest reads a JSON {text, contentType} body when the request says
// application/json, and treats any other body as the text itself. An empty
// body means no text.
func decodeRequest(r *http.Request, body io.Reader) (relay.Request, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return relay.Request{}, err
	}

	mediaType := relay.ContentTypeText
	if ct := r.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil {
			mediaType = mt
		}
	}

	if mediaType == relay.ContentTypeJSON {
		var in invokeBody
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &in); err != nil {
				return relay.Request{}, errors.New("invalid JSON body: " + err.Error())
			}
		}
		if in.ContentType == "" {
			in.ContentType = relay.ContentTypeText
		}
		return relay.Request{Text: in.Text, ContentType: in.ContentType}, nil
	}

	req := relay.Request{ContentType: mediaType}
	if len(raw) > 0 {
		text := string(raw)
		req.Text = &text
	}
	return req, nil
}

// statusFor maps relay failure kinds to HTTP statuses.
func statusFor(err error) int {
	switch relay.KindOf(err) {
	case relay.ErrCancelled:
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusServiceUnavailable
	case relay.ErrGenerationFailure, relay.ErrDelegationFailure, relay.ErrHandlerNotFound:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"agents": s.reg.Names()})
}

func (s *Server) handleInvocations(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	entries := []history.Entry{}
	if s.history != nil {
		if got := s.history.List(r.URL.Query().Get("handler"), limit); got != nil {
			entries = got
		}
	}
	writeJSON(w, http.StatusOK, map[string][]history.Entry{"invocations": entries})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", relay.ContentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L.Warn("write response failed", "error", err)
	}
}

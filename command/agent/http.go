// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/hashicorp/go-hclog"
	"github.com/rs/cors"

	"github.com/hashicorp/argus/stream"
	"github.com/hashicorp/argus/structs"
)

const (
	// ErrInvalidMethod is used if the HTTP method is not supported.
	ErrInvalidMethod = "Invalid method"
)

// allowCORS sets permissive CORS headers so the dashboard can be served
// from anywhere on the LAN.
var allowCORS = cors.New(cors.Options{
	AllowedOrigins: []string{"*"},
	AllowedMethods: []string{"HEAD", "GET", "POST"},
	AllowedHeaders: []string{"*"},
})

// HTTPCodedError carries an HTTP status code alongside the message.
type HTTPCodedError interface {
	error
	Code() int
}

// CodedError builds an HTTPCodedError.
func CodedError(c int, s string) HTTPCodedError {
	return &codedError{s, c}
}

type codedError struct {
	s    string
	code int
}

func (e *codedError) Error() string { return e.s }
func (e *codedError) Code() int     { return e.code }

// errorBody is the JSON failure shape every endpoint shares.
type errorBody struct {
	Cause   string `json:"cause"`
	Message string `json:"message"`
}

// HTTPServer exposes the agent over HTTP.
type HTTPServer struct {
	agent    *Agent
	mux      *http.ServeMux
	listener net.Listener
	srv      *http.Server
	logger   hclog.Logger
}

// NewHTTPServer binds the listener and registers every route. Serving does
// not start until Serve.
func NewHTTPServer(a *Agent, listen string) (*HTTPServer, error) {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, err
	}

	s := &HTTPServer{
		agent:    a,
		mux:      http.NewServeMux(),
		listener: ln,
		logger:   a.sink.Logger("http"),
	}
	s.registerHandlers()

	gzip, err := gziphandler.GzipHandlerWithOpts(gziphandler.MinSize(0))
	if err != nil {
		return nil, err
	}
	s.srv = &http.Server{
		Handler:           gzip(s.mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Addr returns the bound listener address.
func (s *HTTPServer) Addr() string {
	return s.listener.Addr().String()
}

// Serve blocks until the context is cancelled or the listener fails.
func (s *HTTPServer) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Close stops the server immediately.
func (s *HTTPServer) Close() {
	_ = s.srv.Close()
}

func (s *HTTPServer) registerHandlers() {
	s.mux.Handle("/api/devices", wrapCORS(s.wrap(s.DevicesRequest)))
	s.mux.Handle("/api/events", wrapCORS(s.wrap(s.EventsRequest)))
	s.mux.Handle("/api/events/", wrapCORS(s.wrap(s.EventAcknowledgeRequest)))
	s.mux.HandleFunc("/healthz", s.HealthRequest)
	s.mux.Handle("/metrics", s.agent.exporter.Handler())
	s.mux.HandleFunc("/ws/events", s.EventStreamRequest)
	s.mux.Handle("/v1/tools/", wrapCORS(s.wrap(s.ToolRequest)))
	s.mux.Handle("/v1/agent/metrics", wrapCORS(s.wrap(s.AgentMetricsRequest)))
}

// wrap adapts (interface{}, error) handlers onto http.HandlerFunc: it logs
// the request, maps errors onto status codes, and JSON-encodes the result.
func (s *HTTPServer) wrap(handler func(resp http.ResponseWriter, req *http.Request) (interface{}, error)) func(resp http.ResponseWriter, req *http.Request) {
	return func(resp http.ResponseWriter, req *http.Request) {
		reqURL := req.URL.String()
		start := time.Now()
		defer func() {
			s.logger.Debug("request complete", "method", req.Method, "path", reqURL, "duration", time.Since(start))
		}()

		obj, err := handler(resp, req)
		if err != nil {
			code := 500
			if coded, ok := err.(HTTPCodedError); ok {
				code = coded.Code()
			}
			s.logger.Error("request failed", "method", req.Method, "path", reqURL, "code", code, "error", err)
			resp.Header().Set("Content-Type", "application/json")
			resp.WriteHeader(code)
			_ = json.NewEncoder(resp).Encode(errorBody{
				Cause:   causeForCode(code),
				Message: err.Error(),
			})
			return
		}
		if obj == nil {
			return
		}

		buf, err := json.Marshal(obj)
		if err != nil {
			resp.WriteHeader(500)
			return
		}
		resp.Header().Set("Content-Type", "application/json")
		resp.Write(buf)
	}
}

// causeForCode maps a status code onto the failure taxonomy for the error
// body.
func causeForCode(code int) string {
	switch {
	case code == 404 || code == 429 || code == 503:
		return string(structs.FailureUnavailable)
	case code >= 400 && code < 500:
		return string(structs.FailureProtocol)
	default:
		return "internal"
	}
}

func wrapCORS(f func(http.ResponseWriter, *http.Request)) http.Handler {
	return allowCORS.Handler(http.HandlerFunc(f))
}

// deviceView is one row of the dashboard device list.
type deviceView struct {
	Descriptor *structs.DeviceDescriptor `json:"descriptor"`
	State      *structs.RuntimeState     `json:"state"`
}

// DevicesRequest lists every device's descriptor and runtime snapshot.
func (s *HTTPServer) DevicesRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	handles := s.agent.registry.List()
	out := make([]*deviceView, 0, len(handles))
	for _, h := range handles {
		out = append(out, &deviceView{
			Descriptor: h.Descriptor(),
			State:      h.Snapshot(),
		})
	}
	return out, nil
}

// EventsRequest queries the event store, newest first.
func (s *HTTPServer) EventsRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	q := req.URL.Query()

	var sinceSeq uint64
	if raw := q.Get("since"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, CodedError(400, fmt.Sprintf("invalid since %q", raw))
		}
		sinceSeq = parsed
	}
	floor := structs.Severity(q.Get("severity"))
	if floor != "" && !floor.Valid() {
		return nil, CodedError(400, fmt.Sprintf("invalid severity %q", floor))
	}
	limit := 100
	if raw := q.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return nil, CodedError(400, fmt.Sprintf("invalid limit %q", raw))
		}
		limit = parsed
	}

	events := s.agent.store.Query(sinceSeq, floor, q.Get("category"), limit)
	return events, nil
}

// EventAcknowledgeRequest handles POST /api/events/{seq}/acknowledge.
func (s *HTTPServer) EventAcknowledgeRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodPost {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	path := strings.TrimPrefix(req.URL.Path, "/api/events/")
	seqStr, verb, ok := strings.Cut(path, "/")
	if !ok || verb != "acknowledge" {
		return nil, CodedError(404, "not found")
	}
	seq, err := strconv.ParseUint(seqStr, 10, 64)
	if err != nil {
		return nil, CodedError(400, fmt.Sprintf("invalid event sequence %q", seqStr))
	}

	switch err := s.agent.store.Acknowledge(seq); {
	case err == nil:
		return map[string]any{"acknowledged_seq": seq}, nil
	case err == stream.ErrNotFound:
		return nil, CodedError(404, fmt.Sprintf("no event with seq %d", seq))
	case err == stream.ErrAlreadyAcknowledged:
		return nil, CodedError(409, fmt.Sprintf("event %d is already acknowledged", seq))
	default:
		return nil, err
	}
}

// HealthRequest reports liveness: the scheduler must be running and the
// event store accepting writes.
func (s *HTTPServer) HealthRequest(resp http.ResponseWriter, req *http.Request) {
	if s.agent.sched.Running() && s.agent.store.Accepting() {
		resp.WriteHeader(200)
		resp.Write([]byte("ok"))
		return
	}
	resp.WriteHeader(503)
	resp.Write([]byte("unavailable"))
}

// toolRequestBody is the POST /v1/tools/{name} payload.
type toolRequestBody struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
}

// ToolRequest dispatches one tool invocation. The result is always HTTP
// 200 with the structured outcome; transport errors alone use failure
// status codes.
func (s *HTTPServer) ToolRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodPost {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	name := strings.TrimPrefix(req.URL.Path, "/v1/tools/")
	if name == "" || strings.Contains(name, "/") {
		return nil, CodedError(404, "not found")
	}

	var body toolRequestBody
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return nil, CodedError(400, fmt.Sprintf("invalid request body: %v", err))
	}
	if body.Action == "" {
		return nil, CodedError(400, "action is required")
	}

	return s.agent.disp.Dispatch(req.Context(), name, body.Action, body.Params), nil
}

// AgentMetricsRequest serves the go-metrics inmem snapshot for debugging.
func (s *HTTPServer) AgentMetricsRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	return s.agent.exporter.Inmem().DisplayMetrics(resp, req)
}

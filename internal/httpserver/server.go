// Package httpserver exposes the OpenAI-compatible surface of the bridge:
// chat completions, model listing, conversation listing and health, plus
// the bridge-specific response headers every client can rely on.
package httpserver

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/ocbridge/chatgpt-bridge/internal/admission"
	"github.com/ocbridge/chatgpt-bridge/internal/auditlog"
	"github.com/ocbridge/chatgpt-bridge/internal/bridgeerr"
	"github.com/ocbridge/chatgpt-bridge/internal/config"
	"github.com/ocbridge/chatgpt-bridge/internal/driver"
	"github.com/ocbridge/chatgpt-bridge/internal/httpserver/protocol"
	"github.com/ocbridge/chatgpt-bridge/internal/idempotency"
	"github.com/ocbridge/chatgpt-bridge/internal/ledger"
	"github.com/ocbridge/chatgpt-bridge/internal/openai"
	"github.com/ocbridge/chatgpt-bridge/internal/ratelimit"
	"github.com/ocbridge/chatgpt-bridge/internal/session"
	"github.com/ocbridge/chatgpt-bridge/internal/version"
)

// ModelID is the single model the bridge advertises.
const (
	ModelID    = "chatgpt-macos"
	ModelOwner = "ocbridge"
)

// Bridge response headers.
const (
	headerVersion        = "x-bridge-version"
	headerRequestID      = "x-bridge-request-id"
	headerQueueDepth     = "x-bridge-queue-depth"
	headerContextReset   = "x-bridge-context-reset"
	headerResetStrict    = "x-bridge-reset-strict"
	headerSessionSlot    = "x-bridge-session-slot"
	headerConversationID = "x-bridge-conversation-id"
	headerShouldRetry    = "x-should-retry"
)

// Server wires the request pipeline over the UI driver.
type Server struct {
	cfg     config.BridgeConfig
	driver  driver.Driver
	gate    *admission.Gate
	queue   *admission.Queue
	limiter *ratelimit.TokenBucket
	router  *session.Router
	ledger  ledger.Store
	audit   *auditlog.Logger
	idem    *idempotency.Cache
	logger  *log.Logger
}

// Deps collects the optional collaborators; nil fields disable the
// corresponding feature.
type Deps struct {
	Ledger ledger.Store
	Audit  *auditlog.Logger
	Logger *log.Logger
}

// New constructs a Server with the required dependencies.
func New(cfg config.BridgeConfig, drv driver.Driver, router *session.Router, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "", log.LstdFlags)
	}
	s := &Server{
		cfg:     cfg,
		driver:  drv,
		gate:    admission.NewGate(),
		queue:   admission.NewQueue(cfg.MaxQueueSize, time.Duration(cfg.JobTimeoutMs)*time.Millisecond),
		limiter: ratelimit.NewTokenBucket(cfg.RateLimitRPM, cfg.RateLimitBurst),
		router:  router,
		ledger:  deps.Ledger,
		audit:   deps.Audit,
		idem:    idempotency.New(time.Duration(cfg.IdempotencyTTLSec) * time.Second),
		logger:  logger,
	}
	s.gate.OnLateOutcome = func(fp admission.Fingerprint, r admission.Result, ran time.Duration) {
		outcome := "ok"
		if r.Err != nil {
			outcome = string(r.Err.Kind)
		}
		s.logger.Printf("late ask outcome fingerprint=%.12s outcome=%s ran_ms=%d", fp, outcome, ran.Milliseconds())
	}
	return s
}

// Close stops background workers.
func (s *Server) Close() {
	s.queue.Close()
}

// Router returns the configured chi router.
func (s *Server) Router() http.Handler {
	r := s.newBaseRouter()
	s.registerEndpoints(r, newHealthEndpoint(s), newOpenAIEndpoint(s), newBridgeEndpoint(s))
	return r
}

func (s *Server) newBaseRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.bridgeHeaders)
	return r
}

func (s *Server) registerEndpoints(r chi.Router, endpoints ...protocol.Endpoint) {
	for _, ep := range endpoints {
		if ep == nil {
			continue
		}
		for _, route := range ep.Routes() {
			r.Method(route.Method, route.Path, route.Handler)
		}
	}
}

type openAIEndpoint struct{ s *Server }

func newOpenAIEndpoint(s *Server) protocol.Endpoint { return openAIEndpoint{s} }

func (e openAIEndpoint) Name() string { return "openai_core" }

func (e openAIEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: "/v1/models", Handler: e.s.requireAuth(e.s.handleModels)},
		{Method: http.MethodPost, Path: "/v1/chat/completions", Handler: e.s.requireAuth(e.s.handleChatCompletions)},
	}
}

type bridgeEndpoint struct{ s *Server }

func newBridgeEndpoint(s *Server) protocol.Endpoint { return bridgeEndpoint{s} }

func (e bridgeEndpoint) Name() string { return "bridge" }

func (e bridgeEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: "/v1/bridge/conversations", Handler: e.s.requireAuth(e.s.handleConversations)},
		{Method: http.MethodGet, Path: "/v1/bridge/usage", Handler: e.s.requireAuth(e.s.handleUsage)},
	}
}

type healthEndpoint struct{ s *Server }

func newHealthEndpoint(s *Server) protocol.Endpoint { return healthEndpoint{s} }

func (e healthEndpoint) Name() string { return "health" }

func (e healthEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: "/health", Handler: http.HandlerFunc(e.s.handleHealth)},
	}
}

// requestIDPattern accepts client-supplied ids; anything else is replaced
// with a generated one.
var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

func resolveRequestID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("x-request-id")); requestIDPattern.MatchString(id) {
		return id
	}
	return uuid.NewString()
}

// bridgeHeaders stamps the headers every response carries, streaming or
// not, success or failure.
func (s *Server) bridgeHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := resolveRequestID(r)
		h := w.Header()
		h.Set(headerVersion, version.Version)
		h.Set(headerRequestID, rid)
		h.Set(headerQueueDepth, strconv.Itoa(s.queue.Depth()))
		h.Set(headerContextReset, "0")
		h.Set(headerResetStrict, boolHeader(s.cfg.ResetStrict))
		h.Set(headerSessionSlot, "")
		h.Set(headerConversationID, "")
		next.ServeHTTP(w, r.WithContext(withRequestID(r.Context(), rid)))
	})
}

func (s *Server) requireAuth(fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token != "" && bearerToken(r.Header.Get("Authorization")) != s.cfg.Token {
			s.respondBridgeError(w, r, bridgeerr.New(bridgeerr.KindUnauthorized, "invalid bearer token"))
			return
		}
		fn(w, r)
	})
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

func boolHeader(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// respondBridgeError maps a typed error onto the OpenAI error envelope
// with the bridge's status mapping and retry headers.
func (s *Server) respondBridgeError(w http.ResponseWriter, r *http.Request, be *bridgeerr.Error) {
	if be == nil {
		be = bridgeerr.New(bridgeerr.KindUnknown, "unclassified failure")
	}
	h := w.Header()
	h.Set(headerShouldRetry, "false")
	if be.RetryAfterSec > 0 {
		h.Set("Retry-After", strconv.Itoa(be.RetryAfterSec))
	}
	if be.ContextReset >= 0 {
		h.Set(headerContextReset, strconv.Itoa(be.ContextReset))
	}
	status := be.HTTPStatus()
	s.respondJSON(w, status, openai.ErrorBody{Error: openai.ErrorDetail{
		Message: be.Message,
		Type:    be.WireType(),
		Code:    string(be.Kind),
		Details: be.Details,
	}})
	s.logger.Printf("request failed request_id=%s status=%d code=%s msg=%q",
		requestIDFrom(r.Context()), status, be.Kind, be.Message)
}

func asBridgeError(err error) *bridgeerr.Error {
	if err == nil {
		return nil
	}
	var be *bridgeerr.Error
	if errors.As(err, &be) {
		return be
	}
	return bridgeerr.From(err)
}

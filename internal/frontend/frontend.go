// Package frontend mounts the gateway's client-facing HTTP surface: the
// OpenAI-compatible endpoint table of spec.md §4.4 (mounted at both the
// bare path and /v1/, per spec.md §6) and the native Anthropic and Google
// generation endpoints, plus the unauthenticated /health and /metrics*
// endpoints. Only the /chat/completions language/generation capability is
// wired to a translation backend; the rest of the table's capabilities
// (embedding, moderation, image, audio, rerank, batch, files, model
// discovery) are mounted but answer NotImplemented.
//
// Grounded on the teacher's cmd/extproc/mainlib/main.go for the
// "gorilla/mux router, one handler per route, ReadHeaderTimeout-guarded
// http.Server" shape; the teacher mounts an Envoy ext_proc gRPC service
// instead of serving client HTTP directly, so the handlers themselves are
// new, built from internal/admission, internal/attempt, and
// internal/upstream instead of Envoy callbacks.
package frontend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/envoyproxy/llmgw/internal/admission"
	"github.com/envoyproxy/llmgw/internal/agentloop"
	"github.com/envoyproxy/llmgw/internal/attempt"
	"github.com/envoyproxy/llmgw/internal/audit"
	"github.com/envoyproxy/llmgw/internal/gatewayerr"
	"github.com/envoyproxy/llmgw/internal/gatewaytypes"
	"github.com/envoyproxy/llmgw/internal/health"
	"github.com/envoyproxy/llmgw/internal/idgen"
	"github.com/envoyproxy/llmgw/internal/observability"
	"github.com/envoyproxy/llmgw/internal/proxycache"
	"github.com/envoyproxy/llmgw/internal/translate"
	"github.com/envoyproxy/llmgw/internal/upstream"
)

// Server holds everything one gateway listener needs to admit, dispatch,
// and respond to client requests.
type Server struct {
	Admission   *admission.Controller
	Attempt     *attempt.Engine
	Health      *health.Registry
	Cache       *proxycache.Cache
	Metrics     *observability.Metrics
	Audit       *audit.Sink
	Logger      *zap.Logger
	Now         func() time.Time
	// Dispatchers is keyed by the dialect name a route speaks: "openai",
	// "anthropic", "google".
	Dispatchers map[string]*upstream.Dispatcher
	// Agent, when non-nil, mounts POST /v1/agent/completions: a single
	// request that drives internal/agentloop.Agent to completion
	// (including any tool calls) before responding, rather than returning
	// after one backend turn.
	Agent *agentloop.Agent
	// AgentDialect parses the agent endpoint's request body and renders
	// its response; it is independent of Dispatchers because the agent
	// loop's Generator dispatches its own turns directly against the
	// backend named in configuration.
	AgentDialect translate.Dialect
}

// New builds a Server. logger may be nil.
func New(adm *admission.Controller, eng *attempt.Engine, healthRegistry *health.Registry, cache *proxycache.Cache, metrics *observability.Metrics, auditSink *audit.Sink, dispatchers map[string]*upstream.Dispatcher, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{Admission: adm, Attempt: eng, Health: healthRegistry, Cache: cache, Metrics: metrics, Audit: auditSink, Dispatchers: dispatchers, Logger: logger, Now: time.Now}
}

// WithAgent attaches an agent loop and the dialect used to parse its
// requests and render its responses, mounting POST /v1/agent/completions.
func (s *Server) WithAgent(a *agentloop.Agent, dialect translate.Dialect) *Server {
	s.Agent = a
	s.AgentDialect = dialect
	return s
}

// Handler builds the mux.Router mounting every client-facing route.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.mountOpenAICompatible(r)
	r.HandleFunc("/v1/messages", s.handleGenerate("anthropic")).Methods(http.MethodPost)
	r.HandleFunc("/v1/messages/count_tokens", s.handleUnsupportedCapability("anthropic", "token counting")).Methods(http.MethodPost)
	r.HandleFunc("/v1beta/models/{model}:generateContent", s.handleGenerate("google")).Methods(http.MethodPost)
	r.HandleFunc("/v1beta/models/{model}:streamGenerateContent", s.handleGenerate("google")).Methods(http.MethodPost)
	if s.Agent != nil {
		r.HandleFunc("/v1/agent/completions", s.handleAgentCompletion).Methods(http.MethodPost)
	}
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.Metrics != nil {
		r.HandleFunc("/metrics", s.handleMetricsJSON).Methods(http.MethodGet)
		r.Handle("/metrics/prometheus", s.Metrics.PrometheusHandler()).Methods(http.MethodGet)
	}
	return r
}

// capabilityRoute names one spec.md §4.4 endpoint whose capability
// (embedding, moderation, image, audio, rerank, batch, files, model
// discovery) has no translation-backend implementation yet.
type capabilityRoute struct {
	path       string
	methods    []string
	capability string
}

// unsupportedOpenAIRoutes is the rest of spec.md §4.4's endpoint table
// beyond /chat/completions. Each is mounted so a client gets a proper
// NotImplemented response instead of a bare 404, matching the "unsupported
// (path, method) tuples return NotImplemented" rule; only the
// language/generation capability is actually wired to a dialect today.
var unsupportedOpenAIRoutes = []capabilityRoute{
	{"/completions", []string{http.MethodPost}, "language/generation (legacy completions)"},
	{"/responses", []string{http.MethodPost}, "language/generation (responses)"},
	{"/responses/compact", []string{http.MethodPost}, "language/generation (responses)"},
	{"/embeddings", []string{http.MethodPost}, "embedding"},
	{"/moderations", []string{http.MethodPost}, "moderation"},
	{"/images/generations", []string{http.MethodPost}, "image"},
	{"/audio/transcriptions", []string{http.MethodPost}, "audio transcription"},
	{"/audio/translations", []string{http.MethodPost}, "audio transcription"},
	{"/audio/speech", []string{http.MethodPost}, "speech"},
	{"/rerank", []string{http.MethodPost}, "rerank"},
	{"/batches", []string{http.MethodPost, http.MethodGet}, "batch"},
	{"/batches/{id}", []string{http.MethodGet}, "batch"},
	{"/batches/{id}/cancel", []string{http.MethodPost}, "batch"},
	{"/files", []string{http.MethodPost, http.MethodGet}, "files"},
	{"/files/{id}", []string{http.MethodGet, http.MethodDelete}, "files"},
	{"/files/{id}/content", []string{http.MethodGet}, "files"},
	{"/models", []string{http.MethodGet}, "model discovery"},
	{"/models/{id}", []string{http.MethodGet}, "model discovery"},
}

// mountOpenAICompatible mounts spec.md §4.4's endpoint table at both the
// bare path and the /v1/ prefix, per spec.md §6's "OpenAI-compatible
// endpoints are mounted at both / and /v1/".
func (s *Server) mountOpenAICompatible(r *mux.Router) {
	generate := s.handleGenerate("openai")
	for _, prefix := range [...]string{"", "/v1"} {
		r.HandleFunc(prefix+"/chat/completions", generate).Methods(http.MethodPost)
		for _, route := range unsupportedOpenAIRoutes {
			r.HandleFunc(prefix+route.path, s.handleUnsupportedCapability("openai", route.capability)).Methods(route.methods...)
		}
	}
}

func (s *Server) handleGenerate(dialectName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := s.Now()
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, dialectName, gatewayerr.InvalidRequest("read_body_failed", "could not read request body"))
			return
		}

		env := s.buildEnvelope(r, dialectName, body)
		ac, err := s.Admission.Admit(r.Context(), env)
		if err != nil {
			status := statusFromErr(err)
			s.recordCompletion(r, env, status, start)
			s.appendAudit(gatewaytypes.AuditRecord{RequestID: env.RequestID, Method: env.Method, Path: env.PathAndQuery, Model: env.Model, Status: status, CreatedAt: s.Now()})
			writeError(w, dialectName, err)
			return
		}

		dispatcher := s.Dispatchers[dialectName]

		if env.StreamRequested {
			s.serveStream(r.Context(), w, ac, env, dispatcher)
			s.recordCompletion(r, env, http.StatusOK, start)
			return
		}

		cacheKey := ""
		if s.Cache != nil && len(ac.Candidates) > 0 {
			cacheKey = proxycache.Fingerprint(env.Model, env.RawBody, ac.Candidates[0].Name)
			if entry, ok := s.Cache.Get(cacheKey); ok {
				s.Attempt.RefundAll(r.Context(), ac)
				writeResponse(w, entry.Status, entry.Header, entry.Body)
				s.recordCompletion(r, env, entry.Status, start)
				return
			}
		}

		resp, rec, err := s.Attempt.Run(r.Context(), ac, env, dispatcher)
		s.recordCompletion(r, env, statusFromErr(err), start)
		if err != nil {
			if rec != nil {
				s.appendAudit(*rec)
			}
			writeError(w, dialectName, err)
			return
		}

		if cacheKey != "" {
			s.Cache.Put(cacheKey, proxycache.Entry{Status: resp.Status, Header: resp.Header, Body: resp.Body})
		}
		writeResponse(w, resp.Status, resp.Header, resp.Body)
		s.appendAudit(*rec)

		s.Logger.Info("request completed",
			zap.String("request_id", rec.RequestID),
			zap.String("backend", rec.ChosenBackend),
			zap.Int("status", rec.Status),
			zap.Int64("spent_tokens", rec.SpentTokens))
	}
}

// handleUnsupportedCapability admits a request the same way handleGenerate
// does (so it is still counted against the caller's limits and audited),
// then immediately refunds the reservation and returns NotImplemented
// rather than dispatching, since capability has no translation-backend
// implementation. This is the frontend-level analogue of spec.md §4.4's
// "unsupported (path, method) tuples return NotImplemented" rule.
func (s *Server) handleUnsupportedCapability(dialectName, capability string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := s.Now()
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, dialectName, gatewayerr.InvalidRequest("read_body_failed", "could not read request body"))
			return
		}

		env := s.buildEnvelope(r, dialectName, body)
		ac, err := s.Admission.Admit(r.Context(), env)
		if err != nil {
			status := statusFromErr(err)
			s.recordCompletion(r, env, status, start)
			s.appendAudit(gatewaytypes.AuditRecord{RequestID: env.RequestID, Method: env.Method, Path: env.PathAndQuery, Model: env.Model, Status: status, CreatedAt: s.Now()})
			writeError(w, dialectName, err)
			return
		}
		s.Attempt.RefundAll(r.Context(), ac)

		gwErr := gatewayerr.NotImplemented(capability + " capability is not wired to a translation backend").WithRequestID(env.RequestID)
		s.recordCompletion(r, env, gwErr.HTTPStatus(), start)
		s.appendAudit(gatewaytypes.AuditRecord{RequestID: env.RequestID, Method: env.Method, Path: env.PathAndQuery, Model: env.Model, Status: gwErr.HTTPStatus(), CreatedAt: s.Now()})
		writeError(w, dialectName, gwErr)
	}
}

// handleAgentCompletion drives an agentloop.Agent to completion for one
// client request, including any tool calls the model issues along the
// way, and returns only the final response. It admits the request once
// against the agent loop's own scope the same way handleGenerate does,
// so a tenant's agent-loop traffic is rate-limited and budgeted like any
// other generation; per-turn backend dispatch inside the loop is the
// agentgateway.Generator's responsibility and isn't re-admitted here.
func (s *Server) handleAgentCompletion(w http.ResponseWriter, r *http.Request) {
	start := s.Now()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, "openai", gatewayerr.InvalidRequest("read_body_failed", "could not read request body"))
		return
	}

	env := s.buildEnvelope(r, "openai", body)
	ac, err := s.Admission.Admit(r.Context(), env)
	if err != nil {
		status := statusFromErr(err)
		s.recordCompletion(r, env, status, start)
		s.appendAudit(gatewaytypes.AuditRecord{RequestID: env.RequestID, Method: env.Method, Path: env.PathAndQuery, Model: env.Model, Status: status, CreatedAt: s.Now()})
		writeError(w, "openai", err)
		return
	}
	s.Attempt.RefundAll(r.Context(), ac)

	req, err := s.AgentDialect.ParseRequest(body)
	if err != nil {
		s.recordCompletion(r, env, http.StatusBadRequest, start)
		writeError(w, "openai", gatewayerr.InvalidRequest("invalid_body", err.Error()))
		return
	}

	outcome, err := s.Agent.Run(r.Context(), req)
	if err != nil {
		s.recordCompletion(r, env, http.StatusBadGateway, start)
		s.appendAudit(gatewaytypes.AuditRecord{RequestID: env.RequestID, Method: env.Method, Path: env.PathAndQuery, Model: env.Model, Status: http.StatusBadGateway, Mode: gatewaytypes.AuditModeTranslation, CreatedAt: s.Now()})
		writeError(w, "openai", gatewayerr.Internal("agent loop failed", err))
		return
	}

	renderedBody, err := s.AgentDialect.RenderResponse(outcome.FinalResponse)
	if err != nil {
		s.recordCompletion(r, env, http.StatusInternalServerError, start)
		writeError(w, "openai", gatewayerr.Internal("render response failed", err))
		return
	}

	var spentTokens int64
	if outcome.FinalResponse != nil {
		spentTokens = outcome.FinalResponse.Usage.TotalTokens
	}
	s.recordCompletion(r, env, http.StatusOK, start)
	s.appendAudit(gatewaytypes.AuditRecord{
		RequestID: env.RequestID, Method: env.Method, Path: env.PathAndQuery, Model: env.Model,
		Status: http.StatusOK, SpentTokens: spentTokens, Mode: gatewaytypes.AuditModeTranslation,
	})
	w.Header().Set("Content-Type", "application/json")
	writeResponse(w, http.StatusOK, nil, renderedBody)
}

// appendAudit records rec to the audit sink if one is configured, stamping
// CreatedAt when the caller left it zero.
func (s *Server) appendAudit(rec gatewaytypes.AuditRecord) {
	if s.Audit == nil {
		return
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.Now()
	}
	s.Audit.Append(rec)
}

// serveStream dispatches env to the first admitted candidate only: once
// bytes start flowing to the client a mid-stream failover has no clean
// recovery point. It settles or refunds the reservation from the usage
// DispatchStream reports once the stream ends.
func (s *Server) serveStream(ctx context.Context, w http.ResponseWriter, ac *gatewaytypes.AdmissionContext, env *gatewaytypes.Envelope, d *upstream.Dispatcher) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if len(ac.Candidates) == 0 || d == nil {
		s.Attempt.RefundAll(ctx, ac)
		return
	}

	candidate := ac.Candidates[0]
	tracker := s.Health.Get(candidate.Name)
	usage, err := d.DispatchStream(ctx, candidate, env, flushWriter{w: w})
	if err != nil {
		tracker.OnRetriableFailure(s.Now())
		s.Attempt.RefundAll(ctx, ac)
		s.Logger.Debug("stream: backend failed", zap.String("request_id", env.RequestID), zap.String("backend", candidate.Name), zap.Error(err))
		s.appendAudit(gatewaytypes.AuditRecord{
			RequestID: env.RequestID, Method: env.Method, Path: env.PathAndQuery, Model: env.Model,
			Status: http.StatusBadGateway, ChosenBackend: candidate.Name, AttemptedBackends: []string{candidate.Name},
			Mode: gatewaytypes.AuditModeProxy,
		})
		return
	}
	tracker.OnSuccess()
	s.Attempt.SettleAll(ctx, ac, usage.TotalTokens, 0)
	s.appendAudit(gatewaytypes.AuditRecord{
		RequestID: env.RequestID, Method: env.Method, Path: env.PathAndQuery, Model: env.Model,
		Status: http.StatusOK, ChosenBackend: candidate.Name, AttemptedBackends: []string{candidate.Name},
		SpentTokens: usage.TotalTokens, Mode: gatewaytypes.AuditModeProxy,
	})
}

// flushWriter flushes after every write so SSE chunks reach the client as
// they are produced rather than buffering until the handler returns.
type flushWriter struct{ w http.ResponseWriter }

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if flusher, ok := f.w.(http.Flusher); ok {
		flusher.Flush()
	}
	return n, err
}

func (s *Server) buildEnvelope(r *http.Request, dialectName string, body []byte) *gatewaytypes.Envelope {
	headers := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	model := gjson.GetBytes(body, "model").String()
	if dialectName == "google" {
		model = mux.Vars(r)["model"]
	}
	stream := gjson.GetBytes(body, "stream").Bool() || strings.Contains(r.URL.Path, "streamGenerateContent")

	return &gatewaytypes.Envelope{
		RequestID:           idgen.RequestID(),
		Method:              r.Method,
		PathAndQuery:        r.URL.RequestURI(),
		Model:               model,
		RawBody:             body,
		Headers:             headers,
		StreamRequested:     stream,
		InputTokensEstimate: estimateInputTokens(body),
		MaxOutputTokens:     int(gjson.GetBytes(body, "max_tokens").Int()),
	}
}

// estimateInputTokens approximates the request's prompt token count at
// admission time using the common ~4-characters-per-token rule of thumb;
// the attempt engine settles the ledger against the backend's reported
// usage once the response arrives, so this only needs to be a reasonable
// upper bound for rate-limit and budget admission.
func estimateInputTokens(body []byte) int {
	n := len(body) / 4
	if n < 1 {
		n = 1
	}
	return n
}

func statusFromErr(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if gwErr, ok := err.(*gatewayerr.Error); ok {
		return gwErr.HTTPStatus()
	}
	return http.StatusInternalServerError
}

func (s *Server) recordCompletion(r *http.Request, env *gatewaytypes.Envelope, status int, start time.Time) {
	if s.Metrics == nil {
		return
	}
	s.Metrics.RecordRequestDuration(r.URL.Path, env.Model, status, s.Now().Sub(start))
}

func writeResponse(w http.ResponseWriter, status int, header map[string][]string, body []byte) {
	for k, vs := range header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, dialectName string, err error) {
	gwErr, ok := err.(*gatewayerr.Error)
	if !ok {
		gwErr = gatewayerr.Internal("unexpected error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(gwErr.HTTPStatus())

	switch dialectName {
	case "google":
		_ = json.NewEncoder(w).Encode(gwErr.ToGoogleEnvelope())
	case "anthropic":
		_ = json.NewEncoder(w).Encode(map[string]any{
			"type": "error",
			"error": map[string]string{
				"type":    string(gwErr.Kind),
				"message": gwErr.Message,
			},
		})
	default:
		_ = json.NewEncoder(w).Encode(gwErr.ToOpenAIEnvelope())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "backends": s.Health.All()})
}

func (s *Server) handleMetricsJSON(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.Metrics.Snapshot())
}

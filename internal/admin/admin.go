// Package admin mounts the gateway's token-gated operator surface:
// virtual-key CRUD, audit listing/export, budget and cost inspection,
// reservation reaping, proxy-cache purging, and per-backend health
// control (spec.md §6's admin endpoint table).
//
// Grounded on the teacher's cmd/extproc/mainlib/admin.go for the
// "gorilla/mux, ReadHeaderTimeout-guarded http.Server run in its own
// goroutine" shape; the teacher's admin server only ever serves
// /metrics and /health, so the per-endpoint authorization table and the
// three admin-token flavors below are new, built to spec.md §6's "token
// gated... per-endpoint" requirement.
package admin

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/envoyproxy/llmgw/internal/admission"
	"github.com/envoyproxy/llmgw/internal/audit"
	"github.com/envoyproxy/llmgw/internal/gatewaytypes"
	"github.com/envoyproxy/llmgw/internal/health"
	"github.com/envoyproxy/llmgw/internal/keystore"
	"github.com/envoyproxy/llmgw/internal/proxycache"
)

// TokenKind is one of the three admin credential flavors spec.md §6 names.
type TokenKind int

const (
	// TokenNone marks a request that did not authenticate.
	TokenNone TokenKind = iota
	// TokenFull can call every admin endpoint.
	TokenFull
	// TokenReadOnly can call only GET endpoints, gateway-wide.
	TokenReadOnly
	// TokenTenant is scoped to one tenant; TenantReadOnly further
	// restricts it to GET endpoints within that tenant.
	TokenTenant
	// TokenTenantReadOnly is TokenTenant restricted to GET endpoints.
	TokenTenantReadOnly
)

// Credential is the resolved identity of an authenticated admin request.
type Credential struct {
	Kind   TokenKind
	Tenant string // set only for TokenTenant / TokenTenantReadOnly
}

// canWrite reports whether a credential may call a mutating endpoint.
func (c Credential) canWrite() bool {
	return c.Kind == TokenFull || c.Kind == TokenTenant
}

// canReach reports whether a credential may reach a request scoped to
// tenant (empty tenant means the endpoint isn't tenant-scoped).
func (c Credential) canReach(tenant string) bool {
	if c.Kind == TokenFull || c.Kind == TokenReadOnly {
		return true
	}
	return tenant == "" || tenant == c.Tenant
}

// TokenTable resolves a bearer token to its admin Credential. It is built
// once at startup from internal/config.Admin's resolved environment
// variables.
type TokenTable struct {
	full     string
	readOnly string
	tenants  map[string]tenantEntry
}

type tenantEntry struct {
	tenant   string
	readOnly bool
}

// NewTokenTable builds a TokenTable. Empty token values are ignored, so a
// deployment that only configures a full token still works.
func NewTokenTable(fullToken, readOnlyToken string, tenantTokens map[string]string, tenantReadOnly map[string]bool) *TokenTable {
	t := &TokenTable{full: fullToken, readOnly: readOnlyToken, tenants: make(map[string]tenantEntry, len(tenantTokens))}
	for token, tenant := range tenantTokens {
		t.tenants[token] = tenantEntry{tenant: tenant, readOnly: tenantReadOnly[token]}
	}
	return t
}

// Resolve maps token to a Credential, or TokenNone if it matches nothing.
func (t *TokenTable) Resolve(token string) Credential {
	if token == "" {
		return Credential{Kind: TokenNone}
	}
	if t.full != "" && token == t.full {
		return Credential{Kind: TokenFull}
	}
	if t.readOnly != "" && token == t.readOnly {
		return Credential{Kind: TokenReadOnly}
	}
	if e, ok := t.tenants[token]; ok {
		if e.readOnly {
			return Credential{Kind: TokenTenantReadOnly, Tenant: e.tenant}
		}
		return Credential{Kind: TokenTenant, Tenant: e.tenant}
	}
	return Credential{Kind: TokenNone}
}

// Server mounts the admin HTTP surface.
type Server struct {
	Tokens     *TokenTable
	// OIDC, when non-nil, is tried for any bearer token TokenTable didn't
	// recognize, so a deployment can run static tokens and OIDC side by
	// side during a migration.
	OIDC       *OIDCVerifier
	Keys       *keystore.Store
	Admission  *admission.Controller
	Health     *health.Registry
	Cache      *proxycache.Cache
	Audit      *audit.Sink
	Logger     *zap.Logger
	Now        func() time.Time
}

// New builds a Server. logger may be nil.
func New(tokens *TokenTable, keys *keystore.Store, adm *admission.Controller, healthRegistry *health.Registry, cache *proxycache.Cache, auditSink *audit.Sink, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{Tokens: tokens, Keys: keys, Admission: adm, Health: healthRegistry, Cache: cache, Audit: auditSink, Logger: logger, Now: time.Now}
}

// WithOIDC attaches an OIDCVerifier as a fallback credential source.
func (s *Server) WithOIDC(v *OIDCVerifier) *Server {
	s.OIDC = v
	return s
}

// Handler builds the mux.Router mounting every admin route, wrapped in
// token authentication and per-endpoint authorization.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/admin/keys", s.auth(false, s.listKeys)).Methods(http.MethodGet)
	r.HandleFunc("/admin/keys", s.auth(true, s.createKey)).Methods(http.MethodPost)
	r.HandleFunc("/admin/keys/{id}", s.auth(true, s.updateKey)).Methods(http.MethodPut)
	r.HandleFunc("/admin/keys/{id}", s.auth(true, s.deleteKey)).Methods(http.MethodDelete)

	r.HandleFunc("/admin/audit", s.auth(false, s.listAudit)).Methods(http.MethodGet)
	r.HandleFunc("/admin/audit/export", s.auth(false, s.exportAudit)).Methods(http.MethodGet)

	r.HandleFunc("/admin/budgets", s.auth(false, s.budgets(""))).Methods(http.MethodGet)
	r.HandleFunc("/admin/budgets/tenants", s.auth(false, s.budgets("tenant:"))).Methods(http.MethodGet)
	r.HandleFunc("/admin/budgets/projects", s.auth(false, s.budgets("project:"))).Methods(http.MethodGet)
	r.HandleFunc("/admin/budgets/users", s.auth(false, s.budgets("user:"))).Methods(http.MethodGet)

	r.HandleFunc("/admin/costs", s.auth(false, s.budgets(""))).Methods(http.MethodGet)
	r.HandleFunc("/admin/costs/tenants", s.auth(false, s.budgets("tenant:"))).Methods(http.MethodGet)
	r.HandleFunc("/admin/costs/projects", s.auth(false, s.budgets("project:"))).Methods(http.MethodGet)
	r.HandleFunc("/admin/costs/users", s.auth(false, s.budgets("user:"))).Methods(http.MethodGet)

	r.HandleFunc("/admin/reservations/reap", s.auth(true, s.reap)).Methods(http.MethodPost)
	r.HandleFunc("/admin/proxy_cache/purge", s.auth(true, s.purgeCache)).Methods(http.MethodPost)

	r.HandleFunc("/admin/backends", s.auth(false, s.listBackends)).Methods(http.MethodGet)
	r.HandleFunc("/admin/backends/{name}/reset", s.auth(true, s.resetBackend)).Methods(http.MethodPost)
	return r
}

// auth extracts the bearer token, resolves a Credential, and rejects the
// request before handler runs if it lacks write authorization (when
// requireWrite is true) or failed to authenticate at all.
func (s *Server) auth(requireWrite bool, handler func(http.ResponseWriter, *http.Request, Credential)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		cred := s.Tokens.Resolve(token)
		if cred.Kind == TokenNone && s.OIDC != nil && token != "" {
			if resolved, err := s.OIDC.Resolve(r.Context(), token); err == nil {
				cred = resolved
			}
		}
		if cred.Kind == TokenNone {
			writeAdminError(w, http.StatusUnauthorized, "missing or unrecognized admin token")
			return
		}
		if requireWrite && !cred.canWrite() {
			writeAdminError(w, http.StatusForbidden, "admin token is read-only")
			return
		}
		handler(w, r, cred)
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return after
	}
	return r.Header.Get("x-admin-token")
}

func (s *Server) listKeys(w http.ResponseWriter, _ *http.Request, cred Credential) {
	all := s.Keys.All()
	out := make([]gatewaytypes.VirtualKey, 0, len(all))
	for _, k := range all {
		if cred.canReach(k.TenantID) {
			out = append(out, k)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createKey(w http.ResponseWriter, r *http.Request, cred Credential) {
	var key gatewaytypes.VirtualKey
	if err := json.NewDecoder(r.Body).Decode(&key); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid key body")
		return
	}
	if !cred.canReach(key.TenantID) {
		writeAdminError(w, http.StatusForbidden, "tenant token cannot create keys outside its tenant")
		return
	}
	s.Keys.Upsert(key)
	writeJSON(w, http.StatusCreated, key)
}

func (s *Server) updateKey(w http.ResponseWriter, r *http.Request, cred Credential) {
	id := mux.Vars(r)["id"]
	var key gatewaytypes.VirtualKey
	if err := json.NewDecoder(r.Body).Decode(&key); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid key body")
		return
	}
	key.ID = id
	if !cred.canReach(key.TenantID) {
		writeAdminError(w, http.StatusForbidden, "tenant token cannot modify keys outside its tenant")
		return
	}
	s.Keys.Upsert(key)
	writeJSON(w, http.StatusOK, key)
}

func (s *Server) deleteKey(w http.ResponseWriter, r *http.Request, cred Credential) {
	id := mux.Vars(r)["id"]
	if existing, ok := s.Keys.ByID(id); ok && !cred.canReach(existing.TenantID) {
		writeAdminError(w, http.StatusForbidden, "tenant token cannot delete keys outside its tenant")
		return
	}
	if !s.Keys.Delete(id) {
		writeAdminError(w, http.StatusNotFound, "no such key")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listAudit(w http.ResponseWriter, _ *http.Request, _ Credential) {
	writeJSON(w, http.StatusOK, s.Audit.List())
}

func (s *Server) exportAudit(w http.ResponseWriter, _ *http.Request, _ Credential) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	_ = s.Audit.Export(w)
}

// budgetRow is one scope's reserved/committed snapshot, the shape the
// GET /admin/budgets and GET /admin/costs families both serve (the two
// differ only in which fields a client reads; both expose the full
// snapshot).
type budgetRow struct {
	Scope           gatewaytypes.Scope `json:"scope"`
	ReservedTokens  int64              `json:"reserved_tokens"`
	CommittedTokens int64              `json:"committed_tokens"`
	ReservedCost    int64              `json:"reserved_cost_usd_micros"`
	CommittedCost   int64              `json:"committed_cost_usd_micros"`
}

// budgets returns a handler listing every scope whose string form carries
// prefix ("" means every scope), for the /admin/budgets[/tenants|/projects|/users]
// and /admin/costs[...] endpoint families.
func (s *Server) budgets(prefix string) func(http.ResponseWriter, *http.Request, Credential) {
	return func(w http.ResponseWriter, _ *http.Request, cred Credential) {
		var rows []budgetRow
		for _, scope := range s.Admission.Scopes() {
			if prefix != "" && !strings.HasPrefix(string(scope), prefix) {
				continue
			}
			if cred.Kind == TokenTenant || cred.Kind == TokenTenantReadOnly {
				if !strings.HasPrefix(string(scope), "tenant:"+cred.Tenant) {
					continue
				}
			}
			snap := s.Admission.BudgetSnapshot(scope)
			rows = append(rows, budgetRow{
				Scope: scope, ReservedTokens: snap.ReservedTokens, CommittedTokens: snap.CommittedTokens,
				ReservedCost: snap.ReservedCost, CommittedCost: snap.CommittedCost,
			})
		}
		writeJSON(w, http.StatusOK, rows)
	}
}

func (s *Server) reap(w http.ResponseWriter, r *http.Request, _ Credential) {
	n, err := s.Admission.Reap(r.Context(), s.Now().Add(-reapHorizon))
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reaped": n})
}

// reapHorizon is how old an unsettled reservation must be before
// POST /admin/reservations/reap releases it; spec.md §4.5 leaves the
// exact horizon to the operator, so this is a conservative default rather
// than a tuned constant.
const reapHorizon = 10 * time.Minute

func (s *Server) purgeCache(w http.ResponseWriter, _ *http.Request, _ Credential) {
	if s.Cache != nil {
		s.Cache.Purge()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listBackends(w http.ResponseWriter, _ *http.Request, _ Credential) {
	writeJSON(w, http.StatusOK, s.Health.All())
}

func (s *Server) resetBackend(w http.ResponseWriter, r *http.Request, _ Credential) {
	name := mux.Vars(r)["name"]
	s.Health.Reset(name)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAdminError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

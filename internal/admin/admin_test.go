package admin

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/envoyproxy/llmgw/internal/admission"
	"github.com/envoyproxy/llmgw/internal/audit"
	"github.com/envoyproxy/llmgw/internal/budget"
	"github.com/envoyproxy/llmgw/internal/gatewaytypes"
	"github.com/envoyproxy/llmgw/internal/health"
	"github.com/envoyproxy/llmgw/internal/keystore"
	"github.com/envoyproxy/llmgw/internal/ratewindow"
	"github.com/envoyproxy/llmgw/internal/router"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	keys := keystore.New([]gatewaytypes.VirtualKey{{ID: "key-1", Token: "sk-test", Enabled: true, TenantID: "acme"}})
	healthRegistry := health.NewRegistry(5, time.Minute)
	rt := router.New(nil, nil, healthRegistry)
	ledger := budget.NewLedger()
	adm := admission.New(keys, ratewindow.New(), ledger, rt, nil, nil, nil)
	auditSink := audit.New(10)

	tokens := NewTokenTable("full-tok", "ro-tok", map[string]string{"tenant-tok": "acme"}, map[string]bool{})
	return New(tokens, keys, adm, healthRegistry, nil, auditSink, nil)
}

func TestListKeysRequiresAuth(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/admin/keys", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListKeysWithReadOnlyToken(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/admin/keys", nil)
	req.Header.Set("Authorization", "Bearer ro-tok")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "key-1")
}

func TestCreateKeyRejectedForReadOnlyToken(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/admin/keys", strings.NewReader(`{"id":"key-2","token":"sk-new"}`))
	req.Header.Set("Authorization", "Bearer ro-tok")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateKeyWithFullToken(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/admin/keys", strings.NewReader(`{"id":"key-2","token":"sk-new","tenant_id":"acme"}`))
	req.Header.Set("Authorization", "Bearer full-tok")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	k, ok := s.Keys.ByID("key-2")
	require.True(t, ok)
	require.Equal(t, "sk-new", k.Token)
}

func TestTenantTokenCannotTouchOtherTenant(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/admin/keys", strings.NewReader(`{"id":"key-3","token":"sk-other","tenant_id":"other-co"}`))
	req.Header.Set("Authorization", "Bearer tenant-tok")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDeleteKey(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodDelete, "/admin/keys/key-1", nil)
	req.Header.Set("Authorization", "Bearer full-tok")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, ok := s.Keys.ByID("key-1")
	require.False(t, ok)
}

func TestListAudit(t *testing.T) {
	s := newTestServer(t)
	s.Audit.Append(gatewaytypes.AuditRecord{RequestID: "req-1", Status: 200})

	req := httptest.NewRequest(http.MethodGet, "/admin/audit", nil)
	req.Header.Set("Authorization", "Bearer ro-tok")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "req-1")
}

func TestExportAuditNDJSON(t *testing.T) {
	s := newTestServer(t)
	s.Audit.Append(gatewaytypes.AuditRecord{RequestID: "req-1", Status: 200})

	req := httptest.NewRequest(http.MethodGet, "/admin/audit/export", nil)
	req.Header.Set("Authorization", "Bearer ro-tok")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))
}

func TestBudgetsEndpoint(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/admin/budgets", nil)
	req.Header.Set("Authorization", "Bearer full-tok")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestReapEndpointRequiresWrite(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/admin/reservations/reap", nil)
	req.Header.Set("Authorization", "Bearer ro-tok")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestListBackends(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/admin/backends", nil)
	req.Header.Set("Authorization", "Bearer ro-tok")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestResetBackendSucceedsWithFullToken(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/admin/backends/primary/reset", nil)
	req.Header.Set("Authorization", "Bearer full-tok")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

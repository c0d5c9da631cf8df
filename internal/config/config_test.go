package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/envoyproxy/llmgw/internal/gatewaytypes"
	"github.com/envoyproxy/llmgw/internal/router"
)

const sampleConfig = `
listen_addr: ":8080"
admin_listen_addr: ":8081"
virtual_keys:
  - id: key-1
    token: ${TEST_VK_TOKEN}
    enabled: true
    limits:
      requests_per_minute: 60
      tokens_per_minute: 100000
    budget:
      total_tokens: 1000000
backends:
  - name: openai-primary
    provider: openai
    base_url: https://api.openai.com
    api_key_env: TEST_OPENAI_KEY
  - name: anthropic-fallback
    provider: anthropic
    base_url: https://api.anthropic.com
    api_key_env: TEST_ANTHROPIC_KEY
routes:
  - name: default
    kind: weighted_fallback
    weighted:
      - backend: openai-primary
        weight: 9
      - backend: anthropic-fallback
        weight: 1
proxy_cache:
  capacity: 1024
  ttl: 5m
store:
  kind: postgres
  postgres_dsn: postgres://localhost/llmgw
agent_loop:
  max_iterations: 8
observability:
  service_name: llmgw
`

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadExpandsEnvAndParsesAllSections(t *testing.T) {
	t.Setenv("TEST_VK_TOKEN", "sk-test-token")
	t.Setenv("TEST_OPENAI_KEY", "sk-openai")

	path := writeTempConfig(t, sampleConfig)
	f, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, ":8080", f.ListenAddr)
	require.Len(t, f.VirtualKeys, 1)
	require.Equal(t, "sk-test-token", f.VirtualKeys[0].Token)
	require.Len(t, f.Backends, 2)
	require.Equal(t, 8, f.AgentLoop.MaxIterations)
}

func TestBackendCandidatesMapsProviderKind(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	f, err := Load(path)
	require.NoError(t, err)

	candidates := f.BackendCandidates()
	require.Equal(t, gatewaytypes.ProviderOpenAI, candidates["openai-primary"].ProviderKind)
	require.Equal(t, gatewaytypes.ProviderAnthropic, candidates["anthropic-fallback"].ProviderKind)
}

func TestRulesBuildsWeightedFallbackRule(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	f, err := Load(path)
	require.NoError(t, err)

	rules, err := f.Rules()
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Equal(t, router.RuleWeightedFallback, rules[0].Kind)
	require.Len(t, rules[0].Weighted, 2)
}

func TestRulesRejectsUnknownBackendReference(t *testing.T) {
	path := writeTempConfig(t, `
listen_addr: ":8080"
backends:
  - name: openai-primary
    provider: openai
routes:
  - name: default
    kind: single
    single: nonexistent
`)
	f, err := Load(path)
	require.NoError(t, err)

	_, err = f.Rules()
	require.Error(t, err)
}

func TestLoadRejectsMissingListenAddr(t *testing.T) {
	path := writeTempConfig(t, `backends: []`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsDuplicateBackendNames(t *testing.T) {
	path := writeTempConfig(t, `
listen_addr: ":8080"
backends:
  - name: dup
    provider: openai
  - name: dup
    provider: anthropic
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestBackendAuthConfigResolvesEnvVars(t *testing.T) {
	t.Setenv("TEST_KEY_ENV", "sk-resolved")
	b := Backend{APIKeyEnv: "TEST_KEY_ENV"}
	cfg := b.BackendAuthConfig()
	require.Equal(t, "sk-resolved", cfg.APIKey)
}

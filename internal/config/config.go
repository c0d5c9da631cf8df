// Package config loads the gateway's YAML configuration file: virtual
// keys, backend definitions, routing rules, the proxy cache, the
// persistent store, and agent-loop settings, per spec.md §6's "token-gated"
// admin surface and §4's module list — the single file an operator edits
// to stand up a gateway instance.
//
// Grounded on the teacher's cmd/aigw config loading (cmd/aigw/config.go):
// same "read the file, substitute environment variables, unmarshal"
// shape. That file reaches for github.com/a8m/envsubst, a dependency this
// module's go.mod does not carry; this package substitutes with the
// standard library's os.Expand instead, since introducing a new
// third-party dependency for a concern (env-var substitution) the
// ecosystem already has ${VAR} support for in os.Expand would add a
// dependency with no other pack-grounded consumer.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/envoyproxy/llmgw/internal/backendauth"
	"github.com/envoyproxy/llmgw/internal/gatewaytypes"
	"github.com/envoyproxy/llmgw/internal/router"
)

// File is the top-level shape of the gateway's YAML configuration file.
type File struct {
	ListenAddr      string `yaml:"listen_addr"`
	AdminListenAddr string `yaml:"admin_listen_addr"`
	// GlobalMaxInFlight caps the total number of in-flight backend attempts
	// across every candidate, ahead of any per-backend MaxInFlight limit
	// (spec.md §4.3 step 1(a)). 0 means unbounded.
	GlobalMaxInFlight int `yaml:"global_max_in_flight"`

	VirtualKeys []gatewaytypes.VirtualKey `yaml:"virtual_keys"`
	Backends    []Backend                 `yaml:"backends"`
	Routes      []Route                   `yaml:"routes"`

	ProxyCache    ProxyCache    `yaml:"proxy_cache"`
	Store         Store         `yaml:"store"`
	Health        Health        `yaml:"health"`
	AgentLoop     AgentLoop     `yaml:"agent_loop"`
	Observability Observability `yaml:"observability"`
	Admin         Admin         `yaml:"admin"`
}

// Backend is one outbound target's configuration, converted into a
// gatewaytypes.BackendCandidate plus its backendauth.Config at load time.
type Backend struct {
	Name               string            `yaml:"name"`
	Provider           string            `yaml:"provider"` // one of gatewaytypes.ProviderKind's string values.
	BaseURL            string            `yaml:"base_url"`
	ModelMapping       map[string]string `yaml:"model_mapping"`
	MaxInFlight        int               `yaml:"max_in_flight"`
	// PermitWaitBudget bounds how long a request queues for this backend's
	// concurrency permit before the attempt engine gives up and tries the
	// next candidate; zero means concurrency.DefaultWaitBudget.
	PermitWaitBudget   time.Duration     `yaml:"permit_wait_budget"`
	TranslationBackend bool              `yaml:"translation_backend"`
	EndpointPath       string            `yaml:"endpoint_path"`

	// Auth names the credential kind explicitly ("api_key", "anthropic_api_key",
	// "azure_api_key", "azure_ad", "gcp", "aws", "none"); empty means
	// backendauth.ForCandidate infers it from Provider.
	Auth string `yaml:"auth"`
	// *Env name environment variables holding secrets; never the secret
	// value itself, so the config file is safe to check into version
	// control.
	APIKeyEnv           string `yaml:"api_key_env"`
	AzureClientIDEnv    string `yaml:"azure_client_id_env"`
	AzureTenantIDEnv    string `yaml:"azure_tenant_id_env"`
	AzureClientSecretEnv string `yaml:"azure_client_secret_env"`
	GCPProjectID        string `yaml:"gcp_project_id"`
	GCPRegion           string `yaml:"gcp_region"`
	AWSRegion           string `yaml:"aws_region"`

	// Pricing maps a model name to its cost row, used for admission-time
	// cost estimation and settlement-time reconciliation.
	Pricing map[string]Pricing `yaml:"pricing"`
}

// Pricing is one model's cost configuration.
type Pricing struct {
	InputUSDMicrosPerToken  int64  `yaml:"input_usd_micros_per_token"`
	OutputUSDMicrosPerToken int64  `yaml:"output_usd_micros_per_token"`
	// CostExpr, when set, overrides the linear per-token fields with a
	// CEL expression evaluated by internal/llmcostcel.
	CostExpr string `yaml:"cost_expr"`
}

// Route is one routing rule, converted into a router.Rule.
type Route struct {
	Name       string              `yaml:"name"`
	Models     []string            `yaml:"models"`
	Kind       string              `yaml:"kind"` // "single", "weighted_fallback", "all_matching"
	Single     string              `yaml:"single"` // backend name
	Weighted   []WeightedBackend   `yaml:"weighted"`
	All        []string            `yaml:"all"` // backend names
}

// WeightedBackend pairs a backend name with its selection weight.
type WeightedBackend struct {
	Backend string `yaml:"backend"`
	Weight  int    `yaml:"weight"`
}

// ProxyCache configures internal/proxycache.Cache.
type ProxyCache struct {
	Capacity int           `yaml:"capacity"`
	TTL      time.Duration `yaml:"ttl"`
}

// Store configures the persistent budget.Store backing the in-memory
// ledger: "memory" (no persistent store), "postgres", or "redis".
type Store struct {
	Kind         string `yaml:"kind"`
	PostgresDSN  string `yaml:"postgres_dsn"`
	RedisAddr    string `yaml:"redis_addr"`
	RedisPasswordEnv string `yaml:"redis_password_env"`
	RedisDB      int    `yaml:"redis_db"`
}

// Health configures internal/health.Registry's circuit breaker.
type Health struct {
	TripThreshold int           `yaml:"trip_threshold"`
	Cooldown      time.Duration `yaml:"cooldown"`
}

// AgentLoop configures internal/agentloop.Agent.
type AgentLoop struct {
	MaxIterations int `yaml:"max_iterations"`
	// Backend names the configured Backend the agent loop's generator
	// dispatches each turn against.
	Backend string `yaml:"backend"`
	// Tools maps a tool name to the HTTP endpoint that executes it; the
	// loop POSTs the model's tool-call arguments as the request body and
	// expects a JSON result body back.
	Tools map[string]string `yaml:"tools"`
}

// Observability configures internal/observability.Metrics.
type Observability struct {
	ServiceName string `yaml:"service_name"`
}

// Admin configures the admin-surface tokens internal/admin authenticates
// against. Token values are never written to the config file directly;
// *Env names an environment variable holding the token so the config file
// stays safe to check into version control.
type Admin struct {
	FullTokenEnv      string           `yaml:"full_token_env"`
	ReadOnlyTokenEnv  string           `yaml:"read_only_token_env"`
	TenantTokens      []TenantToken    `yaml:"tenant_tokens"`
	OIDCIssuer        string           `yaml:"oidc_issuer"`
	OIDCClientID      string           `yaml:"oidc_client_id"`
	AuditCapacity     int              `yaml:"audit_capacity"`
}

// TenantToken scopes an admin credential to one tenant, optionally
// read-only within that tenant.
type TenantToken struct {
	Tenant     string `yaml:"tenant"`
	TokenEnv   string `yaml:"token_env"`
	ReadOnly   bool   `yaml:"read_only"`
}

// Load reads path, substitutes ${VAR}-style environment variables, and
// unmarshals the result into a File.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	expanded := os.Expand(string(raw), func(name string) string {
		return os.Getenv(name)
	})

	var f File
	if err := yaml.Unmarshal([]byte(expanded), &f); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %q: %w", path, err)
	}
	return &f, nil
}

func (f *File) validate() error {
	if f.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	names := make(map[string]struct{}, len(f.Backends))
	for _, b := range f.Backends {
		if b.Name == "" {
			return fmt.Errorf("backend with empty name")
		}
		if _, dup := names[b.Name]; dup {
			return fmt.Errorf("duplicate backend name %q", b.Name)
		}
		names[b.Name] = struct{}{}
	}
	for _, r := range f.Routes {
		if r.Name == "" {
			return fmt.Errorf("route with empty name")
		}
	}
	return nil
}

// BackendCandidates converts every configured Backend into a
// gatewaytypes.BackendCandidate, keyed by name.
func (f *File) BackendCandidates() map[string]gatewaytypes.BackendCandidate {
	out := make(map[string]gatewaytypes.BackendCandidate, len(f.Backends))
	for _, b := range f.Backends {
		var pricing map[string]gatewaytypes.Pricing
		if len(b.Pricing) > 0 {
			pricing = make(map[string]gatewaytypes.Pricing, len(b.Pricing))
			for model, p := range b.Pricing {
				pricing[model] = gatewaytypes.Pricing{
					InputUSDMicrosPerToken:  p.InputUSDMicrosPerToken,
					OutputUSDMicrosPerToken: p.OutputUSDMicrosPerToken,
					CostExpr:                p.CostExpr,
				}
			}
		}
		out[b.Name] = gatewaytypes.BackendCandidate{
			Name:               b.Name,
			ProviderKind:       gatewaytypes.ProviderKind(b.Provider),
			BaseURL:            b.BaseURL,
			ModelMapping:       b.ModelMapping,
			MaxInFlight:        b.MaxInFlight,
			PermitWaitBudget:   b.PermitWaitBudget,
			TranslationBackend: b.TranslationBackend,
			EndpointPath:       b.EndpointPath,
			PricingPerModel:    pricing,
		}
	}
	return out
}

// BackendAuthConfig converts a Backend's credential fields into a
// backendauth.Config, resolving *Env fields against the process
// environment. Secrets never appear in the YAML file itself.
func (b *Backend) BackendAuthConfig() backendauth.Config {
	cfg := backendauth.Config{
		APIKey:            os.Getenv(b.APIKeyEnv),
		AnthropicAPIKey:   os.Getenv(b.APIKeyEnv),
		AzureAPIKey:       os.Getenv(b.APIKeyEnv),
		AzureClientID:     os.Getenv(b.AzureClientIDEnv),
		AzureTenantID:     os.Getenv(b.AzureTenantIDEnv),
		AzureClientSecret: os.Getenv(b.AzureClientSecretEnv),
		GCPProjectID:      b.GCPProjectID,
		GCPRegion:         b.GCPRegion,
		AWSRegion:         b.AWSRegion,
	}
	if b.Auth != "" {
		cfg.Kind = backendauth.ProviderAuthKind(b.Auth)
	}
	return cfg
}

// Rules converts every configured Route into a router.Rule, resolving
// backend names against candidates.
func (f *File) Rules() ([]router.Rule, error) {
	candidates := f.BackendCandidates()
	resolve := func(name string) (gatewaytypes.BackendCandidate, error) {
		c, ok := candidates[name]
		if !ok {
			return gatewaytypes.BackendCandidate{}, fmt.Errorf("route references unknown backend %q", name)
		}
		return c, nil
	}

	rules := make([]router.Rule, 0, len(f.Routes))
	for _, r := range f.Routes {
		rule := router.Rule{Name: r.Name, Models: r.Models}
		switch r.Kind {
		case "", "single":
			c, err := resolve(r.Single)
			if err != nil {
				return nil, err
			}
			rule.Kind = router.RuleSingle
			rule.Single = c
		case "weighted_fallback":
			rule.Kind = router.RuleWeightedFallback
			for _, w := range r.Weighted {
				c, err := resolve(w.Backend)
				if err != nil {
					return nil, err
				}
				rule.Weighted = append(rule.Weighted, router.WeightedCandidate{Backend: c, Weight: w.Weight})
			}
		case "all_matching":
			rule.Kind = router.RuleAllMatching
			for _, name := range r.All {
				c, err := resolve(name)
				if err != nil {
					return nil, err
				}
				rule.All = append(rule.All, c)
			}
		default:
			return nil, fmt.Errorf("route %q: unknown kind %q", r.Name, r.Kind)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

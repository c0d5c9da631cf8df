// Package backendauth injects provider-native outbound credentials onto a
// request before it is dispatched to a backend, grounded on the teacher's
// internal/backendauth package. The teacher's Handler operates on Envoy
// ext_proc header-mutation maps; this package's Handler operates directly
// on a real *http.Request, since this gateway dispatches over net/http
// rather than through an Envoy filter chain. Each provider gets its own
// file, mirroring the teacher's one-file-per-credential-kind layout.
package backendauth

import (
	"context"
	"fmt"
	"net/http"

	"github.com/envoyproxy/llmgw/internal/gatewaytypes"
)

// Handler mutates an outbound request to carry one backend's credentials.
type Handler interface {
	// Apply sets whatever headers (and, for GCP/Vertex, URL rewriting) the
	// backend's auth scheme requires.
	Apply(ctx context.Context, req *http.Request) error
}

// Config is the per-backend credential configuration resolved from
// gateway configuration. Kind selects which of the fields below is used;
// fields for other kinds may also be populated.
type Config struct {
	Kind ProviderAuthKind

	APIKey           string // ProviderKind-native bearer/api-key auth.
	AnthropicAPIKey  string
	AzureAPIKey      string
	AzureClientID    string
	AzureTenantID    string
	AzureClientSecret string
	GCPProjectID     string
	GCPRegion        string
	AWSRegion        string
}

// ProviderAuthKind selects which Handler constructor New dispatches to.
type ProviderAuthKind string

const (
	AuthAPIKey          ProviderAuthKind = "api_key"
	AuthAnthropicAPIKey ProviderAuthKind = "anthropic_api_key"
	AuthAzureAPIKey     ProviderAuthKind = "azure_api_key"
	AuthAzureAD         ProviderAuthKind = "azure_ad"
	AuthGCP             ProviderAuthKind = "gcp"
	AuthAWS             ProviderAuthKind = "aws"
	AuthNone            ProviderAuthKind = "none"
)

// New builds the Handler for a backend candidate's configured auth kind.
func New(ctx context.Context, cfg Config) (Handler, error) {
	switch cfg.Kind {
	case AuthAPIKey:
		return newAPIKeyHandler(cfg.APIKey)
	case AuthAnthropicAPIKey:
		return newAnthropicAPIKeyHandler(cfg.AnthropicAPIKey)
	case AuthAzureAPIKey:
		return newAzureAPIKeyHandler(cfg.AzureAPIKey)
	case AuthAzureAD:
		return newAzureHandler(ctx, cfg)
	case AuthGCP:
		return newGCPHandler(ctx, cfg)
	case AuthAWS:
		return newAWSHandler(ctx, cfg)
	case AuthNone, "":
		return noopHandler{}, nil
	default:
		return nil, fmt.Errorf("backendauth: unknown auth kind %q", cfg.Kind)
	}
}

type noopHandler struct{}

func (noopHandler) Apply(context.Context, *http.Request) error { return nil }

// ForCandidate resolves a Handler straight from a router candidate's
// ProviderKind when no richer per-backend Config is available, used by
// request paths that only carry a gatewaytypes.BackendCandidate (e.g. the
// attempt engine's default dispatcher). Real deployments configure
// backendauth.Config explicitly per backend via internal/config.
func ForCandidate(ctx context.Context, c gatewaytypes.BackendCandidate, cfg Config) (Handler, error) {
	if cfg.Kind != "" {
		return New(ctx, cfg)
	}
	switch c.ProviderKind {
	case gatewaytypes.ProviderAnthropic:
		cfg.Kind = AuthAnthropicAPIKey
	case gatewaytypes.ProviderVertex, gatewaytypes.ProviderGoogle:
		cfg.Kind = AuthGCP
	case gatewaytypes.ProviderBedrock:
		cfg.Kind = AuthAWS
	default:
		cfg.Kind = AuthAPIKey
	}
	return New(ctx, cfg)
}

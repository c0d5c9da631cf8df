// Command llmgw runs the gateway described by a single YAML configuration
// file: it wires the admission controller, the attempt engine, the
// provider dialects, the client-facing and admin HTTP surfaces, and
// (optionally) a persistent reservation store, then serves both listeners
// until the process receives a termination signal.
//
// Grounded on the teacher's cmd/aigw/main.go for the kong-based
// "cmd struct with Run/Version/Healthcheck sub-commands, doMain(ctx,
// stdout, stderr, args, exitFn, ...)" shape; run/healthcheck themselves
// are new, wiring this rework's packages instead of the teacher's
// Envoy-binary-download-and-launch flow.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"

	"github.com/envoyproxy/llmgw/internal/admin"
	"github.com/envoyproxy/llmgw/internal/admission"
	"github.com/envoyproxy/llmgw/internal/agentgateway"
	"github.com/envoyproxy/llmgw/internal/agentloop"
	"github.com/envoyproxy/llmgw/internal/attempt"
	"github.com/envoyproxy/llmgw/internal/audit"
	"github.com/envoyproxy/llmgw/internal/backendauth"
	"github.com/envoyproxy/llmgw/internal/budget"
	"github.com/envoyproxy/llmgw/internal/concurrency"
	"github.com/envoyproxy/llmgw/internal/config"
	"github.com/envoyproxy/llmgw/internal/dialect/anthropic"
	"github.com/envoyproxy/llmgw/internal/dialect/bedrock"
	"github.com/envoyproxy/llmgw/internal/dialect/cohere"
	"github.com/envoyproxy/llmgw/internal/dialect/google"
	"github.com/envoyproxy/llmgw/internal/dialect/openai"
	"github.com/envoyproxy/llmgw/internal/dialect/openaicompatible"
	"github.com/envoyproxy/llmgw/internal/frontend"
	"github.com/envoyproxy/llmgw/internal/gatewaytypes"
	"github.com/envoyproxy/llmgw/internal/health"
	"github.com/envoyproxy/llmgw/internal/keystore"
	"github.com/envoyproxy/llmgw/internal/observability"
	"github.com/envoyproxy/llmgw/internal/pprof"
	"github.com/envoyproxy/llmgw/internal/proxycache"
	"github.com/envoyproxy/llmgw/internal/ratewindow"
	"github.com/envoyproxy/llmgw/internal/router"
	"github.com/envoyproxy/llmgw/internal/store/postgres"
	"github.com/envoyproxy/llmgw/internal/store/redis"
	"github.com/envoyproxy/llmgw/internal/translate"
	"github.com/envoyproxy/llmgw/internal/upstream"
	"github.com/envoyproxy/llmgw/internal/version"
)

type cmd struct {
	Version     struct{}       `cmd:"" help:"Show version."`
	Run         cmdRun         `cmd:"" help:"Run the gateway for the given configuration file."`
	Healthcheck cmdHealthcheck `cmd:"" help:"Check that a running gateway's /health endpoint is OK."`
}

type cmdRun struct {
	Path  string `arg:"" name:"path" help:"Path to the gateway configuration yaml file." type:"path"`
	Debug bool   `help:"Enable debug logging emitted to stderr."`
}

type cmdHealthcheck struct {
	Addr string `arg:"" name:"addr" help:"Gateway listen address, e.g. localhost:8080." default:"localhost:8080"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	doMain(ctx, os.Stdout, os.Stderr, os.Args[1:], os.Exit)
}

func doMain(ctx context.Context, stdout, stderr io.Writer, args []string, exitFn func(int)) {
	var c cmd
	parser, err := kong.New(&c,
		kong.Name("llmgw"),
		kong.Description("Multi-tenant LLM API gateway"),
		kong.Writers(stdout, stderr),
		kong.Exit(exitFn),
	)
	if err != nil {
		log.Fatalf("error creating parser: %v", err)
	}
	parsed, err := parser.Parse(args)
	parser.FatalIfErrorf(err)

	switch parsed.Command() {
	case "version":
		_, _ = fmt.Fprintf(stdout, "llmgw: %s\n", version.Parse())
	case "run <path>":
		if err := run(ctx, c.Run); err != nil {
			log.Fatalf("error running: %v", err)
		}
	case "healthcheck <addr>":
		if err := healthcheck(ctx, c.Healthcheck.Addr, stdout); err != nil {
			log.Fatalf("health check failed: %v", err)
		}
	default:
		panic("unreachable")
	}
}

func healthcheck(ctx context.Context, addr string, stdout io.Writer) error {
	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/health", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("connect to gateway: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d, body %s", resp.StatusCode, body)
	}
	_, _ = fmt.Fprintf(stdout, "%s", body)
	return nil
}

// run builds every component named in the configuration file and serves
// both the client-facing and admin listeners until ctx is cancelled.
func run(ctx context.Context, c cmdRun) error {
	logger, err := newLogger(c.Debug)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	file, err := config.Load(c.Path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	keys := keystore.New(file.VirtualKeys)
	healthRegistry := health.NewRegistry(file.Health.TripThreshold, file.Health.Cooldown)
	rules, err := file.Rules()
	if err != nil {
		return fmt.Errorf("build routing rules: %w", err)
	}
	rt := router.New(rules, nil, healthRegistry)
	ledger := budget.NewLedger()

	store, err := buildStore(ctx, file.Store)
	if err != nil {
		return fmt.Errorf("build persistent store: %w", err)
	}

	metrics, err := observability.New(file.Observability.ServiceName)
	if err != nil {
		return fmt.Errorf("build observability: %w", err)
	}
	defer func() { _ = metrics.Shutdown(ctx) }()

	var cache *proxycache.Cache
	if file.ProxyCache.Capacity > 0 {
		cache, err = proxycache.New(file.ProxyCache.Capacity, file.ProxyCache.TTL)
		if err != nil {
			return fmt.Errorf("build proxy cache: %w", err)
		}
	}

	auditSink := audit.New(file.Admin.AuditCapacity)

	admissionController := admission.New(keys, ratewindow.New(), ledger, rt, store, metrics, logger)
	attemptEngine := attempt.New(healthRegistry, ledger, store, logger)
	attemptEngine.Permits = concurrency.NewPermitsWithGlobal(file.GlobalMaxInFlight)

	authHandlers, err := buildBackendAuth(ctx, file)
	if err != nil {
		return fmt.Errorf("build backend auth: %w", err)
	}

	dispatchers := map[string]*upstream.Dispatcher{
		"openai":    upstream.NewDispatcher(upstream.NewClient(), openai.New(), authHandlers),
		"anthropic": upstream.NewDispatcher(upstream.NewClient(), anthropic.New(), authHandlers),
		"google":    upstream.NewDispatcher(upstream.NewClient(), google.New(), authHandlers),
	}

	fe := frontend.New(admissionController, attemptEngine, healthRegistry, cache, metrics, auditSink, dispatchers, logger)
	if file.AgentLoop.Backend != "" {
		candidate, ok := file.BackendCandidates()[file.AgentLoop.Backend]
		if !ok {
			return fmt.Errorf("agent_loop: unknown backend %q", file.AgentLoop.Backend)
		}
		dialect := dialectForProvider(candidate.ProviderKind)
		generator := agentgateway.NewGenerator(upstream.NewClient(), dialect, candidate, authHandlers[file.AgentLoop.Backend])
		toolExecutor := agentgateway.NewHTTPToolExecutor(nil, file.AgentLoop.Tools)
		agent := agentloop.New(generator, toolExecutor, file.AgentLoop.MaxIterations)
		fe = fe.WithAgent(agent, dialect)
	}

	tokens := adminTokenTable(file.Admin)
	ad := admin.New(tokens, keys, admissionController, healthRegistry, cache, auditSink, logger)
	if file.Admin.OIDCIssuer != "" {
		verifier, err := admin.NewOIDCVerifier(ctx, file.Admin.OIDCIssuer, file.Admin.OIDCClientID)
		if err != nil {
			return fmt.Errorf("build admin oidc verifier: %w", err)
		}
		ad = ad.WithOIDC(verifier)
	}

	pprof.Run(ctx)

	servers := []*http.Server{
		{Addr: file.ListenAddr, Handler: fe.Handler(), ReadHeaderTimeout: 5 * time.Second},
	}
	if file.AdminListenAddr != "" {
		servers = append(servers, &http.Server{Addr: file.AdminListenAddr, Handler: ad.Handler(), ReadHeaderTimeout: 5 * time.Second})
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		srv := srv
		go func() {
			logger.Info("listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	return nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func buildStore(ctx context.Context, s config.Store) (budget.Store, error) {
	switch s.Kind {
	case "", "memory":
		return nil, nil
	case "postgres":
		return postgres.New(ctx, s.PostgresDSN)
	case "redis":
		return redis.New(ctx, s.RedisAddr, os.Getenv(s.RedisPasswordEnv), s.RedisDB)
	default:
		return nil, fmt.Errorf("unknown store kind %q", s.Kind)
	}
}

func buildBackendAuth(ctx context.Context, file *config.File) (map[string]backendauth.Handler, error) {
	out := make(map[string]backendauth.Handler, len(file.Backends))
	candidates := file.BackendCandidates()
	for _, b := range file.Backends {
		candidate := candidates[b.Name]
		handler, err := backendauth.ForCandidate(ctx, candidate, b.BackendAuthConfig())
		if err != nil {
			return nil, fmt.Errorf("backend %q: %w", b.Name, err)
		}
		out[b.Name] = handler
	}
	return out, nil
}

// dialectForProvider returns the translate.Dialect matching a backend's
// provider kind, defaulting to the OpenAI-compatible dialect for
// providers (or unrecognized kinds) that speak OpenAI's wire shape.
func dialectForProvider(kind gatewaytypes.ProviderKind) translate.Dialect {
	switch kind {
	case gatewaytypes.ProviderAnthropic:
		return anthropic.New()
	case gatewaytypes.ProviderGoogle:
		return google.New()
	case gatewaytypes.ProviderCohere:
		return cohere.New()
	case gatewaytypes.ProviderBedrock:
		return bedrock.New()
	case gatewaytypes.ProviderOpenAICompatible:
		return openaicompatible.New()
	default:
		return openai.New()
	}
}

func adminTokenTable(a config.Admin) *admin.TokenTable {
	tenantTokens := make(map[string]string, len(a.TenantTokens))
	tenantReadOnly := make(map[string]bool, len(a.TenantTokens))
	for _, t := range a.TenantTokens {
		token := os.Getenv(t.TokenEnv)
		if token == "" {
			continue
		}
		tenantTokens[token] = t.Tenant
		tenantReadOnly[token] = t.ReadOnly
	}
	return admin.NewTokenTable(os.Getenv(a.FullTokenEnv), os.Getenv(a.ReadOnlyTokenEnv), tenantTokens, tenantReadOnly)
}

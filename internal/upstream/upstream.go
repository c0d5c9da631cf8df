// Package upstream sends one backend attempt over real net/http: it
// resolves the candidate's dialect and outbound credentials, renders or
// forwards the request body, performs the HTTP round trip, and classifies
// the result into an internal/attempt.Result. It is the concrete
// internal/attempt.Dispatcher the HTTP front-end hands to the attempt
// engine for both verbatim proxying and cross-dialect translation.
//
// Grounded on the teacher's cmd/aigw/healthcheck.go for the "plain
// net/http client with an explicit Timeout" shape, generalized here with a
// tuned Transport (connection reuse matters far more for a gateway under
// sustained load than for a one-shot healthcheck call).
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/envoyproxy/llmgw/internal/attempt"
	"github.com/envoyproxy/llmgw/internal/backendauth"
	"github.com/envoyproxy/llmgw/internal/dialectregistry"
	"github.com/envoyproxy/llmgw/internal/gatewayerr"
	"github.com/envoyproxy/llmgw/internal/gatewaytypes"
	"github.com/envoyproxy/llmgw/internal/llmcostcel"
	"github.com/envoyproxy/llmgw/internal/translate"
)

// Client wraps a tuned *http.Client for outbound backend calls.
type Client struct {
	HTTP *http.Client
}

// NewClient builds a Client with a connection-reusing Transport and an
// overall per-request timeout generous enough for non-streamed generation
// calls, which can legitimately take tens of seconds on a large completion.
func NewClient() *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{HTTP: &http.Client{Timeout: 120 * time.Second, Transport: transport}}
}

// Dispatcher implements internal/attempt.Dispatcher for one inbound route:
// ClientDialect is fixed for the lifetime of the Dispatcher (it is the
// wire dialect the client used to reach this route), while the backend
// dialect is resolved per candidate since a routing rule may mix
// translating and non-translating backends.
type Dispatcher struct {
	Client        *Client
	ClientDialect translate.Dialect
	// Auth holds the resolved backendauth.Handler for each backend
	// candidate, keyed by gatewaytypes.BackendCandidate.Name, built once at
	// startup from configuration.
	Auth map[string]backendauth.Handler
}

// NewDispatcher builds a Dispatcher. auth must have an entry for every
// candidate name this Dispatcher will ever see; a missing entry dispatches
// with no outbound credentials.
func NewDispatcher(client *Client, clientDialect translate.Dialect, auth map[string]backendauth.Handler) *Dispatcher {
	return &Dispatcher{Client: client, ClientDialect: clientDialect, Auth: auth}
}

// Dispatch sends env to candidate and classifies the response.
func (d *Dispatcher) Dispatch(ctx context.Context, candidate gatewaytypes.BackendCandidate, env *gatewaytypes.Envelope) attempt.Result {
	body := env.RawBody
	var backendDialect translate.Dialect
	if candidate.TranslationBackend {
		bd, err := dialectregistry.For(candidate.ProviderKind)
		if err != nil {
			return attempt.Result{Outcome: attempt.OutcomeTerminal, Err: gatewayerr.Internal("unknown backend dialect", err).WithRequestID(env.RequestID)}
		}
		backendDialect = bd
		translated, err := translate.Translate(env.RawBody, d.ClientDialect, backendDialect)
		if err != nil {
			return attempt.Result{Outcome: attempt.OutcomeTerminal, Err: gatewayerr.InvalidRequest("translation_failed", err.Error()).WithRequestID(env.RequestID)}
		}
		body = translated
	}

	path := candidate.EndpointPath
	if path == "" {
		path = dialectregistry.DefaultEndpointPath(candidate.ProviderKind, env.Model)
	}
	url := strings.TrimRight(candidate.BaseURL, "/") + path

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return attempt.Result{Outcome: attempt.OutcomeTerminal, Err: gatewayerr.Internal("build upstream request", err).WithRequestID(env.RequestID)}
	}
	req.Header.Set("Content-Type", "application/json")

	if handler := d.Auth[candidate.Name]; handler != nil {
		if err := handler.Apply(ctx, req); err != nil {
			return attempt.Result{Outcome: attempt.OutcomeTerminal, Err: gatewayerr.Internal("apply backend credentials", err).WithRequestID(env.RequestID)}
		}
	}

	resp, err := d.Client.HTTP.Do(req)
	if err != nil {
		return attempt.Result{
			Outcome: attempt.OutcomeContinue,
			Err:     gatewayerr.Wrap(gatewayerr.KindBackendUnavailable, "backend_unreachable", fmt.Sprintf("backend %q unreachable", candidate.Name), err).WithRequestID(env.RequestID),
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return attempt.Result{
			Outcome: attempt.OutcomeContinue,
			Err:     gatewayerr.Wrap(gatewayerr.KindUpstreamError, "read_body_failed", "failed reading backend response body", err).WithRequestID(env.RequestID),
		}
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout {
		return attempt.Result{
			Outcome: attempt.OutcomeContinue,
			Err: gatewayerr.New(gatewayerr.KindUpstreamError, "backend_retriable_status", fmt.Sprintf("backend %q returned %d", candidate.Name, resp.StatusCode)).
				WithStatus(resp.StatusCode).WithRequestID(env.RequestID),
		}
	}
	if resp.StatusCode >= 400 {
		return attempt.Result{
			Outcome: attempt.OutcomeTerminal,
			Err: gatewayerr.New(gatewayerr.KindUpstreamError, "backend_error_status", fmt.Sprintf("backend %q returned %d", candidate.Name, resp.StatusCode)).
				WithStatus(resp.StatusCode).WithRequestID(env.RequestID),
		}
	}

	outBody := respBody
	var usage translate.Usage
	if candidate.TranslationBackend {
		neutral, err := backendDialect.ParseResponse(respBody)
		if err != nil {
			return attempt.Result{
				Outcome: attempt.OutcomeTerminal,
				Err:     gatewayerr.Wrap(gatewayerr.KindUpstreamError, "parse_backend_response_failed", "could not parse backend response", err).WithRequestID(env.RequestID),
			}
		}
		usage = neutral.Usage
		rendered, err := d.ClientDialect.RenderResponse(neutral)
		if err != nil {
			return attempt.Result{
				Outcome: attempt.OutcomeTerminal,
				Err:     gatewayerr.Wrap(gatewayerr.KindInternal, "render_client_response_failed", "could not render client response", err).WithRequestID(env.RequestID),
			}
		}
		outBody = rendered
	} else if neutral, err := d.ClientDialect.ParseResponse(respBody); err == nil {
		// Verbatim passthrough: the body is untouched, but we still parse it
		// in the client's own dialect so usage can be settled precisely.
		usage = neutral.Usage
	}

	return attempt.Result{
		Outcome: attempt.OutcomeSuccess,
		Response: &attempt.Response{
			Status: resp.StatusCode,
			Body:   outBody,
			Header: map[string][]string{"Content-Type": {"application/json"}},
		},
		SpentTokens:        usage.TotalTokens,
		SpentCostUSDMicros: costOf(candidate, env.Model, usage),
	}
}

// usageCapturingEncoder wraps a translate.StreamEncoder to capture the
// Usage carried on the terminal ChunkFinish event, so the caller can
// settle budget reservations precisely once the stream ends.
type usageCapturingEncoder struct {
	inner translate.StreamEncoder
	usage translate.Usage
}

func (u *usageCapturingEncoder) Encode(chunk *translate.StreamChunk) error {
	if chunk.Kind == translate.ChunkFinish && chunk.Usage != nil {
		u.usage = *chunk.Usage
	}
	return u.inner.Encode(chunk)
}

func (u *usageCapturingEncoder) Close() error { return u.inner.Close() }

// DispatchStream sends env to candidate as a streamed generation call and
// pumps the translated chunks to w as they arrive. Unlike Dispatch it does
// not participate in candidate failover: a streamed response has already
// started writing to the client by the time the first chunk decodes, so
// there is no way to silently retry a different backend mid-stream.
func (d *Dispatcher) DispatchStream(ctx context.Context, candidate gatewaytypes.BackendCandidate, env *gatewaytypes.Envelope, w io.Writer) (translate.Usage, error) {
	body := env.RawBody
	backendDialect := d.ClientDialect
	if candidate.TranslationBackend {
		bd, err := dialectregistry.For(candidate.ProviderKind)
		if err != nil {
			return translate.Usage{}, err
		}
		backendDialect = bd
		translated, err := translate.Translate(env.RawBody, d.ClientDialect, backendDialect)
		if err != nil {
			return translate.Usage{}, err
		}
		body = translated
	}

	path := candidate.EndpointPath
	if path == "" {
		path = dialectregistry.DefaultEndpointPath(candidate.ProviderKind, env.Model)
	}
	url := strings.TrimRight(candidate.BaseURL, "/") + path

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return translate.Usage{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if handler := d.Auth[candidate.Name]; handler != nil {
		if err := handler.Apply(ctx, req); err != nil {
			return translate.Usage{}, err
		}
	}

	resp, err := d.Client.HTTP.Do(req)
	if err != nil {
		return translate.Usage{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return translate.Usage{}, gatewayerr.New(gatewayerr.KindUpstreamError, "backend_stream_error_status",
			fmt.Sprintf("backend %q returned %d: %s", candidate.Name, resp.StatusCode, string(respBody))).
			WithStatus(resp.StatusCode).WithRequestID(env.RequestID)
	}

	dec := backendDialect.StreamDecoder(resp.Body)
	enc := &usageCapturingEncoder{inner: d.ClientDialect.StreamEncoder(w)}
	err = translate.PumpStream(ctx, dec, enc)
	return enc.usage, err
}

// costExprCache compiles each distinct CostExpr at most once: pricing
// tables are small and static for a process's lifetime, so a simple
// sync.Map keyed by the expression string avoids recompiling it on every
// settled request.
var costExprCache sync.Map // string -> cel.Program

// costOf converts usage into a cost estimate using the candidate's
// per-model pricing table. It returns 0 when no pricing row is configured
// for model, leaving cost accounting to the token-based budget instead. A
// pricing row carrying a CostExpr is evaluated through internal/llmcostcel
// instead of the linear per-token formula.
func costOf(candidate gatewaytypes.BackendCandidate, model string, usage translate.Usage) int64 {
	pricing, ok := candidate.PricingPerModel[model]
	if !ok {
		return 0
	}
	if pricing.CostExpr != "" {
		cost, err := evalCostExpr(pricing.CostExpr, model, candidate.Name, usage)
		if err == nil {
			return cost
		}
		// Fall through to the linear formula: a misconfigured or
		// transiently failing expression should never block settlement.
	}
	return usage.InputTokens*pricing.InputUSDMicrosPerToken + usage.OutputTokens*pricing.OutputUSDMicrosPerToken
}

func evalCostExpr(expr, model, backend string, usage translate.Usage) (int64, error) {
	prog, err := compiledCostExpr(expr)
	if err != nil {
		return 0, err
	}
	result, err := llmcostcel.EvaluateProgram(prog, model, backend, uint64(usage.InputTokens), 0, uint64(usage.OutputTokens), uint64(usage.TotalTokens))
	if err != nil {
		return 0, err
	}
	return int64(result), nil
}

func compiledCostExpr(expr string) (cel.Program, error) {
	if cached, ok := costExprCache.Load(expr); ok {
		return cached.(cel.Program), nil
	}
	prog, err := llmcostcel.NewProgram(expr)
	if err != nil {
		return nil, err
	}
	costExprCache.Store(expr, prog)
	return prog, nil
}

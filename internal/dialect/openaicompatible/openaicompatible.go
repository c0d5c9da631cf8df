// Package openaicompatible implements translate.Dialect for arbitrary
// OpenAI Chat-Completions-compatible endpoints (vLLM, Ollama, Together,
// local inference servers, and similar), per spec.md §4.4's
// "OpenAI-compatible Chat" dialect row: the wire shape is identical to
// OpenAI's, down to role:system messages and tool_choice "none"/
// "required"/{type:function,function:{name}}. The one wrinkle this
// package owns instead of reusing internal/dialect/openai directly is
// the field name for the output-token cap: most compatible servers still
// only understand the deprecated "max_tokens" field rather than OpenAI's
// newer "max_completion_tokens", so RenderRequest emits the legacy name.
package openaicompatible

import (
	"io"

	"github.com/tidwall/sjson"

	"github.com/envoyproxy/llmgw/internal/dialect/openai"
	"github.com/envoyproxy/llmgw/internal/translate"
)

// Dialect implements translate.Dialect for OpenAI-compatible chat
// endpoints by delegating to internal/dialect/openai for everything
// except the max-tokens field name on render.
type Dialect struct {
	inner *openai.Dialect
}

// New returns the OpenAI-compatible dialect.
func New() *Dialect { return &Dialect{inner: openai.New()} }

func (*Dialect) Name() string { return "openaicompatible" }

func (d *Dialect) ParseRequest(raw []byte) (*translate.GenerateRequest, error) {
	return d.inner.ParseRequest(raw)
}

func (d *Dialect) RenderRequest(req *translate.GenerateRequest) ([]byte, error) {
	raw, err := d.inner.RenderRequest(req)
	if err != nil {
		return nil, err
	}
	if req.MaxOutputTokens <= 0 {
		return raw, nil
	}
	out, err := sjson.SetBytes(raw, "max_tokens", req.MaxOutputTokens)
	if err != nil {
		return nil, err
	}
	out, err = sjson.DeleteBytes(out, "max_completion_tokens")
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Dialect) ParseResponse(raw []byte) (*translate.GenerateResponse, error) {
	return d.inner.ParseResponse(raw)
}

func (d *Dialect) RenderResponse(resp *translate.GenerateResponse) ([]byte, error) {
	return d.inner.RenderResponse(resp)
}

func (d *Dialect) StreamDecoder(body io.Reader) translate.StreamDecoder {
	return d.inner.StreamDecoder(body)
}

func (d *Dialect) StreamEncoder(w io.Writer) translate.StreamEncoder {
	return d.inner.StreamEncoder(w)
}

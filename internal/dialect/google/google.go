// Package google implements translate.Dialect for the Gemini
// generateContent wire format, grounded on
// _examples/original_source/src/providers/google.rs: assistant turns use
// role "model", content lives in "parts" (functionCall/functionResponse
// for tool turns), system goes in a top-level "systemInstruction", tool
// choice is a functionCallingConfig mode of AUTO/NONE/ANY, and finishReason
// STOP/MAX_TOKENS map onto the neutral FinishReason the same way the other
// dialects do. This dialect also serves Vertex AI: Vertex speaks the same
// generateContent wire shape over a different base URL and credential
// source (spec.md's ProviderVertex candidates reuse this Dialect).
package google

import (
	"context"
	"fmt"
	"io"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/envoyproxy/llmgw/internal/sse"
	"github.com/envoyproxy/llmgw/internal/translate"
)

// Dialect implements translate.Dialect for Gemini's generateContent wire
// format.
type Dialect struct {
	// GemmaSystemPrepend, when true, folds the system instruction into the
	// first user turn as a prefixed text part instead of using
	// systemInstruction, for Gemma-family models that reject the field.
	GemmaSystemPrepend bool
}

// New returns the Google dialect.
func New() *Dialect { return &Dialect{} }

// NewForGemma returns the Google dialect configured for Gemma-family
// models, which do not support systemInstruction.
func NewForGemma() *Dialect { return &Dialect{GemmaSystemPrepend: true} }

func (*Dialect) Name() string { return "google" }

func (*Dialect) ParseRequest(raw []byte) (*translate.GenerateRequest, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("google: invalid request JSON")
	}
	root := gjson.ParseBytes(raw)

	req := &translate.GenerateRequest{
		Model: root.Get("model").String(),
	}
	if parts := root.Get("systemInstruction.parts"); parts.Exists() {
		for _, p := range parts.Array() {
			req.System = appendText(req.System, p.Get("text").String())
		}
	}

	gen := root.Get("generationConfig")
	req.MaxOutputTokens = int(gen.Get("maxOutputTokens").Int())
	if v := gen.Get("temperature"); v.Exists() {
		f := v.Float()
		req.Temperature = &f
	}
	if v := gen.Get("topP"); v.Exists() {
		f := v.Float()
		req.TopP = &f
	}
	for _, s := range gen.Get("stopSequences").Array() {
		req.StopSequences = append(req.StopSequences, s.String())
	}

	for _, c := range root.Get("contents").Array() {
		req.Messages = append(req.Messages, parseContent(c))
	}

	for _, decl := range root.Get("tools.0.functionDeclarations").Array() {
		req.Tools = append(req.Tools, translate.Tool{
			Name:                 decl.Get("name").String(),
			Description:          decl.Get("description").String(),
			ParametersJSONSchema: []byte(decl.Get("parameters").Raw),
		})
	}
	if fc := root.Get("toolConfig.functionCallingConfig"); fc.Exists() {
		req.ToolChoice = parseToolChoice(fc)
	}

	return req, nil
}

func appendText(existing, add string) string {
	if existing == "" {
		return add
	}
	return existing + "\n" + add
}

func parseContent(c gjson.Result) translate.Message {
	role := translate.RoleUser
	if c.Get("role").String() == "model" {
		role = translate.RoleAssistant
	}
	var parts []translate.ContentPart
	for _, p := range c.Get("parts").Array() {
		switch {
		case p.Get("functionCall").Exists():
			fc := p.Get("functionCall")
			parts = append(parts, translate.ContentPart{
				Kind:              translate.ContentToolCall,
				ToolName:          fc.Get("name").String(),
				ToolArgumentsJSON: fc.Get("args").Raw,
			})
		case p.Get("functionResponse").Exists():
			fr := p.Get("functionResponse")
			parts = append(parts, translate.ContentPart{
				Kind:           translate.ContentToolResult,
				ToolResultID:   fr.Get("name").String(),
				ToolResultJSON: fr.Get("response").Raw,
			})
		case p.Get("inlineData").Exists():
			parts = append(parts, translate.ContentPart{
				Kind:          translate.ContentImage,
				MediaBase64:   p.Get("inlineData.data").String(),
				MediaMIMEType: p.Get("inlineData.mimeType").String(),
			})
		default:
			parts = append(parts, translate.ContentPart{Kind: translate.ContentText, Text: p.Get("text").String()})
		}
	}
	return translate.Message{Role: role, Content: parts}
}

func parseToolChoice(fc gjson.Result) *translate.ToolChoice {
	switch fc.Get("mode").String() {
	case "NONE":
		return &translate.ToolChoice{Mode: translate.ToolChoiceNone}
	case "ANY":
		if names := fc.Get("allowedFunctionNames"); names.Exists() && len(names.Array()) == 1 {
			return &translate.ToolChoice{Mode: translate.ToolChoiceNamed, Name: names.Array()[0].String()}
		}
		return &translate.ToolChoice{Mode: translate.ToolChoiceRequired}
	default:
		return &translate.ToolChoice{Mode: translate.ToolChoiceAuto}
	}
}

func (d *Dialect) RenderRequest(req *translate.GenerateRequest) ([]byte, error) {
	out := "{}"
	var err error

	contents, err := renderContents(req.Messages)
	if err != nil {
		return nil, err
	}
	if d.GemmaSystemPrepend && req.System != "" {
		contents, err = prependSystemText(contents, req.System)
		if err != nil {
			return nil, err
		}
	}
	out, err = sjson.SetRaw(out, "contents", string(contents))
	if err != nil {
		return nil, err
	}

	if !d.GemmaSystemPrepend && req.System != "" {
		sysPart, serr := sjson.Set(`{"parts":[]}`, "parts.-1.text", req.System)
		if serr != nil {
			return nil, serr
		}
		out, err = sjson.SetRaw(out, "systemInstruction", sysPart)
		if err != nil {
			return nil, err
		}
	}

	if req.MaxOutputTokens > 0 {
		out, err = sjson.Set(out, "generationConfig.maxOutputTokens", req.MaxOutputTokens)
		if err != nil {
			return nil, err
		}
	}
	if req.Temperature != nil {
		out, err = sjson.Set(out, "generationConfig.temperature", *req.Temperature)
		if err != nil {
			return nil, err
		}
	}
	if req.TopP != nil {
		out, err = sjson.Set(out, "generationConfig.topP", *req.TopP)
		if err != nil {
			return nil, err
		}
	}
	if len(req.StopSequences) > 0 {
		out, err = sjson.Set(out, "generationConfig.stopSequences", req.StopSequences)
		if err != nil {
			return nil, err
		}
	}

	if len(req.Tools) > 0 {
		decls := "[]"
		for _, t := range req.Tools {
			entry, terr := sjson.Set("{}", "name", t.Name)
			if terr != nil {
				return nil, terr
			}
			if t.Description != "" {
				entry, terr = sjson.Set(entry, "description", t.Description)
				if terr != nil {
					return nil, terr
				}
			}
			entry, terr = sjson.SetRaw(entry, "parameters", orEmptyObject(string(t.ParametersJSONSchema)))
			if terr != nil {
				return nil, terr
			}
			decls, terr = sjson.SetRaw(decls, "-1", entry)
			if terr != nil {
				return nil, terr
			}
		}
		out, err = sjson.SetRaw(out, "tools.0.functionDeclarations", decls)
		if err != nil {
			return nil, err
		}
	}
	if req.ToolChoice != nil {
		fc, terr := renderToolChoice(req.ToolChoice)
		if terr != nil {
			return nil, terr
		}
		out, err = sjson.SetRaw(out, "toolConfig.functionCallingConfig", string(fc))
		if err != nil {
			return nil, err
		}
	}

	return []byte(out), nil
}

func orEmptyObject(raw string) string {
	if raw == "" {
		return "{}"
	}
	return raw
}

func renderContents(messages []translate.Message) ([]byte, error) {
	out := "[]"
	for _, m := range messages {
		role := "user"
		if m.Role == translate.RoleAssistant {
			role = "model"
		}
		entry, err := sjson.Set("{}", "role", role)
		if err != nil {
			return nil, err
		}
		parts := "[]"
		for _, p := range m.Content {
			block := "{}"
			switch p.Kind {
			case translate.ContentText:
				block, err = sjson.Set(block, "text", p.Text)
			case translate.ContentToolCall:
				block, err = sjson.Set(block, "functionCall.name", p.ToolName)
				if err == nil {
					block, err = sjson.SetRaw(block, "functionCall.args", orEmptyObject(p.ToolArgumentsJSON))
				}
			case translate.ContentToolResult:
				block, err = sjson.Set(block, "functionResponse.name", p.ToolResultID)
				if err == nil {
					block, err = sjson.SetRaw(block, "functionResponse.response", orEmptyObject(p.ToolResultJSON))
				}
			case translate.ContentImage:
				block, err = sjson.Set(block, "inlineData.mimeType", p.MediaMIMEType)
				if err == nil {
					block, err = sjson.Set(block, "inlineData.data", p.MediaBase64)
				}
			}
			if err != nil {
				return nil, err
			}
			parts, err = sjson.SetRaw(parts, "-1", block)
			if err != nil {
				return nil, err
			}
		}
		entry, err = sjson.SetRaw(entry, "parts", parts)
		if err != nil {
			return nil, err
		}
		out, err = sjson.SetRaw(out, "-1", entry)
		if err != nil {
			return nil, err
		}
	}
	return []byte(out), nil
}

// prependSystemText folds system text into the first content entry's
// parts as a leading text block, for Gemma-family models.
func prependSystemText(contents []byte, system string) ([]byte, error) {
	if !gjson.GetBytes(contents, "0").Exists() {
		entry, err := sjson.Set(`{"role":"user","parts":[]}`, "parts.-1.text", system)
		if err != nil {
			return nil, err
		}
		return sjson.SetRawBytes(contents, "-1", []byte(entry))
	}
	parts := "[" + mustSet(`{}`, "text", system)
	for _, p := range gjson.GetBytes(contents, "0.parts").Array() {
		parts += "," + p.Raw
	}
	return sjson.SetRawBytes(contents, "0.parts", []byte(parts+"]"))
}

func mustSet(json, path string, value any) string {
	out, _ := sjson.Set(json, path, value)
	return out
}

func renderToolChoice(tc *translate.ToolChoice) ([]byte, error) {
	switch tc.Mode {
	case translate.ToolChoiceNone:
		return []byte(`{"mode":"NONE"}`), nil
	case translate.ToolChoiceRequired:
		return []byte(`{"mode":"ANY"}`), nil
	case translate.ToolChoiceNamed:
		out, err := sjson.Set(`{"mode":"ANY"}`, "allowedFunctionNames.-1", tc.Name)
		return []byte(out), err
	default:
		return []byte(`{"mode":"AUTO"}`), nil
	}
}

func (*Dialect) ParseResponse(raw []byte) (*translate.GenerateResponse, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("google: invalid response JSON")
	}
	root := gjson.ParseBytes(raw)
	candidate := root.Get("candidates.0")
	msg := parseContent(candidate.Get("content"))
	msg.Role = translate.RoleAssistant

	hasToolCalls := false
	for _, p := range msg.Content {
		if p.Kind == translate.ContentToolCall {
			hasToolCalls = true
		}
	}

	return &translate.GenerateResponse{
		Model:        root.Get("modelVersion").String(),
		Message:      msg,
		FinishReason: mapFinishReason(candidate.Get("finishReason").String(), hasToolCalls),
		Usage: translate.Usage{
			InputTokens:  root.Get("usageMetadata.promptTokenCount").Int(),
			OutputTokens: root.Get("usageMetadata.candidatesTokenCount").Int(),
			TotalTokens:  root.Get("usageMetadata.totalTokenCount").Int(),
		},
	}, nil
}

func mapFinishReason(r string, hasToolCalls bool) translate.FinishReason {
	switch r {
	case "STOP":
		if hasToolCalls {
			return translate.FinishToolCalls
		}
		return translate.FinishStop
	case "MAX_TOKENS":
		return translate.FinishLength
	case "SAFETY", "RECITATION":
		return translate.FinishContentFilter
	default:
		return translate.FinishStop
	}
}

func renderFinishReason(f translate.FinishReason) string {
	switch f {
	case translate.FinishLength:
		return "MAX_TOKENS"
	case translate.FinishContentFilter:
		return "SAFETY"
	default:
		return "STOP"
	}
}

func (d *Dialect) RenderResponse(resp *translate.GenerateResponse) ([]byte, error) {
	content, err := renderContents([]translate.Message{resp.Message})
	if err != nil {
		return nil, err
	}
	out, err := sjson.SetRaw("{}", "candidates.0.content", gjson.GetBytes(content, "0").Raw)
	if err != nil {
		return nil, err
	}
	out, err = sjson.Set(out, "candidates.0.finishReason", renderFinishReason(resp.FinishReason))
	if err != nil {
		return nil, err
	}
	out, err = sjson.Set(out, "modelVersion", resp.Model)
	if err != nil {
		return nil, err
	}
	out, err = sjson.Set(out, "usageMetadata.promptTokenCount", resp.Usage.InputTokens)
	if err != nil {
		return nil, err
	}
	out, err = sjson.Set(out, "usageMetadata.candidatesTokenCount", resp.Usage.OutputTokens)
	if err != nil {
		return nil, err
	}
	out, err = sjson.Set(out, "usageMetadata.totalTokenCount", resp.Usage.TotalTokens)
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

// StreamDecoder reads Gemini's SSE stream of incremental
// GenerateContentResponse objects (the wire format is the same shape as
// ParseResponse, repeated per chunk, unlike OpenAI/Anthropic's delta
// events).
func (*Dialect) StreamDecoder(body io.Reader) translate.StreamDecoder {
	return &streamDecoder{r: sse.NewReader(body)}
}

type streamDecoder struct {
	r           *sse.Reader
	emittedText bool
}

func (d *streamDecoder) Next(ctx context.Context) (*translate.StreamChunk, error) {
	data, err := d.r.Next()
	if err != nil {
		return nil, err
	}
	if !gjson.Valid(data) {
		return nil, fmt.Errorf("google: invalid stream chunk JSON")
	}
	root := gjson.Parse(data)
	candidate := root.Get("candidates.0")

	if finish := candidate.Get("finishReason"); finish.Exists() && finish.String() != "" {
		hasToolCalls := false
		for _, p := range candidate.Get("content.parts").Array() {
			if p.Get("functionCall").Exists() {
				hasToolCalls = true
			}
		}
		return &translate.StreamChunk{
			Kind:         translate.ChunkFinish,
			FinishReason: mapFinishReason(finish.String(), hasToolCalls),
			Usage: &translate.Usage{
				InputTokens:  root.Get("usageMetadata.promptTokenCount").Int(),
				OutputTokens: root.Get("usageMetadata.candidatesTokenCount").Int(),
				TotalTokens:  root.Get("usageMetadata.totalTokenCount").Int(),
			},
		}, nil
	}

	part := candidate.Get("content.parts.0")
	if fc := part.Get("functionCall"); fc.Exists() {
		return &translate.StreamChunk{
			Kind:                   translate.ChunkToolCallDelta,
			ToolName:               fc.Get("name").String(),
			ToolArgumentsJSONDelta: fc.Get("args").Raw,
		}, nil
	}
	return &translate.StreamChunk{Kind: translate.ChunkTextDelta, TextDelta: part.Get("text").String()}, nil
}

func (*Dialect) StreamEncoder(w io.Writer) translate.StreamEncoder {
	return &streamEncoder{w: sse.NewWriter(w)}
}

type streamEncoder struct {
	w *sse.Writer
}

func (e *streamEncoder) Encode(chunk *translate.StreamChunk) error {
	// ChunkError aborts the response rather than rendering as an event;
	// ChunkWarning and the standalone ChunkToolCallStart have no Google
	// wire slot (Google's functionCall arrives whole, never as a
	// start-then-delta pair), and ChunkResponseId has no candidate-level
	// id field to carry it.
	switch chunk.Kind {
	case translate.ChunkError, translate.ChunkWarning, translate.ChunkToolCallStart, translate.ChunkResponseId:
		return nil
	}
	out := "{}"
	var err error
	switch chunk.Kind {
	case translate.ChunkTextDelta, translate.ChunkReasoningDelta:
		out, err = sjson.Set(out, "candidates.0.content.parts.0.text", chunk.TextDelta+chunk.ReasoningDelta)
	case translate.ChunkToolCallDelta:
		out, err = sjson.Set(out, "candidates.0.content.parts.0.functionCall.name", chunk.ToolName)
		if err == nil {
			out, err = sjson.SetRaw(out, "candidates.0.content.parts.0.functionCall.args", orEmptyObject(chunk.ToolArgumentsJSONDelta))
		}
	case translate.ChunkFinish:
		out, err = sjson.Set(out, "candidates.0.finishReason", renderFinishReason(chunk.FinishReason))
		if err == nil && chunk.Usage != nil {
			out, err = sjson.Set(out, "usageMetadata.totalTokenCount", chunk.Usage.TotalTokens)
		}
	}
	if err != nil {
		return err
	}
	return e.w.WriteEvent(out)
}

func (e *streamEncoder) Close() error {
	return nil
}

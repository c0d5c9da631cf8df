// Package openai implements translate.Dialect for the OpenAI chat
// completions wire format — the gateway's native dialect and the one every
// other provider's requests and responses are compared against.
//
// Field extraction uses gjson/sjson rather than a hand-rolled struct tree:
// the teacher's internal/apischema/openai package takes the struct-tree
// approach for its Envoy-coupled translators, but this gateway only needs
// to read and write a handful of top-level fields per request, so surgical
// JSON access (the same library the teacher's cohere rerank translator and
// guardrail text filters use) keeps this dialect small. ParseRequest reads
// only the fields it recognizes; other request fields are not carried into
// the neutral request, and ProviderOptions is left unset.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/envoyproxy/llmgw/internal/sse"
	"github.com/envoyproxy/llmgw/internal/translate"
)

// Dialect implements translate.Dialect for OpenAI's /v1/chat/completions
// wire format.
type Dialect struct{}

// New returns the OpenAI dialect.
func New() *Dialect { return &Dialect{} }

func (*Dialect) Name() string { return "openai" }

// ParseRequest decodes an OpenAI chat-completions request body.
func (*Dialect) ParseRequest(raw []byte) (*translate.GenerateRequest, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("openai: invalid request JSON")
	}
	root := gjson.ParseBytes(raw)

	req := &translate.GenerateRequest{
		Model: root.Get("model").String(),
		Stream: root.Get("stream").Bool(),
	}

	for _, m := range root.Get("messages").Array() {
		role := m.Get("role").String()
		if role == "system" || role == "developer" {
			req.System = appendSystem(req.System, m.Get("content").String())
			continue
		}
		req.Messages = append(req.Messages, parseMessage(m))
	}

	if v := root.Get("max_completion_tokens"); v.Exists() {
		req.MaxOutputTokens = int(v.Int())
	} else if v := root.Get("max_tokens"); v.Exists() {
		req.MaxOutputTokens = int(v.Int())
	}
	if v := root.Get("temperature"); v.Exists() {
		f := v.Float()
		req.Temperature = &f
	}
	if v := root.Get("top_p"); v.Exists() {
		f := v.Float()
		req.TopP = &f
	}
	if v := root.Get("stop"); v.Exists() {
		if v.IsArray() {
			for _, s := range v.Array() {
				req.StopSequences = append(req.StopSequences, s.String())
			}
		} else {
			req.StopSequences = append(req.StopSequences, v.String())
		}
	}
	if v := root.Get("service_tier"); v.Exists() {
		req.ServiceTier = v.String()
	}
	if v := root.Get("user"); v.Exists() {
		req.User = v.String()
	}

	for _, t := range root.Get("tools").Array() {
		fn := t.Get("function")
		req.Tools = append(req.Tools, translate.Tool{
			Name:                 fn.Get("name").String(),
			Description:          fn.Get("description").String(),
			ParametersJSONSchema: []byte(fn.Get("parameters").Raw),
		})
	}
	if tc := root.Get("tool_choice"); tc.Exists() {
		req.ToolChoice = parseToolChoice(tc)
	}
	if rf := root.Get("response_format"); rf.Exists() {
		req.ResponseFormat = parseResponseFormat(rf)
	}

	return req, nil
}

func appendSystem(existing, add string) string {
	if existing == "" {
		return add
	}
	return existing + "\n" + add
}

// parseMessage decodes a non-system message. Callers must route system and
// developer-role messages to the GenerateRequest.System field before
// calling this, since the neutral model has no per-turn system role.
func parseMessage(m gjson.Result) translate.Message {
	role := m.Get("role").String()
	name := m.Get("name").String()

	var parts []translate.ContentPart
	content := m.Get("content")
	if content.Type == gjson.String {
		parts = append(parts, translate.ContentPart{Kind: translate.ContentText, Text: content.String()})
	} else if content.IsArray() {
		for _, c := range content.Array() {
			parts = append(parts, parseContentPart(c))
		}
	}

	for _, tc := range m.Get("tool_calls").Array() {
		parts = append(parts, translate.ContentPart{
			Kind:              translate.ContentToolCall,
			ToolCallID:        tc.Get("id").String(),
			ToolName:          tc.Get("function.name").String(),
			ToolArgumentsJSON: tc.Get("function.arguments").String(),
		})
	}
	if role == "tool" {
		parts = append(parts, translate.ContentPart{
			Kind:           translate.ContentToolResult,
			ToolResultID:   m.Get("tool_call_id").String(),
			ToolResultJSON: content.Raw,
		})
	}

	return translate.Message{Role: translate.Role(role), Content: parts, Name: name}
}

func parseContentPart(c gjson.Result) translate.ContentPart {
	switch c.Get("type").String() {
	case "image_url":
		return translate.ContentPart{Kind: translate.ContentImage, MediaURL: c.Get("image_url.url").String()}
	case "input_audio":
		return translate.ContentPart{
			Kind:          translate.ContentAudio,
			MediaBase64:   c.Get("input_audio.data").String(),
			MediaMIMEType: "audio/" + c.Get("input_audio.format").String(),
		}
	default:
		return translate.ContentPart{Kind: translate.ContentText, Text: c.Get("text").String()}
	}
}

func parseToolChoice(tc gjson.Result) *translate.ToolChoice {
	if tc.Type == gjson.String {
		switch tc.String() {
		case "none":
			return &translate.ToolChoice{Mode: translate.ToolChoiceNone}
		case "required":
			return &translate.ToolChoice{Mode: translate.ToolChoiceRequired}
		default:
			return &translate.ToolChoice{Mode: translate.ToolChoiceAuto}
		}
	}
	return &translate.ToolChoice{Mode: translate.ToolChoiceNamed, Name: tc.Get("function.name").String()}
}

func parseResponseFormat(rf gjson.Result) *translate.ResponseFormat {
	switch rf.Get("type").String() {
	case "json_object":
		return &translate.ResponseFormat{Kind: translate.ResponseFormatJSONObject}
	case "json_schema":
		js := rf.Get("json_schema")
		return &translate.ResponseFormat{
			Kind:             translate.ResponseFormatJSONSchema,
			JSONSchema:       []byte(js.Get("schema").Raw),
			JSONSchemaName:   js.Get("name").String(),
			JSONSchemaStrict: js.Get("strict").Bool(),
		}
	default:
		return &translate.ResponseFormat{Kind: translate.ResponseFormatText}
	}
}

// RenderRequest encodes req back into OpenAI's wire request shape.
func (*Dialect) RenderRequest(req *translate.GenerateRequest) ([]byte, error) {
	out := []byte("{}")
	var err error
	set := func(path string, value any) {
		if err != nil {
			return
		}
		out, err = sjson.SetBytes(out, path, value)
	}

	set("model", req.Model)
	set("stream", req.Stream)
	if req.MaxOutputTokens > 0 {
		set("max_completion_tokens", req.MaxOutputTokens)
	}
	if req.Temperature != nil {
		set("temperature", *req.Temperature)
	}
	if req.TopP != nil {
		set("top_p", *req.TopP)
	}
	if len(req.StopSequences) > 0 {
		set("stop", req.StopSequences)
	}
	if req.ServiceTier != "" {
		set("service_tier", req.ServiceTier)
	}
	if req.User != "" {
		set("user", req.User)
	}

	messages := renderMessages(req)
	if err == nil {
		out, err = sjson.SetRawBytes(out, "messages", messages)
	}

	if len(req.Tools) > 0 {
		tools, terr := renderTools(req.Tools)
		if terr != nil {
			return nil, terr
		}
		if err == nil {
			out, err = sjson.SetRawBytes(out, "tools", tools)
		}
	}
	if req.ToolChoice != nil {
		tc, terr := renderToolChoice(req.ToolChoice)
		if terr != nil {
			return nil, terr
		}
		if err == nil {
			out, err = sjson.SetRawBytes(out, "tool_choice", tc)
		}
	}
	if req.ResponseFormat != nil {
		rf, rerr := renderResponseFormat(req.ResponseFormat)
		if rerr != nil {
			return nil, rerr
		}
		if err == nil {
			out, err = sjson.SetRawBytes(out, "response_format", rf)
		}
	}

	if err != nil {
		return nil, err
	}
	return out, nil
}

func renderMessages(req *translate.GenerateRequest) []byte {
	out := []byte("[]")
	if req.System != "" {
		sys, _ := sjson.Set("{}", "role", "system")
		sys, _ = sjson.Set(sys, "content", req.System)
		out, _ = sjson.SetRaw(out, "-1", sys)
	}
	for _, m := range req.Messages {
		entry, _ := sjson.Set("{}", "role", string(m.Role))
		if m.Name != "" {
			entry, _ = sjson.Set(entry, "name", m.Name)
		}
		entry = renderMessageContent(entry, m)
		out, _ = sjson.SetRaw(out, "-1", entry)
	}
	return []byte(out)
}

func renderMessageContent(entry string, m translate.Message) string {
	var toolCalls []byte
	var textParts []string
	for _, p := range m.Content {
		switch p.Kind {
		case translate.ContentText:
			textParts = append(textParts, p.Text)
		case translate.ContentToolCall:
			tc, _ := sjson.Set("{}", "id", p.ToolCallID)
			tc, _ = sjson.Set(tc, "type", "function")
			tc, _ = sjson.Set(tc, "function.name", p.ToolName)
			tc, _ = sjson.SetRaw(tc, "function.arguments", quoteJSON(p.ToolArgumentsJSON))
			if toolCalls == nil {
				toolCalls = []byte("[]")
			}
			toolCalls, _ = sjson.SetRawBytes(toolCalls, "-1", []byte(tc))
		case translate.ContentToolResult:
			entry, _ = sjson.Set(entry, "tool_call_id", p.ToolResultID)
			entry, _ = sjson.SetRaw(entry, "content", p.ToolResultJSON)
		case translate.ContentImage:
			entry, _ = sjson.Set(entry, "content.-1.type", "image_url")
			entry, _ = sjson.Set(entry, "content.-1.image_url.url", p.MediaURL)
		}
	}
	if len(textParts) > 0 {
		joined := ""
		for i, t := range textParts {
			if i > 0 {
				joined += "\n"
			}
			joined += t
		}
		entry, _ = sjson.Set(entry, "content", joined)
	}
	if toolCalls != nil {
		entry, _ = sjson.SetRawBytes([]byte(entry), "tool_calls", toolCalls)
	}
	return entry
}

func quoteJSON(raw string) string {
	b, err := json.Marshal(raw)
	if err != nil {
		return `""`
	}
	return string(b)
}

func renderTools(tools []translate.Tool) ([]byte, error) {
	out := []byte("[]")
	for _, t := range tools {
		entry, err := sjson.Set("{}", "type", "function")
		if err != nil {
			return nil, err
		}
		entry, err = sjson.Set(entry, "function.name", t.Name)
		if err != nil {
			return nil, err
		}
		if t.Description != "" {
			entry, err = sjson.Set(entry, "function.description", t.Description)
			if err != nil {
				return nil, err
			}
		}
		if len(t.ParametersJSONSchema) > 0 {
			entry, err = sjson.SetRaw(entry, "function.parameters", string(t.ParametersJSONSchema))
			if err != nil {
				return nil, err
			}
		}
		out, err = sjson.SetRawBytes(out, "-1", []byte(entry))
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func renderToolChoice(tc *translate.ToolChoice) ([]byte, error) {
	switch tc.Mode {
	case translate.ToolChoiceNone:
		return []byte(`"none"`), nil
	case translate.ToolChoiceRequired:
		return []byte(`"required"`), nil
	case translate.ToolChoiceNamed:
		out, err := sjson.Set(`{"type":"function"}`, "function.name", tc.Name)
		return []byte(out), err
	default:
		return []byte(`"auto"`), nil
	}
}

func renderResponseFormat(rf *translate.ResponseFormat) ([]byte, error) {
	switch rf.Kind {
	case translate.ResponseFormatJSONObject:
		return []byte(`{"type":"json_object"}`), nil
	case translate.ResponseFormatJSONSchema:
		out, err := sjson.Set(`{"type":"json_schema"}`, "json_schema.name", rf.JSONSchemaName)
		if err != nil {
			return nil, err
		}
		out, err = sjson.Set(out, "json_schema.strict", rf.JSONSchemaStrict)
		if err != nil {
			return nil, err
		}
		out, err = sjson.SetRaw(out, "json_schema.schema", string(rf.JSONSchema))
		return []byte(out), err
	default:
		return []byte(`{"type":"text"}`), nil
	}
}

// ParseResponse decodes a non-streamed chat-completions response.
func (*Dialect) ParseResponse(raw []byte) (*translate.GenerateResponse, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("openai: invalid response JSON")
	}
	root := gjson.ParseBytes(raw)
	choice := root.Get("choices.0")

	msg := parseMessage(choice.Get("message"))
	msg.Role = translate.RoleAssistant

	return &translate.GenerateResponse{
		ID:           root.Get("id").String(),
		Model:        root.Get("model").String(),
		Message:      msg,
		FinishReason: mapFinishReason(choice.Get("finish_reason").String()),
		Usage: translate.Usage{
			InputTokens:  root.Get("usage.prompt_tokens").Int(),
			OutputTokens: root.Get("usage.completion_tokens").Int(),
			TotalTokens:  root.Get("usage.total_tokens").Int(),
		},
	}, nil
}

func mapFinishReason(r string) translate.FinishReason {
	switch r {
	case "length":
		return translate.FinishLength
	case "tool_calls":
		return translate.FinishToolCalls
	case "content_filter":
		return translate.FinishContentFilter
	case "":
		return translate.FinishStop
	default:
		return translate.FinishStop
	}
}

// RenderResponse encodes resp into OpenAI's wire response shape.
func (*Dialect) RenderResponse(resp *translate.GenerateResponse) ([]byte, error) {
	out, err := sjson.Set("{}", "id", resp.ID)
	if err != nil {
		return nil, err
	}
	out, err = sjson.Set(out, "object", "chat.completion")
	if err != nil {
		return nil, err
	}
	out, err = sjson.Set(out, "model", resp.Model)
	if err != nil {
		return nil, err
	}
	out, err = sjson.Set(out, "choices.0.index", 0)
	if err != nil {
		return nil, err
	}
	out, err = sjson.Set(out, "choices.0.finish_reason", renderFinishReason(resp.FinishReason))
	if err != nil {
		return nil, err
	}

	content := renderMessageContent(`{"role":"assistant"}`, resp.Message)
	out, err = sjson.SetRaw(out, "choices.0.message", content)
	if err != nil {
		return nil, err
	}

	out, err = sjson.Set(out, "usage.prompt_tokens", resp.Usage.InputTokens)
	if err != nil {
		return nil, err
	}
	out, err = sjson.Set(out, "usage.completion_tokens", resp.Usage.OutputTokens)
	if err != nil {
		return nil, err
	}
	out, err = sjson.Set(out, "usage.total_tokens", resp.Usage.TotalTokens)
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

func renderFinishReason(f translate.FinishReason) string {
	switch f {
	case translate.FinishLength:
		return "length"
	case translate.FinishToolCalls:
		return "tool_calls"
	case translate.FinishContentFilter:
		return "content_filter"
	default:
		return "stop"
	}
}

// StreamDecoder reads OpenAI's SSE chat-completion-chunk stream.
func (*Dialect) StreamDecoder(body io.Reader) translate.StreamDecoder {
	return &streamDecoder{r: sse.NewReader(body)}
}

type streamDecoder struct {
	r *sse.Reader
}

func (d *streamDecoder) Next(ctx context.Context) (*translate.StreamChunk, error) {
	data, err := d.r.Next()
	if err != nil {
		return nil, err
	}
	if !gjson.Valid(data) {
		return nil, fmt.Errorf("openai: invalid stream chunk JSON")
	}
	root := gjson.Parse(data)
	choice := root.Get("choices.0")
	delta := choice.Get("delta")

	if finish := choice.Get("finish_reason"); finish.Exists() && finish.String() != "" {
		chunk := &translate.StreamChunk{Kind: translate.ChunkFinish, FinishReason: mapFinishReason(finish.String())}
		if usage := root.Get("usage"); usage.Exists() {
			chunk.Usage = &translate.Usage{
				InputTokens:  usage.Get("prompt_tokens").Int(),
				OutputTokens: usage.Get("completion_tokens").Int(),
				TotalTokens:  usage.Get("total_tokens").Int(),
			}
		}
		return chunk, nil
	}

	if tc := delta.Get("tool_calls.0"); tc.Exists() {
		return &translate.StreamChunk{
			Kind:                   translate.ChunkToolCallDelta,
			ToolCallID:             tc.Get("id").String(),
			ToolName:               tc.Get("function.name").String(),
			ToolArgumentsJSONDelta: tc.Get("function.arguments").String(),
		}, nil
	}

	return &translate.StreamChunk{Kind: translate.ChunkTextDelta, TextDelta: delta.Get("content").String()}, nil
}

// StreamEncoder renders neutral chunks back into OpenAI's
// chat-completion-chunk SSE format.
func (*Dialect) StreamEncoder(w io.Writer) translate.StreamEncoder {
	return &streamEncoder{w: sse.NewWriter(w)}
}

type streamEncoder struct {
	w *sse.Writer
}

func (e *streamEncoder) Encode(chunk *translate.StreamChunk) error {
	// ChunkError is surfaced by the caller aborting the HTTP response, not
	// as a wire event; ChunkWarning is a server-side diagnostic with no
	// OpenAI wire slot to carry it in.
	if chunk.Kind == translate.ChunkError || chunk.Kind == translate.ChunkWarning {
		return nil
	}
	out := `{"object":"chat.completion.chunk"}`
	var err error
	switch chunk.Kind {
	case translate.ChunkResponseId:
		out, err = sjson.Set(out, "id", chunk.ResponseId)
	case translate.ChunkTextDelta:
		out, err = sjson.Set(out, "choices.0.delta.content", chunk.TextDelta)
	case translate.ChunkReasoningDelta:
		out, err = sjson.Set(out, "choices.0.delta.reasoning_content", chunk.ReasoningDelta)
	case translate.ChunkToolCallStart:
		out, err = sjson.Set(out, "choices.0.delta.tool_calls.0.id", chunk.ToolCallID)
		if err == nil {
			out, err = sjson.Set(out, "choices.0.delta.tool_calls.0.function.name", chunk.ToolName)
		}
	case translate.ChunkToolCallDelta:
		out, err = sjson.Set(out, "choices.0.delta.tool_calls.0.id", chunk.ToolCallID)
		if err == nil {
			out, err = sjson.Set(out, "choices.0.delta.tool_calls.0.function.name", chunk.ToolName)
		}
		if err == nil {
			out, err = sjson.Set(out, "choices.0.delta.tool_calls.0.function.arguments", chunk.ToolArgumentsJSONDelta)
		}
	case translate.ChunkFinish:
		out, err = sjson.Set(out, "choices.0.finish_reason", renderFinishReason(chunk.FinishReason))
		if err == nil && chunk.Usage != nil {
			out, err = sjson.Set(out, "usage.prompt_tokens", chunk.Usage.InputTokens)
			if err == nil {
				out, err = sjson.Set(out, "usage.completion_tokens", chunk.Usage.OutputTokens)
			}
			if err == nil {
				out, err = sjson.Set(out, "usage.total_tokens", chunk.Usage.TotalTokens)
			}
		}
	}
	if err != nil {
		return err
	}
	if err := e.w.WriteEvent(out); err != nil {
		return err
	}
	e.w.FlushIfPossible()
	return nil
}

func (e *streamEncoder) Close() error {
	return e.w.WriteDone()
}

// Package anthropic implements translate.Dialect for the Anthropic Messages
// wire format, grounded on
// _examples/original_source/src/providers/anthropic.rs: system is a
// top-level string field joined from the leading system-role messages
// (Anthropic has no per-turn system role), tool_choice is {"type":"auto"
// |"any"|"tool","name":...}, and stop_reason maps end_turn->stop,
// max_tokens->length, tool_use->tool_calls.
package anthropic

import (
	"context"
	"fmt"
	"io"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/envoyproxy/llmgw/internal/sse"
	"github.com/envoyproxy/llmgw/internal/translate"
	"github.com/envoyproxy/llmgw/internal/translate/schema"
)

// Dialect implements translate.Dialect for Anthropic's /v1/messages wire
// format.
type Dialect struct{}

// New returns the Anthropic dialect.
func New() *Dialect { return &Dialect{} }

func (*Dialect) Name() string { return "anthropic" }

func (*Dialect) ParseRequest(raw []byte) (*translate.GenerateRequest, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("anthropic: invalid request JSON")
	}
	root := gjson.ParseBytes(raw)

	req := &translate.GenerateRequest{
		Model:           root.Get("model").String(),
		System:          root.Get("system").String(),
		MaxOutputTokens: int(root.Get("max_tokens").Int()),
		Stream:          root.Get("stream").Bool(),
	}
	if v := root.Get("temperature"); v.Exists() {
		f := v.Float()
		req.Temperature = &f
	}
	if v := root.Get("top_p"); v.Exists() {
		f := v.Float()
		req.TopP = &f
	}
	for _, s := range root.Get("stop_sequences").Array() {
		req.StopSequences = append(req.StopSequences, s.String())
	}

	for _, m := range root.Get("messages").Array() {
		req.Messages = append(req.Messages, parseMessage(m))
	}

	for _, t := range root.Get("tools").Array() {
		req.Tools = append(req.Tools, translate.Tool{
			Name:                 t.Get("name").String(),
			Description:          t.Get("description").String(),
			ParametersJSONSchema: []byte(t.Get("input_schema").Raw),
		})
	}
	if tc := root.Get("tool_choice"); tc.Exists() {
		req.ToolChoice = parseToolChoice(tc)
	}

	return req, nil
}

func parseMessage(m gjson.Result) translate.Message {
	role := translate.Role(m.Get("role").String())
	var parts []translate.ContentPart

	content := m.Get("content")
	if content.Type == gjson.String {
		parts = append(parts, translate.ContentPart{Kind: translate.ContentText, Text: content.String()})
	} else {
		for _, c := range content.Array() {
			switch c.Get("type").String() {
			case "text":
				parts = append(parts, translate.ContentPart{Kind: translate.ContentText, Text: c.Get("text").String()})
			case "tool_use":
				parts = append(parts, translate.ContentPart{
					Kind:              translate.ContentToolCall,
					ToolCallID:        c.Get("id").String(),
					ToolName:          c.Get("name").String(),
					ToolArgumentsJSON: c.Get("input").Raw,
				})
			case "tool_result":
				parts = append(parts, translate.ContentPart{
					Kind:           translate.ContentToolResult,
					ToolResultID:   c.Get("tool_use_id").String(),
					ToolResultJSON: toolResultText(c),
					ToolIsError:    c.Get("is_error").Bool(),
				})
			case "image":
				parts = append(parts, translate.ContentPart{
					Kind:          translate.ContentImage,
					MediaBase64:   c.Get("source.data").String(),
					MediaMIMEType: c.Get("source.media_type").String(),
				})
			}
		}
	}

	return translate.Message{Role: role, Content: parts}
}

func toolResultText(c gjson.Result) string {
	content := c.Get("content")
	if content.Type == gjson.String {
		return content.Raw
	}
	return content.Raw
}

func parseToolChoice(tc gjson.Result) *translate.ToolChoice {
	switch tc.Get("type").String() {
	case "any":
		return &translate.ToolChoice{Mode: translate.ToolChoiceRequired}
	case "tool":
		return &translate.ToolChoice{Mode: translate.ToolChoiceNamed, Name: tc.Get("name").String()}
	case "none":
		return &translate.ToolChoice{Mode: translate.ToolChoiceNone}
	default:
		return &translate.ToolChoice{Mode: translate.ToolChoiceAuto}
	}
}

func (*Dialect) RenderRequest(req *translate.GenerateRequest) ([]byte, error) {
	out, err := sjson.Set("{}", "model", req.Model)
	if err != nil {
		return nil, err
	}
	out, err = sjson.Set(out, "max_tokens", req.MaxOutputTokens)
	if err != nil {
		return nil, err
	}
	out, err = sjson.Set(out, "stream", req.Stream)
	if err != nil {
		return nil, err
	}
	// Anthropic has no native JSON-schema-constrained decoding slot, so a
	// json_schema response format is synthesized as either a forced tool
	// call (the default, and what an explicit NativeSchema request falls
	// back to here) or a system-prompt instruction, per spec.md §4.4's
	// structured-output strategies.
	effectiveSystem := req.System
	effectiveTools := req.Tools
	effectiveToolChoice := req.ToolChoice
	if req.ResponseFormat != nil && req.ResponseFormat.Kind == translate.ResponseFormatJSONSchema {
		if schema.Resolve(false, req.ResponseFormat) == translate.StrategyTextJSON {
			effectiveSystem += schema.SystemPromptSuffix(req.ResponseFormat)
		} else {
			effectiveTools = append(append([]translate.Tool{}, effectiveTools...), schema.SyntheticTool(req.ResponseFormat))
			effectiveToolChoice = schema.SyntheticToolChoice()
		}
	}

	if effectiveSystem != "" {
		out, err = sjson.Set(out, "system", effectiveSystem)
		if err != nil {
			return nil, err
		}
	}
	if req.Temperature != nil {
		out, err = sjson.Set(out, "temperature", *req.Temperature)
		if err != nil {
			return nil, err
		}
	}
	if req.TopP != nil {
		out, err = sjson.Set(out, "top_p", *req.TopP)
		if err != nil {
			return nil, err
		}
	}
	if len(req.StopSequences) > 0 {
		out, err = sjson.Set(out, "stop_sequences", req.StopSequences)
		if err != nil {
			return nil, err
		}
	}

	messages, err := renderMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	out, err = sjson.SetRaw(out, "messages", string(messages))
	if err != nil {
		return nil, err
	}

	if len(effectiveTools) > 0 {
		tools, terr := renderTools(effectiveTools)
		if terr != nil {
			return nil, terr
		}
		out, err = sjson.SetRaw(out, "tools", string(tools))
		if err != nil {
			return nil, err
		}
	}
	if effectiveToolChoice != nil {
		tc, terr := renderToolChoice(effectiveToolChoice)
		if terr != nil {
			return nil, terr
		}
		out, err = sjson.SetRaw(out, "tool_choice", string(tc))
		if err != nil {
			return nil, err
		}
	}

	return []byte(out), nil
}

func renderMessages(messages []translate.Message) ([]byte, error) {
	out := "[]"
	var err error
	for _, m := range messages {
		entry := `{}`
		entry, err = sjson.Set(entry, "role", string(m.Role))
		if err != nil {
			return nil, err
		}
		content := "[]"
		for _, p := range m.Content {
			block := "{}"
			switch p.Kind {
			case translate.ContentText:
				block, err = sjson.Set(block, "type", "text")
				if err == nil {
					block, err = sjson.Set(block, "text", p.Text)
				}
			case translate.ContentToolCall:
				block, err = sjson.Set(block, "type", "tool_use")
				if err == nil {
					block, err = sjson.Set(block, "id", p.ToolCallID)
				}
				if err == nil {
					block, err = sjson.Set(block, "name", p.ToolName)
				}
				if err == nil {
					block, err = sjson.SetRaw(block, "input", orEmptyObject(p.ToolArgumentsJSON))
				}
			case translate.ContentToolResult:
				block, err = sjson.Set(block, "type", "tool_result")
				if err == nil {
					block, err = sjson.Set(block, "tool_use_id", p.ToolResultID)
				}
				if err == nil {
					block, err = sjson.Set(block, "content", p.ToolResultJSON)
				}
				if err == nil && p.ToolIsError {
					block, err = sjson.Set(block, "is_error", true)
				}
			case translate.ContentImage:
				block, err = sjson.Set(block, "type", "image")
				if err == nil {
					block, err = sjson.Set(block, "source.type", "base64")
				}
				if err == nil {
					block, err = sjson.Set(block, "source.media_type", p.MediaMIMEType)
				}
				if err == nil {
					block, err = sjson.Set(block, "source.data", p.MediaBase64)
				}
			}
			if err != nil {
				return nil, err
			}
			content, err = sjson.SetRaw(content, "-1", block)
			if err != nil {
				return nil, err
			}
		}
		entry, err = sjson.SetRaw(entry, "content", content)
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

func orEmptyObject(raw string) string {
	if raw == "" {
		return "{}"
	}
	return raw
}

func renderTools(tools []translate.Tool) ([]byte, error) {
	out := "[]"
	for _, t := range tools {
		entry, err := sjson.Set("{}", "name", t.Name)
		if err != nil {
			return nil, err
		}
		if t.Description != "" {
			entry, err = sjson.Set(entry, "description", t.Description)
			if err != nil {
				return nil, err
			}
		}
		entry, err = sjson.SetRaw(entry, "input_schema", orEmptyObject(string(t.ParametersJSONSchema)))
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

func renderToolChoice(tc *translate.ToolChoice) ([]byte, error) {
	switch tc.Mode {
	case translate.ToolChoiceNone:
		return []byte(`{"type":"none"}`), nil
	case translate.ToolChoiceRequired:
		return []byte(`{"type":"any"}`), nil
	case translate.ToolChoiceNamed:
		out, err := sjson.Set(`{"type":"tool"}`, "name", tc.Name)
		return []byte(out), err
	default:
		return []byte(`{"type":"auto"}`), nil
	}
}

func (*Dialect) ParseResponse(raw []byte) (*translate.GenerateResponse, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("anthropic: invalid response JSON")
	}
	root := gjson.ParseBytes(raw)
	msg := parseMessage(root)
	msg.Role = translate.RoleAssistant
	finish := mapStopReason(root.Get("stop_reason").String())

	// A forced structured-output tool call (see RenderRequest) is not a
	// real tool the caller asked for; unwrap it back into the plain JSON
	// text a json_schema response format promised.
	if json, ok := schema.ExtractToolCallJSON(&msg); ok {
		msg.Content = []translate.ContentPart{{Kind: translate.ContentText, Text: json}}
		finish = translate.FinishStop
	}

	return &translate.GenerateResponse{
		ID:           root.Get("id").String(),
		Model:        root.Get("model").String(),
		Message:      msg,
		FinishReason: finish,
		Usage: translate.Usage{
			InputTokens:  root.Get("usage.input_tokens").Int(),
			OutputTokens: root.Get("usage.output_tokens").Int(),
			TotalTokens:  root.Get("usage.input_tokens").Int() + root.Get("usage.output_tokens").Int(),
		},
	}, nil
}

func mapStopReason(r string) translate.FinishReason {
	switch r {
	case "end_turn", "stop_sequence":
		return translate.FinishStop
	case "max_tokens":
		return translate.FinishLength
	case "tool_use":
		return translate.FinishToolCalls
	default:
		return translate.FinishStop
	}
}

func renderStopReason(f translate.FinishReason) string {
	switch f {
	case translate.FinishLength:
		return "max_tokens"
	case translate.FinishToolCalls:
		return "tool_use"
	default:
		return "end_turn"
	}
}

func (*Dialect) RenderResponse(resp *translate.GenerateResponse) ([]byte, error) {
	out, err := sjson.Set("{}", "id", resp.ID)
	if err != nil {
		return nil, err
	}
	out, err = sjson.Set(out, "type", "message")
	if err != nil {
		return nil, err
	}
	out, err = sjson.Set(out, "role", "assistant")
	if err != nil {
		return nil, err
	}
	out, err = sjson.Set(out, "model", resp.Model)
	if err != nil {
		return nil, err
	}
	out, err = sjson.Set(out, "stop_reason", renderStopReason(resp.FinishReason))
	if err != nil {
		return nil, err
	}
	content, err := renderMessages([]translate.Message{resp.Message})
	if err != nil {
		return nil, err
	}
	out, err = sjson.SetRaw(out, "content", gjson.GetBytes(content, "0.content").Raw)
	if err != nil {
		return nil, err
	}
	out, err = sjson.Set(out, "usage.input_tokens", resp.Usage.InputTokens)
	if err != nil {
		return nil, err
	}
	out, err = sjson.Set(out, "usage.output_tokens", resp.Usage.OutputTokens)
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

func (*Dialect) StreamDecoder(body io.Reader) translate.StreamDecoder {
	return &streamDecoder{r: sse.NewReader(body)}
}

type streamDecoder struct {
	r              *sse.Reader
	usage          translate.Usage
	blocksByIndex  map[int64]toolBlock
	respIDEmitted  bool
}

// toolBlock tracks one content_block_start(tool_use)'s id/name so later
// content_block_delta events for the same index can be tagged.
type toolBlock struct {
	id   string
	name string
}

// Next decodes Anthropic's multi-event stream (message_start,
// content_block_start/delta/stop, message_delta, message_stop) into the
// neutral chunk protocol, collapsing the multi-event handshake into the
// same text/tool-call/finish/response-id/warning set every other dialect
// emits. A content_block_start(tool_use) surfaces as a standalone
// ChunkToolCallStart before any ChunkToolCallDelta for that block's index;
// an input_json_delta for an index whose tool_use start was never observed
// (a malformed or reordered stream) is dropped with a ChunkWarning instead
// of panicking on the zero-value id.
func (d *streamDecoder) Next(ctx context.Context) (*translate.StreamChunk, error) {
	if d.blocksByIndex == nil {
		d.blocksByIndex = make(map[int64]toolBlock)
	}
	for {
		data, err := d.r.Next()
		if err != nil {
			return nil, err
		}
		if !gjson.Valid(data) {
			continue
		}
		evt := gjson.Parse(data)
		switch evt.Get("type").String() {
		case "message_start":
			if !d.respIDEmitted {
				d.respIDEmitted = true
				if id := evt.Get("message.id").String(); id != "" {
					return &translate.StreamChunk{Kind: translate.ChunkResponseId, ResponseId: id}, nil
				}
			}
		case "content_block_start":
			block := evt.Get("content_block")
			if block.Get("type").String() == "tool_use" {
				idx := evt.Get("index").Int()
				id := block.Get("id").String()
				name := block.Get("name").String()
				d.blocksByIndex[idx] = toolBlock{id: id, name: name}
				return &translate.StreamChunk{Kind: translate.ChunkToolCallStart, ToolCallID: id, ToolName: name}, nil
			}
		case "content_block_delta":
			delta := evt.Get("delta")
			switch delta.Get("type").String() {
			case "text_delta":
				return &translate.StreamChunk{Kind: translate.ChunkTextDelta, TextDelta: delta.Get("text").String()}, nil
			case "thinking_delta":
				return &translate.StreamChunk{Kind: translate.ChunkReasoningDelta, ReasoningDelta: delta.Get("thinking").String()}, nil
			case "input_json_delta":
				idx := evt.Get("index").Int()
				block, seen := d.blocksByIndex[idx]
				if !seen {
					return &translate.StreamChunk{Kind: translate.ChunkWarning, Warning: fmt.Sprintf("tool_call_delta for index %d dropped: no preceding content_block_start", idx)}, nil
				}
				return &translate.StreamChunk{
					Kind:                   translate.ChunkToolCallDelta,
					ToolCallID:             block.id,
					ToolName:               block.name,
					ToolArgumentsJSONDelta: delta.Get("partial_json").String(),
				}, nil
			}
		case "content_block_stop":
			delete(d.blocksByIndex, evt.Get("index").Int())
		case "message_delta":
			d.usage.OutputTokens = evt.Get("usage.output_tokens").Int()
			if stop := evt.Get("delta.stop_reason"); stop.Exists() {
				usage := d.usage
				return &translate.StreamChunk{Kind: translate.ChunkFinish, FinishReason: mapStopReason(stop.String()), Usage: &usage}, nil
			}
		case "message_stop":
			return nil, io.EOF
		}
	}
}

func (*Dialect) StreamEncoder(w io.Writer) translate.StreamEncoder {
	return &streamEncoder{w: sse.NewWriter(w)}
}

type streamEncoder struct {
	w       *sse.Writer
	started bool
}

func (e *streamEncoder) Encode(chunk *translate.StreamChunk) error {
	if !e.started {
		if err := e.w.WriteEvent(`{"type":"message_start"}`); err != nil {
			return err
		}
		if err := e.w.WriteEvent(`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`); err != nil {
			return err
		}
		e.started = true
	}

	switch chunk.Kind {
	case translate.ChunkTextDelta:
		out, err := sjson.Set(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta"}}`, "delta.text", chunk.TextDelta)
		if err != nil {
			return err
		}
		return e.w.WriteEvent(out)
	case translate.ChunkToolCallDelta:
		out, err := sjson.Set(`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta"}}`, "delta.partial_json", chunk.ToolArgumentsJSONDelta)
		if err != nil {
			return err
		}
		return e.w.WriteEvent(out)
	case translate.ChunkFinish:
		if err := e.w.WriteEvent(`{"type":"content_block_stop","index":0}`); err != nil {
			return err
		}
		out, err := sjson.Set(`{"type":"message_delta","delta":{}}`, "delta.stop_reason", renderStopReason(chunk.FinishReason))
		if err != nil {
			return err
		}
		if chunk.Usage != nil {
			out, err = sjson.Set(out, "usage.output_tokens", chunk.Usage.OutputTokens)
			if err != nil {
				return err
			}
		}
		return e.w.WriteEvent(out)
	}
	return nil
}

func (e *streamEncoder) Close() error {
	return e.w.WriteEvent(`{"type":"message_stop"}`)
}

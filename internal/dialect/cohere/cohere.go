// Package cohere implements translate.Dialect for Cohere's v2 chat wire
// format, grounded on _examples/original_source/src/providers/cohere.rs.
// Cohere has no assistant-tool_call-arguments-as-string convention like
// OpenAI's: tool call arguments travel as a JSON-encoded string inside
// function.arguments on both request and response, and tool choice only
// supports REQUIRED/NONE — a named tool choice is approximated by
// filtering the tools list down to the one named tool and forcing
// REQUIRED, same as the original.
package cohere

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/envoyproxy/llmgw/internal/sse"
	"github.com/envoyproxy/llmgw/internal/translate"
)

// Dialect implements translate.Dialect for Cohere's v2 chat format.
type Dialect struct{}

// New returns the Cohere dialect.
func New() *Dialect { return &Dialect{} }

func (*Dialect) Name() string { return "cohere" }

func (*Dialect) ParseRequest(raw []byte) (*translate.GenerateRequest, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("cohere: invalid request JSON")
	}
	root := gjson.ParseBytes(raw)

	req := &translate.GenerateRequest{
		Model:           root.Get("model").String(),
		Stream:          root.Get("stream").Bool(),
		MaxOutputTokens: int(root.Get("max_tokens").Int()),
	}
	if v := root.Get("temperature"); v.Exists() {
		f := v.Float()
		req.Temperature = &f
	}
	if v := root.Get("p"); v.Exists() {
		f := v.Float()
		req.TopP = &f
	}

	for _, m := range root.Get("messages").Array() {
		switch m.Get("role").String() {
		case "system":
			req.System = appendText(req.System, m.Get("content").String())
		case "user":
			req.Messages = append(req.Messages, translate.Message{
				Role:    translate.RoleUser,
				Content: []translate.ContentPart{{Kind: translate.ContentText, Text: m.Get("content").String()}},
			})
		case "assistant":
			req.Messages = append(req.Messages, parseAssistantMessage(m))
		case "tool":
			req.Messages = append(req.Messages, translate.Message{
				Role: translate.RoleTool,
				Content: []translate.ContentPart{{
					Kind:           translate.ContentToolResult,
					ToolResultID:   m.Get("tool_call_id").String(),
					ToolResultJSON: m.Get("content").String(),
				}},
			})
		}
	}

	for _, t := range root.Get("tools").Array() {
		fn := t.Get("function")
		req.Tools = append(req.Tools, translate.Tool{
			Name:                 fn.Get("name").String(),
			Description:          fn.Get("description").String(),
			ParametersJSONSchema: []byte(fn.Get("parameters").Raw),
		})
	}

	switch root.Get("tool_choice").String() {
	case "REQUIRED":
		req.ToolChoice = &translate.ToolChoice{Mode: translate.ToolChoiceRequired}
	case "NONE":
		req.ToolChoice = &translate.ToolChoice{Mode: translate.ToolChoiceNone}
	}

	return req, nil
}

func appendText(existing, add string) string {
	if existing == "" {
		return add
	}
	return existing + "\n" + add
}

func parseAssistantMessage(m gjson.Result) translate.Message {
	var parts []translate.ContentPart
	for _, c := range m.Get("content").Array() {
		if c.Get("type").String() == "text" {
			parts = append(parts, translate.ContentPart{Kind: translate.ContentText, Text: c.Get("text").String()})
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
	return translate.Message{Role: translate.RoleAssistant, Content: parts}
}

func (*Dialect) RenderRequest(req *translate.GenerateRequest) ([]byte, error) {
	out := "{}"
	var err error

	out, err = sjson.Set(out, "model", req.Model)
	if err != nil {
		return nil, err
	}
	if req.Stream {
		out, err = sjson.Set(out, "stream", true)
		if err != nil {
			return nil, err
		}
	}
	if req.MaxOutputTokens > 0 {
		out, err = sjson.Set(out, "max_tokens", req.MaxOutputTokens)
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
		out, err = sjson.Set(out, "p", *req.TopP)
		if err != nil {
			return nil, err
		}
	}

	messages := "[]"
	if req.System != "" {
		messages, err = sjson.SetRaw(messages, "-1", `{"role":"system","content":""}`)
		if err != nil {
			return nil, err
		}
		messages, err = sjson.Set(messages, "0.content", req.System)
		if err != nil {
			return nil, err
		}
	}
	for _, m := range req.Messages {
		entry, merr := renderMessage(m)
		if merr != nil {
			return nil, merr
		}
		messages, err = sjson.SetRaw(messages, "-1", string(entry))
		if err != nil {
			return nil, err
		}
	}
	out, err = sjson.SetRaw(out, "messages", messages)
	if err != nil {
		return nil, err
	}

	tools := req.Tools
	choiceValue := ""
	if req.ToolChoice != nil {
		switch req.ToolChoice.Mode {
		case translate.ToolChoiceNone:
			choiceValue = "NONE"
		case translate.ToolChoiceRequired:
			choiceValue = "REQUIRED"
		case translate.ToolChoiceNamed:
			choiceValue = "REQUIRED"
			tools = filterNamedTool(tools, req.ToolChoice.Name)
		}
	}
	if len(tools) > 0 {
		toolsJSON := "[]"
		for _, t := range tools {
			entry, terr := sjson.Set(`{"type":"function","function":{}}`, "function.name", t.Name)
			if terr != nil {
				return nil, terr
			}
			if t.Description != "" {
				entry, terr = sjson.Set(entry, "function.description", t.Description)
				if terr != nil {
					return nil, terr
				}
			}
			entry, terr = sjson.SetRaw(entry, "function.parameters", orEmptyObject(string(t.ParametersJSONSchema)))
			if terr != nil {
				return nil, terr
			}
			toolsJSON, terr = sjson.SetRaw(toolsJSON, "-1", entry)
			if terr != nil {
				return nil, terr
			}
		}
		out, err = sjson.SetRaw(out, "tools", toolsJSON)
		if err != nil {
			return nil, err
		}
	}
	if choiceValue != "" {
		out, err = sjson.Set(out, "tool_choice", choiceValue)
		if err != nil {
			return nil, err
		}
	}

	return []byte(out), nil
}

func filterNamedTool(tools []translate.Tool, name string) []translate.Tool {
	for _, t := range tools {
		if t.Name == name {
			return []translate.Tool{t}
		}
	}
	return tools
}

func orEmptyObject(raw string) string {
	if raw == "" {
		return "{}"
	}
	return raw
}

func renderMessage(m translate.Message) ([]byte, error) {
	switch m.Role {
	case translate.RoleUser:
		var text strings.Builder
		for _, p := range m.Content {
			if p.Kind == translate.ContentText {
				text.WriteString(p.Text)
			}
		}
		out, err := sjson.Set(`{"role":"user"}`, "content", text.String())
		return []byte(out), err
	case translate.RoleAssistant:
		out := `{"role":"assistant","content":[]}`
		var err error
		var toolCalls []translate.ContentPart
		for _, p := range m.Content {
			switch p.Kind {
			case translate.ContentText:
				block, terr := sjson.Set(`{"type":"text"}`, "text", p.Text)
				if terr != nil {
					return nil, terr
				}
				out, err = sjson.SetRaw(out, "content.-1", block)
				if err != nil {
					return nil, err
				}
			case translate.ContentToolCall:
				toolCalls = append(toolCalls, p)
			}
		}
		if len(toolCalls) > 0 {
			calls := "[]"
			for _, tc := range toolCalls {
				entry, terr := sjson.Set(`{"type":"tool_call","function":{}}`, "id", tc.ToolCallID)
				if terr != nil {
					return nil, terr
				}
				entry, terr = sjson.Set(entry, "function.name", tc.ToolName)
				if terr != nil {
					return nil, terr
				}
				entry, terr = sjson.Set(entry, "function.arguments", tc.ToolArgumentsJSON)
				if terr != nil {
					return nil, terr
				}
				calls, terr = sjson.SetRaw(calls, "-1", entry)
				if terr != nil {
					return nil, terr
				}
			}
			out, err = sjson.SetRaw(out, "tool_calls", calls)
			if err != nil {
				return nil, err
			}
		}
		return []byte(out), nil
	case translate.RoleTool:
		for _, p := range m.Content {
			if p.Kind == translate.ContentToolResult {
				out, err := sjson.Set(`{"role":"tool"}`, "tool_call_id", p.ToolResultID)
				if err != nil {
					return nil, err
				}
				out, err = sjson.Set(out, "content", p.ToolResultJSON)
				return []byte(out), err
			}
		}
	}
	return []byte(`{}`), nil
}

func (*Dialect) ParseResponse(raw []byte) (*translate.GenerateResponse, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("cohere: invalid response JSON")
	}
	root := gjson.ParseBytes(raw)
	msg := parseAssistantMessage(root.Get("message"))

	if plan := root.Get("message.tool_plan").String(); plan != "" {
		msg.Content = append(msg.Content, translate.ContentPart{Kind: translate.ContentText, Text: plan})
	}

	hasToolCalls := len(root.Get("message.tool_calls").Array()) > 0
	return &translate.GenerateResponse{
		ID:           root.Get("id").String(),
		Model:        root.Get("model").String(),
		Message:      msg,
		FinishReason: mapFinishReason(root.Get("finish_reason").String(), hasToolCalls),
		Usage: translate.Usage{
			InputTokens:  root.Get("usage.billed_units.input_tokens").Int(),
			OutputTokens: root.Get("usage.billed_units.output_tokens").Int(),
			TotalTokens:  root.Get("usage.billed_units.input_tokens").Int() + root.Get("usage.billed_units.output_tokens").Int(),
		},
	}, nil
}

func mapFinishReason(r string, hasToolCalls bool) translate.FinishReason {
	if hasToolCalls {
		return translate.FinishToolCalls
	}
	switch r {
	case "MAX_TOKENS":
		return translate.FinishLength
	case "COMPLETE", "":
		return translate.FinishStop
	default:
		return translate.FinishStop
	}
}

func renderFinishReason(f translate.FinishReason) string {
	switch f {
	case translate.FinishLength:
		return "MAX_TOKENS"
	case translate.FinishToolCalls:
		return "COMPLETE"
	default:
		return "COMPLETE"
	}
}

func (*Dialect) RenderResponse(resp *translate.GenerateResponse) ([]byte, error) {
	msgBody, err := renderMessage(resp.Message)
	if err != nil {
		return nil, err
	}
	out, err := sjson.SetRaw("{}", "message", string(msgBody))
	if err != nil {
		return nil, err
	}
	out, err = sjson.Set(out, "message.role", "assistant")
	if err != nil {
		return nil, err
	}
	out, err = sjson.Set(out, "id", resp.ID)
	if err != nil {
		return nil, err
	}
	out, err = sjson.Set(out, "model", resp.Model)
	if err != nil {
		return nil, err
	}
	out, err = sjson.Set(out, "finish_reason", renderFinishReason(resp.FinishReason))
	if err != nil {
		return nil, err
	}
	out, err = sjson.Set(out, "usage.billed_units.input_tokens", resp.Usage.InputTokens)
	if err != nil {
		return nil, err
	}
	out, err = sjson.Set(out, "usage.billed_units.output_tokens", resp.Usage.OutputTokens)
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

// StreamDecoder reads Cohere's v2 SSE stream of message-start /
// content-delta / tool-call-start / tool-call-delta / message-end
// events.
func (*Dialect) StreamDecoder(body io.Reader) translate.StreamDecoder {
	return &streamDecoder{r: sse.NewReader(body), toolArgs: map[string]string{}}
}

type streamDecoder struct {
	r            *sse.Reader
	hasToolCalls bool
	toolArgs     map[string]string
	toolOrder    []string
	pendingFlush []translate.StreamChunk
}

func (d *streamDecoder) Next(ctx context.Context) (*translate.StreamChunk, error) {
	if len(d.pendingFlush) > 0 {
		c := d.pendingFlush[0]
		d.pendingFlush = d.pendingFlush[1:]
		return &c, nil
	}

	for {
		data, err := d.r.Next()
		if err != nil {
			if err == io.EOF && len(d.toolOrder) > 0 {
				d.flushToolArgs()
				d.pendingFlush = append(d.pendingFlush, translate.StreamChunk{
					Kind:         translate.ChunkFinish,
					FinishReason: mapFinishReason("", d.hasToolCalls),
				})
				return d.Next(ctx)
			}
			return nil, err
		}
		if !gjson.Valid(data) {
			continue
		}
		event := gjson.Parse(data)
		switch event.Get("type").String() {
		case "content-delta":
			if text := event.Get("delta.message.content.text").String(); text != "" {
				return &translate.StreamChunk{Kind: translate.ChunkTextDelta, TextDelta: text}, nil
			}
		case "tool-call-start", "tool-call-delta":
			d.hasToolCalls = true
			tc := event.Get("delta.tool_call")
			id := tc.Get("id").String()
			if id == "" {
				continue
			}
			if _, seen := d.toolArgs[id]; !seen {
				d.toolOrder = append(d.toolOrder, id)
				if name := tc.Get("function.name").String(); name != "" {
					d.pendingFlush = append(d.pendingFlush, translate.StreamChunk{
						Kind:       translate.ChunkToolCallDelta,
						ToolCallID: id,
						ToolName:   name,
					})
				}
			}
			d.toolArgs[id] += tc.Get("function.arguments").String()
			if len(d.pendingFlush) > 0 {
				return d.Next(ctx)
			}
		case "message-end":
			d.flushToolArgs()
			reason := mapFinishReason(event.Get("delta.finish_reason").String(), d.hasToolCalls)
			var usage *translate.Usage
			if u := event.Get("delta.usage"); u.Exists() {
				usage = &translate.Usage{
					InputTokens:  u.Get("billed_units.input_tokens").Int(),
					OutputTokens: u.Get("billed_units.output_tokens").Int(),
				}
				usage.TotalTokens = usage.InputTokens + usage.OutputTokens
			}
			d.pendingFlush = append(d.pendingFlush, translate.StreamChunk{Kind: translate.ChunkFinish, FinishReason: reason, Usage: usage})
			return d.Next(ctx)
		}
	}
}

func (d *streamDecoder) flushToolArgs() {
	for _, id := range d.toolOrder {
		if args := d.toolArgs[id]; args != "" {
			d.pendingFlush = append(d.pendingFlush, translate.StreamChunk{
				Kind:                   translate.ChunkToolCallDelta,
				ToolCallID:             id,
				ToolArgumentsJSONDelta: args,
			})
		}
	}
	d.toolOrder = nil
	d.toolArgs = map[string]string{}
}

func (*Dialect) StreamEncoder(w io.Writer) translate.StreamEncoder {
	return &streamEncoder{w: sse.NewWriter(w)}
}

type streamEncoder struct {
	w *sse.Writer
}

func (e *streamEncoder) Encode(chunk *translate.StreamChunk) error {
	switch chunk.Kind {
	case translate.ChunkError, translate.ChunkWarning, translate.ChunkResponseId:
		return nil
	}
	out := "{}"
	var err error
	switch chunk.Kind {
	case translate.ChunkTextDelta, translate.ChunkReasoningDelta:
		out, err = sjson.Set(`{"type":"content-delta"}`, "delta.message.content.text", chunk.TextDelta+chunk.ReasoningDelta)
	case translate.ChunkToolCallStart:
		out, err = sjson.Set(`{"type":"tool-call-start"}`, "delta.tool_call.id", chunk.ToolCallID)
		if err == nil {
			out, err = sjson.Set(out, "delta.tool_call.function.name", chunk.ToolName)
		}
	case translate.ChunkToolCallDelta:
		out, err = sjson.Set(`{"type":"tool-call-delta"}`, "delta.tool_call.id", chunk.ToolCallID)
		if err == nil && chunk.ToolName != "" {
			out, err = sjson.Set(out, "delta.tool_call.function.name", chunk.ToolName)
		}
		if err == nil {
			out, err = sjson.Set(out, "delta.tool_call.function.arguments", chunk.ToolArgumentsJSONDelta)
		}
	case translate.ChunkFinish:
		out, err = sjson.Set(`{"type":"message-end"}`, "delta.finish_reason", renderFinishReason(chunk.FinishReason))
	}
	if err != nil {
		return err
	}
	return e.w.WriteEvent(out)
}

func (e *streamEncoder) Close() error {
	return nil
}

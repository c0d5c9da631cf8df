// Package bedrock implements translate.Dialect for AWS Bedrock's Converse
// API (model-agnostic /model/{id}/converse and /model/{id}/converse-stream
// routes, as opposed to Bedrock's per-model InvokeModel body shapes).
// Bedrock is named in spec.md's upstream-provider list but the distilled
// spec's dialect table is silent on its wire shape; this package is
// grounded on the teacher's openAIToAWSBedrockTranslatorV1ChatCompletion
// (internal/extproc/translator/openai_awsbedrock.go), which targets the
// same Converse/ConverseStream routes and the same
// aws/protocol/eventstream framing for the streaming variant. Request
// signing (SigV4) is a concern of internal/backendauth, not this package;
// a Dialect only reads and writes the neutral<->wire JSON shape.
package bedrock

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/envoyproxy/llmgw/internal/translate"
)

// Dialect implements translate.Dialect for the Bedrock Converse API.
type Dialect struct{}

// New returns the Bedrock dialect.
func New() *Dialect { return &Dialect{} }

func (*Dialect) Name() string { return "bedrock" }

func (*Dialect) ParseRequest(raw []byte) (*translate.GenerateRequest, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("bedrock: invalid request JSON")
	}
	root := gjson.ParseBytes(raw)

	req := &translate.GenerateRequest{}
	for _, s := range root.Get("system").Array() {
		req.System = appendText(req.System, s.Get("text").String())
	}

	cfg := root.Get("inferenceConfig")
	req.MaxOutputTokens = int(cfg.Get("maxTokens").Int())
	if v := cfg.Get("temperature"); v.Exists() {
		f := v.Float()
		req.Temperature = &f
	}
	if v := cfg.Get("topP"); v.Exists() {
		f := v.Float()
		req.TopP = &f
	}
	for _, s := range cfg.Get("stopSequences").Array() {
		req.StopSequences = append(req.StopSequences, s.String())
	}

	for _, m := range root.Get("messages").Array() {
		req.Messages = append(req.Messages, parseMessage(m))
	}

	for _, t := range root.Get("toolConfig.tools").Array() {
		spec := t.Get("toolSpec")
		req.Tools = append(req.Tools, translate.Tool{
			Name:                 spec.Get("name").String(),
			Description:          spec.Get("description").String(),
			ParametersJSONSchema: []byte(spec.Get("inputSchema.json").Raw),
		})
	}
	if tc := root.Get("toolConfig.toolChoice"); tc.Exists() {
		req.ToolChoice = parseToolChoice(tc)
	}

	return req, nil
}

func appendText(existing, add string) string {
	if existing == "" {
		return add
	}
	return existing + "\n" + add
}

func parseMessage(m gjson.Result) translate.Message {
	role := translate.RoleUser
	if m.Get("role").String() == "assistant" {
		role = translate.RoleAssistant
	}
	var parts []translate.ContentPart
	for _, c := range m.Get("content").Array() {
		switch {
		case c.Get("toolUse").Exists():
			tu := c.Get("toolUse")
			parts = append(parts, translate.ContentPart{
				Kind:              translate.ContentToolCall,
				ToolCallID:        tu.Get("toolUseId").String(),
				ToolName:          tu.Get("name").String(),
				ToolArgumentsJSON: tu.Get("input").Raw,
			})
		case c.Get("toolResult").Exists():
			tr := c.Get("toolResult")
			parts = append(parts, translate.ContentPart{
				Kind:           translate.ContentToolResult,
				ToolResultID:   tr.Get("toolUseId").String(),
				ToolResultJSON: tr.Get("content.0.json").Raw,
				ToolIsError:    tr.Get("status").String() == "error",
			})
		case c.Get("image").Exists():
			img := c.Get("image")
			parts = append(parts, translate.ContentPart{
				Kind:          translate.ContentImage,
				MediaBase64:   img.Get("source.bytes").String(),
				MediaMIMEType: "image/" + img.Get("format").String(),
			})
		default:
			parts = append(parts, translate.ContentPart{Kind: translate.ContentText, Text: c.Get("text").String()})
		}
	}
	return translate.Message{Role: role, Content: parts}
}

func parseToolChoice(tc gjson.Result) *translate.ToolChoice {
	switch {
	case tc.Get("any").Exists():
		return &translate.ToolChoice{Mode: translate.ToolChoiceRequired}
	case tc.Get("tool").Exists():
		return &translate.ToolChoice{Mode: translate.ToolChoiceNamed, Name: tc.Get("tool.name").String()}
	default:
		return &translate.ToolChoice{Mode: translate.ToolChoiceAuto}
	}
}

func (*Dialect) RenderRequest(req *translate.GenerateRequest) ([]byte, error) {
	out := "{}"
	var err error

	if req.System != "" {
		out, err = sjson.Set(out, "system.0.text", req.System)
		if err != nil {
			return nil, err
		}
	}

	messages := "[]"
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

	if req.MaxOutputTokens > 0 {
		out, err = sjson.Set(out, "inferenceConfig.maxTokens", req.MaxOutputTokens)
		if err != nil {
			return nil, err
		}
	}
	if req.Temperature != nil {
		out, err = sjson.Set(out, "inferenceConfig.temperature", *req.Temperature)
		if err != nil {
			return nil, err
		}
	}
	if req.TopP != nil {
		out, err = sjson.Set(out, "inferenceConfig.topP", *req.TopP)
		if err != nil {
			return nil, err
		}
	}
	if len(req.StopSequences) > 0 {
		out, err = sjson.Set(out, "inferenceConfig.stopSequences", req.StopSequences)
		if err != nil {
			return nil, err
		}
	}

	if len(req.Tools) > 0 {
		tools := "[]"
		for _, t := range req.Tools {
			entry, terr := sjson.Set(`{"toolSpec":{}}`, "toolSpec.name", t.Name)
			if terr != nil {
				return nil, terr
			}
			if t.Description != "" {
				entry, terr = sjson.Set(entry, "toolSpec.description", t.Description)
				if terr != nil {
					return nil, terr
				}
			}
			entry, terr = sjson.SetRaw(entry, "toolSpec.inputSchema.json", orEmptyObject(string(t.ParametersJSONSchema)))
			if terr != nil {
				return nil, terr
			}
			tools, terr = sjson.SetRaw(tools, "-1", entry)
			if terr != nil {
				return nil, terr
			}
		}
		out, err = sjson.SetRaw(out, "toolConfig.tools", tools)
		if err != nil {
			return nil, err
		}
	}
	if req.ToolChoice != nil {
		choice, cerr := renderToolChoice(req.ToolChoice)
		if cerr != nil {
			return nil, cerr
		}
		out, err = sjson.SetRaw(out, "toolConfig.toolChoice", string(choice))
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

func renderToolChoice(tc *translate.ToolChoice) ([]byte, error) {
	switch tc.Mode {
	case translate.ToolChoiceRequired:
		return []byte(`{"any":{}}`), nil
	case translate.ToolChoiceNamed:
		out, err := sjson.Set(`{"tool":{}}`, "tool.name", tc.Name)
		return []byte(out), err
	default:
		return []byte(`{"auto":{}}`), nil
	}
}

func renderMessage(m translate.Message) ([]byte, error) {
	role := "user"
	if m.Role == translate.RoleAssistant {
		role = "assistant"
	}
	out, err := sjson.Set(`{"content":[]}`, "role", role)
	if err != nil {
		return nil, err
	}
	for _, p := range m.Content {
		block := "{}"
		switch p.Kind {
		case translate.ContentText:
			block, err = sjson.Set(block, "text", p.Text)
		case translate.ContentToolCall:
			block, err = sjson.Set(block, "toolUse.toolUseId", p.ToolCallID)
			if err == nil {
				block, err = sjson.Set(block, "toolUse.name", p.ToolName)
			}
			if err == nil {
				block, err = sjson.SetRaw(block, "toolUse.input", orEmptyObject(p.ToolArgumentsJSON))
			}
		case translate.ContentToolResult:
			block, err = sjson.Set(block, "toolResult.toolUseId", p.ToolResultID)
			if err == nil {
				block, err = sjson.SetRaw(block, "toolResult.content.0.json", orEmptyObject(p.ToolResultJSON))
			}
			if err == nil && p.ToolIsError {
				block, err = sjson.Set(block, "toolResult.status", "error")
			}
		case translate.ContentImage:
			format := p.MediaMIMEType
			if idx := len(format) - len("image/"); idx > 0 && format[:len("image/")] == "image/" {
				format = format[len("image/"):]
			}
			block, err = sjson.Set(block, "image.format", format)
			if err == nil {
				block, err = sjson.Set(block, "image.source.bytes", p.MediaBase64)
			}
		}
		if err != nil {
			return nil, err
		}
		out, err = sjson.SetRaw(out, "content.-1", block)
		if err != nil {
			return nil, err
		}
	}
	return []byte(out), nil
}

func (*Dialect) ParseResponse(raw []byte) (*translate.GenerateResponse, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("bedrock: invalid response JSON")
	}
	root := gjson.ParseBytes(raw)
	msg := parseMessage(root.Get("output.message"))
	msg.Role = translate.RoleAssistant

	return &translate.GenerateResponse{
		Message:      msg,
		FinishReason: mapStopReason(root.Get("stopReason").String()),
		Usage: translate.Usage{
			InputTokens:  root.Get("usage.inputTokens").Int(),
			OutputTokens: root.Get("usage.outputTokens").Int(),
			TotalTokens:  root.Get("usage.totalTokens").Int(),
		},
	}, nil
}

func mapStopReason(r string) translate.FinishReason {
	switch r {
	case "max_tokens":
		return translate.FinishLength
	case "tool_use":
		return translate.FinishToolCalls
	case "content_filtered":
		return translate.FinishContentFilter
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
	case translate.FinishContentFilter:
		return "content_filtered"
	default:
		return "end_turn"
	}
}

func (*Dialect) RenderResponse(resp *translate.GenerateResponse) ([]byte, error) {
	msgBody, err := renderMessage(resp.Message)
	if err != nil {
		return nil, err
	}
	out, err := sjson.SetRaw("{}", "output.message", string(msgBody))
	if err != nil {
		return nil, err
	}
	out, err = sjson.Set(out, "stopReason", renderStopReason(resp.FinishReason))
	if err != nil {
		return nil, err
	}
	out, err = sjson.Set(out, "usage.inputTokens", resp.Usage.InputTokens)
	if err != nil {
		return nil, err
	}
	out, err = sjson.Set(out, "usage.outputTokens", resp.Usage.OutputTokens)
	if err != nil {
		return nil, err
	}
	out, err = sjson.Set(out, "usage.totalTokens", resp.Usage.TotalTokens)
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

// StreamDecoder reads Bedrock's ConverseStream response, which is framed
// as AWS eventstream messages (content-type
// application/vnd.amazon.eventstream) rather than SSE; each message's
// payload is a JSON object named by its ":event-type" header
// (messageStart/contentBlockStart/contentBlockDelta/contentBlockStop/
// messageStop/metadata).
func (*Dialect) StreamDecoder(body io.Reader) translate.StreamDecoder {
	return &streamDecoder{dec: eventstream.NewDecoder(), r: body, toolName: map[int64]string{}}
}

type streamDecoder struct {
	dec      *eventstream.Decoder
	r        io.Reader
	toolName map[int64]string
}

func (d *streamDecoder) Next(ctx context.Context) (*translate.StreamChunk, error) {
	for {
		msg, err := d.dec.Decode(d.r, nil)
		if err != nil {
			return nil, io.EOF
		}
		if !gjson.ValidBytes(msg.Payload) {
			continue
		}
		event := gjson.ParseBytes(msg.Payload)

		switch {
		case event.Get("start.toolUse").Exists():
			idx := event.Get("contentBlockIndex").Int()
			d.toolName[idx] = event.Get("start.toolUse.name").String()
		case event.Get("delta.text").Exists():
			return &translate.StreamChunk{Kind: translate.ChunkTextDelta, TextDelta: event.Get("delta.text").String()}, nil
		case event.Get("delta.toolUse").Exists():
			idx := event.Get("contentBlockIndex").Int()
			return &translate.StreamChunk{
				Kind:                   translate.ChunkToolCallDelta,
				ToolName:               d.toolName[idx],
				ToolArgumentsJSONDelta: event.Get("delta.toolUse.input").String(),
			}, nil
		case event.Get("stopReason").Exists():
			return &translate.StreamChunk{Kind: translate.ChunkFinish, FinishReason: mapStopReason(event.Get("stopReason").String())}, nil
		case event.Get("usage").Exists():
			return &translate.StreamChunk{
				Kind: translate.ChunkFinish,
				Usage: &translate.Usage{
					InputTokens:  event.Get("usage.inputTokens").Int(),
					OutputTokens: event.Get("usage.outputTokens").Int(),
					TotalTokens:  event.Get("usage.totalTokens").Int(),
				},
			}, nil
		}
	}
}

// StreamEncoder is not supported for Bedrock as an outbound dialect: the
// gateway never re-renders a neutral stream back into Bedrock's
// eventstream framing because no client-facing route speaks it natively.
func (*Dialect) StreamEncoder(w io.Writer) translate.StreamEncoder {
	return &unsupportedStreamEncoder{}
}

type unsupportedStreamEncoder struct{}

func (*unsupportedStreamEncoder) Encode(*translate.StreamChunk) error {
	return fmt.Errorf("bedrock: rendering a neutral stream into eventstream framing is not supported")
}

func (*unsupportedStreamEncoder) Close() error { return nil }

// Package translate defines the neutral request/response model the gateway
// routes every provider dialect through, per spec.md §4.4, and the Dialect
// interface each internal/dialect/<provider> package implements.
//
// The shape of one interface per concern (request, response, stream chunk,
// error) mirrors the teacher's internal/extproc/translator.Translator
// family; the mechanics are rewritten around real net/http bodies instead
// of Envoy HeaderMutation/BodyMutation messages, and the intermediate type
// is a real Go struct rather than a provider-specific wire struct, so a
// request parsed from one dialect can be re-rendered into any other.
package translate

// Role identifies the speaker of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentPartKind distinguishes the payload shape of a ContentPart.
type ContentPartKind string

const (
	ContentText       ContentPartKind = "text"
	ContentImage      ContentPartKind = "image"
	ContentAudio      ContentPartKind = "audio"
	ContentToolCall   ContentPartKind = "tool_call"
	ContentToolResult ContentPartKind = "tool_result"
)

// ContentPart is one unit of a Message's content: text, an inlined or
// linked image/audio blob, a tool invocation the model emitted, or the
// result of one the caller is returning.
type ContentPart struct {
	Kind ContentPartKind

	Text string

	// MediaURL and MediaBase64/MediaMIMEType describe an Image or Audio
	// part; exactly one of MediaURL or MediaBase64 is set.
	MediaURL      string
	MediaBase64   string
	MediaMIMEType string

	// ToolCallID, ToolName, and ToolArgumentsJSON describe a ToolCall part
	// the assistant emitted.
	ToolCallID        string
	ToolName          string
	ToolArgumentsJSON string

	// ToolResultID and ToolResultJSON describe a ToolResult part the
	// caller is feeding back in on the next turn.
	ToolResultID   string
	ToolResultJSON string
	ToolIsError    bool
}

// Message is one turn of a conversation.
type Message struct {
	Role    Role
	Content []ContentPart
	Name    string // optional speaker name, carried by OpenAI-family dialects.
}

// ToolChoiceMode selects how a model should use the tools offered to it.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceNamed    ToolChoiceMode = "named"
)

// ToolChoice selects whether and which tool the model must call.
type ToolChoice struct {
	Mode ToolChoiceMode
	Name string // set only when Mode == ToolChoiceNamed.
}

// Tool is one function the model may call.
type Tool struct {
	Name        string
	Description string
	ParametersJSONSchema []byte
}

// ResponseFormatKind selects how GenerateRequest asks the model to shape
// its output.
type ResponseFormatKind string

const (
	ResponseFormatText       ResponseFormatKind = "text"
	ResponseFormatJSONObject ResponseFormatKind = "json_object"
	ResponseFormatJSONSchema ResponseFormatKind = "json_schema"
)

// ResponseFormat is the structured-output request, spec.md §4.4's
// "JSON-schema structured-output strategies": NativeSchema asks the
// provider's own constrained-decoding feature, ToolCall synthesizes a
// single forced tool call carrying the schema, TextJson asks in the system
// prompt and parses the trailing text, and Auto lets the dialect pick
// whichever the provider natively supports.
type ResponseFormat struct {
	Kind                 ResponseFormatKind
	JSONSchema           []byte
	JSONSchemaName       string
	JSONSchemaStrict     bool
	Strategy             StructuredOutputStrategy
}

// StructuredOutputStrategy is spec.md §4.4's structured-output strategy
// selector.
type StructuredOutputStrategy string

const (
	StrategyAuto         StructuredOutputStrategy = "auto"
	StrategyNativeSchema StructuredOutputStrategy = "native_schema"
	StrategyToolCall     StructuredOutputStrategy = "tool_call"
	StrategyTextJSON     StructuredOutputStrategy = "text_json"
)

// GenerateRequest is the neutral generation request every dialect parses
// into and renders out of.
type GenerateRequest struct {
	Model            string
	Messages         []Message
	System           string // hoisted out of Messages for providers with a dedicated system slot.
	MaxOutputTokens  int
	Temperature      *float64
	TopP             *float64
	StopSequences    []string
	Tools            []Tool
	ToolChoice       *ToolChoice
	ResponseFormat   *ResponseFormat
	Stream           bool
	ServiceTier      string
	User             string
	// ProviderOptions carries passthrough fields the neutral model has no
	// slot for, keyed by provider, as raw JSON so any dialect can surface
	// provider-specific knobs without widening this struct.
	ProviderOptions map[string][]byte
}

// FinishReason is the neutral completion-stop reason every dialect maps
// its own enum onto.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
	FinishError         FinishReason = "error"
)

// Usage is token accounting, always present on a non-streamed response and
// on the final chunk of a streamed one.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
}

// GenerateResponse is the neutral non-streamed generation result.
type GenerateResponse struct {
	ID           string
	Model        string
	Message      Message
	FinishReason FinishReason
	Usage        Usage
}

// StreamChunkKind distinguishes the events a streamed generation can emit.
type StreamChunkKind string

const (
	ChunkResponseId     StreamChunkKind = "response_id"
	ChunkTextDelta      StreamChunkKind = "text_delta"
	ChunkReasoningDelta StreamChunkKind = "reasoning_delta"
	ChunkToolCallStart  StreamChunkKind = "tool_call_start"
	ChunkToolCallDelta  StreamChunkKind = "tool_call_delta"
	ChunkWarning        StreamChunkKind = "warning"
	ChunkFinish         StreamChunkKind = "finish"
	ChunkError          StreamChunkKind = "error"
)

// StreamChunk is one event of the neutral streaming protocol, per spec.md
// §4.4's "StreamChunk protocol". The anthropic StreamDecoder emits one
// ChunkResponseId per stream (as soon as the upstream assigns an id), one
// ChunkToolCallStart per tool call before any ChunkToolCallDelta for that
// call, and a ChunkWarning for a recoverable decode problem (a delta for
// an unseen tool call) that does not abort the stream. The openai, google,
// cohere and bedrock decoders emit no ChunkResponseId, ChunkToolCallStart
// or ChunkWarning: a tool call's name travels on a ChunkToolCallDelta.
type StreamChunk struct {
	Kind StreamChunkKind

	// ResponseId carries the upstream's response/message id, set only on
	// ChunkResponseId.
	ResponseId string

	TextDelta      string
	ReasoningDelta string

	// ToolName and ToolCallID are set on ChunkToolCallStart; a
	// ChunkToolCallDelta carries whichever of them the decoder has for the
	// call.
	ToolCallID            string
	ToolName              string
	ToolArgumentsJSONDelta string

	// Warning carries a human-readable description of a recoverable
	// decode problem, set only on ChunkWarning (e.g. "tool_call_delta for
	// unknown id %q dropped", "discarding non-JSON tool arguments delta").
	Warning string

	FinishReason FinishReason
	Usage        *Usage // set only on the ChunkFinish chunk.

	Err error
}

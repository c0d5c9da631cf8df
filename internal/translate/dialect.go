package translate

import (
	"context"
	"io"
)

// Dialect is the per-provider translation boundary: it knows how to parse
// one provider's wire request into the neutral GenerateRequest, render the
// neutral GenerateResponse back into that provider's wire response shape,
// and do the same for streamed chunks. internal/dialect/{openai,anthropic,
// google,cohere,openaicompatible,bedrock} each implement one.
type Dialect interface {
	// Name identifies the dialect for logging and audit records.
	Name() string

	// ParseRequest decodes a raw client request body in this dialect's
	// wire shape into the neutral GenerateRequest.
	ParseRequest(raw []byte) (*GenerateRequest, error)

	// RenderRequest encodes req into this dialect's wire request shape,
	// for dispatch to a backend that speaks it.
	RenderRequest(req *GenerateRequest) ([]byte, error)

	// ParseResponse decodes a non-streamed backend response body in this
	// dialect's wire shape into the neutral GenerateResponse.
	ParseResponse(raw []byte) (*GenerateResponse, error)

	// RenderResponse encodes resp into this dialect's wire response shape,
	// for returning to a client that expects it.
	RenderResponse(resp *GenerateResponse) ([]byte, error)

	// StreamDecoder returns a StreamDecoder that reads this dialect's wire
	// streaming format (typically SSE) off body and yields neutral chunks.
	StreamDecoder(body io.Reader) StreamDecoder

	// StreamEncoder returns a StreamEncoder that renders neutral chunks
	// back into this dialect's wire streaming format.
	StreamEncoder(w io.Writer) StreamEncoder
}

// StreamDecoder reads one provider's streaming wire format and yields
// neutral StreamChunks until the stream ends.
type StreamDecoder interface {
	// Next blocks for the next chunk. It returns io.EOF once the upstream
	// stream has ended cleanly.
	Next(ctx context.Context) (*StreamChunk, error)
}

// StreamEncoder renders neutral StreamChunks into one provider's streaming
// wire format as they arrive.
type StreamEncoder interface {
	Encode(chunk *StreamChunk) error
	// Close writes any trailing sentinel the format requires (e.g. OpenAI's
	// "data: [DONE]\n\n").
	Close() error
}

// Translate converts req from fromDialect's wire shape through the neutral
// model into toDialect's wire shape, the cross-dialect request translation
// spec.md §4.4 names as the gateway's core value proposition.
func Translate(raw []byte, from, to Dialect) ([]byte, error) {
	neutral, err := from.ParseRequest(raw)
	if err != nil {
		return nil, err
	}
	return to.RenderRequest(neutral)
}

// TranslateResponse converts a non-streamed response the same way, in the
// opposite direction (backend dialect -> client dialect).
func TranslateResponse(raw []byte, from, to Dialect) ([]byte, error) {
	neutral, err := from.ParseResponse(raw)
	if err != nil {
		return nil, err
	}
	return to.RenderResponse(neutral)
}

// PumpStream reads chunks from dec and writes their translation to enc
// until the stream ends or ctx is cancelled. It always calls enc.Close()
// before returning, even on error, so the client sees a clean terminator.
func PumpStream(ctx context.Context, dec StreamDecoder, enc StreamEncoder) error {
	defer enc.Close()
	for {
		chunk, err := dec.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			_ = enc.Encode(&StreamChunk{Kind: ChunkError, Err: err})
			return err
		}
		if err := enc.Encode(chunk); err != nil {
			return err
		}
		if chunk.Kind == ChunkFinish {
			return nil
		}
	}
}

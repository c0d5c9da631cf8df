// Package partialjson repairs an in-progress JSON text/tool-call-argument
// buffer into the best valid JSON value it can, so a streamed structured
// output can be surfaced to a caller before the model has finished
// generating it. Ported from
// _examples/original_source/src/object.rs's parse_partial_json/
// parse_json_from_response_text/extract_balanced_json/extract_code_fence:
// walk the buffer tracking string/escape state and a stack of expected
// closing brackets; if the buffer already closes cleanly, parse that; if
// not, trim a trailing dangling "," (or a key still waiting for its value,
// together with its ":") and close every still-open bracket, then parse
// the result.
package partialjson

import (
	"encoding/json"
	"strings"
)

// ParsePartial attempts to extract a valid JSON value from an incomplete
// buffer (typically the accumulated text or tool-call-argument delta of a
// streaming structured-output response). It returns false if buf has no
// JSON object/array start, or ends mid-string, or the repaired candidate
// still fails to parse.
func ParsePartial(buf string) (json.RawMessage, bool) {
	start := strings.IndexAny(buf, "{[")
	if start < 0 {
		return nil, false
	}

	inString, escape := false, false
	var stack []byte
	lastCompleteEnd := -1

	b := buf[start:]
	for i := 0; i < len(b); i++ {
		c := b[i]
		if inString {
			if escape {
				escape = false
				continue
			}
			switch c {
			case '\\':
				escape = true
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
				if len(stack) == 0 {
					lastCompleteEnd = start + i + 1
				}
			}
		}
	}

	if inString || escape {
		return nil, false
	}

	if lastCompleteEnd >= 0 {
		return validate(buf[start:lastCompleteEnd])
	}

	candidate := buf[start:]
	for {
		trimmed := strings.TrimRight(candidate, " \t\r\n")
		if trimmed == "" {
			break
		}
		last := trimmed[len(trimmed)-1]
		if last == ':' {
			// A key with no value yet: drop the key together with its colon.
			key := strings.TrimRight(trimmed[:len(trimmed)-1], " \t\r\n")
			if strings.HasSuffix(key, `"`) {
				if open := strings.LastIndexByte(key[:len(key)-1], '"'); open >= 0 {
					candidate = key[:open]
					continue
				}
			}
		}
		if last == ',' || last == ':' {
			candidate = trimmed[:len(trimmed)-1]
			continue
		}
		break
	}
	for i := len(stack) - 1; i >= 0; i-- {
		candidate += string(stack[i])
	}
	return validate(candidate)
}

func validate(s string) (json.RawMessage, bool) {
	s = strings.TrimSpace(s)
	if s == "" || !json.Valid([]byte(s)) {
		return nil, false
	}
	return json.RawMessage(s), true
}

// ParseFinal extracts a JSON value from a completed response's text, for a
// TextJson-strategy structured-output response: the model was asked to
// reply with bare JSON but may have wrapped it in prose or a fenced code
// block. It tries, in order: the whole trimmed text as-is; a fenced code
// block's contents; the first balanced {...}/[...] substring. warning is
// non-empty when either fallback was needed, naming what happened so the
// caller can surface it as a StreamChunk warning or response-level note.
func ParseFinal(text string) (value json.RawMessage, warning string, ok bool) {
	raw := strings.TrimSpace(text)
	if raw == "" {
		return nil, "", false
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw), "", true
	}
	if block, found := extractCodeFence(raw); found {
		if json.Valid([]byte(block)) {
			return json.RawMessage(block), "extracted JSON from a fenced code block", true
		}
	}
	if sub, found := extractBalancedJSON(raw); found {
		if json.Valid([]byte(sub)) {
			return json.RawMessage(sub), "extracted JSON from a larger text response", true
		}
	}
	return nil, "", false
}

func extractCodeFence(text string) (string, bool) {
	start := strings.Index(text, "```")
	if start < 0 {
		return "", false
	}
	afterStart := text[start+3:]
	nl := strings.IndexByte(afterStart, '\n')
	if nl < 0 {
		return "", false
	}
	startContent := start + 3 + nl + 1
	remaining := text[startContent:]
	endRel := strings.Index(remaining, "```")
	if endRel < 0 {
		return "", false
	}
	block := strings.TrimSpace(text[startContent : startContent+endRel])
	if block == "" {
		return "", false
	}
	return block, true
}

func extractBalancedJSON(text string) (string, bool) {
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return "", false
	}
	inString, escape := false, false
	var stack []byte
	lastEnd := -1

	b := text[start:]
	for i := 0; i < len(b); i++ {
		c := b[i]
		if inString {
			if escape {
				escape = false
				continue
			}
			switch c {
			case '\\':
				escape = true
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
				if len(stack) == 0 {
					lastEnd = start + i + 1
				}
			}
		}
	}
	if lastEnd < 0 {
		return "", false
	}
	return strings.TrimSpace(text[start:lastEnd]), true
}

// Accumulator tracks a growing text or tool-call-argument buffer across a
// stream's deltas and reports the best-effort partial JSON value after
// each one, mirroring object.rs's StreamObjectState.text_buffer/
// tool_buffer role without the full element/diff-stream machinery.
type Accumulator struct {
	buf strings.Builder
}

// Feed appends delta to the buffer and returns the current best-effort
// parse, if any.
func (a *Accumulator) Feed(delta string) (json.RawMessage, bool) {
	a.buf.WriteString(delta)
	return ParsePartial(a.buf.String())
}

// String returns the full accumulated buffer.
func (a *Accumulator) String() string {
	return a.buf.String()
}

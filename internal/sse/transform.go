package sse

import (
	"encoding/json"
	"fmt"
)

// Dialect is a supported inbound/outbound SSE wire format.
type Dialect string

const (
	DialectOpenAIChat  Dialect = "openai-chat"
	DialectOpenAIText  Dialect = "openai-text"
	DialectAnthropicV1 Dialect = "anthropic-v1"
	DialectAnthropicV2 Dialect = "anthropic-chat"
	DialectGoogleAI    Dialect = "google-ai"
	DialectPassthrough Dialect = "passthrough"
)

// DoneMarker is the terminal SSE payload on every dialect.
const DoneMarker = "[DONE]"

// Chunk is the transformer's output: the updated lastPosition state (only
// meaningful for anthropic-v1) and the framed outgoing SSE line, ready to
// write to the client.
type Chunk struct {
	Position int
	Event    []byte // full "data: ...\n\n" (or ": ping\n\n") line
	Done     bool
}

// Transformer translates one upstream dialect's events into another's in
// real time. Zero value is not usable; construct with NewTransformer.
type Transformer struct {
	From, To     Dialect
	lastPosition int
	id           string
}

// NewTransformer constructs a Transformer for one SSE stream. id is used as
// the outgoing chunk's "id" field when synthesizing an envelope.
func NewTransformer(from, to Dialect, id string) *Transformer {
	return &Transformer{From: from, To: to, id: id}
}

// Transform consumes one upstream data payload (already stripped of the
// "data: " prefix by the decoder) and produces the outgoing framed event.
func (t *Transformer) Transform(payload []byte) (Chunk, error) {
	trimmed := string(payload)
	if trimmed == DoneMarker {
		return Chunk{Position: t.lastPosition, Event: frame(DoneMarker), Done: true}, nil
	}

	if t.From == t.To {
		return Chunk{Position: t.lastPosition, Event: frame(trimmed)}, nil
	}

	switch {
	case t.From == DialectAnthropicV1 && t.To == DialectOpenAIChat:
		return t.fromAnthropicV1(payload)
	case t.From == DialectAnthropicV2 && t.To == DialectOpenAIChat:
		return t.fromAnthropicV2(payload)
	case t.From == DialectOpenAIText && t.To == DialectOpenAIChat:
		return t.fromOpenAIText(payload)
	case t.From == DialectGoogleAI && t.To == DialectOpenAIChat:
		return t.fromGoogleAI(payload)
	case t.From == DialectPassthrough && t.To == DialectOpenAIChat:
		return t.fromPassthrough(payload)
	default:
		// No defined transform: forward verbatim rather than fail the
		// stream outright.
		return Chunk{Position: t.lastPosition, Event: frame(trimmed)}, nil
	}
}

type openAIChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Choices []openAIChoice `json:"choices"`
}

type openAIChoice struct {
	Index        int         `json:"index"`
	Delta        openAIDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type openAIDelta struct {
	Content string `json:"content"`
}

func (t *Transformer) emitDelta(content string, finishReason *string) (Chunk, error) {
	envelope := openAIChunk{
		ID:     t.id,
		Object: "chat.completion.chunk",
		Choices: []openAIChoice{{
			Index:        0,
			Delta:        openAIDelta{Content: content},
			FinishReason: finishReason,
		}},
	}
	b, err := json.Marshal(envelope)
	if err != nil {
		return Chunk{}, fmt.Errorf("sse: marshal openai chunk: %w", err)
	}
	return Chunk{Position: t.lastPosition, Event: frame(string(b))}, nil
}

type anthropicV1Event struct {
	Completion string `json:"completion"`
	StopReason string `json:"stop_reason"`
}

// fromAnthropicV1 implements §4.4's stateful suffix emission: Anthropic's
// v1 events carry the entire completion-so-far, so only the unseen suffix
// is forwarded as an OpenAI delta.
func (t *Transformer) fromAnthropicV1(payload []byte) (Chunk, error) {
	var ev anthropicV1Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Chunk{}, fmt.Errorf("sse: decode anthropic-v1 event: %w", err)
	}

	if len(ev.Completion) < t.lastPosition {
		// Completion shrank relative to what we've already emitted —
		// should not happen upstream; treat as no new content rather
		// than panic on a negative slice.
		t.lastPosition = len(ev.Completion)
	}
	suffix := ev.Completion[t.lastPosition:]
	t.lastPosition = len(ev.Completion)

	var finish *string
	if ev.StopReason != "" {
		finish = &ev.StopReason
	}
	return t.emitDelta(suffix, finish)
}

type anthropicV2Event struct {
	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`
	StopReason string `json:"stop_reason"`
}

// fromAnthropicV2 wraps an already-delta event verbatim.
func (t *Transformer) fromAnthropicV2(payload []byte) (Chunk, error) {
	var ev anthropicV2Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Chunk{}, fmt.Errorf("sse: decode anthropic-chat event: %w", err)
	}
	t.lastPosition += len(ev.Delta.Text)
	var finish *string
	if ev.StopReason != "" {
		finish = &ev.StopReason
	}
	return t.emitDelta(ev.Delta.Text, finish)
}

type openAITextEvent struct {
	Choices []struct {
		Text         string  `json:"text"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// fromOpenAIText turns choices[i].text into choices[i].delta.content.
func (t *Transformer) fromOpenAIText(payload []byte) (Chunk, error) {
	var ev openAITextEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Chunk{}, fmt.Errorf("sse: decode openai-text event: %w", err)
	}
	var text string
	var finish *string
	if len(ev.Choices) > 0 {
		text = ev.Choices[0].Text
		finish = ev.Choices[0].FinishReason
	}
	t.lastPosition += len(text)
	return t.emitDelta(text, finish)
}

type googleAIEvent struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
}

func (t *Transformer) fromGoogleAI(payload []byte) (Chunk, error) {
	var ev googleAIEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Chunk{}, fmt.Errorf("sse: decode google-ai event: %w", err)
	}
	var text string
	var finish *string
	if len(ev.Candidates) > 0 {
		c := ev.Candidates[0]
		if len(c.Content.Parts) > 0 {
			text = c.Content.Parts[0].Text
		}
		if c.FinishReason != "" {
			finish = &c.FinishReason
		}
	}
	t.lastPosition += len(text)
	return t.emitDelta(text, finish)
}

// fromPassthrough is the generic dialect shim for providers whose event
// shape is already "content"-ish but not a recognized vendor format.
func (t *Transformer) fromPassthrough(payload []byte) (Chunk, error) {
	var ev struct {
		Content      string  `json:"content"`
		FinishReason *string `json:"finish_reason"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Chunk{}, fmt.Errorf("sse: decode passthrough event: %w", err)
	}
	t.lastPosition += len(ev.Content)
	return t.emitDelta(ev.Content, ev.FinishReason)
}

func frame(data string) []byte {
	return []byte("data: " + data + "\n\n")
}

// Ping is the queue/stream keep-alive comment line.
func Ping() []byte { return []byte(": ping\n\n") }

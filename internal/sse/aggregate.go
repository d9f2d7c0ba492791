package sse

import (
	"encoding/json"
	"fmt"
)

// accumulated is one canonicalized OpenAI-chat delta plus, for the
// anthropic-text egress path, the raw pre-transform payload it was derived
// from (anthropic's final "non-DONE" event already carries the complete
// completion and is used verbatim rather than replayed from deltas).
type accumulated struct {
	deltaContent string
	finishReason string
	rawAnthropic []byte // non-nil only when the source event was anthropic-v1/v2
}

// Aggregator accumulates canonicalized OpenAI-chat events while a stream is
// forwarded to the client, and synthesizes a final non-streaming response
// object once the stream ends — in the egress dialect — for the blocking
// pipeline stages (quota accounting, prompt logging) to consume as if it
// were an ordinary response.
type Aggregator struct {
	egress Dialect
	events []accumulated
}

// NewAggregator constructs an Aggregator that will synthesize its Final
// response in egress's shape.
func NewAggregator(egress Dialect) *Aggregator {
	return &Aggregator{egress: egress}
}

// Accumulate records one transformed delta. rawSource, if non-nil, is the
// original pre-transform upstream payload (used only for the anthropic-text
// final-response path).
func (a *Aggregator) Accumulate(chunk openAIChunk, rawSource []byte, fromAnthropic bool) {
	var content, finish string
	if len(chunk.Choices) > 0 {
		content = chunk.Choices[0].Delta.Content
		if chunk.Choices[0].FinishReason != nil {
			finish = *chunk.Choices[0].FinishReason
		}
	}
	e := accumulated{deltaContent: content, finishReason: finish}
	if fromAnthropic {
		e.rawAnthropic = rawSource
	}
	a.events = append(a.events, e)
}

// AccumulateRaw parses a serialized OpenAI chunk (as produced by
// Transformer.emitDelta) and records it; a convenience for callers that
// already have the framed JSON rather than the struct.
func (a *Aggregator) AccumulateRaw(eventJSON []byte, rawSource []byte, fromAnthropic bool) error {
	var chunk openAIChunk
	if err := json.Unmarshal(eventJSON, &chunk); err != nil {
		return fmt.Errorf("sse: aggregator: decode chunk: %w", err)
	}
	a.Accumulate(chunk, rawSource, fromAnthropic)
	return nil
}

// chatFinal is the synthesized non-streaming chat response shape.
type chatFinal struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Choices []chatChoice `json:"choices"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Final synthesizes the final response object in the aggregator's egress
// dialect, per spec §4.4. It is idempotent: calling it twice with the same
// accumulated events produces byte-identical output (TESTABLE PROPERTIES
// "Aggregator idempotence").
func (a *Aggregator) Final(requestID string) ([]byte, error) {
	switch a.egress {
	case DialectOpenAIText:
		return a.finalText(requestID)
	case DialectAnthropicV1, DialectAnthropicV2:
		return a.finalAnthropic(requestID)
	default:
		return a.finalChat(requestID)
	}
}

func (a *Aggregator) finalChat(requestID string) ([]byte, error) {
	var content, finish string
	for _, e := range a.events {
		content += e.deltaContent
		if e.finishReason != "" {
			finish = e.finishReason
		}
	}
	if finish == "" {
		finish = "stop"
	}
	out := chatFinal{
		ID:     requestID,
		Object: "chat.completion",
		Choices: []chatChoice{{
			Index:        0,
			Message:      chatMessage{Role: "assistant", Content: content},
			FinishReason: finish,
		}},
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("sse: aggregator: marshal chat final: %w", err)
	}
	return b, nil
}

func (a *Aggregator) finalText(requestID string) ([]byte, error) {
	var text string
	for _, e := range a.events {
		text += e.deltaContent
	}
	out := struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Choices []struct {
			Text  string `json:"text"`
			Index int    `json:"index"`
		} `json:"choices"`
	}{ID: requestID, Object: "text_completion"}
	out.Choices = append(out.Choices, struct {
		Text  string `json:"text"`
		Index int    `json:"index"`
	}{Text: text, Index: 0})
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("sse: aggregator: marshal text final: %w", err)
	}
	return b, nil
}

// finalAnthropic resolves design-note open question (c): rather than
// indexing a fixed offset from the end of the event list (the ambiguous
// chunks[length-2] behavior when a trailing blank-line event is missing),
// it walks backward for the last event that carried a raw Anthropic
// payload and uses that verbatim, overwriting log_id with the request id.
func (a *Aggregator) finalAnthropic(requestID string) ([]byte, error) {
	for i := len(a.events) - 1; i >= 0; i-- {
		if a.events[i].rawAnthropic == nil {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(a.events[i].rawAnthropic, &m); err != nil {
			return nil, fmt.Errorf("sse: aggregator: decode final anthropic event: %w", err)
		}
		m["log_id"] = requestID
		b, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("sse: aggregator: marshal final anthropic event: %w", err)
		}
		return b, nil
	}
	// No raw anthropic event was ever accumulated; fall back to the chat
	// shape so callers always get a well-formed object.
	return a.finalChat(requestID)
}

// EstimateContentTokens extracts the assistant-visible text from a Final
// response object (in the same egress dialect Final produced it in) and
// estimates its token count at ~4 characters per token. Callers use this to
// derive usage accounting from the synthesized object itself rather than
// from the raw stream, so the same heuristic governs streaming and
// buffered responses alike.
func EstimateContentTokens(egress Dialect, final []byte) int {
	var text string
	switch egress {
	case DialectOpenAIText:
		var out struct {
			Choices []struct {
				Text string `json:"text"`
			} `json:"choices"`
		}
		if err := json.Unmarshal(final, &out); err == nil && len(out.Choices) > 0 {
			text = out.Choices[0].Text
		}
	case DialectAnthropicV1, DialectAnthropicV2:
		var out struct {
			Completion string `json:"completion"`
			Content    []struct {
				Text string `json:"text"`
			} `json:"content"`
		}
		if err := json.Unmarshal(final, &out); err == nil {
			if out.Completion != "" {
				text = out.Completion
			} else {
				for _, c := range out.Content {
					text += c.Text
				}
			}
		}
	default:
		var out chatFinal
		if err := json.Unmarshal(final, &out); err == nil && len(out.Choices) > 0 {
			text = out.Choices[0].Message.Content
		}
	}
	n := len(text) / 4
	if n == 0 && text != "" {
		n = 1
	}
	return n
}

// BuildFakeErrorEvent implements §4.4's mid-stream error framing: the error
// is embedded in a fenced code block inside a content field, in the
// inbound dialect, followed unconditionally by the DONE terminator.
func BuildFakeErrorEvent(inbound Dialect, errType, message string) []byte {
	body := fmt.Sprintf("```\n{\"type\":%q,\"string\":%q}\n```", errType, message)

	var payload []byte
	switch inbound {
	case DialectOpenAIText:
		payload, _ = json.Marshal(struct {
			Choices []struct {
				Text string `json:"text"`
			} `json:"choices"`
		}{Choices: []struct {
			Text string `json:"text"`
		}{{Text: body}}})
	default:
		payload, _ = json.Marshal(openAIChunk{
			Object: "chat.completion.chunk",
			Choices: []openAIChoice{{
				Delta: openAIDelta{Content: body},
			}},
		})
	}

	out := frame(string(payload))
	out = append(out, frame(DoneMarker)...)
	return out
}

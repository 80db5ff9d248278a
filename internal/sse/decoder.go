// Package sse decodes the chat backend's `data:` line stream into typed
// events.
package sse

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"bankchat/internal/model"
)

const (
	doneMarker  = "[DONE]"
	errorPrefix = "Error:"
)

type EventKind int

const (
	EventToken EventKind = iota + 1
	EventSources
	EventError
	EventDone
)

func (k EventKind) String() string {
	switch k {
	case EventToken:
		return "token"
	case EventSources:
		return "sources"
	case EventError:
		return "error"
	case EventDone:
		return "done"
	default:
		return "unknown"
	}
}

// Event is one decoded stream event. Content is set for tokens, Message for
// errors and Sources for source updates.
type Event struct {
	Kind    EventKind
	Content string
	Message string
	Sources []model.RAGSource
}

func Token(content string) Event { return Event{Kind: EventToken, Content: content} }

func Sources(sources []model.RAGSource) Event { return Event{Kind: EventSources, Sources: sources} }

func Error(message string) Event { return Event{Kind: EventError, Message: message} }

func Done() Event { return Event{Kind: EventDone} }

// DecodeError describes a `data:` line whose payload could not be parsed.
type DecodeError struct {
	Payload string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode stream payload failed: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

type payload struct {
	Type     string `json:"type"`
	Content  string `json:"content"`
	Error    string `json:"error"`
	Metadata *struct {
		Sources []model.RAGSource `json:"sources"`
	} `json:"metadata"`
}

// Decoder turns arbitrarily split byte chunks into events. It keeps the
// trailing incomplete line between calls to Feed. It is not safe for
// concurrent use.
type Decoder struct {
	buf    []byte
	done   bool
	logger *zap.Logger
}

func NewDecoder(logger *zap.Logger) *Decoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decoder{logger: logger}
}

// Done reports whether a terminal `[DONE]` has been decoded.
func (d *Decoder) Done() bool {
	return d.done
}

// Feed consumes the next chunk and returns the events of every line it
// completes. After the done event it returns nothing.
func (d *Decoder) Feed(chunk []byte) []Event {
	if d.done {
		return nil
	}
	d.buf = append(d.buf, chunk...)

	var events []Event
	for !d.done {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}
		line := string(bytes.TrimSuffix(d.buf[:idx], []byte{'\r'}))
		d.buf = d.buf[idx+1:]
		events = append(events, d.decodeLine(line)...)
	}
	if d.done {
		d.buf = nil
	}
	return events
}

// Flush decodes a final line the server left unterminated.
func (d *Decoder) Flush() []Event {
	if d.done || len(d.buf) == 0 {
		d.buf = nil
		return nil
	}
	line := strings.TrimSuffix(string(d.buf), "\r")
	d.buf = nil
	return d.decodeLine(line)
}

func (d *Decoder) decodeLine(line string) []Event {
	data, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return nil
	}
	data = strings.TrimPrefix(data, " ")
	trimmed := strings.TrimSpace(data)

	switch {
	case trimmed == doneMarker:
		d.done = true
		return []Event{Done()}
	case trimmed == "":
		return nil
	case strings.HasPrefix(trimmed, errorPrefix):
		return []Event{Error(strings.TrimSpace(strings.TrimPrefix(trimmed, errorPrefix)))}
	}

	var p payload
	if err := sonic.UnmarshalString(trimmed, &p); err != nil {
		decodeErr := &DecodeError{Payload: trimmed, Err: err}
		d.logger.Warn("dropping malformed stream line", zap.Error(decodeErr), zap.String("payload", truncate(trimmed, 256)))
		return nil
	}
	return d.eventsFor(p)
}

func (d *Decoder) eventsFor(p payload) []Event {
	if p.Error != "" {
		return []Event{Error(p.Error)}
	}
	switch p.Type {
	case "error":
		msg := p.Content
		if msg == "" {
			msg = "stream error"
		}
		return []Event{Error(msg)}
	case "done":
		d.done = true
		return []Event{Done()}
	}

	var events []Event
	if (p.Type == "token" || p.Type == "") && p.Content != "" {
		events = append(events, Token(p.Content))
	}
	if p.Metadata != nil && p.Metadata.Sources != nil {
		events = append(events, Sources(p.Metadata.Sources))
	}
	return events
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

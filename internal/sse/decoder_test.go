package sse

import (
	"errors"
	"io"
	"math/rand"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"bankchat/internal/model"
)

const wellFormed = "data: {\"type\":\"token\",\"content\":\"Your \"}\n\n" +
	": keep-alive\n\n" +
	"data: {\"type\":\"token\",\"content\":\"balance \"}\r\n\r\n" +
	"data: {\"type\":\"sources\",\"metadata\":{\"sources\":[{\"document_id\":\"d1\",\"filename\":\"stmt.pdf\",\"page\":3,\"score\":0.91}]}}\n\n" +
	"event: ping\n" +
	"data: {\"type\":\"token\",\"content\":\"is \\u00e9\\\"$42\\\".\"}\n\n" +
	"data: [DONE]\n\n"

func decodeAll(chunks ...string) []Event {
	d := NewDecoder(nil)
	var events []Event
	for _, c := range chunks {
		events = append(events, d.Feed([]byte(c))...)
	}
	return append(events, d.Flush()...)
}

func TestDecoderWellFormed(t *testing.T) {
	events := decodeAll(wellFormed)
	require.Len(t, events, 5)
	assert.Equal(t, Token("Your "), events[0])
	assert.Equal(t, Token("balance "), events[1])
	assert.Equal(t, Sources([]model.RAGSource{{DocumentID: "d1", Filename: "stmt.pdf", Page: 3, Score: 0.91}}), events[2])
	assert.Equal(t, Token("is é\"$42\"."), events[3])
	assert.Equal(t, Done(), events[4])
}

func TestDecoderChunkBoundaryInvariance(t *testing.T) {
	want := decodeAll(wellFormed)

	t.Run("every single split point", func(t *testing.T) {
		for i := 0; i <= len(wellFormed); i++ {
			got := decodeAll(wellFormed[:i], wellFormed[i:])
			require.Equal(t, want, got, "split at %d", i)
		}
	})

	t.Run("byte at a time", func(t *testing.T) {
		chunks := make([]string, len(wellFormed))
		for i := range wellFormed {
			chunks[i] = wellFormed[i : i+1]
		}
		assert.Equal(t, want, decodeAll(chunks...))
	})

	t.Run("random splits", func(t *testing.T) {
		rng := rand.New(rand.NewSource(42))
		for round := 0; round < 200; round++ {
			var chunks []string
			rest := wellFormed
			for len(rest) > 0 {
				n := 1 + rng.Intn(len(rest))
				chunks = append(chunks, rest[:n])
				rest = rest[n:]
			}
			require.Equal(t, want, decodeAll(chunks...), "round %d", round)
		}
	})
}

func TestDecoderDoneTerminates(t *testing.T) {
	input := "data: {\"type\":\"token\",\"content\":\"a\"}\n\n" +
		"data: [DONE]\n\n" +
		"data: {\"type\":\"token\",\"content\":\"late\"}\n\n" +
		"data: [DONE]\n\n"

	d := NewDecoder(nil)
	events := d.Feed([]byte(input))
	assert.Equal(t, []Event{Token("a"), Done()}, events)
	assert.True(t, d.Done())
	assert.Empty(t, d.Feed([]byte("data: {\"type\":\"token\",\"content\":\"more\"}\n")))
	assert.Empty(t, d.Flush())
}

func TestDecoderMalformedJSONIsDropped(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	d := NewDecoder(zap.New(core))

	input := "data: {bad\n\ndata: {\"type\":\"token\",\"content\":\"hi\"}\n\ndata: [DONE]\n\n"
	events := d.Feed([]byte(input))

	assert.Equal(t, []Event{Token("hi"), Done()}, events)
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "dropping malformed stream line", entry.Message)
	errField, ok := entry.ContextMap()["error"]
	require.True(t, ok)
	assert.Contains(t, errField, "decode stream payload failed")
}

func TestDecoderPayloadMapping(t *testing.T) {
	tests := []struct {
		name string
		line string
		want []Event
	}{
		{"error field", `data: {"type":"token","error":"quota exceeded"}`, []Event{Error("quota exceeded")}},
		{"error type", `data: {"type":"error","content":"backend down"}`, []Event{Error("backend down")}},
		{"error type without text", `data: {"type":"error"}`, []Event{Error("stream error")}},
		{"plain text error", `data: Error: model unavailable`, []Event{Error("model unavailable")}},
		{"done type", `data: {"type":"done"}`, []Event{Done()}},
		{"untyped content", `data: {"content":"x"}`, []Event{Token("x")}},
		{"empty token", `data: {"type":"token","content":""}`, nil},
		{"unknown type", `data: {"type":"thinking","content":"hmm"}`, nil},
		{"token with sources", `data: {"type":"token","content":"a","metadata":{"sources":[]}}`, []Event{Token("a"), Sources([]model.RAGSource{})}},
		{"null sources", `data: {"type":"token","content":"a","metadata":{"sources":null}}`, []Event{Token("a")}},
		{"no space after colon", `data:{"type":"token","content":"tight"}`, []Event{Token("tight")}},
		{"comment", `: ping`, nil},
		{"other field", `id: 7`, nil},
		{"blank data", `data: `, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decodeAll(tt.line+"\n"))
		})
	}
}

func TestDecoderFlushUnterminatedLine(t *testing.T) {
	d := NewDecoder(nil)
	assert.Empty(t, d.Feed([]byte("data: {\"type\":\"token\",\"content\":\"tail\"}")))
	assert.Equal(t, []Event{Token("tail")}, d.Flush())
	assert.Empty(t, d.Flush())
}

func TestReader(t *testing.T) {
	t.Run("stops after done", func(t *testing.T) {
		r := NewReader(iotest.OneByteReader(strings.NewReader(wellFormed+"data: {\"content\":\"late\"}\n")), nil)
		var kinds []EventKind
		for {
			ev, err := r.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			require.NoError(t, err)
			kinds = append(kinds, ev.Kind)
		}
		assert.Equal(t, []EventKind{EventToken, EventToken, EventSources, EventToken, EventDone}, kinds)

		_, err := r.Next()
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("ends without done", func(t *testing.T) {
		r := NewReader(strings.NewReader("data: {\"content\":\"a\"}\n\ndata: {\"content\":\"b\"}"), nil)
		var got []Event
		for ev, err := range r.All() {
			require.NoError(t, err)
			got = append(got, ev)
		}
		assert.Equal(t, []Event{Token("a"), Token("b")}, got)
	})

	t.Run("surfaces read errors", func(t *testing.T) {
		boom := errors.New("connection reset")
		r := NewReader(io.MultiReader(strings.NewReader("data: {\"content\":\"a\"}\n"), iotest.ErrReader(boom)), nil)

		ev, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, Token("a"), ev)

		_, err = r.Next()
		assert.ErrorIs(t, err, boom)
	})
}

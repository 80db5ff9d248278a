package backend

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"strconv"

	"github.com/bytedance/sonic"

	"bankchat/internal/model"
)

type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options are the retrieval knobs the backend accepts with every message.
type Options struct {
	UseContext  bool
	Temperature float64
	TopK        int
}

type StreamRequest struct {
	Message     string
	SessionID   string
	History     []HistoryMessage
	Attachments []Attachment
	Options     Options
}

type jsonBody struct {
	Message     string           `json:"message"`
	Stream      bool             `json:"stream"`
	SessionID   string           `json:"session_id,omitempty"`
	History     []HistoryMessage `json:"conversation_history,omitempty"`
	UseContext  bool             `json:"use_context"`
	Temperature float64          `json:"temperature,omitempty"`
	TopK        int              `json:"top_k,omitempty"`
}

// HistoryFrom converts finished store messages into backend history.
func HistoryFrom(messages []model.ChatMessage) []HistoryMessage {
	out := make([]HistoryMessage, 0, len(messages))
	for _, m := range messages {
		if m.Pending || m.Content == "" || !m.Role.Valid() {
			continue
		}
		out = append(out, HistoryMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}

// encode returns the request body and its content type: JSON, or
// multipart/form-data when files are attached.
func (r StreamRequest) encode() (io.Reader, string, error) {
	if len(r.Attachments) == 0 {
		payload, err := sonic.Marshal(jsonBody{
			Message:     r.Message,
			Stream:      true,
			SessionID:   r.SessionID,
			History:     r.History,
			UseContext:  r.Options.UseContext,
			Temperature: r.Options.Temperature,
			TopK:        r.Options.TopK,
		})
		if err != nil {
			return nil, "", fmt.Errorf("marshal stream request failed: %w", err)
		}
		return bytes.NewReader(payload), "application/json", nil
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fields := [][2]string{
		{"message", r.Message},
		{"stream", "true"},
		{"use_context", strconv.FormatBool(r.Options.UseContext)},
	}
	if r.SessionID != "" {
		fields = append(fields, [2]string{"session_id", r.SessionID})
	}
	if r.Options.Temperature > 0 {
		fields = append(fields, [2]string{"temperature", strconv.FormatFloat(r.Options.Temperature, 'f', -1, 64)})
	}
	if r.Options.TopK > 0 {
		fields = append(fields, [2]string{"top_k", strconv.Itoa(r.Options.TopK)})
	}
	if len(r.History) > 0 {
		history, err := sonic.MarshalString(r.History)
		if err != nil {
			return nil, "", fmt.Errorf("marshal conversation history failed: %w", err)
		}
		fields = append(fields, [2]string{"conversation_history", history})
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("write form field %s failed: %w", f[0], err)
		}
	}

	for _, a := range r.Attachments {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, a.Name))
		contentType := a.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		header.Set("Content-Type", contentType)
		part, err := w.CreatePart(header)
		if err != nil {
			return nil, "", fmt.Errorf("create file part failed: %w", err)
		}
		if _, err := part.Write(a.Data); err != nil {
			return nil, "", fmt.Errorf("write file part failed: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart body failed: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

func unmarshalString(s string, v interface{}) error {
	return sonic.UnmarshalString(s, v)
}

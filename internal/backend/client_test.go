package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bankchat/internal/pkg/jwtutil"
	"bankchat/internal/pkg/jwtutil/jwttest"
)

func TestOpenStreamJSON(t *testing.T) {
	var got struct {
		Message    string           `json:"message"`
		Stream     bool             `json:"stream"`
		SessionID  string           `json:"session_id"`
		History    []HistoryMessage `json:"conversation_history"`
		UseContext bool             `json:"use_context"`
		TopK       int              `json:"top_k"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chat/stream", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"type\":\"token\",\"content\":\"hi\"}\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL + "/", Tokens: StaticToken("tok")})
	body, err := client.OpenStream(context.Background(), StreamRequest{
		Message:   "balance?",
		SessionID: "s1",
		History:   []HistoryMessage{{Role: "user", Content: "hello"}},
		Options:   Options{UseContext: true, TopK: 4},
	})
	require.NoError(t, err)
	defer body.Close()

	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "[DONE]")
	assert.Equal(t, "balance?", got.Message)
	assert.True(t, got.Stream)
	assert.Equal(t, "s1", got.SessionID)
	assert.True(t, got.UseContext)
	assert.Equal(t, 4, got.TopK)
	assert.Equal(t, []HistoryMessage{{Role: "user", Content: "hello"}}, got.History)
}

func TestOpenStreamMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "read this", r.FormValue("message"))
		assert.Equal(t, "true", r.FormValue("stream"))
		assert.Equal(t, "s1", r.FormValue("session_id"))
		assert.JSONEq(t, `[{"role":"user","content":"earlier"}]`, r.FormValue("conversation_history"))

		files := r.MultipartForm.File["files"]
		if assert.Len(t, files, 1) {
			assert.Equal(t, "notes.txt", files[0].Filename)
			assert.True(t, strings.HasPrefix(files[0].Header.Get("Content-Type"), "text/plain"))
		}
		_, _ = io.WriteString(w, "data: [DONE]\n")
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, Tokens: StaticToken("tok")})
	body, err := client.OpenStream(context.Background(), StreamRequest{
		Message:     "read this",
		SessionID:   "s1",
		History:     []HistoryMessage{{Role: "user", Content: "earlier"}},
		Attachments: []Attachment{NewAttachment("/tmp/notes.txt", []byte("plain text notes\n"))},
	})
	require.NoError(t, err)
	require.NoError(t, body.Close())
}

func TestOpenStreamStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"detail":"Could not validate credentials"}`)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, Tokens: StaticToken("tok")})
	_, err := client.OpenStream(context.Background(), StreamRequest{Message: "hi"})

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	assert.Equal(t, "Could not validate credentials", statusErr.Detail())
}

func TestOpenStreamOpenError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewClient(Config{BaseURL: url, Tokens: StaticToken("tok"), Timeout: time.Second})
	_, err := client.OpenStream(context.Background(), StreamRequest{Message: "hi"})

	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, url+"/chat/stream", openErr.URL)
}

func TestOpenStreamMissingToken(t *testing.T) {
	client := NewClient(Config{BaseURL: "http://127.0.0.1:1", Tokens: StaticToken(" ")})
	_, err := client.OpenStream(context.Background(), StreamRequest{Message: "hi"})

	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestOpenStreamContextToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer forwarded", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, "data: [DONE]\n")
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL})
	body, err := client.OpenStream(WithToken(context.Background(), "forwarded"), StreamRequest{Message: "hi"})
	require.NoError(t, err)
	require.NoError(t, body.Close())
}

func TestOpenStreamCancelAbortsBody(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "data: {\"content\":\"a\"}\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	client := NewClient(Config{BaseURL: srv.URL, Tokens: StaticToken("tok")})
	body, err := client.OpenStream(ctx, StreamRequest{Message: "hi"})
	require.NoError(t, err)
	defer body.Close()

	buf := make([]byte, 64)
	n, err := body.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "data:")

	cancel()
	_, err = io.ReadAll(body)
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/health", r.URL.Path)
		_, _ = io.WriteString(w, `{"status":"healthy","service":"chat"}`)
	}))
	defer srv.Close()

	status, err := NewClient(Config{BaseURL: srv.URL}).Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "chat", status.Service)
}

func TestExpiryChecked(t *testing.T) {
	expired, err := jwttest.Sign("secret-secret-secret-secret-0000", -time.Minute, "1", "", "")
	require.NoError(t, err)
	fresh, err := jwttest.Sign("secret-secret-secret-secret-0000", time.Hour, "1", "", "")
	require.NoError(t, err)

	_, err = ExpiryChecked(StaticToken(expired), nil).Token(context.Background())
	assert.ErrorIs(t, err, jwtutil.ErrTokenExpired)

	got, err := ExpiryChecked(StaticToken(fresh), nil).Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fresh, got)

	got, err = ExpiryChecked(StaticToken("opaque-token"), nil).Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "opaque-token", got)
}

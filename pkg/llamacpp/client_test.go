package llamacpp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/scene-analyzer/pkg/client"
	"github.com/menta2k/scene-analyzer/pkg/types"
)

var pngMagic = []byte("\x89PNG\r\n\x1a\n0000")

func TestQuery(t *testing.T) {
	var got struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string        `json:"role"`
			Content []ContentPart `json:"content"`
		} `json:"messages"`
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(ChatCompletionResponse{
			Choices: []Choice{{Message: Message{Role: "assistant", Content: `{"faces": []}`}}},
		})
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL + "/")
	require.NoError(t, err)

	answer, err := c.Query(context.Background(), "llava", "find faces", pngMagic, []byte{0xff, 0xd8, 0xff, 0xe0})
	require.NoError(t, err)
	assert.Equal(t, `{"faces": []}`, answer)

	assert.Equal(t, "llava", got.Model)
	require.Len(t, got.Messages, 1)
	parts := got.Messages[0].Content
	require.Len(t, parts, 3)
	assert.Equal(t, "find faces", parts[0].Text)
	assert.True(t, strings.HasPrefix(parts[1].ImageURL.URL, "data:image/png;base64,"))
	assert.True(t, strings.HasPrefix(parts[2].ImageURL.URL, "data:image/jpeg;base64,"))
}

func TestQueryArrayContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":[{"type":"text","text":"hello"}]}}]}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL)
	require.NoError(t, err)
	answer, err := c.Query(context.Background(), "m", "p")
	require.NoError(t, err)
	assert.Equal(t, "hello", answer)
}

func TestQueryEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL)
	require.NoError(t, err)
	_, err = c.Query(context.Background(), "m", "p")
	assert.Error(t, err)
}

func TestQueryStatusMapsToKind(t *testing.T) {
	tests := []struct {
		status int
		want   types.ServiceErrorKind
	}{
		{http.StatusForbidden, types.KindAuthError},
		{http.StatusTooManyRequests, types.KindThrottled},
		{http.StatusServiceUnavailable, types.KindUnavailable},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "no", tt.status)
		}))

		c, err := NewClient(srv.URL)
		require.NoError(t, err)
		_, err = c.Query(context.Background(), "m", "p")
		srv.Close()

		require.Error(t, err)
		assert.Equal(t, tt.want, client.KindOf(err), "status %d", tt.status)
	}
}

func TestQueryHonoursDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c, err := NewClient(srv.URL)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Query(ctx, "m", "p")
	require.Error(t, err)
	assert.Equal(t, types.KindTimeout, client.KindOf(err))
}

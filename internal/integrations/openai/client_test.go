package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"thread-agent/internal/domain"
)

type stubGetter struct {
	value string
	err   error
	calls int
	last  string
}

func (s *stubGetter) GetParameter(_ context.Context, name string) (string, error) {
	s.calls++
	s.last = name
	return s.value, s.err
}

func tokenGetter(token string) *stubGetter {
	return &stubGetter{value: `{"token":"` + token + `"}`}
}

func TestChatURL(t *testing.T) {
	cases := []struct {
		name    string
		baseURL string
		want    string
	}{
		{"default when empty", "", "https://api.openai.com/v1/chat/completions"},
		{"with v1 suffix", "https://api.openai.com/v1", "https://api.openai.com/v1/chat/completions"},
		{"trailing slash trimmed", "https://api.openai.com/v1/", "https://api.openai.com/v1/chat/completions"},
		{"without v1 suffix", "https://proxy.example.com", "https://proxy.example.com/v1/chat/completions"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, chatURL(tc.baseURL))
		})
	}
}

func TestNewClient_NilGetter(t *testing.T) {
	_, err := NewClient(nil, "/prefix")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}

func TestNewClient_EmptyPrefix(t *testing.T) {
	_, err := NewClient(tokenGetter("k"), "  ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be empty")
}

func TestNewClient_TrimsPrefix(t *testing.T) {
	c, err := NewClient(tokenGetter("k"), " /prefix/ ")
	require.NoError(t, err)
	require.Equal(t, "/prefix/open-ai-token", c.tokenParameterName())
}

func TestFetchAPIKeyFromParamStore(t *testing.T) {
	t.Run("happy path", func(t *testing.T) {
		key, err := fetchAPIKeyFromParamStore(context.Background(), tokenGetter("sk-123"), "/prefix/open-ai-token")
		require.NoError(t, err)
		require.Equal(t, "sk-123", key)
	})

	t.Run("getter error", func(t *testing.T) {
		g := &stubGetter{err: errors.New("access denied")}
		_, err := fetchAPIKeyFromParamStore(context.Background(), g, "/prefix/open-ai-token")
		require.Error(t, err)
		require.Contains(t, err.Error(), "fetch token")
	})

	t.Run("not JSON", func(t *testing.T) {
		g := &stubGetter{value: "sk-raw"}
		_, err := fetchAPIKeyFromParamStore(context.Background(), g, "/prefix/open-ai-token")
		require.Error(t, err)
		require.Contains(t, err.Error(), "unmarshal")
	})

	t.Run("empty token field", func(t *testing.T) {
		g := &stubGetter{value: `{"token":""}`}
		_, err := fetchAPIKeyFromParamStore(context.Background(), g, "/prefix/open-ai-token")
		require.Error(t, err)
		require.Contains(t, err.Error(), "empty")
	})

	t.Run("blank name", func(t *testing.T) {
		_, err := fetchAPIKeyFromParamStore(context.Background(), tokenGetter("k"), " ")
		require.Error(t, err)
	})
}

func TestResolveAPIKey_FetchedOnce(t *testing.T) {
	g := tokenGetter("sk-123")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer srv.Close()

	c, err := NewClient(g, "/prefix", WithBaseURL(srv.URL))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = c.Chat(context.Background(), "gpt-4o-mini", nil)
		require.NoError(t, err)
	}
	require.Equal(t, 1, g.calls)
	require.Equal(t, "/prefix/open-ai-token", g.last)
}

func TestChat_HappyPath(t *testing.T) {
	var gotAuth string
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1756540800,
			"choices": []map[string]any{
				{"index": 0, "message": map[string]string{"role": "assistant", "content": "The answer is 4."}},
			},
		})
	}))
	defer srv.Close()

	c, err := NewClient(tokenGetter("sk-123"), "/prefix", WithBaseURL(srv.URL+"/v1"))
	require.NoError(t, err)

	messages := []domain.ChatMessage{
		{Role: "system", Content: "You are a helpful assistant."},
		{Role: "user", Content: "What is 2+2?"},
	}
	answer, err := c.Chat(context.Background(), "gpt-4o-mini", messages)
	require.NoError(t, err)
	require.Equal(t, "The answer is 4.", answer)
	require.Equal(t, "Bearer sk-123", gotAuth)
	require.Equal(t, "gpt-4o-mini", gotReq.Model)
	require.Equal(t, messages, gotReq.Messages)
	require.NotNil(t, gotReq.Temperature)
	require.InDelta(t, 0.7, *gotReq.Temperature, 1e-9)
}

func TestChat_CustomTemperature(t *testing.T) {
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"index": 0, "message": map[string]string{"role": "assistant", "content": "ok"}},
			},
		})
	}))
	defer srv.Close()

	c, err := NewClient(tokenGetter("sk-123"), "/prefix", WithBaseURL(srv.URL+"/v1"), WithTemperature(0))
	require.NoError(t, err)

	_, err = c.Chat(context.Background(), "gpt-4o-mini", nil)
	require.NoError(t, err)
	require.NotNil(t, gotReq.Temperature)
	require.InDelta(t, 0, *gotReq.Temperature, 1e-9)
}

func TestChat_EmptyModel(t *testing.T) {
	c, err := NewClient(tokenGetter("sk-123"), "/prefix")
	require.NoError(t, err)

	_, err = c.Chat(context.Background(), "", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "model must not be empty")
}

func TestChat_TokenFetchError(t *testing.T) {
	c, err := NewClient(&stubGetter{err: errors.New("throttled")}, "/prefix")
	require.NoError(t, err)

	_, err = c.Chat(context.Background(), "gpt-4o-mini", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "fetch token")
}

func TestChat_Non200Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	c, err := NewClient(tokenGetter("sk-123"), "/prefix", WithBaseURL(srv.URL+"/v1"))
	require.NoError(t, err)

	_, err = c.Chat(context.Background(), "gpt-4o-mini", nil)
	require.Error(t, err)
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusTooManyRequests, statusErr.HTTPStatusCode())
	require.Contains(t, statusErr.Body, "rate limited")
}

func TestChat_InvalidResponseJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c, err := NewClient(tokenGetter("sk-123"), "/prefix", WithBaseURL(srv.URL+"/v1"))
	require.NoError(t, err)

	_, err = c.Chat(context.Background(), "gpt-4o-mini", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "decode response")
}

func TestChat_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c, err := NewClient(tokenGetter("sk-123"), "/prefix", WithBaseURL(srv.URL+"/v1"))
	require.NoError(t, err)

	_, err = c.Chat(context.Background(), "gpt-4o-mini", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no choices")
}

func TestChat_ContextDeadlineHonored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"late"}}]}`))
	}))
	defer srv.Close()

	c, err := NewClient(tokenGetter("sk-123"), "/prefix", WithBaseURL(srv.URL+"/v1"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = c.Chat(ctx, "gpt-4o-mini", nil)
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

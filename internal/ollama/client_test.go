package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tontoo/internal/models"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, sr *schema.StreamReader[models.Delta]) ([]models.Delta, error) {
	t.Helper()
	defer sr.Close()
	var out []models.Delta
	for {
		d, err := sr.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, err
		}
		out = append(out, d)
	}
}

func ndjsonServer(t *testing.T, chunks ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher := w.(http.Flusher)
		for _, c := range chunks {
			io.WriteString(w, c)
			flusher.Flush()
		}
	}))
}

func TestGenerateStreamsDeltasUntilDone(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		io.WriteString(w, `{"message":{"content":"Hel"}}`+"\n")
		io.WriteString(w, `{"message":{"content":"lo"}}`+"\n")
		io.WriteString(w, `{"done":true}`+"\n")
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second, "llama3")
	sr, err := client.Generate(context.Background(), models.GenerateRequest{
		SystemPrompt: "be brief",
		History:      []models.Turn{{Role: models.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	deltas, err := drain(t, sr)
	require.NoError(t, err)
	require.Equal(t, []models.Delta{{Text: "Hel"}, {Text: "lo"}, {Done: true}}, deltas)

	require.Equal(t, "llama3", got.Model)
	require.True(t, got.Stream)
	require.Len(t, got.Messages, 2)
	require.Equal(t, "system", got.Messages[0].Role)
	require.Equal(t, "be brief", got.Messages[0].Content)
	require.Equal(t, "user", got.Messages[1].Role)
}

func TestGenerateReassemblesSplitLinesAndDropsNoise(t *testing.T) {
	srv := ndjsonServer(t,
		`{"message":{"con`,
		`tent":"A"}}`+"\n"+`not json`+"\n",
		"\n"+`{"message":{"content":""}}`+"\n",
		`{"response":"B"}`+"\n",
		`{"message":{"content":"C"},"done":true}`,
	)
	defer srv.Close()

	sr, err := NewClient(srv.URL, time.Second, "m").Generate(context.Background(), models.GenerateRequest{})
	require.NoError(t, err)
	deltas, err := drain(t, sr)
	require.NoError(t, err)
	require.Equal(t, []models.Delta{{Text: "A"}, {Text: "B"}, {Text: "C", Done: true}}, deltas)
}

func TestGenerateEOFWithoutDoneIsNoResponse(t *testing.T) {
	srv := ndjsonServer(t, `{"message":{"content":"partial"}}`+"\n")
	defer srv.Close()

	sr, err := NewClient(srv.URL, time.Second, "m").Generate(context.Background(), models.GenerateRequest{})
	require.NoError(t, err)
	deltas, err := drain(t, sr)
	require.ErrorIs(t, err, ErrNoResponse)
	require.Equal(t, []models.Delta{{Text: "partial"}}, deltas)
}

func TestGenerateNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second, "m").Generate(context.Background(), models.GenerateRequest{})
	require.ErrorIs(t, err, ErrBackendUnavailable)
	require.Contains(t, err.Error(), "404")
}

func TestGenerateDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, time.Second, "m").Generate(context.Background(), models.GenerateRequest{})
	require.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestGenerateInlineErrorLine(t *testing.T) {
	srv := ndjsonServer(t, `{"message":{"content":"x"}}`+"\n", `{"error":"out of memory"}`+"\n")
	defer srv.Close()

	sr, err := NewClient(srv.URL, time.Second, "m").Generate(context.Background(), models.GenerateRequest{})
	require.NoError(t, err)
	deltas, err := drain(t, sr)
	require.ErrorIs(t, err, ErrBackendUnavailable)
	require.Len(t, deltas, 1)
}

// hangingServer writes one delta and then blocks until the client goes away.
func hangingServer(t *testing.T) (*httptest.Server, chan struct{}) {
	t.Helper()
	gone := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"message":{"content":"first"}}`+"\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(gone)
	}))
	return srv, gone
}

func TestGenerateCancelClosesTransport(t *testing.T) {
	srv, gone := hangingServer(t)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sr, err := NewClient(srv.URL, time.Minute, "m").Generate(ctx, models.GenerateRequest{})
	require.NoError(t, err)
	defer sr.Close()

	d, err := sr.Recv()
	require.NoError(t, err)
	require.Equal(t, "first", d.Text)

	cancel()
	_, err = sr.Recv()
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, ErrBackendUnavailable)

	select {
	case <-gone:
	case <-time.After(2 * time.Second):
		t.Fatalf("backend request was not closed after cancel")
	}
}

func TestGenerateTimeoutIsBackendFailure(t *testing.T) {
	srv, _ := hangingServer(t)
	defer srv.Close()

	sr, err := NewClient(srv.URL, 100*time.Millisecond, "m").Generate(context.Background(), models.GenerateRequest{})
	require.NoError(t, err)
	deltas, err := drain(t, sr)
	require.ErrorIs(t, err, ErrBackendUnavailable)
	require.Len(t, deltas, 1)
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		io.WriteString(w, `{"models":[{"name":"llama3:latest"},{"name":"mistral"}]}`)
	}))
	defer srv.Close()

	got := NewClient(srv.URL, time.Second, "").ListModels(context.Background())
	require.Equal(t, map[string]string{"llama3:latest": "llama3:latest", "mistral": "mistral"}, got)
}

func TestListModelsFallback(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	got := NewClient(url, time.Second, "").ListModels(context.Background())
	require.Equal(t, FallbackModels, got)
	got["extra"] = "x"
	require.NotContains(t, FallbackModels, "extra")
}

func TestDecodeLine(t *testing.T) {
	cases := []struct {
		line string
		ok   bool
		want models.Delta
	}{
		{`{"message":{"content":"a"},"done":false}`, true, models.Delta{Text: "a"}},
		{`{"response":"b","done":false}`, true, models.Delta{Text: "b"}},
		{`{"done":true}`, true, models.Delta{Done: true}},
		{`{"message":{"content":""}}`, false, models.Delta{}},
		{`{"model":"x"}`, false, models.Delta{}},
		{`{"message":`, false, models.Delta{}},
		{"   ", false, models.Delta{}},
	}
	for _, tc := range cases {
		got, ok, err := decodeLine([]byte(tc.line))
		if err != nil {
			t.Fatalf("decodeLine(%q): %v", tc.line, err)
		}
		if ok != tc.ok || got != tc.want {
			t.Fatalf("decodeLine(%q) = %+v,%v want %+v,%v", tc.line, got, ok, tc.want, tc.ok)
		}
	}
	if !strings.Contains(FallbackModels["llama2"], "Llama") {
		t.Fatalf("unexpected fallback")
	}
}

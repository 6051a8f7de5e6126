package ai

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"tontoo/internal/config"
	"tontoo/internal/models"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

type fakeChatModel struct {
	chunks []string
	err    error
	hang   bool
	got    []*schema.Message
}

func (f *fakeChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	return nil, errors.New("not used")
}

func (f *fakeChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	f.got = input
	if f.err != nil {
		return nil, f.err
	}
	if f.hang {
		sr, sw := schema.Pipe[*schema.Message](0)
		go func() {
			defer sw.Close()
			<-ctx.Done()
			sw.Send(nil, ctx.Err())
		}()
		return sr, nil
	}
	msgs := make([]*schema.Message, 0, len(f.chunks))
	for _, c := range f.chunks {
		msgs = append(msgs, schema.AssistantMessage(c, nil))
	}
	return schema.StreamReaderFromArray(msgs), nil
}

func withFactory(t *testing.T, fake *fakeChatModel) *int {
	t.Helper()
	calls := 0
	prev := newChatModel
	newChatModel = func(ctx context.Context, provider string, cfg config.ProviderConfig, modelName string) (model.BaseChatModel, error) {
		calls++
		return fake, nil
	}
	t.Cleanup(func() { newChatModel = prev })
	return &calls
}

func TestGenerateConvertsStream(t *testing.T) {
	fake := &fakeChatModel{chunks: []string{"Hel", "", "lo"}}
	calls := withFactory(t, fake)

	svc := NewService(map[string]config.ProviderConfig{"openai": {Model: "gpt-4o", APIKey: "k"}}, 0)
	req := models.GenerateRequest{
		Model:        "openai/gpt-4o",
		SystemPrompt: "sys",
		History: []models.Turn{
			{Role: models.RoleUser, Content: "hi"},
			{Role: models.RoleAssistant, Content: "hey"},
		},
	}
	sr, err := svc.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	defer sr.Close()

	var deltas []models.Delta
	for {
		d, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		deltas = append(deltas, d)
	}
	want := []models.Delta{{Text: "Hel"}, {Text: "lo"}, {Done: true}}
	if len(deltas) != len(want) {
		t.Fatalf("deltas mismatch: %+v", deltas)
	}
	for i := range want {
		if deltas[i] != want[i] {
			t.Fatalf("delta %d: want %+v got %+v", i, want[i], deltas[i])
		}
	}
	if len(fake.got) != 3 || fake.got[0].Role != schema.System || fake.got[2].Role != schema.Assistant {
		t.Fatalf("unexpected converted history: %+v", fake.got)
	}

	if _, err := svc.Generate(context.Background(), req); err != nil {
		t.Fatalf("second Generate: %v", err)
	}
	if *calls != 1 {
		t.Fatalf("chat model should be cached, factory called %d times", *calls)
	}
}

func TestGenerateStreamSetupFailure(t *testing.T) {
	withFactory(t, &fakeChatModel{err: errors.New("401 unauthorized")})
	svc := NewService(map[string]config.ProviderConfig{"claude": {Model: "c", APIKey: "k"}}, 0)

	_, err := svc.Generate(context.Background(), models.GenerateRequest{Model: "claude/c"})
	if !errors.Is(err, models.ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
	if _, err := svc.Generate(context.Background(), models.GenerateRequest{Model: "gemini/x"}); err == nil {
		t.Fatalf("expected unconfigured provider error")
	}
}

func TestRoutingHelpers(t *testing.T) {
	svc := NewService(map[string]config.ProviderConfig{
		"openai": {Model: "gpt-4o", APIKey: "k"},
		"gemini": {Model: "gemini-2.0-flash"},
	}, 0)
	if !svc.Handles("openai/gpt-4o") || svc.Handles("llama3") || svc.Handles("claude/x") {
		t.Fatalf("Handles routing mismatch")
	}
	list := svc.ListModels()
	if len(list) != 1 || list["openai/gpt-4o"] == "" {
		t.Fatalf("providers without api keys must be hidden: %v", list)
	}
	if p, m, ok := SplitModel("openai/gpt-4o"); !ok || p != "openai" || m != "gpt-4o" {
		t.Fatalf("SplitModel mismatch")
	}
	if _, _, ok := SplitModel("llama3:8b"); ok {
		t.Fatalf("plain ollama names must not split")
	}
}

func TestGenerateTimesOut(t *testing.T) {
	withFactory(t, &fakeChatModel{hang: true})
	svc := NewService(map[string]config.ProviderConfig{"openai": {Model: "gpt-4o", APIKey: "k"}}, 50*time.Millisecond)

	sr, err := svc.Generate(context.Background(), models.GenerateRequest{Model: "openai/gpt-4o"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	defer sr.Close()
	_, err = sr.Recv()
	if !errors.Is(err, models.ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable after timeout, got %v", err)
	}
}

func TestGenerateCallerCancelIsNotBackendFailure(t *testing.T) {
	withFactory(t, &fakeChatModel{hang: true})
	svc := NewService(map[string]config.ProviderConfig{"openai": {Model: "gpt-4o", APIKey: "k"}}, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	sr, err := svc.Generate(ctx, models.GenerateRequest{Model: "openai/gpt-4o"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	defer sr.Close()
	cancel()
	_, err = sr.Recv()
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

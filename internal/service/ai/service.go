package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"tontoo/internal/config"
	"tontoo/internal/models"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

const (
	streamBuffer   = 16
	DefaultTimeout = 2 * time.Minute
)

// ChatModelFactory builds an eino chat model for one provider/model pair.
type ChatModelFactory func(ctx context.Context, provider string, cfg config.ProviderConfig, modelName string) (model.BaseChatModel, error)

// newChatModel is swapped in tests.
var newChatModel ChatModelFactory = defaultChatModel

// Service streams from hosted providers configured under "providers".
// Model names take the form "provider/model".
type Service struct {
	providers map[string]config.ProviderConfig
	timeout   time.Duration

	mu     sync.Mutex
	models map[string]model.BaseChatModel
}

// NewService builds the hosted backend. timeout bounds a whole generation.
func NewService(providers map[string]config.ProviderConfig, timeout time.Duration) *Service {
	if providers == nil {
		providers = map[string]config.ProviderConfig{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Service{
		providers: providers,
		timeout:   timeout,
		models:    make(map[string]model.BaseChatModel),
	}
}

// SplitModel separates "provider/model". ok is false without a provider prefix.
func SplitModel(name string) (provider, modelName string, ok bool) {
	provider, modelName, ok = strings.Cut(name, "/")
	if !ok || provider == "" {
		return "", "", false
	}
	return provider, modelName, true
}

// Handles reports whether name routes to a configured provider.
func (s *Service) Handles(name string) bool {
	provider, _, ok := SplitModel(name)
	if !ok {
		return false
	}
	_, configured := s.providers[provider]
	return configured
}

// ListModels returns the configured provider models keyed by routable name.
func (s *Service) ListModels() map[string]string {
	out := make(map[string]string, len(s.providers))
	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cfg := s.providers[name]
		if cfg.Model == "" || cfg.APIKey == "" {
			continue
		}
		out[name+"/"+cfg.Model] = fmt.Sprintf("%s (%s)", cfg.Model, name)
	}
	return out
}

// Generate streams a hosted completion as Deltas, ending with a Done delta.
// Running past the service timeout is reported as ErrBackendUnavailable.
func (s *Service) Generate(ctx context.Context, req models.GenerateRequest) (*schema.StreamReader[models.Delta], error) {
	chatModel, err := s.chatModel(ctx, req.Model)
	if err != nil {
		return nil, err
	}
	genCtx, cancel := context.WithTimeout(ctx, s.timeout)
	in, err := chatModel.Stream(genCtx, convertMessages(req))
	if err != nil {
		cancel()
		return nil, classify(ctx, genCtx, err)
	}

	sr, sw := schema.Pipe[models.Delta](streamBuffer)
	go func() {
		defer cancel()
		defer in.Close()
		defer sw.Close()
		for {
			chunk, err := in.Recv()
			if genCtx.Err() != nil {
				sw.Send(models.Delta{}, classify(ctx, genCtx, genCtx.Err()))
				return
			}
			if errors.Is(err, io.EOF) {
				sw.Send(models.Delta{Done: true}, nil)
				return
			}
			if err != nil {
				sw.Send(models.Delta{}, classify(ctx, genCtx, err))
				return
			}
			if chunk == nil || chunk.Content == "" {
				continue
			}
			if closed := sw.Send(models.Delta{Text: chunk.Content}, nil); closed {
				return
			}
		}
	}()
	return sr, nil
}

// classify keeps caller cancellation as context.Canceled; everything else,
// the deadline included, is a backend failure.
func classify(parent, genCtx context.Context, err error) error {
	if parent.Err() != nil {
		return context.Canceled
	}
	if errors.Is(genCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: timed out", models.ErrBackendUnavailable)
	}
	return fmt.Errorf("%w: %v", models.ErrBackendUnavailable, err)
}

func (s *Service) chatModel(ctx context.Context, name string) (model.BaseChatModel, error) {
	provider, modelName, ok := SplitModel(name)
	if !ok {
		return nil, fmt.Errorf("invalid model name %q", name)
	}
	cfg, ok := s.providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}
	if modelName == "" {
		modelName = cfg.Model
	}

	key := provider + "/" + modelName
	s.mu.Lock()
	defer s.mu.Unlock()
	if cm, ok := s.models[key]; ok {
		return cm, nil
	}
	cm, err := newChatModel(ctx, provider, cfg, modelName)
	if err != nil {
		return nil, fmt.Errorf("%w: init %s: %v", models.ErrBackendUnavailable, provider, err)
	}
	s.models[key] = cm
	return cm, nil
}

func defaultChatModel(ctx context.Context, provider string, cfg config.ProviderConfig, modelName string) (model.BaseChatModel, error) {
	switch provider {
	case "openai":
		cm, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: cfg.BaseURL,
			Model:   modelName,
			APIKey:  cfg.APIKey,
		})
		if err != nil {
			return nil, err
		}
		return cm, nil
	case "gemini":
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  cfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("new gemini client: %w", err)
		}
		cm, err := gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelName,
		})
		if err != nil {
			return nil, err
		}
		return cm, nil
	case "claude":
		var baseURL *string
		if cfg.BaseURL != "" {
			baseURL = &cfg.BaseURL
		}
		cm, err := claude.NewChatModel(ctx, &claude.Config{
			APIKey:    cfg.APIKey,
			Model:     modelName,
			BaseURL:   baseURL,
			MaxTokens: 3000,
		})
		if err != nil {
			return nil, err
		}
		return cm, nil
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
}

func convertMessages(req models.GenerateRequest) []*schema.Message {
	messages := make([]*schema.Message, 0, len(req.History)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, schema.SystemMessage(req.SystemPrompt))
	}
	for _, turn := range req.History {
		var role schema.RoleType
		switch turn.Role {
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}
		messages = append(messages, &schema.Message{Role: role, Content: turn.Content})
	}
	return messages
}

package relay

import (
	"context"
	"log"
	"os"
	"strings"

	"tontoo/internal/models"

	"golang.org/x/time/rate"
)

var relayDebugEnabled = strings.EqualFold(os.Getenv("TONTOO_DEBUG"), "1")

func debugLog(format string, args ...interface{}) {
	if relayDebugEnabled {
		log.Printf(format, args...)
	}
}

// ConversationStore is the per-user conversation history.
type ConversationStore interface {
	Load(ctx context.Context, userID int64, id string) (*models.Conversation, error)
	Append(ctx context.Context, userID int64, id string, turn models.Turn) (*models.Conversation, error)
	Reset(ctx context.Context, userID int64, id string) (*models.Conversation, error)
	Delete(ctx context.Context, userID int64, id string) (bool, error)
	List(ctx context.Context, userID int64) ([]models.ConversationSummary, error)
	Create(ctx context.Context, userID int64) (*models.Conversation, error)
}

// QuotaLedger gates and records token usage.
type QuotaLedger interface {
	Check(ctx context.Context, userID int64) (int64, error)
	Charge(ctx context.Context, userID int64, amount int64) error
}

type Authenticator interface {
	ValidateToken(ctx context.Context, token string) (int64, error)
}

type UserDirectory interface {
	GetUser(ctx context.Context, userID int64) (*models.User, error)
}

// Renderer produces the HTML copy sent alongside streamed text.
type Renderer interface {
	HTML(src string) string
}

// Emitter delivers one named event to the client. Implementations must be
// safe for concurrent use; if they implement io.Closer, closing a session
// closes them.
type Emitter interface {
	Emit(event string, payload any) error
}

type Deps struct {
	Store     ConversationStore
	Quota     QuotaLedger
	Generator Generator
	Models    ModelLister
	Auth      Authenticator
	Users     UserDirectory
	Renderer  Renderer
}

type Options struct {
	SystemPrompt string
	DefaultModel string
	// MessageRate and MessageBurst bound send_message per connection.
	MessageRate  float64
	MessageBurst int
}

// Hub opens relay sessions and owns their registry.
type Hub struct {
	deps     Deps
	opts     Options
	registry *Registry
}

func NewHub(deps Deps, opts Options) *Hub {
	if opts.MessageRate <= 0 {
		opts.MessageRate = 1
	}
	if opts.MessageBurst <= 0 {
		opts.MessageBurst = 5
	}
	return &Hub{deps: deps, opts: opts, registry: NewRegistry()}
}

func (h *Hub) Registry() *Registry {
	return h.registry
}

// Open registers a session for a new connection and announces the models.
// A non-empty token authenticates the session immediately.
func (h *Hub) Open(out Emitter, token string) *Session {
	s := newSession(h, out, token, rate.NewLimiter(rate.Limit(h.opts.MessageRate), h.opts.MessageBurst))
	h.registry.Add(s)
	debugLog("relay session %s opened", s.id)

	if h.deps.Models != nil {
		s.emit(EventModelsLoaded, h.deps.Models.ListModels(s.ctx))
	}
	if token != "" {
		s.authenticate(token, true)
	}
	return s
}

// DisconnectUser closes every session of userID and returns how many closed.
func (h *Hub) DisconnectUser(userID int64) int {
	sessions := h.registry.ForUser(userID)
	for _, s := range sessions {
		s.Close()
	}
	return len(sessions)
}

// Shutdown closes all sessions.
func (h *Hub) Shutdown() {
	for _, s := range h.registry.snapshot() {
		s.Close()
	}
}

func (h *Hub) render(src string) string {
	if h.deps.Renderer == nil {
		return ""
	}
	return h.deps.Renderer.HTML(src)
}

func (h *Hub) systemPrompt(user *models.User) string {
	prompt := h.opts.SystemPrompt
	if user == nil || strings.TrimSpace(user.PersonalPrompt) == "" {
		return prompt
	}
	personal := "Personal Context:\n" + user.PersonalPrompt
	if prompt == "" {
		return personal
	}
	return prompt + "\n\n" + personal
}

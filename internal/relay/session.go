package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"tontoo/internal/chatstore"
	"tontoo/internal/models"
	"tontoo/internal/quota"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var ErrUnauthenticated = errors.New("not authenticated")

// Cancellation causes of a generation.
var (
	errStopped      = errors.New("generation stopped")
	errSuperseded   = errors.New("generation superseded")
	errDisconnected = errors.New("connection closed")
)

// Session is the relay state machine of one client connection: Idle while
// active is nil, Generating otherwise, Terminal once closed.
type Session struct {
	id           string
	hub          *Hub
	out          Emitter
	upgradeToken string
	limiter      *rate.Limiter

	ctx    context.Context
	cancel context.CancelCauseFunc

	handleMu sync.Mutex // serialises inbound events

	mu     sync.Mutex
	userID int64
	active *generation
	closed bool

	// emitMu orders streaming emits against cancellation: once a generation
	// is cancelled under emitMu, it emits no further message_streaming.
	emitMu    sync.Mutex
	closeOnce sync.Once
}

type generation struct {
	id     string
	chatID string
	userID int64
	start  time.Time
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
}

func newSession(h *Hub, out Emitter, token string, limiter *rate.Limiter) *Session {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Session{
		id:           uuid.NewString(),
		hub:          h,
		out:          out,
		upgradeToken: token,
		limiter:      limiter,
		ctx:          ctx,
		cancel:       cancel,
	}
}

func (s *Session) ID() string { return s.id }

// UserID is the bound identity, 0 before authentication.
func (s *Session) UserID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Generating reports whether a generation is in flight.
func (s *Session) Generating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// Handle dispatches one inbound event. Failures become error events; none
// of them end the connection.
func (s *Session) Handle(event string, data json.RawMessage) {
	if event == EventDisconnect {
		s.Close()
		return
	}

	s.handleMu.Lock()
	defer s.handleMu.Unlock()
	if s.isClosed() {
		return
	}
	debugLog("relay session %s event %s", s.id, event)

	switch event {
	case EventAuthenticate:
		var req authenticateRequest
		if !s.decode(data, &req) {
			return
		}
		token := req.Token
		if token == "" {
			token = s.upgradeToken
		}
		s.authenticate(token, false)
	case EventSendMessage:
		var req sendMessageRequest
		if !s.decode(data, &req) {
			return
		}
		s.handleSend(req)
	case EventLoadChat:
		var req chatRequest
		if !s.decode(data, &req) {
			return
		}
		s.handleLoad(req.ChatID)
	case EventCreateChat:
		s.handleCreate()
	case EventDeleteChat:
		var req chatRequest
		if !s.decode(data, &req) {
			return
		}
		s.handleDelete(req.ChatID)
	case EventResetChat:
		var req chatRequest
		if !s.decode(data, &req) {
			return
		}
		s.handleReset(req.ChatID)
	case EventStopGeneration:
		s.cancelActive(errStopped)
	default:
		s.emit(EventError, ErrorPayload{Message: "unknown event " + event})
	}
}

// Close cancels any generation, waits for it to settle and unregisters the
// session. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		gen := s.active
		s.mu.Unlock()

		s.emitMu.Lock()
		s.cancel(errDisconnected)
		s.emitMu.Unlock()
		if gen != nil {
			<-gen.done
		}
		s.hub.registry.Remove(s.id)
		if closer, ok := s.out.(io.Closer); ok {
			closer.Close()
		}
		debugLog("relay session %s closed", s.id)
	})
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) decode(data json.RawMessage, v any) bool {
	if len(data) == 0 || string(data) == "null" {
		return true
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.emit(EventError, ErrorPayload{Message: "invalid event payload"})
		return false
	}
	return true
}

func (s *Session) authenticate(token string, silent bool) {
	fail := func() {
		if !silent {
			s.emitError("", ErrUnauthenticated)
		}
	}
	if token == "" || s.hub.deps.Auth == nil {
		fail()
		return
	}
	userID, err := s.hub.deps.Auth.ValidateToken(s.ctx, token)
	if err != nil || userID <= 0 {
		fail()
		return
	}
	var user *models.User
	if s.hub.deps.Users != nil {
		user, err = s.hub.deps.Users.GetUser(s.ctx, userID)
		if err != nil {
			log.Printf("relay authenticate: load user %d: %v", userID, err)
			fail()
			return
		}
	}

	s.mu.Lock()
	previous := s.userID
	s.userID = userID
	s.mu.Unlock()
	if previous != 0 && previous != userID {
		if gen := s.cancelActive(errSuperseded); gen != nil {
			<-gen.done
		}
	}

	payload := AuthenticatedPayload{}
	if user != nil {
		payload.Username = user.Username
		payload.TokensRemaining = user.Remaining()
	}
	s.emit(EventAuthenticated, payload)
}

func (s *Session) requireUser() (int64, bool) {
	userID := s.UserID()
	if userID <= 0 {
		s.emitError("", ErrUnauthenticated)
		return 0, false
	}
	return userID, true
}

func (s *Session) handleSend(req sendMessageRequest) {
	userID, ok := s.requireUser()
	if !ok {
		return
	}
	text := strings.TrimSpace(req.Message)
	if text == "" {
		s.emit(EventError, ErrorPayload{Message: "message is empty"})
		return
	}
	if !s.limiter.Allow() {
		s.emit(EventError, ErrorPayload{Message: "too many messages, slow down"})
		return
	}

	// at most one generation per connection: the previous one settles
	// (and emits streaming_stopped) before anything of the new one
	if prev := s.cancelActive(errSuperseded); prev != nil {
		<-prev.done
	}

	remaining, err := s.hub.deps.Quota.Check(s.ctx, userID)
	if err != nil {
		if errors.Is(err, quota.ErrQuotaExceeded) {
			s.emit(EventTokenLimitExceeded, TokenLimitPayload{
				Message:   "Daily token limit reached. Please try again tomorrow.",
				Remaining: remaining,
			})
			return
		}
		s.emitError("", err)
		return
	}

	chatID := req.ChatID
	if chatID == "" {
		conv, err := s.hub.deps.Store.Create(s.ctx, userID)
		if err != nil {
			s.emitError("", err)
			return
		}
		chatID = conv.ID
		s.emit(EventChatCreated, ChatPayload{ChatID: chatID})
	}

	conv, err := s.hub.deps.Store.Append(s.ctx, userID, chatID, models.Turn{Role: models.RoleUser, Content: text})
	if err != nil {
		s.emitError("", err)
		return
	}

	var user *models.User
	if s.hub.deps.Users != nil {
		if user, err = s.hub.deps.Users.GetUser(s.ctx, userID); err != nil {
			log.Printf("relay: load user %d for prompt: %v", userID, err)
		}
	}
	modelName := req.SelectedModel
	if modelName == "" {
		modelName = s.hub.opts.DefaultModel
	}
	genReq := models.GenerateRequest{
		History:      conv.Turns,
		SystemPrompt: s.hub.systemPrompt(user),
		Model:        modelName,
	}

	gen := s.startGeneration(userID, chatID)
	if gen == nil {
		return
	}
	go s.run(gen, genReq)
}

func (s *Session) startGeneration(userID int64, chatID string) *generation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	ctx, cancel := context.WithCancelCause(s.ctx)
	gen := &generation{
		id:     uuid.NewString(),
		chatID: chatID,
		userID: userID,
		start:  time.Now(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.active = gen
	return gen
}

// cancelActive cancels the in-flight generation, if any, and returns it.
func (s *Session) cancelActive(cause error) *generation {
	s.mu.Lock()
	gen := s.active
	s.mu.Unlock()
	if gen == nil {
		return nil
	}
	s.emitMu.Lock()
	gen.cancel(cause)
	s.emitMu.Unlock()
	return gen
}

func (s *Session) finish(gen *generation) {
	gen.cancel(nil)
	s.mu.Lock()
	if s.active == gen {
		s.active = nil
	}
	s.mu.Unlock()
	close(gen.done)
}

// run consumes the model stream for one generation.
func (s *Session) run(gen *generation, req models.GenerateRequest) {
	defer s.finish(gen)

	stream, err := s.hub.deps.Generator.Generate(gen.ctx, req)
	if err != nil {
		if gen.ctx.Err() != nil {
			s.stopped(gen, "", 0)
			return
		}
		s.failed(gen, "", 0, err)
		return
	}
	defer stream.Close()

	var text strings.Builder
	tokens := 0
	for {
		delta, err := stream.Recv()
		if gen.ctx.Err() != nil {
			s.stopped(gen, text.String(), tokens)
			return
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = models.ErrNoResponse
			}
			s.failed(gen, text.String(), tokens, err)
			return
		}
		if delta.Text != "" {
			text.WriteString(delta.Text)
			tokens++
			content := text.String()
			s.emitLive(gen, EventMessageStreaming, StreamingPayload{
				ResponseID: gen.id,
				ChatID:     gen.chatID,
				Content:    content,
				HTML:       s.hub.render(content),
			})
		}
		if delta.Done {
			s.completed(gen, text.String(), tokens)
			return
		}
	}
}

// completed persists the assistant turn, then charges, then notifies.
func (s *Session) completed(gen *generation, content string, tokens int) {
	stats := models.TurnStats{Tokens: tokens, Duration: seconds(time.Since(gen.start))}
	ctx := context.WithoutCancel(gen.ctx)
	_, appendErr := s.hub.deps.Store.Append(ctx, gen.userID, gen.chatID, models.Turn{
		Role:    models.RoleAssistant,
		Content: content,
		Stats:   &stats,
	})
	if appendErr != nil {
		log.Printf("relay: save response %s: %v", gen.id, appendErr)
	}
	s.charge(ctx, gen, tokens)
	if appendErr != nil {
		s.emitError(gen.id, appendErr)
		return
	}
	s.emit(EventMessageCompleted, CompletedPayload{
		ResponseID: gen.id,
		ChatID:     gen.chatID,
		Content:    content,
		HTML:       s.hub.render(content),
		Stats:      stats,
	})
}

// stopped keeps any partial text and acknowledges the stop. A closed
// connection gets no acknowledgement.
func (s *Session) stopped(gen *generation, content string, tokens int) {
	s.savePartial(gen, content, tokens)
	if errors.Is(context.Cause(gen.ctx), errDisconnected) {
		return
	}
	s.emit(EventStreamingStopped, StoppedPayload{ResponseID: gen.id, ChatID: gen.chatID, Content: content})
}

func (s *Session) failed(gen *generation, content string, tokens int, err error) {
	log.Printf("relay: generation %s failed: %v", gen.id, err)
	// NoResponse never leaves an assistant turn behind
	if !errors.Is(err, models.ErrNoResponse) {
		s.savePartial(gen, content, tokens)
	}
	s.emitError(gen.id, err)
}

func (s *Session) savePartial(gen *generation, content string, tokens int) {
	if content == "" {
		return
	}
	ctx := context.WithoutCancel(gen.ctx)
	stats := models.TurnStats{Tokens: tokens, Duration: seconds(time.Since(gen.start))}
	if _, err := s.hub.deps.Store.Append(ctx, gen.userID, gen.chatID, models.Turn{
		Role:    models.RoleAssistant,
		Content: content,
		Stats:   &stats,
	}); err != nil {
		log.Printf("relay: save partial response %s: %v", gen.id, err)
	}
	s.charge(ctx, gen, tokens)
}

func (s *Session) charge(ctx context.Context, gen *generation, tokens int) {
	if tokens <= 0 {
		return
	}
	if err := s.hub.deps.Quota.Charge(ctx, gen.userID, int64(tokens)); err != nil {
		log.Printf("relay: charge user %d: %v", gen.userID, err)
	}
}

func (s *Session) handleLoad(chatID string) {
	userID, ok := s.requireUser()
	if !ok {
		return
	}
	conv, err := s.hub.deps.Store.Load(s.ctx, userID, chatID)
	if err != nil {
		s.emitError("", err)
		return
	}
	list, err := s.hub.deps.Store.List(s.ctx, userID)
	if err != nil {
		s.emitError("", err)
		return
	}
	s.emit(EventChatLoaded, ChatLoadedPayload{ChatID: chatID, ChatData: conv, ChatList: list})
}

func (s *Session) handleCreate() {
	userID, ok := s.requireUser()
	if !ok {
		return
	}
	conv, err := s.hub.deps.Store.Create(s.ctx, userID)
	if err != nil {
		s.emitError("", err)
		return
	}
	list, err := s.hub.deps.Store.List(s.ctx, userID)
	if err != nil {
		s.emitError("", err)
		return
	}
	s.emit(EventChatCreated, ChatPayload{ChatID: conv.ID, ChatList: list})
}

func (s *Session) handleDelete(chatID string) {
	userID, ok := s.requireUser()
	if !ok {
		return
	}
	existed, err := s.hub.deps.Store.Delete(s.ctx, userID, chatID)
	if err != nil {
		s.emitError("", err)
		return
	}
	if !existed {
		return
	}
	list, err := s.hub.deps.Store.List(s.ctx, userID)
	if err != nil {
		s.emitError("", err)
		return
	}
	s.emit(EventChatDeleted, ChatPayload{ChatID: chatID, ChatList: list})
}

func (s *Session) handleReset(chatID string) {
	userID, ok := s.requireUser()
	if !ok {
		return
	}
	if _, err := s.hub.deps.Store.Reset(s.ctx, userID, chatID); err != nil {
		s.emitError("", err)
		return
	}
	s.emit(EventChatReset, ChatPayload{ChatID: chatID})
}

// emitLive emits only while gen has not been cancelled.
func (s *Session) emitLive(gen *generation, event string, payload any) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if gen.ctx.Err() != nil {
		return
	}
	if err := s.out.Emit(event, payload); err != nil {
		debugLog("relay session %s emit %s: %v", s.id, event, err)
	}
}

func (s *Session) emit(event string, payload any) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if err := s.out.Emit(event, payload); err != nil {
		debugLog("relay session %s emit %s: %v", s.id, event, err)
	}
}

func (s *Session) emitError(responseID string, err error) {
	s.emit(EventError, ErrorPayload{Message: userMessage(err), ResponseID: responseID})
}

func userMessage(err error) string {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return "Not authenticated"
	case errors.Is(err, models.ErrNoResponse):
		return "The model returned no response"
	case errors.Is(err, models.ErrBackendUnavailable):
		return "The model backend is unavailable, please try again"
	case errors.Is(err, quota.ErrUserNotFound):
		return "User not found"
	case errors.Is(err, chatstore.ErrInvalidID):
		return "Invalid chat id"
	default:
		log.Printf("relay: %v", err)
		return "Something went wrong"
	}
}

// seconds rounds to one decimal.
func seconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*10) / 10
}

package relay

import "tontoo/internal/models"

// Inbound events.
const (
	EventAuthenticate   = "authenticate"
	EventSendMessage    = "send_message"
	EventLoadChat       = "load_chat"
	EventCreateChat     = "create_chat"
	EventDeleteChat     = "delete_chat"
	EventResetChat      = "reset_chat"
	EventStopGeneration = "stop_generation"
	EventDisconnect     = "disconnect"
)

// Outbound events.
const (
	EventAuthenticated      = "authenticated"
	EventModelsLoaded       = "models_loaded"
	EventMessageStreaming   = "message_streaming"
	EventMessageCompleted   = "message_completed"
	EventTokenLimitExceeded = "token_limit_exceeded"
	EventStreamingStopped   = "streaming_stopped"
	EventChatLoaded         = "chat_loaded"
	EventChatCreated        = "chat_created"
	EventChatDeleted        = "chat_deleted"
	EventChatReset          = "chat_reset"
	EventError              = "error"
)

type authenticateRequest struct {
	Token string `json:"token"`
}

type sendMessageRequest struct {
	Message       string `json:"message"`
	SelectedModel string `json:"selectedModel"`
	ChatID        string `json:"chatId"`
}

type chatRequest struct {
	ChatID string `json:"chatId"`
}

type AuthenticatedPayload struct {
	Username        string `json:"username"`
	TokensRemaining int64  `json:"tokensRemaining"`
}

type StreamingPayload struct {
	ResponseID string `json:"responseId"`
	ChatID     string `json:"chatId"`
	Content    string `json:"content"`
	HTML       string `json:"html"`
}

type CompletedPayload struct {
	ResponseID string           `json:"responseId"`
	ChatID     string           `json:"chatId"`
	Content    string           `json:"content"`
	HTML       string           `json:"html"`
	Stats      models.TurnStats `json:"stats"`
}

type StoppedPayload struct {
	ResponseID string `json:"responseId"`
	ChatID     string `json:"chatId"`
	Content    string `json:"content"`
}

type TokenLimitPayload struct {
	Message   string `json:"message"`
	Remaining int64  `json:"remaining"`
}

type ChatLoadedPayload struct {
	ChatID   string                       `json:"chatId"`
	ChatData *models.Conversation         `json:"chatData"`
	ChatList []models.ConversationSummary `json:"chatList"`
}

type ChatPayload struct {
	ChatID   string                       `json:"chatId"`
	ChatList []models.ConversationSummary `json:"chatList,omitempty"`
}

type ErrorPayload struct {
	Message    string `json:"message"`
	ResponseID string `json:"responseId,omitempty"`
}

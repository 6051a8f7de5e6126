package chatstore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"unicode/utf8"

	"tontoo/internal/models"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned by a Backend when a conversation does not exist.
	ErrNotFound  = errors.New("conversation not found")
	ErrInvalidID = errors.New("invalid conversation id")
)

const (
	DefaultName = "New chat"
	nameRunes   = 30
	maxIDLength = 64
)

// Backend persists whole conversation documents keyed by (user, id).
type Backend interface {
	Get(ctx context.Context, userID int64, id string) (*models.Conversation, error)
	Put(ctx context.Context, conv *models.Conversation) error
	Delete(ctx context.Context, userID int64, id string) (bool, error)
	List(ctx context.Context, userID int64) ([]models.ConversationSummary, error)
	DeleteUser(ctx context.Context, userID int64) error
	Close() error
}

// NewID returns a short conversation id.
func NewID() string {
	return uuid.NewString()[:8]
}

// ValidID reports whether id can be used as a conversation key.
func ValidID(id string) bool {
	if id == "" || len(id) > maxIDLength {
		return false
	}
	return !strings.ContainsAny(id, "/\\\x00")
}

// DisplayName derives a conversation name from its first message.
func DisplayName(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	if content == "" {
		return DefaultName
	}
	if utf8.RuneCountInString(content) <= nameRunes {
		return content
	}
	runes := []rune(content)
	return string(runes[:nameRunes]) + "..."
}

func sortSummaries(list []models.ConversationSummary) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].UpdatedAt.After(list[j].UpdatedAt)
	})
}

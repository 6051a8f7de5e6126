package worker

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"time"

	"tontoo/internal/models"
	"tontoo/internal/redis"
)

const redisStateTTL = 30 * time.Minute

const (
	scopeUser         = "user"
	scopeConversation = "conversation"
)

var redisInvalidateChannel = redis.Key("chat", "invalidate")

type invalidateMessage struct {
	Origin string `json:"origin"`
	UserID int64  `json:"user_id"`
	ChatID string `json:"chat_id,omitempty"`
	Scope  string `json:"scope"`
}

// stateRedis shares conversation documents between server instances.
type stateRedis struct {
	client *redis.Client
}

func newStateCache(client *redis.Client) *stateRedis {
	if client == nil {
		return nil
	}
	return &stateRedis{client: client}
}

func conversationKey(userID int64, id string) string {
	return redis.Key("conv", strconv.FormatInt(userID, 10), id)
}

// startListener subscribes to invalidations until ctx is done.
func (r *stateRedis) startListener(ctx context.Context, handler func(invalidateMessage)) {
	if r == nil || r.client == nil || handler == nil {
		return
	}
	pubsub := r.client.Subscribe(ctx, redisInvalidateChannel)
	if pubsub == nil {
		return
	}
	// wait for the subscription so publishes after return are delivered
	if _, err := pubsub.Receive(ctx); err != nil {
		log.Printf("worker invalidation subscribe failed: %v", err)
		pubsub.Close()
		return
	}
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var inv invalidateMessage
				if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
					log.Printf("worker invalidation decode failed: %v", err)
					continue
				}
				handler(inv)
			}
		}
	}()
}

// publishInvalidation broadcasts a change to other instances.
func (r *stateRedis) publishInvalidation(msg invalidateMessage) {
	if r == nil || r.client == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("worker invalidation marshal failed: %v", err)
		return
	}
	if err := r.client.Publish(context.Background(), redisInvalidateChannel, payload); err != nil {
		log.Printf("worker publish invalidation failed: %v", err)
	}
}

func (r *stateRedis) cacheConversation(conv *models.Conversation) {
	if r == nil || r.client == nil || conv == nil || conv.ID == "" {
		return
	}
	data, err := json.Marshal(conv)
	if err != nil {
		log.Printf("worker rdb conversation marshal failed: %v", err)
		return
	}
	if err := r.client.Set(context.Background(), conversationKey(conv.UserID, conv.ID), data, redisStateTTL); err != nil {
		log.Printf("worker rdb conversation failed: %v", err)
	}
}

func (r *stateRedis) loadConversation(userID int64, id string) (*models.Conversation, bool) {
	if r == nil || r.client == nil || id == "" {
		return nil, false
	}
	raw, err := r.client.Get(context.Background(), conversationKey(userID, id))
	if err != nil {
		if err != redis.ErrCacheMiss {
			log.Printf("worker load conversation rdb failed: %v", err)
		}
		return nil, false
	}
	var conv models.Conversation
	if err := json.Unmarshal([]byte(raw), &conv); err != nil {
		log.Printf("worker decode conversation rdb failed: %v", err)
		return nil, false
	}
	if conv.UserID != userID || conv.ID != id {
		return nil, false
	}
	if conv.Turns == nil {
		conv.Turns = []models.Turn{}
	}
	return &conv, true
}

func (r *stateRedis) invalidateConversation(userID int64, id string) {
	if r == nil || r.client == nil || id == "" {
		return
	}
	if err := r.client.Del(context.Background(), conversationKey(userID, id)); err != nil && err != redis.ErrCacheMiss {
		log.Printf("worker invalidate conversation rdb failed: %v", err)
	}
}

package chatstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"tontoo/internal/models"

	bolt "go.etcd.io/bbolt"
)

// BoltBackend keeps one bucket per user with a JSON value per conversation.
type BoltBackend struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the bolt file at path.
func OpenBolt(path string) (*BoltBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create bolt dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}
	return &BoltBackend{db: db}, nil
}

func userBucket(userID int64) []byte {
	return []byte("user:" + strconv.FormatInt(userID, 10))
}

func (b *BoltBackend) Get(_ context.Context, userID int64, id string) (*models.Conversation, error) {
	var conv *models.Conversation
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(userBucket(userID))
		if bucket == nil {
			return ErrNotFound
		}
		raw := bucket.Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		var c models.Conversation
		if err := json.Unmarshal(raw, &c); err != nil {
			return fmt.Errorf("decode conversation: %w", err)
		}
		conv = &c
		return nil
	})
	if err != nil {
		return nil, err
	}
	if conv.Turns == nil {
		conv.Turns = []models.Turn{}
	}
	return conv, nil
}

func (b *BoltBackend) Put(_ context.Context, conv *models.Conversation) error {
	if conv == nil || conv.UserID <= 0 || conv.ID == "" {
		return errors.New("conversation user and id are required")
	}
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(userBucket(conv.UserID))
		if err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
		return bucket.Put([]byte(conv.ID), data)
	})
}

func (b *BoltBackend) Delete(_ context.Context, userID int64, id string) (bool, error) {
	existed := false
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(userBucket(userID))
		if bucket == nil {
			return nil
		}
		if bucket.Get([]byte(id)) == nil {
			return nil
		}
		existed = true
		return bucket.Delete([]byte(id))
	})
	if err != nil {
		return false, fmt.Errorf("delete conversation: %w", err)
	}
	return existed, nil
}

func (b *BoltBackend) List(_ context.Context, userID int64) ([]models.ConversationSummary, error) {
	list := make([]models.ConversationSummary, 0)
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(userBucket(userID))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			var c models.Conversation
			if err := json.Unmarshal(v, &c); err != nil {
				return fmt.Errorf("decode conversation: %w", err)
			}
			list = append(list, c.Summary())
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortSummaries(list)
	return list, nil
}

func (b *BoltBackend) DeleteUser(_ context.Context, userID int64) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket(userBucket(userID))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

func (b *BoltBackend) Close() error {
	return b.db.Close()
}

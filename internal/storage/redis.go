package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bdougie/uicollage/internal/models"
)

const (
	defaultRedisPrefix = "uicollage:"
	maxUpdateRetries   = 5
)

// RedisStore lays data out as a user-keyed tree:
//
//	users/{uid}/referenceSets    hash  setID -> result set JSON
//	users/{uid}/lastAccessed     string
//	chats/{uid}/{sid}            hash  session metadata
//	chats/{uid}/{sid}/messages   list  message JSON
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed store with the given key prefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) setsKey(userID string) string {
	return s.prefix + "users/" + userID + "/referenceSets"
}

func (s *RedisStore) accessedKey(userID string) string {
	return s.prefix + "users/" + userID + "/lastAccessed"
}

func (s *RedisStore) sessionKey(userID, sessionID string) string {
	return s.prefix + "chats/" + userID + "/" + sessionID
}

func (s *RedisStore) messagesKey(userID, sessionID string) string {
	return s.sessionKey(userID, sessionID) + "/messages"
}

func (s *RedisStore) CreateSession(ctx context.Context, userID string, first models.ChatMessage) (string, error) {
	payload, err := json.Marshal(first)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}

	id := uuid.NewString()
	now := nowMillis()
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.sessionKey(userID, id), map[string]any{
			"id":          id,
			"userId":      userID,
			"createdAt":   now,
			"lastUpdated": now,
		})
		pipe.RPush(ctx, s.messagesKey(userID, id), payload)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

func (s *RedisStore) exists(ctx context.Context, userID, sessionID string) error {
	n, err := s.client.Exists(ctx, s.sessionKey(userID, sessionID)).Result()
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", sessionID, models.ErrNotFound)
	}
	return nil
}

func (s *RedisStore) AppendMessage(ctx context.Context, userID, sessionID string, msg models.ChatMessage) error {
	if err := s.exists(ctx, userID, sessionID); err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, s.messagesKey(userID, sessionID), payload)
		pipe.HSet(ctx, s.sessionKey(userID, sessionID), "lastUpdated", nowMillis())
		return nil
	})
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *RedisStore) LoadSession(ctx context.Context, userID, sessionID string) (*models.ChatSession, error) {
	meta, err := s.client.HGetAll(ctx, s.sessionKey(userID, sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if len(meta) == 0 {
		return nil, fmt.Errorf("session %s: %w", sessionID, models.ErrNotFound)
	}

	raw, err := s.client.LRange(ctx, s.messagesKey(userID, sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	sess := &models.ChatSession{
		ID:                sessionID,
		UserID:            userID,
		CurrentImageSetID: meta["currentImageSetId"],
		Messages:          make([]models.ChatMessage, 0, len(raw)),
	}
	sess.CreatedAt, _ = strconv.ParseInt(meta["createdAt"], 10, 64)
	sess.LastUpdated, _ = strconv.ParseInt(meta["lastUpdated"], 10, 64)

	for _, r := range raw {
		var m models.ChatMessage
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		sess.Messages = append(sess.Messages, m)
	}
	return sess, nil
}

func (s *RedisStore) LinkImageSet(ctx context.Context, userID, sessionID, setID string) error {
	if err := s.exists(ctx, userID, sessionID); err != nil {
		return err
	}
	err := s.client.HSet(ctx, s.sessionKey(userID, sessionID),
		"currentImageSetId", setID,
		"lastUpdated", nowMillis(),
	).Err()
	if err != nil {
		return fmt.Errorf("link image set: %w", err)
	}
	return nil
}

func (s *RedisStore) SaveResultSet(ctx context.Context, userID string, set *models.ReferenceSet) (string, error) {
	prepareSet(set)
	data, err := encodeSet(set)
	if err != nil {
		return "", err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.setsKey(userID), set.ID, data)
		pipe.Set(ctx, s.accessedKey(userID), nowMillis(), 0)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("save result set: %w", err)
	}
	return set.ID, nil
}

func (s *RedisStore) LoadResultSet(ctx context.Context, userID, setID string) (*models.ReferenceSet, error) {
	return loadSet(ctx, s.client, s.setsKey(userID), setID)
}

func loadSet(ctx context.Context, c redis.Cmdable, key, setID string) (*models.ReferenceSet, error) {
	data, err := c.HGet(ctx, key, setID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("result set %s: %w", setID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load result set: %w", err)
	}
	var set models.ReferenceSet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("unmarshal result set: %w", err)
	}
	return &set, nil
}

// update applies fn to a stored set under WATCH so concurrent writers retry
// instead of overwriting each other.
func (s *RedisStore) update(ctx context.Context, userID, setID string, fn func(*models.ReferenceSet)) error {
	key := s.setsKey(userID)
	txf := func(tx *redis.Tx) error {
		set, err := loadSet(ctx, tx, key, setID)
		if err != nil {
			return err
		}
		fn(set)
		data, err := encodeSet(set)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, setID, data)
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update result set %s: too much contention", setID)
}

func (s *RedisStore) SaveRating(ctx context.Context, userID, setID string, rating models.Rating) error {
	return s.update(ctx, userID, setID, func(set *models.ReferenceSet) {
		set.Rating = &rating
	})
}

func (s *RedisStore) AppendDiscussion(ctx context.Context, userID, setID string, msg models.ChatMessage) error {
	return s.update(ctx, userID, setID, func(set *models.ReferenceSet) {
		appendDiscussion(set, msg)
	})
}

func (s *RedisStore) LoadHistory(ctx context.Context, userID string) (*models.UserHistory, error) {
	all, err := s.client.HGetAll(ctx, s.setsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	h := &models.UserHistory{UserID: userID}
	for id, data := range all {
		var info models.ReferenceSetInfo
		if err := json.Unmarshal([]byte(data), &info); err != nil {
			return nil, fmt.Errorf("unmarshal result set %s: %w", id, err)
		}
		h.ReferenceSets = append(h.ReferenceSets, info)
	}
	sortHistory(h.ReferenceSets)

	accessed, err := s.client.Get(ctx, s.accessedKey(userID)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load last accessed: %w", err)
	}
	h.LastAccessed = accessed
	return h, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

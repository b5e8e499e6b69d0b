package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/bdougie/uicollage/internal/models"
)

// MemoryStore keeps everything in process memory
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*models.ChatSession // keyed by user/session
	sets     map[string]map[string][]byte   // user -> set id -> JSON
	accessed map[string]int64               // user -> last accessed
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.ChatSession),
		sets:     make(map[string]map[string][]byte),
		accessed: make(map[string]int64),
	}
}

func sessionKey(userID, sessionID string) string { return userID + "/" + sessionID }

func (s *MemoryStore) CreateSession(_ context.Context, userID string, first models.ChatMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMillis()
	id := uuid.NewString()
	s.sessions[sessionKey(userID, id)] = &models.ChatSession{
		ID:          id,
		UserID:      userID,
		Messages:    []models.ChatMessage{first},
		CreatedAt:   now,
		LastUpdated: now,
	}
	return id, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, userID, sessionID string, msg models.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionKey(userID, sessionID)]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, models.ErrNotFound)
	}
	sess.Messages = append(sess.Messages, msg)
	sess.LastUpdated = nowMillis()
	return nil
}

func (s *MemoryStore) LoadSession(_ context.Context, userID, sessionID string) (*models.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionKey(userID, sessionID)]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, models.ErrNotFound)
	}
	out := *sess
	out.Messages = append([]models.ChatMessage(nil), sess.Messages...)
	return &out, nil
}

func (s *MemoryStore) LinkImageSet(_ context.Context, userID, sessionID, setID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionKey(userID, sessionID)]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, models.ErrNotFound)
	}
	sess.CurrentImageSetID = setID
	sess.LastUpdated = nowMillis()
	return nil
}

func (s *MemoryStore) SaveResultSet(_ context.Context, userID string, set *models.ReferenceSet) (string, error) {
	prepareSet(set)
	data, err := encodeSet(set)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sets[userID] == nil {
		s.sets[userID] = make(map[string][]byte)
	}
	s.sets[userID][set.ID] = data
	s.accessed[userID] = nowMillis()
	return set.ID, nil
}

func (s *MemoryStore) LoadResultSet(_ context.Context, userID, setID string) (*models.ReferenceSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(userID, setID)
}

func (s *MemoryStore) loadLocked(userID, setID string) (*models.ReferenceSet, error) {
	data, ok := s.sets[userID][setID]
	if !ok {
		return nil, fmt.Errorf("result set %s: %w", setID, models.ErrNotFound)
	}
	var set models.ReferenceSet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("unmarshal result set: %w", err)
	}
	return &set, nil
}

func (s *MemoryStore) update(userID, setID string, fn func(*models.ReferenceSet)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, err := s.loadLocked(userID, setID)
	if err != nil {
		return err
	}
	fn(set)
	data, err := encodeSet(set)
	if err != nil {
		return err
	}
	s.sets[userID][setID] = data
	return nil
}

func (s *MemoryStore) SaveRating(_ context.Context, userID, setID string, rating models.Rating) error {
	return s.update(userID, setID, func(set *models.ReferenceSet) {
		set.Rating = &rating
	})
}

func (s *MemoryStore) AppendDiscussion(_ context.Context, userID, setID string, msg models.ChatMessage) error {
	return s.update(userID, setID, func(set *models.ReferenceSet) {
		appendDiscussion(set, msg)
	})
}

func (s *MemoryStore) LoadHistory(_ context.Context, userID string) (*models.UserHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := &models.UserHistory{UserID: userID, LastAccessed: s.accessed[userID]}
	for id := range s.sets[userID] {
		set, err := s.loadLocked(userID, id)
		if err != nil {
			return nil, err
		}
		h.ReferenceSets = append(h.ReferenceSets, models.ReferenceSetInfo{ID: set.ID, Timestamp: set.Timestamp})
	}
	sortHistory(h.ReferenceSets)
	return h, nil
}

// SearchSimilar ranks the user's result sets by cosine similarity
func (s *MemoryStore) SearchSimilar(_ context.Context, userID string, fingerprint []float32, limit int) ([]models.SimilarSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.SimilarSet
	for id := range s.sets[userID] {
		set, err := s.loadLocked(userID, id)
		if err != nil {
			return nil, err
		}
		if len(set.Fingerprint) == 0 {
			continue
		}
		out = append(out, models.SimilarSet{
			ID:         set.ID,
			Timestamp:  set.Timestamp,
			Similarity: cosine(fingerprint, set.Fingerprint),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func appendDiscussion(set *models.ReferenceSet, msg models.ChatMessage) {
	if set.AgentDiscussion == nil {
		set.AgentDiscussion = &models.AgentDiscussion{}
	}
	set.AgentDiscussion.Messages = append(set.AgentDiscussion.Messages, msg)
	set.AgentDiscussion.LastUpdated = msg.Timestamp
}

func sortHistory(sets []models.ReferenceSetInfo) {
	sort.Slice(sets, func(i, j int) bool {
		if sets[i].Timestamp != sets[j].Timestamp {
			return sets[i].Timestamp > sets[j].Timestamp
		}
		return sets[i].ID > sets[j].ID
	})
}

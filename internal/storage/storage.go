package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/bdougie/uicollage/internal/models"
)

// MaxPayloadSize is the largest serialized result set a backend accepts
const MaxPayloadSize = 10 << 20

// FingerprintDims is the length of a result set fingerprint
const FingerprintDims = 48

// Store persists chat sessions, result sets, ratings and user history
type Store interface {
	// CreateSession starts a session whose first message is the given one
	CreateSession(ctx context.Context, userID string, first models.ChatMessage) (string, error)

	// AppendMessage adds a message to the end of a session
	AppendMessage(ctx context.Context, userID, sessionID string, msg models.ChatMessage) error

	LoadSession(ctx context.Context, userID, sessionID string) (*models.ChatSession, error)

	// LinkImageSet records the result set a session is currently discussing
	LinkImageSet(ctx context.Context, userID, sessionID, setID string) error

	// SaveResultSet stores a result set and adds it to the user history.
	// Oversized payloads fail with StorageLimitError and nothing is written.
	SaveResultSet(ctx context.Context, userID string, set *models.ReferenceSet) (string, error)

	LoadResultSet(ctx context.Context, userID, setID string) (*models.ReferenceSet, error)

	// SaveRating replaces any prior rating of the set
	SaveRating(ctx context.Context, userID, setID string, rating models.Rating) error

	// AppendDiscussion attaches a chat message to the set's agent discussion
	AppendDiscussion(ctx context.Context, userID, setID string, msg models.ChatMessage) error

	// LoadHistory lists the user's result sets, newest first
	LoadHistory(ctx context.Context, userID string) (*models.UserHistory, error)

	Close() error
}

// SimilarSearcher is implemented by backends that can rank past result sets
// by fingerprint similarity.
type SimilarSearcher interface {
	SearchSimilar(ctx context.Context, userID string, fingerprint []float32, limit int) ([]models.SimilarSet, error)
}

// encodeSet serializes a result set and enforces MaxPayloadSize.
func encodeSet(set *models.ReferenceSet) ([]byte, error) {
	data, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("marshal result set: %w", err)
	}
	if len(data) > MaxPayloadSize {
		return nil, &models.StorageLimitError{Size: len(data), Limit: MaxPayloadSize}
	}
	return data, nil
}

// prepareSet fills the id and timestamp of a new result set
func prepareSet(set *models.ReferenceSet) {
	if set.Timestamp == 0 {
		set.Timestamp = nowMillis()
	}
	if set.ID == "" {
		set.ID = strconv.FormatInt(set.Timestamp, 10)
	}
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// cosine returns the cosine similarity of a and b, 0 when either is empty or
// the lengths differ.
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

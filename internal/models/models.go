package models

import (
	"encoding/json"
	"fmt"
)

// Frame is a single still captured from a video or marked by the user
type Frame struct {
	Time float64 `json:"time"`
	Name string  `json:"name"`
	Data []byte  `json:"-"`
}

// ImageRef points at an image by id and URL
type ImageRef struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// ReferenceImage is one of the nine generated images of a result set
type ReferenceImage struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	SetIndex   int    `json:"setIndex"`
	ImageIndex int    `json:"imageIndex"`
}

// Rating is the user's score of a result set
type Rating struct {
	Score     int    `json:"score"`
	Comment   string `json:"comment,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// AgentDiscussion collects the chat turns held about a result set
type AgentDiscussion struct {
	Messages    []ChatMessage `json:"messages"`
	LastUpdated int64         `json:"lastUpdated"`
}

// ReferenceSet is a persisted analysis result: three inputs, nine references
type ReferenceSet struct {
	ID              string           `json:"id"`
	InputImages     []ImageRef       `json:"inputImages"`
	ReferenceImages []ReferenceImage `json:"referenceImages"`
	Rating          *Rating          `json:"rating,omitempty"`
	AgentDiscussion *AgentDiscussion `json:"agentDiscussion,omitempty"`
	Timestamp       int64            `json:"timestamp"`

	// Fingerprint is a visual summary of the inputs used for similarity search
	Fingerprint []float32 `json:"fingerprint,omitempty"`
}

// NewReferenceSet lays out nine generated images as three sets of three
func NewReferenceSet(id string, inputs []ImageRef, images []string, ts int64) *ReferenceSet {
	refs := make([]ReferenceImage, len(images))
	for i, url := range images {
		refs[i] = ReferenceImage{
			ID:         fmt.Sprintf("result-%d", i),
			URL:        url,
			SetIndex:   i / 3,
			ImageIndex: i % 3,
		}
	}
	return &ReferenceSet{
		ID:              id,
		InputImages:     inputs,
		ReferenceImages: refs,
		Timestamp:       ts,
	}
}

// Role identifies who authored a chat message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// UnmarshalJSON accepts the legacy "agent" spelling and rejects anything else
// outside the two known roles.
func (r *Role) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch s {
	case "user":
		*r = RoleUser
	case "assistant", "agent":
		*r = RoleAssistant
	default:
		return fmt.Errorf("unknown chat role %q", s)
	}
	return nil
}

// ChatMessage is a single turn in a feedback session
type ChatMessage struct {
	ID            string   `json:"id"`
	Role          Role     `json:"role"`
	Content       string   `json:"content"`
	Timestamp     int64    `json:"timestamp"`
	ImageURLs     []string `json:"imageUrls,omitempty"`
	IsNewImageSet bool     `json:"isNewImageSet,omitempty"`
}

// ChatSession is the persisted transcript of a feedback conversation
type ChatSession struct {
	ID                string        `json:"id"`
	UserID            string        `json:"userId"`
	Messages          []ChatMessage `json:"messages"`
	CurrentImageSetID string        `json:"currentImageSetId,omitempty"`
	CreatedAt         int64         `json:"createdAt"`
	LastUpdated       int64         `json:"lastUpdated"`
}

// ReferenceSetInfo is the summary of a result set kept in the user history
type ReferenceSetInfo struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
}

// UserHistory lists the result sets a user produced
type UserHistory struct {
	UserID        string             `json:"userId"`
	ReferenceSets []ReferenceSetInfo `json:"referenceSets"`
	LastAccessed  int64              `json:"lastAccessed"`
}

// SimilarSet is a past result set ranked by fingerprint distance
type SimilarSet struct {
	ID         string  `json:"id"`
	Timestamp  int64   `json:"timestamp"`
	Similarity float64 `json:"similarity"`
}

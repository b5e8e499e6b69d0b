package collage

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/bdougie/uicollage/internal/analyzer"
	"github.com/bdougie/uicollage/internal/embeddings"
	"github.com/bdougie/uicollage/internal/extractor"
	"github.com/bdougie/uicollage/internal/feedback"
	"github.com/bdougie/uicollage/internal/preview"
	"github.com/bdougie/uicollage/internal/storage"
)

// ReferenceClient turns three input images into nine references
type ReferenceClient interface {
	RequestReferences(ctx context.Context, images []string) ([]string, error)
}

// Deps are the collaborators shared by every workspace
type Deps struct {
	Extractor    *extractor.Extractor
	Inference    ReferenceClient
	Analyzer     analyzer.Analyzer
	Store        storage.Store
	Previews     *preview.Registry
	Fingerprints *embeddings.Service
	Notifier     feedback.Notifier
	// WorkDir receives uploaded videos while they are in use
	WorkDir string
	Logger  *slog.Logger
}

// Service owns one workspace per user
type Service struct {
	deps       Deps
	mu         sync.Mutex
	workspaces map[string]*Workspace
}

func NewService(deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.WorkDir == "" {
		deps.WorkDir = os.TempDir()
	}
	return &Service{deps: deps, workspaces: make(map[string]*Workspace)}
}

// Workspace returns the user's workspace, creating it on first use.
func (s *Service) Workspace(userID string) *Workspace {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workspaces[userID]
	if !ok {
		w = newWorkspace(userID, &s.deps)
		s.workspaces[userID] = w
	}
	return w
}

// Close releases every workspace's previews and scratch files.
func (s *Service) Close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, w := range s.workspaces {
		w.Close(ctx)
		delete(s.workspaces, id)
	}
}

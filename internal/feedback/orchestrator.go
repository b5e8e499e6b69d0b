package feedback

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bdougie/uicollage/internal/analyzer"
	"github.com/bdougie/uicollage/internal/models"
	"github.com/bdougie/uicollage/internal/storage"
)

// ErrNoSession is returned when the reference critique arrives before the
// initial critique created a session.
var ErrNoSession = errors.New("no feedback session")

const (
	inputCount     = 3
	referenceCount = 9
)

// Image is an image handed to the critic: the data URL goes to the model and
// the preview URL is stored on the chat message.
type Image struct {
	DataURL    string
	PreviewURL string
}

// Notifier is told about every message appended to a session
type Notifier interface {
	Publish(userID string, msg models.ChatMessage)
}

type nopNotifier struct{}

func (nopNotifier) Publish(string, models.ChatMessage) {}

// Orchestrator sequences the critiques and the chat of one input set. At most
// one model call is in flight at a time.
type Orchestrator struct {
	mu        sync.Mutex
	state     State
	busy      bool
	started   bool
	userID    string
	sessionID string
	messages  []models.ChatMessage
	inputs    []Image
	lastTS    int64

	analyzer analyzer.Analyzer
	store    storage.Store
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an orchestrator in the Idle state
func New(userID string, a analyzer.Analyzer, store storage.Store, n Notifier, logger *slog.Logger) *Orchestrator {
	if n == nil {
		n = nopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		userID:   userID,
		analyzer: a,
		store:    store,
		notifier: n,
		logger:   logger.With("user", userID),
		now:      time.Now,
	}
}

// stamp returns a strictly increasing millisecond timestamp. Caller holds mu.
func (o *Orchestrator) stamp() int64 {
	ts := o.now().UnixMilli()
	if ts <= o.lastTS {
		ts = o.lastTS + 1
	}
	o.lastTS = ts
	return ts
}

func (o *Orchestrator) message(role models.Role, content string, images []string, newSet bool) models.ChatMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	ts := o.stamp()
	return models.ChatMessage{
		ID:            strconv.FormatInt(ts, 10),
		Role:          role,
		Content:       content,
		Timestamp:     ts,
		ImageURLs:     images,
		IsNewImageSet: newSet,
	}
}

// Start runs the initial critique once per input set and opens the session
// with it. On failure the orchestrator returns to Idle and may be started again.
func (o *Orchestrator) Start(ctx context.Context, inputs []Image) error {
	if len(inputs) != inputCount {
		return models.Invalid("initial critique needs %d images, got %d", inputCount, len(inputs))
	}

	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return nil
	}
	if o.busy {
		o.mu.Unlock()
		return models.ErrBusy
	}
	o.started = true
	o.busy = true
	o.state = AwaitingInitialCritique
	o.inputs = append([]Image(nil), inputs...)
	o.mu.Unlock()

	fail := func(err error) error {
		o.mu.Lock()
		o.started = false
		o.busy = false
		o.state = Idle
		o.mu.Unlock()
		o.logger.Error("initial critique failed", "error", err)
		return err
	}

	text, err := o.analyzer.Analyze(ctx, analyzer.Request{Images: dataURLs(inputs)})
	if err != nil {
		return fail(err)
	}

	first := o.message(models.RoleAssistant, text, previewURLs(inputs), true)
	sessionID, err := o.store.CreateSession(ctx, o.userID, first)
	if err != nil {
		return fail(err)
	}

	o.mu.Lock()
	o.sessionID = sessionID
	o.messages = []models.ChatMessage{first}
	o.state = ChatDisabled
	o.busy = false
	o.mu.Unlock()

	o.logger.Info("feedback session created", "session", sessionID)
	o.notifier.Publish(o.userID, first)
	return nil
}

// ReferencesReady runs the reference critique and enables chat. It is only
// valid after Start succeeded; on failure chat stays disabled.
func (o *Orchestrator) ReferencesReady(ctx context.Context, refs []Image) error {
	if len(refs) != referenceCount {
		return models.Invalid("reference critique needs %d images, got %d", referenceCount, len(refs))
	}

	o.mu.Lock()
	if o.sessionID == "" {
		o.mu.Unlock()
		return ErrNoSession
	}
	if o.busy {
		o.mu.Unlock()
		return models.ErrBusy
	}
	if o.state != ChatDisabled {
		o.mu.Unlock()
		return nil
	}
	o.busy = true
	o.state = AwaitingReferenceCritique
	sessionID := o.sessionID
	o.mu.Unlock()

	fail := func(err error) error {
		o.mu.Lock()
		o.busy = false
		o.state = ChatDisabled
		o.mu.Unlock()
		o.logger.Error("reference critique failed", "session", sessionID, "error", err)
		return err
	}

	text, err := o.analyzer.Analyze(ctx, analyzer.Request{Images: dataURLs(refs), Reference: true})
	if err != nil {
		return fail(err)
	}

	msg := o.message(models.RoleAssistant, text, previewURLs(refs), true)
	if err := o.store.AppendMessage(ctx, o.userID, sessionID, msg); err != nil {
		return fail(err)
	}

	o.mu.Lock()
	o.messages = append(o.messages, msg)
	o.state = ChatEnabled
	o.busy = false
	o.mu.Unlock()

	o.notifier.Publish(o.userID, msg)
	return nil
}

// SendUserTurn appends the user's text, asks the model with the whole
// transcript and appends its reply. Whitespace-only text is ignored. It returns
// the messages it appended.
func (o *Orchestrator) SendUserTurn(ctx context.Context, text string) ([]models.ChatMessage, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	o.mu.Lock()
	if o.sessionID == "" || o.state != ChatEnabled {
		o.mu.Unlock()
		return nil, models.ErrChatDisabled
	}
	if o.busy {
		o.mu.Unlock()
		return nil, models.ErrBusy
	}
	o.busy = true
	sessionID := o.sessionID
	inputs := o.inputs
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.busy = false
		o.mu.Unlock()
	}()

	userMsg := o.message(models.RoleUser, text, nil, false)
	if err := o.store.AppendMessage(ctx, o.userID, sessionID, userMsg); err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.messages = append(o.messages, userMsg)
	transcript := analyzer.TurnsFromMessages(o.messages)
	o.mu.Unlock()
	o.notifier.Publish(o.userID, userMsg)

	reply, err := o.analyzer.Analyze(ctx, analyzer.Request{
		Images:   dataURLs(inputs),
		Messages: transcript,
	})
	if err != nil {
		o.logger.Error("chat reply failed", "session", sessionID, "error", err)
		return []models.ChatMessage{userMsg}, err
	}

	replyMsg := o.message(models.RoleAssistant, reply, nil, false)
	if err := o.store.AppendMessage(ctx, o.userID, sessionID, replyMsg); err != nil {
		return []models.ChatMessage{userMsg}, err
	}
	o.mu.Lock()
	o.messages = append(o.messages, replyMsg)
	o.mu.Unlock()
	o.notifier.Publish(o.userID, replyMsg)

	return []models.ChatMessage{userMsg, replyMsg}, nil
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) SessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessionID
}

// Busy reports whether a model call is in flight
func (o *Orchestrator) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.busy
}

// Messages returns a copy of the transcript
func (o *Orchestrator) Messages() []models.ChatMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]models.ChatMessage(nil), o.messages...)
}

func dataURLs(imgs []Image) []string {
	out := make([]string, len(imgs))
	for i, img := range imgs {
		out[i] = img.DataURL
	}
	return out
}

func previewURLs(imgs []Image) []string {
	out := make([]string, len(imgs))
	for i, img := range imgs {
		out[i] = img.PreviewURL
	}
	return out
}

package collage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bdougie/uicollage/internal/encoder"
	"github.com/bdougie/uicollage/internal/extractor"
	"github.com/bdougie/uicollage/internal/feedback"
	"github.com/bdougie/uicollage/internal/marker"
	"github.com/bdougie/uicollage/internal/models"
	"github.com/bdougie/uicollage/internal/preview"
	"github.com/bdougie/uicollage/internal/storage"
)

// Workspace is one user's input set, video, results and feedback session
type Workspace struct {
	mu     sync.Mutex
	userID string
	deps   *Deps
	logger *slog.Logger

	images       []*InputImage
	video        *VideoAsset
	marker       *marker.Marker
	orch         *feedback.Orchestrator
	lastAnalyzed []string
	current      *models.ReferenceSet
	refPreviews  []preview.Handle
	submitting   bool
	lastSetTS    int64
}

func newWorkspace(userID string, deps *Deps) *Workspace {
	w := &Workspace{
		userID: userID,
		deps:   deps,
		logger: deps.Logger.With("user", userID),
	}
	w.orch = w.newOrchestrator()
	return w
}

func (w *Workspace) newOrchestrator() *feedback.Orchestrator {
	return feedback.New(w.userID, w.deps.Analyzer, w.deps.Store, w.deps.Notifier, w.deps.Logger)
}

// resetFeedback abandons the current orchestrator. Caller holds mu.
func (w *Workspace) resetFeedback() {
	w.orch = w.newOrchestrator()
}

// resetResults forgets the last analysis. Caller holds mu.
func (w *Workspace) resetResults(ctx context.Context) {
	w.lastAnalyzed = nil
	w.current = nil
	w.deps.Previews.ReleaseAll(ctx, w.refPreviews...)
	w.refPreviews = nil
}

func (w *Workspace) releaseImages(ctx context.Context) {
	for _, img := range w.images {
		w.deps.Previews.ReleaseAll(ctx, img.Preview)
	}
	w.images = nil
}

func (w *Workspace) releaseVideo(ctx context.Context) {
	if w.video == nil {
		return
	}
	w.deps.Previews.ReleaseAll(ctx, w.video.Preview)
	if err := os.Remove(w.video.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.logger.Warn("failed to remove video file", "path", w.video.path, "error", err)
	}
	w.video = nil
	w.marker = nil
}

// Images returns the current input set in order
func (w *Workspace) Images() []InputImage {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]InputImage, len(w.images))
	for i, img := range w.images {
		out[i] = *img
	}
	return out
}

// Video returns the current video, if any
func (w *Workspace) Video() *VideoAsset {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.video == nil {
		return nil
	}
	v := *w.video
	return &v
}

// CurrentSet returns the result set of the last analysis
func (w *Workspace) CurrentSet() *models.ReferenceSet {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// prepareImage validates and encodes an upload without side effects
func prepareImage(up Upload) (*InputImage, error) {
	contentType, ok := encoder.ContentType(up.Data)
	if !ok {
		return nil, models.Invalid("%s is not a JPEG, PNG, WebP or GIF image", up.Name)
	}
	payload, err := encoder.Encode(up.Data)
	if err != nil {
		return nil, err
	}
	return &InputImage{
		ID:          uuid.NewString(),
		Name:        up.Name,
		ContentType: contentType,
		Size:        len(up.Data),
		data:        up.Data,
		payload:     payload,
	}, nil
}

func (w *Workspace) acquire(ctx context.Context, imgs []*InputImage) error {
	for i, img := range imgs {
		h, err := w.deps.Previews.Acquire(ctx, img.data, img.ContentType)
		if err != nil {
			for _, done := range imgs[:i] {
				w.deps.Previews.ReleaseAll(ctx, done.Preview)
			}
			return err
		}
		img.Preview = h
	}
	return nil
}

// AddImages appends uploads to the input set. The set never exceeds
// MaxImages; an upload that would overflow it is rejected as a whole.
func (w *Workspace) AddImages(ctx context.Context, uploads []Upload) ([]InputImage, error) {
	if len(uploads) == 0 {
		return nil, models.Invalid("no images uploaded")
	}

	w.mu.Lock()
	count := len(w.images)
	w.mu.Unlock()
	if count+len(uploads) > MaxImages {
		return nil, models.Invalid("at most %d images are allowed, have %d and got %d more", MaxImages, count, len(uploads))
	}

	added := make([]*InputImage, len(uploads))
	var g errgroup.Group
	for i, up := range uploads {
		g.Go(func() error {
			img, err := prepareImage(up)
			if err != nil {
				return err
			}
			added[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := w.acquire(ctx, added); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.images)+len(added) > MaxImages {
		for _, img := range added {
			w.deps.Previews.ReleaseAll(ctx, img.Preview)
		}
		return nil, models.Invalid("at most %d images are allowed", MaxImages)
	}
	w.images = append(w.images, added...)
	w.resetFeedback()

	out := make([]InputImage, len(added))
	for i, img := range added {
		out[i] = *img
	}
	return out, nil
}

// RemoveImage drops an image and releases its preview. Removing the last
// image also clears the results.
func (w *Workspace) RemoveImage(ctx context.Context, id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	idx := slices.IndexFunc(w.images, func(img *InputImage) bool { return img.ID == id })
	if idx < 0 {
		return fmt.Errorf("image %s: %w", id, models.ErrNotFound)
	}
	w.deps.Previews.ReleaseAll(ctx, w.images[idx].Preview)
	w.images = slices.Delete(w.images, idx, idx+1)
	if len(w.images) == 0 {
		w.resetResults(ctx)
	}
	w.resetFeedback()
	return nil
}

func (w *Workspace) framesToImages(ctx context.Context, frames []models.Frame) ([]*InputImage, error) {
	imgs := make([]*InputImage, 0, len(frames))
	for _, f := range frames {
		payload, err := encoder.Encode(f.Data)
		if err != nil {
			return nil, err
		}
		t := f.Time
		imgs = append(imgs, &InputImage{
			ID:          uuid.NewString(),
			Name:        f.Name,
			ContentType: "image/jpeg",
			Size:        len(f.Data),
			Time:        &t,
			data:        f.Data,
			payload:     payload,
		})
	}
	if err := w.acquire(ctx, imgs); err != nil {
		return nil, err
	}
	return imgs, nil
}

// UploadVideo replaces the input set with three frames of the video.
func (w *Workspace) UploadVideo(ctx context.Context, up Upload) (*VideoAsset, []InputImage, error) {
	if err := extractor.Validate(up.ContentType, int64(len(up.Data))); err != nil {
		return nil, nil, err
	}

	f, err := os.CreateTemp(w.deps.WorkDir, "video-*"+filepath.Ext(up.Name))
	if err != nil {
		return nil, nil, fmt.Errorf("create video file: %w", err)
	}
	path := f.Name()
	_, werr := f.Write(up.Data)
	cerr := f.Close()
	if werr != nil || cerr != nil {
		os.Remove(path)
		return nil, nil, fmt.Errorf("write video file: %w", errors.Join(werr, cerr))
	}

	asset, imgs, err := w.installVideo(ctx, up, path)
	if err != nil {
		os.Remove(path)
		return nil, nil, err
	}
	return asset, imgs, nil
}

func (w *Workspace) installVideo(ctx context.Context, up Upload, path string) (*VideoAsset, []InputImage, error) {
	info, err := w.deps.Extractor.Probe(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	frames, err := w.deps.Extractor.ExtractWith(ctx, path, info)
	if err != nil {
		return nil, nil, err
	}
	imgs, err := w.framesToImages(ctx, frames)
	if err != nil {
		return nil, nil, err
	}

	h, err := w.deps.Previews.Acquire(ctx, up.Data, up.ContentType)
	if err != nil {
		for _, img := range imgs {
			w.deps.Previews.ReleaseAll(ctx, img.Preview)
		}
		return nil, nil, err
	}
	asset := &VideoAsset{
		Name:        up.Name,
		ContentType: up.ContentType,
		Size:        len(up.Data),
		Duration:    info.Duration,
		Width:       info.Width,
		Height:      info.Height,
		Preview:     h,
		path:        path,
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.releaseVideo(ctx)
	w.releaseImages(ctx)
	w.resetResults(ctx)
	w.video = asset
	w.marker = marker.New(w.deps.Extractor, path, info.Duration)
	w.images = imgs
	w.resetFeedback()

	w.logger.Info("video frames extracted", "video", up.Name, "duration", info.Duration)

	out := make([]InputImage, len(imgs))
	for i, img := range imgs {
		out[i] = *img
	}
	v := *asset
	return &v, out, nil
}

// RemoveVideo drops the video along with its frames and results.
func (w *Workspace) RemoveVideo(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.video == nil {
		return fmt.Errorf("video: %w", models.ErrNotFound)
	}
	w.releaseVideo(ctx)
	w.releaseImages(ctx)
	w.resetResults(ctx)
	w.resetFeedback()
	return nil
}

func (w *Workspace) currentMarker() (*marker.Marker, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.marker == nil {
		return nil, models.Invalid("no video uploaded")
	}
	return w.marker, nil
}

// Mark captures the frame at t into slot
func (w *Workspace) Mark(ctx context.Context, slot int, t float64) (marker.Slot, error) {
	m, err := w.currentMarker()
	if err != nil {
		return marker.Slot{}, err
	}
	return m.Mark(ctx, slot, t)
}

// MarkState is the marker as shown to the client
type MarkState struct {
	Duration float64                        `json:"duration"`
	Slots    [marker.SlotCount]*marker.Slot `json:"slots"`
	CanSave  bool                           `json:"canSave"`
}

func (w *Workspace) Marks() (MarkState, error) {
	m, err := w.currentMarker()
	if err != nil {
		return MarkState{}, err
	}
	return MarkState{Duration: m.Duration(), Slots: m.Slots(), CanSave: m.CanSave()}, nil
}

// SaveMarks replaces the input set with the marked frames. It reports false
// without changes unless all slots are marked.
func (w *Workspace) SaveMarks(ctx context.Context) ([]InputImage, bool, error) {
	m, err := w.currentMarker()
	if err != nil {
		return nil, false, err
	}
	frames, saved, err := m.Save(ctx)
	if err != nil || !saved {
		return nil, saved, err
	}
	imgs, err := w.framesToImages(ctx, frames)
	if err != nil {
		return nil, false, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.releaseImages(ctx)
	w.images = imgs
	w.resetFeedback()

	out := make([]InputImage, len(imgs))
	for i, img := range imgs {
		out[i] = *img
	}
	return out, true, nil
}

// SubmitResult reports the outcome of a submission
type SubmitResult struct {
	Set     *models.ReferenceSet `json:"set"`
	Skipped bool                 `json:"skipped"`
	State   feedback.State       `json:"state"`
	// critique failures do not fail the submission
	CritiqueError          string `json:"critiqueError,omitempty"`
	ReferenceCritiqueError string `json:"referenceCritiqueError,omitempty"`
	// StoreError is set when the result set could not be linked to the session
	StoreError string `json:"storeError,omitempty"`
}

func sortedIDs(imgs []*InputImage) []string {
	ids := make([]string, len(imgs))
	for i, img := range imgs {
		ids[i] = img.ID
	}
	slices.Sort(ids)
	return ids
}

func critiqueImages(inputs []*InputImage) []feedback.Image {
	out := make([]feedback.Image, len(inputs))
	for i, img := range inputs {
		out[i] = feedback.Image{DataURL: encoder.DataURL(img.payload), PreviewURL: img.Preview.URL}
	}
	return out
}

func referenceImages(refURLs []string, previews []preview.Handle) []feedback.Image {
	out := make([]feedback.Image, len(refURLs))
	for i, u := range refURLs {
		out[i] = feedback.Image{DataURL: u, PreviewURL: u}
		if i < len(previews) && previews[i].Key != "" {
			out[i].PreviewURL = previews[i].URL
		}
	}
	return out
}

// Submit requests references for the three inputs while the initial critique
// runs, saves the result set and then runs the reference critique. Submitting
// the same input set again skips inference and only retries a critique that
// failed earlier.
func (w *Workspace) Submit(ctx context.Context) (*SubmitResult, error) {
	w.mu.Lock()
	if len(w.images) != MaxImages {
		n := len(w.images)
		w.mu.Unlock()
		return nil, models.Invalid("exactly %d images are required, have %d", MaxImages, n)
	}
	ids := sortedIDs(w.images)
	if slices.Equal(ids, w.lastAnalyzed) {
		orch := w.orch
		state := orch.State()
		res := &SubmitResult{Set: w.current, Skipped: true, State: state}
		if w.submitting || w.current == nil || (state != feedback.Idle && state != feedback.ChatDisabled) {
			w.mu.Unlock()
			return res, nil
		}
		w.submitting = true
		inputs := slices.Clone(w.images)
		refURLs := make([]string, len(w.current.ReferenceImages))
		for i, ref := range w.current.ReferenceImages {
			refURLs[i] = ref.URL
		}
		refs := referenceImages(refURLs, w.refPreviews)
		w.mu.Unlock()

		defer func() {
			w.mu.Lock()
			w.submitting = false
			w.mu.Unlock()
		}()
		return w.resumeCritique(ctx, orch, res, inputs, refs), nil
	}
	if w.submitting {
		w.mu.Unlock()
		return nil, models.ErrBusy
	}
	w.submitting = true
	orch := w.orch
	inputs := slices.Clone(w.images)
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.submitting = false
		w.mu.Unlock()
	}()

	payloads := make([]string, len(inputs))
	rawInputs := make([][]byte, len(inputs))
	for i, img := range inputs {
		payloads[i] = img.payload
		rawInputs[i] = img.data
	}
	initial := critiqueImages(inputs)

	res := &SubmitResult{}
	var references []string
	var g errgroup.Group
	g.Go(func() error {
		if err := orch.Start(ctx, initial); err != nil {
			res.CritiqueError = err.Error()
		}
		return nil
	})
	g.Go(func() error {
		out, err := w.deps.Inference.RequestReferences(ctx, payloads)
		if err != nil {
			return err
		}
		references = out
		return nil
	})
	if err := g.Wait(); err != nil {
		w.logger.Error("reference generation failed", "error", err)
		return nil, err
	}

	refURLs := make([]string, len(references))
	for i, r := range references {
		refURLs[i] = encoder.DataURL(r)
	}
	inputRefs := make([]models.ImageRef, len(inputs))
	for i, img := range inputs {
		inputRefs[i] = models.ImageRef{ID: img.ID, URL: encoder.DataURL(img.payload)}
	}
	set := models.NewReferenceSet("", inputRefs, refURLs, w.setStamp())

	if w.deps.Fingerprints != nil {
		fp, err := w.deps.Fingerprints.Wait(ctx, rawInputs)
		if err != nil {
			w.logger.Warn("fingerprint unavailable", "error", err)
		} else {
			set.Fingerprint = fp
		}
	}

	if _, err := w.deps.Store.SaveResultSet(ctx, w.userID, set); err != nil {
		w.logger.Error("failed to save result set", "error", err)
		return nil, err
	}

	refPreviews := w.acquireReferences(ctx, references)
	refImages := referenceImages(refURLs, refPreviews)

	w.mu.Lock()
	w.deps.Previews.ReleaseAll(ctx, w.refPreviews...)
	w.refPreviews = refPreviews
	w.lastAnalyzed = ids
	w.current = set
	abandoned := w.orch != orch
	w.mu.Unlock()

	res.Set = set
	if abandoned {
		res.State = orch.State()
		return res, nil
	}

	w.critiqueReferences(ctx, orch, res, refImages)
	return res, nil
}

// resumeCritique re-runs whichever critique of the current set failed before.
func (w *Workspace) resumeCritique(ctx context.Context, orch *feedback.Orchestrator, res *SubmitResult, inputs []*InputImage, refs []feedback.Image) *SubmitResult {
	if orch.State() == feedback.Idle {
		w.logger.Info("retrying initial critique", "user", w.userID)
		if err := orch.Start(ctx, critiqueImages(inputs)); err != nil {
			res.CritiqueError = err.Error()
			res.State = orch.State()
			return res
		}
	}
	w.critiqueReferences(ctx, orch, res, refs)
	return res
}

// critiqueReferences links the result set to the feedback session and runs
// the reference critique. Without a session there is nothing to do.
func (w *Workspace) critiqueReferences(ctx context.Context, orch *feedback.Orchestrator, res *SubmitResult, refs []feedback.Image) {
	defer func() { res.State = orch.State() }()

	sessionID := orch.SessionID()
	if sessionID == "" {
		return
	}
	if err := w.deps.Store.LinkImageSet(ctx, w.userID, sessionID, res.Set.ID); err != nil {
		w.logger.Error("failed to link result set to session", "session", sessionID, "error", err)
		res.StoreError = fmt.Sprintf("link result set: %v", err)
	}
	if err := orch.ReferencesReady(ctx, refs); err != nil {
		res.ReferenceCritiqueError = err.Error()
	}
}

// setStamp returns a strictly increasing timestamp so result set ids of one
// user never collide.
func (w *Workspace) setStamp() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	ts := time.Now().UnixMilli()
	if ts <= w.lastSetTS {
		ts = w.lastSetTS + 1
	}
	w.lastSetTS = ts
	return ts
}

// acquireReferences stores previews of the generated images. Entries that
// cannot be decoded keep an empty handle.
func (w *Workspace) acquireReferences(ctx context.Context, references []string) []preview.Handle {
	out := make([]preview.Handle, len(references))
	for i, r := range references {
		raw, err := base64.StdEncoding.DecodeString(encoder.Payload(r))
		if err != nil {
			continue
		}
		h, err := w.deps.Previews.Acquire(ctx, raw, http.DetectContentType(raw))
		if err != nil {
			w.logger.Warn("failed to acquire reference preview", "index", i, "error", err)
			continue
		}
		out[i] = h
	}
	return out
}

// Rate scores the current result set. A later rating overwrites an earlier one.
func (w *Workspace) Rate(ctx context.Context, score int, comment string) (*models.Rating, error) {
	if score < 1 || score > 5 {
		return nil, models.Invalid("score must be between 1 and 5, got %d", score)
	}

	w.mu.Lock()
	set := w.current
	w.mu.Unlock()
	if set == nil {
		return nil, models.ErrNoResultSet
	}

	rating := models.Rating{Score: score, Comment: strings.TrimSpace(comment), Timestamp: time.Now().UnixMilli()}
	if err := w.deps.Store.SaveRating(ctx, w.userID, set.ID, rating); err != nil {
		return nil, err
	}

	w.mu.Lock()
	if w.current == set {
		w.current.Rating = &rating
	}
	w.mu.Unlock()
	return &rating, nil
}

// SendChat sends a user turn and mirrors the new messages onto the current
// result set's discussion.
func (w *Workspace) SendChat(ctx context.Context, text string) ([]models.ChatMessage, error) {
	w.mu.Lock()
	orch := w.orch
	set := w.current
	w.mu.Unlock()

	msgs, err := orch.SendUserTurn(ctx, text)
	if set != nil {
		for _, m := range msgs {
			if derr := w.deps.Store.AppendDiscussion(ctx, w.userID, set.ID, m); derr != nil {
				w.logger.Error("failed to record discussion", "set", set.ID, "error", derr)
				return msgs, errors.Join(err, fmt.Errorf("record discussion: %w", derr))
			}
		}
	}
	return msgs, err
}

// ChatView is the feedback session as shown to the client
type ChatView struct {
	State     feedback.State       `json:"state"`
	SessionID string               `json:"sessionId,omitempty"`
	Busy      bool                 `json:"busy"`
	Messages  []models.ChatMessage `json:"messages"`
}

func (w *Workspace) Chat() ChatView {
	w.mu.Lock()
	orch := w.orch
	w.mu.Unlock()
	return ChatView{
		State:     orch.State(),
		SessionID: orch.SessionID(),
		Busy:      orch.Busy(),
		Messages:  orch.Messages(),
	}
}

func (w *Workspace) History(ctx context.Context) (*models.UserHistory, error) {
	return w.deps.Store.LoadHistory(ctx, w.userID)
}

// Similar lists past result sets that look like the current input set.
func (w *Workspace) Similar(ctx context.Context, limit int) ([]models.SimilarSet, error) {
	searcher, ok := w.deps.Store.(storage.SimilarSearcher)
	if !ok {
		return nil, models.Invalid("similarity search is not available with this store")
	}
	if w.deps.Fingerprints == nil {
		return nil, models.Invalid("fingerprints are disabled")
	}

	w.mu.Lock()
	if len(w.images) != MaxImages {
		w.mu.Unlock()
		return nil, models.Invalid("exactly %d images are required", MaxImages)
	}
	raw := make([][]byte, len(w.images))
	for i, img := range w.images {
		raw[i] = img.data
	}
	var currentID string
	if w.current != nil {
		currentID = w.current.ID
	}
	w.mu.Unlock()

	fp, err := w.deps.Fingerprints.Wait(ctx, raw)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 5
	}
	found, err := searcher.SearchSimilar(ctx, w.userID, fp, limit+1)
	if err != nil {
		return nil, err
	}
	out := slices.DeleteFunc(found, func(s models.SimilarSet) bool { return s.ID == currentID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close releases all previews and scratch files of the workspace.
func (w *Workspace) Close(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.releaseVideo(ctx)
	w.releaseImages(ctx)
	w.resetResults(ctx)
}

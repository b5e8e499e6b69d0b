package collage

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"

	"github.com/bdougie/uicollage/internal/analyzer"
	"github.com/bdougie/uicollage/internal/embeddings"
	"github.com/bdougie/uicollage/internal/extractor"
	"github.com/bdougie/uicollage/internal/feedback"
	"github.com/bdougie/uicollage/internal/models"
	"github.com/bdougie/uicollage/internal/preview"
	"github.com/bdougie/uicollage/internal/storage"
)

func pngBytes(t *testing.T, shade uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 24))
	for y := 0; y < 24; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.Gray{Y: shade + uint8(x)})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png: %v", err)
	}
	return buf.Bytes()
}

type fakeRunner struct {
	mu     sync.Mutex
	seeks  []float64
	probes int
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	if name == "ffprobe" {
		f.mu.Lock()
		f.probes++
		f.mu.Unlock()
		return []byte(`{"streams":[{"width":64,"height":48}],"format":{"duration":"10.0"}}`), nil
	}
	for i := 0; i < len(args)-1; i++ {
		if args[i] == "-ss" {
			v, err := strconv.ParseFloat(args[i+1], 64)
			if err != nil {
				return nil, err
			}
			f.mu.Lock()
			f.seeks = append(f.seeks, v)
			f.mu.Unlock()
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 64, 48))); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type fakeInference struct {
	mu    sync.Mutex
	calls int
	refs  []string
	err   error
}

func (f *fakeInference) RequestReferences(_ context.Context, images []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if len(images) != 3 {
		return nil, fmt.Errorf("got %d images", len(images))
	}
	return f.refs, nil
}

func (f *fakeInference) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeAnalyzer answers every critique; the failure counters make the next
// initial or reference critiques fail with an upstream error.
type fakeAnalyzer struct {
	mu                sync.Mutex
	calls             []analyzer.Request
	initialFailures   int
	referenceFailures int
}

func (f *fakeAnalyzer) Analyze(_ context.Context, req analyzer.Request) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	fail := false
	switch {
	case len(req.Messages) > 0:
	case req.Reference && f.referenceFailures > 0:
		f.referenceFailures--
		fail = true
	case !req.Reference && f.initialFailures > 0:
		f.initialFailures--
		fail = true
	}
	f.mu.Unlock()
	if fail {
		return "", &models.ServiceError{Service: "gemini", Status: 503}
	}
	switch {
	case len(req.Messages) > 0:
		return "chat reply", nil
	case req.Reference:
		return "reference critique", nil
	default:
		return "initial critique", nil
	}
}

// flakyStore fails the result set link and discussion writes on demand
type flakyStore struct {
	storage.Store
	failLink       bool
	failDiscussion bool
}

func (s *flakyStore) LinkImageSet(ctx context.Context, userID, sessionID, setID string) error {
	if s.failLink {
		return errors.New("link unavailable")
	}
	return s.Store.LinkImageSet(ctx, userID, sessionID, setID)
}

func (s *flakyStore) AppendDiscussion(ctx context.Context, userID, setID string, msg models.ChatMessage) error {
	if s.failDiscussion {
		return errors.New("discussion unavailable")
	}
	return s.Store.AppendDiscussion(ctx, userID, setID, msg)
}

type fixture struct {
	svc      *Service
	store    *storage.MemoryStore
	flaky    *flakyStore
	critic   *fakeAnalyzer
	inf      *fakeInference
	runner   *fakeRunner
	previews *preview.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ref := base64.StdEncoding.EncodeToString(pngBytes(t, 10))
	refs := make([]string, 9)
	for i := range refs {
		refs[i] = ref
	}

	f := &fixture{
		store:    storage.NewMemoryStore(),
		critic:   &fakeAnalyzer{},
		inf:      &fakeInference{refs: refs},
		runner:   &fakeRunner{},
		previews: preview.NewRegistry(preview.NewMemoryBlobs(), logger),
	}
	f.flaky = &flakyStore{Store: f.store}
	fps := embeddings.NewService(2)
	t.Cleanup(fps.Close)

	f.svc = NewService(Deps{
		Extractor:    extractor.New(f.runner, "", "", logger),
		Inference:    f.inf,
		Analyzer:     f.critic,
		Store:        f.flaky,
		Previews:     f.previews,
		Fingerprints: fps,
		WorkDir:      t.TempDir(),
		Logger:       logger,
	})
	t.Cleanup(func() { f.svc.Close(context.Background()) })
	return f
}

func uploads(t *testing.T, n int) []Upload {
	out := make([]Upload, n)
	for i := range out {
		out[i] = Upload{Name: fmt.Sprintf("shot-%d.png", i), ContentType: "image/png", Data: pngBytes(t, uint8(i*40))}
	}
	return out
}

func TestSubmitProducesNineReferences(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	w := f.svc.Workspace("alice")

	if _, err := w.AddImages(ctx, uploads(t, 3)); err != nil {
		t.Fatalf("AddImages: %v", err)
	}
	res, err := w.Submit(ctx)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Skipped {
		t.Fatalf("first submission must not be skipped")
	}
	if len(res.Set.ReferenceImages) != 9 {
		t.Fatalf("expected 9 references, got %d", len(res.Set.ReferenceImages))
	}
	if len(res.Set.InputImages) != 3 {
		t.Fatalf("expected 3 inputs, got %d", len(res.Set.InputImages))
	}
	if len(res.Set.Fingerprint) != embeddings.Dims {
		t.Fatalf("expected fingerprint of %d dims, got %d", embeddings.Dims, len(res.Set.Fingerprint))
	}
	if res.State != feedback.ChatEnabled {
		t.Fatalf("expected chat enabled, got %s (critique %q, reference %q)", res.State, res.CritiqueError, res.ReferenceCritiqueError)
	}

	h, err := w.History(ctx)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(h.ReferenceSets) != 1 || h.ReferenceSets[0].ID != res.Set.ID {
		t.Fatalf("unexpected history %+v", h.ReferenceSets)
	}

	view := w.Chat()
	if len(view.Messages) != 2 {
		t.Fatalf("expected two critiques, got %d", len(view.Messages))
	}
	sess, err := f.store.LoadSession(ctx, "alice", view.SessionID)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if sess.CurrentImageSetID != res.Set.ID {
		t.Fatalf("session linked to %q, want %q", sess.CurrentImageSetID, res.Set.ID)
	}
}

func TestResubmitSameSetSkipsInference(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	w := f.svc.Workspace("bob")

	if _, err := w.AddImages(ctx, uploads(t, 3)); err != nil {
		t.Fatalf("AddImages: %v", err)
	}
	first, err := w.Submit(ctx)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	second, err := w.Submit(ctx)
	if err != nil {
		t.Fatalf("Submit again: %v", err)
	}
	if !second.Skipped {
		t.Fatalf("second submission should be skipped")
	}
	if second.Set.ID != first.Set.ID {
		t.Fatalf("skipped submission should report the current set")
	}
	if n := f.inf.count(); n != 1 {
		t.Fatalf("expected 1 inference call, got %d", n)
	}
}

func TestSubmitNeedsThreeImages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	w := f.svc.Workspace("carol")

	if _, err := w.AddImages(ctx, uploads(t, 2)); err != nil {
		t.Fatalf("AddImages: %v", err)
	}
	var ve *models.ValidationError
	if _, err := w.Submit(ctx); !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if f.inf.count() != 0 {
		t.Fatalf("inference must not be called")
	}
}

func TestAddImagesOverflowRejectsWholeUpload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	w := f.svc.Workspace("dave")

	if _, err := w.AddImages(ctx, uploads(t, 2)); err != nil {
		t.Fatalf("AddImages: %v", err)
	}
	var ve *models.ValidationError
	if _, err := w.AddImages(ctx, uploads(t, 2)); !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if n := len(w.Images()); n != 2 {
		t.Fatalf("expected 2 images to remain, got %d", n)
	}
	if live := f.previews.Live(); live != 2 {
		t.Fatalf("expected 2 live previews, got %d", live)
	}
}

func TestAddImagesRejectsNonImage(t *testing.T) {
	f := newFixture(t)
	w := f.svc.Workspace("erin")
	var ve *models.ValidationError
	_, err := w.AddImages(context.Background(), []Upload{{Name: "notes.txt", Data: []byte("hello")}})
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestRemoveLastImageClearsResults(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	w := f.svc.Workspace("frank")

	added, err := w.AddImages(ctx, uploads(t, 3))
	if err != nil {
		t.Fatalf("AddImages: %v", err)
	}
	if _, err := w.Submit(ctx); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	for _, img := range added {
		if err := w.RemoveImage(ctx, img.ID); err != nil {
			t.Fatalf("RemoveImage: %v", err)
		}
	}
	if w.CurrentSet() != nil {
		t.Fatalf("results should be cleared")
	}
	if live := f.previews.Live(); live != 0 {
		t.Fatalf("expected all previews released, %d live", live)
	}
	if err := w.RemoveImage(ctx, added[0].ID); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUploadVideoExtractsThreeFrames(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	w := f.svc.Workspace("gina")

	asset, imgs, err := w.UploadVideo(ctx, Upload{Name: "clip.mp4", ContentType: "video/mp4", Data: []byte("video")})
	if err != nil {
		t.Fatalf("UploadVideo: %v", err)
	}
	if asset.Duration != 10 {
		t.Fatalf("expected duration 10, got %v", asset.Duration)
	}
	if len(imgs) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(imgs))
	}
	want := []float64{0, 5, 9.9}
	ids := map[string]bool{}
	for i, img := range imgs {
		if img.Time == nil || *img.Time != want[i] {
			t.Fatalf("frame %d at %v, want %v", i, img.Time, want[i])
		}
		ids[img.ID] = true
	}
	if len(ids) != 3 {
		t.Fatalf("frame ids must be distinct")
	}
	if f.runner.probes != 1 {
		t.Fatalf("expected one ffprobe run per upload, got %d", f.runner.probes)
	}
}

func TestUploadVideoRejectsImage(t *testing.T) {
	f := newFixture(t)
	w := f.svc.Workspace("hank")
	var ve *models.ValidationError
	_, _, err := w.UploadVideo(context.Background(), Upload{Name: "a.png", ContentType: "image/png", Data: pngBytes(t, 0)})
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestMarkAndSaveReplacesFrames(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	w := f.svc.Workspace("ivy")

	if _, err := w.Mark(ctx, 0, 1); err == nil {
		t.Fatalf("marking without a video should fail")
	}
	if _, _, err := w.UploadVideo(ctx, Upload{Name: "clip.mp4", ContentType: "video/mp4", Data: []byte("video")}); err != nil {
		t.Fatalf("UploadVideo: %v", err)
	}
	if _, saved, err := w.SaveMarks(ctx); err != nil || saved {
		t.Fatalf("save with empty slots should be a no-op, got saved=%v err=%v", saved, err)
	}
	for slot, at := range []float64{2, 4, 6} {
		if _, err := w.Mark(ctx, slot, at); err != nil {
			t.Fatalf("Mark(%d): %v", slot, err)
		}
	}
	state, err := w.Marks()
	if err != nil || !state.CanSave {
		t.Fatalf("expected saveable marks, got %+v err=%v", state, err)
	}
	imgs, saved, err := w.SaveMarks(ctx)
	if err != nil || !saved {
		t.Fatalf("SaveMarks: saved=%v err=%v", saved, err)
	}
	for i, img := range imgs {
		if *img.Time != float64(2*(i+1)) {
			t.Fatalf("frame %d at %v", i, *img.Time)
		}
	}
	if err := w.RemoveVideo(ctx); err != nil {
		t.Fatalf("RemoveVideo: %v", err)
	}
	if len(w.Images()) != 0 || w.Video() != nil {
		t.Fatalf("removing the video should clear the input set")
	}
}

func TestRate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	w := f.svc.Workspace("jack")

	if _, err := w.Rate(ctx, 4, "nice"); !errors.Is(err, models.ErrNoResultSet) {
		t.Fatalf("expected ErrNoResultSet, got %v", err)
	}
	if _, err := w.AddImages(ctx, uploads(t, 3)); err != nil {
		t.Fatalf("AddImages: %v", err)
	}
	res, err := w.Submit(ctx)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	var ve *models.ValidationError
	if _, err := w.Rate(ctx, 0, ""); !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError for score 0, got %v", err)
	}
	if _, err := w.Rate(ctx, 5, "  great  "); err != nil {
		t.Fatalf("Rate: %v", err)
	}
	set, err := f.store.LoadResultSet(ctx, "jack", res.Set.ID)
	if err != nil {
		t.Fatalf("LoadResultSet: %v", err)
	}
	if set.Rating == nil || set.Rating.Score != 5 || set.Rating.Comment != "great" {
		t.Fatalf("unexpected rating %+v", set.Rating)
	}
}

func TestChatBeforeReferencesIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	w := f.svc.Workspace("kim")

	if _, err := w.SendChat(ctx, "hello"); !errors.Is(err, models.ErrChatDisabled) {
		t.Fatalf("expected ErrChatDisabled, got %v", err)
	}
}

func TestChatIsMirroredOnResultSet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	w := f.svc.Workspace("lee")

	if _, err := w.AddImages(ctx, uploads(t, 3)); err != nil {
		t.Fatalf("AddImages: %v", err)
	}
	res, err := w.Submit(ctx)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	msgs, err := w.SendChat(ctx, "what about spacing?")
	if err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected user turn and reply, got %d", len(msgs))
	}
	set, err := f.store.LoadResultSet(ctx, "lee", res.Set.ID)
	if err != nil {
		t.Fatalf("LoadResultSet: %v", err)
	}
	if set.AgentDiscussion == nil || len(set.AgentDiscussion.Messages) != 2 {
		t.Fatalf("discussion not recorded: %+v", set.AgentDiscussion)
	}
}

func TestInferenceFailureKeepsState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.inf.err = &models.ServiceError{Service: "inference", Status: 503}
	w := f.svc.Workspace("mia")

	if _, err := w.AddImages(ctx, uploads(t, 3)); err != nil {
		t.Fatalf("AddImages: %v", err)
	}
	var se *models.ServiceError
	if _, err := w.Submit(ctx); !errors.As(err, &se) {
		t.Fatalf("expected ServiceError, got %v", err)
	}
	if w.CurrentSet() != nil {
		t.Fatalf("no result set expected after failure")
	}

	f.inf.mu.Lock()
	f.inf.err = nil
	f.inf.mu.Unlock()
	if res, err := w.Submit(ctx); err != nil || res.Skipped {
		t.Fatalf("retry should run inference, got %+v err=%v", res, err)
	}
}

func TestSimilarExcludesCurrentSet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	w := f.svc.Workspace("noa")

	added, err := w.AddImages(ctx, uploads(t, 3))
	if err != nil {
		t.Fatalf("AddImages: %v", err)
	}
	first, err := w.Submit(ctx)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// swapping one image makes a new set with the same pixels as before
	if err := w.RemoveImage(ctx, added[2].ID); err != nil {
		t.Fatalf("RemoveImage: %v", err)
	}
	if _, err := w.AddImages(ctx, []Upload{uploads(t, 3)[2]}); err != nil {
		t.Fatalf("AddImages: %v", err)
	}
	second, err := w.Submit(ctx)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	similar, err := w.Similar(ctx, 5)
	if err != nil {
		t.Fatalf("Similar: %v", err)
	}
	if len(similar) != 1 || similar[0].ID != first.Set.ID {
		t.Fatalf("expected only %s, got %+v", first.Set.ID, similar)
	}
	if similar[0].ID == second.Set.ID {
		t.Fatalf("current set must be excluded")
	}
}

func TestResubmitRetriesFailedInitialCritique(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.critic.initialFailures = 1
	w := f.svc.Workspace("olga")

	if _, err := w.AddImages(ctx, uploads(t, 3)); err != nil {
		t.Fatalf("AddImages: %v", err)
	}
	first, err := w.Submit(ctx)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if first.CritiqueError == "" || first.State != feedback.Idle {
		t.Fatalf("expected failed critique in idle state, got %+v", first)
	}

	retry, err := w.Submit(ctx)
	if err != nil {
		t.Fatalf("Submit again: %v", err)
	}
	if !retry.Skipped || retry.Set.ID != first.Set.ID {
		t.Fatalf("retry should keep the current set, got %+v", retry)
	}
	if retry.State != feedback.ChatEnabled {
		t.Fatalf("expected chat enabled after retry, got %s (critique %q, reference %q)",
			retry.State, retry.CritiqueError, retry.ReferenceCritiqueError)
	}
	if n := f.inf.count(); n != 1 {
		t.Fatalf("retry must not run inference again, got %d calls", n)
	}
	if _, err := w.SendChat(ctx, "and the colors?"); err != nil {
		t.Fatalf("SendChat after retry: %v", err)
	}

	sess, err := f.store.LoadSession(ctx, "olga", w.Chat().SessionID)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if sess.CurrentImageSetID != first.Set.ID {
		t.Fatalf("session linked to %q, want %q", sess.CurrentImageSetID, first.Set.ID)
	}
}

func TestResubmitRetriesFailedReferenceCritique(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.critic.referenceFailures = 1
	w := f.svc.Workspace("pete")

	if _, err := w.AddImages(ctx, uploads(t, 3)); err != nil {
		t.Fatalf("AddImages: %v", err)
	}
	first, err := w.Submit(ctx)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if first.ReferenceCritiqueError == "" || first.State != feedback.ChatDisabled {
		t.Fatalf("expected failed reference critique with chat disabled, got %+v", first)
	}
	sessionID := w.Chat().SessionID

	retry, err := w.Submit(ctx)
	if err != nil {
		t.Fatalf("Submit again: %v", err)
	}
	if retry.State != feedback.ChatEnabled || retry.ReferenceCritiqueError != "" {
		t.Fatalf("expected chat enabled after retry, got %+v", retry)
	}
	view := w.Chat()
	if view.SessionID != sessionID {
		t.Fatalf("reference retry must keep session %q, got %q", sessionID, view.SessionID)
	}
	if len(view.Messages) != 2 {
		t.Fatalf("expected both critiques, got %d messages", len(view.Messages))
	}

	again, err := w.Submit(ctx)
	if err != nil || !again.Skipped || again.State != feedback.ChatEnabled {
		t.Fatalf("submission with chat enabled should be a plain skip, got %+v err=%v", again, err)
	}
	if n := len(w.Chat().Messages); n != 2 {
		t.Fatalf("plain skip must not critique again, got %d messages", n)
	}
}

func TestSubmitReportsLinkFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.flaky.failLink = true
	w := f.svc.Workspace("quinn")

	if _, err := w.AddImages(ctx, uploads(t, 3)); err != nil {
		t.Fatalf("AddImages: %v", err)
	}
	res, err := w.Submit(ctx)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.StoreError == "" {
		t.Fatalf("link failure must be reported")
	}
	if res.Set == nil {
		t.Fatalf("saved result set should still be returned")
	}
}

func TestSendChatReportsDiscussionFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	w := f.svc.Workspace("rosa")

	if _, err := w.AddImages(ctx, uploads(t, 3)); err != nil {
		t.Fatalf("AddImages: %v", err)
	}
	if _, err := w.Submit(ctx); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.flaky.failDiscussion = true

	msgs, err := w.SendChat(ctx, "is the header too tall?")
	if err == nil {
		t.Fatalf("discussion failure must surface as an error")
	}
	if len(msgs) == 0 {
		t.Fatalf("the sent turn should still be returned")
	}
}

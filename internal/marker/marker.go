package marker

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/bdougie/uicollage/internal/models"
)

// SlotCount is the number of frames a user marks
const SlotCount = 3

// Capturer renders a still of a video at a given time
type Capturer interface {
	CaptureAt(ctx context.Context, videoPath string, t float64) ([]byte, error)
}

// Slot is a marked position and its preview
type Slot struct {
	Time    float64 `json:"time"`
	Preview string  `json:"preview"`
}

// Marker holds the user's three chosen frames for one video
type Marker struct {
	mu       sync.Mutex
	capturer Capturer
	path     string
	duration float64
	slots    [SlotCount]*Slot
}

func New(capturer Capturer, videoPath string, duration float64) *Marker {
	return &Marker{capturer: capturer, path: videoPath, duration: duration}
}

// Duration of the underlying video in seconds
func (m *Marker) Duration() float64 { return m.duration }

// Mark captures the frame at t and stores it in slot, replacing what was there.
func (m *Marker) Mark(ctx context.Context, slot int, t float64) (Slot, error) {
	if slot < 0 || slot >= SlotCount {
		return Slot{}, models.Invalid("slot %d out of range 0..%d", slot, SlotCount-1)
	}
	if t < 0 || t > m.duration {
		return Slot{}, models.Invalid("time %.3f outside video duration %.3f", t, m.duration)
	}

	data, err := m.capturer.CaptureAt(ctx, m.path, t)
	if err != nil {
		return Slot{}, err
	}
	s := &Slot{
		Time:    t,
		Preview: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data),
	}

	m.mu.Lock()
	m.slots[slot] = s
	m.mu.Unlock()
	return *s, nil
}

// Slots returns a snapshot; unmarked slots are nil.
func (m *Marker) Slots() [SlotCount]*Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out [SlotCount]*Slot
	for i, s := range m.slots {
		if s != nil {
			c := *s
			out[i] = &c
		}
	}
	return out
}

// CanSave reports whether every slot is marked
func (m *Marker) CanSave() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.full()
}

func (m *Marker) full() bool {
	for _, s := range m.slots {
		if s == nil {
			return false
		}
	}
	return true
}

// Save re-renders the marked frames at full resolution in slot order and
// clears the slots it rendered. It does nothing unless every slot is marked.
func (m *Marker) Save(ctx context.Context) ([]models.Frame, bool, error) {
	m.mu.Lock()
	if !m.full() {
		m.mu.Unlock()
		return nil, false, nil
	}
	marked := m.slots
	m.mu.Unlock()

	frames := make([]models.Frame, 0, SlotCount)
	for i, s := range marked {
		t := s.Time
		data, err := m.capturer.CaptureAt(ctx, m.path, t)
		if err != nil {
			return nil, false, err
		}
		frames = append(frames, models.Frame{
			Time: t,
			Name: fmt.Sprintf("marked-frame-%d.jpg", i+1),
			Data: data,
		})
	}

	// a slot re-marked while capturing keeps its new mark
	m.mu.Lock()
	for i, s := range marked {
		if m.slots[i] == s {
			m.slots[i] = nil
		}
	}
	m.mu.Unlock()
	return frames, true, nil
}

package collage

import "github.com/bdougie/uicollage/internal/preview"

// MaxImages is the size of an input set
const MaxImages = 3

// Upload is a file received from the client
type Upload struct {
	Name        string
	ContentType string
	Data        []byte
}

// InputImage is one image of the current input set
type InputImage struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	ContentType string         `json:"contentType"`
	Size        int            `json:"size"`
	Preview     preview.Handle `json:"preview"`
	// Time is the video position for frames taken from a video
	Time *float64 `json:"time,omitempty"`

	data    []byte
	payload string
}

// VideoAsset is the uploaded video the input set was taken from
type VideoAsset struct {
	Name        string         `json:"name"`
	ContentType string         `json:"contentType"`
	Size        int            `json:"size"`
	Duration    float64        `json:"duration"`
	Width       int            `json:"width"`
	Height      int            `json:"height"`
	Preview     preview.Handle `json:"preview"`

	path string
}

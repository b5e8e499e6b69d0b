package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/bdougie/uicollage/internal/models"
)

const (
	// MaxVideoSize is the largest accepted upload
	MaxVideoSize = 50 << 20

	// FrameQuality is the JPEG quality of captured frames
	FrameQuality = 90

	endOffset = 0.1
)

// Runner executes an external tool and returns its stdout
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands on the host
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s failed: %w\nOutput: %s", name, err, stderr.String())
	}
	return stdout.Bytes(), nil
}

// Info describes a probed video
type Info struct {
	Duration float64
	Width    int
	Height   int
}

// Extractor captures stills from a video with ffmpeg
type Extractor struct {
	runner  Runner
	ffmpeg  string
	ffprobe string
	logger  *slog.Logger
}

// New creates an extractor. Empty tool paths fall back to the binaries on PATH.
func New(runner Runner, ffmpeg, ffprobe string, logger *slog.Logger) *Extractor {
	if runner == nil {
		runner = ExecRunner{}
	}
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	if ffprobe == "" {
		ffprobe = "ffprobe"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{runner: runner, ffmpeg: ffmpeg, ffprobe: ffprobe, logger: logger}
}

// Validate checks an upload before anything is written or decoded.
func Validate(contentType string, size int64) error {
	if !strings.HasPrefix(contentType, "video/") {
		return models.Invalid("unsupported file type %q: expected a video", contentType)
	}
	if size > MaxVideoSize {
		return models.Invalid("video is %d bytes, limit is %d", size, MaxVideoSize)
	}
	return nil
}

// CaptureTimes returns the start, middle and near-end positions of a video.
func CaptureTimes(duration float64) ([3]float64, error) {
	if duration <= 0 {
		return [3]float64{}, &models.MediaError{Msg: fmt.Sprintf("invalid video duration %v", duration)}
	}
	return [3]float64{0, duration / 2, max(duration-endOffset, 0)}, nil
}

type probeOutput struct {
	Streams []struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe reads duration and dimensions of the first video stream
func (e *Extractor) Probe(ctx context.Context, videoPath string) (Info, error) {
	if _, err := os.Stat(videoPath); err != nil {
		return Info{}, &models.MediaError{Msg: fmt.Sprintf("video file not found at '%s'", videoPath), Err: err}
	}

	out, err := e.runner.Run(ctx, e.ffprobe,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height:format=duration",
		"-of", "json",
		videoPath,
	)
	if err != nil {
		return Info{}, &models.MediaError{Msg: "probe video", Err: err}
	}

	var p probeOutput
	if err := json.Unmarshal(out, &p); err != nil {
		return Info{}, &models.MediaError{Msg: "parse probe output", Err: err}
	}
	if len(p.Streams) == 0 {
		return Info{}, &models.MediaError{Msg: "no video stream found"}
	}

	d, err := strconv.ParseFloat(p.Format.Duration, 64)
	if err != nil || d <= 0 {
		return Info{}, &models.MediaError{Msg: fmt.Sprintf("invalid video duration %q", p.Format.Duration)}
	}

	return Info{Duration: d, Width: p.Streams[0].Width, Height: p.Streams[0].Height}, nil
}

// CaptureAt renders the frame at t seconds as a JPEG at native resolution.
func (e *Extractor) CaptureAt(ctx context.Context, videoPath string, t float64) ([]byte, error) {
	out, err := e.runner.Run(ctx, e.ffmpeg,
		"-v", "error",
		"-ss", strconv.FormatFloat(t, 'f', 3, 64),
		"-i", videoPath,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "png",
		"-",
	)
	if err != nil {
		return nil, &models.MediaError{Msg: fmt.Sprintf("capture frame at %.3fs", t), Err: err}
	}

	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, &models.MediaError{Msg: fmt.Sprintf("decode frame at %.3fs", t), Err: err}
	}
	return toJPEG(img)
}

// Extract captures the three frames of a video in time order.
func (e *Extractor) Extract(ctx context.Context, videoPath string) ([]models.Frame, error) {
	info, err := e.Probe(ctx, videoPath)
	if err != nil {
		return nil, err
	}
	return e.ExtractWith(ctx, videoPath, info)
}

// ExtractWith is Extract for a video that has already been probed.
func (e *Extractor) ExtractWith(ctx context.Context, videoPath string, info Info) ([]models.Frame, error) {
	times, err := CaptureTimes(info.Duration)
	if err != nil {
		return nil, err
	}

	e.logger.Debug("extracting frames", "video", videoPath, "duration", info.Duration,
		"width", info.Width, "height", info.Height)

	frames := make([]models.Frame, 0, len(times))
	for i, t := range times {
		data, err := e.CaptureAt(ctx, videoPath, t)
		if err != nil {
			return nil, err
		}
		frames = append(frames, models.Frame{
			Time: t,
			Name: fmt.Sprintf("frame-%d.jpg", i+1),
			Data: data,
		})
	}
	return frames, nil
}

func toJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: FrameQuality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

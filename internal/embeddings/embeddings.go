package embeddings

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"sync"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/bdougie/uicollage/internal/models"
)

const (
	// GridSize is the side of the grayscale thumbnail taken per image
	GridSize = 4
	// ImagesPerFingerprint is the number of input images a fingerprint covers
	ImagesPerFingerprint = 3
	// Dims is the length of a fingerprint
	Dims = ImagesPerFingerprint * GridSize * GridSize

	queueSize = 100
)

// Result is the outcome of a fingerprint request
type Result struct {
	Key         string
	Fingerprint []float32
	Error       error
}

// Work is a unit of fingerprint work
type Work struct {
	Ctx    context.Context
	Images [][]byte
	Key    string
	Result chan<- Result
}

// Service computes visual fingerprints of input triples with a worker pool
// and caches them by content hash
type Service struct {
	numWorkers int
	workQueue  chan Work
	cache      sync.Map
	wg         sync.WaitGroup
}

// NewService creates a fingerprint service with the specified number of workers
func NewService(numWorkers int) *Service {
	if numWorkers <= 0 {
		numWorkers = 4
	}
	s := &Service{
		numWorkers: numWorkers,
		workQueue:  make(chan Work, queueSize),
	}
	s.startWorkers()
	return s
}

func (s *Service) startWorkers() {
	for i := 0; i < s.numWorkers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for work := range s.workQueue {
				if cached, ok := s.cache.Load(work.Key); ok {
					work.Result <- Result{Key: work.Key, Fingerprint: cached.([]float32)}
					continue
				}
				if err := work.Ctx.Err(); err != nil {
					work.Result <- Result{Key: work.Key, Error: err}
					continue
				}

				fp, err := Compute(work.Images)
				if err == nil {
					s.cache.Store(work.Key, fp)
				}
				work.Result <- Result{Key: work.Key, Fingerprint: fp, Error: err}
			}
		}()
	}
}

// Key identifies an image triple by content
func Key(images [][]byte) string {
	h := sha256.New()
	for _, img := range images {
		sum := sha256.Sum256(img)
		h.Write(sum[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint requests a fingerprint asynchronously. A full queue fails fast.
func (s *Service) Fingerprint(ctx context.Context, images [][]byte) <-chan Result {
	resultChan := make(chan Result, 1)
	key := Key(images)

	select {
	case s.workQueue <- Work{Ctx: ctx, Images: images, Key: key, Result: resultChan}:
	default:
		resultChan <- Result{Key: key, Error: fmt.Errorf("fingerprint queue is full, try again later")}
	}
	return resultChan
}

// Wait blocks for a fingerprint or until ctx is done.
func (s *Service) Wait(ctx context.Context, images [][]byte) ([]float32, error) {
	select {
	case r := <-s.Fingerprint(ctx, images):
		return r.Fingerprint, r.Error
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Compute builds a mean-centred vector of GridSize x GridSize grayscale cells
// for each of the three images.
func Compute(images [][]byte) ([]float32, error) {
	if len(images) != ImagesPerFingerprint {
		return nil, models.Invalid("fingerprint needs %d images, got %d", ImagesPerFingerprint, len(images))
	}

	out := make([]float32, 0, Dims)
	for _, data := range images {
		src, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, &models.DecodeError{Err: err}
		}
		cell := image.NewGray(image.Rect(0, 0, GridSize, GridSize))
		draw.ApproxBiLinear.Scale(cell, cell.Bounds(), src, src.Bounds(), draw.Src, nil)
		for _, p := range cell.Pix {
			out = append(out, float32(p)/255)
		}
	}

	var mean float32
	for _, v := range out {
		mean += v
	}
	mean /= float32(len(out))
	for i := range out {
		out[i] -= mean
	}
	return out, nil
}

// Close shuts down the service and waits for all workers to finish
func (s *Service) Close() {
	close(s.workQueue)
	s.wg.Wait()
}

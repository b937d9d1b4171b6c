package extractor

import (
	"bytes"
	"context"
	"image"
	"iter"

	"github.com/disintegration/imaging"

	"github.com/bdougie/visionbatch/internal/errkind"
	"github.com/bdougie/visionbatch/internal/models"
)

// DefaultJPEGQuality is used when encoding sampled frames.
const DefaultJPEGQuality = 90

// VideoInfo describes a decoded video stream.
type VideoInfo struct {
	FPS        float64
	FrameCount int
	Width      int
	Height     int
}

// Frame is one decoded frame with its zero-based index in the stream.
type Frame struct {
	Index int
	Image image.Image
}

// Source decodes a single video. Frames yields, in index order, the frames
// whose index is a multiple of interval. A source may be iterated again, which
// decodes it from the start.
type Source interface {
	Info() VideoInfo
	Frames(ctx context.Context, interval int) iter.Seq2[Frame, error]
}

// SampleIndices lists the frame indices kept for a stream of frameCount frames.
func SampleIndices(frameCount, interval int) []int {
	if frameCount <= 0 || interval < 1 {
		return nil
	}
	indices := make([]int, 0, (frameCount+interval-1)/interval)
	for i := 0; i < frameCount; i += interval {
		indices = append(indices, i)
	}
	return indices
}

// Sampler turns a Source into JPEG-encoded frame tasks.
type Sampler struct {
	Quality int
}

// Sample returns the lazy sequence of frames at indices 0, interval,
// 2*interval and so on. Frames past the probed frame count are dropped, as are
// any the source yields off the sampling grid. Each call decodes the source
// anew.
func (s Sampler) Sample(ctx context.Context, src Source, interval int) (iter.Seq2[models.FrameTask, error], error) {
	if interval < 1 {
		return nil, errkind.New(errkind.Config, "sample", "frame interval must be >= 1, got %d", interval)
	}
	quality := s.Quality
	if quality <= 0 {
		quality = DefaultJPEGQuality
	}
	info := src.Info()

	return func(yield func(models.FrameTask, error) bool) {
		for frame, err := range src.Frames(ctx, interval) {
			if err != nil {
				yield(models.FrameTask{}, errkind.Wrap(errkind.ItemIO, "decode frame", err))
				return
			}
			if frame.Index%interval != 0 {
				continue
			}
			if info.FrameCount > 0 && frame.Index >= info.FrameCount {
				return
			}

			var buf bytes.Buffer
			if err := imaging.Encode(&buf, frame.Image, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
				yield(models.FrameTask{}, errkind.Wrap(errkind.ItemIO, "encode frame", err))
				return
			}
			task := models.FrameTask{
				Index:     frame.Index,
				Timestamp: Timestamp(frame.Index, info.FPS),
				Data:      buf.Bytes(),
			}
			if !yield(task, nil) {
				return
			}
		}
	}, nil
}

// Timestamp is the presentation time in seconds of frame index at fps. An
// unknown frame rate yields zero.
func Timestamp(index int, fps float64) float64 {
	if fps <= 0 {
		return 0
	}
	return float64(index) / fps
}

// Groups chunks frames into slices of at most size. Only one group is held at
// a time. The first error ends the sequence, after any partial group collected
// before it.
func Groups(frames iter.Seq2[models.FrameTask, error], size int) iter.Seq2[[]models.FrameTask, error] {
	if size < 1 {
		size = 1
	}
	return func(yield func([]models.FrameTask, error) bool) {
		group := make([]models.FrameTask, 0, size)
		for frame, err := range frames {
			if err != nil {
				if len(group) > 0 && !yield(group, nil) {
					return
				}
				yield(nil, err)
				return
			}
			group = append(group, frame)
			if len(group) == size {
				if !yield(group, nil) {
					return
				}
				group = make([]models.FrameTask, 0, size)
			}
		}
		if len(group) > 0 {
			yield(group, nil)
		}
	}
}

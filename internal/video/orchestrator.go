package video

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bdougie/visionbatch/internal/blob"
	"github.com/bdougie/visionbatch/internal/dispatch"
	"github.com/bdougie/visionbatch/internal/errkind"
	"github.com/bdougie/visionbatch/internal/extractor"
	"github.com/bdougie/visionbatch/internal/models"
)

// SourceOpener turns a downloaded video file into a decodable source.
type SourceOpener interface {
	OpenSource(path string) (extractor.Source, error)
}

// SourceOpenerFunc adapts a function to SourceOpener.
type SourceOpenerFunc func(path string) (extractor.Source, error)

func (f SourceOpenerFunc) OpenSource(path string) (extractor.Source, error) {
	return f(path)
}

// FFmpegOpener probes and decodes files with ffmpeg.
var FFmpegOpener = SourceOpenerFunc(func(path string) (extractor.Source, error) {
	return extractor.OpenFile(path)
})

// Settings control sampling and fan-out.
type Settings struct {
	FrameInterval       int
	FramesPerGroup      int
	MaxConcurrentVideos int
	PerItemTimeout      time.Duration
	TempPrefix          string
	TempDir             string // where videos are downloaded, os.TempDir() if empty
}

// Orchestrator processes videos in waves, sampling frames from each and
// dispatching them group by group.
type Orchestrator struct {
	store      blob.Store
	dispatcher *dispatch.Dispatcher
	opener     SourceOpener
	sampler    extractor.Sampler
	settings   Settings
	logger     *slog.Logger
}

// NewOrchestrator wires an orchestrator. A nil opener uses FFmpegOpener.
func NewOrchestrator(store blob.Store, dispatcher *dispatch.Dispatcher, opener SourceOpener, settings Settings, logger *slog.Logger) *Orchestrator {
	if opener == nil {
		opener = FFmpegOpener
	}
	return &Orchestrator{
		store:      store,
		dispatcher: dispatcher,
		opener:     opener,
		settings:   settings,
		logger:     logger,
	}
}

func (s Settings) validate() error {
	switch {
	case s.FrameInterval < 1:
		return errkind.New(errkind.Config, "video", "frame interval must be >= 1, got %d", s.FrameInterval)
	case s.FramesPerGroup < 1:
		return errkind.New(errkind.Config, "video", "frames per group must be >= 1, got %d", s.FramesPerGroup)
	case s.MaxConcurrentVideos < 1:
		return errkind.New(errkind.Config, "video", "max concurrent videos must be >= 1, got %d", s.MaxConcurrentVideos)
	case s.PerItemTimeout <= 0:
		return errkind.New(errkind.Config, "video", "per-item timeout must be positive, got %s", s.PerItemTimeout)
	}
	return nil
}

// Run processes every video and returns one record per key, in key order.
// Videos that fail still produce a record; only configuration errors are
// returned.
func (o *Orchestrator) Run(ctx context.Context, keys []string) (models.VideoBatch, error) {
	if err := o.settings.validate(); err != nil {
		return models.VideoBatch{}, err
	}
	if len(keys) == 0 {
		return models.VideoBatch{}, errkind.New(errkind.Config, "video", "no videos to process")
	}

	runID := uuid.NewString()
	videos := make([]models.VideoResult, len(keys))
	start := time.Now()

	wave := o.settings.MaxConcurrentVideos
	for lo := 0; lo < len(keys); lo += wave {
		hi := min(lo+wave, len(keys))
		o.logger.Info("processing video wave", "run", runID, "from", lo, "to", hi, "total", len(keys))

		var g errgroup.Group
		for i := lo; i < hi; i++ {
			g.Go(func() error {
				videos[i] = o.processVideo(ctx, keys[i])
				return nil
			})
		}
		_ = g.Wait()
	}

	succeeded := 0
	for _, v := range videos {
		if v.Status == models.Succeeded {
			succeeded++
		}
	}
	summary, err := models.NewBatchSummary(runID, len(keys), succeeded, time.Since(start))
	if err != nil {
		return models.VideoBatch{}, err
	}
	return models.VideoBatch{Summary: summary, Videos: videos}, nil
}

func (o *Orchestrator) processVideo(ctx context.Context, key string) (res models.VideoResult) {
	start := time.Now()
	res = models.VideoResult{VideoKey: key, Status: models.InFlight}

	defer func() {
		if r := recover(); r != nil {
			res.Status = models.Failed
			res.ErrorMessage = fmt.Sprintf("panic: %v", r)
		}
		res.ProcessingTime = time.Since(start)
		o.logger.Info("video settled",
			"video", key, "status", res.Status.String(),
			"frames", res.FramesProcessed, "succeeded", res.SuccessfulFrames, "failed", res.FailedFrames,
			"time", res.ProcessingTime)
	}()

	local, err := o.download(ctx, key)
	if err != nil {
		return o.failedVideo(res, err)
	}
	defer func() {
		if err := os.Remove(local); err != nil {
			o.logger.Warn("failed to remove downloaded video", "video", key, "path", local, "error", err)
		}
	}()

	src, err := o.opener.OpenSource(local)
	if err != nil {
		return o.failedVideo(res, errkind.Wrap(errkind.ItemIO, "open video", err))
	}
	frames, err := o.sampler.Sample(ctx, src, o.settings.FrameInterval)
	if err != nil {
		return o.failedVideo(res, err)
	}

	videoRunID := uuid.NewString()
	var sampleErr error
	for group, err := range extractor.Groups(frames, o.settings.FramesPerGroup) {
		if err != nil {
			sampleErr = err
			break
		}
		res.Frames = append(res.Frames, o.processGroup(ctx, key, videoRunID, group)...)
	}

	for _, f := range res.Frames {
		if f.Result.Status == models.Succeeded {
			res.SuccessfulFrames++
		} else {
			res.FailedFrames++
		}
	}
	res.FramesProcessed = len(res.Frames)

	switch {
	case res.SuccessfulFrames > 0:
		res.Status = models.Succeeded
		if sampleErr != nil {
			res.ErrorMessage = sampleErr.Error()
		}
	case sampleErr != nil:
		return o.failedVideo(res, sampleErr)
	case res.FramesProcessed == 0:
		return o.failedVideo(res, errkind.New(errkind.ItemIO, "sample", "no frames sampled"))
	default:
		res.Status = models.Failed
		res.ErrorMessage = fmt.Sprintf("all %d frames failed", res.FramesProcessed)
	}
	return res
}

func (o *Orchestrator) processGroup(ctx context.Context, key, videoRunID string, group []models.FrameTask) []models.FrameResult {
	items := make([]models.WorkItem, len(group))
	for i, f := range group {
		items[i] = models.WorkItem{
			ID: FrameItemID(key, f.Index),
			Payload: FramePayload{
				Store: o.store,
				Key:   TempFrameKey(o.settings.TempPrefix, videoRunID, f.Index),
				Data:  f.Data,
			},
		}
	}

	out := make([]models.FrameResult, len(group))
	results, _, err := o.dispatcher.Run(ctx, items, o.settings.FramesPerGroup, o.settings.PerItemTimeout)
	for i, f := range group {
		out[i] = models.FrameResult{FrameIndex: f.Index, Timestamp: f.Timestamp}
		if err != nil {
			out[i].Result = models.TaskResult{
				ItemID:  items[i].ID,
				Status:  models.Failed,
				ErrKind: errkind.KindOf(err),
				Error:   err.Error(),
			}
			continue
		}
		out[i].Result = results[i]
	}
	return out
}

// download copies the video into a temp file and returns its path. The
// caller removes the file.
func (o *Orchestrator) download(ctx context.Context, key string) (string, error) {
	body, err := o.store.Open(ctx, key)
	if err != nil {
		return "", err
	}
	defer body.Close()

	f, err := os.CreateTemp(o.settings.TempDir, "video-*"+path.Ext(key))
	if err != nil {
		return "", errkind.Wrap(errkind.ItemIO, "create temp file", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", errkind.Wrap(errkind.ItemIO, "download "+key, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", errkind.Wrap(errkind.ItemIO, "download "+key, err)
	}
	return f.Name(), nil
}

func (o *Orchestrator) failedVideo(res models.VideoResult, err error) models.VideoResult {
	o.logger.Warn("video failed", "video", res.VideoKey, "kind", string(errkind.KindOf(err)), "error", err)
	res.Status = models.Failed
	res.ErrorMessage = err.Error()
	return res
}

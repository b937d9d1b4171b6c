package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdougie/visionbatch/internal/blob"
	"github.com/bdougie/visionbatch/internal/dispatch"
	"github.com/bdougie/visionbatch/internal/models"
	"github.com/bdougie/visionbatch/internal/storage"
)

// VideoRunner processes a list of video keys into a settled batch.
type VideoRunner interface {
	Run(ctx context.Context, keys []string) (models.VideoBatch, error)
}

// Settings select the work a Processor picks up and how hard it pushes.
type Settings struct {
	ImagePrefix    string
	ImageSuffixes  []string
	VideoPrefix    string
	VideoSuffixes  []string
	Concurrency    int
	PerItemTimeout time.Duration
}

// Processor lists pending blobs, runs them as a batch, and hands the settled
// batch to the sink.
type Processor struct {
	store      blob.Store
	dispatcher *dispatch.Dispatcher
	videos     VideoRunner
	sink       storage.Sink
	settings   Settings
	logger     *slog.Logger
}

func NewProcessor(store blob.Store, dispatcher *dispatch.Dispatcher, videos VideoRunner, sink storage.Sink, settings Settings, logger *slog.Logger) *Processor {
	return &Processor{
		store:      store,
		dispatcher: dispatcher,
		videos:     videos,
		sink:       sink,
		settings:   settings,
		logger:     logger,
	}
}

// ProcessImages runs every image under the image prefix. The batch is written
// even when every item failed; only configuration, listing and sink errors are
// returned.
func (p *Processor) ProcessImages(ctx context.Context) (models.ImageBatch, error) {
	keys, err := blob.ListMatching(ctx, p.store, p.settings.ImagePrefix, p.settings.ImageSuffixes...)
	if err != nil {
		return models.ImageBatch{}, fmt.Errorf("failed to list images: %w", err)
	}
	p.logger.Info("found images to process", "count", len(keys), "prefix", p.settings.ImagePrefix)

	items := make([]models.WorkItem, len(keys))
	for i, key := range keys {
		items[i] = models.WorkItem{
			ID:      key,
			Payload: models.BlobPayload{Bucket: p.store.Bucket(), Key: key},
		}
	}

	results, summary, err := p.dispatcher.Run(ctx, items, p.settings.Concurrency, p.settings.PerItemTimeout)
	if err != nil {
		return models.ImageBatch{}, err
	}
	batch := models.ImageBatch{Summary: summary, Results: results}
	p.logSummary("image", summary)

	if err := p.sink.WriteImageBatch(ctx, batch); err != nil {
		return batch, fmt.Errorf("failed to save image results: %w", err)
	}
	return batch, nil
}

// ProcessVideos runs every video under the video prefix.
func (p *Processor) ProcessVideos(ctx context.Context) (models.VideoBatch, error) {
	keys, err := blob.ListMatching(ctx, p.store, p.settings.VideoPrefix, p.settings.VideoSuffixes...)
	if err != nil {
		return models.VideoBatch{}, fmt.Errorf("failed to list videos: %w", err)
	}
	p.logger.Info("found videos to process", "count", len(keys), "prefix", p.settings.VideoPrefix)

	batch, err := p.videos.Run(ctx, keys)
	if err != nil {
		return models.VideoBatch{}, err
	}
	p.logSummary("video", batch.Summary)

	if err := p.sink.WriteVideoBatch(ctx, batch); err != nil {
		return batch, fmt.Errorf("failed to save video results: %w", err)
	}
	return batch, nil
}

func (p *Processor) logSummary(kind string, s models.BatchSummary) {
	p.logger.Info("batch complete",
		"kind", kind,
		"run", s.RunID,
		"total", s.Total,
		"succeeded", s.Succeeded,
		"failed", s.Failed,
		"total_time", s.TotalTime.Round(time.Millisecond),
		"avg_time", s.AvgTime.Round(time.Millisecond))
}

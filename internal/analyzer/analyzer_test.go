package analyzer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"go.viam.com/test"

	"github.com/bdougie/visionbatch/internal/blob"
	"github.com/bdougie/visionbatch/internal/channel"
	"github.com/bdougie/visionbatch/internal/dispatch"
	"github.com/bdougie/visionbatch/internal/errkind"
	"github.com/bdougie/visionbatch/internal/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type scriptedChannel struct{}

func (scriptedChannel) Request(_ context.Context, req channel.Request) (channel.Response, error) {
	key := req.(channel.BlobRequest).Key
	if strings.Contains(key, "bad") {
		return channel.Failure{Message: "cannot decode " + key}, nil
	}
	return channel.Success{Outputs: channel.Outputs{
		"densenet": {"fc6_1": {Shape: []int{1, 3}, Data: []float64{0.1, 2, 0.3}}},
	}}, nil
}

func (scriptedChannel) Close() error { return nil }

type recordingSink struct {
	images []models.ImageBatch
	videos []models.VideoBatch
	err    error
}

func (r *recordingSink) WriteImageBatch(_ context.Context, b models.ImageBatch) error {
	r.images = append(r.images, b)
	return r.err
}

func (r *recordingSink) WriteVideoBatch(_ context.Context, b models.VideoBatch) error {
	r.videos = append(r.videos, b)
	return r.err
}

func (r *recordingSink) Close() error { return nil }

type stubVideos struct {
	keys []string
}

func (s *stubVideos) Run(_ context.Context, keys []string) (models.VideoBatch, error) {
	s.keys = keys
	videos := make([]models.VideoResult, len(keys))
	for i, k := range keys {
		videos[i] = models.VideoResult{VideoKey: k, Status: models.Succeeded, FramesProcessed: 1, SuccessfulFrames: 1}
	}
	summary, err := models.NewBatchSummary("videos", len(keys), len(keys), time.Second)
	return models.VideoBatch{Summary: summary, Videos: videos}, err
}

var settings = Settings{
	ImagePrefix:    "images/",
	ImageSuffixes:  []string{".jpg", ".png"},
	VideoPrefix:    "videos/",
	VideoSuffixes:  []string{".mp4"},
	Concurrency:    2,
	PerItemTimeout: time.Second,
}

func newProcessor(t *testing.T, keys ...string) (*Processor, *recordingSink, *stubVideos) {
	t.Helper()
	store := blob.NewLocalStore(t.TempDir(), "bucket")
	for _, k := range keys {
		test.That(t, store.Put(context.Background(), k, []byte("x")), test.ShouldBeNil)
	}
	opener := channel.OpenerFunc(func(context.Context) (channel.Channel, error) {
		return scriptedChannel{}, nil
	})
	sink := &recordingSink{}
	videos := &stubVideos{}
	d := dispatch.New(opener, discardLogger())
	return NewProcessor(store, d, videos, sink, settings, discardLogger()), sink, videos
}

func TestProcessImages(t *testing.T) {
	p, sink, _ := newProcessor(t, "images/a.jpg", "images/bad.PNG", "images/notes.txt", "videos/v.mp4")

	batch, err := p.ProcessImages(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, batch.Summary.Total, test.ShouldEqual, 2)
	test.That(t, batch.Summary.Succeeded, test.ShouldEqual, 1)
	test.That(t, batch.Results[0].ItemID, test.ShouldEqual, "images/a.jpg")
	test.That(t, batch.Results[1].ItemID, test.ShouldEqual, "images/bad.PNG")
	test.That(t, batch.Results[1].ErrKind, test.ShouldEqual, errkind.Upstream)
	test.That(t, sink.images, test.ShouldHaveLength, 1)
}

func TestProcessImagesWritesTotalFailure(t *testing.T) {
	p, sink, _ := newProcessor(t, "images/bad1.jpg", "images/bad2.jpg")

	batch, err := p.ProcessImages(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, batch.Summary.Failed, test.ShouldEqual, 2)
	test.That(t, sink.images, test.ShouldHaveLength, 1)
	test.That(t, sink.images[0].Results, test.ShouldHaveLength, 2)
}

func TestProcessImagesEmpty(t *testing.T) {
	p, sink, _ := newProcessor(t, "videos/v.mp4")

	_, err := p.ProcessImages(context.Background())
	test.That(t, errkind.KindOf(err), test.ShouldEqual, errkind.Config)
	test.That(t, sink.images, test.ShouldBeEmpty)
}

func TestProcessVideos(t *testing.T) {
	p, sink, videos := newProcessor(t, "videos/b.mp4", "videos/a.MP4", "videos/readme.md")

	batch, err := p.ProcessVideos(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, videos.keys, test.ShouldResemble, []string{"videos/a.MP4", "videos/b.mp4"})
	test.That(t, batch.Summary.Total, test.ShouldEqual, 2)
	test.That(t, sink.videos, test.ShouldHaveLength, 1)
}

func TestProcessSinkError(t *testing.T) {
	p, sink, _ := newProcessor(t, "images/a.jpg")
	sink.err = errors.New("disk full")

	batch, err := p.ProcessImages(context.Background())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, batch.Summary.Total, test.ShouldEqual, 1)
}

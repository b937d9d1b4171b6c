package storage

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/multierr"
	"go.viam.com/test"

	"github.com/bdougie/visionbatch/internal/errkind"
	"github.com/bdougie/visionbatch/internal/models"
	"github.com/bdougie/visionbatch/internal/predict"
)

func fixedClock() time.Time {
	return time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	test.That(t, err, test.ShouldBeNil)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	test.That(t, err, test.ShouldBeNil)
	return rows
}

func prediction(model, output string, scores ...float64) predict.Predictions {
	return predict.Predictions{model: {output: predict.Analyze(scores)}}
}

func TestCSVImageBatch(t *testing.T) {
	dir := t.TempDir()
	sink := NewCSVSink(dir, DefaultColumns, fixedClock)

	preds := prediction("densenet", "fc6_1", 0.1, 3, 0.2)
	preds["resnet"] = map[string]predict.OutputResult{"resnetv24_dense0_fwd": predict.Analyze([]float64{5, 1})}
	batch := models.ImageBatch{
		Summary: models.BatchSummary{Total: 3, Succeeded: 2, Failed: 1},
		Results: []models.TaskResult{
			{ItemID: "a.jpg", Status: models.Succeeded, Predictions: preds, Timing: 1500 * time.Millisecond},
			{ItemID: "b.jpg", Status: models.Failed, ErrKind: errkind.Upstream, Error: "boom", Timing: 20 * time.Millisecond},
			{ItemID: "c.jpg", Status: models.Succeeded, Predictions: prediction("densenet", "fc6_1", 4, 1), Timing: time.Second},
		},
	}
	test.That(t, sink.WriteImageBatch(context.Background(), batch), test.ShouldBeNil)

	path := filepath.Join(dir, "inference_results_20240309_140507.csv")
	test.That(t, sink.Files(), test.ShouldResemble, []string{path})
	rows := readCSV(t, path)
	test.That(t, rows, test.ShouldHaveLength, 4)
	test.That(t, rows[0], test.ShouldResemble, imageHeader)
	test.That(t, rows[1][0], test.ShouldEqual, "a.jpg")
	test.That(t, rows[1][1], test.ShouldEqual, "success")
	test.That(t, rows[1][2], test.ShouldEqual, "1")
	test.That(t, rows[1][4], test.ShouldEqual, "0")
	test.That(t, rows[1][6], test.ShouldEqual, "1.500")
	test.That(t, rows[2], test.ShouldResemble, []string{"b.jpg", "error", "", "", "", "", "0.020"})
	test.That(t, rows[3][2], test.ShouldEqual, "0")
	test.That(t, rows[3][4], test.ShouldEqual, "")
}

func TestCSVVideoBatch(t *testing.T) {
	dir := t.TempDir()
	sink := NewCSVSink(dir, DefaultColumns, fixedClock)

	batch := models.VideoBatch{
		Videos: []models.VideoResult{
			{
				VideoKey: "videos/a.mp4", Status: models.Succeeded,
				FramesProcessed: 2, SuccessfulFrames: 1, FailedFrames: 1, ProcessingTime: 2 * time.Second,
				Frames: []models.FrameResult{
					{FrameIndex: 0, Result: models.TaskResult{Status: models.Succeeded, Predictions: prediction("densenet", "fc6_1", 1, 2)}},
					{FrameIndex: 30, Timestamp: 1, Result: models.TaskResult{Status: models.Failed, Error: "timeout"}},
				},
			},
			{VideoKey: "videos/b.mp4", Status: models.Failed, ErrorMessage: "blob not found"},
		},
	}
	test.That(t, sink.WriteVideoBatch(context.Background(), batch), test.ShouldBeNil)

	summary := readCSV(t, filepath.Join(dir, "batch_summary_20240309_140507.csv"))
	test.That(t, summary[0], test.ShouldResemble, videoHeader)
	test.That(t, summary[1], test.ShouldResemble, []string{"videos/a.mp4", "success", "2", "1", "1", "2.000", ""})
	test.That(t, summary[2], test.ShouldResemble, []string{"videos/b.mp4", "failed", "0", "0", "0", "0.000", "blob not found"})

	frames := readCSV(t, filepath.Join(dir, "frame_results_20240309_140507.csv"))
	test.That(t, frames, test.ShouldHaveLength, 3)
	test.That(t, frames[1][0], test.ShouldEqual, "videos/a.mp4#0")
	test.That(t, frames[1][2], test.ShouldEqual, "1")
	test.That(t, frames[2][0], test.ShouldEqual, "videos/a.mp4#30")
	test.That(t, frames[2][1], test.ShouldEqual, "error")
	test.That(t, frames[2][2], test.ShouldEqual, "")
}

func TestCSVSameSecondBatchesKeepBothFiles(t *testing.T) {
	dir := t.TempDir()
	sink := NewCSVSink(dir, DefaultColumns, fixedClock)
	first := models.ImageBatch{Results: []models.TaskResult{{ItemID: "a.jpg", Status: models.Failed}}}
	second := models.ImageBatch{Results: []models.TaskResult{{ItemID: "b.jpg", Status: models.Failed}}}

	test.That(t, sink.WriteImageBatch(context.Background(), first), test.ShouldBeNil)
	test.That(t, sink.WriteImageBatch(context.Background(), second), test.ShouldBeNil)

	files := sink.Files()
	test.That(t, files, test.ShouldResemble, []string{
		filepath.Join(dir, "inference_results_20240309_140507.csv"),
		filepath.Join(dir, "inference_results_20240309_140507_1.csv"),
	})
	test.That(t, readCSV(t, files[0])[1][0], test.ShouldEqual, "a.jpg")
	test.That(t, readCSV(t, files[1])[1][0], test.ShouldEqual, "b.jpg")
}

type recordingSink struct {
	images, videos, closes int
	err                    error
}

func (r *recordingSink) WriteImageBatch(context.Context, models.ImageBatch) error {
	r.images++
	return r.err
}

func (r *recordingSink) WriteVideoBatch(context.Context, models.VideoBatch) error {
	r.videos++
	return r.err
}

func (r *recordingSink) Close() error {
	r.closes++
	return r.err
}

func TestMultiReachesEverySink(t *testing.T) {
	first := &recordingSink{err: errors.New("db down")}
	second := &recordingSink{}
	third := &recordingSink{err: errors.New("broker down")}
	m := Multi{first, second, third}

	err := m.WriteImageBatch(context.Background(), models.ImageBatch{})
	test.That(t, multierr.Errors(err), test.ShouldHaveLength, 2)
	test.That(t, m.WriteVideoBatch(context.Background(), models.VideoBatch{}), test.ShouldNotBeNil)
	test.That(t, m.Close(), test.ShouldNotBeNil)
	for _, s := range []*recordingSink{first, second, third} {
		test.That(t, s.images, test.ShouldEqual, 1)
		test.That(t, s.videos, test.ShouldEqual, 1)
		test.That(t, s.closes, test.ShouldEqual, 1)
	}
}

func TestPostgresVectorDimensions(t *testing.T) {
	s := &PostgresSink{dimensions: 3}
	test.That(t, s.vector(predict.Analyze([]float64{1, 2})), test.ShouldBeNil)
	v := s.vector(predict.Analyze([]float64{1, 2, 3}))
	test.That(t, v, test.ShouldNotBeNil)
	test.That(t, v.Slice(), test.ShouldHaveLength, 3)
	test.That(t, schemaSQL(1000), test.ShouldContainSubstring, "vector(1000)")
}

func TestPostgresSinkIntegration(t *testing.T) {
	dsn := os.Getenv("VISIONBATCH_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VISIONBATCH_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	sink, err := NewPostgresSink(ctx, dsn, 3)
	test.That(t, err, test.ShouldBeNil)
	defer sink.Close()
	test.That(t, sink.InitSchema(ctx), test.ShouldBeNil)

	runID := "test-" + time.Now().Format(time.RFC3339Nano)
	batch := models.ImageBatch{
		Summary: models.BatchSummary{RunID: runID, Total: 3, Succeeded: 3},
		Results: []models.TaskResult{
			{ItemID: runID + "/a", Status: models.Succeeded, Predictions: prediction("densenet", "fc6_1", 1, 2, 3)},
			{ItemID: runID + "/b", Status: models.Succeeded, Predictions: prediction("densenet", "fc6_1", 1, 2, 3.1)},
			{ItemID: runID + "/c", Status: models.Succeeded, Predictions: prediction("densenet", "fc6_1", 9, 0, 0)},
		},
	}
	test.That(t, sink.WriteImageBatch(ctx, batch), test.ShouldBeNil)

	similar, err := sink.SearchSimilar(ctx, runID+"/a", DefaultColumns.Densenet, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, similar, test.ShouldHaveLength, 1)
	test.That(t, similar[0].ItemKey, test.ShouldEqual, runID+"/b")
}

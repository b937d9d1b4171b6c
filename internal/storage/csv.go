package storage

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/bdougie/visionbatch/internal/models"
	"github.com/bdougie/visionbatch/internal/video"
)

const timestampLayout = "20060102_150405"

var (
	imageHeader = []string{
		"image_key", "status",
		"densenet_top1_class", "densenet_top1_confidence",
		"resnet_top1_class", "resnet_top1_confidence",
		"processing_time",
	}
	videoHeader = []string{
		"video_key", "status", "frames_processed", "successful_frames",
		"failed_frames", "processing_time", "error_message",
	}
)

// CSVSink writes batches as timestamped CSV files in one directory.
type CSVSink struct {
	dir     string
	columns Columns
	now     func() time.Time

	mu      sync.Mutex
	written []string
}

// NewCSVSink writes into dir. A nil clock uses time.Now.
func NewCSVSink(dir string, columns Columns, now func() time.Time) *CSVSink {
	if now == nil {
		now = time.Now
	}
	return &CSVSink{dir: dir, columns: columns, now: now}
}

// Files lists every file written so far.
func (s *CSVSink) Files() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.written...)
}

func (s *CSVSink) WriteImageBatch(_ context.Context, batch models.ImageBatch) error {
	rows := make([][]string, 0, len(batch.Results))
	for _, r := range batch.Results {
		rows = append(rows, s.imageRow(r.ItemID, r))
	}
	_, err := s.write("inference_results", imageHeader, rows)
	return err
}

// WriteVideoBatch writes the per-video summary and a per-frame file keyed by
// <video_key>#<frame_index>.
func (s *CSVSink) WriteVideoBatch(_ context.Context, batch models.VideoBatch) error {
	summary := make([][]string, 0, len(batch.Videos))
	var frames [][]string
	for _, v := range batch.Videos {
		status := "failed"
		if v.Status == models.Succeeded {
			status = "success"
		}
		summary = append(summary, []string{
			v.VideoKey,
			status,
			strconv.Itoa(v.FramesProcessed),
			strconv.Itoa(v.SuccessfulFrames),
			strconv.Itoa(v.FailedFrames),
			seconds(v.ProcessingTime),
			v.ErrorMessage,
		})
		for _, f := range v.Frames {
			frames = append(frames, s.imageRow(video.FrameItemID(v.VideoKey, f.FrameIndex), f.Result))
		}
	}

	ts := s.now().Format(timestampLayout)
	if _, err := s.writeAt("frame_results", ts, imageHeader, frames); err != nil {
		return err
	}
	_, err := s.writeAt("batch_summary", ts, videoHeader, summary)
	return err
}

func (s *CSVSink) Close() error {
	return nil
}

// imageRow leaves prediction columns blank for failed items and for outputs
// the response did not carry.
func (s *CSVSink) imageRow(key string, r models.TaskResult) []string {
	row := []string{key, r.Status.String(), "", "", "", "", seconds(r.Timing)}
	if r.Status != models.Succeeded {
		return row
	}
	if top, ok := top1(r.Predictions, s.columns.Densenet); ok {
		row[2] = strconv.Itoa(top.ClassID)
		row[3] = strconv.FormatFloat(top.Confidence, 'f', -1, 64)
	}
	if top, ok := top1(r.Predictions, s.columns.Resnet); ok {
		row[4] = strconv.Itoa(top.ClassID)
		row[5] = strconv.FormatFloat(top.Confidence, 'f', -1, 64)
	}
	return row
}

func (s *CSVSink) write(name string, header []string, rows [][]string) (string, error) {
	return s.writeAt(name, s.now().Format(timestampLayout), header, rows)
}

func (s *CSVSink) writeAt(name, ts string, header []string, rows [][]string) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create results directory: %w", err)
	}
	file, err := createUnique(s.dir, name, ts)
	if err != nil {
		return "", fmt.Errorf("failed to create results file: %w", err)
	}
	defer file.Close()
	path := file.Name()

	w := csv.NewWriter(file)
	if err := w.Write(header); err != nil {
		return "", fmt.Errorf("failed to write header: %w", err)
	}
	if err := w.WriteAll(rows); err != nil {
		return "", fmt.Errorf("failed to write rows: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("failed to close results file: %w", err)
	}

	s.mu.Lock()
	s.written = append(s.written, path)
	s.mu.Unlock()
	return path, nil
}

// createUnique creates <name>_<ts>.csv, adding a _<n> suffix when an earlier
// batch in the same second already took the name.
func createUnique(dir, name, ts string) (*os.File, error) {
	for n := 0; ; n++ {
		base := fmt.Sprintf("%s_%s.csv", name, ts)
		if n > 0 {
			base = fmt.Sprintf("%s_%s_%d.csv", name, ts, n)
		}
		f, err := os.OpenFile(filepath.Join(dir, base), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		return f, err
	}
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

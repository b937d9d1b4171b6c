package models

import (
	"context"
	"time"

	"github.com/bdougie/visionbatch/internal/channel"
	"github.com/bdougie/visionbatch/internal/errkind"
	"github.com/bdougie/visionbatch/internal/predict"
)

// Payload builds the wire request for a work item. The returned cleanup, when
// non-nil, runs after the item settles regardless of outcome.
type Payload interface {
	Build(ctx context.Context) (req channel.Request, cleanup func(context.Context) error, err error)
}

// WorkItem is one unit of batch work with a stable identity.
type WorkItem struct {
	ID      string
	Payload Payload
}

// BlobPayload refers to an object the inference service fetches itself.
type BlobPayload struct {
	Bucket string
	Key    string
}

func (p BlobPayload) Build(context.Context) (channel.Request, func(context.Context) error, error) {
	return channel.BlobRequest{Bucket: p.Bucket, Key: p.Key}, nil, nil
}

// TensorPayload sends tensors to a single model.
type TensorPayload struct {
	Request channel.TensorRequest
}

func (p TensorPayload) Build(context.Context) (channel.Request, func(context.Context) error, error) {
	return p.Request, nil, nil
}

// Status of a work item. Pending and InFlight are transient; Succeeded and
// Failed are terminal.
type Status int

const (
	Pending Status = iota
	InFlight
	Succeeded
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case InFlight:
		return "in_flight"
	case Succeeded:
		return "success"
	case Failed:
		return "error"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == Succeeded || s == Failed
}

// TaskResult is the outcome for exactly one WorkItem.
type TaskResult struct {
	ItemID      string
	Status      Status
	Predictions predict.Predictions
	Timing      time.Duration
	ErrKind     errkind.Kind
	Error       string
}

// BatchSummary aggregates a settled batch.
type BatchSummary struct {
	RunID     string        `json:"run_id"`
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	TotalTime time.Duration `json:"total_time"`
	AvgTime   time.Duration `json:"avg_time"`
}

// FrameTask is one sampled video frame, ordered by Index.
type FrameTask struct {
	Index     int
	Timestamp float64
	Data      []byte // JPEG-encoded frame
}

// FrameResult is the outcome for one sampled frame.
type FrameResult struct {
	FrameIndex int
	Timestamp  float64
	Result     TaskResult
}

// VideoResult is the per-video summary row.
type VideoResult struct {
	VideoKey         string        `json:"video_key"`
	Status           Status        `json:"status"`
	FramesProcessed  int           `json:"frames_processed"`
	SuccessfulFrames int           `json:"successful_frames"`
	FailedFrames     int           `json:"failed_frames"`
	ProcessingTime   time.Duration `json:"processing_time"`
	ErrorMessage     string        `json:"error_message,omitempty"`
	Frames           []FrameResult `json:"-"`
}

// ImageBatch is a settled image batch ready for persistence.
type ImageBatch struct {
	Summary BatchSummary
	Results []TaskResult
}

// VideoBatch is a settled video batch ready for persistence.
type VideoBatch struct {
	Summary BatchSummary
	Videos  []VideoResult
}

// NewBatchSummary computes the aggregate for a batch that has fully settled.
// An empty batch has no meaningful average and is a configuration error.
func NewBatchSummary(runID string, total, succeeded int, elapsed time.Duration) (BatchSummary, error) {
	if total <= 0 {
		return BatchSummary{}, errkind.New(errkind.Config, "summary", "batch has no items")
	}
	return BatchSummary{
		RunID:     runID,
		Total:     total,
		Succeeded: succeeded,
		Failed:    total - succeeded,
		TotalTime: elapsed,
		AvgTime:   elapsed / time.Duration(total),
	}, nil
}

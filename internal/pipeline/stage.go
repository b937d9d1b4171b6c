package pipeline

import (
	"context"
	"time"

	"github.com/bdougie/visionbatch/internal/errkind"
)

// Stage is one step of the single-image pipeline, in execution order.
type Stage int

const (
	S3Load Stage = iota
	Preprocess
	ModelA
	Transform
	ModelB
	Visualize
)

// Stages lists every stage in execution order.
var Stages = []Stage{S3Load, Preprocess, ModelA, Transform, ModelB, Visualize}

func (s Stage) String() string {
	switch s {
	case S3Load:
		return "s3_load"
	case Preprocess:
		return "preprocess"
	case ModelA:
		return "model_a"
	case Transform:
		return "transform"
	case ModelB:
		return "model_b"
	case Visualize:
		return "visualize"
	default:
		return "unknown"
	}
}

func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StageStatus is where a stage is in its lifecycle.
type StageStatus int

const (
	Pending StageStatus = iota
	Completed
	Failed
)

func (s StageStatus) String() string {
	switch s {
	case Pending:
		return "pending"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s StageStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StageRecord is the outcome of one stage.
type StageRecord struct {
	Stage    Stage         `json:"stage"`
	Status   StageStatus   `json:"status"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Tracker records stage transitions. Stages settle strictly in order and at
// most one may fail; everything after a failure stays Pending.
type Tracker struct {
	records []StageRecord
	next    int
	failed  bool
}

// NewTracker starts with every stage Pending.
func NewTracker() *Tracker {
	records := make([]StageRecord, len(Stages))
	for i, s := range Stages {
		records[i] = StageRecord{Stage: s, Status: Pending}
	}
	return &Tracker{records: records}
}

func (t *Tracker) settle(stage Stage, status StageStatus, d time.Duration, err error) error {
	if t.failed || t.next >= len(t.records) || t.records[t.next].Stage != stage {
		return errkind.New(errkind.Internal, "pipeline", "stage %s cannot settle now", stage)
	}
	rec := &t.records[t.next]
	rec.Status = status
	rec.Duration = d
	if err != nil {
		rec.Error = err.Error()
	}
	t.next++
	t.failed = status == Failed
	return nil
}

// Complete marks the next stage Completed.
func (t *Tracker) Complete(stage Stage, d time.Duration) error {
	return t.settle(stage, Completed, d, nil)
}

// Fail marks the next stage Failed.
func (t *Tracker) Fail(stage Stage, d time.Duration, err error) error {
	return t.settle(stage, Failed, d, err)
}

// Records returns a copy of every stage record.
func (t *Tracker) Records() []StageRecord {
	return append([]StageRecord(nil), t.records...)
}

// Succeeded reports whether every stage completed.
func (t *Tracker) Succeeded() bool {
	return !t.failed && t.next == len(t.records)
}

type step struct {
	stage Stage
	run   func(ctx context.Context) error
}

// execute runs steps in order, stopping at the first failure.
func execute(ctx context.Context, tracker *Tracker, steps []step) error {
	for _, s := range steps {
		start := time.Now()
		err := s.run(ctx)
		if err == nil && ctx.Err() != nil {
			err = errkind.Wrap(errkind.Timeout, s.stage.String(), ctx.Err())
		}
		if err != nil {
			if terr := tracker.Fail(s.stage, time.Since(start), err); terr != nil {
				return terr
			}
			return err
		}
		if err := tracker.Complete(s.stage, time.Since(start)); err != nil {
			return err
		}
	}
	return nil
}

package storage

import (
	"context"

	"go.uber.org/multierr"

	"github.com/bdougie/visionbatch/internal/models"
	"github.com/bdougie/visionbatch/internal/predict"
)

// Sink defines the interface for persisting settled batches
type Sink interface {
	// WriteImageBatch stores one row per image result, in submission order
	WriteImageBatch(ctx context.Context, batch models.ImageBatch) error

	// WriteVideoBatch stores the per-video summary and per-frame results
	WriteVideoBatch(ctx context.Context, batch models.VideoBatch) error

	// Close releases the sink's resources
	Close() error
}

// Output names one model output.
type Output struct {
	Model  string
	Output string
}

// Columns selects which outputs feed the top-1 result columns.
type Columns struct {
	Densenet Output
	Resnet   Output
}

// DefaultColumns read the densenet and resnet classifier outputs.
var DefaultColumns = Columns{
	Densenet: Output{Model: "densenet", Output: "fc6_1"},
	Resnet:   Output{Model: "resnet", Output: "resnetv24_dense0_fwd"},
}

// top1 finds the best class for one output, if the result has it.
func top1(preds predict.Predictions, out Output) (predict.Prediction, bool) {
	r, ok := preds.Lookup(out.Model, out.Output)
	if !ok {
		return predict.Prediction{}, false
	}
	return r.Top1()
}

// Multi fans every write out to all sinks and joins their errors. Every sink
// sees every write even when an earlier one fails.
type Multi []Sink

func (m Multi) WriteImageBatch(ctx context.Context, batch models.ImageBatch) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.WriteImageBatch(ctx, batch))
	}
	return err
}

func (m Multi) WriteVideoBatch(ctx context.Context, batch models.VideoBatch) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.WriteVideoBatch(ctx, batch))
	}
	return err
}

func (m Multi) Close() error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Close())
	}
	return err
}

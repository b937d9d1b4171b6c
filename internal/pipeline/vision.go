package pipeline

import (
	"bytes"
	"context"
	"image"
	"log/slog"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"github.com/bdougie/visionbatch/internal/blob"
	"github.com/bdougie/visionbatch/internal/catalog"
	"github.com/bdougie/visionbatch/internal/channel"
	"github.com/bdougie/visionbatch/internal/errkind"
	"github.com/bdougie/visionbatch/internal/predict"
)

const (
	resizeShort = 256
	cropSize    = 224
	// inputSize is the element count of a 1x3x224x224 input.
	inputSize = 3 * cropSize * cropSize
)

var (
	imagenetMean = [3]float64{0.485, 0.456, 0.406}
	imagenetStd  = [3]float64{0.229, 0.224, 0.225}
	inputShape   = []int{1, 3, cropSize, cropSize}
)

// Resolver looks up a model's tensor names.
type Resolver interface {
	Resolve(ctx context.Context, model string) (catalog.Model, *catalog.ConfigWarning, error)
}

// Settings configure a VisionPipeline.
type Settings struct {
	Timeout   time.Duration
	OutputDir string
	ModelA    string
	ModelB    string
}

// Report is the outcome of one pipeline run.
type Report struct {
	RunID       string                  `json:"run_id"`
	Key         string                  `json:"key"`
	Stages      []StageRecord           `json:"stages"`
	Predictions predict.Predictions     `json:"predictions,omitempty"`
	Artifacts   []string                `json:"artifacts,omitempty"`
	Warnings    []catalog.ConfigWarning `json:"warnings,omitempty"`
	Elapsed     time.Duration           `json:"elapsed"`
}

// VisionPipeline runs one image through two models in sequence, feeding the
// first model's output to the second, and renders both outputs.
type VisionPipeline struct {
	store    blob.Store
	opener   channel.Opener
	resolver Resolver
	settings Settings
	logger   *slog.Logger
}

// New creates a pipeline. Zero settings fall back to a 300s timeout and the
// densenet and resnet models.
func New(store blob.Store, opener channel.Opener, resolver Resolver, settings Settings, logger *slog.Logger) *VisionPipeline {
	if settings.Timeout <= 0 {
		settings.Timeout = 300 * time.Second
	}
	if settings.ModelA == "" {
		settings.ModelA = "densenet_onnx"
	}
	if settings.ModelB == "" {
		settings.ModelB = "resnet50_onnx"
	}
	if settings.OutputDir == "" {
		settings.OutputDir = "results"
	}
	return &VisionPipeline{
		store:    store,
		opener:   opener,
		resolver: resolver,
		settings: settings,
		logger:   logger,
	}
}

// Run executes every stage for key. The report is always returned; err is the
// failure of the first stage that failed.
func (p *VisionPipeline) Run(ctx context.Context, key string) (Report, error) {
	ctx, cancel := context.WithTimeout(ctx, p.settings.Timeout)
	defer cancel()

	start := time.Now()
	report := Report{RunID: uuid.NewString(), Key: key, Predictions: predict.Predictions{}}
	tracker := NewTracker()

	var (
		img              image.Image
		input            channel.Tensor
		outputA, outputB channel.Tensor
		modelA, modelB   catalog.Model
	)

	steps := []step{
		{S3Load, func(ctx context.Context) error {
			data, err := p.store.Get(ctx, key)
			if err != nil {
				return err
			}
			img, err = imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
			if err != nil {
				return errkind.Wrap(errkind.ItemIO, "decode image", err)
			}
			return nil
		}},
		{Preprocess, func(context.Context) error {
			var err error
			input, err = ToTensor(CenterCrop(img))
			return err
		}},
		{ModelA, func(ctx context.Context) error {
			var err error
			modelA, err = p.resolve(ctx, p.settings.ModelA, &report)
			if err != nil {
				return err
			}
			outputA, err = p.infer(ctx, modelA, input)
			return err
		}},
		{Transform, func(context.Context) error {
			var err error
			input, err = PadToInput(outputA)
			return err
		}},
		{ModelB, func(ctx context.Context) error {
			var err error
			modelB, err = p.resolve(ctx, p.settings.ModelB, &report)
			if err != nil {
				return err
			}
			outputB, err = p.infer(ctx, modelB, input)
			return err
		}},
		{Visualize, func(context.Context) error {
			for _, out := range []struct {
				model catalog.Model
				t     channel.Tensor
			}{{modelA, outputA}, {modelB, outputB}} {
				scores, ok := predict.ScoreVector(out.t)
				if !ok {
					continue
				}
				report.Predictions[out.model.Name] = map[string]predict.OutputResult{
					out.model.Output: predict.Analyze(scores),
				}
				path, err := WriteHeatmap(p.settings.OutputDir, report.RunID, key, out.model.Name, out.model.Output, scores)
				if err != nil {
					return err
				}
				report.Artifacts = append(report.Artifacts, path)
			}
			return nil
		}},
	}

	err := execute(ctx, tracker, steps)
	report.Stages = tracker.Records()
	report.Elapsed = time.Since(start)

	if err != nil {
		p.logger.Warn("pipeline failed", "run", report.RunID, "key", key, "kind", string(errkind.KindOf(err)), "error", err)
		return report, err
	}
	for model, outputs := range report.Predictions {
		for output, r := range outputs {
			if top, ok := r.Top1(); ok {
				p.logger.Info("pipeline prediction", "model", model, "output", output, "class", top.ClassID, "confidence", top.Confidence)
			}
		}
	}
	p.logger.Info("pipeline completed", "run", report.RunID, "key", key, "elapsed", report.Elapsed, "artifacts", len(report.Artifacts))
	return report, nil
}

func (p *VisionPipeline) resolve(ctx context.Context, name string, report *Report) (catalog.Model, error) {
	m, warning, err := p.resolver.Resolve(ctx, name)
	if err != nil {
		return catalog.Model{}, err
	}
	if warning != nil {
		report.Warnings = append(report.Warnings, *warning)
	}
	return m, nil
}

// infer sends one tensor to model and returns its configured output.
func (p *VisionPipeline) infer(ctx context.Context, model catalog.Model, input channel.Tensor) (channel.Tensor, error) {
	ch, err := p.opener.Open(ctx)
	if err != nil {
		if errkind.KindOf(err) == errkind.Unknown {
			err = errkind.Wrap(errkind.Connection, "open channel", err)
		}
		return channel.Tensor{}, err
	}
	defer func() {
		if err := ch.Close(); err != nil {
			p.logger.Debug("failed to close channel", "model", model.Name, "error", err)
		}
	}()

	resp, err := ch.Request(ctx, channel.TensorRequest{
		Model: model.Name,
		Inputs: []channel.Input{{
			Name:     model.Input,
			Shape:    input.Shape,
			Datatype: model.Datatype,
			Data:     input,
		}},
	})
	if err != nil {
		if errkind.KindOf(err) == errkind.Unknown {
			err = errkind.Wrap(errkind.Connection, "request", err)
		}
		return channel.Tensor{}, err
	}

	switch r := resp.(type) {
	case channel.Success:
		t, ok := r.Outputs[model.Name][model.Output]
		if !ok {
			return channel.Tensor{}, errkind.New(errkind.Protocol, "inference", "model %s returned no output %q", model.Name, model.Output)
		}
		return t, nil
	case channel.Failure:
		return channel.Tensor{}, errkind.New(errkind.Upstream, "inference", "%s", r.Message)
	default:
		return channel.Tensor{}, errkind.New(errkind.Protocol, "inference", "unexpected response %T", resp)
	}
}

// CenterCrop resizes the shorter side to 256 and crops the central 224x224.
func CenterCrop(img image.Image) *image.NRGBA {
	b := img.Bounds()
	if b.Dx() < b.Dy() {
		img = imaging.Resize(img, resizeShort, 0, imaging.Linear)
	} else {
		img = imaging.Resize(img, 0, resizeShort, imaging.Linear)
	}
	return imaging.CropCenter(img, cropSize, cropSize)
}

// ToTensor lays img out as a 1x3xHxW tensor normalized with the ImageNet mean
// and standard deviation.
func ToTensor(img *image.NRGBA) (channel.Tensor, error) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	plane := w * h
	data := make([]float64, 3*plane)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			for c := 0; c < 3; c++ {
				v := float64(row[x*4+c]) / 255
				data[c*plane+y*w+x] = (v - imagenetMean[c]) / imagenetStd[c]
			}
		}
	}
	return channel.NewTensor([]int{1, 3, h, w}, data)
}

// PadToInput flattens t and zero-pads it to a 1x3x224x224 input. Outputs that
// do not fit are rejected.
func PadToInput(t channel.Tensor) (channel.Tensor, error) {
	if t.Size() > inputSize {
		return channel.Tensor{}, errkind.New(errkind.Protocol, "transform",
			"output of %d elements does not fit a %v input", t.Size(), inputShape)
	}
	data := make([]float64, inputSize)
	copy(data, t.Data)
	return channel.NewTensor(inputShape, data)
}

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bdougie/visionbatch/internal/channel"
	"github.com/bdougie/visionbatch/internal/errkind"
	"github.com/bdougie/visionbatch/internal/gate"
	"github.com/bdougie/visionbatch/internal/models"
	"github.com/bdougie/visionbatch/internal/predict"
)

const defaultCleanupTimeout = 30 * time.Second

// Dispatcher runs batches of work items against the inference service.
type Dispatcher struct {
	opener         channel.Opener
	logger         *slog.Logger
	shared         *gate.Gate
	cleanupTimeout time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithSharedGate adds a ceiling that holds across every Run using this
// dispatcher, on top of each Run's own limit.
func WithSharedGate(g *gate.Gate) Option {
	return func(d *Dispatcher) {
		d.shared = g
	}
}

// WithCleanupTimeout bounds payload cleanup after an item settles.
func WithCleanupTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		d.cleanupTimeout = timeout
	}
}

// New creates a dispatcher that opens channels with opener.
func New(opener channel.Opener, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		opener:         opener,
		logger:         logger,
		cleanupTimeout: defaultCleanupTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type indexedResult struct {
	index  int
	result models.TaskResult
}

// Run processes items with at most limit of them in flight and returns one
// result per item in submission order. Item failures never abort the batch;
// the only error returned is a configuration error detected before dispatch.
func (d *Dispatcher) Run(ctx context.Context, items []models.WorkItem, limit int, timeout time.Duration) ([]models.TaskResult, models.BatchSummary, error) {
	if err := validate(items, limit, timeout); err != nil {
		return nil, models.BatchSummary{}, err
	}
	g, err := gate.New(limit)
	if err != nil {
		return nil, models.BatchSummary{}, err
	}

	runID := uuid.NewString()
	results := make([]models.TaskResult, len(items))
	for i, item := range items {
		results[i] = models.TaskResult{ItemID: item.ID, Status: models.Pending}
	}

	workChan := make(chan int, len(items))
	resultsChan := make(chan indexedResult, len(items))
	remaining := atomic.Int64{}
	remaining.Store(int64(len(items)))

	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < min(limit, len(items)); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range workChan {
				res := d.processItem(ctx, g, items[i], timeout)
				resultsChan <- indexedResult{index: i, result: res}
				left := remaining.Add(-1)
				d.logger.Debug("item settled",
					"run", runID, "item", res.ItemID, "status", res.Status.String(),
					"remaining", left, "total", len(items))
			}
		}()
	}

	for i := range items {
		workChan <- i
	}
	close(workChan)

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	succeeded := 0
	for r := range resultsChan {
		results[r.index] = r.result
		if r.result.Status == models.Succeeded {
			succeeded++
		}
	}

	summary, err := models.NewBatchSummary(runID, len(items), succeeded, time.Since(start))
	if err != nil {
		return nil, models.BatchSummary{}, err
	}
	return results, summary, nil
}

func validate(items []models.WorkItem, limit int, timeout time.Duration) error {
	if limit < 1 {
		return errkind.New(errkind.Config, "dispatch", "concurrency limit must be >= 1, got %d", limit)
	}
	if timeout <= 0 {
		return errkind.New(errkind.Config, "dispatch", "per-item timeout must be positive, got %s", timeout)
	}
	if len(items) == 0 {
		return errkind.New(errkind.Config, "dispatch", "no items to dispatch")
	}
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		if item.Payload == nil {
			return errkind.New(errkind.Config, "dispatch", "item %q has no payload", item.ID)
		}
		if _, dup := seen[item.ID]; dup {
			return errkind.New(errkind.Config, "dispatch", "duplicate item id %q", item.ID)
		}
		seen[item.ID] = struct{}{}
	}
	return nil
}

// processItem drives one item from Pending through InFlight to a terminal
// status. Nothing raised here escapes to sibling items.
func (d *Dispatcher) processItem(ctx context.Context, g *gate.Gate, item models.WorkItem, timeout time.Duration) (res models.TaskResult) {
	start := time.Now()
	res = models.TaskResult{ItemID: item.ID, Status: models.Pending}

	defer func() {
		if r := recover(); r != nil {
			res = d.failed(item.ID, errkind.New(errkind.Internal, "item", "panic: %v", r), start)
		}
	}()

	var preds predict.Predictions
	err := g.Do(ctx, func(ctx context.Context) error {
		if d.shared == nil {
			res.Status = models.InFlight
			var err error
			preds, err = d.exchange(ctx, item, timeout)
			return err
		}
		return d.shared.Do(ctx, func(ctx context.Context) error {
			res.Status = models.InFlight
			var err error
			preds, err = d.exchange(ctx, item, timeout)
			return err
		})
	})
	if err != nil {
		if errkind.KindOf(err) == errkind.Unknown {
			// Gate waits only fail on context errors.
			err = errkind.Wrap(errkind.Timeout, "admission", err)
		}
		return d.failed(item.ID, err, start)
	}

	res.Status = models.Succeeded
	res.Predictions = preds
	res.Timing = time.Since(start)
	return res
}

// exchange builds the request, opens a channel, and waits for the reply. The
// channel is closed before the caller gives the permit back.
func (d *Dispatcher) exchange(parent context.Context, item models.WorkItem, timeout time.Duration) (predict.Predictions, error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	preds, err := d.send(ctx, item)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errkind.Is(err, errkind.Timeout) {
		err = errkind.Wrap(errkind.Timeout, "item "+item.ID, err)
	}
	return preds, err
}

func (d *Dispatcher) send(ctx context.Context, item models.WorkItem) (predict.Predictions, error) {
	req, cleanup, err := item.Payload.Build(ctx)
	if cleanup != nil {
		defer d.runCleanup(ctx, item.ID, cleanup)
	}
	if err != nil {
		if errkind.KindOf(err) == errkind.Unknown {
			err = errkind.Wrap(errkind.ItemIO, "build request", err)
		}
		return nil, err
	}

	ch, err := d.opener.Open(ctx)
	if err != nil {
		if errkind.KindOf(err) == errkind.Unknown {
			err = errkind.Wrap(errkind.Connection, "open channel", err)
		}
		return nil, err
	}
	defer func() {
		if err := ch.Close(); err != nil {
			d.logger.Debug("failed to close channel", "item", item.ID, "error", err)
		}
	}()

	resp, err := ch.Request(ctx, req)
	if err != nil {
		if errkind.KindOf(err) == errkind.Unknown {
			err = errkind.Wrap(errkind.Connection, "request", err)
		}
		return nil, err
	}

	switch r := resp.(type) {
	case channel.Success:
		return predict.FromOutputs(r.Outputs), nil
	case channel.Failure:
		return nil, errkind.New(errkind.Upstream, "inference", "%s", r.Message)
	default:
		return nil, errkind.New(errkind.Protocol, "inference", "unexpected response %T", resp)
	}
}

func (d *Dispatcher) runCleanup(ctx context.Context, itemID string, cleanup func(context.Context) error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cleanupTimeout)
	defer cancel()
	if err := cleanup(cctx); err != nil {
		d.logger.Warn("failed to clean up item payload", "item", itemID, "error", err)
	}
}

func (d *Dispatcher) failed(itemID string, err error, start time.Time) models.TaskResult {
	kind := errkind.KindOf(err)
	d.logger.Warn("item failed", "item", itemID, "kind", string(kind), "error", err)
	return models.TaskResult{
		ItemID:  itemID,
		Status:  models.Failed,
		Timing:  time.Since(start),
		ErrKind: kind,
		Error:   fmt.Sprint(err),
	}
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"github.com/bdougie/visionbatch/internal/analyzer"
	"github.com/bdougie/visionbatch/internal/blob"
	"github.com/bdougie/visionbatch/internal/catalog"
	"github.com/bdougie/visionbatch/internal/channel"
	"github.com/bdougie/visionbatch/internal/config"
	"github.com/bdougie/visionbatch/internal/dispatch"
	"github.com/bdougie/visionbatch/internal/gate"
	"github.com/bdougie/visionbatch/internal/pipeline"
	"github.com/bdougie/visionbatch/internal/publish"
	"github.com/bdougie/visionbatch/internal/storage"
	"github.com/bdougie/visionbatch/internal/video"
)

const (
	flagConfig   = "config"
	flagLogLevel = "log-level"
	flagKey      = "key"
	flagLimit    = "limit"
)

func main() {
	var logger *slog.Logger

	app := &cli.App{
		Name:  "visionbatch",
		Usage: "run batches of images and videos through a streaming inference service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`",
			},
			&cli.StringFlag{
				Name:  flagLogLevel,
				Usage: "override the configured log level (debug, info, warn, error)",
			},
		},
		Before: func(c *cli.Context) error {
			logger = newLogger(c.String(flagLogLevel))
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "images",
				Usage: "run every image under the image prefix",
				Action: func(c *cli.Context) error {
					return withServices(c, logger, func(ctx context.Context, rt *services) error {
						_, err := rt.processor.ProcessImages(ctx)
						return err
					})
				},
			},
			{
				Name:  "videos",
				Usage: "sample frames from every video under the video prefix and run them",
				Action: func(c *cli.Context) error {
					return withServices(c, logger, func(ctx context.Context, rt *services) error {
						_, err := rt.processor.ProcessVideos(ctx)
						return err
					})
				},
			},
			{
				Name:  "pipeline",
				Usage: "run one image through both models and render heatmaps",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagKey, Required: true, Usage: "blob `KEY` of the image"},
				},
				Action: func(c *cli.Context) error {
					return withServices(c, logger, func(ctx context.Context, rt *services) error {
						p := pipeline.New(rt.store, rt.pool, rt.catalog, pipeline.Settings{
							Timeout:   rt.cfg.Pipeline.Timeout,
							OutputDir: rt.cfg.Output.Dir,
						}, logger)
						report, runErr := p.Run(ctx, c.String(flagKey))
						if err := printJSON(report); err != nil {
							return err
						}
						return runErr
					})
				},
			},
			{
				Name:  "similar",
				Usage: "find stored items whose densenet probabilities are closest to an item's",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagKey, Required: true, Usage: "stored item `KEY`"},
					&cli.IntFlag{Name: flagLimit, Value: 10, Usage: "number of neighbours"},
				},
				Action: func(c *cli.Context) error {
					return withServices(c, logger, func(ctx context.Context, rt *services) error {
						if rt.postgres == nil {
							return fmt.Errorf("similarity search needs postgres.dsn")
						}
						items, err := rt.postgres.SearchSimilar(ctx, c.String(flagKey), rt.columns.Densenet, c.Int(flagLimit))
						if err != nil {
							return err
						}
						return printJSON(items)
					})
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		if logger == nil {
			logger = newLogger("")
		}
		logger.Error("visionbatch failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	return slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      parseLevel(level),
			TimeFormat: "15:04:05",
		}),
	)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// services holds everything one command needs, built from the loaded config.
type services struct {
	cfg       *config.Config
	store     blob.Store
	pool      *channel.Pool
	catalog   *catalog.Catalog
	columns   storage.Columns
	sink      storage.Sink
	postgres  *storage.PostgresSink
	processor *analyzer.Processor
}

func withServices(c *cli.Context, logger *slog.Logger, fn func(ctx context.Context, rt *services) error) (err error) {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(c.String(flagConfig))
	if err != nil {
		return err
	}
	if !c.IsSet(flagLogLevel) {
		logger = newLogger(cfg.LogLevel)
	}

	rt, err := newServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, rt.close())
	}()
	return fn(ctx, rt)
}

func newServices(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*services, error) {
	store, err := openStore(cfg.Blob)
	if err != nil {
		return nil, err
	}

	dialer := channel.NewWebsocketDialer(cfg.Inference.URI, channel.Options{
		MaxMessageSize: cfg.Inference.MaxMessageSize,
		MaxQueueDepth:  cfg.Inference.MaxQueueDepth,
	}, logger)
	pool := channel.NewPool(dialer, logger)

	shared, err := gate.New(cfg.Batch.Concurrency)
	if err != nil {
		pool.Close()
		return nil, err
	}
	dispatcher := dispatch.New(pool, logger, dispatch.WithSharedGate(shared))

	cat := catalog.New(cfg.Catalog.MetadataURL, logger)
	rt := &services{
		cfg:     cfg,
		store:   store,
		pool:    pool,
		catalog: cat,
		columns: resultColumns(ctx, cfg, cat),
	}

	sinks := storage.Multi{storage.NewCSVSink(cfg.Output.Dir, rt.columns, nil)}
	if cfg.Postgres.DSN != "" {
		pg, err := storage.NewPostgresSink(ctx, cfg.Postgres.DSN, cfg.Postgres.Dimensions)
		if err != nil {
			return nil, multierr.Append(err, rt.closeWith(sinks))
		}
		sinks = append(sinks, pg)
		if err := pg.InitSchema(ctx); err != nil {
			return nil, multierr.Append(err, rt.closeWith(sinks))
		}
		rt.postgres = pg
	}
	if cfg.RabbitMQ.URL != "" {
		pub, err := publish.Dial(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, logger)
		if err != nil {
			return nil, multierr.Append(err, rt.closeWith(sinks))
		}
		sinks = append(sinks, pub)
	}
	rt.sink = sinks

	videos := video.NewOrchestrator(store, dispatcher, nil, video.Settings{
		FrameInterval:       cfg.Video.FrameInterval,
		FramesPerGroup:      cfg.Video.FramesPerGroup,
		MaxConcurrentVideos: cfg.Video.MaxConcurrentVideos,
		PerItemTimeout:      cfg.Batch.PerItemTimeout,
		TempPrefix:          cfg.Blob.TempPrefix,
	}, logger)

	rt.processor = analyzer.NewProcessor(store, dispatcher, videos, rt.sink, analyzer.Settings{
		ImagePrefix:    cfg.Blob.ImagePrefix,
		ImageSuffixes:  cfg.Blob.ImageSuffixes,
		VideoPrefix:    cfg.Blob.VideoPrefix,
		VideoSuffixes:  cfg.Blob.VideoSuffixes,
		Concurrency:    cfg.Batch.Concurrency,
		PerItemTimeout: cfg.Batch.PerItemTimeout,
	}, logger)
	return rt, nil
}

func openStore(cfg config.BlobConfig) (blob.Store, error) {
	if cfg.Backend == "local" {
		bucket := cfg.Bucket
		if bucket == "" {
			bucket = "local"
		}
		return blob.NewLocalStore(cfg.LocalDir, bucket), nil
	}
	return blob.DialS3(cfg.Region, cfg.Endpoint, cfg.Bucket)
}

// resultColumns starts from the configured output names and prefers what the
// model metadata reports when it is reachable.
func resultColumns(ctx context.Context, cfg *config.Config, cat *catalog.Catalog) storage.Columns {
	cols := storage.Columns{
		Densenet: storage.Output{Model: "densenet", Output: cfg.Catalog.DensenetOutput},
		Resnet:   storage.Output{Model: "resnet", Output: cfg.Catalog.ResnetOutput},
	}
	if cfg.Catalog.MetadataURL == "" {
		return cols
	}
	if m, warning, err := cat.Resolve(ctx, "densenet_onnx"); err == nil && warning == nil {
		cols.Densenet.Output = m.Output
	}
	if m, warning, err := cat.Resolve(ctx, "resnet50_onnx"); err == nil && warning == nil {
		cols.Resnet.Output = m.Output
	}
	return cols
}

func (rt *services) close() error {
	return rt.closeWith(rt.sink)
}

func (rt *services) closeWith(sink storage.Sink) error {
	var err error
	if sink != nil {
		err = sink.Close()
	}
	return multierr.Append(err, rt.pool.Close())
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

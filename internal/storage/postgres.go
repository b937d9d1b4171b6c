package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/bdougie/visionbatch/internal/models"
	"github.com/bdougie/visionbatch/internal/predict"
)

// SimilarItem is one neighbour returned by SearchSimilar.
type SimilarItem struct {
	ItemKey    string
	Top1Class  int
	Similarity float64
}

// PostgresSink stores runs, items and per-output predictions. Probability
// vectors of the configured length are kept in a pgvector column for
// similarity search.
type PostgresSink struct {
	pool       *pgxpool.Pool
	dimensions int
}

// NewPostgresSink connects to dsn and verifies the connection.
func NewPostgresSink(ctx context.Context, dsn string, dimensions int) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresSink{pool: pool, dimensions: dimensions}, nil
}

// Close closes the database connection
func (s *PostgresSink) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// InitSchema creates the extension, tables and indexes if they don't exist
func (s *PostgresSink) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL(s.dimensions)); err != nil {
		return fmt.Errorf("failed to create database schema: %w", err)
	}
	_, err := s.pool.Exec(ctx, `
        CREATE INDEX IF NOT EXISTS idx_items_run_id ON items(run_id);
        CREATE INDEX IF NOT EXISTS idx_items_item_key ON items(item_key);
        CREATE INDEX IF NOT EXISTS idx_predictions_item_id ON predictions(item_id);
        CREATE INDEX IF NOT EXISTS idx_videos_run_id ON videos(run_id);
    `)
	if err != nil {
		return fmt.Errorf("failed to create database indexes: %w", err)
	}
	return nil
}

func schemaSQL(dimensions int) string {
	return fmt.Sprintf(`
        CREATE TABLE IF NOT EXISTS runs (
            id TEXT PRIMARY KEY,
            kind TEXT NOT NULL,
            total INTEGER NOT NULL,
            succeeded INTEGER NOT NULL,
            failed INTEGER NOT NULL,
            total_time_ms BIGINT NOT NULL,
            avg_time_ms BIGINT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL
        );

        CREATE TABLE IF NOT EXISTS items (
            id SERIAL PRIMARY KEY,
            run_id TEXT REFERENCES runs(id) ON DELETE CASCADE,
            item_key TEXT NOT NULL,
            video_key TEXT,
            frame_index INTEGER,
            frame_timestamp DOUBLE PRECISION,
            status TEXT NOT NULL,
            error_kind TEXT,
            error_message TEXT,
            processing_time_ms BIGINT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL
        );

        CREATE TABLE IF NOT EXISTS predictions (
            id SERIAL PRIMARY KEY,
            item_id INTEGER REFERENCES items(id) ON DELETE CASCADE,
            model TEXT NOT NULL,
            output TEXT NOT NULL,
            top1_class INTEGER NOT NULL,
            top1_confidence DOUBLE PRECISION NOT NULL,
            probabilities vector(%d)
        );

        CREATE TABLE IF NOT EXISTS videos (
            id SERIAL PRIMARY KEY,
            run_id TEXT REFERENCES runs(id) ON DELETE CASCADE,
            video_key TEXT NOT NULL,
            status TEXT NOT NULL,
            frames_processed INTEGER NOT NULL,
            successful_frames INTEGER NOT NULL,
            failed_frames INTEGER NOT NULL,
            processing_time_ms BIGINT NOT NULL,
            error_message TEXT
        );
    `, dimensions)
}

// frameRef locates a frame within its video; nil for image items.
type frameRef struct {
	videoKey  string
	index     int
	timestamp float64
}

func (s *PostgresSink) WriteImageBatch(ctx context.Context, batch models.ImageBatch) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := insertRun(ctx, tx, "images", batch.Summary); err != nil {
			return err
		}
		for _, r := range batch.Results {
			if err := s.insertItem(ctx, tx, batch.Summary.RunID, r.ItemID, nil, r); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresSink) WriteVideoBatch(ctx context.Context, batch models.VideoBatch) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := insertRun(ctx, tx, "videos", batch.Summary); err != nil {
			return err
		}
		for _, v := range batch.Videos {
			_, err := tx.Exec(ctx,
				`INSERT INTO videos
                (run_id, video_key, status, frames_processed, successful_frames, failed_frames, processing_time_ms, error_message)
                VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				batch.Summary.RunID, v.VideoKey, v.Status.String(), v.FramesProcessed,
				v.SuccessfulFrames, v.FailedFrames, v.ProcessingTime.Milliseconds(), v.ErrorMessage)
			if err != nil {
				return fmt.Errorf("failed to store video %s: %w", v.VideoKey, err)
			}
			for _, f := range v.Frames {
				ref := &frameRef{videoKey: v.VideoKey, index: f.FrameIndex, timestamp: f.Timestamp}
				if err := s.insertItem(ctx, tx, batch.Summary.RunID, f.Result.ItemID, ref, f.Result); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func insertRun(ctx context.Context, tx pgx.Tx, kind string, summary models.BatchSummary) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO runs (id, kind, total, succeeded, failed, total_time_ms, avg_time_ms, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		summary.RunID, kind, summary.Total, summary.Succeeded, summary.Failed,
		summary.TotalTime.Milliseconds(), summary.AvgTime.Milliseconds(), time.Now())
	if err != nil {
		return fmt.Errorf("failed to store run: %w", err)
	}
	return nil
}

func (s *PostgresSink) insertItem(ctx context.Context, tx pgx.Tx, runID, key string, frame *frameRef, r models.TaskResult) error {
	var videoKey *string
	var frameIndex *int
	var timestamp *float64
	if frame != nil {
		videoKey, frameIndex, timestamp = &frame.videoKey, &frame.index, &frame.timestamp
	}

	var itemID int
	err := tx.QueryRow(ctx,
		`INSERT INTO items
        (run_id, item_key, video_key, frame_index, frame_timestamp, status, error_kind, error_message, processing_time_ms, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, $10)
        RETURNING id`,
		runID, key, videoKey, frameIndex, timestamp, r.Status.String(),
		string(r.ErrKind), r.Error, r.Timing.Milliseconds(), time.Now()).Scan(&itemID)
	if err != nil {
		return fmt.Errorf("failed to store item %s: %w", key, err)
	}

	for model, outputs := range r.Predictions {
		for output, result := range outputs {
			top, ok := result.Top1()
			if !ok {
				continue
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO predictions (item_id, model, output, top1_class, top1_confidence, probabilities)
                VALUES ($1, $2, $3, $4, $5, $6)`,
				itemID, model, output, top.ClassID, top.Confidence, s.vector(result))
			if err != nil {
				return fmt.Errorf("failed to store prediction %s/%s for %s: %w", model, output, key, err)
			}
		}
	}
	return nil
}

// vector converts probabilities for the vector column. Lengths other than the
// column's dimension are stored as NULL.
func (s *PostgresSink) vector(result predict.OutputResult) *pgvector.Vector {
	if len(result.Probabilities) != s.dimensions {
		return nil
	}
	v := pgvector.NewVector(toFloat32(result.Probabilities))
	return &v
}

func toFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, x := range in {
		out[i] = float32(x)
	}
	return out
}

// SearchSimilar finds the items whose probability vector for out is closest,
// by cosine distance, to the most recent one stored for key.
func (s *PostgresSink) SearchSimilar(ctx context.Context, key string, out Output, limit int) ([]SimilarItem, error) {
	rows, err := s.pool.Query(ctx,
		`WITH q AS (
            SELECT p.probabilities
            FROM predictions p
            JOIN items i ON p.item_id = i.id
            WHERE i.item_key = $1 AND p.model = $2 AND p.output = $3 AND p.probabilities IS NOT NULL
            ORDER BY i.created_at DESC
            LIMIT 1
        )
        SELECT i.item_key, p.top1_class, 1 - (p.probabilities <=> q.probabilities) AS similarity
        FROM predictions p
        JOIN items i ON p.item_id = i.id
        CROSS JOIN q
        WHERE p.model = $2 AND p.output = $3 AND i.item_key <> $1 AND p.probabilities IS NOT NULL
        ORDER BY p.probabilities <=> q.probabilities
        LIMIT $4`,
		key, out.Model, out.Output, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search similar items: %w", err)
	}
	defer rows.Close()

	var results []SimilarItem
	for rows.Next() {
		var item SimilarItem
		if err := rows.Scan(&item.ItemKey, &item.Top1Class, &item.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan search results: %w", err)
		}
		results = append(results, item)
	}
	return results, rows.Err()
}

package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/multierr"

	"github.com/bdougie/visionbatch/internal/models"
)

// Routing keys used on the results exchange.
const (
	KeyImageSummary = "batch.images.summary"
	KeyVideoSummary = "batch.videos.summary"
	KeyVideoResult  = "batch.videos.result"
)

// Publisher is the subset of *amqp.Channel the sink needs.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Message is one outgoing JSON body.
type Message struct {
	RoutingKey string
	Body       []byte
}

type summaryEvent struct {
	Kind    string              `json:"kind"`
	Summary models.BatchSummary `json:"summary"`
}

type videoEvent struct {
	RunID string `json:"run_id"`
	models.VideoResult
}

// AMQPSink publishes batch summaries and per-video results to a topic
// exchange. It stores nothing locally.
type AMQPSink struct {
	conn     *amqp.Connection
	ch       Publisher
	exchange string
	logger   *slog.Logger
}

// Dial connects to url and declares a durable topic exchange.
func Dial(url, exchange string, logger *slog.Logger) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	logger.Info("rabbitmq publisher ready", "exchange", exchange)

	sink := NewAMQPSink(ch, exchange, logger)
	sink.conn = conn
	return sink, nil
}

// NewAMQPSink publishes through an already open channel.
func NewAMQPSink(ch Publisher, exchange string, logger *slog.Logger) *AMQPSink {
	return &AMQPSink{ch: ch, exchange: exchange, logger: logger}
}

// ImageMessages builds the messages for an image batch.
func ImageMessages(batch models.ImageBatch) ([]Message, error) {
	body, err := json.Marshal(summaryEvent{Kind: "images", Summary: batch.Summary})
	if err != nil {
		return nil, err
	}
	return []Message{{RoutingKey: KeyImageSummary, Body: body}}, nil
}

// VideoMessages builds one message per video followed by the batch summary.
func VideoMessages(batch models.VideoBatch) ([]Message, error) {
	msgs := make([]Message, 0, len(batch.Videos)+1)
	for _, v := range batch.Videos {
		body, err := json.Marshal(videoEvent{RunID: batch.Summary.RunID, VideoResult: v})
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, Message{RoutingKey: KeyVideoResult, Body: body})
	}
	body, err := json.Marshal(summaryEvent{Kind: "videos", Summary: batch.Summary})
	if err != nil {
		return nil, err
	}
	return append(msgs, Message{RoutingKey: KeyVideoSummary, Body: body}), nil
}

func (s *AMQPSink) WriteImageBatch(ctx context.Context, batch models.ImageBatch) error {
	msgs, err := ImageMessages(batch)
	if err != nil {
		return fmt.Errorf("failed to encode image batch: %w", err)
	}
	return s.publish(ctx, msgs)
}

func (s *AMQPSink) WriteVideoBatch(ctx context.Context, batch models.VideoBatch) error {
	msgs, err := VideoMessages(batch)
	if err != nil {
		return fmt.Errorf("failed to encode video batch: %w", err)
	}
	return s.publish(ctx, msgs)
}

func (s *AMQPSink) publish(ctx context.Context, msgs []Message) error {
	for _, m := range msgs {
		err := s.ch.PublishWithContext(ctx,
			s.exchange,   // exchange
			m.RoutingKey, // routing key
			false,        // mandatory
			false,        // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				Body:         m.Body,
				DeliveryMode: amqp.Persistent,
				Timestamp:    time.Now(),
			},
		)
		if err != nil {
			return fmt.Errorf("failed to publish %s: %w", m.RoutingKey, err)
		}
	}
	s.logger.Debug("published batch", "exchange", s.exchange, "messages", len(msgs))
	return nil
}

func (s *AMQPSink) Close() error {
	err := s.ch.Close()
	if s.conn != nil {
		err = multierr.Append(err, s.conn.Close())
	}
	return err
}

package publish

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.viam.com/test"

	"github.com/bdougie/visionbatch/internal/models"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	sent   []published
	fail   bool
	closed bool
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if f.fail {
		return errors.New("channel/connection is not open")
	}
	f.sent = append(f.sent, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestVideoMessages(t *testing.T) {
	batch := models.VideoBatch{
		Summary: models.BatchSummary{RunID: "run-1", Total: 2, Succeeded: 1, Failed: 1, TotalTime: time.Second},
		Videos: []models.VideoResult{
			{VideoKey: "videos/a.mp4", Status: models.Succeeded, FramesProcessed: 4, SuccessfulFrames: 4},
			{VideoKey: "videos/b.mp4", Status: models.Failed, ErrorMessage: "no frames sampled"},
		},
	}
	msgs, err := VideoMessages(batch)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, msgs, test.ShouldHaveLength, 3)
	test.That(t, msgs[0].RoutingKey, test.ShouldEqual, KeyVideoResult)
	test.That(t, msgs[2].RoutingKey, test.ShouldEqual, KeyVideoSummary)

	var video map[string]any
	test.That(t, json.Unmarshal(msgs[1].Body, &video), test.ShouldBeNil)
	test.That(t, video["run_id"], test.ShouldEqual, "run-1")
	test.That(t, video["video_key"], test.ShouldEqual, "videos/b.mp4")
	test.That(t, video["status"], test.ShouldEqual, "error")
	test.That(t, video["error_message"], test.ShouldEqual, "no frames sampled")

	var summary map[string]any
	test.That(t, json.Unmarshal(msgs[2].Body, &summary), test.ShouldBeNil)
	test.That(t, summary["kind"], test.ShouldEqual, "videos")
	test.That(t, summary["summary"].(map[string]any)["succeeded"], test.ShouldEqual, 1.0)
}

func TestAMQPSinkPublishes(t *testing.T) {
	ch := &fakeChannel{}
	sink := NewAMQPSink(ch, "visionbatch.results", discardLogger())

	err := sink.WriteImageBatch(context.Background(), models.ImageBatch{Summary: models.BatchSummary{RunID: "r", Total: 1}})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ch.sent, test.ShouldHaveLength, 1)
	test.That(t, ch.sent[0].exchange, test.ShouldEqual, "visionbatch.results")
	test.That(t, ch.sent[0].key, test.ShouldEqual, KeyImageSummary)
	test.That(t, ch.sent[0].msg.ContentType, test.ShouldEqual, "application/json")
	test.That(t, ch.sent[0].msg.DeliveryMode, test.ShouldEqual, amqp.Persistent)

	ch.fail = true
	err = sink.WriteVideoBatch(context.Background(), models.VideoBatch{Summary: models.BatchSummary{RunID: "r"}})
	test.That(t, err, test.ShouldNotBeNil)

	test.That(t, sink.Close(), test.ShouldBeNil)
	test.That(t, ch.closed, test.ShouldBeTrue)
}

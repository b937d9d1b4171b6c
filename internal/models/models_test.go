package models

import (
	"context"
	"testing"
	"time"

	"go.viam.com/test"

	"github.com/bdougie/visionbatch/internal/channel"
	"github.com/bdougie/visionbatch/internal/errkind"
)

func TestNewBatchSummary(t *testing.T) {
	s, err := NewBatchSummary("run", 4, 3, 8*time.Second)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s.Failed, test.ShouldEqual, 1)
	test.That(t, s.AvgTime, test.ShouldEqual, 2*time.Second)

	_, err = NewBatchSummary("run", 0, 0, time.Second)
	test.That(t, errkind.KindOf(err), test.ShouldEqual, errkind.Config)
}

func TestStatus(t *testing.T) {
	test.That(t, Succeeded.String(), test.ShouldEqual, "success")
	test.That(t, Failed.String(), test.ShouldEqual, "error")
	test.That(t, Pending.Terminal(), test.ShouldBeFalse)
	test.That(t, InFlight.Terminal(), test.ShouldBeFalse)
	test.That(t, Failed.Terminal(), test.ShouldBeTrue)
}

func TestBlobPayload(t *testing.T) {
	req, cleanup, err := BlobPayload{Bucket: "b", Key: "k"}.Build(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cleanup, test.ShouldBeNil)
	test.That(t, req, test.ShouldResemble, channel.BlobRequest{Bucket: "b", Key: "k"})
}

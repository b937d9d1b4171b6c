package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.viam.com/test"

	"github.com/bdougie/visionbatch/internal/errkind"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"VISIONBATCH_LOG_LEVEL", "VISIONBATCH_INFERENCE_URI", "VISIONBATCH_BLOB_BACKEND",
		"VISIONBATCH_BUCKET", "AWS_REGION", "VISIONBATCH_S3_ENDPOINT", "VISIONBATCH_LOCAL_DIR",
		"VISIONBATCH_CONCURRENCY", "VISIONBATCH_PER_ITEM_TIMEOUT", "VISIONBATCH_FRAME_INTERVAL",
		"VISIONBATCH_FRAMES_PER_GROUP", "VISIONBATCH_MAX_CONCURRENT_VIDEOS", "VISIONBATCH_METADATA_URL",
		"VISIONBATCH_OUTPUT_DIR", "POSTGRES_DSN", "POSTGRES_PASSWORD", "RABBITMQ_URL", "RABBITMQ_EXCHANGE",
	} {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "visionbatch.yaml")
	test.That(t, os.WriteFile(path, []byte(body), 0o644), test.ShouldBeNil)
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, "blob:\n  bucket: frames\n"))
	test.That(t, err, test.ShouldBeNil)

	test.That(t, cfg.Batch.Concurrency, test.ShouldEqual, 5)
	test.That(t, cfg.Batch.PerItemTimeout, test.ShouldEqual, 5*time.Minute)
	test.That(t, cfg.Video.FrameInterval, test.ShouldEqual, 30)
	test.That(t, cfg.Video.FramesPerGroup, test.ShouldEqual, 3)
	test.That(t, cfg.Video.MaxConcurrentVideos, test.ShouldEqual, 2)
	test.That(t, cfg.Inference.MaxMessageSize, test.ShouldEqual, int64(1<<30))
	test.That(t, cfg.Inference.MaxQueueDepth, test.ShouldEqual, 16)
	test.That(t, cfg.Blob.ImagePrefix, test.ShouldEqual, "images/")
	test.That(t, cfg.Blob.TempPrefix, test.ShouldEqual, "temp_frames/")
	test.That(t, cfg.Blob.VideoSuffixes, test.ShouldResemble, []string{".mp4", ".avi", ".mov"})
	test.That(t, cfg.Catalog.DensenetOutput, test.ShouldEqual, "fc6_1")
	test.That(t, cfg.Pipeline.Timeout, test.ShouldEqual, 300*time.Second)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
inference:
  uri: ws://inference:8080/ws
blob:
  bucket: frames
batch:
  concurrency: 8
  per_item_timeout: 45s
video:
  frame_interval: 10
`)
	t.Setenv("VISIONBATCH_CONCURRENCY", "12")
	t.Setenv("VISIONBATCH_BUCKET", "override")

	cfg, err := Load(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Inference.URI, test.ShouldEqual, "ws://inference:8080/ws")
	test.That(t, cfg.Batch.Concurrency, test.ShouldEqual, 12)
	test.That(t, cfg.Batch.PerItemTimeout, test.ShouldEqual, 45*time.Second)
	test.That(t, cfg.Video.FrameInterval, test.ShouldEqual, 10)
	test.That(t, cfg.Blob.Bucket, test.ShouldEqual, "override")
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	clearEnv(t)
	for _, body := range []string{
		"blob:\n  bucket: b\nbatch:\n  concurrency: -1\n",
		"blob:\n  bucket: b\nvideo:\n  frame_interval: -3\n",
		"blob:\n  bucket: b\nvideo:\n  frames_per_group: -1\n",
		"blob:\n  bucket: b\nbatch:\n  per_item_timeout: -1s\n",
		"blob:\n  backend: local\n",
		"blob:\n  backend: gcs\n  bucket: b\n",
		"blob:\n  bucket: b\ninference:\n  uri: http://nope\n",
		"batch: [not, a, map]\n",
	} {
		_, err := Load(writeConfig(t, body))
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, errkind.KindOf(err), test.ShouldEqual, errkind.Config)
	}
}

func TestLoadWithoutFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("VISIONBATCH_BLOB_BACKEND", "local")
	t.Setenv("VISIONBATCH_LOCAL_DIR", t.TempDir())
	cfg, err := Load("")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Blob.Backend, test.ShouldEqual, "local")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	test.That(t, err, test.ShouldNotBeNil)
}

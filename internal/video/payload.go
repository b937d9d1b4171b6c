package video

import (
	"context"
	"fmt"

	"github.com/bdougie/visionbatch/internal/blob"
	"github.com/bdougie/visionbatch/internal/channel"
)

// FramePayload uploads one encoded frame to transient storage so the inference
// service can fetch it by key. The object is deleted when the item settles.
type FramePayload struct {
	Store blob.Store
	Key   string
	Data  []byte
}

func (p FramePayload) Build(ctx context.Context) (channel.Request, func(context.Context) error, error) {
	cleanup := func(ctx context.Context) error {
		return p.Store.Delete(ctx, p.Key)
	}
	if err := p.Store.Put(ctx, p.Key, p.Data); err != nil {
		return nil, cleanup, err
	}
	return channel.BlobRequest{Bucket: p.Store.Bucket(), Key: p.Key}, cleanup, nil
}

// TempFrameKey names the transient object for one frame of one video run.
func TempFrameKey(prefix, videoRunID string, index int) string {
	return fmt.Sprintf("%s%s/frame_%d.jpg", prefix, videoRunID, index)
}

// FrameItemID identifies a frame within a batch.
func FrameItemID(videoKey string, index int) string {
	return fmt.Sprintf("%s#%d", videoKey, index)
}
